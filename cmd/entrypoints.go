package cmd

import (
	"github.com/spf13/cobra"
)

var entrypointsCmd = &cobra.Command{
	Use:   "entrypoints",
	Short: "Check the bundler and paymaster against the config",
	Long: `List the entry points and chain id the bundler reports, whether the configured
entry point is among them, and the paymaster's accepted tokens and policies.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := loadPipeline(cmd.Context())
		if err != nil {
			return err
		}
		defer p.Close()

		supported, err := p.bundler.SupportedEntryPoints(cmd.Context())
		if err != nil {
			return err
		}
		bundlerChain, err := p.bundler.ChainID(cmd.Context())
		if err != nil {
			return err
		}

		out := map[string]any{
			"entryPoints":         hexAddresses(supported),
			"configured":          p.cfg.EntryPointAddress.Hex(),
			"configuredSupported": p.bundler.EnsureEntryPointSupported(cmd.Context()) == nil,
			"bundlerChainId":      bundlerChain.String(),
			"chainId":             p.chainID.String(),
		}

		if p.paymaster != nil {
			tokens, err := p.paymaster.AcceptedTokens(cmd.Context())
			if err != nil {
				return err
			}
			policies, err := p.paymaster.SponsorshipPolicies(cmd.Context())
			if err != nil {
				return err
			}
			out["paymasterTokens"] = tokens
			out["paymasterPolicies"] = policies
		}
		return printJSON(cmd.OutOrStdout(), out)
	},
}

func init() {
	rootCmd.AddCommand(entrypointsCmd)
}
