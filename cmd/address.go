package cmd

import (
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"
)

var (
	ownerFlag string
	saltFlag  string

	addressCmd = &cobra.Command{
		Use:   "address",
		Short: "Compute the smart wallet address of an owner",
		Long: `Compute the counterfactual smart wallet address for --owner and --salt using the
configured factory, and report whether it is deployed yet.

Without --owner the controller key from the config is used.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadPipeline(cmd.Context())
			if err != nil {
				return err
			}
			defer p.Close()

			owner, err := p.owner(ownerFlag)
			if err != nil {
				return err
			}
			salt, err := parseSalt(saltFlag)
			if err != nil {
				return err
			}

			acct, err := p.builder.CreateSmartAccount(cmd.Context(), owner, salt)
			if err != nil {
				return err
			}
			initCode, err := p.builder.GetInitCode(cmd.Context(), owner, salt)
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), map[string]any{
				"owner":    acct.Owner.Hex(),
				"address":  acct.Address.Hex(),
				"salt":     acct.Salt.String(),
				"deployed": acct.Deployed,
				"chainId":  acct.ChainID.String(),
				"factory":  p.builder.Config().Factory.Hex(),
				"initCode": hexutil.Encode(initCode),
			})
		},
	}
)

func addAccountFlags(c *cobra.Command) {
	c.Flags().StringVar(&ownerFlag, "owner", "", "owner EOA of the smart wallet, defaults to the controller key")
	c.Flags().StringVar(&saltFlag, "salt", "0", "factory salt of the smart wallet")
}

func init() {
	addAccountFlags(addressCmd)
	rootCmd.AddCommand(addressCmd)
}
