package cmd

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-userop/core/chainio/aa"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/preset"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/userop"
)

var (
	callFlags      []string
	skipEstimation bool
	feeTierFlag    string
	policyFlag     string
	costFlag       bool

	buildCmd = &cobra.Command{
		Use:   "build",
		Short: "Build an unsigned user operation",
		Long: `Build and estimate an unsigned user operation for one or more calls, and print it
with its userOpHash. Nothing is signed or sent.

Calls are given as --call to[,value[,data]], value in wei. Repeat --call for a batch.
With --cost the worst case cost is printed as well, including the paymaster premium when
--policy or a default policy is configured.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			calls, err := parseCalls(callFlags)
			if err != nil {
				return err
			}
			tier, err := parseTier(feeTierFlag)
			if err != nil {
				return err
			}

			p, err := loadPipeline(cmd.Context())
			if err != nil {
				return err
			}
			defer p.Close()

			acct, err := p.account(cmd)
			if err != nil {
				return err
			}

			out := map[string]any{}
			var op userop.UserOperation
			if costFlag {
				cost, err := p.builder.EstimateCost(cmd.Context(), acct, calls, policyFlag)
				if err != nil {
					return err
				}
				op = cost.UserOperation
				out["cost"] = map[string]any{
					"gasLimit":     cost.GasLimit.String(),
					"maxFeePerGas": cost.MaxFeePerGas.String(),
					"premiumWei":   cost.Premium.String(),
					"wei":          cost.Wei.String(),
					"native":       cost.Native.String(),
					"sponsored":    cost.Sponsored,
				}
			} else {
				op, err = p.builder.BuildUserOperation(cmd.Context(), acct, calls, preset.BuildOptions{
					SkipEstimation: skipEstimation,
					FeeTier:        tier,
				})
				if err != nil {
					return err
				}
			}

			decoded, err := aa.DecodeCallData(op.CallData)
			if err != nil {
				return err
			}
			out["calls"] = lo.Map(decoded, func(c userop.Call, _ int) map[string]string {
				return map[string]string{"to": c.To.Hex(), "value": c.Value.String(), "data": hexutil.Encode(c.Data)}
			})

			cfg := p.builder.Config()
			out["userOperation"] = op.ToWire(nil)
			out["userOpHash"] = op.Hash(cfg.EntryPoint, cfg.ChainID).Hex()
			out["entryPoint"] = cfg.EntryPoint.Hex()
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
)

func parseTier(s string) (bundler.FeeTier, error) {
	if s == "" {
		return "", nil
	}
	tier := bundler.FeeTier(s)
	switch tier {
	case bundler.FeeTierSlow, bundler.FeeTierStandard, bundler.FeeTierFast:
		return tier, nil
	}
	return "", fmt.Errorf("invalid --tier %q, expected slow, standard or fast", s)
}

func (p *pipeline) account(cmd *cobra.Command) (*preset.SmartAccount, error) {
	owner, err := p.owner(ownerFlag)
	if err != nil {
		return nil, err
	}
	salt, err := parseSalt(saltFlag)
	if err != nil {
		return nil, err
	}
	return p.builder.CreateSmartAccount(cmd.Context(), owner, salt)
}

func addCallFlags(c *cobra.Command) {
	c.Flags().StringArrayVar(&callFlags, "call", nil, "call as to[,value[,data]], repeat for a batch")
	c.Flags().BoolVar(&skipEstimation, "skip-estimation", false, "keep the default gas limits")
	c.Flags().StringVar(&feeTierFlag, "tier", "", "fee tier: slow, standard or fast")
	c.Flags().StringVar(&policyFlag, "policy", "", "paymaster sponsorship policy id")
}

func init() {
	addAccountFlags(buildCmd)
	addCallFlags(buildCmd)
	buildCmd.Flags().BoolVar(&costFlag, "cost", false, "also print the worst case cost")
	rootCmd.AddCommand(buildCmd)
}
