package cmd

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-userop/core/chainio/signer"
	"github.com/AvaProtocol/ap-userop/core/config"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/preset"
)

var (
	sponsorFlag bool
	tokenFlag   string
	waitFlag    bool

	executeCmd = &cobra.Command{
		Use:   "execute",
		Short: "Sign and send a user operation",
		Long: `Build, optionally sponsor, sign with the controller key and send a user operation
for one or more calls. The smart wallet is the one owned by the controller key.

Use --sponsor to ask the paymaster to cover gas, or --token to pay gas in an ERC-20 token.
With --wait the command blocks until the operation is on chain.`,
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

			key := p.cfg.ControllerPrivateKey
			if key == nil {
				return fmt.Errorf("%w: set controller_private_key or %s", signer.ErrNoKey, config.EnvControllerPrivateKey)
			}
			salt, err := parseSalt(saltFlag)
			if err != nil {
				return err
			}
			acct, err := p.builder.CreateSmartAccount(cmd.Context(), crypto.PubkeyToAddress(key.PublicKey), salt)
			if err != nil {
				return err
			}

			opts := preset.ExecuteOptions{
				Build:    preset.BuildOptions{SkipEstimation: skipEstimation, FeeTier: tier},
				Sponsor:  sponsorFlag,
				PolicyID: policyFlag,
			}
			if tokenFlag != "" {
				if !common.IsHexAddress(tokenFlag) {
					return fmt.Errorf("invalid --token %q", tokenFlag)
				}
				token := common.HexToAddress(tokenFlag)
				opts.PayWithToken = &token
			}

			hash, err := p.builder.Execute(cmd.Context(), acct, calls, key, opts)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "userOpHash: %s\n", hash)
			fmt.Fprintf(out, "sender:     %s\n", acct.Address.Hex())
			if !waitFlag {
				return nil
			}

			receipt, err := p.builder.WaitForReceipt(cmd.Context(), hash)
			if err != nil {
				return err
			}
			printReceipt(cmd, p, receipt)
			return nil
		},
	}
)

func printReceipt(cmd *cobra.Command, p *pipeline, receipt *bundler.UserOperationReceipt) {
	out := cmd.OutOrStdout()
	tx := receipt.Receipt.TransactionHash.Hex()
	fmt.Fprintf(out, "status:     %s\n", receipt.Status())
	fmt.Fprintf(out, "tx:         %s\n", tx)
	if cost := receipt.Cost(); cost != nil {
		fmt.Fprintf(out, "gas cost:   %s\n", decimal.NewFromBigInt(cost, -18).String())
	}
	if receipt.Reason != "" {
		fmt.Fprintf(out, "reason:     %s\n", receipt.Reason)
	}
	if url := p.cfg.Network.TxURL(tx); url != "" {
		fmt.Fprintf(out, "explorer:   %s\n", url)
	}
}

func init() {
	addCallFlags(executeCmd)
	executeCmd.Flags().StringVar(&saltFlag, "salt", "0", "factory salt of the smart wallet")
	executeCmd.Flags().BoolVar(&sponsorFlag, "sponsor", false, "ask the paymaster to sponsor gas")
	executeCmd.Flags().StringVar(&tokenFlag, "token", "", "pay gas with this ERC-20 token through the paymaster")
	executeCmd.Flags().BoolVar(&waitFlag, "wait", false, "wait for the receipt")
	rootCmd.AddCommand(executeCmd)
}
