package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	statusCmd = &cobra.Command{
		Use:   "status <userOpHash>",
		Short: "Show where a user operation is",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadPipeline(cmd.Context())
			if err != nil {
				return err
			}
			defer p.Close()

			status, err := p.builder.GetStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "status: %s\n", status.Status)
			if status.TransactionHash != nil {
				fmt.Fprintf(out, "tx:     %s\n", *status.TransactionHash)
			}
			if status.Receipt != nil && status.Receipt.Reason != "" {
				fmt.Fprintf(out, "reason: %s\n", status.Receipt.Reason)
			}
			return nil
		},
	}

	waitCmd = &cobra.Command{
		Use:   "wait <userOpHash>",
		Short: "Wait for the receipt of a user operation",
		Long: `Poll the bundler until the user operation is on chain, using the tracker
poll_interval and timeout from the config.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadPipeline(cmd.Context())
			if err != nil {
				return err
			}
			defer p.Close()

			receipt, err := p.builder.WaitForReceipt(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printReceipt(cmd, p, receipt)
			return nil
		},
	}
)

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(waitCmd)
}
