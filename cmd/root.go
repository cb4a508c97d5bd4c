package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath = "./config/ap-userop.yaml"
	rootCmd    = &cobra.Command{
		Use:   "ap-userop",
		Short: "ERC-4337 user operation pipeline",
		Long: `Build, sponsor, sign, submit and track ERC-4337 user operations for
SimpleAccount style smart wallets.

Each sub command loads the same config file, for example
"ap-userop address --owner 0x..." or "ap-userop serve".
`,
		SilenceUsage: true,
	}
)

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", configPath, "Path to config file")
}
