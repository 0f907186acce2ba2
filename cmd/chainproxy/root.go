package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	envFile string
)

var rootCmd = &cobra.Command{
	Use:   "chainproxy",
	Short: "chainproxy - authenticated blockchain data API proxy",
	Long: `chainproxy fronts a blockchain data API. Clients authenticate with their
own API keys; the upstream key never leaves the server.

Configuration is read from a YAML file (CHAINPROXY_CONFIG_FILE, default
/etc/chainproxy/config.yaml) with CHAINPROXY_* environment overrides.`,
	SilenceUsage: true,
	RunE:         runServe,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (overrides CHAINPROXY_CONFIG_FILE)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before configuration")
}
