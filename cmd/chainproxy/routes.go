package main

import (
	"github.com/spf13/cobra"

	"github.com/edgequota/chainproxy/internal/routes"
)

var routesCmd = &cobra.Command{
	Use:   "routes",
	Short: "Print the route reference as markdown",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return routes.Markdown(cmd.OutOrStdout(), routes.Table())
	},
}

func init() {
	rootCmd.AddCommand(routesCmd)
}
