// Package cmd holds the permbridge command tree.
package cmd

import (
	"github.com/spf13/cobra"
)

var version = "dev"

// NewRootCmd creates the root cobra command for permbridge.
// Without a subcommand it opens the approvals TUI on a terminal and runs
// headless otherwise.
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:           "permbridge",
		Short:         "permbridge relays tool permission requests to a human",
		Long:          "permbridge connects to a permission peer over WebSocket, tracks pending requests, and lets you answer them from a TUI, the CLI, or a local HTTP API.",
		RunE:          runDefault,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newTUICmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newPendingCmd())
	root.AddCommand(newTokenCmd())
	root.AddCommand(newConfigCmd())
	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringP("config", "c", "", "path to config file (default ./"+defaultConfigName+")")

	return root
}
