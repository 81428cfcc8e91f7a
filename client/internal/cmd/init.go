package cmd

import (
	"github.com/spf13/cobra"

	"github.com/amurg-ai/permbridge/client/internal/bridge"
	"github.com/amurg-ai/permbridge/client/internal/wizard"
	"github.com/amurg-ai/permbridge/pkg/cli"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactive setup wizard to generate a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			return runInit(cmd, output)
		},
	}
	cmd.Flags().StringP("output", "o", "", "output config file path (default: ./"+defaultConfigName+")")
	return cmd
}

func runInit(cmd *cobra.Command, output string) error {
	p := &cli.Prompter{In: cmd.InOrStdin(), Out: cmd.OutOrStdout()}
	_, err := wizard.New(p, bridge.NewSessionID).Run(output)
	return err
}
