package cmd

import (
	"errors"
	"io/fs"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// runDefault implements bare `permbridge`:
//   - not a terminal → run
//   - no config → init wizard
//   - otherwise → tui
func runDefault(cmd *cobra.Command, args []string) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return runRun(cmd, args)
	}

	configPath := resolveConfigPath(cmd, args)
	if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) {
		if err := runInit(cmd, configPath); err != nil {
			return err
		}
	}
	return runTUI(cmd, args)
}
