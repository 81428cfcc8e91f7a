package cmd

import (
	"cmp"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/amurg-ai/permbridge/client/internal/config"
)

func newConfigCmd() *cobra.Command {
	show := &cobra.Command{
		Use:   "show",
		Short: "Display the effective configuration with secrets masked",
		RunE:  runConfigShow,
	}
	edit := &cobra.Command{
		Use:   "edit",
		Short: "Open the configuration in $VISUAL or $EDITOR, then validate it",
		RunE:  runConfigEdit,
	}
	c := &cobra.Command{Use: "config", Short: "View or edit the configuration", RunE: runConfigShow}
	c.AddCommand(show, edit)
	return c
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg.Redacted(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	printf(cmd, "Config: %s\n\n%s\n", path, data)
	return nil
}

// runConfigEdit opens the file in $VISUAL or $EDITOR and validates the result.
func runConfigEdit(cmd *cobra.Command, args []string) error {
	path := resolveConfigPath(cmd, nil)

	editor := cmp.Or(os.Getenv("VISUAL"), os.Getenv("EDITOR"), "vi")
	c := exec.CommandContext(commandContext(cmd), editor, path)
	c.Stdin, c.Stdout, c.Stderr = os.Stdin, os.Stdout, os.Stderr
	if err := c.Run(); err != nil {
		return fmt.Errorf("%s: %w", editor, err)
	}

	if _, err := config.Load(path); err != nil {
		return fmt.Errorf("edited config is invalid: %w", err)
	}
	printf(cmd, "%s is valid.\n", path)
	return nil
}
