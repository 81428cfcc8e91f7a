package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/amurg-ai/permbridge/client/internal/bridge"
	"github.com/amurg-ai/permbridge/client/internal/config"
	"github.com/amurg-ai/permbridge/client/internal/eventbus"
	"github.com/amurg-ai/permbridge/client/internal/tui/approvals"
)

func newTUICmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tui [config-file]",
		Short: "Run the bridge with the interactive approvals screen",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runTUI,
	}
	cmd.Flags().String("log-file", "", "also write JSON logs to this file")
	return cmd
}

func runTUI(cmd *cobra.Command, args []string) error {
	configPath := resolveConfigPath(cmd, args)
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// The screen owns the terminal, so logs reach the bus and optionally a file.
	var logOut io.Writer = io.Discard
	if path, _ := cmd.Flags().GetString("log-file"); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer func() { _ = f.Close() }()
		logOut = f
	}

	bus := eventbus.New()
	defer bus.Close()
	logger := newLogger(logOut, cfg.SlogLevel(), bus)

	b, err := bridge.New(cfg, logger, bus)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.Run(gctx) })
	g.Go(func() error {
		defer cancel()
		return approvals.Run(gctx, b, bus)
	})
	return g.Wait()
}
