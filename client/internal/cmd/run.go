package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/amurg-ai/permbridge/client/internal/bridge"
	"github.com/amurg-ai/permbridge/client/internal/config"
	"github.com/amurg-ai/permbridge/client/internal/eventbus"
)

const defaultConfigName = config.DefaultPath

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [config-file]",
		Short: "Run the bridge headless, logging JSON to stdout",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRun,
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	configPath := resolveConfigPath(cmd, args)
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	bus := eventbus.New()
	defer bus.Close()
	logger := newLogger(os.Stdout, cfg.SlogLevel(), bus)

	b, err := bridge.New(cfg, logger, bus)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("permbridge starting",
		"version", version,
		"config", configPath,
		"session_id", b.SessionID(),
		"hub", cfg.Hub.URL,
		"storage", cfg.Storage.Driver,
		"api", cfg.API.Addr,
	)

	if err := b.Run(ctx); err != nil {
		logger.Error("bridge error", "error", err)
		return err
	}

	logger.Info("permbridge stopped")
	return nil
}

// newLogger writes JSON records at level to w and mirrors them onto bus,
// where the event stream and the TUI log pane pick them up.
func newLogger(w io.Writer, level slog.Level, bus *eventbus.Bus) *slog.Logger {
	inner := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(eventbus.NewSlogHandler(inner, bus, level))
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// resolveConfigPath returns the config file path from (in priority order):
// 1. Positional argument
// 2. --config / -c flag
// 3. ./permbridge.json
func resolveConfigPath(cmd *cobra.Command, args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	if f := cmd.Flag("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	if f := cmd.Root().PersistentFlags().Lookup("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	return defaultConfigName
}

func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path := resolveConfigPath(cmd, nil)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

func printf(cmd *cobra.Command, format string, args ...any) {
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
