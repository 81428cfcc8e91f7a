// Package wizard provides the interactive setup for a permbridge config file.
package wizard

import (
	"fmt"
	"os"
	"strings"

	"github.com/amurg-ai/permbridge/client/internal/config"
	"github.com/amurg-ai/permbridge/pkg/cli"
)

var storageDrivers = []struct {
	name, desc, dsn string
}{
	{"memory", "in-process only, lost on restart", ""},
	{"sqlite", "local file, survives restarts", "permbridge.db"},
	{"postgres", "shared database", "postgres://localhost:5432/permbridge?sslmode=disable"},
}

// Wizard drives the interactive config setup.
type Wizard struct {
	p         *cli.Prompter
	sessionID func() string
}

// New creates a Wizard. newSessionID supplies the suggested session ID.
func New(p *cli.Prompter, newSessionID func() string) *Wizard {
	return &Wizard{p: p, sessionID: newSessionID}
}

// Run asks for the settings and writes them to outputPath, returning the
// path written. An existing file is only replaced after confirmation.
func (w *Wizard) Run(outputPath string) (string, error) {
	out := w.p.Out
	fmt.Fprintln(out)
	fmt.Fprintln(out, "  permbridge setup")
	fmt.Fprintln(out, strings.Repeat("─", 32))
	fmt.Fprintln(out)

	cfg := config.Defaults()

	fmt.Fprintln(out, "Permission peer")
	url, err := w.p.AskValid("  WebSocket URL", "ws://localhost:8090/permissions", config.ValidateHubURL)
	if err != nil {
		return "", fmt.Errorf("hub url: %w", err)
	}
	cfg.Hub.URL = url
	cfg.Hub.Token = w.p.AskPassword("  Bearer token (empty for none)")
	cfg.Session.ID = w.p.Ask("  Session ID", w.sessionID())
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Pending-request cache")
	options := make([]string, len(storageDrivers))
	for i, d := range storageDrivers {
		options[i] = fmt.Sprintf("%s (%s)", d.name, d.desc)
	}
	driver := storageDrivers[w.p.ChooseIndex("  Storage", options, 0)]
	cfg.Storage.Driver = driver.name
	if driver.dsn != "" {
		cfg.Storage.DSN = w.p.Ask("  DSN", driver.dsn)
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Local API")
	if w.p.Confirm("  Serve the approvals API?", true) {
		cfg.API.Addr = w.p.Ask("  Listen address", config.DefaultAPIAddr)
		cfg.API.JWTSecret = w.p.AskPassword("  JWT secret (empty keeps the API on loopback without auth)")
		if cfg.API.JWTSecret == "" && !config.IsLoopbackAddr(cfg.API.Addr) {
			fmt.Fprintf(out, "  No secret given, listening on %s instead of %s\n", config.DefaultAPIAddr, cfg.API.Addr)
			cfg.API.Addr = config.DefaultAPIAddr
		}
	} else {
		cfg.API.Addr = ""
	}
	cfg.LogLevel = w.p.Ask("  Log level (debug/info/warn/error)", "info")
	fmt.Fprintln(out)

	if outputPath == "" {
		outputPath = w.p.Ask("Config file path", config.DefaultPath)
	}
	if _, err := os.Stat(outputPath); err == nil {
		if !w.p.Confirm(fmt.Sprintf("%s exists. Overwrite?", outputPath), false) {
			return "", fmt.Errorf("not overwriting %s", outputPath)
		}
	}

	if err := config.Save(outputPath, cfg); err != nil {
		return "", err
	}

	fmt.Fprintf(out, "\n  Config written to %s\n\n", outputPath)
	fmt.Fprintln(out, "  Next steps:")
	fmt.Fprintf(out, "    permbridge tui -c %s\n\n", outputPath)
	return outputPath, nil
}
