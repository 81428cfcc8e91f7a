package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/amurg-ai/permbridge/client/internal/api"
	"github.com/amurg-ai/permbridge/client/internal/config"
	"github.com/amurg-ai/permbridge/client/internal/tui"
	"github.com/amurg-ai/permbridge/pkg/cli"
	"github.com/amurg-ai/permbridge/pkg/protocol"
)

const cliTokenTTL = 5 * time.Minute

var decisionChoices = []protocol.Decision{
	protocol.DecisionAllow,
	protocol.DecisionDeny,
	protocol.DecisionAllowSession,
	protocol.DecisionAllowAlways,
}

func addAPIFlags(cmd *cobra.Command) {
	cmd.Flags().String("api", "", "API address (default: api.addr from the config)")
	cmd.Flags().String("token", "", "bearer token (default: $PERMBRIDGE_TOKEN, or one signed with api.jwt_secret)")
}

// newAPIClient resolves the API address and credentials from flags, the
// environment and the config file, in that order.
func newAPIClient(cmd *cobra.Command) (*api.Client, error) {
	addr, _ := cmd.Flags().GetString("api")
	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		token = os.Getenv("PERMBRIDGE_TOKEN")
	}

	cfg, _, err := loadConfig(cmd)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		cfg = config.Defaults()
	case err != nil:
		return nil, err
	}

	if addr == "" {
		addr = cfg.API.Addr
	}
	if addr == "" {
		return nil, fmt.Errorf("the API is disabled in the config; pass --api")
	}
	if token == "" && cfg.API.JWTSecret != "" {
		token, err = api.IssueToken(cfg.API.JWTSecret, "permbridge-cli", cliTokenTTL)
		if err != nil {
			return nil, err
		}
	}
	return api.NewClient(addr, token), nil
}

func newPendingCmd() *cobra.Command {
	pendingCmd := &cobra.Command{
		Use:   "pending",
		Short: "List or answer pending permission requests",
		RunE:  runPendingList,
	}
	addAPIFlags(pendingCmd)
	pendingCmd.Flags().Bool("json", false, "print raw JSON")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List requests awaiting a decision",
		RunE:  runPendingList,
	}
	addAPIFlags(listCmd)
	listCmd.Flags().Bool("json", false, "print raw JSON")

	decideCmd := &cobra.Command{
		Use:   "decide <request-id> [allow|deny|allow-session|allow-always]",
		Short: "Answer a pending request",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runPendingDecide,
	}
	addAPIFlags(decideCmd)
	decideCmd.Flags().String("input", "", "replacement tool input as a JSON object")

	pendingCmd.AddCommand(listCmd, decideCmd)
	return pendingCmd
}

func runPendingList(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient(cmd)
	if err != nil {
		return err
	}
	pending, err := client.Pending(commandContext(cmd))
	if err != nil {
		return err
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		data, err := json.MarshalIndent(pending, "", "  ")
		if err != nil {
			return err
		}
		printf(cmd, "%s\n", data)
		return nil
	}

	if len(pending) == 0 {
		printf(cmd, "No pending requests.\n")
		return nil
	}
	printf(cmd, "%s\n", renderPendingTable(pending, time.Now()))
	return nil
}

func renderPendingTable(pending []api.PendingView, now time.Time) string {
	rows := make([][]string, 0, len(pending))
	for _, p := range pending {
		expires := "-"
		if p.ExpiresAt != nil {
			expires = p.ExpiresAt.Sub(now).Round(time.Second).String()
		}
		tool := p.ToolName
		if tool == "" {
			tool = "?"
		}
		rows = append(rows, []string{p.ID, tool, now.Sub(p.ReceivedAt).Round(time.Second).String(), expires})
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(tui.ColorMuted)).
		Headers("ID", "TOOL", "AGE", "EXPIRES IN").
		Rows(rows...)
	return t.Render()
}

func runPendingDecide(cmd *cobra.Command, args []string) error {
	requestID := args[0]

	var decision protocol.Decision
	if len(args) == 2 {
		d, err := protocol.ParseDecision(args[1])
		if err != nil {
			return err
		}
		decision = d
	} else {
		p := &cli.Prompter{In: cmd.InOrStdin(), Out: cmd.OutOrStdout()}
		options := make([]string, len(decisionChoices))
		for i, d := range decisionChoices {
			options[i] = string(d)
		}
		decision = decisionChoices[p.ChooseIndex("Decision for "+requestID, options, 1)]
	}

	var updated map[string]any
	if raw, _ := cmd.Flags().GetString("input"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &updated); err != nil {
			return fmt.Errorf("--input must be a JSON object: %w", err)
		}
	}

	client, err := newAPIClient(cmd)
	if err != nil {
		return err
	}
	sent, err := client.Decide(commandContext(cmd), requestID, decision, updated)
	if errors.Is(err, api.ErrNotPending) {
		return fmt.Errorf("request %s is not pending", requestID)
	}
	if err != nil {
		return err
	}

	if sent {
		printf(cmd, "%s: %s\n", requestID, decision)
	} else {
		printf(cmd, "%s: %s (queued until the peer reconnects)\n", requestID, decision)
	}
	return nil
}
