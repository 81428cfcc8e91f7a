package cmd

import (
	"github.com/spf13/cobra"

	"github.com/amurg-ai/permbridge/client/internal/coordinator"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running bridge",
		RunE:  runStatus,
	}
	addAPIFlags(cmd)
	return cmd
}

func runStatus(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient(cmd)
	if err != nil {
		return err
	}
	st, err := client.Status(commandContext(cmd))
	if err != nil {
		return err
	}

	state := string(st.State)
	if st.ReconnectAttempts > 0 && st.State != coordinator.StateConnected {
		state = "reconnecting"
	}
	printf(cmd, "Session:  %s\n", st.SessionID)
	printf(cmd, "Peer:     %s\n", state)
	printf(cmd, "Pending:  %d\n", st.Pending)
	printf(cmd, "Queued:   %d\n", st.Queued)
	printf(cmd, "Uptime:   %s\n", st.Uptime)
	return nil
}
