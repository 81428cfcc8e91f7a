package approvals

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/amurg-ai/permbridge/client/internal/api"
	"github.com/amurg-ai/permbridge/client/internal/eventbus"
)

// Run shows the approvals screen until the user quits or ctx is canceled.
// Bus events are forwarded to the screen while it runs.
func Run(ctx context.Context, backend api.Backend, bus *eventbus.Bus) error {
	p := tea.NewProgram(NewModel(backend), tea.WithAltScreen(), tea.WithContext(ctx))

	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)
	go func() {
		for e := range sub.C {
			p.Send(EventMsg(e))
		}
	}()

	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}
