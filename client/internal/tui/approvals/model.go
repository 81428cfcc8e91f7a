// Package approvals is the terminal screen for answering permission
// requests as they arrive.
package approvals

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/amurg-ai/permbridge/client/internal/api"
	"github.com/amurg-ai/permbridge/client/internal/coordinator"
	"github.com/amurg-ai/permbridge/client/internal/eventbus"
	"github.com/amurg-ai/permbridge/client/internal/tui"
	"github.com/amurg-ai/permbridge/pkg/protocol"
)

const refreshInterval = time.Second

// EventMsg carries one event from the bus.
type EventMsg eventbus.Event

type refreshMsg struct {
	status  api.Status
	pending []api.PendingView
}

type tickMsg time.Time

type respondedMsg struct {
	id       string
	decision protocol.Decision
	sent     bool
	err      error
}

// Model is the root approvals model.
type Model struct {
	backend api.Backend
	keys    keyMap
	help    help.Model

	status   api.Status
	pending  pendingModel
	logs     logsModel
	showLogs bool
	flash    string

	width    int
	height   int
	now      func() time.Time
	quitting bool
}

// NewModel creates an approvals screen over backend.
func NewModel(backend api.Backend) Model {
	m := Model{
		backend:  backend,
		keys:     defaultKeyMap(),
		help:     help.New(),
		logs:     newLogs(),
		showLogs: true,
		now:      time.Now,
		width:    80,
	}
	m.status = backend.Status()
	m.pending.update(views(backend.Pending()))
	return m
}

func views(pending []coordinator.PendingRequest) []api.PendingView {
	out := make([]api.PendingView, 0, len(pending))
	for _, p := range pending {
		out = append(out, api.NewPendingView(p))
	}
	return out
}

func (m Model) Init() tea.Cmd {
	return tick()
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) refresh() tea.Cmd {
	backend := m.backend
	return func() tea.Msg {
		return refreshMsg{status: backend.Status(), pending: views(backend.Pending())}
	}
}

func (m Model) respond(id string, d protocol.Decision) tea.Cmd {
	backend := m.backend
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sent, err := backend.Respond(ctx, id, d, nil)
		return respondedMsg{id: id, decision: d, sent: sent, err: err}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		m.logs.SetSize(msg.Width-4, m.logsHeight())
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, m.keys.Help):
			m.help.ShowAll = !m.help.ShowAll
			return m, nil
		case key.Matches(msg, m.keys.Logs):
			m.showLogs = !m.showLogs
			return m, nil
		case key.Matches(msg, m.keys.Up):
			m.pending.up()
			return m, nil
		case key.Matches(msg, m.keys.Down):
			m.pending.down()
			return m, nil
		}
		if d, ok := m.keys.decisionFor(msg); ok {
			sel, ok := m.pending.selected()
			if !ok {
				return m, nil
			}
			return m, m.respond(sel.ID, d)
		}

	case respondedMsg:
		switch {
		case msg.err != nil:
			m.flash = tui.ErrorStyle.Render(fmt.Sprintf("%s: %v", shortID(msg.id), msg.err))
		case msg.sent:
			m.flash = tui.DecisionStyle(msg.decision).Render(string(msg.decision)) + " " + shortID(msg.id)
		default:
			m.flash = tui.DecisionStyle(msg.decision).Render(string(msg.decision)) + " " + shortID(msg.id) +
				tui.WarningStyle.Render("  (queued until reconnect)")
		}
		return m, m.refresh()

	case refreshMsg:
		m.status = msg.status
		m.pending.update(msg.pending)
		m.logs.SetSize(m.width-4, m.logsHeight())
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.refresh(), tick())

	case EventMsg:
		m.logs.add(eventbus.Event(msg))
		if msg.Type != eventbus.LogEntry {
			return m, m.refresh()
		}
		return m, nil
	}

	return m, nil
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}
	inner := max(m.width-2, 10)

	pendingView := tui.Panel.Width(inner).BorderForeground(tui.ColorPrimary).Render(
		tui.Subtitle.Render(fmt.Sprintf(" Pending (%d)", len(m.pending.items))) + "\n" +
			m.pending.View(inner, m.now()),
	)

	sections := []string{m.headerView(inner), pendingView}
	if m.showLogs {
		sections = append(sections, tui.Panel.Width(inner).Render(
			tui.Subtitle.Render(" Log")+"\n"+m.logs.View(),
		))
	}
	if m.flash != "" {
		sections = append(sections, "  "+m.flash)
	}
	sections = append(sections, "  "+m.help.View(m.keys))

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) headerView(width int) string {
	reconnecting := m.status.ReconnectAttempts > 0
	left := tui.Title.Render("permbridge")
	right := fmt.Sprintf("%s %s", tui.StatusDot(m.status.State, reconnecting), tui.StatusText(m.status.State, reconnecting))

	gap := max(width-lipgloss.Width(left)-lipgloss.Width(right)-2, 1)
	first := left + lipgloss.NewStyle().Width(gap).Render("") + right

	info := fmt.Sprintf("Session: %s   Queued: %d   Uptime: %s", m.status.SessionID, m.status.Queued, m.status.Uptime)
	return tui.Panel.Width(width).BorderForeground(tui.ColorPrimary).Padding(0, 1).Render(
		first + "\n" + tui.Description.Render(info),
	)
}

func (m Model) logsHeight() int {
	used := 4 + m.pending.height() + 2 + 3
	return max(m.height-used-2, 3)
}

// Quitting reports whether the user asked to leave.
func (m Model) Quitting() bool { return m.quitting }
