package approvals

import (
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/amurg-ai/permbridge/pkg/protocol"
)

type keyMap struct {
	Up           key.Binding
	Down         key.Binding
	Allow        key.Binding
	Deny         key.Binding
	AllowSession key.Binding
	AllowAlways  key.Binding
	Logs         key.Binding
	Help         key.Binding
	Quit         key.Binding
}

func defaultKeyMap() keyMap {
	return keyMap{
		Up:           key.NewBinding(key.WithKeys("k", "up"), key.WithHelp("k/↑", "up")),
		Down:         key.NewBinding(key.WithKeys("j", "down"), key.WithHelp("j/↓", "down")),
		Allow:        key.NewBinding(key.WithKeys("a"), key.WithHelp("a", "allow")),
		Deny:         key.NewBinding(key.WithKeys("d"), key.WithHelp("d", "deny")),
		AllowSession: key.NewBinding(key.WithKeys("s"), key.WithHelp("s", "allow for session")),
		AllowAlways:  key.NewBinding(key.WithKeys("A"), key.WithHelp("A", "always allow")),
		Logs:         key.NewBinding(key.WithKeys("l"), key.WithHelp("l", "toggle logs")),
		Help:         key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "more")),
		Quit:         key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	}
}

// decisionFor maps a key press to the decision it submits.
func (k keyMap) decisionFor(msg tea.KeyMsg) (protocol.Decision, bool) {
	switch {
	case key.Matches(msg, k.Allow):
		return protocol.DecisionAllow, true
	case key.Matches(msg, k.Deny):
		return protocol.DecisionDeny, true
	case key.Matches(msg, k.AllowSession):
		return protocol.DecisionAllowSession, true
	case key.Matches(msg, k.AllowAlways):
		return protocol.DecisionAllowAlways, true
	}
	return "", false
}

// ShortHelp implements help.KeyMap.
func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Allow, k.Deny, k.AllowSession, k.AllowAlways, k.Help, k.Quit}
}

// FullHelp implements help.KeyMap.
func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down},
		{k.Allow, k.Deny, k.AllowSession, k.AllowAlways},
		{k.Logs, k.Help, k.Quit},
	}
}
