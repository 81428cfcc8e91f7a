package approvals

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/amurg-ai/permbridge/client/internal/api"
	"github.com/amurg-ai/permbridge/client/internal/tui"
	"github.com/amurg-ai/permbridge/pkg/textdir"
)

// summaryKeys are the input fields shown in the list, first match wins.
var summaryKeys = []string{"command", "file_path", "path", "url", "pattern", "description", "prompt"}

type pendingModel struct {
	items  []api.PendingView
	cursor int
}

func (p *pendingModel) update(items []api.PendingView) {
	var current string
	if sel, ok := p.selected(); ok {
		current = sel.ID
	}
	p.items = items
	p.cursor = 0
	for i, it := range items {
		if it.ID == current {
			p.cursor = i
			break
		}
	}
}

func (p pendingModel) selected() (api.PendingView, bool) {
	if p.cursor < 0 || p.cursor >= len(p.items) {
		return api.PendingView{}, false
	}
	return p.items[p.cursor], true
}

func (p *pendingModel) up() {
	if p.cursor > 0 {
		p.cursor--
	}
}

func (p *pendingModel) down() {
	if p.cursor < len(p.items)-1 {
		p.cursor++
	}
}

func (p pendingModel) View(width int, now time.Time) string {
	if len(p.items) == 0 {
		return tui.Dimmed.Render("  No requests awaiting a decision")
	}

	var b strings.Builder
	for i, it := range p.items {
		cursor := "  "
		style := lipgloss.NewStyle().Foreground(tui.ColorText)
		if i == p.cursor {
			cursor = tui.Selected.Render("> ")
			style = style.Bold(true)
		}

		tool := it.ToolName
		if tool == "" {
			tool = "(unknown tool)"
		}
		b.WriteString(cursor + style.Render(tool) + "  " + tui.Dimmed.Render(shortID(it.ID)+"  "+countdown(it, now)) + "\n")
		b.WriteString(renderSummary(summarize(it.Request), width-4) + "\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// renderSummary indents a summary line, right-aligning right-to-left text.
func renderSummary(s string, width int) string {
	style := tui.Description.PaddingLeft(4)
	if textdir.IsRTL(s) && width > 0 {
		style = tui.Description.Width(width).Align(lipgloss.Right)
	}
	return style.Render(s)
}

func (p pendingModel) height() int {
	return max(1, 2*len(p.items))
}

func summarize(req map[string]any) string {
	input, _ := req["input"].(map[string]any)
	for _, k := range summaryKeys {
		if s, ok := input[k].(string); ok && s != "" {
			return truncate(firstLine(s), 100)
		}
	}
	if len(input) > 0 {
		data, err := json.Marshal(input)
		if err == nil {
			return truncate(string(data), 100)
		}
	}
	return ""
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " …"
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func countdown(it api.PendingView, now time.Time) string {
	if it.ExpiresAt == nil {
		return formatAge(now.Sub(it.ReceivedAt)) + " ago"
	}
	left := it.ExpiresAt.Sub(now)
	if left <= 0 {
		return "expiring"
	}
	return formatAge(left) + " left"
}

func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
