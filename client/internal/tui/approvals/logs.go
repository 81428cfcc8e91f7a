package approvals

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"

	"github.com/amurg-ai/permbridge/client/internal/eventbus"
	"github.com/amurg-ai/permbridge/client/internal/tui"
)

const maxLogLines = 500

type logsModel struct {
	viewport viewport.Model
	lines    []string
}

func newLogs() logsModel {
	return logsModel{viewport: viewport.New(80, 8)}
}

func (l *logsModel) SetSize(width, height int) {
	l.viewport.Width = width
	l.viewport.Height = height
}

func (l *logsModel) add(e eventbus.Event) {
	l.lines = append(l.lines, formatEvent(e))
	if len(l.lines) > maxLogLines {
		l.lines = l.lines[len(l.lines)-maxLogLines:]
	}
	l.viewport.SetContent(strings.Join(l.lines, "\n"))
	l.viewport.GotoBottom()
}

func formatEvent(e eventbus.Event) string {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	stamp := ts.Format("15:04:05")

	var entry map[string]any
	if e.Type != eventbus.LogEntry || json.Unmarshal(e.Data, &entry) != nil {
		return fmt.Sprintf("  %s %s  %s", stamp, tui.Dimmed.Render(e.Type), string(e.Data))
	}

	level, _ := entry["level"].(string)
	message, _ := entry["msg"].(string)

	keys := make([]string, 0, len(entry))
	for k := range entry {
		if k != "level" && k != "msg" && k != "time" {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	attrs := make([]string, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, fmt.Sprintf("%s=%v", k, entry[k]))
	}

	line := fmt.Sprintf("  %s %s  %s", stamp, tui.LogLevelStyle(level).Render(fmt.Sprintf("%-5s", level)), message)
	if len(attrs) > 0 {
		line += "  " + tui.Dimmed.Render(strings.Join(attrs, " "))
	}
	return line
}

func (l logsModel) View() string {
	return l.viewport.View()
}
