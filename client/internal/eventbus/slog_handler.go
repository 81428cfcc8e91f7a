package eventbus

import (
	"context"
	"log/slog"
	"slices"
)

// SlogHandler wraps an slog.Handler and mirrors each record onto the bus as
// a LogEntry event. Records below minLevel are written but not mirrored.
type SlogHandler struct {
	inner    slog.Handler
	bus      *Bus
	minLevel slog.Leveler
	attrs    []slog.Attr
	group    string
}

// NewSlogHandler returns a handler that writes to inner and mirrors to bus.
// A nil minLevel mirrors everything inner accepts.
func NewSlogHandler(inner slog.Handler, bus *Bus, minLevel slog.Leveler) *SlogHandler {
	return &SlogHandler{inner: inner, bus: bus, minLevel: minLevel}
}

// Enabled delegates to the inner handler.
func (h *SlogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle mirrors the record to the bus and writes it to the inner handler.
func (h *SlogHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.minLevel == nil || r.Level >= h.minLevel.Level() {
		h.bus.PublishType(LogEntry, h.entry(r))
	}
	return h.inner.Handle(ctx, r)
}

func (h *SlogHandler) entry(r slog.Record) map[string]any {
	entry := map[string]any{
		"level": r.Level.String(),
		"msg":   r.Message,
		"time":  r.Time,
	}
	if h.group != "" {
		entry["group"] = h.group
	}
	add := func(a slog.Attr) bool {
		v := a.Value.Resolve()
		if err, ok := v.Any().(error); ok {
			entry[a.Key] = err.Error()
		} else {
			entry[a.Key] = v.Any()
		}
		return true
	}
	for _, a := range h.attrs {
		add(a)
	}
	r.Attrs(add)
	return entry
}

// WithAttrs returns a new handler with the given attributes.
func (h *SlogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SlogHandler{
		inner:    h.inner.WithAttrs(attrs),
		bus:      h.bus,
		minLevel: h.minLevel,
		attrs:    append(slices.Clip(h.attrs), attrs...),
		group:    h.group,
	}
}

// WithGroup returns a new handler with the given group.
func (h *SlogHandler) WithGroup(name string) slog.Handler {
	newGroup := name
	if h.group != "" {
		newGroup = h.group + "." + name
	}
	return &SlogHandler{
		inner:    h.inner.WithGroup(name),
		bus:      h.bus,
		minLevel: h.minLevel,
		attrs:    h.attrs,
		group:    newGroup,
	}
}
