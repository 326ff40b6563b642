package logging

import (
	"context"
	"log/slog"
	"sync"
)

// ComponentFilterHandler filters log records by per-component level.
//
// Records carry their component in the "component" attribute (set once at
// construction via logger.With). The handler applies a default level to all
// components and allows per-component overrides at runtime, so debug logging
// can be enabled for a single component without restarting.
type ComponentFilterHandler struct {
	base     slog.Handler
	state    *filterState
	preAttrs []slog.Attr // attrs attached via WithAttrs, searched for "component"
}

// filterState is shared by all WithAttrs/WithGroup clones of a handler.
type filterState struct {
	mu           sync.RWMutex
	defaultLevel slog.Level
	levels       map[string]slog.Level
}

// NewComponentFilterHandler wraps base with component-level filtering.
func NewComponentFilterHandler(base slog.Handler, defaultLevel slog.Level) *ComponentFilterHandler {
	return &ComponentFilterHandler{
		base: base,
		state: &filterState{
			defaultLevel: defaultLevel,
			levels:       make(map[string]slog.Level),
		},
	}
}

// SetLevel overrides the level for a single component.
func (h *ComponentFilterHandler) SetLevel(component string, level slog.Level) {
	h.state.mu.Lock()
	h.state.levels[component] = level
	h.state.mu.Unlock()
}

// ClearLevel removes a component override, restoring the default level.
func (h *ComponentFilterHandler) ClearLevel(component string) {
	h.state.mu.Lock()
	delete(h.state.levels, component)
	h.state.mu.Unlock()
}

// Level returns the effective level for a component.
func (h *ComponentFilterHandler) Level(component string) slog.Level {
	h.state.mu.RLock()
	defer h.state.mu.RUnlock()
	if lvl, ok := h.state.levels[component]; ok {
		return lvl
	}
	return h.state.defaultLevel
}

// SetDefaultLevel changes the default level for all components without an
// override.
func (h *ComponentFilterHandler) SetDefaultLevel(level slog.Level) {
	h.state.mu.Lock()
	h.state.defaultLevel = level
	h.state.mu.Unlock()
}

// DefaultLevel returns the configured default level.
func (h *ComponentFilterHandler) DefaultLevel() slog.Level {
	h.state.mu.RLock()
	defer h.state.mu.RUnlock()
	return h.state.defaultLevel
}

// Enabled reports whether any component could log at this level.
// The component is not known until Handle, so this only rejects levels
// below the lowest configured threshold.
func (h *ComponentFilterHandler) Enabled(_ context.Context, level slog.Level) bool {
	h.state.mu.RLock()
	defer h.state.mu.RUnlock()
	min := h.state.defaultLevel
	for _, lvl := range h.state.levels {
		if lvl < min {
			min = lvl
		}
	}
	return level >= min
}

func (h *ComponentFilterHandler) Handle(ctx context.Context, r slog.Record) error {
	component := ""
	for _, a := range h.preAttrs {
		if a.Key == "component" {
			component = a.Value.String()
		}
	}
	if component == "" {
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == "component" {
				component = a.Value.String()
				return false
			}
			return true
		})
	}

	if r.Level < h.Level(component) {
		return nil
	}
	if h.base == nil {
		return nil
	}
	return h.base.Handle(ctx, r)
}

func (h *ComponentFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var base slog.Handler
	if h.base != nil {
		base = h.base.WithAttrs(attrs)
	}
	pre := make([]slog.Attr, len(h.preAttrs)+len(attrs))
	copy(pre, h.preAttrs)
	copy(pre[len(h.preAttrs):], attrs)
	return &ComponentFilterHandler{base: base, state: h.state, preAttrs: pre}
}

func (h *ComponentFilterHandler) WithGroup(name string) slog.Handler {
	var base slog.Handler
	if h.base != nil {
		base = h.base.WithGroup(name)
	}
	return &ComponentFilterHandler{base: base, state: h.state, preAttrs: h.preAttrs}
}
