// SPDX-License-Identifier: MIT

// Package logging implements the per-namespace log-level registry: a
// slog.Handler that gates records by a dynamically-adjustable level per
// namespace, formats them the way the control UI expects, and fans them out
// on the event bus's log channel.
//
// set_log_level(namespace, level) requests arrive from the web adapter and
// mutate this registry for the remainder of the daemon's lifetime; nothing
// here is persisted or reloaded.
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/vela-project/vela-daemon/internal/eventbus"
)

// Registry tracks one slog.LevelVar per namespace plus a default level used
// for namespaces that have never been explicitly set.
type Registry struct {
	mu         sync.RWMutex
	defaultVar *slog.LevelVar
	namespaces map[string]*slog.LevelVar
	events     *eventbus.Bus
}

// New creates a Registry at defaultLevel and, if events is non-nil, flags
// the log channel as no-log-on-failure (a failing subscriber to log
// messages must never re-enter the logger) and fans every emitted record
// out on it.
func New(defaultLevel slog.Level, events *eventbus.Bus) *Registry {
	if events != nil {
		events.DisableLogOnFailure(eventbus.ChannelLog)
	}
	dv := &slog.LevelVar{}
	dv.Set(defaultLevel)
	return &Registry{
		defaultVar: dv,
		namespaces: make(map[string]*slog.LevelVar),
		events:     events,
	}
}

// levelVar returns (creating if needed) the LevelVar for namespace.
func (r *Registry) levelVar(namespace string) *slog.LevelVar {
	r.mu.RLock()
	lv, ok := r.namespaces[namespace]
	r.mu.RUnlock()
	if ok {
		return lv
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if lv, ok := r.namespaces[namespace]; ok {
		return lv
	}
	lv = &slog.LevelVar{}
	lv.Set(r.defaultVar.Level())
	r.namespaces[namespace] = lv
	return lv
}

// SetLevel implements set_log_level(namespace, level): an empty namespace
// sets the default level used by namespaces with no override; any other
// namespace gets its own override. An unparseable level name changes no level
// and returns an error.
func (r *Registry) SetLevel(namespace, levelName string) error {
	level, err := parseLevel(levelName)
	if err != nil {
		return fmt.Errorf("logging: set_log_level: %w", err)
	}
	if namespace == "" {
		r.defaultVar.Set(level)
		return nil
	}
	r.levelVar(namespace).Set(level)
	return nil
}

func parseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown level %q", name)
	}
}

// Logger returns an *slog.Logger whose records are gated and formatted by
// this registry under the given namespace.
func (r *Registry) Logger(namespace string) *slog.Logger {
	return slog.New(&namespaceHandler{registry: r, namespace: namespace})
}

// namespaceHandler implements slog.Handler, checking the registry's
// per-namespace level and fanning formatted records out on the event bus.
type namespaceHandler struct {
	registry  *Registry
	namespace string
	attrs     []slog.Attr
}

func (h *namespaceHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.registry.levelVar(h.namespace).Level()
}

func (h *namespaceHandler) Handle(_ context.Context, record slog.Record) error {
	levelLetter := strings.ToUpper(record.Level.String()[:1])
	seconds := fmt.Sprintf("%09.6f", float64(record.Time.Second())+float64(record.Time.Nanosecond())/1e9)
	// "%09.6f" over seconds+fraction always yields SS.mmmmmm (2 digits before
	// the point since seconds < 60), matching spec §6's "SS.mmmmmm" shape.
	line := fmt.Sprintf("%s %s %s %s", levelLetter, seconds, h.namespace, record.Message)

	if h.registry.events != nil {
		h.registry.events.PublishLogRecord(h.namespace, record.Level.String(), line)
	}
	return nil
}

func (h *namespaceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

func (h *namespaceHandler) WithGroup(name string) slog.Handler {
	return h
}
