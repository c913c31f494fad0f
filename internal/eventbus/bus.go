// SPDX-License-Identifier: MIT

// Package eventbus implements a named-channel publish/subscribe fabric
// decoupling the daemon's producers (input adapters, the AGD detector, the
// logging subsystem) from its consumers (the Level Orchestrator, the web UI).
//
// Handlers are invoked synchronously, in attach order, and a handler's
// failure is isolated: it is recovered, logged, and never prevents the
// remaining handlers on the same publish from running.
package eventbus

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/vela-project/vela-daemon/internal/util"
	"github.com/vela-project/vela-daemon/internal/vela"
)

// Handler is a subscriber callback. It receives the same argument tuple
// passed to Publish.
type Handler func(args ...any)

// channel holds one named publication's ordered subscriber list plus the
// recursion-guard flag described in spec §4.1: a channel used to carry log
// messages must not itself go through the logging subsystem to report a
// handler failure, or a failing log handler would re-trigger itself forever.
type channel struct {
	mu         sync.Mutex
	handlers   []Handler
	noLogOnErr bool
}

// Bus is a registry of named channels. The zero value is not usable; use New.
type Bus struct {
	mu       sync.RWMutex
	channels map[string]*channel
	logger   *slog.Logger
}

// New creates an empty Bus. A nil logger defaults to slog.Default().
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		channels: make(map[string]*channel),
		logger:   logger,
	}
}

// channelFor returns (creating if needed) the named channel.
func (b *Bus) channelFor(name string) *channel {
	b.mu.RLock()
	ch, ok := b.channels[name]
	b.mu.RUnlock()
	if ok {
		return ch
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.channels[name]; ok {
		return ch
	}
	ch = &channel{}
	b.channels[name] = ch
	return ch
}

// DisableLogOnFailure marks name's handler failures as "print to stderr
// instead of logging". This must be set on the channel carrying log-fanout
// publications (see internal/logging), since logging a failure there would
// recursively invoke the handler that just failed.
func (b *Bus) DisableLogOnFailure(name string) {
	ch := b.channelFor(name)
	ch.mu.Lock()
	ch.noLogOnErr = true
	ch.mu.Unlock()
}

// Attach appends handler to name's subscriber list. Attaching the same
// handler twice results in it firing twice per publish — duplicate-by-
// identity suppression is deliberately not implemented, matching the
// reference implementation's behavior.
func (b *Bus) Attach(name string, handler Handler) {
	ch := b.channelFor(name)
	ch.mu.Lock()
	ch.handlers = append(ch.handlers, handler)
	ch.mu.Unlock()
}

// Detach removes the first occurrence of handler from name's subscriber
// list. Detaching a handler that was never attached is silent.
func (b *Bus) Detach(name string, handler Handler) {
	ch := b.channelFor(name)
	ch.mu.Lock()
	defer ch.mu.Unlock()

	target := fmt.Sprintf("%p", handler)
	for i, h := range ch.handlers {
		if fmt.Sprintf("%p", h) == target {
			ch.handlers = append(ch.handlers[:i], ch.handlers[i+1:]...)
			return
		}
	}
}

// Publish invokes every handler currently attached to name, in attach order,
// with args. Each handler runs in an isolated failure scope: a panicking
// handler is recovered, reported, and does not stop the remaining handlers
// from running. Publish is synchronous; a handler may itself call Publish on
// another (or the same) channel.
func (b *Bus) Publish(name string, args ...any) {
	ch := b.channelFor(name)

	ch.mu.Lock()
	handlers := make([]Handler, len(ch.handlers))
	copy(handlers, ch.handlers)
	noLog := ch.noLogOnErr
	ch.mu.Unlock()

	for _, h := range handlers {
		b.callOne(name, h, noLog, args)
	}
}

// callOne invokes a single handler, recovering and reporting any panic so
// the publisher never observes a handler failure.
func (b *Bus) callOne(channelName string, h Handler, noLog bool, args []any) {
	if recovered := util.RecoverToPanic(func() error {
		h(args...)
		return nil
	}); recovered != nil {
		err := fmt.Errorf("handler for %q failed: %v: %w", channelName, recovered, vela.ErrHandlerException)
		if noLog {
			fmt.Fprintln(os.Stderr, "eventbus: "+err.Error())
		} else {
			b.logger.Error(err.Error(), "channel", channelName)
		}
	}
}

// SubscriberCount returns the number of handlers currently attached to name.
// Primarily useful for tests asserting attach/detach round-trips (spec R3).
func (b *Bus) SubscriberCount(name string) int {
	ch := b.channelFor(name)
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.handlers)
}
