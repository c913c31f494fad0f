// SPDX-License-Identifier: MIT

// Package busname tracks bus-name ownership changes on a session message
// bus: callers ask to be notified when a name first acquires an owner
// ("appeared") and when it loses its last owner ("disappeared").
package busname

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
)

// Conn is the subset of *dbus.Conn the tracker needs, narrowed to an
// interface so tests can supply a fake bus instead of a real session bus.
// Grounded on the DBusClient seam used for testability in the synest MPRIS
// monitor this package is modeled after.
type Conn interface {
	AddMatchSignal(options ...dbus.MatchOption) error
	Signal(ch chan<- *dbus.Signal)
	RemoveSignal(ch chan<- *dbus.Signal)
}

// promise is a one-shot completion signal: Fire closes ch exactly once,
// subsequent Fires are no-ops. This mirrors the "double-fire suppressed"
// requirement for name-ownership notifications.
type promise struct {
	once sync.Once
	ch   chan struct{}
}

func newPromise() *promise {
	return &promise{ch: make(chan struct{})}
}

func (p *promise) fire() {
	p.once.Do(func() { close(p.ch) })
}

// Done returns a channel closed once the promise fires.
func (p *promise) Done() <-chan struct{} {
	return p.ch
}

type tracked struct {
	appeared    *promise
	disappeared *promise
}

// Tracker watches org.freedesktop.DBus's NameOwnerChanged signal and
// resolves per-name appear/disappear promises as they fire.
type Tracker struct {
	logger *slog.Logger
	conn   Conn

	mu       sync.Mutex
	names    map[string]*tracked
	sigCh    chan *dbus.Signal
	stopCh   chan struct{}
	stopped  bool
	onGone   func()
	onGoneMu sync.Once
}

// New creates a Tracker bound to conn. It does not start listening until
// Start is called.
func New(conn Conn, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		logger: logger,
		conn:   conn,
		names:  make(map[string]*tracked),
		sigCh:  make(chan *dbus.Signal, 16),
		stopCh: make(chan struct{}),
	}
}

// Start subscribes to NameOwnerChanged and begins dispatching signals. The
// supplied onDisconnect hook, if non-nil, fires exactly once when the
// tracker's signal channel is torn down by Stop or by the underlying bus
// going away.
func (t *Tracker) Start(onDisconnect func()) error {
	if err := t.conn.AddMatchSignal(
		dbus.WithMatchInterface("org.freedesktop.DBus"),
		dbus.WithMatchMember("NameOwnerChanged"),
	); err != nil {
		return err
	}

	t.onGone = onDisconnect
	t.conn.Signal(t.sigCh)

	go t.loop()
	return nil
}

// Stop ends signal dispatch and resolves every outstanding "disappeared"
// promise as "assumed gone", matching the bus-disconnect contract.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.mu.Unlock()

	close(t.stopCh)
	t.conn.RemoveSignal(t.sigCh)
	t.resolveAllAsGone()

	t.onGoneMu.Do(func() {
		if t.onGone != nil {
			t.onGone()
		}
	})
}

// Track registers interest in name's ownership. It returns two promises:
// the first resolves when name acquires an owner, the second when it loses
// its last owner. Calling Track again for a name already being tracked
// returns the same pair of promises.
func (t *Tracker) Track(name string) (appeared <-chan struct{}, disappeared <-chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.names[name]
	if !ok {
		e = &tracked{appeared: newPromise(), disappeared: newPromise()}
		t.names[name] = e
	}
	return e.appeared.Done(), e.disappeared.Done()
}

// Untrack stops watching name. It does not affect promises already handed
// out; they will simply never fire again.
func (t *Tracker) Untrack(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.names, name)
}

func (t *Tracker) loop() {
	for {
		select {
		case <-t.stopCh:
			return
		case sig, ok := <-t.sigCh:
			if !ok {
				t.Stop()
				return
			}
			if sig == nil {
				continue
			}
			t.handle(sig)
		}
	}
}

func (t *Tracker) handle(sig *dbus.Signal) {
	if !strings.HasSuffix(sig.Name, "NameOwnerChanged") || len(sig.Body) < 3 {
		return
	}

	name, ok := sig.Body[0].(string)
	if !ok {
		return
	}
	oldOwner, _ := sig.Body[1].(string)
	newOwner, _ := sig.Body[2].(string)

	t.mu.Lock()
	e, tracking := t.names[name]
	t.mu.Unlock()
	if !tracking {
		return
	}

	switch {
	case oldOwner == "" && newOwner != "":
		e.appeared.fire()
	case oldOwner != "" && newOwner == "":
		e.disappeared.fire()
	default:
		t.logger.Warn("unexpected owner-to-owner name change, ignoring",
			"name", name, "old_owner", oldOwner, "new_owner", newOwner)
	}
}

func (t *Tracker) resolveAllAsGone() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.names {
		e.disappeared.fire()
	}
}
