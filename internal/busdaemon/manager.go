// SPDX-License-Identifier: MIT

// Package busdaemon owns the lifecycle of the session message bus the rest
// of the daemon depends on: spawning it, capturing its address, exporting
// that address into the process environment before anything else needs it,
// and tearing it down on shutdown.
package busdaemon

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/vela-project/vela-daemon/internal/busname"
	"github.com/vela-project/vela-daemon/internal/process"
	"github.com/vela-project/vela-daemon/internal/vela"
)

// AddressTimeout bounds how long Manager waits for the spawned bus daemon
// to print its address line before giving up.
const AddressTimeout = 5 * time.Second

// Manager spawns and supervises the session message bus daemon.
type Manager struct {
	daemonPath string
	logger     *slog.Logger

	mu      sync.Mutex
	proc    *process.Supervised
	conn    *dbus.Conn
	tracker *busname.Tracker
	address string
	stopped bool
}

// New creates a Manager that will spawn daemonPath (e.g. "dbus-daemon") on
// Start.
func New(daemonPath string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{daemonPath: daemonPath, logger: logger}
}

// Start spawns the bus daemon, captures its address, exports it into this
// process's environment, opens a connection, and begins name-ownership
// tracking. onDisconnect fires if the bus connection is lost later.
func (m *Manager) Start(ctx context.Context, onDisconnect func()) error {
	pr, pw := io.Pipe()

	argv := []string{m.daemonPath, "--session", "--print-address", "--nofork"}
	proc, err := process.Spawn(ctx, "dbus-daemon", argv, pw, nil, nil, func(err error) {
		m.logger.Warn("bus daemon process exited", "err", err)
	})
	if err != nil {
		pw.Close()
		return fmt.Errorf("busdaemon: spawn: %w: %w", vela.ErrChildSpawnFailed, err)
	}

	addrCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(pr)
		if scanner.Scan() {
			addrCh <- scanner.Text()
			return
		}
		if err := scanner.Err(); err != nil {
			errCh <- err
			return
		}
		errCh <- fmt.Errorf("busdaemon: stdout closed before printing an address")
	}()

	var address string
	select {
	case address = <-addrCh:
	case err := <-errCh:
		_ = proc.Terminate()
		return fmt.Errorf("busdaemon: reading address: %w: %w", vela.ErrBusUnreachable, err)
	case <-time.After(AddressTimeout):
		_ = proc.Terminate()
		return fmt.Errorf("busdaemon: timed out after %s waiting for bus address: %w", AddressTimeout, vela.ErrBusUnreachable)
	}

	address = strings.TrimSpace(address)
	if address == "" {
		_ = proc.Terminate()
		return fmt.Errorf("busdaemon: empty bus address: %w", vela.ErrBusUnreachable)
	}

	// Export before any Player (or anything else that needs the bus) spawns.
	if err := os.Setenv("DBUS_SESSION_BUS_ADDRESS", address); err != nil {
		_ = proc.Terminate()
		return fmt.Errorf("busdaemon: exporting bus address: %w", err)
	}

	conn, err := dbus.Connect(address)
	if err != nil {
		_ = proc.Terminate()
		return fmt.Errorf("busdaemon: connecting to %q: %w: %w", address, vela.ErrBusUnreachable, err)
	}

	tracker := busname.New(conn, m.logger)
	if err := tracker.Start(onDisconnect); err != nil {
		_ = conn.Close()
		_ = proc.Terminate()
		return fmt.Errorf("busdaemon: starting name tracker: %w", err)
	}

	m.mu.Lock()
	m.proc = proc
	m.conn = conn
	m.tracker = tracker
	m.address = address
	m.mu.Unlock()

	m.logger.Info("bus daemon ready", "address", address, "pid", proc.PID())
	return nil
}

// Address returns the bus address captured from the daemon's stdout.
func (m *Manager) Address() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.address
}

// Conn returns the open bus connection, or nil if Start has not completed.
func (m *Manager) Conn() *dbus.Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn
}

// Tracker returns the name-ownership tracker bound to this bus.
func (m *Manager) Tracker() *busname.Tracker {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tracker
}

// Cleanup sends SIGTERM to the bus daemon and waits for it to exit.
func (m *Manager) Cleanup(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	tracker := m.tracker
	conn := m.conn
	proc := m.proc
	m.mu.Unlock()

	if tracker != nil {
		tracker.Stop()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if proc == nil {
		return nil
	}
	return proc.Stop(ctx)
}
