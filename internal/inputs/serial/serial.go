// SPDX-License-Identifier: MIT

// Package serial implements the serial sensor input adapter: it owns one
// TTY-like file descriptor, reads newline-delimited integer readings from
// it, and publishes each one as an arduino_reading event. The byte-level
// PDU framing a real sensor board would use is out of scope; this adapter
// only has to prove the open/read/publish/close lifecycle.
package serial

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/vela-project/vela-daemon/internal/eventbus"
	"github.com/vela-project/vela-daemon/internal/vela"
)

// Config describes one serial adapter instance.
type Config struct {
	Path string // device path, e.g. /dev/ttyUSB0
	Name string // human-readable label used in logs
}

// opener abstracts os.Open for tests.
type opener func(path string) (*os.File, error)

// Adapter reads decoded integer readings from a serial device and publishes
// them on the event bus until stopped.
type Adapter struct {
	cfg    Config
	events *eventbus.Bus
	logger *slog.Logger
	open   opener

	mu     sync.Mutex
	file   *os.File
	cancel context.CancelFunc
	doneCh chan struct{}
}

// New constructs an Adapter. A nil logger defaults to slog.Default().
func New(cfg Config, events *eventbus.Bus, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{cfg: cfg, events: events, logger: logger, open: os.Open}
}

// Start opens the configured device and begins reading lines in a
// background goroutine. Each line is parsed as a base-10 integer; lines
// that don't parse are logged and dropped, matching the netline adapter's
// tolerance for malformed input.
func (a *Adapter) Start(ctx context.Context) error {
	f, err := a.open(a.cfg.Path)
	if err != nil {
		return fmt.Errorf("serial: opening %q: %w: %w", a.cfg.Path, vela.ErrDeviceOpenFailed, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.file = f
	a.cancel = cancel
	a.doneCh = make(chan struct{})
	a.mu.Unlock()

	go a.readLoop(runCtx)

	return nil
}

func (a *Adapter) readLoop(ctx context.Context) {
	defer close(a.doneCh)

	scanner := bufio.NewScanner(a.file)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		reading, err := strconv.Atoi(line)
		if err != nil {
			a.logger.Warn("serial: unparseable reading, dropping", "name", a.cfg.Name, "line", line)
			continue
		}
		a.events.Publish(eventbus.ChannelArduinoReading, reading)
	}
}

// Stop closes the device and waits for the read goroutine to finish.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	cancel := a.cancel
	f := a.file
	done := a.doneCh
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if f != nil {
		err = f.Close()
	}
	if done != nil {
		<-done
	}
	return err
}
