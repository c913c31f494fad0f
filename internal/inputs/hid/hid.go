// SPDX-License-Identifier: MIT

// Package hid implements the HID axis input adapter: it grabs exclusive
// access to a device file, samples the most recently observed raw value on
// a fixed cadence, applies a linear scale+offset transform, and publishes
// hid events. The HID report-descriptor decoding a real device needs is out
// of scope; this adapter reads 4-byte little-endian integer samples, which
// is enough to exercise the exclusive-access, sampling-cadence, and
// transform machinery the core depends on.
package hid

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/vela-project/vela-daemon/internal/eventbus"
	"github.com/vela-project/vela-daemon/internal/vela"
)

// DefaultSampleInterval is the cadence spec §4.8 names as the HID adapter's
// default sampling rate.
const DefaultSampleInterval = 100 * time.Millisecond

// Config describes one HID adapter instance.
type Config struct {
	Path           string
	Name           string
	Scale          float64
	Offset         float64
	SampleInterval time.Duration // 0 defaults to DefaultSampleInterval
}

type opener func(path string) (*os.File, error)

// Adapter grabs a device file exclusively and samples it on a fixed cadence.
type Adapter struct {
	cfg    Config
	events *eventbus.Bus
	logger *slog.Logger
	open   opener

	last int64 // raw sample, accessed atomically

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
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = DefaultSampleInterval
	}
	return &Adapter{cfg: cfg, events: events, logger: logger, open: os.Open}
}

// Start grabs the device file exclusively (flock LOCK_EX|LOCK_NB, matching
// internal/lock's single-owner semantics) and begins sampling.
func (a *Adapter) Start(ctx context.Context) error {
	f, err := a.open(a.cfg.Path)
	if err != nil {
		return fmt.Errorf("hid: opening %q: %w: %w", a.cfg.Path, vela.ErrDeviceOpenFailed, err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		return fmt.Errorf("hid: device %q already grabbed: %w: %w", a.cfg.Path, vela.ErrDeviceOpenFailed, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.file = f
	a.cancel = cancel
	a.doneCh = make(chan struct{})
	a.mu.Unlock()

	go a.readLoop(runCtx)
	go a.sampleLoop(runCtx)

	return nil
}

// readLoop continuously reads 4-byte little-endian samples, keeping only
// the most recent one for sampleLoop to pick up.
func (a *Adapter) readLoop(ctx context.Context) {
	var buf [4]byte
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, err := io.ReadFull(a.file, buf[:]); err != nil {
			return
		}
		atomic.StoreInt64(&a.last, int64(int32(binary.LittleEndian.Uint32(buf[:]))))
	}
}

func (a *Adapter) sampleLoop(ctx context.Context) {
	defer close(a.doneCh)

	ticker := time.NewTicker(a.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			raw := atomic.LoadInt64(&a.last)
			value := a.cfg.Scale*float64(raw) + a.cfg.Offset
			a.events.Publish(eventbus.ChannelHID, value)
		}
	}
}

// Stop releases the device grab and waits for the sampling goroutine to
// finish.
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
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		err = f.Close()
	}
	if done != nil {
		<-done
	}
	return err
}
