// SPDX-License-Identifier: MIT

// Package agd implements the Aggregated Derivative detector: a sliding-window
// accumulator over a stream of readings that turns rising trends into
// discrete play-level requests.
package agd

import (
	"fmt"
	"log/slog"
	"sync"
)

// Detector accumulates a sliding window of non-negative reading derivatives
// and maps the running sum to a discrete level via a threshold ladder.
//
// The zero value is not usable; use New. Detector is safe for concurrent
// use: every method, getters included, takes the struct's mutex, so none of
// them may be called on a nil *Detector.
type Detector struct {
	mu sync.Mutex

	capacity   int
	thresholds []float64
	source     string
	logger     *slog.Logger

	buffer      []float64 // ring of the last up-to-capacity derivatives
	sum         float64
	lastReading float64
	haveReading bool
	lastLevel   int

	onOutput       func(raw float64, agd float64)
	onLevelChange  func(level int, source string)
	onThresholdSet func(index int, value float64)
}

// New creates a Detector with the given ring-buffer capacity and initial
// threshold ladder. thresholds[i] is the sum required to reach level i+1;
// level 0 is "below every threshold". source names the input this detector
// watches, used to build the change_play_level request's source string.
func New(capacity int, thresholds []float64, source string, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	th := make([]float64, len(thresholds))
	copy(th, thresholds)
	return &Detector{
		capacity:   capacity,
		thresholds: th,
		source:     source,
		logger:     logger,
		buffer:     make([]float64, 0, capacity),
	}
}

// OnOutput registers the callback invoked on every Observe call with the raw
// reading and the running aggregated-derivative sum, matching agd_output(raw,
// agd) in the reference implementation. Callers needing the discrete level
// rather than the sum should use Level or the change_play_level callback.
func (d *Detector) OnOutput(fn func(raw float64, agd float64)) { d.onOutput = fn }

// OnLevelChange registers the callback invoked only when the computed level
// differs from the previously published level.
func (d *Detector) OnLevelChange(fn func(level int, source string)) { d.onLevelChange = fn }

// OnThresholdSet registers the callback invoked whenever SetThreshold
// successfully updates a threshold.
func (d *Detector) OnThresholdSet(fn func(index int, value float64)) { d.onThresholdSet = fn }

// NotifyInitialThresholds invokes the OnThresholdSet callback once per entry
// in the configured threshold ladder, matching the reference constructor's
// startup announcement of every threshold before any reading is observed. It
// must be called after OnThresholdSet is registered, since New itself has no
// callback to invoke yet; a late-connecting client still only sees the
// ladder as of its own connection time, the same gap the reference
// implementation has.
func (d *Detector) NotifyInitialThresholds() {
	d.mu.Lock()
	cb := d.onThresholdSet
	thresholds := make([]float64, len(d.thresholds))
	copy(thresholds, d.thresholds)
	d.mu.Unlock()

	if cb == nil {
		return
	}
	for i, v := range thresholds {
		cb(i+1, v)
	}
}

// SetThreshold updates thresholds[index] (1-based, matching the level it
// gates) to value. An out-of-range index is logged and ignored.
func (d *Detector) SetThreshold(index int, value float64) {
	d.mu.Lock()
	if index < 1 || index > len(d.thresholds) {
		d.mu.Unlock()
		d.logger.Warn("invalid threshold level, ignoring", "level", index)
		return
	}
	d.thresholds[index-1] = value
	cb := d.onThresholdSet
	d.mu.Unlock()

	if cb != nil {
		cb(index, value)
	}
}

// Thresholds returns a copy of the current threshold ladder.
func (d *Detector) Thresholds() []float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]float64, len(d.thresholds))
	copy(out, d.thresholds)
	return out
}

// Sum returns the current running aggregated-derivative sum.
func (d *Detector) Sum() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sum
}

// Level returns the level implied by the current sum, without observing a
// new reading.
func (d *Detector) Level() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.levelForSum(d.sum)
}

// Observe feeds one new reading through the detector. It always publishes
// agd_output(raw, agd); it publishes change_play_level(level, source) only
// when the computed level differs from the level published by the previous
// Observe call.
//
// The running sum is updated incrementally rather than recomputed from the
// full buffer on every call, but is defined to be exactly equivalent to:
// starting the sum at 0, and for every buffered derivative in order, adding
// it to the sum if it is non-negative or resetting the sum to 0 as soon as a
// negative derivative is seen.
func (d *Detector) Observe(reading float64) {
	d.mu.Lock()

	if !d.haveReading {
		// First reading: no derivative yet, store it and fall through to
		// publish agd_output/change_play_level against the initial sum (0),
		// matching the reference implementation's unconditional output call.
		d.haveReading = true
		d.lastReading = reading
	} else {
		derivative := reading - d.lastReading
		d.lastReading = reading

		switch {
		case derivative < 0:
			d.sum = 0
			d.buffer = d.buffer[:0]
		case len(d.buffer) < d.capacity:
			d.sum += derivative
			d.buffer = append(d.buffer, derivative)
		default:
			oldest := d.buffer[0]
			d.sum += derivative - oldest
			d.buffer = append(d.buffer[1:], derivative)
		}
	}

	level := d.levelForSum(d.sum)
	changed := level != d.lastLevel
	if changed {
		d.lastLevel = level
	}
	source := d.source
	sum := d.sum
	out := d.onOutput
	lvlCb := d.onLevelChange
	d.mu.Unlock()

	if out != nil {
		out(reading, sum)
	}
	if changed && lvlCb != nil {
		lvlCb(level, formatSource(source, sum))
	}
}

// levelForSum returns the highest level k (1-based) such that
// thresholds[k-1] <= sum, or 0 if sum is below every threshold. Must be
// called with d.mu held.
func (d *Detector) levelForSum(sum float64) int {
	level := 0
	for i, threshold := range d.thresholds {
		if sum >= threshold {
			level = i + 1
		}
	}
	return level
}

// formatSource builds the change_play_level source label, matching the
// "agd-<source> == <sum>" shape the reference implementation reports so
// operators can see which input and aggregated value triggered the change.
func formatSource(source string, sum float64) string {
	return fmt.Sprintf("agd-%s == %v", source, sum)
}
