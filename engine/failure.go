// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// FailureWindow is the success-free interval after which the next
// failure starts a new streak.
const FailureWindow = 30 * time.Second

// Pauser is the host capability used to pause a failing endpoint.
type Pauser interface {
	// Pause returns true if the pause was supported and accepted.
	Pause() bool
}

// PauserFunc adapts a function to Pauser.
type PauserFunc func() bool

// Pause calls f.
func (f PauserFunc) Pause() bool {
	return f()
}

// NoPause is a Pauser for hosts that cannot pause endpoints.
type NoPause struct{}

// Pause returns false.
func (NoPause) Pause() bool {
	return false
}

// FailureTracker counts consecutive delivery failures shared by all work
// units of an endpoint.
//
// The counter is not cleared on success. A success only marks the last
// event; the next failure clears the counter if more than FailureWindow
// passed since the previous failure. Sparse failures separated by
// successes therefore never accumulate, while a flapping target that
// alternates quickly still reaches the threshold.
type FailureTracker struct {
	mu          sync.Mutex
	clock       clock.Clock
	maxFailures int
	pauser      Pauser
	logger      *slog.Logger

	errorCount  int
	lastError   time.Time
	lastSuccess bool
	paused      bool
}

// NewFailureTracker creates a tracker. maxFailures of -1 never pauses.
func NewFailureTracker(maxFailures int, pauser Pauser, clk clock.Clock, logger *slog.Logger) *FailureTracker {
	if pauser == nil {
		pauser = NoPause{}
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FailureTracker{
		clock:       clk,
		maxFailures: maxFailures,
		pauser:      pauser,
		logger:      logger,
	}
}

// OnDeliveryFailure records a failure and returns the current count. The
// pauser is asked at most once per streak, when the count first exceeds
// the threshold.
func (t *FailureTracker) OnDeliveryFailure(err error) int {
	t.mu.Lock()
	now := t.clock.Now()
	if t.lastSuccess && now.Sub(t.lastError) > FailureWindow {
		t.errorCount = 0
		t.paused = false
	}
	t.lastSuccess = false
	t.lastError = now
	t.errorCount++
	count := t.errorCount

	pause := false
	if t.maxFailures != UnlimitedFailures && count > t.maxFailures && !t.paused {
		t.paused = true
		pause = true
	}
	t.mu.Unlock()

	if !pause {
		return count
	}

	if t.pauser.Pause() {
		t.logger.Error("delivery failure threshold exceeded, endpoint paused",
			slog.Int("failures", count),
			slog.Int("max_failures", t.maxFailures),
			slog.String("error", errString(err)))
		return count
	}
	t.logger.Error("delivery failure threshold exceeded, pause not supported, retrying",
		slog.Int("failures", count),
		slog.Int("max_failures", t.maxFailures),
		slog.String("error", errString(err)))
	return count
}

// OnDeliverySuccess marks the last event as a success.
func (t *FailureTracker) OnDeliverySuccess() {
	t.mu.Lock()
	t.lastSuccess = true
	t.mu.Unlock()
}

// Count returns the current failure count.
func (t *FailureTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.errorCount
}

// Reset clears the streak, e.g. when a paused endpoint is resumed.
func (t *FailureTracker) Reset() {
	t.mu.Lock()
	t.errorCount = 0
	t.lastSuccess = false
	t.paused = false
	t.mu.Unlock()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
