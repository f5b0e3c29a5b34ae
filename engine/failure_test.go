// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
)

var errTarget = errors.New("target failed")

type countingPauser struct {
	calls  atomic.Int32
	answer bool
}

func (p *countingPauser) Pause() bool {
	p.calls.Add(1)
	return p.answer
}

func TestFailureTrackerCountsStreak(t *testing.T) {
	clk := clock.NewMock()
	tr := NewFailureTracker(UnlimitedFailures, nil, clk, discard)

	for i := 1; i <= 5; i++ {
		assert.Equal(t, i, tr.OnDeliveryFailure(errTarget))
		clk.Add(time.Second)
	}
	assert.Equal(t, 5, tr.Count())
}

func TestFailureTrackerSuccessDoesNotReset(t *testing.T) {
	clk := clock.NewMock()
	tr := NewFailureTracker(UnlimitedFailures, nil, clk, discard)

	tr.OnDeliveryFailure(errTarget)
	tr.OnDeliveryFailure(errTarget)
	for i := 0; i < 10; i++ {
		tr.OnDeliverySuccess()
	}
	assert.Equal(t, 2, tr.Count())

	// Within the quiet window the streak continues.
	clk.Add(FailureWindow)
	assert.Equal(t, 3, tr.OnDeliveryFailure(errTarget))
}

func TestFailureTrackerQuietWindowResets(t *testing.T) {
	clk := clock.NewMock()
	tr := NewFailureTracker(UnlimitedFailures, nil, clk, discard)

	tr.OnDeliveryFailure(errTarget)
	tr.OnDeliveryFailure(errTarget)
	tr.OnDeliverySuccess()
	clk.Add(FailureWindow + time.Millisecond)

	assert.Equal(t, 1, tr.OnDeliveryFailure(errTarget))
}

func TestFailureTrackerGapWithoutSuccessKeepsCount(t *testing.T) {
	clk := clock.NewMock()
	tr := NewFailureTracker(UnlimitedFailures, nil, clk, discard)

	tr.OnDeliveryFailure(errTarget)
	clk.Add(time.Hour)
	assert.Equal(t, 2, tr.OnDeliveryFailure(errTarget))
}

func TestFailureTrackerPausesOnce(t *testing.T) {
	clk := clock.NewMock()
	p := &countingPauser{answer: true}
	tr := NewFailureTracker(3, p, clk, discard)

	for i := 0; i < 3; i++ {
		tr.OnDeliveryFailure(errTarget)
	}
	assert.Equal(t, int32(0), p.calls.Load(), "threshold reached but not exceeded")

	tr.OnDeliveryFailure(errTarget)
	assert.Equal(t, int32(1), p.calls.Load())

	for i := 0; i < 5; i++ {
		tr.OnDeliveryFailure(errTarget)
	}
	assert.Equal(t, int32(1), p.calls.Load())
	assert.Equal(t, 9, tr.Count())
}

func TestFailureTrackerPauseUnsupported(t *testing.T) {
	p := &countingPauser{answer: false}
	tr := NewFailureTracker(0, p, clock.NewMock(), discard)

	tr.OnDeliveryFailure(errTarget)
	tr.OnDeliveryFailure(errTarget)
	assert.Equal(t, int32(1), p.calls.Load())
	assert.Equal(t, 2, tr.Count())
}

func TestFailureTrackerNewStreakPausesAgain(t *testing.T) {
	clk := clock.NewMock()
	p := &countingPauser{answer: true}
	tr := NewFailureTracker(1, p, clk, discard)

	tr.OnDeliveryFailure(errTarget)
	tr.OnDeliveryFailure(errTarget)
	assert.Equal(t, int32(1), p.calls.Load())

	tr.OnDeliverySuccess()
	clk.Add(FailureWindow + time.Second)
	tr.OnDeliveryFailure(errTarget)
	tr.OnDeliveryFailure(errTarget)
	assert.Equal(t, int32(2), p.calls.Load())

	tr.Reset()
	assert.Equal(t, 0, tr.Count())
	tr.OnDeliveryFailure(errTarget)
	tr.OnDeliveryFailure(errTarget)
	assert.Equal(t, int32(3), p.calls.Load())
}

func TestFailureTrackerUnlimitedNeverPauses(t *testing.T) {
	p := &countingPauser{answer: true}
	tr := NewFailureTracker(UnlimitedFailures, p, clock.NewMock(), discard)
	for i := 0; i < 1000; i++ {
		tr.OnDeliveryFailure(errTarget)
	}
	assert.Equal(t, int32(0), p.calls.Load())
}
