// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"time"

	"github.com/benbjohnson/clock"
)

// TaskScheduler runs units of work supplied by the engine. onComplete is
// called after run returns, with a non-nil error if the work could not be
// run.
type TaskScheduler interface {
	Submit(run func(), onComplete func(error)) error
}

// Timer runs an action once after a delay.
type Timer interface {
	ScheduleOnce(delay time.Duration, action func())
}

// ClockTimer implements Timer with a clock.Clock.
type ClockTimer struct {
	Clock clock.Clock
}

// NewClockTimer returns a timer on the wall clock.
func NewClockTimer() ClockTimer {
	return ClockTimer{Clock: clock.New()}
}

// ScheduleOnce schedules action after delay.
func (t ClockTimer) ScheduleOnce(delay time.Duration, action func()) {
	t.Clock.AfterFunc(delay, action)
}
