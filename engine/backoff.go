// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import "time"

// Backoff defaults.
const (
	DefaultBackoffBase = time.Millisecond
	DefaultBackoffMax  = 60 * time.Second
)

// Backoff is the wait state of one pending reconnect or recreate. It is a
// value: each retry derives the next one and the state is dropped once the
// operation succeeds.
type Backoff struct {
	wait time.Duration
	max  time.Duration
}

// NewBackoff returns a backoff starting at base and capped at max.
func NewBackoff(base, max time.Duration) Backoff {
	if base < 0 {
		base = 0
	}
	if max < base {
		max = base
	}
	return Backoff{wait: base, max: max}
}

// Wait returns the current delay.
func (b Backoff) Wait() time.Duration {
	return b.wait
}

// Max returns the cap.
func (b Backoff) Max() time.Duration {
	return b.max
}

// Next returns the backoff for the following attempt:
// min(max, (wait+1)*1.5) in milliseconds.
func (b Backoff) Next() Backoff {
	ms := b.wait.Milliseconds()
	next := time.Duration(float64(ms+1)*1.5) * time.Millisecond
	if next > b.max {
		next = b.max
	}
	return Backoff{wait: next, max: b.max}
}
