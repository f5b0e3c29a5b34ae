// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import "sync/atomic"

// State is the lifecycle state of a work unit.
type State uint32

// Work unit states.
const (
	StateScheduled State = iota
	StateRunning
	StateCloseWait
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateScheduled:
		return "scheduled"
	case StateRunning:
		return "running"
	case StateCloseWait:
		return "close-wait"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// stateManager handles atomic state transitions.
type stateManager struct {
	state uint32
}

func (sm *stateManager) get() State {
	return State(atomic.LoadUint32(&sm.state))
}

// transition attempts to transition from expected to new state.
func (sm *stateManager) transition(from, to State) bool {
	return atomic.CompareAndSwapUint32(&sm.state, uint32(from), uint32(to))
}

// transitionFrom attempts to transition from any of the expected states.
func (sm *stateManager) transitionFrom(to State, from ...State) bool {
	for _, f := range from {
		if sm.transition(f, to) {
			return true
		}
	}
	return false
}
