// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"log/slog"
)

// scheduleReconnect rebuilds the whole pool after b's wait. first marks
// the attempt that follows a failed Start.
func (e *Endpoint) scheduleReconnect(b Backoff, first bool) {
	if e.closed.Load() {
		return
	}
	e.timer.ScheduleOnce(b.Wait(), func() {
		e.reconnect(b, first)
	})
}

func (e *Endpoint) reconnect(b Backoff, first bool) {
	if e.closed.Load() {
		return
	}

	err := e.init(context.Background())
	if errors.Is(err, ErrEndpointClosed) {
		return
	}
	e.metrics.RecordReconnect(e.cfg.Destination, err == nil)
	if err == nil {
		e.logger.Info("endpoint reconnected", slog.Int("units", e.cfg.WorkUnits()))
		return
	}

	// A broker that answers but cannot serve this endpoint will not
	// start serving it by retrying.
	if first && e.cfg.IgnoreFailuresOnStart && !errors.Is(err, ErrConnectionFailed) {
		e.logger.Error("endpoint activation failed, giving up", slog.String("error", err.Error()))
		return
	}

	next := b.Next()
	e.logger.Warn("reconnect failed",
		slog.Duration("retry_in", next.Wait()),
		slog.String("error", err.Error()))
	e.scheduleReconnect(next, false)
}

// scheduleRecreate replaces the unit in slot index after b's wait.
func (e *Endpoint) scheduleRecreate(index int, b Backoff) {
	if e.closed.Load() {
		return
	}
	e.timer.ScheduleOnce(b.Wait(), func() {
		e.recreate(index, b)
	})
}

func (e *Endpoint) recreate(index int, b Backoff) {
	e.mu.Lock()
	if e.closed.Load() || e.conn == nil || index >= len(e.units) || e.units[index] != nil {
		e.mu.Unlock()
		return
	}

	conn := e.conn
	if conn.IsClosed() {
		e.escalate()
		return
	}

	u, err := newWorkUnit(e, index, conn)
	if err != nil {
		if conn.IsClosed() {
			e.escalate()
			return
		}
		e.mu.Unlock()
		e.metrics.RecordRecreate(e.cfg.Destination, false)
		next := b.Next()
		e.logger.Warn("failed to recreate work unit",
			slog.Int("unit", index),
			slog.Duration("retry_in", next.Wait()),
			slog.String("error", err.Error()))
		e.scheduleRecreate(index, next)
		return
	}

	e.units[index] = u
	e.mu.Unlock()
	e.metrics.RecordRecreate(e.cfg.Destination, true)
	e.logger.Info("work unit recreated", slog.Int("unit", index))
	e.submit(u)
}

// escalate turns a unit recreate into a pool-wide reconnect. Called with
// e.mu held; releases it.
func (e *Endpoint) escalate() {
	old := e.resetConnection()
	e.mu.Unlock()
	e.logger.Warn("connection lost while recreating work unit, reconnecting")
	old.Close()
	e.scheduleReconnect(e.backoff, false)
}
