// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/inbound/source"
	"github.com/absmach/inbound/target"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// WorkUnit owns one session and one consumer and delivers one message per
// run. It is never reused once closed; a failed slot gets a new unit.
type WorkUnit struct {
	ep       *Endpoint
	index    int
	conn     source.Connection
	session  source.Session
	consumer source.Consumer
	logger   *slog.Logger

	state  stateManager
	queued atomic.Bool

	done     chan struct{}
	doneOnce sync.Once
}

func newWorkUnit(ep *Endpoint, index int, conn source.Connection) (*WorkUnit, error) {
	sess, err := conn.OpenSession(ep.cfg.sessionOptions())
	if err != nil {
		return nil, source.Wrap("open session", err)
	}

	cons, err := createConsumer(sess, ep.cfg)
	if err != nil {
		sess.Close()
		return nil, source.Wrap("create consumer", err)
	}

	ep.metrics.RecordUnitOpened(ep.cfg.Destination)
	return &WorkUnit{
		ep:       ep,
		index:    index,
		conn:     conn,
		session:  sess,
		consumer: cons,
		logger:   ep.logger.With(slog.Int("unit", index)),
		done:     make(chan struct{}),
	}, nil
}

func createConsumer(sess source.Session, cfg EndpointConfig) (source.Consumer, error) {
	dest := cfg.Dest()
	switch {
	case dest.Type == source.Queue:
		return sess.CreateConsumer(dest, cfg.Selector)
	case cfg.Shared:
		return sess.CreateSharedConsumer(dest, cfg.SubscriptionName, cfg.Selector, cfg.Durable)
	case cfg.Durable:
		return sess.CreateDurableConsumer(dest, cfg.SubscriptionName, cfg.Selector)
	default:
		return sess.CreateConsumer(dest, cfg.Selector)
	}
}

// Index returns the unit's slot in the endpoint.
func (u *WorkUnit) Index() int {
	return u.index
}

// State returns the unit's lifecycle state.
func (u *WorkUnit) State() State {
	return u.state.get()
}

// Run performs one fetch and at most one delivery.
func (u *WorkUnit) Run() {
	ep := u.ep
	if ep.closed.Load() || ep.paused.Load() {
		return
	}
	if !u.state.transition(StateScheduled, StateRunning) {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			u.fail(source.Wrap("run", fmt.Errorf("panic: %v", r)))
		}
	}()

	err := u.deliver()
	if err != nil {
		u.fail(err)
		return
	}

	if !u.state.transition(StateRunning, StateScheduled) {
		u.finish()
	}
}

// fail closes the unit before reporting err, so whoever handles the
// error can stop the pool without waiting on this unit.
func (u *WorkUnit) fail(err error) {
	ep := u.ep
	u.finish()
	ep.metrics.RecordInfrastructureFailure(ep.cfg.Destination)
	u.logger.Warn("work unit failed", slog.String("error", err.Error()))
	ep.onError(u, err)
}

// Close stops the unit. A running unit finishes its delivery first and
// Close blocks until then. Closing a closed unit is a no-op.
func (u *WorkUnit) Close() {
	for {
		switch u.state.get() {
		case StateScheduled:
			if u.state.transition(StateScheduled, StateClosed) {
				u.release()
				return
			}
		case StateRunning:
			if u.state.transition(StateRunning, StateCloseWait) {
				<-u.done
				return
			}
		default:
			<-u.done
			return
		}
	}
}

// finish moves a running unit to closed and releases it. Only the
// goroutine executing Run calls it.
func (u *WorkUnit) finish() {
	u.state.transitionFrom(StateClosed, StateRunning, StateCloseWait)
	u.release()
}

func (u *WorkUnit) release() {
	u.doneOnce.Do(func() {
		if err := u.consumer.Close(); err != nil {
			u.logger.Debug("failed to close consumer", slog.String("error", err.Error()))
		}
		if err := u.session.Close(); err != nil {
			u.logger.Debug("failed to close session", slog.String("error", err.Error()))
		}
		u.ep.metrics.RecordUnitClosed(u.ep.cfg.Destination)
		close(u.done)
	})
}

// deliver returns only infrastructure errors. Target failures are handed
// to the failure tracker and the unit keeps running.
func (u *WorkUnit) deliver() error {
	ep := u.ep
	ctx := context.Background()

	if !u.throttle() {
		return nil
	}

	var handle source.TwoPhaseHandle
	if ep.txMode == TxTwoPhase {
		if xs, ok := u.session.(source.TwoPhaseSession); ok {
			handle = xs.TwoPhaseHandle()
		}
	}

	tgt, err := ep.factory.CreateTarget(ctx, handle)
	if err != nil {
		if source.IsInfrastructure(err) {
			return err
		}
		u.deliveryFailed(fmt.Errorf("failed to create target: %w", err))
		return nil
	}
	defer u.releaseTarget(tgt)

	delivered, err := u.doDelivery(ctx, tgt)
	switch {
	case err == nil:
		if delivered {
			ep.tracker.OnDeliverySuccess()
		}
		return nil
	case source.IsInfrastructure(err):
		return err
	default:
		u.deliveryFailed(err)
		return nil
	}
}

// doDelivery fetches one message and hands it to tgt. It reports whether a
// message was received.
func (u *WorkUnit) doDelivery(ctx context.Context, tgt target.Target) (bool, error) {
	ep := u.ep

	msg, err := u.consumer.Receive(ctx, ep.cfg.receiveTimeout())
	if err != nil {
		return false, source.Wrap("receive", err)
	}
	if msg == nil {
		return false, nil
	}

	ctx, span := ep.tracer.Start(ctx, "deliver", trace.WithAttributes(
		attribute.String("messaging.destination", msg.Destination.String()),
		attribute.String("messaging.message_id", msg.ID),
		attribute.Int("inbound.unit", u.index),
		attribute.Bool("messaging.redelivered", msg.Redelivered),
	))
	defer span.End()

	start := time.Now()
	if err := invoke(ctx, tgt, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ep.txMode == TxLocal {
			if rbErr := u.session.Rollback(); rbErr != nil {
				return true, source.Wrap("rollback", errors.Join(rbErr, err))
			}
		}
		return true, err
	}

	if ep.txMode == TxLocal {
		if err := u.session.Commit(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return true, source.Wrap("commit", err)
		}
	}

	ep.metrics.RecordDelivery(ep.cfg.Destination, float64(time.Since(start).Microseconds())/1000)
	return true, nil
}

// invoke calls the target, turning a panic into a delivery failure.
func invoke(ctx context.Context, tgt target.Target, msg *source.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("target panicked: %v", r)
		}
	}()
	return tgt.Deliver(ctx, msg)
}

func (u *WorkUnit) deliveryFailed(err error) {
	ep := u.ep
	ep.metrics.RecordDeliveryFailure(ep.cfg.Destination)
	count := ep.tracker.OnDeliveryFailure(err)
	u.logger.Warn("message delivery failed",
		slog.Int("failures", count),
		slog.String("error", err.Error()))
}

func (u *WorkUnit) releaseTarget(tgt target.Target) {
	if err := tgt.Release(); err != nil {
		u.ep.metrics.RecordReleaseFailure(u.ep.cfg.Destination)
		u.logger.Warn("failed to release delivery target", slog.String("error", err.Error()))
	}
}

// throttle waits for the endpoint's rate limiter, at most one receive
// timeout. When the next token lies beyond that, the unit skips this run
// so Close is not held up.
func (u *WorkUnit) throttle() bool {
	lim := u.ep.limiter
	if lim == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), u.ep.cfg.receiveTimeout())
	defer cancel()
	if err := lim.Wait(ctx); err != nil {
		// Wait returns at once when the token is past the deadline.
		<-ctx.Done()
		return false
	}
	return true
}
