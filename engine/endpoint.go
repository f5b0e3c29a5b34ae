// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/inbound/source"
	"github.com/absmach/inbound/target"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// Options carries the collaborators of an endpoint.
type Options struct {
	Source    source.Source
	Factory   target.Factory
	Scheduler TaskScheduler

	// Timer schedules reconnects and recreates. Defaults to a ClockTimer.
	Timer Timer

	// Pauser is asked to pause delivery when MaxDeliveryFailures is
	// reached. Nil means NoPause unless SelfPause is set.
	Pauser Pauser

	// SelfPause makes the endpoint its own pauser.
	SelfPause bool

	// Clock drives the failure window. Defaults to the wall clock.
	Clock clock.Clock

	Logger         *slog.Logger
	Metrics        *Metrics
	TracerProvider trace.TracerProvider

	// BackoffBase and BackoffMax bound the reconnect delays.
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// UnitInfo describes a work unit slot.
type UnitInfo struct {
	Index int
	State State
}

// Endpoint binds a destination to a delivery target through a pool of
// work units sharing one connection.
type Endpoint struct {
	id        string
	cfg       EndpointConfig
	txMode    TransactionMode
	connector *Connector
	factory   target.Factory
	scheduler TaskScheduler
	timer     Timer
	tracker   *FailureTracker
	limiter   *rate.Limiter
	metrics   *Metrics
	tracer    trace.Tracer
	logger    *slog.Logger
	backoff   Backoff

	mu      sync.Mutex
	conn    source.Connection
	units   []*WorkUnit
	started bool

	closed atomic.Bool
	paused atomic.Bool
}

// New validates cfg and creates a stopped endpoint.
func New(cfg EndpointConfig, opts Options) (*Endpoint, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Source == nil {
		return nil, ErrNilSource
	}
	if opts.Factory == nil {
		return nil, ErrNilFactory
	}
	if opts.Scheduler == nil {
		return nil, ErrNilScheduler
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	logger = logger.With(
		slog.String("endpoint", id),
		slog.String("destination", cfg.Dest().String()))

	timer := opts.Timer
	if timer == nil {
		timer = NewClockTimer()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	metrics := opts.Metrics
	if metrics == nil {
		var err error
		if metrics, err = NewMetrics(nil); err != nil {
			return nil, err
		}
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	base, ceiling := opts.BackoffBase, opts.BackoffMax
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if ceiling <= 0 {
		ceiling = DefaultBackoffMax
	}

	e := &Endpoint{
		id:        id,
		cfg:       cfg,
		txMode:    cfg.transactionMode(),
		connector: NewConnector(opts.Source, cfg, logger),
		factory:   opts.Factory,
		scheduler: opts.Scheduler,
		timer:     timer,
		metrics:   metrics,
		tracer:    tp.Tracer(instrumentationName),
		logger:    logger,
		backoff:   NewBackoff(base, ceiling),
	}

	pauser := opts.Pauser
	switch {
	case opts.SelfPause:
		pauser = e
	case pauser == nil:
		pauser = NoPause{}
	}
	e.tracker = NewFailureTracker(cfg.MaxDeliveryFailures, pauser, clk, logger)

	if cfg.MaxDeliveryRate > 0 {
		burst := int(cfg.MaxDeliveryRate)
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.MaxDeliveryRate), burst)
	}

	return e, nil
}

// ID returns the endpoint instance ID.
func (e *Endpoint) ID() string {
	return e.id
}

// Config returns the endpoint configuration.
func (e *Endpoint) Config() EndpointConfig {
	return e.cfg
}

// Tracker returns the endpoint's failure tracker.
func (e *Endpoint) Tracker() *FailureTracker {
	return e.tracker
}

// Start connects and begins delivery. With IgnoreFailuresOnStart a failed
// first attempt is logged and retried in the background instead of being
// returned.
func (e *Endpoint) Start(ctx context.Context) error {
	if e.closed.Load() {
		return ErrEndpointClosed
	}

	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	e.started = true
	e.mu.Unlock()

	err := e.init(ctx)
	if err == nil {
		e.logger.Info("endpoint started",
			slog.Int("units", e.cfg.WorkUnits()),
			slog.String("transaction", e.txMode.String()))
		return nil
	}
	if !e.cfg.IgnoreFailuresOnStart {
		return fmt.Errorf("failed to start endpoint: %w", err)
	}

	e.logger.Warn("endpoint start failed, retrying in background", slog.String("error", err.Error()))
	e.scheduleReconnect(e.backoff, true)
	return nil
}

// Stop closes every work unit and the connection. It blocks until running
// deliveries finish. Pending reconnects become no-ops.
func (e *Endpoint) Stop() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}

	e.mu.Lock()
	e.doStop()
	conn := e.conn
	e.conn = nil
	e.mu.Unlock()

	if conn != nil {
		if err := conn.Stop(); err != nil {
			e.logger.Debug("failed to stop connection", slog.String("error", err.Error()))
		}
		if err := conn.Close(); err != nil {
			e.logger.Debug("failed to close connection", slog.String("error", err.Error()))
		}
	}
	e.logger.Info("endpoint stopped")
}

// Pause suspends delivery. Work units finish their current run and are
// not resubmitted until Resume. It implements Pauser.
func (e *Endpoint) Pause() bool {
	if e.closed.Load() {
		return false
	}
	if e.paused.CompareAndSwap(false, true) {
		e.metrics.RecordPause(e.cfg.Destination)
		e.logger.Error("endpoint paused")
	}
	return true
}

// Resume restarts delivery after Pause and clears the failure count.
func (e *Endpoint) Resume() {
	if e.closed.Load() || !e.paused.CompareAndSwap(true, false) {
		return
	}
	e.tracker.Reset()

	e.mu.Lock()
	units := make([]*WorkUnit, len(e.units))
	copy(units, e.units)
	e.mu.Unlock()

	e.logger.Info("endpoint resumed")
	for _, u := range units {
		if u != nil {
			e.submit(u)
		}
	}
}

// Paused reports whether delivery is paused.
func (e *Endpoint) Paused() bool {
	return e.paused.Load()
}

// Closed reports whether Stop was called.
func (e *Endpoint) Closed() bool {
	return e.closed.Load()
}

// Connected reports whether the endpoint holds a live connection.
func (e *Endpoint) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn != nil && !e.conn.IsClosed()
}

// Units returns a snapshot of the work unit slots. Empty slots are
// reported as closed.
func (e *Endpoint) Units() []UnitInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	infos := make([]UnitInfo, len(e.units))
	for i, u := range e.units {
		infos[i] = UnitInfo{Index: i, State: StateClosed}
		if u != nil {
			infos[i].State = u.State()
		}
	}
	return infos
}

// init acquires a connection, builds the work units and submits them.
func (e *Endpoint) init(ctx context.Context) error {
	conn, err := e.connector.Connect(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.closed.Load() {
		e.mu.Unlock()
		conn.Close()
		return ErrEndpointClosed
	}

	units := make([]*WorkUnit, e.cfg.WorkUnits())
	for i := range units {
		u, err := newWorkUnit(e, i, conn)
		if err != nil {
			closeUnits(units[:i])
			e.mu.Unlock()
			dead := conn.IsClosed()
			conn.Close()
			if dead {
				return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
			}
			return fmt.Errorf("failed to create work unit %d: %w", i, err)
		}
		units[i] = u
	}

	conn.SetExceptionListener(func(err error) {
		e.handleError(conn, nil, err)
	})
	if err := conn.Start(); err != nil {
		closeUnits(units)
		e.mu.Unlock()
		conn.Close()
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	e.conn = conn
	e.units = units
	e.mu.Unlock()

	for _, u := range units {
		e.submit(u)
	}
	return nil
}

// onError handles an infrastructure failure reported by u, which has
// already closed itself.
func (e *Endpoint) onError(u *WorkUnit, err error) {
	e.handleError(u.conn, u, err)
}

// handleError reacts to a failure on conn. A nil unit means the
// connection itself reported the failure. Failures from a connection
// that has already been replaced are ignored.
func (e *Endpoint) handleError(conn source.Connection, u *WorkUnit, err error) {
	e.mu.Lock()
	if e.closed.Load() {
		e.mu.Unlock()
		return
	}
	if conn != e.conn {
		e.mu.Unlock()
		e.logger.Debug("ignoring error from stale connection", slog.String("error", err.Error()))
		return
	}

	if u == nil || conn.IsClosed() {
		old := e.resetConnection()
		e.mu.Unlock()
		e.logger.Warn("connection lost, reconnecting", slog.String("error", err.Error()))
		old.Close()
		e.scheduleReconnect(e.backoff, false)
		return
	}

	if u.index < len(e.units) && e.units[u.index] == u {
		e.units[u.index] = nil
	}
	e.mu.Unlock()
	e.scheduleRecreate(u.index, e.backoff)
}

// resetConnection stops the pool and detaches the current connection,
// which the caller closes after releasing the lock. Must hold e.mu.
func (e *Endpoint) resetConnection() source.Connection {
	old := e.conn
	e.conn = nil
	e.doStop()
	return old
}

// doStop closes all work units. Must hold e.mu. Units never take e.mu on
// their way to closed, so waiting here cannot deadlock.
func (e *Endpoint) doStop() {
	closeUnits(e.units)
	e.units = nil
}

func closeUnits(units []*WorkUnit) {
	var wg sync.WaitGroup
	for _, u := range units {
		if u == nil {
			continue
		}
		wg.Add(1)
		go func(u *WorkUnit) {
			defer wg.Done()
			u.Close()
		}(u)
	}
	wg.Wait()
}

// submit hands u to the scheduler unless it is already queued. On
// completion the unit is resubmitted while it stays scheduled.
func (e *Endpoint) submit(u *WorkUnit) {
	if e.closed.Load() || e.paused.Load() || u.State() != StateScheduled {
		return
	}
	if !u.queued.CompareAndSwap(false, true) {
		return
	}
	err := e.scheduler.Submit(u.Run, func(err error) {
		u.queued.Store(false)
		if err != nil {
			e.rejected(u, err)
			return
		}
		e.submit(u)
	})
	if err != nil {
		u.queued.Store(false)
		e.rejected(u, err)
	}
}

// rejected replaces a unit the scheduler refused or failed to run.
// A unit left past Scheduled never returned from Run and is finished
// here, so Stop does not wait on it.
func (e *Endpoint) rejected(u *WorkUnit, err error) {
	if u.State() == StateScheduled {
		u.Close()
	} else {
		u.finish()
	}
	if e.closed.Load() {
		return
	}
	e.logger.Warn("work unit rejected by scheduler",
		slog.Int("unit", u.index),
		slog.String("error", err.Error()))
	e.onError(u, err)
}
