// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package workpool provides a bounded goroutine pool that endpoints use to
// run work units.
package workpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrPoolClosed is returned by Submit after Close.
	ErrPoolClosed = errors.New("work pool closed")

	// ErrQueueFull is returned when the task queue has no room.
	ErrQueueFull = errors.New("work pool queue full")
)

// Defaults used when Config fields are zero.
const (
	DefaultWorkers         = 16
	DefaultQueueSize       = 1024
	DefaultShutdownTimeout = 30 * time.Second
)

// Config configures a Pool.
type Config struct {
	Workers         int
	QueueSize       int
	ShutdownTimeout time.Duration
}

type task struct {
	run        func()
	onComplete func(error)
}

// Pool runs submitted tasks on a fixed number of workers. The queue is
// sized by the caller; Submit never blocks.
type Pool struct {
	cfg    Config
	tasks  chan task
	logger *slog.Logger
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// New starts a pool.
func New(cfg Config, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:    cfg,
		tasks:  make(chan task, cfg.QueueSize),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	logger.Info("work pool started",
		slog.Int("workers", cfg.Workers),
		slog.Int("queue_size", cfg.QueueSize))

	return p
}

// Submit queues run. onComplete is called after run returns, with a
// non-nil error if run panicked or the pool shut down before running it.
func (p *Pool) Submit(run func(), onComplete func(error)) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.tasks <- task{run: run, onComplete: onComplete}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending returns the number of queued tasks.
func (p *Pool) Pending() int {
	return len(p.tasks)
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case t := <-p.tasks:
			p.execute(t)
		}
	}
}

func (p *Pool) execute(t task) {
	err := safeRun(t.run)
	if err != nil {
		p.logger.Error("task panicked", slog.String("error", err.Error()))
	}
	if t.onComplete != nil {
		t.onComplete(err)
	}
}

func safeRun(run func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	run()
	return nil
}

// Close stops accepting tasks and waits for the workers to exit, up to the
// shutdown timeout. Tasks still queued are completed with ErrPoolClosed.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.logger.Info("shutting down work pool")
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.cfg.ShutdownTimeout):
		p.logger.Warn("work pool shutdown timeout, tasks still running",
			slog.Int("queue_depth", len(p.tasks)))
		return fmt.Errorf("work pool shutdown timed out after %s", p.cfg.ShutdownTimeout)
	}

	for {
		select {
		case t := <-p.tasks:
			if t.onComplete != nil {
				t.onComplete(ErrPoolClosed)
			}
		default:
			p.logger.Info("work pool stopped")
			return nil
		}
	}
}
