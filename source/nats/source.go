// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package nats implements a message source over core NATS. Queues and
// shared subscriptions are queue groups. Core NATS delivers at most once,
// so there are no transactions or durable subscriptions.
package nats

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/inbound/source"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Default values.
const (
	DefaultURL            = nats.DefaultURL
	DefaultConnectTimeout = 5 * time.Second
)

// ErrNoURL is returned when no server URL is set.
var ErrNoURL = errors.New("no server URL configured")

var (
	_ source.Source     = (*Source)(nil)
	_ source.Connection = (*Connection)(nil)
)

// Options configures the NATS source.
type Options struct {
	URL            string
	ConnectTimeout time.Duration
	PingInterval   time.Duration
}

// NewOptions creates Options with sensible defaults.
func NewOptions() Options {
	return Options{
		URL:            DefaultURL,
		ConnectTimeout: DefaultConnectTimeout,
	}
}

// Validate checks the options for errors.
func (o Options) Validate() error {
	if o.URL == "" {
		return ErrNoURL
	}
	return nil
}

// Source creates NATS connections.
type Source struct {
	opts   Options
	logger *slog.Logger
}

// New creates a NATS source.
func New(opts Options, logger *slog.Logger) (*Source, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	return &Source{opts: opts, logger: logger}, nil
}

// Name returns "nats".
func (s *Source) Name() string {
	return "nats"
}

// Connect connects to the server. Reconnection is disabled; the engine
// owns reconnects.
func (s *Source) Connect(ctx context.Context, opts source.ConnectOptions) (source.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	name := opts.ClientID
	if name == "" {
		name = "inbound-" + uuid.NewString()
	}
	c := &Connection{
		logger:  s.logger.With(slog.String("source", "nats"), slog.String("client", name)),
		trace:   opts.TraceLevel,
		startCh: make(chan struct{}),
	}

	natsOpts := []nats.Option{
		nats.Name(name),
		nats.Timeout(s.opts.ConnectTimeout),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.lost(err)
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			c.lost(nil)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			c.logger.Warn("nats async error",
				slog.String("subject", subject),
				slog.String("error", err.Error()))
		}),
	}
	if opts.Username != "" {
		natsOpts = append(natsOpts, nats.UserInfo(opts.Username, opts.Password))
	}
	if s.opts.PingInterval > 0 {
		natsOpts = append(natsOpts, nats.PingInterval(s.opts.PingInterval))
	}

	nc, err := nats.Connect(s.opts.URL, natsOpts...)
	if err != nil {
		return nil, &source.Error{Op: "connect", Err: err}
	}
	c.nc = nc
	return c, nil
}

// Connection wraps a NATS connection.
type Connection struct {
	nc     *nats.Conn
	logger *slog.Logger
	trace  int

	mu       sync.Mutex
	started  bool
	startCh  chan struct{}
	listener func(error)

	closing  atomic.Bool
	lostOnce sync.Once
}

// Capabilities reports what core NATS supports.
func (c *Connection) Capabilities() source.Capabilities {
	version := "nats"
	if c.nc != nil {
		version = "nats " + c.nc.ConnectedServerVersion()
	}
	return source.Capabilities{
		ServerVersion:       version,
		SharedSubscriptions: true,
	}
}

// OpenSession opens a session. NATS sessions are not transactional.
func (c *Connection) OpenSession(opts source.SessionOptions) (source.Session, error) {
	if opts.Transacted || opts.TwoPhase {
		return nil, &source.Error{Op: "open session", Err: source.ErrTransactionUnsupported}
	}
	if c.IsClosed() {
		return nil, &source.Error{Op: "open session", Err: source.ErrConnectionClosed}
	}
	return &Session{conn: c, pending: opts.Prefetch}, nil
}

// Start begins delivery to consumers.
func (c *Connection) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		c.started = true
		close(c.startCh)
	}
	return nil
}

// Stop pauses delivery. Messages keep buffering in subscriptions.
func (c *Connection) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		c.started = false
		c.startCh = make(chan struct{})
	}
	return nil
}

// Close closes the connection.
func (c *Connection) Close() error {
	c.closing.Store(true)
	c.nc.Close()
	return nil
}

// IsClosed reports whether the connection is closed or disconnected.
func (c *Connection) IsClosed() bool {
	return c.closing.Load() || c.nc.IsClosed() || !c.nc.IsConnected()
}

// SetExceptionListener registers the connection loss callback.
func (c *Connection) SetExceptionListener(fn func(error)) {
	c.mu.Lock()
	c.listener = fn
	c.mu.Unlock()
}

// lost reports a connection loss once, unless Close caused it.
func (c *Connection) lost(err error) {
	if c.closing.Load() {
		return
	}
	c.lostOnce.Do(func() {
		if err == nil {
			err = nats.ErrConnectionClosed
		}
		c.mu.Lock()
		listener := c.listener
		c.mu.Unlock()

		c.logger.Warn("nats connection lost", slog.String("error", err.Error()))
		if listener != nil {
			listener(&source.Error{Op: "connection", Err: err})
		}
	})
}

func (c *Connection) startWait() (<-chan struct{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startCh, c.started
}
