// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package amqp implements a message source over AMQP 0.9.1. Queues map to
// broker queues; topic subscriptions are queues bound to a topic exchange.
// Local transactions use the channel's tx mode. Two-phase commit and
// selectors are not available.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/absmach/inbound/source"
	amqp091 "github.com/rabbitmq/amqp091-go"
)

var (
	_ source.Source     = (*Source)(nil)
	_ source.Connection = (*Connection)(nil)
)

// Source dials AMQP connections.
type Source struct {
	opts   Options
	logger *slog.Logger
}

// New creates an AMQP source.
func New(opts Options, logger *slog.Logger) (*Source, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.TopicExchange == "" {
		opts.TopicExchange = DefaultTopicExchange
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	return &Source{opts: opts, logger: logger}, nil
}

// Name returns "amqp".
func (s *Source) Name() string {
	return "amqp"
}

// Connect dials the broker.
func (s *Source) Connect(ctx context.Context, opts source.ConnectOptions) (source.Connection, error) {
	u, err := s.opts.dialURL(opts.Username, opts.Password)
	if err != nil {
		return nil, &source.Error{Op: "connect", Err: err}
	}

	dialer := &net.Dialer{Timeout: s.opts.DialTimeout}
	props := amqp091.NewConnectionProperties()
	if opts.ClientID != "" {
		props.SetClientConnectionName(opts.ClientID)
	}
	cfg := amqp091.Config{
		TLSClientConfig: s.opts.TLSConfig,
		Heartbeat:       s.opts.Heartbeat,
		Properties:      props,
		Dial: func(network, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
	}

	conn, err := amqp091.DialConfig(u, cfg)
	if err != nil {
		return nil, &source.Error{Op: "connect", Err: err}
	}

	c := &Connection{
		conn:     conn,
		opts:     s.opts,
		clientID: opts.ClientID,
		trace:    opts.TraceLevel,
		logger:   s.logger.With(slog.String("source", "amqp")),
		startCh:  make(chan struct{}),
	}
	go c.watch(conn.NotifyClose(make(chan *amqp091.Error, 1)))
	return c, nil
}

// Connection wraps an AMQP connection. Each session gets its own channel.
type Connection struct {
	conn     *amqp091.Connection
	opts     Options
	clientID string
	trace    int
	logger   *slog.Logger

	mu       sync.Mutex
	started  bool
	startCh  chan struct{}
	listener func(error)

	closed atomic.Bool
}

func (c *Connection) watch(ch <-chan *amqp091.Error) {
	err, ok := <-ch
	c.closed.Store(true)
	if !ok || err == nil {
		return
	}

	c.mu.Lock()
	listener := c.listener
	c.mu.Unlock()
	c.logger.Warn("amqp connection closed by broker",
		slog.Int("code", err.Code),
		slog.String("reason", err.Reason))
	if listener != nil {
		listener(&source.Error{Op: "connection", Err: err})
	}
}

// Capabilities reports what AMQP 0.9.1 supports.
func (c *Connection) Capabilities() source.Capabilities {
	version := "amqp-0.9.1"
	if v, ok := c.conn.Properties["version"].(string); ok {
		product, _ := c.conn.Properties["product"].(string)
		version = fmt.Sprintf("%s %s", product, v)
	}
	return source.Capabilities{
		ServerVersion:        version,
		LocalTransactions:    true,
		DurableSubscriptions: true,
		SharedSubscriptions:  true,
	}
}

// OpenSession opens a channel. Transacted sessions put the channel in tx
// mode.
func (c *Connection) OpenSession(opts source.SessionOptions) (source.Session, error) {
	if opts.TwoPhase {
		return nil, &source.Error{Op: "open session", Err: source.ErrTransactionUnsupported}
	}
	if c.IsClosed() {
		return nil, &source.Error{Op: "open session", Err: source.ErrConnectionClosed}
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return nil, &source.Error{Op: "open channel", Err: err}
	}
	if opts.Prefetch > 0 {
		if err := ch.Qos(opts.Prefetch, 0, false); err != nil {
			ch.Close()
			return nil, &source.Error{Op: "qos", Err: err}
		}
	}
	if opts.Transacted {
		if err := ch.Tx(); err != nil {
			ch.Close()
			return nil, &source.Error{Op: "tx select", Err: err}
		}
	}
	return newSession(c, ch, opts), nil
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

// Stop pauses delivery to consumers. Messages already prefetched stay on
// the channel.
func (c *Connection) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		c.started = false
		c.startCh = make(chan struct{})
	}
	return nil
}

// Close closes the connection and all channels.
func (c *Connection) Close() error {
	c.closed.Store(true)
	if c.conn.IsClosed() {
		return nil
	}
	if err := c.conn.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
		return &source.Error{Op: "close", Err: err}
	}
	return nil
}

// IsClosed reports whether the connection is closed.
func (c *Connection) IsClosed() bool {
	return c.closed.Load() || c.conn.IsClosed()
}

// SetExceptionListener registers the connection loss callback.
func (c *Connection) SetExceptionListener(fn func(error)) {
	c.mu.Lock()
	c.listener = fn
	c.mu.Unlock()
}

func (c *Connection) startWait() (<-chan struct{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startCh, c.started
}
