// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package kafka implements a message source over Kafka consumer groups.
// A queue is a topic read by a group named after it. Offsets are committed
// per message, or on Commit when the session is transacted; Rollback
// rejoins the group so uncommitted messages are fetched again.
package kafka

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/inbound/source"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// Default values.
const (
	DefaultBroker         = "localhost:9092"
	DefaultDialTimeout    = 10 * time.Second
	DefaultHealthInterval = 10 * time.Second
	DefaultMaxWait        = 500 * time.Millisecond
)

var (
	// ErrNoBrokers is returned when no broker address is set.
	ErrNoBrokers = errors.New("no kafka brokers configured")

	// ErrInvalidStartOffset is returned for a start offset other than
	// "first" or "last".
	ErrInvalidStartOffset = errors.New("start offset must be first or last")
)

var (
	_ source.Source     = (*Source)(nil)
	_ source.Connection = (*Connection)(nil)
)

// Options configures the Kafka source.
type Options struct {
	Brokers        []string
	DialTimeout    time.Duration
	HealthInterval time.Duration
	MaxWait        time.Duration

	// StartOffset is where a new group starts reading: "first" or "last".
	StartOffset string
}

// NewOptions creates Options with sensible defaults.
func NewOptions() Options {
	return Options{
		Brokers:        []string{DefaultBroker},
		DialTimeout:    DefaultDialTimeout,
		HealthInterval: DefaultHealthInterval,
		MaxWait:        DefaultMaxWait,
		StartOffset:    "last",
	}
}

// Validate checks the options for errors.
func (o Options) Validate() error {
	if len(o.Brokers) == 0 || o.Brokers[0] == "" {
		return ErrNoBrokers
	}
	switch o.StartOffset {
	case "", "first", "last":
	default:
		return ErrInvalidStartOffset
	}
	return nil
}

func (o Options) startOffset() int64 {
	if o.StartOffset == "first" {
		return kafka.FirstOffset
	}
	return kafka.LastOffset
}

// Source creates Kafka connections.
type Source struct {
	opts   Options
	logger *slog.Logger
}

// New creates a Kafka source.
func New(opts Options, logger *slog.Logger) (*Source, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = DefaultHealthInterval
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = DefaultMaxWait
	}
	return &Source{opts: opts, logger: logger}, nil
}

// Name returns "kafka".
func (s *Source) Name() string {
	return "kafka"
}

// Connect dials the first reachable broker. The broker connection is only
// used to detect outages; consumers open their own group readers.
func (s *Source) Connect(ctx context.Context, opts source.ConnectOptions) (source.Connection, error) {
	clientID := opts.ClientID
	if clientID == "" {
		clientID = "inbound-" + uuid.NewString()
	}
	dialer := &kafka.Dialer{
		ClientID:  clientID,
		Timeout:   s.opts.DialTimeout,
		DualStack: true,
	}

	var (
		conn *kafka.Conn
		errs []error
	)
	for _, addr := range s.opts.Brokers {
		c, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			conn = c
			break
		}
		errs = append(errs, err)
	}
	if conn == nil {
		return nil, &source.Error{Op: "connect", Err: errors.Join(errs...)}
	}

	c := &Connection{
		conn:     conn,
		dialer:   dialer,
		opts:     s.opts,
		clientID: clientID,
		trace:    opts.TraceLevel,
		logger:   s.logger.With(slog.String("source", "kafka"), slog.String("client_id", clientID)),
		startCh:  make(chan struct{}),
		closedCh: make(chan struct{}),
	}
	go c.monitor()
	return c, nil
}

// Connection is a broker connection plus the consumer group readers
// created on it.
type Connection struct {
	conn     *kafka.Conn
	dialer   *kafka.Dialer
	opts     Options
	clientID string
	trace    int
	logger   *slog.Logger

	mu       sync.Mutex
	started  bool
	startCh  chan struct{}
	listener func(error)

	closed    atomic.Bool
	closeOnce sync.Once
	closedCh  chan struct{}
}

// Capabilities reports what Kafka supports. Transactions are local offset
// commits.
func (c *Connection) Capabilities() source.Capabilities {
	return source.Capabilities{
		ServerVersion:        "kafka",
		LocalTransactions:    true,
		DurableSubscriptions: true,
		SharedSubscriptions:  true,
	}
}

// OpenSession opens a session.
func (c *Connection) OpenSession(opts source.SessionOptions) (source.Session, error) {
	if opts.TwoPhase {
		return nil, &source.Error{Op: "open session", Err: source.ErrTransactionUnsupported}
	}
	if c.IsClosed() {
		return nil, &source.Error{Op: "open session", Err: source.ErrConnectionClosed}
	}
	return &Session{conn: c, transacted: opts.Transacted, capacity: opts.Prefetch}, nil
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

// Stop pauses delivery.
func (c *Connection) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		c.started = false
		c.startCh = make(chan struct{})
	}
	return nil
}

// Close closes the broker connection.
func (c *Connection) Close() error {
	c.shutdown()
	if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// IsClosed reports whether the connection is closed or was lost.
func (c *Connection) IsClosed() bool {
	return c.closed.Load()
}

// SetExceptionListener registers the connection loss callback.
func (c *Connection) SetExceptionListener(fn func(error)) {
	c.mu.Lock()
	c.listener = fn
	c.mu.Unlock()
}

// monitor polls broker metadata until the connection closes.
func (c *Connection) monitor() {
	ticker := time.NewTicker(c.opts.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closedCh:
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				c.lost(err)
				return
			}
		}
	}
}

func (c *Connection) ping() error {
	if err := c.conn.SetDeadline(time.Now().Add(c.opts.DialTimeout)); err != nil {
		return err
	}
	_, err := c.conn.Brokers()
	return err
}

func (c *Connection) shutdown() bool {
	first := false
	c.closeOnce.Do(func() {
		first = true
		c.closed.Store(true)
		close(c.closedCh)
	})
	return first
}

func (c *Connection) lost(err error) {
	if !c.shutdown() {
		return
	}
	c.mu.Lock()
	listener := c.listener
	c.mu.Unlock()

	c.logger.Warn("kafka connection lost", slog.String("error", err.Error()))
	if listener != nil {
		listener(&source.Error{Op: "connection", Err: err})
	}
}

func (c *Connection) startWait() (<-chan struct{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startCh, c.started
}

// newReader creates a group reader for topic.
func (c *Connection) newReader(topic, group string, capacity int) *kafka.Reader {
	cfg := kafka.ReaderConfig{
		Brokers:     c.opts.Brokers,
		GroupID:     group,
		Topic:       topic,
		Dialer:      c.dialer,
		StartOffset: c.opts.startOffset(),
		MaxWait:     c.opts.MaxWait,
	}
	if capacity > 0 {
		cfg.QueueCapacity = capacity
	}
	return kafka.NewReader(cfg)
}
