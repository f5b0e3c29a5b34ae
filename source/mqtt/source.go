// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mqtt implements a message source over MQTT 3.1.1. Queues are
// consumed through the broker's "$queue/" topics and shared subscriptions
// through "$share/". MQTT has no transactions or selectors.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/inbound/source"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// Default values.
const (
	DefaultAddress        = "tcp://localhost:1883"
	DefaultConnectTimeout = 10 * time.Second
	DefaultQoS            = 1
	DefaultBuffer         = 64
)

var (
	// ErrNoAddress is returned when no broker address is set.
	ErrNoAddress = errors.New("no broker address configured")

	// ErrInvalidQoS is returned for a QoS outside 0..2.
	ErrInvalidQoS = errors.New("qos must be 0, 1 or 2")

	errConnectTimeout = errors.New("connect timed out")
)

var (
	_ source.Source     = (*Source)(nil)
	_ source.Connection = (*Connection)(nil)
)

// Options configures the MQTT source.
type Options struct {
	Address        string // Broker URL, e.g. tcp://host:1883
	ConnectTimeout time.Duration
	KeepAlive      time.Duration
	QoS            byte

	// CleanSession false keeps subscriptions across connections, which
	// makes topic subscriptions durable for a fixed client ID.
	CleanSession bool
}

// NewOptions creates Options with sensible defaults.
func NewOptions() Options {
	return Options{
		Address:        DefaultAddress,
		ConnectTimeout: DefaultConnectTimeout,
		KeepAlive:      30 * time.Second,
		QoS:            DefaultQoS,
		CleanSession:   true,
	}
}

// Validate checks the options for errors.
func (o Options) Validate() error {
	if o.Address == "" {
		return ErrNoAddress
	}
	if o.QoS > 2 {
		return ErrInvalidQoS
	}
	return nil
}

// Source creates MQTT client connections.
type Source struct {
	opts   Options
	logger *slog.Logger
}

// New creates an MQTT source.
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

// Name returns "mqtt".
func (s *Source) Name() string {
	return "mqtt"
}

// Connect connects a new client. Automatic reconnection is disabled; the
// engine owns reconnects.
func (s *Source) Connect(ctx context.Context, opts source.ConnectOptions) (source.Connection, error) {
	clientID := opts.ClientID
	if clientID == "" {
		clientID = "inbound-" + uuid.NewString()
	}

	c := &Connection{
		opts:     s.opts,
		clientID: clientID,
		trace:    opts.TraceLevel,
		logger:   s.logger.With(slog.String("source", "mqtt"), slog.String("client_id", clientID)),
		subs:     make(map[string]*subscription),
		startCh:  make(chan struct{}),
		closedCh: make(chan struct{}),
	}

	co := paho.NewClientOptions().
		AddBroker(s.opts.Address).
		SetClientID(clientID).
		SetCleanSession(s.opts.CleanSession).
		SetProtocolVersion(4).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectTimeout(s.opts.ConnectTimeout).
		SetOrderMatters(false).
		SetAutoAckDisabled(true).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			c.lost(err)
		})
	if s.opts.KeepAlive > 0 {
		co.SetKeepAlive(s.opts.KeepAlive)
	}
	if opts.Username != "" {
		co.SetUsername(opts.Username)
		co.SetPassword(opts.Password)
	}

	client := paho.NewClient(co)
	if err := wait(ctx, client.Connect(), s.opts.ConnectTimeout); err != nil {
		client.Disconnect(0)
		return nil, &source.Error{Op: "connect", Err: err}
	}
	c.client = client
	return c, nil
}

// wait blocks on tok until it completes, the timeout passes or ctx ends.
func wait(ctx context.Context, tok paho.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-timer.C:
		return errConnectTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connection is one MQTT client. Consumers of the same filter share one
// broker subscription and compete for its messages.
type Connection struct {
	client   paho.Client
	opts     Options
	clientID string
	trace    int
	logger   *slog.Logger

	mu       sync.Mutex
	subs     map[string]*subscription
	started  bool
	startCh  chan struct{}
	listener func(error)

	closed    atomic.Bool
	closeOnce sync.Once
	closedCh  chan struct{}
}

type subscription struct {
	filter string
	msgs   chan paho.Message
	refs   int
}

// Capabilities reports what MQTT supports.
func (c *Connection) Capabilities() source.Capabilities {
	return source.Capabilities{
		ServerVersion:        "mqtt-3.1.1",
		DurableSubscriptions: !c.opts.CleanSession,
		SharedSubscriptions:  true,
	}
}

// OpenSession opens a session. MQTT sessions are not transactional.
func (c *Connection) OpenSession(opts source.SessionOptions) (source.Session, error) {
	if opts.Transacted || opts.TwoPhase {
		return nil, &source.Error{Op: "open session", Err: source.ErrTransactionUnsupported}
	}
	if c.IsClosed() {
		return nil, &source.Error{Op: "open session", Err: source.ErrConnectionClosed}
	}
	return &Session{conn: c, buffer: opts.Prefetch}, nil
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

// Stop pauses delivery. Arriving messages are buffered.
func (c *Connection) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		c.started = false
		c.startCh = make(chan struct{})
	}
	return nil
}

// Close disconnects the client.
func (c *Connection) Close() error {
	c.shutdown()
	if c.client != nil && c.client.IsConnectionOpen() {
		c.client.Disconnect(250)
	}
	return nil
}

// IsClosed reports whether the client is disconnected.
func (c *Connection) IsClosed() bool {
	return c.closed.Load()
}

// SetExceptionListener registers the connection loss callback.
func (c *Connection) SetExceptionListener(fn func(error)) {
	c.mu.Lock()
	c.listener = fn
	c.mu.Unlock()
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

	c.logger.Warn("mqtt connection lost", slog.String("error", err.Error()))
	if listener != nil {
		listener(&source.Error{Op: "connection", Err: err})
	}
}

func (c *Connection) startWait() (<-chan struct{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startCh, c.started
}

// subscribe attaches to filter, subscribing on the broker for the first
// consumer.
func (c *Connection) subscribe(filter string, buffer int) (*subscription, error) {
	c.mu.Lock()
	if sub, ok := c.subs[filter]; ok {
		sub.refs++
		c.mu.Unlock()
		return sub, nil
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &subscription{filter: filter, msgs: make(chan paho.Message, buffer), refs: 1}
	c.subs[filter] = sub
	c.mu.Unlock()

	tok := c.client.Subscribe(filter, c.opts.QoS, func(_ paho.Client, m paho.Message) {
		select {
		case sub.msgs <- m:
		case <-c.closedCh:
		}
	})
	if err := wait(context.Background(), tok, c.opts.ConnectTimeout); err != nil {
		c.mu.Lock()
		delete(c.subs, filter)
		c.mu.Unlock()
		return nil, fmt.Errorf("subscribe %s: %w", filter, err)
	}
	return sub, nil
}

// unsubscribe detaches from filter, unsubscribing on the broker after the
// last consumer. Durable subscriptions stay on the broker.
func (c *Connection) unsubscribe(sub *subscription, durable bool) error {
	c.mu.Lock()
	sub.refs--
	last := sub.refs == 0
	if last {
		delete(c.subs, sub.filter)
	}
	c.mu.Unlock()

	if !last || durable || c.IsClosed() {
		return nil
	}
	return wait(context.Background(), c.client.Unsubscribe(sub.filter), c.opts.ConnectTimeout)
}
