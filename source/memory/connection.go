// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"sync"

	"github.com/absmach/inbound/source"
)

var _ source.Connection = (*Connection)(nil)

// Connection is a connection to a Broker.
type Connection struct {
	broker *Broker
	opts   source.ConnectOptions
	caps   source.Capabilities

	mu       sync.Mutex
	closed   bool
	closedCh chan struct{}
	started  bool
	startCh  chan struct{}
	listener func(error)
	sessions map[*Session]struct{}
}

func newConnection(b *Broker, opts source.ConnectOptions, caps source.Capabilities) *Connection {
	return &Connection{
		broker:   b,
		opts:     opts,
		caps:     caps,
		closedCh: make(chan struct{}),
		startCh:  make(chan struct{}),
		sessions: make(map[*Session]struct{}),
	}
}

// ClientID returns the client ID the connection was opened with.
func (c *Connection) ClientID() string {
	return c.opts.ClientID
}

// Capabilities returns the broker capabilities at connect time.
func (c *Connection) Capabilities() source.Capabilities {
	return c.caps
}

// OpenSession creates a session.
func (c *Connection) OpenSession(opts source.SessionOptions) (source.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, &source.Error{Op: "open session", Err: source.ErrConnectionClosed}
	}
	if opts.TwoPhase && !c.caps.TwoPhaseCommit {
		return nil, &source.Error{Op: "open session", Err: source.ErrTransactionUnsupported}
	}
	if opts.Transacted && !c.caps.LocalTransactions {
		return nil, &source.Error{Op: "open session", Err: source.ErrTransactionUnsupported}
	}

	s := newSession(c, opts)
	c.sessions[s] = struct{}{}
	return s, nil
}

// Start enables delivery to consumers.
func (c *Connection) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return &source.Error{Op: "start", Err: source.ErrConnectionClosed}
	}
	if !c.started {
		c.started = true
		close(c.startCh)
	}
	return nil
}

// Stop pauses delivery to consumers.
func (c *Connection) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return &source.Error{Op: "stop", Err: source.ErrConnectionClosed}
	}
	if c.started {
		c.started = false
		c.startCh = make(chan struct{})
	}
	return nil
}

// Close closes the connection and its sessions. Closing twice is a no-op.
func (c *Connection) Close() error {
	sessions, ok := c.shutdown()
	if !ok {
		return nil
	}
	for _, s := range sessions {
		s.Close()
	}
	return nil
}

// IsClosed reports whether the connection was closed or dropped.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// SetExceptionListener registers the connection loss callback.
func (c *Connection) SetExceptionListener(fn func(error)) {
	c.mu.Lock()
	c.listener = fn
	c.mu.Unlock()
}

// Drop simulates loss of this connection.
func (c *Connection) Drop(err error) {
	c.fail(err)
}

func (c *Connection) fail(err error) {
	c.mu.Lock()
	listener := c.listener
	c.mu.Unlock()

	sessions, ok := c.shutdown()
	if !ok {
		return
	}
	for _, s := range sessions {
		s.abort()
	}
	if listener != nil {
		go listener(&source.Error{Op: "connection", Err: err})
	}
}

func (c *Connection) shutdown() ([]*Session, bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, false
	}
	c.closed = true
	close(c.closedCh)
	sessions := make([]*Session, 0, len(c.sessions))
	for s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.sessions = make(map[*Session]struct{})
	c.mu.Unlock()

	c.broker.removeConnection(c)
	return sessions, true
}

func (c *Connection) removeSession(s *Session) {
	c.mu.Lock()
	delete(c.sessions, s)
	c.mu.Unlock()
}

// startWait returns a channel that is closed once the connection is
// started, and whether it already is.
func (c *Connection) startWait() (<-chan struct{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startCh, c.started
}
