// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/absmach/inbound/source"
	"github.com/google/uuid"
)

var (
	_ source.TwoPhaseSession = (*Session)(nil)
	_ source.Consumer        = (*Consumer)(nil)
	_ source.TwoPhaseHandle  = (*twoPhase)(nil)
)

// Session is a consuming session. Messages received in a transacted
// session stay pending until Commit; Rollback and Close requeue them.
type Session struct {
	conn *Connection
	opts source.SessionOptions

	mu        sync.Mutex
	closed    bool
	consumers map[*Consumer]struct{}
	pending   []pendingMessage
	commits   int
	rollbacks int
	xa        *twoPhase
}

type pendingMessage struct {
	q   *queue
	msg *source.Message
}

func newSession(c *Connection, opts source.SessionOptions) *Session {
	s := &Session{
		conn:      c,
		opts:      opts,
		consumers: make(map[*Consumer]struct{}),
	}
	if opts.TwoPhase {
		s.xa = &twoPhase{session: s}
	}
	return s
}

// CreateConsumer creates a queue consumer or a non-durable topic consumer.
func (s *Session) CreateConsumer(dest source.Destination, selector string) (source.Consumer, error) {
	sel, err := s.selectorFor(selector)
	if err != nil {
		return nil, err
	}
	switch dest.Type {
	case source.Queue:
		return s.addConsumer(dest, s.conn.broker.queueFor(dest.Name), sel, func() {})
	case source.Topic:
		q, detach, err := s.conn.broker.attach(dest.Name, "anon/"+uuid.NewString(), false, false)
		if err != nil {
			return nil, &source.Error{Op: "create consumer", Err: err}
		}
		return s.addConsumer(dest, q, sel, detach)
	default:
		return nil, &source.Error{Op: "create consumer", Err: source.ErrInvalidDestination}
	}
}

// CreateDurableConsumer attaches to a durable topic subscription owned by
// the connection's client ID. Only one consumer may be active on it.
func (s *Session) CreateDurableConsumer(dest source.Destination, subscription, selector string) (source.Consumer, error) {
	sel, err := s.selectorFor(selector)
	if err != nil {
		return nil, err
	}
	if dest.Type != source.Topic || subscription == "" {
		return nil, &source.Error{Op: "create durable consumer", Err: source.ErrInvalidDestination}
	}
	q, detach, err := s.conn.broker.attach(dest.Name, DurableKey(s.conn.ClientID(), subscription), true, false)
	if err != nil {
		return nil, &source.Error{Op: "create durable consumer", Err: err}
	}
	return s.addConsumer(dest, q, sel, detach)
}

// CreateSharedConsumer attaches to a shared topic subscription.
func (s *Session) CreateSharedConsumer(dest source.Destination, subscription, selector string, durable bool) (source.Consumer, error) {
	sel, err := s.selectorFor(selector)
	if err != nil {
		return nil, err
	}
	if dest.Type != source.Topic || subscription == "" {
		return nil, &source.Error{Op: "create shared consumer", Err: source.ErrInvalidDestination}
	}
	q, detach, err := s.conn.broker.attach(dest.Name, SharedKey(subscription), durable, true)
	if err != nil {
		return nil, &source.Error{Op: "create shared consumer", Err: err}
	}
	return s.addConsumer(dest, q, sel, detach)
}

// DurableKey names a durable subscription as seen by SubscriptionDepth.
func DurableKey(clientID, subscription string) string {
	return "durable/" + clientID + "/" + subscription
}

// SharedKey names a shared subscription as seen by SubscriptionDepth.
func SharedKey(subscription string) string {
	return "shared/" + subscription
}

func (s *Session) selectorFor(expr string) (selector, error) {
	if expr != "" && !s.conn.caps.Selectors {
		return nil, &source.Error{Op: "create consumer", Err: source.ErrSelectorUnsupported}
	}
	sel, err := parseSelector(expr)
	if err != nil {
		return nil, &source.Error{Op: "create consumer", Err: err}
	}
	return sel, nil
}

func (s *Session) addConsumer(dest source.Destination, q *queue, sel selector, detach func()) (source.Consumer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		detach()
		return nil, &source.Error{Op: "create consumer", Err: source.ErrSessionClosed}
	}
	c := &Consumer{session: s, dest: dest, q: q, sel: sel, detach: detach}
	s.consumers[c] = struct{}{}
	return c, nil
}

// Commit discards the pending messages.
func (s *Session) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkTxLocked("commit"); err != nil {
		return err
	}
	s.pending = nil
	s.commits++
	return nil
}

// Rollback requeues the pending messages.
func (s *Session) Rollback() error {
	s.mu.Lock()
	if err := s.checkTxLocked("rollback"); err != nil {
		s.mu.Unlock()
		return err
	}
	pending := s.pending
	s.pending = nil
	s.rollbacks++
	s.mu.Unlock()

	requeue(pending)
	return nil
}

// Stats returns the number of commits and rollbacks performed.
func (s *Session) Stats() (commits, rollbacks int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits, s.rollbacks
}

func (s *Session) checkTxLocked(op string) error {
	if s.closed {
		return &source.Error{Op: op, Err: source.ErrSessionClosed}
	}
	if !s.opts.Transacted && !s.opts.TwoPhase {
		return &source.Error{Op: op, Err: source.ErrNotTransacted}
	}
	if s.conn.IsClosed() {
		return &source.Error{Op: op, Err: source.ErrConnectionClosed}
	}
	return nil
}

// Close closes consumers and requeues uncommitted messages.
func (s *Session) Close() error {
	s.abort()
	s.conn.removeSession(s)
	return nil
}

// TwoPhaseHandle returns the session's distributed transaction branch.
func (s *Session) TwoPhaseHandle() source.TwoPhaseHandle {
	if s.xa == nil {
		return nil
	}
	return s.xa
}

func (s *Session) abort() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	pending := s.pending
	s.pending = nil
	consumers := make([]*Consumer, 0, len(s.consumers))
	for c := range s.consumers {
		consumers = append(consumers, c)
	}
	s.mu.Unlock()

	for _, c := range consumers {
		c.Close()
	}
	requeue(pending)
}

func (s *Session) track(q *queue, m *source.Message) {
	s.mu.Lock()
	s.pending = append(s.pending, pendingMessage{q: q, msg: m})
	s.mu.Unlock()
}

func (s *Session) removeConsumer(c *Consumer) {
	s.mu.Lock()
	delete(s.consumers, c)
	s.mu.Unlock()
}

func requeue(pending []pendingMessage) {
	byQueue := make(map[*queue][]*source.Message)
	var order []*queue
	for _, p := range pending {
		if _, ok := byQueue[p.q]; !ok {
			order = append(order, p.q)
		}
		byQueue[p.q] = append(byQueue[p.q], p.msg)
	}
	for _, q := range order {
		q.requeue(byQueue[q])
	}
}

// Consumer reads messages from a queue or subscription.
type Consumer struct {
	session *Session
	dest    source.Destination
	q       *queue
	sel     selector
	detach  func()

	once   sync.Once
	mu     sync.Mutex
	closed bool
}

// Receive waits up to timeout for a message.
func (c *Consumer) Receive(ctx context.Context, timeout time.Duration) (*source.Message, error) {
	conn := c.session.conn
	if err := c.check(); err != nil {
		return nil, err
	}
	if err := conn.broker.takeReceiveError(c.dest.Name); err != nil {
		return nil, &source.Error{Op: "receive", Err: err}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		notify := c.q.wait()
		startCh, started := conn.startWait()
		if started {
			if m := c.next(); m != nil {
				if c.session.opts.Transacted || c.session.opts.TwoPhase {
					c.session.track(c.q, m)
				}
				return cloneMessage(m), nil
			}
			startCh = nil
		}

		select {
		case <-notify:
		case <-startCh:
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-conn.closedCh:
			return nil, &source.Error{Op: "receive", Err: source.ErrConnectionClosed}
		}
		if err := c.check(); err != nil {
			return nil, err
		}
	}
}

// next takes the first message the selector accepts. Rejected queue
// messages stay for other consumers; a subscription drops them.
func (c *Consumer) next() *source.Message {
	if c.sel == nil {
		return c.q.pop()
	}
	return c.q.popMatch(c.sel.match, c.dest.Type == source.Topic)
}

func (c *Consumer) check() error {
	if c.session.conn.IsClosed() {
		return &source.Error{Op: "receive", Err: source.ErrConnectionClosed}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return &source.Error{Op: "receive", Err: source.ErrConsumerClosed}
	}
	return nil
}

// Close detaches the consumer from its subscription.
func (c *Consumer) Close() error {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.detach()
		c.session.removeConsumer(c)
	})
	return nil
}

var errUnknownXID = errors.New("unknown transaction branch")

// twoPhase is the session's transaction branch. Commit and Rollback apply
// to the messages received while the branch was associated.
type twoPhase struct {
	session *Session

	mu       sync.Mutex
	xid      string
	prepared bool
}

func (t *twoPhase) Start(xid string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.xid = xid
	t.prepared = false
	return nil
}

func (t *twoPhase) End(xid string) error {
	return t.check(xid)
}

func (t *twoPhase) Prepare(xid string) error {
	if err := t.check(xid); err != nil {
		return err
	}
	t.mu.Lock()
	t.prepared = true
	t.mu.Unlock()
	return nil
}

func (t *twoPhase) Commit(xid string, onePhase bool) error {
	if err := t.check(xid); err != nil {
		return err
	}
	t.mu.Lock()
	prepared := t.prepared
	t.mu.Unlock()
	if !onePhase && !prepared {
		return &source.Error{Op: "xa commit", Err: fmt.Errorf("branch %s not prepared", xid)}
	}
	return t.session.Commit()
}

func (t *twoPhase) Rollback(xid string) error {
	if err := t.check(xid); err != nil {
		return err
	}
	return t.session.Rollback()
}

func (t *twoPhase) check(xid string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if xid == "" || xid != t.xid {
		return &source.Error{Op: "xa", Err: errUnknownXID}
	}
	return nil
}
