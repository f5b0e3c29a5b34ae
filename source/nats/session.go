// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package nats

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/inbound/source"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

var (
	_ source.Session  = (*Session)(nil)
	_ source.Consumer = (*Consumer)(nil)
)

// Session groups consumers.
type Session struct {
	conn    *Connection
	pending int

	mu        sync.Mutex
	consumers []*Consumer
}

// QueueGroup returns the queue group used for dest, or "" for a plain
// subscription.
func QueueGroup(dest source.Destination, subscription string, shared bool) string {
	switch {
	case dest.Type == source.Queue:
		return dest.Name
	case shared:
		return subscription
	default:
		return ""
	}
}

// CreateConsumer subscribes to a queue, as a queue group named after it,
// or to a topic subject.
func (s *Session) CreateConsumer(dest source.Destination, selector string) (source.Consumer, error) {
	if selector != "" {
		return nil, &source.Error{Op: "create consumer", Err: source.ErrSelectorUnsupported}
	}
	if dest.Type != source.Queue && dest.Type != source.Topic {
		return nil, &source.Error{Op: "create consumer", Err: source.ErrInvalidDestination}
	}
	return s.subscribe(dest, QueueGroup(dest, "", false))
}

// CreateDurableConsumer is not supported by core NATS.
func (s *Session) CreateDurableConsumer(source.Destination, string, string) (source.Consumer, error) {
	return nil, &source.Error{Op: "create durable consumer", Err: source.ErrDurableUnsupported}
}

// CreateSharedConsumer joins the queue group named after subscription.
// Core NATS groups are never durable.
func (s *Session) CreateSharedConsumer(dest source.Destination, subscription, selector string, durable bool) (source.Consumer, error) {
	if selector != "" {
		return nil, &source.Error{Op: "create shared consumer", Err: source.ErrSelectorUnsupported}
	}
	if durable {
		return nil, &source.Error{Op: "create shared consumer", Err: source.ErrDurableUnsupported}
	}
	if dest.Type != source.Topic || subscription == "" {
		return nil, &source.Error{Op: "create shared consumer", Err: source.ErrInvalidDestination}
	}
	return s.subscribe(dest, QueueGroup(dest, subscription, true))
}

func (s *Session) subscribe(dest source.Destination, group string) (source.Consumer, error) {
	var (
		sub *nats.Subscription
		err error
	)
	if group != "" {
		sub, err = s.conn.nc.QueueSubscribeSync(dest.Name, group)
	} else {
		sub, err = s.conn.nc.SubscribeSync(dest.Name)
	}
	if err != nil {
		return nil, &source.Error{Op: "subscribe", Err: err}
	}
	if s.pending > 0 {
		if err := sub.SetPendingLimits(s.pending, -1); err != nil {
			sub.Unsubscribe()
			return nil, &source.Error{Op: "subscribe", Err: err}
		}
	}

	c := &Consumer{session: s, dest: dest, sub: sub}
	s.mu.Lock()
	s.consumers = append(s.consumers, c)
	s.mu.Unlock()
	return c, nil
}

// Commit is not supported.
func (s *Session) Commit() error {
	return &source.Error{Op: "commit", Err: source.ErrNotTransacted}
}

// Rollback is not supported.
func (s *Session) Rollback() error {
	return &source.Error{Op: "rollback", Err: source.ErrNotTransacted}
}

// Close unsubscribes the session's consumers.
func (s *Session) Close() error {
	s.mu.Lock()
	consumers := s.consumers
	s.consumers = nil
	s.mu.Unlock()

	var errs []error
	for _, c := range consumers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// Consumer reads from one synchronous subscription.
type Consumer struct {
	session *Session
	dest    source.Destination
	sub     *nats.Subscription

	once sync.Once
}

// Receive waits up to timeout for a message.
func (c *Consumer) Receive(ctx context.Context, timeout time.Duration) (*source.Message, error) {
	conn := c.session.conn
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		startCh, started := conn.startWait()
		if started {
			break
		}
		select {
		case <-startCh:
		case <-ctx.Done():
			return nil, timeoutOr(ctx)
		}
	}

	m, err := c.sub.NextMsgWithContext(ctx)
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		return nil, nil
	case errors.Is(err, context.Canceled):
		return nil, err
	case errors.Is(err, nats.ErrConnectionClosed):
		return nil, &source.Error{Op: "receive", Err: source.ErrConnectionClosed}
	case errors.Is(err, nats.ErrBadSubscription):
		if conn.IsClosed() {
			return nil, &source.Error{Op: "receive", Err: source.ErrConnectionClosed}
		}
		return nil, &source.Error{Op: "receive", Err: source.ErrConsumerClosed}
	default:
		return nil, &source.Error{Op: "receive", Err: err}
	}

	msg := toMessage(c.dest, m)
	if conn.trace >= 5 {
		conn.logger.Debug("message received",
			slog.String("subject", m.Subject),
			slog.String("message_id", msg.ID))
	}
	return msg, nil
}

// timeoutOr maps an expired receive deadline to "no message".
func timeoutOr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil
	}
	return ctx.Err()
}

// Close unsubscribes.
func (c *Consumer) Close() error {
	var err error
	c.once.Do(func() {
		if uerr := c.sub.Unsubscribe(); uerr != nil && !c.session.conn.IsClosed() {
			err = &source.Error{Op: "unsubscribe", Err: uerr}
		}
	})
	return err
}

func toMessage(dest source.Destination, m *nats.Msg) *source.Message {
	props := map[string]string{"subject": m.Subject}
	if m.Reply != "" {
		props["reply"] = m.Reply
	}
	for k := range m.Header {
		props[k] = m.Header.Get(k)
	}

	id := m.Header.Get(nats.MsgIdHdr)
	if id == "" {
		id = uuid.NewString()
	}
	return &source.Message{
		ID:          id,
		Destination: dest,
		Payload:     m.Data,
		Properties:  props,
		Timestamp:   time.Now(),
	}
}
