// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/absmach/inbound/source"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

var (
	_ source.Session  = (*Session)(nil)
	_ source.Consumer = (*Consumer)(nil)
)

// DurableGroup returns the consumer group of a non-shared durable
// subscription.
func DurableGroup(clientID, subscription string) string {
	return clientID + "." + subscription
}

// SharedGroup returns the consumer group of a shared subscription.
func SharedGroup(subscription string) string {
	return "shared." + subscription
}

// Session groups consumers and, when transacted, their uncommitted
// messages.
type Session struct {
	conn       *Connection
	transacted bool
	capacity   int

	mu        sync.Mutex
	consumers []*Consumer
}

// CreateConsumer reads a queue through the group named after it, or a
// topic through a private group starting at the latest offset.
func (s *Session) CreateConsumer(dest source.Destination, selector string) (source.Consumer, error) {
	if selector != "" {
		return nil, &source.Error{Op: "create consumer", Err: source.ErrSelectorUnsupported}
	}
	switch dest.Type {
	case source.Queue:
		return s.consume(dest, dest.Name)
	case source.Topic:
		return s.consume(dest, "inbound-"+uuid.NewString())
	default:
		return nil, &source.Error{Op: "create consumer", Err: source.ErrInvalidDestination}
	}
}

// CreateDurableConsumer reads a topic through a group bound to the client
// ID, so committed offsets survive reconnects.
func (s *Session) CreateDurableConsumer(dest source.Destination, subscription, selector string) (source.Consumer, error) {
	if selector != "" {
		return nil, &source.Error{Op: "create durable consumer", Err: source.ErrSelectorUnsupported}
	}
	if dest.Type != source.Topic || subscription == "" {
		return nil, &source.Error{Op: "create durable consumer", Err: source.ErrInvalidDestination}
	}
	return s.consume(dest, DurableGroup(s.conn.clientID, subscription))
}

// CreateSharedConsumer joins the group named after subscription. Kafka
// groups always keep their offsets, so durable makes no difference.
func (s *Session) CreateSharedConsumer(dest source.Destination, subscription, selector string, _ bool) (source.Consumer, error) {
	if selector != "" {
		return nil, &source.Error{Op: "create shared consumer", Err: source.ErrSelectorUnsupported}
	}
	if dest.Type != source.Topic || subscription == "" {
		return nil, &source.Error{Op: "create shared consumer", Err: source.ErrInvalidDestination}
	}
	return s.consume(dest, SharedGroup(subscription))
}

func (s *Session) consume(dest source.Destination, group string) (source.Consumer, error) {
	if dest.Name == "" {
		return nil, &source.Error{Op: "create consumer", Err: source.ErrInvalidDestination}
	}
	if s.conn.IsClosed() {
		return nil, &source.Error{Op: "create consumer", Err: source.ErrConnectionClosed}
	}
	c := &Consumer{
		session: s,
		dest:    dest,
		group:   group,
		reader:  s.conn.newReader(dest.Name, group, s.capacity),
	}
	s.mu.Lock()
	s.consumers = append(s.consumers, c)
	s.mu.Unlock()
	return c, nil
}

// Commit commits the offsets of messages received since the last commit.
func (s *Session) Commit() error {
	if !s.transacted {
		return &source.Error{Op: "commit", Err: source.ErrNotTransacted}
	}
	var errs []error
	for _, c := range s.snapshot() {
		errs = append(errs, c.commit())
	}
	if err := errors.Join(errs...); err != nil {
		return &source.Error{Op: "commit", Err: err}
	}
	return nil
}

// Rollback drops uncommitted messages. Consumers holding any rejoin their
// group, which resumes from the last committed offset.
func (s *Session) Rollback() error {
	if !s.transacted {
		return &source.Error{Op: "rollback", Err: source.ErrNotTransacted}
	}
	var errs []error
	for _, c := range s.snapshot() {
		errs = append(errs, c.rewind())
	}
	if err := errors.Join(errs...); err != nil {
		return &source.Error{Op: "rollback", Err: err}
	}
	return nil
}

// Close closes the session's consumers. Uncommitted messages are fetched
// again by the next group member.
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

func (s *Session) snapshot() []*Consumer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Consumer(nil), s.consumers...)
}

// Consumer reads one topic through one group reader.
type Consumer struct {
	session *Session
	dest    source.Destination
	group   string

	mu      sync.Mutex
	reader  *kafka.Reader
	pending []kafka.Message
	closed  bool
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
		case <-conn.closedCh:
			return nil, &source.Error{Op: "receive", Err: source.ErrConnectionClosed}
		case <-ctx.Done():
			return nil, timeoutOr(ctx)
		}
	}

	c.mu.Lock()
	reader, closed := c.reader, c.closed
	c.mu.Unlock()
	if closed {
		return nil, &source.Error{Op: "receive", Err: source.ErrConsumerClosed}
	}

	m, err := reader.FetchMessage(ctx)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return nil, nil
		case errors.Is(err, context.Canceled):
			return nil, err
		case conn.IsClosed():
			return nil, &source.Error{Op: "receive", Err: source.ErrConnectionClosed}
		case errors.Is(err, io.EOF):
			return nil, &source.Error{Op: "receive", Err: source.ErrConsumerClosed}
		default:
			return nil, &source.Error{Op: "receive", Err: err}
		}
	}

	if c.session.transacted {
		c.mu.Lock()
		c.pending = append(c.pending, m)
		c.mu.Unlock()
	} else if err := reader.CommitMessages(ctx, m); err != nil {
		return nil, &source.Error{Op: "ack", Err: err}
	}

	msg := toMessage(c.dest, m)
	if conn.trace >= 5 {
		conn.logger.Debug("message received",
			slog.String("topic", m.Topic),
			slog.String("group", c.group),
			slog.String("message_id", msg.ID))
	}
	return msg, nil
}

func timeoutOr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil
	}
	return ctx.Err()
}

func (c *Consumer) commit() error {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	reader := c.reader
	c.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.session.conn.opts.DialTimeout)
	defer cancel()
	return reader.CommitMessages(ctx, pending...)
}

func (c *Consumer) rewind() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 || c.closed {
		c.pending = nil
		return nil
	}
	c.pending = nil
	err := c.reader.Close()
	c.reader = c.session.conn.newReader(c.dest.Name, c.group, c.session.capacity)
	return err
}

// Close leaves the consumer group.
func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.pending = nil
	if err := c.reader.Close(); err != nil {
		return &source.Error{Op: "close consumer", Err: err}
	}
	return nil
}

// MessageID identifies a record by its log position.
func MessageID(m kafka.Message) string {
	return fmt.Sprintf("%s/%d/%d", m.Topic, m.Partition, m.Offset)
}

func toMessage(dest source.Destination, m kafka.Message) *source.Message {
	props := map[string]string{
		"topic":     m.Topic,
		"partition": strconv.Itoa(m.Partition),
		"offset":    strconv.FormatInt(m.Offset, 10),
	}
	if len(m.Key) > 0 {
		props["key"] = string(m.Key)
	}
	for _, h := range m.Headers {
		props[h.Key] = string(h.Value)
	}
	ts := m.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	return &source.Message{
		ID:          MessageID(m),
		Destination: dest,
		Payload:     m.Value,
		Properties:  props,
		Timestamp:   ts,
	}
}
