// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/absmach/inbound/source"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

var (
	_ source.Session  = (*Session)(nil)
	_ source.Consumer = (*Consumer)(nil)
)

// Filter prefixes.
const (
	QueuePrefix = "$queue/"
	SharePrefix = "$share/"
)

// QueueFilter returns the topic filter a queue is consumed from.
func QueueFilter(queue string) string {
	if strings.HasPrefix(queue, QueuePrefix) {
		return queue
	}
	return QueuePrefix + queue
}

// SharedFilter returns the shared subscription filter for topic.
func SharedFilter(subscription, topic string) string {
	return SharePrefix + subscription + "/" + topic
}

// Session groups consumers. Messages are acknowledged on receipt.
type Session struct {
	conn   *Connection
	buffer int

	mu        sync.Mutex
	consumers []*Consumer
}

// CreateConsumer consumes a queue or a plain topic subscription.
func (s *Session) CreateConsumer(dest source.Destination, selector string) (source.Consumer, error) {
	if selector != "" {
		return nil, &source.Error{Op: "create consumer", Err: source.ErrSelectorUnsupported}
	}
	switch dest.Type {
	case source.Queue:
		return s.consume(dest, QueueFilter(dest.Name), false)
	case source.Topic:
		return s.consume(dest, dest.Name, false)
	default:
		return nil, &source.Error{Op: "create consumer", Err: source.ErrInvalidDestination}
	}
}

// CreateDurableConsumer subscribes to a topic on a persistent session.
// Durability comes from the client ID and CleanSession=false; the
// subscription name is not sent to the broker.
func (s *Session) CreateDurableConsumer(dest source.Destination, subscription, selector string) (source.Consumer, error) {
	if selector != "" {
		return nil, &source.Error{Op: "create durable consumer", Err: source.ErrSelectorUnsupported}
	}
	if dest.Type != source.Topic || subscription == "" {
		return nil, &source.Error{Op: "create durable consumer", Err: source.ErrInvalidDestination}
	}
	if s.conn.opts.CleanSession {
		return nil, &source.Error{Op: "create durable consumer", Err: source.ErrDurableUnsupported}
	}
	return s.consume(dest, dest.Name, true)
}

// CreateSharedConsumer joins a "$share/" group named after the
// subscription.
func (s *Session) CreateSharedConsumer(dest source.Destination, subscription, selector string, durable bool) (source.Consumer, error) {
	if selector != "" {
		return nil, &source.Error{Op: "create shared consumer", Err: source.ErrSelectorUnsupported}
	}
	if dest.Type != source.Topic || subscription == "" {
		return nil, &source.Error{Op: "create shared consumer", Err: source.ErrInvalidDestination}
	}
	return s.consume(dest, SharedFilter(subscription, dest.Name), durable && !s.conn.opts.CleanSession)
}

func (s *Session) consume(dest source.Destination, filter string, durable bool) (source.Consumer, error) {
	if s.conn.IsClosed() {
		return nil, &source.Error{Op: "subscribe", Err: source.ErrConnectionClosed}
	}
	sub, err := s.conn.subscribe(filter, s.buffer)
	if err != nil {
		return nil, &source.Error{Op: "subscribe", Err: err}
	}
	c := &Consumer{
		session: s,
		dest:    dest,
		sub:     sub,
		durable: durable,
		done:    make(chan struct{}),
	}
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

// Close closes the session's consumers.
func (s *Session) Close() error {
	s.mu.Lock()
	consumers := s.consumers
	s.consumers = nil
	s.mu.Unlock()

	var first error
	for _, c := range consumers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Consumer reads from a shared per-filter buffer.
type Consumer struct {
	session *Session
	dest    source.Destination
	sub     *subscription
	durable bool

	once sync.Once
	done chan struct{}
}

// Receive waits up to timeout for a message.
func (c *Consumer) Receive(ctx context.Context, timeout time.Duration) (*source.Message, error) {
	conn := c.session.conn
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		startCh, started := conn.startWait()
		if started {
			break
		}
		select {
		case <-startCh:
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-conn.closedCh:
			return nil, &source.Error{Op: "receive", Err: source.ErrConnectionClosed}
		case <-c.done:
			return nil, &source.Error{Op: "receive", Err: source.ErrConsumerClosed}
		}
	}

	select {
	case m := <-c.sub.msgs:
		m.Ack()
		msg := toMessage(c.dest, m)
		if conn.trace >= 5 {
			conn.logger.Debug("message received",
				slog.String("topic", m.Topic()),
				slog.String("message_id", msg.ID))
		}
		return msg, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-conn.closedCh:
		return nil, &source.Error{Op: "receive", Err: source.ErrConnectionClosed}
	case <-c.done:
		return nil, &source.Error{Op: "receive", Err: source.ErrConsumerClosed}
	}
}

// Close detaches the consumer.
func (c *Consumer) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		if uerr := c.session.conn.unsubscribe(c.sub, c.durable); uerr != nil {
			err = &source.Error{Op: "unsubscribe", Err: uerr}
		}
	})
	return err
}

func toMessage(dest source.Destination, m paho.Message) *source.Message {
	return &source.Message{
		ID:          uuid.NewString(),
		Destination: dest,
		Payload:     m.Payload(),
		Properties: map[string]string{
			"topic":     m.Topic(),
			"qos":       strconv.Itoa(int(m.Qos())),
			"retained":  strconv.FormatBool(m.Retained()),
			"packet-id": strconv.Itoa(int(m.MessageID())),
		},
		Timestamp:   time.Now(),
		Redelivered: m.Duplicate(),
	}
}
