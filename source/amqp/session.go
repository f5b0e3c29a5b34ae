// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/absmach/inbound/source"
	"github.com/google/uuid"
	amqp091 "github.com/rabbitmq/amqp091-go"
)

var (
	_ source.Session  = (*Session)(nil)
	_ source.Consumer = (*Consumer)(nil)
)

// Session owns one AMQP channel. In a transacted session acknowledgements
// are part of the channel transaction.
type Session struct {
	conn *Connection
	ch   *amqp091.Channel
	opts source.SessionOptions

	mu      sync.Mutex
	pending []uint64
}

func newSession(c *Connection, ch *amqp091.Channel, opts source.SessionOptions) *Session {
	return &Session{conn: c, ch: ch, opts: opts}
}

// CreateConsumer consumes a queue, or a private auto-delete queue bound
// to a topic.
func (s *Session) CreateConsumer(dest source.Destination, selector string) (source.Consumer, error) {
	if selector != "" {
		return nil, &source.Error{Op: "create consumer", Err: source.ErrSelectorUnsupported}
	}
	switch dest.Type {
	case source.Queue:
		if _, err := s.ch.QueueDeclare(dest.Name, s.conn.opts.DurableQueues, false, false, false, nil); err != nil {
			return nil, &source.Error{Op: "declare queue", Err: err}
		}
		return s.consume(dest, dest.Name)
	case source.Topic:
		q, err := s.ch.QueueDeclare("", false, true, true, false, nil)
		if err != nil {
			return nil, &source.Error{Op: "declare queue", Err: err}
		}
		if err := s.bind(q.Name, dest.Name); err != nil {
			return nil, err
		}
		return s.consume(dest, q.Name)
	default:
		return nil, &source.Error{Op: "create consumer", Err: source.ErrInvalidDestination}
	}
}

// CreateDurableConsumer consumes a durable queue named after the client ID
// and subscription, bound to the topic.
func (s *Session) CreateDurableConsumer(dest source.Destination, subscription, selector string) (source.Consumer, error) {
	if selector != "" {
		return nil, &source.Error{Op: "create durable consumer", Err: source.ErrSelectorUnsupported}
	}
	if dest.Type != source.Topic || subscription == "" {
		return nil, &source.Error{Op: "create durable consumer", Err: source.ErrInvalidDestination}
	}
	name := DurableQueueName(s.conn.clientID, subscription)
	if _, err := s.ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return nil, &source.Error{Op: "declare queue", Err: err}
	}
	if err := s.bind(name, dest.Name); err != nil {
		return nil, err
	}
	return s.consume(dest, name)
}

// CreateSharedConsumer consumes the queue named after the subscription.
// Every consumer of that queue competes for its messages.
func (s *Session) CreateSharedConsumer(dest source.Destination, subscription, selector string, durable bool) (source.Consumer, error) {
	if selector != "" {
		return nil, &source.Error{Op: "create shared consumer", Err: source.ErrSelectorUnsupported}
	}
	if dest.Type != source.Topic || subscription == "" {
		return nil, &source.Error{Op: "create shared consumer", Err: source.ErrInvalidDestination}
	}
	name := SharedQueueName(subscription)
	if _, err := s.ch.QueueDeclare(name, durable, !durable, false, false, nil); err != nil {
		return nil, &source.Error{Op: "declare queue", Err: err}
	}
	if err := s.bind(name, dest.Name); err != nil {
		return nil, err
	}
	return s.consume(dest, name)
}

// DurableQueueName returns the queue backing a durable subscription.
func DurableQueueName(clientID, subscription string) string {
	return clientID + "." + subscription
}

// SharedQueueName returns the queue backing a shared subscription.
func SharedQueueName(subscription string) string {
	return "shared." + subscription
}

// RoutingKey converts a topic name to an AMQP topic routing key. Slashes
// become dots so MQTT-style names route on the topic exchange.
func RoutingKey(topic string) string {
	return strings.ReplaceAll(topic, "/", ".")
}

func (s *Session) bind(queue, topic string) error {
	if err := s.ch.QueueBind(queue, RoutingKey(topic), s.conn.opts.TopicExchange, false, nil); err != nil {
		return &source.Error{Op: "bind queue", Err: err}
	}
	return nil
}

func (s *Session) consume(dest source.Destination, queue string) (source.Consumer, error) {
	tag := "ctag-" + uuid.NewString()
	autoAck := !s.opts.Transacted
	deliveries, err := s.ch.Consume(queue, tag, autoAck, false, false, false, nil)
	if err != nil {
		return nil, &source.Error{Op: "consume", Err: err}
	}
	return &Consumer{
		session:    s,
		dest:       dest,
		tag:        tag,
		deliveries: deliveries,
	}, nil
}

// Commit commits the channel transaction.
func (s *Session) Commit() error {
	if !s.opts.Transacted {
		return &source.Error{Op: "commit", Err: source.ErrNotTransacted}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ch.TxCommit(); err != nil {
		return &source.Error{Op: "commit", Err: err}
	}
	s.pending = s.pending[:0]
	return nil
}

// Rollback discards the transaction's acknowledgements and returns the
// received messages to the queue.
func (s *Session) Rollback() error {
	if !s.opts.Transacted {
		return &source.Error{Op: "rollback", Err: source.ErrNotTransacted}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ch.TxRollback(); err != nil {
		return &source.Error{Op: "rollback", Err: err}
	}
	// A rolled back ack leaves the delivery outstanding on this channel.
	// Requeue it explicitly, then commit the nacks.
	for _, tag := range s.pending {
		if err := s.ch.Nack(tag, false, true); err != nil {
			return &source.Error{Op: "rollback", Err: err}
		}
	}
	s.pending = s.pending[:0]
	if err := s.ch.TxCommit(); err != nil {
		return &source.Error{Op: "rollback", Err: err}
	}
	return nil
}

// Close closes the channel. The broker requeues unacknowledged messages.
func (s *Session) Close() error {
	if err := s.ch.Close(); err != nil && !s.conn.IsClosed() {
		return &source.Error{Op: "close session", Err: err}
	}
	return nil
}

func (s *Session) ack(d amqp091.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := d.Ack(false); err != nil {
		return err
	}
	s.pending = append(s.pending, d.DeliveryTag)
	return nil
}

// Consumer reads deliveries from one basic.consume.
type Consumer struct {
	session    *Session
	dest       source.Destination
	tag        string
	deliveries <-chan amqp091.Delivery

	once sync.Once
}

// Receive waits up to timeout for a delivery.
func (c *Consumer) Receive(ctx context.Context, timeout time.Duration) (*source.Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	conn := c.session.conn
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
		}
	}

	select {
	case d, ok := <-c.deliveries:
		if !ok {
			if conn.IsClosed() {
				return nil, &source.Error{Op: "receive", Err: source.ErrConnectionClosed}
			}
			return nil, &source.Error{Op: "receive", Err: source.ErrConsumerClosed}
		}
		if c.session.opts.Transacted {
			if err := c.session.ack(d); err != nil {
				return nil, &source.Error{Op: "ack", Err: err}
			}
		}
		msg := toMessage(c.dest, d)
		if conn.trace >= 5 {
			conn.logger.Debug("message received",
				slog.String("destination", c.dest.String()),
				slog.String("message_id", msg.ID),
				slog.Bool("redelivered", msg.Redelivered))
		}
		return msg, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close cancels the consumer.
func (c *Consumer) Close() error {
	var err error
	c.once.Do(func() {
		if cerr := c.session.ch.Cancel(c.tag, false); cerr != nil && !c.session.conn.IsClosed() {
			err = &source.Error{Op: "cancel", Err: cerr}
		}
	})
	return err
}

func toMessage(dest source.Destination, d amqp091.Delivery) *source.Message {
	id := d.MessageId
	if id == "" {
		id = strconv.FormatUint(d.DeliveryTag, 10)
	}
	ts := d.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return &source.Message{
		ID:          id,
		Destination: dest,
		Payload:     d.Body,
		Properties:  deliveryProperties(d),
		Timestamp:   ts,
		Redelivered: d.Redelivered,
	}
}

// deliveryProperties flattens AMQP basic properties and headers into
// string properties.
func deliveryProperties(d amqp091.Delivery) map[string]string {
	props := make(map[string]string)
	set := func(k, v string) {
		if v != "" {
			props[k] = v
		}
	}
	set("content-type", d.ContentType)
	set("content-encoding", d.ContentEncoding)
	set("correlation-id", d.CorrelationId)
	set("reply-to", d.ReplyTo)
	set("message-id", d.MessageId)
	set("type", d.Type)
	set("app-id", d.AppId)
	set("expiration", d.Expiration)
	set("routing-key", d.RoutingKey)
	for k, v := range d.Headers {
		switch val := v.(type) {
		case string:
			props[k] = val
		case []byte:
			props[k] = string(val)
		case nil:
		default:
			props[k] = fmt.Sprint(val)
		}
	}
	return props
}
