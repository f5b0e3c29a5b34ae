// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory implements an in-process message source with queues,
// topics, durable and shared subscriptions and transactional sessions.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/absmach/inbound/source"
	"github.com/google/uuid"
)

const version = "memory-1.0"

var _ source.Source = (*Broker)(nil)

// Broker is an in-process broker. It is safe for concurrent use.
type Broker struct {
	mu       sync.Mutex
	caps     source.Capabilities
	queues   map[string]*queue
	topics   map[string]*topic
	conns    map[*Connection]struct{}
	connErrs []error

	// Injected receive failures keyed by destination name.
	recvErrs map[string][]error
}

type topic struct {
	subs map[string]*subscription
}

type subscription struct {
	q       *queue
	durable bool
	shared  bool
	active  int
}

// New creates an empty broker.
func New() *Broker {
	return &Broker{
		caps: source.Capabilities{
			ServerVersion:        version,
			LocalTransactions:    true,
			TwoPhaseCommit:       true,
			DurableSubscriptions: true,
			SharedSubscriptions:  true,
		},
		queues:   make(map[string]*queue),
		topics:   make(map[string]*topic),
		conns:    make(map[*Connection]struct{}),
		recvErrs: make(map[string][]error),
	}
}

// Name returns "memory".
func (b *Broker) Name() string {
	return "memory"
}

// SetCapabilities overrides the capabilities reported to new connections.
func (b *Broker) SetCapabilities(caps source.Capabilities) {
	b.mu.Lock()
	b.caps = caps
	b.mu.Unlock()
}

// Connect opens a connection. Failures injected with FailConnect are
// returned first, one per call.
func (b *Broker) Connect(ctx context.Context, opts source.ConnectOptions) (source.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.connErrs) > 0 {
		err := b.connErrs[0]
		b.connErrs = b.connErrs[1:]
		return nil, &source.Error{Op: "connect", Err: err}
	}

	c := newConnection(b, opts, b.caps)
	b.conns[c] = struct{}{}
	return c, nil
}

// FailConnect makes the next n Connect calls fail with err.
func (b *Broker) FailConnect(err error, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < n; i++ {
		b.connErrs = append(b.connErrs, err)
	}
}

// InjectReceiveError makes the next Receive on any consumer of the named
// destination fail with err.
func (b *Broker) InjectReceiveError(destination string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recvErrs[destination] = append(b.recvErrs[destination], err)
}

func (b *Broker) takeReceiveError(destination string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	errs := b.recvErrs[destination]
	if len(errs) == 0 {
		return nil
	}
	b.recvErrs[destination] = errs[1:]
	return errs[0]
}

// DropConnections closes every open connection as if the broker went away.
// Exception listeners receive err.
func (b *Broker) DropConnections(err error) {
	b.mu.Lock()
	conns := make([]*Connection, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.fail(err)
	}
}

// Connections returns the number of open connections.
func (b *Broker) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

func (b *Broker) removeConnection(c *Connection) {
	b.mu.Lock()
	delete(b.conns, c)
	b.mu.Unlock()
}

// Publish sends a message to a queue or to every subscription of a topic
// and returns its ID.
func (b *Broker) Publish(dest source.Destination, payload []byte, props map[string]string) (string, error) {
	if dest.Name == "" {
		return "", source.ErrInvalidDestination
	}

	msg := &source.Message{
		ID:          uuid.NewString(),
		Destination: dest,
		Payload:     append([]byte(nil), payload...),
		Properties:  copyProps(props),
		Timestamp:   time.Now().UTC(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch dest.Type {
	case source.Queue:
		b.queueLocked(dest.Name).push(msg)
	case source.Topic:
		t, ok := b.topics[dest.Name]
		if !ok {
			return msg.ID, nil
		}
		for _, sub := range t.subs {
			sub.q.push(cloneMessage(msg))
		}
	default:
		return "", source.ErrInvalidDestination
	}
	return msg.ID, nil
}

// Depth returns the number of messages waiting in the named queue.
func (b *Broker) Depth(queueName string) int {
	b.mu.Lock()
	q, ok := b.queues[queueName]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	return q.len()
}

// SubscriptionDepth returns the number of messages waiting in a topic
// subscription, or -1 if it does not exist.
func (b *Broker) SubscriptionDepth(topicName, key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[topicName]
	if !ok {
		return -1
	}
	sub, ok := t.subs[key]
	if !ok {
		return -1
	}
	return sub.q.len()
}

func (b *Broker) queueLocked(name string) *queue {
	q, ok := b.queues[name]
	if !ok {
		q = newQueue()
		b.queues[name] = q
	}
	return q
}

var errSubscriptionInUse = errors.New("durable subscription already has an active consumer")

// attach binds a consumer to a topic subscription and returns the queue
// it reads from together with a detach function.
func (b *Broker) attach(topicName, key string, durable, shared bool) (*queue, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[topicName]
	if !ok {
		t = &topic{subs: make(map[string]*subscription)}
		b.topics[topicName] = t
	}

	sub, ok := t.subs[key]
	if !ok {
		sub = &subscription{q: newQueue(), durable: durable, shared: shared}
		t.subs[key] = sub
	}
	if !shared && sub.active > 0 {
		return nil, nil, errSubscriptionInUse
	}
	sub.active++

	detach := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		sub.active--
		if sub.active == 0 && !sub.durable {
			delete(t.subs, key)
		}
	}
	return sub.q, detach, nil
}

func (b *Broker) queueFor(name string) *queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queueLocked(name)
}

func copyProps(props map[string]string) map[string]string {
	if props == nil {
		return nil
	}
	out := make(map[string]string, len(props))
	for k, v := range props {
		out[k] = v
	}
	return out
}

func cloneMessage(m *source.Message) *source.Message {
	c := *m
	c.Payload = append([]byte(nil), m.Payload...)
	c.Properties = copyProps(m.Properties)
	return &c
}
