// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"sync"

	"github.com/absmach/inbound/source"
)

// queue is a FIFO with a broadcast channel that is closed on every push.
type queue struct {
	mu     sync.Mutex
	msgs   []*source.Message
	notify chan struct{}
}

func newQueue() *queue {
	return &queue{notify: make(chan struct{})}
}

func (q *queue) push(m *source.Message) {
	q.mu.Lock()
	q.msgs = append(q.msgs, m)
	q.broadcastLocked()
	q.mu.Unlock()
}

// requeue puts messages back at the head, preserving their order.
func (q *queue) requeue(msgs []*source.Message) {
	if len(msgs) == 0 {
		return
	}
	q.mu.Lock()
	head := make([]*source.Message, 0, len(msgs)+len(q.msgs))
	for _, m := range msgs {
		m.Redelivered = true
		head = append(head, m)
	}
	q.msgs = append(head, q.msgs...)
	q.broadcastLocked()
	q.mu.Unlock()
}

func (q *queue) pop() *source.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.msgs) == 0 {
		return nil
	}
	m := q.msgs[0]
	q.msgs[0] = nil
	q.msgs = q.msgs[1:]
	return m
}

// popMatch removes the first message accepted by match. With drop set,
// the rejected messages ahead of it are discarded too.
func (q *queue) popMatch(match func(*source.Message) bool, drop bool) *source.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, m := range q.msgs {
		if !match(m) {
			continue
		}
		if drop {
			q.msgs = q.msgs[i+1:]
		} else {
			q.msgs = append(q.msgs[:i:i], q.msgs[i+1:]...)
		}
		return m
	}
	if drop {
		q.msgs = nil
	}
	return nil
}

func (q *queue) wait() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.notify
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}

func (q *queue) broadcastLocked() {
	close(q.notify)
	q.notify = make(chan struct{})
}
