// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/absmach/inbound/engine/workpool"
	"github.com/absmach/inbound/source"
	"github.com/absmach/inbound/source/memory"
	"github.com/absmach/inbound/target"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var (
	ordersQueue = source.Destination{Name: "orders", Type: source.Queue}
	discard     = slog.New(slog.NewTextHandler(io.Discard, nil))
)

// manualTimer queues scheduled actions until the test fires them.
type manualTimer struct {
	mu    sync.Mutex
	tasks []timerTask
}

type timerTask struct {
	delay  time.Duration
	action func()
}

func (m *manualTimer) ScheduleOnce(delay time.Duration, action func()) {
	m.mu.Lock()
	m.tasks = append(m.tasks, timerTask{delay: delay, action: action})
	m.mu.Unlock()
}

func (m *manualTimer) pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

func (m *manualTimer) nextDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.tasks) == 0 {
		return -1
	}
	return m.tasks[0].delay
}

// fire runs the oldest scheduled action on the calling goroutine.
func (m *manualTimer) fire(t *testing.T) {
	t.Helper()
	m.mu.Lock()
	require.NotEmpty(t, m.tasks, "no scheduled action")
	next := m.tasks[0]
	m.tasks = m.tasks[1:]
	m.mu.Unlock()
	next.action()
}

func queueConfig(concurrency int) EndpointConfig {
	return EndpointConfig{
		Destination:         ordersQueue.Name,
		DestinationType:     source.Queue,
		Concurrency:         concurrency,
		MaxDeliveryFailures: UnlimitedFailures,
		ReceiveTimeout:      20 * time.Millisecond,
	}
}

type harness struct {
	broker *memory.Broker
	timer  *manualTimer
	ep     *Endpoint
}

func newHarness(t *testing.T, cfg EndpointConfig, factory target.Factory, opts ...func(*Options)) *harness {
	t.Helper()
	h := &harness{broker: memory.New(), timer: &manualTimer{}}

	pool := workpool.New(workpool.Config{Workers: 8, QueueSize: 256}, discard)
	t.Cleanup(func() { pool.Close() })

	o := Options{
		Source:    h.broker,
		Factory:   factory,
		Scheduler: pool,
		Timer:     h.timer,
		Logger:    discard,
	}
	for _, fn := range opts {
		fn(&o)
	}

	ep, err := New(cfg, o)
	require.NoError(t, err)
	t.Cleanup(ep.Stop)
	h.ep = ep
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.ep.Start(context.Background()))
}

func (h *harness) publish(t *testing.T, payloads ...string) {
	t.Helper()
	for _, p := range payloads {
		_, err := h.broker.Publish(ordersQueue, []byte(p), nil)
		require.NoError(t, err)
	}
}

func (h *harness) liveUnits() int {
	n := 0
	for _, u := range h.ep.Units() {
		if u.State != StateClosed {
			n++
		}
	}
	return n
}

// collector records delivered payloads.
type collector struct {
	mu       sync.Mutex
	payloads []string
	msgs     []*source.Message
}

func (c *collector) handle(_ context.Context, msg *source.Message) error {
	c.mu.Lock()
	c.payloads = append(c.payloads, string(msg.Payload))
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
	return nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.payloads)
}

func (c *collector) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.payloads...)
}

// factoryFunc adapts a function to target.Factory.
type factoryFunc func(ctx context.Context, handle source.TwoPhaseHandle) (target.Target, error)

func (f factoryFunc) CreateTarget(ctx context.Context, handle source.TwoPhaseHandle) (target.Target, error) {
	return f(ctx, handle)
}

// stubTarget delivers through fn and fails Release with releaseErr.
type stubTarget struct {
	fn         target.HandlerFunc
	releaseErr error
}

func (s stubTarget) Deliver(ctx context.Context, msg *source.Message) error {
	return s.fn(ctx, msg)
}

func (s stubTarget) Release() error {
	return s.releaseErr
}
