// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/absmach/inbound/source"
	"github.com/absmach/inbound/source/memory"
	"github.com/absmach/inbound/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func newTestUnit(t *testing.T, b *memory.Broker, f target.Factory) *WorkUnit {
	t.Helper()
	ep, err := New(queueConfig(1), Options{
		Source:    b,
		Factory:   f,
		Scheduler: &manualScheduler{},
		Timer:     &manualTimer{},
		Logger:    discard,
	})
	require.NoError(t, err)

	conn, err := ep.connector.Connect(context.Background())
	require.NoError(t, err)
	require.NoError(t, conn.Start())
	t.Cleanup(func() { conn.Close() })

	u, err := newWorkUnit(ep, 0, conn)
	require.NoError(t, err)
	return u
}

func TestWorkUnitCloseScheduled(t *testing.T) {
	u := newTestUnit(t, memory.New(), target.Func((&collector{}).handle))
	assert.Equal(t, StateScheduled, u.State())

	u.Close()
	assert.Equal(t, StateClosed, u.State())
	u.Close()
	assert.Equal(t, StateClosed, u.State())

	u.Run()
	assert.Equal(t, StateClosed, u.State(), "a closed unit never runs again")
}

func TestWorkUnitCloseWaitsForRunning(t *testing.T) {
	b := memory.New()
	entered := make(chan struct{})
	release := make(chan struct{})
	u := newTestUnit(t, b, target.Func(func(context.Context, *source.Message) error {
		close(entered)
		<-release
		return nil
	}))

	_, err := b.Publish(ordersQueue, []byte("m"), nil)
	require.NoError(t, err)

	ran := make(chan struct{})
	go func() {
		u.Run()
		close(ran)
	}()
	<-entered
	assert.Equal(t, StateRunning, u.State())

	closed := make(chan struct{})
	go func() {
		u.Close()
		close(closed)
	}()
	require.Eventually(t, func() bool { return u.State() == StateCloseWait }, waitFor, tick)

	select {
	case <-closed:
		t.Fatal("Close returned before the delivery finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	<-ran
	<-closed
	assert.Equal(t, StateClosed, u.State())
}

func TestWorkUnitRunReturnsToScheduled(t *testing.T) {
	b := memory.New()
	c := &collector{}
	u := newTestUnit(t, b, target.Func(c.handle))

	_, err := b.Publish(ordersQueue, []byte("m"), nil)
	require.NoError(t, err)

	u.Run()
	assert.Equal(t, StateScheduled, u.State())
	assert.Equal(t, []string{"m"}, c.all())

	// An empty fetch is not a failure.
	u.Run()
	assert.Equal(t, StateScheduled, u.State())
	assert.Equal(t, 0, u.ep.Tracker().Count())
}

func TestWorkUnitSkipsWhenPaused(t *testing.T) {
	b := memory.New()
	c := &collector{}
	u := newTestUnit(t, b, target.Func(c.handle))
	_, err := b.Publish(ordersQueue, []byte("m"), nil)
	require.NoError(t, err)

	require.True(t, u.ep.Pause())
	u.Run()
	assert.Equal(t, 0, c.count())
	assert.Equal(t, 1, b.Depth(ordersQueue.Name))
}

func TestWorkUnitInfrastructureFailureCloses(t *testing.T) {
	b := memory.New()
	u := newTestUnit(t, b, target.Func((&collector{}).handle))

	b.InjectReceiveError(ordersQueue.Name, assert.AnError)
	u.Run()
	assert.Equal(t, StateClosed, u.State())
	assert.Equal(t, 0, u.ep.Tracker().Count(), "infrastructure failures are not delivery failures")
}

func TestWorkUnitPanicClosesUnit(t *testing.T) {
	u := newTestUnit(t, memory.New(), factoryFunc(func(context.Context, source.TwoPhaseHandle) (target.Target, error) {
		panic("factory bug")
	}))

	assert.NotPanics(t, u.Run)
	assert.Equal(t, StateClosed, u.State())
	assert.Equal(t, 0, u.ep.Tracker().Count(), "a panic outside the target is an infrastructure failure")

	closed := make(chan struct{})
	go func() {
		u.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(waitFor):
		t.Fatal("Close blocked on a panicked unit")
	}
}

func TestWorkUnitRejectedWhileRunningIsReleased(t *testing.T) {
	u := newTestUnit(t, memory.New(), target.Func((&collector{}).handle))
	require.True(t, u.state.transition(StateScheduled, StateRunning))

	u.ep.rejected(u, errors.New("task panicked"))
	assert.Equal(t, StateClosed, u.State())

	closed := make(chan struct{})
	go func() {
		u.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(waitFor):
		t.Fatal("Close blocked on a rejected unit")
	}
}

func TestWorkUnitThrottle(t *testing.T) {
	u := newTestUnit(t, memory.New(), target.Func((&collector{}).handle))
	timeout := u.ep.cfg.receiveTimeout()

	u.ep.limiter = rate.NewLimiter(rate.Every(time.Millisecond), 1)
	assert.True(t, u.throttle())
	assert.True(t, u.throttle(), "a token within the receive timeout is waited for")

	u.ep.limiter = rate.NewLimiter(rate.Every(time.Hour), 1)
	assert.True(t, u.throttle())
	start := time.Now()
	assert.False(t, u.throttle(), "a token beyond the receive timeout skips the run")
	assert.GreaterOrEqual(t, time.Since(start), timeout)
}

func TestWorkUnitThrottledRunLeavesMessage(t *testing.T) {
	b := memory.New()
	c := &collector{}
	u := newTestUnit(t, b, target.Func(c.handle))
	u.ep.limiter = rate.NewLimiter(rate.Every(time.Hour), 1)
	require.True(t, u.ep.limiter.Allow())

	_, err := b.Publish(ordersQueue, []byte("m"), nil)
	require.NoError(t, err)

	u.Run()
	assert.Equal(t, StateScheduled, u.State())
	assert.Equal(t, 0, c.count())
	assert.Equal(t, 1, b.Depth(ordersQueue.Name))
}
