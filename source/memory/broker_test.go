// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/absmach/inbound/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var orders = source.Destination{Name: "orders", Type: source.Queue}

func connect(t *testing.T, b *Broker, clientID string) *Connection {
	t.Helper()
	conn, err := b.Connect(context.Background(), source.ConnectOptions{ClientID: clientID})
	require.NoError(t, err)
	require.NoError(t, conn.Start())
	return conn.(*Connection)
}

func TestQueueReceiveInOrder(t *testing.T) {
	b := New()
	conn := connect(t, b, "c1")

	for _, p := range []string{"a", "b", "c"} {
		_, err := b.Publish(orders, []byte(p), nil)
		require.NoError(t, err)
	}

	sess, err := conn.OpenSession(source.SessionOptions{})
	require.NoError(t, err)
	cons, err := sess.CreateConsumer(orders, "")
	require.NoError(t, err)

	for _, want := range []string{"a", "b", "c"} {
		msg, err := cons.Receive(context.Background(), 100*time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, msg)
		assert.Equal(t, want, string(msg.Payload))
	}
	assert.Equal(t, 0, b.Depth("orders"))
}

func TestReceiveTimeout(t *testing.T) {
	b := New()
	conn := connect(t, b, "c1")
	sess, err := conn.OpenSession(source.SessionOptions{})
	require.NoError(t, err)
	cons, err := sess.CreateConsumer(orders, "")
	require.NoError(t, err)

	start := time.Now()
	msg, err := cons.Receive(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, msg)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestReceiveWaitsForPublish(t *testing.T) {
	b := New()
	conn := connect(t, b, "c1")
	sess, err := conn.OpenSession(source.SessionOptions{})
	require.NoError(t, err)
	cons, err := sess.CreateConsumer(orders, "")
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		b.Publish(orders, []byte("late"), nil)
	}()

	msg, err := cons.Receive(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "late", string(msg.Payload))
}

func TestStoppedConnectionDoesNotDeliver(t *testing.T) {
	b := New()
	conn, err := b.Connect(context.Background(), source.ConnectOptions{})
	require.NoError(t, err)
	sess, err := conn.OpenSession(source.SessionOptions{})
	require.NoError(t, err)
	cons, err := sess.CreateConsumer(orders, "")
	require.NoError(t, err)

	_, err = b.Publish(orders, []byte("x"), nil)
	require.NoError(t, err)

	msg, err := cons.Receive(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, msg)

	require.NoError(t, conn.Start())
	msg, err = cons.Receive(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, msg)
}

func TestTransactedRollbackRedelivers(t *testing.T) {
	b := New()
	conn := connect(t, b, "c1")
	sess, err := conn.OpenSession(source.SessionOptions{Transacted: true})
	require.NoError(t, err)
	cons, err := sess.CreateConsumer(orders, "")
	require.NoError(t, err)

	_, err = b.Publish(orders, []byte("m1"), nil)
	require.NoError(t, err)

	msg, err := cons.Receive(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.False(t, msg.Redelivered)

	require.NoError(t, sess.Rollback())
	assert.Equal(t, 1, b.Depth("orders"))

	msg, err = cons.Receive(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.True(t, msg.Redelivered)
	require.NoError(t, sess.Commit())
	assert.Equal(t, 0, b.Depth("orders"))

	commits, rollbacks := sess.(*Session).Stats()
	assert.Equal(t, 1, commits)
	assert.Equal(t, 1, rollbacks)
}

func TestCommitOnNonTransactedSession(t *testing.T) {
	b := New()
	conn := connect(t, b, "c1")
	sess, err := conn.OpenSession(source.SessionOptions{})
	require.NoError(t, err)

	err = sess.Commit()
	assert.ErrorIs(t, err, source.ErrNotTransacted)
	assert.True(t, source.IsInfrastructure(err))
}

func TestTopicSubscriptions(t *testing.T) {
	b := New()
	prices := source.Destination{Name: "prices", Type: source.Topic}

	conn := connect(t, b, "client-a")
	sess, err := conn.OpenSession(source.SessionOptions{})
	require.NoError(t, err)

	durable, err := sess.CreateDurableConsumer(prices, "sub1", "")
	require.NoError(t, err)
	_, err = sess.CreateDurableConsumer(prices, "sub1", "")
	require.Error(t, err, "a non-shared durable subscription allows one active consumer")

	shared1, err := sess.CreateSharedConsumer(prices, "grp", "", true)
	require.NoError(t, err)
	shared2, err := sess.CreateSharedConsumer(prices, "grp", "", true)
	require.NoError(t, err)

	_, err = b.Publish(prices, []byte("p1"), nil)
	require.NoError(t, err)
	_, err = b.Publish(prices, []byte("p2"), nil)
	require.NoError(t, err)

	assert.Equal(t, 2, b.SubscriptionDepth("prices", DurableKey("client-a", "sub1")))
	assert.Equal(t, 2, b.SubscriptionDepth("prices", SharedKey("grp")))

	m1, err := shared1.Receive(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	m2, err := shared2.Receive(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, m1)
	require.NotNil(t, m2)
	assert.NotEqual(t, string(m1.Payload), string(m2.Payload))

	require.NoError(t, durable.Close())
	_, err = b.Publish(prices, []byte("p3"), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, b.SubscriptionDepth("prices", DurableKey("client-a", "sub1")))
}

func TestSelectorUnsupported(t *testing.T) {
	b := New()
	conn := connect(t, b, "c1")
	sess, err := conn.OpenSession(source.SessionOptions{})
	require.NoError(t, err)

	_, err = sess.CreateConsumer(orders, "color = 'red'")
	assert.ErrorIs(t, err, source.ErrSelectorUnsupported)
}

func TestDropConnections(t *testing.T) {
	b := New()
	conn := connect(t, b, "c1")

	lost := make(chan error, 1)
	conn.SetExceptionListener(func(err error) { lost <- err })

	sess, err := conn.OpenSession(source.SessionOptions{Transacted: true})
	require.NoError(t, err)
	cons, err := sess.CreateConsumer(orders, "")
	require.NoError(t, err)

	_, err = b.Publish(orders, []byte("inflight"), nil)
	require.NoError(t, err)
	msg, err := cons.Receive(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, msg)

	b.DropConnections(errors.New("broker restart"))

	select {
	case err := <-lost:
		assert.True(t, source.IsInfrastructure(err))
	case <-time.After(time.Second):
		t.Fatal("exception listener not called")
	}

	assert.True(t, conn.IsClosed())
	assert.Equal(t, 0, b.Connections())
	assert.Equal(t, 1, b.Depth("orders"), "uncommitted message is requeued")

	_, err = cons.Receive(context.Background(), 10*time.Millisecond)
	assert.ErrorIs(t, err, source.ErrConnectionClosed)
}

func TestFailConnectAndInjectedReceiveError(t *testing.T) {
	b := New()
	boom := errors.New("refused")
	b.FailConnect(boom, 2)

	for i := 0; i < 2; i++ {
		_, err := b.Connect(context.Background(), source.ConnectOptions{})
		assert.ErrorIs(t, err, boom)
	}
	conn := connect(t, b, "c1")

	sess, err := conn.OpenSession(source.SessionOptions{})
	require.NoError(t, err)
	cons, err := sess.CreateConsumer(orders, "")
	require.NoError(t, err)

	b.InjectReceiveError("orders", boom)
	_, err = cons.Receive(context.Background(), 10*time.Millisecond)
	assert.ErrorIs(t, err, boom)

	msg, err := cons.Receive(context.Background(), 10*time.Millisecond)
	assert.NoError(t, err)
	assert.Nil(t, msg)
}

func TestTwoPhaseHandle(t *testing.T) {
	b := New()
	conn := connect(t, b, "c1")
	sess, err := conn.OpenSession(source.SessionOptions{TwoPhase: true})
	require.NoError(t, err)
	xa := sess.(source.TwoPhaseSession).TwoPhaseHandle()
	require.NotNil(t, xa)

	cons, err := sess.CreateConsumer(orders, "")
	require.NoError(t, err)
	_, err = b.Publish(orders, []byte("x"), nil)
	require.NoError(t, err)

	require.NoError(t, xa.Start("tx-1"))
	msg, err := cons.Receive(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.NoError(t, xa.End("tx-1"))

	assert.Error(t, xa.Commit("tx-1", false), "two-phase commit requires prepare")
	require.NoError(t, xa.Rollback("tx-1"))
	assert.Equal(t, 1, b.Depth("orders"))

	require.NoError(t, xa.Start("tx-2"))
	_, err = cons.Receive(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, xa.Prepare("tx-2"))
	require.NoError(t, xa.Commit("tx-2", false))
	assert.Equal(t, 0, b.Depth("orders"))

	assert.Error(t, xa.Prepare("other"))
}

func TestParseSelector(t *testing.T) {
	cases := []struct {
		desc    string
		expr    string
		props   map[string]string
		match   bool
		wantErr bool
	}{
		{desc: "empty matches all", expr: "", match: true},
		{desc: "equal", expr: "color = 'red'", props: map[string]string{"color": "red"}, match: true},
		{desc: "equal mismatch", expr: "color = 'red'", props: map[string]string{"color": "blue"}},
		{desc: "missing property", expr: "color = 'red'"},
		{desc: "not equal", expr: "color <> 'red'", props: map[string]string{"color": "blue"}, match: true},
		{desc: "not equal on missing property", expr: "color <> 'red'"},
		{desc: "conjunction", expr: "color='red' and size = 10", props: map[string]string{"color": "red", "size": "10"}, match: true},
		{desc: "conjunction partial", expr: "color = 'red' AND size = 10", props: map[string]string{"color": "red", "size": "11"}},
		{desc: "escaped quote", expr: "owner = 'o''neil'", props: map[string]string{"owner": "o'neil"}, match: true},
		{desc: "trailing and", expr: "color = 'red' AND", wantErr: true},
		{desc: "unsupported operator", expr: "size > 10", wantErr: true},
		{desc: "disjunction", expr: "color = 'red' OR color = 'blue'", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			sel, err := parseSelector(tc.expr)
			if tc.wantErr {
				assert.ErrorIs(t, err, source.ErrInvalidSelector)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.match, sel.match(&source.Message{Properties: tc.props}))
		})
	}
}

func TestSelectorFiltersQueue(t *testing.T) {
	b := New()
	b.SetCapabilities(source.Capabilities{Selectors: true})
	conn := connect(t, b, "c1")
	sess, err := conn.OpenSession(source.SessionOptions{})
	require.NoError(t, err)

	_, err = b.Publish(orders, []byte("blue"), map[string]string{"color": "blue"})
	require.NoError(t, err)
	_, err = b.Publish(orders, []byte("red"), map[string]string{"color": "red"})
	require.NoError(t, err)

	red, err := sess.CreateConsumer(orders, "color = 'red'")
	require.NoError(t, err)
	m, err := red.Receive(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "red", string(m.Payload))

	m, err = red.Receive(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, m)
	assert.Equal(t, 1, b.Depth(orders.Name), "unmatched messages stay on the queue")

	all, err := sess.CreateConsumer(orders, "")
	require.NoError(t, err)
	m, err = all.Receive(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "blue", string(m.Payload))
}

func TestSelectorFiltersSubscription(t *testing.T) {
	b := New()
	b.SetCapabilities(source.Capabilities{Selectors: true})
	conn := connect(t, b, "c1")
	sess, err := conn.OpenSession(source.SessionOptions{})
	require.NoError(t, err)

	prices := source.Destination{Name: "prices", Type: source.Topic}
	cons, err := sess.CreateConsumer(prices, "symbol = 'ABC'")
	require.NoError(t, err)

	_, err = b.Publish(prices, []byte("x"), map[string]string{"symbol": "XYZ"})
	require.NoError(t, err)
	_, err = b.Publish(prices, []byte("a"), map[string]string{"symbol": "ABC"})
	require.NoError(t, err)

	m, err := cons.Receive(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "a", string(m.Payload))

	m, err = cons.Receive(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, m, "unmatched messages are dropped from the subscription")
}

func TestInvalidSelector(t *testing.T) {
	b := New()
	b.SetCapabilities(source.Capabilities{Selectors: true})
	conn := connect(t, b, "c1")
	sess, err := conn.OpenSession(source.SessionOptions{})
	require.NoError(t, err)

	_, err = sess.CreateConsumer(orders, "color LIKE 'r%'")
	assert.ErrorIs(t, err, source.ErrInvalidSelector)
}
