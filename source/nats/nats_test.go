// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package nats

import (
	"testing"

	"github.com/absmach/inbound/source"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptionsValidate(t *testing.T) {
	assert.NoError(t, NewOptions().Validate())
	assert.ErrorIs(t, Options{}.Validate(), ErrNoURL)

	_, err := New(Options{}, nil)
	assert.ErrorIs(t, err, ErrNoURL)

	s, err := New(Options{URL: "nats://broker:4222"}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultConnectTimeout, s.opts.ConnectTimeout)
	assert.Equal(t, "nats", s.Name())
}

func TestQueueGroup(t *testing.T) {
	cases := []struct {
		desc         string
		dest         source.Destination
		subscription string
		shared       bool
		group        string
	}{
		{"queue", source.Destination{Name: "orders", Type: source.Queue}, "", false, "orders"},
		{"plain topic", source.Destination{Name: "prices.>", Type: source.Topic}, "", false, ""},
		{"shared topic", source.Destination{Name: "prices.>", Type: source.Topic}, "audit", true, "audit"},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			assert.Equal(t, tc.group, QueueGroup(tc.dest, tc.subscription, tc.shared))
		})
	}
}

func TestSessionLimits(t *testing.T) {
	c := &Connection{}
	_, err := c.OpenSession(source.SessionOptions{Transacted: true})
	assert.ErrorIs(t, err, source.ErrTransactionUnsupported)

	caps := c.Capabilities()
	assert.True(t, caps.SharedSubscriptions)
	assert.False(t, caps.DurableSubscriptions)
	assert.False(t, caps.LocalTransactions)

	sess := &Session{conn: c}
	prices := source.Destination{Name: "prices", Type: source.Topic}

	_, err = sess.CreateDurableConsumer(prices, "audit", "")
	assert.ErrorIs(t, err, source.ErrDurableUnsupported)
	_, err = sess.CreateSharedConsumer(prices, "audit", "", true)
	assert.ErrorIs(t, err, source.ErrDurableUnsupported)
	_, err = sess.CreateSharedConsumer(prices, "", "", false)
	assert.ErrorIs(t, err, source.ErrInvalidDestination)
	_, err = sess.CreateConsumer(prices, "region = 'eu'")
	assert.ErrorIs(t, err, source.ErrSelectorUnsupported)
	assert.ErrorIs(t, sess.Commit(), source.ErrNotTransacted)
}

func TestToMessage(t *testing.T) {
	dest := source.Destination{Name: "orders", Type: source.Queue}

	m := &nats.Msg{Subject: "orders", Reply: "_INBOX.1", Data: []byte("hello"), Header: nats.Header{}}
	m.Header.Set(nats.MsgIdHdr, "msg-1")
	m.Header.Set("Tenant", "acme")

	msg := toMessage(dest, m)
	assert.Equal(t, "msg-1", msg.ID)
	assert.Equal(t, dest, msg.Destination)
	assert.Equal(t, "hello", string(msg.Payload))
	assert.Equal(t, "orders", msg.Properties["subject"])
	assert.Equal(t, "_INBOX.1", msg.Properties["reply"])
	assert.Equal(t, "acme", msg.Properties["Tenant"])

	plain := toMessage(dest, &nats.Msg{Subject: "orders"})
	assert.NotEmpty(t, plain.ID)
	assert.NotContains(t, plain.Properties, "reply")
}

func TestStartStopGate(t *testing.T) {
	c := &Connection{startCh: make(chan struct{})}
	_, started := c.startWait()
	assert.False(t, started)

	require.NoError(t, c.Start())
	ch, started := c.startWait()
	assert.True(t, started)
	select {
	case <-ch:
	default:
		t.Fatal("start channel should be closed")
	}

	require.NoError(t, c.Stop())
	_, started = c.startWait()
	assert.False(t, started)
}
