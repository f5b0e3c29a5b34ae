// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package source defines the messaging client capabilities the delivery
// engine consumes: connections, consuming sessions and message cursors.
package source

import (
	"context"
	"fmt"
	"time"
)

// Source opens connections to a broker.
type Source interface {
	// Name identifies the source kind, e.g. "amqp" or "memory".
	Name() string

	// Connect blocks until a connection is established or fails.
	Connect(ctx context.Context, opts ConnectOptions) (Connection, error)
}

// ConnectOptions carries credentials and client identity for Connect.
type ConnectOptions struct {
	Username   string
	Password   string
	ClientID   string
	TraceLevel int
}

// Capabilities describes what a connected broker supports.
type Capabilities struct {
	ServerVersion        string
	LocalTransactions    bool
	TwoPhaseCommit       bool
	DurableSubscriptions bool
	SharedSubscriptions  bool
	Selectors            bool
}

// AckMode controls how non-transacted sessions acknowledge messages.
type AckMode int

// Acknowledge modes.
const (
	AutoAck AckMode = iota
	DupsOKAck
)

// String returns the ack mode name.
func (m AckMode) String() string {
	switch m {
	case AutoAck:
		return "auto"
	case DupsOKAck:
		return "dups-ok"
	default:
		return "unknown"
	}
}

// ParseAckMode parses "auto" or "dups-ok".
func ParseAckMode(s string) (AckMode, error) {
	switch s {
	case "", "auto":
		return AutoAck, nil
	case "dups-ok":
		return DupsOKAck, nil
	default:
		return AutoAck, fmt.Errorf("unknown ack mode %q", s)
	}
}

// SessionOptions configures a consuming session.
type SessionOptions struct {
	Transacted bool
	TwoPhase   bool
	AckMode    AckMode

	// Prefetch is the client-side message cache hint. Zero means broker default.
	Prefetch int
}

// Connection is a broker connection shared by all sessions of an endpoint.
type Connection interface {
	Capabilities() Capabilities
	OpenSession(opts SessionOptions) (Session, error)

	// Start begins message flow to consumers created on this connection.
	Start() error
	Stop() error
	Close() error
	IsClosed() bool

	// SetExceptionListener registers fn to be called once when the
	// connection is lost.
	SetExceptionListener(fn func(error))
}

// Session owns consumers and the local transaction scope.
type Session interface {
	CreateConsumer(dest Destination, selector string) (Consumer, error)
	CreateDurableConsumer(dest Destination, subscription, selector string) (Consumer, error)
	CreateSharedConsumer(dest Destination, subscription, selector string, durable bool) (Consumer, error)

	Commit() error
	Rollback() error
	Close() error
}

// TwoPhaseSession is implemented by sessions opened with TwoPhase set.
type TwoPhaseSession interface {
	Session
	TwoPhaseHandle() TwoPhaseHandle
}

// TwoPhaseHandle lets an external transaction coordinator drive the
// session's work as one branch of a distributed transaction.
type TwoPhaseHandle interface {
	Start(xid string) error
	End(xid string) error
	Prepare(xid string) error
	Commit(xid string, onePhase bool) error
	Rollback(xid string) error
}

// Consumer is a message cursor.
type Consumer interface {
	// Receive waits up to timeout for a message. It returns nil, nil when
	// no message arrived in time.
	Receive(ctx context.Context, timeout time.Duration) (*Message, error)
	Close() error
}
