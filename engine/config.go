// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"
	"time"

	"github.com/absmach/inbound/source"
)

// Defaults.
const (
	DefaultReceiveTimeout = time.Second
	MaxConcurrency        = 100
	UnlimitedFailures     = -1
)

// TransactionMode selects how a delivery is committed.
type TransactionMode int

// Transaction modes.
const (
	// TxNone delivers outside any transaction; messages are acknowledged
	// on receipt.
	TxNone TransactionMode = iota
	// TxLocal commits the session after each successful delivery and rolls
	// it back when the target fails.
	TxLocal
	// TxTwoPhase hands a two-phase handle to the target factory. The
	// external coordinator commits or rolls back.
	TxTwoPhase
)

// String returns the transaction mode name.
func (m TransactionMode) String() string {
	switch m {
	case TxNone:
		return "none"
	case TxLocal:
		return "local"
	case TxTwoPhase:
		return "two-phase"
	default:
		return "unknown"
	}
}

// ParseTransactionMode parses "none", "local" or "two-phase".
func ParseTransactionMode(s string) (TransactionMode, error) {
	switch s {
	case "", "none":
		return TxNone, nil
	case "local":
		return TxLocal, nil
	case "two-phase", "xa":
		return TxTwoPhase, nil
	default:
		return TxNone, fmt.Errorf("unknown transaction mode %q", s)
	}
}

// EndpointConfig is the activation configuration of an endpoint. It is
// validated once and not mutated afterwards.
type EndpointConfig struct {
	Destination      string
	DestinationType  source.DestinationType
	Durable          bool
	Shared           bool
	SubscriptionName string
	ClientID         string
	Selector         string
	AckMode          source.AckMode

	// Concurrency is the number of parallel work units (1-100).
	Concurrency int

	// ClientMessageCache is the client-side prefetch hint.
	ClientMessageCache int

	Transaction    TransactionMode
	EnableRollback bool

	// MaxDeliveryFailures is the number of consecutive delivery failures
	// tolerated before the endpoint is paused. -1 means unlimited.
	MaxDeliveryFailures   int
	IgnoreFailuresOnStart bool
	TraceLevel            int

	Username string
	Password string

	// ReceiveTimeout bounds each message fetch. Zero means one second.
	ReceiveTimeout time.Duration

	// MaxDeliveryRate limits deliveries per second across the endpoint.
	// Zero means unlimited.
	MaxDeliveryRate float64
}

// Validate checks the configuration.
func (c EndpointConfig) Validate() error {
	if c.Destination == "" {
		return ErrEmptyDestination
	}
	if c.DestinationType != source.Queue && c.DestinationType != source.Topic {
		return fmt.Errorf("%w: unknown destination type %d", source.ErrInvalidDestination, c.DestinationType)
	}
	if c.Concurrency < 1 || c.Concurrency > MaxConcurrency {
		return ErrInvalidConcurrency
	}
	if c.DestinationType == source.Topic {
		if !c.Shared && c.Concurrency > 1 {
			return ErrTopicConcurrency
		}
		if (c.Durable || c.Shared) && c.SubscriptionName == "" {
			return ErrMissingSubscription
		}
		if c.Durable && !c.Shared && c.ClientID == "" {
			return ErrMissingClientID
		}
	}
	if c.ClientMessageCache < 0 {
		return ErrInvalidMessageCache
	}
	if c.MaxDeliveryFailures < UnlimitedFailures {
		return ErrInvalidMaxFailures
	}
	if c.TraceLevel < 0 || c.TraceLevel > 9 {
		return ErrInvalidTraceLevel
	}
	if c.MaxDeliveryRate < 0 {
		return ErrInvalidDeliveryRate
	}
	if c.ReceiveTimeout < 0 {
		return ErrInvalidReceiveTimeout
	}
	switch c.Transaction {
	case TxNone, TxLocal, TxTwoPhase:
	default:
		return fmt.Errorf("unknown transaction mode %d", c.Transaction)
	}
	return nil
}

// WorkUnits returns the number of work units the endpoint runs. Only
// queues and shared topic subscriptions fan out across consumers.
func (c EndpointConfig) WorkUnits() int {
	if c.DestinationType == source.Topic && !c.Shared {
		return 1
	}
	return c.Concurrency
}

// Dest returns the configured destination.
func (c EndpointConfig) Dest() source.Destination {
	return source.Destination{Name: c.Destination, Type: c.DestinationType}
}

// transactionMode returns the effective mode. EnableRollback turns
// non-transacted delivery into local transactions so failed messages are
// redelivered.
func (c EndpointConfig) transactionMode() TransactionMode {
	if c.Transaction == TxNone && c.EnableRollback {
		return TxLocal
	}
	return c.Transaction
}

func (c EndpointConfig) receiveTimeout() time.Duration {
	if c.ReceiveTimeout <= 0 {
		return DefaultReceiveTimeout
	}
	return c.ReceiveTimeout
}

func (c EndpointConfig) sessionOptions() source.SessionOptions {
	tx := c.transactionMode()
	return source.SessionOptions{
		Transacted: tx == TxLocal,
		TwoPhase:   tx == TxTwoPhase,
		AckMode:    c.AckMode,
		Prefetch:   c.ClientMessageCache,
	}
}
