// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/absmach/inbound/source"
)

// Connector acquires connections for an endpoint. It is the single place
// where credentials are applied and broker compatibility is checked.
type Connector struct {
	src    source.Source
	cfg    EndpointConfig
	logger *slog.Logger
}

// NewConnector creates a connector for cfg.
func NewConnector(src source.Source, cfg EndpointConfig, logger *slog.Logger) *Connector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connector{src: src, cfg: cfg, logger: logger}
}

// Connect opens a connection and verifies the broker supports what the
// endpoint needs. Connectivity failures wrap ErrConnectionFailed;
// capability mismatches wrap ErrIncompatibleSource.
func (c *Connector) Connect(ctx context.Context) (source.Connection, error) {
	conn, err := c.src.Connect(ctx, source.ConnectOptions{
		Username:   c.cfg.Username,
		Password:   c.cfg.Password,
		ClientID:   c.cfg.ClientID,
		TraceLevel: c.cfg.TraceLevel,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectionFailed, c.src.Name(), err)
	}

	caps := conn.Capabilities()
	if err := checkCompatibility(c.cfg, caps); err != nil {
		conn.Close()
		return nil, err
	}

	if c.cfg.TraceLevel > 0 {
		c.logger.Debug("connection acquired",
			slog.String("source", c.src.Name()),
			slog.String("server_version", caps.ServerVersion),
			slog.String("client_id", c.cfg.ClientID))
	}
	return conn, nil
}

func checkCompatibility(cfg EndpointConfig, caps source.Capabilities) error {
	var missing error
	switch cfg.transactionMode() {
	case TxLocal:
		if !caps.LocalTransactions {
			missing = source.ErrTransactionUnsupported
		}
	case TxTwoPhase:
		if !caps.TwoPhaseCommit {
			missing = source.ErrTransactionUnsupported
		}
	}
	if missing == nil && cfg.DestinationType == source.Topic {
		if cfg.Shared && !caps.SharedSubscriptions {
			missing = source.ErrSharedUnsupported
		}
		if cfg.Durable && !caps.DurableSubscriptions {
			missing = source.ErrDurableUnsupported
		}
	}
	if missing == nil && cfg.Selector != "" && !caps.Selectors {
		missing = source.ErrSelectorUnsupported
	}
	if missing != nil {
		return fmt.Errorf("%w (server %s): %w", ErrIncompatibleSource, caps.ServerVersion, missing)
	}
	return nil
}
