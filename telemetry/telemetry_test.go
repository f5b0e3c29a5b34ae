// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"testing"

	"github.com/absmach/inbound/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInitProviderDisabled(t *testing.T) {
	cfg := config.Default().Telemetry
	cfg.MetricsEnabled = false
	cfg.TracesEnabled = false

	shutdown, err := InitProvider(context.Background(), cfg, "node-1")
	require.NoError(t, err)
	require.NotNil(t, shutdown)

	_, span := otel.Tracer("test").Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid(), "no-op tracer when traces are off")
	span.End()

	assert.NoError(t, shutdown(context.Background()))
}
