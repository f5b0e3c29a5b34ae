// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/absmach/inbound/engine"

// Metrics holds OpenTelemetry instruments for endpoints.
type Metrics struct {
	meter metric.Meter

	// Counters
	deliveries       metric.Int64Counter
	deliveryFailures metric.Int64Counter
	infraFailures    metric.Int64Counter
	reconnects       metric.Int64Counter
	recreates        metric.Int64Counter
	pauses           metric.Int64Counter
	releaseFailures  metric.Int64Counter

	// UpDownCounters (Gauges)
	unitsActive metric.Int64UpDownCounter

	// Histograms
	deliveryDuration metric.Float64Histogram
}

// NewMetrics creates the instruments on meter, or on the global meter
// provider when meter is nil.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	m := &Metrics{meter: meter}

	var err error

	m.deliveries, err = meter.Int64Counter(
		"inbound.deliveries.total",
		metric.WithDescription("Messages delivered to targets"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deliveries counter: %w", err)
	}

	m.deliveryFailures, err = meter.Int64Counter(
		"inbound.delivery.failures.total",
		metric.WithDescription("Deliveries that failed in the target"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deliveryFailures counter: %w", err)
	}

	m.infraFailures, err = meter.Int64Counter(
		"inbound.infrastructure.failures.total",
		metric.WithDescription("Failures reported by the messaging client"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create infraFailures counter: %w", err)
	}

	m.reconnects, err = meter.Int64Counter(
		"inbound.reconnects.total",
		metric.WithDescription("Pool-wide reconnect attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create reconnects counter: %w", err)
	}

	m.recreates, err = meter.Int64Counter(
		"inbound.unit.recreates.total",
		metric.WithDescription("Single work unit recreate attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create recreates counter: %w", err)
	}

	m.pauses, err = meter.Int64Counter(
		"inbound.pauses.total",
		metric.WithDescription("Endpoint pauses caused by the failure threshold"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pauses counter: %w", err)
	}

	m.releaseFailures, err = meter.Int64Counter(
		"inbound.release.failures.total",
		metric.WithDescription("Errors releasing delivery targets"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create releaseFailures counter: %w", err)
	}

	m.unitsActive, err = meter.Int64UpDownCounter(
		"inbound.units.active",
		metric.WithDescription("Work units currently open"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create unitsActive gauge: %w", err)
	}

	m.deliveryDuration, err = meter.Float64Histogram(
		"inbound.delivery.duration.ms",
		metric.WithDescription("Target delivery duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deliveryDuration histogram: %w", err)
	}

	return m, nil
}

func destAttr(dest string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("destination", dest))
}

// RecordDelivery records a successful delivery and its duration.
func (m *Metrics) RecordDelivery(dest string, durationMs float64) {
	ctx := context.Background()
	m.deliveries.Add(ctx, 1, destAttr(dest))
	m.deliveryDuration.Record(ctx, durationMs, destAttr(dest))
}

// RecordDeliveryFailure records a failure raised by a target.
func (m *Metrics) RecordDeliveryFailure(dest string) {
	m.deliveryFailures.Add(context.Background(), 1, destAttr(dest))
}

// RecordInfrastructureFailure records a failure raised by the messaging client.
func (m *Metrics) RecordInfrastructureFailure(dest string) {
	m.infraFailures.Add(context.Background(), 1, destAttr(dest))
}

// RecordReconnect records a pool-wide reconnect attempt.
func (m *Metrics) RecordReconnect(dest string, success bool) {
	m.reconnects.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("destination", dest),
		attribute.Bool("success", success),
	))
}

// RecordRecreate records a single unit recreate attempt.
func (m *Metrics) RecordRecreate(dest string, success bool) {
	m.recreates.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("destination", dest),
		attribute.Bool("success", success),
	))
}

// RecordPause records an endpoint pause.
func (m *Metrics) RecordPause(dest string) {
	m.pauses.Add(context.Background(), 1, destAttr(dest))
}

// RecordReleaseFailure records a target release error.
func (m *Metrics) RecordReleaseFailure(dest string) {
	m.releaseFailures.Add(context.Background(), 1, destAttr(dest))
}

// RecordUnitOpened records a new work unit.
func (m *Metrics) RecordUnitOpened(dest string) {
	m.unitsActive.Add(context.Background(), 1, destAttr(dest))
}

// RecordUnitClosed records a closed work unit.
func (m *Metrics) RecordUnitClosed(dest string) {
	m.unitsActive.Add(context.Background(), -1, destAttr(dest))
}
