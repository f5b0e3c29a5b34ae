// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/absmach/inbound/engine"
	"github.com/absmach/inbound/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "memory", cfg.Source.Kind)
	assert.Equal(t, "log", cfg.Target.Kind)
	assert.Equal(t, time.Millisecond, cfg.Engine.BackoffBase)
	assert.Equal(t, 60*time.Second, cfg.Engine.BackoffMax)
	assert.Empty(t, cfg.Endpoints)
	assert.NoError(t, cfg.Validate())
}

func validEndpoint(name string) EndpointConfig {
	ep := DefaultEndpoint()
	ep.Name = name
	ep.Destination = "orders"
	return ep
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:   "default config is valid",
			modify: func(c *Config) {},
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.Log.Level = "trace" },
			wantErr: true,
		},
		{
			name: "telemetry sample rate out of range",
			modify: func(c *Config) {
				c.Telemetry.TracesEnabled = true
				c.Telemetry.TraceSampleRate = 1.5
			},
			wantErr: true,
		},
		{
			name:    "unknown source kind",
			modify:  func(c *Config) { c.Source.Kind = "sqs" },
			wantErr: true,
		},
		{
			name: "amqp without address",
			modify: func(c *Config) {
				c.Source.Kind = "amqp"
				c.Source.AMQP.Address = ""
			},
			wantErr: true,
		},
		{
			name: "mqtt qos out of range",
			modify: func(c *Config) {
				c.Source.Kind = "mqtt"
				c.Source.MQTT.QoS = 3
			},
			wantErr: true,
		},
		{
			name: "kafka start offset",
			modify: func(c *Config) {
				c.Source.Kind = "kafka"
				c.Source.Kafka.StartOffset = "middle"
			},
			wantErr: true,
		},
		{
			name:    "backoff max below base",
			modify:  func(c *Config) { c.Engine.BackoffMax = 0 },
			wantErr: true,
		},
		{
			name:    "webhook without url",
			modify:  func(c *Config) { c.Target.Kind = "webhook" },
			wantErr: true,
		},
		{
			name: "valid endpoint",
			modify: func(c *Config) {
				c.Endpoints = []EndpointConfig{validEndpoint("orders")}
			},
		},
		{
			name: "duplicate endpoint names",
			modify: func(c *Config) {
				c.Endpoints = []EndpointConfig{validEndpoint("orders"), validEndpoint("orders")}
			},
			wantErr: true,
		},
		{
			name: "endpoint fails engine validation",
			modify: func(c *Config) {
				ep := validEndpoint("orders")
				ep.Concurrency = 101
				c.Endpoints = []EndpointConfig{ep}
			},
			wantErr: true,
		},
		{
			name: "unknown pause policy",
			modify: func(c *Config) {
				ep := validEndpoint("orders")
				ep.FailurePolicy.Pause = "connection"
				c.Endpoints = []EndpointConfig{ep}
			},
			wantErr: true,
		},
		{
			name: "unknown transaction mode",
			modify: func(c *Config) {
				ep := validEndpoint("orders")
				ep.Transaction = "saga"
				c.Endpoints = []EndpointConfig{ep}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestToEngine(t *testing.T) {
	ep := validEndpoint("prices")
	ep.Destination = "prices"
	ep.DestinationType = "topic"
	ep.Shared = true
	ep.Durable = true
	ep.SubscriptionName = "audit"
	ep.AckMode = "dups-ok"
	ep.Transaction = "local"
	ep.FailurePolicy.MaxDeliveryFailures = 3
	ep.MaxDeliveryRate = 50

	cfg, err := ep.ToEngine()
	require.NoError(t, err)
	assert.Equal(t, source.Topic, cfg.DestinationType)
	assert.Equal(t, source.DupsOKAck, cfg.AckMode)
	assert.Equal(t, engine.TxLocal, cfg.Transaction)
	assert.Equal(t, 3, cfg.MaxDeliveryFailures)
	assert.Equal(t, 10, cfg.WorkUnits())
	assert.NoError(t, cfg.Validate())

	ep.DestinationType = "stream"
	_, err = ep.ToEngine()
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	cfg, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Source.Kind)

	file := filepath.Join(t.TempDir(), "inbound.yaml")
	data := `
log:
  level: debug
source:
  kind: nats
  nats:
    url: nats://broker:4222
endpoints:
  - name: orders
    destination: orders
    concurrency: 4
    failure_policy:
      max_delivery_failures: 5
      pause: endpoint
  - name: prices
    destination: prices
    destination_type: topic
    concurrency: 1
`
	require.NoError(t, os.WriteFile(file, []byte(data), 0o600))

	cfg, err = Load(file)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "nats://broker:4222", cfg.Source.NATS.URL)
	require.Len(t, cfg.Endpoints, 2)

	orders := cfg.Endpoints[0]
	assert.Equal(t, 4, orders.Concurrency)
	assert.True(t, orders.FailurePolicy.SelfPause())
	assert.Equal(t, 5, orders.FailurePolicy.MaxDeliveryFailures)
	assert.Equal(t, "auto", orders.AckMode, "defaults kept for omitted fields")

	prices := cfg.Endpoints[1]
	assert.Equal(t, engine.UnlimitedFailures, prices.FailurePolicy.MaxDeliveryFailures)
	assert.False(t, prices.FailurePolicy.SelfPause())
	assert.Equal(t, 5, cfg.WorkUnits())

	require.NoError(t, os.WriteFile(file, []byte("log: [unclosed"), 0o600))
	_, err = Load(file)
	assert.Error(t, err)
}

func TestSave(t *testing.T) {
	cfg := Default()
	cfg.Endpoints = []EndpointConfig{validEndpoint("orders")}

	file := filepath.Join(t.TempDir(), "out.yaml")
	require.NoError(t, cfg.Save(file))

	loaded, err := Load(file)
	require.NoError(t, err)
	assert.Equal(t, cfg.Source, loaded.Source)
	assert.Equal(t, cfg.Engine, loaded.Engine)
	assert.Equal(t, cfg.Endpoints, loaded.Endpoints)
}
