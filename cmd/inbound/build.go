// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/absmach/inbound/config"
	"github.com/absmach/inbound/source"
	"github.com/absmach/inbound/source/amqp"
	"github.com/absmach/inbound/source/kafka"
	"github.com/absmach/inbound/source/memory"
	"github.com/absmach/inbound/source/mqtt"
	"github.com/absmach/inbound/source/nats"
	"github.com/absmach/inbound/target"
	"github.com/absmach/inbound/target/webhook"
)

func newSource(cfg config.SourceConfig, logger *slog.Logger) (source.Source, error) {
	switch cfg.Kind {
	case "memory":
		return memory.New(), nil
	case "amqp":
		opts := amqp.NewOptions()
		opts.URL = cfg.AMQP.URL
		opts.Address = cfg.AMQP.Address
		opts.Vhost = cfg.AMQP.Vhost
		opts.DialTimeout = cfg.AMQP.DialTimeout
		opts.Heartbeat = cfg.AMQP.Heartbeat
		opts.TopicExchange = cfg.AMQP.TopicExchange
		opts.DurableQueues = cfg.AMQP.DurableQueues
		return amqp.New(opts, logger)
	case "mqtt":
		return mqtt.New(mqtt.Options{
			Address:        cfg.MQTT.Address,
			ConnectTimeout: cfg.MQTT.ConnectTimeout,
			KeepAlive:      cfg.MQTT.KeepAlive,
			QoS:            cfg.MQTT.QoS,
			CleanSession:   cfg.MQTT.CleanSession,
		}, logger)
	case "nats":
		return nats.New(nats.Options{
			URL:            cfg.NATS.URL,
			ConnectTimeout: cfg.NATS.ConnectTimeout,
			PingInterval:   cfg.NATS.PingInterval,
		}, logger)
	case "kafka":
		return kafka.New(kafka.Options{
			Brokers:        cfg.Kafka.Brokers,
			DialTimeout:    cfg.Kafka.DialTimeout,
			HealthInterval: cfg.Kafka.HealthInterval,
			MaxWait:        cfg.Kafka.MaxWait,
			StartOffset:    cfg.Kafka.StartOffset,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown source kind %q", cfg.Kind)
	}
}

func newTargetFactory(cfg config.TargetConfig, logger *slog.Logger) (target.Factory, error) {
	switch cfg.Kind {
	case "log":
		return target.Func(func(_ context.Context, msg *source.Message) error {
			logger.Info("Message delivered",
				slog.String("destination", msg.Destination.String()),
				slog.String("message_id", msg.ID),
				slog.Int("size", len(msg.Payload)))
			return nil
		}), nil
	case "webhook":
		return webhook.New(webhook.Config{
			Name:             cfg.Webhook.Name,
			URL:              cfg.Webhook.URL,
			Headers:          cfg.Webhook.Headers,
			Timeout:          cfg.Webhook.Timeout,
			FailureThreshold: cfg.Webhook.CircuitBreaker.FailureThreshold,
			ResetTimeout:     cfg.Webhook.CircuitBreaker.ResetTimeout,
		}, nil, logger)
	default:
		return nil, fmt.Errorf("unknown target kind %q", cfg.Kind)
	}
}
