// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp

import (
	"crypto/tls"
	"errors"
	"net/url"
	"strings"
	"time"
)

// Default values.
const (
	DefaultAddress       = "localhost:5672"
	DefaultDialTimeout   = 10 * time.Second
	DefaultHeartbeat     = 60 * time.Second
	DefaultTopicExchange = "amq.topic"
)

// ErrNoAddress is returned when neither URL nor Address is set.
var ErrNoAddress = errors.New("no broker address configured")

// Options configures the AMQP 0.9.1 source.
type Options struct {
	// Connection
	URL         string      // Full AMQP URL (overrides Address/Vhost)
	Address     string      // Broker address (host:port)
	Vhost       string      // Virtual host (default "/")
	TLSConfig   *tls.Config // TLS configuration (nil for plain TCP)
	DialTimeout time.Duration
	Heartbeat   time.Duration

	// TopicExchange is the exchange topic subscriptions bind to.
	TopicExchange string

	// DurableQueues declares queue destinations as durable.
	DurableQueues bool
}

// NewOptions creates Options with sensible defaults.
func NewOptions() Options {
	return Options{
		Address:       DefaultAddress,
		Vhost:         "/",
		DialTimeout:   DefaultDialTimeout,
		Heartbeat:     DefaultHeartbeat,
		TopicExchange: DefaultTopicExchange,
		DurableQueues: true,
	}
}

// Validate checks the options for errors.
func (o Options) Validate() error {
	if o.URL == "" && o.Address == "" {
		return ErrNoAddress
	}
	return nil
}

// dialURL builds the broker URL. Endpoint credentials replace any user
// info in a configured URL.
func (o Options) dialURL(username, password string) (string, error) {
	var u *url.URL
	if o.URL != "" {
		parsed, err := url.Parse(o.URL)
		if err != nil {
			return "", err
		}
		u = parsed
	} else {
		scheme := "amqp"
		if o.TLSConfig != nil {
			scheme = "amqps"
		}
		u = &url.URL{
			Scheme: scheme,
			Host:   o.Address,
			Path:   "/" + strings.TrimPrefix(o.Vhost, "/"),
		}
	}

	if username != "" {
		u.User = url.UserPassword(username, password)
	}
	return u.String(), nil
}
