// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package source

import (
	"fmt"
	"time"
)

// DestinationType distinguishes queues from topics.
type DestinationType int

// Destination types.
const (
	Queue DestinationType = iota
	Topic
)

// String returns the destination type name.
func (t DestinationType) String() string {
	switch t {
	case Queue:
		return "queue"
	case Topic:
		return "topic"
	default:
		return "unknown"
	}
}

// ParseDestinationType parses "queue" or "topic".
func ParseDestinationType(s string) (DestinationType, error) {
	switch s {
	case "queue":
		return Queue, nil
	case "topic":
		return Topic, nil
	default:
		return 0, fmt.Errorf("unknown destination type %q", s)
	}
}

// Destination is a named queue or topic.
type Destination struct {
	Name string
	Type DestinationType
}

// String returns "queue://name" or "topic://name".
func (d Destination) String() string {
	return d.Type.String() + "://" + d.Name
}

// Message is a message received from a consumer.
type Message struct {
	ID          string
	Destination Destination
	Payload     []byte
	Properties  map[string]string
	Timestamp   time.Time
	Redelivered bool
}
