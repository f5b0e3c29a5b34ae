// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import "errors"

// Engine errors.
var (
	// Configuration errors.
	ErrEmptyDestination      = errors.New("destination cannot be empty")
	ErrInvalidConcurrency    = errors.New("concurrency must be between 1 and 100")
	ErrTopicConcurrency      = errors.New("concurrency must be 1 for a non-shared topic subscription")
	ErrMissingSubscription   = errors.New("subscription name required for durable or shared subscriptions")
	ErrMissingClientID       = errors.New("client ID required for non-shared durable subscriptions")
	ErrInvalidMaxFailures    = errors.New("max delivery failures must be -1 or greater")
	ErrInvalidTraceLevel     = errors.New("trace level must be between 0 and 9")
	ErrInvalidMessageCache   = errors.New("client message cache cannot be negative")
	ErrInvalidDeliveryRate   = errors.New("max delivery rate cannot be negative")
	ErrInvalidReceiveTimeout = errors.New("receive timeout cannot be negative")
	ErrNilSource             = errors.New("message source cannot be nil")
	ErrNilFactory            = errors.New("delivery target factory cannot be nil")
	ErrNilScheduler          = errors.New("task scheduler cannot be nil")

	// Lifecycle errors.
	ErrEndpointClosed     = errors.New("endpoint stopped")
	ErrAlreadyStarted     = errors.New("endpoint already started")
	ErrConnectionFailed   = errors.New("connection failed")
	ErrIncompatibleSource = errors.New("message source incompatible with endpoint configuration")
)
