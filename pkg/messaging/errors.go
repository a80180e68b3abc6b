//
// Licensed to the Apache Software Foundation (ASF) under one
// or more contributor license agreements.  See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership.  The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License.  You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.
//

package messaging

import (
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// ErrConnectionClosed is the cause wrapped by ChannelUnavailableError when
	// the broker connection is down, e.g. while recovery is in progress.
	ErrConnectionClosed = errors.New("messaging: connection is not open")

	// ErrBrokerClosed is returned once Close has been called.
	ErrBrokerClosed = errors.New("messaging: broker has been closed")

	// ErrDeliveryChannelReplaced is returned by Ack when the channel that
	// issued the delivery is no longer the held channel. The broker has no
	// cross-channel tag validity, so the ack is not attempted anywhere else
	// and the message will be redelivered.
	ErrDeliveryChannelReplaced = errors.New("messaging: delivery channel has been replaced")
)

// ErrUnsupported is returned when the connection URI specifies a protocol
// that is not supported. Currently only AMQP 0.9.1 is supported.
type ErrUnsupported string

func (e ErrUnsupported) Error() string {
	return "unsupported messaging protocol: " + string(e)
}

// ConnectionError is returned when the broker connection cannot be
// established at startup, or when recovery gives up. It is fatal.
type ConnectionError struct {
	Op       string // "connect" or "recover"
	URL      string // Redacted
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("messaging: %s %s failed after %d attempts: %v",
		e.Op, e.URL, e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ChannelUnavailableError is returned by ChannelGuard.Acquire when no usable
// channel can be provided. It is transient: the next request retries.
type ChannelUnavailableError struct {
	Err error
}

func (e *ChannelUnavailableError) Error() string {
	return "messaging: channel unavailable: " + e.Err.Error()
}

func (e *ChannelUnavailableError) Unwrap() error {
	return e.Err
}

// ChannelClosedError is returned when the channel or its connection was
// already closed when an operation was attempted on it.
type ChannelClosedError struct {
	Op        string
	ChannelID string
	Err       error
}

func (e *ChannelClosedError) Error() string {
	return fmt.Sprintf("messaging: %s on closed channel %s: %v", e.Op, e.ChannelID, e.Err)
}

func (e *ChannelClosedError) Unwrap() error {
	return e.Err
}

// ConflictKind distinguishes the broker refusals of a queue declaration.
type ConflictKind int

const (
	// The queue exists with a different durable/exclusive/auto-delete profile.
	ConflictProfile ConflictKind = iota + 1
	// The queue is exclusively owned by another connection.
	ConflictLocked
	// The user may not declare the queue.
	ConflictAccessRefused
)

func (k ConflictKind) String() string {
	switch k {
	case ConflictProfile:
		return "profile-mismatch"
	case ConflictLocked:
		return "resource-locked"
	case ConflictAccessRefused:
		return "access-refused"
	default:
		return "unknown"
	}
}

// QueueConflictError is a configuration mismatch between this service and
// the broker. It will not resolve itself and is never retried.
type QueueConflictError struct {
	Queue  string
	Kind   ConflictKind
	Code   int    // AMQP reply code
	Reason string // Broker reply text
	Err    error
}

func (e *QueueConflictError) Error() string {
	return fmt.Sprintf("messaging: queue '%s' %s, expected durable, non-exclusive, non-auto-delete: (%d) %s",
		e.Queue, e.Kind, e.Code, e.Reason)
}

func (e *QueueConflictError) Unwrap() error {
	return e.Err
}

// OperationError is returned when the broker rejects a get, publish, ack or
// declare for a reason not covered by the other types.
type OperationError struct {
	Op        string
	Queue     string
	ChannelID string
	Err       error
}

func (e *OperationError) Error() string {
	if e.Queue == "" {
		return fmt.Sprintf("messaging: %s on channel %s failed: %v", e.Op, e.ChannelID, e.Err)
	}
	return fmt.Sprintf("messaging: %s on queue '%s' channel %s failed: %v",
		e.Op, e.Queue, e.ChannelID, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether a later request could succeed without any
// configuration change.
func IsRetryable(err error) bool {
	var unavailable *ChannelUnavailableError
	var closed *ChannelClosedError
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrBrokerClosed):
		return false
	case errors.As(err, &unavailable), errors.As(err, &closed):
		return true
	default:
		return false
	}
}

// isClosedError reports whether err means the channel or connection was
// not open. amqp091-go returns the amqp.ErrClosed sentinel for calls on a
// closed channel, which carries the CHANNEL_ERROR reply code.
func isClosedError(err error) bool {
	if errors.Is(err, amqp.ErrClosed) {
		return true
	}
	var amqpErr *amqp.Error
	return errors.As(err, &amqpErr) && amqpErr.Code == amqp.ChannelError
}

// classify maps an error from a get, publish or ack to the taxonomy above.
func classify(op, queue, channelID string, err error) error {
	if isClosedError(err) {
		return &ChannelClosedError{Op: op, ChannelID: channelID, Err: err}
	}
	return &OperationError{Op: op, Queue: queue, ChannelID: channelID, Err: err}
}
