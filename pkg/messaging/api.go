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

// Package messaging holds the process-wide AMQP 0.9.1 connection to RabbitMQ
// and the single shared channel used by every HTTP request. It is a fairly
// thin wrapper around github.com/rabbitmq/amqp091-go.
//
// amqp091-go has no automatic recovery, so the Connection watches its
// underlying amqp.Connection and redials at a fixed interval when the broker
// goes away, telling subscribers what happened. The ChannelGuard lazily
// (re)creates the shared channel and makes sure that a late close
// notification from an old channel can never invalidate its replacement.
package messaging

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"rabbitmq-http-api/pkg/metrics"
)

const (
	defaultLocale             = "en_US"
	defaultHeartbeat          = 60 * time.Second
	defaultConnectionAttempts = 1
	defaultRetryDelay         = 10 * time.Second
	defaultRecoveryAttempts   = 0 // Unlimited

	replySuccess = 200 // AMQP reply-success, unexported by amqp091-go
)

// Channel is the subset of *amqp.Channel used by this package. The interface
// exists so tests can substitute an in-memory broker.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	Ack(tag uint64, multiple bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// brokerConnection is the subset of *amqp.Connection used by Connection.
type brokerConnection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

type dialFunc func(uri string, config amqp.Config) (brokerConnection, error)

// amqpConnection adapts *amqp.Connection to brokerConnection.
type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// https://pkg.go.dev/github.com/rabbitmq/amqp091-go#DialConfig
func dialAMQP(uri string, config amqp.Config) (brokerConnection, error) {
	conn, err := amqp.DialConfig(uri, config)
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn}, nil
}

// ShutdownEvent describes why the broker connection or a channel closed.
type ShutdownEvent struct {
	Initiator string // "application", "peer" or "library"
	Code      int
	Reason    string
}

func newShutdownEvent(err *amqp.Error) ShutdownEvent {
	if err == nil {
		// amqp091-go closes the notification chan without a value on a
		// graceful close requested by this process.
		return ShutdownEvent{Initiator: "application", Code: replySuccess, Reason: "closed"}
	}
	initiator := "library"
	if err.Server {
		initiator = "peer"
	}
	return ShutdownEvent{Initiator: initiator, Code: err.Code, Reason: err.Reason}
}

// ConnectionListener receives connection lifecycle notifications. Methods
// are called on the Connection's watcher goroutine, concurrently with any
// requests in flight, and must not block.
type ConnectionListener interface {
	OnShutdown(event ShutdownEvent)
	OnRecovered()
	OnRecoveryFailed(err error)
}

// DeliveryHandle identifies a delivery for acknowledgement. It records the
// channel instance that issued it and is only valid on that instance.
type DeliveryHandle struct {
	Tag        uint64
	ChannelID  string
	generation uint64
}

// Message is a message retrieved by Broker.Get.
type Message struct {
	Body        []byte
	ContentType string
	Redelivered bool
	Handle      DeliveryHandle
}

type connectionOpts struct {
	name    string
	metrics *metrics.Metrics
	dial    dialFunc
}

// ConnectionName sets the name shown for the connection in the RabbitMQ
// management UI and in log records.
func ConnectionName(name string) func(*connectionOpts) {
	return func(c *connectionOpts) {
		c.name = name
	}
}

// ConnectionMetrics reports the connection state to m.
func ConnectionMetrics(m *metrics.Metrics) func(*connectionOpts) {
	return func(c *connectionOpts) {
		c.metrics = m
	}
}
