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
	"context"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"rabbitmq-http-api/pkg/metrics"
)

type brokerOpts struct {
	metrics *metrics.Metrics
}

// BrokerMetrics records message operation outcomes and channel creation in m.
func BrokerMetrics(m *metrics.Metrics) func(*brokerOpts) {
	return func(b *brokerOpts) {
		b.metrics = m
	}
}

// Broker performs the get, ack and publish operations on the shared channel.
// It is safe for concurrent use.
type Broker struct {
	conn        *Connection
	guard       *ChannelGuard
	metrics     *metrics.Metrics
	unsubscribe func()
}

func NewBroker(conn *Connection, opts ...func(*brokerOpts)) *Broker {
	b := brokerOpts{}
	for _, applyOptionTo := range opts {
		applyOptionTo(&b)
	}

	guard := NewChannelGuard(conn, b.metrics)
	return &Broker{
		conn:        conn,
		guard:       guard,
		metrics:     b.metrics,
		unsubscribe: conn.Subscribe(guard),
	}
}

// Get retrieves at most one message from queue without acknowledging it.
// found is false, with a nil error, when the queue is empty. The caller must
// pass msg.Handle to Ack once the message has been handed on.
func (b *Broker) Get(ctx context.Context, queue string) (msg Message, found bool, err error) {
	ch, err := b.guard.Acquire()
	if err == nil {
		err = ensureQueue(ch, queue)
	}
	if err != nil {
		slog.ErrorContext(ctx, "Failed to prepare channel or queue for get", "queue", queue, "error", err)
		b.metrics.Fetched("error")
		return Message{}, false, err
	}

	d, ok, err := ch.Get(queue, false)
	if err != nil {
		err = classify("get", queue, ch.ID, err)
		slog.ErrorContext(ctx, "Failed to get message", "queue", queue, "channel", ch.ID, "error", err)
		b.metrics.Fetched("error")
		return Message{}, false, err
	}
	if !ok {
		slog.InfoContext(ctx, "No message available", "queue", queue, "channel", ch.ID)
		b.metrics.Fetched("empty")
		return Message{}, false, nil
	}

	slog.InfoContext(ctx, "Message retrieved",
		"queue", queue,
		"channel", ch.ID,
		"deliveryTag", d.DeliveryTag,
		"redelivered", d.Redelivered,
	)
	b.metrics.Fetched("found")
	return Message{
		Body:        d.Body,
		ContentType: d.ContentType,
		Redelivered: d.Redelivered,
		Handle: DeliveryHandle{
			Tag:        d.DeliveryTag,
			ChannelID:  ch.ID,
			generation: ch.generation,
		},
	}, true, nil
}

// Ack acknowledges a delivery on the channel that issued it. If that
// channel has been replaced the ack is not sent anywhere, the broker will
// redeliver the message, and ErrDeliveryChannelReplaced is returned.
func (b *Broker) Ack(h DeliveryHandle) error {
	ch, err := b.guard.channelFor(h)
	if err != nil {
		slog.Error("Cannot ACK message, it might be redelivered",
			"channel", h.ChannelID,
			"deliveryTag", h.Tag,
			"error", err,
		)
		b.metrics.Acked("stale")
		return err
	}

	if err := ch.Ack(h.Tag, false); err != nil {
		err = classify("ack", "", ch.ID, err)
		slog.Error("Failed to ACK message", "channel", ch.ID, "deliveryTag", h.Tag, "error", err)
		b.metrics.Acked("error")
		return err
	}

	slog.Info("Message acknowledged", "channel", ch.ID, "deliveryTag", h.Tag)
	b.metrics.Acked("ok")
	return nil
}

// Publish sends body to queue through the default exchange as a persistent
// message. contentType is passed through verbatim when set.
func (b *Broker) Publish(ctx context.Context, queue string, body []byte, contentType string) error {
	ch, err := b.guard.Acquire()
	if err == nil {
		err = ensureQueue(ch, queue)
	}
	if err != nil {
		slog.ErrorContext(ctx, "Failed to prepare channel or queue for publish", "queue", queue, "error", err)
		b.metrics.Published("error")
		return err
	}

	msg := amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  contentType,
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, "", queue, false, false, msg); err != nil {
		err = classify("publish", queue, ch.ID, err)
		slog.ErrorContext(ctx, "Failed to publish message", "queue", queue, "channel", ch.ID, "error", err)
		b.metrics.Published("error")
		return err
	}

	slog.InfoContext(ctx, "Message published", "queue", queue, "channel", ch.ID, "size", len(body))
	b.metrics.Published("ok")
	return nil
}

// Close unsubscribes from the connection and closes the channel and then the
// connection. Close errors are logged, not returned.
func (b *Broker) Close() {
	b.unsubscribe()
	b.guard.Close()
	if err := b.conn.Close(); err != nil {
		slog.Warn("Error closing RabbitMQ connection", "error", err)
	}
}
