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
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Every queue this service touches is durable, non-exclusive and not
// auto-deleted. The declaration is repeated before each operation so a queue
// deleted out of band is recreated.
const (
	queueDurable    = true
	queueAutoDelete = false
	queueExclusive  = false
)

// ensureQueue declares queue on ch. A broker refusal closes ch, which the
// guard notices on its next Acquire.
func ensureQueue(ch Lease, queue string) error {
	if ch.IsClosed() {
		return &ChannelClosedError{Op: "declare", ChannelID: ch.ID, Err: amqp.ErrClosed}
	}

	_, err := ch.QueueDeclare(queue, queueDurable, queueAutoDelete, queueExclusive, false, nil)
	if err != nil {
		return classifyDeclareError(queue, ch.ID, err)
	}
	slog.Debug("Queue declared", "queue", queue, "channel", ch.ID)
	return nil
}

// classifyDeclareError decodes the AMQP reply code of a failed queue.declare.
func classifyDeclareError(queue, channelID string, err error) error {
	if isClosedError(err) {
		return &ChannelClosedError{Op: "declare", ChannelID: channelID, Err: err}
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		var kind ConflictKind
		switch amqpErr.Code {
		case amqp.PreconditionFailed:
			kind = ConflictProfile
		case amqp.ResourceLocked:
			kind = ConflictLocked
		case amqp.AccessRefused:
			kind = ConflictAccessRefused
		}
		if kind != 0 {
			return &QueueConflictError{
				Queue:  queue,
				Kind:   kind,
				Code:   amqpErr.Code,
				Reason: amqpErr.Reason,
				Err:    err,
			}
		}
	}
	return &OperationError{Op: "declare", Queue: queue, ChannelID: channelID, Err: err}
}
