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
	"log/slog"
	"sync"

	"github.com/docker/distribution/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"rabbitmq-http-api/pkg/metrics"
)

type channelState int

const (
	stateAbsent channelState = iota
	stateLive
	stateStale
)

func (s channelState) String() string {
	switch s {
	case stateLive:
		return "live"
	case stateStale:
		return "stale"
	default:
		return "absent"
	}
}

// channelSource is satisfied by *Connection.
type channelSource interface {
	IsOpen() bool
	Channel() (Channel, error)
}

// Lease is a channel handed out by ChannelGuard.Acquire together with the
// identity needed to acknowledge its deliveries on exactly that instance.
type Lease struct {
	Channel
	ID         string
	generation uint64
}

// ChannelGuard holds at most one live channel and shares it between
// concurrent requests. Creation, teardown and invalidation all happen under
// one mutex, every channel gets a new generation, and close notifications
// are only honoured for the generation they were registered for.
type ChannelGuard struct {
	conn    channelSource
	metrics *metrics.Metrics

	m          sync.Mutex
	state      channelState
	ch         Channel
	id         string
	generation uint64
	done       chan struct{} // Closed to stop the current channel's watcher
	closed     bool
}

func NewChannelGuard(conn channelSource, m *metrics.Metrics) *ChannelGuard {
	return &ChannelGuard{conn: conn, metrics: m}
}

// Acquire returns the live channel, creating one if there is none or the
// held one is stale. The returned error is a *ChannelUnavailableError.
func (g *ChannelGuard) Acquire() (Lease, error) {
	g.m.Lock()
	defer g.m.Unlock()

	if g.closed {
		return Lease{}, &ChannelUnavailableError{Err: ErrBrokerClosed}
	}

	if !g.conn.IsOpen() {
		if g.state != stateAbsent {
			slog.Debug("Connection is not open, discarding channel", "channel", g.id)
			g.teardown()
		}
		return Lease{}, &ChannelUnavailableError{Err: ErrConnectionClosed}
	}

	if g.state == stateLive {
		if !g.ch.IsClosed() {
			return g.lease(), nil
		}
		g.state = stateStale
	}

	if g.state == stateStale {
		slog.Debug("Tearing down stale channel", "channel", g.id, "generation", g.generation)
		g.teardown()
	}

	ch, err := g.conn.Channel()
	if err != nil {
		slog.Error("Failed to create channel", "error", err)
		return Lease{}, &ChannelUnavailableError{Err: err}
	}

	g.generation++
	g.ch = ch
	g.id = uuid.Generate().String()
	g.state = stateLive
	g.done = make(chan struct{})
	notify := ch.NotifyClose(make(chan *amqp.Error, 1))
	go g.watch(g.generation, g.id, notify, g.done)

	g.metrics.ChannelCreated()
	slog.Info("New channel created", "channel", g.id, "generation", g.generation)
	return g.lease(), nil
}

func (g *ChannelGuard) lease() Lease {
	return Lease{Channel: g.ch, ID: g.id, generation: g.generation}
}

// teardown stops the watcher, closes the held channel best-effort and
// forgets it. Must be called with g.m held.
func (g *ChannelGuard) teardown() {
	if g.done != nil {
		close(g.done)
		g.done = nil
	}
	if g.ch != nil && !g.ch.IsClosed() {
		if err := g.ch.Close(); err != nil {
			slog.Debug("Error closing channel", "channel", g.id, "error", err)
		}
	}
	g.ch = nil
	g.id = ""
	g.state = stateAbsent
}

func (g *ChannelGuard) watch(generation uint64, id string, notify chan *amqp.Error, done chan struct{}) {
	select {
	case amqpErr := <-notify:
		g.onChannelShutdown(generation, id, newShutdownEvent(amqpErr))
	case <-done:
	}
}

// onChannelShutdown invalidates the held channel only if it is still the
// generation the notification was registered for.
func (g *ChannelGuard) onChannelShutdown(generation uint64, id string, event ShutdownEvent) {
	slog.Warn("Channel shutdown",
		"channel", id,
		"initiator", event.Initiator,
		"code", event.Code,
		"reason", event.Reason,
	)

	g.m.Lock()
	defer g.m.Unlock()

	if g.state != stateLive || g.generation != generation {
		slog.Debug("Ignoring shutdown of replaced channel", "channel", id,
			"generation", generation, "current", g.generation)
		return
	}
	g.state = stateStale
}

// OnShutdown implements ConnectionListener. Channels do not survive their
// connection, so the held one is marked stale.
func (g *ChannelGuard) OnShutdown(event ShutdownEvent) {
	g.m.Lock()
	defer g.m.Unlock()

	if g.state == stateLive {
		slog.Debug("Connection shutdown, marking channel stale", "channel", g.id)
		g.state = stateStale
	}
}

func (g *ChannelGuard) OnRecovered() {
	slog.Info("Channel will be recreated on next request")
}

func (g *ChannelGuard) OnRecoveryFailed(err error) {
	slog.Error("No channel can be created until restart", "error", err)
}

// channelFor returns the channel that issued h, failing if it has since
// been replaced or closed.
func (g *ChannelGuard) channelFor(h DeliveryHandle) (Lease, error) {
	g.m.Lock()
	defer g.m.Unlock()

	if h.generation == 0 || h.generation != g.generation || g.state == stateAbsent {
		return Lease{}, ErrDeliveryChannelReplaced
	}
	if g.state == stateStale || g.ch.IsClosed() {
		return Lease{}, &ChannelClosedError{Op: "ack", ChannelID: h.ChannelID, Err: amqp.ErrClosed}
	}
	return g.lease(), nil
}

// Close releases the held channel. Subsequent calls to Acquire fail.
func (g *ChannelGuard) Close() {
	g.m.Lock()
	defer g.m.Unlock()

	if g.closed {
		return
	}
	g.closed = true
	if g.ch != nil {
		slog.Info("Closing channel", "channel", g.id)
	}
	g.teardown()
}
