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
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"rabbitmq-http-api/pkg/metrics"
)

// Connection owns the process-wide broker connection. It is created by
// Connect, survives broker restarts by redialling every retryDelay, and is
// closed by Close.
type Connection struct {
	ctx                context.Context
	cancel             context.CancelFunc
	name               string // Primarily used for logging
	uri                string // Connection URL to AMQP broker
	redacted           string
	dial               dialFunc
	metrics            *metrics.Metrics
	heartbeat          time.Duration
	retryDelay         time.Duration
	connectionAttempts int
	recoveryAttempts   int

	m              sync.Mutex
	conn           brokerConnection
	err            error // Terminal error once recovery has given up
	closing        bool
	listeners      map[int]ConnectionListener
	nextListenerID int
	closeListeners []chan error // Used to notify of fatal close event
}

// Connect parses uri, dials the broker and starts watching the connection.
//
// The URI query parameters heartbeat, connection_attempts and retry_delay
// follow the Pika URLParameters scheme:
// https://pika.readthedocs.io/en/stable/examples/using_urlparameters.html
// recovery_attempts bounds the number of redials after an unexpected close;
// zero, the default, means keep trying.
//
// ctx bounds the lifetime of the Connection, cancelling it stops any
// recovery in progress.
func Connect(ctx context.Context, uri string, opts ...func(*connectionOpts)) (*Connection, error) {
	u, err := url.Parse(uri)
	if err != nil {
		slog.Error("Invalid AMQP URI", "error", err)
		return nil, err
	}

	// Iterate through any option arguments, which are implemented as functions.
	c := connectionOpts{name: "Connection", dial: dialAMQP}
	for _, applyOptionTo := range opts {
		applyOptionTo(&c)
	}

	// Wait until after url.Parse() as we want to log the *redacted* URI.
	slog.Info("Creating "+c.name, "url", u.Redacted())

	if !strings.Contains(u.Scheme, "amqp") {
		return nil, ErrUnsupported(u.Scheme)
	}

	params := u.Query()
	ctx, cancel := context.WithCancel(ctx)
	conn := &Connection{
		ctx:                ctx,
		cancel:             cancel,
		name:               c.name,
		uri:                uri,
		redacted:           u.Redacted(),
		dial:               c.dial,
		metrics:            c.metrics,
		heartbeat:          durationParam(params, "heartbeat", defaultHeartbeat),
		retryDelay:         durationParam(params, "retry_delay", defaultRetryDelay),
		connectionAttempts: intParam(params, "connection_attempts", defaultConnectionAttempts),
		recoveryAttempts:   intParam(params, "recovery_attempts", defaultRecoveryAttempts),
		listeners:          make(map[int]ConnectionListener),
	}
	if conn.connectionAttempts < 1 {
		conn.connectionAttempts = 1
	}

	if err := conn.connect(); err != nil {
		cancel()
		return nil, err
	}
	return conn, nil
}

// durationParam reads a URI query parameter expressed in (possibly
// fractional) seconds.
func durationParam(params url.Values, key string, fallback time.Duration) time.Duration {
	if v, ok := params[key]; ok && len(v) > 0 {
		if d, err := time.ParseDuration(v[0] + "s"); err == nil && d >= 0 {
			return d
		}
	}
	return fallback
}

func intParam(params url.Values, key string, fallback int) int {
	if v, ok := params[key]; ok && len(v) > 0 {
		if value, err := strconv.ParseFloat(v[0], 64); err == nil && value >= 0 {
			return int(value)
		}
	}
	return fallback
}

func (conn *Connection) config() amqp.Config {
	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName(conn.name)
	return amqp.Config{
		Heartbeat:  conn.heartbeat,
		Locale:     defaultLocale,
		Properties: props,
	}
}

// connect performs the initial dial, trying connectionAttempts times.
func (conn *Connection) connect() error {
	var err error
	var bc brokerConnection
	for i := 0; i < conn.connectionAttempts; i++ {
		if i == 0 {
			slog.Info("Opening " + conn.name)
		} else {
			slog.Info("Opening "+conn.name+" retry", "attempt", i)
			// Cancellable Sleep, equivalent to time.Sleep(conn.retryDelay)
			select {
			case <-time.After(conn.retryDelay): // Timeout
			case <-conn.ctx.Done(): // Cancelled
				return &ConnectionError{Op: "connect", URL: conn.redacted, Attempts: i, Err: conn.ctx.Err()}
			}
		}

		if bc, err = conn.dial(conn.uri, conn.config()); err == nil {
			break
		}
		slog.Warn("Failed to open "+conn.name, "attempt", i+1, "error", err)
	}

	if err != nil {
		cerr := &ConnectionError{Op: "connect", URL: conn.redacted, Attempts: conn.connectionAttempts, Err: err}
		slog.Error("Could not establish connection to RabbitMQ", "error", cerr)
		return cerr
	}

	conn.m.Lock()
	conn.conn = bc
	notify := bc.NotifyClose(make(chan *amqp.Error, 1))
	conn.m.Unlock()

	slog.Info(conn.name + " established")
	conn.metrics.ConnectionUp(true)
	go conn.watch(notify)
	return nil
}

// watch waits for the current connection to close and drives recovery.
// It runs until Close is called, recovery gives up or ctx is cancelled.
func (conn *Connection) watch(notify chan *amqp.Error) {
	for {
		var amqpErr *amqp.Error
		select {
		case amqpErr = <-notify:
		case <-conn.ctx.Done():
			return
		}

		if conn.isClosing() {
			return
		}

		event := newShutdownEvent(amqpErr)
		slog.Warn("RabbitMQ connection shutdown",
			"initiator", event.Initiator,
			"code", event.Code,
			"reason", event.Reason,
		)
		conn.metrics.ConnectionUp(false)
		for _, l := range conn.snapshotListeners() {
			l.OnShutdown(event)
		}

		if notify = conn.recover(); notify == nil {
			return
		}
	}
}

// recover redials every retryDelay. It returns the close notification chan
// of the new connection, or nil if recovery stopped.
func (conn *Connection) recover() chan *amqp.Error {
	for attempt := 1; ; attempt++ {
		select {
		case <-time.After(conn.retryDelay):
		case <-conn.ctx.Done():
			return nil
		}
		if conn.isClosing() {
			return nil
		}

		bc, err := conn.dial(conn.uri, conn.config())
		if err == nil {
			conn.m.Lock()
			if conn.closing {
				conn.m.Unlock()
				bc.Close()
				return nil
			}
			conn.conn = bc
			notify := bc.NotifyClose(make(chan *amqp.Error, 1))
			conn.m.Unlock()

			slog.Info("RabbitMQ connection recovered", "attempt", attempt)
			conn.metrics.ConnectionUp(true)
			for _, l := range conn.snapshotListeners() {
				l.OnRecovered()
			}
			return notify
		}

		slog.Warn("RabbitMQ connection recovery attempt failed", "attempt", attempt, "error", err)
		if conn.recoveryAttempts > 0 && attempt >= conn.recoveryAttempts {
			conn.fail(&ConnectionError{Op: "recover", URL: conn.redacted, Attempts: attempt, Err: err})
			return nil
		}
	}
}

// fail records the terminal error and tells everyone about it.
func (conn *Connection) fail(err error) {
	conn.m.Lock()
	conn.err = err
	closeListeners := conn.closeListeners
	conn.closeListeners = nil
	conn.m.Unlock()

	slog.Error("RabbitMQ connection recovery failed", "error", err)
	for _, l := range conn.snapshotListeners() {
		l.OnRecoveryFailed(err)
	}
	for _, ch := range closeListeners {
		ch <- err
		close(ch)
	}
}

func (conn *Connection) isClosing() bool {
	conn.m.Lock()
	defer conn.m.Unlock()
	return conn.closing
}

func (conn *Connection) snapshotListeners() []ConnectionListener {
	conn.m.Lock()
	defer conn.m.Unlock()

	ids := make([]int, 0, len(conn.listeners))
	for id := range conn.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids) // Deliver in subscription order.
	listeners := make([]ConnectionListener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, conn.listeners[id])
	}
	return listeners
}

// Subscribe registers l for lifecycle notifications. The returned func
// removes the subscription and is safe to call more than once.
func (conn *Connection) Subscribe(l ConnectionListener) func() {
	conn.m.Lock()
	defer conn.m.Unlock()

	id := conn.nextListenerID
	conn.nextListenerID++
	conn.listeners[id] = l
	return func() {
		conn.m.Lock()
		defer conn.m.Unlock()
		delete(conn.listeners, id)
	}
}

// IsOpen reports whether the underlying connection is currently usable.
func (conn *Connection) IsOpen() bool {
	conn.m.Lock()
	defer conn.m.Unlock()
	return !conn.closing && conn.conn != nil && !conn.conn.IsClosed()
}

// Channel opens a new channel on the current underlying connection.
func (conn *Connection) Channel() (Channel, error) {
	conn.m.Lock()
	bc := conn.conn
	closing := conn.closing
	conn.m.Unlock()

	if closing {
		return nil, ErrBrokerClosed
	}
	if bc == nil || bc.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return bc.Channel()
}

// CloseNotify returns a chan that receives the terminal error if recovery
// gives up. Applications should treat that as fatal.
func (conn *Connection) CloseNotify() <-chan error {
	conn.m.Lock()
	defer conn.m.Unlock()

	// Use buffer to ensure close event is sent even if receiver is blocked.
	ch := make(chan error, 1)
	if conn.err != nil {
		ch <- conn.err
		close(ch)
		return ch
	}
	conn.closeListeners = append(conn.closeListeners, ch)
	return ch
}

// Close stops recovery and closes the underlying connection. Listeners are
// not notified of a shutdown the application asked for.
func (conn *Connection) Close() error {
	conn.m.Lock()
	if conn.closing {
		conn.m.Unlock()
		return nil
	}
	conn.closing = true
	bc := conn.conn
	conn.m.Unlock()

	conn.cancel()
	conn.metrics.ConnectionUp(false)
	if bc == nil || bc.IsClosed() {
		return nil
	}
	slog.Info("Closing " + conn.name)
	return bc.Close()
}
