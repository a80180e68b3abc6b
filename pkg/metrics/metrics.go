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

// Package metrics exposes Prometheus collectors for the broker lifecycle and
// the HTTP message operations. All methods are nil-safe so components can be
// constructed without metrics in tests.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rabbitmq_http_api"

type Metrics struct {
	registry        *prometheus.Registry
	fetched         *prometheus.CounterVec
	published       *prometheus.CounterVec
	acks            *prometheus.CounterVec
	channelsCreated prometheus.Counter
	connectionUp    prometheus.Gauge
}

// New creates the collectors on a private registry, together with the
// standard Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		fetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_fetched_total",
			Help:      "Single message fetches by outcome (found, empty, error).",
		}, []string{"result"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_published_total",
			Help:      "Persistent publishes by outcome (ok, error).",
		}, []string{"result"}),
		acks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acks_total",
			Help:      "Delivery acknowledgements by outcome (ok, stale, error).",
		}, []string{"result"}),
		channelsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channels_created_total",
			Help:      "AMQP channels opened by the channel guard.",
		}),
		connectionUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_up",
			Help:      "1 while the broker connection is open, 0 otherwise.",
		}),
	}

	m.registry.MustRegister(
		m.fetched,
		m.published,
		m.acks,
		m.channelsCreated,
		m.connectionUp,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Fetched(result string) {
	if m != nil {
		m.fetched.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Published(result string) {
	if m != nil {
		m.published.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Acked(result string) {
	if m != nil {
		m.acks.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) ChannelCreated() {
	if m != nil {
		m.channelsCreated.Inc()
	}
}

func (m *Metrics) ConnectionUp(up bool) {
	if m == nil {
		return
	}
	if up {
		m.connectionUp.Set(1)
	} else {
		m.connectionUp.Set(0)
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Server serves /metrics on its own listener so that scraping does not need
// the API bearer token.
type Server struct {
	close func()
}

// NewServer starts serving in a goroutine. An empty addr disables the
// listener and returns a Server whose Close is a NOOP.
func NewServer(addr string, m *Metrics) (*Server, error) {
	srv := &Server{close: func() {}}
	if addr == "" || m == nil {
		slog.Info("Metrics listener disabled")
		return srv, nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	httpServer := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.close = func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			slog.Warn("Metrics Shutdown", slog.Any("error", err))
		}
	}

	go func() {
		slog.Info("Metrics listening", slog.String("address", ln.Addr().String()))
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics Serve", slog.Any("error", err))
		}
	}()

	return srv, nil
}

func (srv *Server) Close() {
	srv.close()
}
