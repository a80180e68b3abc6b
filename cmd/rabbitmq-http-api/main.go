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

// Provides an HTTP API in front of RabbitMQ.
//
// GET /get/{queue} fetches a single message from the named queue and
// acknowledges it only once it has been written to the client, so a message
// is never lost if the request fails part way. POST /add/{queue} publishes
// the request body to the named queue as a persistent message. Queues are
// declared durable on first use.
//
// A single broker connection and a single shared channel serve every
// request. If the broker restarts the connection is recovered in the
// background and requests fail fast with 500 until it is back.

package main

import (
	"context"
	"log/slog"
	"os"

	"rabbitmq-http-api/pkg/config/env"
	"rabbitmq-http-api/pkg/config/server"
	"rabbitmq-http-api/pkg/httpapi"
	"rabbitmq-http-api/pkg/logging"
	"rabbitmq-http-api/pkg/messaging"
	"rabbitmq-http-api/pkg/metrics"
	"rabbitmq-http-api/pkg/process"
)

func main() {
	logging.SetLogLevel(env.Getenv("LOG_LEVEL", "INFO"), env.Getenv("LOG_FORMAT", "plain"))
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	cfg := server.GetConfig()
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		return err
	}

	sh := process.NewSignalHandler()
	m := metrics.New()

	conn, err := messaging.Connect(context.Background(), cfg.AMQPURI,
		messaging.ConnectionName("rabbitmq-http-api"),
		messaging.ConnectionMetrics(m),
	)
	if err != nil {
		return err // Already logged
	}

	broker := messaging.NewBroker(conn, messaging.BrokerMetrics(m))
	defer broker.Close()

	metricsServer, err := metrics.NewServer(cfg.MetricsAddr, m)
	if err != nil {
		slog.Error("Failed to start metrics server", "error", err)
		return err
	}
	defer metricsServer.Close()

	// Run the HTTP API in a goroutine and cleanly stop on exit.
	api := httpapi.NewServer(cfg.APIServerURI, cfg.AuthToken, cfg.MaxBodyBytes, broker)
	defer api.Close()

	// Handle signals, blocking until exit or until recovery gives up.
	return sh.HandleSignals(conn.CloseNotify())
}
