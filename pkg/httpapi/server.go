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

// Package httpapi exposes RabbitMQ queues over HTTP. GET /get/{queue}
// retrieves one message and acknowledges it only after the response has
// been written, POST /add/{queue} publishes the request body.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	// Chose chi over github.com/gorilla/mux as it seems the more active project
	// https://pkg.go.dev/github.com/go-chi/chi/v5
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"rabbitmq-http-api/pkg/messaging"
)

// MessageBroker is satisfied by *messaging.Broker.
type MessageBroker interface {
	Get(ctx context.Context, queue string) (messaging.Message, bool, error)
	Ack(h messaging.DeliveryHandle) error
	Publish(ctx context.Context, queue string, body []byte, contentType string) error
}

type Server struct {
	close func()
}

// NewServer starts listening on uri in a goroutine. Every route requires the
// header "Authorization: Bearer <token>". Request bodies larger than
// maxBodyBytes are rejected with 413.
func NewServer(uri string, token string, maxBodyBytes int64, broker MessageBroker) *Server {
	srv := &Server{
		close: func() {}, // NOOP default implementation
	}

	apiServer := &http.Server{
		Addr:              uri, // Default is 0.0.0.0:8080
		Handler:           NewRouter(token, maxBodyBytes, broker),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Concrete close implementation cleanly calls http.Server.Shutdown()
	srv.close = func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := apiServer.Shutdown(ctx); err != nil {
			// Error from closing listeners, or context timeout:
			slog.Warn("HTTP API Shutdown", "error", err)
		}
	}

	go func() {
		slog.Info("HTTP API listening on " + uri)
		if err := apiServer.ListenAndServe(); err != nil {
			if errors.Is(err, http.ErrServerClosed) {
				slog.Info("HTTP API stopped")
				return
			}
			// For other errors terminate immediately
			slog.Error("HTTP API ListenAndServe failed", "error", err)
			os.Exit(1)
		}
	}()

	return srv
}

// NewRouter builds the API routes.
func NewRouter(token string, maxBodyBytes int64, broker MessageBroker) http.Handler {
	h := &handlers{broker: broker, maxBodyBytes: maxBodyBytes}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(bearerAuth(token))
	r.Get("/get/{queue}", h.get)
	r.Post("/add/{queue}", h.add)
	return r
}

// Cleanly close the Server.
func (srv *Server) Close() {
	srv.close()
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"requestID", middleware.GetReqID(r.Context()),
		)
	})
}
