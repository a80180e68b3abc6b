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

package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

const (
	mimeJSON    = "application/json"
	mimeText    = "text/plain; charset=utf-8"
	mimeProblem = "application/problem+json"

	getErrorDetail     = "An error occurred while processing your request."
	publishErrorDetail = "Failed to publish message."
)

type handlers struct {
	broker       MessageBroker
	maxBodyBytes int64
}

// problem is an RFC 9457 problem details body.
type problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func writeProblem(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", mimeProblem)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(problem{
		Type:   "https://tools.ietf.org/html/rfc9110#section-15.6.1",
		Title:  "An error occurred while processing your request.",
		Status: status,
		Detail: detail,
	})
}

func writeText(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", mimeText)
	w.WriteHeader(status)
	io.WriteString(w, text)
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	expected := []byte("Bearer " + token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			values, ok := r.Header["Authorization"]
			if !ok {
				slog.Warn("Authorization header missing", "path", r.URL.Path)
				writeText(w, http.StatusUnauthorized, "Authorization header is missing.")
				return
			}
			if len(values) != 1 || subtle.ConstantTimeCompare([]byte(values[0]), expected) != 1 {
				slog.Warn("Invalid token provided", "path", r.URL.Path)
				writeText(w, http.StatusUnauthorized, "Invalid token.")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// get writes one message to the client and acknowledges it once the body has
// been flushed. If the write fails the message is left unacknowledged so the
// broker redelivers it.
func (h *handlers) get(w http.ResponseWriter, r *http.Request) {
	queue := chi.URLParam(r, "queue")
	slog.Info("GET /get/{queue} called", "queue", queue)

	msg, found, err := h.broker.Get(r.Context(), queue)
	if err != nil {
		slog.Error("Error processing GET /get/{queue}", "queue", queue, "error", err)
		writeProblem(w, http.StatusInternalServerError, getErrorDetail)
		return
	}
	if !found {
		slog.Info("No message in queue, returning 204 No Content", "queue", queue)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	contentType := mimeText
	if strings.Contains(strings.ToLower(r.Header.Get("Accept")), mimeJSON) {
		contentType = mimeJSON
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(msg.Body); err != nil {
		slog.Warn("Failed to send message to client, leaving it unacknowledged",
			"queue", queue, "error", err)
		return
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	if err := h.broker.Ack(msg.Handle); err != nil {
		// Already logged by the broker, the message will be redelivered.
		return
	}
	slog.Info("Message sent to client and acknowledged", "queue", queue)
}

func (h *handlers) add(w http.ResponseWriter, r *http.Request) {
	queue := chi.URLParam(r, "queue")
	slog.Info("POST /add/{queue} called", "queue", queue)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			slog.Warn("Request body too large", "queue", queue, "limit", tooLarge.Limit)
			writeText(w, http.StatusRequestEntityTooLarge, "Request body is too large.")
			return
		}
		slog.Error("Failed to read request body", "queue", queue, "error", err)
		writeProblem(w, http.StatusInternalServerError, publishErrorDetail)
		return
	}
	if len(body) == 0 {
		slog.Warn("Request body is empty", "queue", queue)
		writeText(w, http.StatusBadRequest, "Request body cannot be empty.")
		return
	}

	contentType := r.Header.Get("Content-Type")
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil && mediaType == mimeJSON {
		if !json.Valid(body) {
			slog.Warn("Invalid JSON format in request body", "queue", queue)
			writeText(w, http.StatusBadRequest, "Invalid JSON format in request body.")
			return
		}
	}

	if err := h.broker.Publish(r.Context(), queue, body, contentType); err != nil {
		slog.Error("Failed to publish message", "queue", queue, "error", err)
		writeProblem(w, http.StatusInternalServerError, publishErrorDetail)
		return
	}

	slog.Info("Message successfully published", "queue", queue)
	writeText(w, http.StatusOK, "Message published successfully.")
}
