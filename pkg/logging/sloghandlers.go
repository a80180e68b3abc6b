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

// Custom slog Handlers https://pkg.go.dev/log/slog#Handler providing a zap
// back end for structured logging and a plain layout for human readable logs.

package logging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// RFC3339 with millisecond precision. https://pkg.go.dev/time#pkg-constants
	// only has RFC3339 & RFC3339Nano.
	RFC3339Milli = "2006-01-02T15:04:05.999Z07:00"
)

// Initialisation for go.uber.org/zap Logger to provide structured logging
// via a custom slog Handler. We use a custom Handler rather than
// go.uber.org/zap/exp/zapslog because that doesn't "pass through" things
// like caller information.
func newZapLogger(w io.Writer, level zapcore.Level) *zap.Logger {
	encoderCfg := zapcore.EncoderConfig{
		TimeKey:        "@timestamp",
		LevelKey:       "level",
		NameKey:        "logger_name",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderCfg),
		zapcore.AddSync(w),
		level,
	)

	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(4))
}

// Helper to convert slog.Level to zapcore.Level
func slogToZapLevel(l slog.Level) zapcore.Level {
	switch {
	case l <= slog.LevelDebug:
		return zap.DebugLevel
	case l <= slog.LevelInfo:
		return zap.InfoLevel
	case l <= slog.LevelWarn:
		return zap.WarnLevel
	default:
		return zap.ErrorLevel
	}
}

// qualify prefixes key with the dotted group path, if any.
func qualify(group, key string) string {
	if group == "" {
		return key
	}
	return group + "." + key
}

//-----------------------------------------------------------------------------

// SlogZapHandler is a slog.Handler with a go.uber.org/zap back end.
type SlogZapHandler struct {
	Logger *zap.Logger
	level  slog.Level
	group  string
	fields []zap.Field // Pre-converted attrs added by WithAttrs
}

func NewSlogZapHandler(w io.Writer, l slog.Level) *SlogZapHandler {
	return &SlogZapHandler{Logger: newZapLogger(w, slogToZapLevel(l)), level: l}
}

func (h *SlogZapHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level
}

func (h *SlogZapHandler) field(a slog.Attr) zap.Field {
	v := a.Value.Resolve()
	key := qualify(h.group, a.Key)
	if err, ok := v.Any().(error); ok {
		return zap.NamedError(key, err)
	}
	return zap.Any(key, v.Any())
}

// Handle satisfies slog.Handler
// https://pkg.go.dev/log/slog#Handler
// https://pkg.go.dev/log/slog#Record
func (h *SlogZapHandler) Handle(_ context.Context, r slog.Record) error {
	fields := make([]zap.Field, 0, len(h.fields)+r.NumAttrs())
	fields = append(fields, h.fields...)
	r.Attrs(func(a slog.Attr) bool {
		fields = append(fields, h.field(a))
		return true
	})

	if ce := h.Logger.Check(slogToZapLevel(r.Level), r.Message); ce != nil {
		ce.Write(fields...)
	}
	return nil
}

// WithAttrs returns a new handler whose fields slice is independent of h.
func (h *SlogZapHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h2 := *h
	h2.fields = append([]zap.Field{}, h.fields...)
	for _, a := range attrs {
		h2.fields = append(h2.fields, h.field(a))
	}
	return &h2
}

func (h *SlogZapHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := *h
	h2.group = qualify(h.group, name)
	return &h2
}

//-----------------------------------------------------------------------------

// SlogPlainHandler is a slog.Handler rendering a human readable layout:
//
//	2025-01-02T15:04:05.123Z [INFO] (app) message key=value
type SlogPlainHandler struct {
	w     io.Writer
	mu    *sync.Mutex // Shared by derived handlers so lines never interleave
	level slog.Level
	group string
	attrs []slog.Attr
}

func NewSlogPlainHandler(w io.Writer, l slog.Level) *SlogPlainHandler {
	return &SlogPlainHandler{w: w, mu: &sync.Mutex{}, level: l}
}

func (h *SlogPlainHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level
}

func (h *SlogPlainHandler) Handle(_ context.Context, r slog.Record) error {
	b := &bytes.Buffer{}

	fmt.Fprint(b, r.Time.Format(RFC3339Milli))
	fmt.Fprintf(b, " [%s] ", strings.ToUpper(r.Level.String()))

	// Inherited logger attrs first (added by WithAttrs)
	for _, a := range h.attrs {
		if a.Key == "app" {
			fmt.Fprintf(b, "(%s) ", a.Value.String())
		} else {
			fmt.Fprintf(b, "%s=%v ", a.Key, a.Value.Resolve().Any())
		}
	}

	b.WriteString(r.Message)

	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(b, " %s=%v", qualify(h.group, a.Key), a.Value.Resolve().Any())
		return true
	})

	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(b.Bytes())
	return err
}

func (h *SlogPlainHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h2 := *h
	h2.attrs = append([]slog.Attr{}, h.attrs...)
	for _, a := range attrs {
		if a.Key != "app" {
			a.Key = qualify(h.group, a.Key)
		}
		h2.attrs = append(h2.attrs, a)
	}
	return &h2
}

func (h *SlogPlainHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := *h
	h2.group = qualify(h.group, name)
	return &h2
}
