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

// Package logging installs the process wide log/slog default logger. Two
// back ends are provided: a go.uber.org/zap JSON encoder for log shippers and
// a plain human readable layout for terminals.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

const appName = "rabbitmq-http-api"

// SetLogLevel configures the default slog Logger. Needs to be called very
// early during startup to configure logs emitted during initialization.
// Valid levels are DEBUG, INFO, WARN and ERROR; valid formats are "plain"
// and "json".
func SetLogLevel(logLevel string, format string) {
	logger, err := NewLogger(os.Stderr, logLevel, format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to configure logging: %s\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)
}

// NewLogger returns a Logger writing to w, tagged with the app name.
func NewLogger(w io.Writer, logLevel string, format string) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q, valid levels are DEBUG, INFO, WARN, ERROR", logLevel)
	}

	var h slog.Handler
	switch strings.ToLower(format) {
	case "", "plain", "text":
		h = NewSlogPlainHandler(w, level)
	case "json":
		h = NewSlogZapHandler(w, level)
	default:
		return nil, fmt.Errorf("invalid log format %q, valid formats are plain, json", format)
	}

	return slog.New(h).With(slog.String("app", appName)), nil
}
