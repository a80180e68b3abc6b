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

package process

import (
	"log/slog"
	"os"
	"os/signal"

	// According to https://pkg.go.dev/syscall the syscall package is deprecated
	// and callers should use the corresponding package in the golang.org/x/sys
	// repository instead. See https://golang.org/s/go1.4-syscall for more info.
	syscall "golang.org/x/sys/unix"
)

// SignalHandler blocks the main goroutine until the process is asked to
// terminate, either by a signal or by a fatal error from a component.
type SignalHandler struct {
	sigchan chan os.Signal // Signal notification channel.
}

func NewSignalHandler() *SignalHandler {
	sh := &SignalHandler{
		// The os/signal package uses non-blocking channel sends when
		// delivering signals, so the channel must be buffered.
		sigchan: make(chan os.Signal, 8),
	}
	// Relay incoming signals to the sh.sigchan channel.
	signal.Notify(sh.sigchan, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	return sh
}

// HandleSignals returns nil when a termination signal arrives, or the first
// error received on fatal. A nil fatal chan is never ready.
func (sh *SignalHandler) HandleSignals(fatal <-chan error) error {
	defer signal.Stop(sh.sigchan)

	select {
	case s := <-sh.sigchan: // Blocks
		slog.Info("Received " + s.String() + " signal shutting down")
		return nil
	case err := <-fatal:
		slog.Error("Fatal error shutting down", "error", err)
		return err
	}
}
