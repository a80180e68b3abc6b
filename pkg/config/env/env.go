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

package env

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Getenv retrieves the value of the environment variable named by the key.
// It returns the value, or fallback if the variable is not present.
// Note we use os.LookupEnv not os.Getenv so that a variable explicitly set
// to the empty string is distinguished from an unset one.
func Getenv(key string, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// GetenvInt retrieves the value of the environment variable named by the key
// as an int. Float values are truncated, so "10.5" yields 10. It returns
// fallback if the variable is not present or does not parse as a number.
func GetenvInt(key string, fallback int) int {
	if stringValue, ok := os.LookupEnv(key); ok {
		if value, err := strconv.ParseFloat(strings.TrimSpace(stringValue), 64); err == nil {
			return int(value)
		}
		return fallback
	}
	return fallback
}

// GetenvSeconds retrieves a whole or fractional number of seconds, e.g.
// AMQP_RECOVERY_INTERVAL=2.5, and returns it as a time.Duration. Negative or
// unparseable values return fallback.
func GetenvSeconds(key string, fallback time.Duration) time.Duration {
	if stringValue, ok := os.LookupEnv(key); ok {
		value, err := strconv.ParseFloat(strings.TrimSpace(stringValue), 64)
		if err != nil || value < 0 {
			return fallback
		}
		return time.Duration(value * float64(time.Second))
	}
	return fallback
}
