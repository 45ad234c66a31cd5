/*
 * Licensed to the Apache Software Foundation (ASF) under one
 * or more contributor license agreements.  See the NOTICE file
 * distributed with this work for additional information
 * regarding copyright ownership.  The ASF licenses this file
 * to you under the Apache License, Version 2.0 (the
 * "License"); you may not use this file except in compliance
 * with the License.  You may obtain a copy of the License at
 *
 *   http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

package shm

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Breaker is a per-destination circuit breaker. Consecutive failures up to
// a threshold open it for a cooldown window during which calls fail fast;
// after the window one probe call is let through, whose outcome closes or
// re-opens the breaker.
type Breaker struct {
	clk         clock.Clock
	maxFailures int
	cooldown    time.Duration

	mu        sync.Mutex
	failures  int
	openUntil time.Time
	probing   bool
}

// NewBreaker creates a closed breaker. A nil clk uses the wall clock.
func NewBreaker(maxFailures int, cooldown time.Duration, clk clock.Clock) *Breaker {
	if clk == nil {
		clk = clock.New()
	}
	return &Breaker{clk: clk, maxFailures: maxFailures, cooldown: cooldown}
}

// Allow reports whether a call may proceed. The returned error is an
// Unavailable status while the breaker is open or a half-open probe is
// already in flight.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures < b.maxFailures {
		return nil
	}
	now := b.clk.Now()
	if now.Before(b.openUntil) {
		return status.Errorf(codes.Unavailable, "destination breaker open for another %v",
			b.openUntil.Sub(now).Round(time.Millisecond))
	}
	if b.probing {
		return status.Error(codes.Unavailable, "destination breaker half-open, probe in flight")
	}
	b.probing = true
	return nil
}

// Record feeds one allowed call's outcome back. Success closes the breaker
// and resets the failure count; failure counts towards the threshold, and a
// failed probe restarts the cooldown.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		b.failures = 0
		b.probing = false
		return
	}
	if b.probing {
		b.probing = false
		b.openUntil = b.clk.Now().Add(b.cooldown)
		return
	}
	b.failures++
	if b.failures >= b.maxFailures {
		b.openUntil = b.clk.Now().Add(b.cooldown)
	}
}

// State names the breaker state for metrics and diagnostics.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures < b.maxFailures {
		return "closed"
	}
	if b.clk.Now().Before(b.openUntil) {
		return "open"
	}
	return "half-open"
}
