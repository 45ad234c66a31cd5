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

// gate enforces the per-destination admission limit. Acquisition never
// queues: a full gate rejects immediately, trading throughput for bounded
// call latency.
type gate struct {
	tokens chan struct{}
}

func newGate(limit int) *gate {
	return &gate{tokens: make(chan struct{}, limit)}
}

// tryAcquire takes a token, reporting false when the limit is reached.
func (g *gate) tryAcquire() bool {
	select {
	case g.tokens <- struct{}{}:
		return true
	default:
		return false
	}
}

// release returns a token.
func (g *gate) release() {
	<-g.tokens
}

// inFlight returns the number of admitted calls.
func (g *gate) inFlight() int {
	return len(g.tokens)
}
