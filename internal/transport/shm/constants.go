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

// Package shm implements a shared memory transport for remote service
// calls between processes on one host. The calling process owns a fixed
// size memory pool divided into slots; one call stages its request in a
// slot, announces the slot to the provider over a datagram socket and
// blocks on a futex until the provider writes the reply into the same
// slot.
package shm

import "time"

// Tunables and their defaults. All of them are per transport instance and
// overridable through Config.
const (
	// DefaultPoolSize is the size of the shared memory pool in bytes.
	DefaultPoolSize = 1024 * 256

	// MinPoolSize is the smallest accepted pool. Smaller pools cannot hold
	// the default concurrency worth of slots with usable buffers.
	MinPoolSize = 6536

	// DefaultMsgTimeout bounds the wait for one call's reply.
	DefaultMsgTimeout = 30 * time.Second

	// DefaultMaxConcurrent is the admission limit per destination and the
	// slot count of the pool.
	DefaultMaxConcurrent = 32

	// DefaultMaxFailures is the consecutive failure count that opens the
	// per-destination circuit breaker.
	DefaultMaxFailures = 15

	// DefaultBreakerCooldown is how long an open breaker rejects calls
	// before letting a probe through.
	DefaultBreakerCooldown = 60 * time.Second

	// DefaultReplyReserve is the buffer headroom kept for the reply when a
	// slot is allocated for a request.
	DefaultReplyReserve = 512
)

// Shared memory layout constants.
const (
	// SegmentMagic identifies pool segments.
	SegmentMagic = "CELIXSHM"

	// SegmentVersion is the current layout version.
	SegmentVersion = uint32(1)

	// SegmentHeaderSize is the pool header size (128-byte aligned).
	SegmentHeaderSize = 128

	// SlotControlSize is the per-slot control block size (64-byte aligned).
	SlotControlSize = 64

	// MinSlotBuffer is the smallest usable slot buffer.
	MinSlotBuffer = 64

	// MaxSegmentName bounds segment names carried in call descriptors.
	MaxSegmentName = 255
)

// segmentPrefix namespaces the pool files under /dev/shm.
const segmentPrefix = "celix_shm_"

// Slot states, kept in the low bits of the packed slot word. The zero
// state doubles as the state of freshly mapped memory.
const (
	StateIdle       = 0
	StateRequesting = 1
	StateReplying   = 2
	StateReplied    = 3
	StateAbend      = 4
	StateCanceled   = 5
)

// StateName returns a short name for logging.
func StateName(s uint32) string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRequesting:
		return "REQUESTING"
	case StateReplying:
		return "REPLYING"
	case StateReplied:
		return "REPLIED"
	case StateAbend:
		return "ABEND"
	case StateCanceled:
		return "CANCELED"
	default:
		return "UNKNOWN"
	}
}
