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
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// epochMask bounds slot epochs to the bits left beside the state.
const epochMask = 1<<(32-stateBits) - 1

// pollInterval caps one futex wait so context cancellation is noticed
// promptly even without a wake.
const pollInterval = 100 * time.Millisecond

// Pool owns one pool segment and hands out its slots to in-flight calls.
// Allocation and release are O(1); the pool never blocks waiting for a free
// slot.
type Pool struct {
	log          logrus.FieldLogger
	seg          *Segment
	bufCap       uint32
	replyReserve uint32

	mu          sync.Mutex
	free        []uint32
	quarantined []uint32
	epochs      []uint32
	inUse       int
	closed      bool
}

// NewPool creates the backing segment and divides it into slotCount slots.
// A pool whose slots could never hold the reply reserve plus a minimal
// message is a configuration error, not a runtime one.
func NewPool(name string, poolSize uint64, slotCount uint32, replyReserve uint32, log logrus.FieldLogger) (*Pool, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	_, bufCap, err := CalculateSegmentLayout(poolSize, slotCount)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "shm pool: %v", err)
	}
	if uint64(bufCap) < uint64(replyReserve)+MinSlotBuffer {
		return nil, status.Errorf(codes.InvalidArgument,
			"shm pool: slot buffer of %d cannot hold the %d byte reply reserve", bufCap, replyReserve)
	}
	seg, err := CreateSegment(name, poolSize, slotCount)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "shm pool: %v", err)
	}
	p := &Pool{
		log:          log.WithField("component", "shm-pool"),
		seg:          seg,
		bufCap:       seg.H.BufferCapacity(),
		replyReserve: replyReserve,
		free:         make([]uint32, 0, slotCount),
		epochs:       make([]uint32, slotCount),
	}
	for i := slotCount; i > 0; i-- {
		p.free = append(p.free, i-1)
	}
	p.log.WithFields(logrus.Fields{
		"segment":  seg.Name,
		"slots":    slotCount,
		"slot_buf": p.bufCap,
	}).Debug("pool segment created")
	return p, nil
}

// SegmentName returns the name peers use to open this pool.
func (p *Pool) SegmentName() string {
	return p.seg.Name
}

// BufferCapacity returns the per-slot buffer capacity.
func (p *Pool) BufferCapacity() uint32 {
	return p.bufCap
}

// Alloc reserves a slot able to carry metaSize+reqSize bytes of message and
// at least the configured reply reserve. It fails with ResourceExhausted
// when no slot is free and with InvalidArgument when the message can never
// fit a slot.
func (p *Pool) Alloc(metaSize, reqSize int) (*Slot, error) {
	need := uint64(metaSize) + uint64(reqSize) + uint64(p.replyReserve)
	if need > uint64(p.bufCap) {
		return nil, status.Errorf(codes.InvalidArgument,
			"shm pool: message of %d bytes exceeds slot buffer of %d (reply reserve %d)",
			metaSize+reqSize, p.bufCap, p.replyReserve)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, status.Error(codes.FailedPrecondition, "shm pool: closed")
	}
	idx, ok := p.takeLocked()
	if !ok {
		return nil, status.Error(codes.ResourceExhausted, "shm pool: exhausted")
	}

	p.epochs[idx] = (p.epochs[idx] + 1) & epochMask
	view, err := p.seg.Slot(idx)
	if err != nil {
		p.free = append(p.free, idx)
		return nil, status.Errorf(codes.Internal, "shm pool: %v", err)
	}
	p.inUse++
	return &Slot{pool: p, idx: idx, epoch: p.epochs[idx], view: view}, nil
}

// takeLocked pops a free slot, reclaiming quarantined slots first when the
// free list is empty. Caller holds p.mu.
func (p *Pool) takeLocked() (uint32, bool) {
	if n := len(p.free); n > 0 {
		idx := p.free[n-1]
		p.free = p.free[:n-1]
		return idx, true
	}
	kept := p.quarantined[:0]
	for _, idx := range p.quarantined {
		if p.reclaimableLocked(idx) {
			p.free = append(p.free, idx)
		} else {
			kept = append(kept, idx)
		}
	}
	p.quarantined = kept
	if n := len(p.free); n > 0 {
		idx := p.free[n-1]
		p.free = p.free[:n-1]
		return idx, true
	}
	return 0, false
}

// reclaimableLocked reports whether a quarantined slot's callee has reached
// a terminal state, making the slot safe to recycle.
func (p *Pool) reclaimableLocked(idx uint32) bool {
	view, err := p.seg.Slot(idx)
	if err != nil {
		return false
	}
	w := view.Word()
	if WordEpoch(w) != p.epochs[idx] {
		return false
	}
	st := WordState(w)
	return st == StateReplied || st == StateAbend
}

// Release returns a slot to the pool. Slots whose callee may still be
// writing are quarantined instead of recycled and reclaimed once the callee
// reaches a terminal state.
func (p *Pool) Release(s *Slot) {
	if s == nil || s.released {
		return
	}
	s.released = true
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inUse--
	if s.detached {
		p.quarantined = append(p.quarantined, s.idx)
		p.log.WithFields(logrus.Fields{
			"slot":  s.idx,
			"state": StateName(WordState(s.view.Word())),
		}).Warn("slot quarantined until callee finishes")
		return
	}
	p.free = append(p.free, s.idx)
}

// Stats reports the pool occupancy.
func (p *Pool) Stats() (free, inUse, quarantined int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free), p.inUse, len(p.quarantined)
}

// Close marks the pool closed, removes the segment file and unmaps it. The
// caller must have drained in-flight calls first.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	inUse := p.inUse
	p.mu.Unlock()

	if inUse > 0 {
		p.log.WithField("in_use", inUse).Warn("closing pool with slots in use")
	}
	// Peers that still have the segment mapped can see it is retired.
	p.seg.H.SetClosed(true)
	err := os.Remove(p.seg.Path)
	if cerr := p.seg.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Slot is one allocated pool slot, owned by a single call from Alloc to
// Release.
type Slot struct {
	pool     *Pool
	idx      uint32
	epoch    uint32
	view     *slotView
	detached bool
	released bool
}

// Index returns the slot's position in the pool.
func (s *Slot) Index() uint32 {
	return s.idx
}

// stage copies the metadata and request into the slot buffer and records
// their sizes. Alloc has already sized the slot for them.
func (s *Slot) stage(meta, req []byte) {
	buf := s.view.Buffer()
	copy(buf, meta)
	copy(buf[len(meta):], req)
	s.view.SetMetaSize(uint32(len(meta)))
	s.view.SetRequestSize(uint32(len(req)))
	s.view.SetReplySize(0)
	s.view.SetAbendCode(0)
}

// publish moves the slot to REQUESTING, making it claimable by the callee
// named in the descriptor.
func (s *Slot) publish() {
	s.view.SetWord(packWord(s.epoch, StateRequesting))
}

// descriptor builds the datagram payload announcing this slot.
func (s *Slot) descriptor() *callDescriptor {
	return &callDescriptor{
		SegmentName: s.pool.seg.Name,
		SlotIndex:   s.idx,
		Epoch:       s.epoch,
		MetaSize:    s.view.MetaSize(),
		ReqSize:     s.view.RequestSize(),
		BufCap:      s.pool.bufCap,
	}
}

// awaitReply blocks until the callee delivers a reply or abend, the
// context is done, or timeout elapses. The reply is copied out of the
// slot, so the caller may release the slot immediately after.
func (s *Slot) awaitReply(ctx context.Context, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	for {
		w := s.view.Word()
		if WordEpoch(w) == s.epoch {
			switch WordState(w) {
			case StateReplied:
				return s.takeReply()
			case StateAbend:
				return nil, s.abendError()
			}
		}
		if err := ctx.Err(); err != nil {
			return s.abort(status.FromContextError(err).Err())
		}
		now := time.Now()
		if !now.Before(deadline) {
			return s.abort(status.Errorf(codes.DeadlineExceeded, "no reply within %v", timeout))
		}
		wait := deadline.Sub(now)
		if wait > pollInterval {
			wait = pollInterval
		}
		if err := futexWaitTimeout(s.view.wordPtr(), w, int64(wait)); err != nil && err != ErrFutexTimeout {
			return s.abort(status.Errorf(codes.Internal, "futex wait: %v", err))
		}
	}
}

// abort ends the wait with cause. When the callee has not claimed the slot
// the cancel transition makes it immediately reusable. A claimed slot is
// checked once more, since a reply may have landed while the deadline was
// being handled, and is otherwise marked detached so Release quarantines
// it.
func (s *Slot) abort(cause error) ([]byte, error) {
	if s.view.CompareAndSwapWord(packWord(s.epoch, StateRequesting), packWord(s.epoch, StateCanceled)) {
		return nil, cause
	}
	w := s.view.Word()
	if WordEpoch(w) == s.epoch {
		switch WordState(w) {
		case StateReplied:
			return s.takeReply()
		case StateAbend:
			return nil, s.abendError()
		}
	}
	s.detached = true
	return nil, cause
}

// replyOverflowError reports a reply larger than the slot buffer. It keeps
// its own type so callers can tell the remote's fault apart from local
// pool exhaustion while carrying the same status code.
type replyOverflowError struct {
	size, bufCap uint32
}

func (e *replyOverflowError) Error() string {
	return fmt.Sprintf("reply of %d bytes exceeds slot buffer of %d", e.size, e.bufCap)
}

func (e *replyOverflowError) GRPCStatus() *status.Status {
	return status.New(codes.ResourceExhausted, e.Error())
}

// takeReply copies the reply out of the slot buffer.
func (s *Slot) takeReply() ([]byte, error) {
	n := s.view.ReplySize()
	if n > s.pool.bufCap {
		return nil, &replyOverflowError{size: n, bufCap: s.pool.bufCap}
	}
	out := make([]byte, n)
	copy(out, s.view.Buffer()[:n])
	return out, nil
}

// remoteAbendError carries the status code recorded by the callee when it
// abandons a call instead of replying.
type remoteAbendError struct {
	code codes.Code
}

func (e *remoteAbendError) Error() string {
	return fmt.Sprintf("remote abend: %v", e.code)
}

func (e *remoteAbendError) GRPCStatus() *status.Status {
	return status.New(e.code, e.Error())
}

// abendError converts the recorded abend code into a status error.
func (s *Slot) abendError() error {
	code := codes.Code(s.view.AbendCode())
	if code == codes.OK {
		code = codes.Unknown
	}
	return &remoteAbendError{code: code}
}
