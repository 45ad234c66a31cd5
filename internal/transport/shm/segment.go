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
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"
)

// Platform-specific functions (implemented in platform-specific files)
var (
	// unmapMemory unmaps a memory-mapped region
	unmapMemory func([]byte) error
)

// Packed slot word. The futex word of every slot carries the slot state in
// the low bits and the allocation epoch in the remaining bits, so a single
// compare-and-swap covers both: a claim or cancel for epoch E can never hit
// a slot that was freed and reallocated as epoch E+1.
const (
	stateBits = 3
	stateMask = (1 << stateBits) - 1
)

// packWord combines an epoch and a state into one slot word.
func packWord(epoch, state uint32) uint32 {
	return epoch<<stateBits | state
}

// WordState extracts the state from a slot word.
func WordState(w uint32) uint32 {
	return w & stateMask
}

// WordEpoch extracts the allocation epoch from a slot word.
func WordEpoch(w uint32) uint32 {
	return w >> stateBits
}

// SegmentHeader is the pool segment header. Layout is fixed at 128 bytes.
type SegmentHeader struct {
	magic      [8]byte  // 0x00: "CELIXSHM"
	version    uint32   // 0x08: layout version
	flags      uint32   // 0x0C: reserved flags
	poolSize   uint64   // 0x10: total segment size in bytes
	slotCount  uint32   // 0x18: number of slots
	slotStride uint32   // 0x1C: distance between slot control blocks
	bufCap     uint32   // 0x20: per-slot buffer capacity
	creatorPID uint32   // 0x24: pool owner process id
	closed     uint32   // 0x28: closed flag (0 open, 1 closed)
	pad        uint32   // 0x2C: padding
	reserved   [80]byte // 0x30-0x7F: reserved/padding to 128B
}

// Magic returns the magic bytes
func (h *SegmentHeader) Magic() [8]byte {
	return h.magic
}

// SetMagic sets the magic bytes
func (h *SegmentHeader) SetMagic(magic [8]byte) {
	h.magic = magic
}

// Version returns the layout version
func (h *SegmentHeader) Version() uint32 {
	return atomic.LoadUint32(&h.version)
}

// SetVersion sets the layout version
func (h *SegmentHeader) SetVersion(version uint32) {
	atomic.StoreUint32(&h.version, version)
}

// PoolSize returns the total segment size
func (h *SegmentHeader) PoolSize() uint64 {
	return atomic.LoadUint64(&h.poolSize)
}

// SetPoolSize sets the total segment size
func (h *SegmentHeader) SetPoolSize(size uint64) {
	atomic.StoreUint64(&h.poolSize, size)
}

// SlotCount returns the number of slots
func (h *SegmentHeader) SlotCount() uint32 {
	return atomic.LoadUint32(&h.slotCount)
}

// SetSlotCount sets the number of slots
func (h *SegmentHeader) SetSlotCount(n uint32) {
	atomic.StoreUint32(&h.slotCount, n)
}

// SlotStride returns the distance between slot control blocks
func (h *SegmentHeader) SlotStride() uint32 {
	return atomic.LoadUint32(&h.slotStride)
}

// SetSlotStride sets the distance between slot control blocks
func (h *SegmentHeader) SetSlotStride(stride uint32) {
	atomic.StoreUint32(&h.slotStride, stride)
}

// BufferCapacity returns the per-slot buffer capacity
func (h *SegmentHeader) BufferCapacity() uint32 {
	return atomic.LoadUint32(&h.bufCap)
}

// SetBufferCapacity sets the per-slot buffer capacity
func (h *SegmentHeader) SetBufferCapacity(c uint32) {
	atomic.StoreUint32(&h.bufCap, c)
}

// CreatorPID returns the pool owner process id
func (h *SegmentHeader) CreatorPID() uint32 {
	return atomic.LoadUint32(&h.creatorPID)
}

// SetCreatorPID sets the pool owner process id
func (h *SegmentHeader) SetCreatorPID(pid uint32) {
	atomic.StoreUint32(&h.creatorPID, pid)
}

// Closed returns the closed flag
func (h *SegmentHeader) Closed() bool {
	return atomic.LoadUint32(&h.closed) != 0
}

// SetClosed sets the closed flag
func (h *SegmentHeader) SetClosed(closed bool) {
	var val uint32
	if closed {
		val = 1
	}
	atomic.StoreUint32(&h.closed, val)
}

// SlotControl is the per-slot control block. Layout is fixed at 64 bytes.
// The word field is the slot's futex word.
type SlotControl struct {
	word      uint32   // 0x00: packed epoch and state, futex word
	metaSize  uint32   // 0x04: metadata bytes at buffer start
	reqSize   uint32   // 0x08: request bytes after the metadata
	bufCap    uint32   // 0x0C: buffer capacity
	replySize uint32   // 0x10: actual reply size, may exceed bufCap
	abendCode uint32   // 0x14: status code on ABEND
	reserved  [40]byte // 0x18-0x3F: reserved/padding to 64B
}

// Word returns the packed slot word
func (c *SlotControl) Word() uint32 {
	return atomic.LoadUint32(&c.word)
}

// SetWord sets the packed slot word
func (c *SlotControl) SetWord(w uint32) {
	atomic.StoreUint32(&c.word, w)
}

// CompareAndSwapWord atomically replaces the slot word
func (c *SlotControl) CompareAndSwapWord(old, new uint32) bool {
	return atomic.CompareAndSwapUint32(&c.word, old, new)
}

// MetaSize returns the metadata size
func (c *SlotControl) MetaSize() uint32 {
	return atomic.LoadUint32(&c.metaSize)
}

// SetMetaSize sets the metadata size
func (c *SlotControl) SetMetaSize(n uint32) {
	atomic.StoreUint32(&c.metaSize, n)
}

// RequestSize returns the request size
func (c *SlotControl) RequestSize() uint32 {
	return atomic.LoadUint32(&c.reqSize)
}

// SetRequestSize sets the request size
func (c *SlotControl) SetRequestSize(n uint32) {
	atomic.StoreUint32(&c.reqSize, n)
}

// BufferCapacity returns the buffer capacity
func (c *SlotControl) BufferCapacity() uint32 {
	return atomic.LoadUint32(&c.bufCap)
}

// SetBufferCapacity sets the buffer capacity
func (c *SlotControl) SetBufferCapacity(n uint32) {
	atomic.StoreUint32(&c.bufCap, n)
}

// ReplySize returns the actual reply size
func (c *SlotControl) ReplySize() uint32 {
	return atomic.LoadUint32(&c.replySize)
}

// SetReplySize sets the actual reply size
func (c *SlotControl) SetReplySize(n uint32) {
	atomic.StoreUint32(&c.replySize, n)
}

// AbendCode returns the status code recorded on ABEND
func (c *SlotControl) AbendCode() uint32 {
	return atomic.LoadUint32(&c.abendCode)
}

// SetAbendCode sets the status code recorded on ABEND
func (c *SlotControl) SetAbendCode(code uint32) {
	atomic.StoreUint32(&c.abendCode, code)
}

// hdrView provides typed access to the segment header via pointer arithmetic
type hdrView struct {
	basePtr unsafe.Pointer // Base pointer to the memory region
}

// header returns a pointer to the SegmentHeader
func (h *hdrView) header() *SegmentHeader {
	return (*SegmentHeader)(h.basePtr)
}

// Magic returns the magic bytes
func (h *hdrView) Magic() [8]byte { return h.header().Magic() }

// SetMagic sets the magic bytes
func (h *hdrView) SetMagic(magic [8]byte) { h.header().SetMagic(magic) }

// Version returns the layout version
func (h *hdrView) Version() uint32 { return h.header().Version() }

// SetVersion sets the layout version
func (h *hdrView) SetVersion(v uint32) { h.header().SetVersion(v) }

// PoolSize returns the total segment size
func (h *hdrView) PoolSize() uint64 { return h.header().PoolSize() }

// SetPoolSize sets the total segment size
func (h *hdrView) SetPoolSize(s uint64) { h.header().SetPoolSize(s) }

// SlotCount returns the number of slots
func (h *hdrView) SlotCount() uint32 { return h.header().SlotCount() }

// SetSlotCount sets the number of slots
func (h *hdrView) SetSlotCount(n uint32) { h.header().SetSlotCount(n) }

// SlotStride returns the distance between slot control blocks
func (h *hdrView) SlotStride() uint32 { return h.header().SlotStride() }

// SetSlotStride sets the distance between slot control blocks
func (h *hdrView) SetSlotStride(s uint32) { h.header().SetSlotStride(s) }

// BufferCapacity returns the per-slot buffer capacity
func (h *hdrView) BufferCapacity() uint32 { return h.header().BufferCapacity() }

// SetBufferCapacity sets the per-slot buffer capacity
func (h *hdrView) SetBufferCapacity(c uint32) { h.header().SetBufferCapacity(c) }

// CreatorPID returns the pool owner process id
func (h *hdrView) CreatorPID() uint32 { return h.header().CreatorPID() }

// SetCreatorPID sets the pool owner process id
func (h *hdrView) SetCreatorPID(pid uint32) { h.header().SetCreatorPID(pid) }

// Closed returns the closed flag
func (h *hdrView) Closed() bool { return h.header().Closed() }

// SetClosed sets the closed flag
func (h *hdrView) SetClosed(c bool) { h.header().SetClosed(c) }

// IsValidPoolSegment checks magic and version without a full layout check
func (h *hdrView) IsValidPoolSegment() bool {
	magic := h.header().Magic()
	return string(magic[:]) == SegmentMagic && h.header().Version() == SegmentVersion
}

// slotView provides typed access to one slot's control block and buffer.
// Views are constructed once per slot and never recompute offsets.
type slotView struct {
	basePtr unsafe.Pointer // Base pointer to the memory region
	offset  uint64         // Offset to the slot control block
	bufCap  uint32         // Buffer capacity
}

// control returns a pointer to the SlotControl
func (s *slotView) control() *SlotControl {
	return (*SlotControl)(unsafe.Pointer(uintptr(s.basePtr) + uintptr(s.offset)))
}

// wordPtr returns the address of the slot's futex word
func (s *slotView) wordPtr() *uint32 {
	return &s.control().word
}

// Buffer returns the slot's buffer as a byte slice
func (s *slotView) Buffer() []byte {
	p := (*byte)(unsafe.Pointer(uintptr(s.basePtr) + uintptr(s.offset) + SlotControlSize))
	return unsafe.Slice(p, int(s.bufCap))
}

// Word returns the packed slot word
func (s *slotView) Word() uint32 { return s.control().Word() }

// SetWord sets the packed slot word
func (s *slotView) SetWord(w uint32) { s.control().SetWord(w) }

// CompareAndSwapWord atomically replaces the slot word
func (s *slotView) CompareAndSwapWord(old, new uint32) bool {
	return s.control().CompareAndSwapWord(old, new)
}

// MetaSize returns the metadata size
func (s *slotView) MetaSize() uint32 { return s.control().MetaSize() }

// SetMetaSize sets the metadata size
func (s *slotView) SetMetaSize(n uint32) { s.control().SetMetaSize(n) }

// RequestSize returns the request size
func (s *slotView) RequestSize() uint32 { return s.control().RequestSize() }

// SetRequestSize sets the request size
func (s *slotView) SetRequestSize(n uint32) { s.control().SetRequestSize(n) }

// BufferCapacity returns the buffer capacity
func (s *slotView) BufferCapacity() uint32 { return s.control().BufferCapacity() }

// SetBufferCapacity sets the buffer capacity
func (s *slotView) SetBufferCapacity(n uint32) { s.control().SetBufferCapacity(n) }

// ReplySize returns the actual reply size
func (s *slotView) ReplySize() uint32 { return s.control().ReplySize() }

// SetReplySize sets the actual reply size
func (s *slotView) SetReplySize(n uint32) { s.control().SetReplySize(n) }

// AbendCode returns the status code recorded on ABEND
func (s *slotView) AbendCode() uint32 { return s.control().AbendCode() }

// SetAbendCode sets the status code recorded on ABEND
func (s *slotView) SetAbendCode(code uint32) { s.control().SetAbendCode(code) }

// Layout calculation and validation helpers

// CalculateSegmentLayout derives the slot stride and per-slot buffer
// capacity for a pool of poolSize bytes divided into slotCount slots. The
// stride is aligned down to 64 bytes so every control block stays aligned.
func CalculateSegmentLayout(poolSize uint64, slotCount uint32) (slotStride, bufCap uint32, err error) {
	if poolSize <= MinPoolSize {
		return 0, 0, fmt.Errorf("pool size %d not greater than minimum %d", poolSize, MinPoolSize)
	}
	if slotCount == 0 {
		return 0, 0, fmt.Errorf("slot count must be positive")
	}
	usable := poolSize - SegmentHeaderSize
	stride := (usable / uint64(slotCount)) &^ 63
	if stride < SlotControlSize+MinSlotBuffer {
		return 0, 0, fmt.Errorf("pool size %d too small for %d slots", poolSize, slotCount)
	}
	if stride > 1<<32-1 {
		return 0, 0, fmt.Errorf("slot stride overflows for pool size %d", poolSize)
	}
	return uint32(stride), uint32(stride) - SlotControlSize, nil
}

// slotOffset returns the control block offset of slot i.
func slotOffset(stride uint32, i uint32) uint64 {
	return SegmentHeaderSize + uint64(stride)*uint64(i)
}

// ValidateSegmentHeader validates a segment header for consistency
func ValidateSegmentHeader(h *SegmentHeader) error {
	var want [8]byte
	copy(want[:], SegmentMagic)
	if h.Magic() != want {
		return fmt.Errorf("invalid magic bytes")
	}
	if h.Version() != SegmentVersion {
		return fmt.Errorf("unsupported version %d, expected %d", h.Version(), SegmentVersion)
	}

	stride, bufCap, err := CalculateSegmentLayout(h.PoolSize(), h.SlotCount())
	if err != nil {
		return fmt.Errorf("layout calculation failed: %w", err)
	}
	if h.SlotStride() != stride {
		return fmt.Errorf("slot stride mismatch: got %d, expected %d", h.SlotStride(), stride)
	}
	if h.BufferCapacity() != bufCap {
		return fmt.Errorf("buffer capacity mismatch: got %d, expected %d", h.BufferCapacity(), bufCap)
	}
	if end := slotOffset(stride, h.SlotCount()-1) + uint64(stride); end > h.PoolSize() {
		return fmt.Errorf("slot area %d exceeds pool size %d", end, h.PoolSize())
	}
	return nil
}

// Segment represents a mapped pool segment
type Segment struct {
	File *os.File // File descriptor for the shared memory file
	Mem  []byte   // Memory-mapped region
	H    *hdrView // Typed view of the segment header
	Name string   // Segment name, as carried in call descriptors
	Path string   // File path
}

// Slot returns a typed view of slot i.
func (s *Segment) Slot(i uint32) (*slotView, error) {
	if i >= s.H.SlotCount() {
		return nil, fmt.Errorf("slot index %d out of range (%d slots)", i, s.H.SlotCount())
	}
	return &slotView{
		basePtr: unsafe.Pointer(&s.Mem[0]),
		offset:  slotOffset(s.H.SlotStride(), i),
		bufCap:  s.H.BufferCapacity(),
	}, nil
}

// Close unmaps the memory and closes the file
func (s *Segment) Close() error {
	var firstErr error

	if s.Mem != nil {
		if err := unmapMemory(s.Mem); err != nil && firstErr == nil {
			firstErr = err
		}
		s.Mem = nil
	}

	if s.File != nil {
		if err := s.File.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.File = nil
	}

	return firstErr
}

// Utility functions

// RemoveSegment removes a pool segment file
func RemoveSegment(name string) error {
	paths := []string{
		"/dev/shm/" + segmentPrefix + name,
		os.TempDir() + "/" + segmentPrefix + name,
	}

	var lastErr error
	for _, path := range paths {
		if err := os.Remove(path); err == nil {
			return nil
		} else if !os.IsNotExist(err) {
			lastErr = err
		}
	}

	if lastErr != nil {
		return lastErr
	}
	return os.ErrNotExist
}

// SegmentExists checks if a pool segment exists
func SegmentExists(name string) bool {
	paths := []string{
		"/dev/shm/" + segmentPrefix + name,
		os.TempDir() + "/" + segmentPrefix + name,
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return true
		}
	}
	return false
}
