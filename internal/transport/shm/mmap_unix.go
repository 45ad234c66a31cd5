//go:build linux && (amd64 || arm64)

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
	"path/filepath"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

func init() {
	unmapMemory = munmapImpl
}

// CreateSegment creates and maps a new pool segment. The caller becomes the
// pool owner; peers open the segment read-write by name.
func CreateSegment(name string, poolSize uint64, slotCount uint32) (*Segment, error) {
	if err := validateSegmentName(name); err != nil {
		return nil, err
	}
	path := generateSegmentPath(name)

	stride, bufCap, err := CalculateSegmentLayout(poolSize, slotCount)
	if err != nil {
		return nil, fmt.Errorf("layout calculation failed: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment file %s: %w", path, err)
	}

	cleanup := func() {
		file.Close()
		os.Remove(path)
	}

	if err := file.Truncate(int64(poolSize)); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to resize segment file: %w", err)
	}

	mem, err := mmapFile(file, int(poolSize))
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to mmap segment: %w", err)
	}

	segment := &Segment{
		File: file,
		Mem:  mem,
		Name: name,
		Path: path,
		H:    &hdrView{basePtr: unsafe.Pointer(&mem[0])},
	}

	var magic [8]byte
	copy(magic[:], SegmentMagic)
	segment.H.SetMagic(magic)
	segment.H.SetVersion(SegmentVersion)
	segment.H.SetPoolSize(poolSize)
	segment.H.SetSlotCount(slotCount)
	segment.H.SetSlotStride(stride)
	segment.H.SetBufferCapacity(bufCap)
	segment.H.SetCreatorPID(uint32(os.Getpid()))

	// A fresh mapping is zeroed, which already reads as epoch 0, state
	// IDLE. The per-slot capacity is still set explicitly so peers can
	// cross-check descriptors against it.
	for i := uint32(0); i < slotCount; i++ {
		slot, err := segment.Slot(i)
		if err != nil {
			segment.Close()
			os.Remove(path)
			return nil, err
		}
		slot.SetBufferCapacity(bufCap)
	}

	return segment, nil
}

// OpenSegment maps an existing pool segment created by a peer process.
func OpenSegment(name string) (*Segment, error) {
	if err := validateSegmentName(name); err != nil {
		return nil, err
	}
	path := generateSegmentPath(name)

	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment file %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat segment file: %w", err)
	}

	size := info.Size()
	if size < SegmentHeaderSize {
		file.Close()
		return nil, fmt.Errorf("segment file too small: %d bytes", size)
	}

	mem, err := mmapFile(file, int(size))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to mmap segment: %w", err)
	}

	hdr := &hdrView{basePtr: unsafe.Pointer(&mem[0])}
	if err := ValidateSegmentHeader(hdr.header()); err != nil {
		munmapImpl(mem)
		file.Close()
		return nil, fmt.Errorf("invalid segment header: %w", err)
	}
	if uint64(size) != hdr.PoolSize() {
		munmapImpl(mem)
		file.Close()
		return nil, fmt.Errorf("segment file size %d does not match header pool size %d", size, hdr.PoolSize())
	}

	return &Segment{
		File: file,
		Mem:  mem,
		Name: name,
		Path: path,
		H:    hdr,
	}, nil
}

// InspectSegment maps an existing pool segment read-only. Only the magic
// and version are checked so a damaged segment can still be looked at.
func InspectSegment(name string) (*Segment, error) {
	if err := validateSegmentName(name); err != nil {
		return nil, err
	}
	path := generateSegmentPath(name)

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment file %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat segment file: %w", err)
	}

	size := info.Size()
	if size < SegmentHeaderSize {
		file.Close()
		return nil, fmt.Errorf("segment file too small: %d bytes", size)
	}

	mem, err := unix.Mmap(int(file.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("mmap failed: %w", err)
	}

	hdr := &hdrView{basePtr: unsafe.Pointer(&mem[0])}
	if !hdr.IsValidPoolSegment() {
		munmapImpl(mem)
		file.Close()
		return nil, fmt.Errorf("%s is not a pool segment", path)
	}
	// Slot views must stay inside the mapping even when the header lies.
	if n := hdr.SlotCount(); n > 0 {
		end := slotOffset(hdr.SlotStride(), n-1) + uint64(hdr.SlotStride())
		if end > uint64(size) {
			munmapImpl(mem)
			file.Close()
			return nil, fmt.Errorf("segment header slot area %d exceeds file size %d", end, size)
		}
	}

	return &Segment{
		File: file,
		Mem:  mem,
		Name: name,
		Path: path,
		H:    hdr,
	}, nil
}

// validateSegmentName rejects names that cannot be carried in a descriptor
// or would escape the segment directory.
func validateSegmentName(name string) error {
	if name == "" {
		return fmt.Errorf("empty segment name")
	}
	if len(name) > MaxSegmentName {
		return fmt.Errorf("segment name exceeds %d bytes", MaxSegmentName)
	}
	if strings.ContainsAny(name, "/\x00") {
		return fmt.Errorf("segment name %q contains invalid characters", name)
	}
	return nil
}

// generateSegmentPath generates the file path for a pool segment
func generateSegmentPath(name string) string {
	if isDevShmAvailable() {
		return filepath.Join("/dev/shm", segmentPrefix+name)
	}
	return filepath.Join(os.TempDir(), segmentPrefix+name)
}

// isDevShmAvailable checks if /dev/shm is available and writable
func isDevShmAvailable() bool {
	info, err := os.Stat("/dev/shm")
	if err != nil {
		return false
	}
	return info.IsDir()
}

// mmapFile memory maps a file
func mmapFile(file *os.File, size int) ([]byte, error) {
	data, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	return data, nil
}

// munmapImpl unmaps a memory-mapped region
func munmapImpl(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("munmap failed: %w", err)
	}
	return nil
}
