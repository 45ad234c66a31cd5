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
	"encoding/binary"
	"fmt"

	"github.com/QPC-github/celix/endpoint"
)

// Call descriptor wire format (little endian). One descriptor datagram
// announces one staged slot to the destination process:
//
//	0x00: magic     uint32
//	0x04: version   uint16
//	0x06: nameLen   uint16
//	0x08: slotIndex uint32
//	0x0C: epoch     uint32
//	0x10: metaSize  uint32
//	0x14: reqSize   uint32
//	0x18: bufCap    uint32
//	0x1C: segment name (nameLen bytes)
const (
	descriptorMagic      = uint32(0x4D485343) // "CSHM"
	descriptorVersion    = uint16(1)
	descriptorHeaderSize = 28

	// MaxDescriptorSize bounds a descriptor datagram.
	MaxDescriptorSize = descriptorHeaderSize + MaxSegmentName
)

// callDescriptor addresses one staged slot in a peer's pool segment.
type callDescriptor struct {
	SegmentName string
	SlotIndex   uint32
	Epoch       uint32
	MetaSize    uint32
	ReqSize     uint32
	BufCap      uint32
}

// marshalDescriptor encodes d into a datagram payload.
func marshalDescriptor(d *callDescriptor) ([]byte, error) {
	if len(d.SegmentName) == 0 || len(d.SegmentName) > MaxSegmentName {
		return nil, fmt.Errorf("invalid segment name length %d", len(d.SegmentName))
	}
	buf := make([]byte, descriptorHeaderSize+len(d.SegmentName))
	binary.LittleEndian.PutUint32(buf[0:4], descriptorMagic)
	binary.LittleEndian.PutUint16(buf[4:6], descriptorVersion)
	binary.LittleEndian.PutUint16(buf[6:8], uint16(len(d.SegmentName)))
	binary.LittleEndian.PutUint32(buf[8:12], d.SlotIndex)
	binary.LittleEndian.PutUint32(buf[12:16], d.Epoch)
	binary.LittleEndian.PutUint32(buf[16:20], d.MetaSize)
	binary.LittleEndian.PutUint32(buf[20:24], d.ReqSize)
	binary.LittleEndian.PutUint32(buf[24:28], d.BufCap)
	copy(buf[descriptorHeaderSize:], d.SegmentName)
	return buf, nil
}

// unmarshalDescriptor decodes one datagram payload.
func unmarshalDescriptor(buf []byte) (*callDescriptor, error) {
	if len(buf) < descriptorHeaderSize {
		return nil, fmt.Errorf("descriptor too short: %d bytes", len(buf))
	}
	if magic := binary.LittleEndian.Uint32(buf[0:4]); magic != descriptorMagic {
		return nil, fmt.Errorf("bad descriptor magic 0x%08x", magic)
	}
	if v := binary.LittleEndian.Uint16(buf[4:6]); v != descriptorVersion {
		return nil, fmt.Errorf("unsupported descriptor version %d", v)
	}
	nameLen := int(binary.LittleEndian.Uint16(buf[6:8]))
	if nameLen == 0 || nameLen > MaxSegmentName {
		return nil, fmt.Errorf("invalid segment name length %d", nameLen)
	}
	if len(buf) != descriptorHeaderSize+nameLen {
		return nil, fmt.Errorf("descriptor length %d does not match name length %d", len(buf), nameLen)
	}
	return &callDescriptor{
		SlotIndex:   binary.LittleEndian.Uint32(buf[8:12]),
		Epoch:       binary.LittleEndian.Uint32(buf[12:16]),
		MetaSize:    binary.LittleEndian.Uint32(buf[16:20]),
		ReqSize:     binary.LittleEndian.Uint32(buf[20:24]),
		BufCap:      binary.LittleEndian.Uint32(buf[24:28]),
		SegmentName: string(buf[descriptorHeaderSize:]),
	}, nil
}

// Metadata block format inside the slot buffer (little endian): an entry
// count followed by length-prefixed key/value pairs.

// encodeProps serializes metadata properties. Keys are written in sorted
// order so the encoding is deterministic.
func encodeProps(p endpoint.Properties) []byte {
	size := 4
	keys := p.Keys()
	for _, k := range keys {
		size += 2 + len(k) + 4 + len(p[k])
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(keys)))
	off := 4
	for _, k := range keys {
		v := p[k]
		binary.LittleEndian.PutUint16(buf[off:], uint16(len(k)))
		off += 2
		copy(buf[off:], k)
		off += len(k)
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(v)))
		off += 4
		copy(buf[off:], v)
		off += len(v)
	}
	return buf
}

// decodeProps parses a metadata block. Empty input yields an empty map.
func decodeProps(buf []byte) (endpoint.Properties, error) {
	if len(buf) == 0 {
		return endpoint.NewProperties(), nil
	}
	if len(buf) < 4 {
		return nil, fmt.Errorf("metadata block too short: %d bytes", len(buf))
	}
	count := binary.LittleEndian.Uint32(buf[0:4])
	p := make(endpoint.Properties, min(int(count), 64))
	off := 4
	for i := uint32(0); i < count; i++ {
		if off+2 > len(buf) {
			return nil, fmt.Errorf("metadata truncated at entry %d", i)
		}
		klen := int(binary.LittleEndian.Uint16(buf[off:]))
		off += 2
		if off+klen > len(buf) {
			return nil, fmt.Errorf("metadata key truncated at entry %d", i)
		}
		k := string(buf[off : off+klen])
		off += klen
		if off+4 > len(buf) {
			return nil, fmt.Errorf("metadata truncated at entry %d", i)
		}
		vlen := int(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
		if off+vlen > len(buf) {
			return nil, fmt.Errorf("metadata value truncated at entry %d", i)
		}
		p[k] = string(buf[off : off+vlen])
		off += vlen
	}
	if off != len(buf) {
		return nil, fmt.Errorf("metadata block has %d trailing bytes", len(buf)-off)
	}
	return p, nil
}

// Callee-side slot operations. The callee addresses slots in a pool it
// merely opened; every mutation is guarded by the epoch carried in the
// descriptor so a stale descriptor can never touch a recycled slot.

// claimSlot performs the REQUESTING to REPLYING transition for the given
// epoch. A false return means the caller canceled the call or the
// descriptor is stale; the callee must not touch the slot in that case.
func claimSlot(v *slotView, epoch uint32) bool {
	return v.CompareAndSwapWord(packWord(epoch, StateRequesting), packWord(epoch, StateReplying))
}

// completeReply writes the reply and performs the REPLYING to REPLIED
// transition, waking the caller. When the reply exceeds the slot buffer
// only the fitting prefix is written; the recorded reply size still names
// the full length so the caller can detect the overflow.
func completeReply(v *slotView, epoch uint32, reply []byte) {
	copy(v.Buffer(), reply)
	v.SetReplySize(uint32(len(reply)))
	v.SetWord(packWord(epoch, StateReplied))
	futexWake(v.wordPtr(), 1)
}

// completeAbend records a failure code and performs the transition to
// ABEND, waking the caller.
func completeAbend(v *slotView, epoch uint32, code uint32) {
	v.SetAbendCode(code)
	v.SetWord(packWord(epoch, StateAbend))
	futexWake(v.wordPtr(), 1)
}
