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
	"strings"
	"testing"

	"github.com/QPC-github/celix/endpoint"
)

func TestDescriptorRoundTrip(t *testing.T) {
	in := &callDescriptor{
		SegmentName: "1234_abcd",
		SlotIndex:   7,
		Epoch:       1042,
		MetaSize:    64,
		ReqSize:     900,
		BufCap:      8128,
	}
	payload, err := marshalDescriptor(in)
	if err != nil {
		t.Fatalf("marshalDescriptor: %v", err)
	}
	if len(payload) != descriptorHeaderSize+len(in.SegmentName) {
		t.Fatalf("payload length %d, want %d", len(payload), descriptorHeaderSize+len(in.SegmentName))
	}
	out, err := unmarshalDescriptor(payload)
	if err != nil {
		t.Fatalf("unmarshalDescriptor: %v", err)
	}
	if *out != *in {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestMarshalDescriptorRejectsBadNames(t *testing.T) {
	if _, err := marshalDescriptor(&callDescriptor{SegmentName: ""}); err == nil {
		t.Error("expected error for empty segment name")
	}
	long := strings.Repeat("x", MaxSegmentName+1)
	if _, err := marshalDescriptor(&callDescriptor{SegmentName: long}); err == nil {
		t.Error("expected error for oversized segment name")
	}
}

func TestUnmarshalDescriptorRejectsMalformed(t *testing.T) {
	good, err := marshalDescriptor(&callDescriptor{SegmentName: "seg", SlotIndex: 1, Epoch: 2})
	if err != nil {
		t.Fatalf("marshalDescriptor: %v", err)
	}

	short := good[:descriptorHeaderSize-1]
	if _, err := unmarshalDescriptor(short); err == nil {
		t.Error("expected error for truncated descriptor")
	}

	badMagic := append([]byte(nil), good...)
	binary.LittleEndian.PutUint32(badMagic[0:4], 0xdeadbeef)
	if _, err := unmarshalDescriptor(badMagic); err == nil {
		t.Error("expected error for bad magic")
	}

	badVersion := append([]byte(nil), good...)
	binary.LittleEndian.PutUint16(badVersion[4:6], 99)
	if _, err := unmarshalDescriptor(badVersion); err == nil {
		t.Error("expected error for unsupported version")
	}

	trailing := append(append([]byte(nil), good...), 0)
	if _, err := unmarshalDescriptor(trailing); err == nil {
		t.Error("expected error for trailing bytes")
	}

	zeroName := append([]byte(nil), good...)
	binary.LittleEndian.PutUint16(zeroName[6:8], 0)
	if _, err := unmarshalDescriptor(zeroName); err == nil {
		t.Error("expected error for zero name length")
	}
}

func TestPropsCodecRoundTrip(t *testing.T) {
	in := endpoint.Properties{
		"service.id":       "42",
		"objectClass":      "org.example.Calculator",
		"empty":            "",
		"service.exported": "true",
	}
	out, err := decodeProps(encodeProps(in))
	if err != nil {
		t.Fatalf("decodeProps: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("decoded %d entries, want %d", len(out), len(in))
	}
	for k, v := range in {
		if out[k] != v {
			t.Errorf("key %q = %q, want %q", k, out[k], v)
		}
	}
}

func TestPropsCodecDeterministic(t *testing.T) {
	p := endpoint.Properties{"b": "2", "a": "1", "c": "3"}
	first := encodeProps(p)
	for i := 0; i < 10; i++ {
		if got := encodeProps(p); string(got) != string(first) {
			t.Fatal("encoding is not deterministic")
		}
	}
}

func TestDecodePropsEmpty(t *testing.T) {
	p, err := decodeProps(nil)
	if err != nil {
		t.Fatalf("decodeProps(nil): %v", err)
	}
	if len(p) != 0 {
		t.Fatalf("expected empty properties, got %d entries", len(p))
	}
}

func TestDecodePropsRejectsMalformed(t *testing.T) {
	good := encodeProps(endpoint.Properties{"key": "value"})

	cases := []struct {
		name string
		buf  []byte
	}{
		{"short header", []byte{1, 0}},
		{"truncated key", good[:6]},
		{"truncated value", good[:len(good)-2]},
		{"trailing bytes", append(append([]byte(nil), good...), 0xff)},
	}
	for _, tc := range cases {
		if _, err := decodeProps(tc.buf); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}

	// A count that promises more entries than the block holds.
	lying := append([]byte(nil), good...)
	binary.LittleEndian.PutUint32(lying[0:4], 1000)
	if _, err := decodeProps(lying); err == nil {
		t.Error("expected error for lying entry count")
	}
}
