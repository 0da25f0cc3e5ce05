/*
	Copyright 2025 Google Inc.

	Licensed under the Apache License, Version 2.0 (the "License");
	you may not use this file except in compliance with the License.
	You may obtain a copy of the License at

			http://www.apache.org/licenses/LICENSE-2.0

	Unless required by applicable law or agreed to in writing, software
	distributed under the License is distributed on an "AS IS" BASIS,
	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
	See the License for the specific language governing permissions and
	limitations under the License.
*/

// Package memref defines the trace records consumed by analysis tools, and
// the streams that deliver them one shard at a time.
package memref

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Type is the kind of a trace record.
type Type int

// Supported record types.  Only Instr records carry an instruction fetch;
// everything else is skipped for instruction counting.
const (
	Instr Type = iota
	Read
	Write
	Prefetch
	Marker
	ThreadExit
)

var typeNames = map[Type]string{
	Instr:      "instr",
	Read:       "read",
	Write:      "write",
	Prefetch:   "prefetch",
	Marker:     "marker",
	ThreadExit: "thread_exit",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// MarshalText renders the receiver by name.
func (t Type) MarshalText() ([]byte, error) {
	if _, ok := typeNames[t]; !ok {
		return nil, fmt.Errorf("unknown record type %d", int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText parses a record type name.
func (t *Type) UnmarshalText(text []byte) error {
	for typ, name := range typeNames {
		if name == string(text) {
			*t = typ
			return nil
		}
	}
	return fmt.Errorf("unknown record type '%s'", text)
}

// MarkerType identifies the payload of a Marker record.
type MarkerType int

// Marker types understood by this package's consumers.
const (
	// Timestamp markers carry a monotonically increasing timestamp.
	Timestamp MarkerType = iota + 1
	// CPUID markers carry the CPU the shard was running on.
	CPUID
	// ISAMode markers switch the instruction set used to decode subsequent
	// instructions in the shard.  The value is a decode mode in bits
	// (16, 32 or 64).
	ISAMode
)

var markerTypeNames = map[MarkerType]string{
	Timestamp: "timestamp",
	CPUID:     "cpu_id",
	ISAMode:   "isa_mode",
}

func (mt MarkerType) String() string {
	if name, ok := markerTypeNames[mt]; ok {
		return name
	}
	return fmt.Sprintf("marker(%d)", int(mt))
}

// MarshalText renders the receiver by name.
func (mt MarkerType) MarshalText() ([]byte, error) {
	if _, ok := markerTypeNames[mt]; !ok {
		return nil, fmt.Errorf("unknown marker type %d", int(mt))
	}
	return []byte(mt.String()), nil
}

// UnmarshalText parses a marker type name.
func (mt *MarkerType) UnmarshalText(text []byte) error {
	for typ, name := range markerTypeNames {
		if name == string(text) {
			*mt = typ
			return nil
		}
	}
	return fmt.Errorf("unknown marker type '%s'", text)
}

// Bytes is a raw instruction encoding, rendered as hex text.
type Bytes []byte

// MarshalText renders the receiver as lowercase hex.
func (b Bytes) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(b)), nil
}

// UnmarshalText parses hex text, ignoring embedded spaces.
func (b *Bytes) UnmarshalText(text []byte) error {
	raw, err := hex.DecodeString(strings.ReplaceAll(string(text), " ", ""))
	if err != nil {
		return fmt.Errorf("bad encoding '%s': %w", text, err)
	}
	*b = raw
	return nil
}

// Memref is a single trace record.
type Memref struct {
	Type Type  `json:"type"`
	Tid  int64 `json:"tid,omitempty"`
	// The program counter of an Instr record.
	PC uint64 `json:"pc,omitempty"`
	// The data address of a Read, Write or Prefetch record.
	Addr uint64 `json:"addr,omitempty"`
	Size int    `json:"size,omitempty"`
	// The raw instruction bytes, present only in traces declaring
	// FileTypeEncodings.
	Encoding    Bytes      `json:"enc,omitempty"`
	Marker      MarkerType `json:"marker,omitempty"`
	MarkerValue uint64     `json:"value,omitempty"`
}

// IsInstruction returns true if the receiver is an instruction fetch.
func (m Memref) IsInstruction() bool {
	return m.Type == Instr
}

func (m Memref) String() string {
	switch m.Type {
	case Instr:
		return fmt.Sprintf("instr @%#x [% x]", m.PC, []byte(m.Encoding))
	case Marker:
		return fmt.Sprintf("marker %s %d", m.Marker, m.MarkerValue)
	default:
		return fmt.Sprintf("%s @%#x/%d", m.Type, m.Addr, m.Size)
	}
}
