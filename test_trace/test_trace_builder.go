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

// Package testtrace provides tools for fluently constructing trace shards
// and fake decoders for testing.
package testtrace

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"testing"

	"github.com/google/opcodemix/decode"
	"github.com/google/opcodemix/memref"
)

// DefaultFileType is the file type of built shards unless overridden.
const DefaultFileType = memref.FileTypeEncodings | memref.FileTypeArchX86_64

// DefaultStartPC is the PC of a built shard's first instruction unless
// overridden.
const DefaultStartPC = 0x1000

// ShardBuilder facilitates fluently building a shard's records in tests.
type ShardBuilder struct {
	err      func(error)
	index    int
	fileType memref.FileType
	nextPC   uint64
	records  []memref.Memref
}

// NewTestingShardBuilder returns a new, empty ShardBuilder for the shard
// with the provided index.  Any errors encountered in construction yield a
// t.Fatalf() in the provided testing.T.
func NewTestingShardBuilder(t *testing.T, index int) *ShardBuilder {
	return NewShardBuilderWithErrorHandler(index, func(err error) {
		t.Fatalf("%s", err.Error())
	})
}

// NewShardBuilderWithErrorHandler returns a new, empty ShardBuilder.  Any
// errors encountered in construction are passed to the provided error
// handler.
func NewShardBuilderWithErrorHandler(index int, err func(error)) *ShardBuilder {
	return &ShardBuilder{
		err:      err,
		index:    index,
		fileType: DefaultFileType,
		nextPC:   DefaultStartPC,
	}
}

// WithFileType sets the shard's file type, returning the receiver for
// fluent invocation.
func (sb *ShardBuilder) WithFileType(ft memref.FileType) *ShardBuilder {
	sb.fileType = ft
	return sb
}

// Instr appends an instruction with the provided encoding at the next PC,
// returning the receiver for fluent invocation.  The next PC follows the
// encoding; an empty encoding advances it by one.
func (sb *ShardBuilder) Instr(encoding ...byte) *ShardBuilder {
	return sb.InstrAt(sb.nextPC, encoding...)
}

// InstrAt appends an instruction with the provided encoding at the provided
// PC, returning the receiver for fluent invocation.
func (sb *ShardBuilder) InstrAt(pc uint64, encoding ...byte) *ShardBuilder {
	if len(encoding) == 0 && sb.fileType.Has(memref.FileTypeEncodings) {
		sb.err(fmt.Errorf("instruction at %#x lacks an encoding in a shard declaring encodings", pc))
	}
	m := memref.Memref{
		Type: memref.Instr,
		PC:   pc,
		Size: len(encoding),
	}
	if len(encoding) > 0 {
		m.Encoding = append(memref.Bytes{}, encoding...)
	}
	sb.records = append(sb.records, m)
	sb.nextPC = pc + uint64(max(len(encoding), 1))
	return sb
}

// Instrs appends one single-byte instruction per provided encoding,
// returning the receiver for fluent invocation.
func (sb *ShardBuilder) Instrs(encodings ...byte) *ShardBuilder {
	for _, enc := range encodings {
		sb.Instr(enc)
	}
	return sb
}

// Read appends a data read, returning the receiver for fluent invocation.
func (sb *ShardBuilder) Read(addr uint64, size int) *ShardBuilder {
	sb.records = append(sb.records, memref.Memref{Type: memref.Read, Addr: addr, Size: size})
	return sb
}

// Write appends a data write, returning the receiver for fluent invocation.
func (sb *ShardBuilder) Write(addr uint64, size int) *ShardBuilder {
	sb.records = append(sb.records, memref.Memref{Type: memref.Write, Addr: addr, Size: size})
	return sb
}

// Timestamp appends a timestamp marker, returning the receiver for fluent
// invocation.
func (sb *ShardBuilder) Timestamp(ts uint64) *ShardBuilder {
	return sb.marker(memref.Timestamp, ts)
}

// ISAMode appends a marker switching the shard's decode mode, returning the
// receiver for fluent invocation.
func (sb *ShardBuilder) ISAMode(mode decode.Mode) *ShardBuilder {
	return sb.marker(memref.ISAMode, uint64(mode))
}

func (sb *ShardBuilder) marker(mt memref.MarkerType, value uint64) *ShardBuilder {
	sb.records = append(sb.records, memref.Memref{Type: memref.Marker, Marker: mt, MarkerValue: value})
	return sb
}

// Records returns the assembled records.
func (sb *ShardBuilder) Records() []memref.Memref {
	return sb.records
}

// Build returns a Reader delivering the assembled records.
func (sb *ShardBuilder) Build() *SliceReader {
	return NewSliceReader(sb.index, sb.fileType, sb.records)
}

// SliceReader is a memref.Reader over an in-memory slice of records.
type SliceReader struct {
	memref.Cursor
	records []memref.Memref
	next    int
	failAt  int
	failErr error
}

// NewSliceReader returns a new SliceReader for the shard with the provided
// index and file type.
func NewSliceReader(index int, ft memref.FileType, records []memref.Memref) *SliceReader {
	ret := &SliceReader{
		records: records,
		failAt:  -1,
	}
	ret.Shard, ret.Flags = index, ft
	return ret
}

// WithFailure makes the receiver return err in place of the record at the
// provided index, returning the receiver for fluent invocation.
func (sr *SliceReader) WithFailure(at int, err error) *SliceReader {
	sr.failAt, sr.failErr = at, err
	return sr
}

// Next implements memref.Reader.
func (sr *SliceReader) Next() (memref.Memref, error) {
	if sr.next == sr.failAt {
		return memref.Memref{}, sr.failErr
	}
	if sr.next >= len(sr.records) {
		return memref.Memref{}, io.EOF
	}
	m := sr.records[sr.next]
	sr.next++
	sr.Observe(m)
	return m, nil
}

// Delivered returns the number of records the receiver has delivered.
func (sr *SliceReader) Delivered() int {
	return sr.next
}

// ErrUndecodable is returned by FakeDecoder for encodings it doesn't know.
var ErrUndecodable = errors.New("undecodable instruction")

// FakeDecoder is a decode.Decoder classifying instructions by the first
// byte of their encoding.  It counts its invocations, and is safe for
// concurrent use once configured.
type FakeDecoder struct {
	descriptors map[byte]decode.Descriptor
	names       map[decode.Opcode]string
	calls       atomic.Int64
}

// NewFakeDecoder returns a new FakeDecoder that knows no encodings.
func NewFakeDecoder() *FakeDecoder {
	return &FakeDecoder{
		descriptors: map[byte]decode.Descriptor{},
		names:       map[decode.Opcode]string{},
	}
}

// WithOpcode declares that encodings beginning with the provided byte decode
// to the provided opcode and category, returning the receiver for fluent
// invocation.
func (fd *FakeDecoder) WithOpcode(firstByte byte, op decode.Opcode, name string, category decode.Category) *FakeDecoder {
	fd.descriptors[firstByte] = decode.Descriptor{Opcode: op, Category: category}
	fd.names[op] = name
	return fd
}

// Decode implements decode.Decoder.
func (fd *FakeDecoder) Decode(mode decode.Mode, pc uint64, raw []byte) (decode.Descriptor, error) {
	fd.calls.Add(1)
	d, ok := fd.descriptors[raw[0]]
	if !ok {
		return decode.Descriptor{}, fmt.Errorf("%w: first byte %#x", ErrUndecodable, raw[0])
	}
	return d, nil
}

// OpcodeName implements decode.Decoder.
func (fd *FakeDecoder) OpcodeName(op decode.Opcode) string {
	if name, ok := fd.names[op]; ok {
		return name
	}
	return fmt.Sprintf("op%d", op)
}

// Calls returns the number of times Decode has been invoked.
func (fd *FakeDecoder) Calls() int64 {
	return fd.calls.Load()
}
