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

package memref

// Stream describes the shard currently being delivered to an analysis tool.
// Its accessors reflect the records delivered so far.
type Stream interface {
	// ShardIndex returns the index of the shard this stream delivers.
	ShardIndex() int
	// FileType returns the flags the shard was recorded with.
	FileType() FileType
	// InstructionOrdinal returns the number of Instr records delivered so
	// far.
	InstructionOrdinal() uint64
	// LastTimestamp returns the value of the last Timestamp marker
	// delivered, or 0 if there has been none.
	LastTimestamp() uint64
}

// Reader is a Stream that also delivers its records.
type Reader interface {
	Stream
	// Next returns the next record in the shard, or io.EOF once all records
	// have been delivered.
	Next() (Memref, error)
}

// Cursor tracks the position of a Stream.  Readers embed it and call
// Observe on every record they deliver.
type Cursor struct {
	Shard         int
	Flags         FileType
	instructions  uint64
	lastTimestamp uint64
}

// Observe advances the receiver past the provided record.
func (c *Cursor) Observe(m Memref) {
	switch {
	case m.IsInstruction():
		c.instructions++
	case m.Type == Marker && m.Marker == Timestamp:
		c.lastTimestamp = m.MarkerValue
	}
}

// ShardIndex implements Stream.
func (c *Cursor) ShardIndex() int {
	return c.Shard
}

// FileType implements Stream.
func (c *Cursor) FileType() FileType {
	return c.Flags
}

// InstructionOrdinal implements Stream.
func (c *Cursor) InstructionOrdinal() uint64 {
	return c.instructions
}

// LastTimestamp implements Stream.
func (c *Cursor) LastTimestamp() uint64 {
	return c.lastTimestamp
}
