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

package opcodemix

import (
	"fmt"
	"maps"

	"github.com/google/opcodemix/decode"
	"github.com/google/opcodemix/memref"
)

// Counts are instruction-mix counters: a total instruction count, and the
// number of instructions per opcode and per single-bit category.
type Counts struct {
	Instructions int64
	Opcodes      map[decode.Opcode]int64
	Categories   map[decode.Category]int64
}

// NewCounts returns empty Counts.
func NewCounts() Counts {
	return Counts{
		Opcodes:    map[decode.Opcode]int64{},
		Categories: map[decode.Category]int64{},
	}
}

// Clone returns a deep copy of the receiver.
func (c Counts) Clone() Counts {
	ret := Counts{
		Instructions: c.Instructions,
		Opcodes:      maps.Clone(c.Opcodes),
		Categories:   maps.Clone(c.Categories),
	}
	if ret.Opcodes == nil {
		ret.Opcodes = map[decode.Opcode]int64{}
	}
	if ret.Categories == nil {
		ret.Categories = map[decode.Category]int64{}
	}
	return ret
}

// Adds the provided descriptor's instruction to the receiver.
func (c *Counts) count(d decode.Descriptor) {
	c.Instructions++
	c.Opcodes[d.Opcode]++
	for bit := range d.Category.Bits() {
		c.Categories[bit]++
	}
}

// Adds other to the receiver key-wise.
func (c *Counts) add(other Counts) {
	c.Instructions += other.Instructions
	for op, n := range other.Opcodes {
		c.Opcodes[op] += n
	}
	for cat, n := range other.Categories {
		c.Categories[cat] += n
	}
}

// Subtracts other from the receiver key-wise, dropping keys that reach
// zero.  Keys missing from other count as zero.
func (c *Counts) subtract(other Counts) {
	c.Instructions -= other.Instructions
	for op, n := range other.Opcodes {
		if c.Opcodes[op] -= n; c.Opcodes[op] == 0 {
			delete(c.Opcodes, op)
		}
	}
	for cat, n := range other.Categories {
		if c.Categories[cat] -= n; c.Categories[cat] == 0 {
			delete(c.Categories, cat)
		}
	}
}

// MergeCounts returns the key-wise sum of all provided Counts.
func MergeCounts(counts ...Counts) Counts {
	ret := NewCounts()
	for _, c := range counts {
		ret.add(c)
	}
	return ret
}

// ShardState is the lifecycle state of a shard.
type ShardState int

const (
	// ShardUninitialized shards have been registered but not initialized.
	ShardUninitialized ShardState = iota
	// ShardActive shards are counting instructions.
	ShardActive
	// ShardDone shards have seen their last record.
	ShardDone
	// ShardError shards stopped counting at a failure.
	ShardError
)

func (ss ShardState) String() string {
	switch ss {
	case ShardUninitialized:
		return "uninitialized"
	case ShardActive:
		return "active"
	case ShardDone:
		return "done"
	case ShardError:
		return "error"
	default:
		return fmt.Sprintf("ShardState(%d)", int(ss))
	}
}

// ShardData is the state of one shard, or of the whole trace in serial
// operation.  Once initialized it is owned by the worker processing the
// shard, and it must not be accessed by others until that worker is done.
type ShardData struct {
	id     int
	state  ShardState
	mode   decode.Mode
	cache  *decode.Cache
	counts Counts
	err    error
	exited bool
	// The id of the shard's latest interval snapshot.
	lastInterval uint64
}

func newShardData(id int) *ShardData {
	return &ShardData{
		id:     id,
		counts: NewCounts(),
	}
}

// ID returns the receiver's shard index.
func (sd *ShardData) ID() int {
	return sd.id
}

// State returns the receiver's lifecycle state.
func (sd *ShardData) State() ShardState {
	return sd.state
}

// Mode returns the instruction-set mode the receiver decodes with.
func (sd *ShardData) Mode() decode.Mode {
	return sd.mode
}

// Counts returns a copy of the receiver's cumulative counters.
func (sd *ShardData) Counts() Counts {
	return sd.counts.Clone()
}

// Error returns the receiver's error text, or "" if it has not failed.
func (sd *ShardData) Error() string {
	if sd.err == nil {
		return ""
	}
	return sd.err.Error()
}

// Err returns the error the receiver failed with, or nil.
func (sd *ShardData) Err() error {
	return sd.err
}

// CacheStats returns the activity of the receiver's decode cache.
func (sd *ShardData) CacheStats() decode.CacheStats {
	if sd.cache == nil {
		return decode.CacheStats{}
	}
	return sd.cache.Stats()
}

// Prepares the receiver to consume records of a shard with the provided
// file type, attaching a fresh decode cache to dctx.  A shard recorded
// without encodings, when dctx has no modules to recover them from, fails
// immediately.
func (sd *ShardData) init(dctx *decode.Context, ft memref.FileType, cacheCapacity int) error {
	if sd.state != ShardUninitialized {
		return fmt.Errorf("%w: shard %d initialized while %s", ErrMisuse, sd.id, sd.state)
	}
	cache, err := decode.NewCache(dctx, cacheCapacity)
	if err != nil {
		return err
	}
	sd.cache = cache
	sd.mode = decode.ModeForFileType(ft)
	sd.state = ShardActive
	if !ft.Has(memref.FileTypeEncodings) && !dctx.HasModules() {
		sd.fail(fmt.Errorf("%w: a module file is required for traces recorded without encodings", decode.ErrNoEncoding))
	}
	return nil
}

func (sd *ShardData) fail(err error) {
	sd.err = err
	sd.state = ShardError
}

// Counts the provided record.  Non-instruction records are skipped, except
// ISA mode markers which switch the mode subsequent instructions are
// decoded with.  After a failure, the shard counts nothing further.
func (sd *ShardData) consume(m memref.Memref) error {
	switch sd.state {
	case ShardActive:
	case ShardError:
		return sd.err
	default:
		return fmt.Errorf("%w: shard %d consumed a record while %s", ErrMisuse, sd.id, sd.state)
	}
	if m.Type == memref.Marker && m.Marker == memref.ISAMode {
		mode := decode.Mode(m.MarkerValue)
		if !mode.Valid() {
			sd.fail(fmt.Errorf("unsupported ISA mode %d", m.MarkerValue))
			return sd.err
		}
		sd.mode = mode
		return nil
	}
	if !m.IsInstruction() {
		return nil
	}
	d, err := sd.cache.LookupOrDecode(sd.mode, m)
	if err != nil {
		sd.fail(err)
		return err
	}
	sd.counts.count(d)
	return nil
}

// Marks the receiver done and releases its decode cache.  A failed shard
// stays in ShardError.
func (sd *ShardData) finish() error {
	if sd.state == ShardUninitialized || sd.exited {
		return fmt.Errorf("%w: shard %d finished while %s", ErrMisuse, sd.id, sd.state)
	}
	sd.exited = true
	if sd.state == ShardActive {
		sd.state = ShardDone
	}
	sd.releaseCache()
	return nil
}

func (sd *ShardData) releaseCache() {
	if sd.cache != nil {
		sd.cache.Close()
	}
}
