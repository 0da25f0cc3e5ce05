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

package decode

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Context owns the Decoder and its instruction-set mode for a whole run.  It
// is shared by all shards; only mode switches are serialized.
type Context struct {
	decoder Decoder
	modules *Modules

	// Guards mode and modeSwitches.
	modeMu       sync.Mutex
	mode         Mode
	modeSwitches uint64

	attachedCaches atomic.Int64
	closed         atomic.Bool
}

// NewContext returns a new Context decoding with the provided Decoder,
// starting in Mode64.  If modules is non-nil, it is used to recover
// encodings missing from trace records, and is closed with the Context.
func NewContext(decoder Decoder, modules *Modules) *Context {
	return &Context{
		decoder: decoder,
		modules: modules,
		mode:    Mode64,
	}
}

// HasModules returns true if the receiver can recover missing encodings.
func (c *Context) HasModules() bool {
	return c.modules != nil
}

// Mode returns the receiver's current instruction-set mode.
func (c *Context) Mode() Mode {
	c.modeMu.Lock()
	defer c.modeMu.Unlock()
	return c.mode
}

// ModeSwitches returns the number of times the receiver's mode has changed.
func (c *Context) ModeSwitches() uint64 {
	c.modeMu.Lock()
	defer c.modeMu.Unlock()
	return c.modeSwitches
}

// Switches the receiver to the provided mode, returning the mode to decode
// with.
func (c *Context) setMode(mode Mode) Mode {
	c.modeMu.Lock()
	defer c.modeMu.Unlock()
	if mode != c.mode {
		c.mode = mode
		c.modeSwitches++
	}
	return c.mode
}

// Decode classifies the instruction at pc under the provided mode.  If raw
// is empty, the encoding is recovered from the receiver's modules.  All
// failures are returned as *Error.
func (c *Context) Decode(mode Mode, pc uint64, raw []byte) (Descriptor, error) {
	if c.closed.Load() {
		return Descriptor{}, &Error{PC: pc, Err: errors.New("decode context is closed")}
	}
	if !mode.Valid() {
		return Descriptor{}, &Error{PC: pc, Err: fmt.Errorf("unsupported mode %d", int(mode))}
	}
	if len(raw) == 0 {
		if c.modules == nil {
			return Descriptor{}, &Error{PC: pc, Err: ErrNoEncoding}
		}
		var err error
		if raw, err = c.modules.Bytes(pc); err != nil {
			return Descriptor{}, &Error{PC: pc, Err: err}
		}
	}
	d, err := c.decoder.Decode(c.setMode(mode), pc, raw)
	if err != nil {
		return Descriptor{}, &Error{PC: pc, Err: err}
	}
	return d, nil
}

// OpcodeName returns the mnemonic of the provided Opcode.
func (c *Context) OpcodeName(op Opcode) string {
	return c.decoder.OpcodeName(op)
}

func (c *Context) attach() error {
	if c.closed.Load() {
		return errors.New("can't attach a cache to a closed decode context")
	}
	c.attachedCaches.Add(1)
	return nil
}

func (c *Context) detach() {
	c.attachedCaches.Add(-1)
}

// Close releases the receiver's module mappings.  Every Cache created on the
// receiver must have been closed first.
func (c *Context) Close() error {
	if n := c.attachedCaches.Load(); n > 0 {
		return fmt.Errorf("can't close decode context: %d cache(s) still attached", n)
	}
	if c.closed.Swap(true) {
		return nil
	}
	if c.modules != nil {
		return c.modules.Close()
	}
	return nil
}
