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

	"github.com/google/opcodemix/memref"
)

// Mode is an instruction-set mode, expressed as the decoder's operand width
// in bits.
type Mode int

// Supported instruction-set modes.
const (
	Mode16 Mode = 16
	Mode32 Mode = 32
	Mode64 Mode = 64
)

func (m Mode) String() string {
	return fmt.Sprintf("%d-bit", int(m))
}

// Valid returns true if the receiver is a supported Mode.
func (m Mode) Valid() bool {
	return m == Mode16 || m == Mode32 || m == Mode64
}

// ModeForFileType returns the initial Mode for a shard recorded with the
// provided file type.
func ModeForFileType(ft memref.FileType) Mode {
	if ft.Has(memref.FileTypeArchX86_32) {
		return Mode32
	}
	return Mode64
}

// Decoder classifies a single raw instruction.  Implementations must be safe
// for concurrent use: all mode state is supplied by the caller.
type Decoder interface {
	// Decode classifies the instruction at the provided PC, whose encoding
	// begins at raw[0], under the provided Mode.
	Decode(mode Mode, pc uint64, raw []byte) (Descriptor, error)
	// OpcodeName returns the mnemonic of the provided Opcode.
	OpcodeName(op Opcode) string
}

// ErrNoEncoding is returned when an instruction record lacks its raw bytes
// and no module files are available to recover them.
var ErrNoEncoding = errors.New("instruction encoding is unavailable and no module file is configured")

// Error describes a failure to decode a single instruction.
type Error struct {
	PC  uint64
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("failed to decode instruction at %#x: %v", e.PC, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
