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

import (
	"fmt"
	"math/bits"
	"strings"
)

// FileType is a set of flags describing how a trace was recorded.
type FileType uint32

// FileTypeDefault declares no special properties.
const FileTypeDefault FileType = 0

// File type flags.
const (
	// FileTypeEncodings indicates that every Instr record embeds its raw
	// encoding.  Without it, encodings must be recovered from module files.
	FileTypeEncodings FileType = 1 << iota
	// FileTypeArchX86_32 indicates a 32-bit x86 trace.
	FileTypeArchX86_32
	// FileTypeArchX86_64 indicates a 64-bit x86 trace.
	FileTypeArchX86_64
	// FileTypeFiltered indicates that the trace omits some instructions.
	FileTypeFiltered
)

var fileTypeNames = map[FileType]string{
	FileTypeEncodings:  "encodings",
	FileTypeArchX86_32: "x86_32",
	FileTypeArchX86_64: "x86_64",
	FileTypeFiltered:   "filtered",
}

// Has returns true if all flags in other are set in the receiver.
func (ft FileType) Has(other FileType) bool {
	return ft&other == other
}

func (ft FileType) String() string {
	if ft == FileTypeDefault {
		return "default"
	}
	var names []string
	for rest := uint32(ft); rest != 0; rest &= rest - 1 {
		bit := FileType(1 << bits.TrailingZeros32(rest))
		if name, ok := fileTypeNames[bit]; ok {
			names = append(names, name)
		} else {
			names = append(names, fmt.Sprintf("%#x", uint32(bit)))
		}
	}
	return strings.Join(names, "|")
}

// ParseFileType returns the FileType with all named flags set.
func ParseFileType(names ...string) (FileType, error) {
	var ret FileType
nextName:
	for _, name := range names {
		for flag, flagName := range fileTypeNames {
			if strings.EqualFold(name, flagName) {
				ret |= flag
				continue nextName
			}
		}
		return 0, fmt.Errorf("unknown file type '%s'", name)
	}
	return ret, nil
}
