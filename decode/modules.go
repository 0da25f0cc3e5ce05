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
	"os"
	"path/filepath"
	"slices"

	"github.com/goccy/go-json"
	"golang.org/x/sys/unix"
)

// ErrModuleResolution is wrapped by every error returned while loading
// module files.
var ErrModuleResolution = errors.New("module resolution failed")

// MaxInstructionLength bounds the bytes Modules.Bytes returns.
const MaxInstructionLength = 15

// Module describes one executable image loaded by the traced process.
type Module struct {
	// The on-disk path of the image.
	Path string `json:"path"`
	// The address the image's code was loaded at.
	Start uint64 `json:"start"`
	// The size of the image's loaded code.
	Size uint64 `json:"size"`
	// The file offset corresponding to Start.
	Offset uint64 `json:"offset"`
}

type moduleList struct {
	Modules []Module `json:"modules"`
}

type mapping struct {
	Module
	data []byte
}

func (mp *mapping) contains(pc uint64) bool {
	return pc >= mp.Start && pc-mp.Start < mp.Size
}

// Modules recovers instruction bytes from memory-mapped module files.  It is
// read-only after LoadModules returns, and safe for concurrent use.
type Modules struct {
	mappings []*mapping
}

// LoadModules reads the module list at listPath and maps every module it
// names.  If altDir is non-empty, module files are looked up by base name
// in altDir instead of at their recorded paths.
func LoadModules(listPath, altDir string) (*Modules, error) {
	raw, err := os.ReadFile(listPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModuleResolution, err)
	}
	var list moduleList
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("%w: bad module list %s: %v", ErrModuleResolution, listPath, err)
	}
	ret := &Modules{}
	for _, mod := range list.Modules {
		if altDir != "" {
			mod.Path = filepath.Join(altDir, filepath.Base(mod.Path))
		}
		data, err := mapFile(mod.Path)
		if err != nil {
			ret.Close()
			return nil, fmt.Errorf("%w: %s: %v", ErrModuleResolution, mod.Path, err)
		}
		mp := &mapping{Module: mod, data: data}
		if mod.Offset+mod.Size > uint64(len(data)) {
			ret.mappings = append(ret.mappings, mp)
			ret.Close()
			return nil, fmt.Errorf("%w: %s: code range %#x+%#x exceeds file size %#x",
				ErrModuleResolution, mod.Path, mod.Offset, mod.Size, len(data))
		}
		ret.mappings = append(ret.mappings, mp)
	}
	slices.SortFunc(ret.mappings, func(a, b *mapping) int {
		switch {
		case a.Start < b.Start:
			return -1
		case a.Start > b.Start:
			return 1
		}
		return 0
	})
	return ret, nil
}

func mapFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() == 0 {
		return nil, errors.New("module file is empty")
	}
	return unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ, unix.MAP_PRIVATE)
}

// Len returns the number of loaded modules.
func (ms *Modules) Len() int {
	return len(ms.mappings)
}

// Bytes returns up to MaxInstructionLength bytes of code starting at pc.
func (ms *Modules) Bytes(pc uint64) ([]byte, error) {
	// The first mapping starting past pc.
	idx, _ := slices.BinarySearchFunc(ms.mappings, pc, func(mp *mapping, pc uint64) int {
		if mp.Start <= pc {
			return -1
		}
		return 1
	})
	if idx == 0 || !ms.mappings[idx-1].contains(pc) {
		return nil, fmt.Errorf("pc %#x lies in no loaded module", pc)
	}
	mp := ms.mappings[idx-1]
	start := mp.Offset + (pc - mp.Start)
	end := min(start+MaxInstructionLength, mp.Offset+mp.Size)
	return mp.data[start:end], nil
}

// Close unmaps every module file.
func (ms *Modules) Close() error {
	var errs []error
	for _, mp := range ms.mappings {
		if mp.data == nil {
			continue
		}
		if err := unix.Munmap(mp.data); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", mp.Path, err))
		}
		mp.data = nil
	}
	return errors.Join(errs...)
}
