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
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/opcodemix/memref"
)

// countingDecoder classifies an instruction by its first byte, and counts
// its invocations.
type countingDecoder struct {
	calls atomic.Int64
	// If non-nil, every mode Decode is invoked with is sent here.
	modes chan Mode
}

func (cd *countingDecoder) Decode(mode Mode, pc uint64, raw []byte) (Descriptor, error) {
	cd.calls.Add(1)
	if cd.modes != nil {
		cd.modes <- mode
	}
	if raw[0] == 0xff {
		return Descriptor{}, errors.New("rejected")
	}
	return Descriptor{Opcode: Opcode(raw[0]), Category: Category(raw[0]) & CategoryLoad}, nil
}

func (cd *countingDecoder) OpcodeName(op Opcode) string {
	return fmt.Sprintf("op%d", op)
}

func TestCategoryString(t *testing.T) {
	for _, test := range []struct {
		category  Category
		wantStr   string
		wantCount int
	}{
		{CategoryUncategorized, "uncategorized", 0},
		{CategoryLoad, "load", 1},
		{CategoryBranch | CategoryLoad, "load branch", 2},
		{CategoryFP | CategorySIMD | CategoryMath, "fp simd math", 3},
		{Category(1 << 31), "0x80000000", 1},
	} {
		if got := test.category.String(); got != test.wantStr {
			t.Errorf("Category(%#x).String() = %q, wanted %q", uint32(test.category), got, test.wantStr)
		}
		var bits []Category
		for bit := range test.category.Bits() {
			bits = append(bits, bit)
		}
		if len(bits) != test.wantCount || test.category.Count() != test.wantCount {
			t.Errorf("Category(%#x) has %d bits (Count() %d), wanted %d", uint32(test.category), len(bits), test.category.Count(), test.wantCount)
		}
	}
}

func TestParseCategory(t *testing.T) {
	for _, test := range []struct {
		description string
		input       string
		want        Category
		wantErr     bool
	}{{
		description: "single",
		input:       "branch",
		want:        CategoryBranch,
	}, {
		description: "pipe-separated, mixed case",
		input:       "Load|STORE",
		want:        CategoryLoad | CategoryStore,
	}, {
		description: "comma and space separated",
		input:       " simd, state  fp",
		want:        CategorySIMD | CategoryState | CategoryFP,
	}, {
		description: "empty",
		input:       "",
		want:        CategoryUncategorized,
	}, {
		description: "prefix of a name is not a name",
		input:       "stor",
		wantErr:     true,
	}, {
		description: "name followed by letters is not a name",
		input:       "loads",
		wantErr:     true,
	}} {
		t.Run(test.description, func(t *testing.T) {
			got, err := ParseCategory(test.input)
			if (err != nil) != test.wantErr {
				t.Fatalf("ParseCategory(%q) yielded error %v, wanted error %t", test.input, err, test.wantErr)
			}
			if got != test.want {
				t.Errorf("ParseCategory(%q) = %s, wanted %s", test.input, got, test.want)
			}
		})
	}
}

func TestX86Decoder(t *testing.T) {
	for _, test := range []struct {
		description  string
		mode         Mode
		raw          []byte
		wantName     string
		wantCategory Category
		wantErr      bool
	}{{
		description:  "nop",
		mode:         Mode64,
		raw:          []byte{0x90},
		wantName:     "nop",
		wantCategory: CategoryUncategorized,
	}, {
		description:  "add rax, rbx",
		mode:         Mode64,
		raw:          []byte{0x48, 0x01, 0xd8},
		wantName:     "add",
		wantCategory: CategoryMath,
	}, {
		description:  "mov eax, [rdi]",
		mode:         Mode64,
		raw:          []byte{0x8b, 0x07},
		wantName:     "mov",
		wantCategory: CategoryMove | CategoryLoad,
	}, {
		description:  "mov [rdi], eax",
		mode:         Mode64,
		raw:          []byte{0x89, 0x07},
		wantName:     "mov",
		wantCategory: CategoryMove | CategoryStore,
	}, {
		description:  "ret",
		mode:         Mode64,
		raw:          []byte{0xc3},
		wantName:     "ret",
		wantCategory: CategoryBranch | CategoryLoad,
	}, {
		description:  "call rel32",
		mode:         Mode64,
		raw:          []byte{0xe8, 0x00, 0x00, 0x00, 0x00},
		wantName:     "call",
		wantCategory: CategoryBranch | CategoryStore,
	}, {
		description:  "addsd xmm0, xmm1",
		mode:         Mode64,
		raw:          []byte{0xf2, 0x0f, 0x58, 0xc1},
		wantName:     "addsd",
		wantCategory: CategoryFP | CategorySIMD | CategoryMath,
	}, {
		description:  "inc eax in 32-bit mode",
		mode:         Mode32,
		raw:          []byte{0x40},
		wantName:     "inc",
		wantCategory: CategoryMath,
	}, {
		description: "lone rex prefix in 64-bit mode",
		mode:        Mode64,
		raw:         []byte{0x40},
		wantErr:     true,
	}} {
		t.Run(test.description, func(t *testing.T) {
			d, err := X86Decoder{}.Decode(test.mode, 0x1000, test.raw)
			if (err != nil) != test.wantErr {
				t.Fatalf("Decode() yielded error %v, wanted error %t", err, test.wantErr)
			}
			if err != nil {
				return
			}
			if got := (X86Decoder{}).OpcodeName(d.Opcode); got != test.wantName {
				t.Errorf("OpcodeName() = %q, wanted %q", got, test.wantName)
			}
			if d.Category != test.wantCategory {
				t.Errorf("Category = %s, wanted %s", d.Category, test.wantCategory)
			}
		})
	}
}

func TestCacheDecodesOnce(t *testing.T) {
	cd := &countingDecoder{}
	ctx := NewContext(cd, nil)
	cache, err := NewCache(ctx, 0)
	if err != nil {
		t.Fatalf("NewCache() yielded unexpected error %v", err)
	}
	a := memref.Memref{Type: memref.Instr, PC: 0x10, Encoding: memref.Bytes{0x06}}
	rewritten := memref.Memref{Type: memref.Instr, PC: 0x10, Encoding: memref.Bytes{0x07}}
	var got []Descriptor
	for _, m := range []memref.Memref{a, a, rewritten, a, rewritten} {
		d, err := cache.LookupOrDecode(Mode64, m)
		if err != nil {
			t.Fatalf("LookupOrDecode() yielded unexpected error %v", err)
		}
		got = append(got, d)
	}
	da := Descriptor{Opcode: 6, Category: CategoryLoad}
	dr := Descriptor{Opcode: 7, Category: CategoryLoad}
	if diff := cmp.Diff([]Descriptor{da, da, dr, da, dr}, got); diff != "" {
		t.Errorf("descriptors diff (-want +got) %s", diff)
	}
	if calls := cd.calls.Load(); calls != 2 {
		t.Errorf("decoder invoked %d times, wanted 2", calls)
	}
	if diff := cmp.Diff(CacheStats{Hits: 3, Misses: 2, Entries: 2}, cache.Stats()); diff != "" {
		t.Errorf("stats diff (-want +got) %s", diff)
	}
	// The same bytes decode separately under another mode.
	if _, err := cache.LookupOrDecode(Mode32, a); err != nil {
		t.Fatalf("LookupOrDecode() yielded unexpected error %v", err)
	}
	if calls := cd.calls.Load(); calls != 3 {
		t.Errorf("decoder invoked %d times, wanted 3", calls)
	}
	cache.Close()
	if err := ctx.Close(); err != nil {
		t.Errorf("Close() yielded unexpected error %v", err)
	}
}

func TestCacheEviction(t *testing.T) {
	cd := &countingDecoder{}
	ctx := NewContext(cd, nil)
	cache, err := NewCache(ctx, 1)
	if err != nil {
		t.Fatalf("NewCache() yielded unexpected error %v", err)
	}
	defer cache.Close()
	a := memref.Memref{Type: memref.Instr, PC: 1, Encoding: memref.Bytes{0x01}}
	b := memref.Memref{Type: memref.Instr, PC: 2, Encoding: memref.Bytes{0x02}}
	for _, m := range []memref.Memref{a, b, a} {
		if _, err := cache.LookupOrDecode(Mode64, m); err != nil {
			t.Fatalf("LookupOrDecode() yielded unexpected error %v", err)
		}
	}
	if calls := cd.calls.Load(); calls != 3 {
		t.Errorf("decoder invoked %d times, wanted 3", calls)
	}
}

func TestDecodeErrors(t *testing.T) {
	for _, test := range []struct {
		description string
		raw         []byte
		wantIs      error
	}{{
		description: "missing encoding",
		wantIs:      ErrNoEncoding,
	}, {
		description: "rejected encoding",
		raw:         []byte{0xff},
	}} {
		t.Run(test.description, func(t *testing.T) {
			cd := &countingDecoder{}
			ctx := NewContext(cd, nil)
			cache, err := NewCache(ctx, 0)
			if err != nil {
				t.Fatalf("NewCache() yielded unexpected error %v", err)
			}
			defer cache.Close()
			_, err = cache.LookupOrDecode(Mode64, memref.Memref{Type: memref.Instr, PC: 0x42, Encoding: test.raw})
			var decodeErr *Error
			if !errors.As(err, &decodeErr) {
				t.Fatalf("LookupOrDecode() yielded %v, wanted a *decode.Error", err)
			}
			if decodeErr.PC != 0x42 {
				t.Errorf("error PC = %#x, wanted 0x42", decodeErr.PC)
			}
			if test.wantIs != nil && !errors.Is(err, test.wantIs) {
				t.Errorf("LookupOrDecode() yielded %v, wanted %v", err, test.wantIs)
			}
			// Failures aren't cached.
			cache.LookupOrDecode(Mode64, memref.Memref{Type: memref.Instr, PC: 0x42, Encoding: test.raw})
			if got := cache.Stats().Entries; got != 0 {
				t.Errorf("cache holds %d entries after failures, wanted 0", got)
			}
		})
	}
}

func TestContextCloseOrder(t *testing.T) {
	ctx := NewContext(&countingDecoder{}, nil)
	cache, err := NewCache(ctx, 0)
	if err != nil {
		t.Fatalf("NewCache() yielded unexpected error %v", err)
	}
	if err := ctx.Close(); err == nil {
		t.Fatalf("Close() with an attached cache succeeded, wanted error")
	}
	cache.Close()
	cache.Close()
	if err := ctx.Close(); err != nil {
		t.Fatalf("Close() yielded unexpected error %v", err)
	}
	if _, err := NewCache(ctx, 0); err == nil {
		t.Errorf("NewCache() on a closed context succeeded, wanted error")
	}
	if _, err := ctx.Decode(Mode64, 0, []byte{0x01}); err == nil {
		t.Errorf("Decode() on a closed context succeeded, wanted error")
	}
}

func TestContextModeSwitching(t *testing.T) {
	const perWorker = 200
	cd := &countingDecoder{modes: make(chan Mode, 2*perWorker)}
	ctx := NewContext(cd, nil)
	var wg sync.WaitGroup
	for _, mode := range []Mode{Mode32, Mode64} {
		wg.Add(1)
		go func(mode Mode) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if _, err := ctx.Decode(mode, uint64(i), []byte{0x01}); err != nil {
					t.Errorf("Decode() yielded unexpected error %v", err)
				}
			}
		}(mode)
	}
	wg.Wait()
	close(cd.modes)
	counts := map[Mode]int{}
	for mode := range cd.modes {
		counts[mode]++
	}
	if diff := cmp.Diff(map[Mode]int{Mode32: perWorker, Mode64: perWorker}, counts); diff != "" {
		t.Errorf("decoded modes diff (-want +got) %s", diff)
	}
	if ctx.ModeSwitches() == 0 {
		t.Errorf("ModeSwitches() = 0, wanted at least one switch")
	}
	if _, err := ctx.Decode(Mode(8), 0, []byte{0x01}); err == nil {
		t.Errorf("Decode() with an unsupported mode succeeded, wanted error")
	}
}

func writeModule(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestModules(t *testing.T) {
	dir := t.TempDir()
	code := make([]byte, 64)
	for i := range code {
		code[i] = byte(i)
	}
	libPath := writeModule(t, dir, "lib.so", code)
	listPath := writeModule(t, dir, "modules.json", []byte(fmt.Sprintf(
		`{"modules":[{"path":%q,"start":4096,"size":32,"offset":16}]}`, libPath,
	)))
	mods, err := LoadModules(listPath, "")
	if err != nil {
		t.Fatalf("LoadModules() yielded unexpected error %v", err)
	}
	for _, test := range []struct {
		description string
		pc          uint64
		want        []byte
		wantErr     bool
	}{{
		description: "start of module",
		pc:          4096,
		want:        code[16:31],
	}, {
		description: "clipped at module end",
		pc:          4096 + 28,
		want:        code[44:48],
	}, {
		description: "before module",
		pc:          4095,
		wantErr:     true,
	}, {
		description: "after module",
		pc:          4096 + 32,
		wantErr:     true,
	}} {
		t.Run(test.description, func(t *testing.T) {
			got, err := mods.Bytes(test.pc)
			if (err != nil) != test.wantErr {
				t.Fatalf("Bytes(%#x) yielded error %v, wanted error %t", test.pc, err, test.wantErr)
			}
			if diff := cmp.Diff(test.want, got); diff != "" {
				t.Errorf("Bytes(%#x) diff (-want +got) %s", test.pc, diff)
			}
		})
	}
	// A Context with modules recovers missing encodings.
	cd := &countingDecoder{}
	ctx := NewContext(cd, mods)
	d, err := ctx.Decode(Mode64, 4096+4, nil)
	if err != nil {
		t.Fatalf("Decode() yielded unexpected error %v", err)
	}
	if d.Opcode != 20 {
		t.Errorf("Decode() opcode = %d, wanted 20", d.Opcode)
	}
	if err := ctx.Close(); err != nil {
		t.Errorf("Close() yielded unexpected error %v", err)
	}
}

func TestLoadModulesErrors(t *testing.T) {
	dir := t.TempDir()
	altDir := t.TempDir()
	writeModule(t, altDir, "lib.so", make([]byte, 32))
	for _, test := range []struct {
		description string
		list        string
		altDir      string
		wantErr     bool
	}{{
		description: "alternate directory",
		list:        `{"modules":[{"path":"/nonexistent/lib.so","start":0,"size":32}]}`,
		altDir:      altDir,
	}, {
		description: "missing module file",
		list:        `{"modules":[{"path":"/nonexistent/lib.so","start":0,"size":32}]}`,
		wantErr:     true,
	}, {
		description: "code range past end of file",
		list:        `{"modules":[{"path":"/nonexistent/lib.so","start":0,"size":64}]}`,
		altDir:      altDir,
		wantErr:     true,
	}, {
		description: "malformed list",
		list:        `{"modules":`,
		wantErr:     true,
	}} {
		t.Run(test.description, func(t *testing.T) {
			listPath := writeModule(t, dir, "modules.json", []byte(test.list))
			mods, err := LoadModules(listPath, test.altDir)
			if (err != nil) != test.wantErr {
				t.Fatalf("LoadModules() yielded error %v, wanted error %t", err, test.wantErr)
			}
			if err != nil {
				if !errors.Is(err, ErrModuleResolution) {
					t.Errorf("LoadModules() yielded %v, wanted ErrModuleResolution", err)
				}
				return
			}
			if mods.Len() != 1 {
				t.Errorf("Len() = %d, wanted 1", mods.Len())
			}
			mods.Close()
		})
	}
	if _, err := LoadModules(filepath.Join(dir, "absent.json"), ""); !errors.Is(err, ErrModuleResolution) {
		t.Errorf("LoadModules() of a missing list yielded %v, wanted ErrModuleResolution", err)
	}
}
