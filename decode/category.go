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

// Package decode classifies raw instructions into opcodes and instruction
// categories.  A single Context, shared by every shard of a run, wraps the
// underlying Decoder; each shard memoizes results in its own Cache.
package decode

import (
	"fmt"
	"iter"
	"math/bits"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Opcode identifies an instruction operation.  Its meaning is defined by the
// Decoder that produced it.
type Opcode int

// OpcodeInvalid is the Opcode of an instruction that was never decoded.
const OpcodeInvalid Opcode = -1

// Category is a set of instruction categories.  An instruction may belong
// to several categories at once.
type Category uint32

// CategoryUncategorized is the empty Category.
const CategoryUncategorized Category = 0

// Single-bit categories.
const (
	CategoryFP Category = 1 << iota
	CategoryLoad
	CategoryStore
	CategoryBranch
	CategorySIMD
	CategoryState
	CategoryMove
	CategoryConvert
	CategoryMath
	CategoryOther
)

var categoryNames = map[Category]string{
	CategoryFP:      "fp",
	CategoryLoad:    "load",
	CategoryStore:   "store",
	CategoryBranch:  "branch",
	CategorySIMD:    "simd",
	CategoryState:   "state",
	CategoryMove:    "move",
	CategoryConvert: "convert",
	CategoryMath:    "math",
	CategoryOther:   "other",
}

// Bits yields each single-bit Category set in the receiver, lowest first.
func (c Category) Bits() iter.Seq[Category] {
	return func(yield func(Category) bool) {
		for rest := uint32(c); rest != 0; rest &= rest - 1 {
			if !yield(Category(1 << bits.TrailingZeros32(rest))) {
				return
			}
		}
	}
}

// Count returns the number of single-bit categories set in the receiver.
func (c Category) Count() int {
	return bits.OnesCount32(uint32(c))
}

// String returns the space-separated names of the receiver's set bits.
func (c Category) String() string {
	if c == CategoryUncategorized {
		return "uncategorized"
	}
	var names []string
	for bit := range c.Bits() {
		if name, ok := categoryNames[bit]; ok {
			names = append(names, name)
		} else {
			names = append(names, fmt.Sprintf("%#x", uint32(bit)))
		}
	}
	return strings.Join(names, " ")
}

// Descriptor is the classification of one decoded instruction.
type Descriptor struct {
	Opcode   Opcode
	Category Category
}

// A case-insensitive tree of category names, used to lex category lists.
type nameNode struct {
	category    Category
	hasCategory bool
	children    map[rune]*nameNode
}

var categoryNameTree = func() *nameNode {
	root := &nameNode{}
	for category, name := range categoryNames {
		cursor := root
		for _, r := range name {
			r = unicode.ToUpper(r)
			if cursor.children == nil {
				cursor.children = map[rune]*nameNode{}
			}
			child, ok := cursor.children[r]
			if !ok {
				child = &nameNode{}
				cursor.children[r] = child
			}
			cursor = child
		}
		cursor.category, cursor.hasCategory = category, true
	}
	return root
}()

// Returns the category whose name is the longest prefix of str, provided
// that name is followed by end-of-input or a non-letter, and the length of
// that name.
func (n *nameNode) findMaximalPrefix(str string) (found bool, length int, category Category) {
	r, c := utf8.DecodeRuneInString(str)
	r = unicode.ToUpper(r)
	if child, ok := n.children[r]; ok && c > 0 {
		if found, length, category = child.findMaximalPrefix(str[c:]); found {
			return true, length + c, category
		}
	}
	if n.hasCategory && (c == 0 || !unicode.IsLetter(r)) {
		return true, 0, n.category
	}
	return false, 0, 0
}

// ParseCategory parses a list of category names separated by '|', ',' or
// whitespace, such as "load|store", into a Category.  Names are
// case-insensitive.
func ParseCategory(str string) (Category, error) {
	var ret Category
	rest := str
	for {
		rest = strings.TrimLeftFunc(rest, func(r rune) bool {
			return r == '|' || r == ',' || unicode.IsSpace(r)
		})
		if rest == "" {
			return ret, nil
		}
		found, length, category := categoryNameTree.findMaximalPrefix(rest)
		if !found {
			return 0, fmt.Errorf("unknown category at '%s' in '%s'", rest, str)
		}
		ret |= category
		rest = rest[length:]
	}
}
