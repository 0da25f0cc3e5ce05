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
	"cmp"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/google/opcodemix/analysis"
	"github.com/google/opcodemix/decode"
)

// OpcodeCount is the number of instructions with one opcode.
type OpcodeCount struct {
	Opcode decode.Opcode `json:"opcode"`
	Name   string        `json:"name"`
	Count  int64         `json:"count"`
}

// CategoryCount is the number of instructions in one category.
type CategoryCount struct {
	Category decode.Category `json:"-"`
	Name     string          `json:"name"`
	Count    int64           `json:"count"`
}

// Report is a rendering-ready view of instruction-mix counts.  Opcodes and
// categories are ordered by decreasing count.
type Report struct {
	Instructions int64           `json:"instructions"`
	Opcodes      []OpcodeCount   `json:"opcodes"`
	Categories   []CategoryCount `json:"categories"`
	ShardErrors  []ShardFailure  `json:"shard_errors,omitempty"`
}

// IntervalReport is a Report of the instructions within one interval.
type IntervalReport struct {
	Shard        int    `json:"shard"`
	Interval     uint64 `json:"interval"`
	EndTimestamp uint64 `json:"end_timestamp"`
	Cumulative   uint64 `json:"cumulative_instructions"`
	Report
}

// Builds a Report from counts.  If filter is nonzero, only categories it
// includes are reported.
func newReport(counts Counts, opcodeName func(decode.Opcode) string, filter decode.Category) Report {
	ret := Report{
		Instructions: counts.Instructions,
		Opcodes:      make([]OpcodeCount, 0, len(counts.Opcodes)),
		Categories:   make([]CategoryCount, 0, len(counts.Categories)),
	}
	for op, n := range counts.Opcodes {
		ret.Opcodes = append(ret.Opcodes, OpcodeCount{Opcode: op, Name: opcodeName(op), Count: n})
	}
	slices.SortFunc(ret.Opcodes, func(a, b OpcodeCount) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.Opcode, b.Opcode)
	})
	for cat, n := range counts.Categories {
		if filter != decode.CategoryUncategorized && cat&filter == 0 {
			continue
		}
		ret.Categories = append(ret.Categories, CategoryCount{Category: cat, Name: cat.String(), Count: n})
	}
	slices.SortFunc(ret.Categories, func(a, b CategoryCount) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.Category, b.Category)
	})
	return ret
}

func writeCount(sb *strings.Builder, indent string, n int64, label string) {
	fmt.Fprintf(sb, "%s%15d : %s\n", indent, n, label)
}

func (r Report) writeCounts(sb *strings.Builder, indent string) {
	writeCount(sb, indent, int64(len(r.Opcodes)), "unique opcodes")
	for _, oc := range r.Opcodes {
		writeCount(sb, indent, oc.Count, oc.Name)
	}
	writeCount(sb, indent, int64(len(r.Categories)), "categories")
	for _, cc := range r.Categories {
		writeCount(sb, indent, cc.Count, cc.Name)
	}
}

// WriteText writes the receiver as a human-readable table.
func (r Report) WriteText(w io.Writer) error {
	var sb strings.Builder
	sb.WriteString("Opcode mix tool results:\n")
	writeCount(&sb, "", r.Instructions, "total executed instructions")
	r.writeCounts(&sb, "")
	for _, f := range r.ShardErrors {
		if f.Shard == analysis.WholeTraceShardID {
			fmt.Fprintf(&sb, "Error: %s\n", f.Error)
		} else {
			fmt.Fprintf(&sb, "Shard %d error: %s\n", f.Shard, f.Error)
		}
	}
	_, err := io.WriteString(w, sb.String())
	return err
}

func shardName(shard int) string {
	if shard == analysis.WholeTraceShardID {
		return "whole trace"
	}
	return fmt.Sprintf("shard %d", shard)
}

// WriteIntervalsText writes the provided interval reports as human-readable
// tables, one per interval.
func WriteIntervalsText(w io.Writer, reports []IntervalReport) error {
	var sb strings.Builder
	sb.WriteString("Opcode mix interval results:\n")
	for _, ir := range reports {
		fmt.Fprintf(&sb, "Interval #%d of %s at timestamp %d:\n", ir.Interval, shardName(ir.Shard), ir.EndTimestamp)
		writeCount(&sb, "  ", ir.Instructions, "interval instructions")
		writeCount(&sb, "  ", int64(ir.Cumulative), "cumulative instructions")
		ir.writeCounts(&sb, "  ")
	}
	_, err := io.WriteString(w, sb.String())
	return err
}
