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

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/opcodemix/analysis"
	"github.com/google/opcodemix/decode"
	"github.com/google/opcodemix/opcodemix"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "opcode_mix.db"))
	if err != nil {
		t.Fatalf("Open() yielded unexpected error %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close() yielded unexpected error %v", err)
		}
	})
	return s
}

func TestSaveRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	totals := opcodemix.Report{
		Instructions: 4,
		Opcodes: []opcodemix.OpcodeCount{
			{Opcode: 1, Name: "add", Count: 3},
			{Opcode: 2, Name: "mov", Count: 1},
		},
		Categories: []opcodemix.CategoryCount{
			{Category: decode.CategoryMath, Name: "math", Count: 3},
			{Category: decode.CategoryLoad, Name: "load", Count: 1},
		},
		ShardErrors: []opcodemix.ShardFailure{
			{Shard: 2, Error: "failed to decode instruction at 0x1000"},
		},
	}
	intervals := []opcodemix.IntervalReport{{
		Shard:        analysis.WholeTraceShardID,
		Interval:     1,
		EndTimestamp: 100,
		Cumulative:   3,
		Report: opcodemix.Report{
			Instructions: 3,
			Opcodes:      []opcodemix.OpcodeCount{{Opcode: 1, Name: "add", Count: 3}},
			Categories:   []opcodemix.CategoryCount{{Category: decode.CategoryMath, Name: "math", Count: 3}},
		},
	}, {
		Shard:        analysis.WholeTraceShardID,
		Interval:     2,
		EndTimestamp: 200,
		Cumulative:   4,
		Report: opcodemix.Report{
			Instructions: 1,
			Opcodes:      []opcodemix.OpcodeCount{{Opcode: 2, Name: "mov", Count: 1}},
			Categories:   []opcodemix.CategoryCount{{Category: decode.CategoryLoad, Name: "load", Count: 1}},
		},
	}}
	s.now = func() time.Time { return time.Unix(1000, 0) }
	first, err := s.SaveRun(ctx, totals, intervals)
	if err != nil {
		t.Fatalf("SaveRun() yielded unexpected error %v", err)
	}
	s.now = func() time.Time { return time.Unix(2000, 0) }
	second, err := s.SaveRun(ctx, opcodemix.Report{}, nil)
	if err != nil {
		t.Fatalf("SaveRun() yielded unexpected error %v", err)
	}
	runs, err := s.Runs(ctx)
	if err != nil {
		t.Fatalf("Runs() yielded unexpected error %v", err)
	}
	if diff := cmp.Diff([]string{first, second}, runs); diff != "" {
		t.Errorf("Runs() diff (-want +got) %s", diff)
	}
	for _, test := range []struct {
		description string
		shard       int
		interval    uint64
		wantOpcodes map[string]int64
		wantCats    map[string]int64
	}{{
		description: "totals",
		shard:       analysis.WholeTraceShardID,
		interval:    0,
		wantOpcodes: map[string]int64{"add": 3, "mov": 1},
		wantCats:    map[string]int64{"math": 3, "load": 1},
	}, {
		description: "second interval",
		shard:       analysis.WholeTraceShardID,
		interval:    2,
		wantOpcodes: map[string]int64{"mov": 1},
		wantCats:    map[string]int64{"load": 1},
	}, {
		description: "missing interval",
		shard:       0,
		interval:    1,
		wantOpcodes: map[string]int64{},
		wantCats:    map[string]int64{},
	}} {
		t.Run(test.description, func(t *testing.T) {
			gotOpcodes, err := s.OpcodeCounts(ctx, first, test.shard, test.interval)
			if err != nil {
				t.Fatalf("OpcodeCounts() yielded unexpected error %v", err)
			}
			if diff := cmp.Diff(test.wantOpcodes, gotOpcodes); diff != "" {
				t.Errorf("OpcodeCounts() diff (-want +got) %s", diff)
			}
			gotCats, err := s.CategoryCounts(ctx, first, test.shard, test.interval)
			if err != nil {
				t.Fatalf("CategoryCounts() yielded unexpected error %v", err)
			}
			if diff := cmp.Diff(test.wantCats, gotCats); diff != "" {
				t.Errorf("CategoryCounts() diff (-want +got) %s", diff)
			}
		})
	}
	gotInstrs, err := s.IntervalInstructions(ctx, first, analysis.WholeTraceShardID)
	if err != nil {
		t.Fatalf("IntervalInstructions() yielded unexpected error %v", err)
	}
	if diff := cmp.Diff([]int64{3, 1}, gotInstrs); diff != "" {
		t.Errorf("IntervalInstructions() diff (-want +got) %s", diff)
	}
	gotErrs, err := s.ShardErrors(ctx, first)
	if err != nil {
		t.Fatalf("ShardErrors() yielded unexpected error %v", err)
	}
	if diff := cmp.Diff(map[int]string{2: "failed to decode instruction at 0x1000"}, gotErrs); diff != "" {
		t.Errorf("ShardErrors() diff (-want +got) %s", diff)
	}
}

func TestSaveRunRollsBack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	// Duplicate opcodes within one interval violate the primary key.
	_, err := s.SaveRun(ctx, opcodemix.Report{
		Instructions: 2,
		Opcodes: []opcodemix.OpcodeCount{
			{Opcode: 1, Name: "add", Count: 1},
			{Opcode: 1, Name: "add", Count: 1},
		},
	}, nil)
	if err == nil {
		t.Fatalf("SaveRun() succeeded, wanted error")
	}
	runs, err := s.Runs(ctx)
	if err != nil {
		t.Fatalf("Runs() yielded unexpected error %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("Runs() = %v after failed SaveRun(), wanted none", runs)
	}
}
