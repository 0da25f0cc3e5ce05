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

package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"
	"github.com/google/opcodemix/store"
)

func writeTrace(t *testing.T, dir, name string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
	return path
}

func setFlag(t *testing.T, name, value string) {
	t.Helper()
	old := flag.Lookup(name).Value.String()
	if err := flag.Set(name, value); err != nil {
		t.Fatalf("failed to set -%s: %v", name, err)
	}
	t.Cleanup(func() {
		flag.Set(name, old)
	})
}

func TestRun(t *testing.T) {
	dir := t.TempDir()
	paths := []string{
		writeTrace(t, dir, "shard0.jsonl",
			`{"version":"v1.1.0","shard":0,"filetype":["encodings","x86_64"]}`,
			`{"type":"marker","marker":"timestamp","value":100}`,
			`{"type":"instr","pc":4096,"size":3,"enc":"4801d8"}`,
			`{"type":"instr","pc":4099,"size":3,"enc":"4801d8"}`,
			`{"type":"read","addr":8192,"size":8}`,
			`{"type":"instr","pc":4102,"size":1,"enc":"c3"}`,
		),
		writeTrace(t, dir, "shard1.jsonl",
			`{"version":"v1.0.3","shard":1,"filetype":["encodings","x86_64"]}`,
			`{"type":"instr","pc":8192,"size":1,"enc":"c3"}`,
		),
	}
	jsonPath := filepath.Join(dir, "report.json")
	dbPath := filepath.Join(dir, "report.db")
	setFlag(t, "interval", "2")
	setFlag(t, "json", jsonPath)
	setFlag(t, "sqlite", dbPath)
	setFlag(t, "metrics_file", filepath.Join(dir, "metrics.prom"))

	var out bytes.Buffer
	if err := run(context.Background(), paths, &out); err != nil {
		t.Fatalf("run() yielded unexpected error %v", err)
	}
	for _, want := range []string{
		fmt.Sprintf("%15d : total executed instructions\n", 4),
		fmt.Sprintf("%15d : add\n", 2),
		fmt.Sprintf("%15d : ret\n", 2),
		"Interval #2 of whole trace at timestamp 100:\n",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("run() output lacks %q:\n%s", want, out.String())
		}
	}

	raw, err := os.ReadFile(jsonPath)
	if err != nil {
		t.Fatalf("failed to read JSON report: %v", err)
	}
	var got jsonReport
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("failed to parse JSON report: %v", err)
	}
	var gotIntervalInstrs []int64
	for _, ir := range got.Intervals {
		gotIntervalInstrs = append(gotIntervalInstrs, ir.Instructions)
	}
	if diff := cmp.Diff([]int64{3, 1}, gotIntervalInstrs); diff != "" {
		t.Errorf("JSON interval instructions diff (-want +got) %s", diff)
	}
	if got.Totals.Instructions != 4 {
		t.Errorf("JSON total instructions = %d, wanted 4", got.Totals.Instructions)
	}

	db, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("store.Open() yielded unexpected error %v", err)
	}
	defer db.Close()
	runs, err := db.Runs(context.Background())
	if err != nil {
		t.Fatalf("Runs() yielded unexpected error %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("stored %d runs, wanted 1", len(runs))
	}
	if _, err := os.Stat(filepath.Join(dir, "metrics.prom")); err != nil {
		t.Errorf("metrics file wasn't written: %v", err)
	}
}

func TestRunMissingTrace(t *testing.T) {
	if err := run(context.Background(), []string{filepath.Join(t.TempDir(), "missing.jsonl")}, &bytes.Buffer{}); err == nil {
		t.Errorf("run() succeeded, wanted error")
	}
}
