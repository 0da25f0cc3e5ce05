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

// Binary opcode_mix reports the opcodes and instruction categories executed
// in a set of trace files, one file per shard.
//
// Usage:
//
//	opcode_mix [flags] trace.jsonl...
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"

	"github.com/goccy/go-json"
	"github.com/google/opcodemix/analysis"
	"github.com/google/opcodemix/decode"
	"github.com/google/opcodemix/memref"
	"github.com/google/opcodemix/opcodemix"
	"github.com/google/opcodemix/store"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	moduleFile    = flag.String("module_file", "", "Module list used to recover the bytes of instructions recorded without encodings.")
	altModuleDir  = flag.String("alt_module_dir", "", "Directory searched for module files in place of their recorded paths.")
	verbose       = flag.Int("verbose", 0, "Diagnostic verbosity: 0 for warnings, 1 for progress, 2 for debugging.")
	interval      = flag.Uint64("interval", 0, "If nonzero, also report counts for every interval of this many instructions.")
	perShard      = flag.Bool("per_shard_intervals", false, "With -interval, also report each shard's own intervals.")
	jobs          = flag.Int("jobs", 0, "Shards processed concurrently; 0 uses every CPU.")
	serial        = flag.Bool("serial", false, "Process all shards as one serial stream, in the order given.")
	cacheCapacity = flag.Int("cache_capacity", decode.DefaultCacheCapacity, "Decoded instructions retained per shard.")
	categories    = flag.String("categories", "", "If set, report only these categories, as a '|'-separated list (e.g. 'load|store').")
	jsonOut       = flag.String("json", "", "If set, also write the report as JSON to this file ('-' for stdout).")
	sqlitePath    = flag.String("sqlite", "", "If set, also store the report in this SQLite database.")
	metricsFile   = flag.String("metrics_file", "", "If set, write run metrics to this file in Prometheus text format.")
)

// The -json report.
type jsonReport struct {
	Totals         opcodemix.Report           `json:"totals"`
	Intervals      []opcodemix.IntervalReport `json:"intervals,omitempty"`
	ShardIntervals []opcodemix.IntervalReport `json:"shard_intervals,omitempty"`
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] trace.jsonl...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, flag.Args(), os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "opcode_mix: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, paths []string, out io.Writer) (err error) {
	if len(paths) == 0 {
		flag.Usage()
		return errors.New("at least one trace file is required")
	}
	logger := analysis.NewLogger(*verbose, os.Stderr)
	reg := prometheus.NewRegistry()
	cfg := opcodemix.DefaultConfig()
	cfg.ModuleFilePath = *moduleFile
	cfg.AltModuleDir = *altModuleDir
	cfg.Verbose = *verbose
	cfg.CacheCapacity = *cacheCapacity
	cfg.Registerer = reg
	cfg.Logger = logger
	tool, err := opcodemix.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, tool.Close())
		if *metricsFile != "" {
			err = errors.Join(err, prometheus.WriteToTextfile(*metricsFile, reg))
		}
	}()
	if *categories != "" {
		mask, err := decode.ParseCategory(*categories)
		if err != nil {
			return err
		}
		tool.WithCategories(mask)
	}

	readers := make([]memref.Reader, 0, len(paths))
	for _, path := range paths {
		fr, err := memref.Open(path)
		if err != nil {
			return err
		}
		defer fr.Close()
		logger.Info().Str("path", path).Int("shard", fr.ShardIndex()).Str("version", fr.Header().Version).Msg("opened trace")
		readers = append(readers, fr)
	}

	s := analysis.NewScheduler[*opcodemix.ShardData, *opcodemix.Snapshot](tool, analysis.Options{
		Serial:               *serial,
		Workers:              *jobs,
		IntervalInstructions: *interval,
		Logger:               logger,
	})
	res, err := s.Run(ctx, readers)
	if res != nil {
		defer func() {
			err = errors.Join(err, s.Release(res))
		}()
	}
	if err != nil {
		return err
	}

	// Shard errors don't prevent the remaining output.
	shardErr := tool.PrintResults(out)
	report := jsonReport{Totals: tool.Report()}
	if *interval > 0 {
		if report.Intervals, err = tool.IntervalReports(res.Intervals); err != nil {
			return err
		}
		if err := opcodemix.WriteIntervalsText(out, report.Intervals); err != nil {
			return err
		}
	}
	if *perShard {
		shards := make([]int, 0, len(res.ShardIntervals))
		for shard := range res.ShardIntervals {
			shards = append(shards, shard)
		}
		slices.Sort(shards)
		for _, shard := range shards {
			reports, err := tool.IntervalReports(res.ShardIntervals[shard])
			if err != nil {
				return err
			}
			report.ShardIntervals = append(report.ShardIntervals, reports...)
		}
		if err := opcodemix.WriteIntervalsText(out, report.ShardIntervals); err != nil {
			return err
		}
	}
	if *jsonOut != "" {
		if err := writeJSON(*jsonOut, out, report); err != nil {
			return err
		}
	}
	if *sqlitePath != "" {
		db, err := store.Open(*sqlitePath)
		if err != nil {
			return err
		}
		runID, err := db.SaveRun(ctx, report.Totals, append(report.Intervals, report.ShardIntervals...))
		if err := errors.Join(err, db.Close()); err != nil {
			return err
		}
		logger.Info().Str("run", runID).Str("path", *sqlitePath).Msg("stored report")
	}
	return shardErr
}

func writeJSON(path string, stdout io.Writer, report jsonReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if path == "-" {
		_, err := stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
