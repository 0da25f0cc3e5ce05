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

// Package opcodemix counts the opcodes and instruction categories executed
// in a trace, for the whole trace and per interval.
package opcodemix

import (
	"fmt"
	"io"
	"sync/atomic"

	"github.com/google/opcodemix/analysis"
	"github.com/google/opcodemix/decode"
	"github.com/google/opcodemix/memref"
	"github.com/phuslu/log"
)

// Tool is an analysis.Tool counting opcodes and instruction categories.
// Every shard shares one decode.Context; each has its own decode.Cache.
type Tool struct {
	cfg        Config
	logger     *log.Logger
	metrics    *metrics
	categories decode.Category

	dctx   *decode.Context
	shards *registry
	serial *ShardData

	outstanding atomic.Int64
	closed      bool
}

var _ analysis.Tool[*ShardData, *Snapshot] = (*Tool)(nil)

// New returns a new Tool configured by cfg.  The returned Tool must be
// closed once all of its results have been consumed.
func New(cfg Config) (*Tool, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid opcode mix configuration: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = analysis.NewLogger(cfg.Verbose, nil)
	}
	return &Tool{
		cfg:     cfg,
		logger:  logger,
		metrics: newMetrics(cfg.Registerer),
		shards:  newRegistry(),
	}, nil
}

// WithCategories restricts the categories reported by the receiver to
// those in the provided mask, returning the receiver for fluent
// invocation.  An uncategorized mask reports all categories.
func (t *Tool) WithCategories(mask decode.Category) *Tool {
	t.categories = mask
	return t
}

// InitializeStream creates the shared decode context, loading the
// configured module file if any.  serial is non-nil in serial operation.
func (t *Tool) InitializeStream(serial memref.Stream) error {
	if t.dctx != nil {
		return fmt.Errorf("%w: stream initialized twice", ErrMisuse)
	}
	if t.closed {
		return fmt.Errorf("%w: stream initialized after close", ErrMisuse)
	}
	var modules *decode.Modules
	if t.cfg.ModuleFilePath != "" {
		var err error
		if modules, err = decode.LoadModules(t.cfg.ModuleFilePath, t.cfg.AltModuleDir); err != nil {
			return err
		}
		t.logger.Info().Str("module_file", t.cfg.ModuleFilePath).Int("modules", modules.Len()).Msg("loaded modules")
	}
	t.dctx = decode.NewContext(t.cfg.Decoder, modules)
	if serial == nil {
		return nil
	}
	t.serial = newShardData(analysis.WholeTraceShardID)
	if err := t.serial.init(t.dctx, serial.FileType(), t.cfg.CacheCapacity); err != nil {
		return err
	}
	t.logger.Info().Str("file_type", serial.FileType().String()).Msg("initialized serial stream")
	if msg := t.serial.Error(); msg != "" {
		t.logger.Warn().Str("error", msg).Msg("serial stream can't be decoded")
	}
	return nil
}

// ProcessMemref counts the next record in serial operation.
func (t *Tool) ProcessMemref(m memref.Memref) error {
	if t.serial == nil {
		return fmt.Errorf("%w: serial record delivered without a serial stream", ErrMisuse)
	}
	return t.serial.consume(m)
}

// ParallelShardSupported implements analysis.Tool.
func (t *Tool) ParallelShardSupported() bool {
	return true
}

// ParallelShardInit registers and initializes the state of a new shard.
func (t *Tool) ParallelShardInit(shardIndex int, stream memref.Stream) (*ShardData, error) {
	if t.dctx == nil {
		return nil, fmt.Errorf("%w: shard %d initialized before the stream", ErrMisuse, shardIndex)
	}
	sd, err := t.shards.register(shardIndex)
	if err != nil {
		return nil, err
	}
	if err := sd.init(t.dctx, stream.FileType(), t.cfg.CacheCapacity); err != nil {
		return nil, err
	}
	t.logger.Debug().Int("shard", shardIndex).Str("file_type", stream.FileType().String()).Str("mode", sd.mode.String()).Msg("shard initialized")
	return sd, nil
}

// ParallelShardMemref counts the shard's next record.
func (t *Tool) ParallelShardMemref(shard *ShardData, m memref.Memref) error {
	return shard.consume(m)
}

// ParallelShardExit finishes the shard, releasing its decode cache.
func (t *Tool) ParallelShardExit(shard *ShardData) error {
	if err := shard.finish(); err != nil {
		return err
	}
	t.metrics.recordShard(shard)
	t.logger.Debug().Int("shard", shard.id).Int64("instructions", shard.counts.Instructions).Str("state", shard.state.String()).Msg("shard exited")
	return nil
}

// ParallelShardError implements analysis.Tool.
func (t *Tool) ParallelShardError(shard *ShardData) string {
	return shard.Error()
}

// Shard returns the state of the shard with the provided index.  It must
// not be called while shards are being initialized.
func (t *Tool) Shard(shardIndex int) (*ShardData, bool) {
	return t.shards.lookup(shardIndex)
}

// Totals returns the whole trace's counters, and the failures of any shards
// that ended in error.  It must be called only once every shard has exited.
func (t *Tool) Totals() (Counts, []ShardFailure) {
	return mergeAll(t.reportedShards())
}

// Returns the shards whose counters make up the whole trace.
func (t *Tool) reportedShards() []*ShardData {
	if t.serial != nil {
		return []*ShardData{t.serial}
	}
	return t.shards.all()
}

// Report returns the whole trace's counters as a Report.
func (t *Tool) Report() Report {
	counts, failures := t.Totals()
	ret := newReport(counts, t.cfg.Decoder.OpcodeName, t.categories)
	ret.ShardErrors = failures
	return ret
}

// PrintResults writes the whole trace's counters.  If any shard failed,
// the counts accrued before the failure are still written, and the shard
// errors are returned.
func (t *Tool) PrintResults(w io.Writer) error {
	report := t.Report()
	if err := report.WriteText(w); err != nil {
		return err
	}
	return shardsErr(t.reportedShards())
}

// GenerateIntervalSnapshot captures the whole trace's cumulative counters in
// serial operation.
func (t *Tool) GenerateIntervalSnapshot(intervalID uint64) (*Snapshot, error) {
	return t.capture(t.serial, intervalID)
}

// GenerateShardIntervalSnapshot captures the shard's cumulative counters.
func (t *Tool) GenerateShardIntervalSnapshot(shard *ShardData, intervalID uint64) (*Snapshot, error) {
	return t.capture(shard, intervalID)
}

// CombineIntervalSnapshots sums the cumulative snapshots of several shards
// for one interval.  All must share the same interval id.
func (t *Tool) CombineIntervalSnapshots(latest []*Snapshot, intervalEndTimestamp uint64) (*Snapshot, error) {
	return t.combine(latest, intervalEndTimestamp)
}

// FinalizeIntervalSnapshots converts a time-ordered sequence of cumulative
// snapshots into per-interval counts.  Each sequence may be finalized only
// once.
func (t *Tool) FinalizeIntervalSnapshots(snapshots []*Snapshot) error {
	return finalize(snapshots)
}

// IntervalReports returns finalized snapshots as IntervalReports.
func (t *Tool) IntervalReports(snapshots []*Snapshot) ([]IntervalReport, error) {
	ret := make([]IntervalReport, 0, len(snapshots))
	for _, s := range snapshots {
		if s == nil || !s.finalized || s.released {
			return nil, fmt.Errorf("%w: only finalized, unreleased snapshots can be reported", ErrMisuse)
		}
		ret = append(ret, IntervalReport{
			Shard:        s.ShardID,
			Interval:     s.IntervalID,
			EndTimestamp: s.IntervalEndTimestamp,
			Cumulative:   s.InstrCountCumulative,
			Report:       newReport(s.Counts, t.cfg.Decoder.OpcodeName, t.categories),
		})
	}
	return ret, nil
}

// PrintIntervalResults writes the per-interval counts of finalized
// snapshots.
func (t *Tool) PrintIntervalResults(w io.Writer, snapshots []*Snapshot) error {
	reports, err := t.IntervalReports(snapshots)
	if err != nil {
		return err
	}
	return WriteIntervalsText(w, reports)
}

// ReleaseIntervalSnapshot disposes of a snapshot.  Each snapshot may be
// released only once.
func (t *Tool) ReleaseIntervalSnapshot(snapshot *Snapshot) error {
	return t.release(snapshot)
}

// OutstandingSnapshots returns the number of snapshots captured but not yet
// released.
func (t *Tool) OutstandingSnapshots() int64 {
	return t.outstanding.Load()
}

// Close tears the receiver down: every shard's decode cache is released,
// then the shared decode context and its module mappings.  Unreleased
// interval snapshots are reported as leaks.
func (t *Tool) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	if t.serial != nil && !t.serial.exited && t.serial.state != ShardUninitialized {
		if err := t.serial.finish(); err != nil {
			return err
		}
		t.metrics.recordShard(t.serial)
	}
	for _, sd := range t.shards.all() {
		if !sd.exited {
			t.logger.Warn().Int("shard", sd.id).Msg("shard never exited")
		}
		sd.releaseCache()
	}
	if n := t.outstanding.Load(); n > 0 {
		t.logger.Warn().Int64("snapshots", n).Msg("interval snapshots were never released")
	}
	if t.dctx == nil {
		return nil
	}
	if switches := t.dctx.ModeSwitches(); switches > 0 {
		t.logger.Info().Uint64("mode_switches", switches).Msg("decode mode switched")
	}
	return t.dctx.Close()
}
