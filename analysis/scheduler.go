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

package analysis

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"slices"

	"github.com/google/opcodemix/memref"
	"github.com/phuslu/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const tracerName = "github.com/google/opcodemix/analysis"

// How many records a shard worker consumes between cancellation checks.
const cancellationCheckPeriod = 1024

// Options configures a Scheduler.
type Options struct {
	// If true, every record of every shard is delivered to ProcessMemref,
	// shard after shard.  Parallel operation is also abandoned for tools
	// that don't support it.
	Serial bool
	// The maximum number of concurrently processed shards.  Non-positive
	// values select GOMAXPROCS.
	Workers int
	// If non-zero, the length of an interval, in instructions.  Parallel
	// runs divide each shard into intervals; serial runs divide the whole
	// trace.
	IntervalInstructions uint64
	// If nil, a warning-level stderr logger is used.
	Logger *log.Logger
}

// Result is the outcome of a Scheduler run.
type Result[I IntervalSnapshot] struct {
	// Shard error text by shard index.  Serial errors are reported under
	// WholeTraceShardID.
	ShardErrors map[int]string
	// Finalized whole-trace interval snapshots, in interval order.  Empty
	// unless Options.IntervalInstructions is set.
	Intervals []I
	// Finalized per-shard interval snapshots, by shard index.  Empty in
	// serial operation.
	ShardIntervals map[int][]I
}

// Scheduler drives a Tool over a set of trace shards.
type Scheduler[S any, I IntervalSnapshot] struct {
	tool   Tool[S, I]
	opts   Options
	logger *log.Logger
	tracer trace.Tracer
}

// NewScheduler returns a new Scheduler running the provided Tool.
func NewScheduler[S any, I IntervalSnapshot](tool Tool[S, I], opts Options) *Scheduler[S, I] {
	logger := opts.Logger
	if logger == nil {
		logger = NewLogger(0, nil)
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	return &Scheduler[S, I]{
		tool:   tool,
		opts:   opts,
		logger: logger,
		tracer: otel.Tracer(tracerName),
	}
}

// Run delivers every record of the provided readers to the receiver's Tool,
// and returns the shard errors and finalized interval snapshots.  A
// returned error means the run was aborted; shard-scoped failures are
// reported in the Result instead.  Interval snapshots in the Result must be
// released with Release, including those of an aborted run's partial
// Result, which may not be finalized.
func (s *Scheduler[S, I]) Run(ctx context.Context, readers []memref.Reader) (*Result[I], error) {
	ctx, span := s.tracer.Start(ctx, "run", trace.WithAttributes(
		attribute.Int("shards", len(readers)),
		attribute.Bool("serial", s.opts.Serial),
	))
	defer span.End()
	seen := map[int]struct{}{}
	for _, r := range readers {
		if _, ok := seen[r.ShardIndex()]; ok {
			return nil, fmt.Errorf("shard %d is supplied more than once", r.ShardIndex())
		}
		seen[r.ShardIndex()] = struct{}{}
	}
	var res *Result[I]
	var err error
	if s.opts.Serial || !s.tool.ParallelShardSupported() {
		res, err = s.runSerial(ctx, readers)
	} else {
		res, err = s.runParallel(ctx, readers)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

// Release releases every interval snapshot in the provided Result.
func (s *Scheduler[S, I]) Release(res *Result[I]) error {
	var errs []error
	for _, snap := range res.Intervals {
		errs = append(errs, s.tool.ReleaseIntervalSnapshot(snap))
	}
	for _, snaps := range res.ShardIntervals {
		for _, snap := range snaps {
			errs = append(errs, s.tool.ReleaseIntervalSnapshot(snap))
		}
	}
	res.Intervals, res.ShardIntervals = nil, nil
	return errors.Join(errs...)
}

// A Stream concatenating several readers' records for serial operation.
type serialReader struct {
	memref.Cursor
	readers []memref.Reader
	current int
}

func newSerialReader(readers []memref.Reader) (*serialReader, error) {
	ret := &serialReader{
		readers: readers,
	}
	ret.Shard = WholeTraceShardID
	for idx, r := range readers {
		if idx == 0 {
			ret.Flags = r.FileType()
		} else if r.FileType() != ret.Flags {
			return nil, fmt.Errorf("shard %d file type %s differs from shard %d file type %s",
				r.ShardIndex(), r.FileType(), readers[0].ShardIndex(), ret.Flags)
		}
	}
	return ret, nil
}

func (sr *serialReader) Next() (memref.Memref, error) {
	for sr.current < len(sr.readers) {
		m, err := sr.readers[sr.current].Next()
		if errors.Is(err, io.EOF) {
			sr.current++
			continue
		}
		if err != nil {
			return memref.Memref{}, err
		}
		sr.Observe(m)
		return m, nil
	}
	return memref.Memref{}, io.EOF
}

func (s *Scheduler[S, I]) runSerial(ctx context.Context, readers []memref.Reader) (*Result[I], error) {
	sr, err := newSerialReader(readers)
	if err != nil {
		return nil, err
	}
	if err := s.tool.InitializeStream(sr); err != nil {
		return nil, err
	}
	res := &Result[I]{
		ShardErrors: map[int]string{},
	}
	capture := func(intervalID uint64) (I, error) {
		snap, err := s.tool.GenerateIntervalSnapshot(intervalID)
		if err != nil {
			return snap, err
		}
		meta := snap.Meta()
		meta.ShardID, meta.IntervalEndTimestamp = WholeTraceShardID, sr.LastTimestamp()
		return snap, nil
	}
	for n := 0; ; n++ {
		if n%cancellationCheckPeriod == 0 && ctx.Err() != nil {
			return res, ctx.Err()
		}
		m, err := sr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return res, err
		}
		if err := s.tool.ProcessMemref(m); err != nil {
			s.logger.Warn().Err(err).Msg("serial processing stopped")
			res.ShardErrors[WholeTraceShardID] = err.Error()
			break
		}
		if s.atBoundary(m, sr) {
			snap, err := capture(sr.InstructionOrdinal() / s.opts.IntervalInstructions)
			if err != nil {
				return res, err
			}
			res.Intervals = append(res.Intervals, snap)
		}
	}
	if s.opts.IntervalInstructions > 0 {
		snap, kept, err := s.captureTrailing(res.Intervals, capture)
		if err != nil {
			return res, err
		}
		if !kept {
			if err := s.tool.ReleaseIntervalSnapshot(snap); err != nil {
				return res, err
			}
		} else {
			res.Intervals = append(res.Intervals, snap)
		}
	}
	if err := s.tool.FinalizeIntervalSnapshots(res.Intervals); err != nil {
		return res, err
	}
	return res, nil
}

func (s *Scheduler[S, I]) atBoundary(m memref.Memref, stream memref.Stream) bool {
	return s.opts.IntervalInstructions > 0 && m.IsInstruction() &&
		stream.InstructionOrdinal()%s.opts.IntervalInstructions == 0
}

// Captures the interval following the last of snaps, once processing has
// stopped.  The capture is kept only if it counts instructions that snaps
// don't: a failed record is delivered, and so advances the stream's
// instruction ordinal, without being counted.
func (s *Scheduler[S, I]) captureTrailing(snaps []I, capture func(uint64) (I, error)) (snap I, kept bool, err error) {
	var lastID, lastCount uint64
	if n := len(snaps); n > 0 {
		last := snaps[n-1].Meta()
		lastID, lastCount = last.IntervalID, last.InstrCountCumulative
	}
	if snap, err = capture(lastID + 1); err != nil {
		return snap, false, err
	}
	return snap, snap.Meta().InstrCountCumulative > lastCount, nil
}

// The state of one shard's worker.
type shardRun[S any, I IntervalSnapshot] struct {
	reader    memref.Reader
	shard     S
	snapshots []I
	err       string
	// A final capture that counted nothing new.  It stands in for the
	// shard at the next interval, if another shard reaches it.
	spare    I
	hasSpare bool
}

func (s *Scheduler[S, I]) runParallel(ctx context.Context, readers []memref.Reader) (res *Result[I], err error) {
	if err := s.tool.InitializeStream(nil); err != nil {
		return nil, err
	}
	runs := make([]*shardRun[S, I], len(readers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)
	for idx, r := range readers {
		sr := &shardRun[S, I]{reader: r}
		runs[idx] = sr
		g.Go(func() error {
			return s.runShard(gctx, sr)
		})
	}
	// Every shard is quiescent past this point.
	waitErr := g.Wait()
	res = &Result[I]{
		ShardErrors:    map[int]string{},
		ShardIntervals: map[int][]I{},
	}
	for _, sr := range runs {
		if sr.err != "" {
			res.ShardErrors[sr.reader.ShardIndex()] = sr.err
		}
		if len(sr.snapshots) > 0 {
			res.ShardIntervals[sr.reader.ShardIndex()] = sr.snapshots
		}
	}
	defer func() {
		err = errors.Join(err, s.releaseSpares(runs))
	}()
	if waitErr != nil {
		return res, waitErr
	}
	if s.opts.IntervalInstructions == 0 {
		return res, nil
	}
	if res.Intervals, err = s.combine(runs); err != nil {
		return res, err
	}
	if err := s.tool.FinalizeIntervalSnapshots(res.Intervals); err != nil {
		return res, err
	}
	for _, snaps := range res.ShardIntervals {
		if err := s.tool.FinalizeIntervalSnapshots(snaps); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (s *Scheduler[S, I]) runShard(ctx context.Context, sr *shardRun[S, I]) (err error) {
	r := sr.reader
	ctx, span := s.tracer.Start(ctx, "shard", trace.WithAttributes(
		attribute.Int("shard", r.ShardIndex()),
	))
	defer func() {
		span.SetAttributes(attribute.Int64("instructions", int64(r.InstructionOrdinal())))
		if sr.err != "" {
			span.SetStatus(codes.Error, sr.err)
		}
		span.End()
	}()
	shard, err := s.tool.ParallelShardInit(r.ShardIndex(), r)
	if err != nil {
		return err
	}
	sr.shard = shard
	defer func() {
		if exitErr := s.tool.ParallelShardExit(shard); exitErr != nil && err == nil {
			err = exitErr
		}
	}()
	capture := func(intervalID uint64) (I, error) {
		snap, err := s.tool.GenerateShardIntervalSnapshot(shard, intervalID)
		if err != nil {
			return snap, err
		}
		snap.Meta().IntervalEndTimestamp = r.LastTimestamp()
		return snap, nil
	}
	if sr.err = s.tool.ParallelShardError(shard); sr.err != "" {
		s.logger.Warn().Int("shard", r.ShardIndex()).Str("error", sr.err).Msg("shard failed to initialize")
		return nil
	}
	for n := 0; ; n++ {
		if n%cancellationCheckPeriod == 0 && ctx.Err() != nil {
			return ctx.Err()
		}
		m, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("shard %d: %w", r.ShardIndex(), err)
		}
		if err := s.tool.ParallelShardMemref(shard, m); err != nil {
			if sr.err = s.tool.ParallelShardError(shard); sr.err == "" {
				sr.err = err.Error()
			}
			s.logger.Warn().Int("shard", r.ShardIndex()).Str("error", sr.err).Msg("shard processing stopped")
			break
		}
		if s.atBoundary(m, r) {
			snap, err := capture(r.InstructionOrdinal() / s.opts.IntervalInstructions)
			if err != nil {
				return err
			}
			sr.snapshots = append(sr.snapshots, snap)
		}
	}
	if s.opts.IntervalInstructions > 0 {
		snap, kept, err := s.captureTrailing(sr.snapshots, capture)
		if err != nil {
			return err
		}
		if kept {
			sr.snapshots = append(sr.snapshots, snap)
		} else {
			sr.spare, sr.hasSpare = snap, true
		}
	}
	s.logger.Debug().Int("shard", r.ShardIndex()).Uint64("instructions", r.InstructionOrdinal()).Int("intervals", len(sr.snapshots)).Msg("shard done")
	return nil
}

func (s *Scheduler[S, I]) releaseSpares(runs []*shardRun[S, I]) error {
	var errs []error
	for _, sr := range runs {
		if sr.hasSpare {
			sr.hasSpare = false
			errs = append(errs, s.tool.ReleaseIntervalSnapshot(sr.spare))
		}
	}
	return errors.Join(errs...)
}

// Combines the shards' cumulative snapshots into one whole-trace snapshot
// per interval.  Every shard that counted any instruction has at least one
// snapshot.  On error, the snapshots combined so far are returned.
func (s *Scheduler[S, I]) combine(runs []*shardRun[S, I]) ([]I, error) {
	var maxID uint64
	ordered := make([]*shardRun[S, I], 0, len(runs))
	for _, sr := range runs {
		if n := len(sr.snapshots); n > 0 {
			maxID = max(maxID, sr.snapshots[n-1].Meta().IntervalID)
			ordered = append(ordered, sr)
		}
	}
	slices.SortFunc(ordered, func(a, b *shardRun[S, I]) int {
		return cmp.Compare(a.reader.ShardIndex(), b.reader.ShardIndex())
	})
	var ret []I
	for id := uint64(1); id <= maxID; id++ {
		snap, err := s.combineInterval(ordered, id)
		if err != nil {
			return ret, err
		}
		ret = append(ret, snap)
	}
	return ret, nil
}

// Combines every shard's snapshot of one interval.  A shard that ended
// before the interval contributes its final counters, captured afresh with
// the interval's id and released once combined.
func (s *Scheduler[S, I]) combineInterval(ordered []*shardRun[S, I], id uint64) (combined I, err error) {
	latest := make([]I, 0, len(ordered))
	var padding []I
	defer func() {
		for _, pad := range padding {
			if relErr := s.tool.ReleaseIntervalSnapshot(pad); relErr != nil && err == nil {
				err = relErr
			}
		}
	}()
	var endTimestamp uint64
	for _, sr := range ordered {
		var snap I
		if idx := int(id) - 1; idx < len(sr.snapshots) {
			snap = sr.snapshots[idx]
		} else {
			if sr.hasSpare && sr.spare.Meta().IntervalID == id {
				snap, sr.hasSpare = sr.spare, false
			} else if snap, err = s.tool.GenerateShardIntervalSnapshot(sr.shard, id); err != nil {
				return combined, err
			}
			padding = append(padding, snap)
			snap.Meta().IntervalEndTimestamp = sr.snapshots[len(sr.snapshots)-1].Meta().IntervalEndTimestamp
		}
		latest = append(latest, snap)
		endTimestamp = max(endTimestamp, snap.Meta().IntervalEndTimestamp)
	}
	return s.tool.CombineIntervalSnapshots(latest, endTimestamp)
}
