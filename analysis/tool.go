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

// Package analysis defines the interface between trace analysis tools and
// the Scheduler that feeds them trace records, serially or one shard per
// worker.
package analysis

import (
	"io"

	"github.com/google/opcodemix/memref"
)

// WholeTraceShardID is the ShardID of interval snapshots that cover every
// shard of a trace.
const WholeTraceShardID = -1

// SnapshotMeta describes the interval an IntervalSnapshot covers.  Tools
// embed it in their snapshot types.
type SnapshotMeta struct {
	// The shard the snapshot was captured from, or WholeTraceShardID.
	ShardID int
	// The 1-based ordinal of the interval within its shard or trace.
	IntervalID uint64
	// The last trace timestamp observed at or before the interval's end.
	IntervalEndTimestamp uint64
	// Instructions counted from the start of the shard or trace to the end
	// of the interval.
	InstrCountCumulative uint64
	// Instructions counted within the interval.  Set only once snapshots
	// are finalized.
	InstrCountDelta uint64
}

// Meta returns the receiver.  It lets types embedding SnapshotMeta satisfy
// IntervalSnapshot.
func (sm *SnapshotMeta) Meta() *SnapshotMeta {
	return sm
}

// IntervalSnapshot is the state of a tool captured at an interval boundary.
type IntervalSnapshot interface {
	Meta() *SnapshotMeta
}

// Tool is a pluggable trace analysis.  S is the tool's per-shard state, and
// I its interval snapshot type.
//
// A Scheduler first calls InitializeStream once.  In serial operation it
// then delivers every record to ProcessMemref.  In parallel operation each
// shard is handled by one worker, which calls ParallelShardInit, then
// ParallelShardMemref for each of the shard's records in order, then
// ParallelShardExit.  Different shards' workers run concurrently; all
// other methods are called only once every worker has finished.
type Tool[S any, I IntervalSnapshot] interface {
	// InitializeStream prepares the tool for a run.  serial is nil in
	// parallel operation.  An error aborts the run.
	InitializeStream(serial memref.Stream) error
	// ProcessMemref consumes the next record in serial operation.
	ProcessMemref(m memref.Memref) error
	// PrintResults writes the tool's final report.
	PrintResults(w io.Writer) error

	// ParallelShardSupported returns true if the tool supports parallel
	// operation.
	ParallelShardSupported() bool
	// ParallelShardInit returns the state for a new shard.  Shard-scoped
	// failures are reported by ParallelShardError; a returned error aborts
	// the run.
	ParallelShardInit(shardIndex int, stream memref.Stream) (S, error)
	// ParallelShardMemref consumes the shard's next record.  After it
	// returns an error, no further records are delivered to the shard.
	ParallelShardMemref(shard S, m memref.Memref) error
	// ParallelShardExit is called once the shard has no more records.
	ParallelShardExit(shard S) error
	// ParallelShardError returns the shard's error text, or "" if none.
	ParallelShardError(shard S) string

	// GenerateIntervalSnapshot captures the serial state's cumulative
	// counters.
	GenerateIntervalSnapshot(intervalID uint64) (I, error)
	// GenerateShardIntervalSnapshot captures a shard's cumulative counters.
	GenerateShardIntervalSnapshot(shard S, intervalID uint64) (I, error)
	// CombineIntervalSnapshots merges snapshots of several shards for the
	// same interval into one whole-trace snapshot.
	CombineIntervalSnapshots(latest []I, intervalEndTimestamp uint64) (I, error)
	// FinalizeIntervalSnapshots converts an ordered sequence of cumulative
	// snapshots into per-interval deltas, in place.
	FinalizeIntervalSnapshots(snapshots []I) error
	// PrintIntervalResults writes a report of finalized snapshots.
	PrintIntervalResults(w io.Writer, snapshots []I) error
	// ReleaseIntervalSnapshot disposes of a snapshot.
	ReleaseIntervalSnapshot(snapshot I) error
}
