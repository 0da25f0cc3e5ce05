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
	"errors"
	"fmt"

	"github.com/google/opcodemix/analysis"
)

// ErrMisuse is returned when state is used out of order: for example,
// finalizing interval snapshots twice, or combining snapshots of different
// intervals.
var ErrMisuse = errors.New("opcode mix state used out of order")

// Snapshot is a copy of a shard's, or the whole trace's, counters at the end
// of an interval.  It holds cumulative counts until it is finalized, and
// the counts accrued within its interval afterward.
type Snapshot struct {
	analysis.SnapshotMeta
	Counts    Counts
	finalized bool
	released  bool
}

// Finalized returns true if the receiver holds per-interval counts.
func (s *Snapshot) Finalized() bool {
	return s.finalized
}

func (s *Snapshot) String() string {
	return fmt.Sprintf("interval %d of shard %d (%d instructions)", s.IntervalID, s.ShardID, s.Counts.Instructions)
}

func (t *Tool) newSnapshot(shardID int, intervalID uint64, counts Counts) *Snapshot {
	t.outstanding.Add(1)
	t.metrics.outstandingSnapshots.Inc()
	return &Snapshot{
		SnapshotMeta: analysis.SnapshotMeta{
			ShardID:              shardID,
			IntervalID:           intervalID,
			InstrCountCumulative: uint64(counts.Instructions),
		},
		Counts: counts,
	}
}

// Captures a copy of the provided shard's cumulative counters, tagged with
// the provided interval id.  The shard's own counters are untouched.  Each
// shard's interval ids must increase from capture to capture.
func (t *Tool) capture(sd *ShardData, intervalID uint64) (*Snapshot, error) {
	if sd == nil {
		return nil, fmt.Errorf("%w: no shard to capture interval %d from", ErrMisuse, intervalID)
	}
	if sd.state == ShardUninitialized {
		return nil, fmt.Errorf("%w: shard %d captured before initialization", ErrMisuse, sd.id)
	}
	if intervalID == 0 {
		return nil, fmt.Errorf("%w: interval ids start at 1", ErrMisuse)
	}
	if intervalID <= sd.lastInterval {
		return nil, fmt.Errorf("%w: shard %d interval %d captured after interval %d", ErrMisuse, sd.id, intervalID, sd.lastInterval)
	}
	sd.lastInterval = intervalID
	return t.newSnapshot(sd.id, intervalID, sd.counts.Clone()), nil
}

func checkLive(s *Snapshot) error {
	switch {
	case s == nil:
		return fmt.Errorf("%w: nil interval snapshot", ErrMisuse)
	case s.released:
		return fmt.Errorf("%w: %s was already released", ErrMisuse, s)
	case s.finalized:
		return fmt.Errorf("%w: %s was already finalized", ErrMisuse, s)
	}
	return nil
}

// Sums cumulative snapshots of several shards at the same interval into one
// whole-trace cumulative snapshot.
func (t *Tool) combine(latest []*Snapshot, intervalEndTimestamp uint64) (*Snapshot, error) {
	if len(latest) == 0 {
		return nil, fmt.Errorf("%w: no interval snapshots to combine", ErrMisuse)
	}
	shards := make(map[int]struct{}, len(latest))
	for _, s := range latest {
		if err := checkLive(s); err != nil {
			return nil, err
		}
		if s.IntervalID != latest[0].IntervalID {
			return nil, fmt.Errorf("%w: can't combine interval %d with interval %d", ErrMisuse, s.IntervalID, latest[0].IntervalID)
		}
		if _, ok := shards[s.ShardID]; ok {
			return nil, fmt.Errorf("%w: shard %d appears twice in interval %d", ErrMisuse, s.ShardID, s.IntervalID)
		}
		shards[s.ShardID] = struct{}{}
	}
	sum := NewCounts()
	for _, s := range latest {
		sum.add(s.Counts)
	}
	ret := t.newSnapshot(analysis.WholeTraceShardID, latest[0].IntervalID, sum)
	ret.IntervalEndTimestamp = intervalEndTimestamp
	return ret, nil
}

// Replaces each of a time-ordered sequence of cumulative snapshots with its
// difference from its predecessor.  No snapshot is modified unless all can
// be.
func finalize(snapshots []*Snapshot) error {
	for idx, s := range snapshots {
		if err := checkLive(s); err != nil {
			return err
		}
		if idx > 0 && s.IntervalID <= snapshots[idx-1].IntervalID {
			return fmt.Errorf("%w: interval %d follows interval %d", ErrMisuse, s.IntervalID, snapshots[idx-1].IntervalID)
		}
	}
	// Walking backward, each predecessor is still cumulative when it is
	// subtracted.
	for idx := len(snapshots) - 1; idx >= 0; idx-- {
		s := snapshots[idx]
		if idx > 0 {
			s.Counts.subtract(snapshots[idx-1].Counts)
		}
		s.InstrCountDelta = uint64(s.Counts.Instructions)
		s.finalized = true
	}
	return nil
}

func (t *Tool) release(s *Snapshot) error {
	if s == nil {
		return fmt.Errorf("%w: nil interval snapshot", ErrMisuse)
	}
	if s.released {
		return fmt.Errorf("%w: %s was already released", ErrMisuse, s)
	}
	s.released = true
	s.Counts = Counts{}
	t.outstanding.Add(-1)
	t.metrics.outstandingSnapshots.Dec()
	return nil
}
