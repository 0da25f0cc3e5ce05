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
)

// ShardFailure describes a shard that stopped counting at an error.
type ShardFailure struct {
	Shard int    `json:"shard"`
	Error string `json:"error"`
}

// Sums the provided shards' counters, and lists the failures of those that
// ended in error.  Failed shards still contribute the counts they accrued
// before failing.
func mergeAll(shards []*ShardData) (Counts, []ShardFailure) {
	ret := NewCounts()
	var failures []ShardFailure
	for _, sd := range shards {
		ret.add(sd.counts)
		if sd.err != nil {
			failures = append(failures, ShardFailure{Shard: sd.id, Error: sd.err.Error()})
		}
	}
	return ret, failures
}

// Returns the join of the provided shards' errors, or nil if none failed.
func shardsErr(shards []*ShardData) error {
	var errs []error
	for _, sd := range shards {
		if sd.err != nil {
			errs = append(errs, fmt.Errorf("shard %d: %w", sd.id, sd.err))
		}
	}
	return errors.Join(errs...)
}
