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
	"fmt"
	"slices"
	"sync"
)

// registry maps shard indices to their state.  Only registration is
// synchronized: lookups must not race with registration, which holds once
// every shard worker has been started and initialized its shard.
type registry struct {
	mu     sync.Mutex
	shards map[int]*ShardData
}

func newRegistry() *registry {
	return &registry{
		shards: map[int]*ShardData{},
	}
}

// Creates and registers new state for the shard with the provided index.
// Each index may be registered only once.
func (r *registry) register(id int) (*ShardData, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.shards[id]; ok {
		return nil, fmt.Errorf("%w: shard %d is already registered", ErrMisuse, id)
	}
	sd := newShardData(id)
	r.shards[id] = sd
	return sd, nil
}

func (r *registry) lookup(id int) (*ShardData, bool) {
	sd, ok := r.shards[id]
	return sd, ok
}

// Returns every registered shard, ordered by index.
func (r *registry) all() []*ShardData {
	ret := make([]*ShardData, 0, len(r.shards))
	for _, sd := range r.shards {
		ret = append(ret, sd)
	}
	slices.SortFunc(ret, func(a, b *ShardData) int {
		return a.id - b.id
	})
	return ret
}
