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

package decode

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/google/opcodemix/memref"
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// DefaultCacheCapacity is the number of Descriptors a Cache retains when no
// capacity is specified.
const DefaultCacheCapacity = 1 << 16

// Instructions are identified by their PC, their encoding (when the trace
// embeds one), and the mode they were decoded under.
type cacheKey struct {
	mode     Mode
	pc       uint64
	encoding uint64
}

// Cache memoizes the Descriptors of one shard's instructions.  It is owned
// by a single shard worker and is not safe for concurrent use.
type Cache struct {
	ctx     *Context
	entries *simplelru.LRU[cacheKey, Descriptor]
	hits    int64
	misses  int64
	closed  bool
}

// NewCache returns a new Cache decoding through the provided Context and
// retaining up to capacity entries.  A non-positive capacity selects
// DefaultCacheCapacity.  The returned Cache must be closed before the
// Context.
func NewCache(ctx *Context, capacity int) (*Cache, error) {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	entries, err := simplelru.NewLRU[cacheKey, Descriptor](capacity, nil)
	if err != nil {
		return nil, err
	}
	if err := ctx.attach(); err != nil {
		return nil, err
	}
	return &Cache{
		ctx:     ctx,
		entries: entries,
	}, nil
}

// LookupOrDecode returns the Descriptor of the provided instruction record,
// decoding it under the provided mode only if it has not been seen before.
func (c *Cache) LookupOrDecode(mode Mode, m memref.Memref) (Descriptor, error) {
	if c.closed {
		return Descriptor{}, &Error{PC: m.PC, Err: fmt.Errorf("decode cache is closed")}
	}
	key := cacheKey{mode: mode, pc: m.PC}
	if len(m.Encoding) > 0 {
		key.encoding = xxhash.Sum64(m.Encoding)
	}
	if d, ok := c.entries.Get(key); ok {
		c.hits++
		return d, nil
	}
	c.misses++
	d, err := c.ctx.Decode(mode, m.PC, m.Encoding)
	if err != nil {
		return Descriptor{}, err
	}
	c.entries.Add(key, d)
	return d, nil
}

// CacheStats summarizes a Cache's activity.
type CacheStats struct {
	Hits    int64
	Misses  int64
	Entries int
}

// Stats returns the receiver's activity so far.
func (c *Cache) Stats() CacheStats {
	return CacheStats{
		Hits:    c.hits,
		Misses:  c.misses,
		Entries: c.entries.Len(),
	}
}

// Close drops the receiver's entries and detaches it from its Context.  It
// may be called more than once.
func (c *Cache) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.entries.Purge()
	c.ctx.detach()
}
