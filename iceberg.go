// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package compact

// Salts separating the two iceberg hash families derived from one Seed.
const (
	primarySalt   = 0xe7037ed1a0b428db
	secondarySalt = 0x8ebc6af09c88c6e3
)

// Iceberg is a two-level compact table: a primary level with a short hash
// chain (default one hash function) that absorbs the common case without
// eviction, and a much smaller secondary level with a richer hash family
// (default 3) that runs the full cuckoo protocol on overflow. P and S are
// the row types of the two levels; their geometries are independent.
//
// A key is stored in at most one slot of at most one level as long as
// callers mutate through FindOrPut (raw Put does not guarantee
// uniqueness). The stream/Sync discipline matches Cuckoo.
type Iceberg[P Row, S Row] struct {
	p       level[P]
	s       level[S]
	st      stream
	workers int
}

// NewIceberg constructs an iceberg table over the [0, 2^keyWidth) key
// universe with 2^pAddrWidth primary and 2^sAddrWidth secondary buckets.
// Defaults: 32-slot primary buckets with 1 hash function, 16-slot
// secondary buckets with 3 hash functions, and a secondary eviction chain
// bound of 20 per secondary hash function.
func NewIceberg[P Row, S Row](keyWidth, pAddrWidth, sAddrWidth uint, opts ...Option) (*Iceberg[P, S], error) {
	cfg := defaultSettings()
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.bucketSize == 0 {
		cfg.bucketSize = 32
	}
	if cfg.sBucketSize == 0 {
		cfg.sBucketSize = 16
	}
	if cfg.hashes == 0 {
		cfg.hashes = 1
	}
	if cfg.sHashes == 0 {
		cfg.sHashes = 3
	}
	if cfg.maxChain == 0 {
		cfg.maxChain = 20 * cfg.sHashes
	}
	if !cfg.seedSet {
		cfg.seed = randomSeed()
	}
	p, err := newLevel[P](keyWidth, pAddrWidth, cfg.bucketSize, cfg.hashes,
		cfg.seed, primarySalt, 0, cfg.alloc)
	if err != nil {
		return nil, err
	}
	s, err := newLevel[S](keyWidth, sAddrWidth, cfg.sBucketSize, cfg.sHashes,
		cfg.seed, secondarySalt, cfg.maxChain, cfg.alloc)
	if err != nil {
		p.slab.free()
		return nil, err
	}
	return &Iceberg[P, S]{p: p, s: s, workers: cfg.workers}, nil
}

// Capacity returns the total number of slots across both levels.
func (t *Iceberg[P, S]) Capacity() int { return t.p.capacity() + t.s.capacity() }

// PrimaryCapacity returns the number of primary-level slots.
func (t *Iceberg[P, S]) PrimaryCapacity() int { return t.p.capacity() }

// SecondaryCapacity returns the number of secondary-level slots.
func (t *Iceberg[P, S]) SecondaryCapacity() int { return t.s.capacity() }

// MaxKey returns the largest storable key, 2^keyWidth - 1.
func (t *Iceberg[P, S]) MaxKey() uint64 { return t.p.maxKey() }

// findOne checks the primary and then the secondary. The secondary is
// probed whenever the primary reports a miss, whether or not the primary
// probe saw an empty slot.
func (t *Iceberg[P, S]) findOne(k uint64) bool {
	return t.p.coopFind(k) || t.s.coopFind(k)
}

// putOne claims the leftmost free slot in the key's primary buckets, or
// falls through to the full cuckoo protocol on the secondary when every
// primary bucket is full.
func (t *Iceberg[P, S]) putOne(k uint64, avoidDups bool) Result {
	if r, ok := t.p.coopPutNoEvict(k, avoidDups); ok {
		return r
	}
	return t.s.coopPut(k, avoidDups)
}

// Put attempts to insert every key, writing Put or Full per key. It does
// not detect duplicates.
func (t *Iceberg[P, S]) Put(keys []uint64, results []Result, sync bool) error {
	if len(keys) != len(results) {
		return ErrLengthMismatch
	}
	t.st.launch(sync, func() {
		t.p.checkKeys(keys)
		parallelFor(t.workers, len(keys), func(lo, hi int) {
			for i := lo; i < hi; i++ {
				results[i] = t.putOne(keys[i], false)
			}
		})
	})
	return nil
}

// PutIfAbsent is Put with duplicate avoidance within the probed buckets.
func (t *Iceberg[P, S]) PutIfAbsent(keys []uint64, results []Result, sync bool) error {
	if len(keys) != len(results) {
		return ErrLengthMismatch
	}
	t.st.launch(sync, func() {
		t.p.checkKeys(keys)
		parallelFor(t.workers, len(keys), func(lo, hi int) {
			for i := lo; i < hi; i++ {
				results[i] = t.putOne(keys[i], true)
			}
		})
	})
	return nil
}

// Find writes, per key, whether it is present in either level.
func (t *Iceberg[P, S]) Find(keys []uint64, found []bool, sync bool) error {
	if len(keys) != len(found) {
		return ErrLengthMismatch
	}
	t.st.launch(sync, func() {
		t.p.checkKeys(keys)
		parallelFor(t.workers, len(keys), func(lo, hi int) {
			for i := lo; i < hi; i++ {
				found[i] = t.findOne(keys[i])
			}
		})
	})
	return nil
}

// FindOrPutSorted performs the two-pass find-or-put over a sorted key
// range, with the same first-occurrence contract and Found coarsening as
// the Cuckoo variant.
func (t *Iceberg[P, S]) FindOrPutSorted(keys []uint64, results []Result, sync bool) error {
	if len(keys) != len(results) {
		return ErrLengthMismatch
	}
	t.st.launch(sync, func() {
		t.p.checkKeys(keys)
		fopSorted(t.workers, keys,
			func(j int) *Result { return &results[j] },
			t.findOne,
			func(k uint64) Result { return t.putOne(k, true) })
	})
	return nil
}

// FindOrPut performs find-or-put over an arbitrary key range, no scratch
// required: the put protocol never overwrites occupied slots outside the
// secondary's eviction chain, so per-key find-then-put with duplicate
// avoidance is safe in place. Duplicate keys in one batch race benignly:
// the bucket-level CAS lets exactly one claim the slot and the others
// observe its row.
func (t *Iceberg[P, S]) FindOrPut(keys []uint64, results []Result, sync bool) error {
	if len(keys) != len(results) {
		return ErrLengthMismatch
	}
	t.st.launch(sync, func() {
		t.p.checkKeys(keys)
		parallelFor(t.workers, len(keys), func(lo, hi int) {
			for i := lo; i < hi; i++ {
				if t.findOne(keys[i]) {
					results[i] = Found
				} else {
					results[i] = t.putOne(keys[i], true)
				}
			}
		})
	})
	return nil
}

// Count returns the number of slots across both levels holding key k,
// draining pending operations first.
func (t *Iceberg[P, S]) Count(k uint64) int {
	t.st.drain()
	return t.p.count(k) + t.s.count(k)
}

// Clear empties both levels, after pending operations complete.
func (t *Iceberg[P, S]) Clear() {
	t.st.launch(true, func() {
		t.p.slab.clear()
		t.s.slab.clear()
	})
}

// Sync blocks until every launched operation has completed.
func (t *Iceberg[P, S]) Sync() {
	t.st.drain()
}

// Close releases both slabs to the allocator. Idempotent.
func (t *Iceberg[P, S]) Close() {
	t.st.drain()
	t.p.slab.free()
	t.s.slab.free()
}
