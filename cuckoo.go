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

import "sort"

// cuckooSalt separates the cuckoo hash family from the iceberg families
// derived from the same Seed.
const cuckooSalt = 0xa0761d6478bd642f

// Cuckoo is a single-level bucketed cuckoo table storing keyWidth-bit keys
// compactly in rows of type R. It is constructed with a fixed geometry
// (2^addrWidth buckets of bucketSize slots) and never resizes; keys cannot
// be deleted except by clearing the whole table.
//
// Bulk operations may be launched asynchronously (sync=false); they are
// serialized in launch order, and result buffers must not be read until
// Sync. The table must not be mutated from the host while an operation is
// in flight.
type Cuckoo[R Row] struct {
	lvl     level[R]
	st      stream
	workers int
}

// NewCuckoo constructs a cuckoo table over the [0, 2^keyWidth) key
// universe with 2^addrWidth buckets. The default geometry is 32-slot
// buckets, 3 hash functions, and an eviction chain bound of 20 per hash
// function; R must be wide enough for the state tag plus the
// keyWidth-addrWidth remainder.
func NewCuckoo[R Row](keyWidth, addrWidth uint, opts ...Option) (*Cuckoo[R], error) {
	s := defaultSettings()
	for _, o := range opts {
		o(&s)
	}
	if s.bucketSize == 0 {
		s.bucketSize = 32
	}
	if s.hashes == 0 {
		s.hashes = 3
	}
	if s.maxChain == 0 {
		s.maxChain = 20 * s.hashes
	}
	if !s.seedSet {
		s.seed = randomSeed()
	}
	lvl, err := newLevel[R](keyWidth, addrWidth, s.bucketSize, s.hashes,
		s.seed, cuckooSalt, s.maxChain, s.alloc)
	if err != nil {
		return nil, err
	}
	return &Cuckoo[R]{lvl: lvl, workers: s.workers}, nil
}

// Capacity returns the total number of slots.
func (t *Cuckoo[R]) Capacity() int { return t.lvl.capacity() }

// NumBuckets returns the number of buckets.
func (t *Cuckoo[R]) NumBuckets() int { return t.lvl.numBuckets() }

// MaxKey returns the largest storable key, 2^keyWidth - 1.
func (t *Cuckoo[R]) MaxKey() uint64 { return t.lvl.maxKey() }

// Put attempts to insert every key, writing Put or Full per key. It does
// not detect duplicates: re-inserting a present key stores a second copy.
func (t *Cuckoo[R]) Put(keys []uint64, results []Result, sync bool) error {
	if len(keys) != len(results) {
		return ErrLengthMismatch
	}
	t.st.launch(sync, func() {
		t.lvl.checkKeys(keys)
		parallelFor(t.workers, len(keys), func(lo, hi int) {
			for i := lo; i < hi; i++ {
				results[i] = t.lvl.coopPut(keys[i], false)
			}
		})
	})
	return nil
}

// PutIfAbsent is Put with duplicate avoidance: a key whose row is observed
// in a probed bucket reports Found instead of being stored again. The
// check spans only the buckets the insert itself probes, so a key that was
// previously displaced to a later hash function can still be duplicated;
// FindOrPut gives the full membership check.
func (t *Cuckoo[R]) PutIfAbsent(keys []uint64, results []Result, sync bool) error {
	if len(keys) != len(results) {
		return ErrLengthMismatch
	}
	t.st.launch(sync, func() {
		t.lvl.checkKeys(keys)
		parallelFor(t.workers, len(keys), func(lo, hi int) {
			for i := lo; i < hi; i++ {
				results[i] = t.lvl.coopPut(keys[i], true)
			}
		})
	})
	return nil
}

// Find writes, per key, whether it is present. A find concurrent with an
// insert of the same key may report false; results are exact for all
// inserts that completed before the launch.
func (t *Cuckoo[R]) Find(keys []uint64, found []bool, sync bool) error {
	if len(keys) != len(found) {
		return ErrLengthMismatch
	}
	t.st.launch(sync, func() {
		t.lvl.checkKeys(keys)
		parallelFor(t.workers, len(keys), func(lo, hi int) {
			for i := lo; i < hi; i++ {
				found[i] = t.lvl.coopFind(keys[i])
			}
		})
	})
	return nil
}

// FindOrPutSorted performs find-or-put over a key range that the caller
// has sorted (duplicates adjacent). First occurrences report Found, Put,
// or Full; later occurrences of a key report Found unconditionally, even
// when the first occurrence failed with Full, a documented coarsening that
// buys throughput during bulk ingest.
func (t *Cuckoo[R]) FindOrPutSorted(keys []uint64, results []Result, sync bool) error {
	if len(keys) != len(results) {
		return ErrLengthMismatch
	}
	t.st.launch(sync, func() {
		t.lvl.checkKeys(keys)
		fopSorted(t.workers, keys,
			func(j int) *Result { return &results[j] },
			t.lvl.coopFind,
			func(k uint64) Result { return t.lvl.coopPut(k, true) })
	})
	return nil
}

// FindOrPut is the unsorted equivalent of FindOrPutSorted. It stable-sorts
// a copy of the keys (with an index permutation in lockstep) in the
// caller-supplied scratch, which must hold at least 2*len(keys) words, and
// runs the sorted protocol through the permuted view; results land in the
// caller's order.
func (t *Cuckoo[R]) FindOrPut(keys []uint64, scratch []uint64, results []Result, sync bool) error {
	if len(keys) != len(results) {
		return ErrLengthMismatch
	}
	if len(scratch) < 2*len(keys) {
		return ErrScratchSize
	}
	t.st.launch(sync, func() {
		t.lvl.checkKeys(keys)
		n := len(keys)
		ks, idx := scratch[:n], scratch[n:2*n]
		copy(ks, keys)
		for i := range idx {
			idx[i] = uint64(i)
		}
		sort.Stable(keyIndexView{keys: ks, idx: idx})
		fopSorted(t.workers, ks,
			func(j int) *Result { return &results[idx[j]] },
			t.lvl.coopFind,
			func(k uint64) Result { return t.lvl.coopPut(k, true) })
	})
	return nil
}

// Count returns the number of slots holding key k. It drains pending
// operations first. A table mutated only through FindOrPut holds each key
// at most once; raw Put can store duplicates, which Count reports.
func (t *Cuckoo[R]) Count(k uint64) int {
	t.st.drain()
	return t.lvl.count(k)
}

// Clear empties the table. It enqueues behind pending operations, so an
// asynchronous batch completes before the slab is zeroed.
func (t *Cuckoo[R]) Clear() {
	t.st.launch(true, t.lvl.slab.clear)
}

// Sync blocks until every launched operation has completed.
func (t *Cuckoo[R]) Sync() {
	t.st.drain()
}

// Close releases the slab to the allocator. Unnecessary under the default
// GC-backed allocator. Close is idempotent; the table is unusable after.
func (t *Cuckoo[R]) Close() {
	t.st.drain()
	t.lvl.slab.free()
}

// keyIndexView stable-sorts a key copy by value while carrying the index
// permutation along, so results can be scattered back to caller order.
type keyIndexView struct {
	keys []uint64
	idx  []uint64
}

func (v keyIndexView) Len() int           { return len(v.keys) }
func (v keyIndexView) Less(i, j int) bool { return v.keys[i] < v.keys[j] }
func (v keyIndexView) Swap(i, j int) {
	v.keys[i], v.keys[j] = v.keys[j], v.keys[i]
	v.idx[i], v.idx[j] = v.idx[j], v.idx[i]
}

// fopSorted runs the two-pass sorted find-or-put over keys, which must be
// sorted so duplicates are adjacent. res maps a position in the sorted
// range to its result cell. Pass 1 probes first occurrences and records
// Found or the undecided scratch value; pass 2 re-scans and inserts the
// undecided ones. Non-first occurrences are assigned Found in pass 1 and
// never probed.
func fopSorted(workers int, keys []uint64, res func(int) *Result,
	find func(uint64) bool, put func(uint64) Result) {
	parallelFor(workers, len(keys), func(lo, hi int) {
		for j := lo; j < hi; j++ {
			r := res(j)
			switch {
			case !firstOccurrence(keys, j):
				*r = Found
			case find(keys[j]):
				*r = Found
			default:
				*r = Put
			}
		}
	})
	parallelFor(workers, len(keys), func(lo, hi int) {
		for j := lo; j < hi; j++ {
			if !firstOccurrence(keys, j) {
				continue
			}
			if r := res(j); *r != Found {
				*r = put(keys[j])
			}
		}
	})
}
