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

// Package compact implements compact parallel hash tables for fixed-width
// integer keys, in two flavors: bucketed cuckoo tables (Cuckoo) and
// two-level iceberg tables (Iceberg). The design follows the GPU-resident
// compact hash tables literature; this is a CPU rendition that keeps the
// per-slot atomic protocol and replaces SIMT tiles with software ballots.
//
// # Compact storage
//
// A table stores W-bit keys in slots that are narrower than W bits. Each
// key is run through an invertible keyed permutation σᵢ (one per hash
// function i); the low A bits of σᵢ(k) select a bucket and the remaining
// W-A bits are stored as a remainder alongside a small state tag:
//
//	row = state | remainder      state = 0 (empty) or 1+i (occupied via σᵢ)
//
// Because the bucket address carries the low A bits of σᵢ(k), the pair
// (address, row) reconstructs the original key exactly:
//
//	k = σᵢ⁻¹(remainder<<A | address)
//
// The inverse is what makes cuckoo eviction possible: an evicted row is
// decoded back into its key, which then continues the insertion chain with
// its next hash function.
//
// A bucket is a group of B consecutive slots (B divides 32) that is probed
// as a unit, the way a warp tile probes a bucket on a GPU. Here the tile
// collapses to a scan over the bucket with ballot masks built out of
// math/bits; the protocol and its guarantees are unchanged.
//
// # Cuckoo and Iceberg
//
// Cuckoo is a single level with H hash functions (default 3). Inserts claim
// the first free slot in the key's bucket via compare-and-swap; a full
// bucket triggers an eviction chain bounded by a maximum chain length, with
// a rotating victim slot to spread atomic traffic. Iceberg is a primary
// level with a short hash chain (default H=1) and no eviction, backed by a
// much smaller secondary level that runs the full cuckoo protocol.
//
// # Concurrency
//
// Slots are only ever written with atomic compare-and-swap (empty to
// occupied) or atomic exchange (occupied to occupied, during eviction). A
// slot never returns to empty except through Clear. Bulk operations
// parallelize internally across worker goroutines; per-table operations are
// serialized on a FIFO stream, so an asynchronous launch (sync=false)
// returns immediately and Sync blocks until all launched work has drained.
// Find concurrent with Put can miss a key that is being inserted at that
// moment; bulk ingest pipelines re-check after Sync.
//
// # Results
//
// Bulk mutating operations report one of Put, Found, or Full per key.
// Full is a soft failure: one key is not in the table, namely the key the
// eviction chain was carrying when it hit its bound. That is not
// necessarily the key whose result reads Full, which may have been stored
// by the chain's first eviction. It usually means the table is too
// loaded for its geometry; retry with a wider address or a different seed.
package compact

import (
	"errors"

	uatomic "go.uber.org/atomic"
)

const debug = false

// Result is the per-key outcome of a bulk table operation.
type Result uint8

const (
	// Put means the key was newly inserted. It doubles as the "nothing
	// decided yet" scratch value during the two-pass find-or-put.
	Put Result = iota
	// Found means the key was already present.
	Found
	// Full means the insert's eviction chain (in Iceberg, on the overflow
	// level) exceeded its bound and the key it was carrying was dropped;
	// that key need not be the one this result belongs to.
	Full
)

func (r Result) String() string {
	switch r {
	case Put:
		return "PUT"
	case Found:
		return "FOUND"
	case Full:
		return "FULL"
	}
	return "unknown"
}

// Construction and precondition errors.
var (
	ErrKeyWidth       = errors.New("compact: key width must be in [1, 64]")
	ErrAddrWidth      = errors.New("compact: address width must be in [1, key width]")
	ErrBucketSize     = errors.New("compact: bucket size must divide 32")
	ErrRowWidth       = errors.New("compact: row type too narrow for state and remainder bits")
	ErrHashCount      = errors.New("compact: hash function count must be at least 1")
	ErrLengthMismatch = errors.New("compact: keys and results must have equal length")
	ErrScratchSize    = errors.New("compact: scratch must hold at least 2*len(keys) words")
	ErrAlloc          = errors.New("compact: allocator failed to provide a slab")
)

// fullSeen is the process-wide FULL aggregator. Any worker that produces a
// Full result sets it; it is written relaxed and only meaningful when read
// after a Sync on every table that was operating.
var fullSeen uatomic.Bool

// FullObserved reports whether any operation in this process produced a
// Full result since the last ResetFullObserved.
//
// The flag is process-wide and has a single-use lifecycle: reset, run,
// Sync, read, discard. It is NOT safe for concurrent independent
// operations; callers that interleave tables or batches must rely on the
// per-key result buffers instead.
func FullObserved() bool {
	return fullSeen.Load()
}

// ResetFullObserved clears the process-wide FULL aggregator.
func ResetFullObserved() {
	fullSeen.Store(false)
}

func noteFull() {
	// Relaxed is fine: readers synchronize via Sync before looking.
	fullSeen.Store(true)
}
