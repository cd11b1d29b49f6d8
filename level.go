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

import "fmt"

// level is one compact bucketed slot array: the whole of a Cuckoo table,
// or one of the two Iceberg levels. A level has 2^addrWidth buckets of
// bucketSize slots and a family of hashes permutations.
type level[R Row] struct {
	slab       slab[R]
	perm       feistel
	keyWidth   uint
	addrWidth  uint
	bucketSize uint
	hashes     uint
	// stateShift is the bit position of the state tag within a row:
	// rowBits - stateBits. The remainder occupies the low bits.
	stateShift uint
	maxChain   uint
}

func newLevel[R Row](keyWidth, addrWidth, bucketSize, hashes uint, seed Seed, salt uint64,
	maxChain uint, alloc Allocator) (level[R], error) {
	switch {
	case keyWidth < 1 || keyWidth > 64:
		return level[R]{}, ErrKeyWidth
	case addrWidth < 1 || addrWidth > keyWidth:
		return level[R]{}, ErrAddrWidth
	case bucketSize < 1 || bucketSize > 32 || 32%bucketSize != 0:
		return level[R]{}, ErrBucketSize
	case hashes < 1:
		return level[R]{}, ErrHashCount
	}
	stateBits := stateBitsFor(hashes)
	if stateBits+(keyWidth-addrWidth) > rowBits[R]() {
		return level[R]{}, ErrRowWidth
	}
	slots := (1 << addrWidth) * int(bucketSize)
	s, err := newSlab[R](slots, alloc)
	if err != nil {
		return level[R]{}, err
	}
	return level[R]{
		slab:       s,
		perm:       newFeistel(seed, hashes, keyWidth, salt),
		keyWidth:   keyWidth,
		addrWidth:  addrWidth,
		bucketSize: bucketSize,
		hashes:     hashes,
		stateShift: rowBits[R]() - stateBits,
		maxChain:   maxChain,
	}, nil
}

func (l *level[R]) numBuckets() int {
	return 1 << l.addrWidth
}

func (l *level[R]) capacity() int {
	return l.numBuckets() * int(l.bucketSize)
}

func (l *level[R]) maxKey() uint64 {
	return bitMask(l.keyWidth)
}

// addrRow computes the bucket address and occupied row for key k under hash
// function i: the low addrWidth bits of σᵢ(k) address the bucket, the rest
// become the stored remainder, and the state tag 1+i lands in the top bits.
func (l *level[R]) addrRow(i uint, k uint64) (addr uint64, row R) {
	p := l.perm.forward(i, k)
	addr = p & bitMask(l.addrWidth)
	rem := p >> l.addrWidth
	row = R(uint64(i+1)<<l.stateShift | rem)
	return addr, row
}

// hashKey is the inverse of addrRow: it recovers the hash function index
// and original key of an occupied row found at bucket addr. This is what
// the eviction chain uses to re-insert a displaced key.
func (l *level[R]) hashKey(addr uint64, row R) (i uint, k uint64) {
	u := uint64(row)
	i = uint(u>>l.stateShift) - 1
	rem := u & bitMask(l.stateShift)
	return i, l.perm.inverse(i, rem<<l.addrWidth|addr)
}

func (l *level[R]) bucket(addr uint64) []R {
	base := addr * uint64(l.bucketSize)
	return l.slab.rows[base : base+uint64(l.bucketSize)]
}

// coopFind reports whether key k is present in this level. For each hash
// function in order, the tile scans the bucket: a row match anywhere wins;
// an empty slot proves k was never inserted via this hash function (slots
// fill monotonically and are never cleared), so the probe stops early.
//
// Safe against concurrent coopPut, but a concurrent insert of k itself may
// be missed; bulk ingest pipelines re-check after Sync.
func (l *level[R]) coopFind(k uint64) bool {
	for i := uint(0); i < l.hashes; i++ {
		addr, row := l.addrRow(i, k)
		b := l.bucket(addr)
		var match, empty laneMask
		for j := uint(0); j < l.bucketSize; j++ {
			switch loadRow(&b[j]) {
			case row:
				match |= 1 << j
			case 0:
				empty |= 1 << j
			}
		}
		if match.any() {
			return true
		}
		if empty.any() {
			return false
		}
	}
	return false
}

// coopPut inserts k, evicting as needed. Buckets fill left to right: every
// insert targets the slot indexed by the current load, so occupancy is a
// prefix and a CAS race simply advances the load. A full bucket evicts the
// victim at (bucket+chain) % bucketSize, rotating with chain depth and
// differing across buckets to spread atomic traffic, and the displaced key
// continues the chain with its next hash function. The chain is bounded by
// maxChain; exceeding it returns Full and drops the key carried at that
// point. After at least one eviction that is a displaced key, not the k
// passed in, which stays stored; with no eviction it is k itself.
//
// With avoidDups, a row for k observed in any probed bucket returns Found
// instead of inserting a duplicate.
func (l *level[R]) coopPut(k uint64, avoidDups bool) Result {
	h := uint(0)
	for chain := uint(0); ; {
		addr, row := l.addrRow(h, k)
		b := l.bucket(addr)
	retry:
		var occupied, dup laneMask
		for j := uint(0); j < l.bucketSize; j++ {
			switch v := loadRow(&b[j]); {
			case v == row:
				dup |= 1 << j
				occupied |= 1 << j
			case v != 0:
				occupied |= 1 << j
			}
		}
		if avoidDups && dup.any() {
			return Found
		}
		if load := occupied.count(); load < l.bucketSize {
			if casRow(&b[load], 0, row) {
				return Put
			}
			// Another insert beat us to the slot.
			if avoidDups && loadRow(&b[load]) == row {
				return Found
			}
			goto retry
		}
		// Bucket is full: evict.
		if chain >= l.maxChain {
			noteFull()
			return Full
		}
		victim := uint((addr + uint64(chain)) % uint64(l.bucketSize))
		evicted := swapRow(&b[victim], row)
		eh, ek := l.hashKey(addr, evicted)
		if debug {
			fmt.Printf("evict: bucket=%d victim=%d chain=%d key=%d -> key=%d\n",
				addr, victim, chain, k, ek)
		}
		k = ek
		h = (eh + 1) % l.hashes
		chain++
	}
}

// coopPutNoEvict inserts k without evicting: each hash function's bucket is
// tried in order, claiming the leftmost free slot; a full bucket moves on
// to the next hash function. ok=false means every bucket was full and the
// caller should fall through to an overflow level.
func (l *level[R]) coopPutNoEvict(k uint64, avoidDups bool) (r Result, ok bool) {
	for i := uint(0); i < l.hashes; i++ {
		addr, row := l.addrRow(i, k)
		b := l.bucket(addr)
	retry:
		var occupied, dup laneMask
		for j := uint(0); j < l.bucketSize; j++ {
			switch v := loadRow(&b[j]); {
			case v == row:
				dup |= 1 << j
				occupied |= 1 << j
			case v != 0:
				occupied |= 1 << j
			}
		}
		if avoidDups && dup.any() {
			return Found, true
		}
		if load := occupied.count(); load < l.bucketSize {
			if casRow(&b[load], 0, row) {
				return Put, true
			}
			if avoidDups && loadRow(&b[load]) == row {
				return Found, true
			}
			goto retry
		}
	}
	return 0, false
}

// count returns the number of slots across the level that hold key k.
// It reads the slab directly; call it only on a quiescent table.
func (l *level[R]) count(k uint64) int {
	n := 0
	for i := uint(0); i < l.hashes; i++ {
		addr, row := l.addrRow(i, k)
		b := l.bucket(addr)
		for j := uint(0); j < l.bucketSize; j++ {
			if loadRow(&b[j]) == row {
				n++
			}
		}
	}
	return n
}

// checkKeys panics under invariants if a key lies outside the universe.
// An out-of-range key would alias another key's row and corrupt the slab.
func (l *level[R]) checkKeys(keys []uint64) {
	if invariants {
		for i, k := range keys {
			if k > l.maxKey() {
				panic(fmt.Sprintf("key %d at index %d exceeds the %d-bit universe",
					k, i, l.keyWidth))
			}
		}
	}
}
