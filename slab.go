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

import (
	"sync/atomic"
	"unsafe"
)

// Row is the storage word for one slot. A slot holds a state tag in its top
// bits and a key remainder in its bottom bits; pick the narrowest type that
// satisfies stateBits + (keyWidth - addrWidth) <= bits(Row).
type Row interface {
	~uint32 | ~uint64
}

// rowBits returns the width of R in bits.
func rowBits[R Row]() uint {
	var z R
	return uint(unsafe.Sizeof(z)) * 8
}

// Allocator provides the raw backing memory for a table's slabs. The
// returned storage must be 8-byte aligned; it does not need to be zeroed
// (the slab clears it). The default allocator uses make and lets the GC
// reclaim memory, making Close optional.
type Allocator interface {
	// Alloc returns a slice of n bytes.
	Alloc(n int) []byte

	// Free releases a slice previously returned by Alloc.
	Free(b []byte)
}

type defaultAllocator struct{}

func (defaultAllocator) Alloc(n int) []byte {
	// Allocate words rather than bytes so the slab is aligned for 64-bit
	// atomics.
	w := make([]uint64, (n+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(w))), len(w)*8)[:n]
}

func (defaultAllocator) Free(b []byte) {
}

// slab is a zero-initialized slot array mutated through per-row atomics.
type slab[R Row] struct {
	rows  []R
	raw   []byte
	alloc Allocator
}

func newSlab[R Row](slots int, alloc Allocator) (slab[R], error) {
	var z R
	n := slots * int(unsafe.Sizeof(z))
	raw := alloc.Alloc(n)
	if len(raw) < n {
		return slab[R]{}, ErrAlloc
	}
	s := slab[R]{
		rows:  unsafe.Slice((*R)(unsafe.Pointer(unsafe.SliceData(raw))), slots),
		raw:   raw,
		alloc: alloc,
	}
	s.clear()
	return s, nil
}

// clear zeroes every slot. The caller must guarantee quiescence: no
// concurrent probes are in flight.
func (s *slab[R]) clear() {
	clear(s.rows)
}

// free returns the backing memory to the allocator. Idempotent.
func (s *slab[R]) free() {
	if s.raw != nil {
		s.alloc.Free(s.raw)
	}
	s.rows, s.raw = nil, nil
}

// The row accessors monomorphize to a single width per instantiation: the
// size switch is on a compile-time constant.

func loadRow[R Row](p *R) R {
	if unsafe.Sizeof(*p) == 4 {
		return R(atomic.LoadUint32((*uint32)(unsafe.Pointer(p))))
	}
	return R(atomic.LoadUint64((*uint64)(unsafe.Pointer(p))))
}

func casRow[R Row](p *R, old, next R) bool {
	if unsafe.Sizeof(*p) == 4 {
		return atomic.CompareAndSwapUint32((*uint32)(unsafe.Pointer(p)), uint32(old), uint32(next))
	}
	return atomic.CompareAndSwapUint64((*uint64)(unsafe.Pointer(p)), uint64(old), uint64(next))
}

func swapRow[R Row](p *R, next R) R {
	if unsafe.Sizeof(*p) == 4 {
		return R(atomic.SwapUint32((*uint32)(unsafe.Pointer(p)), uint32(next)))
	}
	return R(atomic.SwapUint64((*uint64)(unsafe.Pointer(p)), uint64(next)))
}
