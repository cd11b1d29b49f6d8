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

import "math/bits"

// bitMask returns a mask covering the low w bits.
func bitMask(w uint) uint64 {
	if w >= 64 {
		return ^uint64(0)
	}
	return 1<<w - 1
}

// stateBitsFor returns the width of the slot state field for a level with
// the given number of hash functions: ⌈log₂(hashes+1)⌉ bits, enough to
// encode empty plus one occupied tag per hash function.
func stateBitsFor(hashes uint) uint {
	return uint(bits.Len(hashes))
}

// laneMask is a ballot across the lanes of a tile: bit j is lane j's vote.
// Buckets are at most 32 slots wide, so 32 lanes suffice.
type laneMask uint32

func (m laneMask) any() bool {
	return m != 0
}

// first returns the rank of the lowest voting lane.
func (m laneMask) first() uint {
	return uint(bits.TrailingZeros32(uint32(m)))
}

func (m laneMask) count() uint {
	return uint(bits.OnesCount32(uint32(m)))
}
