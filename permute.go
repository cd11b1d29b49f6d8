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
	"encoding/binary"
	"math/rand/v2"

	"github.com/zeebo/xxh3"
)

// Seed is the random material for a table's permutation family: a triple of
// seeds for the pairwise-independent round functions of the Feistel
// permutations. Tables constructed without WithSeed draw a fresh one.
type Seed [3]uint64

func randomSeed() Seed {
	return Seed{rand.Uint64(), rand.Uint64(), rand.Uint64()}
}

// feistel is a family {σ₀, …, σ_{H-1}} of bijections on the W-bit key
// universe, each with an exact inverse. Each σᵢ is a one-round unbalanced
// Feistel network: the key splits into a low half L (⌊W/2⌋ bits) and a high
// half H (the rest), and
//
//	σᵢ(k) = L << high | (H ^ Fᵢ(L))
//
// which is invertible for any round function Fᵢ, since L is carried through
// in the clear. Fᵢ is a seeded multiply-add followed by a 64-bit finalizer,
// truncated to the high-half width. Distinct i use independently derived
// constants, giving statistically independent permutations over expected
// inputs.
type feistel struct {
	low  uint // width of the low half, fed to the round function
	high uint // width of the high half, keyWidth-low
	mul  []uint64
	add  []uint64
}

// newFeistel derives per-hash-function round constants from the seed
// triple. salt separates hash families that share a Seed (e.g. the two
// iceberg levels).
func newFeistel(seed Seed, hashes, keyWidth uint, salt uint64) feistel {
	f := feistel{
		low:  keyWidth / 2,
		high: keyWidth - keyWidth/2,
		mul:  make([]uint64, hashes),
		add:  make([]uint64, hashes),
	}
	var b [8]byte
	for i := uint(0); i < hashes; i++ {
		binary.LittleEndian.PutUint64(b[:], seed[0])
		f.mul[i] = xxh3.HashSeed(b[:], salt+uint64(i)) | 1
		binary.LittleEndian.PutUint64(b[:], seed[1])
		f.add[i] = xxh3.HashSeed(b[:], salt+uint64(i)) ^ seed[2]
	}
	return f
}

// fmix64 is the murmur3 64-bit finalizer.
func fmix64(x uint64) uint64 {
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return x
}

func (f *feistel) round(i uint, x uint64) uint64 {
	return fmix64(f.mul[i]*x+f.add[i]) & bitMask(f.high)
}

// forward computes σᵢ(k). k must lie in the key universe.
func (f *feistel) forward(i uint, k uint64) uint64 {
	l := k & bitMask(f.low)
	h := k >> f.low
	return l<<f.high | (h ^ f.round(i, l))
}

// inverse computes σᵢ⁻¹(p): σᵢ⁻¹(σᵢ(k)) == k for every key k.
func (f *feistel) inverse(i uint, p uint64) uint64 {
	l := p >> f.high
	h := (p & bitMask(f.high)) ^ f.round(i, l)
	return h<<f.low | l
}
