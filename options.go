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

import "runtime"

// settings collects the tunables shared by both table families. Zero
// values mean "family default" and are resolved at construction.
type settings struct {
	seed        Seed
	seedSet     bool
	bucketSize  uint
	sBucketSize uint
	hashes      uint
	sHashes     uint
	maxChain    uint
	workers     int
	alloc       Allocator
}

func defaultSettings() settings {
	return settings{
		workers: runtime.GOMAXPROCS(0),
		alloc:   defaultAllocator{},
	}
}

// Option configures a table at construction.
type Option func(*settings)

// WithSeed fixes the permutation seed triple. Tables without an explicit
// seed draw a random one, so two runs place keys differently; tests and
// reproducible pipelines pin the seed.
func WithSeed(seed Seed) Option {
	return func(s *settings) {
		s.seed = seed
		s.seedSet = true
	}
}

// WithBucketSize sets the slots per bucket (the tile width). Must divide
// 32. Default 32. For Iceberg this is the primary level; the secondary has
// its own option.
func WithBucketSize(b uint) Option {
	return func(s *settings) { s.bucketSize = b }
}

// WithSecondaryBucketSize sets the Iceberg secondary level's slots per
// bucket. Must divide 32. Default 16.
func WithSecondaryBucketSize(b uint) Option {
	return func(s *settings) { s.sBucketSize = b }
}

// WithHashes sets the number of hash functions. Default 3 for Cuckoo and 1
// for the Iceberg primary. The slot state field widens with the count, so
// more hash functions cost remainder bits.
func WithHashes(h uint) Option {
	return func(s *settings) { s.hashes = h }
}

// WithSecondaryHashes sets the Iceberg secondary level's hash function
// count. Default 3.
func WithSecondaryHashes(h uint) Option {
	return func(s *settings) { s.sHashes = h }
}

// WithMaxChain bounds the cuckoo eviction chain. Default 20 per hash
// function. A key whose chain exceeds the bound reports Full.
func WithMaxChain(n uint) Option {
	return func(s *settings) { s.maxChain = n }
}

// WithWorkers caps the goroutines a bulk operation fans out to. Default
// GOMAXPROCS. Small ranges run on the calling goroutine regardless.
func WithWorkers(n int) Option {
	return func(s *settings) { s.workers = n }
}

// WithAllocator supplies the slab allocator. The default allocator is
// GC-backed; a manual allocator must be paired with Close.
func WithAllocator(a Allocator) Option {
	return func(s *settings) { s.alloc = a }
}
