/*
 * Copyright 2024 The Raptor Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package ibf implements the interleaved Bloom filter: a single bit
// matrix whose columns are bins and whose rows are Bloom-filter rows,
// laid out so that one 64-bit word covers 64 neighbouring bin columns of
// the same row. Membership of a value in all bins is decided with
// h AND-ed row reads instead of h probes per bin.
package ibf

import (
	"math"
	"sync/atomic"

	"github.com/pkg/errors"
)

// hashSeeds are the per-hash-function multipliers. At most five hash
// functions are supported.
var hashSeeds = [5]uint64{
	13572355802537770549,
	13043817825332782213,
	10650340422618863417,
	16499269484942379435,
	4893150838803335377,
}

// blockSeed turns the input value into a 64-bit block before the
// per-hash multipliers are applied.
const blockSeed uint64 = 0x9E3779B97F4A7C15

// MaxHashCount is the largest supported number of hash functions.
const MaxHashCount = 5

// Filter is an interleaved Bloom filter. The zero value is empty;
// construct with New. Insert may be called concurrently; Resize-type
// operations must be exclusive.
type Filter struct {
	data      []uint64 // binSize rows of binCountPadded bits
	occupancy []uint64

	binCount  uint64
	binPadded uint64
	binSize   uint64
	hashCount uint32
}

// New allocates a zeroed filter.
func New(binCount, binSize uint64, hashCount uint32) (*Filter, error) {
	if binCount == 0 {
		return nil, errors.New("bin count must be at least 1")
	}
	if binSize == 0 {
		return nil, errors.New("bin size must be at least 1")
	}
	if hashCount < 1 || hashCount > MaxHashCount {
		return nil, errors.Errorf("hash function count %d out of range [1,%d]", hashCount, MaxHashCount)
	}
	padded := nextMultipleOf64(binCount)
	f := &Filter{
		data:      make([]uint64, binSize*padded/64),
		occupancy: make([]uint64, padded),
		binCount:  binCount,
		binPadded: padded,
		binSize:   binSize,
		hashCount: hashCount,
	}
	return f, nil
}

func nextMultipleOf64(n uint64) uint64 { return (n + 63) / 64 * 64 }

// BinCount returns the logical number of bins.
func (f *Filter) BinCount() uint64 { return f.binCount }

// BinCountPadded returns the bin count rounded up to a multiple of 64.
func (f *Filter) BinCountPadded() uint64 { return f.binPadded }

// BinSize returns the number of rows (bits per bin).
func (f *Filter) BinSize() uint64 { return f.binSize }

// HashCount returns the number of hash functions.
func (f *Filter) HashCount() uint32 { return f.hashCount }

// Occupancy returns the inserted-element counters, one per padded bin.
// It backs FPR estimates and empty-bin searches; membership never
// consults it.
func (f *Filter) Occupancy() []uint64 { return f.occupancy }

// wordsPerRow returns the number of 64-bit words spanning one row.
func (f *Filter) wordsPerRow() uint64 { return f.binPadded / 64 }

// rowIndex returns the row selected by hash function i for value.
func (f *Filter) rowIndex(value uint64, i uint32) uint64 {
	block := value * blockSeed
	return (block * hashSeeds[i]) % f.binSize
}

// Insert sets the h bits of value in the given bin column. Word-level
// atomic-OR makes concurrent inserts into any bins race-free: insertion
// only ever sets bits, so the ORs commute.
func (f *Filter) Insert(value, binIdx uint64) {
	word := binIdx / 64
	bit := uint64(1) << (binIdx % 64)
	wpr := f.wordsPerRow()
	for i := uint32(0); i < f.hashCount; i++ {
		idx := f.rowIndex(value, i)*wpr + word
		atomicOr(&f.data[idx], bit)
	}
	atomic.AddUint64(&f.occupancy[binIdx], 1)
}

func atomicOr(addr *uint64, bits uint64) {
	for {
		old := atomic.LoadUint64(addr)
		if old&bits == bits || atomic.CompareAndSwapUint64(addr, old, old|bits) {
			return
		}
	}
}

// Contains reports whether value tests positive in binIdx.
func (f *Filter) Contains(value, binIdx uint64) bool {
	word := binIdx / 64
	bit := uint64(1) << (binIdx % 64)
	wpr := f.wordsPerRow()
	for i := uint32(0); i < f.hashCount; i++ {
		if f.data[f.rowIndex(value, i)*wpr+word]&bit == 0 {
			return false
		}
	}
	return true
}

// FPR estimates the false-positive rate of bin b from its occupancy.
func (f *Filter) FPR(binIdx uint64) float64 {
	return EstimateFPR(f.occupancy[binIdx], f.binSize, f.hashCount)
}

// EstimateFPR is the Bloom-filter estimate (1 - exp(-h*n/S))^h.
func EstimateFPR(elements, binSize uint64, hashCount uint32) float64 {
	expArg := float64(hashCount) * float64(elements) / float64(binSize)
	return math.Pow(1-math.Exp(-expArg), float64(hashCount))
}

// BinSizeFor returns the smallest bin size S satisfying
// (1 - exp(-h*n/S))^h <= fpr for n elements.
func BinSizeFor(elements uint64, fpr float64, hashCount uint32) uint64 {
	if elements == 0 {
		return 1
	}
	numerator := -float64(hashCount) * float64(elements)
	denominator := math.Log(1 - math.Exp(math.Log(fpr)/float64(hashCount)))
	return uint64(math.Ceil(numerator / denominator))
}

// MaxElements returns the element count at which a bin of the given size
// reaches fpr, rounded up to the next integer.
func MaxElements(binSize uint64, fpr float64, hashCount uint32) uint64 {
	numerator := float64(binSize) * math.Log(1-math.Exp(math.Log(fpr)/float64(hashCount)))
	return uint64(math.Ceil(numerator / -float64(hashCount)))
}

// TryIncreaseBinNumberTo grows the logical bin count without moving bit
// storage. It succeeds iff the padded count stays within the allocated
// capacity. Shrinking never happens: a target at or below the current
// count reports success and changes nothing.
func (f *Filter) TryIncreaseBinNumberTo(binCount uint64) bool {
	if binCount <= f.binCount {
		return true
	}
	if nextMultipleOf64(binCount) != f.binPadded {
		return false
	}
	f.binCount = binCount
	return true
}

// IncreaseBinNumberTo grows the bin count, re-laying the rows into a
// wider matrix when the padded count grows. Counts at or below the
// current value are a no-op.
func (f *Filter) IncreaseBinNumberTo(binCount uint64) {
	if f.TryIncreaseBinNumberTo(binCount) {
		return
	}
	newPadded := nextMultipleOf64(binCount)
	newWpr := newPadded / 64
	oldWpr := f.wordsPerRow()
	data := make([]uint64, f.binSize*newWpr)
	for row := uint64(0); row < f.binSize; row++ {
		copy(data[row*newWpr:row*newWpr+oldWpr], f.data[row*oldWpr:(row+1)*oldWpr])
	}
	occupancy := make([]uint64, newPadded)
	copy(occupancy, f.occupancy)

	f.data = data
	f.occupancy = occupancy
	f.binCount = binCount
	f.binPadded = newPadded
}

// Clear zeroes the filter in place, keeping its geometry.
func (f *Filter) Clear() {
	for i := range f.data {
		f.data[i] = 0
	}
	for i := range f.occupancy {
		f.occupancy[i] = 0
	}
}
