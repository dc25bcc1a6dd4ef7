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

package ibf

import "math/bits"

// Counter is the element type of a counting agent's result vector.
type Counter interface {
	~uint16 | ~uint32 | ~uint64
}

// A CountingAgent holds the scratch buffers for bulk counting. One agent
// per goroutine; agents of the same filter share its bit storage
// read-only.
type CountingAgent[T Counter] struct {
	f      *Filter
	counts []T
	rowAnd []uint64
}

// NewCountingAgent returns an agent for f.
func NewCountingAgent[T Counter](f *Filter) *CountingAgent[T] {
	return &CountingAgent[T]{
		f:      f,
		counts: make([]T, f.binPadded),
		rowAnd: make([]uint64, f.wordsPerRow()),
	}
}

// BulkCount counts, for every bin, how many of the values test positive.
// The returned slice has BinCountPadded entries (trailing pad bins are
// zero) and is valid until the next call.
func (a *CountingAgent[T]) BulkCount(values []uint64) []T {
	f := a.f
	if uint64(len(a.counts)) < f.binPadded {
		a.counts = make([]T, f.binPadded)
		a.rowAnd = make([]uint64, f.wordsPerRow())
	}
	counts := a.counts[:f.binPadded]
	for i := range counts {
		counts[i] = 0
	}
	a.CountInto(values, counts)
	return counts
}

// CountInto adds the per-bin hit counts of values onto counts, which
// must have at least BinCountPadded entries. Partitioned searches use it
// to accumulate one partition's counts onto the running total.
func (a *CountingAgent[T]) CountInto(values []uint64, counts []T) {
	f := a.f
	wpr := f.wordsPerRow()
	if uint64(len(a.rowAnd)) < wpr {
		a.rowAnd = make([]uint64, wpr)
	}
	rowAnd := a.rowAnd[:wpr]

	for _, v := range values {
		// AND the h rows word by word; a bin's bit survives only if all
		// h of its bits are set.
		row := f.rowIndex(v, 0) * wpr
		copy(rowAnd, f.data[row:row+wpr])
		for i := uint32(1); i < f.hashCount; i++ {
			row = f.rowIndex(v, i) * wpr
			for w := uint64(0); w < wpr; w++ {
				rowAnd[w] &= f.data[row+w]
			}
		}
		for w, word := range rowAnd {
			base := w * 64
			for word != 0 {
				counts[base+bits.TrailingZeros64(word)]++
				word &= word - 1
			}
		}
	}
}

// A MembershipAgent reports the bins whose hit count reaches a
// threshold.
type MembershipAgent struct {
	counting *CountingAgent[uint16]
	result   []uint64
}

// NewMembershipAgent returns an agent for f.
func NewMembershipAgent(f *Filter) *MembershipAgent {
	return &MembershipAgent{counting: NewCountingAgent[uint16](f)}
}

// MembershipFor returns the bin ids, in increasing order, whose count
// over values is at least threshold. The slice is valid until the next
// call.
func (a *MembershipAgent) MembershipFor(values []uint64, threshold uint16) []uint64 {
	counts := a.counting.BulkCount(values)
	a.result = a.result[:0]
	binCount := a.counting.f.binCount
	for b := uint64(0); b < binCount; b++ {
		if counts[b] >= threshold {
			a.result = append(a.result, b)
		}
	}
	return a.result
}
