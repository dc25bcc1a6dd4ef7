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

package layout

import (
	"sort"

	"github.com/pkg/errors"
)

// Plan is the fallback planner: it packs user bins into a tree whose
// nodes stay within tmax technical bins, without the sketch-based
// optimisation of the external planner. kmerCounts[i] is the (possibly
// estimated) cardinality of user bin i and only steers favourite-child
// hints and grouping order.
func Plan(kmerCounts []uint64, tmax uint64) (*Layout, error) {
	if len(kmerCounts) == 0 {
		return nil, errors.New("cannot plan a layout for zero user bins")
	}
	if tmax == 0 {
		return nil, errors.New("tmax must be at least 1")
	}

	l := &Layout{}
	ids := make([]uint64, len(kmerCounts))
	for i := range ids {
		ids[i] = uint64(i)
	}
	plan(l, ids, kmerCounts, tmax, nil)
	sort.Slice(l.Records, func(i, j int) bool { return l.Records[i].UserBinID < l.Records[j].UserBinID })
	return l, nil
}

// plan lays out the given user bins into one node, recursing for
// groups that do not fit.
func plan(l *Layout, ids []uint64, kmerCounts []uint64, tmax uint64, prefix []uint64) {
	// Largest first, so the max bin sits at a deterministic slot.
	sorted := append([]uint64{}, ids...)
	sort.Slice(sorted, func(i, j int) bool {
		if kmerCounts[sorted[i]] != kmerCounts[sorted[j]] {
			return kmerCounts[sorted[i]] > kmerCounts[sorted[j]]
		}
		return sorted[i] < sorted[j]
	})

	if uint64(len(sorted)) <= tmax {
		for slot, ub := range sorted {
			l.Records = append(l.Records, Record{
				UserBinID:    ub,
				BinIndices:   appendCopy(prefix, uint64(slot)),
				NumberOfBins: onesLike(prefix),
			})
		}
		setMaxBin(l, prefix, 0)
		return
	}

	// Too many user bins: all tmax technical bins become merged bins,
	// user bins distributed round-robin by descending size.
	groups := make([][]uint64, tmax)
	for i, ub := range sorted {
		g := uint64(i) % tmax
		groups[g] = append(groups[g], ub)
	}
	setMaxBin(l, prefix, 0)
	for g, group := range groups {
		plan(l, group, kmerCounts, tmax, appendCopy(prefix, uint64(g)))
	}
}

func setMaxBin(l *Layout, prefix []uint64, maxBinID uint64) {
	if len(prefix) == 0 {
		l.TopLevelMaxBin = maxBinID
		return
	}
	l.MaxBins = append(l.MaxBins, MaxBin{Indices: append([]uint64{}, prefix...), MaxBinID: maxBinID})
}

func appendCopy(prefix []uint64, v uint64) []uint64 {
	out := make([]uint64, 0, len(prefix)+1)
	out = append(out, prefix...)
	return append(out, v)
}

// onesLike returns the NumberOfBins list for a record at depth
// len(prefix)+1: merged levels count one bin each, and the fallback
// planner never splits.
func onesLike(prefix []uint64) []uint64 {
	out := make([]uint64, len(prefix)+1)
	for i := range out {
		out[i] = 1
	}
	return out
}
