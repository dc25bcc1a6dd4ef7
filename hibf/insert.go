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

package hibf

import (
	"math"
	"sort"

	"github.com/seqan/raptor/ibf"
)

// noLocation marks "not found" in the insert bookkeeping.
const noLocation = math.MaxUint64

// An InsertLocation is the chosen placement of a new user bin.
type InsertLocation struct {
	IBFIdx       uint64
	BinIdx       uint64
	NumberOfBins uint64
}

// A RebuildLocation points at the merged bin whose subtree must be
// rebuilt; IBFIdx == NoRebuild.IBFIdx means no rebuild is needed.
type RebuildLocation struct {
	IBFIdx uint64
	BinIdx uint64
}

// NoRebuild is the empty rebuild location.
var NoRebuild = RebuildLocation{IBFIdx: noLocation, BinIdx: noLocation}

// Needed reports whether the location names a real rebuild target.
func (r RebuildLocation) Needed() bool { return r.IBFIdx != noLocation }

type ibfMax struct {
	maxElements uint64
	ibfIdx      uint64
}

// maxIBFSizes returns, per IBF, the largest element count a single bin
// can absorb at the index FPR, sorted ascending by capacity.
func (h *HIBF) maxIBFSizes() []ibfMax {
	sizes := make([]ibfMax, 0, len(h.IBFs))
	for i, f := range h.IBFs {
		if f == nil || f.BinCount() == 0 {
			continue // tombstoned slot
		}
		sizes = append(sizes, ibfMax{
			maxElements: ibf.MaxElements(f.BinSize(), h.FPRMax, f.HashCount()),
			ibfIdx:      uint64(i),
		})
	}
	sort.Slice(sizes, func(i, j int) bool {
		if sizes[i].maxElements != sizes[j].maxElements {
			return sizes[i].maxElements < sizes[j].maxElements
		}
		return sizes[i].ibfIdx < sizes[j].ibfIdx
	})
	return sizes
}

// requiredTechnicalBins returns the smallest split count n such that
// the union FPR 1-(1-p_tb)^n stays within the target, with p_tb the
// per-bin FPR at elements/n entries.
func requiredTechnicalBins(binSize, elements, maxElements uint64, fpr float64, hashCount uint32) uint64 {
	computeSplitFPR := func(split uint64) float64 {
		fprTB := ibf.EstimateFPR(divideAndCeil(elements, split), binSize, hashCount)
		return 1.0 - math.Exp(math.Log1p(-fprTB)*float64(split))
	}
	numberOfBins := divideAndCeil(elements, maxElements)
	if numberOfBins == 0 {
		numberOfBins = 1
	}
	for computeSplitFPR(numberOfBins) > fpr {
		numberOfBins++
	}
	return numberOfBins
}

// findEmptyBinIdx looks for numberOfBins consecutive unused bins in the
// given IBF, growing the bin count in place when the tail has room.
// Unused means zero occupancy.
//
// TODO: consult the configured empty-bin fraction when deciding how far
// to grow, instead of growing by exactly the required run.
func (h *HIBF) findEmptyBinIdx(ibfIdx, numberOfBins uint64) uint64 {
	f := h.IBFs[ibfIdx]
	occ := f.Occupancy()
	binCount := f.BinCount()

	run := uint64(0)
	for b := uint64(0); b < binCount; b++ {
		if occ[b] == 0 {
			if run++; run == numberOfBins {
				return b + 1 - numberOfBins
			}
		} else {
			run = 0
		}
	}

	// No run inside the current bins; try appending without a resize.
	if f.TryIncreaseBinNumberTo(binCount + numberOfBins) {
		return binCount
	}
	return noLocation
}

// findIBFForInsert picks the IBF that will host a new user bin with
// kmerCount elements: the smallest-capacity fit first, then smaller
// IBFs, then the ancestor walk of the insertion path.
func (h *HIBF) findIBFForInsert(sizes []ibfMax, kmerCount uint64) (uint64, uint64) {
	numberOfIBFs := uint64(len(sizes))

	binarySearchIndex := numberOfIBFs - 1
	lo := sort.Search(len(sizes), func(i int) bool { return sizes[i].maxElements >= kmerCount })
	if lo < len(sizes) {
		binarySearchIndex = uint64(lo)
	}

	// Walk down from the best fit: smaller IBFs may still take the bin
	// as a split.
	for idx := int64(binarySearchIndex); idx >= 0; idx-- {
		entry := sizes[idx]
		f := h.IBFs[entry.ibfIdx]
		numberOfBins := requiredTechnicalBins(f.BinSize(), kmerCount, entry.maxElements, h.FPRMax, f.HashCount())
		if h.findEmptyBinIdx(entry.ibfIdx, numberOfBins) != noLocation {
			return entry.ibfIdx, entry.maxElements
		}
	}

	// Walk up: the parent, and any IBF whose capacity lies between the
	// current IBF's and the parent's.
	sizeIdx := binarySearchIndex
	for ibfIdx := sizes[sizeIdx].ibfIdx; ibfIdx != 0; {
		parentIdx := h.PrevIBFID[ibfIdx].IBFIdx
		parentSize := h.IBFs[parentIdx].BinSize()

		if h.findEmptyBinIdx(parentIdx, 1) != noLocation {
			return ibfIdx, sizes[sizeIdx].maxElements
		}
		for ; sizeIdx < numberOfIBFs && sizes[sizeIdx].maxElements < parentSize; sizeIdx++ {
			ibfIdx = sizes[sizeIdx].ibfIdx
			if h.findEmptyBinIdx(ibfIdx, 1) != noLocation {
				return ibfIdx, sizes[sizeIdx].maxElements
			}
		}
		if sizeIdx == numberOfIBFs {
			return ibfIdx, sizes[numberOfIBFs-1].maxElements
		}
		ibfIdx = sizes[sizeIdx].ibfIdx
	}

	// Give up: the root; a full rebuild will follow.
	if sizeIdx >= numberOfIBFs {
		sizeIdx = numberOfIBFs - 1
	}
	return 0, sizes[sizeIdx].maxElements
}

// GetLocation chooses and reserves the technical bins for a new user
// bin of kmerCount elements, updating the bookkeeping arrays. The new
// user bin id is NumUserBins before the call.
func (h *HIBF) GetLocation(kmerCount uint64) InsertLocation {
	sizes := h.maxIBFSizes()
	ibfIdx, maxElements := h.findIBFForInsert(sizes, kmerCount)
	f := h.IBFs[ibfIdx]

	numberOfBins := uint64(1)
	if maxElements < kmerCount {
		numberOfBins = requiredTechnicalBins(f.BinSize(), kmerCount, maxElements, h.FPRMax, f.HashCount())
	}

	binIdx := h.findEmptyBinIdx(ibfIdx, numberOfBins)
	if binIdx == noLocation {
		binIdx = f.BinCount()
		f.IncreaseBinNumberTo(binIdx + numberOfBins)
	}

	h.updateBookkeeping(ibfIdx, binIdx, numberOfBins)
	return InsertLocation{IBFIdx: ibfIdx, BinIdx: binIdx, NumberOfBins: numberOfBins}
}

// updateBookkeeping reserves the new bins: occupancy is pre-marked so
// concurrent searches for empty runs skip them, and the id maps grow to
// the new bin count.
func (h *HIBF) updateBookkeeping(ibfIdx, binIdx, numberOfBins uint64) {
	f := h.IBFs[ibfIdx]
	newBinCount := f.BinCount()
	occ := f.Occupancy()
	for b := binIdx; b < binIdx+numberOfBins; b++ {
		occ[b] = 1
	}
	for uint64(len(h.NextIBFID[ibfIdx])) < newBinCount {
		h.NextIBFID[ibfIdx] = append(h.NextIBFID[ibfIdx], ibfIdx)
	}
	for uint64(len(h.BinToUserBin[ibfIdx])) < newBinCount {
		h.BinToUserBin[ibfIdx] = append(h.BinToUserBin[ibfIdx], Deleted)
	}
	for b := binIdx; b < binIdx+numberOfBins; b++ {
		h.NextIBFID[ibfIdx][b] = ibfIdx
		h.BinToUserBin[ibfIdx][b] = h.NumUserBins
	}
	h.NumUserBins++
}

// isFPRExceeded checks a bin's post-insert FPR against its target:
// the index FPR for user bins, the relaxed FPR for merged bins, and a
// tightened relaxed FPR for top-level merged bins.
func (h *HIBF) isFPRExceeded(ibfIdx, binIdx uint64, isTopLevel bool) bool {
	f := h.IBFs[ibfIdx]
	newFPR := f.FPR(binIdx)

	target := h.FPRMax
	if h.BinToUserBin[ibfIdx][binIdx] == Merged {
		relaxed := h.RelaxedFPRMax
		target = relaxed
		if isTopLevel {
			target = relaxed * math.Min(relaxed*1.25, math.Max(relaxed, 0.95))
		}
	}
	return newFPR > target
}

// InsertTBAndParents writes the k-mers into the chosen bins and into
// every ancestor's merged bin along the path to the root. After each
// level it checks both budgets, FPR and tmax; the returned location is
// the most rootward breach along the walk, or NoRebuild.
func (h *HIBF) InsertTBAndParents(kmers []uint64, loc InsertLocation) RebuildLocation {
	rebuild := NoRebuild
	for {
		insertIntoIBF(kmers, loc.NumberOfBins, loc.BinIdx, h.IBFs[loc.IBFIdx])
		if h.isFPRExceeded(loc.IBFIdx, loc.BinIdx, false) || h.TMaxExceeded(loc.IBFIdx) {
			rebuild = RebuildLocation{IBFIdx: loc.IBFIdx, BinIdx: loc.BinIdx}
		}
		if loc.IBFIdx == 0 {
			break
		}
		parent := h.PrevIBFID[loc.IBFIdx]
		loc = InsertLocation{IBFIdx: parent.IBFIdx, BinIdx: parent.BinIdx, NumberOfBins: 1}
	}
	return rebuild
}

// TMaxExceeded reports whether an IBF outgrew the configured tmax
// (padded to the next multiple of 64, matching bin allocation).
func (h *HIBF) TMaxExceeded(ibfIdx uint64) bool {
	return h.IBFs[ibfIdx].BinCount() > (h.TMax+63)/64*64
}

// IsFPRExceededAt re-checks a rebuild location with top-level
// tightening applied.
func (h *HIBF) IsFPRExceededAt(loc RebuildLocation) bool {
	return h.isFPRExceeded(loc.IBFIdx, loc.BinIdx, true)
}
