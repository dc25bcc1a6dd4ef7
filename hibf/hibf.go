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

// Package hibf implements the hierarchical interleaved Bloom filter: a
// forest of IBFs held in parallel index arrays. A technical bin either
// is a user bin (single or split across neighbours) or is a merged bin
// summarising a whole child IBF, which queries descend into.
package hibf

import (
	"math"
	"sort"

	"github.com/pkg/errors"
	"github.com/seqan/raptor/archive"
	"github.com/seqan/raptor/ibf"
)

// Sentinels in BinToUserBin.
const (
	// Merged marks a technical bin that routes into a child IBF.
	Merged uint64 = math.MaxUint64
	// Deleted marks a tombstoned technical bin.
	Deleted uint64 = math.MaxUint64 - 1
)

// PrevID addresses a parent: the IBF and the merged bin inside it.
type PrevID struct {
	IBFIdx uint64
	BinIdx uint64
}

// HIBF is the hierarchical filter. The arrays are index-parallel:
// entry i of each describes IBF i. The root is IBF 0 and is its own
// parent.
type HIBF struct {
	IBFs         []*ibf.Filter
	NextIBFID    [][]uint64 // NextIBFID[i][b] == i unless bin b is merged
	PrevIBFID    []PrevID
	BinToUserBin [][]uint64 // user bin id, Merged, or Deleted

	NumUserBins   uint64
	FPRMax        float64
	RelaxedFPRMax float64
	TMax          uint64
	HashCount     uint32
}

// Validate checks the structural invariants after load or splice.
func (h *HIBF) Validate() error {
	n := len(h.IBFs)
	if len(h.NextIBFID) != n || len(h.PrevIBFID) != n || len(h.BinToUserBin) != n {
		return errors.New("hibf arrays are not index-parallel")
	}
	for i := 0; i < n; i++ {
		if h.PrevIBFID[i].IBFIdx == Deleted {
			continue // tombstoned slot
		}
		// Walking up must reach the root.
		steps := 0
		for at := uint64(i); at != 0; at = h.PrevIBFID[at].IBFIdx {
			if steps++; steps > n {
				return errors.Errorf("parent chain of ibf %d does not reach the root", i)
			}
		}
		for b, ub := range h.BinToUserBin[i] {
			isMerged := h.NextIBFID[i][b] != uint64(i)
			if isMerged != (ub == Merged) {
				return errors.Errorf("ibf %d bin %d: merged sentinel and child pointer disagree", i, b)
			}
		}
	}
	return nil
}

// A MembershipAgent walks the tree top-down with per-goroutine scratch
// state. Counting agents are created lazily per visited IBF.
type MembershipAgent struct {
	h      *HIBF
	agents []*ibf.CountingAgent[uint16]
	result []uint64
}

// NewMembershipAgent returns an agent for h.
func NewMembershipAgent(h *HIBF) *MembershipAgent {
	return &MembershipAgent{h: h, agents: make([]*ibf.CountingAgent[uint16], len(h.IBFs))}
}

// MembershipFor returns the user bins likely to contain the query whose
// minimisers are values, given the per-query hit threshold. The result
// is sorted ascending and valid until the next call.
func (a *MembershipAgent) MembershipFor(values []uint64, threshold uint16) []uint64 {
	a.result = a.result[:0]
	a.walk(0, values, threshold)
	sort.Slice(a.result, func(i, j int) bool { return a.result[i] < a.result[j] })
	return a.result
}

func (a *MembershipAgent) agentFor(ibfIdx uint64) *ibf.CountingAgent[uint16] {
	if ibfIdx >= uint64(len(a.agents)) {
		grown := make([]*ibf.CountingAgent[uint16], len(a.h.IBFs))
		copy(grown, a.agents)
		a.agents = grown
	}
	if a.agents[ibfIdx] == nil {
		a.agents[ibfIdx] = ibf.NewCountingAgent[uint16](a.h.IBFs[ibfIdx])
	}
	return a.agents[ibfIdx]
}

func (a *MembershipAgent) walk(ibfIdx uint64, values []uint64, threshold uint16) {
	counts := a.agentFor(ibfIdx).BulkCount(values)
	bins := a.h.BinToUserBin[ibfIdx]

	b := 0
	for b < len(bins) {
		switch ub := bins[b]; ub {
		case Deleted:
			b++
		case Merged:
			if counts[b] >= threshold {
				a.walk(a.h.NextIBFID[ibfIdx][b], values, threshold)
			}
			b++
		default:
			// Split bins: sum the counts of the contiguous run mapping
			// to the same user bin before thresholding.
			sum := uint64(0)
			for b < len(bins) && bins[b] == ub {
				sum += uint64(counts[b])
				b++
			}
			if sum >= uint64(threshold) {
				a.result = append(a.result, ub)
			}
		}
	}
}

// UserBinsUnder collects every live user bin reachable from the given
// IBF, following merged bins and skipping tombstones.
func (h *HIBF) UserBinsUnder(ibfIdx uint64) []uint64 {
	seen := make(map[uint64]struct{})
	var walk func(idx uint64)
	walk = func(idx uint64) {
		for b, ub := range h.BinToUserBin[idx] {
			switch ub {
			case Merged:
				walk(h.NextIBFID[idx][b])
			case Deleted:
			default:
				seen[ub] = struct{}{}
			}
		}
	}
	walk(ibfIdx)
	out := make([]uint64, 0, len(seen))
	for ub := range seen {
		out = append(out, ub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SubtreeIBFs lists the given IBF and every descendant, in discovery
// order (the subtree root first).
func (h *HIBF) SubtreeIBFs(ibfIdx uint64) []uint64 {
	var result []uint64
	var walk func(idx uint64)
	walk = func(idx uint64) {
		result = append(result, idx)
		for b, ub := range h.BinToUserBin[idx] {
			if ub == Merged {
				walk(h.NextIBFID[idx][b])
			}
		}
	}
	walk(ibfIdx)
	return result
}

// Save writes the flattened arrays, then the per-IBF blocks.
func (h *HIBF) Save(w *archive.Writer) {
	w.U64(uint64(len(h.IBFs)))
	w.U64(h.NumUserBins)
	w.F64(h.FPRMax)
	w.F64(h.RelaxedFPRMax)
	w.U64(h.TMax)
	w.U32(h.HashCount)
	for i := range h.IBFs {
		w.U64s(h.NextIBFID[i])
		w.U64(h.PrevIBFID[i].IBFIdx)
		w.U64(h.PrevIBFID[i].BinIdx)
		w.U64s(h.BinToUserBin[i])
	}
	for _, f := range h.IBFs {
		f.Save(w)
	}
}

// Load reads HIBF state written by Save.
func Load(r *archive.Reader) (*HIBF, error) {
	n := r.U64()
	h := &HIBF{
		NumUserBins:   r.U64(),
		FPRMax:        r.F64(),
		RelaxedFPRMax: r.F64(),
		TMax:          r.U64(),
		HashCount:     r.U32(),
	}
	if err := r.Err(); err != nil {
		return nil, errors.Wrap(err, "while reading hibf header")
	}
	h.IBFs = make([]*ibf.Filter, n)
	h.NextIBFID = make([][]uint64, n)
	h.PrevIBFID = make([]PrevID, n)
	h.BinToUserBin = make([][]uint64, n)
	for i := uint64(0); i < n; i++ {
		h.NextIBFID[i] = r.U64s()
		h.PrevIBFID[i] = PrevID{IBFIdx: r.U64(), BinIdx: r.U64()}
		h.BinToUserBin[i] = r.U64s()
	}
	for i := uint64(0); i < n; i++ {
		f, err := ibf.Load(r)
		if err != nil {
			return nil, errors.Wrapf(err, "while reading hibf ibf %d", i)
		}
		h.IBFs[i] = f
	}
	if err := r.Err(); err != nil {
		return nil, errors.Wrap(err, "while reading hibf")
	}
	return h, nil
}
