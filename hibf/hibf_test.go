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
	"bytes"
	"math/rand"
	"testing"

	"github.com/seqan/raptor/archive"
	"github.com/seqan/raptor/layout"
	"github.com/stretchr/testify/require"
)

// makeUserBins builds deterministic disjoint-ish k-mer sets.
func makeUserBins(n, perBin int) [][]uint64 {
	bins := make([][]uint64, n)
	rng := rand.New(rand.NewSource(11))
	for i := range bins {
		bins[i] = make([]uint64, perBin)
		for j := range bins[i] {
			bins[i][j] = rng.Uint64()
		}
	}
	return bins
}

func configFor(bins [][]uint64) BuildConfig {
	return BuildConfig{
		KmersFor: func(ub uint64, emit func(uint64)) error {
			for _, k := range bins[ub] {
				emit(k)
			}
			return nil
		},
		HashCount:     2,
		FPRMax:        0.05,
		RelaxedFPRMax: 0.3,
		TMax:          8,
		Threads:       2,
	}
}

func buildTestHIBF(t *testing.T, bins [][]uint64, tmax uint64) *HIBF {
	t.Helper()
	counts := make([]uint64, len(bins))
	for i := range bins {
		counts[i] = uint64(len(bins[i]))
	}
	l, err := layout.Plan(counts, tmax)
	require.NoError(t, err)

	cfg := configFor(bins)
	cfg.TMax = tmax
	h, err := Build(cfg, l)
	require.NoError(t, err)
	require.NoError(t, h.Validate())
	return h
}

func TestBuildSingleLevel(t *testing.T) {
	bins := makeUserBins(4, 200)
	h := buildTestHIBF(t, bins, 8)
	require.Len(t, h.IBFs, 1)
	require.EqualValues(t, 4, h.NumUserBins)

	agent := NewMembershipAgent(h)
	for ub := range bins {
		got := agent.MembershipFor(bins[ub][:50], uint16(50))
		require.Equal(t, []uint64{uint64(ub)}, got, "user bin %d", ub)
	}

	// An unrelated query stays below any meaningful threshold.
	rng := rand.New(rand.NewSource(12))
	foreign := make([]uint64, 50)
	for i := range foreign {
		foreign[i] = rng.Uint64()
	}
	got := agent.MembershipFor(foreign, uint16(40))
	require.Empty(t, got)
}

func TestBuildThreeLevels(t *testing.T) {
	bins := makeUserBins(64, 100)
	h := buildTestHIBF(t, bins, 4)
	require.Greater(t, len(h.IBFs), 5)
	require.EqualValues(t, 64, h.NumUserBins)

	agent := NewMembershipAgent(h)
	got := agent.MembershipFor(bins[37][:60], uint16(60))
	require.Equal(t, []uint64{37}, got)

	// Every user bin is reachable.
	require.Len(t, h.UserBinsUnder(0), 64)
}

func TestDownwardConsistency(t *testing.T) {
	bins := makeUserBins(30, 80)
	h := buildTestHIBF(t, bins, 4)

	// For every user bin, every k-mer must be present along the whole
	// path from root to leaf (false positives only ever add bits).
	for ub := range bins {
		ibfIdx, binIdx := findLeaf(t, h, uint64(ub))
		for _, k := range bins[ub] {
			// leaf: the bin (or one of its split siblings) holds k
			require.True(t, leafContains(h, ibfIdx, binIdx, uint64(ub), k))
			// ancestors: the merged bin on the path holds k
			at := ibfIdx
			for at != 0 {
				parent := h.PrevIBFID[at]
				require.True(t, h.IBFs[parent.IBFIdx].Contains(k, parent.BinIdx),
					"kmer of user bin %d missing in merged bin of ibf %d", ub, parent.IBFIdx)
				at = parent.IBFIdx
			}
		}
	}
}

func findLeaf(t *testing.T, h *HIBF, ub uint64) (uint64, uint64) {
	t.Helper()
	for i := range h.BinToUserBin {
		for b, id := range h.BinToUserBin[i] {
			if id == ub {
				return uint64(i), uint64(b)
			}
		}
	}
	t.Fatalf("user bin %d has no technical bin", ub)
	return 0, 0
}

func leafContains(h *HIBF, ibfIdx, binIdx, ub, k uint64) bool {
	for b := binIdx; b < uint64(len(h.BinToUserBin[ibfIdx])) && h.BinToUserBin[ibfIdx][b] == ub; b++ {
		if h.IBFs[ibfIdx].Contains(k, b) {
			return true
		}
	}
	return false
}

func TestSplitBinCountsMerge(t *testing.T) {
	// A layout that splits user bin 0 across 4 technical bins.
	l := &layout.Layout{
		TopLevelMaxBin: 0,
		Records: []layout.Record{
			{UserBinID: 0, BinIndices: []uint64{0}, NumberOfBins: []uint64{4}},
			{UserBinID: 1, BinIndices: []uint64{4}, NumberOfBins: []uint64{1}},
		},
	}
	bins := makeUserBins(2, 400)
	h, err := Build(configFor(bins), l)
	require.NoError(t, err)
	require.NoError(t, h.Validate())

	agent := NewMembershipAgent(h)
	// All 400 k-mers of bin 0 hit across the split; the union meets the
	// threshold even though each technical bin holds only a quarter.
	got := agent.MembershipFor(bins[0], uint16(400))
	require.Contains(t, got, uint64(0))
	require.NotContains(t, got, uint64(1))
}

func TestHIBFRoundTrip(t *testing.T) {
	bins := makeUserBins(20, 60)
	h := buildTestHIBF(t, bins, 4)

	var buf bytes.Buffer
	w, err := archive.NewWriter(&buf, "TEST", 1)
	require.NoError(t, err)
	h.Save(w)
	require.NoError(t, w.Close())

	r, err := archive.NewReader(&buf, "TEST", 1, 1)
	require.NoError(t, err)
	g, err := Load(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.NoError(t, g.Validate())

	require.Equal(t, h.NumUserBins, g.NumUserBins)
	require.Equal(t, h.PrevIBFID, g.PrevIBFID)
	require.Equal(t, len(h.IBFs), len(g.IBFs))
	for i := range h.IBFs {
		require.Equal(t, h.NextIBFID[i], g.NextIBFID[i])
		require.Equal(t, h.BinToUserBin[i], g.BinToUserBin[i])
		require.Equal(t, h.IBFs[i].Occupancy(), g.IBFs[i].Occupancy())
	}

	agent, agent2 := NewMembershipAgent(h), NewMembershipAgent(g)
	for ub := range bins {
		want := append([]uint64{}, agent.MembershipFor(bins[ub], uint16(len(bins[ub])))...)
		got := agent2.MembershipFor(bins[ub], uint16(len(bins[ub])))
		require.Equal(t, want, got)
	}
}
