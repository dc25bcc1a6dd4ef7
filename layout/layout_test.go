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
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	l := &Layout{
		TopLevelMaxBin: 3,
		MaxBins: []MaxBin{
			{Indices: []uint64{2}, MaxBinID: 16},
			{Indices: []uint64{2, 0}, MaxBinID: 1},
		},
		Records: []Record{
			{UserBinID: 0, BinIndices: []uint64{0}, NumberOfBins: []uint64{1}},
			{UserBinID: 1, BinIndices: []uint64{1}, NumberOfBins: []uint64{14}},
			{UserBinID: 2, BinIndices: []uint64{2, 0}, NumberOfBins: []uint64{1, 1}},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, l.Write(&buf))
	back, err := Parse(&buf)
	require.NoError(t, err)
	require.Equal(t, l, back)
}

func TestParseErrors(t *testing.T) {
	for name, input := range map[string]string{
		"no high level": "0\t0\t1\n",
		"no records":    "#HIGH_LEVEL_IBF max_bin_id:0\n",
		"bad columns":   "#HIGH_LEVEL_IBF max_bin_id:0\n0\t0\n",
		"mismatch":      "#HIGH_LEVEL_IBF max_bin_id:0\n0\t0;1\t1\n",
	} {
		_, err := Parse(strings.NewReader(input))
		require.Error(t, err, name)
	}
}

func TestPlanSingleLevel(t *testing.T) {
	l, err := Plan([]uint64{10, 50, 20}, 8)
	require.NoError(t, err)
	require.Len(t, l.Records, 3)
	require.Empty(t, l.MaxBins)
	for _, r := range l.Records {
		require.Len(t, r.BinIndices, 1)
		require.Equal(t, []uint64{1}, r.NumberOfBins)
	}
	// The largest user bin (id 1) sits at slot 0, the top-level max bin.
	require.EqualValues(t, 0, l.TopLevelMaxBin)
	require.EqualValues(t, 0, l.Records[1].BinIndices[0])
}

func TestPlanTwoLevels(t *testing.T) {
	counts := make([]uint64, 20)
	for i := range counts {
		counts[i] = uint64(100 - i)
	}
	l, err := Plan(counts, 4)
	require.NoError(t, err)
	require.Len(t, l.Records, 20)
	require.NotEmpty(t, l.MaxBins)

	seen := map[uint64]bool{}
	for _, r := range l.Records {
		require.GreaterOrEqual(t, len(r.BinIndices), 2)
		require.Less(t, r.BinIndices[0], uint64(4))
		require.False(t, seen[r.UserBinID])
		seen[r.UserBinID] = true
	}

	var buf bytes.Buffer
	require.NoError(t, l.Write(&buf))
	_, err = Parse(&buf)
	require.NoError(t, err)
}

func TestPlanErrors(t *testing.T) {
	_, err := Plan(nil, 8)
	require.Error(t, err)
	_, err = Plan([]uint64{1}, 0)
	require.Error(t, err)
}
