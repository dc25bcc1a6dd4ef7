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

import (
	"bytes"
	"math/rand"
	"sync"
	"testing"

	"github.com/seqan/raptor/archive"
	"github.com/stretchr/testify/require"
)

func TestNewValidation(t *testing.T) {
	_, err := New(0, 1024, 2)
	require.Error(t, err)
	_, err = New(4, 0, 2)
	require.Error(t, err)
	_, err = New(4, 1024, 0)
	require.Error(t, err)
	_, err = New(4, 1024, 6)
	require.Error(t, err)

	f, err := New(4, 1024, 2)
	require.NoError(t, err)
	require.EqualValues(t, 4, f.BinCount())
	require.EqualValues(t, 64, f.BinCountPadded())

	f, err = New(65, 1024, 2)
	require.NoError(t, err)
	require.EqualValues(t, 128, f.BinCountPadded())
}

func TestNoFalseNegatives(t *testing.T) {
	f, err := New(7, 2048, 3)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(42))
	inserted := make(map[uint64]uint64, 512)
	for i := 0; i < 512; i++ {
		v := rng.Uint64()
		b := uint64(i % 7)
		f.Insert(v, b)
		inserted[v] = b
	}

	agent := NewCountingAgent[uint16](f)
	member := NewMembershipAgent(f)
	for v, b := range inserted {
		require.True(t, f.Contains(v, b))
		counts := agent.BulkCount([]uint64{v})
		require.EqualValues(t, 1, counts[b])
		require.Contains(t, member.MembershipFor([]uint64{v}, 1), b)
	}
}

func TestBulkCountOrderIndependent(t *testing.T) {
	values := make([]uint64, 64)
	rng := rand.New(rand.NewSource(7))
	for i := range values {
		values[i] = rng.Uint64()
	}

	build := func(order []int) []uint16 {
		f, err := New(130, 4096, 2)
		require.NoError(t, err)
		for _, i := range order {
			f.Insert(values[i], uint64(i%130))
		}
		agent := NewCountingAgent[uint16](f)
		out := make([]uint16, f.BinCountPadded())
		copy(out, agent.BulkCount(values))
		return out
	}

	forward := make([]int, len(values))
	backward := make([]int, len(values))
	for i := range forward {
		forward[i] = i
		backward[len(values)-1-i] = i
	}
	require.Equal(t, build(forward), build(backward))
}

func TestIdempotentInsert(t *testing.T) {
	f, err := New(3, 512, 4)
	require.NoError(t, err)
	f.Insert(123456, 1)
	snapshot := append([]uint64{}, f.data...)
	f.Insert(123456, 1)
	require.Equal(t, snapshot, f.data)
	require.EqualValues(t, 2, f.Occupancy()[1])
}

func TestConcurrentInserts(t *testing.T) {
	f, err := New(100, 8192, 2)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(g)))
			for i := 0; i < 200; i++ {
				f.Insert(rng.Uint64(), uint64(rng.Intn(100)))
			}
		}(g)
	}
	wg.Wait()

	// Replay serially and compare bit state.
	g2, err := New(100, 8192, 2)
	require.NoError(t, err)
	for g := 0; g < 8; g++ {
		rng := rand.New(rand.NewSource(int64(g)))
		for i := 0; i < 200; i++ {
			g2.Insert(rng.Uint64(), uint64(rng.Intn(100)))
		}
	}
	require.Equal(t, g2.data, f.data)
}

func TestIncreaseBinNumber(t *testing.T) {
	f, err := New(60, 1024, 2)
	require.NoError(t, err)
	f.Insert(1, 0)
	f.Insert(2, 59)

	// Within padded capacity: no storage move.
	require.True(t, f.TryIncreaseBinNumberTo(64))
	require.EqualValues(t, 64, f.BinCount())

	// Beyond: needs a rebuild.
	require.False(t, f.TryIncreaseBinNumberTo(65))
	f.IncreaseBinNumberTo(130)
	require.EqualValues(t, 130, f.BinCount())
	require.EqualValues(t, 192, f.BinCountPadded())

	require.True(t, f.Contains(1, 0))
	require.True(t, f.Contains(2, 59))
	require.EqualValues(t, 1, f.Occupancy()[59])

	// Shrinking is a no-op.
	require.True(t, f.TryIncreaseBinNumberTo(2))
	require.EqualValues(t, 130, f.BinCount())
}

func TestGrowKeepsCounts(t *testing.T) {
	f, err := New(64, 2048, 3)
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(3))
	values := make([]uint64, 100)
	for i := range values {
		values[i] = rng.Uint64()
		f.Insert(values[i], uint64(i%64))
	}
	before := append([]uint16{}, NewCountingAgent[uint16](f).BulkCount(values)...)

	f.IncreaseBinNumberTo(200)
	after := NewCountingAgent[uint16](f).BulkCount(values)
	require.Equal(t, before, after[:64])
	for _, c := range after[64:] {
		require.Zero(t, c)
	}
}

func TestRoundTrip(t *testing.T) {
	f, err := New(77, 512, 2)
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(9))
	for i := 0; i < 300; i++ {
		f.Insert(rng.Uint64(), uint64(rng.Intn(77)))
	}

	var buf bytes.Buffer
	w, err := archive.NewWriter(&buf, "TEST", 1)
	require.NoError(t, err)
	f.Save(w)
	require.NoError(t, w.Close())

	r, err := archive.NewReader(&buf, "TEST", 1, 1)
	require.NoError(t, err)
	g, err := Load(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	require.Equal(t, f.data, g.data)
	require.Equal(t, f.occupancy, g.occupancy)
	require.Equal(t, f.binCount, g.binCount)
	require.Equal(t, f.binSize, g.binSize)
	require.Equal(t, f.hashCount, g.hashCount)
}

func TestSizingInverse(t *testing.T) {
	for _, tc := range []struct {
		elements uint64
		fpr      float64
		hash     uint32
	}{
		{1000, 0.05, 2},
		{50000, 0.01, 3},
		{10, 0.3, 1},
	} {
		size := BinSizeFor(tc.elements, tc.fpr, tc.hash)
		require.LessOrEqual(t, EstimateFPR(tc.elements, size, tc.hash), tc.fpr+1e-9)
		require.GreaterOrEqual(t, MaxElements(size, tc.fpr, tc.hash), tc.elements)
	}
}
