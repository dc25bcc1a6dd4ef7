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

package kmer

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func randomSequence(t *testing.T, n int, seed int64) []byte {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	out := make([]byte, n)
	for i := range out {
		out[i] = "ACGT"[rng.Intn(4)]
	}
	return out
}

func TestCanonicalHashStrandNeutral(t *testing.T) {
	shape := Ungapped(10)
	m := NewMinimiser(shape, 10)

	text := randomSequence(t, 200, 1)
	m.Compute(text)
	forward := append([]uint64{}, m.Hash...)

	m.Compute(ReverseComplement(text))
	reverse := m.Hash

	require.Equal(t, len(forward), len(reverse))
	seen := make(map[uint64]bool, len(forward))
	for _, h := range forward {
		seen[h] = true
	}
	for _, h := range reverse {
		require.True(t, seen[h], "hash %x only on one strand", h)
	}
}

func TestCanonicalSingleKmer(t *testing.T) {
	shape := Ungapped(8)
	m := NewMinimiser(shape, 8)

	text := []byte("ACGTTGCA")
	m.Compute(text)
	require.Len(t, m.Hash, 1)
	fwd := m.Hash[0]

	m.Compute(ReverseComplement(text))
	require.Len(t, m.Hash, 1)
	require.Equal(t, fwd, m.Hash[0])
}

func TestMinimiserPositionsIncrease(t *testing.T) {
	shape := Ungapped(10)
	m := NewMinimiser(shape, 19)

	text := randomSequence(t, 500, 7)
	m.Compute(text)
	require.NotEmpty(t, m.Begin)
	require.LessOrEqual(t, len(m.Begin), len(text)-19+1)
	for i := 1; i < len(m.Begin); i++ {
		require.Greater(t, m.Begin[i], m.Begin[i-1])
	}
	for i, b := range m.Begin {
		require.Equal(t, b+10-1, m.End[i])
	}
}

func TestMinimiserFirstWindowEmits(t *testing.T) {
	shape := Ungapped(4)
	m := NewMinimiser(shape, 8)

	// Text exactly one window long emits exactly one minimiser.
	m.Compute([]byte("ACGTACGT"))
	require.Len(t, m.Hash, 1)

	// Shorter than the window but at least k long still emits one.
	m.Compute([]byte("ACGTA"))
	require.Len(t, m.Hash, 1)

	// Shorter than k emits none.
	m.Compute([]byte("ACG"))
	require.Empty(t, m.Hash)
}

func TestMinimiserWindowEqualsK(t *testing.T) {
	shape := Ungapped(6)
	m := NewMinimiser(shape, 6)

	text := randomSequence(t, 64, 3)
	m.Compute(text)
	require.Len(t, m.Hash, len(text)-6+1)
}

func TestMinimiserMatchesBruteForce(t *testing.T) {
	shape := Ungapped(5)
	w := uint32(11)
	m := NewMinimiser(shape, w)

	for seed := int64(0); seed < 10; seed++ {
		text := randomSequence(t, 100, seed)
		m.Compute(text)

		// Brute force: canonical hash per k-mer, then window minima.
		single := NewMinimiser(shape, uint32(shape.Size()))
		var hashes []uint64
		single.Compute(text)
		hashes = append(hashes, single.Hash...)

		kmersPerWindow := int(w) - int(shape.Size()) + 1
		var want []uint64
		last := -1
		for start := 0; start+kmersPerWindow <= len(hashes); start++ {
			minIdx := start
			for j := start + 1; j < start+kmersPerWindow; j++ {
				if hashes[j] < hashes[minIdx] {
					minIdx = j
				}
			}
			if minIdx != last {
				want = append(want, hashes[minIdx])
				last = minIdx
			}
		}
		require.Equal(t, want, m.Hash, "seed %d", seed)
	}
}

func TestGappedShapeIgnoresGapPositions(t *testing.T) {
	shape, err := ParseShape("101")
	require.NoError(t, err)
	require.EqualValues(t, 3, shape.Size())
	require.EqualValues(t, 2, shape.Count())

	m := NewForwardMinimiser(shape, 3)
	m.Compute([]byte("ACA"))
	a := m.Hash[0]
	m.Compute([]byte("AGA")) // differs only at the gap position
	b := m.Hash[0]
	require.Equal(t, a, b)

	m.Compute([]byte("ACC")) // differs at a care position
	c := m.Hash[0]
	require.NotEqual(t, a, c)
}

func TestParseShapeErrors(t *testing.T) {
	for _, bad := range []string{"", "011", "2", "1x1"} {
		_, err := ParseShape(bad)
		require.Error(t, err, "literal %q", bad)
	}
	s, err := ParseShape("10101010101010101")
	require.NoError(t, err)
	require.EqualValues(t, 17, s.Size())
	require.EqualValues(t, 9, s.Count())
	require.Equal(t, "10101010101010101", s.String())
}

func TestAdjustSeed(t *testing.T) {
	require.Equal(t, Seed>>((32-20)*2), AdjustSeed(20))
	require.Equal(t, Seed, AdjustSeed(32))
}
