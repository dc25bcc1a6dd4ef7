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

// Package kmer provides canonical k-mer hashing under gapped shapes and
// windowed minimiser extraction over the DNA-4 alphabet.
package kmer

// Seed is XORed with every raw k-mer hash. It counteracts runs of
// consecutive minimisers on low-complexity sequence.
const Seed uint64 = 0x8F3F73B5CF1C9ADE

// AdjustSeed shifts the seed so that gapped shapes do not bias the low
// bits: the raw hash of a weight-w k-mer occupies only 2w bits.
func AdjustSeed(weight uint8) uint64 {
	return Seed >> ((32 - uint64(weight)) * 2)
}

// rankTable maps ASCII bases to their 2-bit rank. U is treated as T,
// lower case is accepted. Every other byte maps to invalidRank.
var rankTable = func() [256]uint8 {
	var t [256]uint8
	for i := range t {
		t[i] = invalidRank
	}
	for _, p := range []struct {
		chars string
		rank  uint8
	}{
		{"Aa", 0},
		{"Cc", 1},
		{"Gg", 2},
		{"TtUu", 3},
	} {
		for _, c := range p.chars {
			t[c] = p.rank
		}
	}
	return t
}()

const invalidRank = 0xFF

// Rank returns the 2-bit rank of a base, or invalidRank for non-ACGT input.
func Rank(base byte) uint8 { return rankTable[base] }

// IsValid reports whether every byte of text is an A/C/G/T (or U) base.
func IsValid(text []byte) bool {
	for _, b := range text {
		if rankTable[b] == invalidRank {
			return false
		}
	}
	return true
}

// ReverseComplement writes the reverse complement of text into a fresh slice.
func ReverseComplement(text []byte) []byte {
	out := make([]byte, len(text))
	for i, b := range text {
		out[len(text)-1-i] = complementTable[b]
	}
	return out
}

var complementTable = func() [256]byte {
	var t [256]byte
	for i := range t {
		t[i] = byte(i)
	}
	for _, p := range [][2]byte{{'A', 'T'}, {'C', 'G'}, {'G', 'C'}, {'T', 'A'}, {'a', 't'}, {'c', 'g'}, {'g', 'c'}, {'t', 'a'}, {'U', 'A'}, {'u', 'a'}} {
		t[p[0]] = p[1]
	}
	return t
}()
