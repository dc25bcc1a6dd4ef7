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

package raptor

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/seqan/raptor/kmer"
	"github.com/stretchr/testify/require"
)

// An HIBF built over 16 user bins through the fallback planner answers
// substring queries with the right user bin.
func TestSearchHIBF(t *testing.T) {
	dir := t.TempDir()
	rng := rand.New(rand.NewSource(31))
	bins := make([][]string, 16)
	seqs := make([]string, 16)
	for i := range bins {
		seqs[i] = randomSeq(rng, 400)
		bins[i] = []string{writeFasta(t, dir, fmt.Sprintf("bin%d.fasta", i), seqs[i])}
	}

	cfg := DefaultConfig()
	cfg.TMax = 4
	indexPath := filepath.Join(dir, "hibf.index")
	require.NoError(t, BuildHIBF(HIBFBuildOptions{
		Bins:       bins,
		Window:     19,
		Shape:      kmer.Ungapped(19),
		HashCount:  2,
		Config:     cfg,
		Threads:    2,
		OutputPath: indexPath,
	}))

	queryPath := writeFasta(t, dir, "q.fasta", seqs[11][100:220], seqs[3][:120])
	results := runSearch(t, SearchOptions{
		IndexPath:         indexPath,
		QueryPath:         queryPath,
		OutputPath:        filepath.Join(dir, "out.txt"),
		Threads:           2,
		Errors:            0,
		ThresholdFraction: -1,
		Tau:               0.99,
		PMax:              0.15,
	})
	require.Equal(t, []string{"11"}, results["seq0"])
	require.Equal(t, []string{"3"}, results["seq1"])
}

// Online insert: the new user bin becomes searchable, and an oversized
// one still lands correctly after the rebuild machinery runs.
func TestSearchAfterInsert(t *testing.T) {
	dir := t.TempDir()
	rng := rand.New(rand.NewSource(41))
	bins := make([][]string, 6)
	seqs := make([]string, 6)
	for i := range bins {
		seqs[i] = randomSeq(rng, 300)
		bins[i] = []string{writeFasta(t, dir, fmt.Sprintf("bin%d.fasta", i), seqs[i])}
	}

	cfg := DefaultConfig()
	cfg.TMax = 4
	indexPath := filepath.Join(dir, "hibf.index")
	require.NoError(t, BuildHIBF(HIBFBuildOptions{
		Bins:       bins,
		Window:     19,
		Shape:      kmer.Ungapped(19),
		HashCount:  2,
		Config:     cfg,
		Threads:    1,
		OutputPath: indexPath,
	}))

	ix, err := Load(indexPath)
	require.NoError(t, err)

	// One ordinary insert and one whose cardinality dwarfs every
	// existing bin, forcing splits and FPR pressure.
	newSeq := randomSeq(rng, 300)
	bigSeq := randomSeq(rng, 6000)
	newPath := writeFasta(t, dir, "new.fasta", newSeq)
	bigPath := writeFasta(t, dir, "big.fasta", bigSeq)

	require.NoError(t, InsertUserBins(ix, UpdateOptions{
		BinsToInsert: [][]string{{newPath}, {bigPath}},
		Threads:      1,
	}))
	require.Len(t, ix.BinPaths, 8)

	updatedPath := filepath.Join(dir, "updated.index")
	require.NoError(t, ix.Save(updatedPath))

	queryPath := writeFasta(t, dir, "q.fasta", newSeq[:120], bigSeq[1000:1150], seqs[2][:120])
	results := runSearch(t, SearchOptions{
		IndexPath:         updatedPath,
		QueryPath:         queryPath,
		OutputPath:        filepath.Join(dir, "out.txt"),
		Threads:           1,
		Errors:            0,
		ThresholdFraction: -1,
		Tau:               0.99,
		PMax:              0.15,
	})
	require.Contains(t, results["seq0"], "6")
	require.Contains(t, results["seq1"], "7")
	require.Contains(t, results["seq2"], "2")
}

func TestIndexRoundTrip(t *testing.T) {
	dir := t.TempDir()
	rng := rand.New(rand.NewSource(17))
	bins := [][]string{
		{writeFasta(t, dir, "a.fasta", randomSeq(rng, 200))},
		{writeFasta(t, dir, "b.fasta", randomSeq(rng, 200)), writeFasta(t, dir, "c.fasta", randomSeq(rng, 200))},
	}
	indexPath := filepath.Join(dir, "index")
	require.NoError(t, BuildIBF(BuildOptions{
		Bins:       bins,
		Window:     23,
		Shape:      kmer.Ungapped(20),
		HashCount:  3,
		TotalBits:  1 << 22,
		Parts:      1,
		Threads:    1,
		OutputPath: indexPath,
	}))

	ix, err := Load(indexPath)
	require.NoError(t, err)
	require.EqualValues(t, 23, ix.Window)
	require.EqualValues(t, 20, ix.Shape.Size())
	require.EqualValues(t, 1, ix.Parts)
	require.Equal(t, bins, ix.BinPaths)
	require.NotNil(t, ix.IBF)
	require.EqualValues(t, 3, ix.IBF.HashCount())

	// Saving the loaded index reproduces the file byte for byte.
	copyPath := filepath.Join(dir, "copy")
	require.NoError(t, ix.Save(copyPath))
	a, err := os.ReadFile(indexPath)
	require.NoError(t, err)
	b, err := os.ReadFile(copyPath)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestLoadRejectsCorruption(t *testing.T) {
	dir := t.TempDir()
	bins := [][]string{{writeFasta(t, dir, "a.fasta", strings.Repeat("ACGT", 50))}}
	indexPath := filepath.Join(dir, "index")
	require.NoError(t, BuildIBF(BuildOptions{
		Bins:       bins,
		Window:     20,
		Shape:      kmer.Ungapped(20),
		HashCount:  2,
		TotalBits:  1 << 20,
		Parts:      1,
		OutputPath: indexPath,
	}))

	raw, err := os.ReadFile(indexPath)
	require.NoError(t, err)
	raw[len(raw)/2] ^= 0xFF
	require.NoError(t, os.WriteFile(indexPath, raw, 0o644))

	_, err = Load(indexPath)
	require.Error(t, err)

	// A foreign file is rejected on the magic, not the digest.
	other := filepath.Join(dir, "other")
	require.NoError(t, os.WriteFile(other, []byte("not an index at all"), 0o644))
	_, err = Load(other)
	require.Error(t, err)
}

func TestPartitionConfig(t *testing.T) {
	_, err := NewPartitionConfig(3)
	require.Error(t, err)
	_, err = NewPartitionConfig(0)
	require.Error(t, err)

	// The fixed P=2 grouping.
	cfg2, err := NewPartitionConfig(2)
	require.NoError(t, err)
	require.EqualValues(t, 0, cfg2.Part(0))
	require.EqualValues(t, 0, cfg2.Part(1))
	require.EqualValues(t, 1, cfg2.Part(2))
	require.EqualValues(t, 1, cfg2.Part(3))

	// Completeness: every hash lands in exactly one partition, and the
	// per-part filters repartition the input without loss.
	rng := rand.New(rand.NewSource(2))
	hashes := make([]uint64, 4096)
	for i := range hashes {
		hashes[i] = rng.Uint64()
	}
	for _, parts := range []uint32{1, 2, 4, 8, 16} {
		cfg, err := NewPartitionConfig(parts)
		require.NoError(t, err)
		total := 0
		for part := uint32(0); part < parts; part++ {
			sub := cfg.FilterInto(nil, hashes, part)
			total += len(sub)
			for _, h := range sub {
				require.Equal(t, part, cfg.Part(h))
			}
		}
		require.Equal(t, len(hashes), total, "parts=%d", parts)
	}
}

func TestPrepareResumption(t *testing.T) {
	dir := t.TempDir()
	rng := rand.New(rand.NewSource(3))
	bins := [][]string{{writeFasta(t, dir, "a.fasta", randomSeq(rng, 300))}}
	outDir := filepath.Join(dir, "out")

	opts := PrepareOptions{
		Bins:      bins,
		Window:    23,
		Shape:     kmer.Ungapped(20),
		Threads:   1,
		OutputDir: outDir,
	}
	require.NoError(t, Prepare(opts))

	minFile := filepath.Join(outDir, "a.minimiser")
	info1, err := os.Stat(minFile)
	require.NoError(t, err)

	// A finished bin is skipped on re-run.
	require.NoError(t, Prepare(opts))
	info2, err := os.Stat(minFile)
	require.NoError(t, err)
	require.Equal(t, info1.ModTime(), info2.ModTime())

	// A stale sentinel forces recomputation.
	require.NoError(t, os.WriteFile(filepath.Join(outDir, "a.in_progress"), nil, 0o644))
	require.NoError(t, Prepare(opts))
	require.NoFileExists(t, filepath.Join(outDir, "a.in_progress"))
}

func TestTimingOutput(t *testing.T) {
	dir := t.TempDir()
	bins := [][]string{{writeFasta(t, dir, "a.fasta", strings.Repeat("ACGTTGCA", 40))}}
	indexPath := filepath.Join(dir, "index")
	require.NoError(t, BuildIBF(BuildOptions{
		Bins:       bins,
		Window:     20,
		Shape:      kmer.Ungapped(20),
		HashCount:  2,
		TotalBits:  1 << 20,
		Parts:      1,
		OutputPath: indexPath,
	}))

	timingPath := filepath.Join(dir, "timing.tsv")
	queryPath := writeFasta(t, dir, "q.fasta", strings.Repeat("ACGTTGCA", 10))
	runSearch(t, SearchOptions{
		IndexPath:         indexPath,
		QueryPath:         queryPath,
		OutputPath:        filepath.Join(dir, "out.txt"),
		Threads:           1,
		Errors:            0,
		ThresholdFraction: -1,
		Tau:               0.99,
		PMax:              0.15,
		TimingOutput:      timingPath,
	})
	content, err := os.ReadFile(timingPath)
	require.NoError(t, err)
	require.Contains(t, string(content), "query_file_io")
}
