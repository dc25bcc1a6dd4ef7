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
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/seqan/raptor/kmer"
	"github.com/seqan/raptor/seqio"
)

// PrepareOptions drive the offline minimiser computation.
type PrepareOptions struct {
	Bins           [][]string
	Window         uint32
	Shape          kmer.Shape
	Threads        int
	OutputDir      string
	DisableCutoffs bool
}

// Cutoff heuristic from Mantis: k-mers rarer than the cutoff are noise
// (sequencing errors) and are dropped. The bounds are file sizes of
// gzipped FASTQ; other inputs are rescaled.
var (
	cutoffBounds = [4]uint64{314572800, 524288000, 1073741824, 3221225472}
	cutoffValues = [4]uint16{1, 3, 10, 20}
)

const defaultCutoff uint16 = 50

// cutoffFor derives the occurrence cutoff for a sequence file from its
// size: FASTA counts double (no quality lines), uncompressed input a
// third.
func cutoffFor(path string, disabled bool) (uint16, error) {
	if disabled {
		return 1, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, errors.Wrapf(err, "unable to stat %s", path)
	}
	size := uint64(info.Size())
	if seqio.IsFasta(path) {
		size *= 2
	}
	if !seqio.IsCompressed(path) {
		size /= 3
	}
	for i, bound := range cutoffBounds {
		if size <= bound {
			return cutoffValues[i], nil
		}
	}
	return defaultCutoff, nil
}

// prepareOutputStem maps a bin's first file into the output directory,
// stripping a compression extension first.
func prepareOutputStem(outputDir, firstFile string) string {
	base := filepath.Base(firstFile)
	if seqio.IsCompressed(base) {
		base = strings.TrimSuffix(base, filepath.Ext(base))
	}
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(outputDir, base)
}

// Prepare converts every user bin into a cutoff-filtered .minimiser
// file plus .header. A bin whose outputs exist without an .in_progress
// sentinel is skipped, so an interrupted run resumes where it stopped.
func Prepare(opts PrepareOptions) error {
	if len(opts.Bins) == 0 {
		return errors.New("no user bins given")
	}
	if opts.Threads < 1 {
		opts.Threads = 1
	}
	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return errors.Wrapf(err, "unable to create output directory %s", opts.OutputDir)
	}

	err := doParallel(len(opts.Bins), opts.Threads, func(start, end int) error {
		mini := kmer.NewMinimiser(opts.Shape, opts.Window)
		var hashes []uint64
		for bin := start; bin < end; bin++ {
			if err := prepareBin(opts, opts.Bins[bin], mini, &hashes); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return writeMinimiserList(opts)
}

func prepareBin(opts PrepareOptions, files []string, mini *kmer.Minimiser, scratch *[]uint64) error {
	stem := prepareOutputStem(opts.OutputDir, files[0])
	minimiserFile := stem + ".minimiser"
	headerFile := stem + ".header"
	progressFile := stem + ".in_progress"

	if exists(minimiserFile) && exists(headerFile) && !exists(progressFile) {
		slog.Debug("skipping prepared bin", "file", minimiserFile)
		return nil
	}
	if err := os.WriteFile(progressFile, nil, 0o644); err != nil {
		return errors.Wrapf(err, "unable to create sentinel %s", progressFile)
	}

	// Occurrence counts saturate at 254: the largest cutoff is 50, so
	// higher counts never matter and a byte per key suffices.
	table := make(map[uint64]uint8)
	for _, path := range files {
		err := seqio.ForEach(path, func(rec seqio.Record) error {
			*scratch = mini.Hashes(rec.Seq, (*scratch)[:0])
			for _, h := range *scratch {
				if c := table[h]; c < 254 {
					table[h] = c + 1
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	cutoff, err := cutoffFor(files[0], opts.DisableCutoffs)
	if err != nil {
		return err
	}

	kept := make([]uint64, 0, len(table))
	for h, occurrences := range table {
		if uint16(occurrences) >= cutoff {
			kept = append(kept, h)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i] < kept[j] })

	if err := seqio.WriteMinimiserFile(minimiserFile, kept); err != nil {
		return err
	}
	header := seqio.MinimiserHeader{
		Shape:  opts.Shape.String(),
		Window: opts.Window,
		Cutoff: cutoff,
		Count:  uint64(len(kept)),
	}
	if err := header.WriteTo(headerFile); err != nil {
		return err
	}
	return errors.Wrapf(os.Remove(progressFile), "unable to remove sentinel %s", progressFile)
}

// writeMinimiserList records the produced minimiser files so a later
// build can consume the whole directory as a bin list.
func writeMinimiserList(opts PrepareOptions) error {
	listFile := filepath.Join(opts.OutputDir, "minimiser.list")
	var b strings.Builder
	for _, files := range opts.Bins {
		b.WriteString(prepareOutputStem(opts.OutputDir, files[0]) + ".minimiser\n")
	}
	return errors.Wrapf(os.WriteFile(listFile, []byte(b.String()), 0o644), "unable to write %s", listFile)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
