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

	"github.com/pkg/errors"
	"github.com/seqan/raptor/hibf"
	"github.com/seqan/raptor/kmer"
	"github.com/seqan/raptor/layout"
	"github.com/seqan/raptor/seqio"
)

// HIBFBuildOptions drive the hierarchical build.
type HIBFBuildOptions struct {
	Bins       [][]string
	Layout     *layout.Layout // nil: plan with the fallback planner
	Window     uint32
	Shape      kmer.Shape
	HashCount  uint32
	Config     Config
	Threads    int
	OutputPath string
}

// BuildHIBF builds a hierarchical index over the user bins.
func BuildHIBF(opts HIBFBuildOptions) error {
	if len(opts.Bins) == 0 {
		return errors.New("no user bins given")
	}
	if opts.Threads < 1 {
		opts.Threads = 1
	}

	h, err := buildHIBF(opts.Bins, opts.Layout, opts.Shape, opts.Window, opts.HashCount, opts.Config, opts.Threads)
	if err != nil {
		return err
	}

	ix := &Index{
		Window:   opts.Window,
		Shape:    opts.Shape,
		Parts:    1,
		BinPaths: opts.Bins,
		Config:   opts.Config,
		HIBF:     h,
	}
	return ix.Save(opts.OutputPath)
}

// buildHIBF runs the hierarchical build over sequence bins, planning a
// layout first when none is supplied.
func buildHIBF(bins [][]string, l *layout.Layout, shape kmer.Shape, window uint32, hashCount uint32, cfg Config, threads int) (*hibf.HIBF, error) {
	kmersFor := sequenceKmersFunc(bins, shape, window)

	if l == nil {
		counts, err := countBinKmers(bins, shape, window, threads)
		if err != nil {
			return nil, err
		}
		l, err = layout.Plan(counts, cfg.TMax)
		if err != nil {
			return nil, err
		}
		slog.Info("planned fallback layout", "user_bins", len(bins), "tmax", cfg.TMax)
	}

	return hibf.Build(hibf.BuildConfig{
		KmersFor:      kmersFor,
		HashCount:     hashCount,
		FPRMax:        cfg.FPR,
		RelaxedFPRMax: cfg.RelaxedFPR,
		TMax:          cfg.TMax,
		Threads:       threads,
	}, l)
}

// sequenceKmersFunc streams the minimiser content of a user bin's
// files. Each call owns its minimiser scratch, so the build may hash
// bins concurrently.
func sequenceKmersFunc(bins [][]string, shape kmer.Shape, window uint32) func(uint64, func(uint64)) error {
	return func(userBinID uint64, emit func(uint64)) error {
		if userBinID >= uint64(len(bins)) {
			return errors.Errorf("layout references user bin %d, bin list has %d", userBinID, len(bins))
		}
		mini := kmer.NewMinimiser(shape, window)
		var hashes []uint64
		for _, path := range bins[userBinID] {
			err := seqio.ForEach(path, func(rec seqio.Record) error {
				hashes = mini.Hashes(rec.Seq, hashes[:0])
				for _, h := range hashes {
					emit(h)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	}
}

// countBinKmers estimates per-bin cardinalities for the planner.
func countBinKmers(bins [][]string, shape kmer.Shape, window uint32, threads int) ([]uint64, error) {
	counts := make([]uint64, len(bins))
	kmersFor := sequenceKmersFunc(bins, shape, window)
	err := doParallel(len(bins), threads, func(start, end int) error {
		seen := make(map[uint64]struct{})
		for bin := start; bin < end; bin++ {
			clear(seen)
			if err := kmersFor(uint64(bin), func(h uint64) { seen[h] = struct{}{} }); err != nil {
				return err
			}
			counts[bin] = uint64(len(seen))
		}
		return nil
	})
	return counts, err
}
