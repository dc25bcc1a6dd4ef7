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

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/seqan/raptor/ibf"
	"github.com/seqan/raptor/kmer"
	"github.com/seqan/raptor/seqio"
)

// BuildOptions drive the flat-IBF build.
type BuildOptions struct {
	Bins        [][]string // user bins; outer index is the user bin id
	IsMinimiser bool       // bins are prepared .minimiser files
	Window      uint32
	Shape       kmer.Shape
	HashCount   uint32
	TotalBits   uint64 // bit budget across all bins and parts
	Parts       uint32
	Threads     int
	OutputPath  string
}

func (o *BuildOptions) validate() error {
	if len(o.Bins) == 0 {
		return errors.New("no user bins given")
	}
	if o.Window < uint32(o.Shape.Size()) {
		return errors.Errorf("window size %d must not be smaller than the k-mer size %d", o.Window, o.Shape.Size())
	}
	if o.TotalBits == 0 {
		return errors.New("the size must not be zero")
	}
	if o.Parts == 0 {
		o.Parts = 1
	}
	if o.Threads < 1 {
		o.Threads = 1
	}
	return nil
}

// BuildIBF builds the flat index, one file per partition for Parts > 1.
func BuildIBF(opts BuildOptions) error {
	if err := opts.validate(); err != nil {
		return err
	}
	cfg, err := NewPartitionConfig(opts.Parts)
	if err != nil {
		return err
	}

	binCount := uint64(len(opts.Bins))
	padded := (binCount + 63) / 64 * 64
	binSize := opts.TotalBits / padded / uint64(opts.Parts)
	if binSize == 0 {
		return errors.Errorf("size %s is too small for %d bins in %d parts",
			humanize.IBytes(opts.TotalBits/8), binCount, opts.Parts)
	}
	slog.Info("building index",
		"bins", binCount, "parts", opts.Parts,
		"bin_size", humanize.IBytes(binSize/8), "hash", opts.HashCount)

	for part := uint32(0); part < opts.Parts; part++ {
		f, err := buildPart(opts, cfg, part, binCount, binSize)
		if err != nil {
			return err
		}
		ix := &Index{
			Window:   opts.Window,
			Shape:    opts.Shape,
			Parts:    opts.Parts,
			BinPaths: opts.Bins,
			Config:   DefaultConfig(),
			IBF:      f,
		}
		path := opts.OutputPath
		if opts.Parts > 1 {
			path = PartPath(path, part)
		}
		if err := ix.Save(path); err != nil {
			return err
		}
	}
	return nil
}

// buildPart fills one partition's filter: every worker streams its user
// bins, hashes minimisers, and inserts with atomic-OR into the shared
// bit vector.
func buildPart(opts BuildOptions, cfg *PartitionConfig, part uint32, binCount, binSize uint64) (*ibf.Filter, error) {
	f, err := ibf.New(binCount, binSize, opts.HashCount)
	if err != nil {
		return nil, err
	}

	err = doParallel(len(opts.Bins), opts.Threads, func(start, end int) error {
		mini := kmer.NewMinimiser(opts.Shape, opts.Window)
		var hashes []uint64
		for bin := start; bin < end; bin++ {
			binIdx := uint64(bin)
			emit := func(h uint64) {
				if cfg.Part(h) == part {
					f.Insert(h, binIdx)
				}
			}
			for _, path := range opts.Bins[bin] {
				if opts.IsMinimiser {
					if err := ingestMinimiserFile(path, opts, emit); err != nil {
						return err
					}
					continue
				}
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
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// ingestMinimiserFile is the fast path: raw hashes, no re-hashing. The
// stored header must match the build parameters.
func ingestMinimiserFile(path string, opts BuildOptions, emit func(uint64)) error {
	headerPath := trimExt(path) + ".header"
	header, err := seqio.ReadMinimiserHeader(headerPath)
	if err != nil {
		return err
	}
	if header.Shape != opts.Shape.String() || header.Window != opts.Window {
		return errors.Errorf("minimiser file %s was prepared with shape %s window %d, index wants shape %s window %d",
			path, header.Shape, header.Window, opts.Shape.String(), opts.Window)
	}
	return seqio.ForEachMinimiser(path, emit)
}

func trimExt(path string) string {
	for i := len(path) - 1; i >= 0 && path[i] != '/'; i-- {
		if path[i] == '.' {
			return path[:i]
		}
	}
	return path
}
