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

// Package raptor is an approximate-membership pre-filter for large
// collections of nucleotide sequences: it builds interleaved
// Bloom-filter indexes over user bins and, per query read, reports the
// bins likely to contain the read within a configured error budget.
package raptor

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/seqan/raptor/archive"
	"github.com/seqan/raptor/hibf"
	"github.com/seqan/raptor/ibf"
	"github.com/seqan/raptor/kmer"
)

const (
	indexMagic   = "RAPTOR"
	indexVersion = 3
)

// Config carries the HIBF build parameters that persist with the index.
type Config struct {
	TMax             uint64
	FPR              float64
	RelaxedFPR       float64
	SketchBits       uint32
	EmptyBinFraction float64
}

// DefaultConfig mirrors the build defaults.
func DefaultConfig() Config {
	return Config{
		TMax:             64,
		FPR:              0.05,
		RelaxedFPR:       0.3,
		SketchBits:       12,
		EmptyBinFraction: 0.0001,
	}
}

// Index is the persistent artefact: hashing parameters, the user-bin
// paths, the build config, and exactly one of a flat IBF or an HIBF.
type Index struct {
	Window   uint32
	Shape    kmer.Shape
	Parts    uint32
	BinPaths [][]string
	Config   Config

	IBF  *ibf.Filter
	HIBF *hibf.HIBF
}

// PartPath names the file of one partition of a partitioned index.
func PartPath(path string, part uint32) string {
	return fmt.Sprintf("%s_%d", path, part)
}

// Save writes the index to path.
func (ix *Index) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "unable to create index file %s", path)
	}
	defer f.Close()

	w, err := archive.NewWriter(f, indexMagic, indexVersion)
	if err != nil {
		return err
	}
	w.U32(ix.Window)
	w.U64(ix.Shape.Mask())
	w.U8(ix.Shape.Size())
	w.U32(ix.Parts)
	w.U64(ix.Config.TMax)
	w.F64(ix.Config.FPR)
	w.F64(ix.Config.RelaxedFPR)
	w.U32(ix.Config.SketchBits)
	w.F64(ix.Config.EmptyBinFraction)

	w.U64(uint64(len(ix.BinPaths)))
	for _, bin := range ix.BinPaths {
		w.U64(uint64(len(bin)))
		for _, p := range bin {
			w.String(p)
		}
	}

	switch {
	case ix.IBF != nil:
		w.U8(0)
		ix.IBF.Save(w)
	case ix.HIBF != nil:
		w.U8(1)
		ix.HIBF.Save(w)
	default:
		return errors.New("index holds neither an IBF nor an HIBF")
	}
	return errors.Wrapf(w.Close(), "while writing index %s", path)
}

// Load reads an index from path.
func Load(path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open index file %s", path)
	}
	defer f.Close()

	r, err := archive.NewReader(f, indexMagic, indexVersion, indexVersion)
	if err != nil {
		return nil, errors.Wrapf(err, "while reading index %s", path)
	}

	ix := &Index{}
	ix.Window = r.U32()
	mask := r.U64()
	size := r.U8()
	ix.Parts = r.U32()
	ix.Config.TMax = r.U64()
	ix.Config.FPR = r.F64()
	ix.Config.RelaxedFPR = r.F64()
	ix.Config.SketchBits = r.U32()
	ix.Config.EmptyBinFraction = r.F64()
	if err := r.Err(); err != nil {
		return nil, errors.Wrapf(err, "while reading index %s", path)
	}
	ix.Shape, err = kmer.NewShape(mask, size)
	if err != nil {
		return nil, errors.Wrapf(err, "index %s carries a bad shape", path)
	}

	binCount := r.U64()
	if err := r.Err(); err != nil {
		return nil, errors.Wrapf(err, "while reading index %s", path)
	}
	ix.BinPaths = make([][]string, binCount)
	for i := range ix.BinPaths {
		n := r.U64()
		if err := r.Err(); err != nil {
			return nil, errors.Wrapf(err, "while reading index %s", path)
		}
		bin := make([]string, n)
		for j := range bin {
			bin[j] = r.String()
		}
		ix.BinPaths[i] = bin
	}

	switch kind := r.U8(); kind {
	case 0:
		ix.IBF, err = ibf.Load(r)
	case 1:
		ix.HIBF, err = hibf.Load(r)
	default:
		err = errors.Errorf("unknown index kind %d", kind)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "while reading index %s", path)
	}
	if err := r.Close(); err != nil {
		return nil, errors.Wrapf(err, "while reading index %s", path)
	}
	return ix, nil
}

// Minimiser returns a fresh minimiser stream matching the index
// parameters.
func (ix *Index) Minimiser() *kmer.Minimiser {
	return kmer.NewMinimiser(ix.Shape, ix.Window)
}
