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

package threshold

import (
	"math"

	"github.com/pkg/errors"
	"github.com/seqan/raptor/kmer"
)

// Params fully determine a threshold table.
type Params struct {
	PatternSize uint64 // query length used for thresholding
	WindowSize  uint64
	Shape       kmer.Shape
	Errors      uint64
	Percentage  float64 // in (0,1]: fixed fraction instead of the model; <0 disables
	Tau         float64
	PMax        float64
	FPR         float64

	// CacheDir memoises the probabilistic vectors on disk when set.
	CacheDir string
}

type kind uint8

const (
	kindLemma kind = iota
	kindPercentage
	kindProbabilistic
)

// Threshold answers "how many of m minimisers must hit" for one search
// configuration. Build once, call Get from any number of goroutines.
type Threshold struct {
	kind       kind
	params     Params
	minCount   uint64
	maxCount   uint64
	kmerLemma  uint64
	thresholds []uint64
	correction []uint64
}

// New validates params and precomputes (or loads) the threshold tables.
func New(p Params) (*Threshold, error) {
	k := uint64(p.Shape.Size())
	if p.WindowSize < k {
		return nil, errors.Errorf("window size %d must not be smaller than the k-mer size %d", p.WindowSize, k)
	}
	if p.PatternSize < p.WindowSize {
		return nil, errors.Errorf("query length %d is too short for window size %d", p.PatternSize, p.WindowSize)
	}

	t := &Threshold{params: p}

	if p.Percentage >= 0 {
		t.kind = kindPercentage
		return t, nil
	}

	if p.WindowSize == k {
		t.kind = kindLemma
		if lemma := int64(p.PatternSize+1) - int64((p.Errors+1)*k); lemma > 0 {
			t.kmerLemma = uint64(lemma)
		}
		return t, nil
	}

	t.kind = kindProbabilistic
	kmersPerWindow := p.WindowSize - k + 1
	kmersPerPattern := p.PatternSize - k + 1
	t.minCount = uint64(math.Ceil(float64(kmersPerPattern) / float64(kmersPerWindow)))
	t.maxCount = p.PatternSize - p.WindowSize + 1

	if err := t.loadOrCompute(); err != nil {
		return nil, err
	}
	if len(t.thresholds) == 0 {
		return nil, errors.New("threshold vector is empty; check the k-mer, window and query length relation")
	}
	return t, nil
}

func (t *Threshold) loadOrCompute() error {
	p := t.params
	if p.CacheDir != "" {
		if ok, err := t.loadCached(); err != nil {
			return err
		} else if ok {
			return nil
		}
	}
	t.thresholds = precomputeThreshold(p.PatternSize, p.WindowSize, p.Shape, p.Errors, p.Tau)
	t.correction = precomputeCorrection(p.PatternSize, p.WindowSize, p.Shape, p.PMax, p.FPR)
	if p.CacheDir != "" {
		return t.storeCached()
	}
	return nil
}

// Get returns the hit threshold for a query that produced
// minimiserCount minimisers. The result is always at least 1.
func (t *Threshold) Get(minimiserCount uint64) uint64 {
	switch t.kind {
	case kindLemma:
		return max64(1, t.kmerLemma)
	case kindPercentage:
		return max64(1, uint64(math.Ceil(t.params.Percentage*float64(minimiserCount))))
	default:
		idx := clamp64(minimiserCount, t.minCount, t.maxCount) - t.minCount
		base := t.thresholds[min64(idx, uint64(len(t.thresholds)-1))]
		corr := t.correction[min64(idx, uint64(len(t.correction)-1))]
		return max64(1, base+corr)
	}
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func clamp64(v, lo, hi uint64) uint64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
