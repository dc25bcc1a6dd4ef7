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
	"github.com/pkg/errors"
	"github.com/seqan/raptor/archive"
)

// Save writes the filter state: geometry first, then the bit vector,
// then the occupancy counters.
func (f *Filter) Save(w *archive.Writer) {
	w.U64(f.binCount)
	w.U64(f.binSize)
	w.U32(f.hashCount)
	w.U64(uint64(len(f.data)))
	w.Words(f.data)
	w.U64s(f.occupancy)
}

// Load reads filter state written by Save.
func Load(r *archive.Reader) (*Filter, error) {
	binCount := r.U64()
	binSize := r.U64()
	hashCount := r.U32()
	words := r.U64()
	if err := r.Err(); err != nil {
		return nil, errors.Wrap(err, "while reading filter geometry")
	}
	// An empty filter slot (a deleted HIBF subtree) round-trips as all
	// zeroes.
	if binCount == 0 {
		if occ := r.U64s(); len(occ) != 0 {
			return nil, errors.New("empty filter slot carries occupancy")
		}
		return &Filter{}, r.Err()
	}
	f, err := New(binCount, binSize, hashCount)
	if err != nil {
		return nil, errors.Wrap(err, "while reading filter")
	}
	if uint64(len(f.data)) != words {
		return nil, errors.Errorf("filter bit vector length %d does not match geometry %d", words, len(f.data))
	}
	r.WordsInto(f.data)
	occ := r.U64s()
	if err := r.Err(); err != nil {
		return nil, errors.Wrap(err, "while reading filter payload")
	}
	if uint64(len(occ)) != f.binPadded {
		return nil, errors.Errorf("occupancy length %d does not match %d padded bins", len(occ), f.binPadded)
	}
	f.occupancy = occ
	return f, nil
}
