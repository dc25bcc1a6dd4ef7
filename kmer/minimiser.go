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

// A Minimiser streams the smallest canonical k-mer hash of every window
// over a DNA-4 text. The zero value is not usable; construct with
// NewMinimiser or NewForwardMinimiser.
//
// The scratch slices are reused across Compute calls, so a Minimiser is
// cheap to call in a loop but must not be shared between goroutines.
type Minimiser struct {
	shape     Shape
	window    uint32
	seed      uint64
	canonical bool

	forward []uint64
	reverse []uint64

	// Hash, Begin and End hold the result of the last Compute call,
	// index-aligned. Begin/End are k-mer start and inclusive end positions.
	Hash  []uint64
	Begin []uint64
	End   []uint64

	ring []windowEntry
}

type windowEntry struct {
	hash  uint64
	begin uint64
}

// NewMinimiser returns a canonical (strand-neutral) minimiser stream.
func NewMinimiser(shape Shape, window uint32) *Minimiser {
	return &Minimiser{shape: shape, window: window, seed: AdjustSeed(shape.Count()), canonical: true}
}

// NewForwardMinimiser returns a forward-strand-only minimiser stream.
// The threshold model samples with it; indexes always use the canonical one.
func NewForwardMinimiser(shape Shape, window uint32) *Minimiser {
	return &Minimiser{shape: shape, window: window, seed: AdjustSeed(shape.Count()), canonical: false}
}

// Hashes appends the minimiser hashes of text to dst and returns it.
func (m *Minimiser) Hashes(text []byte, dst []uint64) []uint64 {
	m.Compute(text)
	return append(dst, m.Hash...)
}

// Compute fills Hash/Begin/End with the minimisers of text. A text
// shorter than the k-mer size yields no minimisers; a text shorter than
// the window yields exactly one.
func (m *Minimiser) Compute(text []byte) {
	k := uint64(m.shape.Size())
	w := uint64(m.window)
	m.Hash = m.Hash[:0]
	m.Begin = m.Begin[:0]
	m.End = m.End[:0]

	textLen := uint64(len(text))
	if textLen < k {
		return
	}

	possibleKmers := textLen - k + 1
	possibleMinimisers := uint64(1)
	if textLen > w {
		possibleMinimisers = textLen - w + 1
	}
	kmersPerWindow := w - k + 1
	if kmersPerWindow > possibleKmers {
		kmersPerWindow = possibleKmers
	}

	m.computeStrandHashes(text)

	if kmersPerWindow == 1 {
		// Window equals k-mer size: every k-mer is a minimiser.
		for i := uint64(0); i < possibleKmers; i++ {
			m.emit(windowEntry{m.canonicalAt(i, possibleKmers), i}, k)
		}
		return
	}

	if cap(m.ring) < int(kmersPerWindow) {
		m.ring = make([]windowEntry, kmersPerWindow)
	}
	ring := m.ring[:kmersPerWindow]

	for i := uint64(0); i < kmersPerWindow; i++ {
		ring[i] = windowEntry{m.canonicalAt(i, possibleKmers), i}
	}
	minIdx := 0
	for j := 1; j < len(ring); j++ {
		if ring[j].hash < ring[minIdx].hash {
			minIdx = j
		}
	}
	m.emit(ring[minIdx], k)

	head := 0
	for i := uint64(1); i < possibleMinimisers; i++ {
		changed := false
		if minIdx == head {
			// The minimum leaves the window: rescan the surviving
			// entries in deque order so ties keep the first occurrence.
			minIdx = -1
			for j := 1; j < len(ring); j++ {
				idx := (head + j) % len(ring)
				if minIdx < 0 || ring[idx].hash < ring[minIdx].hash {
					minIdx = idx
				}
			}
			changed = true
		}

		pos := kmersPerWindow - 1 + i
		ring[head] = windowEntry{m.canonicalAt(pos, possibleKmers), pos}
		if ring[head].hash < ring[minIdx].hash {
			minIdx = head
			changed = true
		}
		head = (head + 1) % len(ring)

		if changed {
			m.emit(ring[minIdx], k)
		}
	}
}

func (m *Minimiser) emit(e windowEntry, k uint64) {
	m.Hash = append(m.Hash, e.hash)
	m.Begin = append(m.Begin, e.begin)
	m.End = append(m.End, e.begin+k-1)
}

// canonicalAt returns the seeded hash of the i-th k-mer, taking the
// smaller of the two strands when canonical.
func (m *Minimiser) canonicalAt(i, possibleKmers uint64) uint64 {
	h := m.forward[i]
	if m.canonical {
		if r := m.reverse[possibleKmers-1-i]; r < h {
			h = r
		}
	}
	return h
}

// computeStrandHashes fills the forward (and, if canonical, reverse
// complement) k-mer hash slices by rolling a 2-bit packed value.
func (m *Minimiser) computeStrandHashes(text []byte) {
	k := uint64(m.shape.Size())
	textLen := uint64(len(text))

	packMask := uint64(1)<<(2*k) - 1
	if k == 32 {
		packMask = ^uint64(0)
	}

	m.forward = m.forward[:0]
	var packed uint64
	for i := uint64(0); i < textLen; i++ {
		packed = (packed<<2 | uint64(rankTable[text[i]])) & packMask
		if i+1 >= k {
			m.forward = append(m.forward, m.shape.hash2(packed)^m.seed)
		}
	}

	if !m.canonical {
		return
	}
	// Reverse strand: roll over the reverse complement ranks, so that
	// reverse[j] is the hash of the j-th k-mer of the reverse complement.
	m.reverse = m.reverse[:0]
	packed = 0
	for i := uint64(0); i < textLen; i++ {
		rank := uint64(3 - rankTable[text[textLen-1-i]])
		packed = (packed<<2 | rank) & packMask
		if i+1 >= k {
			m.reverse = append(m.reverse, m.shape.hash2(packed)^m.seed)
		}
	}
}
