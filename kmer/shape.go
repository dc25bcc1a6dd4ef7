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
	"math/bits"
	"strings"

	"github.com/pkg/errors"
)

// Shape is a bitmask over the positions of a k-mer. Bit k-1 (the leading
// position) is always set. Positions whose bit is clear do not contribute
// to the hash.
type Shape struct {
	mask   uint64 // position mask, leading bit at k-1
	mask2  uint64 // mask expanded to 2 bits per position
	k      uint8
	weight uint8
}

// Ungapped returns the shape of k consecutive care positions.
func Ungapped(k uint8) Shape {
	s, err := NewShape((1<<k)-1, k)
	if err != nil {
		panic(err) // k out of range
	}
	return s
}

// NewShape builds a shape from a position mask of length k.
func NewShape(mask uint64, k uint8) (Shape, error) {
	if k < 1 || k > 32 {
		return Shape{}, errors.Errorf("shape size %d out of range [1,32]", k)
	}
	if mask>>(k-1) != 1 {
		return Shape{}, errors.Errorf("leading bit of shape mask must be set")
	}
	var mask2 uint64
	for p := uint8(0); p < k; p++ {
		if mask>>(k-1-p)&1 == 1 {
			mask2 |= 0b11 << (2 * (k - 1 - p))
		}
	}
	return Shape{
		mask:   mask,
		mask2:  mask2,
		k:      k,
		weight: uint8(bits.OnesCount64(mask)),
	}, nil
}

// ParseShape parses a bin literal like "10101010101010101".
func ParseShape(literal string) (Shape, error) {
	if len(literal) < 1 || len(literal) > 32 {
		return Shape{}, errors.Errorf("shape %q must have a length in [1,32]", literal)
	}
	var mask uint64
	for _, c := range literal {
		switch c {
		case '0':
			mask <<= 1
		case '1':
			mask = mask<<1 | 1
		default:
			return Shape{}, errors.Errorf("shape %q may only contain 0 and 1", literal)
		}
	}
	return NewShape(mask, uint8(len(literal)))
}

// Size returns k, the span of the shape.
func (s Shape) Size() uint8 { return s.k }

// Count returns the weight, the number of care positions.
func (s Shape) Count() uint8 { return s.weight }

// Mask returns the position mask.
func (s Shape) Mask() uint64 { return s.mask }

// String renders the shape as a bin literal.
func (s Shape) String() string {
	var b strings.Builder
	for p := uint8(0); p < s.k; p++ {
		if s.mask>>(s.k-1-p)&1 == 1 {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}

// hash2 applies the shape to a 2-bit packed k-mer.
func (s Shape) hash2(packed uint64) uint64 { return packed & s.mask2 }
