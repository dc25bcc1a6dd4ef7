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
	"math/bits"

	"github.com/pkg/errors"
)

// PartitionConfig maps minimiser hashes onto partitions by their 2-bit
// suffix: the 4^s possible suffixes (with 4^s the smallest power of
// four at or above the part count) are distributed so that every part
// owns 4^s / parts of them.
type PartitionConfig struct {
	Parts uint32
	mask  uint64
	table []uint32 // suffix -> part
}

// NewPartitionConfig builds the suffix association for a power-of-two
// part count.
func NewPartitionConfig(parts uint32) (*PartitionConfig, error) {
	if parts == 0 || bits.OnesCount32(parts) != 1 {
		return nil, errors.Errorf("partition count %d is not a power of two", parts)
	}
	cfg := &PartitionConfig{Parts: parts}
	if parts == 1 {
		cfg.table = []uint32{0}
		return cfg, nil
	}

	switch parts {
	case 2:
		// The fixed grouping: suffixes {0,1} to part 0, {2,3} to part 1.
		cfg.table = []uint32{0, 0, 1, 1}
	case 4:
		cfg.table = []uint32{0, 1, 2, 3}
	default:
		// More parts than one base resolves: lengthen the suffix until
		// 4^s covers the part count.
		suffixes := uint64(4)
		for suffixes < uint64(parts) {
			suffixes *= 4
		}
		perPart := suffixes / uint64(parts)
		cfg.table = make([]uint32, suffixes)
		for s := uint64(0); s < suffixes; s++ {
			cfg.table[s] = uint32(s / perPart)
		}
	}
	cfg.mask = uint64(len(cfg.table) - 1)
	return cfg, nil
}

// Part returns the partition owning the given hash.
func (cfg *PartitionConfig) Part(hash uint64) uint32 {
	if cfg.Parts == 1 {
		return 0
	}
	return cfg.table[hash&cfg.mask]
}

// FilterInto appends the hashes owned by part to dst and returns it.
func (cfg *PartitionConfig) FilterInto(dst, hashes []uint64, part uint32) []uint64 {
	for _, h := range hashes {
		if cfg.Part(h) == part {
			dst = append(dst, h)
		}
	}
	return dst
}
