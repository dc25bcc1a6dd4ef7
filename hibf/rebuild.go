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

package hibf

import (
	"github.com/pkg/errors"
	"github.com/seqan/raptor/ibf"
)

// Splice replaces the subtree under the merged bin at loc with a
// freshly built sub-HIBF. ubIDs maps the sub-HIBF's local user bin ids
// (0..len-1) back to global ids. The sub-HIBF's root takes over the old
// child IBF's slot; its other IBFs are appended with an index offset;
// the displaced IBFs of the old subtree are tombstoned in place.
func (h *HIBF) Splice(loc RebuildLocation, sub *HIBF, ubIDs []uint64) error {
	if h.BinToUserBin[loc.IBFIdx][loc.BinIdx] != Merged {
		return errors.Errorf("splice target ibf %d bin %d is not a merged bin", loc.IBFIdx, loc.BinIdx)
	}
	childIBFIdx := h.NextIBFID[loc.IBFIdx][loc.BinIdx]

	overwrite := h.SubtreeIBFs(childIBFIdx)
	offset := uint64(len(h.IBFs)) - 1

	translate := func(ids []uint64) {
		for i, id := range ids {
			switch id {
			case Merged, Deleted:
			default:
				ids[i] = ubIDs[id]
			}
		}
	}

	// Tombstone the displaced subtree below the old child.
	for _, ibfID := range overwrite[1:] {
		h.IBFs[ibfID] = &ibf.Filter{}
		h.NextIBFID[ibfID] = nil
		h.PrevIBFID[ibfID] = PrevID{IBFIdx: Deleted, BinIdx: Deleted}
		h.BinToUserBin[ibfID] = nil
	}

	// The sub-HIBF's root moves into the old child slot.
	h.IBFs[childIBFIdx] = sub.IBFs[0]
	next := sub.NextIBFID[0]
	for i, id := range next {
		if id == 0 {
			next[i] = childIBFIdx
		} else {
			next[i] = id + offset
		}
	}
	h.NextIBFID[childIBFIdx] = next
	translate(sub.BinToUserBin[0])
	h.BinToUserBin[childIBFIdx] = sub.BinToUserBin[0]
	// The parent link of the old child slot is unchanged.

	// The remaining sub-HIBF IBFs are appended with the offset applied.
	for i := 1; i < len(sub.IBFs); i++ {
		h.IBFs = append(h.IBFs, sub.IBFs[i])

		next := sub.NextIBFID[i]
		for j, id := range next {
			if id == 0 {
				next[j] = childIBFIdx
			} else {
				next[j] = id + offset
			}
		}
		h.NextIBFID = append(h.NextIBFID, next)

		translate(sub.BinToUserBin[i])
		h.BinToUserBin = append(h.BinToUserBin, sub.BinToUserBin[i])

		prev := sub.PrevIBFID[i]
		if prev.IBFIdx == 0 {
			prev.IBFIdx = childIBFIdx
		} else {
			prev.IBFIdx += offset
		}
		h.PrevIBFID = append(h.PrevIBFID, prev)
	}

	return nil
}
