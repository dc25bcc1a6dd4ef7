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
	"sort"

	"github.com/pkg/errors"
	"github.com/seqan/raptor/hibf"
	"github.com/seqan/raptor/kmer"
	"github.com/seqan/raptor/layout"
)

// UpdateOptions drive an online insert into an HIBF index.
type UpdateOptions struct {
	BinsToInsert [][]string
	Threads      int
}

// InsertUserBins adds new user bins to a loaded HIBF index, growing or
// rebuilding (partially or fully) where the placement breaks an FPR or
// tmax budget. User bins are appended, never renumbered.
func InsertUserBins(ix *Index, opts UpdateOptions) error {
	if ix.HIBF == nil {
		return errors.New("online insert requires an HIBF index")
	}
	if opts.Threads < 1 {
		opts.Threads = 1
	}

	for _, ub := range opts.BinsToInsert {
		if len(ub) != 1 {
			return errors.New("online insert supports exactly one file per user bin")
		}

		kmers, err := computeUserBinKmers(ix, ub[0])
		if err != nil {
			return err
		}
		if len(kmers) == 0 {
			return errors.Errorf("user bin file %s yields no minimisers", ub[0])
		}

		h := ix.HIBF
		loc := h.GetLocation(uint64(len(kmers)))
		ix.BinPaths = append(ix.BinPaths, ub)
		rebuildLoc := h.InsertTBAndParents(kmers, loc)
		if !rebuildLoc.Needed() {
			continue
		}

		switch {
		case h.TMaxExceeded(rebuildLoc.IBFIdx):
			// tmax at the root rebuilds everything; below the root only
			// the outgrown IBF's subtree is rebuilt.
			if rebuildLoc.IBFIdx == 0 {
				if err := fullRebuild(ix, opts.Threads); err != nil {
					return err
				}
				continue
			}
			if err := partialRebuildOfIBF(ix, rebuildLoc.IBFIdx, opts.Threads); err != nil {
				slog.Warn("partial rebuild failed, promoting to full rebuild", "error", err)
				if err := fullRebuild(ix, opts.Threads); err != nil {
					return err
				}
			}
		case rebuildLoc.IBFIdx == 0 && h.IsFPRExceededAt(rebuildLoc):
			if err := fullRebuild(ix, opts.Threads); err != nil {
				return err
			}
		default:
			// A downstream FPR broke: rebuild that subtree.
			if err := partialRebuild(ix, rebuildLoc, opts.Threads); err != nil {
				slog.Warn("partial rebuild failed, promoting to full rebuild", "error", err)
				if err := fullRebuild(ix, opts.Threads); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// partialRebuildOfIBF rebuilds the subtree containing the given IBF:
// the scope is the parent's merged bin pointing at it.
func partialRebuildOfIBF(ix *Index, ibfIdx uint64, threads int) error {
	if ibfIdx == 0 {
		return errors.New("cannot partially rebuild the root")
	}
	parent := ix.HIBF.PrevIBFID[ibfIdx]
	return partialRebuild(ix, hibf.RebuildLocation{IBFIdx: parent.IBFIdx, BinIdx: parent.BinIdx}, threads)
}

// computeUserBinKmers hashes one file into a sorted minimiser list.
func computeUserBinKmers(ix *Index, path string) ([]uint64, error) {
	kmersFor := sequenceKmersFunc([][]string{{path}}, ix.Shape, ix.Window)
	seen := make(map[uint64]struct{})
	if err := kmersFor(0, func(h uint64) { seen[h] = struct{}{} }); err != nil {
		return nil, err
	}
	out := make([]uint64, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// partialRebuild rebuilds the subtree under the merged bin at loc over
// its reachable user bins and splices the result back in.
func partialRebuild(ix *Index, loc hibf.RebuildLocation, threads int) error {
	h := ix.HIBF
	if h.BinToUserBin[loc.IBFIdx][loc.BinIdx] != hibf.Merged {
		// The breached bin is a user bin; its host IBF's parent merged
		// bin is the rebuild scope.
		if loc.IBFIdx == 0 {
			return errors.New("cannot partially rebuild the root")
		}
		parent := h.PrevIBFID[loc.IBFIdx]
		loc = hibf.RebuildLocation{IBFIdx: parent.IBFIdx, BinIdx: parent.BinIdx}
	}
	slog.Info("partial rebuild", "ibf", loc.IBFIdx, "bin", loc.BinIdx)

	childIdx := h.NextIBFID[loc.IBFIdx][loc.BinIdx]
	ubIDs := h.UserBinsUnder(childIdx)
	if len(ubIDs) == 0 {
		return errors.New("rebuild target has no live user bins")
	}

	localBins := make([][]string, len(ubIDs))
	for i, ub := range ubIDs {
		localBins[i] = ix.BinPaths[ub]
	}
	sub, err := buildHIBF(localBins, nil, ix.Shape, ix.Window, h.HashCount, ix.Config, threads)
	if err != nil {
		return err
	}
	return h.Splice(loc, sub, ubIDs)
}

// fullRebuild re-plans the layout over all user bins and replaces the
// whole HIBF.
func fullRebuild(ix *Index, threads int) error {
	slog.Info("full rebuild", "user_bins", len(ix.BinPaths))
	h, err := buildHIBF(ix.BinPaths, nil, ix.Shape, ix.Window, ix.HIBF.HashCount, ix.Config, threads)
	if err != nil {
		return err
	}
	ix.HIBF = h
	return nil
}

// PlanLayout exposes the fallback planner for the layout subcommand.
func PlanLayout(bins [][]string, shape kmer.Shape, window uint32, tmax uint64, threads int) (*layout.Layout, error) {
	counts, err := countBinKmers(bins, shape, window, threads)
	if err != nil {
		return nil, err
	}
	return layout.Plan(counts, tmax)
}
