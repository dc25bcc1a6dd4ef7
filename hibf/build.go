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
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/seqan/raptor/ibf"
	"github.com/seqan/raptor/layout"
)

// BuildConfig drives a hierarchical build.
type BuildConfig struct {
	// KmersFor streams the k-mer/minimiser content of a user bin.
	KmersFor func(userBinID uint64, emit func(uint64)) error

	HashCount     uint32
	FPRMax        float64
	RelaxedFPRMax float64
	TMax          uint64
	Threads       int
}

// buildNode is one IBF of the layout tree.
type buildNode struct {
	numTechnicalBins uint64
	maxBinID         uint64
	favouriteChild   *buildNode
	children         []*buildNode
	parentBin        uint64 // bin index inside the parent
	records          []layout.Record
}

type kmerSet map[uint64]struct{}

// Build constructs an HIBF bottom-up from a layout.
func Build(cfg BuildConfig, l *layout.Layout) (*HIBF, error) {
	if cfg.KmersFor == nil {
		return nil, errors.New("build config names no input function")
	}
	if cfg.Threads < 1 {
		cfg.Threads = 1
	}

	root, nodeCount, err := buildTree(l)
	if err != nil {
		return nil, err
	}

	h := &HIBF{
		IBFs:          make([]*ibf.Filter, nodeCount),
		NextIBFID:     make([][]uint64, nodeCount),
		PrevIBFID:     make([]PrevID, nodeCount),
		BinToUserBin:  make([][]uint64, nodeCount),
		FPRMax:        cfg.FPRMax,
		RelaxedFPRMax: cfg.RelaxedFPRMax,
		TMax:          cfg.TMax,
		HashCount:     cfg.HashCount,
	}
	for _, r := range l.Records {
		if r.UserBinID+1 > h.NumUserBins {
			h.NumUserBins = r.UserBinID + 1
		}
	}

	b := &builder{cfg: cfg, h: h, sem: make(chan struct{}, cfg.Threads)}
	if _, _, err := b.buildLevel(root, true); err != nil {
		return nil, err
	}
	return h, nil
}

// buildTree turns the flat layout records into the node tree.
func buildTree(l *layout.Layout) (*buildNode, uint64, error) {
	root := &buildNode{}
	count := uint64(1)

	childAt := func(n *buildNode, bin uint64) *buildNode {
		for _, c := range n.children {
			if c.parentBin == bin {
				return c
			}
		}
		c := &buildNode{parentBin: bin}
		n.children = append(n.children, c)
		count++
		return c
	}

	locate := func(indices []uint64) *buildNode {
		n := root
		for _, bin := range indices {
			if bin+1 > n.numTechnicalBins {
				n.numTechnicalBins = bin + 1
			}
			n = childAt(n, bin)
		}
		return n
	}

	for _, r := range l.Records {
		if len(r.BinIndices) == 0 {
			return nil, 0, errors.Errorf("layout record for user bin %d places no technical bin", r.UserBinID)
		}
		n := locate(r.BinIndices[:len(r.BinIndices)-1])
		last := r.BinIndices[len(r.BinIndices)-1]
		numBins := r.NumberOfBins[len(r.NumberOfBins)-1]
		if numBins == 0 {
			return nil, 0, errors.Errorf("layout record for user bin %d spans zero bins", r.UserBinID)
		}
		if last+numBins > n.numTechnicalBins {
			n.numTechnicalBins = last + numBins
		}
		n.records = append(n.records, r)
	}

	root.maxBinID = l.TopLevelMaxBin
	for _, mb := range l.MaxBins {
		locate(mb.Indices).maxBinID = mb.MaxBinID
	}

	// Resolve favourite children and keep the max-bin record first.
	var finalise func(n *buildNode) error
	finalise = func(n *buildNode) error {
		sort.Slice(n.children, func(i, j int) bool { return n.children[i].parentBin < n.children[j].parentBin })
		for _, c := range n.children {
			if c.parentBin == n.maxBinID {
				n.favouriteChild = c
			}
			if err := finalise(c); err != nil {
				return err
			}
		}
		if n.favouriteChild == nil {
			found := false
			for i, r := range n.records {
				if r.BinIndices[len(r.BinIndices)-1] == n.maxBinID {
					n.records[0], n.records[i] = n.records[i], n.records[0]
					found = true
					break
				}
			}
			if !found {
				return errors.Errorf("layout max bin %d holds neither a merged bin nor a record", n.maxBinID)
			}
		}
		return nil
	}
	if err := finalise(root); err != nil {
		return nil, 0, err
	}
	return root, count, nil
}

type builder struct {
	cfg     BuildConfig
	h       *HIBF
	nextIBF uint64
	sem     chan struct{}
}

func (b *builder) requestIBFIdx() uint64 {
	return atomic.AddUint64(&b.nextIBF, 1) - 1
}

// buildLevel builds one node's IBF, recursing into children. It returns
// the IBF index and the union of all k-mers written at this level, so
// the caller can fill its merged bin with the subtree's content.
func (b *builder) buildLevel(node *buildNode, isRoot bool) (uint64, kmerSet, error) {
	ibfPos := b.requestIBFIdx()

	ibfPositions := make([]uint64, node.numTechnicalBins)
	userBinIDs := make([]uint64, node.numTechnicalBins)
	for i := range ibfPositions {
		ibfPositions[i] = ibfPos
		userBinIDs[i] = Deleted
	}

	levelKmers := make(kmerSet)
	var levelMu sync.Mutex

	// Initialise the max bin first: its cardinality fixes the bin size.
	kmers := make(kmerSet)
	maxBinTBs := uint64(1)
	var favouritePos uint64
	if node.favouriteChild != nil {
		pos, childKmers, err := b.buildLevel(node.favouriteChild, false)
		if err != nil {
			return 0, nil, err
		}
		favouritePos = pos
		kmers = childKmers
	} else {
		r := node.records[0]
		if err := b.computeKmers(r.UserBinID, kmers); err != nil {
			return 0, nil, err
		}
		maxBinTBs = r.NumberOfBins[len(r.NumberOfBins)-1]
	}

	f, err := b.constructIBF(kmers, maxBinTBs, node, isRoot)
	if err != nil {
		return 0, nil, err
	}

	if node.favouriteChild != nil {
		insertIntoIBF(sortedKmers(kmers), 1, node.maxBinID, f)
		ibfPositions[node.maxBinID] = favouritePos
		userBinIDs[node.maxBinID] = Merged
		b.h.PrevIBFID[favouritePos] = PrevID{IBFIdx: ibfPos, BinIdx: node.maxBinID}
	} else {
		r := node.records[0]
		insertIntoIBF(sortedKmers(kmers), maxBinTBs, r.BinIndices[len(r.BinIndices)-1], f)
		fillUserBins(userBinIDs, r)
	}
	mergeInto(levelKmers, kmers)
	kmers = nil

	// The remaining children, in parallel.
	var wg sync.WaitGroup
	var errMu sync.Mutex
	var firstErr error
	for _, child := range node.children {
		if child == node.favouriteChild {
			continue
		}
		child := child
		wg.Add(1)
		go func() {
			defer wg.Done()
			pos, childKmers, err := b.buildLevel(child, false)
			if err != nil {
				errMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errMu.Unlock()
				return
			}
			insertIntoIBF(sortedKmers(childKmers), 1, child.parentBin, f)
			levelMu.Lock()
			ibfPositions[child.parentBin] = pos
			userBinIDs[child.parentBin] = Merged
			mergeInto(levelKmers, childKmers)
			levelMu.Unlock()
			b.h.PrevIBFID[pos] = PrevID{IBFIdx: ibfPos, BinIdx: child.parentBin}
		}()
	}
	wg.Wait()
	if firstErr != nil {
		return 0, nil, firstErr
	}

	// The remaining records. The first one is already in unless the max
	// bin was a merged bin.
	start := 1
	if node.favouriteChild != nil {
		start = 0
	}
	recordKmers := make(kmerSet)
	for i := start; i < len(node.records); i++ {
		r := node.records[i]
		clearSet(recordKmers)
		if err := b.computeKmers(r.UserBinID, recordKmers); err != nil {
			return 0, nil, err
		}
		insertIntoIBF(sortedKmers(recordKmers), r.NumberOfBins[len(r.NumberOfBins)-1], r.BinIndices[len(r.BinIndices)-1], f)
		fillUserBins(userBinIDs, r)
		mergeInto(levelKmers, recordKmers)
	}

	b.h.IBFs[ibfPos] = f
	b.h.NextIBFID[ibfPos] = ibfPositions
	b.h.BinToUserBin[ibfPos] = userBinIDs
	if isRoot {
		b.h.PrevIBFID[ibfPos] = PrevID{IBFIdx: ibfPos, BinIdx: 0}
	}

	return ibfPos, levelKmers, nil
}

// computeKmers hashes one user bin. The semaphore bounds the number of
// bins hashed at once; recursion never happens under a held slot, so
// nesting cannot deadlock.
func (b *builder) computeKmers(userBinID uint64, into kmerSet) error {
	b.sem <- struct{}{}
	defer func() { <-b.sem }()
	return b.cfg.KmersFor(userBinID, func(h uint64) { into[h] = struct{}{} })
}

// constructIBF sizes the node's filter so the max bin meets its FPR
// target.
func (b *builder) constructIBF(maxKmers kmerSet, maxBinTBs uint64, node *buildNode, isRoot bool) (*ibf.Filter, error) {
	elementsPerBin := divideAndCeil(uint64(len(maxKmers)), maxBinTBs)
	target := b.cfg.FPRMax
	if node.favouriteChild != nil {
		target = b.cfg.RelaxedFPRMax
		if isRoot {
			target = target * math.Min(1.25*target, math.Max(target, 0.95))
		}
	}
	binSize := ibf.BinSizeFor(elementsPerBin, target, b.cfg.HashCount)
	f, err := ibf.New(node.numTechnicalBins, binSize, b.cfg.HashCount)
	return f, errors.Wrap(err, "while constructing level ibf")
}

// insertIntoIBF spreads kmers over numBins consecutive bins starting at
// binIdx, round-free: chunk j gets the j-th slice of the sorted set.
func insertIntoIBF(kmers []uint64, numBins, binIdx uint64, f *ibf.Filter) {
	if numBins <= 1 {
		for _, k := range kmers {
			f.Insert(k, binIdx)
		}
		return
	}
	chunk := divideAndCeil(uint64(len(kmers)), numBins)
	for j := uint64(0); j < numBins; j++ {
		lo := j * chunk
		hi := lo + chunk
		if lo > uint64(len(kmers)) {
			lo = uint64(len(kmers))
		}
		if hi > uint64(len(kmers)) {
			hi = uint64(len(kmers))
		}
		for _, k := range kmers[lo:hi] {
			f.Insert(k, binIdx+j)
		}
	}
}

func fillUserBins(userBinIDs []uint64, r layout.Record) {
	idx := r.BinIndices[len(r.BinIndices)-1]
	count := r.NumberOfBins[len(r.NumberOfBins)-1]
	for j := uint64(0); j < count; j++ {
		userBinIDs[idx+j] = r.UserBinID
	}
}

func sortedKmers(s kmerSet) []uint64 {
	out := make([]uint64, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func mergeInto(dst, src kmerSet) {
	for k := range src {
		dst[k] = struct{}{}
	}
}

func clearSet(s kmerSet) {
	for k := range s {
		delete(s, k)
	}
}

func divideAndCeil(n, d uint64) uint64 {
	if d == 0 {
		return n
	}
	return (n + d - 1) / d
}
