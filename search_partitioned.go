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
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/seqan/raptor/hibf"
	"github.com/seqan/raptor/ibf"
	"github.com/seqan/raptor/seqio"
	"github.com/seqan/raptor/threshold"
)

// prefetch loads a partition in the background; wait() blocks until it
// is available. Loads overlap the previous partition's compute.
type prefetch struct {
	ch chan prefetchResult
}

type prefetchResult struct {
	ix  *Index
	err error
}

func prefetchPart(path string, part uint32) *prefetch {
	p := &prefetch{ch: make(chan prefetchResult, 1)}
	go func() {
		ix, err := Load(PartPath(path, part))
		p.ch <- prefetchResult{ix: ix, err: err}
	}()
	return p
}

func (p *prefetch) wait() (*Index, error) {
	r := <-p.ch
	return r.ix, r.err
}

// searchPartitionedIBF accumulates each query's per-bin counts across
// the partitions, thresholding only once the last part is in.
func searchPartitionedIBF(opts SearchOptions, first *Index, tm *timings) error {
	parts := first.Parts
	cfg, err := NewPartitionConfig(parts)
	if err != nil {
		return err
	}

	queries, err := seqio.Open(opts.QueryPath)
	if err != nil {
		return err
	}
	defer queries.Close()

	out, err := newSyncOut(opts.OutputPath)
	if err != nil {
		return err
	}
	out.writeHeader(first.BinPaths)

	var thresholder *threshold.Threshold
	for {
		start := time.Now()
		records, err := readChunk(queries, queryChunkSize)
		tm.add("query_file_io", time.Since(start))
		if err != nil {
			return err
		}
		if len(records) == 0 {
			break
		}
		// Spread neighbouring records that likely hit the same bins
		// across workers.
		rand.New(rand.NewSource(0)).Shuffle(len(records), func(i, j int) {
			records[i], records[j] = records[j], records[i]
		})

		if thresholder == nil {
			if thresholder, err = thresholderFor(opts, first, records); err != nil {
				return err
			}
		}

		counts := make([][]uint16, len(records))
		padded := first.IBF.BinCountPadded()
		for i := range counts {
			counts[i] = make([]uint16, padded)
		}

		ix := first
		for part := uint32(0); part < parts; part++ {
			var next *prefetch
			if part+1 < parts {
				next = prefetchPart(opts.IndexPath, part+1)
			}

			lastPart := part+1 == parts
			task := func(s, e int) error {
				mini := ix.Minimiser()
				agent := ibf.NewCountingAgent[uint16](ix.IBF)
				var sb strings.Builder
				var hashes, filtered, hits []uint64
				for i := s; i < e; i++ {
					hashes = mini.Hashes(records[i].Seq, hashes[:0])
					filtered = cfg.FilterInto(filtered[:0], hashes, part)
					agent.CountInto(filtered, counts[i])

					if lastPart {
						thr := thresholder.Get(uint64(len(hashes)))
						hits = hits[:0]
						for b := uint64(0); b < ix.IBF.BinCount(); b++ {
							if uint64(counts[i][b]) >= thr {
								hits = append(hits, b)
							}
						}
						out.write(resultLine(&sb, records[i].ID, hits))
					}
				}
				return nil
			}

			start = time.Now()
			if err := doParallel(len(records), opts.Threads, task); err != nil {
				return err
			}
			tm.add("parallel_search", time.Since(start))

			if next != nil {
				if ix, err = next.wait(); err != nil {
					return err
				}
			}
		}
	}
	return out.Close()
}

// searchPartitionedHIBF unions each query's user-bin hits across the
// partition indexes, emitting after the last part.
func searchPartitionedHIBF(opts SearchOptions, first *Index, tm *timings) error {
	parts := first.Parts

	queries, err := seqio.Open(opts.QueryPath)
	if err != nil {
		return err
	}
	defer queries.Close()

	out, err := newSyncOut(opts.OutputPath)
	if err != nil {
		return err
	}
	out.writeHeader(first.BinPaths)

	var thresholder *threshold.Threshold
	for {
		start := time.Now()
		records, err := readChunk(queries, queryChunkSize)
		tm.add("query_file_io", time.Since(start))
		if err != nil {
			return err
		}
		if len(records) == 0 {
			break
		}
		if thresholder == nil {
			if thresholder, err = thresholderFor(opts, first, records); err != nil {
				return err
			}
		}

		// Per-record result sets: each record index is owned by exactly
		// one worker per part, so no locking is needed.
		results := make([]map[uint64]struct{}, len(records))
		for i := range results {
			results[i] = make(map[uint64]struct{})
		}

		ix := first
		for part := uint32(0); part < parts; part++ {
			var next *prefetch
			if part+1 < parts {
				next = prefetchPart(opts.IndexPath, part+1)
			}

			lastPart := part+1 == parts
			task := func(s, e int) error {
				mini := ix.Minimiser()
				agent := hibf.NewMembershipAgent(ix.HIBF)
				var sb strings.Builder
				var hashes, hits []uint64
				for i := s; i < e; i++ {
					hashes = mini.Hashes(records[i].Seq, hashes[:0])
					thr := thresholder.Get(uint64(len(hashes)))
					for _, ub := range agent.MembershipFor(hashes, clampU16(thr)) {
						results[i][ub] = struct{}{}
					}
					if lastPart {
						hits = hits[:0]
						for ub := range results[i] {
							hits = append(hits, ub)
						}
						sort.Slice(hits, func(a, b int) bool { return hits[a] < hits[b] })
						out.write(resultLine(&sb, records[i].ID, hits))
					}
				}
				return nil
			}

			start = time.Now()
			if err := doParallel(len(records), opts.Threads, task); err != nil {
				return err
			}
			tm.add("parallel_search", time.Since(start))

			if next != nil {
				if ix, err = next.wait(); err != nil {
					return err
				}
			}
		}
	}
	return out.Close()
}
