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
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/seqan/raptor/hibf"
	"github.com/seqan/raptor/ibf"
	"github.com/seqan/raptor/seqio"
	"github.com/seqan/raptor/threshold"
)

// queryChunkSize bounds the records held in memory at once.
const queryChunkSize = 10 * (1 << 20)

// SearchOptions drive a search run.
type SearchOptions struct {
	IndexPath  string
	QueryPath  string
	OutputPath string
	Threads    int

	Errors            uint64
	ThresholdFraction float64 // in (0,1]; < 0 means "use the error model"
	QueryLength       uint64
	Tau               float64
	PMax              float64
	CacheThresholds   bool
	TimingOutput      string
}

// Search runs the full query pipeline against a stored index.
func Search(opts SearchOptions) error {
	if opts.Threads < 1 {
		opts.Threads = 1
	}

	indexPath := opts.IndexPath
	if _, err := os.Stat(indexPath); err != nil {
		if _, perr := os.Stat(PartPath(indexPath, 0)); perr != nil {
			return errors.Wrapf(err, "unable to open index file %s", indexPath)
		}
		indexPath = PartPath(indexPath, 0)
	}
	ix, err := Load(indexPath)
	if err != nil {
		return err
	}

	tm := newTimings()
	defer func() {
		if err := tm.writeTSV(opts.TimingOutput); err != nil {
			slog.Warn("could not write timing output", "error", err)
		}
	}()

	if ix.Parts > 1 {
		if ix.HIBF != nil {
			return searchPartitionedHIBF(opts, ix, tm)
		}
		return searchPartitionedIBF(opts, ix, tm)
	}
	return searchFlat(opts, ix, tm)
}

// readChunk pulls up to n records from the reader.
func readChunk(r *seqio.Reader, n int) ([]seqio.Record, error) {
	records := make([]seqio.Record, 0, 1024)
	for len(records) < n {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// thresholderFor builds the per-run threshold table, deriving the
// pattern length from the records when the caller did not fix one.
func thresholderFor(opts SearchOptions, ix *Index, records []seqio.Record) (*threshold.Threshold, error) {
	patternSize := opts.QueryLength
	if patternSize == 0 {
		var sum uint64
		for _, rec := range records {
			sum += uint64(len(rec.Seq))
		}
		if len(records) > 0 {
			patternSize = sum / uint64(len(records))
		}
		slog.Info("derived query length", "length", patternSize)
	}

	cacheDir := ""
	if opts.CacheThresholds {
		cacheDir = filepath.Dir(opts.IndexPath)
	}
	return threshold.New(threshold.Params{
		PatternSize: patternSize,
		WindowSize:  uint64(ix.Window),
		Shape:       ix.Shape,
		Errors:      opts.Errors,
		Percentage:  opts.ThresholdFraction,
		Tau:         opts.Tau,
		PMax:        opts.PMax,
		FPR:         ix.Config.FPR,
		CacheDir:    cacheDir,
	})
}

// resultLine renders one query's result row.
func resultLine(sb *strings.Builder, id string, binIDs []uint64) string {
	sb.Reset()
	sb.WriteString(id)
	sb.WriteByte('\t')
	for i, b := range binIDs {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatUint(b, 10))
	}
	sb.WriteByte('\n')
	return sb.String()
}

// searchFlat serves both single-file index kinds.
func searchFlat(opts SearchOptions, ix *Index, tm *timings) error {
	queries, err := seqio.Open(opts.QueryPath)
	if err != nil {
		return err
	}
	defer queries.Close()

	out, err := newSyncOut(opts.OutputPath)
	if err != nil {
		return err
	}
	out.writeHeader(ix.BinPaths)

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
			if thresholder, err = thresholderFor(opts, ix, records); err != nil {
				return err
			}
		}

		task := func(s, e int) error {
			return searchRecordsFlat(ix, thresholder, records[s:e], out, tm)
		}
		start = time.Now()
		if err := doParallel(len(records), opts.Threads, task); err != nil {
			return err
		}
		tm.add("parallel_search", time.Since(start))
	}
	return out.Close()
}

// searchRecordsFlat owns all scratch for one worker's record range.
func searchRecordsFlat(ix *Index, thresholder *threshold.Threshold, records []seqio.Record, out *syncOut, tm *timings) error {
	mini := ix.Minimiser()
	var sb strings.Builder
	var hashes, hits []uint64

	var counting *ibf.CountingAgent[uint16]
	var membership *hibf.MembershipAgent
	if ix.IBF != nil {
		counting = ibf.NewCountingAgent[uint16](ix.IBF)
	} else {
		membership = hibf.NewMembershipAgent(ix.HIBF)
	}

	var hashTime, countTime time.Duration
	for _, rec := range records {
		t0 := time.Now()
		hashes = mini.Hashes(rec.Seq, hashes[:0])
		hashTime += time.Since(t0)

		thr := thresholder.Get(uint64(len(hashes)))

		t0 = time.Now()
		if counting != nil {
			counts := counting.BulkCount(hashes)
			hits = hits[:0]
			for b := uint64(0); b < ix.IBF.BinCount(); b++ {
				if uint64(counts[b]) >= thr {
					hits = append(hits, b)
				}
			}
		} else {
			hits = membership.MembershipFor(hashes, clampU16(thr))
		}
		countTime += time.Since(t0)

		out.write(resultLine(&sb, rec.ID, hits))
	}
	tm.add("compute_minimiser", hashTime)
	tm.add("query_ibf", countTime)
	return nil
}

func clampU16(v uint64) uint16 {
	if v > 0xFFFF {
		return 0xFFFF
	}
	return uint16(v)
}
