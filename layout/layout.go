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

// Package layout holds the descriptor produced by the layout planner
// and consumed by the hierarchical build: how user bins are packed into
// technical bins across the IBF tree. The production planner is an
// external tool; this package parses and writes its file format and
// ships a small deterministic fallback planner.
package layout

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// A Record places one user bin: BinIndices is the path of technical-bin
// indices from the top level down to the user bin's IBF, NumberOfBins
// the per-level technical-bin counts (the last entry > 1 means the user
// bin is split across that many consecutive bins).
type Record struct {
	UserBinID    uint64
	BinIndices   []uint64
	NumberOfBins []uint64
}

// A MaxBin names the most-discriminative ("favourite") bin of one IBF:
// the top level when Indices is empty, otherwise the merged bin reached
// by the index path.
type MaxBin struct {
	Indices  []uint64
	MaxBinID uint64
}

// Layout is the full build descriptor.
type Layout struct {
	TopLevelMaxBin uint64
	MaxBins        []MaxBin
	Records        []Record
}

const (
	headerHighLevel = "#HIGH_LEVEL_IBF"
	headerMergedBin = "#MERGED_BIN_"
	headerColumns   = "#USER_BIN_ID\tBIN_INDICES\tNUMBER_OF_BINS"
)

// Write renders the layout file.
func (l *Layout) Write(w io.Writer) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "%s max_bin_id:%d\n", headerHighLevel, l.TopLevelMaxBin)
	for _, mb := range l.MaxBins {
		fmt.Fprintf(bw, "%s%s max_bin_id:%d\n", headerMergedBin, joinIndices(mb.Indices), mb.MaxBinID)
	}
	fmt.Fprintln(bw, headerColumns)
	for _, r := range l.Records {
		fmt.Fprintf(bw, "%d\t%s\t%s\n", r.UserBinID, joinIndices(r.BinIndices), joinIndices(r.NumberOfBins))
	}
	return errors.Wrap(bw.Flush(), "while writing layout")
}

// WriteFile writes the layout to path.
func (l *Layout) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "unable to create layout file %s", path)
	}
	defer f.Close()
	return l.Write(f)
}

func joinIndices(vs []uint64) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = strconv.FormatUint(v, 10)
	}
	return strings.Join(parts, ";")
}

func splitIndices(s string) ([]uint64, error) {
	parts := strings.Split(s, ";")
	out := make([]uint64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "bad index list %q", s)
		}
		out[i] = v
	}
	return out, nil
}

// Parse reads a layout file.
func Parse(r io.Reader) (*Layout, error) {
	l := &Layout{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<20)
	sawHighLevel := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "" || strings.HasPrefix(line, "##"):
			// config/comment lines
		case strings.HasPrefix(line, headerHighLevel):
			id, err := parseMaxBinID(line)
			if err != nil {
				return nil, err
			}
			l.TopLevelMaxBin = id
			sawHighLevel = true
		case strings.HasPrefix(line, headerMergedBin):
			rest := strings.TrimPrefix(line, headerMergedBin)
			fields := strings.Fields(rest)
			if len(fields) < 1 {
				return nil, errors.Errorf("malformed merged-bin header %q", line)
			}
			indices, err := splitIndices(fields[0])
			if err != nil {
				return nil, err
			}
			id, err := parseMaxBinID(line)
			if err != nil {
				return nil, err
			}
			l.MaxBins = append(l.MaxBins, MaxBin{Indices: indices, MaxBinID: id})
		case strings.HasPrefix(line, "#"):
			// column header
		default:
			fields := strings.Split(line, "\t")
			if len(fields) != 3 {
				return nil, errors.Errorf("layout record %q must have 3 columns", line)
			}
			ub, err := strconv.ParseUint(fields[0], 10, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "bad user bin id in %q", line)
			}
			indices, err := splitIndices(fields[1])
			if err != nil {
				return nil, err
			}
			counts, err := splitIndices(fields[2])
			if err != nil {
				return nil, err
			}
			if len(indices) != len(counts) {
				return nil, errors.Errorf("layout record %q has mismatched index and count lists", line)
			}
			l.Records = append(l.Records, Record{UserBinID: ub, BinIndices: indices, NumberOfBins: counts})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "while reading layout")
	}
	if !sawHighLevel {
		return nil, errors.New("layout names no high-level IBF")
	}
	if len(l.Records) == 0 {
		return nil, errors.New("layout places no user bins")
	}
	return l, nil
}

// ParseFile reads a layout file from path.
func ParseFile(path string) (*Layout, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open layout file %s", path)
	}
	defer f.Close()
	return Parse(f)
}

func parseMaxBinID(line string) (uint64, error) {
	idx := strings.LastIndex(line, "max_bin_id:")
	if idx < 0 {
		return 0, errors.Errorf("header %q carries no max_bin_id", line)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(line[idx+len("max_bin_id:"):]), 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "bad max_bin_id in %q", line)
	}
	return v, nil
}
