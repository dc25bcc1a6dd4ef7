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

// raptor is a fast and space-efficient pre-filter: build an index over
// user bins of DNA sequences, then query reads against it.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/seqan/raptor"
	"github.com/seqan/raptor/kmer"
	"github.com/seqan/raptor/layout"
	"github.com/seqan/raptor/seqio"
	"github.com/urfave/cli/v2"
)

func main() {
	initLogging()
	app := &cli.App{
		Name:  "raptor",
		Usage: "a fast and space-efficient pre-filter for querying very large collections of nucleotide sequences",
		Commands: []*cli.Command{
			buildCommand(),
			searchCommand(),
			prepareCommand(),
			layoutCommand(),
			updateCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "[Error] %s\n", err)
		os.Exit(1)
	}
}

func initLogging() {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("RAPTOR_LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// parseSize accepts an integer with a [k|m|g|t] suffix (binary
// multiples) and returns bits.
func parseSize(s string) (uint64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, errors.New("size must not be empty")
	}
	multiplier := uint64(1)
	switch s[len(s)-1] {
	case 'k':
		multiplier = 1 << 10
	case 'm':
		multiplier = 1 << 20
	case 'g':
		multiplier = 1 << 30
	case 't':
		multiplier = 1 << 40
	default:
		if s[len(s)-1] < '0' || s[len(s)-1] > '9' {
			return 0, errors.Errorf("size %q must be an integer followed by [k,m,g,t] (case insensitive)", s)
		}
		multiplier = 0
	}
	digits := s
	if multiplier != 0 {
		digits = s[:len(s)-1]
	} else {
		multiplier = 1
	}
	n, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, errors.Errorf("size %q must be an integer followed by [k,m,g,t] (case insensitive)", s)
	}
	return n * multiplier * 8, nil // bytes to bits
}

// shapeFromFlags resolves --kmer or --shape into a Shape.
func shapeFromFlags(c *cli.Context) (kmer.Shape, error) {
	if c.IsSet("shape") {
		return kmer.ParseShape(c.String("shape"))
	}
	k := c.Uint("kmer")
	if k < 1 || k > 32 {
		return kmer.Shape{}, errors.Errorf("kmer size %d out of range [1,32]", k)
	}
	return kmer.Ungapped(uint8(k)), nil
}

func loadBins(path string) ([][]string, bool, error) {
	bins, err := seqio.ParseBinList(path)
	if err != nil {
		return nil, false, err
	}
	isMinimiser, err := seqio.ValidateBinList(bins)
	if err != nil {
		return nil, false, err
	}
	return bins, isMinimiser, nil
}

func ensureOutputDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return errors.Wrapf(os.MkdirAll(dir, 0o755), "unable to create output directory %s", dir)
}

func buildCommand() *cli.Command {
	return &cli.Command{
		Name:  "build",
		Usage: "construct an index over user bins",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "input", Required: true, Usage: "bin list, or a layout file with --hibf"},
			&cli.StringFlag{Name: "output", Required: true, Usage: "index output path"},
			&cli.UintFlag{Name: "kmer", Value: 20, Usage: "k-mer size in [1,32]"},
			&cli.StringFlag{Name: "shape", Usage: "gapped shape bin literal, overrides --kmer"},
			&cli.UintFlag{Name: "window", Value: 23, Usage: "window size"},
			&cli.StringFlag{Name: "size", Value: "1g", Usage: "total index size, integer with [k,m,g,t]"},
			&cli.UintFlag{Name: "hash", Value: 2, Usage: "hash function count in [1,5]"},
			&cli.Float64Flag{Name: "fpr", Value: 0.05, Usage: "false-positive rate target"},
			&cli.UintFlag{Name: "parts", Value: 1, Usage: "partition count, power of two"},
			&cli.UintFlag{Name: "threads", Value: 1},
			&cli.BoolFlag{Name: "hibf", Usage: "build a hierarchical index"},
			&cli.StringFlag{Name: "layout", Usage: "layout file for --hibf (default: plan internally)"},
			&cli.Uint64Flag{Name: "tmax", Value: 64, Usage: "technical bins per HIBF level"},
			&cli.BoolFlag{Name: "compute-minimiser", Usage: "only precompute minimiser files (see also: prepare)"},
			&cli.BoolFlag{Name: "disable-cutoffs", Usage: "keep all minimisers when precomputing"},
		},
		Action: runBuild,
	}
}

func runBuild(c *cli.Context) error {
	shape, err := shapeFromFlags(c)
	if err != nil {
		return err
	}
	window := uint32(c.Uint("window"))
	if window < uint32(shape.Size()) {
		return errors.Errorf("window size %d must not be smaller than the k-mer size %d", window, shape.Size())
	}
	hash := uint32(c.Uint("hash"))
	if hash < 1 || hash > 5 {
		return errors.Errorf("hash function count %d out of range [1,5]", hash)
	}
	if err := ensureOutputDir(c.String("output")); err != nil {
		return err
	}

	if c.Bool("compute-minimiser") {
		bins, _, err := loadBins(c.String("input"))
		if err != nil {
			return err
		}
		return raptor.Prepare(raptor.PrepareOptions{
			Bins:           bins,
			Window:         window,
			Shape:          shape,
			Threads:        int(c.Uint("threads")),
			OutputDir:      c.String("output"),
			DisableCutoffs: c.Bool("disable-cutoffs"),
		})
	}

	bins, isMinimiser, err := loadBins(c.String("input"))
	if err != nil {
		return err
	}

	if c.Bool("hibf") {
		if isMinimiser {
			return errors.New("the hierarchical build reads sequence files, not minimiser files")
		}
		var l *layout.Layout
		if c.IsSet("layout") {
			if l, err = layout.ParseFile(c.String("layout")); err != nil {
				return err
			}
		}
		cfg := raptor.DefaultConfig()
		cfg.TMax = c.Uint64("tmax")
		cfg.FPR = c.Float64("fpr")
		return raptor.BuildHIBF(raptor.HIBFBuildOptions{
			Bins:       bins,
			Layout:     l,
			Window:     window,
			Shape:      shape,
			HashCount:  hash,
			Config:     cfg,
			Threads:    int(c.Uint("threads")),
			OutputPath: c.String("output"),
		})
	}

	bits, err := parseSize(c.String("size"))
	if err != nil {
		return err
	}
	return raptor.BuildIBF(raptor.BuildOptions{
		Bins:        bins,
		IsMinimiser: isMinimiser,
		Window:      window,
		Shape:       shape,
		HashCount:   hash,
		TotalBits:   bits,
		Parts:       uint32(c.Uint("parts")),
		Threads:     int(c.Uint("threads")),
		OutputPath:  c.String("output"),
	})
}

func searchCommand() *cli.Command {
	return &cli.Command{
		Name:  "search",
		Usage: "query an index",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "index", Required: true},
			&cli.StringFlag{Name: "query", Required: true},
			&cli.StringFlag{Name: "output", Required: true},
			&cli.UintFlag{Name: "threads", Value: 1},
			&cli.Uint64Flag{Name: "error", Value: 0, Usage: "number of tolerated errors"},
			&cli.Float64Flag{Name: "threshold", Value: -1, Usage: "fixed minimiser fraction in (0,1], replaces the error model"},
			&cli.Uint64Flag{Name: "query_length", Usage: "pattern length for thresholding (default: mean query length)"},
			&cli.Float64Flag{Name: "tau", Value: 0.9999, Usage: "threshold model confidence"},
			&cli.Float64Flag{Name: "p_max", Value: 0.15, Usage: "false-positive correction aggressiveness"},
			&cli.BoolFlag{Name: "cache-thresholds", Usage: "memoise threshold vectors next to the index"},
			&cli.StringFlag{Name: "timing-output", Usage: "write stage wall times as TSV"},
		},
		Action: runSearch,
	}
}

func runSearch(c *cli.Context) error {
	if c.IsSet("error") && c.IsSet("threshold") {
		return errors.New("only one of --error and --threshold may be given")
	}
	thresholdFraction := c.Float64("threshold")
	if c.IsSet("threshold") && (thresholdFraction <= 0 || thresholdFraction > 1) {
		return errors.Errorf("threshold %f out of range (0,1]", thresholdFraction)
	}
	if tau := c.Float64("tau"); tau <= 0 || tau > 1 {
		return errors.Errorf("tau %f out of range (0,1]", tau)
	}
	if pmax := c.Float64("p_max"); pmax <= 0 || pmax > 1 {
		return errors.Errorf("p_max %f out of range (0,1]", pmax)
	}
	if !c.IsSet("threshold") {
		thresholdFraction = -1
	}
	if err := ensureOutputDir(c.String("output")); err != nil {
		return err
	}

	return raptor.Search(raptor.SearchOptions{
		IndexPath:         c.String("index"),
		QueryPath:         c.String("query"),
		OutputPath:        c.String("output"),
		Threads:           int(c.Uint("threads")),
		Errors:            c.Uint64("error"),
		ThresholdFraction: thresholdFraction,
		QueryLength:       c.Uint64("query_length"),
		Tau:               c.Float64("tau"),
		PMax:              c.Float64("p_max"),
		CacheThresholds:   c.Bool("cache-thresholds"),
		TimingOutput:      c.String("timing-output"),
	})
}

func prepareCommand() *cli.Command {
	return &cli.Command{
		Name:  "prepare",
		Usage: "precompute cutoff-filtered minimiser files for later builds",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "input", Required: true, Usage: "bin list of sequence files"},
			&cli.StringFlag{Name: "output", Required: true, Usage: "output directory"},
			&cli.UintFlag{Name: "kmer", Value: 20},
			&cli.StringFlag{Name: "shape"},
			&cli.UintFlag{Name: "window", Value: 23},
			&cli.UintFlag{Name: "threads", Value: 1},
			&cli.BoolFlag{Name: "disable-cutoffs"},
		},
		Action: func(c *cli.Context) error {
			shape, err := shapeFromFlags(c)
			if err != nil {
				return err
			}
			bins, isMinimiser, err := loadBins(c.String("input"))
			if err != nil {
				return err
			}
			if isMinimiser {
				return errors.New("prepare reads sequence files, not minimiser files")
			}
			return raptor.Prepare(raptor.PrepareOptions{
				Bins:           bins,
				Window:         uint32(c.Uint("window")),
				Shape:          shape,
				Threads:        int(c.Uint("threads")),
				OutputDir:      c.String("output"),
				DisableCutoffs: c.Bool("disable-cutoffs"),
			})
		},
	}
}

func layoutCommand() *cli.Command {
	return &cli.Command{
		Name:  "layout",
		Usage: "plan a hierarchical layout for a bin list",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "input", Required: true},
			&cli.StringFlag{Name: "output", Required: true},
			&cli.UintFlag{Name: "kmer", Value: 20},
			&cli.StringFlag{Name: "shape"},
			&cli.UintFlag{Name: "window", Value: 23},
			&cli.Uint64Flag{Name: "tmax", Value: 64},
			&cli.UintFlag{Name: "threads", Value: 1},
		},
		Action: func(c *cli.Context) error {
			shape, err := shapeFromFlags(c)
			if err != nil {
				return err
			}
			bins, isMinimiser, err := loadBins(c.String("input"))
			if err != nil {
				return err
			}
			if isMinimiser {
				return errors.New("layout reads sequence files, not minimiser files")
			}
			l, err := raptor.PlanLayout(bins, shape, uint32(c.Uint("window")), c.Uint64("tmax"), int(c.Uint("threads")))
			if err != nil {
				return err
			}
			if err := ensureOutputDir(c.String("output")); err != nil {
				return err
			}
			return l.WriteFile(c.String("output"))
		},
	}
}

func updateCommand() *cli.Command {
	return &cli.Command{
		Name:  "update",
		Usage: "insert user bins into an existing HIBF index",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "index", Required: true},
			&cli.StringFlag{Name: "insert", Required: true, Usage: "bin list of user bins to insert"},
			&cli.StringFlag{Name: "output", Required: true, Usage: "updated index path"},
			&cli.UintFlag{Name: "threads", Value: 1},
		},
		Action: func(c *cli.Context) error {
			bins, isMinimiser, err := loadBins(c.String("insert"))
			if err != nil {
				return err
			}
			if isMinimiser {
				return errors.New("online insert reads sequence files, not minimiser files")
			}
			ix, err := raptor.Load(c.String("index"))
			if err != nil {
				return err
			}
			if err := raptor.InsertUserBins(ix, raptor.UpdateOptions{
				BinsToInsert: bins,
				Threads:      int(c.Uint("threads")),
			}); err != nil {
				return err
			}
			if err := ensureOutputDir(c.String("output")); err != nil {
				return err
			}
			return ix.Save(c.String("output"))
		},
	}
}
