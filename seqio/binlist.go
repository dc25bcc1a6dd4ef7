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

package seqio

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// ParseBinList reads a bin list: one user bin per line, each line the
// whitespace-separated files contributing to that bin. Lines starting
// with '#' are comments.
func ParseBinList(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open bin list %s", path)
	}
	defer f.Close()

	var bins [][]string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		bins = append(bins, strings.Fields(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "while reading bin list %s", path)
	}
	if len(bins) == 0 {
		return nil, errors.Errorf("bin list %s names no user bins", path)
	}
	return bins, nil
}

// ValidateBinList checks that every named file exists and that
// minimiser inputs are not mixed with sequence inputs. It returns
// whether the list consists of minimiser files.
func ValidateBinList(bins [][]string) (minimiser bool, err error) {
	var sawMinimiser, sawSequence bool
	for _, bin := range bins {
		if len(bin) == 0 {
			return false, errors.New("bin list contains an empty user bin")
		}
		for _, path := range bin {
			if _, err := os.Stat(path); err != nil {
				return false, errors.Wrapf(err, "bin file %s is not readable", path)
			}
			if filepath.Ext(path) == ".minimiser" {
				sawMinimiser = true
			} else {
				sawSequence = true
			}
		}
	}
	if sawMinimiser && sawSequence {
		return false, errors.New("bin list mixes sequence files and minimiser files")
	}
	return sawMinimiser, nil
}
