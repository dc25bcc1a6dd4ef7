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
	"encoding/binary"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// A MinimiserHeader accompanies every .minimiser file as a .header
// sibling: shape bin literal, window size, applied cutoff, and the
// number of stored minimisers.
type MinimiserHeader struct {
	Shape  string
	Window uint32
	Cutoff uint16
	Count  uint64
}

// WriteMinimiserFile streams hashes as raw little-endian u64s.
func WriteMinimiserFile(path string, hashes []uint64) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "unable to create minimiser file %s", path)
	}
	defer f.Close()

	bw := bufio.NewWriterSize(f, 1<<20)
	var buf [8]byte
	for _, h := range hashes {
		binary.LittleEndian.PutUint64(buf[:], h)
		if _, err := bw.Write(buf[:]); err != nil {
			return errors.Wrapf(err, "while writing minimiser file %s", path)
		}
	}
	return errors.Wrapf(bw.Flush(), "while writing minimiser file %s", path)
}

// ForEachMinimiser streams the raw hashes of a .minimiser file. The
// file is memory mapped where supported.
func ForEachMinimiser(path string, fn func(uint64)) error {
	data, cleanup, err := mapFile(path)
	if err != nil {
		return err
	}
	defer cleanup()

	if len(data)%8 != 0 {
		return errors.Errorf("minimiser file %s is truncated", path)
	}
	for off := 0; off < len(data); off += 8 {
		fn(binary.LittleEndian.Uint64(data[off:]))
	}
	return nil
}

// WriteTo writes the .header sibling of a minimiser file.
func (h MinimiserHeader) WriteTo(path string) error {
	content := fmt.Sprintf("%s\t%d\t%d\t%d\n", h.Shape, h.Window, h.Cutoff, h.Count)
	return errors.Wrapf(os.WriteFile(path, []byte(content), 0o644), "unable to write header %s", path)
}

// ReadMinimiserHeader parses a .header file.
func ReadMinimiserHeader(path string) (MinimiserHeader, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return MinimiserHeader{}, errors.Wrapf(err, "unable to read header %s", path)
	}
	var h MinimiserHeader
	fields := strings.Fields(strings.TrimSpace(string(raw)))
	if len(fields) != 4 {
		return MinimiserHeader{}, errors.Errorf("header %s must have 4 fields, has %d", path, len(fields))
	}
	h.Shape = fields[0]
	if _, err := fmt.Sscanf(fields[1], "%d", &h.Window); err != nil {
		return MinimiserHeader{}, errors.Wrapf(err, "bad window in header %s", path)
	}
	if _, err := fmt.Sscanf(fields[2], "%d", &h.Cutoff); err != nil {
		return MinimiserHeader{}, errors.Wrapf(err, "bad cutoff in header %s", path)
	}
	if _, err := fmt.Sscanf(fields[3], "%d", &h.Count); err != nil {
		return MinimiserHeader{}, errors.Wrapf(err, "bad count in header %s", path)
	}
	return h, nil
}
