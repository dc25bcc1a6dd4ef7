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

package threshold

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dgryski/go-farm"
	"github.com/pkg/errors"
)

// Cache file names encode the parameters that determine each vector, so
// a changed search configuration never reuses stale tables.

func (t *Threshold) thresholdCachePath() string {
	p := t.params
	key := fmt.Sprintf("p%d_w%d_s%s_e%d_tau%f", p.PatternSize, p.WindowSize, p.Shape.String(), p.Errors, p.Tau)
	return filepath.Join(p.CacheDir, fmt.Sprintf("threshold_%x.bin", farm.Fingerprint64([]byte(key))))
}

func (t *Threshold) correctionCachePath() string {
	p := t.params
	key := fmt.Sprintf("p%d_w%d_s%s_pmax%f_fpr%f", p.PatternSize, p.WindowSize, p.Shape.String(), p.PMax, p.FPR)
	return filepath.Join(p.CacheDir, fmt.Sprintf("correction_%x.bin", farm.Fingerprint64([]byte(key))))
}

func (t *Threshold) loadCached() (bool, error) {
	thresholds, ok, err := readU64Vector(t.thresholdCachePath())
	if err != nil || !ok {
		return false, err
	}
	correction, ok, err := readU64Vector(t.correctionCachePath())
	if err != nil || !ok {
		return false, err
	}
	t.thresholds = thresholds
	t.correction = correction
	return true, nil
}

func (t *Threshold) storeCached() error {
	if err := writeU64Vector(t.thresholdCachePath(), t.thresholds); err != nil {
		return err
	}
	return writeU64Vector(t.correctionCachePath(), t.correction)
}

// writeU64Vector stores a length-prefixed little-endian u64 vector.
func writeU64Vector(path string, vs []uint64) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "unable to create threshold cache %s", path)
	}
	defer f.Close()

	buf := make([]byte, 8*(len(vs)+1))
	binary.LittleEndian.PutUint64(buf, uint64(len(vs)))
	for i, v := range vs {
		binary.LittleEndian.PutUint64(buf[8*(i+1):], v)
	}
	if _, err := f.Write(buf); err != nil {
		return errors.Wrapf(err, "while writing threshold cache %s", path)
	}
	return nil
}

func readU64Vector(path string) ([]uint64, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, errors.Wrapf(err, "unable to open threshold cache %s", path)
	}
	defer f.Close()

	var lenBuf [8]byte
	if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
		return nil, false, errors.Wrapf(err, "while reading threshold cache %s", path)
	}
	n := binary.LittleEndian.Uint64(lenBuf[:])
	buf := make([]byte, 8*n)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, false, errors.Wrapf(err, "while reading threshold cache %s", path)
	}
	vs := make([]uint64, n)
	for i := range vs {
		vs[i] = binary.LittleEndian.Uint64(buf[8*i:])
	}
	return vs, true, nil
}
