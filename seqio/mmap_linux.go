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

//go:build linux

package seqio

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// mapFile maps path read-only. The cleanup function must be called
// exactly once; the data is invalid afterwards.
func mapFile(path string) ([]byte, func() error, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "unable to open %s", path)
	}
	fi, err := fd.Stat()
	if err != nil {
		fd.Close()
		return nil, nil, errors.Wrapf(err, "cannot stat file: %s", path)
	}
	size := fi.Size()
	if size == 0 {
		return nil, fd.Close, nil
	}
	buf, err := unix.Mmap(int(fd.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		fd.Close()
		return nil, nil, errors.Wrapf(err, "while mmapping %s with size: %d", path, size)
	}
	cleanup := func() error {
		if err := unix.Munmap(buf); err != nil {
			fd.Close()
			return errors.Wrapf(err, "while munmap file %s", path)
		}
		return fd.Close()
	}
	return buf, cleanup, nil
}
