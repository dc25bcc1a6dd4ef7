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
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// syncOut serialises result lines from parallel workers into one
// output. Workers format whole lines into their own scratch and hand
// them over under a short mutex.
type syncOut struct {
	mu     sync.Mutex
	w      *bufio.Writer
	closer io.Closer
	err    error
}

func newSyncOut(path string) (*syncOut, error) {
	if path == "" || path == "-" {
		return &syncOut{w: bufio.NewWriterSize(os.Stdout, 1<<20)}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to create output file %s", path)
	}
	return &syncOut{w: bufio.NewWriterSize(f, 1<<20), closer: f}, nil
}

// writeHeader emits the user-bin table and the column marker, once,
// before any result line.
func (s *syncOut) writeHeader(binPaths [][]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, bin := range binPaths {
		fmt.Fprintf(s.w, "#%d\t%s\n", i, strings.Join(bin, " "))
	}
	fmt.Fprint(s.w, "#QUERY_NAME\tUSER_BINS\n")
}

func (s *syncOut) write(line string) {
	s.mu.Lock()
	if _, err := s.w.WriteString(line); err != nil && s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *syncOut) Close() error {
	if err := s.w.Flush(); err != nil && s.err == nil {
		s.err = err
	}
	if s.closer != nil {
		if err := s.closer.Close(); err != nil && s.err == nil {
			s.err = err
		}
	}
	return errors.Wrap(s.err, "while writing results")
}
