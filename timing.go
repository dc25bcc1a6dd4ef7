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
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// timings accumulates wall time per pipeline stage across workers.
type timings struct {
	mu     sync.Mutex
	stages map[string]time.Duration
}

func newTimings() *timings {
	return &timings{stages: make(map[string]time.Duration)}
}

// add folds a worker-local duration into the named stage.
func (t *timings) add(stage string, d time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.stages[stage] += d
	t.mu.Unlock()
}

// track runs fn and charges its wall time to stage.
func (t *timings) track(stage string, fn func()) {
	if t == nil {
		fn()
		return
	}
	start := time.Now()
	fn()
	t.add(stage, time.Since(start))
}

// writeTSV dumps the stage table, sorted by name for stable diffs.
func (t *timings) writeTSV(path string) error {
	if t == nil || path == "" {
		return nil
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "unable to create timing output %s", path)
	}
	defer f.Close()

	names := make([]string, 0, len(t.stages))
	for name := range t.stages {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprint(f, "stage\tseconds\n")
	for _, name := range names {
		fmt.Fprintf(f, "%s\t%.3f\n", name, t.stages[name].Seconds())
	}
	return nil
}
