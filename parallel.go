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

import "sync"

// doParallel splits n work items into one contiguous range per worker
// and blocks until all ranges are done. The task receives [start, end).
// Errors surface at this barrier; the first one wins.
func doParallel(n, threads int, task func(start, end int) error) error {
	if threads < 1 {
		threads = 1
	}
	if threads > n {
		threads = n
	}
	if n == 0 {
		return nil
	}

	chunk := (n + threads - 1) / threads
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for start := 0; start < n; start += chunk {
		end := start + chunk
		if end > n {
			end = n
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			if err := task(start, end); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(start, end)
	}
	wg.Wait()
	return firstErr
}
