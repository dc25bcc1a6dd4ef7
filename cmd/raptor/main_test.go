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

package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSize(t *testing.T) {
	for input, wantBits := range map[string]uint64{
		"1024": 1024 * 8,
		"8k":   8 * (1 << 10) * 8,
		"2m":   2 * (1 << 20) * 8,
		"1G":   1 * (1 << 30) * 8,
		"1t":   1 * (1 << 40) * 8,
	} {
		got, err := parseSize(input)
		require.NoError(t, err, input)
		require.Equal(t, wantBits, got, input)
	}

	for _, bad := range []string{"", "g", "1.5g", "12x", "k8"} {
		_, err := parseSize(bad)
		require.Error(t, err, bad)
	}
}
