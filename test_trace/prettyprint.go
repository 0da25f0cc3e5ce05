/*
	Copyright 2025 Google Inc.

	Licensed under the Apache License, Version 2.0 (the "License");
	you may not use this file except in compliance with the License.
	You may obtain a copy of the License at

			http://www.apache.org/licenses/LICENSE-2.0

	Unless required by applicable law or agreed to in writing, software
	distributed under the License is distributed on an "AS IS" BASIS,
	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
	See the License for the specific language governing permissions and
	limitations under the License.
*/

package testtrace

import (
	"fmt"
	"slices"
	"strings"

	"github.com/google/opcodemix/memref"
)

// PrettyPrintRecords renders a shard's records one per line, for test
// failure messages.
func PrettyPrintRecords(index int, ft memref.FileType, records []memref.Memref) string {
	ret := make([]string, len(records)+1)
	ret[0] = fmt.Sprintf("Shard %d (%s):", index, ft)
	for idx, m := range records {
		ret[idx+1] = "  " + m.String()
	}
	return strings.Join(ret, "\n")
}

// PrettyPrintCounts renders a histogram as 'key: count' lines ordered by
// key name, for test comparisons.
func PrettyPrintCounts[K comparable](counts map[K]int64, name func(K) string) string {
	lines := make([]string, 0, len(counts))
	for key, count := range counts {
		lines = append(lines, fmt.Sprintf("%s: %d", name(key), count))
	}
	slices.Sort(lines)
	return strings.Join(lines, "\n")
}
