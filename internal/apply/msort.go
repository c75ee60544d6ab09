// Copyright 2023 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

package apply

import "github.com/replistore/rowsync/internal/changelog"

// uniqueByKey implements a "last one wins" collapse of entries that
// share the same (table, primary key), per spec section 4.5 and
// msort.UniqueByKey in the teacher's internal/util/msort package. The
// teacher compares hlc.Time; this compares the plain monotonic
// Version field this module uses instead.
//
// The modified slice is returned. Panics if any entry's PKValue is
// empty, mirroring the teacher's guard against mis-keyed mutations.
func uniqueByKey(x []changelog.Entry) []changelog.Entry {
	seenIdx := make(map[string]int, len(x))

	dest := len(x)
	for src := len(x) - 1; src >= 0; src-- {
		if len(x[src].PKValue) == 0 {
			panic("empty change log entry primary key")
		}
		key := x[src].TableName + "\x00" + string(x[src].PKValue)

		if curIdx, found := seenIdx[key]; found {
			if x[src].Version > x[curIdx].Version {
				x[curIdx] = x[src]
			}
		} else {
			dest--
			seenIdx[key] = dest
			x[dest] = x[src]
		}
	}

	return x[dest:]
}
