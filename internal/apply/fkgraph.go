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

import "sort"

// ForeignKey declares that Table has a column referencing RefTable,
// so rows in Table must be applied after rows in RefTable, per spec
// section 4.5 ("apply order respects foreign-key dependencies").
type ForeignKey struct {
	Table    string
	RefTable string
}

// topoSortTables orders tables so that, for every declared foreign
// key, RefTable precedes Table. tables not mentioned by any foreign
// key are placed first, in a deterministic (sorted) order, followed by
// the dependency-respecting order of the rest.
//
// If the foreign keys describe a cycle, it is broken at the table with
// the fewest remaining inbound edges at the point the cycle is
// detected, per spec section 4.5's note that a cyclic schema must
// still make forward progress rather than deadlock the apply engine.
func topoSortTables(tables []string, fks []ForeignKey) []string {
	inbound := make(map[string]map[string]bool, len(tables)) // table -> set of tables it depends on
	for _, t := range tables {
		inbound[t] = map[string]bool{}
	}
	for _, fk := range fks {
		if _, ok := inbound[fk.Table]; !ok {
			inbound[fk.Table] = map[string]bool{}
		}
		if fk.Table == fk.RefTable {
			continue // self-reference does not constrain ordering
		}
		if _, ok := inbound[fk.RefTable]; !ok {
			continue // referenced table isn't part of this batch
		}
		inbound[fk.Table][fk.RefTable] = true
	}

	remaining := make(map[string]map[string]bool, len(inbound))
	for t, deps := range inbound {
		cp := make(map[string]bool, len(deps))
		for d := range deps {
			cp[d] = true
		}
		remaining[t] = cp
	}

	var order []string
	for len(remaining) > 0 {
		// Ready: tables with no remaining unresolved dependency.
		var ready []string
		for t, deps := range remaining {
			if len(deps) == 0 {
				ready = append(ready, t)
			}
		}
		if len(ready) == 0 {
			// Cycle: break at the table with the fewest remaining
			// inbound edges, chosen deterministically by name among ties.
			ready = []string{pickCycleBreak(remaining)}
		}
		sort.Strings(ready)
		order = append(order, ready...)
		for _, t := range ready {
			delete(remaining, t)
		}
		for _, deps := range remaining {
			for _, t := range ready {
				delete(deps, t)
			}
		}
	}
	return order
}

func pickCycleBreak(remaining map[string]map[string]bool) string {
	best := ""
	bestCount := -1
	names := make([]string, 0, len(remaining))
	for t := range remaining {
		names = append(names, t)
	}
	sort.Strings(names)
	for _, t := range names {
		c := len(remaining[t])
		if bestCount == -1 || c < bestCount {
			best = t
			bestCount = c
		}
	}
	return best
}
