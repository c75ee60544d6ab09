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

package main

import "github.com/replistore/rowsync/internal/mapping"

// sourceTables returns the distinct tables a mapping config captures
// changes from, in the order they first appear.
func sourceTables(cfg *mapping.Config) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range cfg.Mappings {
		if !seen[m.SourceTable] {
			seen[m.SourceTable] = true
			out = append(out, m.SourceTable)
		}
	}
	return out
}

// excludedColumnsFor returns the ExcludedColumns list for the first
// mapping whose SourceTable matches table, enabled or not, or nil if
// none matches.
func excludedColumnsFor(cfg *mapping.Config, table string) []string {
	for _, m := range cfg.Mappings {
		if m.SourceTable == table {
			return m.ExcludedColumns
		}
	}
	return nil
}

// writeTargetTables returns the distinct tables a mapping config ever
// writes to on apply: every mapping's TargetTable (or its multi-target
// fan-out targets), plus source tables reachable unmapped under
// pass-through behavior.
func writeTargetTables(cfg *mapping.Config) []string {
	seen := map[string]bool{}
	var out []string
	add := func(t string) {
		if t != "" && !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	for _, m := range cfg.Mappings {
		if cfg.UnmappedBehavior == mapping.UnmappedPassThrough {
			add(m.SourceTable)
		}
		if m.TargetTable != nil {
			add(*m.TargetTable)
		}
		for _, t := range m.Targets {
			add(t.TargetTable)
		}
		if m.TargetTable == nil && len(m.Targets) == 0 {
			add(m.SourceTable)
		}
	}
	return out
}
