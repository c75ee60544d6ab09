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

// Package conflict implements the deterministic conflict resolution
// and row-hash verification described in spec section 4.6. Grounded
// on the teacher's resolved_table.go timestamp comparison and
// hlc.Compare tie-break-by-secondary-key pattern, generalized from
// HLC to the plain (timestamp, origin) pair this module uses.
package conflict

import (
	"encoding/json"

	"github.com/replistore/rowsync/internal/changelog"
	"github.com/replistore/rowsync/internal/diag"
)

// Resolve picks the winner between two entries describing the same
// row, per spec section 4.6:
//   - if serverWins, the incoming (remote) side always wins regardless
//     of timestamp
//   - otherwise the later Timestamp wins
//   - ties break on Origin, lexicographically, for determinism
//
// local and remote must refer to the same (table, pk); Resolve does
// not check this.
func Resolve(local, remote changelog.Entry, serverWins bool) changelog.Entry {
	if serverWins {
		return remote
	}
	if local.Timestamp.After(remote.Timestamp) {
		return local
	}
	if remote.Timestamp.After(local.Timestamp) {
		return remote
	}
	if local.Origin.String() <= remote.Origin.String() {
		return local
	}
	return remote
}

// VerifyHash recomputes the row hash over storedColumns - the actual
// column set the apply engine just wrote to the target table - and
// compares it against rowHash, the hash the trigger recorded at
// capture time. Comparing against anything derived from the entry's
// own Payload/PKValue would be tautological, since those are exactly
// the inputs the trigger already hashed; storedColumns is the
// independent value that can actually have drifted (e.g. under a
// mapping transform, or a concurrent write to the target row). A
// mismatch is reported as a diagnostic event rather than rejected, per
// spec section 4.6 ("row hash verification is advisory, not a
// correctness gate").
func VerifyHash(table string, pkValue json.RawMessage, storedColumns map[string]any, rowHash *string, diagnostics *diag.Diagnostics) {
	if rowHash == nil || diagnostics == nil {
		return
	}
	storedPayload, err := json.Marshal(storedColumns)
	if err != nil {
		diagnostics.Report("row hash verification failed to encode stored row: " + err.Error())
		return
	}
	computed, err := changelog.RowHash(table, pkValue, storedPayload)
	if err != nil {
		diagnostics.Report("row hash verification failed to compute: " + err.Error())
		return
	}
	if computed != *rowHash {
		diagnostics.Report("row hash mismatch for table " + table)
	}
}
