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

package conflict_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/replistore/rowsync/internal/changelog"
	"github.com/replistore/rowsync/internal/conflict"
	"github.com/replistore/rowsync/internal/diag"
	"github.com/replistore/rowsync/internal/origin"
)

// TestResolveLastWriterWins exercises scenario (S3) from spec section
// 8: of two conflicting entries, the later timestamp wins regardless
// of which side (local or remote) produced it.
func TestResolveLastWriterWins(t *testing.T) {
	originA, originB := origin.New(), origin.New()
	earlier := changelog.Entry{Origin: originA, Timestamp: mustParse(t, "2024-01-01T10:00:00.100Z")}
	later := changelog.Entry{Origin: originB, Timestamp: mustParse(t, "2024-01-01T10:00:00.200Z")}

	require.Equal(t, later, conflict.Resolve(earlier, later, false))
	require.Equal(t, later, conflict.Resolve(later, earlier, false))
}

func TestResolveTiesBreakOnOriginLexicographically(t *testing.T) {
	ts := mustParse(t, "2024-01-01T10:00:00.000Z")
	lo, hi := origin.New(), origin.New()
	if lo.String() > hi.String() {
		lo, hi = hi, lo
	}
	a := changelog.Entry{Origin: lo, Timestamp: ts}
	b := changelog.Entry{Origin: hi, Timestamp: ts}

	require.Equal(t, a, conflict.Resolve(a, b, false))
	require.Equal(t, a, conflict.Resolve(b, a, false))
}

// TestResolveServerWinsForcesIncomingSide checks that ServerWins makes
// the incoming (remote) entry win even when the local entry is newer,
// per spec section 4.6 ("forces the incoming side to always win").
func TestResolveServerWinsForcesIncomingSide(t *testing.T) {
	local := changelog.Entry{Origin: origin.New(), Timestamp: mustParse(t, "2024-01-01T10:00:01.000Z")}
	remote := changelog.Entry{Origin: origin.New(), Timestamp: mustParse(t, "2024-01-01T10:00:00.000Z")}

	require.Equal(t, remote, conflict.Resolve(local, remote, true))
}

func TestVerifyHashReportsMismatch(t *testing.T) {
	diagnostics, cleanup := diag.New(nil)
	defer cleanup()

	badHash := "not-the-real-hash"
	conflict.VerifyHash("orders", []byte(`{"Id":"o1"}`), map[string]any{"Total": float64(1)}, &badHash, diagnostics)
	require.NotEmpty(t, diagnostics.Events())
}

func TestVerifyHashSilentOnMatch(t *testing.T) {
	diagnostics, cleanup := diag.New(nil)
	defer cleanup()

	stored := map[string]any{"Total": float64(1)}
	storedPayload, err := json.Marshal(stored)
	require.NoError(t, err)
	hash, err := changelog.RowHash("orders", []byte(`{"Id":"o1"}`), storedPayload)
	require.NoError(t, err)

	conflict.VerifyHash("orders", []byte(`{"Id":"o1"}`), stored, &hash, diagnostics)
	require.Empty(t, diagnostics.Events())
}

// TestVerifyHashNilDiagnosticsDoesNotPanic guards against the engine
// calling VerifyHash on a valid, hashed entry when no Diagnostics
// sink is configured.
func TestVerifyHashNilDiagnosticsDoesNotPanic(t *testing.T) {
	hash := "anything"
	require.NotPanics(t, func() {
		conflict.VerifyHash("orders", []byte(`{"Id":"o1"}`), map[string]any{"Total": float64(1)}, &hash, nil)
	})
}

func mustParse(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339Nano, s)
	require.NoError(t, err)
	return ts
}
