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

package apply_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/replistore/rowsync/internal/apply"
	"github.com/replistore/rowsync/internal/changelog"
	"github.com/replistore/rowsync/internal/origin"
	"github.com/replistore/rowsync/internal/testutil"
)

func newTestEngine(t *testing.T, fx *testutil.Fixture, schema apply.TableSchema, fks []apply.ForeignKey) *apply.Engine {
	t.Helper()
	return apply.NewEngine(fx.Adapter, fx.DB, schema, fks, 0)
}

// TestApplyInsertUpsertsRow exercises scenario (S1) and testable
// property 3: an insert is upserted, and applying the same batch twice
// produces the same store state.
func TestApplyInsertUpsertsRow(t *testing.T) {
	fx, cleanup, err := testutil.NewFixture()
	require.NoError(t, err)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, fx.CreateTable(ctx, `CREATE TABLE customer (customer_id TEXT PRIMARY KEY, name TEXT)`))
	engine := newTestEngine(t, fx, apply.TableSchema{"customer": {"customer_id"}}, nil)

	entry := changelog.Entry{
		TableName: "customer", PKValue: json.RawMessage(`{"customer_id":"u1"}`),
		Operation: changelog.OpInsert, Payload: json.RawMessage(`{"customer_id":"u1","name":"Alice"}`),
		Origin: origin.New(), Timestamp: time.Now().UTC(),
	}

	result, err := engine.Apply(ctx, []changelog.Entry{entry})
	require.NoError(t, err)
	require.EqualValues(t, 1, result.Applied)

	var name string
	require.NoError(t, fx.DB.QueryRowContext(ctx, `SELECT name FROM customer WHERE customer_id = 'u1'`).Scan(&name))
	require.Equal(t, "Alice", name)

	// Re-applying the identical batch must not change the stored state.
	_, err = engine.Apply(ctx, []changelog.Entry{entry})
	require.NoError(t, err)
	require.NoError(t, fx.DB.QueryRowContext(ctx, `SELECT name FROM customer WHERE customer_id = 'u1'`).Scan(&name))
	require.Equal(t, "Alice", name)
}

func TestApplyDeleteOfMissingRowSucceeds(t *testing.T) {
	fx, cleanup, err := testutil.NewFixture()
	require.NoError(t, err)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, fx.CreateTable(ctx, `CREATE TABLE customer (customer_id TEXT PRIMARY KEY)`))
	engine := newTestEngine(t, fx, apply.TableSchema{"customer": {"customer_id"}}, nil)

	entry := changelog.Entry{
		TableName: "customer", PKValue: json.RawMessage(`{"customer_id":"ghost"}`),
		Operation: changelog.OpDelete, Origin: origin.New(), Timestamp: time.Now().UTC(),
	}
	result, err := engine.Apply(ctx, []changelog.Entry{entry})
	require.NoError(t, err)
	require.EqualValues(t, 1, result.Applied)
}

// TestApplyOrdersByForeignKeyWithinOneBatch exercises scenario (S4):
// a child row listed before its parent within the same batch is
// applied successfully because foreign-key ordering places the parent
// first.
func TestApplyOrdersByForeignKeyWithinOneBatch(t *testing.T) {
	fx, cleanup, err := testutil.NewFixture()
	require.NoError(t, err)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, fx.CreateTable(ctx, `CREATE TABLE patient (id TEXT PRIMARY KEY)`))
	require.NoError(t, fx.CreateTable(ctx, `CREATE TABLE encounter (
		id TEXT PRIMARY KEY, patient TEXT NOT NULL REFERENCES patient(id))`))

	engine := newTestEngine(t, fx,
		apply.TableSchema{"patient": {"id"}, "encounter": {"id"}},
		[]apply.ForeignKey{{Table: "encounter", RefTable: "patient"}})

	now := time.Now().UTC()
	encounterEntry := changelog.Entry{
		TableName: "encounter", PKValue: json.RawMessage(`{"id":"e1"}`),
		Operation: changelog.OpInsert, Payload: json.RawMessage(`{"id":"e1","patient":"u2"}`),
		Origin: origin.New(), Timestamp: now, Version: 2,
	}
	patientEntry := changelog.Entry{
		TableName: "patient", PKValue: json.RawMessage(`{"id":"u2"}`),
		Operation: changelog.OpInsert, Payload: json.RawMessage(`{"id":"u2"}`),
		Origin: origin.New(), Timestamp: now, Version: 1,
	}

	// Submitted out of dependency order; the engine must still place
	// patient before encounter.
	result, err := engine.Apply(ctx, []changelog.Entry{encounterEntry, patientEntry})
	require.NoError(t, err)
	require.EqualValues(t, 2, result.Applied)
	require.Empty(t, result.Unresolved)

	var count int
	require.NoError(t, fx.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM encounter WHERE id = 'e1'`).Scan(&count))
	require.Equal(t, 1, count)
}

// TestApplySurfacesUnresolvedDependencyAfterRetries exercises the
// ForeignKeyViolation -> defer -> UnresolvedDependency path when the
// referenced parent never arrives in the batch.
func TestApplySurfacesUnresolvedDependencyAfterRetries(t *testing.T) {
	fx, cleanup, err := testutil.NewFixture()
	require.NoError(t, err)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, fx.CreateTable(ctx, `CREATE TABLE patient (id TEXT PRIMARY KEY)`))
	require.NoError(t, fx.CreateTable(ctx, `CREATE TABLE encounter (
		id TEXT PRIMARY KEY, patient TEXT NOT NULL REFERENCES patient(id))`))

	engine := newTestEngine(t, fx,
		apply.TableSchema{"patient": {"id"}, "encounter": {"id"}},
		[]apply.ForeignKey{{Table: "encounter", RefTable: "patient"}})

	entry := changelog.Entry{
		TableName: "encounter", PKValue: json.RawMessage(`{"id":"e1"}`),
		Operation: changelog.OpInsert, Payload: json.RawMessage(`{"id":"e1","patient":"missing"}`),
		Origin: origin.New(), Timestamp: time.Now().UTC(), Version: 1,
	}

	result, err := engine.Apply(ctx, []changelog.Entry{entry})
	require.NoError(t, err)
	require.EqualValues(t, 0, result.Applied)
	require.Len(t, result.Unresolved, 1)
	require.Equal(t, "encounter", result.Unresolved[0].Entry.TableName)
}

// TestApplySkipsWhenLocalWriteWonConflict exercises spec section 4.6:
// a local write on the target table, newer than the incoming entry,
// is not overwritten.
func TestApplySkipsWhenLocalWriteWonConflict(t *testing.T) {
	fx, cleanup, err := testutil.NewFixture()
	require.NoError(t, err)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, fx.CreateTable(ctx, `CREATE TABLE customer (customer_id TEXT PRIMARY KEY, name TEXT)`))
	engine := newTestEngine(t, fx, apply.TableSchema{"customer": {"customer_id"}}, nil)
	engine.ConflictLog = fx.Repo

	// Simulate a genuine local write landing in the log after the
	// target row was created directly on this node.
	_, err = fx.DB.ExecContext(ctx, `INSERT INTO customer (customer_id, name) VALUES ('u1', 'Local Name')`)
	require.NoError(t, err)
	localTS := time.Now().UTC()
	_, err = fx.Repo.Append(ctx, changelog.Entry{
		TableName: "customer", PKValue: json.RawMessage(`{"customer_id":"u1"}`),
		Operation: changelog.OpUpdate, Payload: json.RawMessage(`{"customer_id":"u1","name":"Local Name"}`),
		Origin: fx.OriginID, Timestamp: localTS,
	})
	require.NoError(t, err)

	// Incoming remote entry is older than the local write, so it
	// should lose the conflict and the local name must survive.
	remote := changelog.Entry{
		TableName: "customer", PKValue: json.RawMessage(`{"customer_id":"u1"}`),
		Operation: changelog.OpUpdate, Payload: json.RawMessage(`{"customer_id":"u1","name":"Remote Name"}`),
		Origin: origin.New(), Timestamp: localTS.Add(-time.Hour),
	}
	_, err = engine.Apply(ctx, []changelog.Entry{remote})
	require.NoError(t, err)

	var name string
	require.NoError(t, fx.DB.QueryRowContext(ctx, `SELECT name FROM customer WHERE customer_id = 'u1'`).Scan(&name))
	require.Equal(t, "Local Name", name)
}

func TestApplyServerWinsOverridesLocalConflict(t *testing.T) {
	fx, cleanup, err := testutil.NewFixture()
	require.NoError(t, err)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, fx.CreateTable(ctx, `CREATE TABLE customer (customer_id TEXT PRIMARY KEY, name TEXT)`))
	engine := newTestEngine(t, fx, apply.TableSchema{"customer": {"customer_id"}}, nil)
	engine.ConflictLog = fx.Repo
	engine.ServerWinsTables = map[string]bool{"customer": true}

	_, err = fx.DB.ExecContext(ctx, `INSERT INTO customer (customer_id, name) VALUES ('u1', 'Local Name')`)
	require.NoError(t, err)
	localTS := time.Now().UTC()
	_, err = fx.Repo.Append(ctx, changelog.Entry{
		TableName: "customer", PKValue: json.RawMessage(`{"customer_id":"u1"}`),
		Operation: changelog.OpUpdate, Payload: json.RawMessage(`{"customer_id":"u1","name":"Local Name"}`),
		Origin: fx.OriginID, Timestamp: localTS,
	})
	require.NoError(t, err)

	remote := changelog.Entry{
		TableName: "customer", PKValue: json.RawMessage(`{"customer_id":"u1"}`),
		Operation: changelog.OpUpdate, Payload: json.RawMessage(`{"customer_id":"u1","name":"Remote Name"}`),
		Origin: origin.New(), Timestamp: localTS.Add(-time.Hour),
	}
	_, err = engine.Apply(ctx, []changelog.Entry{remote})
	require.NoError(t, err)

	var name string
	require.NoError(t, fx.DB.QueryRowContext(ctx, `SELECT name FROM customer WHERE customer_id = 'u1'`).Scan(&name))
	require.Equal(t, "Remote Name", name)
}

func TestApplyCollapsesDuplicateKeyToHighestVersion(t *testing.T) {
	fx, cleanup, err := testutil.NewFixture()
	require.NoError(t, err)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, fx.CreateTable(ctx, `CREATE TABLE customer (customer_id TEXT PRIMARY KEY, name TEXT)`))
	engine := newTestEngine(t, fx, apply.TableSchema{"customer": {"customer_id"}}, nil)

	older := changelog.Entry{
		TableName: "customer", PKValue: json.RawMessage(`{"customer_id":"u1"}`),
		Operation: changelog.OpInsert, Payload: json.RawMessage(`{"customer_id":"u1","name":"Old"}`),
		Origin: origin.New(), Timestamp: time.Now().UTC(), Version: 1,
	}
	newer := changelog.Entry{
		TableName: "customer", PKValue: json.RawMessage(`{"customer_id":"u1"}`),
		Operation: changelog.OpUpdate, Payload: json.RawMessage(`{"customer_id":"u1","name":"New"}`),
		Origin: origin.New(), Timestamp: time.Now().UTC(), Version: 2,
	}

	result, err := engine.Apply(ctx, []changelog.Entry{older, newer})
	require.NoError(t, err)
	require.EqualValues(t, 1, result.Applied)
	require.EqualValues(t, 2, result.HighestAppliedVersion)

	var name string
	require.NoError(t, fx.DB.QueryRowContext(ctx, `SELECT name FROM customer WHERE customer_id = 'u1'`).Scan(&name))
	require.Equal(t, "New", name)
}
