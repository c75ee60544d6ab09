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

// Package apply implements the apply engine: writing incoming change
// log entries to a target database in an order that respects
// foreign-key dependencies, collapsing redundant writes to the same
// row, and retrying rows that arrive before the row they depend on,
// per spec section 4.5. Grounded on the teacher's applier.go batch
// dispatch loop and msort.UniqueByKey collapsing.
package apply

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/replistore/rowsync/internal/changelog"
	"github.com/replistore/rowsync/internal/conflict"
	"github.com/replistore/rowsync/internal/diag"
	"github.com/replistore/rowsync/internal/dialect"
)

// DefaultMaxRetries bounds how many additional passes a row that hits
// a foreign-key violation gets before it is surfaced as an unresolved
// dependency, per spec section 4.5.
const DefaultMaxRetries = 3

// TableSchema supplies the primary-key columns for every table the
// apply engine may write to. The apply engine has no independent way
// to discover this from the change log entries alone, since an
// entry's canonical PK object names columns by JSON key with no fixed
// ordering; the ordering of pkCols passed to Adapter.Delete matters
// for dialects that build positional WHERE clauses.
type TableSchema map[string][]string

// Result summarizes one Apply call.
type Result struct {
	Applied             int64
	Unresolved          []UnresolvedDependency
	HighestAppliedVersion int64
}

// UnresolvedDependency names a row that could not be applied after
// exhausting its retry budget, typically because the row it
// references was never included in this batch (e.g. it belongs to a
// peer the coordinator hasn't pulled from yet).
type UnresolvedDependency struct {
	Entry changelog.Entry
	Cause error
}

// SchemaSource supplies a live view of table primary-key columns,
// refreshed out of band (see internal/schemawatch). When set, Apply
// consults it instead of the static schema passed to NewEngine, so a
// newly added table is picked up without restarting the process.
type SchemaSource interface {
	Schema() TableSchema
}

// ForeignKeySource supplies a live view of declared foreign keys,
// refreshed out of band (see internal/schemawatch). When set, Apply
// consults it instead of the static list passed to NewEngine, so a
// newly added constraint affects apply ordering without a restart.
type ForeignKeySource interface {
	ForeignKeys() []ForeignKey
}

// DeadLetterQueue durably records entries the apply engine exhausted
// its retry budget on, per the dead-letter-queue supplemented feature.
// Satisfied by *dlq.Queue; declared here rather than imported to keep
// apply independent of dlq's storage schema.
type DeadLetterQueue interface {
	Enqueue(ctx context.Context, entry changelog.Entry, reason error) error
}

// Engine applies mapped change log entries to a target database.
type Engine struct {
	adapter     dialect.Adapter
	db          *sql.DB
	schema      TableSchema
	foreignKeys []ForeignKey
	maxRetries  int

	// DeadLetter, if set, receives every entry Apply gives up on after
	// exhausting maxRetries.
	DeadLetter DeadLetterQueue

	// SchemaWatcher, if set, overrides the static schema passed to
	// NewEngine with a live-refreshed one.
	SchemaWatcher SchemaSource

	// ForeignKeySource, if set, overrides the static foreign keys passed
	// to NewEngine with a live-refreshed list.
	ForeignKeySource ForeignKeySource

	// ConflictLog, if set, is consulted before every insert/update/delete
	// to detect a local write racing the one about to be applied, per
	// spec section 4.6. Because Apply holds suppression for the whole
	// batch, any entry ConflictLog turns up for (table, pk) can only be
	// a genuine local write, never an echo of a previous apply.
	ConflictLog *changelog.Repository

	// ServerWinsTables names target tables whose mapping declared
	// ServerWins: for these, the incoming entry always wins a conflict
	// regardless of timestamp (spec section 4.6).
	ServerWinsTables map[string]bool

	// Diagnostics, if set, receives conflict and hash-mismatch reports
	// so an operator can reconcile them via the HTTP diagnostics
	// surface (spec section 4.6).
	Diagnostics *diag.Diagnostics
}

func (e *Engine) currentSchema() TableSchema {
	if e.SchemaWatcher != nil {
		if live := e.SchemaWatcher.Schema(); len(live) > 0 {
			return live
		}
	}
	return e.schema
}

func (e *Engine) currentForeignKeys() []ForeignKey {
	if e.ForeignKeySource != nil {
		if live := e.ForeignKeySource.ForeignKeys(); live != nil {
			return live
		}
	}
	return e.foreignKeys
}

// NewEngine constructs an apply Engine. maxRetries <= 0 defaults to
// DefaultMaxRetries.
func NewEngine(adapter dialect.Adapter, db *sql.DB, schema TableSchema, fks []ForeignKey, maxRetries int) *Engine {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Engine{adapter: adapter, db: db, schema: schema, foreignKeys: fks, maxRetries: maxRetries}
}

type pending struct {
	entry   changelog.Entry
	retries int
}

// Apply writes entries to the target database, per spec section 4.5:
//   - entries sharing a (table, pk) collapse to the highest-Version one
//   - tables are applied in foreign-key dependency order
//   - within a table, rows apply in ascending Version order
//   - a row that fails on a foreign-key violation is retried, up to
//     maxRetries, after the rest of the batch has had a chance to
//     create the row it depends on
//
// Suppression is held for the whole call so that these writes do not
// re-enter this database's own change log.
func (e *Engine) Apply(ctx context.Context, entries []changelog.Entry) (Result, error) {
	if len(entries) == 0 {
		return Result{}, nil
	}

	collapsed := uniqueByKey(append([]changelog.Entry(nil), entries...))

	tableSet := map[string]bool{}
	for _, en := range collapsed {
		tableSet[en.TableName] = true
	}
	tables := make([]string, 0, len(tableSet))
	for t := range tableSet {
		tables = append(tables, t)
	}
	order := topoSortTables(tables, e.currentForeignKeys())

	byTable := map[string][]changelog.Entry{}
	for _, en := range collapsed {
		byTable[en.TableName] = append(byTable[en.TableName], en)
	}
	for _, rows := range byTable {
		sort.Slice(rows, func(i, j int) bool { return rows[i].Version < rows[j].Version })
	}

	conn, err := e.db.Conn(ctx)
	if err != nil {
		return Result{}, errors.Wrap(err, "acquiring connection for apply")
	}
	defer conn.Close()

	// The whole batch runs inside one write transaction, per spec
	// section 4.5: a failure partway through - a non-foreign-key
	// error, or a context cancellation - must leave no partial writes
	// behind, so everything from BeginSuppression through the last
	// upsert/delete shares this tx and is rolled back together.
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, errors.Wrap(err, "beginning apply transaction")
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			log.WithError(err).Warn("failed to roll back apply transaction")
		}
	}()

	if err := e.adapter.BeginSuppression(ctx, tx); err != nil {
		return Result{}, err
	}

	var result Result
	var retryQueue []pending

	for _, table := range order {
		for _, en := range byTable[table] {
			if err := e.applyOne(ctx, tx, en); err != nil {
				if dialect.IsForeignKeyViolation(err) {
					retryQueue = append(retryQueue, pending{entry: en})
					continue
				}
				return result, errors.Wrapf(err, "applying change for table %q", table)
			}
			result.Applied++
			if en.Version > result.HighestAppliedVersion {
				result.HighestAppliedVersion = en.Version
			}
		}
	}

	for attempt := 0; attempt < e.maxRetries && len(retryQueue) > 0; attempt++ {
		var next []pending
		for _, p := range retryQueue {
			if err := e.applyOne(ctx, tx, p.entry); err != nil {
				if dialect.IsForeignKeyViolation(err) && p.retries+1 < e.maxRetries {
					next = append(next, pending{entry: p.entry, retries: p.retries + 1})
					continue
				}
				result.Unresolved = append(result.Unresolved, UnresolvedDependency{Entry: p.entry, Cause: err})
				if e.DeadLetter != nil {
					if dlqErr := e.DeadLetter.Enqueue(ctx, p.entry, err); dlqErr != nil {
						log.WithError(dlqErr).Warn("failed to enqueue unresolved entry to dead-letter queue")
					}
				}
				continue
			}
			result.Applied++
			if p.entry.Version > result.HighestAppliedVersion {
				result.HighestAppliedVersion = p.entry.Version
			}
		}
		retryQueue = next
	}
	for _, p := range retryQueue {
		cause := errors.Errorf("exhausted %d retries waiting on foreign-key dependency", e.maxRetries)
		result.Unresolved = append(result.Unresolved, UnresolvedDependency{Entry: p.entry, Cause: cause})
		if e.DeadLetter != nil {
			if err := e.DeadLetter.Enqueue(ctx, p.entry, cause); err != nil {
				log.WithError(err).Warn("failed to enqueue unresolved entry to dead-letter queue")
			}
		}
	}

	if err := e.adapter.EndSuppression(ctx, tx); err != nil {
		return result, err
	}
	if err := tx.Commit(); err != nil {
		return result, errors.Wrap(err, "committing apply batch")
	}
	committed = true

	return result, nil
}

func (e *Engine) applyOne(ctx context.Context, db dialect.Querier, en changelog.Entry) error {
	winner, err := e.resolveConflict(ctx, en)
	if err != nil {
		return err
	}
	if winner.skip {
		return nil
	}
	en = winner.entry

	pkCols := e.currentSchema()[en.TableName]
	if en.IsDelete() {
		pkValues, err := pkValuesInOrder(en.PKValue, pkCols)
		if err != nil {
			return err
		}
		return e.adapter.Delete(ctx, db, en.TableName, pkCols, pkValues)
	}

	var columns map[string]any
	if len(en.Payload) > 0 {
		if err := json.Unmarshal(en.Payload, &columns); err != nil {
			return errors.Wrap(err, "decoding entry payload")
		}
	}
	if columns == nil {
		columns = map[string]any{}
	}
	var pkColumns map[string]any
	if err := json.Unmarshal(en.PKValue, &pkColumns); err != nil {
		return errors.Wrap(err, "decoding primary key")
	}
	for col, v := range pkColumns {
		columns[col] = v
	}
	if err := e.adapter.Upsert(ctx, db, en.TableName, pkCols, columns); err != nil {
		return err
	}
	conflict.VerifyHash(en.TableName, en.PKValue, columns, en.RowHash, e.Diagnostics)
	return nil
}

type conflictOutcome struct {
	entry changelog.Entry
	skip  bool
}

// resolveConflict checks whether a genuinely local write raced the
// incoming entry for the same (table, pk), per spec section 4.6, and
// if so applies the deterministic (timestamp, origin) rule - or the
// mapping's declared ServerWins override - to decide which side wins.
// When no local entry exists for the key, incoming always proceeds.
func (e *Engine) resolveConflict(ctx context.Context, incoming changelog.Entry) (conflictOutcome, error) {
	if e.ConflictLog == nil {
		return conflictOutcome{entry: incoming}, nil
	}
	local, found, err := e.ConflictLog.FindLatest(ctx, incoming.TableName, incoming.PKValue)
	if err != nil {
		return conflictOutcome{}, errors.Wrap(err, "checking for local conflict")
	}
	if !found {
		return conflictOutcome{entry: incoming}, nil
	}

	serverWins := e.ServerWinsTables[incoming.TableName]
	winner := conflict.Resolve(local, incoming, serverWins)
	if winner.Origin == local.Origin {
		if e.Diagnostics != nil {
			e.Diagnostics.Report("conflict on table " + incoming.TableName + ": local write wins over incoming change")
		}
		return conflictOutcome{skip: true}, nil
	}
	return conflictOutcome{entry: incoming}, nil
}

// pkValuesInOrder decodes a canonical PK JSON object into a slice
// ordered to match pkCols, as required by Adapter.Delete's positional
// WHERE clause construction.
func pkValuesInOrder(pkValue json.RawMessage, pkCols []string) ([]any, error) {
	var obj map[string]any
	if err := json.Unmarshal(pkValue, &obj); err != nil {
		return nil, errors.Wrap(err, "decoding primary key")
	}
	values := make([]any, len(pkCols))
	for i, col := range pkCols {
		values[i] = obj[col]
	}
	return values, nil
}
