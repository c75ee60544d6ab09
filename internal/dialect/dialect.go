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

// Package dialect exposes the small set of function values that a
// concrete database backend must provide, per spec section 4.1 and
// DESIGN NOTES section 9 ("avoid deep class hierarchies; expose the
// adapter as a small set of function values"). Two concrete adapters
// ship: dialect/embedded (SQLite) and dialect/centralized
// (PostgreSQL/CockroachDB, with a MySQL variant).
package dialect

import (
	"context"
	"database/sql"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// Product enumerates the two dialect families this spec targets. The
// teacher's types.Product also carried ProductOracle; dropped here
// since no Oracle adapter is in scope (see DESIGN.md).
type Product int

const (
	ProductUnknown Product = iota
	ProductEmbedded
	ProductCentralized
)

func (p Product) String() string {
	switch p {
	case ProductEmbedded:
		return "embedded"
	case ProductCentralized:
		return "centralized"
	default:
		return "unknown"
	}
}

// Querier is implemented by *sql.DB, *sql.Tx, and *sql.Conn. Every
// dialect in this module is accessed through database/sql, including
// the centralized dialect's pgx driver (registered via
// jackc/pgx/v5/stdlib so the engine only needs one querier shape).
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var (
	_ Querier = (*sql.DB)(nil)
	_ Querier = (*sql.Tx)(nil)
	_ Querier = (*sql.Conn)(nil)
)

// ColumnSpec describes one user-table column that participates in
// change capture.
type ColumnSpec struct {
	Name    string
	Primary bool
}

// TriggerSpec names the table and columns a Trigger Generator install
// call targets (spec section 4.3).
type TriggerSpec struct {
	Table           string
	PrimaryKeyCols  []string
	DataCols        []string
	ExcludedColumns []string
}

// Sentinel error kinds from spec section 7.
var (
	ErrUnsupportedSchema = errors.New("dialect: table has no primary key")
	ErrTriggerConflict   = errors.New("dialect: trigger name collides with an existing non-sync trigger")
)

// IsUnsupportedSchema reports whether err (or a cause in its chain)
// is ErrUnsupportedSchema.
func IsUnsupportedSchema(err error) bool { return errors.Is(err, ErrUnsupportedSchema) }

// IsTriggerConflict reports whether err (or a cause in its chain) is
// ErrTriggerConflict.
func IsTriggerConflict(err error) bool { return errors.Is(err, ErrTriggerConflict) }

// IsForeignKeyViolation inspects the driver-specific error type
// returned by each of the three supported backends and reports
// whether it represents a foreign-key constraint violation, per spec
// section 4.5 ("apply failures due to missing foreign-key targets are
// retried, not fatal"). There is no portable database/sql error code,
// so each driver's native error type is checked directly.
func IsForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	var myErr *gomysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1452
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrConstraint &&
			(liteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey)
	}
	return false
}

// Adapter is the full set of dialect-specific operations the rest of
// the engine depends on. It deliberately exposes function-shaped
// methods rather than a deep type hierarchy.
type Adapter interface {
	// Product identifies which family this adapter implements.
	Product() Product

	// Placeholder renders the nth (1-based) bind-parameter placeholder
	// for this dialect's SQL dialect ("$1" vs "?").
	Placeholder(n int) string

	// QuoteIdent quotes a bare identifier for safe inclusion in DDL/DML.
	QuoteIdent(name string) string

	// CreateSchema installs the log, state, and peer tables.
	CreateSchema(ctx context.Context, db Querier) error

	// InstallTrigger installs the insert/update/delete triggers for a
	// user table, per spec section 4.3. Re-installation must be
	// idempotent.
	InstallTrigger(ctx context.Context, db Querier, spec TriggerSpec) error

	// Upsert writes a row by primary key, using a dialect-native
	// UPSERT/ON CONFLICT statement.
	Upsert(ctx context.Context, db Querier, table string, pkCols []string, columns map[string]any) error

	// Delete removes a row by primary key. Deleting an absent row is
	// not an error (idempotent apply, spec section 4.5).
	Delete(ctx context.Context, db Querier, table string, pkCols []string, pkValues []any) error

	// NextVersion allocates the next monotonic log version, atomic
	// within the enclosing write.
	NextVersion(ctx context.Context, db Querier) (int64, error)

	// BeginSuppression marks the connection underlying db - a *sql.Tx
	// the apply engine holds for the whole batch, or a bare *sql.Conn -
	// so that triggers fired by writes on it do not append to the
	// change log.
	BeginSuppression(ctx context.Context, db Querier) error

	// EndSuppression clears the suppression flag set by
	// BeginSuppression. Must be called on every exit path, before the
	// enclosing transaction (if any) commits.
	EndSuppression(ctx context.Context, db Querier) error
}
