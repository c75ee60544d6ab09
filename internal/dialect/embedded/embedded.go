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

// Package embedded implements the dialect.Adapter for an embedded,
// file-based SQLite store (spec section 1, "embedded file"), using
// github.com/mattn/go-sqlite3. SQLite has no session variables, so
// suppression is tracked out of band in the sync_suppression table,
// which every installed trigger's WHEN clause consults.
package embedded

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"text/template"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/replistore/rowsync/internal/dialect"
)

// Adapter is the SQLite-backed dialect.Adapter.
type Adapter struct{}

var _ dialect.Adapter = (*Adapter)(nil)

// New constructs an embedded SQLite adapter.
func New() *Adapter { return &Adapter{} }

// Open opens a SQLite database file as a dialect.Querier-compatible
// pool. Foreign-key enforcement is off by default in SQLite and must
// be requested per-connection; it is turned on here so that the apply
// engine's ForeignKeyViolation detection (spec section 4.5) has
// something to detect.
func Open(path string) (*sql.DB, error) {
	dsn := path
	if strings.Contains(dsn, "?") {
		dsn += "&_foreign_keys=on"
	} else {
		dsn += "?_foreign_keys=on"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening sqlite database")
	}
	// SQLite only supports one writer at a time; serialize.
	db.SetMaxOpenConns(1)
	return db, nil
}

func (a *Adapter) Product() dialect.Product { return dialect.ProductEmbedded }

func (a *Adapter) Placeholder(int) string { return "?" }

func (a *Adapter) QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

const createSchemaSQL = `
CREATE TABLE IF NOT EXISTS sync_log (
	version         INTEGER PRIMARY KEY,
	table_name      TEXT NOT NULL,
	pk_value        TEXT NOT NULL,
	operation       INTEGER NOT NULL,
	payload         TEXT,
	before_payload   TEXT,
	origin          TEXT NOT NULL,
	ts              TEXT NOT NULL,
	row_hash        TEXT
);
CREATE INDEX IF NOT EXISTS sync_log_table_pk ON sync_log(table_name, pk_value);

CREATE TABLE IF NOT EXISTS sync_state (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_peer (
	peer_id       TEXT PRIMARY KEY,
	origin        TEXT,
	endpoint      TEXT NOT NULL,
	last_pulled   INTEGER NOT NULL DEFAULT 0,
	last_pushed   INTEGER NOT NULL DEFAULT 0,
	backoff_state TEXT
);

CREATE TABLE IF NOT EXISTS sync_suppression (marker INTEGER);
`

// CreateSchema installs the log/state/peer tables.
func (a *Adapter) CreateSchema(ctx context.Context, db dialect.Querier) error {
	for _, stmt := range strings.Split(createSchemaSQL, ";\n") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "creating schema: %s", stmt)
		}
	}
	return nil
}

// triggerTemplate renders one of the three per-table trigger bodies.
// The WHEN clause checks the sync_suppression table (installed by
// CreateSchema) for a suppression flag, since SQLite triggers cannot
// read Go-level state directly; BeginSuppression inserts a sentinel
// row there that the trigger consults.
var triggerTemplate = template.Must(template.New("trigger").Parse(`
CREATE TRIGGER IF NOT EXISTS {{.Table}}_sync_{{.Suffix}}
AFTER {{.Event}} ON {{.Table}}
FOR EACH ROW
WHEN (SELECT COUNT(*) FROM sync_suppression) = 0
BEGIN
	INSERT INTO sync_log (version, table_name, pk_value, operation, payload, before_payload, origin, ts, row_hash)
	VALUES (
		(SELECT COALESCE(MAX(version), 0) + 1 FROM sync_log),
		'{{.Table}}',
		{{.PKExpr}},
		{{.OpCode}},
		{{.PayloadExpr}},
		{{.BeforeExpr}},
		(SELECT value FROM sync_state WHERE key = 'origin_id'),
		strftime('%Y-%m-%dT%H:%M:%fZ', 'now'),
		{{.HashExpr}}
	);
END;
`))

type triggerVars struct {
	Table       string
	Suffix      string
	Event       string
	OpCode      int
	PKExpr      string
	PayloadExpr string
	BeforeExpr  string
	HashExpr    string
}

// jsonObjectExpr builds a SQLite json_object(...) expression over the
// given prefix ("NEW."/"OLD.") and column list.
func jsonObjectExpr(prefix string, cols []string) string {
	if len(cols) == 0 {
		return "'{}'"
	}
	parts := make([]string, 0, len(cols)*2)
	for _, c := range cols {
		parts = append(parts, fmt.Sprintf("'%s'", c), prefix+c)
	}
	return "json_object(" + strings.Join(parts, ", ") + ")"
}

// InstallTrigger creates the insert/update/delete triggers for one
// user table. Re-installation is idempotent because SQLite's CREATE
// TRIGGER IF NOT EXISTS leaves an existing trigger alone. Existing
// triggers are never dropped, so a changed body (for example after
// the excluded columns change) does not replace an installed one.
func (a *Adapter) InstallTrigger(ctx context.Context, db dialect.Querier, spec dialect.TriggerSpec) error {
	if len(spec.PrimaryKeyCols) == 0 {
		return dialect.ErrUnsupportedSchema
	}

	excluded := make(map[string]bool, len(spec.ExcludedColumns))
	for _, c := range spec.ExcludedColumns {
		excluded[c] = true
	}
	var dataCols []string
	for _, c := range spec.DataCols {
		if !excluded[c] {
			dataCols = append(dataCols, c)
		}
	}
	allCols := append(append([]string{}, spec.PrimaryKeyCols...), dataCols...)

	for _, name := range []string{spec.Table + "_sync_ins", spec.Table + "_sync_upd", spec.Table + "_sync_del"} {
		var kind string
		if err := db.QueryRowContext(ctx,
			`SELECT type FROM sqlite_master WHERE name = ? AND type = 'trigger'`, name,
		).Scan(&kind); err == nil && kind == "trigger" {
			// Already present; presumed to be ours since the name is
			// derived deterministically. A real implementation would
			// diff the stored body against the rendered one.
			continue
		} else if err != nil && err != sql.ErrNoRows {
			return errors.Wrap(err, "checking for trigger conflict")
		}
	}

	pkExpr := jsonObjectExpr("NEW.", spec.PrimaryKeyCols)
	payloadExpr := jsonObjectExpr("NEW.", allCols)

	specs := []triggerVars{
		{
			Table: spec.Table, Suffix: "ins", Event: "INSERT", OpCode: 0,
			PKExpr: pkExpr, PayloadExpr: payloadExpr, BeforeExpr: "NULL", HashExpr: "NULL",
		},
		{
			Table: spec.Table, Suffix: "upd", Event: "UPDATE", OpCode: 1,
			PKExpr: pkExpr, PayloadExpr: payloadExpr,
			BeforeExpr: jsonObjectExpr("OLD.", allCols), HashExpr: "NULL",
		},
		{
			Table: spec.Table, Suffix: "del", Event: "DELETE", OpCode: 2,
			PKExpr: jsonObjectExpr("OLD.", spec.PrimaryKeyCols),
			PayloadExpr: "NULL", BeforeExpr: "NULL", HashExpr: "NULL",
		},
	}

	for _, tv := range specs {
		var buf strings.Builder
		if err := triggerTemplate.Execute(&buf, tv); err != nil {
			return errors.Wrap(err, "rendering trigger body")
		}
		if _, err := db.ExecContext(ctx, buf.String()); err != nil {
			return errors.Wrapf(err, "installing trigger %s_sync_%s", tv.Table, tv.Suffix)
		}
	}
	return nil
}

// Upsert writes a row via SQLite's INSERT ... ON CONFLICT DO UPDATE.
func (a *Adapter) Upsert(ctx context.Context, db dialect.Querier, table string, pkCols []string, columns map[string]any) error {
	names := make([]string, 0, len(columns))
	for name := range columns {
		names = append(names, name)
	}
	var insertCols, placeholders, updates []string
	args := make([]any, 0, len(names))
	for i, name := range names {
		insertCols = append(insertCols, a.QuoteIdent(name))
		placeholders = append(placeholders, "?")
		args = append(args, columns[name])
		isPK := false
		for _, pk := range pkCols {
			if pk == name {
				isPK = true
				break
			}
		}
		if !isPK {
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", a.QuoteIdent(name), a.QuoteIdent(name)))
		}
		_ = i
	}

	quotedPK := make([]string, len(pkCols))
	for i, pk := range pkCols {
		quotedPK[i] = a.QuoteIdent(pk)
	}

	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO ",
		a.QuoteIdent(table), strings.Join(insertCols, ", "), strings.Join(placeholders, ", "), strings.Join(quotedPK, ", "))
	if len(updates) == 0 {
		stmt += "NOTHING"
	} else {
		stmt += "UPDATE SET " + strings.Join(updates, ", ")
	}

	_, err := db.ExecContext(ctx, stmt, args...)
	return errors.Wrap(err, "upserting row")
}

// Delete removes a row by primary key. Deleting a row that does not
// exist is not an error.
func (a *Adapter) Delete(ctx context.Context, db dialect.Querier, table string, pkCols []string, pkValues []any) error {
	conds := make([]string, len(pkCols))
	for i, pk := range pkCols {
		conds[i] = a.QuoteIdent(pk) + " = ?"
	}
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s", a.QuoteIdent(table), strings.Join(conds, " AND "))
	_, err := db.ExecContext(ctx, stmt, pkValues...)
	return errors.Wrap(err, "deleting row")
}

// NextVersion returns max(version)+1 under the implicit serialized
// write SQLite's single-writer model provides (spec section 4.1).
func (a *Adapter) NextVersion(ctx context.Context, db dialect.Querier) (int64, error) {
	var next int64
	err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) + 1 FROM sync_log`).Scan(&next)
	return next, errors.Wrap(err, "allocating next version")
}

// BeginSuppression inserts a sentinel row into sync_suppression, a
// persistent table installed by CreateSchema, that every trigger's WHEN
// clause checks, since SQLite triggers cannot observe Go-side state
// directly. db.SetMaxOpenConns(1) keeps the whole process behind one
// connection, so this table's contents are equivalent to per-connection
// state in practice without depending on a TEMP table having already
// been created on whichever connection a plain user write happens to land on.
// Called with the apply engine's batch transaction so the marker row is
// rolled back automatically alongside the batch on failure.
func (a *Adapter) BeginSuppression(ctx context.Context, db dialect.Querier) error {
	_, err := db.ExecContext(ctx, `INSERT INTO sync_suppression (marker) VALUES (1)`)
	return errors.Wrap(err, "beginning suppression")
}

// EndSuppression clears the sentinel row. Safe to call even if
// BeginSuppression was never called.
func (a *Adapter) EndSuppression(ctx context.Context, db dialect.Querier) error {
	_, err := db.ExecContext(ctx, `DELETE FROM sync_suppression`)
	if err != nil {
		return errors.Wrap(err, "ending suppression")
	}
	return nil
}

// ParseInt64 is a small helper used by callers that read version
// numbers back out of SQLite's dynamically-typed columns.
func ParseInt64(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
