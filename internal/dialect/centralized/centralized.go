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

// Package centralized implements the dialect.Adapter for a
// centralized, server-based store. The primary backend is
// PostgreSQL/CockroachDB via github.com/jackc/pgx/v5's database/sql
// driver (stdlib), matching the teacher's own pgx-based staging/target
// pool stack; a MySQL/MariaDB variant is also provided, grounded on
// the teacher's internal/util/stdpool/my.go.
package centralized

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql" // register "mysql" driver
	_ "github.com/jackc/pgx/v5/stdlib" // register "pgx" driver
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/replistore/rowsync/internal/dialect"
)

// Family distinguishes the two SQL backends this adapter can drive.
type Family int

const (
	FamilyPostgres Family = iota
	FamilyMySQL
)

// Adapter is the server-based dialect.Adapter. Suppression is a
// session-local setting read by the trigger body, matching spec
// section 4.1's requirement that suppression never be process-global.
type Adapter struct {
	family Family
}

var _ dialect.Adapter = (*Adapter)(nil)

// NewPostgres constructs a CockroachDB/PostgreSQL adapter.
func NewPostgres() *Adapter { return &Adapter{family: FamilyPostgres} }

// NewMySQL constructs a MySQL/MariaDB adapter.
func NewMySQL() *Adapter { return &Adapter{family: FamilyMySQL} }

// OpenPostgres opens a pgx-backed *sql.DB for the centralized dialect,
// pinging until the server is reachable, mirroring the retry loop in
// the teacher's stdpool.OpenMySQLAsTarget.
func OpenPostgres(ctx context.Context, connString string) (*sql.DB, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, errors.Wrap(err, "opening postgres connection")
	}
	db.SetMaxOpenConns(128)
	db.SetConnMaxLifetime(5 * time.Minute)
	return db, pingUntilReady(ctx, db)
}

// OpenMySQL opens a MySQL/MariaDB connection, adapted from the
// teacher's OpenMySQLAsTarget (url parsing, sql_mode=ansi so quoted
// identifiers behave the same way as the other dialects).
func OpenMySQL(ctx context.Context, connectString string) (*sql.DB, error) {
	u, err := url.Parse(connectString)
	if err != nil {
		return nil, errors.Wrap(err, "parsing mysql connection string")
	}
	path := "/"
	if u.Path != "" {
		path = u.Path
	}
	dsn := fmt.Sprintf("%s@tcp(%s)%s?%s", u.User.String(), u.Host, path, "sql_mode=ansi")
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening mysql connection")
	}
	db.SetMaxOpenConns(128)
	db.SetConnMaxLifetime(5 * time.Minute)
	return db, pingUntilReady(ctx, db)
}

func pingUntilReady(ctx context.Context, db *sql.DB) error {
	for {
		if err := db.PingContext(ctx); err == nil {
			return nil
		}
		log.Info("waiting for database to become ready")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func (a *Adapter) Product() dialect.Product { return dialect.ProductCentralized }

func (a *Adapter) Placeholder(n int) string {
	if a.family == FamilyMySQL {
		return "?"
	}
	return fmt.Sprintf("$%d", n)
}

func (a *Adapter) QuoteIdent(name string) string {
	if a.family == FamilyMySQL {
		return "`" + strings.ReplaceAll(name, "`", "``") + "`"
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

const createSchemaPostgresSQL = `
CREATE TABLE IF NOT EXISTS sync_log (
	version         BIGINT PRIMARY KEY,
	table_name      TEXT NOT NULL,
	pk_value        TEXT NOT NULL,
	operation       SMALLINT NOT NULL,
	payload         TEXT,
	before_payload  TEXT,
	origin          TEXT NOT NULL,
	ts              TIMESTAMPTZ NOT NULL,
	row_hash        TEXT
);
CREATE INDEX IF NOT EXISTS sync_log_table_pk ON sync_log(table_name, pk_value);
CREATE SEQUENCE IF NOT EXISTS sync_log_version_seq;

CREATE TABLE IF NOT EXISTS sync_state (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_peer (
	peer_id       TEXT PRIMARY KEY,
	origin        TEXT,
	endpoint      TEXT NOT NULL,
	last_pulled   BIGINT NOT NULL DEFAULT 0,
	last_pushed   BIGINT NOT NULL DEFAULT 0,
	backoff_state TEXT
);
`

func (a *Adapter) CreateSchema(ctx context.Context, db dialect.Querier) error {
	for _, stmt := range strings.Split(createSchemaPostgresSQL, ";\n") {
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

// InstallTrigger installs a PL/pgSQL trigger function plus AFTER
// INSERT/UPDATE/DELETE triggers that call it, checking a session-local
// setting for suppression. Re-installation is idempotent via CREATE
// OR REPLACE FUNCTION / DROP TRIGGER IF EXISTS.
func (a *Adapter) InstallTrigger(ctx context.Context, db dialect.Querier, spec dialect.TriggerSpec) error {
	if len(spec.PrimaryKeyCols) == 0 {
		return dialect.ErrUnsupportedSchema
	}
	if a.family == FamilyMySQL {
		return a.installMySQLTriggers(ctx, db, spec)
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

	fnName := spec.Table + "_sync_fn"
	buildJSON := func(record string, cols []string) string {
		if len(cols) == 0 {
			return "'{}'::jsonb"
		}
		parts := make([]string, 0, len(cols))
		for _, c := range cols {
			parts = append(parts, fmt.Sprintf("'%s', %s.%s", c, record, c))
		}
		return "jsonb_build_object(" + strings.Join(parts, ", ") + ")"
	}
	pkJSON := buildJSON("NEW", spec.PrimaryKeyCols)
	pkJSONOld := buildJSON("OLD", spec.PrimaryKeyCols)
	payloadJSON := buildJSON("NEW", allCols)

	fn := fmt.Sprintf(`
CREATE OR REPLACE FUNCTION %s() RETURNS TRIGGER AS $$
BEGIN
	IF current_setting('cdc_sync.suppress', true) = 'on' THEN
		RETURN NULL;
	END IF;
	IF TG_OP = 'DELETE' THEN
		INSERT INTO sync_log (version, table_name, pk_value, operation, payload, before_payload, origin, ts, row_hash)
		VALUES (nextval('sync_log_version_seq'), '%s', %s::text, 2, NULL, NULL,
			(SELECT value FROM sync_state WHERE key = 'origin_id'), clock_timestamp(), NULL);
		RETURN OLD;
	ELSIF TG_OP = 'UPDATE' THEN
		INSERT INTO sync_log (version, table_name, pk_value, operation, payload, before_payload, origin, ts, row_hash)
		VALUES (nextval('sync_log_version_seq'), '%s', %s::text, 1, %s::text, %s::text,
			(SELECT value FROM sync_state WHERE key = 'origin_id'), clock_timestamp(), NULL);
		RETURN NEW;
	ELSE
		INSERT INTO sync_log (version, table_name, pk_value, operation, payload, before_payload, origin, ts, row_hash)
		VALUES (nextval('sync_log_version_seq'), '%s', %s::text, 0, %s::text, NULL,
			(SELECT value FROM sync_state WHERE key = 'origin_id'), clock_timestamp(), NULL);
		RETURN NEW;
	END IF;
END;
$$ LANGUAGE plpgsql;`,
		fnName,
		spec.Table, pkJSONOld,
		spec.Table, pkJSON, payloadJSON, buildJSON("OLD", allCols),
		spec.Table, pkJSON, payloadJSON,
	)
	if _, err := db.ExecContext(ctx, fn); err != nil {
		return errors.Wrap(err, "installing trigger function")
	}

	for _, trig := range []struct{ suffix, event string }{
		{"ins", "INSERT"}, {"upd", "UPDATE"}, {"del", "DELETE"},
	} {
		name := fmt.Sprintf("%s_sync_%s", spec.Table, trig.suffix)
		if _, err := db.ExecContext(ctx, fmt.Sprintf(`DROP TRIGGER IF EXISTS %s ON %s`, name, spec.Table)); err != nil {
			return errors.Wrapf(err, "dropping existing trigger %s", name)
		}
		stmt := fmt.Sprintf(`CREATE TRIGGER %s AFTER %s ON %s FOR EACH ROW EXECUTE FUNCTION %s()`,
			name, trig.event, spec.Table, fnName)
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "installing trigger %s", name)
		}
	}
	return nil
}

// installMySQLTriggers mirrors the PostgreSQL trigger install using
// MySQL's JSON_OBJECT() and a session variable instead of a GUC.
func (a *Adapter) installMySQLTriggers(ctx context.Context, db dialect.Querier, spec dialect.TriggerSpec) error {
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

	buildJSON := func(record string, cols []string) string {
		if len(cols) == 0 {
			return "'{}'"
		}
		parts := make([]string, 0, len(cols)*2)
		for _, c := range cols {
			parts = append(parts, fmt.Sprintf("'%s'", c), record+"."+c)
		}
		return "JSON_OBJECT(" + strings.Join(parts, ", ") + ")"
	}

	specs := []struct {
		suffix, event, opCode, pk, payload, before string
	}{
		{"ins", "INSERT", "0", buildJSON("NEW", spec.PrimaryKeyCols), buildJSON("NEW", allCols), "NULL"},
		{"upd", "UPDATE", "1", buildJSON("NEW", spec.PrimaryKeyCols), buildJSON("NEW", allCols), buildJSON("OLD", allCols)},
		{"del", "DELETE", "2", buildJSON("OLD", spec.PrimaryKeyCols), "NULL", "NULL"},
	}
	for _, s := range specs {
		name := fmt.Sprintf("%s_sync_%s", spec.Table, s.suffix)
		if _, err := db.ExecContext(ctx, fmt.Sprintf(`DROP TRIGGER IF EXISTS %s`, name)); err != nil {
			return errors.Wrapf(err, "dropping existing trigger %s", name)
		}
		stmt := fmt.Sprintf(`
CREATE TRIGGER %s AFTER %s ON %s FOR EACH ROW
BEGIN
	IF @cdc_sync_suppress IS NULL OR @cdc_sync_suppress = 0 THEN
		INSERT INTO sync_log (version, table_name, pk_value, operation, payload, before_payload, origin, ts, row_hash)
		SELECT COALESCE(MAX(version), 0) + 1, '%s', %s, %s, %s, %s,
			(SELECT value FROM sync_state WHERE `+"`key`"+` = 'origin_id'), NOW(6), NULL FROM sync_log;
	END IF;
END`, name, s.event, spec.Table, spec.Table, s.pk, s.opCode, s.payload, s.before)
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "installing trigger %s", name)
		}
	}
	return nil
}

// Upsert writes a row using PostgreSQL's INSERT ... ON CONFLICT or
// MySQL's INSERT ... ON DUPLICATE KEY UPDATE.
func (a *Adapter) Upsert(ctx context.Context, db dialect.Querier, table string, pkCols []string, columns map[string]any) error {
	names := make([]string, 0, len(columns))
	for name := range columns {
		names = append(names, name)
	}

	var insertCols, placeholders []string
	args := make([]any, 0, len(names))
	for i, name := range names {
		insertCols = append(insertCols, a.QuoteIdent(name))
		placeholders = append(placeholders, a.Placeholder(i+1))
		args = append(args, columns[name])
	}

	var stmt string
	if a.family == FamilyMySQL {
		var updates []string
		for _, name := range names {
			if !isPKColumn(name, pkCols) {
				updates = append(updates, fmt.Sprintf("%s = VALUES(%s)", a.QuoteIdent(name), a.QuoteIdent(name)))
			}
		}
		stmt = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s",
			a.QuoteIdent(table), strings.Join(insertCols, ", "), strings.Join(placeholders, ", "), strings.Join(updates, ", "))
	} else {
		var updates []string
		for _, name := range names {
			if !isPKColumn(name, pkCols) {
				updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", a.QuoteIdent(name), a.QuoteIdent(name)))
			}
		}
		quotedPK := make([]string, len(pkCols))
		for i, pk := range pkCols {
			quotedPK[i] = a.QuoteIdent(pk)
		}
		conflictAction := "DO NOTHING"
		if len(updates) > 0 {
			conflictAction = "DO UPDATE SET " + strings.Join(updates, ", ")
		}
		stmt = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) %s",
			a.QuoteIdent(table), strings.Join(insertCols, ", "), strings.Join(placeholders, ", "),
			strings.Join(quotedPK, ", "), conflictAction)
	}

	_, err := db.ExecContext(ctx, stmt, args...)
	return errors.Wrap(err, "upserting row")
}

func isPKColumn(name string, pkCols []string) bool {
	for _, pk := range pkCols {
		if pk == name {
			return true
		}
	}
	return false
}

func (a *Adapter) Delete(ctx context.Context, db dialect.Querier, table string, pkCols []string, pkValues []any) error {
	conds := make([]string, len(pkCols))
	for i, pk := range pkCols {
		conds[i] = fmt.Sprintf("%s = %s", a.QuoteIdent(pk), a.Placeholder(i+1))
	}
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s", a.QuoteIdent(table), strings.Join(conds, " AND "))
	_, err := db.ExecContext(ctx, stmt, pkValues...)
	return errors.Wrap(err, "deleting row")
}

// NextVersion reads a database sequence in the same transaction,
// per spec section 4.1. MySQL has no sequence here and uses
// max(version)+1 from sync_log instead.
func (a *Adapter) NextVersion(ctx context.Context, db dialect.Querier) (int64, error) {
	if a.family == FamilyMySQL {
		var next int64
		err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) + 1 FROM sync_log`).Scan(&next)
		return next, errors.Wrap(err, "allocating next version")
	}
	var next int64
	err := db.QueryRowContext(ctx, `SELECT nextval('sync_log_version_seq')`).Scan(&next)
	return next, errors.Wrap(err, "allocating next version")
}

// BeginSuppression sets a session-level flag. PostgreSQL uses a plain
// SET of cdc_sync.suppress (not SET LOCAL), which EndSuppression turns
// off again; MySQL uses a user-defined session variable. Both are
// scoped to the single underlying connection.
func (a *Adapter) BeginSuppression(ctx context.Context, db dialect.Querier) error {
	var stmt string
	if a.family == FamilyMySQL {
		stmt = `SET @cdc_sync_suppress = 1`
	} else {
		stmt = `SET cdc_sync.suppress = 'on'`
	}
	_, err := db.ExecContext(ctx, stmt)
	return errors.Wrap(err, "beginning suppression")
}

func (a *Adapter) EndSuppression(ctx context.Context, db dialect.Querier) error {
	var stmt string
	if a.family == FamilyMySQL {
		stmt = `SET @cdc_sync_suppress = 0`
	} else {
		stmt = `SET cdc_sync.suppress = 'off'`
	}
	_, err := db.ExecContext(ctx, stmt)
	return errors.Wrap(err, "ending suppression")
}
