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

// Package trigger orchestrates installing change-capture triggers for
// a user table: discovering its columns, building a dialect.TriggerSpec,
// and delegating the dialect-specific DDL to a dialect.Adapter. Per
// spec section 4.3, matching the teacher's fmt.Sprintf-templated DDL
// constants in spirit (dialect.Adapter.InstallTrigger renders the
// templates; Generator supplies what to render).
package trigger

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/replistore/rowsync/internal/dialect"
)

// Generator installs and refreshes per-table change-capture triggers.
type Generator struct {
	db      *sql.DB
	adapter dialect.Adapter
}

// New constructs a Generator.
func New(db *sql.DB, adapter dialect.Adapter) *Generator {
	return &Generator{db: db, adapter: adapter}
}

// Install discovers table's columns and installs its insert/update/
// delete triggers. excluded columns are captured by neither the
// before nor after payload, per spec section 3.
func (g *Generator) Install(ctx context.Context, table string, excluded []string) error {
	pk, all, err := g.introspect(ctx, table)
	if err != nil {
		return errors.Wrapf(err, "introspecting table %q", table)
	}
	if len(pk) == 0 {
		return dialect.ErrUnsupportedSchema
	}

	pkSet := make(map[string]bool, len(pk))
	for _, c := range pk {
		pkSet[c] = true
	}
	var dataCols []string
	for _, c := range all {
		if !pkSet[c] {
			dataCols = append(dataCols, c)
		}
	}

	return g.adapter.InstallTrigger(ctx, g.db, dialect.TriggerSpec{
		Table:           table,
		PrimaryKeyCols:  pk,
		DataCols:        dataCols,
		ExcludedColumns: excluded,
	})
}

// introspect returns (primary-key columns, all columns) for table, in
// ordinal position order. SQLite has no information_schema, so the
// embedded dialect uses pragma_table_info instead.
func (g *Generator) introspect(ctx context.Context, table string) (pk []string, all []string, err error) {
	if g.adapter.Product() == dialect.ProductEmbedded {
		rows, err := g.db.QueryContext(ctx, `SELECT name, pk FROM pragma_table_info(?) ORDER BY cid`, table)
		if err != nil {
			return nil, nil, errors.Wrap(err, "querying sqlite table info")
		}
		defer rows.Close()
		for rows.Next() {
			var name string
			var pkOrdinal int
			if err := rows.Scan(&name, &pkOrdinal); err != nil {
				return nil, nil, err
			}
			all = append(all, name)
			if pkOrdinal > 0 {
				pk = append(pk, name)
			}
		}
		return pk, all, rows.Err()
	}

	colRows, err := g.db.QueryContext(ctx, `
		SELECT column_name FROM information_schema.columns
		WHERE table_name = `+g.adapter.Placeholder(1)+` ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, nil, errors.Wrap(err, "querying information_schema.columns")
	}
	defer colRows.Close()
	for colRows.Next() {
		var name string
		if err := colRows.Scan(&name); err != nil {
			return nil, nil, err
		}
		all = append(all, name)
	}
	if err := colRows.Err(); err != nil {
		return nil, nil, err
	}

	pkRows, err := g.db.QueryContext(ctx, `
		SELECT kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
		WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_name = `+g.adapter.Placeholder(1)+`
		ORDER BY kcu.ordinal_position`, table)
	if err != nil {
		return nil, nil, errors.Wrap(err, "querying primary key columns")
	}
	defer pkRows.Close()
	for pkRows.Next() {
		var name string
		if err := pkRows.Scan(&name); err != nil {
			return nil, nil, err
		}
		pk = append(pk, name)
	}
	return pk, all, pkRows.Err()
}
