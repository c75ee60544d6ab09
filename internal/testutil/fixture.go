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

// Package testutil provides a sqlite-backed fixture for exercising the
// changelog, apply, and trigger packages against a real database
// without a network dependency, grounded on the teacher's
// internal/sinktest fixture pattern (NewFixture returning a value plus
// a cleanup func) but built directly against this module's own types.
package testutil

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/replistore/rowsync/internal/changelog"
	"github.com/replistore/rowsync/internal/dialect"
	"github.com/replistore/rowsync/internal/dialect/embedded"
	"github.com/replistore/rowsync/internal/origin"
	"github.com/replistore/rowsync/internal/trigger"
)

// Fixture bundles a disposable in-memory database with the collaborators
// most package tests need, already schema-installed and origin-tagged.
type Fixture struct {
	DB       *sql.DB
	Adapter  dialect.Adapter
	Repo     *changelog.Repository
	Triggers *trigger.Generator
	OriginID origin.ID
}

// NewFixture opens a fresh in-memory SQLite database, installs the
// sync schema, and tags it with a random origin id. Callers must
// invoke the returned cleanup func when done.
func NewFixture() (*Fixture, func(), error) {
	db, err := embedded.Open(":memory:")
	if err != nil {
		return nil, nil, errors.Wrap(err, "opening fixture database")
	}

	adapter := embedded.New()
	ctx := context.Background()
	if err := adapter.CreateSchema(ctx, db); err != nil {
		db.Close()
		return nil, nil, errors.Wrap(err, "installing fixture schema")
	}

	id := origin.New()
	if _, err := db.ExecContext(ctx,
		`INSERT INTO sync_state (key, value) VALUES ('origin_id', ?)`, id.String()); err != nil {
		db.Close()
		return nil, nil, errors.Wrap(err, "tagging fixture origin")
	}

	f := &Fixture{
		DB:       db,
		Adapter:  adapter,
		Repo:     changelog.NewRepository(db, adapter, changelog.DefaultBatchLimit),
		Triggers: trigger.New(db, adapter),
		OriginID: id,
	}
	return f, func() { db.Close() }, nil
}

// CreateTable executes arbitrary DDL against the fixture database, for
// tests that need a user table to capture changes from or apply to.
func (f *Fixture) CreateTable(ctx context.Context, ddl string) error {
	_, err := f.DB.ExecContext(ctx, ddl)
	return errors.Wrap(err, "creating fixture table")
}

// InstallTrigger is a thin pass-through to the fixture's trigger
// generator, saving callers an import.
func (f *Fixture) InstallTrigger(ctx context.Context, table string, excluded []string) error {
	return f.Triggers.Install(ctx, table, excluded)
}
