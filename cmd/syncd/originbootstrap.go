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

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/replistore/rowsync/internal/dialect"
	"github.com/replistore/rowsync/internal/origin"
)

// bootstrapOriginID loads the origin id persisted in sync_state by a
// prior run, or generates and persists a fresh one on first start, per
// origin.New's "called exactly once, at schema install time" contract.
func bootstrapOriginID(ctx context.Context, db *sql.DB, adapter dialect.Adapter) (origin.ID, error) {
	var existing string
	err := db.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = 'origin_id'`).Scan(&existing)
	switch {
	case err == nil:
		return origin.Parse(existing)
	case errors.Is(err, sql.ErrNoRows):
		id := origin.New()
		stmt := `INSERT INTO sync_state (key, value) VALUES ('origin_id', ` + adapter.Placeholder(1) + `)`
		if _, err := db.ExecContext(ctx, stmt, id.String()); err != nil {
			return origin.ID{}, errors.Wrap(err, "persisting origin id")
		}
		return id, nil
	default:
		return origin.ID{}, errors.Wrap(err, "loading origin id")
	}
}
