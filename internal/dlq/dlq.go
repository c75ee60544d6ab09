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

// Package dlq gives entries that the apply engine could never place
// (UnresolvedDependency, spec.md section 4.5) a durable home instead
// of only logging them, so an operator can inspect and replay them
// later. Grounded on the teacher's internal/target/dlq package, which
// the retrieved wire_gen.go files reference but which was not itself
// among the retrieved files; generalized here from the teacher's
// source-table dead-letter shape to this module's mapped-entry shape.
package dlq

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/replistore/rowsync/internal/changelog"
	"github.com/replistore/rowsync/internal/dialect"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS sync_dlq (
	id           INTEGER PRIMARY KEY,
	table_name   TEXT NOT NULL,
	pk_value     TEXT NOT NULL,
	version      INTEGER NOT NULL,
	payload      TEXT,
	reason       TEXT NOT NULL,
	queued_at    TEXT NOT NULL
);
`

// Queue persists entries the apply engine gave up on.
type Queue struct {
	db      dialect.Querier
	adapter dialect.Adapter
}

// New constructs a Queue and ensures its backing table exists.
func New(ctx context.Context, db dialect.Querier, adapter dialect.Adapter) (*Queue, error) {
	if _, err := db.ExecContext(ctx, createTableSQL); err != nil {
		return nil, errors.Wrap(err, "creating dead-letter table")
	}
	return &Queue{db: db, adapter: adapter}, nil
}

// Enqueue records one unresolved entry with the reason it could not
// be applied.
func (q *Queue) Enqueue(ctx context.Context, entry changelog.Entry, reason error) error {
	var payload any
	if len(entry.Payload) > 0 {
		payload = string(entry.Payload)
	}
	stmt := fmt.Sprintf(
		`INSERT INTO sync_dlq (id, table_name, pk_value, version, payload, reason, queued_at) VALUES (%s, %s, %s, %s, %s, %s, %s)`,
		q.adapter.Placeholder(1), q.adapter.Placeholder(2), q.adapter.Placeholder(3),
		q.adapter.Placeholder(4), q.adapter.Placeholder(5), q.adapter.Placeholder(6), q.adapter.Placeholder(7),
	)
	_, err := q.db.ExecContext(ctx, stmt,
		entry.Version, entry.TableName, string(entry.PKValue), entry.Version, payload,
		reason.Error(), time.Now().UTC().Format(time.RFC3339Nano),
	)
	return errors.Wrap(err, "enqueueing dead-letter entry")
}

// Entry is one row pending operator review or replay.
type Entry struct {
	ID        int64
	TableName string
	PKValue   string
	Version   int64
	Payload   *string
	Reason    string
	QueuedAt  time.Time
}

// List returns up to limit queued entries in ascending id order; an
// entry's id is its change log version.
func (q *Queue) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	stmt := fmt.Sprintf(
		`SELECT id, table_name, pk_value, version, payload, reason, queued_at FROM sync_dlq ORDER BY id ASC LIMIT %s`,
		q.adapter.Placeholder(1))
	rows, err := q.db.QueryContext(ctx, stmt, limit)
	if err != nil {
		return nil, errors.Wrap(err, "listing dead-letter entries")
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var payload sql.NullString
		var queuedAt string
		if err := rows.Scan(&e.ID, &e.TableName, &e.PKValue, &e.Version, &payload, &e.Reason, &queuedAt); err != nil {
			return nil, errors.Wrap(err, "scanning dead-letter row")
		}
		if payload.Valid {
			p := payload.String
			e.Payload = &p
		}
		if t, err := time.Parse(time.RFC3339Nano, queuedAt); err == nil {
			e.QueuedAt = t
		}
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "iterating dead-letter rows")
}

// Delete removes one entry, typically after a successful replay.
func (q *Queue) Delete(ctx context.Context, id int64) error {
	stmt := fmt.Sprintf(`DELETE FROM sync_dlq WHERE id = %s`, q.adapter.Placeholder(1))
	_, err := q.db.ExecContext(ctx, stmt, id)
	return errors.Wrap(err, "deleting dead-letter entry")
}
