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

package changelog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/replistore/rowsync/internal/dialect"
	"github.com/replistore/rowsync/internal/origin"
)

// DefaultBatchLimit is the ceiling FetchChanges clamps to when the
// caller asks for more, per spec section 4.2.
const DefaultBatchLimit = 1000

// Repository reads ranges of the change log and manages per-peer
// watermarks. Grounded on the teacher's resolver.go Mark/selectTimestamp
// SQL shape (a conditional upsert that only advances forward) and
// types.Stager's Select/SelectPartial signatures, simplified to plain
// monotonic versions rather than HLC timestamps.
type Repository struct {
	db        dialect.Querier
	adapter   dialect.Adapter
	batchCeil int
}

// NewRepository constructs a Repository bound to a database handle and
// dialect adapter. batchCeil overrides DefaultBatchLimit if positive.
func NewRepository(db dialect.Querier, adapter dialect.Adapter, batchCeil int) *Repository {
	if batchCeil <= 0 {
		batchCeil = DefaultBatchLimit
	}
	return &Repository{db: db, adapter: adapter, batchCeil: batchCeil}
}

// Append writes one entry to the log using the dialect's allocated
// version. Only tests call it; production writes happen via a
// trigger, not this method.
func (r *Repository) Append(ctx context.Context, e Entry) (Entry, error) {
	version, err := r.adapter.NextVersion(ctx, r.db)
	if err != nil {
		return Entry{}, err
	}
	e.Version = version

	var payload, before, hash any
	if len(e.Payload) > 0 {
		payload = string(e.Payload)
	}
	if len(e.BeforePayload) > 0 {
		before = string(e.BeforePayload)
	}
	if e.RowHash != nil {
		hash = *e.RowHash
	}

	stmt := fmt.Sprintf(
		`INSERT INTO sync_log (version, table_name, pk_value, operation, payload, before_payload, origin, ts, row_hash)
		 VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		r.adapter.Placeholder(1), r.adapter.Placeholder(2), r.adapter.Placeholder(3),
		r.adapter.Placeholder(4), r.adapter.Placeholder(5), r.adapter.Placeholder(6),
		r.adapter.Placeholder(7), r.adapter.Placeholder(8), r.adapter.Placeholder(9),
	)
	_, err = r.db.ExecContext(ctx, stmt,
		e.Version, e.TableName, string(e.PKValue), int(e.Operation), payload, before,
		e.Origin.String(), e.Timestamp, hash,
	)
	if err != nil {
		return Entry{}, errors.Wrap(err, "appending change log entry")
	}
	return e, nil
}

// FetchChanges returns entries strictly greater than fromVersion, in
// ascending version order, clamped to the repository's batch ceiling.
// Entries whose origin equals echoFilter are never returned (the
// no-self-echo law, spec section 8).
func (r *Repository) FetchChanges(
	ctx context.Context, fromVersion int64, limit int, echoFilter *origin.ID,
) (entries []Entry, hasMore bool, err error) {
	if limit <= 0 || limit > r.batchCeil {
		limit = r.batchCeil
	}

	var (
		stmt string
		args []any
	)
	if echoFilter != nil {
		stmt = fmt.Sprintf(
			`SELECT version, table_name, pk_value, operation, payload, before_payload, origin, ts, row_hash
			 FROM sync_log WHERE version > %s AND origin <> %s ORDER BY version ASC LIMIT %s`,
			r.adapter.Placeholder(1), r.adapter.Placeholder(2), r.adapter.Placeholder(3))
		args = []any{fromVersion, echoFilter.String(), limit + 1}
	} else {
		stmt = fmt.Sprintf(
			`SELECT version, table_name, pk_value, operation, payload, before_payload, origin, ts, row_hash
			 FROM sync_log WHERE version > %s ORDER BY version ASC LIMIT %s`,
			r.adapter.Placeholder(1), r.adapter.Placeholder(2))
		args = []any{fromVersion, limit + 1}
	}

	rows, err := r.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, false, errors.Wrap(err, "fetching change log entries")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			version                       int64
			tableName, pkValue, originStr string
			operation                     int
			payload, before, hash         sql.NullString
			ts                            any
		)
		if err := rows.Scan(&version, &tableName, &pkValue, &operation, &payload, &before, &originStr, &ts, &hash); err != nil {
			return nil, false, errors.Wrap(err, "scanning change log row")
		}
		originID, err := origin.Parse(originStr)
		if err != nil {
			return nil, false, err
		}
		entry := Entry{
			Version:   version,
			TableName: tableName,
			PKValue:   []byte(pkValue),
			Operation: Operation(operation),
			Origin:    originID,
		}
		if payload.Valid {
			entry.Payload = []byte(payload.String)
		}
		if before.Valid {
			entry.BeforePayload = []byte(before.String)
		}
		if hash.Valid {
			h := hash.String
			entry.RowHash = &h
		}
		entry.Timestamp = parseTimestamp(ts)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, false, errors.Wrap(err, "iterating change log rows")
	}

	if len(entries) > limit {
		entries = entries[:limit]
		hasMore = true
	}
	return entries, hasMore, nil
}

// FindLatest returns the most recent log entry recorded for (table,
// pkValue), if any. Because the apply engine holds suppression for the
// whole of a write it performs, a row this query turns up can only have
// been produced by a genuine local write on this node - never by a
// previously-applied remote entry - which is exactly the "modified
// locally" signal spec section 4.6's conflict resolver needs.
func (r *Repository) FindLatest(ctx context.Context, table string, pkValue json.RawMessage) (Entry, bool, error) {
	stmt := fmt.Sprintf(
		`SELECT version, table_name, pk_value, operation, payload, before_payload, origin, ts, row_hash
		 FROM sync_log WHERE table_name = %s AND pk_value = %s ORDER BY version DESC LIMIT 1`,
		r.adapter.Placeholder(1), r.adapter.Placeholder(2))
	row := r.db.QueryRowContext(ctx, stmt, table, string(pkValue))

	var (
		version                       int64
		tableName, pkStr, originStr   string
		operation                     int
		payload, before, hash         sql.NullString
		ts                            any
	)
	err := row.Scan(&version, &tableName, &pkStr, &operation, &payload, &before, &originStr, &ts, &hash)
	switch {
	case err == sql.ErrNoRows:
		return Entry{}, false, nil
	case err != nil:
		return Entry{}, false, errors.Wrap(err, "finding latest change log entry")
	}

	originID, err := origin.Parse(originStr)
	if err != nil {
		return Entry{}, false, err
	}
	entry := Entry{
		Version:   version,
		TableName: tableName,
		PKValue:   []byte(pkStr),
		Operation: Operation(operation),
		Origin:    originID,
		Timestamp: parseTimestamp(ts),
	}
	if payload.Valid {
		entry.Payload = []byte(payload.String)
	}
	if before.Valid {
		entry.BeforePayload = []byte(before.String)
	}
	if hash.Valid {
		h := hash.String
		entry.RowHash = &h
	}
	return entry, true, nil
}

// Watermark reads the last-pulled/last-pushed versions recorded for a
// peer, defaulting to zero when the peer is unknown.
func (r *Repository) Watermark(ctx context.Context, peer string) (lastPulled, lastPushed int64, err error) {
	stmt := fmt.Sprintf(`SELECT last_pulled, last_pushed FROM sync_peer WHERE peer_id = %s`, r.adapter.Placeholder(1))
	row := r.db.QueryRowContext(ctx, stmt, peer)
	err = row.Scan(&lastPulled, &lastPushed)
	switch {
	case err == sql.ErrNoRows:
		return 0, 0, nil
	case err != nil:
		return 0, 0, errors.Wrap(err, "reading watermark")
	default:
		return lastPulled, lastPushed, nil
	}
}

// PeerOrigin reads the cached origin id for a peer, if one has been
// learned yet (spec section 4.7's echo_filter=peer.origin).
func (r *Repository) PeerOrigin(ctx context.Context, peer string) (origin.ID, bool, error) {
	stmt := fmt.Sprintf(`SELECT origin FROM sync_peer WHERE peer_id = %s`, r.adapter.Placeholder(1))
	var originStr sql.NullString
	err := r.db.QueryRowContext(ctx, stmt, peer).Scan(&originStr)
	switch {
	case err == sql.ErrNoRows || !originStr.Valid || originStr.String == "":
		return origin.ID{}, false, nil
	case err != nil:
		return origin.ID{}, false, errors.Wrap(err, "reading peer origin")
	}
	id, err := origin.Parse(originStr.String)
	if err != nil {
		return origin.ID{}, false, err
	}
	return id, true, nil
}

// SetPeerOrigin caches the origin id a peer reported for itself.
func (r *Repository) SetPeerOrigin(ctx context.Context, peer, endpoint string, id origin.ID) error {
	stmt := fmt.Sprintf(`
		INSERT INTO sync_peer (peer_id, endpoint, origin)
		VALUES (%s, %s, %s)
		ON CONFLICT (peer_id) DO UPDATE SET origin = excluded.origin`,
		r.adapter.Placeholder(1), r.adapter.Placeholder(2), r.adapter.Placeholder(3))
	_, err := r.db.ExecContext(ctx, stmt, peer, endpoint, id.String())
	return errors.Wrap(err, "caching peer origin")
}

// WatermarkField names which half of a peer's watermark SetWatermark
// updates.
type WatermarkField string

const (
	FieldLastPulled WatermarkField = "last_pulled"
	FieldLastPushed WatermarkField = "last_pushed"
)

// SetWatermark idempotently advances one watermark field for a peer.
// The update only takes effect if value is greater than the currently
// stored value, satisfying the "must monotonically increase"
// requirement in spec section 4.2.
func (r *Repository) SetWatermark(ctx context.Context, peer, endpoint string, field WatermarkField, value int64) error {
	col := string(field)
	stmt := fmt.Sprintf(`
		INSERT INTO sync_peer (peer_id, endpoint, %s)
		VALUES (%s, %s, %s)
		ON CONFLICT (peer_id) DO UPDATE SET %s = CASE
			WHEN excluded.%s > sync_peer.%s THEN excluded.%s ELSE sync_peer.%s END`,
		col, r.adapter.Placeholder(1), r.adapter.Placeholder(2), r.adapter.Placeholder(3),
		col, col, col, col, col)
	// SQLite and Postgres both understand ON CONFLICT; MySQL needs ON
	// DUPLICATE KEY UPDATE, handled by the centralized adapter's own
	// upsert path when family is MySQL — callers targeting MySQL
	// should route watermark writes through Adapter.Upsert instead.
	_, err := r.db.ExecContext(ctx, stmt, peer, endpoint, value)
	return errors.Wrap(err, "setting watermark")
}

// parseTimestamp normalizes a scanned sync_log.ts value into a
// time.Time. Drivers differ in what Go type a TIMESTAMP column scans
// into without an explicit destination type (pgx/mysql return
// time.Time natively, SQLite returns a string), so this accepts both.
func parseTimestamp(v any) time.Time {
	switch val := v.(type) {
	case time.Time:
		return val
	case string:
		if t, err := time.Parse("2006-01-02T15:04:05.000Z", val); err == nil {
			return t
		}
		if t, err := time.Parse(time.RFC3339Nano, val); err == nil {
			return t
		}
		// go-sqlite3 stores a bound time.Time (as Append writes) in this
		// layout.
		if t, err := time.Parse("2006-01-02 15:04:05.999999999-07:00", val); err == nil {
			return t
		}
	case []byte:
		return parseTimestamp(string(val))
	}
	return time.Time{}
}
