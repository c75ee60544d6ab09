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
	"time"

	_ "github.com/lib/pq" // register "postgres" driver
	"github.com/pkg/errors"
)

// openLegacyPostgres opens a PostgreSQL connection through lib/pq
// rather than the pgx stdlib driver centralized.OpenPostgres uses.
// It exists for --databaseDriver=postgres-legacy, mirroring a
// prototype bootstrap path kept alongside the production one rather
// than replaced outright.
func openLegacyPostgres(ctx context.Context, connString string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, errors.Wrap(err, "opening legacy postgres connection")
	}
	db.SetMaxOpenConns(128)
	db.SetConnMaxLifetime(5 * time.Minute)

	deadline := time.Now().Add(30 * time.Second)
	var pingErr error
	for time.Now().Before(deadline) {
		if pingErr = db.PingContext(ctx); pingErr == nil {
			return db, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return nil, errors.Wrap(pingErr, "legacy postgres unreachable after retries")
}
