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

// Package main's providers.go names the wire.Build provider set
// referenced from wire.go. Each provider is an ordinary function;
// wire_gen.go calls them directly in dependency order.
package main

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/replistore/rowsync/internal/apply"
	"github.com/replistore/rowsync/internal/changelog"
	"github.com/replistore/rowsync/internal/config"
	"github.com/replistore/rowsync/internal/coordinator"
	"github.com/replistore/rowsync/internal/dialect"
	"github.com/replistore/rowsync/internal/dialect/centralized"
	"github.com/replistore/rowsync/internal/dialect/embedded"
	"github.com/replistore/rowsync/internal/diag"
	"github.com/replistore/rowsync/internal/dlq"
	"github.com/replistore/rowsync/internal/httpapi"
	"github.com/replistore/rowsync/internal/hub"
	"github.com/replistore/rowsync/internal/mapping"
	"github.com/replistore/rowsync/internal/origin"
	"github.com/replistore/rowsync/internal/schemawatch"
	"github.com/replistore/rowsync/internal/trigger"
)

func provideAdapter(cfg *config.Config) (dialect.Adapter, error) {
	switch cfg.DatabaseDriver {
	case "sqlite":
		return embedded.New(), nil
	case "postgres", "postgres-legacy":
		return centralized.NewPostgres(), nil
	case "mysql":
		return centralized.NewMySQL(), nil
	default:
		return nil, errors.Errorf("unknown databaseDriver %q", cfg.DatabaseDriver)
	}
}

func provideDatabase(ctx context.Context, cfg *config.Config, adapter dialect.Adapter) (*sql.DB, error) {
	var db *sql.DB
	var err error
	switch cfg.DatabaseDriver {
	case "sqlite":
		db, err = embedded.Open(cfg.DatabaseDSN)
	case "postgres":
		db, err = centralized.OpenPostgres(ctx, cfg.DatabaseDSN)
	case "postgres-legacy":
		db, err = openLegacyPostgres(ctx, cfg.DatabaseDSN)
	case "mysql":
		db, err = centralized.OpenMySQL(ctx, cfg.DatabaseDSN)
	default:
		return nil, errors.Errorf("unknown databaseDriver %q", cfg.DatabaseDriver)
	}
	if err != nil {
		return nil, err
	}
	if err := adapter.CreateSchema(ctx, db); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "installing schema")
	}
	return db, nil
}

func provideMappingConfig(cfg *config.Config) (*mapping.Config, error) {
	if cfg.MappingConfigPath == "" {
		return &mapping.Config{Version: "1", UnmappedBehavior: mapping.UnmappedPassThrough}, nil
	}
	return mapping.Load(cfg.MappingConfigPath)
}

func provideRepository(db *sql.DB, adapter dialect.Adapter, cfg *config.Config) *changelog.Repository {
	return changelog.NewRepository(db, adapter, cfg.BatchLimit)
}

func provideDeadLetterQueue(ctx context.Context, db *sql.DB, adapter dialect.Adapter) (*dlq.Queue, error) {
	return dlq.New(ctx, db, adapter)
}

// installTriggers installs capture triggers for every table the
// mapping config names as a source, so that writes against the local
// database start flowing into sync_log before the first sync cycle.
func installTriggers(ctx context.Context, db *sql.DB, adapter dialect.Adapter, mappingCfg *mapping.Config) error {
	gen := trigger.New(db, adapter)
	for _, table := range sourceTables(mappingCfg) {
		if err := gen.Install(ctx, table, excludedColumnsFor(mappingCfg, table)); err != nil {
			return errors.Wrapf(err, "installing trigger for table %q", table)
		}
	}
	return nil
}

func provideSchemaWatcher(ctx context.Context, db *sql.DB, adapter dialect.Adapter, mappingCfg *mapping.Config, cfg *config.Config) (*schemawatch.Watcher, error) {
	watcher := schemawatch.New(db, adapter, writeTargetTables(mappingCfg), schemawatch.DefaultRefreshInterval)
	if err := watcher.Refresh(ctx); err != nil {
		return nil, errors.Wrap(err, "initial schema refresh")
	}
	return watcher, nil
}

func provideApplyEngine(
	cfg *config.Config, db *sql.DB, adapter dialect.Adapter, watcher *schemawatch.Watcher,
	dlqQueue *dlq.Queue, repo *changelog.Repository, mappingCfg *mapping.Config, diagnostics *diag.Diagnostics,
) *apply.Engine {
	engine := apply.NewEngine(adapter, db, watcher.Schema(), watcher.ForeignKeys(), cfg.MaxApplyRetries)
	engine.DeadLetter = dlqQueue
	engine.SchemaWatcher = watcher
	engine.ForeignKeySource = watcher
	engine.ConflictLog = repo
	engine.ServerWinsTables = mappingCfg.ServerWinsTargetTables()
	engine.Diagnostics = diagnostics
	return engine
}

func provideHub() *hub.Hub {
	return hub.New()
}

func provideDiagnostics(ctx context.Context) (*diag.Diagnostics, func()) {
	return diag.New(ctx)
}

func provideCoordinator(cfg *config.Config, repo *changelog.Repository, applyEngine *apply.Engine, mappingCfg *mapping.Config, originID origin.ID, diagnostics *diag.Diagnostics) *coordinator.Coordinator {
	return &coordinator.Coordinator{
		Repo:         repo,
		Apply:        applyEngine,
		MappingCfg:   mappingCfg,
		OriginID:     originID,
		PollInterval: cfg.PollInterval,
		BatchLimit:   cfg.BatchLimit,
		Diagnostics:  diagnostics,
		NewClient: func(endpoint string) coordinator.Client {
			return coordinator.NewHTTPClient(endpoint, &http.Client{Timeout: 30 * time.Second})
		},
	}
}

func provideHTTPServer(repo *changelog.Repository, applyEngine *apply.Engine, mappingCfg *mapping.Config, h *hub.Hub, originID origin.ID, diagnostics *diag.Diagnostics) *httpapi.Server {
	return &httpapi.Server{
		Repo:        repo,
		Apply:       applyEngine,
		MappingCfg:  mappingCfg,
		Hub:         h,
		OriginID:    originID,
		Diagnostics: diagnostics,
		StartedAt:   time.Now(),
	}
}
