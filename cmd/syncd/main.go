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

// Command syncd runs a single row-level sync node: it installs capture
// triggers against its local database, serves the sync HTTP surface,
// and cycles pull/push against every configured peer until stopped.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/replistore/rowsync/internal/config"
	"github.com/replistore/rowsync/internal/dialect"
	"github.com/replistore/rowsync/internal/stopper"
)

// Exit codes per the CLI front-end contract: 0 ok, 2 config error, 3
// database unavailable, 4 unresolved conflicts require operator.
const (
	exitOK             = 0
	exitConfigError    = 2
	exitDatabaseError  = 3
	exitOperatorNeeded = 4
)

func main() {
	os.Exit(run())
}

func run() int {
	var cfg config.Config
	cfg.Bind(pflag.CommandLine)
	pflag.Parse()

	if err := cfg.Preflight(); err != nil {
		log.WithError(err).Error("invalid configuration")
		return exitConfigError
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	node, cleanup, err := InitializeNode(ctx, &cfg)
	if err != nil {
		if dialect.IsUnsupportedSchema(err) || dialect.IsTriggerConflict(err) {
			log.WithError(err).Error("schema install failed")
			return exitConfigError
		}
		log.WithError(err).Error("failed to initialize node")
		return exitDatabaseError
	}
	defer cleanup()

	sctx := stopper.WithContext(ctx)
	runErr := node.Run(sctx)
	if stopErr := sctx.Stop(); stopErr != nil && runErr == nil {
		runErr = stopErr
	}
	if runErr != nil {
		log.WithError(runErr).Error("syncd exited with error")
		if unresolved := node.DLQ; unresolved != nil {
			if entries, listErr := unresolved.List(context.Background(), 1); listErr == nil && len(entries) > 0 {
				return exitOperatorNeeded
			}
		}
		return exitDatabaseError
	}
	return exitOK
}
