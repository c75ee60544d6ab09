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

// Package main wires a syncd process together and runs it until
// stopped. Node is the injected bundle of collaborators; see wire.go
// and wire_gen.go for how one gets built.
package main

import (
	"database/sql"
	"net/http"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/replistore/rowsync/internal/apply"
	"github.com/replistore/rowsync/internal/changelog"
	"github.com/replistore/rowsync/internal/config"
	"github.com/replistore/rowsync/internal/coordinator"
	"github.com/replistore/rowsync/internal/dialect"
	"github.com/replistore/rowsync/internal/diag"
	"github.com/replistore/rowsync/internal/dlq"
	"github.com/replistore/rowsync/internal/httpapi"
	"github.com/replistore/rowsync/internal/hub"
	"github.com/replistore/rowsync/internal/mapping"
	"github.com/replistore/rowsync/internal/origin"
	"github.com/replistore/rowsync/internal/schemawatch"
	"github.com/replistore/rowsync/internal/stopper"
)

// Node bundles every collaborator a running syncd process needs. It is
// assembled once at startup by InitializeNode and driven by Run.
type Node struct {
	Config        *config.Config
	DB            *sql.DB
	Adapter       dialect.Adapter
	OriginID      origin.ID
	Repo          *changelog.Repository
	MappingCfg    *mapping.Config
	DLQ           *dlq.Queue
	SchemaWatcher *schemawatch.Watcher
	Apply         *apply.Engine
	Hub           *hub.Hub
	Coordinator   *coordinator.Coordinator
	Diagnostics   *diag.Diagnostics
	HTTPServer    *httpapi.Server
}

// Run starts the schema watcher, hub dispatch loop, peer coordinators,
// and the HTTP listener, then blocks until ctx is stopped. Triggers
// are installed earlier, by InitializeNode.
func (n *Node) Run(ctx *stopper.Context) error {
	ctx.Go(func() error {
		if err := n.SchemaWatcher.Run(ctx); err != nil {
			return errors.Wrap(err, "schema watcher")
		}
		return nil
	})
	ctx.Go(func() error {
		if err := n.Hub.Run(ctx); err != nil {
			return errors.Wrap(err, "subscription hub")
		}
		return nil
	})

	if peers := n.peers(); len(peers) > 0 {
		ctx.Go(func() error {
			if err := n.Coordinator.RunAll(ctx, peers); err != nil {
				return errors.Wrap(err, "peer coordination")
			}
			return nil
		})
	} else {
		log.Warn("no peers configured; running in capture-only mode")
	}

	server := &http.Server{Addr: n.Config.BindAddr, Handler: n.HTTPServer.Handler()}
	ctx.Go(func() error {
		<-ctx.Stopping()
		return server.Close()
	})
	log.WithField("bindAddr", n.Config.BindAddr).Info("syncd listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "http listener")
	}
	return nil
}

func (n *Node) peers() []coordinator.Peer {
	peers := make([]coordinator.Peer, 0, len(n.Config.Peers))
	for _, p := range n.Config.Peers {
		peers = append(peers, coordinator.Peer{ID: p.ID, Endpoint: p.Endpoint})
	}
	return peers
}
