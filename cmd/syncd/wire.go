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

//go:build wireinject

//go:generate go run -mod=mod github.com/google/wire/cmd/wire

package main

import (
	"context"

	"github.com/google/wire"

	"github.com/replistore/rowsync/internal/config"
)

// InitializeNode assembles a Node from cfg. The real body lives in
// wire_gen.go; this file only exists so `wire` has a target to
// regenerate from if the provider set below changes.
func InitializeNode(ctx context.Context, cfg *config.Config) (*Node, func(), error) {
	wire.Build(
		provideDatabase,
		provideAdapter,
		bootstrapOriginID,
		provideRepository,
		provideMappingConfig,
		provideDeadLetterQueue,
		provideSchemaWatcher,
		provideApplyEngine,
		provideHub,
		provideCoordinator,
		provideDiagnostics,
		provideHTTPServer,
		wire.Struct(new(Node), "*"),
	)
	return nil, nil, nil
}
