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

// Package config collects the process-level configuration for a sync
// node, bound via spf13/pflag, matching the teacher's Bind/Preflight
// pattern (internal/source/server.Config) instead of a struct-tag
// based config library.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// PeerConfig names one remote node to sync with.
type PeerConfig struct {
	ID       string
	Endpoint string
}

// Config is the full set of flags/env vars a syncd process reads.
type Config struct {
	BindAddr         string
	DatabaseDriver   string // "sqlite", "postgres", "postgres-legacy", or "mysql"
	DatabaseDSN      string
	MappingConfigPath string
	PollInterval     time.Duration
	BatchLimit       int
	MaxApplyRetries  int
	PeerEndpoints    []string

	Peers []PeerConfig
}

// Bind registers flags on flags, defaulting from environment
// variables where the spec names one (POLL_INTERVAL_SECONDS,
// SYNC_BATCH_LIMIT), matching the teacher's pattern of flags that
// fall back to an env var default rather than a separate env-parsing
// pass.
func (c *Config) Bind(flags *pflag.FlagSet) {
	flags.StringVar(&c.BindAddr, "bindAddr", ":26258", "the network address to bind to")
	flags.StringVar(&c.DatabaseDriver, "databaseDriver", "sqlite", "database dialect: sqlite, postgres, postgres-legacy, or mysql")
	flags.StringVar(&c.DatabaseDSN, "databaseDSN", "", "connection string or file path for the local database")
	flags.StringVar(&c.MappingConfigPath, "mappingConfig", "", "path to the declarative mapping config JSON document")
	flags.DurationVar(&c.PollInterval, "pollInterval", envDuration("POLL_INTERVAL_SECONDS", 5*time.Second),
		"how often to run a pull/push cycle against each peer")
	flags.IntVar(&c.BatchLimit, "batchLimit", envInt("SYNC_BATCH_LIMIT", 1000),
		"maximum number of change log entries fetched per request")
	flags.IntVar(&c.MaxApplyRetries, "maxApplyRetries", 3,
		"maximum deferred-apply attempts for a row blocked on a foreign-key dependency")
	flags.StringSliceVar(&c.PeerEndpoints, "peer", nil,
		"a peer to sync with, as id=https://host:port; may be repeated")
}

// Preflight validates the bound configuration and parses PeerEndpoints
// into Peers.
func (c *Config) Preflight() error {
	if c.BindAddr == "" {
		return errors.New("bindAddr unset")
	}
	switch c.DatabaseDriver {
	case "sqlite", "postgres", "postgres-legacy", "mysql":
	default:
		return errors.Errorf("unknown databaseDriver %q", c.DatabaseDriver)
	}
	if c.DatabaseDSN == "" {
		return errors.New("databaseDSN unset")
	}
	if c.PollInterval <= 0 {
		return errors.New("pollInterval must be positive")
	}
	if c.BatchLimit <= 0 {
		return errors.New("batchLimit must be positive")
	}

	c.Peers = nil
	for _, raw := range c.PeerEndpoints {
		id, endpoint, ok := splitPeer(raw)
		if !ok {
			return errors.Errorf("malformed --peer value %q, expected id=endpoint", raw)
		}
		c.Peers = append(c.Peers, PeerConfig{ID: id, Endpoint: endpoint})
	}
	return nil
}

func splitPeer(raw string) (id, endpoint string, ok bool) {
	for i := 0; i < len(raw); i++ {
		if raw[i] == '=' {
			return raw[:i], raw[i+1:], true
		}
	}
	return "", "", false
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(secs) * time.Second
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
