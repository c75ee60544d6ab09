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

// Package mapping implements the declarative mapping config and the
// engine that transforms change-log entries between heterogeneous
// table shapes, per spec section 4.4. Grounded loosely on the
// teacher's applycfg package (referenced, not retrieved) and the
// Mutation.Data/Key JSON envelope shape in internal/types/types.go.
package mapping

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// Direction controls whether a mapping applies to outgoing changes,
// incoming changes, or both.
type Direction string

const (
	DirectionPush Direction = "push"
	DirectionPull Direction = "pull"
	DirectionBoth Direction = "both"
)

// directionMatches reports whether this mapping's direction applies to d.
func (m Mapping) directionMatches(d Direction) bool {
	return m.Direction == DirectionBoth || m.Direction == d
}

// Transform names how a ColumnMapping computes its output value.
type Transform string

const (
	TransformIdentity   Transform = "identity"
	TransformConstant   Transform = "constant"
	TransformExpression Transform = "expression"
)

// ColumnMapping maps one source column to one target column.
type ColumnMapping struct {
	Source    *string   `json:"Source"`
	Target    string    `json:"Target"`
	Transform Transform `json:"Transform"`
	Value     *string   `json:"Value,omitempty"`
}

// PKMapping renames a single primary-key column between source and target.
type PKMapping struct {
	Source string `json:"Source"`
	Target string `json:"Target"`
}

// TargetConfig describes one fan-out destination for a multi-target mapping.
type TargetConfig struct {
	TargetTable    string          `json:"TargetTable"`
	PkMapping      *PKMapping      `json:"PkMapping,omitempty"`
	ColumnMappings []ColumnMapping `json:"ColumnMappings"`
}

// Mapping is a single declarative table mapping.
type Mapping struct {
	ID              string          `json:"Id"`
	SourceTable     string          `json:"SourceTable"`
	TargetTable     *string         `json:"TargetTable"`
	Direction       Direction       `json:"Direction"`
	Enabled         bool            `json:"Enabled"`
	PkMapping       *PKMapping      `json:"PkMapping,omitempty"`
	ColumnMappings  []ColumnMapping `json:"ColumnMappings"`
	ExcludedColumns []string        `json:"ExcludedColumns"`
	Filter          *string         `json:"Filter,omitempty"`
	IsMultiTarget   bool            `json:"IsMultiTarget"`
	Targets         []TargetConfig  `json:"Targets,omitempty"`
	ServerWins      bool            `json:"ServerWins,omitempty"`
}

// UnmappedBehavior controls ApplyMapping's fallback when no mapping
// matches a source table, per spec section 4.4.
type UnmappedBehavior string

const (
	UnmappedPassThrough UnmappedBehavior = "passThrough"
	UnmappedStrict      UnmappedBehavior = "strict"
	UnmappedDrop        UnmappedBehavior = "drop"
)

// Config is the full mapping document, matching the wire JSON shape
// fixed by spec section 6.
type Config struct {
	Version          string           `json:"Version"`
	UnmappedBehavior UnmappedBehavior `json:"UnmappedBehavior"`
	Mappings         []Mapping        `json:"Mappings"`
}

// Load parses a mapping config document from disk.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading mapping config")
	}
	return Parse(data)
}

// Parse decodes a mapping config document from raw JSON bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "parsing mapping config")
	}
	if cfg.UnmappedBehavior == "" {
		cfg.UnmappedBehavior = UnmappedStrict
	}
	return &cfg, nil
}

// ServerWinsTargetTables collects every target table named by a
// mapping whose ServerWins flag is set, so the apply engine can force
// the incoming side to win conflicts on those tables regardless of
// timestamp, per spec section 4.6.
func (c *Config) ServerWinsTargetTables() map[string]bool {
	out := map[string]bool{}
	for _, m := range c.Mappings {
		if !m.ServerWins {
			continue
		}
		if m.IsMultiTarget {
			for _, t := range m.Targets {
				out[t.TargetTable] = true
			}
			continue
		}
		target := m.SourceTable
		if m.TargetTable != nil {
			target = *m.TargetTable
		}
		out[target] = true
	}
	return out
}

// FindMapping returns the first enabled mapping whose source table and
// direction match, per spec section 4.4.
func (c *Config) FindMapping(table string, direction Direction) (*Mapping, bool) {
	for i := range c.Mappings {
		m := &c.Mappings[i]
		if m.Enabled && m.SourceTable == table && m.directionMatches(direction) {
			return m, true
		}
	}
	return nil, false
}
