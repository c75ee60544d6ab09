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

package mapping

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/replistore/rowsync/internal/changelog"
)

// Result is one mapped output of ApplyMapping: the entry rewritten for
// a single target table.
type Result struct {
	TableName string
	PKValue   json.RawMessage
	Payload   json.RawMessage
	Dropped   bool
}

// ApplyMapping rewrites entry for the given direction per the
// declarative config, per spec section 4.4. When no mapping matches
// entry.TableName, cfg.UnmappedBehavior decides the outcome:
// pass-through copies the entry unchanged, strict returns an error,
// drop returns a single Dropped result.
func ApplyMapping(entry changelog.Entry, cfg *Config, direction Direction) ([]Result, error) {
	m, ok := cfg.FindMapping(entry.TableName, direction)
	if !ok {
		switch cfg.UnmappedBehavior {
		case UnmappedPassThrough:
			return []Result{{TableName: entry.TableName, PKValue: entry.PKValue, Payload: entry.Payload}}, nil
		case UnmappedDrop:
			return []Result{{TableName: entry.TableName, Dropped: true}}, nil
		default:
			return nil, errors.Errorf("no mapping for table %q and unmapped_behavior is strict", entry.TableName)
		}
	}

	if m.Filter != nil {
		match, err := evalFilter(*m.Filter, entry.Payload)
		if err != nil {
			return nil, errors.Wrapf(err, "evaluating filter for mapping %s", m.ID)
		}
		if !match {
			return []Result{{TableName: entry.TableName, Dropped: true}}, nil
		}
	}

	var row map[string]any
	if len(entry.Payload) > 0 {
		if err := json.Unmarshal(entry.Payload, &row); err != nil {
			return nil, errors.Wrap(err, "decoding entry payload for mapping")
		}
	}

	if m.IsMultiTarget {
		results := make([]Result, 0, len(m.Targets))
		for _, target := range m.Targets {
			res, err := applyTarget(entry, row, target.TargetTable, target.PkMapping, target.ColumnMappings, m.ExcludedColumns)
			if err != nil {
				return nil, err
			}
			results = append(results, res)
		}
		return results, nil
	}

	targetTable := entry.TableName
	if m.TargetTable != nil {
		targetTable = *m.TargetTable
	}
	res, err := applyTarget(entry, row, targetTable, m.PkMapping, m.ColumnMappings, m.ExcludedColumns)
	if err != nil {
		return nil, err
	}
	return []Result{res}, nil
}

// applyTarget maps one source entry into one target table's shape.
func applyTarget(
	entry changelog.Entry, row map[string]any, targetTable string, pkMap *PKMapping,
	colMaps []ColumnMapping, excluded []string,
) (Result, error) {
	pkValue, err := mapPK(entry.PKValue, pkMap)
	if err != nil {
		return Result{}, err
	}

	if entry.IsDelete() {
		return Result{TableName: targetTable, PKValue: pkValue, Payload: nil}, nil
	}

	// Per spec section 4.4, the target payload is constructed by walking
	// column_mappings: only the columns they name appear in the output.
	// An empty column_mappings list is a pass-through declaration (e.g.
	// a mapping that only renames the table or the primary key), so in
	// that case every source column is carried across unchanged.
	out := make(map[string]any, len(row)+len(colMaps))
	if len(colMaps) == 0 {
		for k, v := range row {
			out[k] = v
		}
	} else {
		for _, cm := range colMaps {
			v, err := resolveColumn(cm, row)
			if err != nil {
				return Result{}, errors.Wrapf(err, "resolving column mapping for target %q", cm.Target)
			}
			out[cm.Target] = v
		}
	}
	for _, col := range excluded {
		delete(out, col)
	}

	pkTargetCols, err := pkColumns(pkValue)
	if err != nil {
		return Result{}, err
	}
	for col, v := range pkTargetCols {
		out[col] = v
	}
	if pkMap != nil && pkMap.Source != pkMap.Target {
		delete(out, pkMap.Source)
	}

	payload, err := json.Marshal(out)
	if err != nil {
		return Result{}, errors.Wrap(err, "encoding mapped payload")
	}
	return Result{TableName: targetTable, PKValue: pkValue, Payload: payload}, nil
}

// pkColumns decodes a canonical PK JSON object into a plain map, so its
// (possibly renamed) columns can be merged into a mapped payload.
func pkColumns(pkValue json.RawMessage) (map[string]any, error) {
	if len(pkValue) == 0 {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal(pkValue, &out); err != nil {
		return nil, errors.Wrap(err, "decoding primary key columns")
	}
	return out, nil
}

// resolveColumn computes one output column's value per its Transform.
func resolveColumn(cm ColumnMapping, row map[string]any) (any, error) {
	switch cm.Transform {
	case TransformConstant:
		if cm.Value == nil {
			return nil, nil
		}
		return *cm.Value, nil
	case TransformExpression:
		if cm.Value == nil {
			return nil, errors.New("expression transform requires a Value")
		}
		return evalExpression(*cm.Value, row)
	case TransformIdentity, "":
		if cm.Source == nil {
			return nil, errors.New("identity transform requires a Source column")
		}
		return row[*cm.Source], nil
	default:
		return nil, errors.Errorf("unknown transform %q", cm.Transform)
	}
}

// mapPK renames a primary-key column per pkMap, or passes the encoded
// PK object through unchanged when pkMap is nil.
func mapPK(pkValue json.RawMessage, pkMap *PKMapping) (json.RawMessage, error) {
	if pkMap == nil || len(pkValue) == 0 {
		return pkValue, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(pkValue, &obj); err != nil {
		return nil, errors.Wrap(err, "decoding primary key for mapping")
	}
	v, ok := obj[pkMap.Source]
	if !ok {
		return nil, errors.Errorf("primary key mapping references missing source column %q", pkMap.Source)
	}
	renamed := map[string]json.RawMessage{pkMap.Target: v}
	out, err := json.Marshal(renamed)
	if err != nil {
		return nil, errors.Wrap(err, "encoding mapped primary key")
	}
	return out, nil
}

// evalFilter evaluates a mapping's Filter expression against the
// entry's decoded payload, returning whether the entry passes. A
// filter result is coerced to a boolean: a non-nil, non-false,
// non-zero result is truthy, consistent with the restricted
// expression language having no native boolean literals.
func evalFilter(expr string, payload json.RawMessage) (bool, error) {
	var row map[string]any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &row); err != nil {
			return false, errors.Wrap(err, "decoding payload for filter")
		}
	}
	v, err := evalExpression(expr, row)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case float64:
		return val != 0
	case string:
		return val != ""
	default:
		return true
	}
}
