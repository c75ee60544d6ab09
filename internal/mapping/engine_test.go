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

package mapping_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/replistore/rowsync/internal/changelog"
	"github.com/replistore/rowsync/internal/mapping"
	"github.com/replistore/rowsync/internal/origin"
)

func strPtr(s string) *string { return &s }

// TestApplyMappingSingleTarget exercises scenario (S1) from spec
// section 8: a User row mapped into a customer table with a renamed
// primary key, an identity column copy, and a constant column.
func TestApplyMappingSingleTarget(t *testing.T) {
	cfg := &mapping.Config{
		UnmappedBehavior: mapping.UnmappedStrict,
		Mappings: []mapping.Mapping{{
			ID: "user-to-customer", SourceTable: "User", TargetTable: strPtr("customer"),
			Direction: mapping.DirectionPush, Enabled: true,
			PkMapping: &mapping.PKMapping{Source: "Id", Target: "customer_id"},
			ColumnMappings: []mapping.ColumnMapping{
				{Source: strPtr("FullName"), Target: "name", Transform: mapping.TransformIdentity},
				{Source: strPtr("EmailAddress"), Target: "email", Transform: mapping.TransformIdentity},
				{Target: "source", Transform: mapping.TransformConstant, Value: strPtr("mobile-app")},
			},
		}},
	}

	entry := changelog.Entry{
		TableName: "User",
		PKValue:   json.RawMessage(`{"Id":"u1"}`),
		Operation: changelog.OpInsert,
		Payload:   json.RawMessage(`{"Id":"u1","FullName":"Alice","EmailAddress":"a@x.com"}`),
		Origin:    origin.New(),
		Timestamp: time.Now().UTC(),
	}

	results, err := mapping.ApplyMapping(entry, cfg, mapping.DirectionPush)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "customer", results[0].TableName)
	require.JSONEq(t, `{"customer_id":"u1"}`, string(results[0].PKValue))

	// Exactly {customer_id, name, email, source}: the renamed PK column is
	// merged into the payload, and the un-renamed source Id must not leak
	// into the mapped payload alongside it.
	var payload map[string]any
	require.NoError(t, json.Unmarshal(results[0].Payload, &payload))
	require.Equal(t, map[string]any{"customer_id": "u1", "name": "Alice", "email": "a@x.com", "source": "mobile-app"}, payload)
}

// TestApplyMappingExcludesDeclaredColumns exercises spec section 4.4's
// "columns present in excluded_columns are never written", e.g. a
// PasswordHash column that must never reach a mapped target.
func TestApplyMappingExcludesDeclaredColumns(t *testing.T) {
	cfg := &mapping.Config{
		UnmappedBehavior: mapping.UnmappedStrict,
		Mappings: []mapping.Mapping{{
			ID: "user-to-customer", SourceTable: "User", TargetTable: strPtr("customer"),
			Direction: mapping.DirectionPush, Enabled: true,
			PkMapping:       &mapping.PKMapping{Source: "Id", Target: "customer_id"},
			ExcludedColumns: []string{"PasswordHash"},
		}},
	}

	entry := changelog.Entry{
		TableName: "User",
		PKValue:   json.RawMessage(`{"Id":"u1"}`),
		Operation: changelog.OpInsert,
		Payload:   json.RawMessage(`{"Id":"u1","FullName":"Alice","PasswordHash":"secret"}`),
		Origin:    origin.New(),
		Timestamp: time.Now().UTC(),
	}

	results, err := mapping.ApplyMapping(entry, cfg, mapping.DirectionPush)
	require.NoError(t, err)
	require.Len(t, results, 1)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(results[0].Payload, &payload))
	require.NotContains(t, payload, "PasswordHash")
	require.Equal(t, "Alice", payload["FullName"])
}

// TestApplyMappingMultiTarget exercises scenario (S5): one SalesOrder
// fans out to exactly two mapped entries.
func TestApplyMappingMultiTarget(t *testing.T) {
	cfg := &mapping.Config{
		UnmappedBehavior: mapping.UnmappedStrict,
		Mappings: []mapping.Mapping{{
			ID: "order-fanout", SourceTable: "SalesOrder", Direction: mapping.DirectionBoth,
			Enabled: true, IsMultiTarget: true,
			Targets: []mapping.TargetConfig{
				{
					TargetTable: "OrderHeader",
					PkMapping:   &mapping.PKMapping{Source: "Id", Target: "OrderId"},
					ColumnMappings: []mapping.ColumnMapping{
						{Source: strPtr("CustomerId"), Target: "CustomerId", Transform: mapping.TransformIdentity},
						{Source: strPtr("Total"), Target: "Amount", Transform: mapping.TransformIdentity},
					},
				},
				{
					TargetTable: "OrderAudit",
					PkMapping:   &mapping.PKMapping{Source: "Id", Target: "OrderId"},
					ColumnMappings: []mapping.ColumnMapping{
						{Source: strPtr("CreatedAt"), Target: "EventTime", Transform: mapping.TransformIdentity},
						{Target: "EventType", Transform: mapping.TransformConstant, Value: strPtr("order_created")},
					},
				},
			},
		}},
	}

	entry := changelog.Entry{
		TableName: "SalesOrder",
		PKValue:   json.RawMessage(`{"Id":"o1"}`),
		Operation: changelog.OpInsert,
		Payload:   json.RawMessage(`{"Id":"o1","CustomerId":"c1","Total":249.99,"CreatedAt":"2024-01-15T10:30:00Z"}`),
		Origin:    origin.New(),
		Timestamp: time.Now().UTC(),
	}

	results, err := mapping.ApplyMapping(entry, cfg, mapping.DirectionPush)
	require.NoError(t, err)
	require.Len(t, results, 2)

	require.Equal(t, "OrderHeader", results[0].TableName)
	require.JSONEq(t, `{"OrderId":"o1"}`, string(results[0].PKValue))
	var header map[string]any
	require.NoError(t, json.Unmarshal(results[0].Payload, &header))
	// Exactly {OrderId, CustomerId, Amount}: the renamed PK is merged in,
	// and the source Id and CreatedAt columns must not leak in via the
	// identity copy.
	require.Equal(t, map[string]any{"OrderId": "o1", "CustomerId": "c1", "Amount": 249.99}, header)

	require.Equal(t, "OrderAudit", results[1].TableName)
	var audit map[string]any
	require.NoError(t, json.Unmarshal(results[1].Payload, &audit))
	require.Equal(t, map[string]any{"OrderId": "o1", "EventTime": "2024-01-15T10:30:00Z", "EventType": "order_created"}, audit)
}

func TestApplyMappingUnmappedBehaviors(t *testing.T) {
	entry := changelog.Entry{
		TableName: "Unknown", PKValue: json.RawMessage(`{"Id":"1"}`),
		Operation: changelog.OpInsert, Payload: json.RawMessage(`{"A":1}`),
		Origin: origin.New(), Timestamp: time.Now().UTC(),
	}

	t.Run("passThrough returns entry unchanged", func(t *testing.T) {
		cfg := &mapping.Config{UnmappedBehavior: mapping.UnmappedPassThrough}
		results, err := mapping.ApplyMapping(entry, cfg, mapping.DirectionPush)
		require.NoError(t, err)
		require.Len(t, results, 1)
		require.Equal(t, "Unknown", results[0].TableName)
		require.JSONEq(t, string(entry.Payload), string(results[0].Payload))
	})

	t.Run("strict errors", func(t *testing.T) {
		cfg := &mapping.Config{UnmappedBehavior: mapping.UnmappedStrict}
		_, err := mapping.ApplyMapping(entry, cfg, mapping.DirectionPush)
		require.Error(t, err)
	})

	t.Run("drop returns a dropped result", func(t *testing.T) {
		cfg := &mapping.Config{UnmappedBehavior: mapping.UnmappedDrop}
		results, err := mapping.ApplyMapping(entry, cfg, mapping.DirectionPush)
		require.NoError(t, err)
		require.Len(t, results, 1)
		require.True(t, results[0].Dropped)
	})
}

func TestApplyMappingFilterDropsNonMatchingRows(t *testing.T) {
	cfg := &mapping.Config{
		UnmappedBehavior: mapping.UnmappedStrict,
		Mappings: []mapping.Mapping{{
			ID: "active-only", SourceTable: "Account", TargetTable: strPtr("account"),
			Direction: mapping.DirectionBoth, Enabled: true, Filter: strPtr("Active=1"),
			ColumnMappings: []mapping.ColumnMapping{
				{Source: strPtr("Name"), Target: "name", Transform: mapping.TransformIdentity},
			},
		}},
	}

	active := changelog.Entry{
		TableName: "Account", PKValue: json.RawMessage(`{"Id":"a1"}`),
		Operation: changelog.OpInsert, Payload: json.RawMessage(`{"Active":1,"Name":"Acme"}`),
		Origin: origin.New(), Timestamp: time.Now().UTC(),
	}
	inactive := changelog.Entry{
		TableName: "Account", PKValue: json.RawMessage(`{"Id":"a2"}`),
		Operation: changelog.OpInsert, Payload: json.RawMessage(`{"Active":0,"Name":"Dormant"}`),
		Origin: origin.New(), Timestamp: time.Now().UTC(),
	}

	results, err := mapping.ApplyMapping(active, cfg, mapping.DirectionPush)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.False(t, results[0].Dropped)

	results, err = mapping.ApplyMapping(inactive, cfg, mapping.DirectionPush)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.True(t, results[0].Dropped)
}

func TestApplyMappingDeletePayloadAlwaysNull(t *testing.T) {
	cfg := &mapping.Config{
		UnmappedBehavior: mapping.UnmappedStrict,
		Mappings: []mapping.Mapping{{
			ID: "user-to-customer", SourceTable: "User", TargetTable: strPtr("customer"),
			Direction: mapping.DirectionPush, Enabled: true,
			PkMapping: &mapping.PKMapping{Source: "Id", Target: "customer_id"},
		}},
	}

	entry := changelog.Entry{
		TableName: "User", PKValue: json.RawMessage(`{"Id":"u1"}`),
		Operation: changelog.OpDelete, Origin: origin.New(), Timestamp: time.Now().UTC(),
	}

	results, err := mapping.ApplyMapping(entry, cfg, mapping.DirectionPush)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Nil(t, results[0].Payload)
	require.JSONEq(t, `{"customer_id":"u1"}`, string(results[0].PKValue))
}

func TestApplyMappingDirectionFiltering(t *testing.T) {
	cfg := &mapping.Config{
		UnmappedBehavior: mapping.UnmappedPassThrough,
		Mappings: []mapping.Mapping{{
			ID: "push-only", SourceTable: "Widget", TargetTable: strPtr("widget"),
			Direction: mapping.DirectionPush, Enabled: true,
		}},
	}

	entry := changelog.Entry{
		TableName: "Widget", PKValue: json.RawMessage(`{"Id":"w1"}`),
		Operation: changelog.OpInsert, Payload: json.RawMessage(`{"Id":"w1"}`),
		Origin: origin.New(), Timestamp: time.Now().UTC(),
	}

	results, err := mapping.ApplyMapping(entry, cfg, mapping.DirectionPush)
	require.NoError(t, err)
	require.Equal(t, "widget", results[0].TableName)

	// Direction doesn't match this mapping, so UnmappedPassThrough applies.
	results, err = mapping.ApplyMapping(entry, cfg, mapping.DirectionPull)
	require.NoError(t, err)
	require.Equal(t, "Widget", results[0].TableName)
}

func TestApplyMappingPreservesNullAndEmptyString(t *testing.T) {
	cfg := &mapping.Config{
		UnmappedBehavior: mapping.UnmappedStrict,
		Mappings: []mapping.Mapping{{
			ID: "passthrough-cols", SourceTable: "Widget", TargetTable: strPtr("widget"),
			Direction: mapping.DirectionBoth, Enabled: true,
		}},
	}

	entry := changelog.Entry{
		TableName: "Widget", PKValue: json.RawMessage(`{"Id":"w1"}`),
		Operation: changelog.OpInsert,
		Payload:   json.RawMessage(`{"Id":"w1","Nickname":null,"Description":"","Emoji":"🎉"}`),
		Origin:    origin.New(), Timestamp: time.Now().UTC(),
	}

	results, err := mapping.ApplyMapping(entry, cfg, mapping.DirectionPush)
	require.NoError(t, err)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(results[0].Payload, &payload))
	require.Nil(t, payload["Nickname"])
	require.Equal(t, "", payload["Description"])
	require.Equal(t, "🎉", payload["Emoji"])
}
