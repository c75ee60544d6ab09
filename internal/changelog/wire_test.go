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
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/replistore/rowsync/internal/origin"
)

func TestWireRoundTripInsert(t *testing.T) {
	hash := "abc123"
	want := Entry{
		Version:   7,
		TableName: "orders",
		PKValue:   json.RawMessage(`{"Id":"o1"}`),
		Operation: OpInsert,
		Payload:   json.RawMessage(`{"Total":42}`),
		Origin:    origin.New(),
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		RowHash:   &hash,
	}

	wire, err := want.ToWire()
	require.NoError(t, err)
	require.Equal(t, want.Origin.String(), wire.Origin)

	got, err := FromWire(wire)
	require.NoError(t, err)
	require.Equal(t, want.Version, got.Version)
	require.Equal(t, want.TableName, got.TableName)
	require.True(t, PKEquals(want.PKValue, got.PKValue))
	require.Equal(t, want.Operation, got.Operation)
	require.JSONEq(t, string(want.Payload), string(got.Payload))
	require.Equal(t, want.Origin, got.Origin)
	require.True(t, want.Timestamp.Equal(got.Timestamp))
	require.Equal(t, *want.RowHash, *got.RowHash)
}

func TestWireRoundTripDeleteHasNoPayload(t *testing.T) {
	want := Entry{
		Version:   8,
		TableName: "orders",
		PKValue:   json.RawMessage(`{"Id":"o1"}`),
		Operation: OpDelete,
		Origin:    origin.New(),
		Timestamp: time.Now().UTC(),
	}
	wire, err := want.ToWire()
	require.NoError(t, err)
	require.Nil(t, wire.Payload)

	got, err := FromWire(wire)
	require.NoError(t, err)
	require.True(t, got.IsDelete())
	require.Nil(t, got.Payload)
}

func TestFromWireRejectsInvalidOperation(t *testing.T) {
	_, err := FromWire(WireEntry{Operation: 9, Origin: origin.New().String(), Timestamp: "2026-01-01T00:00:00.000Z"})
	require.Error(t, err)
}

func TestFromWireRejectsMalformedOrigin(t *testing.T) {
	_, err := FromWire(WireEntry{Operation: 0, Origin: "not-a-uuid", Timestamp: "2026-01-01T00:00:00.000Z"})
	require.Error(t, err)
}
