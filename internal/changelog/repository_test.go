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

package changelog_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/replistore/rowsync/internal/changelog"
	"github.com/replistore/rowsync/internal/origin"
	"github.com/replistore/rowsync/internal/testutil"
)

func TestAppendAndFetchChanges(t *testing.T) {
	fx, cleanup, err := testutil.NewFixture()
	require.NoError(t, err)
	defer cleanup()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := fx.Repo.Append(ctx, changelog.Entry{
			TableName: "orders",
			PKValue:   json.RawMessage(`{"Id":"o` + string(rune('1'+i)) + `"}`),
			Operation: changelog.OpInsert,
			Payload:   json.RawMessage(`{"Total":1}`),
			Origin:    fx.OriginID,
			Timestamp: time.Now().UTC(),
		})
		require.NoError(t, err)
	}

	entries, hasMore, err := fx.Repo.FetchChanges(ctx, 0, 10, nil)
	require.NoError(t, err)
	require.False(t, hasMore)
	require.Len(t, entries, 3)
	require.Equal(t, int64(1), entries[0].Version)
	require.Equal(t, int64(3), entries[2].Version)
}

func TestFetchChangesClampsToBatchLimit(t *testing.T) {
	fx, cleanup, err := testutil.NewFixture()
	require.NoError(t, err)
	defer cleanup()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := fx.Repo.Append(ctx, changelog.Entry{
			TableName: "orders",
			PKValue:   json.RawMessage(`{"Id":"o` + string(rune('1'+i)) + `"}`),
			Operation: changelog.OpInsert,
			Payload:   json.RawMessage(`{"Total":1}`),
			Origin:    fx.OriginID,
			Timestamp: time.Now().UTC(),
		})
		require.NoError(t, err)
	}

	entries, hasMore, err := fx.Repo.FetchChanges(ctx, 0, 2, nil)
	require.NoError(t, err)
	require.True(t, hasMore)
	require.Len(t, entries, 2)
}

func TestFetchChangesFiltersEcho(t *testing.T) {
	fx, cleanup, err := testutil.NewFixture()
	require.NoError(t, err)
	defer cleanup()

	ctx := context.Background()
	peerOrigin := origin.New()
	_, err = fx.Repo.Append(ctx, changelog.Entry{
		TableName: "orders", PKValue: json.RawMessage(`{"Id":"o1"}`),
		Operation: changelog.OpInsert, Payload: json.RawMessage(`{}`),
		Origin: peerOrigin, Timestamp: time.Now().UTC(),
	})
	require.NoError(t, err)
	_, err = fx.Repo.Append(ctx, changelog.Entry{
		TableName: "orders", PKValue: json.RawMessage(`{"Id":"o2"}`),
		Operation: changelog.OpInsert, Payload: json.RawMessage(`{}`),
		Origin: fx.OriginID, Timestamp: time.Now().UTC(),
	})
	require.NoError(t, err)

	entries, _, err := fx.Repo.FetchChanges(ctx, 0, 10, &peerOrigin)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, fx.OriginID, entries[0].Origin)
}

func TestWatermarkDefaultsToZero(t *testing.T) {
	fx, cleanup, err := testutil.NewFixture()
	require.NoError(t, err)
	defer cleanup()

	lastPulled, lastPushed, err := fx.Repo.Watermark(context.Background(), "peer-a")
	require.NoError(t, err)
	require.Zero(t, lastPulled)
	require.Zero(t, lastPushed)
}

func TestSetWatermarkOnlyAdvances(t *testing.T) {
	fx, cleanup, err := testutil.NewFixture()
	require.NoError(t, err)
	defer cleanup()

	ctx := context.Background()
	require.NoError(t, fx.Repo.SetWatermark(ctx, "peer-a", "http://peer-a", changelog.FieldLastPulled, 10))
	require.NoError(t, fx.Repo.SetWatermark(ctx, "peer-a", "http://peer-a", changelog.FieldLastPulled, 5))

	lastPulled, _, err := fx.Repo.Watermark(ctx, "peer-a")
	require.NoError(t, err)
	require.Equal(t, int64(10), lastPulled)
}

func TestFindLatestReturnsMostRecentEntryForKey(t *testing.T) {
	fx, cleanup, err := testutil.NewFixture()
	require.NoError(t, err)
	defer cleanup()

	ctx := context.Background()
	_, _, err = fx.Repo.FindLatest(ctx, "orders", json.RawMessage(`{"Id":"o1"}`))
	require.NoError(t, err)

	_, err = fx.Repo.Append(ctx, changelog.Entry{
		TableName: "orders", PKValue: json.RawMessage(`{"Id":"o1"}`),
		Operation: changelog.OpInsert, Payload: json.RawMessage(`{"Total":1}`),
		Origin: fx.OriginID, Timestamp: time.Now().UTC(),
	})
	require.NoError(t, err)
	_, err = fx.Repo.Append(ctx, changelog.Entry{
		TableName: "orders", PKValue: json.RawMessage(`{"Id":"o1"}`),
		Operation: changelog.OpUpdate, Payload: json.RawMessage(`{"Total":2}`),
		Origin: fx.OriginID, Timestamp: time.Now().UTC(),
	})
	require.NoError(t, err)

	latest, found, err := fx.Repo.FindLatest(ctx, "orders", json.RawMessage(`{"Id":"o1"}`))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(2), latest.Version)
	require.Equal(t, changelog.OpUpdate, latest.Operation)
}

func TestFindLatestMissingKeyNotFound(t *testing.T) {
	fx, cleanup, err := testutil.NewFixture()
	require.NoError(t, err)
	defer cleanup()

	_, found, err := fx.Repo.FindLatest(context.Background(), "orders", json.RawMessage(`{"Id":"missing"}`))
	require.NoError(t, err)
	require.False(t, found)
}

func TestPeerOriginRoundTrip(t *testing.T) {
	fx, cleanup, err := testutil.NewFixture()
	require.NoError(t, err)
	defer cleanup()

	ctx := context.Background()
	_, ok, err := fx.Repo.PeerOrigin(ctx, "peer-a")
	require.NoError(t, err)
	require.False(t, ok)

	remote := origin.New()
	require.NoError(t, fx.Repo.SetPeerOrigin(ctx, "peer-a", "http://peer-a", remote))

	got, ok, err := fx.Repo.PeerOrigin(ctx, "peer-a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, remote, got)
}
