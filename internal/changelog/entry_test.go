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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicalPKSortsKeys(t *testing.T) {
	a, err := CanonicalPK(map[string]any{"Id": "u1", "TenantId": "t1"})
	require.NoError(t, err)
	b, err := CanonicalPK(map[string]any{"TenantId": "t1", "Id": "u1"})
	require.NoError(t, err)
	require.Equal(t, string(a), string(b))
	require.Equal(t, `{"Id":"u1","TenantId":"t1"}`, string(a))
}

func TestPKEqualsIgnoresWhitespace(t *testing.T) {
	a := []byte(`{"Id":"u1"}`)
	b := []byte(` {"Id":"u1"} `)
	require.True(t, PKEquals(a, b))
}

func TestRowHashIsDeterministicAndSensitiveToPayload(t *testing.T) {
	h1, err := RowHash("users", []byte(`{"Id":"u1"}`), []byte(`{"Name":"Ann"}`))
	require.NoError(t, err)
	h2, err := RowHash("users", []byte(`{"Id":"u1"}`), []byte(`{"Name":"Ann"}`))
	require.NoError(t, err)
	require.Equal(t, h1, h2)

	h3, err := RowHash("users", []byte(`{"Id":"u1"}`), []byte(`{"Name":"Bob"}`))
	require.NoError(t, err)
	require.NotEqual(t, h1, h3)
}

func TestOperationString(t *testing.T) {
	require.Equal(t, "insert", OpInsert.String())
	require.Equal(t, "update", OpUpdate.String())
	require.Equal(t, "delete", OpDelete.String())
	require.Equal(t, "unknown", Operation(99).String())
}

func TestEntryIsDelete(t *testing.T) {
	require.True(t, Entry{Operation: OpDelete}.IsDelete())
	require.False(t, Entry{Operation: OpInsert}.IsDelete())
}
