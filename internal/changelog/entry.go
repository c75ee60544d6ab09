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

// Package changelog defines the central change-log entry type and the
// repository that reads ranges of it, per spec section 3 ("Change log
// entry") and section 4.2.
package changelog

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/replistore/rowsync/internal/origin"
)

// Operation is one of the three row-level mutation kinds a trigger can
// record. The wire encoding (0/1/2) is fixed by spec section 6.
type Operation int

const (
	OpInsert Operation = 0
	OpUpdate Operation = 1
	OpDelete Operation = 2
)

func (op Operation) String() string {
	switch op {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Entry is a single change-log row: the unit the rest of the engine
// passes around between capture, mapping, apply, and subscription
// delivery.
type Entry struct {
	Version       int64
	TableName     string
	PKValue       json.RawMessage // canonical JSON object, e.g. {"Id":"u1"}
	Operation     Operation
	Payload       json.RawMessage // nil for deletes
	BeforePayload json.RawMessage // optional, update pre-image
	Origin        origin.ID
	Timestamp     time.Time
	RowHash       *string // nil for deletes
}

// IsDelete reports whether this entry is a tombstone.
func (e Entry) IsDelete() bool { return e.Operation == OpDelete }

// CanonicalPK re-serializes an arbitrary map of primary-key column
// values into the fixed, lexicographically-key-sorted JSON object
// shape required by spec section 3 so that two callers building the
// same key always produce byte-identical PKValue bytes.
func CanonicalPK(columns map[string]any) (json.RawMessage, error) {
	keys := make([]string, 0, len(columns))
	for k := range columns {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := json.Marshal(k)
		if err != nil {
			return nil, errors.Wrap(err, "marshaling pk column name")
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')
		valBytes, err := json.Marshal(columns[k])
		if err != nil {
			return nil, errors.Wrap(err, "marshaling pk column value")
		}
		buf.Write(valBytes)
	}
	buf.WriteByte('}')
	return json.RawMessage(buf.Bytes()), nil
}

// RowHash computes the SHA-256 over canonical JSON of (table, pk,
// payload), hex-encoded, as required by spec section 3. Deletes have
// no row hash; callers should not call this for delete entries.
func RowHash(table string, pk, payload json.RawMessage) (string, error) {
	doc := struct {
		Table   string          `json:"table"`
		PK      json.RawMessage `json:"pk"`
		Payload json.RawMessage `json:"payload"`
	}{Table: table, PK: pk, Payload: payload}
	canonical, err := json.Marshal(doc)
	if err != nil {
		return "", errors.Wrap(err, "marshaling row for hashing")
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// PKEquals reports whether two canonical PK documents refer to the
// same row. Because CanonicalPK always sorts keys, a plain byte
// comparison is sufficient.
func PKEquals(a, b json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(a), bytes.TrimSpace(b))
}
