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
	"time"

	"github.com/pkg/errors"
	"github.com/replistore/rowsync/internal/origin"
)

// WireEntry is the JSON shape exchanged over /sync/changes in both
// directions, fixed by spec section 6. PkValue and Payload carry
// nested JSON as strings, not objects, so that round-trips are
// byte-identical regardless of map key ordering on either side.
type WireEntry struct {
	Version   int64   `json:"Version"`
	TableName string  `json:"TableName"`
	PkValue   string  `json:"PkValue"`
	Operation int     `json:"Operation"`
	Payload   *string `json:"Payload"`
	Origin    string  `json:"Origin"`
	Timestamp string  `json:"Timestamp"`
	RowHash   *string `json:"RowHash"`
}

const wireTimeFormat = "2006-01-02T15:04:05.000Z"

// ToWire converts an internal Entry into its wire representation.
func (e Entry) ToWire() (WireEntry, error) {
	w := WireEntry{
		Version:   e.Version,
		TableName: e.TableName,
		PkValue:   string(e.PKValue),
		Operation: int(e.Operation),
		Origin:    e.Origin.String(),
		Timestamp: e.Timestamp.UTC().Format(wireTimeFormat),
		RowHash:   e.RowHash,
	}
	if len(e.Payload) > 0 {
		payload := string(e.Payload)
		w.Payload = &payload
	}
	return w, nil
}

// FromWire parses a wire entry back into an Entry, validating the
// operation code and timestamp per spec section 6.
func FromWire(w WireEntry) (Entry, error) {
	if w.Operation < int(OpInsert) || w.Operation > int(OpDelete) {
		return Entry{}, errors.Errorf("changelog: invalid operation code %d", w.Operation)
	}
	ts, err := time.Parse(wireTimeFormat, w.Timestamp)
	if err != nil {
		// Be lenient about sub-millisecond precision or a trailing
		// offset instead of literal "Z".
		ts, err = time.Parse(time.RFC3339Nano, w.Timestamp)
		if err != nil {
			return Entry{}, errors.Wrap(err, "parsing wire timestamp")
		}
	}
	originID, err := origin.Parse(w.Origin)
	if err != nil {
		return Entry{}, err
	}

	e := Entry{
		Version:   w.Version,
		TableName: w.TableName,
		PKValue:   json.RawMessage(w.PkValue),
		Operation: Operation(w.Operation),
		Origin:    originID,
		Timestamp: ts,
		RowHash:   w.RowHash,
	}
	if w.Payload != nil {
		e.Payload = json.RawMessage(*w.Payload)
	}
	return e, nil
}
