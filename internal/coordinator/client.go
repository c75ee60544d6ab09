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

// Package coordinator drives the pull/push sync cycle against remote
// peers, per spec section 4.7. Grounded on the teacher's two
// replicator loops (logical.Loop and cdc.Resolver's timed resolution
// loop), unified here into one dialect-agnostic coordinator per
// DESIGN.md's resolution of Open Question 1.
package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/pkg/errors"

	"github.com/replistore/rowsync/internal/changelog"
)

// PermanentError wraps a peer HTTP response whose status code
// indicates the request itself is permanently invalid (4xx other than
// 429), so retrying it verbatim would never succeed. RunPeer
// quarantines a peer after seeing one of these.
type PermanentError struct {
	StatusCode int
	Body       string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("peer returned permanent error: %d: %s", e.StatusCode, e.Body)
}

// Client talks to one remote peer's HTTP surface, per spec section 4.9.
type Client interface {
	// FetchChanges requests entries strictly after fromVersion, capped
	// at limit, via GET /sync/changes?fromVersion=&limit=.
	FetchChanges(ctx context.Context, fromVersion int64, limit int) (entries []changelog.WireEntry, hasMore bool, err error)
	// PushChanges sends entries to the peer for it to apply via
	// POST /sync/changes, tagged with our originId.
	PushChanges(ctx context.Context, originID string, entries []changelog.WireEntry) (applied int, err error)
	// FetchState reads GET /sync/state, used to learn the peer's
	// origin id so pushes can echo-filter it out.
	FetchState(ctx context.Context) (originID string, connectedClients int, err error)
}

// httpClient is the production Client, grounded on the teacher's use
// of a plain *http.Client against its own HTTP surface in
// sinktest/all/fixture.go rather than a generated RPC stub.
type httpClient struct {
	base string
	hc   *http.Client
}

// NewHTTPClient constructs a Client bound to a peer's base URL
// (e.g. "https://peer.example.com").
func NewHTTPClient(baseURL string, hc *http.Client) Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &httpClient{base: baseURL, hc: hc}
}

type changesResponse struct {
	Changes     []changelog.WireEntry `json:"changes"`
	FromVersion int64                 `json:"fromVersion"`
	ToVersion   int64                 `json:"toVersion"`
	HasMore     bool                  `json:"hasMore"`
}

type pushRequest struct {
	OriginID string                 `json:"originId"`
	Changes  []changelog.WireEntry  `json:"changes"`
}

type pushResponse struct {
	Applied int `json:"applied"`
}

type stateResponse struct {
	OriginID         string `json:"originId"`
	ConnectedClients int    `json:"connectedClients"`
}

func (c *httpClient) FetchChanges(ctx context.Context, fromVersion int64, limit int) ([]changelog.WireEntry, bool, error) {
	url := fmt.Sprintf("%s/sync/changes?fromVersion=%d&limit=%d", c.base, fromVersion, limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, errors.Wrap(err, "building fetch-changes request")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, false, errors.Wrap(err, "fetching changes from peer")
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, false, &PermanentError{StatusCode: resp.StatusCode, Body: string(body)}
		}
		return nil, false, errors.Errorf("peer returned %d: %s", resp.StatusCode, body)
	}
	var parsed changesResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, false, errors.Wrap(err, "decoding changes response")
	}
	return parsed.Changes, parsed.HasMore, nil
}

func (c *httpClient) PushChanges(ctx context.Context, originID string, entries []changelog.WireEntry) (int, error) {
	body, err := json.Marshal(pushRequest{OriginID: originID, Changes: entries})
	if err != nil {
		return 0, errors.Wrap(err, "encoding push request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/sync/changes", bytes.NewReader(body))
	if err != nil {
		return 0, errors.Wrap(err, "building push request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, errors.Wrap(err, "pushing changes to peer")
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return 0, &PermanentError{StatusCode: resp.StatusCode, Body: string(respBody)}
		}
		return 0, errors.Errorf("peer returned %d: %s", resp.StatusCode, respBody)
	}
	var parsed pushResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return 0, errors.Wrap(err, "decoding push response")
	}
	return parsed.Applied, nil
}

func (c *httpClient) FetchState(ctx context.Context) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/sync/state", nil)
	if err != nil {
		return "", 0, errors.Wrap(err, "building fetch-state request")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return "", 0, errors.Wrap(err, "fetching peer state")
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return "", 0, errors.Errorf("peer returned %d: %s", resp.StatusCode, body)
	}
	var parsed stateResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", 0, errors.Wrap(err, "decoding state response")
	}
	return parsed.OriginID, parsed.ConnectedClients, nil
}
