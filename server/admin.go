// Copyright 2025 Qwengate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/qwengate/qwengate/auth"
	"github.com/qwengate/qwengate/log"
	"github.com/qwengate/qwengate/provider"
	"github.com/qwengate/qwengate/quota"
)

const (
	pendingAuthPrefix = "device_auth_"
	pendingAuthTTL    = 10 * time.Minute
)

// providerStats is one account row in the stats view.
type providerStats struct {
	provider.RuntimeState
	Usage quota.Usage `json:"usage"`
}

// handleStats returns the pool snapshot with usage, plus process-level
// counters.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	states := s.opts.Pool.Snapshot()
	ids := make([]string, 0, len(states))
	for _, st := range states {
		ids = append(ids, st.ID)
	}
	usage := s.opts.Quota.GetUsageBatch(r.Context(), ids)

	rows := make([]providerStats, 0, len(states))
	for _, st := range states {
		rows = append(rows, providerStats{RuntimeState: st, Usage: usage[st.ID]})
	}

	respond(w, http.StatusOK, map[string]interface{}{
		"uptime_start": s.opts.Quota.UptimeStart(r.Context()),
		"counters":     s.opts.Quota.GlobalCounters(r.Context()),
		"providers":    rows,
	})
}

// handleAudit returns recent audit rows, newest first.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	rows, err := s.opts.Quota.GetRecentAudit(r.Context(), limit)
	if err != nil {
		respond(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if rows == nil {
		rows = []quota.AuditRow{}
	}
	respond(w, http.StatusOK, map[string]interface{}{"audit": rows})
}

// handleRescan rebuilds the pool. mode=full sweeps the credential store.
func (s *Server) handleRescan(w http.ResponseWriter, r *http.Request) {
	mode := provider.ScanLight
	if r.URL.Query().Get("mode") == "full" {
		mode = provider.ScanFull
	}
	if err := s.opts.Pool.Scan(r.Context(), mode); err != nil {
		log.Warnf("admin rescan: %v", err)
	}
	respond(w, http.StatusOK, map[string]interface{}{"providers": s.opts.Pool.Count()})
}

// pendingAuth is a device-code session awaiting user verification.
type pendingAuth struct {
	CredsKey string `json:"creds_key"`
	Verifier string `json:"verifier"`
}

// handleAuthStart begins device-code enrollment of a new account and stashes
// the PKCE session keyed by device code.
func (s *Server) handleAuthStart(w http.ResponseWriter, r *http.Request) {
	verifier, challenge, err := auth.GeneratePKCE()
	if err != nil {
		respond(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	credsKey := auth.NewCredsKey()
	am, err := auth.NewManager(auth.Options{
		Store:    s.opts.Store,
		CredsKey: credsKey,
		ClientID: s.opts.Config.QwenOAuthClientID,
		Client:   s.opts.Client,
	})
	if err != nil {
		respond(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	da, err := am.StartDeviceAuth(r.Context(), challenge)
	if err != nil {
		respond(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}

	session, _ := json.Marshal(pendingAuth{CredsKey: credsKey, Verifier: verifier})
	ttl := pendingAuthTTL
	if da.ExpiresIn > 0 {
		ttl = time.Duration(da.ExpiresIn) * time.Second
	}
	if err := s.opts.Store.Set(r.Context(), pendingAuthPrefix+da.DeviceCode, session, ttl); err != nil {
		respond(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	respond(w, http.StatusOK, map[string]interface{}{
		"id":                        credsKey,
		"device_code":               da.DeviceCode,
		"user_code":                 da.UserCode,
		"verification_uri":          da.VerificationURI,
		"verification_uri_complete": da.VerificationURIComplete,
		"expires_in":                da.ExpiresIn,
		"interval":                  da.Interval,
	})
}

// handleAuthPoll exchanges the device code once; the client calls it on the
// advertised polling interval until the user completes verification.
func (s *Server) handleAuthPoll(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceCode string `json:"device_code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceCode == "" {
		respond(w, http.StatusBadRequest, map[string]string{"error": "Missing device_code"})
		return
	}

	raw, err := s.opts.Store.Get(r.Context(), pendingAuthPrefix+req.DeviceCode)
	if err != nil {
		respond(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if raw == nil {
		respond(w, http.StatusGone, map[string]string{"error": "Unknown or expired device code"})
		return
	}
	var session pendingAuth
	if err := json.Unmarshal(raw, &session); err != nil {
		respond(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	am, err := auth.NewManager(auth.Options{
		Store:    s.opts.Store,
		CredsKey: session.CredsKey,
		ClientID: s.opts.Config.QwenOAuthClientID,
		Client:   s.opts.Client,
	})
	if err != nil {
		respond(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	_, pending, err := am.ExchangeDeviceCode(r.Context(), req.DeviceCode, session.Verifier)
	if err != nil {
		respond(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	if pending {
		respond(w, http.StatusOK, map[string]string{"status": "pending"})
		return
	}

	if err := s.opts.Registry.Upsert(r.Context(), session.CredsKey); err != nil {
		log.Errorf("register %s: %v", session.CredsKey, err)
	}
	if err := s.opts.Store.Delete(r.Context(), pendingAuthPrefix+req.DeviceCode); err != nil {
		log.Warnf("drop pending auth: %v", err)
	}
	if err := s.opts.Pool.Scan(r.Context(), provider.ScanLight); err != nil {
		log.Warnf("post-enroll rescan: %v", err)
	}

	respond(w, http.StatusOK, map[string]string{"status": "complete", "id": session.CredsKey})
}

// handleProviderRename sets an account's display alias.
func (s *Server) handleProviderRename(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Alias string `json:"alias"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Alias == "" {
		respond(w, http.StatusBadRequest, map[string]string{"error": "Missing alias"})
		return
	}
	if err := s.opts.Pool.Rename(r.Context(), id, req.Alias); err != nil {
		respond(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	respond(w, http.StatusOK, map[string]string{"id": id, "alias": req.Alias})
}

// handleProviderDelete removes an account and its credentials.
func (s *Server) handleProviderDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.opts.Pool.Provider(id) == nil {
		respond(w, http.StatusNotFound, map[string]string{"error": "Unknown provider"})
		return
	}
	if err := s.opts.Pool.Remove(r.Context(), id); err != nil {
		respond(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	respond(w, http.StatusOK, map[string]string{"deleted": id})
}
