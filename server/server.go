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

// Package server exposes the gateway's HTTP surface: the OpenAI-compatible
// /v1 endpoints and the /admin console API.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/qwengate/qwengate/blob"
	"github.com/qwengate/qwengate/config"
	"github.com/qwengate/qwengate/log"
	"github.com/qwengate/qwengate/provider"
	"github.com/qwengate/qwengate/quota"
	"github.com/qwengate/qwengate/registry"
)

// Options configures a Server.
type Options struct {
	// Config is the loaded gateway configuration.
	Config *config.Config
	// Pool dispatches to the account pool.
	Pool *provider.Manager
	// Quota serves usage views for the admin console.
	Quota *quota.Manager
	// Registry records account identities.
	Registry *registry.Registry
	// Store holds credentials and pending device-auth sessions.
	Store blob.Store
	// Client is a configured HTTPClient for OAuth calls.
	Client *http.Client
}

func (o *Options) validate() error {
	if o.Config == nil || o.Pool == nil || o.Quota == nil || o.Registry == nil || o.Store == nil {
		return fmt.Errorf("config, pool, quota, registry, and store are required")
	}
	if o.Client == nil {
		o.Client = http.DefaultClient
	}
	return nil
}

// Server is the HTTP layer.
type Server struct {
	opts   Options
	router chi.Router
}

// New constructs a Server with all routes mounted.
func New(opts Options) (*Server, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	s := &Server{opts: opts}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.requireAPIKey)
		r.Post("/chat/completions", s.handleChatCompletions)
		r.Post("/tools/web_search", s.handleWebSearch)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.requireAdminKey)
		r.Get("/stats", s.handleStats)
		r.Get("/audit", s.handleAudit)
		r.Post("/rescan", s.handleRescan)
		r.Post("/auth/start", s.handleAuthStart)
		r.Post("/auth/poll", s.handleAuthPoll)
		r.Patch("/providers/{id}", s.handleProviderRename)
		r.Delete("/providers/{id}", s.handleProviderDelete)
	})

	s.router = r
	return s, nil
}

// Handler returns the mounted router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requireAPIKey guards the /v1 surface with the configured bearer key.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if header == "" || token == header || token != s.opts.Config.APIKey {
			respond(w, http.StatusUnauthorized, map[string]string{"error": "Invalid API key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireAdminKey guards the /admin surface.
func (s *Server) requireAdminKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Admin-Key") != s.opts.Config.AdminKey {
			respond(w, http.StatusUnauthorized, map[string]string{"error": "Invalid admin key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// respond writes v as JSON with the given status.
func respond(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugf("write response: %v", err)
	}
}

// respondDispatchError renders an aggregate pool failure verbatim.
func respondDispatchError(w http.ResponseWriter, de *provider.DispatchError) {
	respond(w, de.StatusCode, de)
}
