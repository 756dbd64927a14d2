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
	"io"
	"net/http"

	"github.com/qwengate/qwengate/log"
	"github.com/qwengate/qwengate/provider"
)

// handleChatCompletions proxies an OpenAI-style chat completion through the
// pool. The request body is decoded loosely so unknown fields pass through to
// the upstream untouched.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var payload map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respond(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON body"})
		return
	}

	if model, ok := payload["model"].(string); ok {
		payload["model"] = s.opts.Config.MapModel(model)
	}

	resp, err := s.opts.Pool.ChatCompletions(r.Context(), payload)
	if err != nil {
		if de, ok := err.(*provider.DispatchError); ok {
			respondDispatchError(w, de)
			return
		}
		respond(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	streamCopy(w, resp.Body)
}

// streamCopy copies body to w, flushing after every chunk so SSE deltas reach
// the client as they arrive.
func streamCopy(w http.ResponseWriter, body io.Reader) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				log.Debugf("client gone: %v", werr)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF {
				log.Debugf("upstream stream: %v", err)
			}
			return
		}
	}
}

// handleWebSearch runs a web search through the pool.
func (s *Server) handleWebSearch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query string `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Query == "" {
		respond(w, http.StatusBadRequest, map[string]string{"error": "Missing query"})
		return
	}

	result, err := s.opts.Pool.WebSearch(r.Context(), req.Query)
	if err != nil {
		if de, ok := err.(*provider.DispatchError); ok {
			respondDispatchError(w, de)
			return
		}
		respond(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	respond(w, http.StatusOK, result)
}
