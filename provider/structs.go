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

package provider

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// Status is an account's runtime lifecycle state.
type Status string

// Statuses
const (
	StatusInitializing Status = "initializing"
	StatusActive       Status = "active"
	StatusError        Status = "error"
	StatusInactive     Status = "inactive"
)

// RuntimeState is the in-memory view of one account. It is never persisted.
type RuntimeState struct {
	ID            string    `json:"id"`
	Alias         string    `json:"alias,omitempty"`
	Status        Status    `json:"status"`
	LastError     string    `json:"last_error,omitempty"`
	TotalRequests int64     `json:"total_requests"`
	ErrorCount    int64     `json:"error_count"`
	LastLatencyMs int64     `json:"last_latency_ms,omitempty"`
	LastUsedAt    time.Time `json:"last_used_at,omitempty"`
	RetryAfter    time.Time `json:"retry_after,omitempty"`
}

// Response is an upstream reply handed back to the HTTP layer. Body is
// streamed; the caller owns closing it.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// SearchResult is the normalized web-search reply.
type SearchResult struct {
	Success bool               `json:"success"`
	Query   string             `json:"query"`
	Results []SearchResultItem `json:"results"`
}

// SearchResultItem is one normalized search hit.
type SearchResultItem struct {
	Title         string  `json:"title"`
	URL           string  `json:"url"`
	Content       string  `json:"content"`
	Score         float64 `json:"score,omitempty"`
	PublishedDate string  `json:"publishedDate,omitempty"`
}

// Sentinel account-level failures, classified by the pool.
var (
	ErrRateLimited   = errors.New("Rate limited")
	ErrQuotaExceeded = errors.New("Quota exceeded (Qwen free tier)")
)

// UpstreamError is a non-2xx upstream reply other than the classified 429s.
type UpstreamError struct {
	StatusCode int
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("Upstream Error: %d", e.StatusCode)
}

// DispatchError is the aggregate outcome when no account could serve the
// request. The HTTP layer renders it verbatim.
type DispatchError struct {
	StatusCode int      `json:"-"`
	Message    string   `json:"error"`
	Details    string   `json:"details,omitempty"`
	Attempts   int      `json:"attempts,omitempty"`
	Errors     []string `json:"errors,omitempty"`
}

func (e *DispatchError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Details)
	}
	return e.Message
}
