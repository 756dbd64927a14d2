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

// Package provider fronts the pool of upstream Qwen accounts: one
// AccountProvider per credential, and a Manager that discovers accounts,
// rotates dispatch across them, and folds per-account failures into a single
// gateway-level outcome.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/qwengate/qwengate/auth"
	"github.com/qwengate/qwengate/log"
	"github.com/qwengate/qwengate/quota"
	"github.com/qwengate/qwengate/stream"
	"github.com/qwengate/qwengate/tasks"
)

const (
	chatTimeout   = 60 * time.Second
	searchTimeout = 30 * time.Second

	cooldownStep = 15 * time.Second

	searchPath = "/api/v1/indices/plugin/web_search"

	// the upstream rejects anonymous clients, so mimic the official CLI
	userAgent = "QwenCode/0.9.1 (linux; x64)"

	defaultSystemPrompt = "你是助手"
)

// Account-level initialization errors, surfaced through RuntimeState.
var (
	errMissingCreds = errors.New("Missing Credentials")
	errUnauthorized = errors.New("Unauthorized (Please Login)")
)

// An AccountProvider proxies requests for one upstream account and tracks its
// runtime health.
type AccountProvider struct {
	id          string
	auth        *auth.Manager
	quota       *quota.Manager
	tasks       *tasks.Runner
	client      *http.Client
	defaultBase string
	now         func() time.Time

	mu    sync.Mutex
	state RuntimeState
}

// NewAccountProvider constructs an AccountProvider in the initializing state.
func NewAccountProvider(id string, am *auth.Manager, qm *quota.Manager, tr *tasks.Runner, client *http.Client, defaultBase string) *AccountProvider {
	if client == nil {
		client = http.DefaultClient
	}
	return &AccountProvider{
		id:          id,
		auth:        am,
		quota:       qm,
		tasks:       tr,
		client:      client,
		defaultBase: defaultBase,
		now:         time.Now,
		state: RuntimeState{
			ID:     id,
			Status: StatusInitializing,
		},
	}
}

// ID returns the canonical account id.
func (p *AccountProvider) ID() string {
	return p.id
}

// Auth returns the account's credential manager.
func (p *AccountProvider) Auth() *auth.Manager {
	return p.auth
}

// Initialize loads credentials and settles the account's status. It never
// probes the upstream; a loadable, unexpired credential is assumed usable
// until a request proves otherwise.
func (p *AccountProvider) Initialize(ctx context.Context) {
	_, err := p.auth.GetValid(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case err == nil:
		p.state.Status = StatusActive
		p.state.LastError = ""
	case errors.Is(err, auth.ErrNoCredentials):
		p.state.Status = StatusError
		p.state.LastError = errMissingCreds.Error()
	case errors.Is(err, auth.ErrAuthExpired):
		p.state.Status = StatusError
		p.state.LastError = errUnauthorized.Error()
	default:
		p.state.Status = StatusError
		p.state.LastError = err.Error()
	}
	if p.state.Status == StatusError {
		log.Warnf("provider %s: %s", p.id, p.state.LastError)
	}
}

// CanAttempt reports whether the account is outside its failure cooldown.
func (p *AccountProvider) CanAttempt() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.RetryAfter.IsZero() || !p.now().Before(p.state.RetryAfter)
}

// State returns a copy of the runtime state, alias resolved from the
// credential cache when unset.
func (p *AccountProvider) State() RuntimeState {
	p.mu.Lock()
	s := p.state
	p.mu.Unlock()
	if s.Alias == "" {
		s.Alias = p.auth.CachedAlias()
	}
	return s
}

// SetAlias updates the display alias on the runtime state.
func (p *AccountProvider) SetAlias(alias string) {
	p.mu.Lock()
	p.state.Alias = alias
	p.mu.Unlock()
}

// markSuccess records a served request and resets the failure cooldown.
func (p *AccountProvider) markSuccess(latency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.Status = StatusActive
	p.state.LastError = ""
	p.state.TotalRequests++
	p.state.LastLatencyMs = latency.Milliseconds()
	p.state.LastUsedAt = p.now()
	p.state.RetryAfter = time.Time{}
}

// markFailure records a failed request and extends the cooldown. Consecutive
// failures push RetryAfter strictly forward even when they land within the
// same cooldown window.
func (p *AccountProvider) markFailure(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.Status = StatusError
	p.state.LastError = msg
	p.state.ErrorCount++
	p.state.LastUsedAt = p.now()

	retryAfter := p.now().Add(cooldownStep)
	if !retryAfter.After(p.state.RetryAfter) {
		retryAfter = p.state.RetryAfter.Add(cooldownStep)
	}
	p.state.RetryAfter = retryAfter
}

// HandleChat forwards an OpenAI-style chat completion to this account. The
// payload is shaped in place before encoding. A 401 triggers one forced
// refresh and retry; every other failure is terminal for this attempt.
func (p *AccountProvider) HandleChat(ctx context.Context, payload map[string]interface{}) (*Response, error) {
	creds, err := p.auth.GetValid(ctx)
	if err != nil {
		p.markFailure(err.Error())
		p.recordAuthFailure(quota.Chat, err)
		return nil, err
	}

	preparePayload(payload)
	body, err := json.Marshal(payload)
	if err != nil {
		p.markFailure(err.Error())
		p.quota.RecordFailure(p.id, quota.Chat, "runtime_error")
		return nil, errors.Wrap(err, "encode payload")
	}

	start := p.now()
	resp, cancel, err := p.postChat(ctx, creds, body)
	if err != nil {
		p.markFailure(err.Error())
		p.quota.RecordFailure(p.id, quota.Chat, "runtime_error")
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()

		creds, err = p.auth.Refresh(ctx, creds.RefreshToken)
		if err != nil {
			p.markFailure(err.Error())
			p.recordAuthFailure(quota.Chat, err)
			return nil, err
		}
		resp, cancel, err = p.postChat(ctx, creds, body)
		if err != nil {
			p.markFailure(err.Error())
			p.quota.RecordFailure(p.id, quota.Chat, "runtime_error")
			return nil, err
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer cancel()
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

		err := p.classifyChatStatus(resp.StatusCode, raw)
		p.markFailure(err.Error())
		return nil, err
	}

	p.markSuccess(p.now().Sub(start))
	p.tasks.Defer(func(context.Context) error {
		p.quota.IncrementUsage(p.id, quota.Chat)
		return nil
	})

	out := resp.Body
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		out = readCloser{stream.NewDedup(resp.Body), resp.Body}
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     proxyHeaders(resp.Header),
		Body:       cancelOnClose{out, cancel},
	}, nil
}

// postChat issues the upstream call. The returned cancel releases the request
// deadline and must be called once the body is finished.
func (p *AccountProvider) postChat(ctx context.Context, creds *auth.Credentials, body []byte) (*http.Response, context.CancelFunc, error) {
	reqCtx, cancel := context.WithTimeout(ctx, chatTimeout)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost,
		creds.BaseURL(p.defaultBase)+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	req.Header.Set("X-DashScope-AuthType", "qwen-oauth")
	req.Header.Set("X-DashScope-CacheControl", "enable")
	req.Header.Set("X-DashScope-UserAgent", userAgent)
	req.Header.Set("User-Agent", userAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		cancel()
		return nil, nil, errors.Wrap(err, "upstream chat")
	}
	return resp, cancel, nil
}

// classifyChatStatus maps a non-2xx upstream status to an account error and
// writes the matching audit row.
func (p *AccountProvider) classifyChatStatus(status int, body []byte) error {
	if status == http.StatusTooManyRequests {
		if isQuotaExhausted(body) {
			p.quota.RecordFailure(p.id, quota.Chat, "upstream_quota_exceeded")
			return ErrQuotaExceeded
		}
		p.quota.RecordFailure(p.id, quota.Chat, "upstream_429")
		return ErrRateLimited
	}
	p.quota.RecordFailure(p.id, quota.Chat, fmt.Sprintf("upstream_%d", status))
	return &UpstreamError{StatusCode: status}
}

// recordAuthFailure audits a failed attempt that never reached the upstream.
// A missing credential writes nothing: the account has no identity to bill.
func (p *AccountProvider) recordAuthFailure(kind quota.Kind, err error) {
	switch {
	case errors.Is(err, auth.ErrNoCredentials):
	case errors.Is(err, auth.ErrAuthExpired):
		p.quota.RecordFailure(p.id, kind, "auth_expired")
	default:
		p.quota.RecordFailure(p.id, kind, "runtime_error")
	}
}

// isQuotaExhausted distinguishes free-tier exhaustion from transient rate
// limiting on a 429 body.
func isQuotaExhausted(body []byte) bool {
	s := strings.ToLower(string(body))
	return strings.Contains(s, "insufficient_quota") ||
		strings.Contains(s, "free allocated quota exceeded")
}

// HandleSearch runs a web search through this account and normalizes the
// reply.
func (p *AccountProvider) HandleSearch(ctx context.Context, query string) (*SearchResult, error) {
	creds, err := p.auth.GetValid(ctx)
	if err != nil {
		p.markFailure(err.Error())
		p.recordAuthFailure(quota.Search, err)
		return nil, err
	}

	body, _ := json.Marshal(map[string]interface{}{
		"uq":   query,
		"page": 1,
		"rows": 10,
	})

	reqCtx, cancel := context.WithTimeout(ctx, searchTimeout)
	defer cancel()

	// search lives at the host root, not under /v1
	url := strings.TrimSuffix(creds.BaseURL(p.defaultBase), "/v1") + searchPath
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		p.markFailure(err.Error())
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	req.Header.Set("User-Agent", userAgent)

	start := p.now()
	resp, err := p.client.Do(req)
	if err != nil {
		p.markFailure(err.Error())
		p.quota.RecordFailure(p.id, quota.Search, "runtime_error")
		return nil, errors.Wrap(err, "upstream search")
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		p.markFailure(err.Error())
		p.quota.RecordFailure(p.id, quota.Search, "runtime_error")
		return nil, errors.Wrap(err, "read search reply")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var clsErr error
		switch resp.StatusCode {
		case http.StatusTooManyRequests:
			p.quota.RecordFailure(p.id, quota.Search, "upstream_429")
			clsErr = ErrRateLimited
		default:
			p.quota.RecordFailure(p.id, quota.Search, fmt.Sprintf("upstream_%d", resp.StatusCode))
			clsErr = &UpstreamError{StatusCode: resp.StatusCode}
		}
		p.markFailure(clsErr.Error())
		return nil, clsErr
	}

	var reply searchReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		p.markFailure(err.Error())
		p.quota.RecordFailure(p.id, quota.Search, "invalid_payload")
		return nil, errors.Wrap(err, "decode search reply")
	}
	// a 2xx carrying a non-zero status is still a failure
	if reply.Data.Status != 0 {
		err := errors.Errorf("search status %d", reply.Data.Status)
		p.markFailure(err.Error())
		p.quota.RecordFailure(p.id, quota.Search, "invalid_payload")
		return nil, err
	}

	p.markSuccess(p.now().Sub(start))
	p.tasks.Defer(func(context.Context) error {
		p.quota.IncrementUsage(p.id, quota.Search)
		return nil
	})

	result := &SearchResult{Success: true, Query: query, Results: []SearchResultItem{}}
	for _, item := range reply.Data.Result.Items {
		result.Results = append(result.Results, SearchResultItem{
			Title:         item.Title,
			URL:           item.URL,
			Content:       item.Snippet,
			Score:         item.Score,
			PublishedDate: item.TimestampFormat,
		})
	}
	return result, nil
}

type searchReply struct {
	Data struct {
		Status int `json:"status"`
		Result struct {
			Items []struct {
				Title           string  `json:"title"`
				URL             string  `json:"url"`
				Snippet         string  `json:"snippet"`
				Score           float64 `json:"_score"`
				TimestampFormat string  `json:"timestamp_format"`
			} `json:"items"`
		} `json:"result"`
	} `json:"data"`
}

// preparePayload injects a default system message when the conversation has
// none and marks the system and final messages for upstream prompt caching.
func preparePayload(payload map[string]interface{}) {
	msgs, ok := payload["messages"].([]interface{})
	if !ok || len(msgs) == 0 {
		return
	}

	systemIdx := -1
	for i, m := range msgs {
		if msg, ok := m.(map[string]interface{}); ok && msg["role"] == "system" {
			systemIdx = i
			break
		}
	}
	if systemIdx < 0 {
		msgs = append([]interface{}{map[string]interface{}{
			"role":    "system",
			"content": defaultSystemPrompt,
		}}, msgs...)
		payload["messages"] = msgs
		systemIdx = 0
	}

	markCacheControl(msgs[systemIdx])
	markCacheControl(msgs[len(msgs)-1])
}

// markCacheControl tags the last text part of a message with an ephemeral
// cache point, promoting string content to the parts form first.
func markCacheControl(m interface{}) {
	msg, ok := m.(map[string]interface{})
	if !ok {
		return
	}
	switch content := msg["content"].(type) {
	case string:
		msg["content"] = []interface{}{map[string]interface{}{
			"type":          "text",
			"text":          content,
			"cache_control": map[string]interface{}{"type": "ephemeral"},
		}}
	case []interface{}:
		for i := len(content) - 1; i >= 0; i-- {
			if part, ok := content[i].(map[string]interface{}); ok && part["type"] == "text" {
				part["cache_control"] = map[string]interface{}{"type": "ephemeral"}
				return
			}
		}
	}
}

// proxyHeaders copies upstream headers, dropping the hop-by-hop and framing
// headers that no longer describe the proxied body.
func proxyHeaders(h http.Header) http.Header {
	out := http.Header{}
	for k, vs := range h {
		switch strings.ToLower(k) {
		case "content-encoding", "content-length", "transfer-encoding", "connection":
			continue
		}
		for _, v := range vs {
			out.Add(k, v)
		}
	}
	return out
}

// readCloser pairs a transforming reader with the underlying body's closer.
type readCloser struct {
	io.Reader
	io.Closer
}

// cancelOnClose releases the request deadline when the body is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
