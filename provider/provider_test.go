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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/qwengate/qwengate/auth"
	"github.com/qwengate/qwengate/blob"
	"github.com/qwengate/qwengate/quota"
	"github.com/qwengate/qwengate/tasks"
)

func seedCreds(t *testing.T, store blob.Store, key, token, resourceURL string) {
	t.Helper()
	raw, err := json.Marshal(auth.Credentials{
		AccessToken:  token,
		RefreshToken: "refresh-" + token,
		ResourceURL:  resourceURL,
		ExpiryDate:   time.Now().Add(time.Hour).UnixMilli(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Set(context.Background(), key, raw, 0); err != nil {
		t.Fatal(err)
	}
}

func newTestProvider(t *testing.T, upstream string, opts ...func(*auth.Options)) (*AccountProvider, *tasks.Runner) {
	t.Helper()
	store := blob.NewMemoryStore()
	seedCreds(t, store, "qwen_creds_test.json", "tok-1", upstream)

	ao := auth.Options{
		Store:    store,
		CredsKey: "qwen_creds_test.json",
		ClientID: "client-id",
	}
	for _, o := range opts {
		o(&ao)
	}
	am, err := auth.NewManager(ao)
	if err != nil {
		t.Fatal(err)
	}

	qm := quota.NewManager(nil, quota.Config{})
	t.Cleanup(qm.Close)
	tr := tasks.NewRunner(16)

	return NewAccountProvider("qwen_creds_test.json", am, qm, tr, nil, upstream), tr
}

func chatPayload() map[string]interface{} {
	return map[string]interface{}{
		"model": "qwen3-coder-plus",
		"messages": []interface{}{
			map[string]interface{}{"role": "user", "content": "hi"},
		},
	}
}

func TestHandleChatSuccess(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path got: %s, want: /v1/chat/completions", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("authorization got: %q", got)
		}
		if got := r.Header.Get("X-DashScope-AuthType"); got != "qwen-oauth" {
			t.Errorf("auth type got: %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"message":{"content":"hello"}}]}`)
	}))
	defer ts.Close()

	p, tr := newTestProvider(t, ts.URL)
	defer tr.Close()

	resp, err := p.HandleChat(context.Background(), chatPayload())
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status got: %d, want: 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if want := `{"choices":[{"message":{"content":"hello"}}]}`; string(body) != want {
		t.Errorf("body got: %s, want: %s", body, want)
	}

	state := p.State()
	if state.Status != StatusActive {
		t.Errorf("status got: %s, want: %s", state.Status, StatusActive)
	}
	if state.TotalRequests != 1 {
		t.Errorf("total requests got: %d, want: 1", state.TotalRequests)
	}
	if !state.RetryAfter.IsZero() {
		t.Errorf("retry after should be cleared, got: %v", state.RetryAfter)
	}
}

func TestHandleChatRefreshesOn401(t *testing.T) {
	var chatCalls int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/token":
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"access_token":"tok-2","refresh_token":"refresh-2","expires_in":3600}`)
		case "/v1/chat/completions":
			chatCalls++
			if r.Header.Get("Authorization") == "Bearer tok-2" {
				fmt.Fprint(w, `{"ok":true}`)
				return
			}
			w.WriteHeader(http.StatusUnauthorized)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer ts.Close()

	p, tr := newTestProvider(t, ts.URL, func(o *auth.Options) {
		o.TokenURL = ts.URL + "/token"
	})
	defer tr.Close()

	resp, err := p.HandleChat(context.Background(), chatPayload())
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if chatCalls != 2 {
		t.Errorf("chat calls got: %d, want: 2", chatCalls)
	}
}

func TestHandleChatQuotaExceeded(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"code":"insufficient_quota","message":"free allocated quota exceeded"}}`)
	}))
	defer ts.Close()

	p, tr := newTestProvider(t, ts.URL)
	defer tr.Close()

	_, err := p.HandleChat(context.Background(), chatPayload())
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("err got: %v, want: ErrQuotaExceeded", err)
	}
}

func TestHandleChatRateLimited(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"too many requests"}}`)
	}))
	defer ts.Close()

	p, tr := newTestProvider(t, ts.URL)
	defer tr.Close()

	_, err := p.HandleChat(context.Background(), chatPayload())
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("err got: %v, want: ErrRateLimited", err)
	}
}

func TestHandleChatUpstreamError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	p, tr := newTestProvider(t, ts.URL)
	defer tr.Close()

	_, err := p.HandleChat(context.Background(), chatPayload())
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("err got: %v, want: UpstreamError", err)
	}
	if ue.StatusCode != http.StatusBadGateway {
		t.Errorf("status got: %d, want: 502", ue.StatusCode)
	}
	if got, want := err.Error(), "Upstream Error: 502"; got != want {
		t.Errorf("message got: %q, want: %q", got, want)
	}
}

func TestHandleChatStreamsDeduplicated(t *testing.T) {
	dup := "data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\n"
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, dup+dup+"data: [DONE]\n\n")
	}))
	defer ts.Close()

	p, tr := newTestProvider(t, ts.URL)
	defer tr.Close()

	resp, err := p.HandleChat(context.Background(), chatPayload())
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if want := dup + "data: [DONE]\n\n"; string(body) != want {
		t.Errorf("body got:\n%q\nwant:\n%q", body, want)
	}
}

func TestHandleSearchNormalizesResults(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/indices/plugin/web_search" {
			t.Errorf("path got: %s", r.URL.Path)
		}
		var req map[string]interface{}
		json.NewDecoder(r.Body).Decode(&req)
		if req["uq"] != "golang" {
			t.Errorf("uq got: %v, want: golang", req["uq"])
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data":{"status":0,"result":{"items":[
			{"title":"Go","url":"https://go.dev","snippet":"The Go programming language","_score":0.9,"timestamp_format":"2024-01-01"}
		]}}}`)
	}))
	defer ts.Close()

	p, tr := newTestProvider(t, ts.URL)
	defer tr.Close()

	result, err := p.HandleSearch(context.Background(), "golang")
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success {
		t.Error("success got: false, want: true")
	}
	if len(result.Results) != 1 {
		t.Fatalf("results got: %d, want: 1", len(result.Results))
	}
	item := result.Results[0]
	if item.Title != "Go" || item.URL != "https://go.dev" ||
		item.Content != "The Go programming language" || item.PublishedDate != "2024-01-01" {
		t.Errorf("item got: %+v", item)
	}
}

func TestHandleSearchNonZeroStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":{"status":7}}`)
	}))
	defer ts.Close()

	p, tr := newTestProvider(t, ts.URL)
	defer tr.Close()

	if _, err := p.HandleSearch(context.Background(), "q"); err == nil {
		t.Error("want error for non-zero search status")
	}
}

func TestCooldownGrowsOnConsecutiveFailures(t *testing.T) {
	p, tr := newTestProvider(t, "https://example.invalid")
	defer tr.Close()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return base }

	p.markFailure("boom")
	first := p.State().RetryAfter
	p.markFailure("boom again")
	second := p.State().RetryAfter

	if !second.After(first) {
		t.Errorf("retry after must grow: first %v, second %v", first, second)
	}
	if p.CanAttempt() {
		t.Error("can attempt got: true, want: false while cooling down")
	}

	p.now = func() time.Time { return second.Add(time.Second) }
	if !p.CanAttempt() {
		t.Error("can attempt got: false, want: true after cooldown")
	}
}

func TestInitializeMissingCredentials(t *testing.T) {
	store := blob.NewMemoryStore()
	am, err := auth.NewManager(auth.Options{
		Store:    store,
		CredsKey: "qwen_creds_none.json",
		ClientID: "client-id",
	})
	if err != nil {
		t.Fatal(err)
	}
	qm := quota.NewManager(nil, quota.Config{})
	t.Cleanup(qm.Close)

	p := NewAccountProvider("qwen_creds_none.json", am, qm, nil, nil, "https://example.invalid")
	p.Initialize(context.Background())

	state := p.State()
	if state.Status != StatusError {
		t.Errorf("status got: %s, want: %s", state.Status, StatusError)
	}
	if state.LastError != "Missing Credentials" {
		t.Errorf("last error got: %q, want: Missing Credentials", state.LastError)
	}
}

func TestPreparePayloadInjectsSystemMessage(t *testing.T) {
	payload := chatPayload()
	preparePayload(payload)

	msgs := payload["messages"].([]interface{})
	if len(msgs) != 2 {
		t.Fatalf("messages got: %d, want: 2", len(msgs))
	}
	system := msgs[0].(map[string]interface{})
	if system["role"] != "system" {
		t.Errorf("first role got: %v, want: system", system["role"])
	}
	parts := system["content"].([]interface{})
	part := parts[0].(map[string]interface{})
	if part["text"] != "你是助手" {
		t.Errorf("system text got: %v", part["text"])
	}
	if _, ok := part["cache_control"]; !ok {
		t.Error("system message missing cache_control")
	}

	last := msgs[len(msgs)-1].(map[string]interface{})
	lastParts := last["content"].([]interface{})
	lastPart := lastParts[0].(map[string]interface{})
	if _, ok := lastPart["cache_control"]; !ok {
		t.Error("last message missing cache_control")
	}
}

func TestPreparePayloadKeepsExistingSystemMessage(t *testing.T) {
	payload := map[string]interface{}{
		"messages": []interface{}{
			map[string]interface{}{"role": "system", "content": "custom"},
			map[string]interface{}{"role": "user", "content": "hi"},
		},
	}
	preparePayload(payload)

	msgs := payload["messages"].([]interface{})
	if len(msgs) != 2 {
		t.Fatalf("messages got: %d, want: 2", len(msgs))
	}
	system := msgs[0].(map[string]interface{})
	parts := system["content"].([]interface{})
	if parts[0].(map[string]interface{})["text"] != "custom" {
		t.Errorf("system text got: %v, want: custom", parts[0])
	}
}

func TestProxyHeadersDropsFraming(t *testing.T) {
	in := http.Header{
		"Content-Type":      {"application/json"},
		"Content-Length":    {"42"},
		"Content-Encoding":  {"gzip"},
		"Transfer-Encoding": {"chunked"},
		"Connection":        {"keep-alive"},
		"X-Request-Id":      {"abc"},
	}
	out := proxyHeaders(in)

	if out.Get("Content-Type") != "application/json" {
		t.Errorf("content type got: %q", out.Get("Content-Type"))
	}
	if out.Get("X-Request-Id") != "abc" {
		t.Errorf("x-request-id got: %q", out.Get("X-Request-Id"))
	}
	for _, k := range []string{"Content-Length", "Content-Encoding", "Transfer-Encoding", "Connection"} {
		if out.Get(k) != "" {
			t.Errorf("%s should be dropped, got: %q", k, out.Get(k))
		}
	}
}
