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

// Package auth manages one upstream OAuth identity per Manager: device-code
// enrollment, credential load/save with legacy-key migration, and
// expiry-driven refresh serialized across instances by a distributed lock.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/pkg/errors"

	"github.com/qwengate/qwengate/blob"
	"github.com/qwengate/qwengate/log"
	"github.com/qwengate/qwengate/util"
)

const (
	defaultDeviceAuthURL = "https://chat.qwen.ai/api/v1/oauth2/device/code"
	defaultTokenURL      = "https://chat.qwen.ai/api/v1/oauth2/token"

	memoryTTL        = 5 * time.Second
	refreshWindow    = 5 * time.Minute
	refreshLockTTL   = 60 * time.Second
	lockWaitAttempts = 30
	lockWaitInterval = 500 * time.Millisecond
)

// Sentinel errors. ErrAuthExpired is terminal for an account until it is
// re-enrolled; it is never retried at this layer.
var (
	ErrNoCredentials  = errors.New("NO_CREDS")
	ErrAuthExpired    = errors.New("AUTH_EXPIRED")
	ErrRefreshTimeout = errors.New("Timeout or failure waiting for token update")
)

// Options configures a Manager.
type Options struct {
	// Store holds the credential blobs and refresh locks.
	Store blob.Store
	// CredsKey is the canonical credential key for this account.
	CredsKey string
	// ClientID is the public OAuth client identifier.
	ClientID string
	// DeviceAuthURL overrides the device-code endpoint.
	DeviceAuthURL string
	// TokenURL overrides the token endpoint.
	TokenURL string
	// Client is a configured HTTPClient.
	Client *http.Client
}

func (o *Options) validate() error {
	if o.Store == nil || o.CredsKey == "" || o.ClientID == "" {
		return fmt.Errorf("store, creds key, and client id are required")
	}
	return nil
}

// A Manager owns the credential lifecycle for one account.
type Manager struct {
	store     blob.Store
	credsKey  string
	clientID  string
	deviceURL string
	tokenURL  string
	client    *http.Client
	now       func() time.Time

	mu            sync.Mutex
	memory        *Credentials
	loadedAt      time.Time
	legacyChecked bool
}

// NewManager constructs a Manager.
func NewManager(opts Options) (*Manager, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.DeviceAuthURL == "" {
		opts.DeviceAuthURL = defaultDeviceAuthURL
	}
	if opts.TokenURL == "" {
		opts.TokenURL = defaultTokenURL
	}
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	return &Manager{
		store:     opts.Store,
		credsKey:  CanonicalKey(opts.CredsKey),
		clientID:  opts.ClientID,
		deviceURL: opts.DeviceAuthURL,
		tokenURL:  opts.TokenURL,
		client:    opts.Client,
		now:       time.Now,
	}, nil
}

// CredsKey returns the canonical credential key.
func (m *Manager) CredsKey() string {
	return m.credsKey
}

// GetValid returns credentials that are safe to use right now, refreshing
// first when they expire within the safety window.
func (m *Manager) GetValid(ctx context.Context) (*Credentials, error) {
	creds, err := m.load(ctx, false)
	if err != nil {
		return nil, err
	}

	// expiring within the window counts as expired
	if creds.ExpiryDate > 0 && m.now().UnixMilli() >= creds.ExpiryDate-refreshWindow.Milliseconds() {
		return m.Refresh(ctx, creds.RefreshToken)
	}
	return creds, nil
}

// load returns the cached credentials if fresh, else reads the store. On the
// first store read it also probes the legacy "./" key and migrates it one way.
func (m *Manager) load(ctx context.Context, bypassMemory bool) (*Credentials, error) {
	m.mu.Lock()
	if !bypassMemory && m.memory != nil && m.now().Sub(m.loadedAt) <= memoryTTL {
		creds := m.memory
		m.mu.Unlock()
		return creds, nil
	}
	needLegacy := !m.legacyChecked
	m.legacyChecked = true
	m.mu.Unlock()

	if needLegacy {
		if err := m.migrateLegacy(ctx); err != nil {
			log.Warnf("legacy migration %s: %v", m.credsKey, err)
		}
	}

	raw, err := m.store.Get(ctx, m.credsKey)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", m.credsKey)
	}
	if raw == nil {
		return nil, ErrNoCredentials
	}
	var creds Credentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return nil, errors.Wrapf(err, "decode %s", m.credsKey)
	}

	m.mu.Lock()
	m.memory = &creds
	m.loadedAt = m.now()
	m.mu.Unlock()
	return &creds, nil
}

func (m *Manager) migrateLegacy(ctx context.Context) error {
	legacyKey := legacyMarker + m.credsKey
	raw, err := m.store.Get(ctx, legacyKey)
	if err != nil || raw == nil {
		return err
	}
	canonical, err := m.store.Get(ctx, m.credsKey)
	if err != nil {
		return err
	}
	if canonical == nil {
		if err := m.store.Set(ctx, m.credsKey, raw, 0); err != nil {
			return err
		}
	}
	log.Infof("migrated legacy credential key %s", legacyKey)
	return m.store.Delete(ctx, legacyKey)
}

// save persists creds at the canonical key and refreshes the memory cache.
func (m *Manager) save(ctx context.Context, creds *Credentials) error {
	raw, err := json.Marshal(creds)
	if err != nil {
		return errors.Wrap(err, "encode credentials")
	}
	if err := m.store.Set(ctx, m.credsKey, raw, 0); err != nil {
		return errors.Wrapf(err, "write %s", m.credsKey)
	}
	m.mu.Lock()
	m.memory = creds
	m.loadedAt = m.now()
	m.mu.Unlock()
	return nil
}

// Refresh rotates the access token. The distributed lock is the only safe way
// to serialize refresh across stateless instances: two instances racing on
// expiry would each rotate the refresh token and the vendor would silently
// invalidate one of them.
func (m *Manager) Refresh(ctx context.Context, refreshToken string) (*Credentials, error) {
	lockName := "token_refresh:" + m.credsKey
	token, err := m.store.Acquire(ctx, lockName, refreshLockTTL)
	if err != nil {
		log.Warnf("lock acquire %s: %v", lockName, err)
	}
	if token == "" {
		return m.waitForOtherWriter(ctx, refreshToken)
	}
	defer func() {
		if err := m.store.Release(ctx, lockName, token); err != nil {
			log.Warnf("lock release %s: %v", lockName, err)
		}
	}()

	// reload under the lock: another writer may have won already
	latest, err := m.load(ctx, true)
	if err != nil {
		return nil, err
	}
	if latest.RefreshToken != "" && latest.RefreshToken != refreshToken {
		return latest, nil
	}

	tok, err := m.postToken(ctx, refreshRequest{
		GrantType:    "refresh_token",
		ClientID:     m.clientID,
		RefreshToken: refreshToken,
	})
	if err != nil {
		return nil, err
	}

	creds := &Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Scope:        tok.Scope,
		ResourceURL:  tok.ResourceURL,
		ExpiryDate:   expiryMillis(tok.AccessToken, m.now(), tok.ExpiresIn),
		Alias:        latest.Alias,
	}
	if creds.RefreshToken == "" {
		creds.RefreshToken = refreshToken
	}
	if creds.ResourceURL == "" {
		creds.ResourceURL = latest.ResourceURL
	}

	// propagate a failed write: correctness depends on the rotated token
	// being durable before anyone uses it
	if err := m.save(ctx, creds); err != nil {
		return nil, err
	}
	log.Debugf("refreshed credentials for %s, token %s", m.credsKey,
		util.Truncate(creds.AccessToken, 8))
	return creds, nil
}

// waitForOtherWriter polls the store for proof that another instance rotated
// the refresh token while it held the lock.
func (m *Manager) waitForOtherWriter(ctx context.Context, refreshToken string) (*Credentials, error) {
	for i := 0; i < lockWaitAttempts; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockWaitInterval):
		}
		creds, err := m.load(ctx, true)
		if err != nil {
			continue
		}
		if creds.RefreshToken != refreshToken {
			return creds, nil
		}
	}
	return nil, ErrRefreshTimeout
}

// ProbeStatus performs a minimal chat call and returns the HTTP status, for
// one-shot validity checks.
func (m *Manager) ProbeStatus(ctx context.Context, creds *Credentials, defaultBase string) (int, error) {
	body, _ := json.Marshal(map[string]interface{}{
		"model":      "qwen3-coder-plus",
		"messages":   []map[string]string{{"role": "user", "content": "hi"}},
		"max_tokens": 1,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		creds.BaseURL(defaultBase)+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)

	resp, err := m.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, nil
}

// CachedAlias returns the alias from the memory copy, else a name derived
// from the account key.
func (m *Manager) CachedAlias() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.memory != nil && m.memory.Alias != "" {
		return m.memory.Alias
	}
	return DisplayName(m.credsKey)
}

// SetAlias stores alias on the persisted credential as a cache of the
// registry value.
func (m *Manager) SetAlias(ctx context.Context, alias string) error {
	creds, err := m.load(ctx, true)
	if err != nil {
		return err
	}
	creds.Alias = alias
	return m.save(ctx, creds)
}

// expiryMillis computes the expiry timestamp. When the token response omits
// expires_in, the access token's exp claim (if it is a JWT) is used instead.
func expiryMillis(accessToken string, now time.Time, expiresIn int64) int64 {
	if expiresIn > 0 {
		return now.UnixMilli() + expiresIn*1000
	}
	claims := jwt.MapClaims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(accessToken, claims); err == nil {
		if exp, ok := claims["exp"].(float64); ok {
			return int64(exp) * 1000
		}
	}
	return 0
}
