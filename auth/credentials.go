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

package auth

import (
	"strings"

	"github.com/google/uuid"
)

const (
	// CredsPrefix is the canonical credential key prefix.
	CredsPrefix = "qwen_creds_"
	// LegacyCredsPrefix is an older key prefix still scanned by full rescans.
	LegacyCredsPrefix = "oauth_creds_"

	credsSuffix  = ".json"
	legacyMarker = "./"
)

// Credentials is one account's OAuth state. Only the two tokens are
// required; everything else is optional and preserved across refresh.
type Credentials struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type,omitempty"`
	Scope        string `json:"scope,omitempty"`
	ResourceURL  string `json:"resource_url,omitempty"`
	// ExpiryDate is unix milliseconds; zero means unknown.
	ExpiryDate int64  `json:"expiry_date,omitempty"`
	Alias      string `json:"alias,omitempty"`
}

// BaseURL normalizes ResourceURL (bare host or full URL) to
// https://<host>/v1, falling back to def when unset.
func (c *Credentials) BaseURL(def string) string {
	base := c.ResourceURL
	if base == "" {
		base = def
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}
	base = strings.TrimSuffix(base, "/")
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}
	return base
}

// NewCredsKey mints a canonical credential key for a new account.
func NewCredsKey() string {
	hex := strings.ReplaceAll(uuid.New().String(), "-", "")
	return CredsPrefix + hex[:8] + credsSuffix
}

// CanonicalKey strips the legacy "./" marker.
func CanonicalKey(key string) string {
	return strings.TrimPrefix(key, legacyMarker)
}

// DisplayName derives a human-readable name from a credential key by
// stripping known prefixes and the file suffix.
func DisplayName(key string) string {
	name := CanonicalKey(key)
	name = strings.TrimPrefix(name, CredsPrefix)
	name = strings.TrimPrefix(name, LegacyCredsPrefix)
	return strings.TrimSuffix(name, credsSuffix)
}
