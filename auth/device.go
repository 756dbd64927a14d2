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
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/google/go-querystring/query"
	"github.com/pkg/errors"
)

const deviceScope = "openid profile email model.completion"

// DeviceAuth is the upstream device-code grant handle shown to the operator.
type DeviceAuth struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int64  `json:"expires_in"`
	Interval                int64  `json:"interval"`
}

type deviceAuthRequest struct {
	ClientID            string `url:"client_id"`
	Scope               string `url:"scope"`
	CodeChallenge       string `url:"code_challenge"`
	CodeChallengeMethod string `url:"code_challenge_method"`
}

type exchangeRequest struct {
	GrantType    string `url:"grant_type"`
	ClientID     string `url:"client_id"`
	DeviceCode   string `url:"device_code"`
	CodeVerifier string `url:"code_verifier"`
}

type refreshRequest struct {
	GrantType    string `url:"grant_type"`
	ClientID     string `url:"client_id"`
	RefreshToken string `url:"refresh_token"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
	ResourceURL  string `json:"resource_url"`
	ExpiresIn    int64  `json:"expires_in"`
	Error        string `json:"error"`
	ErrorDesc    string `json:"error_description"`
}

// GeneratePKCE returns a fresh S256 verifier and challenge pair.
func GeneratePKCE() (verifier, challenge string, err error) {
	buf := make([]byte, 32)
	if _, err = rand.Read(buf); err != nil {
		return "", "", errors.Wrap(err, "pkce entropy")
	}
	verifier = base64.RawURLEncoding.EncodeToString(buf)
	sum := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(sum[:])
	return verifier, challenge, nil
}

// StartDeviceAuth begins a device-code grant for this account.
func (m *Manager) StartDeviceAuth(ctx context.Context, challenge string) (*DeviceAuth, error) {
	form, err := query.Values(deviceAuthRequest{
		ClientID:            m.clientID,
		Scope:               deviceScope,
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
	})
	if err != nil {
		return nil, errors.Wrap(err, "encode device auth request")
	}

	body, status, err := m.postForm(ctx, m.deviceURL, form.Encode())
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, errors.Errorf("device auth failed (%d): %s", status, string(body))
	}

	var da DeviceAuth
	if err := json.Unmarshal(body, &da); err != nil {
		return nil, errors.Wrap(err, "decode device auth response")
	}
	return &da, nil
}

// ExchangeDeviceCode polls the token endpoint for the device-code grant.
// pending is true while the user has not completed verification yet.
func (m *Manager) ExchangeDeviceCode(ctx context.Context, deviceCode, verifier string) (creds *Credentials, pending bool, err error) {
	form, err := query.Values(exchangeRequest{
		GrantType:    "urn:ietf:params:oauth:grant-type:device_code",
		ClientID:     m.clientID,
		DeviceCode:   deviceCode,
		CodeVerifier: verifier,
	})
	if err != nil {
		return nil, false, errors.Wrap(err, "encode exchange request")
	}

	body, status, err := m.postForm(ctx, m.tokenURL, form.Encode())
	if err != nil {
		return nil, false, err
	}

	var tok tokenResponse
	if jsonErr := json.Unmarshal(body, &tok); jsonErr == nil {
		switch tok.Error {
		case "authorization_pending", "slow_down":
			return nil, true, nil
		}
	}
	if status < 200 || status >= 300 {
		return nil, false, errors.Errorf("device code exchange failed (%d): %s", status, string(body))
	}
	if tok.AccessToken == "" {
		return nil, false, errors.Errorf("device code exchange returned no token: %s", string(body))
	}

	creds = &Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Scope:        tok.Scope,
		ResourceURL:  tok.ResourceURL,
		ExpiryDate:   expiryMillis(tok.AccessToken, m.now(), tok.ExpiresIn),
	}
	if err := m.save(ctx, creds); err != nil {
		return nil, false, err
	}
	return creds, false, nil
}

// postToken posts a refresh grant and maps 400/401 to the terminal
// AUTH_EXPIRED error.
func (m *Manager) postToken(ctx context.Context, req refreshRequest) (*tokenResponse, error) {
	form, err := query.Values(req)
	if err != nil {
		return nil, errors.Wrap(err, "encode refresh request")
	}

	body, status, err := m.postForm(ctx, m.tokenURL, form.Encode())
	if err != nil {
		return nil, err
	}
	if status == http.StatusBadRequest || status == http.StatusUnauthorized {
		return nil, errors.Wrapf(ErrAuthExpired, "token refresh rejected (%d)", status)
	}
	if status < 200 || status >= 300 {
		return nil, errors.Errorf("token refresh failed (%d): %s", status, string(body))
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, errors.Wrap(err, "decode token response")
	}
	if tok.AccessToken == "" {
		return nil, errors.Errorf("token refresh returned no token: %s", string(body))
	}
	return &tok, nil
}

func (m *Manager) postForm(ctx context.Context, url, body string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		return nil, 0, errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "post %s", url)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, errors.Wrap(err, "read response")
	}
	return raw, resp.StatusCode, nil
}
