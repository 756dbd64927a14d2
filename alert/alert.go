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

// Package alert watches the audit tables for accounts that have gone bad and
// for fleet-wide quota pressure, and pushes state transitions to a chat
// webhook. Alert state is persisted so restarts do not re-fire.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/qwengate/qwengate/blob"
	"github.com/qwengate/qwengate/clock"
	"github.com/qwengate/qwengate/log"
	"github.com/qwengate/qwengate/sqlstore"
)

const (
	stateKey = "alert_state"

	authLookback = 30 * time.Minute

	defaultQuotaThreshold = 80
	// recovery needs headroom below the threshold so a fleet hovering at the
	// limit does not flap
	recoveryHysteresis = 5
)

// Options configures an Engine.
type Options struct {
	// DB is the audit store.
	DB *sqlstore.Store
	// Store persists alert state across restarts.
	Store blob.Store
	// WebhookURL receives notifications. Empty disables sending.
	WebhookURL string
	// ProviderIDs returns the current pool membership.
	ProviderIDs func() []string
	// PerAccountDailyLimit sizes fleet capacity for the quota alert. Zero
	// disables the quota alert.
	PerAccountDailyLimit int64
	// QuotaThresholdPercent fires the quota alert at this fleet usage.
	QuotaThresholdPercent int
	// Client is a configured HTTPClient.
	Client *http.Client
}

func (o *Options) validate() error {
	if o.DB == nil || o.Store == nil || o.ProviderIDs == nil {
		return fmt.Errorf("db, store, and provider ids are required")
	}
	if o.QuotaThresholdPercent <= 0 {
		o.QuotaThresholdPercent = defaultQuotaThreshold
	}
	if o.Client == nil {
		o.Client = http.DefaultClient
	}
	return nil
}

// An Engine evaluates alert conditions on each Tick.
type Engine struct {
	opts Options
	now  func() time.Time
}

// engineState is the persisted transition memory.
type engineState struct {
	// AuthFingerprint identifies the currently-alerted set of expired
	// accounts, sorted ids joined by comma. Empty means no active alert.
	AuthFingerprint string `json:"auth_fingerprint,omitempty"`
	QuotaAlerted    bool   `json:"quota_alerted,omitempty"`
}

// NewEngine constructs an Engine.
func NewEngine(opts Options) (*Engine, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Engine{opts: opts, now: time.Now}, nil
}

// Tick evaluates all alert conditions once. Intended to be driven by a
// looper.
func (e *Engine) Tick(ctx context.Context) error {
	state, err := e.loadState(ctx)
	if err != nil {
		return err
	}

	var merr *multierror.Error
	changed := false

	if c, err := e.checkAuth(ctx, state); err != nil {
		merr = multierror.Append(merr, err)
	} else if c {
		changed = true
	}
	if c, err := e.checkQuota(ctx, state); err != nil {
		merr = multierror.Append(merr, err)
	} else if c {
		changed = true
	}

	if changed {
		if err := e.saveState(ctx, state); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}

// checkAuth alerts on accounts that produced auth-expired errors and no
// successes over the lookback window. The fingerprint changes when the set of
// bad accounts changes, which re-fires with the new membership.
func (e *Engine) checkAuth(ctx context.Context, state *engineState) (bool, error) {
	cutoff := clock.BeijingMinute(e.now().Add(-authLookback))

	var ids []string
	err := e.opts.DB.SelectContext(ctx, &ids,
		`SELECT provider_id FROM request_audit_minute
		 WHERE kind = 'chat' AND minute_bucket >= ?
		 GROUP BY provider_id
		 HAVING SUM(CASE WHEN outcome = 'error:auth_expired' THEN count ELSE 0 END) > 0
		    AND SUM(CASE WHEN outcome = 'success' THEN count ELSE 0 END) = 0`,
		cutoff)
	if err != nil {
		return false, errors.Wrap(err, "auth alert query")
	}

	sort.Strings(ids)
	fingerprint := strings.Join(ids, ",")
	if fingerprint == state.AuthFingerprint {
		return false, nil
	}

	if fingerprint != "" {
		e.notify(ctx, "Qwengate: account authorization expired",
			fmt.Sprintf("ALERT: %d account(s) have expired credentials and no recent successes:\n%s\nRe-login in the admin console.",
				len(ids), strings.Join(ids, "\n")))
	} else {
		e.notify(ctx, "Qwengate: account authorization recovered",
			"RECOVERY: all previously expired accounts are serving again.")
	}
	state.AuthFingerprint = fingerprint
	return true, nil
}

// checkQuota alerts when fleet-wide chat usage for the current day crosses
// the threshold of aggregate capacity.
func (e *Engine) checkQuota(ctx context.Context, state *engineState) (bool, error) {
	if e.opts.PerAccountDailyLimit <= 0 {
		return false, nil
	}
	capacity := e.opts.PerAccountDailyLimit * int64(len(e.opts.ProviderIDs()))
	if capacity <= 0 {
		return false, nil
	}

	var used int64
	err := e.opts.DB.GetContext(ctx, &used,
		`SELECT COALESCE(SUM(count), 0) FROM usage_stats WHERE date = ? AND kind = 'chat'`,
		clock.BeijingDate(e.now()))
	if err != nil {
		return false, errors.Wrap(err, "quota alert query")
	}

	percent := used * 100 / capacity
	threshold := int64(e.opts.QuotaThresholdPercent)

	switch {
	case !state.QuotaAlerted && percent >= threshold:
		e.notify(ctx, "Qwengate: daily quota pressure",
			fmt.Sprintf("ALERT: fleet chat usage at %d%% of daily capacity (%d / %d).", percent, used, capacity))
		state.QuotaAlerted = true
		return true, nil
	case state.QuotaAlerted && percent < threshold-recoveryHysteresis:
		e.notify(ctx, "Qwengate: daily quota recovered",
			fmt.Sprintf("RECOVERY: fleet chat usage back to %d%% of daily capacity.", percent))
		state.QuotaAlerted = false
		return true, nil
	}
	return false, nil
}

func (e *Engine) loadState(ctx context.Context) (*engineState, error) {
	state := &engineState{}
	raw, err := e.opts.Store.Get(ctx, stateKey)
	if err != nil {
		return nil, errors.Wrap(err, "load alert state")
	}
	if raw != nil {
		if err := json.Unmarshal(raw, state); err != nil {
			log.Warnf("alert state corrupt, resetting: %v", err)
		}
	}
	return state, nil
}

func (e *Engine) saveState(ctx context.Context, state *engineState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return errors.Wrap(err, "encode alert state")
	}
	return errors.Wrap(e.opts.Store.Set(ctx, stateKey, raw, 0), "save alert state")
}

// notify delivers one message, choosing the payload shape from the webhook
// host. Delivery is best-effort; failures are logged.
func (e *Engine) notify(ctx context.Context, title, text string) {
	if e.opts.WebhookURL == "" {
		log.Infof("alert (no webhook): %s", title)
		return
	}

	var payload interface{}
	if strings.Contains(e.opts.WebhookURL, "dingtalk") {
		payload = map[string]interface{}{
			"msgtype": "markdown",
			"markdown": map[string]string{
				"title": title,
				"text":  "### " + title + "\n\n" + text,
			},
		}
	} else {
		payload = map[string]interface{}{
			"msg_type": "text",
			"content":  map[string]string{"text": title + "\n" + text},
		}
	}

	raw, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.opts.WebhookURL, bytes.NewReader(raw))
	if err != nil {
		log.Errorf("alert webhook: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.opts.Client.Do(req)
	if err != nil {
		log.Errorf("alert webhook: %v", err)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Errorf("alert webhook status %d", resp.StatusCode)
	}
}
