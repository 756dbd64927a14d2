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
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/qwengate/qwengate/auth"
	"github.com/qwengate/qwengate/blob"
	"github.com/qwengate/qwengate/log"
	"github.com/qwengate/qwengate/quota"
	"github.com/qwengate/qwengate/registry"
	"github.com/qwengate/qwengate/tasks"
	"github.com/qwengate/qwengate/util"
)

const (
	defaultScanInterval = 30 * time.Second
	minScanInterval     = 5 * time.Second
)

// ScanMode selects how aggressively a pool scan discovers accounts.
type ScanMode int

// Scan modes. A light scan trusts the registry and static seeds; a full scan
// also sweeps the blob store for credential keys, including legacy variants.
const (
	ScanLight ScanMode = iota
	ScanFull
)

// ManagerOptions configures a pool Manager.
type ManagerOptions struct {
	// Store holds credential blobs.
	Store blob.Store
	// Registry is the durable account table.
	Registry *registry.Registry
	// Quota gates and audits dispatch.
	Quota *quota.Manager
	// Tasks runs post-response bookkeeping.
	Tasks *tasks.Runner
	// ClientID is the OAuth client id shared by all accounts.
	ClientID string
	// StaticKeys seeds the pool with configured credential keys.
	StaticKeys []string
	// DefaultBase is the upstream base when a credential has no resource URL.
	DefaultBase string
	// ScanInterval bounds how stale the pool may be before a dispatch
	// triggers a light rescan. Clamped to 5s minimum.
	ScanInterval time.Duration
	// FullScanInterval enables periodic full scans when positive.
	FullScanInterval time.Duration
	// Client is a configured HTTPClient.
	Client *http.Client
}

func (o *ManagerOptions) validate() error {
	if o.Store == nil || o.Registry == nil || o.Quota == nil || o.ClientID == "" {
		return fmt.Errorf("store, registry, quota, and client id are required")
	}
	if o.ScanInterval <= 0 {
		o.ScanInterval = defaultScanInterval
	}
	if o.ScanInterval < minScanInterval {
		o.ScanInterval = minScanInterval
	}
	if o.Client == nil {
		o.Client = http.DefaultClient
	}
	return nil
}

// A Manager owns the account pool and round-robin dispatch across it.
type Manager struct {
	opts ManagerOptions
	now  func() time.Time

	mu        sync.RWMutex
	providers []*AccountProvider
	current   int
	lastScan  time.Time

	scans singleflight.Group
}

// NewManager constructs a pool Manager. Call Scan or Start to populate it.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Manager{opts: opts, now: time.Now}, nil
}

// Start performs the initial full scan and, when configured, launches the
// periodic full-scan daemon.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.Scan(ctx, ScanFull); err != nil {
		return err
	}
	if m.opts.FullScanInterval > 0 {
		looper := util.Looper{Backoff: util.DefaultExponentialBackoff()}
		looper.Start(ctx, func(ctx context.Context) error {
			return m.Scan(ctx, ScanFull)
		}, m.opts.FullScanInterval, util.LogErrorsHandler())
	}
	return nil
}

// Scan rebuilds the pool. Existing providers are kept by identity so their
// runtime state (cooldowns, counters) survives. Concurrent scans coalesce.
func (m *Manager) Scan(ctx context.Context, mode ScanMode) error {
	_, err, _ := m.scans.Do("scan", func() (interface{}, error) {
		return nil, m.scan(ctx, mode)
	})
	return err
}

func (m *Manager) scan(ctx context.Context, mode ScanMode) error {
	var merr *multierror.Error

	targets := map[string]bool{}
	recs, err := m.opts.Registry.List(ctx)
	if err != nil {
		merr = multierror.Append(merr, err)
	}
	for _, rec := range recs {
		targets[auth.CanonicalKey(rec.ID)] = true
	}
	for _, key := range m.opts.StaticKeys {
		targets[auth.CanonicalKey(key)] = true
	}

	// a cold start with nothing registered escalates to discovery
	if mode == ScanFull || len(targets) == 0 {
		for _, prefix := range []string{
			auth.CredsPrefix, auth.LegacyCredsPrefix,
			"./" + auth.CredsPrefix, "./" + auth.LegacyCredsPrefix,
		} {
			keys, err := m.opts.Store.ListPrefix(ctx, prefix)
			if err != nil {
				merr = multierror.Append(merr, errors.Wrapf(err, "scan %s", prefix))
				continue
			}
			for _, key := range keys {
				id := auth.CanonicalKey(key)
				if !targets[id] {
					targets[id] = true
					if err := m.opts.Registry.Upsert(ctx, id); err != nil {
						merr = multierror.Append(merr, err)
					}
				}
			}
		}
	}

	m.mu.RLock()
	existing := map[string]*AccountProvider{}
	for _, p := range m.providers {
		existing[p.ID()] = p
	}
	m.mu.RUnlock()

	var initMu sync.Mutex
	next := make([]*AccountProvider, 0, len(targets))
	group, groupCtx := errgroup.WithContext(ctx)
	for id := range targets {
		if p, ok := existing[id]; ok {
			next = append(next, p)
			continue
		}
		id := id
		group.Go(func() error {
			am, err := auth.NewManager(auth.Options{
				Store:    m.opts.Store,
				CredsKey: id,
				ClientID: m.opts.ClientID,
				Client:   m.opts.Client,
			})
			if err != nil {
				// a bad key must not poison the rest of the pool
				log.Errorf("provider %s: %v", id, err)
				return nil
			}
			p := NewAccountProvider(id, am, m.opts.Quota, m.opts.Tasks, m.opts.Client, m.opts.DefaultBase)
			p.Initialize(groupCtx)
			initMu.Lock()
			next = append(next, p)
			initMu.Unlock()
			return nil
		})
	}
	group.Wait()

	aliases, err := m.opts.Registry.Aliases(ctx)
	if err != nil {
		merr = multierror.Append(merr, err)
	}
	for _, p := range next {
		if alias, ok := aliases[p.ID()]; ok {
			p.SetAlias(alias)
		}
	}

	sort.Slice(next, func(i, j int) bool { return next[i].ID() < next[j].ID() })

	m.mu.Lock()
	m.providers = next
	if len(next) == 0 {
		m.current = 0
	} else {
		m.current %= len(next)
	}
	m.lastScan = m.now()
	m.mu.Unlock()

	log.Debugf("pool scan mode=%d providers=%d", mode, len(next))
	return merr.ErrorOrNil()
}

// ensureFresh runs a light scan when the pool is older than the scan
// interval. Dispatch proceeds on scan failure with whatever pool exists.
func (m *Manager) ensureFresh(ctx context.Context) {
	m.mu.RLock()
	stale := m.now().Sub(m.lastScan) > m.opts.ScanInterval
	m.mu.RUnlock()
	if stale {
		if err := m.Scan(ctx, ScanLight); err != nil {
			log.Warnf("pool rescan: %v", err)
		}
	}
}

// snapshotLocked returns the provider slice and walk start for one dispatch.
func (m *Manager) dispatchView() ([]*AccountProvider, int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	provs := make([]*AccountProvider, len(m.providers))
	copy(provs, m.providers)
	return provs, m.current
}

// advanceFrom moves the rotation cursor one past idx, so the next request
// starts after the first account this one attempted.
func (m *Manager) advanceFrom(idx, n int) {
	m.mu.Lock()
	if len(m.providers) == n {
		m.current = (idx + 1) % n
	}
	m.mu.Unlock()
}

// ChatCompletions walks the pool from the rotation cursor and returns the
// first successful upstream reply. Accounts inside their failure cooldown are
// skipped unless they are the final candidate; quota-blocked accounts are
// always skipped.
func (m *Manager) ChatCompletions(ctx context.Context, payload map[string]interface{}) (*Response, error) {
	m.ensureFresh(ctx)
	provs, start := m.dispatchView()
	n := len(provs)
	if n == 0 {
		return nil, errNoProviders()
	}

	var st dispatchStats
	for k := 0; k < n; k++ {
		idx := (start + k) % n
		p := provs[idx]

		if !p.CanAttempt() && k < n-1 {
			st.skip(p, "cooling down")
			continue
		}
		if ok, reason := m.opts.Quota.CheckQuota(ctx, p.ID(), quota.Chat); !ok {
			st.quotaBlocked++
			st.skip(p, "quota limited ("+reason+")")
			continue
		}

		if st.attempts == 0 {
			m.advanceFrom(idx, n)
		}
		st.attempts++

		resp, err := p.HandleChat(ctx, payload)
		if err == nil {
			return resp, nil
		}
		st.fail(p, err)
	}
	return nil, st.outcome(n, true)
}

// WebSearch walks the pool the same way ChatCompletions does.
func (m *Manager) WebSearch(ctx context.Context, query string) (*SearchResult, error) {
	m.ensureFresh(ctx)
	provs, start := m.dispatchView()
	n := len(provs)
	if n == 0 {
		return nil, errNoProviders()
	}

	var st dispatchStats
	for k := 0; k < n; k++ {
		idx := (start + k) % n
		p := provs[idx]

		if !p.CanAttempt() && k < n-1 {
			st.skip(p, "cooling down")
			continue
		}
		if ok, reason := m.opts.Quota.CheckQuota(ctx, p.ID(), quota.Search); !ok {
			st.quotaBlocked++
			st.skip(p, "quota limited ("+reason+")")
			continue
		}

		if st.attempts == 0 {
			m.advanceFrom(idx, n)
		}
		st.attempts++

		result, err := p.HandleSearch(ctx, query)
		if err == nil {
			return result, nil
		}
		st.fail(p, err)
	}
	return nil, st.outcome(n, false)
}

// dispatchStats accumulates per-walk counters for the aggregate outcome.
type dispatchStats struct {
	attempts      int
	quotaBlocked  int
	authExpired   int
	rateLimited   int
	quotaExceeded int
	errs          []string
}

func (s *dispatchStats) skip(p *AccountProvider, reason string) {
	s.errs = append(s.errs, p.ID()+": "+reason)
}

func (s *dispatchStats) fail(p *AccountProvider, err error) {
	s.errs = append(s.errs, p.ID()+": "+err.Error())
	switch {
	case errors.Is(err, auth.ErrAuthExpired),
		strings.Contains(err.Error(), errUnauthorized.Error()):
		s.authExpired++
	case errors.Is(err, ErrQuotaExceeded):
		s.quotaExceeded++
	case errors.Is(err, ErrRateLimited):
		s.rateLimited++
	}
}

func errNoProviders() *DispatchError {
	return &DispatchError{
		StatusCode: http.StatusInternalServerError,
		Message:    "No Qwen providers configured",
		Details:    "Add at least one Qwen account in the admin console.",
	}
}

// outcome folds the walk counters into a single gateway error. Search has no
// distinct quota-exceeded reply; it folds into rate limiting.
func (s *dispatchStats) outcome(n int, chat bool) *DispatchError {
	if s.attempts == 0 {
		if s.quotaBlocked == n {
			return &DispatchError{
				StatusCode: http.StatusTooManyRequests,
				Message:    "All providers quota limited",
				Details:    "All Qwen accounts hit their configured quota limits.",
				Errors:     s.errs,
			}
		}
		return &DispatchError{
			StatusCode: http.StatusServiceUnavailable,
			Message:    "No available providers",
			Details:    "No provider was able to accept the request.",
			Errors:     s.errs,
		}
	}

	switch {
	case s.authExpired == s.attempts:
		return &DispatchError{
			StatusCode: http.StatusUnauthorized,
			Message:    "All providers unauthorized",
			Details:    "All Qwen accounts have expired credentials. Please re-login in the admin console.",
			Attempts:   s.attempts,
			Errors:     s.errs,
		}
	case chat && s.quotaExceeded == s.attempts:
		return &DispatchError{
			StatusCode: http.StatusTooManyRequests,
			Message:    "All providers quota exceeded",
			Details:    "All Qwen accounts exhausted their free-tier quota. Wait for the daily reset or re-login.",
			Attempts:   s.attempts,
			Errors:     s.errs,
		}
	case s.rateLimited+s.quotaExceeded == s.attempts:
		return &DispatchError{
			StatusCode: http.StatusTooManyRequests,
			Message:    "All providers rate limited",
			Details:    "All Qwen accounts are currently rate limited. Retry shortly.",
			Attempts:   s.attempts,
			Errors:     s.errs,
		}
	}
	return &DispatchError{
		StatusCode: http.StatusInternalServerError,
		Message:    "All providers failed",
		Details:    s.errs[len(s.errs)-1],
		Attempts:   s.attempts,
		Errors:     s.errs,
	}
}

// Snapshot returns the runtime state of every pooled account, ordered by id.
func (m *Manager) Snapshot() []RuntimeState {
	provs, _ := m.dispatchView()
	states := make([]RuntimeState, 0, len(provs))
	for _, p := range provs {
		states = append(states, p.State())
	}
	return states
}

// Provider returns the pooled account with the given canonical id.
func (m *Manager) Provider(id string) *AccountProvider {
	id = auth.CanonicalKey(id)
	provs, _ := m.dispatchView()
	for _, p := range provs {
		if p.ID() == id {
			return p
		}
	}
	return nil
}

// Count returns the pool size.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.providers)
}

// IDs returns the pooled account ids, ordered.
func (m *Manager) IDs() []string {
	provs, _ := m.dispatchView()
	ids := make([]string, 0, len(provs))
	for _, p := range provs {
		ids = append(ids, p.ID())
	}
	return ids
}

// Rename sets an account's alias in the registry, the credential blob, and
// the live pool.
func (m *Manager) Rename(ctx context.Context, id, alias string) error {
	id = auth.CanonicalKey(id)
	if err := m.opts.Registry.Rename(ctx, id, alias); err != nil {
		return err
	}
	if p := m.Provider(id); p != nil {
		p.SetAlias(alias)
		if err := p.Auth().SetAlias(ctx, alias); err != nil {
			log.Warnf("alias blob %s: %v", id, err)
		}
	}
	return nil
}

// Remove deletes an account: registry row, credential blobs (canonical and
// legacy), and the pooled provider.
func (m *Manager) Remove(ctx context.Context, id string) error {
	id = auth.CanonicalKey(id)

	var merr *multierror.Error
	if err := m.opts.Registry.Delete(ctx, id); err != nil {
		merr = multierror.Append(merr, err)
	}
	if err := m.opts.Store.Delete(ctx, id); err != nil {
		merr = multierror.Append(merr, err)
	}
	if err := m.opts.Store.Delete(ctx, "./"+id); err != nil {
		merr = multierror.Append(merr, err)
	}

	m.mu.Lock()
	kept := m.providers[:0]
	for _, p := range m.providers {
		if p.ID() != id {
			kept = append(kept, p)
		}
	}
	m.providers = kept
	if len(kept) == 0 {
		m.current = 0
	} else {
		m.current %= len(kept)
	}
	m.mu.Unlock()

	return merr.ErrorOrNil()
}
