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

// Package quota tracks per-account daily counters and per-minute request
// windows, and gates dispatch with a pre-flight admission check. Writes are
// buffered and flushed as one additive upsert batch; counters converge across
// instances under count = count + delta, which is why the minute-bucket audit
// table, not the local window, is the RPM source of truth for reads.
package quota

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/qwengate/qwengate/clock"
	"github.com/qwengate/qwengate/log"
	"github.com/qwengate/qwengate/sqlstore"
	"github.com/qwengate/qwengate/util"
)

// Kind partitions quota accounting by operation.
type Kind string

// Kinds
const (
	Chat   Kind = "chat"
	Search Kind = "search"
)

// Limit-hit reasons
const (
	ReasonDaily = "daily"
	ReasonRPM   = "rpm"
)

const (
	snapshotTTL    = 5 * time.Second
	flushQueueSize = 64
)

// Limits holds the admission limits for one kind. Zero means not enforced.
type Limits struct {
	Daily int64
	RPM   int64
}

// Config holds per-kind limits and audit options.
type Config struct {
	Chat   Limits
	Search Limits
	// SuccessAudit controls whether success rows are returned by GetRecentAudit.
	SuccessAudit bool
}

// A Manager tracks usage for all accounts in this process.
type Manager struct {
	db  *sqlstore.Store
	cfg Config
	now func() time.Time

	mu            sync.Mutex
	rpm           map[rpmKey]*rpmWindow
	pendingDaily  map[dailyKey]int64
	pendingAudit  map[auditKey]int64
	pendingGlobal map[string]int64
	memDaily      map[dailyKey]int64 // fallback accumulator when db is absent

	snapshots *gocache.Cache // provider id -> *snapshot

	flushQueue chan []sqlstore.Statement
	flushDone  chan struct{}
	closed     *util.AtomicBool
}

type rpmKey struct {
	provider string
	kind     Kind
}

type dailyKey struct {
	date     string
	provider string
	kind     Kind
}

type auditKey struct {
	minute   string
	provider string
	kind     Kind
	outcome  string
}

type rpmWindow struct {
	minute string
	count  int64
}

type snapshot struct {
	daily map[Kind]int64
}

// NewManager constructs and starts a Manager. db may be nil, in which case
// counters are process-local and best-effort. Call Close when done.
func NewManager(db *sqlstore.Store, cfg Config) *Manager {
	m := &Manager{
		db:            db,
		cfg:           cfg,
		now:           time.Now,
		rpm:           map[rpmKey]*rpmWindow{},
		pendingDaily:  map[dailyKey]int64{},
		pendingAudit:  map[auditKey]int64{},
		pendingGlobal: map[string]int64{},
		memDaily:      map[dailyKey]int64{},
		snapshots:     gocache.New(snapshotTTL, time.Minute),
		flushQueue:    make(chan []sqlstore.Statement, flushQueueSize),
		flushDone:     make(chan struct{}),
		closed:        util.NewAtomicBool(false),
	}
	go m.flushLoop()
	return m
}

// Close drains pending writes and stops the flusher.
func (m *Manager) Close() {
	if m == nil || m.closed.SetTrue() {
		return
	}
	m.mu.Lock()
	stmts := m.composeLocked()
	m.mu.Unlock()
	if len(stmts) > 0 {
		m.flushQueue <- stmts
	}
	close(m.flushQueue)
	<-m.flushDone
}

// Limits returns the configured limits for kind.
func (m *Manager) Limits(kind Kind) Limits {
	if kind == Search {
		return m.cfg.Search
	}
	return m.cfg.Chat
}

// CheckQuota is the pre-flight admission check. A rejection records the
// limited:* audit row itself, so repeated blocked attempts converge upward
// and keep the account skipped on the next rotation.
func (m *Manager) CheckQuota(ctx context.Context, providerID string, kind Kind) (bool, string) {
	limits := m.Limits(kind)

	if limits.Daily > 0 {
		used := m.dailyUsed(ctx, providerID, kind)
		if used >= limits.Daily {
			m.RecordLimitHit(providerID, kind, ReasonDaily)
			return false, ReasonDaily
		}
	}

	if limits.RPM > 0 {
		m.mu.Lock()
		count := m.rpmCountLocked(providerID, kind)
		m.mu.Unlock()
		if count >= limits.RPM {
			m.RecordLimitHit(providerID, kind, ReasonRPM)
			return false, ReasonRPM
		}
	}

	return true, ""
}

// IncrementUsage records one accepted, successful request.
func (m *Manager) IncrementUsage(providerID string, kind Kind) {
	now := m.now()
	m.mu.Lock()
	m.bumpRPMLocked(providerID, kind, now)
	m.pendingDaily[dailyKey{clock.BeijingDate(now), providerID, kind}]++
	m.pendingAudit[auditKey{clock.BeijingMinute(now), providerID, kind, "success"}]++
	m.pendingGlobal[string(kind)+"_total"]++
	m.pendingGlobal[string(kind)+"_success"]++
	m.mergeSnapshotLocked(providerID, kind, 1)
	stmts := m.composeLocked()
	m.mu.Unlock()
	m.enqueue(stmts)
}

// RecordFailure records one attempted request that failed upstream. Failures
// count against the RPM window (they consumed an attempt) but do not count
// toward the daily accepted-request total.
func (m *Manager) RecordFailure(providerID string, kind Kind, reason string) {
	now := m.now()
	m.mu.Lock()
	m.bumpRPMLocked(providerID, kind, now)
	m.pendingAudit[auditKey{clock.BeijingMinute(now), providerID, kind, "error:" + reason}]++
	m.pendingGlobal[string(kind)+"_total"]++
	m.pendingGlobal[string(kind)+"_error"]++
	stmts := m.composeLocked()
	m.mu.Unlock()
	m.enqueue(stmts)
}

// RecordLimitHit records one request rejected at admission.
func (m *Manager) RecordLimitHit(providerID string, kind Kind, reason string) {
	now := m.now()
	m.mu.Lock()
	m.bumpRPMLocked(providerID, kind, now)
	m.pendingAudit[auditKey{clock.BeijingMinute(now), providerID, kind, "limited:" + reason}]++
	m.pendingGlobal[string(kind)+"_total"]++
	m.pendingGlobal[string(kind)+"_rate_limited"]++
	stmts := m.composeLocked()
	m.mu.Unlock()
	m.enqueue(stmts)
}

// RecordUptimeStart stores the cold-start timestamp.
func (m *Manager) RecordUptimeStart(ctx context.Context) {
	if m.db == nil {
		return
	}
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO global_monitor (key, value) VALUES ('uptime_start', ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		m.now().Unix())
	if err != nil {
		log.Errorf("uptime_start: %v", err)
	}
}

func (m *Manager) bumpRPMLocked(providerID string, kind Kind, now time.Time) {
	minute := clock.BeijingMinute(now)
	key := rpmKey{providerID, kind}
	w, ok := m.rpm[key]
	if !ok || w.minute != minute {
		w = &rpmWindow{minute: minute}
		m.rpm[key] = w
	}
	w.count++
}

func (m *Manager) rpmCountLocked(providerID string, kind Kind) int64 {
	minute := clock.BeijingMinute(m.now())
	if w, ok := m.rpm[rpmKey{providerID, kind}]; ok && w.minute == minute {
		return w.count
	}
	return 0
}

func (m *Manager) mergeSnapshotLocked(providerID string, kind Kind, delta int64) {
	if v, ok := m.snapshots.Get(providerID); ok {
		v.(*snapshot).daily[kind] += delta
	}
}

// composeLocked turns the three pending maps into one upsert batch and clears
// them. Clearing happens before dispatch so overlapping writers never double
// count.
func (m *Manager) composeLocked() []sqlstore.Statement {
	stmts := make([]sqlstore.Statement, 0,
		len(m.pendingDaily)+len(m.pendingAudit)+len(m.pendingGlobal))

	for k, n := range m.pendingDaily {
		if n == 0 {
			continue
		}
		stmts = append(stmts, sqlstore.Statement{
			Query: `INSERT INTO usage_stats (date, provider_id, kind, count) VALUES (?, ?, ?, ?)
				ON CONFLICT (date, provider_id, kind) DO UPDATE SET count = count + excluded.count`,
			Args: []interface{}{k.date, k.provider, string(k.kind), n},
		})
		if m.db == nil {
			m.memDaily[k] += n
		}
	}
	for k, n := range m.pendingAudit {
		if n == 0 {
			continue
		}
		stmts = append(stmts, sqlstore.Statement{
			Query: `INSERT INTO request_audit_minute (minute_bucket, provider_id, kind, outcome, count)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT (minute_bucket, provider_id, kind, outcome)
				DO UPDATE SET count = count + excluded.count`,
			Args: []interface{}{k.minute, k.provider, string(k.kind), k.outcome, n},
		})
	}
	for k, n := range m.pendingGlobal {
		if n == 0 {
			continue
		}
		stmts = append(stmts, sqlstore.Statement{
			Query: `INSERT INTO global_monitor (key, value) VALUES (?, ?)
				ON CONFLICT (key) DO UPDATE SET value = value + excluded.value`,
			Args: []interface{}{k, n},
		})
	}

	m.pendingDaily = map[dailyKey]int64{}
	m.pendingAudit = map[auditKey]int64{}
	m.pendingGlobal = map[string]int64{}
	return stmts
}

// enqueue hands a batch to the flusher. The single flusher goroutine
// guarantees batches reach the store in program order. Batches are
// best-effort: a full queue or a failed write is logged, not retried.
func (m *Manager) enqueue(stmts []sqlstore.Statement) {
	if len(stmts) == 0 || m.db == nil || m.closed.IsTrue() {
		return
	}
	select {
	case m.flushQueue <- stmts:
	default:
		log.Warnf("quota flush queue full, dropping batch of %d", len(stmts))
	}
}

func (m *Manager) flushLoop() {
	defer close(m.flushDone)
	for stmts := range m.flushQueue {
		if m.db == nil {
			continue
		}
		if err := m.db.ExecBatch(context.Background(), stmts); err != nil {
			log.Errorf("quota flush: %v", err)
		}
	}
}
