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

package quota

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/qwengate/qwengate/clock"
	"github.com/qwengate/qwengate/log"
)

// Window is a used/limit pair for one quota dimension.
type Window struct {
	Used    int64 `json:"used"`
	Limit   int64 `json:"limit"`
	Percent int64 `json:"percent"`
}

// KindUsage is the daily and per-minute view for one kind.
type KindUsage struct {
	Daily Window `json:"daily"`
	RPM   Window `json:"rpm"`
}

// Usage is the full per-account view.
type Usage struct {
	Chat   KindUsage `json:"chat"`
	Search KindUsage `json:"search"`
}

// AuditRow is one minute-bucket audit partition.
type AuditRow struct {
	MinuteBucket string `db:"minute_bucket" json:"minute_bucket"`
	ProviderID   string `db:"provider_id" json:"provider_id"`
	Kind         string `db:"kind" json:"kind"`
	Outcome      string `db:"outcome" json:"outcome"`
	Count        int64  `db:"count" json:"count"`
}

func window(used, limit int64) Window {
	w := Window{Used: used, Limit: limit}
	if limit > 0 {
		w.Percent = used * 100 / limit
		if w.Percent > 100 {
			w.Percent = 100
		}
	}
	return w
}

// dailyUsed returns today's accepted-request count for one account and kind,
// through the short-TTL snapshot cache.
func (m *Manager) dailyUsed(ctx context.Context, providerID string, kind Kind) int64 {
	if v, ok := m.snapshots.Get(providerID); ok {
		m.mu.Lock()
		used := v.(*snapshot).daily[kind]
		m.mu.Unlock()
		return used
	}

	snap := &snapshot{daily: map[Kind]int64{}}
	if m.db == nil {
		date := clock.BeijingDate(m.now())
		m.mu.Lock()
		for _, k := range []Kind{Chat, Search} {
			snap.daily[k] = m.memDaily[dailyKey{date, providerID, k}]
		}
		used := snap.daily[kind]
		m.mu.Unlock()
		m.snapshots.SetDefault(providerID, snap)
		return used
	}

	rows := []struct {
		Kind  string `db:"kind"`
		Count int64  `db:"count"`
	}{}
	err := m.db.SelectContext(ctx, &rows,
		`SELECT kind, count FROM usage_stats WHERE date = ? AND provider_id = ?`,
		clock.BeijingDate(m.now()), providerID)
	if err != nil {
		log.Errorf("daily usage read %s: %v", providerID, err)
		return 0
	}
	for _, r := range rows {
		snap.daily[Kind(r.Kind)] = r.Count
	}
	m.snapshots.SetDefault(providerID, snap)

	m.mu.Lock()
	used := snap.daily[kind]
	m.mu.Unlock()
	return used
}

// minuteAttempts reads the cross-instance attempt count for the current
// minute from the audit table.
func (m *Manager) minuteAttempts(ctx context.Context, providerID string, kind Kind) int64 {
	if m.db == nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.rpmCountLocked(providerID, kind)
	}
	var n int64
	err := m.db.GetContext(ctx, &n,
		`SELECT COALESCE(SUM(count), 0) FROM request_audit_minute
		 WHERE minute_bucket = ? AND provider_id = ? AND kind = ?`,
		clock.BeijingMinute(m.now()), providerID, string(kind))
	if err != nil {
		log.Errorf("minute attempts read %s: %v", providerID, err)
		return 0
	}
	return n
}

// GetUsage returns the usage view for one account. Daily counts come from the
// snapshot cache or store; RPM comes from the current minute-bucket audit
// rows, which are authoritative across instances.
func (m *Manager) GetUsage(ctx context.Context, providerID string) Usage {
	return Usage{
		Chat: KindUsage{
			Daily: window(m.dailyUsed(ctx, providerID, Chat), m.cfg.Chat.Daily),
			RPM:   window(m.minuteAttempts(ctx, providerID, Chat), m.cfg.Chat.RPM),
		},
		Search: KindUsage{
			Daily: window(m.dailyUsed(ctx, providerID, Search), m.cfg.Search.Daily),
			RPM:   window(m.minuteAttempts(ctx, providerID, Search), m.cfg.Search.RPM),
		},
	}
}

// GetUsageBatch returns usage for several accounts with two grouped queries.
// Unknown ids get zero-filled rows.
func (m *Manager) GetUsageBatch(ctx context.Context, ids []string) map[string]Usage {
	out := make(map[string]Usage, len(ids))
	for _, id := range ids {
		out[id] = Usage{
			Chat: KindUsage{
				Daily: window(0, m.cfg.Chat.Daily),
				RPM:   window(0, m.cfg.Chat.RPM),
			},
			Search: KindUsage{
				Daily: window(0, m.cfg.Search.Daily),
				RPM:   window(0, m.cfg.Search.RPM),
			},
		}
	}
	if m.db == nil || len(ids) == 0 {
		return out
	}

	type grouped struct {
		ProviderID string `db:"provider_id"`
		Kind       string `db:"kind"`
		Count      int64  `db:"count"`
	}

	apply := func(id string, kind Kind, set func(*KindUsage)) {
		u := out[id]
		switch kind {
		case Search:
			set(&u.Search)
		default:
			set(&u.Chat)
		}
		out[id] = u
	}

	query, args, err := sqlx.In(
		`SELECT provider_id, kind, count FROM usage_stats WHERE date = ? AND provider_id IN (?)`,
		clock.BeijingDate(m.now()), ids)
	if err == nil {
		var rows []grouped
		if err = m.db.SelectContext(ctx, &rows, m.db.Rebind(query), args...); err == nil {
			for _, r := range rows {
				r := r
				apply(r.ProviderID, Kind(r.Kind), func(ku *KindUsage) {
					ku.Daily = window(r.Count, ku.Daily.Limit)
				})
			}
		}
	}
	if err != nil {
		log.Errorf("usage batch daily: %v", err)
	}

	query, args, err = sqlx.In(
		`SELECT provider_id, kind, SUM(count) AS count FROM request_audit_minute
		 WHERE minute_bucket = ? AND provider_id IN (?) GROUP BY provider_id, kind`,
		clock.BeijingMinute(m.now()), ids)
	if err == nil {
		var rows []grouped
		if err = m.db.SelectContext(ctx, &rows, m.db.Rebind(query), args...); err == nil {
			for _, r := range rows {
				r := r
				apply(r.ProviderID, Kind(r.Kind), func(ku *KindUsage) {
					ku.RPM = window(r.Count, ku.RPM.Limit)
				})
			}
		}
	}
	if err != nil {
		log.Errorf("usage batch rpm: %v", err)
	}

	return out
}

// UptimeStart returns the recorded cold-start unix timestamp, zero when
// unknown.
func (m *Manager) UptimeStart(ctx context.Context) int64 {
	if m.db == nil {
		return 0
	}
	var v int64
	err := m.db.GetContext(ctx, &v,
		`SELECT value FROM global_monitor WHERE key = 'uptime_start'`)
	if err != nil {
		return 0
	}
	return v
}

// GlobalCounters returns the lifetime monitor counters, excluding the uptime
// marker.
func (m *Manager) GlobalCounters(ctx context.Context) map[string]int64 {
	out := map[string]int64{}
	if m.db == nil {
		return out
	}
	rows := []struct {
		Key   string `db:"key"`
		Value int64  `db:"value"`
	}{}
	err := m.db.SelectContext(ctx, &rows,
		`SELECT key, value FROM global_monitor WHERE key != 'uptime_start'`)
	if err != nil {
		log.Errorf("global counters: %v", err)
		return out
	}
	for _, r := range rows {
		out[r.Key] = r.Value
	}
	return out
}

// GetRecentAudit returns the most recent audit rows, newest minute first.
// Success rows are filtered out when success audit is disabled.
func (m *Manager) GetRecentAudit(ctx context.Context, limit int) ([]AuditRow, error) {
	if m.db == nil {
		return nil, nil
	}
	query := `SELECT minute_bucket, provider_id, kind, outcome, count
		FROM request_audit_minute`
	if !m.cfg.SuccessAudit {
		query += ` WHERE outcome != 'success'`
	}
	query += ` ORDER BY minute_bucket DESC, provider_id LIMIT ?`

	var rows []AuditRow
	if err := m.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, errors.Wrap(err, "recent audit")
	}
	return rows, nil
}
