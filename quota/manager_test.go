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
	"testing"
	"time"

	"github.com/qwengate/qwengate/clock"
	"github.com/qwengate/qwengate/sqlstore"
)

var testNow = time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)

func newTestManager(t *testing.T, cfg Config) (*Manager, *sqlstore.Store) {
	t.Helper()
	db, err := sqlstore.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	m := NewManager(db, cfg)
	m.now = func() time.Time { return testNow }
	return m, db
}

func countRow(t *testing.T, db *sqlstore.Store, query string, args ...interface{}) int64 {
	t.Helper()
	var n int64
	if err := db.GetContext(context.Background(), &n, query, args...); err != nil {
		t.Fatal(err)
	}
	return n
}

func TestIncrementUsageWritesAllTables(t *testing.T) {
	m, db := newTestManager(t, Config{})

	m.IncrementUsage("acct-a", Chat)
	m.Close()

	date := clock.BeijingDate(testNow)
	minute := clock.BeijingMinute(testNow)

	if got := countRow(t, db,
		`SELECT count FROM usage_stats WHERE date = ? AND provider_id = 'acct-a' AND kind = 'chat'`,
		date); got != 1 {
		t.Errorf("daily count got: %d, want: 1", got)
	}
	if got := countRow(t, db,
		`SELECT count FROM request_audit_minute WHERE minute_bucket = ? AND provider_id = 'acct-a' AND kind = 'chat' AND outcome = 'success'`,
		minute); got != 1 {
		t.Errorf("audit count got: %d, want: 1", got)
	}
	for _, key := range []string{"chat_total", "chat_success"} {
		if got := countRow(t, db,
			`SELECT value FROM global_monitor WHERE key = ?`, key); got != 1 {
			t.Errorf("%s got: %d, want: 1", key, got)
		}
	}
}

func TestIncrementUsageConvergesAdditively(t *testing.T) {
	m, db := newTestManager(t, Config{})

	m.IncrementUsage("acct-a", Chat)
	m.IncrementUsage("acct-a", Chat)
	m.Close()

	if got := countRow(t, db,
		`SELECT count FROM usage_stats WHERE provider_id = 'acct-a' AND kind = 'chat'`); got != 2 {
		t.Errorf("daily count got: %d, want: 2", got)
	}
}

func TestRecordFailureSkipsDailyCount(t *testing.T) {
	m, db := newTestManager(t, Config{})

	m.RecordFailure("acct-a", Chat, "upstream_502")
	m.Close()

	if got := countRow(t, db, `SELECT COUNT(*) FROM usage_stats`); got != 0 {
		t.Errorf("usage_stats rows got: %d, want: 0", got)
	}
	if got := countRow(t, db,
		`SELECT count FROM request_audit_minute WHERE outcome = 'error:upstream_502'`); got != 1 {
		t.Errorf("audit count got: %d, want: 1", got)
	}
	if got := countRow(t, db,
		`SELECT value FROM global_monitor WHERE key = 'chat_error'`); got != 1 {
		t.Errorf("chat_error got: %d, want: 1", got)
	}
}

func TestRecordLimitHitSkipsDailyCount(t *testing.T) {
	m, db := newTestManager(t, Config{})

	m.RecordLimitHit("acct-a", Search, ReasonRPM)
	m.Close()

	if got := countRow(t, db, `SELECT COUNT(*) FROM usage_stats`); got != 0 {
		t.Errorf("usage_stats rows got: %d, want: 0", got)
	}
	if got := countRow(t, db,
		`SELECT count FROM request_audit_minute WHERE kind = 'search' AND outcome = 'limited:rpm'`); got != 1 {
		t.Errorf("audit count got: %d, want: 1", got)
	}
	if got := countRow(t, db,
		`SELECT value FROM global_monitor WHERE key = 'search_rate_limited'`); got != 1 {
		t.Errorf("search_rate_limited got: %d, want: 1", got)
	}
}

func TestCheckQuotaDailyLimit(t *testing.T) {
	m, db := newTestManager(t, Config{Chat: Limits{Daily: 5}})

	_, err := db.ExecContext(context.Background(),
		`INSERT INTO usage_stats (date, provider_id, kind, count) VALUES (?, 'acct-a', 'chat', 5)`,
		clock.BeijingDate(testNow))
	if err != nil {
		t.Fatal(err)
	}

	ok, reason := m.CheckQuota(context.Background(), "acct-a", Chat)
	if ok || reason != ReasonDaily {
		t.Errorf("got: ok=%v reason=%q, want: blocked daily", ok, reason)
	}

	// a different account is unaffected
	ok, _ = m.CheckQuota(context.Background(), "acct-b", Chat)
	if !ok {
		t.Error("acct-b should be admitted")
	}
	m.Close()
}

func TestCheckQuotaRPMLimit(t *testing.T) {
	m, _ := newTestManager(t, Config{Chat: Limits{RPM: 2}})
	defer m.Close()

	m.IncrementUsage("acct-a", Chat)
	m.IncrementUsage("acct-a", Chat)

	ok, reason := m.CheckQuota(context.Background(), "acct-a", Chat)
	if ok || reason != ReasonRPM {
		t.Errorf("got: ok=%v reason=%q, want: blocked rpm", ok, reason)
	}

	// the window resets on the next minute
	m.now = func() time.Time { return testNow.Add(time.Minute) }
	ok, _ = m.CheckQuota(context.Background(), "acct-a", Chat)
	if !ok {
		t.Error("next minute should be admitted")
	}
}

func TestCheckQuotaZeroLimitsAlwaysAdmit(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	defer m.Close()

	for i := 0; i < 100; i++ {
		m.IncrementUsage("acct-a", Chat)
	}
	if ok, _ := m.CheckQuota(context.Background(), "acct-a", Chat); !ok {
		t.Error("zero limits must never block")
	}
}

func TestCheckQuotaRejectionWritesLimitedRow(t *testing.T) {
	m, db := newTestManager(t, Config{Chat: Limits{Daily: 1}})

	_, err := db.ExecContext(context.Background(),
		`INSERT INTO usage_stats (date, provider_id, kind, count) VALUES (?, 'acct-a', 'chat', 1)`,
		clock.BeijingDate(testNow))
	if err != nil {
		t.Fatal(err)
	}

	if ok, _ := m.CheckQuota(context.Background(), "acct-a", Chat); ok {
		t.Fatal("want blocked")
	}
	m.Close()

	if got := countRow(t, db,
		`SELECT count FROM request_audit_minute WHERE outcome = 'limited:daily'`); got != 1 {
		t.Errorf("limited row got: %d, want: 1", got)
	}
}

func TestGetUsageBatchZeroFillsUnknown(t *testing.T) {
	m, _ := newTestManager(t, Config{Chat: Limits{Daily: 100, RPM: 10}})
	defer m.Close()

	usage := m.GetUsageBatch(context.Background(), []string{"acct-missing"})
	u, ok := usage["acct-missing"]
	if !ok {
		t.Fatal("missing id should get a zero row")
	}
	if u.Chat.Daily.Used != 0 || u.Chat.Daily.Limit != 100 || u.Chat.RPM.Limit != 10 {
		t.Errorf("usage got: %+v", u)
	}
}

func TestGetUsageReadsStore(t *testing.T) {
	m, db := newTestManager(t, Config{Chat: Limits{Daily: 100}})
	defer m.Close()

	_, err := db.ExecContext(context.Background(),
		`INSERT INTO usage_stats (date, provider_id, kind, count) VALUES (?, 'acct-a', 'chat', 40)`,
		clock.BeijingDate(testNow))
	if err != nil {
		t.Fatal(err)
	}

	u := m.GetUsage(context.Background(), "acct-a")
	if u.Chat.Daily.Used != 40 || u.Chat.Daily.Percent != 40 {
		t.Errorf("daily got: %+v", u.Chat.Daily)
	}
}

func TestGetRecentAuditFiltersSuccess(t *testing.T) {
	m, _ := newTestManager(t, Config{})

	m.IncrementUsage("acct-a", Chat)
	m.RecordFailure("acct-a", Chat, "upstream_502")
	m.Close()

	rows, err := m.GetRecentAudit(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Outcome != "error:upstream_502" {
		t.Errorf("rows got: %+v", rows)
	}
}

func TestUptimeStart(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	defer m.Close()

	m.RecordUptimeStart(context.Background())
	if got := m.UptimeStart(context.Background()); got != testNow.Unix() {
		t.Errorf("uptime start got: %d, want: %d", got, testNow.Unix())
	}
}
