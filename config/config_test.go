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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const goodConfig = `
listen: ":9090"
api_key: sk-test
admin_key: admin-test
quota:
  chat:
    daily: 2000
    rpm: 60
  search:
    daily: 500
audit:
  success_logs: true
tuning:
  provider_scan_seconds: 2
  provider_full_kv_scan_minutes: 10
providers:
  qwen:
    auth_files:
      - qwen_creds_home.json
model_mappings:
  gpt-4o: qwen3-coder-plus
alert:
  webhook_url: https://open.feishu.cn/hook/xyz
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	c, err := Load(writeConfig(t, goodConfig))
	if err != nil {
		t.Fatal(err)
	}

	if c.Listen != ":9090" {
		t.Errorf("listen got: %q, want: :9090", c.Listen)
	}
	if c.Quota.Chat.Daily != 2000 || c.Quota.Chat.RPM != 60 {
		t.Errorf("chat limits got: %+v", c.Quota.Chat)
	}
	if c.Quota.Search.Daily != 500 {
		t.Errorf("search daily got: %d, want: 500", c.Quota.Search.Daily)
	}
	if !c.Audit.SuccessLogs {
		t.Error("success logs got: false, want: true")
	}
	if len(c.Providers.Qwen.AuthFiles) != 1 {
		t.Errorf("auth files got: %v", c.Providers.Qwen.AuthFiles)
	}
	// defaults survive a partial file
	if c.QwenOAuthClientID != DefaultQwenClientID {
		t.Errorf("client id got: %q", c.QwenOAuthClientID)
	}
	if c.FullScanInterval() != 10*time.Minute {
		t.Errorf("full scan interval got: %v", c.FullScanInterval())
	}
}

func TestValidateClampsScanInterval(t *testing.T) {
	c, err := Load(writeConfig(t, goodConfig))
	if err != nil {
		t.Fatal(err)
	}
	// 2s in the file is below the floor
	if c.ScanInterval() != 5*time.Second {
		t.Errorf("scan interval got: %v, want: 5s", c.ScanInterval())
	}
}

func TestValidateRequiresKeys(t *testing.T) {
	if _, err := Load(writeConfig(t, "listen: :8080\n")); err == nil {
		t.Error("want error for missing api_key")
	}
	if _, err := Load(writeConfig(t, "api_key: x\n")); err == nil {
		t.Error("want error for missing admin_key")
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	bad := "api_key: x\nadmin_key: y\nnot_a_key: true\n"
	if _, err := Load(writeConfig(t, bad)); err == nil {
		t.Error("want error for unknown key")
	}
}

func TestMapModel(t *testing.T) {
	c := Default()
	c.ModelMappings = map[string]string{"gpt-4o": "qwen3-coder-plus"}

	if got := c.MapModel("gpt-4o"); got != "qwen3-coder-plus" {
		t.Errorf("mapped got: %q", got)
	}
	if got := c.MapModel("qwen3-coder-plus"); got != "qwen3-coder-plus" {
		t.Errorf("unmapped got: %q", got)
	}
}
