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

// Package config loads and validates the gateway's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"
)

const (
	// DefaultQwenClientID is the public OAuth client id of the Qwen Code CLI.
	DefaultQwenClientID = "f0304373b74a44d2b584a3fb70ca9e56"

	defaultListen       = ":8080"
	defaultSQLitePath   = "qwengate.db"
	defaultBaseURL      = "https://dashscope.aliyuncs.com/compatible-mode/v1"
	defaultScanSeconds  = 30
	minScanSeconds      = 5
	defaultAlertSeconds = 60
)

// Config is the root configuration.
type Config struct {
	// Listen is the HTTP bind address.
	Listen string `yaml:"listen"`
	// APIKey authorizes /v1 callers.
	APIKey string `yaml:"api_key"`
	// AdminKey authorizes /admin callers.
	AdminKey string `yaml:"admin_key"`
	// QwenOAuthClientID is the OAuth client id used for all accounts.
	QwenOAuthClientID string `yaml:"qwen_oauth_client_id"`
	// RedisURL selects the Redis credential store; empty uses memory.
	RedisURL string `yaml:"redis_url"`
	// SQLitePath is the usage database; empty disables durable counters.
	SQLitePath string `yaml:"sqlite_path"`
	// DefaultBaseURL is the upstream base for credentials without one.
	DefaultBaseURL string `yaml:"default_base_url"`

	Quota     Quota             `yaml:"quota"`
	Audit     Audit             `yaml:"audit"`
	Tuning    Tuning            `yaml:"tuning"`
	Providers Providers         `yaml:"providers"`
	Alert     Alert             `yaml:"alert"`
	// ModelMappings rewrites requested model names before dispatch.
	ModelMappings map[string]string `yaml:"model_mappings"`
}

// KindLimits holds admission limits for one operation kind. Zero disables.
type KindLimits struct {
	Daily int64 `yaml:"daily"`
	RPM   int64 `yaml:"rpm"`
}

// Quota holds per-kind admission limits.
type Quota struct {
	Chat   KindLimits `yaml:"chat"`
	Search KindLimits `yaml:"search"`
}

// Audit controls audit-log verbosity.
type Audit struct {
	// SuccessLogs includes success rows in the recent-audit admin view.
	SuccessLogs bool `yaml:"success_logs"`
}

// Tuning holds pool scan cadence knobs.
type Tuning struct {
	// ProviderScanSeconds bounds pool staleness before a light rescan.
	ProviderScanSeconds int `yaml:"provider_scan_seconds"`
	// ProviderFullKVScanMinutes enables periodic full store sweeps when
	// positive.
	ProviderFullKVScanMinutes int `yaml:"provider_full_kv_scan_minutes"`
}

// Providers seeds the account pool.
type Providers struct {
	Qwen QwenProvider `yaml:"qwen"`
}

// QwenProvider holds statically configured credential keys.
type QwenProvider struct {
	AuthFiles []string `yaml:"auth_files"`
}

// Alert configures the webhook alert engine.
type Alert struct {
	WebhookURL            string `yaml:"webhook_url"`
	QuotaThresholdPercent int    `yaml:"quota_threshold_percent"`
	IntervalSeconds       int    `yaml:"interval_seconds"`
}

// Default returns a Config with server defaults applied.
func Default() *Config {
	return &Config{
		Listen:            defaultListen,
		QwenOAuthClientID: DefaultQwenClientID,
		SQLitePath:        defaultSQLitePath,
		DefaultBaseURL:    defaultBaseURL,
		Tuning: Tuning{
			ProviderScanSeconds: defaultScanSeconds,
		},
		Alert: Alert{
			IntervalSeconds: defaultAlertSeconds,
		},
	}
}

// Load reads path into a defaulted Config and validates it.
func Load(path string) (*Config, error) {
	c := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.UnmarshalStrict(raw, c); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks required fields and clamps tuning values.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("api_key is required")
	}
	if c.AdminKey == "" {
		return fmt.Errorf("admin_key is required")
	}
	if c.QwenOAuthClientID == "" {
		c.QwenOAuthClientID = DefaultQwenClientID
	}
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Tuning.ProviderScanSeconds < minScanSeconds {
		c.Tuning.ProviderScanSeconds = minScanSeconds
	}
	if c.Alert.IntervalSeconds <= 0 {
		c.Alert.IntervalSeconds = defaultAlertSeconds
	}
	return nil
}

// ScanInterval returns the light-scan staleness bound.
func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.Tuning.ProviderScanSeconds) * time.Second
}

// FullScanInterval returns the periodic full-scan period, zero when disabled.
func (c *Config) FullScanInterval() time.Duration {
	return time.Duration(c.Tuning.ProviderFullKVScanMinutes) * time.Minute
}

// AlertInterval returns the alert engine tick period.
func (c *Config) AlertInterval() time.Duration {
	return time.Duration(c.Alert.IntervalSeconds) * time.Second
}

// MapModel rewrites a requested model name, returning it unchanged when no
// mapping exists.
func (c *Config) MapModel(model string) string {
	if mapped, ok := c.ModelMappings[model]; ok {
		return mapped
	}
	return model
}
