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
	"testing"
)

func TestBaseURL(t *testing.T) {
	def := "https://dashscope.aliyuncs.com/compatible-mode/v1"
	for _, test := range []struct {
		resourceURL string
		want        string
	}{
		{"", def},
		{"portal.qwen.ai", "https://portal.qwen.ai/v1"},
		{"portal.qwen.ai/", "https://portal.qwen.ai/v1"},
		{"https://portal.qwen.ai", "https://portal.qwen.ai/v1"},
		{"https://portal.qwen.ai/v1", "https://portal.qwen.ai/v1"},
		{"http://localhost:8080", "http://localhost:8080/v1"},
	} {
		c := &Credentials{ResourceURL: test.resourceURL}
		if got := c.BaseURL(def); got != test.want {
			t.Errorf("BaseURL(%q) got: %q, want: %q", test.resourceURL, got, test.want)
		}
	}
}

func TestNewCredsKey(t *testing.T) {
	key := NewCredsKey()
	if !strings.HasPrefix(key, CredsPrefix) || !strings.HasSuffix(key, ".json") {
		t.Errorf("key got: %q", key)
	}
	name := strings.TrimSuffix(strings.TrimPrefix(key, CredsPrefix), ".json")
	if len(name) != 8 {
		t.Errorf("key name length got: %d, want: 8", len(name))
	}
	if NewCredsKey() == key {
		t.Error("keys must be unique")
	}
}

func TestCanonicalKey(t *testing.T) {
	if got := CanonicalKey("./qwen_creds_abc.json"); got != "qwen_creds_abc.json" {
		t.Errorf("got: %q", got)
	}
	if got := CanonicalKey("qwen_creds_abc.json"); got != "qwen_creds_abc.json" {
		t.Errorf("got: %q", got)
	}
}

func TestDisplayName(t *testing.T) {
	for _, test := range []struct {
		key  string
		want string
	}{
		{"qwen_creds_abc12345.json", "abc12345"},
		{"./oauth_creds_xyz.json", "xyz"},
		{"custom", "custom"},
	} {
		if got := DisplayName(test.key); got != test.want {
			t.Errorf("DisplayName(%q) got: %q, want: %q", test.key, got, test.want)
		}
	}
}
