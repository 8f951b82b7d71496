// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
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
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
server:
  port: 9090
  api_keys:
    - key: ${SUPPORT_API_KEY}
      principal: support-ui
    - key: ${UNSET_API_KEY}
database:
  url: postgres://app@db/autoresponder
redis:
  url: redis://cache:6379/1
  queues:
    drafts: review-drafts
services:
  classifier:
    url: http://classifier:8000/
    api_key: ${CLASSIFIER_KEY}
    timeout: 10s
  tracking:
    url: http://tracking:8001
  generator:
    url: http://generator:8002
    timeout: 45s
rate_limits:
  external:
    limit: 30
    window: 1m
oauth:
  client_id: cid
  client_secret: secret
  scopes: ["https://www.googleapis.com/auth/gmail.modify"]
mailboxes:
  - address: suporte@loja.com
pricing:
  model: gemini-2.5-pro
  models:
    gemini-2.5-pro:
      input_per_million: 1.25
      output_per_million: 10
pipeline:
  generation_gate: support_or_tracking
`

func TestParse(t *testing.T) {
	t.Setenv("SUPPORT_API_KEY", "k-123")
	t.Setenv("CLASSIFIER_KEY", "ck")

	cfg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if len(cfg.APIKeys) != 1 || cfg.APIKeys["k-123"] != "support-ui" {
		t.Errorf("APIKeys = %v, want only k-123 -> support-ui", cfg.APIKeys)
	}
	if cfg.DraftsQueue != "review-drafts" {
		t.Errorf("DraftsQueue = %q", cfg.DraftsQueue)
	}
	if cfg.Classifier.URL != "http://classifier:8000" {
		t.Errorf("trailing slash not trimmed: %q", cfg.Classifier.URL)
	}
	if cfg.Classifier.APIKey != "ck" || cfg.Classifier.Timeout != 10*time.Second {
		t.Errorf("Classifier = %+v", cfg.Classifier)
	}
	if cfg.Tracking.Timeout != 15*time.Second {
		t.Errorf("default timeout = %s, want 15s", cfg.Tracking.Timeout)
	}
	if r := cfg.RateLimits["external"]; r.Limit != 30 || r.Window != time.Minute {
		t.Errorf("external rule = %+v", r)
	}
	if r := cfg.RateLimits["webhook"]; r.Limit != 100 {
		t.Errorf("webhook default rule = %+v", r)
	}
	if cfg.Mailboxes[0].Principal != "suporte@loja.com" {
		t.Errorf("mailbox principal = %q", cfg.Mailboxes[0].Principal)
	}
	if cfg.OAuth.TokenURL == "" || cfg.OAuth.RefreshMargin != time.Minute {
		t.Errorf("OAuth defaults not applied: %+v", cfg.OAuth)
	}
	if p := cfg.Pricing.Models.Lookup(cfg.Pricing.Model); p.InputPerMillion != 1.25 || p.ThinkingPerMillion != 10 {
		t.Errorf("price = %+v", p)
	}
	if cfg.Pricing.FallbackRate != 5.50 {
		t.Errorf("FallbackRate = %v", cfg.Pricing.FallbackRate)
	}
	if cfg.Pipeline.GatePolicy != "support_or_tracking" || cfg.Pipeline.BatchConcurrency != 5 {
		t.Errorf("Pipeline = %+v", cfg.Pipeline)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg, err := Parse([]byte("rate_limits:\n  auth:\n    limit: 0\n    window: 1m\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	cfg.DatabaseURL = ""
	cfg.Classifier.URL, cfg.Tracking.URL, cfg.Generator.URL = "", "", ""

	err = cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"database.url", "services.classifier.url", "services.generator.url", "rate_limits.auth"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestLoadFromConfigPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_PATH", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DatabaseURL != "postgres://app@db/autoresponder" {
		t.Errorf("DatabaseURL = %q", cfg.DatabaseURL)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "nope.yaml"))
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing file")
	}
}
