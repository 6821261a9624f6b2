package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
crawl:
  user_agent: test-agent
  page_size: 50
  max_pages: 5
  run_page_budget: 30
  inter_page_delay_ms: 500
  timeout_seconds: 45
queue:
  max_attempts: 3
safety:
  blocked_threshold: 1
resolve:
  contact_email: ops@example.org
  batch_limit: 20
scheduler:
  enabled: true
  run_spec: "0 */4 * * *"
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Crawl.PageSize != 50 || cfg.Crawl.UserAgent != "test-agent" {
		t.Fatalf("expected crawl overrides to apply: %+v", cfg.Crawl)
	}
	if cfg.Queue.MaxAttempts != 3 {
		t.Fatalf("expected queue override, got %d", cfg.Queue.MaxAttempts)
	}
	if cfg.Safety.BlockedThreshold != 1 {
		t.Fatalf("expected safety override, got %d", cfg.Safety.BlockedThreshold)
	}
	if cfg.Resolve.ContactEmail != "ops@example.org" || cfg.Resolve.BatchLimit != 20 {
		t.Fatalf("expected resolve overrides: %+v", cfg.Resolve)
	}
	if !cfg.Scheduler.Enabled || cfg.Scheduler.RunSpec != "0 */4 * * *" {
		t.Fatalf("expected scheduler overrides: %+v", cfg.Scheduler)
	}
	if got := cfg.Crawl.Timeout(); got != 45*time.Second {
		t.Fatalf("expected timeout 45s, got %v", got)
	}
	if got := cfg.Crawl.InterPageDelay(); got != 500*time.Millisecond {
		t.Fatalf("expected inter-page delay 500ms, got %v", got)
	}
	// Untouched sections keep defaults.
	if cfg.Retry.MaxNetworkAttempts != 3 {
		t.Fatalf("expected default retry attempts, got %d", cfg.Retry.MaxNetworkAttempts)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server: ServerConfig{Port: 8080},
		Crawl:  CrawlConfig{PageSize: 100, MaxPages: 10, TimeoutSeconds: 20},
		Queue:  QueueConfig{MaxAttempts: 5},
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "invalid port",
			cfg: func() Config {
				c := base
				c.Server.Port = 0
				return c
			}(),
			want: "server.port",
		},
		{
			name: "page size over source maximum",
			cfg: func() Config {
				c := base
				c.Crawl.PageSize = 200
				return c
			}(),
			want: "crawl.page_size",
		},
		{
			name: "invalid max pages",
			cfg: func() Config {
				c := base
				c.Crawl.MaxPages = 0
				return c
			}(),
			want: "crawl.max_pages",
		},
		{
			name: "invalid timeout",
			cfg: func() Config {
				c := base
				c.Crawl.TimeoutSeconds = 0
				return c
			}(),
			want: "crawl.timeout_seconds",
		},
		{
			name: "invalid queue attempts",
			cfg: func() Config {
				c := base
				c.Queue.MaxAttempts = 0
				return c
			}(),
			want: "queue.max_attempts",
		},
		{
			name: "auth missing api key",
			cfg: func() Config {
				c := base
				c.Auth.Enabled = true
				return c
			}(),
			want: "auth.api_key",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
