package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.User != "ubuntu" {
		t.Fatalf("expected default user ubuntu, got %q", cfg.User)
	}
	if cfg.Timeout != 120*time.Second {
		t.Fatalf("expected default timeout 120s, got %v", cfg.Timeout)
	}
	if cfg.Client.CodePath != "~/pagegraph-tranco-crawl" {
		t.Fatalf("unexpected client code path %q", cfg.Client.CodePath)
	}
	if cfg.Crawl.PageSeconds != 10 || cfg.Crawl.ClientTimeout != 300 {
		t.Fatalf("unexpected crawl defaults: %+v", cfg.Crawl)
	}
	if cfg.Seed.Num != 15000 {
		t.Fatalf("expected seed.num 15000, got %d", cfg.Seed.Num)
	}
	if cfg.LedgerEnabled() || cfg.PubSubEnabled() {
		t.Fatal("expected optional integrations to be disabled by default")
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
hosts: ["10.0.0.1", "10.0.0.2"]
user: crawler
timeout: 45s
ssh:
  port: 2222
  insecure_ignore_host_key: true
queue:
  root: /srv/queue
client:
  code_path: ~/client
crawl:
  limit: 25
  page_seconds: 30
  overall_timeout: 1h
ledger:
  driver: sqlite
  dsn: file:ledger.db
logging:
  development: false
  level: debug
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if len(cfg.Hosts) != 2 || cfg.Hosts[1] != "10.0.0.2" {
		t.Fatalf("expected two hosts, got %v", cfg.Hosts)
	}
	if cfg.User != "crawler" || cfg.Timeout != 45*time.Second {
		t.Fatalf("expected user/timeout overrides, got %q %v", cfg.User, cfg.Timeout)
	}
	if cfg.SSH.Port != 2222 || !cfg.SSH.InsecureIgnoreHostKey {
		t.Fatalf("expected ssh overrides: %+v", cfg.SSH)
	}
	if cfg.Crawl.Limit != 25 || cfg.Crawl.OverallTimeout != time.Hour {
		t.Fatalf("expected crawl overrides: %+v", cfg.Crawl)
	}
	if !cfg.LedgerEnabled() || cfg.Ledger.Table != "dispatch_outcomes" || cfg.Ledger.RunsTable != "dispatch_runs" {
		t.Fatalf("expected sqlite ledger with default table: %+v", cfg.Ledger)
	}
	if cfg.Logging.Development || cfg.Logging.Level != "debug" {
		t.Fatalf("expected logging overrides: %+v", cfg.Logging)
	}
}

func TestLoadFlagAndValueOptions(t *testing.T) {
	t.Parallel()

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("limit", 0, "")
	if err := flags.Parse([]string{"--limit", "7"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	cfg, err := Load("",
		WithFlag("crawl.limit", flags.Lookup("limit")),
		WithValue("hosts", []string{"a", "b", "c"}),
	)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Crawl.Limit != 7 {
		t.Fatalf("expected flag to set crawl.limit, got %d", cfg.Crawl.Limit)
	}
	if len(cfg.Hosts) != 3 {
		t.Fatalf("expected positional hosts, got %v", cfg.Hosts)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("DISPATCH_CRAWL_S3_BUCKET", "other-bucket")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Crawl.S3Bucket != "other-bucket" {
		t.Fatalf("expected env override, got %q", cfg.Crawl.S3Bucket)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{name: "empty user", mutate: func(c *Config) { c.User = " " }, want: "user"},
		{name: "zero timeout", mutate: func(c *Config) { c.Timeout = 0 }, want: "timeout"},
		{name: "bad port", mutate: func(c *Config) { c.SSH.Port = 70000 }, want: "ssh.port"},
		{name: "no queue root", mutate: func(c *Config) { c.Queue.Root = "" }, want: "queue.root"},
		{name: "negative limit", mutate: func(c *Config) { c.Crawl.Limit = -1 }, want: "crawl.limit"},
		{name: "negative workers", mutate: func(c *Config) { c.Dispatch.Workers = -2 }, want: "dispatch.workers"},
		{
			name:   "throttle without burst",
			mutate: func(c *Config) { c.Dispatch.PerHostRPS = 1; c.Dispatch.PerHostBurst = 0 },
			want:   "dispatch.per_host_burst",
		},
		{name: "ledger without dsn", mutate: func(c *Config) { c.Ledger.Driver = LedgerPostgres }, want: "ledger.dsn"},
		{name: "unknown ledger", mutate: func(c *Config) { c.Ledger.Driver = "mysql" }, want: "ledger.driver"},
		{name: "half pubsub", mutate: func(c *Config) { c.PubSub.ProjectID = "p" }, want: "pubsub"},
		{name: "zero progress buffer", mutate: func(c *Config) { c.Progress.BufferSize = 0 }, want: "progress"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
		})
	}
}
