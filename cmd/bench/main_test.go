package main

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("MOBILITY_DB_DSN", "postgres://api")
	cfg := loadConfig(nil)
	if cfg.BaseURL != "http://localhost:8080" || cfg.Concurrency != 20 || cfg.Timeout != time.Minute {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.DSN != "postgres://api" {
		t.Fatalf("expected the API dsn as fallback, got %q", cfg.DSN)
	}
	if cfg.OperatorToken != "bench-ops:operator" {
		t.Fatalf("unexpected operator token %q", cfg.OperatorToken)
	}
}

func TestLoadConfigPrecedence(t *testing.T) {
	t.Setenv("MOBILITY_DB_DSN", "postgres://api")
	t.Setenv("MOBILITY_BENCH_DSN", "postgres://bench")
	t.Setenv("MOBILITY_BENCH_CONCURRENCY", "50")
	t.Setenv("MOBILITY_BENCH_STRICT", "true")

	cfg := loadConfig([]string{"-base-url", "http://api:9000/", "-concurrency", "1"})
	if cfg.DSN != "postgres://bench" || !cfg.Strict {
		t.Fatalf("bench env should win over api env: %+v", cfg)
	}
	if cfg.BaseURL != "http://api:9000" {
		t.Fatalf("expected flag with trailing slash trimmed, got %q", cfg.BaseURL)
	}
	if cfg.Concurrency != 2 {
		t.Fatalf("race cases need two callers, got %d", cfg.Concurrency)
	}
}
