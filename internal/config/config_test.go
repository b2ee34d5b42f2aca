package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/boddenberg/ledger-sync-go/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.LoadFrom("")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Port)
	}
	if cfg.RateLimitMaxRequests != 90 {
		t.Errorf("expected 90 requests per window, got %d", cfg.RateLimitMaxRequests)
	}
	if cfg.RateLimitWindow != 60*time.Second {
		t.Errorf("expected 60s window, got %s", cfg.RateLimitWindow)
	}
	if cfg.SyncBatchSize != 25 {
		t.Errorf("expected batch size 25, got %d", cfg.SyncBatchSize)
	}
	if cfg.SyncBatchDelay != 2*time.Second {
		t.Errorf("expected 2s batch delay, got %s", cfg.SyncBatchDelay)
	}
	if len(cfg.QBOScopes) != 1 || cfg.QBOScopes[0] != "com.intuit.quickbooks.accounting" {
		t.Errorf("unexpected scopes: %v", cfg.QBOScopes)
	}
}

func TestLoad_EnvOverridesDotEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	content := "PORT=9090\nSYNC_BATCH_SIZE=10\nQBO_SCOPES=com.intuit.quickbooks.accounting,openid\n"
	if err := os.WriteFile(envFile, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	t.Setenv("PORT", "7070")
	t.Setenv("SYNC_BATCH_DELAY", "250ms")

	cfg, err := config.LoadFrom(envFile)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if cfg.Port != 7070 {
		t.Errorf("expected env to win with port 7070, got %d", cfg.Port)
	}
	if cfg.SyncBatchSize != 10 {
		t.Errorf("expected batch size 10 from .env, got %d", cfg.SyncBatchSize)
	}
	if cfg.SyncBatchDelay != 250*time.Millisecond {
		t.Errorf("expected 250ms batch delay, got %s", cfg.SyncBatchDelay)
	}
	if len(cfg.QBOScopes) != 2 {
		t.Errorf("expected 2 scopes, got %v", cfg.QBOScopes)
	}
}

func TestLoad_RejectsUnknownOracle(t *testing.T) {
	t.Setenv("ORACLE_PROVIDER", "crystal-ball")

	if _, err := config.LoadFrom(""); err == nil {
		t.Fatal("expected error for unknown oracle provider")
	}
}

func TestLoad_RejectsBadConfidence(t *testing.T) {
	t.Setenv("SYNC_DEFAULT_MIN_CONFIDENCE", "150")

	if _, err := config.LoadFrom(""); err == nil {
		t.Fatal("expected error for confidence above 100")
	}
}
