package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/auditledger/internal/config"
)

func TestLoad_defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := config.Load("", zap.NewNop())
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("server.port: got %d", cfg.Server.Port)
	}
	if cfg.Server.BaseURL != "http://localhost:8080" {
		t.Errorf("server.base_url: got %q", cfg.Server.BaseURL)
	}
	if cfg.Ledger.Difficulty != 4 || cfg.Ledger.MaxSealAttempts != 50_000_000 {
		t.Errorf("ledger: got %+v", cfg.Ledger)
	}
	if cfg.Ledger.SealTimeout != 30*time.Second || !cfg.Ledger.VerifyOnLoad {
		t.Errorf("ledger: got %+v", cfg.Ledger)
	}
	if cfg.Storage.Driver != "file" || cfg.Storage.Path != "data/audit_chain.jsonl" {
		t.Errorf("storage: got %+v", cfg.Storage)
	}
	if cfg.Identity.TokenTTL != time.Hour || cfg.Identity.Issuer != "auditledger" {
		t.Errorf("identity: got %+v", cfg.Identity)
	}
	if cfg.Ledger.AuditInterval != 10*time.Minute || cfg.Ledger.AuditFailThreshold != 1 {
		t.Errorf("audit: got %+v", cfg.Ledger)
	}
	if len(cfg.Webhooks) != 0 {
		t.Errorf("webhooks: got %+v", cfg.Webhooks)
	}
}

func TestLoad_fileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "auditledger.yaml")
	yaml := `
server:
  port: 9090
ledger:
  difficulty: 2
  seal_timeout: 5s
storage:
  driver: sqlite
  sqlite_path: /var/lib/audit/chain.db
webhooks:
  endpoints:
    - url: https://hooks.example.com/audit
      secret: whsec
      events: [ledger.chain_degraded]
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AUDIT_LEDGER_DIFFICULTY", "3")
	t.Setenv("AUDIT_IDENTITY_KEY_DIR", "/etc/audit/keys")

	cfg, err := config.Load(path, zap.NewNop())
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("file value ignored: port %d", cfg.Server.Port)
	}
	if cfg.Ledger.Difficulty != 3 {
		t.Errorf("env did not override file: difficulty %d", cfg.Ledger.Difficulty)
	}
	if cfg.Ledger.SealTimeout != 5*time.Second {
		t.Errorf("seal_timeout: got %v", cfg.Ledger.SealTimeout)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.SQLitePath != "/var/lib/audit/chain.db" {
		t.Errorf("storage: got %+v", cfg.Storage)
	}
	if cfg.Identity.KeyDir != "/etc/audit/keys" {
		t.Errorf("key_dir: got %q", cfg.Identity.KeyDir)
	}

	if len(cfg.Webhooks) != 1 {
		t.Fatalf("webhooks: got %+v", cfg.Webhooks)
	}
	if ep := cfg.Webhooks[0]; ep.URL != "https://hooks.example.com/audit" || ep.Secret != "whsec" ||
		len(ep.Events) != 1 || ep.Events[0] != "ledger.chain_degraded" {
		t.Errorf("webhook endpoint: got %+v", ep)
	}

	opts := cfg.LedgerOptions()
	if opts.Difficulty != 3 || opts.SealTimeout != 5*time.Second || !opts.VerifyOnLoad {
		t.Errorf("LedgerOptions: got %+v", opts)
	}
}

func TestLoad_invalid(t *testing.T) {
	t.Chdir(t.TempDir())
	cases := map[string]string{
		"AUDIT_STORAGE_DRIVER":         "tape",
		"AUDIT_LEDGER_DIFFICULTY":      "65",
		"AUDIT_SERVER_TRUSTED_PROXIES": "not-an-ip",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			if _, err := config.Load("", zap.NewNop()); err == nil {
				t.Errorf("expected error for %s=%s", key, val)
			}
		})
	}
}

func TestLoad_malformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auditledger.yaml")
	if err := os.WriteFile(path, []byte("server: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := config.Load(path, zap.NewNop()); err == nil {
		t.Error("expected error for malformed YAML")
	}
}

func TestLoad_invalidWebhookURL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auditledger.yaml")
	yaml := `
webhooks:
  endpoints:
    - url: ftp://hooks.example.com
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := config.Load(path, zap.NewNop()); err == nil {
		t.Error("expected error for a non-HTTP webhook URL")
	}
}

func TestLoad_unboundedSealing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auditledger.yaml")
	yaml := `
ledger:
  difficulty: 64
  max_seal_attempts: 0
  seal_timeout: 0s
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := config.Load(path, zap.NewNop())
	if err == nil || !strings.Contains(err.Error(), "max_seal_attempts") {
		t.Errorf("expected a sealing limit error, got %v", err)
	}

	t.Setenv("AUDIT_LEDGER_SEAL_TIMEOUT", "10s")
	cfg, err := config.Load(path, zap.NewNop())
	if err != nil {
		t.Fatalf("a wall-clock limit alone should be accepted: %v", err)
	}
	if cfg.Ledger.MaxSealAttempts != 0 || cfg.Ledger.SealTimeout != 10*time.Second {
		t.Errorf("limits: got %d attempts, %v", cfg.Ledger.MaxSealAttempts, cfg.Ledger.SealTimeout)
	}
}

func TestLoad_unknownDriverListsChoices(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("AUDIT_STORAGE_DRIVER", "tape")
	_, err := config.Load("", zap.NewNop())
	if err == nil || !strings.Contains(err.Error(), "pebble") {
		t.Errorf("expected the error to list pebble, got %v", err)
	}
}
