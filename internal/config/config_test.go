package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestEnvHelpers(t *testing.T) {
	t.Setenv("TEST_STR", "hello")
	if v := envStr("TEST_STR", "x"); v != "hello" {
		t.Fatalf("expected hello, got %q", v)
	}
	if v := envStr("TEST_STR_MISSING", "fallback"); v != "fallback" {
		t.Fatalf("expected fallback, got %q", v)
	}

	t.Setenv("TEST_INT", "42")
	if v := envInt("TEST_INT", 0); v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
	t.Setenv("TEST_INT_BAD", "abc")
	if v := envInt("TEST_INT_BAD", 7); v != 7 {
		t.Fatalf("invalid int should fall back, got %d", v)
	}

	t.Setenv("TEST_FLOAT", "0.85")
	if v := envFloat("TEST_FLOAT", 0); v != 0.85 {
		t.Fatalf("expected 0.85, got %v", v)
	}

	t.Setenv("TEST_DUR", "5s")
	if v := envDuration("TEST_DUR", 0); v != 5*time.Second {
		t.Fatalf("expected 5s, got %s", v)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("KIOKU_PROJECT_ID", "demo")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.IndexMode != "embedded" {
		t.Fatalf("expected default index mode embedded, got %q", cfg.IndexMode)
	}
	if cfg.VectorSize != 384 {
		t.Fatalf("expected default vector size 384, got %d", cfg.VectorSize)
	}
	if cfg.ApprovalsNeeded != 3 {
		t.Fatalf("expected 3 approvals by default, got %d", cfg.ApprovalsNeeded)
	}
	if cfg.SessionExpire != 24*time.Hour {
		t.Fatalf("expected 24h session expiry, got %s", cfg.SessionExpire)
	}
	if cfg.DataDir == "" {
		t.Fatal("expected a derived data dir")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, ".kioku")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	body := "min_search_score: 0.5\nvector_size: 768\n"
	if err := os.WriteFile(filepath.Join(sub, "config.yaml"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)

	t.Setenv("KIOKU_PROJECT_ID", "layering")
	t.Setenv("KIOKU_MIN_SEARCH_SCORE", "0.6")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MinSearchScore != 0.6 {
		t.Fatalf("env should beat file: got %v", cfg.MinSearchScore)
	}
	if cfg.VectorSize != 768 {
		t.Fatalf("file should beat default: got %d", cfg.VectorSize)
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		c := defaults()
		c.ProjectID = "p"
		c.DataDir = "/tmp/p"
		return c
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("baseline should validate: %v", err)
	}

	c := base()
	c.IndexMode = "hybrid"
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for unknown index mode")
	}

	c = base()
	c.IndexMode = "server"
	c.QdrantURL = ""
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for server mode without qdrant addr")
	}

	c = base()
	c.PendingFloor = 0.95
	if err := c.Validate(); err == nil {
		t.Fatal("expected error when pending floor exceeds approval threshold")
	}

	c = base()
	c.ApprovalsNeeded = 0
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for zero approvals")
	}

	c = base()
	c.SyncPassphrase = "secret"
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for passphrase without bucket")
	}
}

func TestCollectionName(t *testing.T) {
	c := defaults()
	c.ProjectID = "My Project!"
	if got := c.CollectionName(); got != "kioku_notes_My_Project" {
		t.Fatalf("unexpected collection name %q", got)
	}
	c.ProjectID = "kioku_notes"
	if got := c.CollectionName(); got != "kioku_notes" {
		t.Fatalf("prefix-equal project should collapse, got %q", got)
	}
}
