package tidemark

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("app.db")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Outbox.MaxRetries != 5 {
		t.Errorf("max retries = %d, want 5", cfg.Outbox.MaxRetries)
	}
	if cfg.Outbox.InitialBackoff != time.Second || cfg.Outbox.MaxBackoff != 16*time.Second {
		t.Errorf("backoff = %v..%v", cfg.Outbox.InitialBackoff, cfg.Outbox.MaxBackoff)
	}
	if cfg.Monitor.SettleWindow != 2*time.Second {
		t.Errorf("settle window = %v", cfg.Monitor.SettleWindow)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig("")
	if err := cfg.Validate(); err == nil {
		t.Error("empty path accepted")
	}

	cfg = DefaultConfig("app.db")
	cfg.Collections = []CollectionConfig{{Name: "feed"}, {Name: "feed"}}
	if err := cfg.Validate(); err == nil {
		t.Error("duplicate collection accepted")
	}

	cfg = DefaultConfig("app.db")
	cfg.Collections = []CollectionConfig{{Name: ""}}
	if err := cfg.Validate(); err == nil {
		t.Error("unnamed collection accepted")
	}
}

func TestConfigTTLFor(t *testing.T) {
	cfg := DefaultConfig("app.db")
	cfg.Cache.DefaultTTL = time.Hour
	cfg.Collections = []CollectionConfig{
		{Name: "live", TTL: time.Minute},
		{Name: "profile"},
	}

	if got := cfg.TTLFor("live"); got != time.Minute {
		t.Errorf("live ttl = %v", got)
	}
	if got := cfg.TTLFor("profile"); got != time.Hour {
		t.Errorf("profile ttl = %v", got)
	}
	if got := cfg.TTLFor("unknown"); got != time.Hour {
		t.Errorf("unknown ttl = %v", got)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tidemark.yaml")
	raw := `
path: app.db
store:
  compress_payloads: true
outbox:
  max_retries: 3
  initial_backoff: 2s
cache:
  default_ttl: 10m
collections:
  - name: feed
    ttl: 1m
    realtime: true
  - name: profile
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Store.CompressPayloads {
		t.Error("compress_payloads not loaded")
	}
	if cfg.Outbox.MaxRetries != 3 || cfg.Outbox.InitialBackoff != 2*time.Second {
		t.Errorf("outbox = %+v", cfg.Outbox)
	}
	// Unset fields keep their defaults.
	if cfg.Outbox.MaxBackoff != 16*time.Second {
		t.Errorf("max backoff = %v, want default", cfg.Outbox.MaxBackoff)
	}
	if len(cfg.Collections) != 2 || !cfg.Collections[0].Realtime {
		t.Errorf("collections = %+v", cfg.Collections)
	}
	if cfg.TTLFor("feed") != time.Minute {
		t.Errorf("feed ttl = %v", cfg.TTLFor("feed"))
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("path: ''\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("config without path accepted")
	}
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file accepted")
	}
}
