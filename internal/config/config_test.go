package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 8080 || cfg.StoreBackend != BackendMemory {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.RoundDuration != 300*time.Second || cfg.VoteWindow != 30*time.Second || cfg.StateTTL != 24*time.Hour {
		t.Fatalf("unexpected timing defaults %+v", cfg)
	}
	if cfg.DecayRate != 0.05 {
		t.Fatalf("expected decay 0.05, got %v", cfg.DecayRate)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("PORT", "9090")
	t.Setenv("STORE_BACKEND", "redis")
	t.Setenv("REDIS_ADDR", "cache:6380")
	t.Setenv("ROUND_DURATION", "90s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 9090 || cfg.StoreBackend != BackendRedis || cfg.RedisAddr != "cache:6380" {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if cfg.RoundDuration != 90*time.Second {
		t.Fatalf("expected 90s round, got %v", cfg.RoundDuration)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lucho.yaml")
	doc := "store_backend: bolt\nbolt_path: /tmp/x.db\nvote_window: 45s\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StoreBackend != BackendBolt || cfg.BoltPath != "/tmp/x.db" || cfg.VoteWindow != 45*time.Second {
		t.Fatalf("file not applied: %+v", cfg)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("STORE_BACKEND", "etcd")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown backend")
	}

	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("DECAY_RATE", "1.5")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for decay rate >= 1")
	}

	// zero would be read as "unset" by the engine and replaced by the default
	t.Setenv("DECAY_RATE", "0")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for zero decay rate")
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "nope.yaml"))
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
