package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestLoadParsesSwarmSection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, `
swarm:
  enabled: true
  concurrency: 3
  weights:
    alice: 1.5
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Swarm.Enabled || cfg.Swarm.Concurrency != 3 {
		t.Errorf("swarm = %+v", cfg.Swarm)
	}
	if cfg.Swarm.Weights["alice"] != 1.5 {
		t.Errorf("weights = %+v", cfg.Swarm.Weights)
	}
}

func TestCachedLoaderReloadsOnMtimeChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "swarm:\n  concurrency: 1\n")

	loader := NewCachedLoader(path)
	cfg, err := loader.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cfg.Swarm.Concurrency != 1 {
		t.Fatalf("concurrency = %d, want 1", cfg.Swarm.Concurrency)
	}

	time.Sleep(10 * time.Millisecond)
	writeConfig(t, path, "swarm:\n  concurrency: 2\n")
	future := time.Now().Add(time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	cfg, err = loader.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cfg.Swarm.Concurrency != 2 {
		t.Errorf("concurrency = %d, want 2 after reload", cfg.Swarm.Concurrency)
	}
}
