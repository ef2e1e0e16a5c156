package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Mode != "worker" {
		t.Errorf("Mode = %q, want %q", cfg.Mode, "worker")
	}
	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.TrustGeneratorCompletion {
		t.Error("TrustGeneratorCompletion should default to false (strict exit codes)")
	}
}

func TestListenAddr(t *testing.T) {
	cfg := &Config{Host: "127.0.0.1", Port: 9999}
	if got := cfg.ListenAddr(); got != "127.0.0.1:9999" {
		t.Errorf("ListenAddr() = %q, want %q", got, "127.0.0.1:9999")
	}
}

func TestLoadOverride(t *testing.T) {
	t.Setenv("QUARRY_MODE", "indexer")
	t.Setenv("QUARRY_CCPAIR_ID", "42")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Mode != "indexer" {
		t.Errorf("Mode = %q, want %q", cfg.Mode, "indexer")
	}
	if cfg.CCPairID != 42 {
		t.Errorf("CCPairID = %d, want 42", cfg.CCPairID)
	}
}
