package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_DefaultsWithNoFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.HTTPPort != 8090 {
		t.Fatalf("expected default httpPort 8090, got %d", cfg.HTTPPort)
	}
	if cfg.MetricsPort != 9090 {
		t.Fatalf("expected default metricsPort 9090, got %d", cfg.MetricsPort)
	}
}

func TestLoad_YAMLFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	yaml := "httpPort: 9999\nlogLevel: debug\ndataDir: /tmp/dlmm\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.HTTPPort != 9999 {
		t.Fatalf("expected httpPort 9999 from file, got %d", cfg.HTTPPort)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected logLevel debug from file, got %s", cfg.LogLevel)
	}
	if cfg.EnableMetrics != true {
		t.Fatal("expected enableMetrics default to survive unset in file")
	}
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	if err := os.WriteFile(path, []byte("httpPort: 9999\n"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	t.Setenv("DLMM_HTTPPORT", "7777")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.HTTPPort != 7777 {
		t.Fatalf("expected env override to win, got %d", cfg.HTTPPort)
	}
}

func TestLoadRetryPolicies_FallsBackToDefaultsWithoutFile(t *testing.T) {
	policies, err := LoadRetryPolicies("")
	if err != nil {
		t.Fatalf("LoadRetryPolicies failed: %v", err)
	}
	if _, ok := policies["position.create"]; !ok {
		t.Fatal("expected default policy table to include position.create")
	}
}

func TestLoadRetryPolicies_FileOverridesOneOperation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policies.yaml")
	yaml := "token.swap:\n  maxAttempts: 9\n  delaysSeconds: [1, 2, 3]\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	policies, err := LoadRetryPolicies(path)
	if err != nil {
		t.Fatalf("LoadRetryPolicies failed: %v", err)
	}
	p, ok := policies["token.swap"]
	if !ok {
		t.Fatal("expected token.swap policy to be present")
	}
	if p.MaxAttempts != 9 {
		t.Fatalf("expected overridden MaxAttempts 9, got %d", p.MaxAttempts)
	}
	if len(p.Delays) != 3 || p.Delays[0] != time.Second {
		t.Fatalf("expected 3 delays starting at 1s, got %v", p.Delays)
	}
	if _, ok := policies["position.create"]; !ok {
		t.Fatal("expected un-overridden operations to keep their default policy")
	}
}
