package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFromPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "arbord.yaml")
	content := `
server:
  addr: ":9090"
database:
  url: "postgres://localhost/arbor"
tree:
  reeffect_ceiling_hours: 500
scripts:
  timeout_seconds: 5
  blocked_hosts: ["localhost", ".corp"]
inspector:
  enabled: false
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Fatalf("addr not loaded: %s", cfg.Server.Addr)
	}
	if cfg.Tree.ReeffectCeilingHours != 500 {
		t.Fatalf("ceiling not loaded: %v", cfg.Tree.ReeffectCeilingHours)
	}
	// Unset fields keep their defaults.
	if cfg.Tree.MaxScriptSize != 2000 {
		t.Fatalf("default not preserved: %d", cfg.Tree.MaxScriptSize)
	}
	if len(cfg.Scripts.BlockedHosts) != 2 {
		t.Fatalf("blocked hosts not loaded: %v", cfg.Scripts.BlockedHosts)
	}
	if cfg.Inspector.Enabled {
		t.Fatalf("inspector should be disabled")
	}
}

func TestLoadFromPath_Invalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "arbord.yaml")
	if err := os.WriteFile(path, []byte("scripts:\n  timeout_seconds: -1\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadFromPath(path); err == nil {
		t.Fatalf("expected validation failure")
	}
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}
