package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadOverlaysYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agtscout.yml")
	raw := `
queue_path: /tmp/q.json
target:
  kind: ssh
  connection_ref: vm1
  match: [claude, codex]
engine:
  fallback_interval: 2s
  ready_timeout: 90s
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.QueuePath != "/tmp/q.json" {
		t.Fatalf("queue path not overlaid: %s", cfg.QueuePath)
	}
	if cfg.Target.Kind != "ssh" || cfg.Target.ConnectionRef != "vm1" || len(cfg.Target.Match) != 2 {
		t.Fatalf("unexpected target config: %+v", cfg.Target)
	}
	if cfg.Engine.FallbackInterval != 2*time.Second || cfg.Engine.ReadyTimeout != 90*time.Second {
		t.Fatalf("unexpected engine durations: %+v", cfg.Engine)
	}
	if cfg.Engine.SettleDelay != 500*time.Millisecond {
		t.Fatalf("defaults should survive overlay, got settle=%s", cfg.Engine.SettleDelay)
	}
}

func TestLoadRejectsSSHWithoutConnectionRef(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agtscout.yml")
	if err := os.WriteFile(path, []byte("target:\n  kind: ssh\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("AGTSCOUT_QUEUE_PATH", "/tmp/env-queue.db")
	t.Setenv("AGTSCOUT_TARGET_MATCH", "claude, gemini")
	t.Setenv("AGTSCOUT_READY_TIMEOUT", "10s")

	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if cfg.QueuePath != "/tmp/env-queue.db" {
		t.Fatalf("unexpected queue path: %s", cfg.QueuePath)
	}
	if len(cfg.Target.Match) != 2 || cfg.Target.Match[1] != "gemini" {
		t.Fatalf("unexpected match: %#v", cfg.Target.Match)
	}
	if cfg.Engine.ReadyTimeout != 10*time.Second {
		t.Fatalf("unexpected ready timeout: %s", cfg.Engine.ReadyTimeout)
	}
}

func TestApplyEnvReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("AGTSCOUT_TARGET_PANE=%7\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Cleanup(func() { _ = os.Unsetenv("AGTSCOUT_TARGET_PANE") })

	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if cfg.Target.Pane != "%7" {
		t.Fatalf("expected pane from .env, got %q", cfg.Target.Pane)
	}
}

func TestApplyEnvRejectsBadDuration(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("AGTSCOUT_FALLBACK_INTERVAL", "soon")
	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(); err == nil {
		t.Fatalf("expected duration parse error")
	}
}
