package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 18900 {
		t.Errorf("default port = %d, want 18900", cfg.Server.Port)
	}
	if cfg.Database.Mode != "standalone" {
		t.Errorf("default mode = %q, want standalone", cfg.Database.Mode)
	}
	if cfg.Driver.SidecarPipe != "/run/crew/control" {
		t.Errorf("default sidecar pipe = %q", cfg.Driver.SidecarPipe)
	}
}

func TestLoadJSON5WithComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		// listener
		server: { host: "127.0.0.1", port: 9000 },
		liveness: { stall_timeout: "2s" },
	}`
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9000 {
		t.Errorf("server = %+v", cfg.Server)
	}
	if got := cfg.Liveness.StallTimeoutDuration(); got != 2*time.Second {
		t.Errorf("stall timeout = %v, want 2s", got)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CREWHALL_PORT", "7777")
	t.Setenv("CREWHALL_POSTGRES_DSN", "postgres://x")
	t.Setenv("CREWHALL_MODE", "managed")
	t.Setenv("CREWHALL_API_TOKENS", "tok-a:acme, tok-b:globex")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 7777 {
		t.Errorf("port = %d, want 7777", cfg.Server.Port)
	}
	if !cfg.IsManagedMode() {
		t.Errorf("expected managed mode")
	}
	if cfg.Auth.Tokens["tok-a"] != "acme" || cfg.Auth.Tokens["tok-b"] != "globex" {
		t.Errorf("tokens = %v", cfg.Auth.Tokens)
	}
}

func TestSaveOmitsSecrets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := Default()
	cfg.Database.PostgresDSN = "postgres://secret"
	cfg.Auth.Tokens = map[string]string{"tok": "acme"}

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if s := string(data); strings.Contains(s, "secret") || strings.Contains(s, "tok") {
		t.Errorf("saved config leaked secrets: %s", s)
	}
}

func TestLivenessDefaults(t *testing.T) {
	var l LivenessConfig
	if l.StallTimeoutDuration() != 60*time.Second {
		t.Errorf("stall default = %v", l.StallTimeoutDuration())
	}
	if l.InterruptAfterDuration() != 120*time.Second {
		t.Errorf("interrupt default = %v", l.InterruptAfterDuration())
	}
	if l.DeadAfterDuration() != 180*time.Second {
		t.Errorf("dead default = %v", l.DeadAfterDuration())
	}
	if l.ScanIntervalDuration() != time.Second {
		t.Errorf("scan default = %v", l.ScanIntervalDuration())
	}
}
