package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Port != ":8080" {
		t.Errorf("port = %q", cfg.Server.Port)
	}
	if cfg.Sync.CompletedClearDelay.Std() != 3*time.Second {
		t.Errorf("completed clear delay = %v", cfg.Sync.CompletedClearDelay.Std())
	}
	if cfg.Sync.ErrorClearDelay.Std() != 5*time.Second {
		t.Errorf("error clear delay = %v", cfg.Sync.ErrorClearDelay.Std())
	}
	if cfg.Sync.AutosaveQuiet.Std() != 3*time.Second {
		t.Errorf("autosave quiet = %v", cfg.Sync.AutosaveQuiet.Std())
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("missing file must not be fatal: %v", err)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("redis addr = %q", cfg.Redis.Addr)
	}
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: ":9999"
sync:
  completed_clear_delay: "250ms"
  autosave_quiet: "10s"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Port != ":9999" {
		t.Errorf("port = %q", cfg.Server.Port)
	}
	if cfg.Sync.CompletedClearDelay.Std() != 250*time.Millisecond {
		t.Errorf("completed clear delay = %v", cfg.Sync.CompletedClearDelay.Std())
	}
	if cfg.Sync.AutosaveQuiet.Std() != 10*time.Second {
		t.Errorf("autosave quiet = %v", cfg.Sync.AutosaveQuiet.Std())
	}
	// 未覆盖的值保持默认
	if cfg.Sync.ErrorClearDelay.Std() != 5*time.Second {
		t.Errorf("error clear delay = %v", cfg.Sync.ErrorClearDelay.Std())
	}
}

func TestLoadInvalidDuration(t *testing.T) {
	path := writeConfig(t, `
sync:
  autosave_quiet: "three seconds"
`)
	if _, err := Load(path); err == nil {
		t.Error("expected duration parse error")
	}
}

func TestEnvOverridesWin(t *testing.T) {
	path := writeConfig(t, `
server:
  port: ":9999"
jwt:
  secret: "from-file"
`)
	t.Setenv("SERVER_PORT", ":7777")
	t.Setenv("JWT_SECRET", "from-env")
	t.Setenv("BACKEND_URL", "http://engine:9090")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != ":7777" {
		t.Errorf("port = %q, env must win over file", cfg.Server.Port)
	}
	if cfg.JWT.Secret != "from-env" {
		t.Errorf("jwt secret = %q", cfg.JWT.Secret)
	}
	if cfg.Backend.BaseURL != "http://engine:9090" {
		t.Errorf("backend url = %q", cfg.Backend.BaseURL)
	}
}

func TestDBEnvOverrides(t *testing.T) {
	t.Setenv("DB_HOST", "pg.internal")
	t.Setenv("DB_PORT", "6432")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DB.Host != "pg.internal" || cfg.DB.Port != 6432 {
		t.Errorf("db = %s:%d", cfg.DB.Host, cfg.DB.Port)
	}
}
