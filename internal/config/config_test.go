package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPPort != 8787 {
		t.Errorf("expected port 8787, got %d", cfg.HTTPPort)
	}
	if cfg.MaxBodyBytes != DefaultMaxBodyBytes {
		t.Errorf("expected %d body bytes, got %d", DefaultMaxBodyBytes, cfg.MaxBodyBytes)
	}
	if cfg.PipelineTimeout != 0 {
		t.Errorf("expected no timeout, got %s", cfg.PipelineTimeout)
	}
	if cfg.Authenticated() {
		t.Error("expected unauthenticated mode without a token")
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "updater.yaml")
	data := []byte("port: 9000\ntoken: from-file\nscript: /opt/update.sh\npipeline_timeout: 15m\n")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("UPDATER_TOKEN", "from-env")
	t.Setenv("KILL_GRACE", "3")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPPort != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.HTTPPort)
	}
	if cfg.Token != "from-env" {
		t.Errorf("expected env token to win, got %q", cfg.Token)
	}
	if cfg.Script != "/opt/update.sh" {
		t.Errorf("expected script from file, got %q", cfg.Script)
	}
	if cfg.PipelineTimeout != 15*time.Minute {
		t.Errorf("expected 15m timeout, got %s", cfg.PipelineTimeout)
	}
	if cfg.KillGrace != 3*time.Second {
		t.Errorf("expected 3s grace, got %s", cfg.KillGrace)
	}
}

func TestLoad_InvalidPort(t *testing.T) {
	t.Setenv("UPDATER_PORT", "70000")
	if _, err := Load(""); err == nil {
		t.Error("expected error for out-of-range port")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}
