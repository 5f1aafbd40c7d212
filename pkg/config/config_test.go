package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("widget-sync")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default() should validate cleanly: %v", err)
	}
	if cfg.ServerPort != 8888 {
		t.Fatalf("expected default server port 8888, got %d", cfg.ServerPort)
	}
	if cfg.DeviceID == "" {
		t.Fatalf("expected a generated device id")
	}
}

func TestValidateRejectsMissingAppID(t *testing.T) {
	cfg := Default("")
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected a validation error for an empty app id")
	}
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := Default("widget-sync")
	cfg.ServerPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected a validation error for an out-of-range port")
	}
}

func TestServiceInstanceName(t *testing.T) {
	cfg := Default("widget-sync")
	cfg.ServiceName = "library"
	got := cfg.ServiceInstanceName("deadbeef")
	if got != "asinka-library-deadbeef" {
		t.Fatalf("unexpected instance name: %s", got)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "asinka.yaml")
	data := []byte("app_id: widget-sync\nserver_port: 9001\nservice_name: library\n")
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AppID != "widget-sync" || cfg.ServerPort != 9001 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.DeviceID == "" {
		t.Fatalf("expected Load to fill in a device id when the file omits one")
	}
}

func TestLoadFromEnvFallsBackToDefault(t *testing.T) {
	t.Setenv("ASINKA_CONFIG", "")
	cfg, err := LoadFromEnv("widget-sync")
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.AppID != "widget-sync" || cfg.ServiceName != "default-sync" {
		t.Fatalf("expected the Default() fallback, got %+v", cfg)
	}
}
