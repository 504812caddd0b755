package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// yamlSafePath converts a filesystem path to a YAML-safe representation.
// On Windows, backslashes in double-quoted YAML strings are interpreted as
// escape sequences, causing parse errors.
func yamlSafePath(p string) string {
	return filepath.ToSlash(p)
}

func TestLoad_DefaultConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
logging:
  level: "DEBUG"

reactor:
  cores: 4

nvmf:
  nexus_port: 4420
  replica_port: 8420

persist:
  backend: badger
  path: "` + yamlSafePath(tmpDir) + `/store"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("expected logging.level DEBUG, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("expected default format 'text', got %q", cfg.Logging.Format)
	}
	if cfg.Reactor.Cores != 4 {
		t.Errorf("expected reactor.cores 4, got %d", cfg.Reactor.Cores)
	}
	if cfg.ShutdownTimeout != 30*time.Second {
		t.Errorf("expected default shutdown_timeout 30s, got %v", cfg.ShutdownTimeout)
	}
	if cfg.Persist.Backend != PersistBackendBadger {
		t.Errorf("expected persist.backend badger, got %q", cfg.Persist.Backend)
	}
}

func TestLoad_NoConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	nonExistentPath := filepath.Join(tmpDir, "nonexistent.yaml")

	cfg, err := Load(nonExistentPath)
	if err != nil {
		t.Fatalf("expected no error when loading default config, got: %v", err)
	}
	if cfg == nil {
		t.Fatal("expected default config to be returned")
	}
	if cfg.Nvmf.NexusPort != 4420 {
		t.Errorf("expected default nexus_port 4420, got %d", cfg.Nvmf.NexusPort)
	}
	if cfg.Persist.Backend != PersistBackendMemory {
		t.Errorf("expected default persist.backend memory, got %q", cfg.Persist.Backend)
	}
}

func TestLoad_SamePortsRejected(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
nvmf:
  nexus_port: 4420
  replica_port: 4420
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Fatal("expected error when nexus_port equals replica_port")
	}
}

func TestLoad_BadgerWithoutPathRejected(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
persist:
  backend: badger
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Fatal("expected error when badger backend has no path")
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "subdir", "config.yaml")

	cfg := DefaultConfig()
	cfg.Reactor.Cores = 8

	if err := SaveConfig(cfg, configPath); err != nil {
		t.Fatalf("failed to save config: %v", err)
	}

	loaded, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to reload saved config: %v", err)
	}
	if loaded.Reactor.Cores != 8 {
		t.Errorf("expected reactor.cores 8 after round trip, got %d", loaded.Reactor.Cores)
	}
}

func TestWipeSubChunkCap_Is8MiB(t *testing.T) {
	if WipeSubChunkCap != 8*1024*1024 {
		t.Errorf("expected wipe sub-chunk cap of 8 MiB, got %d", WipeSubChunkCap)
	}
}
