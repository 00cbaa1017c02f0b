package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cerberus/daemon/internal/config"
)

// writeTempConfig writes content to a temp file and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cerberusd.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestDefault_SpecValues(t *testing.T) {
	cfg := config.Default()

	if got := cfg.StandardTimeout(); got != 30*time.Second {
		t.Errorf("StandardTimeout = %v, want 30s", got)
	}
	if got := cfg.ImportantTimeout(); got != 180*time.Second {
		t.Errorf("ImportantTimeout = %v, want 180s", got)
	}
	if got := cfg.StrictTimeout(); got != 10*time.Second {
		t.Errorf("StrictTimeout = %v, want 10s", got)
	}
	if got := cfg.AwaitFreeze(); got != 5*time.Second {
		t.Errorf("AwaitFreeze = %v, want 5s", got)
	}
	if got := cfg.IdleAfter(); got != 60*time.Second {
		t.Errorf("IdleAfter = %v, want 60s", got)
	}
	if got := cfg.DeepIdleAfter(); got != 3600*time.Second {
		t.Errorf("DeepIdleAfter = %v, want 3600s", got)
	}
	if cfg.Battery.DrainWarnPercentPerHour != 30 {
		t.Errorf("DrainWarnPercentPerHour = %d, want 30", cfg.Battery.DrainWarnPercentPerHour)
	}
	if cfg.SocketName != "cerberus_socket" {
		t.Errorf("SocketName = %q, want cerberus_socket", cfg.SocketName)
	}
}

func TestLoad_AppliesDefaultsForOmittedFields(t *testing.T) {
	path := writeTempConfig(t, "log_level: debug\ndoze:\n  deep_idle_after_sec: 900\n")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if got := cfg.DeepIdleAfter(); got != 900*time.Second {
		t.Errorf("DeepIdleAfter = %v, want 900s", got)
	}
	// Omitted fields fall back to defaults.
	if got := cfg.IdleAfter(); got != 60*time.Second {
		t.Errorf("IdleAfter = %v, want default 60s", got)
	}
	if cfg.DataDir != "/data/adb/cerberus" {
		t.Errorf("DataDir = %q, want default", cfg.DataDir)
	}
}

func TestLoad_MissingFileReturnsError(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("Load of missing file should return an error")
	}
}

func TestLoad_MalformedYAMLReturnsError(t *testing.T) {
	path := writeTempConfig(t, "log_level: [not, a, string\n")
	if _, err := config.Load(path); err == nil {
		t.Fatal("Load of malformed YAML should return an error")
	}
}

func TestLoad_InvalidLogLevelRejected(t *testing.T) {
	path := writeTempConfig(t, "log_level: loud\n")
	_, err := config.Load(path)
	if err == nil {
		t.Fatal("Load should reject unknown log level")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error %q should mention log_level", err)
	}
}

func TestWriteFile_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "cerberusd.yaml")

	orig := config.Default()
	orig.Doze.DeepIdleAfterSec = 1200
	if err := orig.WriteFile(path); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	loaded, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load after WriteFile: %v", err)
	}
	if loaded.Doze.DeepIdleAfterSec != 1200 {
		t.Errorf("DeepIdleAfterSec = %d, want 1200", loaded.Doze.DeepIdleAfterSec)
	}
}
