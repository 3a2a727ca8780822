package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "swr.toml")
	if err := os.WriteFile(path, []byte("app_name = \"v1\"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}

	w, err := Watch(path)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer w.Close()

	reloaded := make(chan *Config, 1)
	w.OnChange(func(old, new *Config) { reloaded <- new })

	if err := os.WriteFile(path, []byte("app_name = \"v2\"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.AppName != "v2" {
			t.Errorf("AppName: got %q, want %q", cfg.AppName, "v2")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reload callback")
	}
}

func TestWatcher_RejectsEmptyPath(t *testing.T) {
	if _, err := Watch(""); err == nil {
		t.Fatal("expected an error for an empty path")
	}
}
