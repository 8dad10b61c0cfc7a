package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("username: alice\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.ServerURL != DefaultServerURL {
		t.Errorf("ServerURL = %q, want default", cfg.ServerURL)
	}
	if cfg.DefaultModel != DefaultModel {
		t.Errorf("DefaultModel = %q, want default", cfg.DefaultModel)
	}
	if cfg.Username != "alice" {
		t.Errorf("Username = %q, want alice", cfg.Username)
	}
}

func TestParseFull(t *testing.T) {
	doc := `
server_url: ws://chat.internal:9000/main
username: bob
default_model: gpt-4o
system_prompt: be brief
sampling:
  top_p: 0.9
  temperature: 0.7
  max_length: 4096
idle_timeout_seconds: 30
log:
  level: debug
  file: /tmp/parley.log
  json: true
`
	cfg, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.ServerURL != "ws://chat.internal:9000/main" {
		t.Errorf("ServerURL = %q", cfg.ServerURL)
	}
	if cfg.DefaultModel != "gpt-4o" {
		t.Errorf("DefaultModel = %q", cfg.DefaultModel)
	}
	if cfg.Sampling.TopP == nil || *cfg.Sampling.TopP != 0.9 {
		t.Errorf("Sampling.TopP = %v, want 0.9", cfg.Sampling.TopP)
	}
	if cfg.Sampling.MaxLength == nil || *cfg.Sampling.MaxLength != 4096 {
		t.Errorf("Sampling.MaxLength = %v, want 4096", cfg.Sampling.MaxLength)
	}
	if cfg.IdleTimeout() != 30*time.Second {
		t.Errorf("IdleTimeout() = %v, want 30s", cfg.IdleTimeout())
	}
	if cfg.Log.Level != "debug" || !cfg.Log.JSON {
		t.Errorf("Log = %+v", cfg.Log)
	}
}

func TestParseInvalid(t *testing.T) {
	if _, err := Parse([]byte("server_url: [not a scalar\n")); err == nil {
		t.Error("Parse() accepted malformed YAML")
	}
}

func TestIdleTimeout(t *testing.T) {
	tests := []struct {
		name    string
		seconds int
		want    time.Duration
	}{
		{"default", 0, DefaultIdleTimeout},
		{"explicit", 120, 120 * time.Second},
		{"disabled", -1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{IdleTimeoutSeconds: tt.seconds}
			if got := cfg.IdleTimeout(); got != tt.want {
				t.Errorf("IdleTimeout() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ServerURL != DefaultServerURL {
		t.Errorf("ServerURL = %q, want default", cfg.ServerURL)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	orig := Default()
	orig.Username = "carol"
	orig.DefaultModel = "claude-3"

	if err := Save(orig, path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Username != "carol" || loaded.DefaultModel != "claude-3" {
		t.Errorf("round trip lost fields: %+v", loaded)
	}
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("username: before\n"), 0644); err != nil {
		t.Fatal(err)
	}

	reloaded := make(chan *Config, 4)
	w, err := NewWatcher(path, func(cfg *Config) { reloaded <- cfg }, nil)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	defer w.Close()
	w.SetDebounceDelay(20 * time.Millisecond)
	w.Start()

	if err := os.WriteFile(path, []byte("username: after\n"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Username != "after" {
			t.Errorf("reloaded Username = %q, want after", cfg.Username)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("username: keep\n"), 0644); err != nil {
		t.Fatal(err)
	}

	reloaded := make(chan *Config, 4)
	w, err := NewWatcher(path, func(cfg *Config) { reloaded <- cfg }, nil)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	defer w.Close()
	w.SetDebounceDelay(20 * time.Millisecond)
	w.Start()

	if err := os.WriteFile(filepath.Join(dir, "unrelated.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-reloaded:
		t.Error("unrelated file triggered a reload")
	case <-time.After(150 * time.Millisecond):
	}
}
