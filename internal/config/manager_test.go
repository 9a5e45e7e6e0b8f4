package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const sampleYAML = `
project_dir: "/srv/twicorder"
out_dir: "output"
task_file: "tasks.yaml"
logging:
  level: "info"
  console: true
  file:
    enabled: false
    path: ""
credentials:
  consumer_key: "ck"
  consumer_secret: "cs"
  access_token: "at"
  access_secret: "as"
storage:
  path: "appdata/twicorder.db"
  op_timeout: "5s"
scheduler:
  concurrency: 4
  tick_interval: "15s"
  shutdown_grace: "30s"
expansion:
  enabled: true
  lookup_interval: "15m"
generators:
  - name: "config"
`

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ProjectDir != "/srv/twicorder" {
		t.Fatalf("ProjectDir = %q", cfg.ProjectDir)
	}
	if cfg.Scheduler.Concurrency != 4 || cfg.Scheduler.TickInterval != "15s" {
		t.Fatalf("Scheduler = %+v", cfg.Scheduler)
	}
	if !cfg.Expansion.Enabled {
		t.Fatal("Expansion.Enabled lost")
	}
	if len(cfg.Generators) != 1 || cfg.Generators[0].Name != "config" {
		t.Fatalf("Generators = %+v", cfg.Generators)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get did not return the committed config")
	}
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.json", `{
		"logging": {"level": "debug", "console": true, "file": {"enabled": false, "path": ""}},
		"credentials": {"consumer_key": "", "consumer_secret": "", "access_token": "", "access_secret": ""},
		"storage": {"path": "appdata/twicorder.db"},
		"scheduler": {"concurrency": 2}
	}`))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" || cfg.Scheduler.Concurrency != 2 {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", `
logging:
  level: "info"
  consloe: true
  file:
    enabled: false
    path: ""
credentials:
  consumer_key: ""
  consumer_secret: ""
  access_token: ""
  access_secret: ""
storage: {}
scheduler: {}
`))
	if _, err := m.Parse(); err == nil {
		t.Fatal("misspelled key must be rejected")
	}
}

func TestParseMissingFile(t *testing.T) {
	t.Parallel()
	m := NewManager(filepath.Join(t.TempDir(), "nope.yaml"))
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestSubscribeReceivesCommits(t *testing.T) {
	t.Parallel()
	m := NewManager("unused")
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	cfg := &Config{ProjectDir: "/tmp"}
	m.Commit(cfg)
	m.publish(cfg)

	select {
	case got := <-ch:
		if got.ProjectDir != "/tmp" {
			t.Fatalf("got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no config delivered")
	}
}

func TestParseDuration(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		def  time.Duration
		want time.Duration
	}{
		{"15s", time.Minute, 15 * time.Second},
		{"", time.Minute, time.Minute},
		{"garbage", time.Minute, time.Minute},
		{"-5s", time.Minute, time.Minute},
		{" 10m ", time.Second, 10 * time.Minute},
	}
	for _, tt := range tests {
		if got := ParseDuration(tt.in, tt.def); got != tt.want {
			t.Fatalf("ParseDuration(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
