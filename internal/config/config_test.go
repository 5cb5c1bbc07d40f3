package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "crawld.yaml", `
log:
  level: debug
  console: true
dirs:
  jobs: /data/jobs
  feeds: /data/feeds
  logs: /data/logs
registry:
  source: static
  tasks: [bga, bgg]
state:
  backend: fs
  max_running_age: 36h
launcher:
  runtime: exec
  rate_per_sec: 2
history:
  enabled: true
  path: /data/crawld.db
  busy_timeout: 5s
daemon:
  schedule: "0 */4 * * *"
`)
	cfg, err := NewManager(path, zerolog.Nop()).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q", cfg.Log.Level)
	}
	if len(cfg.Registry.Tasks) != 2 || cfg.Registry.Tasks[0] != "bga" {
		t.Errorf("tasks = %v", cfg.Registry.Tasks)
	}
	if cfg.State.MaxRunningAge.Std() != 36*time.Hour {
		t.Errorf("max_running_age = %v", cfg.State.MaxRunningAge.Std())
	}
	if cfg.History.BusyTimeout.Std() != 5*time.Second {
		t.Errorf("busy_timeout = %v", cfg.History.BusyTimeout.Std())
	}
	// Defaults fill what the file left out.
	if len(cfg.Launcher.Command) == 0 || cfg.Launcher.Command[0] != "scrapy" {
		t.Errorf("launcher command default not applied: %v", cfg.Launcher.Command)
	}
	if cfg.LockPath != filepath.Join("/data/jobs", ".crawld.lock") {
		t.Errorf("lock path = %q", cfg.LockPath)
	}
}

func TestUnknownFieldRejected(t *testing.T) {
	path := writeConfig(t, "crawld.yaml", `
registry:
  source: static
  tasks: [bga]
typo_field: true
`)
	if _, err := NewManager(path, zerolog.Nop()).Load(); err == nil {
		t.Fatalf("expected unknown field to be rejected")
	}
}

func TestValidateRejectsBadSource(t *testing.T) {
	path := writeConfig(t, "crawld.yaml", `
registry:
  source: carrier-pigeon
`)
	if _, err := NewManager(path, zerolog.Nop()).Load(); err == nil {
		t.Fatalf("expected invalid registry source to be rejected")
	}
}

func TestValidateStaticNeedsTasks(t *testing.T) {
	path := writeConfig(t, "crawld.yaml", `
registry:
  source: static
`)
	if _, err := NewManager(path, zerolog.Nop()).Load(); err == nil {
		t.Fatalf("expected static source without tasks to be rejected")
	}
}

func TestValidateDockerNeedsImage(t *testing.T) {
	path := writeConfig(t, "crawld.yaml", `
registry:
  source: static
  tasks: [bga]
launcher:
  runtime: docker
`)
	if _, err := NewManager(path, zerolog.Nop()).Load(); err == nil {
		t.Fatalf("expected docker runtime without image to be rejected")
	}
}

func TestDurationFromNumber(t *testing.T) {
	path := writeConfig(t, "crawld.yaml", `
registry:
  source: static
  tasks: [bga]
state:
  max_running_age: 120
`)
	cfg, err := NewManager(path, zerolog.Nop()).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.State.MaxRunningAge.Std() != 2*time.Minute {
		t.Errorf("max_running_age = %v, want 2m", cfg.State.MaxRunningAge.Std())
	}
}

func TestDefaultValidates(t *testing.T) {
	cfg := Default("./data")
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}
