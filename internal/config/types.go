package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"crawld/internal/logging"
)

type Config struct {
	Log      logging.Config `json:"log"`
	Dirs     DirsConfig     `json:"dirs"`
	Registry RegistryConfig `json:"registry"`
	State    StateConfig    `json:"state"`
	Launcher LauncherConfig `json:"launcher"`
	History  HistoryConfig  `json:"history"`
	Daemon   DaemonConfig   `json:"daemon"`
	Notify   NotifyConfig   `json:"notify"`
	// LockPath is the pass lock file; defaults to <dirs.jobs>/.crawld.lock.
	LockPath string `json:"lock_path"`
}

type DirsConfig struct {
	// Jobs holds per-attempt checkpoint dirs and state markers.
	Jobs string `json:"jobs"`
	// Feeds is the root for crawl output.
	Feeds string `json:"feeds"`
	// Logs holds one append-only log per task.
	Logs string `json:"logs"`
}

type RegistryConfig struct {
	// Source is "static" or "command".
	Source  string   `json:"source"`
	Tasks   []string `json:"tasks"`
	Command []string `json:"command"`
	WorkDir string   `json:"workdir"`
	Timeout Duration `json:"timeout"`
}

type StateConfig struct {
	// Backend is "fs" or "etcd".
	Backend          string     `json:"backend"`
	MarkerName       string     `json:"marker_name"`
	ResumableAliases []string   `json:"resumable_aliases"`
	MaxRunningAge    Duration   `json:"max_running_age"`
	Etcd             EtcdConfig `json:"etcd"`
}

type EtcdConfig struct {
	Endpoints   []string `json:"endpoints"`
	Prefix      string   `json:"prefix"`
	DialTimeout Duration `json:"dial_timeout"`
}

type LauncherConfig struct {
	// Runtime is "exec" or "docker".
	Runtime        string            `json:"runtime"`
	Command        []string          `json:"command"`
	OutputTemplate string            `json:"output_template"`
	WorkDir        string            `json:"workdir"`
	Env            map[string]string `json:"env"`
	RatePerSec     float64           `json:"rate_per_sec"`
	Docker         DockerConfig      `json:"docker"`
}

type DockerConfig struct {
	Image string   `json:"image"`
	Binds []string `json:"binds"`
	Pull  bool     `json:"pull"`
}

type HistoryConfig struct {
	Enabled     bool     `json:"enabled"`
	Path        string   `json:"path"`
	BusyTimeout Duration `json:"busy_timeout"`
	KeepPasses  int      `json:"keep_passes"`
}

type DaemonConfig struct {
	// Schedule is a cron spec (5-field, or 6-field with seconds).
	Schedule string `json:"schedule"`
	Timezone string `json:"timezone"`
	Watchdog bool   `json:"watchdog"`
}

type NotifyConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	ChatID  int64  `json:"chat_id"`
}

// Default returns the built-in configuration, rooted under dataDir.
func Default(dataDir string) *Config {
	return &Config{
		Log: logging.Config{Level: "info", Console: true},
		Dirs: DirsConfig{
			Jobs:  filepath.Join(dataDir, "jobs"),
			Feeds: filepath.Join(dataDir, "feeds"),
			Logs:  filepath.Join(dataDir, "logs"),
		},
		Registry: RegistryConfig{Source: "command", Command: []string{"scrapy", "list"}},
		State: StateConfig{
			Backend:          "fs",
			MarkerName:       ".state",
			ResumableAliases: []string{"closespider_timeout"},
		},
		Launcher: LauncherConfig{
			Runtime: "exec",
			Command: []string{
				"scrapy", "crawl", "{name}",
				"--output", "{output}",
				"--set", "JOBDIR={jobdir}",
			},
			OutputTemplate: "{name}/{tag}.jl",
			RatePerSec:     1,
		},
		History: HistoryConfig{
			Enabled:    true,
			Path:       filepath.Join(dataDir, "crawld.db"),
			KeepPasses: 500,
		},
		Daemon: DaemonConfig{Schedule: "@every 1h", Timezone: "UTC"},
	}
}

// ApplyDefaults fills unset fields the same way Default would.
func (c *Config) ApplyDefaults() {
	def := Default("./data")
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Dirs.Jobs == "" {
		c.Dirs.Jobs = def.Dirs.Jobs
	}
	if c.Dirs.Feeds == "" {
		c.Dirs.Feeds = def.Dirs.Feeds
	}
	if c.Dirs.Logs == "" {
		c.Dirs.Logs = def.Dirs.Logs
	}
	if c.Registry.Source == "" {
		c.Registry.Source = def.Registry.Source
	}
	if len(c.Registry.Command) == 0 {
		c.Registry.Command = def.Registry.Command
	}
	if c.State.Backend == "" {
		c.State.Backend = def.State.Backend
	}
	if c.State.MarkerName == "" {
		c.State.MarkerName = def.State.MarkerName
	}
	if c.State.ResumableAliases == nil {
		c.State.ResumableAliases = def.State.ResumableAliases
	}
	if c.Launcher.Runtime == "" {
		c.Launcher.Runtime = def.Launcher.Runtime
	}
	if len(c.Launcher.Command) == 0 {
		c.Launcher.Command = def.Launcher.Command
	}
	if c.Launcher.OutputTemplate == "" {
		c.Launcher.OutputTemplate = def.Launcher.OutputTemplate
	}
	if c.History.Path == "" {
		c.History.Path = def.History.Path
	}
	if c.History.KeepPasses == 0 {
		c.History.KeepPasses = def.History.KeepPasses
	}
	if c.Daemon.Schedule == "" {
		c.Daemon.Schedule = def.Daemon.Schedule
	}
	if c.Daemon.Timezone == "" {
		c.Daemon.Timezone = def.Daemon.Timezone
	}
	if c.LockPath == "" {
		c.LockPath = filepath.Join(c.Dirs.Jobs, ".crawld.lock")
	}
}

func (c *Config) Validate() error {
	switch c.Registry.Source {
	case "static":
		if len(c.Registry.Tasks) == 0 {
			return fmt.Errorf("registry.tasks is required for the static source")
		}
	case "command":
		if len(c.Registry.Command) == 0 {
			return fmt.Errorf("registry.command is required for the command source")
		}
	default:
		return fmt.Errorf("registry.source must be static or command, got %q", c.Registry.Source)
	}

	switch c.State.Backend {
	case "fs":
	case "etcd":
		if len(c.State.Etcd.Endpoints) == 0 {
			return fmt.Errorf("state.etcd.endpoints is required for the etcd backend")
		}
	default:
		return fmt.Errorf("state.backend must be fs or etcd, got %q", c.State.Backend)
	}

	switch c.Launcher.Runtime {
	case "exec":
	case "docker":
		if strings.TrimSpace(c.Launcher.Docker.Image) == "" {
			return fmt.Errorf("launcher.docker.image is required for the docker runtime")
		}
	default:
		return fmt.Errorf("launcher.runtime must be exec or docker, got %q", c.Launcher.Runtime)
	}
	if len(c.Launcher.Command) == 0 {
		return fmt.Errorf("launcher.command is empty")
	}

	if c.Notify.Enabled {
		if strings.TrimSpace(c.Notify.Token) == "" || c.Notify.ChatID == 0 {
			return fmt.Errorf("notify.token and notify.chat_id are required when notify is enabled")
		}
	}
	return nil
}
