package driver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"crawld/internal/config"
	"crawld/internal/history"
	"crawld/internal/launcher"
	"crawld/internal/reconciler"
	"crawld/internal/registry"
	"crawld/internal/state"
)

type fakeLauncher struct {
	calls []launcher.Request
}

func (f *fakeLauncher) Launch(ctx context.Context, req launcher.Request) (launcher.Result, error) {
	f.calls = append(f.calls, req)
	return launcher.Result{PID: 42}, nil
}

func (f *fakeLauncher) Close() error { return nil }

type failingRegistry struct{}

func (failingRegistry) List(ctx context.Context) ([]string, error) {
	return nil, fmt.Errorf("scrapy exploded: %w", registry.ErrUnavailable)
}

type captureLedger struct {
	history.Nop
	recs []history.PassRecord
}

func (c *captureLedger) RecordPass(ctx context.Context, rec history.PassRecord) error {
	c.recs = append(c.recs, rec)
	return nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default(root)
	cfg.Registry = config.RegistryConfig{Source: "static", Tasks: []string{"bga", "bgg"}}
	cfg.History.Enabled = false
	cfg.ApplyDefaults()
	return cfg
}

func newTestDriver(t *testing.T, cfg *config.Config, deps Deps) *Driver {
	t.Helper()
	if deps.Registry == nil {
		deps.Registry = registry.NewStatic(cfg.Registry.Tasks)
	}
	if deps.Store == nil {
		deps.Store = state.NewMemory()
	}
	if deps.Launcher == nil {
		deps.Launcher = &fakeLauncher{}
	}
	return New(cfg, deps, zerolog.Nop())
}

func TestRunPassStartsFreshTasks(t *testing.T) {
	cfg := testConfig(t)
	fl := &fakeLauncher{}
	led := &captureLedger{}
	d := newTestDriver(t, cfg, Deps{Launcher: fl, Ledger: led})

	sum, err := d.RunPass(context.Background())
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if got := sum.Count(reconciler.ActionStart); got != 2 {
		t.Fatalf("started = %d, want 2", got)
	}
	if len(fl.calls) != 2 {
		t.Fatalf("launches = %d, want 2", len(fl.calls))
	}
	if len(led.recs) != 1 || len(led.recs[0].Decisions) != 2 {
		t.Fatalf("ledger records = %+v", led.recs)
	}
	if led.recs[0].ID == "" {
		t.Fatalf("pass id missing")
	}
	// The lock is released: a second pass can run.
	if _, err := d.RunPass(context.Background()); err != nil {
		t.Fatalf("second RunPass: %v", err)
	}
}

func TestRegistryFailureAbortsPass(t *testing.T) {
	cfg := testConfig(t)
	fl := &fakeLauncher{}
	d := newTestDriver(t, cfg, Deps{Registry: failingRegistry{}, Launcher: fl})

	_, err := d.RunPass(context.Background())
	if !errors.Is(err, registry.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if len(fl.calls) != 0 {
		t.Fatalf("launched despite registry failure: %+v", fl.calls)
	}
}

func TestRunPassRespectsHeldLock(t *testing.T) {
	cfg := testConfig(t)
	d := newTestDriver(t, cfg, Deps{})

	if err := os.MkdirAll(filepath.Dir(cfg.LockPath), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	// A live process (this test) owns the lock.
	if err := os.WriteFile(cfg.LockPath, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644); err != nil {
		t.Fatalf("write lock: %v", err)
	}

	_, err := d.RunPass(context.Background())
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("err = %v, want ErrLocked", err)
	}
}

func TestStaleLockIsCleared(t *testing.T) {
	cfg := testConfig(t)
	fl := &fakeLauncher{}
	d := newTestDriver(t, cfg, Deps{Launcher: fl})

	if err := os.MkdirAll(filepath.Dir(cfg.LockPath), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	// No such pid; the lock is from a crashed run.
	if err := os.WriteFile(cfg.LockPath, []byte("999999999\n"), 0o644); err != nil {
		t.Fatalf("write lock: %v", err)
	}

	if _, err := d.RunPass(context.Background()); err != nil {
		t.Fatalf("RunPass with stale lock: %v", err)
	}
	if len(fl.calls) != 2 {
		t.Fatalf("launches = %d, want 2", len(fl.calls))
	}
}

func TestRunPassCreatesDirs(t *testing.T) {
	cfg := testConfig(t)
	d := newTestDriver(t, cfg, Deps{})

	if _, err := d.RunPass(context.Background()); err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	for _, dir := range []string{cfg.Dirs.Jobs, cfg.Dirs.Feeds, cfg.Dirs.Logs} {
		if st, err := os.Stat(dir); err != nil || !st.IsDir() {
			t.Errorf("dir %s not created: %v", dir, err)
		}
	}
}

func TestBuildWiresFSBackend(t *testing.T) {
	cfg := testConfig(t)
	d, err := Build(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer d.Close()
	if _, ok := d.deps.Registry.(*registry.Static); !ok {
		t.Errorf("registry = %T, want *registry.Static", d.deps.Registry)
	}
	if d.deps.Store == nil || d.deps.Launcher == nil {
		t.Fatalf("deps not wired: %+v", d.deps)
	}
}
