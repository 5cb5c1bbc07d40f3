// Package driver runs reconciliation passes: one consistent evaluation of
// every registered task, followed by the decided launches and deletions,
// and a per-pass summary for the operator.
package driver

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"crawld/internal/config"
	"crawld/internal/history"
	"crawld/internal/launcher"
	"crawld/internal/notify"
	"crawld/internal/reconciler"
	"crawld/internal/registry"
	"crawld/internal/state"
)

// Deps are the collaborators a Driver reconciles with. Build wires them
// from configuration; tests inject fakes.
type Deps struct {
	Registry registry.Registry
	Store    state.Store
	Launcher launcher.Launcher
	Ledger   history.Ledger
	Notifier *notify.Notifier
}

type Driver struct {
	cfg  *config.Config
	deps Deps
	rec  *reconciler.Reconciler
	log  zerolog.Logger
}

func New(cfg *config.Config, deps Deps, log zerolog.Logger) *Driver {
	if deps.Ledger == nil {
		deps.Ledger = history.Nop{}
	}
	rec := reconciler.New(deps.Store, deps.Launcher,
		reconciler.Config{MaxRunningAge: cfg.State.MaxRunningAge.Std()}, log)
	return &Driver{cfg: cfg, deps: deps, rec: rec, log: log}
}

// Build wires a Driver entirely from configuration.
func Build(cfg *config.Config, log zerolog.Logger) (*Driver, error) {
	var deps Deps
	var err error

	switch cfg.Registry.Source {
	case "static":
		deps.Registry = registry.NewStatic(cfg.Registry.Tasks)
	case "command":
		deps.Registry, err = registry.NewCommand(cfg.Registry.Command, cfg.Registry.WorkDir, cfg.Registry.Timeout.Std())
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown registry source %q", cfg.Registry.Source)
	}

	switch cfg.State.Backend {
	case "fs":
		deps.Store, err = state.NewFS(state.FSConfig{
			Root:             cfg.Dirs.Jobs,
			MarkerName:       cfg.State.MarkerName,
			ResumableAliases: cfg.State.ResumableAliases,
		}, log)
	case "etcd":
		deps.Store, err = state.NewEtcd(state.EtcdConfig{
			Endpoints:        cfg.State.Etcd.Endpoints,
			Prefix:           cfg.State.Etcd.Prefix,
			DialTimeout:      cfg.State.Etcd.DialTimeout.Std(),
			ResumableAliases: cfg.State.ResumableAliases,
		}, log)
	default:
		err = fmt.Errorf("unknown state backend %q", cfg.State.Backend)
	}
	if err != nil {
		return nil, err
	}

	paths := launcher.Paths{
		JobsDir:        cfg.Dirs.Jobs,
		FeedsDir:       cfg.Dirs.Feeds,
		LogsDir:        cfg.Dirs.Logs,
		OutputTemplate: cfg.Launcher.OutputTemplate,
	}
	switch cfg.Launcher.Runtime {
	case "exec":
		deps.Launcher, err = launcher.NewExec(launcher.ExecConfig{
			Command:    cfg.Launcher.Command,
			WorkDir:    cfg.Launcher.WorkDir,
			Env:        cfg.Launcher.Env,
			RatePerSec: cfg.Launcher.RatePerSec,
		}, paths, log)
	case "docker":
		deps.Launcher, err = launcher.NewDocker(launcher.DockerConfig{
			Image:      cfg.Launcher.Docker.Image,
			Command:    cfg.Launcher.Command,
			Binds:      cfg.Launcher.Docker.Binds,
			Env:        cfg.Launcher.Env,
			Pull:       cfg.Launcher.Docker.Pull,
			RatePerSec: cfg.Launcher.RatePerSec,
		}, paths, log)
	default:
		err = fmt.Errorf("unknown launcher runtime %q", cfg.Launcher.Runtime)
	}
	if err != nil {
		return nil, err
	}

	if cfg.History.Enabled {
		deps.Ledger, err = history.OpenSQLite(history.Config{
			Path:        cfg.History.Path,
			BusyTimeout: cfg.History.BusyTimeout.Std(),
			KeepPasses:  cfg.History.KeepPasses,
		}, log)
		if err != nil {
			return nil, err
		}
	}

	if cfg.Notify.Enabled {
		deps.Notifier, err = notify.New(notify.Config{
			Token:  cfg.Notify.Token,
			ChatID: cfg.Notify.ChatID,
		}, log)
		if err != nil {
			return nil, err
		}
	}

	return New(cfg, deps, log), nil
}

func (d *Driver) Close() {
	if d.deps.Launcher != nil {
		_ = d.deps.Launcher.Close()
	}
	if d.deps.Store != nil {
		_ = d.deps.Store.Close()
	}
	if d.deps.Ledger != nil {
		_ = d.deps.Ledger.Close()
	}
}

// ensureDirs is the idempotent setup that runs before every pass.
func (d *Driver) ensureDirs() error {
	for _, dir := range []string{d.cfg.Dirs.Jobs, d.cfg.Dirs.Feeds, d.cfg.Dirs.Logs} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// RunPass performs exactly one reconciliation pass. The returned error is
// non-nil only for pass-level failures (registry unavailable, lock held,
// setup); per-task problems are contained in the Summary.
func (d *Driver) RunPass(ctx context.Context) (reconciler.Summary, error) {
	if err := d.ensureDirs(); err != nil {
		return reconciler.Summary{}, err
	}

	lock, err := acquireLock(d.cfg.LockPath)
	if err != nil {
		return reconciler.Summary{}, err
	}
	defer func() {
		if err := lock.release(); err != nil {
			d.log.Warn().Err(err).Msg("pass lock release failed")
		}
	}()

	tasks, err := d.deps.Registry.List(ctx)
	if err != nil {
		// Fatal for the whole pass: no partial scheduling against an
		// unknown registry.
		return reconciler.Summary{}, fmt.Errorf("task registry: %w", err)
	}
	d.log.Info().Int("tasks", len(tasks)).Msg("pass started")

	sum := d.rec.Pass(ctx, tasks)
	for _, line := range sum.Lines() {
		d.log.Info().Msg(line)
	}

	passID := uuid.NewString()
	if err := d.deps.Ledger.RecordPass(ctx, toRecord(passID, sum)); err != nil {
		d.log.Warn().Err(err).Msg("history record failed")
	}

	header := fmt.Sprintf("crawld pass: %d started, %d resumed, %d skipped, %d deferred, %d collected, %d errors",
		sum.Count(reconciler.ActionStart),
		sum.Count(reconciler.ActionResume),
		sum.Count(reconciler.ActionSkipRunning)+sum.Count(reconciler.ActionSkipCorrupt),
		sum.Count(reconciler.ActionDeferred),
		sum.CollectedTotal(),
		sum.Count(reconciler.ActionError))
	d.log.Info().Str("pass_id", passID).Msg(header)
	if d.deps.Notifier != nil {
		d.deps.Notifier.SendSummary(ctx, header, sum.Lines())
	}
	return sum, nil
}

func toRecord(id string, sum reconciler.Summary) history.PassRecord {
	rec := history.PassRecord{ID: id, StartedAt: sum.StartedAt, FinishedAt: sum.FinishedAt}
	for _, d := range sum.Decisions {
		dr := history.DecisionRecord{
			Task:      d.Task,
			Action:    d.Action.String(),
			Tag:       d.Tag,
			Collected: d.Collected,
		}
		if d.Err != nil {
			dr.Error = d.Err.Error()
		}
		rec.Decisions = append(rec.Decisions, dr)
	}
	return rec
}
