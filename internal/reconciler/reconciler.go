// Package reconciler implements the per-task lifecycle decision: sweep
// finished attempts, skip running ones, resume interrupted ones, start
// the rest. Each pass is idempotent; repeating it without any crawl
// advancing state produces the same decisions and no new launches.
package reconciler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"crawld/internal/launcher"
	"crawld/internal/state"
)

// Config holds the reconciliation policy knobs.
type Config struct {
	// MaxRunningAge reclassifies a running marker older than this as
	// resumable. Zero disables the staleness policy: a crawl killed hard
	// enough to skip its own shutdown handler then wedges the task until
	// an operator clears the marker.
	MaxRunningAge time.Duration
}

type Reconciler struct {
	store  state.Store
	launch launcher.Launcher
	cfg    Config
	log    zerolog.Logger

	now func() time.Time
}

func New(store state.Store, launch launcher.Launcher, cfg Config, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		store:  store,
		launch: launch,
		cfg:    cfg,
		log:    log,
		now:    time.Now,
	}
}

const tagFormat = "2006-01-02T15-04-05.000"

// NewTag generates a fresh job tag: UTC wall clock, millisecond precision,
// lexicographically sortable.
func NewTag(t time.Time) string {
	return t.UTC().Format(tagFormat)
}

// Pass reconciles every task once, in registry order. Per-task failures
// are contained in their Decision and never abort the pass.
func (r *Reconciler) Pass(ctx context.Context, tasks []string) Summary {
	sum := Summary{StartedAt: r.now()}
	for _, task := range tasks {
		sum.Decisions = append(sum.Decisions, r.reconcileTask(ctx, task))
	}
	sum.FinishedAt = r.now()
	return sum
}

func (r *Reconciler) reconcileTask(ctx context.Context, task string) Decision {
	log := r.log.With().Str("task", task).Logger()
	d := Decision{Task: task}

	attempts, err := r.store.ListAttempts(ctx, task)
	if err != nil {
		log.Error().Err(err).Msg("state read failed")
		d.Action, d.Err = ActionError, err
		return d
	}

	// A corrupt marker means we cannot trust anything about the task this
	// pass: no deletion (the attempt might be live) and no launch (it
	// might already be running).
	for _, a := range attempts {
		if a.State == state.StateUnknown {
			log.Warn().Str("tag", a.Tag).Str("token", a.Raw).Msg("unreadable state marker; skipping task")
			d.Action = ActionSkipCorrupt
			return d
		}
	}

	var remaining []state.Attempt
	for _, a := range attempts {
		if a.State != state.StateFinished {
			remaining = append(remaining, a)
			continue
		}
		if err := r.store.DeleteAttempt(ctx, task, a.Tag); err != nil {
			// Not collected, so not reported as collected. It stays for
			// the next pass.
			log.Warn().Str("tag", a.Tag).Err(err).Msg("failed to collect finished attempt")
			continue
		}
		d.Collected = append(d.Collected, a.Tag)
	}

	remaining = r.reclassifyStale(remaining, log)

	var running, resumable []state.Attempt
	for _, a := range remaining {
		switch a.State {
		case state.StateRunning:
			running = append(running, a)
		case state.StateShutdown:
			resumable = append(resumable, a)
		}
	}

	if len(running) > 0 {
		if len(running) > 1 {
			log.Warn().Int("count", len(running)).Msg("multiple running attempts, please check and fix")
		}
		d.Action = ActionSkipRunning
		return d
	}

	if until, ok, err := r.store.DontRunBefore(ctx, task); err != nil {
		// An unreadable deferral never blocks the task; the original
		// behavior is to ignore it.
		log.Warn().Err(err).Msg("ignoring unreadable deferral")
	} else if ok && until.After(r.now()) {
		d.Action, d.Until = ActionDeferred, until
		return d
	}

	if len(resumable) > 0 {
		// Attempts are tag-sorted; resume the most recent and leave the
		// rest untouched for manual inspection.
		tag := resumable[len(resumable)-1].Tag
		if len(resumable) > 1 {
			log.Warn().Int("count", len(resumable)).Str("chosen", tag).
				Msg("multiple resumable attempts, please check and fix")
		}
		if _, err := r.launch.Launch(ctx, launcher.Request{Task: task, Tag: tag, Mode: launcher.ModeResume}); err != nil {
			log.Error().Str("tag", tag).Err(err).Msg("resume launch failed")
			d.Action, d.Err = ActionError, err
			return d
		}
		d.Action, d.Tag = ActionResume, tag
		return d
	}

	tag := NewTag(r.now())
	if err := r.store.Claim(ctx, task, tag); err != nil {
		if errors.Is(err, state.ErrAlreadyClaimed) {
			// Another pass got there first; same outcome as observing a
			// running marker.
			log.Warn().Str("tag", tag).Msg("lost claim race")
			d.Action = ActionSkipRunning
			return d
		}
		log.Error().Str("tag", tag).Err(err).Msg("claim failed")
		d.Action, d.Err = ActionError, err
		return d
	}
	if _, err := r.launch.Launch(ctx, launcher.Request{Task: task, Tag: tag, Mode: launcher.ModeFresh}); err != nil {
		// Roll the claim back so the next pass can try again instead of
		// seeing a running marker for a process that never existed.
		if rerr := r.store.Release(ctx, task, tag); rerr != nil {
			log.Error().Str("tag", tag).Err(rerr).Msg("claim rollback failed")
		}
		log.Error().Str("tag", tag).Err(err).Msg("launch failed")
		d.Action, d.Err = ActionError, err
		return d
	}
	d.Action, d.Tag = ActionStart, tag
	return d
}

// reclassifyStale applies the opt-in abandonment policy for markers stuck
// in running.
func (r *Reconciler) reclassifyStale(attempts []state.Attempt, log zerolog.Logger) []state.Attempt {
	if r.cfg.MaxRunningAge <= 0 {
		return attempts
	}
	now := r.now()
	for i, a := range attempts {
		if a.State != state.StateRunning || a.UpdatedAt.IsZero() {
			continue
		}
		if age := now.Sub(a.UpdatedAt); age > r.cfg.MaxRunningAge {
			log.Warn().Str("tag", a.Tag).Dur("age", age).
				Msg("running marker exceeds max age; treating as resumable")
			attempts[i].State = state.StateShutdown
		}
	}
	return attempts
}
