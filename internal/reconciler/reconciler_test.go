package reconciler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"crawld/internal/launcher"
	"crawld/internal/state"
)

type fakeLauncher struct {
	calls []launcher.Request
	err   error
}

func (f *fakeLauncher) Launch(ctx context.Context, req launcher.Request) (launcher.Result, error) {
	if f.err != nil {
		return launcher.Result{}, f.err
	}
	f.calls = append(f.calls, req)
	return launcher.Result{PID: 1234}, nil
}

func (f *fakeLauncher) Close() error { return nil }

func newTestReconciler(st state.Store, l launcher.Launcher, cfg Config, at time.Time) *Reconciler {
	r := New(st, l, cfg, zerolog.Nop())
	r.now = func() time.Time { return at }
	return r
}

func decisionFor(t *testing.T, sum Summary, task string) Decision {
	t.Helper()
	for _, d := range sum.Decisions {
		if d.Task == task {
			return d
		}
	}
	t.Fatalf("no decision for task %s", task)
	return Decision{}
}

func TestFreshTasksStart(t *testing.T) {
	st := state.NewMemory()
	fl := &fakeLauncher{}
	r := newTestReconciler(st, fl, Config{}, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))

	sum := r.Pass(context.Background(), []string{"bga", "bgg"})

	for _, task := range []string{"bga", "bgg"} {
		d := decisionFor(t, sum, task)
		if d.Action != ActionStart {
			t.Errorf("%s: action = %v, want start-new", task, d.Action)
		}
	}
	if len(fl.calls) != 2 {
		t.Fatalf("expected 2 launches, got %d", len(fl.calls))
	}
	for _, c := range fl.calls {
		if c.Mode != launcher.ModeFresh {
			t.Errorf("launch mode = %v, want fresh", c.Mode)
		}
	}
}

func TestRunningSkipped(t *testing.T) {
	st := state.NewMemory()
	st.SetState("bgg", "t1", "running")
	fl := &fakeLauncher{}
	r := newTestReconciler(st, fl, Config{}, time.Now())

	sum := r.Pass(context.Background(), []string{"bga", "bgg"})

	if d := decisionFor(t, sum, "bgg"); d.Action != ActionSkipRunning {
		t.Errorf("bgg: action = %v, want skip-running", d.Action)
	}
	if d := decisionFor(t, sum, "bga"); d.Action != ActionStart {
		t.Errorf("bga: action = %v, want start-new", d.Action)
	}
	if len(fl.calls) != 1 || fl.calls[0].Task != "bga" {
		t.Fatalf("unexpected launches: %+v", fl.calls)
	}
}

func TestShutdownResumedWithSameTag(t *testing.T) {
	st := state.NewMemory()
	st.SetState("bgg", "2024-01-01T00-00-00", "shutdown")
	fl := &fakeLauncher{}
	r := newTestReconciler(st, fl, Config{}, time.Now())

	sum := r.Pass(context.Background(), []string{"bgg"})

	d := decisionFor(t, sum, "bgg")
	if d.Action != ActionResume || d.Tag != "2024-01-01T00-00-00" {
		t.Fatalf("decision = %+v, want resume(2024-01-01T00-00-00)", d)
	}
	if len(fl.calls) != 1 || fl.calls[0].Tag != "2024-01-01T00-00-00" || fl.calls[0].Mode != launcher.ModeResume {
		t.Fatalf("unexpected launch: %+v", fl.calls)
	}
}

func TestFinishedCollectedThenStarted(t *testing.T) {
	st := state.NewMemory()
	st.SetState("bga", "t1", "finished")
	fl := &fakeLauncher{}
	r := newTestReconciler(st, fl, Config{}, time.Now())

	sum := r.Pass(context.Background(), []string{"bga"})

	d := decisionFor(t, sum, "bga")
	if len(d.Collected) != 1 || d.Collected[0] != "t1" {
		t.Fatalf("collected = %v, want [t1]", d.Collected)
	}
	if d.Action != ActionStart {
		t.Fatalf("action = %v, want start-new", d.Action)
	}
	atts, _ := st.ListAttempts(context.Background(), "bga")
	if len(atts) != 1 || atts[0].Tag != d.Tag {
		t.Fatalf("expected only the new claimed attempt, got %+v", atts)
	}
}

func TestSecondPassIsIdempotent(t *testing.T) {
	st := state.NewMemory()
	fl := &fakeLauncher{}
	r := newTestReconciler(st, fl, Config{}, time.Now())

	r.Pass(context.Background(), []string{"bga"})
	if len(fl.calls) != 1 {
		t.Fatalf("first pass: %d launches", len(fl.calls))
	}

	// Nothing advanced state: the claim from pass one is still running.
	sum := r.Pass(context.Background(), []string{"bga"})
	if d := decisionFor(t, sum, "bga"); d.Action != ActionSkipRunning {
		t.Fatalf("second pass action = %v, want skip-running", d.Action)
	}
	if len(fl.calls) != 1 {
		t.Fatalf("second pass launched again: %d launches", len(fl.calls))
	}
}

func TestFreshTagsDifferAcrossPasses(t *testing.T) {
	st := state.NewMemory()
	fl := &fakeLauncher{}
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	r := newTestReconciler(st, fl, Config{}, base)

	sum1 := r.Pass(context.Background(), []string{"bga"})
	tag1 := decisionFor(t, sum1, "bga").Tag
	if err := st.DeleteAttempt(context.Background(), "bga", tag1); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	r.now = func() time.Time { return base.Add(5 * time.Millisecond) }
	sum2 := r.Pass(context.Background(), []string{"bga"})
	tag2 := decisionFor(t, sum2, "bga").Tag
	if tag1 == tag2 {
		t.Fatalf("expected distinct tags, both %q", tag1)
	}
	if tag2 <= tag1 {
		t.Fatalf("tags not sortable: %q <= %q", tag2, tag1)
	}
}

func TestAmbiguousShutdownsResumeNewest(t *testing.T) {
	st := state.NewMemory()
	st.SetState("bgg", "2024-01-01T00-00-00", "shutdown")
	st.SetState("bgg", "2024-02-01T00-00-00", "shutdown")
	fl := &fakeLauncher{}
	r := newTestReconciler(st, fl, Config{}, time.Now())

	sum := r.Pass(context.Background(), []string{"bgg"})

	d := decisionFor(t, sum, "bgg")
	if d.Action != ActionResume || d.Tag != "2024-02-01T00-00-00" {
		t.Fatalf("decision = %+v, want resume of newest tag", d)
	}
	// The older attempt is left for manual inspection.
	atts, _ := st.ListAttempts(context.Background(), "bgg")
	if len(atts) != 2 {
		t.Fatalf("expected both attempts kept, got %+v", atts)
	}
}

func TestCorruptMarkerSkipsWithoutDeletion(t *testing.T) {
	st := state.NewMemory()
	st.SetState("bgg", "t1", "finished")
	st.SetState("bgg", "t2", "garbage")
	fl := &fakeLauncher{}
	r := newTestReconciler(st, fl, Config{}, time.Now())

	sum := r.Pass(context.Background(), []string{"bgg"})

	d := decisionFor(t, sum, "bgg")
	if d.Action != ActionSkipCorrupt {
		t.Fatalf("action = %v, want skip-corrupt", d.Action)
	}
	if len(d.Collected) != 0 {
		t.Fatalf("collected = %v, want none while state is unreadable", d.Collected)
	}
	if len(fl.calls) != 0 {
		t.Fatalf("unexpected launches: %+v", fl.calls)
	}
	atts, _ := st.ListAttempts(context.Background(), "bgg")
	if len(atts) != 2 {
		t.Fatalf("attempts were deleted: %+v", atts)
	}
}

type failingDeleteStore struct {
	*state.Memory
}

func (f failingDeleteStore) DeleteAttempt(ctx context.Context, task, tag string) error {
	return fmt.Errorf("disk on fire")
}

func TestUncollectedNotReported(t *testing.T) {
	mem := state.NewMemory()
	mem.SetState("bga", "t1", "finished")
	fl := &fakeLauncher{}
	r := newTestReconciler(failingDeleteStore{mem}, fl, Config{}, time.Now())

	sum := r.Pass(context.Background(), []string{"bga"})

	d := decisionFor(t, sum, "bga")
	if len(d.Collected) != 0 {
		t.Fatalf("collected = %v, but deletion failed", d.Collected)
	}
	atts, _ := mem.ListAttempts(context.Background(), "bga")
	if len(atts) < 1 {
		t.Fatalf("finished attempt should survive a failed collection")
	}
}

func TestStaleRunningReclassified(t *testing.T) {
	st := state.NewMemory()
	st.SetState("bgg", "t1", "running")
	st.SetUpdatedAt("bgg", "t1", time.Now().Add(-48*time.Hour))
	fl := &fakeLauncher{}
	r := newTestReconciler(st, fl, Config{MaxRunningAge: 24 * time.Hour}, time.Now())

	sum := r.Pass(context.Background(), []string{"bgg"})

	d := decisionFor(t, sum, "bgg")
	if d.Action != ActionResume || d.Tag != "t1" {
		t.Fatalf("decision = %+v, want resume(t1)", d)
	}
}

func TestStalePolicyDisabledByDefault(t *testing.T) {
	st := state.NewMemory()
	st.SetState("bgg", "t1", "running")
	st.SetUpdatedAt("bgg", "t1", time.Now().Add(-1000*time.Hour))
	fl := &fakeLauncher{}
	r := newTestReconciler(st, fl, Config{}, time.Now())

	sum := r.Pass(context.Background(), []string{"bgg"})
	if d := decisionFor(t, sum, "bgg"); d.Action != ActionSkipRunning {
		t.Fatalf("action = %v, want skip-running", d.Action)
	}
}

func TestDeferredTask(t *testing.T) {
	st := state.NewMemory()
	st.SetDontRunBefore("bga", time.Now().Add(time.Hour))
	fl := &fakeLauncher{}
	r := newTestReconciler(st, fl, Config{}, time.Now())

	sum := r.Pass(context.Background(), []string{"bga"})
	if d := decisionFor(t, sum, "bga"); d.Action != ActionDeferred {
		t.Fatalf("action = %v, want deferred", d.Action)
	}
	if len(fl.calls) != 0 {
		t.Fatalf("unexpected launches: %+v", fl.calls)
	}

	st.SetDontRunBefore("bga", time.Now().Add(-time.Hour))
	sum = r.Pass(context.Background(), []string{"bga"})
	if d := decisionFor(t, sum, "bga"); d.Action != ActionStart {
		t.Fatalf("action = %v, want start-new once the deferral passed", d.Action)
	}
}

func TestSpawnFailureRollsBackClaim(t *testing.T) {
	st := state.NewMemory()
	fl := &fakeLauncher{err: errors.New("no such binary")}
	r := newTestReconciler(st, fl, Config{}, time.Now())

	sum := r.Pass(context.Background(), []string{"bga", "bgg"})

	for _, task := range []string{"bga", "bgg"} {
		d := decisionFor(t, sum, task)
		if d.Action != ActionError {
			t.Errorf("%s: action = %v, want error", task, d.Action)
		}
		atts, _ := st.ListAttempts(context.Background(), task)
		if len(atts) != 0 {
			t.Errorf("%s: claim not rolled back: %+v", task, atts)
		}
	}
}

// racedStore simulates another scheduler instance claiming between our
// read and our claim.
type racedStore struct {
	*state.Memory
}

func (r racedStore) ListAttempts(ctx context.Context, task string) ([]state.Attempt, error) {
	return nil, nil
}

func (r racedStore) Claim(ctx context.Context, task, tag string) error {
	return fmt.Errorf("claim %s/%s: %w", task, tag, state.ErrAlreadyClaimed)
}

func TestClaimRaceBecomesSkip(t *testing.T) {
	fl := &fakeLauncher{}
	r := newTestReconciler(racedStore{state.NewMemory()}, fl, Config{}, time.Now())

	sum := r.Pass(context.Background(), []string{"bga"})
	if d := decisionFor(t, sum, "bga"); d.Action != ActionSkipRunning {
		t.Fatalf("action = %v, want skip-running after losing the claim race", d.Action)
	}
	if len(fl.calls) != 0 {
		t.Fatalf("launched despite losing the claim: %+v", fl.calls)
	}
}

func TestReportLines(t *testing.T) {
	sum := Summary{Decisions: []Decision{
		{Task: "bga", Action: ActionStart, Tag: "t2", Collected: []string{"t1"}},
		{Task: "bgg", Action: ActionSkipRunning},
		{Task: "lud", Action: ActionResume, Tag: "2024-01-01T00-00-00"},
	}}
	want := []string{
		"collected bga: t1",
		"starting bga",
		"skipping bgg (already running)",
		"resuming lud (2024-01-01T00-00-00)",
	}
	got := sum.Lines()
	if len(got) != len(want) {
		t.Fatalf("lines = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, got[i], want[i])
		}
	}
}
