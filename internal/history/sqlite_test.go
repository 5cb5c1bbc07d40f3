package history

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func openTestLedger(t *testing.T, keep int) Ledger {
	t.Helper()
	l, err := OpenSQLite(Config{
		Path:       filepath.Join(t.TempDir(), "history.db"),
		KeepPasses: keep,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecordAndRecentPasses(t *testing.T) {
	l := openTestLedger(t, 0)
	ctx := context.Background()

	now := time.Now()
	rec := PassRecord{
		ID:         uuid.NewString(),
		StartedAt:  now,
		FinishedAt: now.Add(2 * time.Second),
		Decisions: []DecisionRecord{
			{Task: "bga", Action: "start-new", Tag: "t2", Collected: []string{"t0", "t1"}},
			{Task: "bgg", Action: "skip-running"},
			{Task: "lud", Action: "error", Error: "spawn failed"},
		},
	}
	if err := l.RecordPass(ctx, rec); err != nil {
		t.Fatalf("RecordPass: %v", err)
	}

	passes, err := l.RecentPasses(ctx, 5)
	if err != nil {
		t.Fatalf("RecentPasses: %v", err)
	}
	if len(passes) != 1 {
		t.Fatalf("expected 1 pass, got %d", len(passes))
	}
	got := passes[0]
	if got.ID != rec.ID {
		t.Errorf("id = %q, want %q", got.ID, rec.ID)
	}
	if len(got.Decisions) != 3 {
		t.Fatalf("expected 3 decisions, got %d", len(got.Decisions))
	}
	byTask := map[string]DecisionRecord{}
	for _, d := range got.Decisions {
		byTask[d.Task] = d
	}
	if d := byTask["bga"]; d.Action != "start-new" || d.Tag != "t2" || len(d.Collected) != 2 {
		t.Errorf("bga decision = %+v", d)
	}
	if d := byTask["bgg"]; d.Action != "skip-running" || d.Tag != "" || d.Collected != nil {
		t.Errorf("bgg decision = %+v", d)
	}
	if d := byTask["lud"]; d.Error != "spawn failed" {
		t.Errorf("lud decision = %+v", d)
	}
}

func TestPruneKeepsRecentPasses(t *testing.T) {
	l := openTestLedger(t, 3)
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		rec := PassRecord{
			ID:         fmt.Sprintf("pass-%d", i),
			StartedAt:  base.Add(time.Duration(i) * time.Minute),
			FinishedAt: base.Add(time.Duration(i)*time.Minute + time.Second),
		}
		if err := l.RecordPass(ctx, rec); err != nil {
			t.Fatalf("RecordPass %d: %v", i, err)
		}
	}

	passes, err := l.RecentPasses(ctx, 10)
	if err != nil {
		t.Fatalf("RecentPasses: %v", err)
	}
	if len(passes) != 3 {
		t.Fatalf("expected 3 passes after prune, got %d", len(passes))
	}
	if passes[0].ID != "pass-5" {
		t.Errorf("newest pass = %q, want pass-5", passes[0].ID)
	}
}

func TestNopLedger(t *testing.T) {
	var l Ledger = Nop{}
	if err := l.RecordPass(context.Background(), PassRecord{ID: "x"}); err != nil {
		t.Fatalf("nop RecordPass: %v", err)
	}
	passes, err := l.RecentPasses(context.Background(), 5)
	if err != nil || passes != nil {
		t.Fatalf("nop RecentPasses = %v, %v", passes, err)
	}
}
