// Package history keeps a small ledger of past passes and their
// per-task decisions, for `crawld status` and postmortems. The ledger is
// observational only; reconciliation never reads it.
package history

import (
	"context"
	"time"
)

// DecisionRecord is one task outcome within a pass.
type DecisionRecord struct {
	Task      string
	Action    string
	Tag       string
	Collected []string
	Error     string
}

// PassRecord is one complete reconciliation pass.
type PassRecord struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Decisions  []DecisionRecord
}

type Ledger interface {
	RecordPass(ctx context.Context, rec PassRecord) error
	RecentPasses(ctx context.Context, limit int) ([]PassRecord, error)
	Close() error
}

// Nop is the ledger used when history is disabled.
type Nop struct{}

func (Nop) RecordPass(ctx context.Context, rec PassRecord) error { return nil }
func (Nop) RecentPasses(ctx context.Context, limit int) ([]PassRecord, error) {
	return nil, nil
}
func (Nop) Close() error { return nil }
