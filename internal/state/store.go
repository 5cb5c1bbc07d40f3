package state

import (
	"context"
	"time"
)

// Store is the durable record of every task's execution attempts.
//
// Access discipline: the crawl process owns its own marker and rewrites it
// as it transitions running -> finished|shutdown; the scheduler only claims
// brand-new attempts, deletes finished ones, and reads everything else.
type Store interface {
	// ListAttempts returns every known attempt for the task, sorted by
	// tag ascending. Reads are fresh, never cached.
	ListAttempts(ctx context.Context, task string) ([]Attempt, error)

	// Claim atomically creates a "running" marker for (task, tag).
	// Returns ErrAlreadyClaimed when the attempt already exists, which
	// makes two racing passes unable to both start the same task.
	Claim(ctx context.Context, task, tag string) error

	// Release removes a marker previously created by Claim. Only used to
	// roll back after a spawn failure; never touches attempts the crawl
	// process has taken over.
	Release(ctx context.Context, task, tag string) error

	// DeleteAttempt removes all durable artifacts for one attempt. Only
	// called once the attempt is confirmed finished.
	DeleteAttempt(ctx context.Context, task, tag string) error

	// DontRunBefore reports a deferral timestamp for the task, if one is
	// set. A task is not launched before that instant.
	DontRunBefore(ctx context.Context, task string) (time.Time, bool, error)

	Close() error
}
