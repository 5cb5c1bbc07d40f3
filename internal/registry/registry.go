// Package registry enumerates the crawl tasks the scheduler owns. The
// registry is external truth: the scheduler never creates or destroys
// tasks, it only asks what exists.
package registry

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnavailable means the enumeration mechanism itself failed. Fatal
	// for the whole pass: scheduling against a partial registry would
	// silently drop tasks.
	ErrUnavailable = errors.New("task registry unavailable")
	// ErrEmpty means the enumeration succeeded but produced no tasks.
	// Also fatal, but distinguishable for the operator.
	ErrEmpty = errors.New("task registry is empty")
)

// Registry lists the task names to reconcile, in a stable order.
type Registry interface {
	List(ctx context.Context) ([]string, error)
}

// Static serves a fixed task list from configuration.
type Static struct {
	tasks []string
}

func NewStatic(tasks []string) *Static {
	return &Static{tasks: tasks}
}

func (s *Static) List(ctx context.Context) ([]string, error) {
	if len(s.tasks) == 0 {
		return nil, fmt.Errorf("static registry: %w", ErrEmpty)
	}
	out := make([]string, len(s.tasks))
	copy(out, s.tasks)
	return out, nil
}
