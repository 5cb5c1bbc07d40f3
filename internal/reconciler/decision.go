package reconciler

import (
	"fmt"
	"strings"
	"time"
)

// Action is what the pass decided for one task. Decisions are ephemeral;
// only their effects (launches, deletions) persist.
type Action int

const (
	ActionStart Action = iota
	ActionResume
	ActionSkipRunning
	ActionSkipCorrupt
	ActionDeferred
	ActionError
)

func (a Action) String() string {
	switch a {
	case ActionStart:
		return "start-new"
	case ActionResume:
		return "resume"
	case ActionSkipRunning:
		return "skip-running"
	case ActionSkipCorrupt:
		return "skip-corrupt"
	case ActionDeferred:
		return "deferred"
	case ActionError:
		return "error"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Decision is the outcome for one task in one pass. Collected lists the
// finished tags actually deleted this pass, regardless of the action taken
// afterwards.
type Decision struct {
	Task      string
	Action    Action
	Tag       string // tag started or resumed
	Collected []string
	Until     time.Time // deferred-until, for ActionDeferred
	Err       error
}

// Lines renders the operator-facing report for this decision.
func (d Decision) Lines() []string {
	var out []string
	if len(d.Collected) > 0 {
		out = append(out, fmt.Sprintf("collected %s: %s", d.Task, strings.Join(d.Collected, ", ")))
	}
	switch d.Action {
	case ActionStart:
		out = append(out, fmt.Sprintf("starting %s", d.Task))
	case ActionResume:
		out = append(out, fmt.Sprintf("resuming %s (%s)", d.Task, d.Tag))
	case ActionSkipRunning:
		out = append(out, fmt.Sprintf("skipping %s (already running)", d.Task))
	case ActionSkipCorrupt:
		out = append(out, fmt.Sprintf("skipping %s (unreadable state)", d.Task))
	case ActionDeferred:
		out = append(out, fmt.Sprintf("deferred %s (until %s)", d.Task, d.Until.Format(time.RFC3339)))
	case ActionError:
		out = append(out, fmt.Sprintf("error %s: %v", d.Task, d.Err))
	}
	return out
}

// Summary is one complete pass over the registry.
type Summary struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Decisions  []Decision
}

func (s Summary) Lines() []string {
	var out []string
	for _, d := range s.Decisions {
		out = append(out, d.Lines()...)
	}
	return out
}

// Count returns how many decisions took the given action.
func (s Summary) Count(a Action) int {
	n := 0
	for _, d := range s.Decisions {
		if d.Action == a {
			n++
		}
	}
	return n
}

// CollectedTotal counts attempts swept across all tasks.
func (s Summary) CollectedTotal() int {
	n := 0
	for _, d := range s.Decisions {
		n += len(d.Collected)
	}
	return n
}
