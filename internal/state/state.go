package state

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Attempt lifecycle tokens as written by the crawl process itself.
// Anything else in a marker is treated as corrupt, never as finished
// (wrong deletion) and never as absent (double launch).
type State int

const (
	StateUnknown State = iota
	StateRunning
	StateFinished
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

var (
	ErrCorruptMarker  = errors.New("corrupt state marker")
	ErrAlreadyClaimed = errors.New("attempt already claimed")
	ErrNotFound       = errors.New("attempt not found")
)

// Attempt is one on-disk execution attempt of a task, identified by its
// job tag. Raw preserves the literal marker token for diagnostics.
// UpdatedAt is the last marker write (zero when the backend has no notion
// of it).
type Attempt struct {
	Tag       string
	State     State
	Raw       string
	UpdatedAt time.Time
}

// ParseState maps a marker token to a State. Aliases lists extra tokens
// that classify as shutdown-resumable (the crawl framework writes e.g.
// "closespider_timeout" when it stops itself on a timeout).
func ParseState(token string, aliases []string) (State, error) {
	token = strings.TrimSpace(token)
	switch token {
	case "running":
		return StateRunning, nil
	case "finished":
		return StateFinished, nil
	case "shutdown":
		return StateShutdown, nil
	}
	for _, a := range aliases {
		if token == strings.TrimSpace(a) {
			return StateShutdown, nil
		}
	}
	return StateUnknown, fmt.Errorf("%w: %q", ErrCorruptMarker, token)
}
