package state

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store used by tests. It mirrors the fs backend's
// semantics, including the atomic claim.
type Memory struct {
	mu       sync.Mutex
	attempts map[string]map[string]Attempt // task -> tag -> attempt
	deferral map[string]time.Time
	aliases  []string
}

func NewMemory(aliases ...string) *Memory {
	return &Memory{
		attempts: map[string]map[string]Attempt{},
		deferral: map[string]time.Time{},
		aliases:  aliases,
	}
}

// SetState seeds or rewrites a marker, the way the crawl process would.
func (m *Memory) SetState(task, tag, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, _ := ParseState(token, m.aliases)
	if m.attempts[task] == nil {
		m.attempts[task] = map[string]Attempt{}
	}
	m.attempts[task][tag] = Attempt{Tag: tag, State: st, Raw: token, UpdatedAt: time.Now()}
}

// SetUpdatedAt backdates a marker, for staleness tests.
func (m *Memory) SetUpdatedAt(task, tag string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if att, ok := m.attempts[task][tag]; ok {
		att.UpdatedAt = at
		m.attempts[task][tag] = att
	}
}

func (m *Memory) SetDontRunBefore(task string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deferral[task] = at
}

func (m *Memory) ListAttempts(ctx context.Context, task string) ([]Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Attempt
	for _, att := range m.attempts[task] {
		out = append(out, att)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out, nil
}

func (m *Memory) Claim(ctx context.Context, task, tag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.attempts[task][tag]; ok {
		return fmt.Errorf("claim %s/%s: %w", task, tag, ErrAlreadyClaimed)
	}
	if m.attempts[task] == nil {
		m.attempts[task] = map[string]Attempt{}
	}
	m.attempts[task][tag] = Attempt{Tag: tag, State: StateRunning, Raw: "running", UpdatedAt: time.Now()}
	return nil
}

func (m *Memory) Release(ctx context.Context, task, tag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.attempts[task], tag)
	return nil
}

func (m *Memory) DeleteAttempt(ctx context.Context, task, tag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.attempts[task][tag]; !ok {
		return ErrNotFound
	}
	delete(m.attempts[task], tag)
	return nil
}

func (m *Memory) DontRunBefore(ctx context.Context, task string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.deferral[task]
	return at, ok, nil
}

func (m *Memory) Close() error { return nil }
