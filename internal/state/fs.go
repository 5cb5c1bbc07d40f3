package state

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// FSConfig configures the filesystem backend.
type FSConfig struct {
	// Root holds one directory per task, one subdirectory per attempt.
	Root string
	// MarkerName is the per-attempt state file, default ".state".
	MarkerName string
	// ResumableAliases lists extra marker tokens treated as shutdown.
	ResumableAliases []string
}

// fsStore keeps attempts as <root>/<task>/<tag>/<marker>. The marker file
// contains a single state token. This matches the layout the crawl
// process itself maintains, so both sides see the same records.
type fsStore struct {
	root    string
	marker  string
	aliases []string
	log     zerolog.Logger
}

const deferFileName = ".dont_run_before"

func NewFS(cfg FSConfig, log zerolog.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, errors.New("state root dir is required")
	}
	marker := cfg.MarkerName
	if marker == "" {
		marker = ".state"
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, err
	}
	return &fsStore{
		root:    cfg.Root,
		marker:  marker,
		aliases: cfg.ResumableAliases,
		log:     log,
	}, nil
}

func (s *fsStore) taskDir(task string) string {
	return filepath.Join(s.root, task)
}

func (s *fsStore) attemptDir(task, tag string) string {
	return filepath.Join(s.root, task, tag)
}

func (s *fsStore) ListAttempts(ctx context.Context, task string) ([]Attempt, error) {
	entries, err := os.ReadDir(s.taskDir(task))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list attempts for %s: %w", task, err)
	}

	var out []Attempt
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		markerPath := filepath.Join(s.taskDir(task), e.Name(), s.marker)
		info, err := os.Stat(markerPath)
		if errors.Is(err, fs.ErrNotExist) {
			// Attempt dir without a marker: the process has not written
			// its first state yet, or the dir is foreign. Leave it alone.
			continue
		}
		att := Attempt{Tag: e.Name()}
		if err != nil {
			att.State = StateUnknown
			out = append(out, att)
			continue
		}
		att.UpdatedAt = info.ModTime()
		token, err := readMarker(markerPath)
		if err != nil {
			s.log.Warn().Str("task", task).Str("tag", e.Name()).Err(err).
				Msg("unreadable state marker")
			att.State = StateUnknown
			out = append(out, att)
			continue
		}
		att.Raw = token
		st, err := ParseState(token, s.aliases)
		if err != nil {
			s.log.Warn().Str("task", task).Str("tag", e.Name()).Str("token", token).
				Msg("unrecognized state marker")
		}
		att.State = st
		out = append(out, att)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out, nil
}

// readMarker returns the first line of the marker file, whitespace-trimmed.
func readMarker(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	if sc.Scan() {
		return strings.TrimSpace(sc.Text()), nil
	}
	if err := sc.Err(); err != nil {
		return "", err
	}
	return "", nil
}

func (s *fsStore) Claim(ctx context.Context, task, tag string) error {
	dir := s.attemptDir(task, tag)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	// O_EXCL is the create-if-absent primitive: a second pass claiming the
	// same attempt gets EEXIST instead of silently overwriting.
	f, err := os.OpenFile(filepath.Join(dir, s.marker), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("claim %s/%s: %w", task, tag, ErrAlreadyClaimed)
	}
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteString(StateRunning.String() + "\n"); err != nil {
		return err
	}
	return f.Sync()
}

func (s *fsStore) Release(ctx context.Context, task, tag string) error {
	return os.RemoveAll(s.attemptDir(task, tag))
}

func (s *fsStore) DeleteAttempt(ctx context.Context, task, tag string) error {
	dir := s.attemptDir(task, tag)
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	return os.RemoveAll(dir)
}

func (s *fsStore) DontRunBefore(ctx context.Context, task string) (time.Time, bool, error) {
	raw, err := readMarker(filepath.Join(s.taskDir(task), deferFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	t, err := parseDeferral(raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("deferral for %s: %w", task, err)
	}
	return t, true, nil
}

// Deferral files are written by operators and by the crawl process, in a
// couple of historical formats.
var deferralLayouts = []string{
	time.RFC3339,
	"2006-01-02T15-04-05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseDeferral(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, errors.New("empty deferral value")
	}
	for _, layout := range deferralLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable deferral value %q", raw)
}

func (s *fsStore) Close() error { return nil }
