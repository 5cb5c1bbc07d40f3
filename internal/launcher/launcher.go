// Package launcher starts crawl processes and forgets about them. A
// launched crawl must outlive the scheduler: it reports its own lifecycle
// through the state store, never through a parent-child wait.
package launcher

import (
	"context"
	"path/filepath"
	"strings"

	"golang.org/x/time/rate"
)

// Mode distinguishes a fresh attempt from resuming a prior checkpoint.
type Mode int

const (
	ModeFresh Mode = iota
	ModeResume
)

func (m Mode) String() string {
	if m == ModeResume {
		return "resume"
	}
	return "fresh"
}

// Request identifies the attempt to launch. The launcher derives all
// paths from (Task, Tag), so concurrent and historical outputs never
// collide.
type Request struct {
	Task string
	Tag  string
	Mode Mode
}

// Result describes what was started. Exactly one of PID and ContainerID
// is set, depending on the backend.
type Result struct {
	PID         int
	ContainerID string
	LogPath     string
	OutputPath  string
}

type Launcher interface {
	Launch(ctx context.Context, req Request) (Result, error)
	Close() error
}

// Paths locates the scheduler-managed directories shared by all backends.
type Paths struct {
	// JobsDir holds per-attempt checkpoint dirs: <jobs>/<task>/<tag>.
	JobsDir string
	// FeedsDir is the root for crawl output files.
	FeedsDir string
	// LogsDir holds one append-only log per task.
	LogsDir string
	// OutputTemplate is the feed path under FeedsDir, default
	// "{name}/{tag}.jl".
	OutputTemplate string
}

func (p Paths) jobDir(task, tag string) string {
	return filepath.Join(p.JobsDir, task, tag)
}

func (p Paths) outputPath(task, tag string) string {
	tmpl := p.OutputTemplate
	if tmpl == "" {
		tmpl = "{name}/{tag}.jl"
	}
	return filepath.Join(p.FeedsDir, expand(tmpl, task, tag, "", ""))
}

func (p Paths) logPath(task string) string {
	return filepath.Join(p.LogsDir, task+".log")
}

// expand substitutes the launcher placeholders in a template string.
func expand(s, task, tag, output, jobdir string) string {
	r := strings.NewReplacer(
		"{name}", task,
		"{tag}", tag,
		"{output}", output,
		"{jobdir}", jobdir,
	)
	return r.Replace(s)
}

func expandArgs(argv []string, task, tag, output, jobdir string) []string {
	out := make([]string, len(argv))
	for i, a := range argv {
		out[i] = expand(a, task, tag, output, jobdir)
	}
	return out
}

// throttle spaces out spawns so that a pass over a large registry does not
// start everything in the same instant.
type throttle struct {
	lim *rate.Limiter
}

func newThrottle(perSec float64) throttle {
	if perSec <= 0 {
		return throttle{}
	}
	return throttle{lim: rate.NewLimiter(rate.Limit(perSec), 1)}
}

func (t throttle) wait(ctx context.Context) error {
	if t.lim == nil {
		return nil
	}
	return t.lim.Wait(ctx)
}
