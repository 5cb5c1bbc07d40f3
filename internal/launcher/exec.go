package launcher

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/rs/zerolog"
)

// ExecConfig configures the process backend.
type ExecConfig struct {
	// Command is the argv template, e.g.
	// ["scrapy", "crawl", "{name}", "--output", "{output}", "--set", "JOBDIR={jobdir}"].
	Command []string
	// WorkDir is the working directory for the crawl process (usually the
	// scraper project root).
	WorkDir string
	// Env is merged over the scheduler's environment.
	Env map[string]string
	// RatePerSec caps spawns per second; 0 disables the limit.
	RatePerSec float64
}

// Exec launches crawls as detached OS processes. The child gets its own
// session so a scheduler crash or exit never takes the crawl down with it.
type Exec struct {
	cfg   ExecConfig
	paths Paths
	thr   throttle
	log   zerolog.Logger
}

func NewExec(cfg ExecConfig, paths Paths, log zerolog.Logger) (*Exec, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("launcher command is empty")
	}
	return &Exec{cfg: cfg, paths: paths, thr: newThrottle(cfg.RatePerSec), log: log}, nil
}

func (e *Exec) Launch(ctx context.Context, req Request) (Result, error) {
	if err := e.thr.wait(ctx); err != nil {
		return Result{}, err
	}

	jobDir := e.paths.jobDir(req.Task, req.Tag)
	output := e.paths.outputPath(req.Task, req.Tag)
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return Result{}, fmt.Errorf("output dir for %s: %w", req.Task, err)
	}

	logPath := e.paths.logPath(req.Task)
	// Append, never truncate: a resumed attempt continues the same log.
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return Result{}, fmt.Errorf("open log for %s: %w", req.Task, err)
	}
	defer logFile.Close()

	argv := expandArgs(e.cfg.Command, req.Task, req.Tag, output, jobDir)

	// Deliberately not CommandContext: cancelling the pass must not kill a
	// crawl that already started.
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = e.cfg.WorkDir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = e.environ(req, jobDir)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("spawn %s: %w", req.Task, err)
	}
	pid := cmd.Process.Pid
	e.log.Info().Str("task", req.Task).Str("tag", req.Tag).
		Str("mode", req.Mode.String()).Int("pid", pid).Msg("crawl launched")

	// Reap in the background so long daemon runs don't accumulate zombies.
	// The crawl's own exit state lives in the state store, not here.
	go func() {
		err := cmd.Wait()
		e.log.Debug().Str("task", req.Task).Str("tag", req.Tag).Err(err).
			Msg("crawl process exited")
	}()

	return Result{PID: pid, LogPath: logPath, OutputPath: output}, nil
}

func (e *Exec) environ(req Request, jobDir string) []string {
	env := os.Environ()
	extra := map[string]string{
		"CRAWLD_TASK":    req.Task,
		"CRAWLD_JOB_TAG": req.Tag,
		"CRAWLD_JOB_DIR": jobDir,
	}
	for k, v := range e.cfg.Env {
		extra[k] = v
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

func (e *Exec) Close() error { return nil }
