package registry

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Command asks an external program for the task list, one name per line
// (e.g. `scrapy list`). Blank lines are dropped.
type Command struct {
	argv    []string
	dir     string
	timeout time.Duration
}

func NewCommand(argv []string, dir string, timeout time.Duration) (*Command, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("registry command is empty")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Command{argv: argv, dir: dir, timeout: timeout}, nil
}

func (c *Command) List(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.argv[0], c.argv[1:]...)
	cmd.Dir = c.dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("%w: %s: %v (%s)", ErrUnavailable, c.argv[0], err, msg)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, c.argv[0], err)
	}

	var tasks []string
	for _, line := range strings.Split(string(out), "\n") {
		if name := strings.TrimSpace(line); name != "" {
			tasks = append(tasks, name)
		}
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("%s: %w", c.argv[0], ErrEmpty)
	}
	return tasks, nil
}
