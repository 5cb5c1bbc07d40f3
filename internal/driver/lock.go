package driver

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrLocked means another scheduler instance holds the pass lock.
var ErrLocked = errors.New("another pass is in progress")

// passLock is the single-instance guard: two overlapping invocations must
// not both reconcile, or they could double-launch a task.
type passLock struct {
	path string
}

func acquireLock(path string) (*passLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d\n", os.Getpid())
			cerr := f.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(path)
				return nil, errors.Join(werr, cerr)
			}
			return &passLock{path: path}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, err
		}
		// A lock left behind by a crashed scheduler is stale once its pid
		// is gone; clear it and retry once.
		if pid, ok := lockOwner(path); ok && processAlive(pid) {
			return nil, fmt.Errorf("%w (pid %d, %s)", ErrLocked, pid, path)
		}
		_ = os.Remove(path)
	}
	return nil, fmt.Errorf("%w (%s)", ErrLocked, path)
}

func (l *passLock) release() error {
	return os.Remove(l.path)
}

func lockOwner(path string) (int, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

func processAlive(pid int) bool {
	// Signal 0 probes for existence without delivering anything.
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
