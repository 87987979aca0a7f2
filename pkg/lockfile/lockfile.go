// Package lockfile enforces a single bridge instance per state directory.
// Two pollers against one message log would double-deliver, so startup
// takes a PID lock and refuses to run while another live process holds it.
package lockfile

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"chatbridge/pkg/logx"
)

// Lock is a held PID lock.
type Lock struct {
	path string
}

// Acquire takes the lock at path. A lock held by a live process is fatal;
// a lock left behind by a dead process is reclaimed.
func Acquire(path string) (*Lock, error) {
	logger := logx.NewLogger("lockfile")

	for attempt := 0; attempt < 2; attempt++ {
		err := writeLock(path)
		if err == nil {
			return &Lock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create lock file %s: %w", path, err)
		}

		pid, readErr := readLock(path)
		if readErr != nil {
			// Unreadable or corrupt lock file; treat as stale.
			logger.Warn("Removing unreadable lock file %s: %v", path, readErr)
			_ = os.Remove(path)
			continue
		}
		if processAlive(pid) {
			return nil, fmt.Errorf("another instance is running (pid %d, lock %s)", pid, path)
		}

		logger.Warn("Reclaiming lock from dead process %d", pid)
		_ = os.Remove(path)
	}
	return nil, fmt.Errorf("failed to acquire lock %s after reclaim", path)
}

// Release removes the lock file.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file %s: %w", l.path, err)
	}
	return nil
}

// writeLock atomically creates the lock file with our PID.
func writeLock(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	_, werr := fmt.Fprintf(f, "%d\n", os.Getpid())
	cerr := f.Close()
	if werr != nil {
		return werr
	}
	return cerr
}

func readLock(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("malformed pid %q", strings.TrimSpace(string(data)))
	}
	return pid, nil
}

// processAlive probes a PID with signal 0.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
