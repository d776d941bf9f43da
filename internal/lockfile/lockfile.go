// Package lockfile keeps two coordinators from sharing one state directory.
//
// The lock is an flock on a file inside the directory, so the kernel drops it when the
// holding process exits, cleanly or not. The file itself only carries diagnostics.
package lockfile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file created in the state directory
const LockFileName = "chatcrm.lock"

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// AcquireLock takes the exclusive lock on stateDir, creating the directory if needed. It
// fails immediately with a *LockError if another process holds the lock.
func AcquireLock(stateDir string) (*Lock, error) {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	path := filepath.Join(stateDir, LockFileName)
	// Opened without truncation so a losing contender does not wipe the holder's details.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		holder := describeHolder(path)
		slog.Error("lockfile.AcquireLock: state directory is locked", "lock_path", path, "holder", holder, "error", err)
		return nil, &LockError{LockPath: path, Holder: holder, Cause: err}
	}

	info := fmt.Sprintf("pid=%d\nstarted=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if err := file.Truncate(0); err == nil {
		_, err = file.WriteAt([]byte(info), 0)
	}
	if err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock information to %s: %w", path, err)
	}
	if err := file.Sync(); err != nil {
		slog.Warn("lockfile.AcquireLock: sync failed", "lock_path", path, "error", err)
	}

	slog.Info("lockfile.AcquireLock: acquired", "lock_path", path, "pid", os.Getpid())
	return &Lock{file: file, path: path}, nil
}

// Release drops the lock and removes the file. Calling it again is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Error("Lock.Release: unlock failed", "lock_path", l.path, "error", err)
	}
	if err := l.file.Close(); err != nil {
		slog.Error("Lock.Release: close failed", "lock_path", l.path, "error", err)
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Lock.Release: remove failed", "lock_path", l.path, "error", err)
	}
	l.file = nil
	slog.Info("Lock.Release: released", "lock_path", l.path)
	return nil
}

// LockError reports that another process holds the state directory.
type LockError struct {
	LockPath string
	Holder   string
	Cause    error
}

func (e *LockError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "another ChatCRM coordinator is using this state directory (lock file %s)", e.LockPath)
	if e.Holder != "" {
		fmt.Fprintf(&b, "; holder: %s", e.Holder)
	}
	b.WriteString("; remove the lock file only if no other coordinator is running")
	return b.String()
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// describeHolder summarizes the lock file contents for error messages.
func describeHolder(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return "unknown"
	}
	content := strings.TrimSpace(string(data))
	if content == "" {
		return "no process information"
	}
	pid := parsePID(content)
	if pid <= 0 {
		return content
	}
	if processAlive(pid) {
		return fmt.Sprintf("PID %d (running)", pid)
	}
	return fmt.Sprintf("PID %d (not running, stale lock)", pid)
}

// parsePID returns the value of the "pid=" line, or 0.
func parsePID(content string) int {
	for _, line := range strings.Split(content, "\n") {
		v, ok := strings.CutPrefix(strings.TrimSpace(line), "pid=")
		if !ok {
			continue
		}
		if pid, err := strconv.Atoi(v); err == nil {
			return pid
		}
	}
	return 0
}

// processAlive probes pid with signal 0.
func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
