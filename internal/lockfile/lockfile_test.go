package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLockAcquisition(t *testing.T) {
	tempDir := t.TempDir()

	lock, err := AcquireLock(tempDir)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	defer lock.Release()

	content, err := os.ReadFile(filepath.Join(tempDir, LockFileName))
	if err != nil {
		t.Fatalf("Failed to read lock file: %v", err)
	}
	if !strings.HasPrefix(string(content), fmt.Sprintf("pid=%d\n", os.Getpid())) {
		t.Errorf("Lock file does not start with our PID: %q", content)
	}
}

func TestLockConflict(t *testing.T) {
	tempDir := t.TempDir()

	lock1, err := AcquireLock(tempDir)
	if err != nil {
		t.Fatalf("Failed to acquire first lock: %v", err)
	}
	defer lock1.Release()

	_, err = AcquireLock(tempDir)
	if err == nil {
		t.Fatal("Expected second lock acquisition to fail")
	}
	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("Expected LockError, got %T", err)
	}
	if !strings.Contains(lockErr.Holder, fmt.Sprintf("PID %d (running)", os.Getpid())) {
		t.Errorf("Unexpected holder description %q", lockErr.Holder)
	}

	// The failed attempt must not wipe the holder's information
	content, _ := os.ReadFile(filepath.Join(tempDir, LockFileName))
	if !strings.Contains(string(content), "pid=") {
		t.Errorf("Lock file content lost: %q", content)
	}
}

func TestLockReleaseAndReacquire(t *testing.T) {
	tempDir := t.TempDir()

	lock, err := AcquireLock(tempDir)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("Second release should be a no-op: %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, LockFileName)); !os.IsNotExist(err) {
		t.Error("Lock file was not removed")
	}

	again, err := AcquireLock(tempDir)
	if err != nil {
		t.Fatalf("Failed to reacquire lock: %v", err)
	}
	again.Release()
}

func TestParsePID(t *testing.T) {
	tests := []struct {
		content string
		want    int
	}{
		{"pid=1234\nstarted=2026-01-01T00:00:00Z", 1234},
		{"started=x\npid=42", 42},
		{"pid=abc", 0},
		{"nothing here", 0},
	}
	for _, tt := range tests {
		if got := parsePID(tt.content); got != tt.want {
			t.Errorf("parsePID(%q) = %d, want %d", tt.content, got, tt.want)
		}
	}
}

func TestProcessAlive(t *testing.T) {
	if !processAlive(os.Getpid()) {
		t.Error("current process should be alive")
	}
	if processAlive(999999) {
		t.Error("PID 999999 should not be alive")
	}
}

func TestNonExistentDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")
	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Failed to acquire lock in new directory: %v", err)
	}
	lock.Release()
}
