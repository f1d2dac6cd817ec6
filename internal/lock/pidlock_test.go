package lock

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAcquireRecordsPID(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "pluginhost.lock")
	l, err := Acquire(lockPath)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	t.Cleanup(func() { _ = l.Release() })

	pid, err := Holder(lockPath)
	if err != nil {
		t.Fatalf("Holder: %v", err)
	}
	if pid != os.Getpid() {
		t.Fatalf("holder pid = %d, want %d", pid, os.Getpid())
	}
}

func TestAcquireTwiceReportsHeld(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "pluginhost.lock")
	first, err := Acquire(lockPath)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	t.Cleanup(func() { _ = first.Release() })

	// flock locks belong to the open file description, so a second open in
	// the same process still conflicts.
	_, err = Acquire(lockPath)
	if !errors.Is(err, ErrHeld) {
		t.Fatalf("second Acquire err = %v, want ErrHeld", err)
	}
	if !strings.Contains(err.Error(), "pid") {
		t.Fatalf("expected holder pid in error, got %v", err)
	}
}

func TestReleaseAllowsReacquire(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "nested", "pluginhost.lock")
	l, err := Acquire(lockPath)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}

	again, err := Acquire(lockPath)
	if err != nil {
		t.Fatalf("re-Acquire: %v", err)
	}
	_ = again.Release()
}

func TestPathFor(t *testing.T) {
	t.Parallel()

	got := PathFor("/var/lib/pluginhost/state.db")
	if got != "/var/lib/pluginhost/pluginhost.lock" {
		t.Fatalf("PathFor = %q", got)
	}
}
