package store

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

func writeLock(t *testing.T, root, symbol, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(root, "."+symbol+".lock"), []byte(body), 0o644); err != nil {
		t.Fatalf("write lock failed: %v", err)
	}
}

func TestAcquireSymbolLockExclusive(t *testing.T) {
	root := t.TempDir()
	lock, err := AcquireSymbolLock(root, "spy", LockOptions{InstanceID: "a"})
	if err != nil {
		t.Fatalf("AcquireSymbolLock() error = %v", err)
	}
	defer lock.Release()

	_, err = AcquireSymbolLock(root, "SPY", LockOptions{})
	if !errors.Is(err, ErrLockHeld) {
		t.Fatalf("second AcquireSymbolLock() error = %v, want ErrLockHeld", err)
	}

	other, err := AcquireSymbolLock(root, "QQQ", LockOptions{})
	if err != nil {
		t.Fatalf("other symbol should lock independently: %v", err)
	}
	defer other.Release()
}

func TestAcquireSymbolLockReleaseAllowsReacquire(t *testing.T) {
	root := t.TempDir()
	lock, err := AcquireSymbolLock(root, "SPY", LockOptions{})
	if err != nil {
		t.Fatalf("AcquireSymbolLock() error = %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	again, err := AcquireSymbolLock(root, "SPY", LockOptions{})
	if err != nil {
		t.Fatalf("reacquire error = %v", err)
	}
	_ = again.Release()
}

func TestAcquireSymbolLockTakeoverDeadPID(t *testing.T) {
	root := t.TempDir()
	writeLock(t, root, "SPY", "pid=999999\nstarted_at="+time.Now().UTC().Format(time.RFC3339)+"\n")

	lock, err := AcquireSymbolLock(root, "SPY", LockOptions{TakeoverEnabled: true, StaleAfter: 10 * time.Minute})
	if err != nil {
		t.Fatalf("AcquireSymbolLock() error = %v, want nil", err)
	}
	defer lock.Release()
}

func TestAcquireSymbolLockKeepsRunningOwner(t *testing.T) {
	root := t.TempDir()
	writeLock(t, root, "SPY", "pid="+strconv.Itoa(os.Getpid())+"\nstarted_at="+time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)+"\n")

	_, err := AcquireSymbolLock(root, "SPY", LockOptions{TakeoverEnabled: true, StaleAfter: time.Second})
	if err == nil || !strings.Contains(err.Error(), "owner_process_running") {
		t.Fatalf("AcquireSymbolLock() error = %v, want owner_process_running", err)
	}
}

func TestAcquireSymbolLockTakeoverByAge(t *testing.T) {
	root := t.TempDir()
	started := time.Now().UTC().Add(-2 * time.Minute)
	writeLock(t, root, "SPY", "instance_id=old\nstarted_at="+started.Format(time.RFC3339)+"\n")

	lock, err := AcquireSymbolLock(root, "SPY", LockOptions{
		TakeoverEnabled: true,
		StaleAfter:      time.Minute,
		Now:             func() time.Time { return started.Add(2 * time.Minute) },
	})
	if err != nil {
		t.Fatalf("AcquireSymbolLock() error = %v, want nil", err)
	}
	defer lock.Release()
}

func TestAcquireSymbolLockKeepsRecentUnknownOwner(t *testing.T) {
	root := t.TempDir()
	started := time.Now().UTC()
	writeLock(t, root, "SPY", "started_at="+started.Format(time.RFC3339)+"\n")

	_, err := AcquireSymbolLock(root, "SPY", LockOptions{
		TakeoverEnabled: true,
		StaleAfter:      10 * time.Minute,
		Now:             func() time.Time { return started.Add(30 * time.Second) },
	})
	if err == nil || !strings.Contains(err.Error(), "lock_not_stale") {
		t.Fatalf("AcquireSymbolLock() error = %v, want lock_not_stale", err)
	}
}
