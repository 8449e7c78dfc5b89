package store

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

func TestAcquireAndRelease(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireInstanceLock(dir, "BTCUSDC", LockOptions{})
	if err != nil {
		t.Fatalf("AcquireInstanceLock() error = %v", err)
	}
	if _, err := AcquireInstanceLock(dir, "BTCUSDC", LockOptions{}); err == nil {
		t.Fatalf("second acquire should fail while held")
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	lock2, err := AcquireInstanceLock(dir, "BTCUSDC", LockOptions{})
	if err != nil {
		t.Fatalf("re-acquire after release error = %v", err)
	}
	_ = lock2.Release()
}

func TestDistinctSymbolsDoNotConflict(t *testing.T) {
	dir := t.TempDir()
	a, err := AcquireInstanceLock(dir, "BTCUSDC", LockOptions{})
	if err != nil {
		t.Fatalf("btc lock: %v", err)
	}
	defer a.Release()
	b, err := AcquireInstanceLock(dir, "ETHUSDC", LockOptions{})
	if err != nil {
		t.Fatalf("eth lock: %v", err)
	}
	_ = b.Release()
}

func TestTakeoverOfDeadOwner(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".lock_btcusdc")
	// A pid that cannot exist marks the previous owner as gone.
	payload := "pid=999999999\nstarted_at=" + time.Now().UTC().Format(time.RFC3339) + "\n"
	if err := os.WriteFile(path, []byte(payload), 0o644); err != nil {
		t.Fatalf("seed lock: %v", err)
	}
	if _, err := AcquireInstanceLock(dir, "BTCUSDC", LockOptions{}); err == nil {
		t.Fatalf("takeover disabled should fail")
	}
	lock, err := AcquireInstanceLock(dir, "BTCUSDC", LockOptions{TakeoverEnabled: true})
	if err != nil {
		t.Fatalf("takeover of dead owner error = %v", err)
	}
	_ = lock.Release()
}

func TestNoTakeoverOfLiveOwner(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".lock_btcusdc")
	payload := "pid=" + strconv.Itoa(os.Getpid()) + "\nstarted_at=" + time.Now().UTC().Format(time.RFC3339) + "\n"
	if err := os.WriteFile(path, []byte(payload), 0o644); err != nil {
		t.Fatalf("seed lock: %v", err)
	}
	if _, err := AcquireInstanceLock(dir, "BTCUSDC", LockOptions{TakeoverEnabled: true}); err == nil {
		t.Fatalf("takeover of running owner should fail")
	}
}
