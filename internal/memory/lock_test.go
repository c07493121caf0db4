package memory

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAcquireLockConflict(t *testing.T) {
	docPath := filepath.Join(t.TempDir(), "global.json")

	lock, err := acquireLock(docPath)
	if err != nil {
		t.Fatalf("acquireLock failed: %v", err)
	}

	if _, err := acquireLock(docPath); !errors.Is(err, ErrLockHeld) {
		t.Errorf("second acquire err = %v, want ErrLockHeld", err)
	}

	lock.release()

	lock2, err := acquireLock(docPath)
	if err != nil {
		t.Fatalf("acquire after release failed: %v", err)
	}
	lock2.release()
}

func TestAcquireLockReclaimsStale(t *testing.T) {
	docPath := filepath.Join(t.TempDir(), "global.json")
	lockPath := docPath + ".lock"

	if err := os.WriteFile(lockPath, []byte("12345\n"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	stale := time.Now().Add(-lockStaleAfter - time.Second)
	if err := os.Chtimes(lockPath, stale, stale); err != nil {
		t.Fatalf("Chtimes failed: %v", err)
	}

	lock, err := acquireLock(docPath)
	if err != nil {
		t.Fatalf("acquireLock should reclaim a stale marker: %v", err)
	}
	lock.release()
}

func TestLockMarkerContainsPID(t *testing.T) {
	docPath := filepath.Join(t.TempDir(), "global.json")

	lock, err := acquireLock(docPath)
	if err != nil {
		t.Fatalf("acquireLock failed: %v", err)
	}
	defer lock.release()

	data, err := os.ReadFile(docPath + ".lock")
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	want := fmt.Sprintf("%d\n", os.Getpid())
	if string(data) != want {
		t.Errorf("marker = %q, want %q", data, want)
	}
}

func TestWithLockReleasesOnError(t *testing.T) {
	docPath := filepath.Join(t.TempDir(), "global.json")

	wantErr := errors.New("boom")
	err := withLock(docPath, func() error { return wantErr })
	if !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want the callback's error", err)
	}

	if _, err := os.Stat(docPath + ".lock"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("lock marker survived a failed callback: %v", err)
	}
}

func TestSetFailsWhileLocked(t *testing.T) {
	store := newTestStore(t)
	docPath := filepath.Join(store.Root(), "global.json")

	lock, err := acquireLock(docPath)
	if err != nil {
		t.Fatalf("acquireLock failed: %v", err)
	}
	defer lock.release()

	if err := store.Set("k", "v", ScopeGlobal, ""); !errors.Is(err, ErrLockHeld) {
		t.Errorf("Set err = %v, want ErrLockHeld", err)
	}
}
