package memory

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// lockStaleAfter is how old a lock marker must be before a new writer may
// assume the previous holder crashed and reclaim it.
const lockStaleAfter = 5 * time.Second

// fileLock marks exclusive write ownership of one document via a sidecar
// <path>.lock file. Advisory only: marker existence plus modification age is
// the whole protocol.
type fileLock struct {
	path string
}

// acquireLock takes the lock for docPath. It never blocks: a fresh marker
// fails with ErrLockHeld, a stale one is reclaimed from its crashed holder.
func acquireLock(docPath string) (*fileLock, error) {
	lockPath := docPath + ".lock"

	if info, err := os.Stat(lockPath); err == nil {
		if time.Since(info.ModTime()) < lockStaleAfter {
			return nil, fmt.Errorf("%w: %s", ErrLockHeld, lockPath)
		}
		log.Warn().Str("path", lockPath).Msg("removing stale lock")
		_ = os.Remove(lockPath)
	}

	f, err := os.Create(lockPath)
	if err != nil {
		return nil, fmt.Errorf("create lock %s: %w", lockPath, err)
	}
	if _, err := f.WriteString(strconv.Itoa(os.Getpid()) + "\n"); err != nil {
		f.Close()
		return nil, fmt.Errorf("write lock %s: %w", lockPath, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, fmt.Errorf("sync lock %s: %w", lockPath, err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close lock %s: %w", lockPath, err)
	}
	return &fileLock{path: lockPath}, nil
}

// release removes the marker. Failures are logged rather than returned so
// they never mask the guarded operation's own error.
func (l *fileLock) release() {
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Str("path", l.path).Msg("failed to release lock")
	}
}

// withLock runs fn while holding the document lock, releasing it regardless
// of fn's outcome.
func withLock(docPath string, fn func() error) error {
	lock, err := acquireLock(docPath)
	if err != nil {
		return err
	}
	defer lock.release()
	return fn()
}
