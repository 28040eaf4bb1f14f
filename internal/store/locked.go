package store

import (
	"time"

	"github.com/gofrs/flock"

	"github.com/neul-labs/grit/internal/errs"
)

// LockedStore couples a store with the filesystem lease protecting it.
// The flock lives at <path>.lock and is released by Close on every exit
// path; the OS drops it if the process aborts.
type LockedStore struct {
	*Store
	lock *flock.Flock
}

// OpenLocked opens the store under an exclusive flock, failing immediately
// with DbBusy if another process holds it.
func OpenLocked(path string) (*LockedStore, error) {
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, errs.Wrap(errs.IO, err, "acquiring store lock")
	}
	if !locked {
		return nil, errs.New(errs.DbBusy, "store %s locked by another process", path)
	}
	return openUnderLock(path, lock)
}

// OpenLockedBlocking retries with exponential backoff (10ms doubling to a
// 200ms cap) until the lock is acquired or the timeout expires.
func OpenLockedBlocking(path string, timeout time.Duration) (*LockedStore, error) {
	lock := flock.New(path + ".lock")
	deadline := time.Now().Add(timeout)
	delay := 10 * time.Millisecond

	for {
		locked, err := lock.TryLock()
		if err != nil {
			return nil, errs.Wrap(errs.IO, err, "acquiring store lock")
		}
		if locked {
			return openUnderLock(path, lock)
		}
		if time.Now().After(deadline) {
			return nil, errs.New(errs.DbBusy, "timeout waiting for store lock on %s", path)
		}
		time.Sleep(delay)
		delay *= 2
		if delay > 200*time.Millisecond {
			delay = 200 * time.Millisecond
		}
	}
}

func openUnderLock(path string, lock *flock.Flock) (*LockedStore, error) {
	s, err := Open(path)
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	return &LockedStore{Store: s, lock: lock}, nil
}

// Close closes the store and then releases the flock.
func (ls *LockedStore) Close() error {
	storeErr := ls.Store.Close()
	if err := ls.lock.Unlock(); err != nil && storeErr == nil {
		storeErr = errs.Wrap(errs.IO, err, "releasing store lock")
	}
	return storeErr
}
