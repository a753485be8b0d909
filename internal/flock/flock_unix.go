//go:build !windows

// internal/flock/flock_unix.go
package flock

import (
	"os"

	"golang.org/x/sys/unix"
)

// Lock acquires an exclusive, non-blocking advisory lock on f.
// Returns ErrLocked if another process already holds it.
func Lock(f *os.File) error {
	err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		if err == unix.EWOULDBLOCK {
			return ErrLocked
		}
		return err
	}
	return nil
}

// Unlock releases the lock held on f.
func Unlock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
