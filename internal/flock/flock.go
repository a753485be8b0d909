// Package flock provides a single-writer advisory lock over a plain
// os.File, used to keep two processes from opening the same forest
// for writing at once. It does not protect against two goroutines in
// the same process; callers serialize their own writers.
package flock

import "errors"

// ErrLocked is returned by Lock when another process already holds
// the lock.
var ErrLocked = errors.New("flock: already locked by another process")
