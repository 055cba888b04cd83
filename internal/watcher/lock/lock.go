// Package lock provides the single-instance advisory file lock. The lock is
// held for the whole process lifetime; a second watcher pointed at the same
// state must fail at startup, not queue behind the first.
package lock

import (
	"errors"
	"fmt"
	"os"
	"strconv"
)

// ErrLocked reports that another process holds the lock.
var ErrLocked = errors.New("lock held by another process")

// Lock is an acquired single-instance lock.
type Lock struct {
	path string
	file *os.File
}

// Acquire opens (creating if needed) the lock file and takes an exclusive
// non-blocking advisory lock, then writes the holder's pid. Returns
// ErrLocked (wrapped) when another process holds it.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file %s: %w", path, err)
	}

	if err := flockExclusiveNB(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}

	// Best-effort pid marker for operators inspecting the lock file.
	_ = f.Truncate(0)
	_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())), 0)

	return &Lock{path: path, file: f}, nil
}

// Release drops the lock and closes the file. The file itself is left in
// place; its presence alone carries no meaning.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := flockUnlock(l.file)
	closeErr := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("unlocking %s: %w", l.path, err)
	}
	return closeErr
}
