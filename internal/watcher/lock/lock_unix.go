//go:build !windows

package lock

import (
	"errors"
	"os"
	"syscall"
)

// flockExclusiveNB takes an exclusive non-blocking advisory lock.
func flockExclusiveNB(f *os.File) error {
	err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if errors.Is(err, syscall.EWOULDBLOCK) {
		return ErrLocked
	}
	return err
}

// flockUnlock releases the advisory lock.
func flockUnlock(f *os.File) error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
}
