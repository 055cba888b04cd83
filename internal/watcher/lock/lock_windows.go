//go:build windows

package lock

import "os"

// Windows has no flock; O_CREATE plus the pid marker is the best effort
// here. Single-instance enforcement is only guaranteed on unix.
func flockExclusiveNB(f *os.File) error { return nil }

func flockUnlock(f *os.File) error { return nil }
