//go:build unix

package eventlog

import (
	"os"
	"syscall"
)

// lockFile takes an exclusive advisory lock so appends from other processes
// sharing the file cannot interleave with ours.
func lockFile(f *os.File) error {
	for {
		err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX)
		if err != syscall.EINTR {
			return err
		}
	}
}

func unlockFile(f *os.File) error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
}
