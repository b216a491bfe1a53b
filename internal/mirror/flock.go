package mirror

import (
	"os"
	"syscall"

	"github.com/cockroachdb/errors"
)

// Flock is an advisory exclusive lock over an open file.  It serializes
// sync runs over one mirror root across processes.
type Flock struct {
	File *os.File
}

// Lock acquires the lock without blocking.  It fails if another process
// holds the lock.
func (f Flock) Lock() error {
	err := syscall.Flock(int(f.File.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err != nil {
		return errors.Wrap(err, "another process is syncing "+f.File.Name())
	}
	return nil
}

// Unlock releases the lock.
func (f Flock) Unlock() error {
	return syscall.Flock(int(f.File.Fd()), syscall.LOCK_UN)
}
