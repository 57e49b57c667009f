//go:build unix

package osndxfio

import (
	"os"

	"github.com/pingcap/errors"
	"golang.org/x/sys/unix"
)

// fileLockGuard holds an advisory, single-writer lock on an open database
// file for the lifetime of the handle.
type fileLockGuard struct {
	fd *os.File
}

// acquireFileLock takes an exclusive advisory lock when readOnly is false,
// and a shared one otherwise, so concurrent readers don't block each other
// but a writer excludes everyone.
func acquireFileLock(fd *os.File, readOnly bool) (*fileLockGuard, error) {
	how := unix.LOCK_EX
	if readOnly {
		how = unix.LOCK_SH
	}
	if err := unix.Flock(int(fd.Fd()), how|unix.LOCK_NB); err != nil {
		return nil, errors.Wrapf(err, "lock %q, already opened by another process", fd.Name())
	}
	return &fileLockGuard{fd: fd}, nil
}

func (g *fileLockGuard) release() error {
	if err := unix.Flock(int(g.fd.Fd()), unix.LOCK_UN); err != nil {
		return errors.Wrapf(err, "unlock %q", g.fd.Name())
	}
	return nil
}
