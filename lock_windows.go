//go:build windows

package osndxfio

import (
	"os"

	"github.com/pingcap/errors"
	"golang.org/x/sys/windows"
)

// fileLockGuard holds an advisory, single-writer lock on an open database
// file for the lifetime of the handle.
type fileLockGuard struct {
	fd *os.File
}

// acquireFileLock takes an exclusive lock when readOnly is false, and a
// shared one otherwise, so concurrent readers don't block each other but a
// writer excludes everyone.
func acquireFileLock(fd *os.File, readOnly bool) (*fileLockGuard, error) {
	var flags uint32 = windows.LOCKFILE_FAIL_IMMEDIATELY
	if !readOnly {
		flags |= windows.LOCKFILE_EXCLUSIVE_LOCK
	}
	ol := new(windows.Overlapped)
	if err := windows.LockFileEx(windows.Handle(fd.Fd()), flags, 0, 1, 0, ol); err != nil {
		return nil, errors.Wrapf(err, "lock %q, already opened by another process", fd.Name())
	}
	return &fileLockGuard{fd: fd}, nil
}

func (g *fileLockGuard) release() error {
	ol := new(windows.Overlapped)
	if err := windows.UnlockFileEx(windows.Handle(g.fd.Fd()), 0, 1, 0, ol); err != nil {
		return errors.Wrapf(err, "unlock %q", g.fd.Name())
	}
	return nil
}
