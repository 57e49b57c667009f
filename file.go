package osndxfio

import (
	"os"
	"time"

	"github.com/pingcap/errors"
)

// byteFile wraps a single on-disk file with the positioned read/write
// contract the rest of the package is built on: every read and write either
// takes an explicit offset or continues from the last one, and the current
// position is tracked the way a VMS-style indexed file expects.
type byteFile struct {
	fd       *os.File
	path     string
	readOnly bool
	pos      int64
}

func createByteFile(path string) (*byteFile, error) {
	fd, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "create %q", path)
	}
	return &byteFile{fd: fd, path: path}, nil
}

func openByteFile(path string, readOnly bool) (*byteFile, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	fd, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "open %q", path)
	}
	return &byteFile{fd: fd, path: path, readOnly: readOnly}, nil
}

func (f *byteFile) close() error {
	if err := f.fd.Sync(); err != nil && !f.readOnly {
		_ = f.fd.Close()
		return errors.Wrapf(err, "sync %q", f.path)
	}
	if err := f.fd.Close(); err != nil {
		return errors.Wrapf(err, "close %q", f.path)
	}
	return nil
}

// write appends at the current position.
func (f *byteFile) write(p []byte) error {
	n, err := f.fd.WriteAt(p, f.pos)
	f.pos += int64(n)
	if err != nil {
		return errors.Wrapf(err, "write %q", f.path)
	}
	return nil
}

// writeAt writes at an explicit offset and advances the tracked position
// past it, matching osfio's positioned write semantics.
func (f *byteFile) writeAt(pos uint32, p []byte) error {
	n, err := f.fd.WriteAt(p, int64(pos))
	f.pos = int64(pos) + int64(n)
	if err != nil {
		return errors.Wrapf(err, "write %q at %d", f.path, pos)
	}
	return nil
}

// read reads len(p) bytes from the current position.
func (f *byteFile) read(p []byte) error {
	n, err := f.fd.ReadAt(p, f.pos)
	f.pos += int64(n)
	if err != nil {
		return errors.Wrapf(err, "read %q", f.path)
	}
	return nil
}

func (f *byteFile) readAt(pos uint32, p []byte) error {
	n, err := f.fd.ReadAt(p, int64(pos))
	f.pos = int64(pos) + int64(n)
	if err != nil {
		return errors.Wrapf(err, "read %q at %d", f.path, pos)
	}
	return nil
}

func (f *byteFile) eof() bool {
	return uint32(f.pos) == f.size()
}

func (f *byteFile) size() uint32 {
	info, err := f.fd.Stat()
	if err != nil {
		return invalidU32
	}
	return uint32(info.Size())
}

func (f *byteFile) position() uint32 {
	return uint32(f.pos)
}

func (f *byteFile) truncate(size uint32) error {
	if err := f.fd.Truncate(int64(size)); err != nil {
		return errors.Wrapf(err, "truncate %q to %d", f.path, size)
	}
	if uint32(f.pos) > size {
		f.pos = int64(size)
	}
	return nil
}

func (f *byteFile) modTime() (time.Time, error) {
	info, err := f.fd.Stat()
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "stat %q", f.path)
	}
	return info.ModTime(), nil
}

// eraseFile deletes a database file even if it is marked read-only.
func eraseFile(path string) error {
	if err := os.Chmod(path, 0644); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "chmod %q", path)
	}
	if err := os.Remove(path); err != nil {
		return errors.Wrapf(err, "remove %q", path)
	}
	return nil
}
