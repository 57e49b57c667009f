package osndxfio

import "github.com/pingcap/errors"

// Sentinel errors returned by every fallible operation and recorded as the
// handle's last error (LastError). Business-rule failures are returned
// directly; unexpected I/O failures are wrapped with errors.Wrapf around
// the matching sentinel so errors.Cause(err) still recovers it.
var (
	ErrDatabaseAlreadyExist  = errors.New("database already exists")
	ErrDatabaseAlreadyOpened = errors.New("database already opened")
	ErrDatabaseIO            = errors.New("database I/O error")
	ErrEmptyDatabase         = errors.New("empty database")
	ErrEntryNotFound         = errors.New("entry not found")
	ErrIndexCorrupt          = errors.New("index corrupt")
	ErrInvalidDatabase       = errors.New("invalid database")
	ErrInvalidIndex          = errors.New("invalid index")
	ErrInvalidKey            = errors.New("invalid key")
	ErrInvalidKeyDescriptor  = errors.New("invalid key descriptor")
	ErrInvalidParameters     = errors.New("invalid parameters")
	ErrInvalidKeyIndex       = errors.New("invalid key index")
	ErrMemoryAllocation      = errors.New("memory allocation error")
	ErrNoDatabase            = errors.New("no database")
	ErrNoRecord              = errors.New("no record")
	ErrRecordTooLarge        = errors.New("record too large")
	ErrRecordTooSmall        = errors.New("record too small")
	ErrSizeMismatch          = errors.New("size mismatch")
	ErrTooManyRecords        = errors.New("too many records")
)
