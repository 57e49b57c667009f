package osndxfio

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ngaut/log"
	"github.com/pingcap/errors"
)

// DB is an open indexed database handle. A DB is safe for concurrent use by
// multiple goroutines; mutating operations take an exclusive lock the way a
// single-writer file format requires.
type DB struct {
	mu   sync.RWMutex
	file *byteFile
	lock *fileLockGuard
	path string

	hdr         header
	descriptors []KeyDescriptor
	keyIndexes  []*keyIndex
	mirror      *mirror

	allocatedIndexKeys uint32
	readOnly           bool

	// nextIndexTagPos is the file offset of the most recently read or
	// written reserved run's terminating NEXT_INDEX tag, patched by
	// growReservedRun when a further run is appended.
	nextIndexTagPos uint32

	// closed marks a handle that has already gone through Close, so a
	// second Close is a no-op instead of releasing the lock twice.
	closed atomic.Bool

	lastErr error
}

func (db *DB) isClosed() bool {
	return db.closed.Load()
}

// Create creates and opens a new indexed database file at path, laid out
// with the key descriptors in descriptors and one reserved index run of
// opts.ReservedIndexRecords slots.
func Create(path string, descriptors []KeyDescriptor, opts CreateOptions) (*DB, error) {
	if len(descriptors) == 0 {
		return nil, ErrInvalidParameters
	}
	if opts.ReservedIndexRecords < RMin || opts.ReservedIndexRecords > RMax {
		return nil, ErrInvalidParameters
	}

	descSize, totalKeySize, err := validateDescriptors(descriptors)
	if err != nil {
		return nil, errors.WithMessage(err, "create")
	}

	if f, statErr := openByteFile(path, true); statErr == nil {
		_ = f.close()
		return nil, ErrDatabaseAlreadyExist
	}

	log.Infof("Database creating: %q", path)

	f, err := createByteFile(path)
	if err != nil {
		return nil, errors.Wrap(ErrDatabaseIO, err.Error())
	}

	if err := writeNewDatabase(f, descriptors, descSize, totalKeySize, opts.ReservedIndexRecords); err != nil {
		_ = f.close()
		_ = eraseFile(path)
		return nil, err
	}
	if err := f.close(); err != nil {
		return nil, errors.Wrap(ErrDatabaseIO, err.Error())
	}

	log.Infof("Database created: %q", path)

	return Open(path, OpenOptions{AllocatedIndexKeys: DefaultAllocatedIndexKeys})
}

// writeNewDatabase lays out the header, key descriptors, and the first
// reserved index run on a freshly created file.
func writeNewDatabase(f *byteFile, descriptors []KeyDescriptor, descSize, totalKeySize uint16, reserved uint16) error {
	h := newHeader()
	h.reservedIndexRecords = reserved
	h.nrOfIndexRecords = uint32(reserved)
	h.nrOfKeys = uint16(len(descriptors))
	h.totalKeySize = totalKeySize
	h.keyDescriptorSize = descSize

	// The first reserved run follows the header tag, header and descriptors;
	// data records are appended after its terminating NEXT_INDEX tag.
	slotStride := uint16(indexSlotSize) + totalKeySize
	h.nextFreeIndex = uint32(recordTagSize) + uint32(headerSize) + uint32(descSize) + recordTagSize
	h.nextFreeData = h.nextFreeIndex + uint32(reserved)*uint32(slotStride) + recordTagSize

	headerTag := recordTag{id: tagHeader, sizeOrNext: uint32(headerSize) + uint32(descSize)}
	buf := make([]byte, recordTagSize)
	headerTag.encode(buf)
	if err := f.write(buf); err != nil {
		return errors.Wrap(ErrDatabaseIO, err.Error())
	}

	hbuf := make([]byte, headerSize)
	h.encode(hbuf)
	if err := f.write(hbuf); err != nil {
		return errors.Wrap(ErrDatabaseIO, err.Error())
	}

	for _, kd := range descriptors {
		nseg := make([]byte, 2)
		hostOrder.PutUint16(nseg, uint16(len(kd.Segments)))
		if err := f.write(nseg); err != nil {
			return errors.Wrap(ErrDatabaseIO, err.Error())
		}
		for _, seg := range kd.Segments {
			sbuf := make([]byte, keySegmentSize)
			encodeKeySegment(seg, sbuf)
			if err := f.write(sbuf); err != nil {
				return errors.Wrap(ErrDatabaseIO, err.Error())
			}
		}
	}

	if err := writeReservedIndexRun(f, reserved, slotStride, totalKeySize); err != nil {
		return errors.Wrap(ErrDatabaseIO, err.Error())
	}
	return nil
}

// writeReservedIndexRun appends one reserved run of slots followed by a
// terminating NEXT_INDEX tag pointing nowhere yet.
func writeReservedIndexRun(f *byteFile, reserved uint16, slotStride, totalKeySize uint16) error {
	indexTagPos := f.position()
	indexOffset := indexTagPos + recordTagSize

	tag := recordTag{
		id:         tagIndex,
		sizeOrNext: uint32(reserved) * uint32(slotStride),
		offset:     indexOffset + uint32(reserved)*uint32(slotStride),
	}
	buf := make([]byte, recordTagSize)
	tag.encode(buf)
	if err := f.write(buf); err != nil {
		return err
	}

	slot := indexSlot{status: statusReserved}
	slotBuf := make([]byte, slotStride)
	key := make([]byte, totalKeySize)
	for i := uint16(0); i < reserved; i++ {
		slot.offset = indexOffset
		slot.encode(slotBuf[:indexSlotSize])
		copy(slotBuf[indexSlotSize:], key)
		if err := f.write(slotBuf); err != nil {
			return err
		}
		indexOffset += uint32(slotStride)
	}

	next := recordTag{id: tagNextIndex}
	nbuf := make([]byte, recordTagSize)
	next.encode(nbuf)
	return f.write(nbuf)
}

// Open opens an existing indexed database file at path, reading the header,
// key descriptors, and every index slot into memory.
func Open(path string, opts OpenOptions) (*DB, error) {
	log.Infof("Database opening: %q", path)

	f, err := openByteFile(path, opts.ReadOnly)
	if err != nil {
		return nil, errors.Wrap(ErrNoDatabase, err.Error())
	}

	lock, err := acquireFileLock(f.fd, opts.ReadOnly)
	if err != nil {
		_ = f.close()
		return nil, errors.Wrap(ErrDatabaseAlreadyOpened, err.Error())
	}

	db := &DB{
		file:               f,
		lock:               lock,
		path:               path,
		readOnly:           opts.ReadOnly,
		allocatedIndexKeys: opts.AllocatedIndexKeys,
	}

	if err := db.load(); err != nil {
		_ = lock.release()
		_ = f.close()
		return nil, err
	}

	log.Infof("Database opened: %q", path)
	return db, nil
}

func (db *DB) load() error {
	tagBuf := make([]byte, recordTagSize)
	if err := db.file.read(tagBuf); err != nil {
		return errors.Wrap(ErrDatabaseIO, err.Error())
	}
	if decodeRecordTag(tagBuf).id != tagHeader {
		return ErrInvalidDatabase
	}

	hbuf := make([]byte, headerSize)
	if err := db.file.read(hbuf); err != nil {
		return errors.Wrap(ErrDatabaseIO, err.Error())
	}
	db.hdr = decodeHeader(hbuf)

	if db.readOnly {
		db.allocatedIndexKeys = db.hdr.nrOfIndexRecords
	} else {
		db.allocatedIndexKeys += db.hdr.nrOfIndexRecords
	}

	db.descriptors = make([]KeyDescriptor, db.hdr.nrOfKeys)
	db.keyIndexes = make([]*keyIndex, db.hdr.nrOfKeys)

	keyOffset := uint16(indexSlotSize)
	for i := range db.descriptors {
		nbuf := make([]byte, 2)
		if err := db.file.read(nbuf); err != nil {
			return errors.Wrap(ErrDatabaseIO, err.Error())
		}
		nSeg := hostOrder.Uint16(nbuf)

		segs := make([]KeySegment, nSeg)
		sbuf := make([]byte, keySegmentSize)
		for j := range segs {
			if err := db.file.read(sbuf); err != nil {
				return errors.Wrap(ErrDatabaseIO, err.Error())
			}
			segs[j] = decodeKeySegment(sbuf)
		}
		db.descriptors[i] = KeyDescriptor{Segments: segs}

		ki := newKeyIndex()
		ki.keyOffset = keyOffset
		ki.keySize = descriptorSize(db.descriptors[i])
		keyOffset += ki.keySize
		db.keyIndexes[i] = ki
	}

	descSize, totalKeySize, err := validateDescriptors(db.descriptors)
	if err != nil || descSize != db.hdr.keyDescriptorSize || totalKeySize != db.hdr.totalKeySize {
		return ErrInvalidKeyDescriptor
	}

	slotStride := uint16(indexSlotSize) + db.hdr.totalKeySize
	m, err := newMirror(slotStride, db.allocatedIndexKeys)
	if err != nil {
		return err
	}
	db.mirror = m

	tagBuf2 := make([]byte, recordTagSize)
	if err := db.file.read(tagBuf2); err != nil {
		return errors.Wrap(ErrDatabaseIO, err.Error())
	}
	if decodeRecordTag(tagBuf2).id != tagIndex {
		return ErrInvalidDatabase
	}

	reservedCounter := uint16(0)
	slotBuf := make([]byte, slotStride)
	for k := uint32(0); k < db.hdr.nrOfIndexRecords; k++ {
		if reservedCounter == db.hdr.reservedIndexRecords {
			if err := db.file.read(tagBuf2); err != nil {
				return errors.Wrap(ErrDatabaseIO, err.Error())
			}
			t := decodeRecordTag(tagBuf2)
			if t.id != tagNextIndex {
				return ErrIndexCorrupt
			}
			if err := db.file.readAt(t.sizeOrNext, tagBuf2); err != nil {
				return errors.Wrap(ErrDatabaseIO, err.Error())
			}
			if decodeRecordTag(tagBuf2).id != tagIndex {
				return ErrIndexCorrupt
			}
			reservedCounter = 0
		}

		if err := db.file.read(slotBuf); err != nil {
			return errors.Wrap(ErrDatabaseIO, err.Error())
		}
		copy(db.mirror.slotBytes(k), slotBuf)
		reservedCounter++
	}

	// Live slot numbers are not necessarily a contiguous [0, nrOfRecords)
	// prefix once CreateRecord has reused a deleted slot, so every slot is
	// scanned for status==statusOK rather than assuming an identity fill.
	for slot := uint32(0); slot < db.hdr.nrOfIndexRecords; slot++ {
		if db.mirror.slot(slot).status != statusOK {
			continue
		}
		for _, ki := range db.keyIndexes {
			if err := ki.append(slot); err != nil {
				return err
			}
		}
	}
	for _, ki := range db.keyIndexes {
		shellSort(db.mirror, ki)
	}

	db.nextIndexTagPos = db.file.position()

	return nil
}

// Close releases the handle's file lock and flushes the file to disk.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.isClosed() {
		log.Warnf("Database has already closed: %q", db.path)
		return nil
	}

	log.Infof("Database closing: %q", db.path)

	var err error
	if lockErr := db.lock.release(); lockErr != nil {
		err = lockErr
	}
	if closeErr := db.file.close(); closeErr != nil && err == nil {
		err = closeErr
	}

	db.closed.CompareAndSwap(false, true)

	log.Infof("Database closed: %q", db.path)
	return err
}

// Rebuild creates a new database at path with descriptors, then copies
// every live record from db into it in slot order. Existing search key
// history based on data before a record's offset cannot be reconstructed
// unless descriptors reference only bytes within the stored record.
func (db *DB) Rebuild(path string, descriptors []KeyDescriptor, maxDataSize uint32) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.hdr.nrOfRecords == 0 {
		return db.fail(ErrEmptyDatabase)
	}

	if maxDataSize == 0 || maxDataSize > MaxDataSize {
		maxDataSize = MaxDataSize
	}

	reserved := db.hdr.nrOfRecords
	if reserved < RMin {
		reserved = RMin
	} else if reserved > RMax {
		reserved = RMax
	}

	newDB, err := Create(path, descriptors, CreateOptions{ReservedIndexRecords: uint16(reserved)})
	if err != nil {
		return err
	}
	defer newDB.Close()

	buf := make([]byte, maxDataSize)
	rec := Record{AllocatedSize: maxDataSize, Data: buf}
	for slot := uint32(0); slot < db.hdr.nrOfIndexRecords; slot++ {
		s := db.mirror.slot(slot)
		if s.status != statusOK {
			continue
		}
		if s.dataSize > rec.AllocatedSize {
			buf = make([]byte, s.dataSize)
			rec.AllocatedSize = s.dataSize
			rec.Data = buf
		}
		if err := db.getRecordAt(slot, &rec); err != nil {
			return err
		}
		// getRecordAt leaves the file offset in DataOffset; the payload
		// itself starts at Data[0].
		rec.DataOffset = 0
		if _, err := newDB.CreateRecord(&rec); err != nil {
			return err
		}
	}
	return nil
}

// GetNrOfKeys returns the number of search keys defined on the database.
func (db *DB) GetNrOfKeys() uint16 {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.hdr.nrOfKeys
}

// GetKeySize returns the normalized key size for keyID, or 0 if keyID does
// not exist.
func (db *DB) GetKeySize(keyID uint16) uint16 {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if int(keyID) >= len(db.keyIndexes) {
		return 0
	}
	return db.keyIndexes[keyID].keySize
}

// GetNrOfRecords returns the number of live records in the database. Slots
// marked by DeleteRecord are still counted.
func (db *DB) GetNrOfRecords() uint32 {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.hdr.nrOfRecords
}

// LastError returns the error recorded by the most recent fallible
// operation on db, or nil if that operation succeeded.
func (db *DB) LastError() error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.lastErr
}

// ModTime returns the database file's last modification time.
func (db *DB) ModTime() (time.Time, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.file.modTime()
}

// Erase deletes the database file at path, even if it is read-only. The
// database must not be open.
func Erase(path string) error {
	return eraseFile(path)
}

func (db *DB) fail(err error) error {
	db.lastErr = err
	return err
}

func (db *DB) succeed() error {
	db.lastErr = nil
	return nil
}
