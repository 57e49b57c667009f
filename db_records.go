package osndxfio

import "github.com/pingcap/errors"

// generateSearchKey builds the normalized search key bytes for every
// defined key descriptor out of rec.Data, writing db.hdr.totalKeySize bytes
// into dst. Every segment must fall within [0, rec.DataOffset+rec.DataSize)
// so a key may reference bytes stored ahead of the record payload itself.
func (db *DB) generateSearchKey(rec *Record, dst []byte) error {
	limit := rec.DataOffset + rec.DataSize
	off := 0
	for _, kd := range db.descriptors {
		for _, seg := range kd.Segments {
			if uint32(seg.Offset)+uint32(seg.Size) > limit {
				return ErrRecordTooSmall
			}
			size := int(seg.Size)
			if err := normalizeSegment(seg, rec.Data, dst[off:off+size]); err != nil {
				return err
			}
			off += size
		}
	}
	return nil
}

// writeHeader flushes the in-memory header to its fixed position on disk.
func (db *DB) writeHeader() error {
	hbuf := make([]byte, headerSize)
	db.hdr.encode(hbuf)
	if err := db.file.writeAt(recordTagSize, hbuf); err != nil {
		return errors.Wrap(ErrDatabaseIO, err.Error())
	}
	return nil
}

// growReservedRun appends one more reserved run of slots at the end of the
// file and links it from the current run's terminating NEXT_INDEX tag.
func (db *DB) growReservedRun() error {
	slotStride := uint16(indexSlotSize) + db.hdr.totalKeySize
	runStart := db.hdr.nextFreeData
	indexOffset := runStart + recordTagSize

	tag := recordTag{
		id:         tagIndex,
		sizeOrNext: uint32(db.hdr.reservedIndexRecords) * uint32(slotStride),
		offset:     indexOffset + uint32(db.hdr.reservedIndexRecords)*uint32(slotStride),
	}
	tagBuf := make([]byte, recordTagSize)
	tag.encode(tagBuf)
	if err := db.file.writeAt(runStart, tagBuf); err != nil {
		return errors.Wrap(ErrDatabaseIO, err.Error())
	}

	if err := db.mirror.grow(db.hdr.nrOfIndexRecords + uint32(db.hdr.reservedIndexRecords)); err != nil {
		return err
	}

	slot := indexSlot{status: statusReserved}
	key := make([]byte, db.hdr.totalKeySize)
	slotBuf := make([]byte, slotStride)
	off := indexOffset
	for i := uint16(0); i < db.hdr.reservedIndexRecords; i++ {
		slot.offset = off
		slot.encode(slotBuf[:indexSlotSize])
		copy(slotBuf[indexSlotSize:], key)
		if err := db.file.write(slotBuf); err != nil {
			return errors.Wrap(ErrDatabaseIO, err.Error())
		}
		db.mirror.setSlot(db.hdr.nrOfIndexRecords+uint32(i), slot)
		off += uint32(slotStride)
	}

	newRunTagPos := off
	next := recordTag{id: tagNextIndex}
	nbuf := make([]byte, recordTagSize)
	next.encode(nbuf)
	if err := db.file.write(nbuf); err != nil {
		return errors.Wrap(ErrDatabaseIO, err.Error())
	}

	// Patch the previous run's terminating NEXT_INDEX tag to point here.
	patch := recordTag{id: tagNextIndex, recordRef: 0, sizeOrNext: runStart, offset: indexOffset}
	pbuf := make([]byte, recordTagSize)
	patch.encode(pbuf)
	if err := db.file.writeAt(db.nextIndexTagPos, pbuf); err != nil {
		return errors.Wrap(ErrDatabaseIO, err.Error())
	}

	db.hdr.nrOfIndexRecords += uint32(db.hdr.reservedIndexRecords)
	db.hdr.nextFreeIndex = indexOffset
	db.hdr.nextFreeData = newRunTagPos + recordTagSize
	db.nextIndexTagPos = newRunTagPos

	return nil
}

// findReusableDeletedSlot walks the deleted-slot stack rooted at
// db.hdr.lastDeletedIndex looking for a slot whose prior dataSize can hold
// payloadSize. On a hit it unlinks the slot from the stack (patching
// whichever node points to it, or lastDeletedIndex itself) and returns it.
func (db *DB) findReusableDeletedSlot(payloadSize uint32) (slotNum uint32, slot indexSlot, ok bool) {
	prevSlotNum := int32(-1)
	cur := db.hdr.lastDeletedIndex
	for cur >= 0 {
		s := db.mirror.slot(uint32(cur))
		if !s.status.isDeleted() {
			return 0, indexSlot{}, false
		}
		next := s.status.prevDeleted()
		if s.dataSize >= payloadSize {
			if prevSlotNum < 0 {
				db.hdr.lastDeletedIndex = next
			} else {
				p := db.mirror.slot(uint32(prevSlotNum))
				p.status = deletedStatus(next)
				db.mirror.setSlot(uint32(prevSlotNum), p)
			}
			return uint32(cur), s, true
		}
		prevSlotNum = cur
		cur = next
	}
	return 0, indexSlot{}, false
}

// CreateRecord appends a new record and its search keys to the database.
// Record.AllocatedSize is ignored; DataSize bytes starting at DataOffset
// within Data are stored. A previously deleted slot whose original data
// capacity is large enough is reused ahead of allocating a fresh one.
func (db *DB) CreateRecord(rec *Record) (uint32, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.readOnly {
		return invalidU32, db.fail(ErrInvalidParameters)
	}
	if rec.DataSize > MaxDataSize {
		return invalidU32, db.fail(ErrRecordTooLarge)
	}
	if uint64(rec.DataOffset)+uint64(rec.DataSize) > uint64(len(rec.Data)) {
		return invalidU32, db.fail(ErrRecordTooSmall)
	}

	searchKey := make([]byte, db.hdr.totalKeySize)
	if err := db.generateSearchKey(rec, searchKey); err != nil {
		return invalidU32, db.fail(err)
	}

	var slotNum uint32
	var existing indexSlot
	var capacity uint32
	reused := false

	if db.hdr.lastDeletedIndex >= 0 {
		if s, e, ok := db.findReusableDeletedSlot(rec.DataSize); ok {
			slotNum, existing, capacity, reused = s, e, e.dataSize, true
		}
	}

	if !reused {
		slotNum = db.hdr.nrOfRecords
		if slotNum >= db.hdr.nrOfIndexRecords {
			if err := db.growReservedRun(); err != nil {
				return invalidU32, db.fail(err)
			}
		}
		existing = db.mirror.slot(slotNum)
		if existing.status != statusReserved {
			return invalidU32, db.fail(ErrIndexCorrupt)
		}
		capacity = rec.DataSize
	}

	var dataOffset uint32
	if reused {
		dataOffset = existing.dataOffset
	} else {
		dataOffset = db.hdr.nextFreeData
	}

	dataTag := recordTag{
		id:         tagData,
		recordRef:  db.hdr.recordReference,
		sizeOrNext: rec.DataSize,
		offset:     dataOffset + recordTagSize + capacity,
	}
	tagBuf := make([]byte, recordTagSize)
	dataTag.encode(tagBuf)
	if err := db.file.writeAt(dataOffset, tagBuf); err != nil {
		return invalidU32, db.fail(errors.Wrap(ErrDatabaseIO, err.Error()))
	}
	if err := db.file.writeAt(dataOffset+recordTagSize, rec.Data[rec.DataOffset:rec.DataOffset+rec.DataSize]); err != nil {
		return invalidU32, db.fail(errors.Wrap(ErrDatabaseIO, err.Error()))
	}

	newSlot := indexSlot{
		status:     statusOK,
		offset:     existing.offset,
		dataOffset: dataOffset,
		dataSize:   capacity,
		recordRef:  db.hdr.recordReference,
	}
	slotBuf := make([]byte, indexSlotSize)
	newSlot.encode(slotBuf)
	if err := db.file.writeAt(existing.offset, slotBuf); err != nil {
		return invalidU32, db.fail(errors.Wrap(ErrDatabaseIO, err.Error()))
	}
	if err := db.file.writeAt(existing.offset+indexSlotSize, searchKey); err != nil {
		return invalidU32, db.fail(errors.Wrap(ErrDatabaseIO, err.Error()))
	}

	db.mirror.setSlot(slotNum, newSlot)
	copy(db.mirror.keyBytes(slotNum, indexSlotSize, db.hdr.totalKeySize), searchKey)

	db.hdr.recordReference++
	if reused {
		// DeleteRecord neither decrements nrOfRecords nor removes the slot
		// from the key arrays, so a reused slot is only re-sorted.
		for _, ki := range db.keyIndexes {
			ki.sorted = false
		}
	} else {
		db.hdr.nrOfRecords++
		db.hdr.nextFreeData = dataTag.offset
		for _, ki := range db.keyIndexes {
			if err := ki.append(slotNum); err != nil {
				return invalidU32, db.fail(err)
			}
		}
	}

	if err := db.writeHeader(); err != nil {
		return invalidU32, db.fail(err)
	}

	return slotNum, db.succeed()
}

// getRecordAt reads the record stored at a mirror slot number, verifying
// the stored data tag's record reference against the index slot.
func (db *DB) getRecordAt(slot uint32, rec *Record) error {
	if slot >= db.hdr.nrOfIndexRecords {
		return db.fail(ErrInvalidIndex)
	}
	s := db.mirror.slot(slot)

	tagBuf := make([]byte, recordTagSize)
	if err := db.file.readAt(s.dataOffset, tagBuf); err != nil {
		return db.fail(errors.Wrap(ErrDatabaseIO, err.Error()))
	}
	tag := decodeRecordTag(tagBuf)

	if tag.id < tagData || tag.recordRef != s.recordRef {
		return db.fail(ErrIndexCorrupt)
	}
	if tag.sizeOrNext > rec.AllocatedSize {
		return db.fail(ErrRecordTooLarge)
	}
	if uint32(len(rec.Data)) < tag.sizeOrNext {
		return db.fail(ErrRecordTooLarge)
	}

	if err := db.file.readAt(s.dataOffset+recordTagSize, rec.Data[:tag.sizeOrNext]); err != nil {
		return db.fail(errors.Wrap(ErrDatabaseIO, err.Error()))
	}

	rec.DataOffset = s.dataOffset + recordTagSize
	rec.DataSize = tag.sizeOrNext
	return db.succeed()
}

// GetRecord retrieves the record at slot into rec.
func (db *DB) GetRecord(slot uint32, rec *Record) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.getRecordAt(slot, rec)
}

// GetRecordByKey retrieves the first record matching key into rec. Use
// GetNextRecord to retrieve the rest of a partial-key match.
func (db *DB) GetRecordByKey(key *Key, rec *Record) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	slot, err := db.existRecordLocked(key)
	if err != nil {
		return err
	}
	return db.getRecordAt(slot, rec)
}

// GetNextRecord retrieves the record following the last ExistRecord or
// GetRecordByKey match for keyID.
func (db *DB) GetNextRecord(keyID uint16, rec *Record) (uint32, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if int(keyID) >= len(db.keyIndexes) {
		return invalidU32, db.fail(ErrInvalidKeyIndex)
	}
	ki := db.keyIndexes[keyID]
	if ki.position < 0 || ki.position > ki.selectionEnd {
		return invalidU32, db.fail(ErrEntryNotFound)
	}

	slot := ki.slots[ki.position]
	ki.position++

	if err := db.getRecordAt(slot, rec); err != nil {
		return invalidU32, err
	}
	return slot, db.succeed()
}

// DeleteRecord marks slot as deleted. Deletion is not yet reflected back
// to disk or removed from the live search range; GetRecordByKey and
// GetNextRecord may still surface it until the database is rebuilt.
func (db *DB) DeleteRecord(slot uint32) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.readOnly {
		return db.fail(ErrInvalidParameters)
	}
	if slot >= db.hdr.nrOfIndexRecords {
		return db.fail(ErrEntryNotFound)
	}
	s := db.mirror.slot(slot)
	if s.status != statusOK {
		return db.fail(ErrEntryNotFound)
	}

	s.status = deletedStatus(db.hdr.lastDeletedIndex)
	db.mirror.setSlot(slot, s)
	db.hdr.lastDeletedIndex = int32(slot)

	return db.succeed()
}

// UpdateRecord overwrites the data stored at slot in place. The new data
// must fit in the space already allocated for the existing record.
func (db *DB) UpdateRecord(slot uint32, rec *Record) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.readOnly {
		return db.fail(ErrInvalidParameters)
	}
	if slot >= db.hdr.nrOfIndexRecords {
		return db.fail(ErrEntryNotFound)
	}
	s := db.mirror.slot(slot)

	tagBuf := make([]byte, recordTagSize)
	if err := db.file.readAt(s.dataOffset, tagBuf); err != nil {
		return db.fail(errors.Wrap(ErrDatabaseIO, err.Error()))
	}
	tag := decodeRecordTag(tagBuf)
	if tag.id < tagData || tag.recordRef != s.recordRef {
		return db.fail(ErrIndexCorrupt)
	}
	available := tag.offset - (s.dataOffset + recordTagSize)
	if rec.DataSize > available {
		return db.fail(ErrRecordTooLarge)
	}
	if uint64(rec.DataOffset)+uint64(rec.DataSize) > uint64(len(rec.Data)) {
		return db.fail(ErrRecordTooSmall)
	}

	tag.sizeOrNext = rec.DataSize
	tag.encode(tagBuf)
	if err := db.file.writeAt(s.dataOffset, tagBuf); err != nil {
		return db.fail(errors.Wrap(ErrDatabaseIO, err.Error()))
	}
	if err := db.file.writeAt(s.dataOffset+recordTagSize, rec.Data[rec.DataOffset:rec.DataOffset+rec.DataSize]); err != nil {
		return db.fail(errors.Wrap(ErrDatabaseIO, err.Error()))
	}

	// The mirror's dataSize is left untouched: it tracks the slot's
	// original capacity, not the current payload size, so a later
	// CreateRecord can still judge reuse fitness against the space
	// actually reserved on disk.

	return db.succeed()
}

// existRecordLocked implements ExistRecord/GetRecordByKey's search, with
// db.mu already held.
func (db *DB) existRecordLocked(key *Key) (uint32, error) {
	if db.hdr.nrOfRecords == 0 {
		return invalidU32, db.fail(ErrEmptyDatabase)
	}
	if int(key.ID) >= len(db.keyIndexes) {
		return invalidU32, db.fail(ErrInvalidKeyIndex)
	}

	if !key.conversionDone {
		if err := db.convertKeyLocked(key); err != nil {
			return invalidU32, err
		}
	}

	ki := db.keyIndexes[key.ID]
	if !ki.sorted {
		shellSort(db.mirror, ki)
	}
	ki.position, ki.selectionStart, ki.selectionEnd = -1, -1, -1

	slot, position, count, insertAt, ok := searchKey(db.mirror, ki, key.Value[:key.Size])
	if !ok {
		key.index = uint32(insertAt)
		return invalidU32, db.fail(ErrEntryNotFound)
	}

	// The first match is the one returned here; the cursor resumes at the
	// next one.
	ki.position = position + 1
	ki.selectionStart = position
	ki.selectionEnd = position + int64(count) - 1
	key.index = uint32(position)
	key.count = count

	return slot, db.succeed()
}

// ExistRecord checks for a record matching key without retrieving its
// data. The Key's Value is normalized in place on its first search only,
// so a search for a different value needs a new Key.
func (db *DB) ExistRecord(key *Key) (uint32, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.existRecordLocked(key)
}

// GetSearchCount returns the number of records matching key's last
// ExistRecord or GetRecordByKey search.
func (db *DB) GetSearchCount(key *Key) uint32 {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return key.count
}

// GetNextIndex returns the slot number of the record following the last
// ExistRecord match for keyID, without retrieving its data.
func (db *DB) GetNextIndex(keyID uint16) (uint32, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if int(keyID) >= len(db.keyIndexes) {
		return invalidU32, db.fail(ErrInvalidKeyIndex)
	}
	ki := db.keyIndexes[keyID]
	if ki.position < 0 || ki.position > ki.selectionEnd {
		return invalidU32, db.fail(ErrEntryNotFound)
	}

	slot := ki.slots[ki.position]
	ki.position++
	return slot, db.succeed()
}

func (db *DB) convertKeyLocked(key *Key) error {
	key.conversionDone = false
	if int(key.ID) >= len(db.descriptors) {
		return db.fail(ErrInvalidKeyIndex)
	}
	ki := db.keyIndexes[key.ID]
	if key.Size > ki.keySize {
		return db.fail(ErrInvalidKey)
	}
	if err := convertKeyValue(db.descriptors[key.ID], key.Value[:key.Size]); err != nil {
		return db.fail(err)
	}
	key.conversionDone = true
	return nil
}

// ConvertKey normalizes key.Value in place for signed segments and little
// endian numbers, the way generateSearchKey normalizes stored records.
// Required before a raw, host-order key can be compared against the
// database's normalized keys; ExistRecord and GetRecordByKey call it
// automatically when needed. A second call on the same Key is a no-op.
func (db *DB) ConvertKey(key *Key) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if key.conversionDone {
		return db.succeed()
	}
	return db.convertKeyLocked(key)
}
