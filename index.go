package osndxfio

import "bytes"

// keyIndex is the in-memory search structure kept for one key-id: a sorted
// array of slot numbers (apRecord in the original), plus cursor state left
// behind by the last ExistRecord/GetRecordByKey call so GetNextRecord and
// GetNextIndex can resume from it.
type keyIndex struct {
	slots          []uint32
	sorted         bool
	position       int64
	selectionStart int64
	selectionEnd   int64
	keyOffset      uint16
	keySize        uint16
}

func newKeyIndex() *keyIndex {
	return &keyIndex{position: -1, selectionStart: -1, selectionEnd: -1}
}

// append records slot as holding a live record for this key, unsorting the
// index in the process. Unlike the original, which refuses to initialize
// the array when allocatedIndexKeys is smaller than nrOfIndexRecords, this
// always grows to fit: AllocatedIndexKeys is a sizing hint, not a hard
// ceiling. MaxAllocation still bounds the total backing array size.
func (ki *keyIndex) append(slot uint32) error {
	if uint64(len(ki.slots)+1)*4 > MaxAllocation {
		return ErrMemoryAllocation
	}
	ki.slots = append(ki.slots, slot)
	ki.sorted = false
	return nil
}

// mirror is the flat in-memory copy of every index slot (live, deleted, and
// reserved) plus its trailing normalized key bytes, mirroring apKey in the
// original. Slot n occupies mirror[n*slotStride:(n+1)*slotStride].
type mirror struct {
	buf        []byte
	slotStride uint16
}

func newMirror(slotStride uint16, nrOfIndexRecords uint32) (*mirror, error) {
	want := uint64(slotStride) * uint64(nrOfIndexRecords)
	if want > MaxAllocation {
		return nil, ErrMemoryAllocation
	}
	return &mirror{
		buf:        make([]byte, want),
		slotStride: slotStride,
	}, nil
}

func (m *mirror) grow(nrOfIndexRecords uint32) error {
	want := uint64(m.slotStride) * uint64(nrOfIndexRecords)
	if want > MaxAllocation {
		return ErrMemoryAllocation
	}
	if want <= uint64(len(m.buf)) {
		return nil
	}
	grown := make([]byte, want)
	copy(grown, m.buf)
	m.buf = grown
	return nil
}

func (m *mirror) slotBytes(slot uint32) []byte {
	start := uint64(slot) * uint64(m.slotStride)
	return m.buf[start : start+uint64(m.slotStride)]
}

func (m *mirror) slot(slot uint32) indexSlot {
	return decodeIndexSlot(m.slotBytes(slot))
}

func (m *mirror) setSlot(slot uint32, s indexSlot) {
	s.encode(m.slotBytes(slot))
}

func (m *mirror) keyBytes(slot uint32, keyOffset, keySize uint16) []byte {
	b := m.slotBytes(slot)
	return b[keyOffset : keyOffset+keySize]
}

// shellSort orders ki.slots by the normalized key bytes for keyID, using
// Knuth's increment sequence (inc(1)=1, inc(k+1)=3*inc(k)+1) degrading to a
// straight insertion sort for small record counts, exactly as the format's
// reference implementation does.
func shellSort(m *mirror, ki *keyIndex) {
	n := uint32(len(ki.slots))
	if n < 2 {
		ki.sorted = true
		return
	}

	gap := uint32(1)
	if n > 13 {
		for gap < n {
			gap = gap*3 + 1
		}
		gap /= 9
	}

	keyOffset, keySize := ki.keyOffset, ki.keySize
	keyAt := func(slot uint32) []byte { return m.keyBytes(slot, keyOffset, keySize) }

	for gap > 0 {
		for i := gap; i < n; i++ {
			indexI := ki.slots[i]
			j := i
			for j >= gap && bytes.Compare(keyAt(ki.slots[j-gap]), keyAt(indexI)) > 0 {
				ki.slots[j] = ki.slots[j-gap]
				j -= gap
			}
			ki.slots[j] = indexI
		}
		gap /= 3
	}

	ki.sorted = true
}

// searchKey runs a binary search for value over ki.slots (already sorted),
// expanding left and right to cover every slot whose key bytes share the
// same prefix comparison with value (so a partial key matches a run).
// It returns the first matching slot, its position in ki.slots, and the
// number of matches — or ok=false with insertAt set to where value would
// be inserted.
func searchKey(m *mirror, ki *keyIndex, value []byte) (slot uint32, position int64, count uint32, insertAt int64, ok bool) {
	maxIndex := int64(len(ki.slots)) - 1
	left, right := int64(0), maxIndex
	keyOffset, keySize := ki.keyOffset, ki.keySize
	keyAt := func(idx int64) []byte {
		return m.keyBytes(ki.slots[idx], keyOffset, keySize)
	}

	var mid int64
	var cmp int
	for {
		mid = (left + right) >> 1
		cmp = bytes.Compare(value, keyAt(mid)[:len(value)])
		if cmp < 0 {
			right = mid - 1
		} else if cmp > 0 {
			left = mid + 1
		} else {
			break
		}
		if left > right {
			break
		}
	}

	if cmp != 0 {
		if cmp < 0 {
			return 0, 0, 0, mid, false
		}
		return 0, 0, 0, mid + 1, false
	}

	left = mid
	for left > 0 && bytes.Equal(value, keyAt(left-1)[:len(value)]) {
		left--
	}
	right = mid
	for right < maxIndex && bytes.Equal(value, keyAt(right+1)[:len(value)]) {
		right++
	}

	return ki.slots[left], left, uint32(right-left) + 1, 0, true
}
