package osndxfio

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"
)

func tempDBPath(t *testing.T) string {
	dir, err := os.MkdirTemp("", "osndxfio")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "test.ndx")
}

// u32Descriptor builds a one-key descriptor reading a native-endian uint32
// out of the first 4 bytes of a record's payload.
func u32Descriptor() []KeyDescriptor {
	return []KeyDescriptor{
		{Segments: []KeySegment{{Offset: 0, Type: TypeU32, Size: 4}}},
	}
}

func recordWithKey(id uint32, payload string) Record {
	data := make([]byte, 4+len(payload))
	binary.NativeEndian.PutUint32(data[:4], id)
	copy(data[4:], payload)
	return Record{AllocatedSize: uint32(len(data)), DataSize: uint32(len(data)), Data: data}
}

func TestCreateOpenReopen(t *testing.T) {
	path := tempDBPath(t)

	db, err := Create(path, u32Descriptor(), DefaultCreateOptions())
	require.NoError(t, err)

	const n = 500
	for i := uint32(0); i < n; i++ {
		rec := recordWithKey(i, fmt.Sprintf("payload-%d", i))
		slot, err := db.CreateRecord(&rec)
		require.NoError(t, err)
		require.Equal(t, i, slot)
	}
	require.EqualValues(t, n, db.GetNrOfRecords())
	require.NoError(t, db.Close())

	db, err = Open(path, DefaultOpenOptions())
	require.NoError(t, err)
	defer db.Close()

	require.EqualValues(t, n, db.GetNrOfRecords())
	require.EqualValues(t, 1, db.GetNrOfKeys())

	var rec Record
	buf := make([]byte, 64)
	for _, slot := range []uint32{0, 250, n - 1} {
		rec = Record{AllocatedSize: uint32(len(buf)), Data: buf}
		require.NoError(t, db.GetRecord(slot, &rec))
		require.EqualValues(t, binary.NativeEndian.Uint32(rec.Data[:4]), slot)
	}
}

func TestCreateRecordGrowsReservedRun(t *testing.T) {
	path := tempDBPath(t)

	db, err := Create(path, u32Descriptor(), CreateOptions{ReservedIndexRecords: RMin})
	require.NoError(t, err)
	defer db.Close()

	// Outlive several reserved runs (RMin == 10) to exercise growReservedRun.
	const n = 45
	for i := uint32(0); i < n; i++ {
		rec := recordWithKey(i, "x")
		_, err := db.CreateRecord(&rec)
		require.NoError(t, err)
	}
	require.EqualValues(t, n, db.GetNrOfRecords())
	require.True(t, db.hdr.nrOfIndexRecords >= n)
}

func TestExistRecordAndGetNextRecord(t *testing.T) {
	path := tempDBPath(t)

	db, err := Create(path, u32Descriptor(), DefaultCreateOptions())
	require.NoError(t, err)
	defer db.Close()

	// Three records share key 7, creating a duplicate run in the index.
	for _, payload := range []string{"a", "b", "c"} {
		rec := recordWithKey(7, payload)
		_, err := db.CreateRecord(&rec)
		require.NoError(t, err)
	}
	other := recordWithKey(8, "z")
	_, err = db.CreateRecord(&other)
	require.NoError(t, err)

	needle := make([]byte, 4)
	binary.NativeEndian.PutUint32(needle, 7)

	key := &Key{ID: 0, Size: 4, Value: needle}
	first, err := db.ExistRecord(key)
	require.NoError(t, err)
	require.EqualValues(t, 3, db.GetSearchCount(key))

	// ExistRecord yields the first match; GetNextRecord yields the other two.
	var seen []string
	buf := make([]byte, 64)
	firstRec := Record{AllocatedSize: uint32(len(buf)), Data: buf}
	require.NoError(t, db.GetRecord(first, &firstRec))
	seen = append(seen, string(firstRec.Data[4:firstRec.DataSize]))
	for i := 0; i < 2; i++ {
		rec := Record{AllocatedSize: uint32(len(buf)), Data: buf}
		_, err := db.GetNextRecord(0, &rec)
		require.NoError(t, err)
		seen = append(seen, string(rec.Data[4:rec.DataSize]))
	}
	require.ElementsMatch(t, []string{"a", "b", "c"}, seen)

	_, err = db.GetNextRecord(0, &Record{AllocatedSize: 64, Data: buf})
	require.ErrorIs(t, err, ErrEntryNotFound)
}

func TestExistRecordMissingKey(t *testing.T) {
	path := tempDBPath(t)

	db, err := Create(path, u32Descriptor(), DefaultCreateOptions())
	require.NoError(t, err)
	defer db.Close()

	rec := recordWithKey(1, "only")
	_, err = db.CreateRecord(&rec)
	require.NoError(t, err)

	needle := make([]byte, 4)
	binary.NativeEndian.PutUint32(needle, 99)
	_, err = db.ExistRecord(&Key{ID: 0, Size: 4, Value: needle})
	require.ErrorIs(t, err, ErrEntryNotFound)
}

func TestExistRecordEmptyDatabase(t *testing.T) {
	path := tempDBPath(t)

	db, err := Create(path, u32Descriptor(), DefaultCreateOptions())
	require.NoError(t, err)
	defer db.Close()

	needle := make([]byte, 4)
	_, err = db.ExistRecord(&Key{ID: 0, Size: 4, Value: needle})
	require.ErrorIs(t, err, ErrEmptyDatabase)
}

func TestUpdateRecord(t *testing.T) {
	path := tempDBPath(t)

	db, err := Create(path, u32Descriptor(), DefaultCreateOptions())
	require.NoError(t, err)
	defer db.Close()

	rec := recordWithKey(1, "0123456789")
	slot, err := db.CreateRecord(&rec)
	require.NoError(t, err)

	shrink := recordWithKey(1, "abc")
	require.NoError(t, db.UpdateRecord(slot, &shrink))

	var readBack Record
	buf := make([]byte, 32)
	readBack = Record{AllocatedSize: uint32(len(buf)), Data: buf}
	require.NoError(t, db.GetRecord(slot, &readBack))
	require.Equal(t, "abc", string(readBack.Data[4:readBack.DataSize]))

	grow := recordWithKey(1, "this payload is far too long to fit in the original slot")
	require.ErrorIs(t, db.UpdateRecord(slot, &grow), ErrRecordTooLarge)
}

func TestDeleteRecordMarksSlot(t *testing.T) {
	path := tempDBPath(t)

	db, err := Create(path, u32Descriptor(), DefaultCreateOptions())
	require.NoError(t, err)
	defer db.Close()

	rec := recordWithKey(1, "x")
	slot, err := db.CreateRecord(&rec)
	require.NoError(t, err)

	require.NoError(t, db.DeleteRecord(slot))
	require.ErrorIs(t, db.DeleteRecord(slot), ErrEntryNotFound)
}

func TestRebuild(t *testing.T) {
	path := tempDBPath(t)
	rebuiltPath := tempDBPath(t)

	db, err := Create(path, u32Descriptor(), DefaultCreateOptions())
	require.NoError(t, err)

	for i := uint32(0); i < 20; i++ {
		rec := recordWithKey(i, fmt.Sprintf("v%d", i))
		_, err := db.CreateRecord(&rec)
		require.NoError(t, err)
	}

	require.NoError(t, db.Rebuild(rebuiltPath, u32Descriptor(), 64))
	require.NoError(t, db.Close())

	rebuilt, err := Open(rebuiltPath, DefaultOpenOptions())
	require.NoError(t, err)
	defer rebuilt.Close()
	require.EqualValues(t, 20, rebuilt.GetNrOfRecords())
}

func TestCreateRecordReusesDeletedSlot(t *testing.T) {
	path := tempDBPath(t)

	db, err := Create(path, u32Descriptor(), DefaultCreateOptions())
	require.NoError(t, err)
	defer db.Close()

	a := recordWithKey(1, "0123456789")
	slotA, err := db.CreateRecord(&a)
	require.NoError(t, err)

	b := recordWithKey(2, "other")
	_, err = db.CreateRecord(&b)
	require.NoError(t, err)

	require.NoError(t, db.DeleteRecord(slotA))
	require.EqualValues(t, slotA, db.hdr.lastDeletedIndex)

	c := recordWithKey(3, "abc")
	slotC, err := db.CreateRecord(&c)
	require.NoError(t, err)
	require.Equal(t, slotA, slotC)
	require.EqualValues(t, -1, db.hdr.lastDeletedIndex)

	buf := make([]byte, 64)
	readBack := Record{AllocatedSize: uint32(len(buf)), Data: buf}
	require.NoError(t, db.GetRecord(slotC, &readBack))
	require.EqualValues(t, 3, binary.NativeEndian.Uint32(readBack.Data[:4]))
	require.Equal(t, "abc", string(readBack.Data[4:readBack.DataSize]))
}

func TestCloseIsIdempotent(t *testing.T) {
	path := tempDBPath(t)

	db, err := Create(path, u32Descriptor(), DefaultCreateOptions())
	require.NoError(t, err)
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())
}

func TestOpenTwiceFails(t *testing.T) {
	path := tempDBPath(t)

	db, err := Create(path, u32Descriptor(), DefaultCreateOptions())
	require.NoError(t, err)
	defer db.Close()

	_, err = Open(path, DefaultOpenOptions())
	require.Equal(t, ErrDatabaseAlreadyOpened, errors.Cause(err))
}

func TestRebuildEmptyDatabase(t *testing.T) {
	path := tempDBPath(t)
	rebuiltPath := tempDBPath(t)

	db, err := Create(path, u32Descriptor(), DefaultCreateOptions())
	require.NoError(t, err)
	defer db.Close()

	require.ErrorIs(t, db.Rebuild(rebuiltPath, u32Descriptor(), 64), ErrEmptyDatabase)
}

func TestConvertKeySecondCallIsNoop(t *testing.T) {
	descriptors := []KeyDescriptor{
		{Segments: []KeySegment{{Offset: 0, Type: TypeS32, Size: 4}}},
	}
	path := tempDBPath(t)
	db, err := Create(path, descriptors, DefaultCreateOptions())
	require.NoError(t, err)
	defer db.Close()

	data := make([]byte, 4)
	var negFive int32 = -5
	binary.NativeEndian.PutUint32(data, uint32(negFive))
	key := &Key{ID: 0, Size: 4, Value: data}

	require.NoError(t, db.ConvertKey(key))
	converted := append([]byte(nil), key.Value[:key.Size]...)

	require.NoError(t, db.ConvertKey(key))
	require.Equal(t, converted, key.Value[:key.Size])
}

func TestCreateRecordNormalizesSignedSegment(t *testing.T) {
	descriptors := []KeyDescriptor{
		{Segments: []KeySegment{{Offset: 0, Type: TypeS32, Size: 4}}},
	}
	path := tempDBPath(t)
	db, err := Create(path, descriptors, DefaultCreateOptions())
	require.NoError(t, err)
	defer db.Close()

	values := []int32{-5, 3, -100, 100, 0}
	for _, v := range values {
		data := make([]byte, 4)
		binary.NativeEndian.PutUint32(data, uint32(v))
		rec := Record{AllocatedSize: 4, DataSize: 4, Data: data}
		_, err := db.CreateRecord(&rec)
		require.NoError(t, err)
	}

	ki := db.keyIndexes[0]
	shellSort(db.mirror, ki)
	// Slot i holds values[i]; byte order of the stored keys must follow the
	// signed numeric order of the values.
	var prev []byte
	prevSlot := invalidU32
	for _, slot := range ki.slots {
		cur := db.mirror.keyBytes(slot, ki.keyOffset, ki.keySize)
		if prev != nil {
			require.LessOrEqual(t, string(prev), string(cur))
			require.Less(t, values[prevSlot], values[slot])
		}
		prev = append([]byte(nil), cur...)
		prevSlot = slot
	}
}
