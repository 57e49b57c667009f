package osndxfio

import "encoding/binary"

// version is the on-disk format tag, major.minor.patch packed into the top
// three bytes.
const version uint32 = 0x01000000

// hostOrder is used for every header and record-tag field. The format is
// declared host-endian (not portable across machines of different
// endianness) per design; key bytes are normalized separately to a fixed
// order in normalize.go so index comparisons stay host-independent.
var hostOrder = binary.NativeEndian

// tagID identifies the kind of record a sDATA-equivalent tag precedes.
type tagID int32

const (
	tagHeader      tagID = -4
	tagIndex       tagID = -3
	tagNextIndex   tagID = -2
	tagDeletedData tagID = -1
	tagData        tagID = 0
)

// recordTag precedes every data record, index run, and next-index link in
// the file. sizeOrNext holds the payload size for DATA/INDEX tags, or the
// file offset of the next index run for NEXT_INDEX tags.
type recordTag struct {
	id         tagID
	recordRef  uint32
	sizeOrNext uint32
	offset     uint32
}

const recordTagSize = 16

func (t recordTag) encode(buf []byte) {
	hostOrder.PutUint32(buf[0:4], uint32(t.id))
	hostOrder.PutUint32(buf[4:8], t.recordRef)
	hostOrder.PutUint32(buf[8:12], t.sizeOrNext)
	hostOrder.PutUint32(buf[12:16], t.offset)
}

func decodeRecordTag(buf []byte) recordTag {
	return recordTag{
		id:         tagID(hostOrder.Uint32(buf[0:4])),
		recordRef:  hostOrder.Uint32(buf[4:8]),
		sizeOrNext: hostOrder.Uint32(buf[8:12]),
		offset:     hostOrder.Uint32(buf[12:16]),
	}
}

// slotStatus tags the meaning of an indexSlot's status field. Kept as an
// explicit tagged variant rather than overlapping status/prevDeletedIndex
// in a single ambiguous integer.
type slotStatus int32

const (
	statusReserved     slotStatus = -2
	statusOK           slotStatus = -1
	statusDeletedRoot  slotStatus = -3 // deleted, no earlier deleted slot
	// status >= 0: deleted, value is the slot number of the previously
	// deleted slot (forms a singly-linked stack).
)

func (s slotStatus) isDeleted() bool {
	return s == statusDeletedRoot || s >= 0
}

// prevDeleted returns the slot number this deleted slot points to, or -1
// if it is the bottom of the stack.
func (s slotStatus) prevDeleted() int32 {
	if s == statusDeletedRoot {
		return -1
	}
	return int32(s)
}

// deletedStatus encodes a deleted slot's link to the previously deleted
// slot (-1 meaning none) as a slotStatus.
func deletedStatus(prev int32) slotStatus {
	if prev < 0 {
		return statusDeletedRoot
	}
	return slotStatus(prev)
}

// indexSlot is the fixed-size header preceding a slot's normalized key
// bytes, on disk and in the in-memory mirror.
type indexSlot struct {
	status     slotStatus
	offset     uint32
	dataOffset uint32
	dataSize   uint32
	recordRef  uint32
}

const indexSlotSize = 20

func (s indexSlot) encode(buf []byte) {
	hostOrder.PutUint32(buf[0:4], uint32(s.status))
	hostOrder.PutUint32(buf[4:8], s.offset)
	hostOrder.PutUint32(buf[8:12], s.dataOffset)
	hostOrder.PutUint32(buf[12:16], s.dataSize)
	hostOrder.PutUint32(buf[16:20], s.recordRef)
}

func decodeIndexSlot(buf []byte) indexSlot {
	return indexSlot{
		status:     slotStatus(hostOrder.Uint32(buf[0:4])),
		offset:     hostOrder.Uint32(buf[4:8]),
		dataOffset: hostOrder.Uint32(buf[8:12]),
		dataSize:   hostOrder.Uint32(buf[12:16]),
		recordRef:  hostOrder.Uint32(buf[16:20]),
	}
}

// header is the database header, written once after the HEADER tag and
// kept mirrored in memory on the open handle.
type header struct {
	version              uint32
	recordReference      uint32
	nextFreeData         uint32
	nrOfRecords          uint32
	nrOfIndexRecords     uint32
	lastDeletedIndex     int32
	nextFreeIndex        uint32
	reservedIndexRecords uint16
	nrOfKeys             uint16
	totalKeySize         uint16
	keyDescriptorSize    uint16
}

const headerSize = 4*7 + 2*4

func newHeader() header {
	return header{
		version:          version,
		lastDeletedIndex: -1,
	}
}

func (h header) encode(buf []byte) {
	hostOrder.PutUint32(buf[0:4], h.version)
	hostOrder.PutUint32(buf[4:8], h.recordReference)
	hostOrder.PutUint32(buf[8:12], h.nextFreeData)
	hostOrder.PutUint32(buf[12:16], h.nrOfRecords)
	hostOrder.PutUint32(buf[16:20], h.nrOfIndexRecords)
	hostOrder.PutUint32(buf[20:24], uint32(h.lastDeletedIndex))
	hostOrder.PutUint32(buf[24:28], h.nextFreeIndex)
	hostOrder.PutUint16(buf[28:30], h.reservedIndexRecords)
	hostOrder.PutUint16(buf[30:32], h.nrOfKeys)
	hostOrder.PutUint16(buf[32:34], h.totalKeySize)
	hostOrder.PutUint16(buf[34:36], h.keyDescriptorSize)
}

func decodeHeader(buf []byte) header {
	return header{
		version:              hostOrder.Uint32(buf[0:4]),
		recordReference:      hostOrder.Uint32(buf[4:8]),
		nextFreeData:         hostOrder.Uint32(buf[8:12]),
		nrOfRecords:          hostOrder.Uint32(buf[12:16]),
		nrOfIndexRecords:     hostOrder.Uint32(buf[16:20]),
		lastDeletedIndex:     int32(hostOrder.Uint32(buf[20:24])),
		nextFreeIndex:        hostOrder.Uint32(buf[24:28]),
		reservedIndexRecords: hostOrder.Uint16(buf[28:30]),
		nrOfKeys:             hostOrder.Uint16(buf[30:32]),
		totalKeySize:         hostOrder.Uint16(buf[32:34]),
		keyDescriptorSize:    hostOrder.Uint16(buf[34:36]),
	}
}

// encodeKeySegment/decodeKeySegment (de)serialize one KeySegment using its
// on-disk layout: offset:U16, type:U8, size:U8.
const keySegmentSize = 4

func encodeKeySegment(s KeySegment, buf []byte) {
	hostOrder.PutUint16(buf[0:2], s.Offset)
	buf[2] = byte(s.Type)
	buf[3] = s.Size
}

func decodeKeySegment(buf []byte) KeySegment {
	return KeySegment{
		Offset: hostOrder.Uint16(buf[0:2]),
		Type:   SegmentType(buf[2]),
		Size:   buf[3],
	}
}
