package osndxfio

// Size and allocation limits, mirroring the VMS RMS-style bounds the format
// was modeled on.
const (
	RMin                      = 10
	RDefault                  = 100
	RMax                      = 10000
	DefaultAllocatedIndexKeys = 50000
	MaxDataSize               = 1000
	MaxAllocation             = 1 << 30
)

// SegmentType names the interpretation of one key segment's bytes. Do not
// renumber: the values are written to disk as part of a key descriptor and
// must stay stable across versions.
type SegmentType uint8

const (
	TypeByte SegmentType = iota + 1
	TypeS16
	TypeU16
	TypeS32
	TypeU32
)

// KeySegment addresses a slice of a record's payload to be copied into a
// search key and normalized according to Type.
type KeySegment struct {
	Offset uint16
	Type   SegmentType
	Size   uint8
}

// KeyDescriptor is the ordered list of segments that make up one search
// key. A database has one KeyDescriptor per key-id.
type KeyDescriptor struct {
	Segments []KeySegment
}

// Key is a (partial) search key passed to ExistRecord, GetRecordByKey and
// ConvertKey. Conversion happens at most once per Key instance:
// conversionDone latches after the first successful ConvertKey (direct or
// via ExistRecord/GetRecordByKey), so a repeated call is a no-op. Search a
// different value by building a new Key.
type Key struct {
	ID    uint16
	Size  uint16
	Value []byte

	conversionDone bool
	index          uint32
	count          uint32
}

// Record is the payload carrier for CreateRecord, GetRecord and
// UpdateRecord. AllocatedSize bounds how many bytes GetRecord may write
// into Data; DataSize is set by GetRecord to the actual stored size.
// GetRecord reads the payload into Data starting at Data[0] and sets
// DataOffset to the payload's file offset.
type Record struct {
	AllocatedSize uint32
	DataOffset    uint32
	DataSize      uint32
	Data          []byte
}

const invalidU32 = ^uint32(0)
