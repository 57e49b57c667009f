package osndxfio

import (
	"encoding/binary"

	"github.com/pingcap/errors"
)

// normalizeBytes reorders one segment's raw bytes, already located in src,
// into dst so a plain byte-by-byte comparison of normalized keys matches
// the natural ordering of the segment's typed value, regardless of host
// byte order. src and dst may alias the same underlying array.
//
// BYTE segments are copied as-is. Signed segments are bias-shifted into
// the unsigned range first (so the sign bit sorts low-to-high like an
// unsigned value) and every multi-byte segment is written big-endian,
// which doubles as the on-disk, host-independent key representation.
func normalizeBytes(segType SegmentType, src, dst []byte) error {
	switch segType {
	case TypeByte:
		if len(src) != len(dst) {
			return errors.Wrap(ErrInvalidKey, "byte segment size mismatch")
		}
		copy(dst, src)

	case TypeU16:
		if len(src) != 2 || len(dst) != 2 {
			return errors.Wrap(ErrInvalidKey, "u16 segment size mismatch")
		}
		binary.BigEndian.PutUint16(dst, binary.NativeEndian.Uint16(src))

	case TypeU32:
		if len(src) != 4 || len(dst) != 4 {
			return errors.Wrap(ErrInvalidKey, "u32 segment size mismatch")
		}
		binary.BigEndian.PutUint32(dst, binary.NativeEndian.Uint32(src))

	case TypeS16:
		if len(src) != 2 || len(dst) != 2 {
			return errors.Wrap(ErrInvalidKey, "s16 segment size mismatch")
		}
		v := binary.NativeEndian.Uint16(src) ^ 0x8000
		binary.BigEndian.PutUint16(dst, v)

	case TypeS32:
		if len(src) != 4 || len(dst) != 4 {
			return errors.Wrap(ErrInvalidKey, "s32 segment size mismatch")
		}
		v := binary.NativeEndian.Uint32(src) ^ 0x80000000
		binary.BigEndian.PutUint32(dst, v)

	default:
		return errors.Wrap(ErrInvalidKeyDescriptor, "unknown segment type")
	}
	return nil
}

// normalizeSegment copies one key segment out of a record payload at its
// declared offset into dst, normalizing it with normalizeBytes.
func normalizeSegment(seg KeySegment, payload []byte, dst []byte) error {
	if int(seg.Offset)+int(seg.Size) > len(payload) {
		return errors.Wrap(ErrInvalidKey, "segment offset exceeds record size")
	}
	src := payload[seg.Offset : seg.Offset+uint16(seg.Size)]
	return normalizeBytes(seg.Type, src, dst)
}

// normalizeKey builds the normalized key bytes for descriptor out of
// payload, writing descriptorSize(descriptor) bytes into dst.
func normalizeKey(descriptor KeyDescriptor, payload []byte, dst []byte) error {
	off := 0
	for _, seg := range descriptor.Segments {
		size := int(seg.Size)
		if off+size > len(dst) {
			return errors.Wrap(ErrInvalidKeyDescriptor, "descriptor size exceeds buffer")
		}
		if err := normalizeSegment(seg, payload, dst[off:off+size]); err != nil {
			return err
		}
		off += size
	}
	return nil
}

// descriptorSize returns the total byte length of a normalized key built
// from descriptor.
func descriptorSize(descriptor KeyDescriptor) uint16 {
	var total uint16
	for _, seg := range descriptor.Segments {
		total += uint16(seg.Size)
	}
	return total
}

// convertKeyValue normalizes a caller-supplied, possibly partial key value
// in place, segment by segment, so it can be compared against the
// database's normalized keys. A partial value may only end mid-segment
// inside a BYTE segment; truncating a multi-byte numeric segment has no
// well-defined normalized form.
func convertKeyValue(descriptor KeyDescriptor, value []byte) error {
	off := 0
	for _, seg := range descriptor.Segments {
		if off >= len(value) {
			break
		}
		size := int(seg.Size)
		if off+size > len(value) {
			if seg.Type != TypeByte {
				return errors.Wrap(ErrInvalidKey, "partial key splits a non-byte segment")
			}
			break
		}
		b := value[off : off+size]
		if err := normalizeBytes(seg.Type, b, b); err != nil {
			return err
		}
		off += size
	}
	return nil
}
