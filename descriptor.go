package osndxfio

import "github.com/pingcap/errors"

// validateDescriptors checks every segment of every descriptor against its
// declared SegmentType and rejects descriptors whose segments overlap, and
// returns the combined on-disk descriptor size and total normalized key
// size across all of them.
//
// Segment overlap uses a plain half-open-interval test (a overlaps b iff
// a.start < b.end && b.start < a.end). The original used a three-case
// window test that missed the case of one segment fully containing
// another without sharing either endpoint; this is the corrected form.
func validateDescriptors(descriptors []KeyDescriptor) (descSize uint16, totalKeySize uint16, err error) {
	for _, kd := range descriptors {
		descSize += 2 // nrOfSegments field
		for j, seg := range kd.Segments {
			if err := validateSegmentType(seg); err != nil {
				return 0, 0, err
			}
			descSize += keySegmentSize
			totalKeySize += uint16(seg.Size)

			aStart := int(seg.Offset)
			aEnd := aStart + int(seg.Size)
			for k, other := range kd.Segments {
				if j == k {
					continue
				}
				bStart := int(other.Offset)
				bEnd := bStart + int(other.Size)
				if aStart < bEnd && bStart < aEnd {
					return 0, 0, errors.Wrap(ErrInvalidKeyDescriptor, "overlapping key segments")
				}
			}
		}
	}
	return descSize, totalKeySize, nil
}

func validateSegmentType(seg KeySegment) error {
	switch seg.Type {
	case TypeByte:
		if seg.Size == 0 {
			return errors.Wrap(ErrInvalidKeyDescriptor, "byte segment must have nonzero size")
		}
	case TypeS16, TypeU16:
		if seg.Size != 2 {
			return errors.Wrap(ErrInvalidKeyDescriptor, "16-bit segment must have size 2")
		}
	case TypeS32, TypeU32:
		if seg.Size != 4 {
			return errors.Wrap(ErrInvalidKeyDescriptor, "32-bit segment must have size 4")
		}
	default:
		return errors.Wrap(ErrInvalidKeyDescriptor, "unknown segment type")
	}
	return nil
}
