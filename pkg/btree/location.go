package btree

import "encoding/binary"

// LocationSize is the encoded size of a DocumentLocation: {page_id:4,
// slot_index:2} (spec.md §3).
const LocationSize = 6

// DocumentLocation addresses one slot on one data page. PageID == 0 is
// the "none" sentinel.
type DocumentLocation struct {
	PageID    uint32
	SlotIndex uint16
}

// NoLocation is the "none" sentinel location.
var NoLocation = DocumentLocation{}

// IsNone reports whether loc is the sentinel "none" value.
func (loc DocumentLocation) IsNone() bool { return loc.PageID == 0 }

// Encode writes loc into a fresh 6-byte slice.
func (loc DocumentLocation) Encode() []byte {
	out := make([]byte, LocationSize)
	binary.LittleEndian.PutUint32(out[0:4], loc.PageID)
	binary.LittleEndian.PutUint16(out[4:6], loc.SlotIndex)
	return out
}

// DecodeLocation reverses Encode.
func DecodeLocation(b []byte) DocumentLocation {
	return DocumentLocation{
		PageID:    binary.LittleEndian.Uint32(b[0:4]),
		SlotIndex: binary.LittleEndian.Uint16(b[4:6]),
	}
}

func (loc DocumentLocation) Equal(other DocumentLocation) bool {
	return loc.PageID == other.PageID && loc.SlotIndex == other.SlotIndex
}
