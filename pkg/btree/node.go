package btree

import (
	"encoding/binary"

	"github.com/antonellof/docstore/pkg/dberr"
	"github.com/antonellof/docstore/pkg/storage"
)

// NodeHeaderSize is the size in bytes of the BTreeNodeHeader that follows
// the common 32-byte PageHeader (spec.md §3): {page_id:4, is_leaf:1,
// entry_count:2, parent_page_id:4, next_leaf_page_id:4, prev_leaf_page_id:4}
// plus one padding byte, for 20 bytes total.
const NodeHeaderSize = 20

// payloadOffset is where leaf/internal entry payloads begin on a node
// page: the common page header followed by the B+Tree node header.
const payloadOffset = storage.HeaderSize + NodeHeaderSize

// NodeHeader is the per-page B+Tree metadata.
type NodeHeader struct {
	PageID         uint32
	IsLeaf         bool
	EntryCount     uint16
	ParentPageID   uint32
	NextLeafPageID uint32
	PrevLeafPageID uint32
}

func getNodeHeader(buf []byte) NodeHeader {
	off := storage.HeaderSize
	return NodeHeader{
		PageID:         binary.LittleEndian.Uint32(buf[off : off+4]),
		IsLeaf:         buf[off+4] != 0,
		EntryCount:     binary.LittleEndian.Uint16(buf[off+5 : off+7]),
		ParentPageID:   binary.LittleEndian.Uint32(buf[off+7 : off+11]),
		NextLeafPageID: binary.LittleEndian.Uint32(buf[off+11 : off+15]),
		PrevLeafPageID: binary.LittleEndian.Uint32(buf[off+15 : off+19]),
	}
}

func putNodeHeader(buf []byte, h NodeHeader) {
	off := storage.HeaderSize
	binary.LittleEndian.PutUint32(buf[off:off+4], h.PageID)
	if h.IsLeaf {
		buf[off+4] = 1
	} else {
		buf[off+4] = 0
	}
	binary.LittleEndian.PutUint16(buf[off+5:off+7], h.EntryCount)
	binary.LittleEndian.PutUint32(buf[off+7:off+11], h.ParentPageID)
	binary.LittleEndian.PutUint32(buf[off+11:off+15], h.NextLeafPageID)
	binary.LittleEndian.PutUint32(buf[off+15:off+19], h.PrevLeafPageID)
	buf[off+19] = 0
}

// LeafEntry is one {key_len:4, key_bytes, location:6} record.
type LeafEntry struct {
	Key      IndexKey
	Location DocumentLocation
}

// InternalEntry is one {key_len:4, key_bytes, child:4} record.
type InternalEntry struct {
	Key   IndexKey
	Child uint32
}

// decodeLeaf parses a leaf page's header and entries, in key order.
func decodeLeaf(buf []byte) (NodeHeader, []LeafEntry) {
	h := getNodeHeader(buf)
	entries := make([]LeafEntry, 0, h.EntryCount)
	pos := payloadOffset
	for i := uint16(0); i < h.EntryCount; i++ {
		keyLen := binary.LittleEndian.Uint32(buf[pos : pos+4])
		pos += 4
		key := make(IndexKey, keyLen)
		copy(key, buf[pos:pos+int(keyLen)])
		pos += int(keyLen)
		loc := DecodeLocation(buf[pos : pos+LocationSize])
		pos += LocationSize
		entries = append(entries, LeafEntry{Key: key, Location: loc})
	}
	return h, entries
}

// leafEncodedSize returns the number of payload bytes entries would take.
func leafEncodedSize(entries []LeafEntry) int {
	n := 0
	for _, e := range entries {
		n += 4 + len(e.Key) + LocationSize
	}
	return n
}

// encodeLeaf writes header+entries into buf, failing with Invariant if
// they don't fit. Callers are responsible for splitting first.
func encodeLeaf(buf []byte, h NodeHeader, entries []LeafEntry) error {
	h.IsLeaf = true
	h.EntryCount = uint16(len(entries))
	if payloadOffset+leafEncodedSize(entries) > len(buf) {
		return dberr.Wrap(dberr.ErrInvariant, "leaf page %d overflow: %d entries", h.PageID, len(entries))
	}
	putNodeHeader(buf, h)
	pos := payloadOffset
	for _, e := range entries {
		binary.LittleEndian.PutUint32(buf[pos:pos+4], uint32(len(e.Key)))
		pos += 4
		copy(buf[pos:pos+len(e.Key)], e.Key)
		pos += len(e.Key)
		copy(buf[pos:pos+LocationSize], e.Location.Encode())
		pos += LocationSize
	}
	for i := pos; i < len(buf); i++ {
		buf[i] = 0
	}
	return nil
}

// decodeInternal parses an internal page's header, p0, and entries.
func decodeInternal(buf []byte) (NodeHeader, uint32, []InternalEntry) {
	h := getNodeHeader(buf)
	pos := payloadOffset
	p0 := binary.LittleEndian.Uint32(buf[pos : pos+4])
	pos += 4
	entries := make([]InternalEntry, 0, h.EntryCount)
	for i := uint16(0); i < h.EntryCount; i++ {
		keyLen := binary.LittleEndian.Uint32(buf[pos : pos+4])
		pos += 4
		key := make(IndexKey, keyLen)
		copy(key, buf[pos:pos+int(keyLen)])
		pos += int(keyLen)
		child := binary.LittleEndian.Uint32(buf[pos : pos+4])
		pos += 4
		entries = append(entries, InternalEntry{Key: key, Child: child})
	}
	return h, p0, entries
}

func internalEncodedSize(entries []InternalEntry) int {
	n := 4 // p0
	for _, e := range entries {
		n += 4 + len(e.Key) + 4
	}
	return n
}

func encodeInternal(buf []byte, h NodeHeader, p0 uint32, entries []InternalEntry) error {
	h.IsLeaf = false
	h.EntryCount = uint16(len(entries))
	if payloadOffset+internalEncodedSize(entries) > len(buf) {
		return dberr.Wrap(dberr.ErrInvariant, "internal page %d overflow: %d entries", h.PageID, len(entries))
	}
	putNodeHeader(buf, h)
	pos := payloadOffset
	binary.LittleEndian.PutUint32(buf[pos:pos+4], p0)
	pos += 4
	for _, e := range entries {
		binary.LittleEndian.PutUint32(buf[pos:pos+4], uint32(len(e.Key)))
		pos += 4
		copy(buf[pos:pos+len(e.Key)], e.Key)
		pos += len(e.Key)
		binary.LittleEndian.PutUint32(buf[pos:pos+4], e.Child)
		pos += 4
	}
	for i := pos; i < len(buf); i++ {
		buf[i] = 0
	}
	return nil
}

// findChildIndex returns the position in entries whose child subtree key
// falls at or below key, per spec.md §4.6's find_child: pick pᵢ where
// keyᵢ ≤ key < keyᵢ₊₁; -1 means p0 (key is below every entry's key).
func findChildIndex(entries []InternalEntry, key IndexKey) int {
	idx := -1
	for i, e := range entries {
		if Compare(key, e.Key) >= 0 {
			idx = i
		} else {
			break
		}
	}
	return idx
}

// childAt returns the child page ID at position idx (-1 meaning p0).
func childAt(p0 uint32, entries []InternalEntry, idx int) uint32 {
	if idx < 0 {
		return p0
	}
	return entries[idx].Child
}
