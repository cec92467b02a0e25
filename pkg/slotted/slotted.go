// Package slotted implements the L3a slotted-page layout of spec.md §4.4:
// a page header, a slot directory growing up from it, and payload bytes
// growing down from the end of the page, with an overflow-chain protocol
// for documents too large to fit on one page. Grounded on the slot/cell
// directory idea in intellect4all-storage-engines/btree/page.go (a pack
// member, not the teacher), generalized from that file's fixed leaf/
// internal cell format to spec.md's generic insert/read/delete slot API.
package slotted

import (
	"encoding/binary"

	"github.com/antonellof/docstore/pkg/dberr"
	"github.com/antonellof/docstore/pkg/storage"
)

// SlotSize is the size in bytes of one SlotEntry: {offset:2, length:2,
// flags:1} plus one padding byte for 2-byte alignment = 6 bytes, per
// spec.md §3.
const SlotSize = 6

// SlotFlag tags a slot's state.
type SlotFlag uint8

const (
	SlotNone SlotFlag = iota
	SlotDeleted
	SlotHasOverflow
)

// SlotEntry is one 6-byte directory entry.
type SlotEntry struct {
	Offset uint16
	Length uint16
	Flags  SlotFlag
}

// headerSize is storage.HeaderSize (32) plus the slotted-specific header
// fields: {slot_count:2, free_space_start:2, free_space_end:2,
// next_overflow_page:4} = 10 bytes, for 42 total. The page's transaction
// stamp lives in the common PageHeader, not duplicated here.
const slottedFieldsSize = 2 + 2 + 2 + 4
const HeaderSize = storage.HeaderSize + slottedFieldsSize

// Header is the SlottedPageHeader of spec.md §3, layered on top of the
// common PageHeader.
type Header struct {
	storage.PageHeader
	SlotCount        uint16
	FreeSpaceStart   uint16
	FreeSpaceEnd     uint16
	NextOverflowPage uint32
}

// Page is an in-memory view over one page's raw bytes, following spec.md
// §4.4's layout: [header][slot directory growing up][payload growing
// down].
type Page struct {
	buf      []byte
	pageSize uint32
}

// New wraps a freshly allocated, zeroed page of pageSize bytes with pageID
// and pageType, ready for inserts.
func New(buf []byte, pageID uint32, pageType storage.PageType) *Page {
	p := &Page{buf: buf, pageSize: uint32(len(buf))}
	p.putHeader(Header{
		PageHeader:     storage.PageHeader{PageID: pageID, Type: pageType},
		FreeSpaceStart: uint16(HeaderSize),
		FreeSpaceEnd:   uint16(len(buf)),
	})
	return p
}

// Load wraps existing page bytes for reading/mutation.
func Load(buf []byte) *Page {
	return &Page{buf: buf, pageSize: uint32(len(buf))}
}

// Bytes returns the underlying page buffer.
func (p *Page) Bytes() []byte { return p.buf }

func (p *Page) header() Header {
	ph := storage.GetHeader(p.buf)
	off := storage.HeaderSize
	return Header{
		PageHeader:       ph,
		SlotCount:        binary.LittleEndian.Uint16(p.buf[off : off+2]),
		FreeSpaceStart:   binary.LittleEndian.Uint16(p.buf[off+2 : off+4]),
		FreeSpaceEnd:     binary.LittleEndian.Uint16(p.buf[off+4 : off+6]),
		NextOverflowPage: binary.LittleEndian.Uint32(p.buf[off+6 : off+10]),
	}
}

func (p *Page) putHeader(h Header) {
	storage.PutHeader(p.buf, h.PageHeader)
	off := storage.HeaderSize
	binary.LittleEndian.PutUint16(p.buf[off:off+2], h.SlotCount)
	binary.LittleEndian.PutUint16(p.buf[off+2:off+4], h.FreeSpaceStart)
	binary.LittleEndian.PutUint16(p.buf[off+4:off+6], h.FreeSpaceEnd)
	binary.LittleEndian.PutUint32(p.buf[off+6:off+10], h.NextOverflowPage)
}

// PageID returns this page's ID.
func (p *Page) PageID() uint32 { return p.header().PageHeader.PageID }

// NextOverflowPage returns the chained overflow page ID, or 0 if none.
func (p *Page) NextOverflowPage() uint32 { return p.header().NextOverflowPage }

// SetNextOverflowPage links this page to the next page in an overflow
// chain.
func (p *Page) SetNextOverflowPage(id uint32) {
	h := p.header()
	h.NextOverflowPage = id
	p.putHeader(h)
}

// SetTransactionID stamps this page with the ID of the transaction that
// last wrote it, for debugging/forensics (spec.md §3's PageHeader field).
func (p *Page) SetTransactionID(id uint64) {
	h := p.header()
	h.PageHeader.TransactionID = id
	p.putHeader(h)
}

// AvailableFreeSpace returns free_space_end - free_space_start, per
// spec.md §3's invariant.
func (p *Page) AvailableFreeSpace() int {
	h := p.header()
	return int(h.FreeSpaceEnd) - int(h.FreeSpaceStart)
}

// SlotCount returns the number of slots in the directory, including
// deleted ones.
func (p *Page) SlotCount() int { return int(p.header().SlotCount) }

func (p *Page) slotOffset(i int) int { return HeaderSize + i*SlotSize }

func (p *Page) getSlot(i int) SlotEntry {
	off := p.slotOffset(i)
	return SlotEntry{
		Offset: binary.LittleEndian.Uint16(p.buf[off : off+2]),
		Length: binary.LittleEndian.Uint16(p.buf[off+2 : off+4]),
		Flags:  SlotFlag(p.buf[off+4]),
	}
}

func (p *Page) putSlot(i int, s SlotEntry) {
	off := p.slotOffset(i)
	binary.LittleEndian.PutUint16(p.buf[off:off+2], s.Offset)
	binary.LittleEndian.PutUint16(p.buf[off+2:off+4], s.Length)
	p.buf[off+4] = byte(s.Flags)
	p.buf[off+5] = 0
}

// findFreeSlotIndex returns the first Deleted slot's index, or
// slot_count if none (i.e. the directory must grow by one entry).
func (p *Page) findFreeSlotIndex() int {
	n := p.SlotCount()
	for i := 0; i < n; i++ {
		if p.getSlot(i).Flags == SlotDeleted {
			return i
		}
	}
	return n
}

// Insert writes data into a free slot (reusing a deleted slot if one
// exists, else appending), per spec.md §4.4. Returns the slot index.
func (p *Page) Insert(data []byte) (int, error) {
	h := p.header()
	needsNewDirEntry := p.findFreeSlotIndex() == p.SlotCount()

	required := len(data)
	if needsNewDirEntry {
		required += SlotSize
	}
	if p.AvailableFreeSpace() < required {
		return 0, dberr.Wrap(dberr.ErrInvariant, "insufficient free space: need %d, have %d", required, p.AvailableFreeSpace())
	}

	idx := p.findFreeSlotIndex()
	newEnd := int(h.FreeSpaceEnd) - len(data)
	copy(p.buf[newEnd:int(h.FreeSpaceEnd)], data)

	if needsNewDirEntry {
		h.SlotCount++
		h.FreeSpaceStart += SlotSize
	}
	h.FreeSpaceEnd = uint16(newEnd)
	p.putHeader(h)

	p.putSlot(idx, SlotEntry{Offset: uint16(newEnd), Length: uint16(len(data)), Flags: SlotNone})
	return idx, nil
}

// Read returns a copy of the live payload at slotIndex, or NotFound if the
// slot is out of range or Deleted.
func (p *Page) Read(slotIndex int) ([]byte, error) {
	if slotIndex < 0 || slotIndex >= p.SlotCount() {
		return nil, dberr.Wrap(dberr.ErrNotFound, "slot %d out of range", slotIndex)
	}
	s := p.getSlot(slotIndex)
	if s.Flags == SlotDeleted {
		return nil, dberr.Wrap(dberr.ErrNotFound, "slot %d deleted", slotIndex)
	}
	out := make([]byte, s.Length)
	copy(out, p.buf[s.Offset:int(s.Offset)+int(s.Length)])
	return out, nil
}

// Slot returns the raw slot entry at slotIndex, for callers that need to
// inspect flags (e.g. HasOverflow) without paying for a payload copy.
func (p *Page) Slot(slotIndex int) (SlotEntry, error) {
	if slotIndex < 0 || slotIndex >= p.SlotCount() {
		return SlotEntry{}, dberr.Wrap(dberr.ErrNotFound, "slot %d out of range", slotIndex)
	}
	return p.getSlot(slotIndex), nil
}

// MarkDeleted flags a slot as Deleted. Callers holding an overflow chain
// must free it themselves first (spec.md §4.4).
func (p *Page) MarkDeleted(slotIndex int) error {
	if slotIndex < 0 || slotIndex >= p.SlotCount() {
		return dberr.Wrap(dberr.ErrNotFound, "slot %d out of range", slotIndex)
	}
	s := p.getSlot(slotIndex)
	s.Flags = SlotDeleted
	p.putSlot(slotIndex, s)
	return nil
}

// UpdateInPlace overwrites a slot's payload without moving it, allowed
// only when the new data is no larger than the existing slot and the slot
// carries no overflow chain (spec.md §4.4).
func (p *Page) UpdateInPlace(slotIndex int, data []byte) error {
	if slotIndex < 0 || slotIndex >= p.SlotCount() {
		return dberr.Wrap(dberr.ErrNotFound, "slot %d out of range", slotIndex)
	}
	s := p.getSlot(slotIndex)
	if s.Flags == SlotHasOverflow {
		return dberr.Wrap(dberr.ErrInvariant, "slot %d has overflow, cannot update in place", slotIndex)
	}
	if len(data) > int(s.Length) {
		return dberr.Wrap(dberr.ErrInvariant, "update too large for slot %d: %d > %d", slotIndex, len(data), s.Length)
	}
	copy(p.buf[s.Offset:int(s.Offset)+len(data)], data)
	s.Length = uint16(len(data))
	p.putSlot(slotIndex, s)
	return nil
}

// SetOverflowFlag marks slotIndex as carrying an overflow chain.
func (p *Page) SetOverflowFlag(slotIndex int) error {
	if slotIndex < 0 || slotIndex >= p.SlotCount() {
		return dberr.Wrap(dberr.ErrNotFound, "slot %d out of range", slotIndex)
	}
	s := p.getSlot(slotIndex)
	s.Flags = SlotHasOverflow
	p.putSlot(slotIndex, s)
	return nil
}
