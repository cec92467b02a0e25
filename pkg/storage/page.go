package storage

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/antonellof/docstore/pkg/dberr"
)

// PageType tags the layout a page's payload follows, per spec.md §3.
type PageType uint8

const (
	PageTypeEmpty PageType = iota
	PageTypeHeader
	PageTypeCollection
	PageTypeData
	PageTypeIndex
	PageTypeFreeList
	PageTypeOverflow
	PageTypeFree
	PageTypeDictionary
	PageTypeSchema
	PageTypeSpatial
	PageTypeVector
	PageTypeTimeSeries
)

// HeaderSize is the size in bytes of the common PageHeader prefix shared
// by every page, per spec.md §3.
const HeaderSize = 32

// PageHeader is the 32-byte prefix common to every page. DictionaryRoot
// is only meaningful on page 0.
type PageHeader struct {
	PageID          uint32
	Type            PageType
	FreeBytes       uint16
	NextPageID      uint32
	TransactionID   uint64
	Checksum        uint32
	DictionaryRoot  uint32
}

// PutHeader encodes h into the first HeaderSize bytes of buf.
func PutHeader(buf []byte, h PageHeader) {
	_ = buf[HeaderSize-1]
	binary.LittleEndian.PutUint32(buf[0:4], h.PageID)
	buf[4] = byte(h.Type)
	binary.LittleEndian.PutUint16(buf[5:7], h.FreeBytes)
	binary.LittleEndian.PutUint32(buf[7:11], h.NextPageID)
	binary.LittleEndian.PutUint64(buf[11:19], h.TransactionID)
	binary.LittleEndian.PutUint32(buf[19:23], h.Checksum)
	binary.LittleEndian.PutUint32(buf[23:27], h.DictionaryRoot)
	// bytes [27:32) reserved for future use, left zeroed.
}

// GetHeader decodes the first HeaderSize bytes of buf.
func GetHeader(buf []byte) PageHeader {
	_ = buf[HeaderSize-1]
	return PageHeader{
		PageID:         binary.LittleEndian.Uint32(buf[0:4]),
		Type:           PageType(buf[4]),
		FreeBytes:      binary.LittleEndian.Uint16(buf[5:7]),
		NextPageID:     binary.LittleEndian.Uint32(buf[7:11]),
		TransactionID:  binary.LittleEndian.Uint64(buf[11:19]),
		Checksum:       binary.LittleEndian.Uint32(buf[19:23]),
		DictionaryRoot: binary.LittleEndian.Uint32(buf[23:27]),
	}
}

// Checksum computes the CRC32 checksum of a page with its checksum field
// zeroed, matching spec.md's Corruption detection contract for WAL replay
// and page validation.
func Checksum(page []byte) uint32 {
	scratch := make([]byte, len(page))
	copy(scratch, page)
	binary.LittleEndian.PutUint32(scratch[19:23], 0)
	return crc32.ChecksumIEEE(scratch)
}

// VerifyChecksum reports whether page's stored checksum matches its
// recomputed checksum.
func VerifyChecksum(page []byte) error {
	h := GetHeader(page)
	if Checksum(page) != h.Checksum {
		return dberr.Wrap(dberr.ErrCorruption, "page %d checksum mismatch", h.PageID)
	}
	return nil
}

// SealChecksum recomputes and writes the checksum field of page in place.
func SealChecksum(page []byte) {
	binary.LittleEndian.PutUint32(page[19:23], Checksum(page))
}
