// Package timeseries implements the L5' append-only time-series
// satellite of spec.md §4.7: packed-BSON documents keyed by timestamp,
// appended to a forward-linked chain of PageTypeTimeSeries pages, with
// whole-page pruning once every entry on a page predates a retention
// cutoff. Grounded on pkg/collection/document.go's overflow-chain
// allocate/link/read style, generalized from one reverse-linked chain
// per document to one forward-linked, append-growing chain per series.
package timeseries

import (
	"encoding/binary"
	"sort"

	"github.com/antonellof/docstore/pkg/dberr"
	"github.com/antonellof/docstore/pkg/storage"
	"go.mongodb.org/mongo-driver/bson"
)

// pageHeaderSize is the series-local header following the common 32-byte
// PageHeader: {used_bytes:2, entry_count:2, min_ts:8, max_ts:8}.
const pageHeaderSize = 2 + 2 + 8 + 8
const payloadOffset = storage.HeaderSize + pageHeaderSize

// entryHeaderSize is the per-entry prefix: {timestamp:8, doc_len:4}.
const entryHeaderSize = 8 + 4

type pageLocalHeader struct {
	usedBytes  uint16
	entryCount uint16
	minTS      int64
	maxTS      int64
}

func getPageLocalHeader(buf []byte) pageLocalHeader {
	off := storage.HeaderSize
	return pageLocalHeader{
		usedBytes:  binary.LittleEndian.Uint16(buf[off : off+2]),
		entryCount: binary.LittleEndian.Uint16(buf[off+2 : off+4]),
		minTS:      int64(binary.LittleEndian.Uint64(buf[off+4 : off+12])),
		maxTS:      int64(binary.LittleEndian.Uint64(buf[off+12 : off+20])),
	}
}

func putPageLocalHeader(buf []byte, h pageLocalHeader) {
	off := storage.HeaderSize
	binary.LittleEndian.PutUint16(buf[off:off+2], h.usedBytes)
	binary.LittleEndian.PutUint16(buf[off+2:off+4], h.entryCount)
	binary.LittleEndian.PutUint64(buf[off+4:off+12], uint64(h.minTS))
	binary.LittleEndian.PutUint64(buf[off+12:off+20], uint64(h.maxTS))
}

// Point is one decoded time-series record.
type Point struct {
	Timestamp int64
	Document  bson.M
}

func decodeEntries(buf []byte, h pageLocalHeader) ([]Point, error) {
	points := make([]Point, 0, h.entryCount)
	pos := payloadOffset
	end := payloadOffset + int(h.usedBytes)
	for pos < end {
		ts := int64(binary.LittleEndian.Uint64(buf[pos : pos+8]))
		pos += 8
		docLen := int(binary.LittleEndian.Uint32(buf[pos : pos+4]))
		pos += 4
		var doc bson.M
		if err := bson.Unmarshal(buf[pos:pos+docLen], &doc); err != nil {
			return nil, dberr.Wrap(dberr.ErrCorruption, "unmarshal time-series entry: %v", err)
		}
		pos += docLen
		points = append(points, Point{Timestamp: ts, Document: doc})
	}
	return points, nil
}

// Series is a page-backed append-only time-series chain.
type Series struct {
	engine *storage.Engine

	headPageID uint32 // oldest page, pruning advances this
	tailPageID uint32 // newest page, appends go here

	retentionSeconds int64
}

// Create allocates a fresh series with a single empty head/tail page.
func Create(engine *storage.Engine, txID uint64, retentionSeconds int64) (*Series, error) {
	pageID, err := engine.AllocatePage()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, engine.PageSize())
	storage.PutHeader(buf, storage.PageHeader{PageID: pageID, Type: storage.PageTypeTimeSeries})
	if err := engine.WritePage(pageID, txID, buf); err != nil {
		return nil, err
	}
	return &Series{engine: engine, headPageID: pageID, tailPageID: pageID, retentionSeconds: retentionSeconds}, nil
}

// Open reattaches to an existing series rooted at headPageID, walking
// forward to locate the current tail (the chain is expected to be short
// enough in practice that a linear walk at open time is cheap, matching
// the catalog's own linear-scan-on-open simplicity elsewhere in this
// module).
func Open(engine *storage.Engine, txID uint64, headPageID uint32, retentionSeconds int64) (*Series, error) {
	s := &Series{engine: engine, headPageID: headPageID, retentionSeconds: retentionSeconds}
	pageID := headPageID
	for {
		buf, err := engine.ReadPage(pageID, txID)
		if err != nil {
			return nil, err
		}
		h := storage.GetHeader(buf)
		if h.NextPageID == 0 {
			s.tailPageID = pageID
			return s, nil
		}
		pageID = h.NextPageID
	}
}

// HeadPageID returns the current chain root, which callers persist into
// CollectionMetadata.TimeSeries.RootPageID whenever Prune moves it.
func (s *Series) HeadPageID() uint32 { return s.headPageID }

// Append inserts doc under timestamp ts, allocating a new tail page when
// the current tail has no room.
func (s *Series) Append(txID uint64, ts int64, doc bson.M) error {
	raw, err := bson.Marshal(doc)
	if err != nil {
		return dberr.Wrap(dberr.ErrInvariant, "marshal time-series entry: %v", err)
	}
	entrySize := entryHeaderSize + len(raw)
	pageSize := int(s.engine.PageSize())
	if payloadOffset+entrySize > pageSize {
		return dberr.Wrap(dberr.ErrTooLarge, "time-series entry of %d bytes exceeds page capacity", len(raw))
	}

	buf, err := s.engine.ReadPage(s.tailPageID, txID)
	if err != nil {
		return err
	}
	h := getPageLocalHeader(buf)

	if payloadOffset+int(h.usedBytes)+entrySize > pageSize {
		newPageID, err := s.engine.AllocatePage()
		if err != nil {
			return err
		}
		oldHeader := storage.GetHeader(buf)
		oldHeader.NextPageID = newPageID
		storage.PutHeader(buf, oldHeader)
		if err := s.engine.WritePage(s.tailPageID, txID, buf); err != nil {
			return err
		}

		buf = make([]byte, pageSize)
		storage.PutHeader(buf, storage.PageHeader{PageID: newPageID, Type: storage.PageTypeTimeSeries})
		h = pageLocalHeader{}
		s.tailPageID = newPageID
	}

	pos := payloadOffset + int(h.usedBytes)
	binary.LittleEndian.PutUint64(buf[pos:pos+8], uint64(ts))
	pos += 8
	binary.LittleEndian.PutUint32(buf[pos:pos+4], uint32(len(raw)))
	pos += 4
	copy(buf[pos:], raw)

	if h.entryCount == 0 {
		h.minTS = ts
		h.maxTS = ts
	} else {
		if ts < h.minTS {
			h.minTS = ts
		}
		if ts > h.maxTS {
			h.maxTS = ts
		}
	}
	h.entryCount++
	h.usedBytes += uint16(entrySize)
	putPageLocalHeader(buf, h)
	return s.engine.WritePage(s.tailPageID, txID, buf)
}

// Range returns every point with from <= timestamp <= to, walking every
// page in the chain (skipping pages whose max_ts < from) and returning
// results ordered by timestamp.
func (s *Series) Range(txID uint64, from, to int64) ([]Point, error) {
	var out []Point
	pageID := s.headPageID
	for pageID != 0 {
		buf, err := s.engine.ReadPage(pageID, txID)
		if err != nil {
			return nil, err
		}
		header := storage.GetHeader(buf)
		local := getPageLocalHeader(buf)
		if local.entryCount > 0 && local.maxTS >= from && local.minTS <= to {
			points, err := decodeEntries(buf, local)
			if err != nil {
				return nil, err
			}
			for _, p := range points {
				if p.Timestamp >= from && p.Timestamp <= to {
					out = append(out, p)
				}
			}
		}
		pageID = header.NextPageID
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

// PruneExpired prunes every page whose newest timestamp is older than
// the series' configured retention window relative to now.
func (s *Series) PruneExpired(txID uint64, now int64) (int, error) {
	return s.Prune(txID, now-s.retentionSeconds)
}

// Prune frees every page whose newest timestamp predates cutoff,
// advancing the series head past them. It never touches the current
// tail page, so an actively-appended series is never left without a
// page to append to. Returns the number of pages freed.
func (s *Series) Prune(txID uint64, cutoff int64) (int, error) {
	freed := 0
	for s.headPageID != s.tailPageID {
		buf, err := s.engine.ReadPage(s.headPageID, txID)
		if err != nil {
			return freed, err
		}
		header := storage.GetHeader(buf)
		local := getPageLocalHeader(buf)
		if local.entryCount > 0 && local.maxTS >= cutoff {
			break
		}
		nextPageID := header.NextPageID
		if err := s.engine.FreePage(s.headPageID); err != nil {
			return freed, err
		}
		s.headPageID = nextPageID
		freed++
	}
	return freed, nil
}
