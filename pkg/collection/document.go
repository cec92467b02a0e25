package collection

import (
	"sync"

	"github.com/antonellof/docstore/pkg/dberr"
	"github.com/antonellof/docstore/pkg/storage"
	"go.mongodb.org/mongo-driver/bson"
)

// bufferTiers is the adaptive serialize-buffer step ladder of spec.md
// §4.7: most documents fit the small tier; a document that doesn't is
// retried against the next tier up rather than sizing every buffer for
// the worst case.
var bufferTiers = []int{64 * 1024, 2 * 1024 * 1024, 16 * 1024 * 1024}

var bufferPools = func() []*sync.Pool {
	pools := make([]*sync.Pool, len(bufferTiers))
	for i, size := range bufferTiers {
		size := size
		pools[i] = &sync.Pool{New: func() any { return make([]byte, 0, size) }}
	}
	return pools
}()

// marshalDocument serializes doc to BSON using the smallest pooled tier
// buffer that holds it without reallocating, escalating to the next tier
// when the document outgrows the one it was given (spec.md §4.7's
// adaptive serialize buffer).
func marshalDocument(doc bson.M) ([]byte, error) {
	for i, size := range bufferTiers {
		buf := bufferPools[i].Get().([]byte)[:0]
		out, err := bson.MarshalAppend(buf, doc)
		if err != nil {
			bufferPools[i].Put(buf[:0])
			return nil, dberr.Wrap(dberr.ErrInvariant, "marshal document: %v", err)
		}
		if cap(out) <= size || i == len(bufferTiers)-1 {
			result := make([]byte, len(out))
			copy(result, out)
			bufferPools[i].Put(out[:0])
			return result, nil
		}
		bufferPools[i].Put(out[:0])
	}
	return nil, dberr.Wrap(dberr.ErrTooLarge, "document exceeds largest serialize buffer tier")
}

func unmarshalDocument(raw []byte) (bson.M, error) {
	var doc bson.M
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return nil, dberr.Wrap(dberr.ErrCorruption, "unmarshal document: %v", err)
	}
	return doc, nil
}

// overflowHeaderSize is the fixed prefix of a primary slot carrying an
// overflow chain: {total_length:4, first_overflow_page_id:4}, per
// spec.md §4.4 step 1.
const overflowHeaderSize = 4 + 4

func chunkCapacity(pageSize uint32) int { return int(pageSize) - storage.HeaderSize }

// writeOverflowChain splits remaining into chunks of chunkCapacity(pageSize)
// bytes (the page minus its common header) and
// writes them as a forward-linked chain of Overflow pages, allocating and
// writing pages in reverse order so each page's NextPageID is known at
// write time (spec.md §4.4 step 3: "overflow pages allocated and linked
// in reverse order"). Returns the ID of the first (head) overflow page.
func writeOverflowChain(engine *storage.Engine, txID uint64, remaining []byte, pageSize uint32) (uint32, error) {
	capacity := chunkCapacity(pageSize)
	var chunks [][]byte
	for len(remaining) > 0 {
		n := capacity
		if n > len(remaining) {
			n = len(remaining)
		}
		chunks = append(chunks, remaining[:n])
		remaining = remaining[n:]
	}

	nextPageID := uint32(0)
	for i := len(chunks) - 1; i >= 0; i-- {
		pageID, err := engine.AllocatePage()
		if err != nil {
			return 0, err
		}
		buf := make([]byte, pageSize)
		storage.PutHeader(buf, storage.PageHeader{
			PageID:     pageID,
			Type:       storage.PageTypeOverflow,
			NextPageID: nextPageID,
		})
		copy(buf[storage.HeaderSize:], chunks[i])
		if err := engine.WritePage(pageID, txID, buf); err != nil {
			return 0, err
		}
		nextPageID = pageID
	}
	return nextPageID, nil
}

// readOverflowChain reassembles a document's overflow bytes starting at
// firstPageID, reading exactly remaining bytes across the chain.
func readOverflowChain(engine *storage.Engine, txID uint64, firstPageID uint32, remaining int) ([]byte, error) {
	out := make([]byte, 0, remaining)
	pageID := firstPageID
	for remaining > 0 {
		if pageID == 0 {
			return nil, dberr.Wrap(dberr.ErrCorruption, "overflow chain truncated, %d bytes missing", remaining)
		}
		buf, err := engine.ReadPage(pageID, txID)
		if err != nil {
			return nil, err
		}
		h := storage.GetHeader(buf)
		n := chunkCapacity(uint32(len(buf)))
		if n > remaining {
			n = remaining
		}
		out = append(out, buf[storage.HeaderSize:storage.HeaderSize+n]...)
		remaining -= n
		pageID = h.NextPageID
	}
	return out, nil
}

// freeOverflowChain releases every page in the chain starting at
// firstPageID back to the free list, for delete/move-update.
func freeOverflowChain(engine *storage.Engine, txID uint64, firstPageID uint32) error {
	pageID := firstPageID
	for pageID != 0 {
		buf, err := engine.ReadPage(pageID, txID)
		if err != nil {
			return err
		}
		h := storage.GetHeader(buf)
		if err := engine.FreePage(pageID); err != nil {
			return err
		}
		pageID = h.NextPageID
	}
	return nil
}

// encodeWithOverflow prepares the slotted-page payload for raw document
// bytes, splitting into a primary chunk plus an overflow chain when raw
// exceeds maxSinglePage (spec.md §4.4). The returned hasOverflow flag
// tells the caller whether to call Page.SetOverflowFlag after Insert.
func encodeWithOverflow(engine *storage.Engine, txID uint64, raw []byte, maxSinglePage uint32, pageSize uint32) (payload []byte, hasOverflow bool, err error) {
	if uint32(len(raw)) <= maxSinglePage {
		return raw, false, nil
	}

	primaryChunkBytes := int(maxSinglePage) - overflowHeaderSize
	firstOverflowPageID, err := writeOverflowChain(engine, txID, raw[primaryChunkBytes:], pageSize)
	if err != nil {
		return nil, false, err
	}

	out := make([]byte, overflowHeaderSize+primaryChunkBytes)
	putUint32(out[0:4], uint32(len(raw)))
	putUint32(out[4:8], firstOverflowPageID)
	copy(out[overflowHeaderSize:], raw[:primaryChunkBytes])
	return out, true, nil
}

// decodeWithOverflow reverses encodeWithOverflow, reassembling the full
// document bytes from a primary-slot payload that carries an overflow
// chain.
func decodeWithOverflow(engine *storage.Engine, txID uint64, payload []byte) ([]byte, error) {
	totalLength := getUint32(payload[0:4])
	firstOverflowPageID := getUint32(payload[4:8])
	primary := payload[overflowHeaderSize:]

	rest, err := readOverflowChain(engine, txID, firstOverflowPageID, int(totalLength)-len(primary))
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, totalLength)
	out = append(out, primary...)
	out = append(out, rest...)
	return out, nil
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
