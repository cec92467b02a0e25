package btree

import (
	"context"
	"sync"

	"github.com/antonellof/docstore/pkg/dberr"
)

// pageBufferPool rents page-sized scratch buffers for async page fetches.
// A buffer is always returned to the pool before a parsed result is sent
// on the output channel, so it never crosses the channel-send suspension
// point (spec.md §5's pool invariant): the channel only ever carries
// copied, non-aliasing IndexEntry values, never a pool-owned buffer.
var pageBufferPool = sync.Pool{New: func() any { return make([]byte, 0) }}

func rentBuffer(size int) []byte {
	buf := pageBufferPool.Get().([]byte)
	if cap(buf) < size {
		return make([]byte, size)
	}
	return buf[:size]
}

func returnBuffer(buf []byte) {
	pageBufferPool.Put(buf[:0]) //nolint:staticcheck // pool element reuse, not append
}

// AsyncRange mirrors Range but fetches every page through
// Engine.ReadPageAsync, per spec.md §4.6's async cursor / range scan
// contract. Results stream on the returned channel; the channel is
// closed when the scan completes, the bound is exceeded, or ctx is
// cancelled (in which case a final result carrying the cancellation error
// may be sent before the close).
func (t *BTree) AsyncRange(ctx context.Context, minKey, maxKey IndexKey, direction Direction, txID uint64) <-chan AsyncResult {
	out := make(chan AsyncResult, 1)
	go func() {
		defer close(out)
		if err := t.asyncWalk(ctx, minKey, maxKey, direction, txID, out); err != nil {
			select {
			case out <- AsyncResult{Err: err}:
			case <-ctx.Done():
			}
		}
	}()
	return out
}

// AsyncResult is one streamed item from AsyncRange: either a valid Entry
// or a terminal Err.
type AsyncResult struct {
	Entry IndexEntry
	Err   error
}

func (t *BTree) asyncWalk(ctx context.Context, minKey, maxKey IndexKey, direction Direction, txID uint64, out chan<- AsyncResult) error {
	pageID, err := t.asyncDescend(ctx, minKey, maxKey, direction, txID)
	if err != nil {
		return err
	}

	for pageID != 0 {
		buf, err := t.engine.ReadPageAsync(ctx, pageID, txID)
		if err != nil {
			return err
		}
		scratch := rentBuffer(len(buf))
		copy(scratch, buf)
		h, entries := decodeLeaf(scratch)
		returnBuffer(scratch) // returned before any channel send below

		copied := make([]LeafEntry, len(entries))
		copy(copied, entries)

		if direction == Forward {
			for _, e := range copied {
				if maxKey != nil && Compare(e.Key, maxKey) > 0 {
					return nil
				}
				if Compare(e.Key, minKey) < 0 {
					continue
				}
				select {
				case out <- AsyncResult{Entry: IndexEntry{Key: e.Key, Location: e.Location}}:
				case <-ctx.Done():
					return dberr.Wrap(dberr.ErrCancelled, "async range scan: %v", ctx.Err())
				}
			}
			pageID = h.NextLeafPageID
		} else {
			for i := len(copied) - 1; i >= 0; i-- {
				e := copied[i]
				if Compare(e.Key, minKey) < 0 {
					return nil
				}
				if maxKey != nil && Compare(e.Key, maxKey) > 0 {
					continue
				}
				select {
				case out <- AsyncResult{Entry: IndexEntry{Key: e.Key, Location: e.Location}}:
				case <-ctx.Done():
					return dberr.Wrap(dberr.ErrCancelled, "async range scan: %v", ctx.Err())
				}
			}
			pageID = h.PrevLeafPageID
		}
	}
	return nil
}

// asyncDescend walks from the root to the starting leaf for the scan
// direction, using async page fetches throughout.
func (t *BTree) asyncDescend(ctx context.Context, minKey, maxKey IndexKey, direction Direction, txID uint64) (uint32, error) {
	pageID := t.RootPageID()
	for {
		buf, err := t.engine.ReadPageAsync(ctx, pageID, txID)
		if err != nil {
			return 0, err
		}
		h := getNodeHeader(buf)
		if h.IsLeaf {
			return pageID, nil
		}
		_, p0, entries := decodeInternal(buf)
		key := minKey
		if direction == Backward {
			key = maxKey
		}
		idx := findChildIndex(entries, key)
		pageID = childAt(p0, entries, idx)
	}
}
