package btree

import (
	"sync"

	"github.com/antonellof/docstore/pkg/dberr"
	"github.com/antonellof/docstore/pkg/logging"
	"github.com/antonellof/docstore/pkg/metrics"
	"github.com/antonellof/docstore/pkg/storage"
)

// BTree is the L4 ordered index of spec.md §4.6, backed by the Storage
// Engine's page read/write contract. A single BTree instance is not
// safe for concurrent mutation from multiple goroutines without external
// serialization, matching spec.md §5's documented single-threaded-
// collection-use assumption; reads may run concurrently with the
// engine's own transaction isolation.
type BTree struct {
	engine     *storage.Engine
	maxEntries int

	mu         sync.Mutex
	rootPageID uint32

	log     *logging.Logger
	metrics *metrics.Collector
}

// Create allocates a fresh, empty leaf root page and returns a BTree
// rooted there. The root page allocation itself is immediate (page
// allocation is not transactional, per spec.md §4.3); its initial
// content is written through txID so it rolls back if the caller's
// transaction aborts before any entry is inserted.
func Create(engine *storage.Engine, txID uint64, maxEntries int, log *logging.Logger, m *metrics.Collector) (*BTree, error) {
	if log == nil {
		log = logging.Nop()
	}
	rootID, err := engine.AllocatePage()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, engine.PageSize())
	storage.PutHeader(buf, storage.PageHeader{PageID: rootID, Type: storage.PageTypeIndex})
	if err := encodeLeaf(buf, NodeHeader{PageID: rootID}, nil); err != nil {
		return nil, err
	}
	if err := engine.WritePage(rootID, txID, buf); err != nil {
		return nil, err
	}
	return &BTree{engine: engine, maxEntries: maxEntries, rootPageID: rootID, log: log.With("btree"), metrics: m}, nil
}

// Open wraps an existing B+Tree whose root is already at rootPageID
// (read from the owning collection's catalog record).
func Open(engine *storage.Engine, rootPageID uint32, maxEntries int, log *logging.Logger, m *metrics.Collector) *BTree {
	if log == nil {
		log = logging.Nop()
	}
	return &BTree{engine: engine, maxEntries: maxEntries, rootPageID: rootPageID, log: log.With("btree"), metrics: m}
}

// RootPageID returns the tree's current root page, which callers persist
// into the owning collection's catalog record whenever it changes.
func (t *BTree) RootPageID() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rootPageID
}

func (t *BTree) readNode(pageID uint32, txID uint64) ([]byte, error) {
	return t.engine.ReadPage(pageID, txID)
}

// TryFind descends to the leaf that would contain key and returns its
// location, if present.
func (t *BTree) TryFind(key IndexKey, txID uint64) (DocumentLocation, bool, error) {
	t.mu.Lock()
	root := t.rootPageID
	t.mu.Unlock()

	pageID := root
	for {
		buf, err := t.readNode(pageID, txID)
		if err != nil {
			return DocumentLocation{}, false, err
		}
		h := getNodeHeader(buf)
		if h.IsLeaf {
			_, entries := decodeLeaf(buf)
			for _, e := range entries {
				if Compare(e.Key, key) == 0 {
					return e.Location, true, nil
				}
			}
			return DocumentLocation{}, false, nil
		}
		_, p0, entries := decodeInternal(buf)
		idx := findChildIndex(entries, key)
		pageID = childAt(p0, entries, idx)
	}
}

// Insert adds key→location, failing with Conflict if key already exists
// (spec.md §4.6: B+Tree keys are always unique; secondary-index
// duplicates are modeled by the caller via composite keys).
func (t *BTree) Insert(txID uint64, key IndexKey, loc DocumentLocation) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	promoted, newPageID, split, err := t.insertInto(txID, t.rootPageID, key, loc)
	if err != nil {
		return err
	}
	if !split {
		return nil
	}

	newRootID, err := t.engine.AllocatePage()
	if err != nil {
		return err
	}
	buf := make([]byte, t.engine.PageSize())
	storage.PutHeader(buf, storage.PageHeader{PageID: newRootID, Type: storage.PageTypeIndex})
	if err := encodeInternal(buf, NodeHeader{PageID: newRootID}, t.rootPageID, []InternalEntry{{Key: promoted, Child: newPageID}}); err != nil {
		return err
	}
	if err := t.engine.WritePage(newRootID, txID, buf); err != nil {
		return err
	}
	t.rootPageID = newRootID
	if t.metrics != nil {
		t.metrics.IncSplit("root")
	}
	return nil
}

// insertInto recursively descends to the right leaf, inserting key/loc,
// and propagates splits back up the call stack (spec.md §4.6's split
// protocol, expressed as post-order recursion instead of a parent
// chain recorded during descent — equivalent behavior, more idiomatic
// in Go than hand-rolled stack bookkeeping).
func (t *BTree) insertInto(txID uint64, pageID uint32, key IndexKey, loc DocumentLocation) (promoted IndexKey, newPageID uint32, split bool, err error) {
	buf, err := t.readNode(pageID, txID)
	if err != nil {
		return nil, 0, false, err
	}
	h := getNodeHeader(buf)

	if h.IsLeaf {
		_, entries := decodeLeaf(buf)
		pos := 0
		for pos < len(entries) && Compare(entries[pos].Key, key) < 0 {
			pos++
		}
		if pos < len(entries) && Compare(entries[pos].Key, key) == 0 {
			return nil, 0, false, dberr.Wrap(dberr.ErrConflict, "key already present in index")
		}
		entries = append(entries, LeafEntry{})
		copy(entries[pos+1:], entries[pos:])
		entries[pos] = LeafEntry{Key: key, Location: loc}

		if len(entries) < t.maxEntries {
			if err := encodeLeaf(buf, h, entries); err != nil {
				return nil, 0, false, err
			}
			return nil, 0, false, t.engine.WritePage(pageID, txID, buf)
		}
		return t.splitLeaf(txID, h, buf, entries)
	}

	_, p0, entries := decodeInternal(buf)
	idx := findChildIndex(entries, key)
	childID := childAt(p0, entries, idx)

	childPromoted, childNewPageID, childSplit, err := t.insertInto(txID, childID, key, loc)
	if err != nil {
		return nil, 0, false, err
	}
	if !childSplit {
		return nil, 0, false, nil
	}

	insertAt := idx + 1
	entries = append(entries, InternalEntry{})
	copy(entries[insertAt+1:], entries[insertAt:])
	entries[insertAt] = InternalEntry{Key: childPromoted, Child: childNewPageID}

	if len(entries) < t.maxEntries {
		if err := encodeInternal(buf, h, p0, entries); err != nil {
			return nil, 0, false, err
		}
		return nil, 0, false, t.engine.WritePage(pageID, txID, buf)
	}
	return t.splitInternal(txID, h, buf, p0, entries)
}

// splitLeaf implements spec.md §4.6's leaf split: split at ceil(n/2),
// rewrite the original with the left half, write a new right leaf,
// relink the prev/next doubly-linked list, and promote the right
// leaf's first key.
func (t *BTree) splitLeaf(txID uint64, h NodeHeader, buf []byte, entries []LeafEntry) (IndexKey, uint32, bool, error) {
	mid := (len(entries) + 1) / 2
	left := entries[:mid]
	right := entries[mid:]

	newPageID, err := t.engine.AllocatePage()
	if err != nil {
		return nil, 0, false, err
	}

	oldNext := h.NextLeafPageID

	leftHeader := h
	leftHeader.NextLeafPageID = newPageID
	if err := encodeLeaf(buf, leftHeader, left); err != nil {
		return nil, 0, false, err
	}
	if err := t.engine.WritePage(h.PageID, txID, buf); err != nil {
		return nil, 0, false, err
	}

	rightBuf := make([]byte, t.engine.PageSize())
	storage.PutHeader(rightBuf, storage.PageHeader{PageID: newPageID, Type: storage.PageTypeIndex})
	rightHeader := NodeHeader{PageID: newPageID, ParentPageID: h.ParentPageID, PrevLeafPageID: h.PageID, NextLeafPageID: oldNext}
	if err := encodeLeaf(rightBuf, rightHeader, right); err != nil {
		return nil, 0, false, err
	}
	if err := t.engine.WritePage(newPageID, txID, rightBuf); err != nil {
		return nil, 0, false, err
	}

	if oldNext != 0 {
		nextBuf, err := t.readNode(oldNext, txID)
		if err != nil {
			return nil, 0, false, err
		}
		nextHeader := getNodeHeader(nextBuf)
		_, nextEntries := decodeLeaf(nextBuf)
		nextHeader.PrevLeafPageID = newPageID
		if err := encodeLeaf(nextBuf, nextHeader, nextEntries); err != nil {
			return nil, 0, false, err
		}
		if err := t.engine.WritePage(oldNext, txID, nextBuf); err != nil {
			return nil, 0, false, err
		}
	}

	if t.metrics != nil {
		t.metrics.IncSplit("leaf")
	}
	return right[0].Key, newPageID, true, nil
}

// splitInternal implements spec.md §4.6's internal split: the median
// entry is promoted; its child pointer becomes the new right node's p0.
func (t *BTree) splitInternal(txID uint64, h NodeHeader, buf []byte, p0 uint32, entries []InternalEntry) (IndexKey, uint32, bool, error) {
	mid := len(entries) / 2
	left := entries[:mid]
	median := entries[mid]
	right := entries[mid+1:]

	newPageID, err := t.engine.AllocatePage()
	if err != nil {
		return nil, 0, false, err
	}

	if err := encodeInternal(buf, h, p0, left); err != nil {
		return nil, 0, false, err
	}
	if err := t.engine.WritePage(h.PageID, txID, buf); err != nil {
		return nil, 0, false, err
	}

	rightBuf := make([]byte, t.engine.PageSize())
	storage.PutHeader(rightBuf, storage.PageHeader{PageID: newPageID, Type: storage.PageTypeIndex})
	rightHeader := NodeHeader{PageID: newPageID, ParentPageID: h.ParentPageID}
	if err := encodeInternal(rightBuf, rightHeader, median.Child, right); err != nil {
		return nil, 0, false, err
	}
	if err := t.engine.WritePage(newPageID, txID, rightBuf); err != nil {
		return nil, 0, false, err
	}

	if t.metrics != nil {
		t.metrics.IncSplit("internal")
	}
	return median.Key, newPageID, true, nil
}

// Delete removes the entry matching both key and location exactly
// (required because secondary indexes encode duplicates via composite
// keys, per spec.md §4.6), running the underflow protocol if needed.
// Returns whether an entry was actually removed.
func (t *BTree) Delete(txID uint64, key IndexKey, loc DocumentLocation) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed, _, err := t.deleteFrom(txID, t.rootPageID, key, loc)
	if err != nil {
		return false, err
	}
	if !removed {
		return false, nil
	}

	buf, err := t.readNode(t.rootPageID, txID)
	if err != nil {
		return true, err
	}
	h := getNodeHeader(buf)
	if !h.IsLeaf {
		_, p0, entries := decodeInternal(buf)
		if len(entries) == 0 {
			if err := t.engine.FreePage(t.rootPageID); err != nil {
				return true, err
			}
			t.rootPageID = p0
		}
	}
	return true, nil
}

// deleteFrom recursively descends to the owning leaf, removes the
// entry, and propagates merges back up when a child underflows.
func (t *BTree) deleteFrom(txID uint64, pageID uint32, key IndexKey, loc DocumentLocation) (removed bool, underflow bool, err error) {
	buf, err := t.readNode(pageID, txID)
	if err != nil {
		return false, false, err
	}
	h := getNodeHeader(buf)

	if h.IsLeaf {
		_, entries := decodeLeaf(buf)
		pos := -1
		for i, e := range entries {
			if Compare(e.Key, key) == 0 && e.Location.Equal(loc) {
				pos = i
				break
			}
		}
		if pos == -1 {
			return false, false, nil
		}
		entries = append(entries[:pos], entries[pos+1:]...)
		if err := encodeLeaf(buf, h, entries); err != nil {
			return false, false, err
		}
		if err := t.engine.WritePage(pageID, txID, buf); err != nil {
			return false, false, err
		}
		isRoot := pageID == t.rootPageID
		return true, !isRoot && len(entries) < t.maxEntries/2, nil
	}

	_, p0, entries := decodeInternal(buf)
	idx := findChildIndex(entries, key)
	childID := childAt(p0, entries, idx)

	removed, childUnderflow, err := t.deleteFrom(txID, childID, key, loc)
	if err != nil || !removed || !childUnderflow {
		return removed, false, err
	}

	if err := t.mergeChild(txID, pageID, &h, p0, entries, idx); err != nil {
		return true, false, err
	}

	buf, err = t.readNode(pageID, txID)
	if err != nil {
		return true, false, err
	}
	h = getNodeHeader(buf)
	_, _, entries = decodeInternal(buf)
	isRoot := pageID == t.rootPageID
	return true, !isRoot && len(entries) < t.maxEntries/2, nil
}

// mergeChild merges the child at idx (-1 meaning p0) with its sibling,
// always-merge per spec.md §4.6's simplified underflow protocol: merge
// with the right sibling if idx==-1 (child is p0), else with the left.
func (t *BTree) mergeChild(txID uint64, parentID uint32, parentHeader *NodeHeader, p0 uint32, entries []InternalEntry, idx int) error {
	if idx == -1 {
		if len(entries) == 0 {
			return nil
		}
		return t.mergeSiblings(txID, parentID, parentHeader, p0, entries, -1, 0)
	}
	return t.mergeSiblings(txID, parentID, parentHeader, p0, entries, idx-1, idx)
}

// mergeSiblings merges the child at rightIdx into the child at leftIdx
// (either may be -1, meaning p0), patches the parent's entries, and
// frees the absorbed page.
func (t *BTree) mergeSiblings(txID uint64, parentID uint32, parentHeader *NodeHeader, p0 uint32, entries []InternalEntry, leftIdx, rightIdx int) error {
	leftID := childAt(p0, entries, leftIdx)
	rightID := childAt(p0, entries, rightIdx)

	leftBuf, err := t.readNode(leftID, txID)
	if err != nil {
		return err
	}
	rightBuf, err := t.readNode(rightID, txID)
	if err != nil {
		return err
	}
	leftH := getNodeHeader(leftBuf)

	if leftH.IsLeaf {
		_, leftEntries := decodeLeaf(leftBuf)
		_, rightEntries := decodeLeaf(rightBuf)
		merged := append(leftEntries, rightEntries...)
		rightH := getNodeHeader(rightBuf)
		leftH.NextLeafPageID = rightH.NextLeafPageID
		if err := encodeLeaf(leftBuf, leftH, merged); err != nil {
			return err
		}
		if err := t.engine.WritePage(leftID, txID, leftBuf); err != nil {
			return err
		}
		if rightH.NextLeafPageID != 0 {
			nextBuf, err := t.readNode(rightH.NextLeafPageID, txID)
			if err != nil {
				return err
			}
			nextHeader := getNodeHeader(nextBuf)
			_, nextEntries := decodeLeaf(nextBuf)
			nextHeader.PrevLeafPageID = leftID
			if err := encodeLeaf(nextBuf, nextHeader, nextEntries); err != nil {
				return err
			}
			if err := t.engine.WritePage(rightH.NextLeafPageID, txID, nextBuf); err != nil {
				return err
			}
		}
	} else {
		_, leftP0, leftEntries := decodeInternal(leftBuf)
		_, rightP0, rightEntries := decodeInternal(rightBuf)
		separatorKey := entries[rightIdx].Key
		merged := append(leftEntries, InternalEntry{Key: separatorKey, Child: rightP0})
		merged = append(merged, rightEntries...)
		if err := encodeInternal(leftBuf, leftH, leftP0, merged); err != nil {
			return err
		}
		if err := t.engine.WritePage(leftID, txID, leftBuf); err != nil {
			return err
		}
	}

	if err := t.engine.FreePage(rightID); err != nil {
		return err
	}
	if t.metrics != nil {
		kind := "leaf"
		if !leftH.IsLeaf {
			kind = "internal"
		}
		t.metrics.IncMerge(kind)
	}

	removeIdx := rightIdx
	if removeIdx == -1 {
		removeIdx = leftIdx
	}
	newEntries := append(entries[:removeIdx], entries[removeIdx+1:]...)
	newP0 := p0
	if leftIdx == -1 && rightIdx == 0 {
		newP0 = leftID
	}

	parentBuf := make([]byte, t.engine.PageSize())
	storage.PutHeader(parentBuf, storage.PageHeader{PageID: parentID, Type: storage.PageTypeIndex})
	if err := encodeInternal(parentBuf, *parentHeader, newP0, newEntries); err != nil {
		return err
	}
	return t.engine.WritePage(parentID, txID, parentBuf)
}
