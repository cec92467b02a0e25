package btree

import "github.com/antonellof/docstore/pkg/dberr"

// IndexEntry pairs a key with the document location it points to.
type IndexEntry struct {
	Key      IndexKey
	Location DocumentLocation
}

// Cursor is the sync IBTreeCursor of spec.md §4.6: backed by the parsed
// leaf entries of the current page, supporting forward/backward
// traversal across the leaf doubly-linked list.
type Cursor struct {
	tree    *BTree
	txID    uint64
	pageID  uint32
	entries []LeafEntry
	pos     int // index into entries; -1 means "before first" / invalid
	valid   bool
}

// NewCursor creates an unpositioned cursor over tree.
func NewCursor(tree *BTree, txID uint64) *Cursor {
	return &Cursor{tree: tree, txID: txID, pos: -1}
}

func (c *Cursor) loadLeftmostLeaf() error {
	pageID := c.tree.RootPageID()
	for {
		buf, err := c.tree.readNode(pageID, c.txID)
		if err != nil {
			return err
		}
		h := getNodeHeader(buf)
		if h.IsLeaf {
			_, entries := decodeLeaf(buf)
			c.pageID = pageID
			c.entries = entries
			return nil
		}
		_, p0, _ := decodeInternal(buf)
		pageID = p0
	}
}

func (c *Cursor) loadRightmostLeaf() error {
	pageID := c.tree.RootPageID()
	for {
		buf, err := c.tree.readNode(pageID, c.txID)
		if err != nil {
			return err
		}
		h := getNodeHeader(buf)
		if h.IsLeaf {
			_, entries := decodeLeaf(buf)
			c.pageID = pageID
			c.entries = entries
			return nil
		}
		_, p0, entries := decodeInternal(buf)
		if len(entries) == 0 {
			pageID = p0
		} else {
			pageID = entries[len(entries)-1].Child
		}
	}
}

// MoveToFirst positions the cursor at the smallest key in the tree.
func (c *Cursor) MoveToFirst() error {
	if err := c.loadLeftmostLeaf(); err != nil {
		return err
	}
	c.pos = 0
	c.valid = len(c.entries) > 0
	return nil
}

// MoveToLast positions the cursor at the largest key in the tree.
func (c *Cursor) MoveToLast() error {
	if err := c.loadRightmostLeaf(); err != nil {
		return err
	}
	c.pos = len(c.entries) - 1
	c.valid = c.pos >= 0
	return nil
}

// Seek descends to the leaf that would contain key; returns true on an
// exact hit, false but positioned at the next-greater entry otherwise
// (spec.md §4.6).
func (c *Cursor) Seek(key IndexKey) (bool, error) {
	pageID := c.tree.RootPageID()
	for {
		buf, err := c.tree.readNode(pageID, c.txID)
		if err != nil {
			return false, err
		}
		h := getNodeHeader(buf)
		if h.IsLeaf {
			_, entries := decodeLeaf(buf)
			pos := 0
			for pos < len(entries) && Compare(entries[pos].Key, key) < 0 {
				pos++
			}
			for pos == len(entries) && h.NextLeafPageID != 0 {
				pageID = h.NextLeafPageID
				if buf, err = c.tree.readNode(pageID, c.txID); err != nil {
					return false, err
				}
				h, entries = decodeLeaf(buf)
				pos = 0
			}
			c.pageID = pageID
			c.entries = entries
			c.pos = pos
			c.valid = pos < len(entries)
			return c.valid && Compare(entries[pos].Key, key) == 0, nil
		}
		_, p0, entries := decodeInternal(buf)
		idx := findChildIndex(entries, key)
		pageID = childAt(p0, entries, idx)
	}
}

// MoveNext advances to the next entry, following the leaf chain as
// needed. Returns false once past the last entry.
func (c *Cursor) MoveNext() (bool, error) {
	if !c.valid {
		return false, nil
	}
	c.pos++
	if c.pos < len(c.entries) {
		return true, nil
	}
	buf, err := c.tree.readNode(c.pageID, c.txID)
	if err != nil {
		return false, err
	}
	h := getNodeHeader(buf)
	if h.NextLeafPageID == 0 {
		c.valid = false
		return false, nil
	}
	nextBuf, err := c.tree.readNode(h.NextLeafPageID, c.txID)
	if err != nil {
		return false, err
	}
	_, entries := decodeLeaf(nextBuf)
	c.pageID = h.NextLeafPageID
	c.entries = entries
	c.pos = 0
	c.valid = len(entries) > 0
	return c.valid, nil
}

// MovePrev retreats to the previous entry, following the leaf chain
// backward as needed. Returns false once before the first entry.
func (c *Cursor) MovePrev() (bool, error) {
	if !c.valid {
		return false, nil
	}
	c.pos--
	if c.pos >= 0 {
		return true, nil
	}
	buf, err := c.tree.readNode(c.pageID, c.txID)
	if err != nil {
		return false, err
	}
	h := getNodeHeader(buf)
	if h.PrevLeafPageID == 0 {
		c.valid = false
		return false, nil
	}
	prevBuf, err := c.tree.readNode(h.PrevLeafPageID, c.txID)
	if err != nil {
		return false, err
	}
	_, entries := decodeLeaf(prevBuf)
	c.pageID = h.PrevLeafPageID
	c.entries = entries
	c.pos = len(entries) - 1
	c.valid = c.pos >= 0
	return c.valid, nil
}

// Current returns the entry at the cursor's position, failing with
// Invariant if the cursor is not positioned on a valid entry.
func (c *Cursor) Current() (IndexEntry, error) {
	if !c.valid || c.pos < 0 || c.pos >= len(c.entries) {
		return IndexEntry{}, dberr.Wrap(dberr.ErrInvariant, "cursor-current on invalid cursor")
	}
	e := c.entries[c.pos]
	return IndexEntry{Key: e.Key, Location: e.Location}, nil
}
