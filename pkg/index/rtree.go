package index

import (
	"encoding/binary"
	"math"
	"sync"

	"github.com/antonellof/docstore/pkg/btree"
	"github.com/antonellof/docstore/pkg/dberr"
	"github.com/antonellof/docstore/pkg/logging"
	"github.com/antonellof/docstore/pkg/metrics"
	"github.com/antonellof/docstore/pkg/storage"
)

// Rect is an axis-aligned 2D minimum bounding rectangle.
type Rect struct {
	MinX, MinY, MaxX, MaxY float64
}

// Area returns the rectangle's area (0 for a degenerate point).
func (r Rect) Area() float64 {
	return (r.MaxX - r.MinX) * (r.MaxY - r.MinY)
}

// Union returns the smallest rectangle containing both r and o.
func (r Rect) Union(o Rect) Rect {
	return Rect{
		MinX: math.Min(r.MinX, o.MinX),
		MinY: math.Min(r.MinY, o.MinY),
		MaxX: math.Max(r.MaxX, o.MaxX),
		MaxY: math.Max(r.MaxY, o.MaxY),
	}
}

// Enlargement returns how much r's area grows if it had to contain o too.
func (r Rect) Enlargement(o Rect) float64 {
	return r.Union(o).Area() - r.Area()
}

// Intersects reports whether r and o share any point.
func (r Rect) Intersects(o Rect) bool {
	return r.MinX <= o.MaxX && o.MinX <= r.MaxX && r.MinY <= o.MaxY && o.MinY <= r.MaxY
}

const rectSize = 32 // 4 * float64

func putRect(buf []byte, r Rect) {
	binary.LittleEndian.PutUint64(buf[0:8], math.Float64bits(r.MinX))
	binary.LittleEndian.PutUint64(buf[8:16], math.Float64bits(r.MinY))
	binary.LittleEndian.PutUint64(buf[16:24], math.Float64bits(r.MaxX))
	binary.LittleEndian.PutUint64(buf[24:32], math.Float64bits(r.MaxY))
}

func getRect(buf []byte) Rect {
	return Rect{
		MinX: math.Float64frombits(binary.LittleEndian.Uint64(buf[0:8])),
		MinY: math.Float64frombits(binary.LittleEndian.Uint64(buf[8:16])),
		MaxX: math.Float64frombits(binary.LittleEndian.Uint64(buf[16:24])),
		MaxY: math.Float64frombits(binary.LittleEndian.Uint64(buf[24:32])),
	}
}

// spatialNodeHeaderSize: {page_id:4, is_leaf:1, entry_count:2, pad:1}.
const spatialNodeHeaderSize = 8
const spatialPayloadOffset = storage.HeaderSize + spatialNodeHeaderSize

type spatialNodeHeader struct {
	pageID     uint32
	isLeaf     bool
	entryCount uint16
}

func getSpatialHeader(buf []byte) spatialNodeHeader {
	off := storage.HeaderSize
	return spatialNodeHeader{
		pageID:     binary.LittleEndian.Uint32(buf[off : off+4]),
		isLeaf:     buf[off+4] != 0,
		entryCount: binary.LittleEndian.Uint16(buf[off+5 : off+7]),
	}
}

func putSpatialHeader(buf []byte, h spatialNodeHeader) {
	off := storage.HeaderSize
	binary.LittleEndian.PutUint32(buf[off:off+4], h.pageID)
	if h.isLeaf {
		buf[off+4] = 1
	} else {
		buf[off+4] = 0
	}
	binary.LittleEndian.PutUint16(buf[off+5:off+7], h.entryCount)
	buf[off+7] = 0
}

// spatialLeafEntry is one {MBR, location} record.
type spatialLeafEntry struct {
	Rect Rect
	Loc  btree.DocumentLocation
}

// spatialInternalEntry is one {MBR, child page} record.
type spatialInternalEntry struct {
	Rect  Rect
	Child uint32
}

func decodeSpatialLeaf(buf []byte) (spatialNodeHeader, []spatialLeafEntry) {
	h := getSpatialHeader(buf)
	entries := make([]spatialLeafEntry, 0, h.entryCount)
	pos := spatialPayloadOffset
	for i := uint16(0); i < h.entryCount; i++ {
		rect := getRect(buf[pos : pos+rectSize])
		pos += rectSize
		loc := btree.DecodeLocation(buf[pos : pos+btree.LocationSize])
		pos += btree.LocationSize
		entries = append(entries, spatialLeafEntry{Rect: rect, Loc: loc})
	}
	return h, entries
}

func spatialLeafEncodedSize(entries []spatialLeafEntry) int {
	return len(entries) * (rectSize + btree.LocationSize)
}

func encodeSpatialLeaf(buf []byte, h spatialNodeHeader, entries []spatialLeafEntry) error {
	h.isLeaf = true
	h.entryCount = uint16(len(entries))
	if spatialPayloadOffset+spatialLeafEncodedSize(entries) > len(buf) {
		return dberr.Wrap(dberr.ErrInvariant, "spatial leaf page %d overflow: %d entries", h.pageID, len(entries))
	}
	putSpatialHeader(buf, h)
	pos := spatialPayloadOffset
	for _, e := range entries {
		putRect(buf[pos:pos+rectSize], e.Rect)
		pos += rectSize
		copy(buf[pos:pos+btree.LocationSize], e.Loc.Encode())
		pos += btree.LocationSize
	}
	for i := pos; i < len(buf); i++ {
		buf[i] = 0
	}
	return nil
}

func decodeSpatialInternal(buf []byte) (spatialNodeHeader, []spatialInternalEntry) {
	h := getSpatialHeader(buf)
	entries := make([]spatialInternalEntry, 0, h.entryCount)
	pos := spatialPayloadOffset
	for i := uint16(0); i < h.entryCount; i++ {
		rect := getRect(buf[pos : pos+rectSize])
		pos += rectSize
		child := binary.LittleEndian.Uint32(buf[pos : pos+4])
		pos += 4
		entries = append(entries, spatialInternalEntry{Rect: rect, Child: child})
	}
	return h, entries
}

func spatialInternalEncodedSize(entries []spatialInternalEntry) int {
	return len(entries) * (rectSize + 4)
}

func encodeSpatialInternal(buf []byte, h spatialNodeHeader, entries []spatialInternalEntry) error {
	h.isLeaf = false
	h.entryCount = uint16(len(entries))
	if spatialPayloadOffset+spatialInternalEncodedSize(entries) > len(buf) {
		return dberr.Wrap(dberr.ErrInvariant, "spatial internal page %d overflow: %d entries", h.pageID, len(entries))
	}
	putSpatialHeader(buf, h)
	pos := spatialPayloadOffset
	for _, e := range entries {
		putRect(buf[pos:pos+rectSize], e.Rect)
		pos += rectSize
		binary.LittleEndian.PutUint32(buf[pos:pos+4], e.Child)
		pos += 4
	}
	for i := pos; i < len(buf); i++ {
		buf[i] = 0
	}
	return nil
}

func boundingRect(rects []Rect) Rect {
	bound := rects[0]
	for _, r := range rects[1:] {
		bound = bound.Union(r)
	}
	return bound
}

// RTree is the page-backed R-Tree spatial satellite index of spec.md §4.6:
// nodes hold {MBR, pointer} entries, split is quadratic, and MBRs are
// propagated upward on insert. Grounded on the B+Tree's split/merge
// recursion shape (pkg/btree/btree.go), since the example pack carries no
// dedicated R-Tree implementation to imitate directly; the node wire
// format follows the B+Tree's PageHeader+local-header+entries layout.
type RTree struct {
	engine     *storage.Engine
	maxEntries int

	mu         sync.Mutex
	rootPageID uint32

	log     *logging.Logger
	metrics *metrics.Collector
}

// CreateRTree allocates a fresh, empty leaf root page.
func CreateRTree(engine *storage.Engine, txID uint64, maxEntries int, log *logging.Logger, m *metrics.Collector) (*RTree, error) {
	if log == nil {
		log = logging.Nop()
	}
	rootID, err := engine.AllocatePage()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, engine.PageSize())
	storage.PutHeader(buf, storage.PageHeader{PageID: rootID, Type: storage.PageTypeSpatial})
	if err := encodeSpatialLeaf(buf, spatialNodeHeader{pageID: rootID}, nil); err != nil {
		return nil, err
	}
	if err := engine.WritePage(rootID, txID, buf); err != nil {
		return nil, err
	}
	return &RTree{engine: engine, maxEntries: maxEntries, rootPageID: rootID, log: log.With("rtree"), metrics: m}, nil
}

// OpenRTree wraps an existing tree whose root is already at rootPageID.
func OpenRTree(engine *storage.Engine, rootPageID uint32, maxEntries int, log *logging.Logger, m *metrics.Collector) *RTree {
	if log == nil {
		log = logging.Nop()
	}
	return &RTree{engine: engine, maxEntries: maxEntries, rootPageID: rootPageID, log: log.With("rtree"), metrics: m}
}

// RootPageID returns the tree's current root page, which callers persist
// into the owning collection's catalog record whenever it changes.
func (t *RTree) RootPageID() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rootPageID
}

func (t *RTree) readNode(pageID uint32, txID uint64) ([]byte, error) {
	return t.engine.ReadPage(pageID, txID)
}

// Insert adds rect->loc, splitting nodes along the way as needed and
// propagating enlarged MBRs up to the root.
func (t *RTree) Insert(txID uint64, rect Rect, loc btree.DocumentLocation) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	newRect, newPageID, split, err := t.insertInto(txID, t.rootPageID, rect, loc)
	if err != nil {
		return err
	}
	if !split {
		return nil
	}

	buf, err := t.readNode(t.rootPageID, txID)
	if err != nil {
		return err
	}
	oldRect := t.nodeRect(buf)

	newRootID, err := t.engine.AllocatePage()
	if err != nil {
		return err
	}
	rootBuf := make([]byte, t.engine.PageSize())
	storage.PutHeader(rootBuf, storage.PageHeader{PageID: newRootID, Type: storage.PageTypeSpatial})
	entries := []spatialInternalEntry{{Rect: oldRect, Child: t.rootPageID}, {Rect: newRect, Child: newPageID}}
	if err := encodeSpatialInternal(rootBuf, spatialNodeHeader{pageID: newRootID}, entries); err != nil {
		return err
	}
	if err := t.engine.WritePage(newRootID, txID, rootBuf); err != nil {
		return err
	}
	t.rootPageID = newRootID
	if t.metrics != nil {
		t.metrics.IncSplit("spatial_root")
	}
	return nil
}

// nodeRect returns the node's own bounding rectangle, i.e. the union of
// its entries' rects.
func (t *RTree) nodeRect(buf []byte) Rect {
	h := getSpatialHeader(buf)
	if h.isLeaf {
		_, entries := decodeSpatialLeaf(buf)
		if len(entries) == 0 {
			return Rect{}
		}
		rects := make([]Rect, len(entries))
		for i, e := range entries {
			rects[i] = e.Rect
		}
		return boundingRect(rects)
	}
	_, entries := decodeSpatialInternal(buf)
	rects := make([]Rect, len(entries))
	for i, e := range entries {
		rects[i] = e.Rect
	}
	return boundingRect(rects)
}

// insertInto recursively descends toward the child needing least
// enlargement, inserts, and propagates splits back up the call stack
// (mirroring the B+Tree's insertInto recursion, substituting enlargement
// cost for key comparison as the descent rule).
func (t *RTree) insertInto(txID uint64, pageID uint32, rect Rect, loc btree.DocumentLocation) (newRect Rect, newPageID uint32, split bool, err error) {
	buf, err := t.readNode(pageID, txID)
	if err != nil {
		return Rect{}, 0, false, err
	}
	h := getSpatialHeader(buf)

	if h.isLeaf {
		_, entries := decodeSpatialLeaf(buf)
		entries = append(entries, spatialLeafEntry{Rect: rect, Loc: loc})

		if len(entries) <= t.maxEntries {
			if err := encodeSpatialLeaf(buf, h, entries); err != nil {
				return Rect{}, 0, false, err
			}
			return Rect{}, 0, false, t.engine.WritePage(pageID, txID, buf)
		}
		return t.splitLeaf(txID, h, entries)
	}

	_, entries := decodeSpatialInternal(buf)
	idx := chooseSubtree(entries, rect)
	childID := entries[idx].Child

	childRect, childNewPageID, childSplit, err := t.insertInto(txID, childID, rect, loc)
	if err != nil {
		return Rect{}, 0, false, err
	}

	if childSplit {
		entries[idx].Rect = t.rectOf(txID, childID)
		entries = append(entries, spatialInternalEntry{Rect: childRect, Child: childNewPageID})
	} else {
		entries[idx].Rect = entries[idx].Rect.Union(rect)
	}

	if len(entries) <= t.maxEntries {
		if err := encodeSpatialInternal(buf, h, entries); err != nil {
			return Rect{}, 0, false, err
		}
		return Rect{}, 0, false, t.engine.WritePage(pageID, txID, buf)
	}
	return t.splitInternal(txID, h, entries)
}

// rectOf re-reads a node's current bounding rectangle after a child
// write, used to refresh a parent entry for a child that has just been
// split, whose own rect the caller doesn't otherwise have handy.
func (t *RTree) rectOf(txID uint64, pageID uint32) Rect {
	buf, err := t.readNode(pageID, txID)
	if err != nil {
		return Rect{}
	}
	return t.nodeRect(buf)
}

// chooseSubtree picks the entry requiring least area enlargement to
// contain rect, breaking ties toward the smaller resulting area
// (Guttman's ChooseLeaf).
func chooseSubtree(entries []spatialInternalEntry, rect Rect) int {
	best := 0
	bestEnlargement := entries[0].Rect.Enlargement(rect)
	bestArea := entries[0].Rect.Area()
	for i := 1; i < len(entries); i++ {
		enlargement := entries[i].Rect.Enlargement(rect)
		area := entries[i].Rect.Area()
		if enlargement < bestEnlargement || (enlargement == bestEnlargement && area < bestArea) {
			best = i
			bestEnlargement = enlargement
			bestArea = area
		}
	}
	return best
}

// splitLeaf performs Guttman's quadratic split over entries (which already
// includes the newly inserted one) and writes both halves back, the first
// to pageID and the second to a freshly allocated page.
func (t *RTree) splitLeaf(txID uint64, h spatialNodeHeader, entries []spatialLeafEntry) (Rect, uint32, bool, error) {
	groupA, groupB := quadraticSplitLeaf(entries, t.maxEntries)

	newPageID, err := t.engine.AllocatePage()
	if err != nil {
		return Rect{}, 0, false, err
	}

	buf := make([]byte, t.engine.PageSize())
	storage.PutHeader(buf, storage.PageHeader{PageID: h.pageID, Type: storage.PageTypeSpatial})
	if err := encodeSpatialLeaf(buf, spatialNodeHeader{pageID: h.pageID}, groupA); err != nil {
		return Rect{}, 0, false, err
	}
	if err := t.engine.WritePage(h.pageID, txID, buf); err != nil {
		return Rect{}, 0, false, err
	}

	rightBuf := make([]byte, t.engine.PageSize())
	storage.PutHeader(rightBuf, storage.PageHeader{PageID: newPageID, Type: storage.PageTypeSpatial})
	if err := encodeSpatialLeaf(rightBuf, spatialNodeHeader{pageID: newPageID}, groupB); err != nil {
		return Rect{}, 0, false, err
	}
	if err := t.engine.WritePage(newPageID, txID, rightBuf); err != nil {
		return Rect{}, 0, false, err
	}

	if t.metrics != nil {
		t.metrics.IncSplit("spatial_leaf")
	}
	rectsB := make([]Rect, len(groupB))
	for i, e := range groupB {
		rectsB[i] = e.Rect
	}
	return boundingRect(rectsB), newPageID, true, nil
}

func (t *RTree) splitInternal(txID uint64, h spatialNodeHeader, entries []spatialInternalEntry) (Rect, uint32, bool, error) {
	groupA, groupB := quadraticSplitInternal(entries, t.maxEntries)

	newPageID, err := t.engine.AllocatePage()
	if err != nil {
		return Rect{}, 0, false, err
	}

	buf := make([]byte, t.engine.PageSize())
	storage.PutHeader(buf, storage.PageHeader{PageID: h.pageID, Type: storage.PageTypeSpatial})
	if err := encodeSpatialInternal(buf, spatialNodeHeader{pageID: h.pageID}, groupA); err != nil {
		return Rect{}, 0, false, err
	}
	if err := t.engine.WritePage(h.pageID, txID, buf); err != nil {
		return Rect{}, 0, false, err
	}

	rightBuf := make([]byte, t.engine.PageSize())
	storage.PutHeader(rightBuf, storage.PageHeader{PageID: newPageID, Type: storage.PageTypeSpatial})
	if err := encodeSpatialInternal(rightBuf, spatialNodeHeader{pageID: newPageID}, groupB); err != nil {
		return Rect{}, 0, false, err
	}
	if err := t.engine.WritePage(newPageID, txID, rightBuf); err != nil {
		return Rect{}, 0, false, err
	}

	if t.metrics != nil {
		t.metrics.IncSplit("spatial_internal")
	}
	rectsB := make([]Rect, len(groupB))
	for i, e := range groupB {
		rectsB[i] = e.Rect
	}
	return boundingRect(rectsB), newPageID, true, nil
}

// quadraticSplitLeaf implements Guttman's QuadraticSplit: pick the pair
// of entries whose combined rect wastes the most area as seeds, then
// assign the rest one at a time to whichever group enlarges least,
// topping off either group if the other has hit minFill short of
// entries remaining.
func quadraticSplitLeaf(entries []spatialLeafEntry, maxEntries int) ([]spatialLeafEntry, []spatialLeafEntry) {
	minFill := maxEntries / 2
	seedA, seedB := pickSeedsLeaf(entries)

	groupA := []spatialLeafEntry{entries[seedA]}
	groupB := []spatialLeafEntry{entries[seedB]}
	rectA := entries[seedA].Rect
	rectB := entries[seedB].Rect

	remaining := make([]spatialLeafEntry, 0, len(entries)-2)
	for i, e := range entries {
		if i != seedA && i != seedB {
			remaining = append(remaining, e)
		}
	}

	for len(remaining) > 0 {
		if len(groupA)+len(remaining) <= minFill {
			groupA = append(groupA, remaining...)
			break
		}
		if len(groupB)+len(remaining) <= minFill {
			groupB = append(groupB, remaining...)
			break
		}

		next := pickNextLeaf(remaining, rectA, rectB)
		entry := remaining[next]
		remaining = append(remaining[:next], remaining[next+1:]...)

		if rectA.Enlargement(entry.Rect) < rectB.Enlargement(entry.Rect) {
			groupA = append(groupA, entry)
			rectA = rectA.Union(entry.Rect)
		} else {
			groupB = append(groupB, entry)
			rectB = rectB.Union(entry.Rect)
		}
	}
	return groupA, groupB
}

func pickSeedsLeaf(entries []spatialLeafEntry) (int, int) {
	bestWaste := math.Inf(-1)
	var bestI, bestJ int
	for i := 0; i < len(entries); i++ {
		for j := i + 1; j < len(entries); j++ {
			union := entries[i].Rect.Union(entries[j].Rect)
			waste := union.Area() - entries[i].Rect.Area() - entries[j].Rect.Area()
			if waste > bestWaste {
				bestWaste = waste
				bestI, bestJ = i, j
			}
		}
	}
	return bestI, bestJ
}

func pickNextLeaf(remaining []spatialLeafEntry, rectA, rectB Rect) int {
	best := 0
	bestDiff := math.Inf(-1)
	for i, e := range remaining {
		diff := math.Abs(rectA.Enlargement(e.Rect) - rectB.Enlargement(e.Rect))
		if diff > bestDiff {
			bestDiff = diff
			best = i
		}
	}
	return best
}

func quadraticSplitInternal(entries []spatialInternalEntry, maxEntries int) ([]spatialInternalEntry, []spatialInternalEntry) {
	minFill := maxEntries / 2
	seedA, seedB := pickSeedsInternal(entries)

	groupA := []spatialInternalEntry{entries[seedA]}
	groupB := []spatialInternalEntry{entries[seedB]}
	rectA := entries[seedA].Rect
	rectB := entries[seedB].Rect

	remaining := make([]spatialInternalEntry, 0, len(entries)-2)
	for i, e := range entries {
		if i != seedA && i != seedB {
			remaining = append(remaining, e)
		}
	}

	for len(remaining) > 0 {
		if len(groupA)+len(remaining) <= minFill {
			groupA = append(groupA, remaining...)
			break
		}
		if len(groupB)+len(remaining) <= minFill {
			groupB = append(groupB, remaining...)
			break
		}

		next := pickNextInternal(remaining, rectA, rectB)
		entry := remaining[next]
		remaining = append(remaining[:next], remaining[next+1:]...)

		if rectA.Enlargement(entry.Rect) < rectB.Enlargement(entry.Rect) {
			groupA = append(groupA, entry)
			rectA = rectA.Union(entry.Rect)
		} else {
			groupB = append(groupB, entry)
			rectB = rectB.Union(entry.Rect)
		}
	}
	return groupA, groupB
}

func pickSeedsInternal(entries []spatialInternalEntry) (int, int) {
	bestWaste := math.Inf(-1)
	var bestI, bestJ int
	for i := 0; i < len(entries); i++ {
		for j := i + 1; j < len(entries); j++ {
			union := entries[i].Rect.Union(entries[j].Rect)
			waste := union.Area() - entries[i].Rect.Area() - entries[j].Rect.Area()
			if waste > bestWaste {
				bestWaste = waste
				bestI, bestJ = i, j
			}
		}
	}
	return bestI, bestJ
}

func pickNextInternal(remaining []spatialInternalEntry, rectA, rectB Rect) int {
	best := 0
	bestDiff := math.Inf(-1)
	for i, e := range remaining {
		diff := math.Abs(rectA.Enlargement(e.Rect) - rectB.Enlargement(e.Rect))
		if diff > bestDiff {
			bestDiff = diff
			best = i
		}
	}
	return best
}

// Search returns every location whose rect intersects query.
func (t *RTree) Search(txID uint64, query Rect) ([]btree.DocumentLocation, error) {
	t.mu.Lock()
	root := t.rootPageID
	t.mu.Unlock()

	var out []btree.DocumentLocation
	if err := t.searchNode(txID, root, query, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *RTree) searchNode(txID uint64, pageID uint32, query Rect, out *[]btree.DocumentLocation) error {
	buf, err := t.readNode(pageID, txID)
	if err != nil {
		return err
	}
	h := getSpatialHeader(buf)

	if h.isLeaf {
		_, entries := decodeSpatialLeaf(buf)
		for _, e := range entries {
			if e.Rect.Intersects(query) {
				*out = append(*out, e.Loc)
			}
		}
		return nil
	}

	_, entries := decodeSpatialInternal(buf)
	for _, e := range entries {
		if e.Rect.Intersects(query) {
			if err := t.searchNode(txID, e.Child, query, out); err != nil {
				return err
			}
		}
	}
	return nil
}

// Delete removes the leaf entry matching both rect and location exactly,
// shrinking ancestor MBRs along the path but never merging underflowed
// nodes (spec.md §9's documented open question: leaf underflow may
// degrade search fan-out but is not required to self-heal).
func (t *RTree) Delete(txID uint64, rect Rect, loc btree.DocumentLocation) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed, _, err := t.deleteFrom(txID, t.rootPageID, rect, loc)
	return removed, err
}

func (t *RTree) deleteFrom(txID uint64, pageID uint32, rect Rect, loc btree.DocumentLocation) (removed bool, newRect Rect, err error) {
	buf, err := t.readNode(pageID, txID)
	if err != nil {
		return false, Rect{}, err
	}
	h := getSpatialHeader(buf)

	if h.isLeaf {
		_, entries := decodeSpatialLeaf(buf)
		pos := -1
		for i, e := range entries {
			if e.Rect == rect && e.Loc.Equal(loc) {
				pos = i
				break
			}
		}
		if pos == -1 {
			return false, Rect{}, nil
		}
		entries = append(entries[:pos], entries[pos+1:]...)
		if err := encodeSpatialLeaf(buf, h, entries); err != nil {
			return false, Rect{}, err
		}
		if err := t.engine.WritePage(pageID, txID, buf); err != nil {
			return false, Rect{}, err
		}
		if len(entries) == 0 {
			return true, Rect{}, nil
		}
		rects := make([]Rect, len(entries))
		for i, e := range entries {
			rects[i] = e.Rect
		}
		return true, boundingRect(rects), nil
	}

	_, entries := decodeSpatialInternal(buf)
	for i, e := range entries {
		if !e.Rect.Intersects(rect) {
			continue
		}
		childRemoved, childRect, err := t.deleteFrom(txID, e.Child, rect, loc)
		if err != nil {
			return false, Rect{}, err
		}
		if !childRemoved {
			continue
		}
		entries[i].Rect = childRect
		if err := encodeSpatialInternal(buf, h, entries); err != nil {
			return false, Rect{}, err
		}
		if err := t.engine.WritePage(pageID, txID, buf); err != nil {
			return false, Rect{}, err
		}
		rects := make([]Rect, len(entries))
		for j, e2 := range entries {
			rects[j] = e2.Rect
		}
		return true, boundingRect(rects), nil
	}
	return false, Rect{}, nil
}
