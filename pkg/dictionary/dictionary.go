// Package dictionary implements the L3b Dictionary Page of spec.md §4.5:
// a sorted key→16-bit-ID mapping, chained across pages, used to intern
// BSON field names so documents can be encoded compactly and compared
// byte-wise by field ID. Grounded on the chained-page, binary-search idea
// of the Dictionary component, and on the teacher's explicit in-memory
// warm-up cache pattern in pkg/core/database.go, generalized from a
// single flat map to the page-backed, cross-transaction store spec.md
// requires.
package dictionary

import (
	"encoding/binary"
	"sort"
	"sync"

	"github.com/antonellof/docstore/pkg/dberr"
	"github.com/antonellof/docstore/pkg/storage"
)

// offsetEntrySize is the size of one entry in the sorted offsets array.
const offsetEntrySize = 2

// dictFieldsSize is the dictionary-specific header on top of the common
// PageHeader: {count:2, free_space_end:2}.
const dictFieldsSize = 2 + 2
const pageHeaderSize = storage.HeaderSize + dictFieldsSize

// Page is one page of the dictionary chain: after the common header,
// {count, free_space_end, offsets[count]} grows up and payload entries
// {key_len:1, key_bytes, value:2} grow down, offsets kept in sorted key
// order for binary search (spec.md §4.5).
type Page struct {
	buf []byte
}

// New wraps a freshly allocated, zeroed page of raw bytes as an empty
// dictionary page.
func New(buf []byte, pageID uint32) *Page {
	p := &Page{buf: buf}
	storage.PutHeader(buf, storage.PageHeader{PageID: pageID, Type: storage.PageTypeDictionary})
	p.setCount(0)
	p.setFreeSpaceEnd(uint16(len(buf)))
	return p
}

// Load wraps existing page bytes for reading/mutation.
func Load(buf []byte) *Page { return &Page{buf: buf} }

// Bytes returns the underlying page buffer.
func (p *Page) Bytes() []byte { return p.buf }

func (p *Page) count() int { return int(binary.LittleEndian.Uint16(p.buf[storage.HeaderSize : storage.HeaderSize+2])) }
func (p *Page) setCount(n int) {
	binary.LittleEndian.PutUint16(p.buf[storage.HeaderSize:storage.HeaderSize+2], uint16(n))
}

func (p *Page) freeSpaceEnd() uint16 {
	return binary.LittleEndian.Uint16(p.buf[storage.HeaderSize+2 : storage.HeaderSize+4])
}
func (p *Page) setFreeSpaceEnd(v uint16) {
	binary.LittleEndian.PutUint16(p.buf[storage.HeaderSize+2:storage.HeaderSize+4], v)
}

func (p *Page) offsetSlot(i int) int { return pageHeaderSize + i*offsetEntrySize }

func (p *Page) offsetAt(i int) uint16 {
	off := p.offsetSlot(i)
	return binary.LittleEndian.Uint16(p.buf[off : off+2])
}

func (p *Page) setOffsetAt(i int, v uint16) {
	off := p.offsetSlot(i)
	binary.LittleEndian.PutUint16(p.buf[off:off+2], v)
}

// entryAt decodes the {key_len:1, key_bytes, value:2} entry starting at
// byte offset off.
func (p *Page) entryAt(off uint16) (key []byte, value uint16) {
	keyLen := int(p.buf[off])
	key = p.buf[int(off)+1 : int(off)+1+keyLen]
	value = binary.LittleEndian.Uint16(p.buf[int(off)+1+keyLen : int(off)+1+keyLen+2])
	return
}

func entrySize(key []byte) int { return 1 + len(key) + 2 }

// PageID returns this page's ID.
func (p *Page) PageID() uint32 { return storage.GetHeader(p.buf).PageID }

// NextPage returns the next page in the dictionary chain, or 0 if this is
// the tail.
func (p *Page) NextPage() uint32 { return storage.GetHeader(p.buf).NextPageID }

// SetNextPage links this page to the next page in the chain.
func (p *Page) SetNextPage(id uint32) {
	h := storage.GetHeader(p.buf)
	h.NextPageID = id
	storage.PutHeader(p.buf, h)
}

// availableSpace returns the bytes free for a new offset slot plus entry.
func (p *Page) availableSpace() int {
	dirEnd := pageHeaderSize + p.count()*offsetEntrySize
	return int(p.freeSpaceEnd()) - dirEnd
}

// Insert stores key→value in sorted position, failing with Invariant if
// insufficient space remains (spec.md §4.5). Keys longer than 255 bytes
// are rejected since key_len is one byte on the wire.
func (p *Page) Insert(key []byte, value uint16) error {
	if len(key) > 255 {
		return dberr.Wrap(dberr.ErrInvariant, "dictionary key too long: %d bytes", len(key))
	}
	need := entrySize(key) + offsetEntrySize
	if p.availableSpace() < need {
		return dberr.Wrap(dberr.ErrInvariant, "insufficient dictionary page space: need %d, have %d", need, p.availableSpace())
	}

	n := p.count()
	insertAt := sort.Search(n, func(i int) bool {
		k, _ := p.entryAt(p.offsetAt(i))
		return string(k) >= string(key)
	})

	newEnd := p.freeSpaceEnd() - uint16(entrySize(key))
	w := int(newEnd)
	p.buf[w] = byte(len(key))
	copy(p.buf[w+1:w+1+len(key)], key)
	binary.LittleEndian.PutUint16(p.buf[w+1+len(key):w+1+len(key)+2], value)

	for i := n; i > insertAt; i-- {
		p.setOffsetAt(i, p.offsetAt(i-1))
	}
	p.setOffsetAt(insertAt, newEnd)

	p.setCount(n + 1)
	p.setFreeSpaceEnd(newEnd)
	return nil
}

// Find performs binary search over the sorted offsets array within this
// single page (spec.md §4.5); callers chain across pages themselves.
func (p *Page) Find(key []byte) (uint16, bool) {
	n := p.count()
	lo, hi := 0, n
	for lo < hi {
		mid := (lo + hi) / 2
		k, v := p.entryAt(p.offsetAt(mid))
		switch {
		case string(k) == string(key):
			return v, true
		case string(k) < string(key):
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return 0, false
}

// All returns every key/value entry on this page as a map (so without
// any order), for cache warm-up (spec.md §4.5's get_all).
func (p *Page) All() map[string]uint16 {
	out := make(map[string]uint16, p.count())
	for i := 0; i < p.count(); i++ {
		k, v := p.entryAt(p.offsetAt(i))
		kc := make([]byte, len(k))
		copy(kc, k)
		out[string(kc)] = v
	}
	return out
}

// Dictionary is the process-wide, cross-transaction field-name interner
// described in spec.md §4.5: a chain of Pages, warmed into in-memory
// key↔id caches at startup, with writes bypassing the transaction path
// entirely.
type Dictionary struct {
	engine     *storage.Engine
	reservedEnd uint16

	mu       sync.Mutex
	keyToID  map[string]uint16
	idToKey  map[uint16]string
	nextID   uint16
	rootPage uint32
	tailPage uint32
}

// Open warms the in-memory maps by walking the dictionary page chain
// rooted at the paged file's dictionary_root_page_id. If no chain exists
// yet, it allocates the root page lazily on first Insert.
func Open(engine *storage.Engine, reservedEnd uint16) (*Dictionary, error) {
	d := &Dictionary{
		engine:      engine,
		reservedEnd: reservedEnd,
		keyToID:     make(map[string]uint16),
		idToKey:     make(map[uint16]string),
		nextID:      reservedEnd + 1,
	}

	root, err := engine.Paged().DictionaryRootPageID()
	if err != nil {
		return nil, err
	}
	d.rootPage = root
	d.tailPage = root

	pageID := root
	for pageID != 0 {
		buf, err := engine.ReadPageImmediate(pageID)
		if err != nil {
			return nil, err
		}
		page := Load(buf)
		for k, v := range page.All() {
			d.keyToID[k] = v
			d.idToKey[v] = k
			if v >= d.nextID {
				d.nextID = v + 1
			}
		}
		d.tailPage = pageID
		pageID = page.NextPage()
	}
	return d, nil
}

// Lookup returns the interned ID for key, if already assigned.
func (d *Dictionary) Lookup(key string) (uint16, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.keyToID[key]
	return id, ok
}

// KeyFor returns the field name for a previously interned ID.
func (d *Dictionary) KeyFor(id uint16) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	k, ok := d.idToKey[id]
	return k, ok
}

// GetOrAdd returns key's ID, assigning and persisting a new one under the
// dictionary lock if key has never been seen (spec.md §4.5). Assignment
// is double-checked after acquiring the lock to avoid racing callers both
// minting an ID for the same key.
func (d *Dictionary) GetOrAdd(key string) (uint16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if id, ok := d.keyToID[key]; ok {
		return id, nil
	}

	id := d.nextID
	if err := d.appendLocked([]byte(key), id); err != nil {
		return 0, err
	}
	d.nextID++
	d.keyToID[key] = id
	d.idToKey[id] = key
	return id, nil
}

// appendLocked writes key→value into the tail page of the chain,
// allocating a new page if the tail is full. Must be called with d.mu
// held. All writes here are immediate (non-transactional) per spec.md
// §4.5.
func (d *Dictionary) appendLocked(key []byte, value uint16) error {
	if d.rootPage == 0 {
		id, err := d.engine.AllocatePage()
		if err != nil {
			return err
		}
		buf := make([]byte, d.engine.PageSize())
		New(buf, id)
		if err := d.engine.WritePageImmediate(id, buf); err != nil {
			return err
		}
		if err := d.engine.Paged().SetDictionaryRootPageID(id); err != nil {
			return err
		}
		d.rootPage = id
		d.tailPage = id
	}

	buf, err := d.engine.ReadPageImmediate(d.tailPage)
	if err != nil {
		return err
	}
	page := Load(buf)
	if err := page.Insert(key, value); err == nil {
		return d.engine.WritePageImmediate(d.tailPage, buf)
	}

	newID, err := d.engine.AllocatePage()
	if err != nil {
		return err
	}
	newBuf := make([]byte, d.engine.PageSize())
	newPage := New(newBuf, newID)
	if err := newPage.Insert(key, value); err != nil {
		return err
	}
	if err := d.engine.WritePageImmediate(newID, newBuf); err != nil {
		return err
	}

	page.SetNextPage(newID)
	if err := d.engine.WritePageImmediate(d.tailPage, buf); err != nil {
		return err
	}
	d.tailPage = newID
	return nil
}
