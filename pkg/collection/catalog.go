package collection

import (
	"encoding/binary"

	"github.com/antonellof/docstore/pkg/btree"
	"github.com/antonellof/docstore/pkg/dberr"
	"github.com/antonellof/docstore/pkg/slotted"
	"github.com/antonellof/docstore/pkg/storage"
)

// IndexType enumerates the secondary-index kinds of spec.md §3's
// IndexMetadata.
type IndexType uint8

const (
	IndexBTree IndexType = iota
	IndexHash
	IndexUnique
	IndexVector
	IndexSpatial
)

// IndexMetadata describes one index attached to a collection.
type IndexMetadata struct {
	Name             string
	IsUnique         bool
	Type             IndexType
	PropertyPaths    []string
	RootPageID       uint32
	VectorDimensions int32
	VectorMetric     uint8
}

// TimeSeriesConfig records the root page and retention policy of a
// collection's time-series satellite (spec.md §4.7).
type TimeSeriesConfig struct {
	RootPageID       uint32
	RetentionSeconds int64
}

// VectorSourceConfig records an HNSW satellite's root page, dimensions,
// distance metric, and persisted graph entry point. Persisting the entry
// point (rather than rebuilding it by re-scanning the graph at open) is
// an explicit Open Question decision — see DESIGN.md.
type VectorSourceConfig struct {
	RootPageID         uint32
	Dimensions         int32
	Metric             uint8
	EntryPointLocation btree.DocumentLocation
}

// CollectionMetadata is the catalog record of spec.md §3/§6, serialized
// on the Collection page chain starting at page 1.
type CollectionMetadata struct {
	Name             string
	PrimaryRootPageID uint32
	SchemaRootPageID  uint32
	Indexes           []IndexMetadata
	TimeSeries        *TimeSeriesConfig
	VectorSource      *VectorSourceConfig
}

func putLPString(buf []byte, pos int, s string) int {
	binary.LittleEndian.PutUint32(buf[pos:pos+4], uint32(len(s)))
	pos += 4
	copy(buf[pos:pos+len(s)], s)
	return pos + len(s)
}

func getLPString(buf []byte, pos int) (string, int) {
	n := int(binary.LittleEndian.Uint32(buf[pos : pos+4]))
	pos += 4
	s := string(buf[pos : pos+n])
	return s, pos + n
}

func lpStringSize(s string) int { return 4 + len(s) }

// encodedSize returns the exact wire size of m's core fields (name,
// roots, indexes) before the optional trailing sections.
func (m *CollectionMetadata) encodedSize() int {
	n := lpStringSize(m.Name) + 4 + 4 + 4
	for _, idx := range m.Indexes {
		n += lpStringSize(idx.Name) + 1 + 1 + 4 + 4
		for _, p := range idx.PropertyPaths {
			n += lpStringSize(p)
		}
		if idx.Type == IndexVector {
			n += 4 + 1
		}
	}
	return n
}

// Encode serializes m into the little-endian catalog wire format of
// spec.md §6, including the optional time-series and vector-source
// trailing sections when present.
func (m *CollectionMetadata) Encode() []byte {
	size := m.encodedSize()
	if m.TimeSeries != nil {
		size += 1 + 4 + 8
	} else if m.VectorSource != nil {
		size++
	}
	if m.VectorSource != nil {
		size += 1 + 4 + 4 + 1 + btree.LocationSize
	}
	buf := make([]byte, size)
	pos := 0
	pos = putLPString(buf, pos, m.Name)
	binary.LittleEndian.PutUint32(buf[pos:pos+4], m.PrimaryRootPageID)
	pos += 4
	binary.LittleEndian.PutUint32(buf[pos:pos+4], m.SchemaRootPageID)
	pos += 4
	binary.LittleEndian.PutUint32(buf[pos:pos+4], uint32(len(m.Indexes)))
	pos += 4
	for _, idx := range m.Indexes {
		pos = putLPString(buf, pos, idx.Name)
		if idx.IsUnique {
			buf[pos] = 1
		} else {
			buf[pos] = 0
		}
		pos++
		buf[pos] = byte(idx.Type)
		pos++
		binary.LittleEndian.PutUint32(buf[pos:pos+4], idx.RootPageID)
		pos += 4
		binary.LittleEndian.PutUint32(buf[pos:pos+4], uint32(len(idx.PropertyPaths)))
		pos += 4
		for _, p := range idx.PropertyPaths {
			pos = putLPString(buf, pos, p)
		}
		if idx.Type == IndexVector {
			binary.LittleEndian.PutUint32(buf[pos:pos+4], uint32(idx.VectorDimensions))
			pos += 4
			buf[pos] = idx.VectorMetric
			pos++
		}
	}

	if m.TimeSeries != nil {
		buf[pos] = 1
		pos++
		binary.LittleEndian.PutUint32(buf[pos:pos+4], m.TimeSeries.RootPageID)
		pos += 4
		binary.LittleEndian.PutUint64(buf[pos:pos+8], uint64(m.TimeSeries.RetentionSeconds))
		pos += 8
	} else if m.VectorSource != nil {
		buf[pos] = 0
		pos++
	}
	if m.VectorSource != nil {
		buf[pos] = 1
		pos++
		binary.LittleEndian.PutUint32(buf[pos:pos+4], m.VectorSource.RootPageID)
		pos += 4
		binary.LittleEndian.PutUint32(buf[pos:pos+4], uint32(m.VectorSource.Dimensions))
		pos += 4
		buf[pos] = m.VectorSource.Metric
		pos++
		copy(buf[pos:pos+btree.LocationSize], m.VectorSource.EntryPointLocation.Encode())
		pos += btree.LocationSize
	}
	return buf
}

// DecodeCollectionMetadata reverses Encode. New trailing sections are
// only read if bytes remain in buf past the core record, per spec.md
// §6's backward-compatible trailer convention.
func DecodeCollectionMetadata(buf []byte) (*CollectionMetadata, error) {
	if len(buf) < 4 {
		return nil, dberr.Wrap(dberr.ErrCorruption, "catalog record too short")
	}
	m := &CollectionMetadata{}
	pos := 0
	m.Name, pos = getLPString(buf, pos)
	m.PrimaryRootPageID = binary.LittleEndian.Uint32(buf[pos : pos+4])
	pos += 4
	m.SchemaRootPageID = binary.LittleEndian.Uint32(buf[pos : pos+4])
	pos += 4
	indexCount := int(binary.LittleEndian.Uint32(buf[pos : pos+4]))
	pos += 4

	for i := 0; i < indexCount; i++ {
		var idx IndexMetadata
		idx.Name, pos = getLPString(buf, pos)
		idx.IsUnique = buf[pos] != 0
		pos++
		idx.Type = IndexType(buf[pos])
		pos++
		idx.RootPageID = binary.LittleEndian.Uint32(buf[pos : pos+4])
		pos += 4
		pathCount := int(binary.LittleEndian.Uint32(buf[pos : pos+4]))
		pos += 4
		idx.PropertyPaths = make([]string, pathCount)
		for j := 0; j < pathCount; j++ {
			idx.PropertyPaths[j], pos = getLPString(buf, pos)
		}
		if idx.Type == IndexVector {
			idx.VectorDimensions = int32(binary.LittleEndian.Uint32(buf[pos : pos+4]))
			pos += 4
			idx.VectorMetric = buf[pos]
			pos++
		}
		m.Indexes = append(m.Indexes, idx)
	}

	if pos < len(buf) && buf[pos] != 0 {
		pos++
		m.TimeSeries = &TimeSeriesConfig{
			RootPageID:       binary.LittleEndian.Uint32(buf[pos : pos+4]),
			RetentionSeconds: int64(binary.LittleEndian.Uint64(buf[pos+4 : pos+12])),
		}
		pos += 12
	} else if pos < len(buf) {
		pos++
	}

	if pos < len(buf) && buf[pos] != 0 {
		pos++
		vs := &VectorSourceConfig{
			RootPageID: binary.LittleEndian.Uint32(buf[pos : pos+4]),
			Dimensions: int32(binary.LittleEndian.Uint32(buf[pos+4 : pos+8])),
			Metric:     buf[pos+8],
		}
		pos += 9
		vs.EntryPointLocation = btree.DecodeLocation(buf[pos : pos+btree.LocationSize])
		pos += btree.LocationSize
		m.VectorSource = vs
	}

	return m, nil
}

// Catalog manages the Collection page chain rooted at page 1: one slot
// per collection's CollectionMetadata record, found by linear scan
// across the chain (spec.md §6). Catalog mutations are immediate
// (non-transactional), matching the dictionary's bootstrap-path
// contract in spec.md §4.3.
type Catalog struct {
	engine *storage.Engine
}

// NewCatalog wraps engine's pre-existing page-1 Collection chain.
func NewCatalog(engine *storage.Engine) *Catalog {
	return &Catalog{engine: engine}
}

// Find scans the catalog chain for a collection named name.
func (c *Catalog) Find(name string) (*CollectionMetadata, error) {
	pageID := uint32(1)
	for pageID != 0 {
		buf, err := c.engine.ReadPageImmediate(pageID)
		if err != nil {
			return nil, err
		}
		page := slotted.Load(buf)
		for i := 0; i < page.SlotCount(); i++ {
			slot, err := page.Slot(i)
			if err != nil || slot.Flags == slotted.SlotDeleted {
				continue
			}
			raw, err := page.Read(i)
			if err != nil {
				continue
			}
			meta, err := DecodeCollectionMetadata(raw)
			if err != nil {
				continue
			}
			if meta.Name == name {
				return meta, nil
			}
		}
		pageID = page.NextOverflowPage()
	}
	return nil, dberr.Wrap(dberr.ErrNotFound, "collection %q not found", name)
}

// List returns every collection's catalog record, for operational
// tooling that needs to enumerate the database without knowing names
// in advance.
func (c *Catalog) List() ([]*CollectionMetadata, error) {
	var out []*CollectionMetadata
	pageID := uint32(1)
	for pageID != 0 {
		buf, err := c.engine.ReadPageImmediate(pageID)
		if err != nil {
			return nil, err
		}
		page := slotted.Load(buf)
		for i := 0; i < page.SlotCount(); i++ {
			slot, err := page.Slot(i)
			if err != nil || slot.Flags == slotted.SlotDeleted {
				continue
			}
			raw, err := page.Read(i)
			if err != nil {
				continue
			}
			meta, err := DecodeCollectionMetadata(raw)
			if err != nil {
				continue
			}
			out = append(out, meta)
		}
		pageID = page.NextOverflowPage()
	}
	return out, nil
}

// Put inserts or overwrites meta's catalog record, appending a new chain
// page if the tail is full.
func (c *Catalog) Put(meta *CollectionMetadata) error {
	encoded := meta.Encode()

	pageID := uint32(1)
	var lastPageID uint32
	for pageID != 0 {
		buf, err := c.engine.ReadPageImmediate(pageID)
		if err != nil {
			return err
		}
		page := slotted.Load(buf)
		for i := 0; i < page.SlotCount(); i++ {
			slot, err := page.Slot(i)
			if err != nil || slot.Flags == slotted.SlotDeleted {
				continue
			}
			raw, err := page.Read(i)
			if err != nil {
				continue
			}
			existing, err := DecodeCollectionMetadata(raw)
			if err == nil && existing.Name == meta.Name {
				if err := page.MarkDeleted(i); err != nil {
					return err
				}
				if _, err := page.Insert(encoded); err == nil {
					return c.engine.WritePageImmediate(pageID, buf)
				}
				if err := c.engine.WritePageImmediate(pageID, buf); err != nil {
					return err
				}
				break
			}
		}
		lastPageID = pageID
		pageID = page.NextOverflowPage()
	}

	buf, err := c.engine.ReadPageImmediate(lastPageID)
	if err != nil {
		return err
	}
	page := slotted.Load(buf)
	if _, err := page.Insert(encoded); err == nil {
		return c.engine.WritePageImmediate(lastPageID, buf)
	}

	newID, err := c.engine.AllocatePage()
	if err != nil {
		return err
	}
	newBuf := make([]byte, c.engine.PageSize())
	newPage := slotted.New(newBuf, newID, storage.PageTypeCollection)
	if _, err := newPage.Insert(encoded); err != nil {
		return err
	}
	if err := c.engine.WritePageImmediate(newID, newBuf); err != nil {
		return err
	}
	page.SetNextOverflowPage(newID)
	return c.engine.WritePageImmediate(lastPageID, buf)
}
