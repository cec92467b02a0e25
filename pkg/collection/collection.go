package collection

import (
	"sort"
	"strings"
	"sync"

	"github.com/antonellof/docstore/pkg/btree"
	"github.com/antonellof/docstore/pkg/config"
	"github.com/antonellof/docstore/pkg/dberr"
	"github.com/antonellof/docstore/pkg/dictionary"
	"github.com/antonellof/docstore/pkg/index"
	"github.com/antonellof/docstore/pkg/logging"
	"github.com/antonellof/docstore/pkg/metrics"
	"github.com/antonellof/docstore/pkg/slotted"
	"github.com/antonellof/docstore/pkg/storage"
	"github.com/antonellof/docstore/pkg/timeseries"
	"go.mongodb.org/mongo-driver/bson"
)

// Collection is the L5 record-level API of spec.md §4.7, composing the
// slotted page layer, the primary B+Tree, and any secondary indexes
// attached to a named set of documents.
type Collection struct {
	engine  *storage.Engine
	catalog *Catalog
	dict    *dictionary.Dictionary
	cfg     *config.Config
	log     *logging.Logger
	metrics *metrics.Collector

	mu        sync.Mutex
	meta      *CollectionMetadata
	primary   *btree.BTree
	secondary map[string]*btree.BTree

	// vector, spatial, and series are the L5' satellite handles of
	// spec.md §4.7, rebuilt from meta.VectorSource/meta.TimeSeries and
	// the IndexSpatial catalog entry on Open. Nil until a satellite is
	// created for this collection.
	vector  *index.Graph
	spatial *index.RTree
	series  *timeseries.Series

	freeHints      map[uint32]uint16
	insertPageHint uint32
}

// Create registers a new, empty named collection: allocates its first
// data page and its primary B+Tree root, writes its catalog record, and
// creates a B+Tree root for each requested secondary index.
func Create(engine *storage.Engine, txID uint64, name string, indexes []IndexMetadata, dict *dictionary.Dictionary, cfg *config.Config, log *logging.Logger, m *metrics.Collector) (*Collection, error) {
	catalog := NewCatalog(engine)
	if _, err := catalog.Find(name); err == nil {
		return nil, dberr.Wrap(dberr.ErrConflict, "collection %q already exists", name)
	}

	firstDataPageID, err := engine.AllocatePage()
	if err != nil {
		return nil, err
	}
	dataPage := slotted.New(make([]byte, engine.PageSize()), firstDataPageID, storage.PageTypeData)
	if err := engine.WritePage(firstDataPageID, txID, dataPage.Bytes()); err != nil {
		return nil, err
	}

	primary, err := btree.Create(engine, txID, cfg.BTreeMaxEntries, log, m)
	if err != nil {
		return nil, err
	}

	meta := &CollectionMetadata{
		Name:              name,
		PrimaryRootPageID: primary.RootPageID(),
	}

	secondary := make(map[string]*btree.BTree, len(indexes))
	for _, idx := range indexes {
		tree, err := btree.Create(engine, txID, cfg.BTreeMaxEntries, log, m)
		if err != nil {
			return nil, err
		}
		idx.RootPageID = tree.RootPageID()
		meta.Indexes = append(meta.Indexes, idx)
		secondary[idx.Name] = tree
	}

	if err := catalog.Put(meta); err != nil {
		return nil, err
	}

	return &Collection{
		engine:         engine,
		catalog:        catalog,
		dict:           dict,
		cfg:            cfg,
		log:            log,
		metrics:        m,
		meta:           meta,
		primary:        primary,
		secondary:      secondary,
		freeHints:      map[uint32]uint16{firstDataPageID: dataPageFreeSpace(dataPage)},
		insertPageHint: firstDataPageID,
	}, nil
}

// Open reattaches to an existing named collection, rebuilding its
// B+Tree handles from the catalog record.
func Open(engine *storage.Engine, name string, dict *dictionary.Dictionary, cfg *config.Config, log *logging.Logger, m *metrics.Collector) (*Collection, error) {
	catalog := NewCatalog(engine)
	meta, err := catalog.Find(name)
	if err != nil {
		return nil, err
	}

	primary := btree.Open(engine, meta.PrimaryRootPageID, cfg.BTreeMaxEntries, log, m)
	secondary := make(map[string]*btree.BTree, len(meta.Indexes))
	var spatial *index.RTree
	for _, idx := range meta.Indexes {
		switch idx.Type {
		case IndexSpatial:
			spatial = index.OpenRTree(engine, idx.RootPageID, cfg.BTreeMaxEntries, log, m)
		default:
			secondary[idx.Name] = btree.Open(engine, idx.RootPageID, cfg.BTreeMaxEntries, log, m)
		}
	}

	var vector *index.Graph
	if meta.VectorSource != nil {
		var err error
		vector, err = index.OpenGraph(engine, 0, meta.VectorSource.RootPageID, meta.VectorSource.EntryPointLocation,
			int(meta.VectorSource.Dimensions), index.DistanceMetric(meta.VectorSource.Metric), nil)
		if err != nil {
			return nil, err
		}
	}

	var series *timeseries.Series
	if meta.TimeSeries != nil {
		var err error
		series, err = timeseries.Open(engine, 0, meta.TimeSeries.RootPageID, meta.TimeSeries.RetentionSeconds)
		if err != nil {
			return nil, err
		}
	}

	return &Collection{
		engine:    engine,
		catalog:   catalog,
		dict:      dict,
		cfg:       cfg,
		log:       log,
		metrics:   m,
		meta:      meta,
		primary:   primary,
		secondary: secondary,
		vector:    vector,
		spatial:   spatial,
		series:    series,
		freeHints: make(map[uint32]uint16),
	}, nil
}

// persistMeta refreshes meta's root-page IDs from the live primary and
// secondary B+Tree handles and the spatial R-Tree, then writes the
// catalog record back, honoring the "callers persist into the owning
// collection's catalog record" contract documented on
// btree.BTree.RootPageID and index.RTree.RootPageID. The vector-source
// and time-series fields are not refreshed here; the record carries
// whatever values their own methods last stored in meta. Callers must
// hold c.mu.
func (c *Collection) persistMeta() error {
	c.meta.PrimaryRootPageID = c.primary.RootPageID()
	for i := range c.meta.Indexes {
		if tree, ok := c.secondary[c.meta.Indexes[i].Name]; ok {
			c.meta.Indexes[i].RootPageID = tree.RootPageID()
		}
	}
	if c.spatial != nil {
		for i := range c.meta.Indexes {
			if c.meta.Indexes[i].Type == IndexSpatial {
				c.meta.Indexes[i].RootPageID = c.spatial.RootPageID()
			}
		}
	}
	return c.catalog.Put(c.meta)
}

func dataPageFreeSpace(p *slotted.Page) uint16 { return uint16(p.AvailableFreeSpace()) }

// Insert adds a new document under primaryKey, maintaining every
// secondary index attached to the collection.
func (c *Collection) Insert(tx *storage.Transaction, primaryKey interface{}, doc bson.M) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	pk, err := EncodeKey(primaryKey)
	if err != nil {
		return err
	}
	if _, ok, err := c.primary.TryFind(pk, tx.ID); err != nil {
		return err
	} else if ok {
		return dberr.Wrap(dberr.ErrConflict, "duplicate primary key %s", keyString(primaryKey))
	}

	raw, err := marshalDocument(doc)
	if err != nil {
		return err
	}

	payload, hasOverflow, err := encodeWithOverflow(c.engine, tx.ID, raw, c.cfg.MaxSinglePageDocument, c.engine.PageSize())
	if err != nil {
		return err
	}

	loc, err := c.insertPayload(tx, payload, hasOverflow)
	if err != nil {
		return err
	}

	if err := c.primary.Insert(tx.ID, pk, loc); err != nil {
		return err
	}
	if err := c.updateSecondaryIndexes(tx, doc, loc, nil); err != nil {
		return err
	}
	return c.persistMeta()
}

// insertPayload places payload into the collection's current hint page,
// falling back to a fresh page when the hint page can't fit it.
func (c *Collection) insertPayload(tx *storage.Transaction, payload []byte, hasOverflow bool) (btree.DocumentLocation, error) {
	pageID := c.insertPageHint
	if pageID == 0 {
		var err error
		pageID, err = c.allocateDataPage(tx)
		if err != nil {
			return btree.DocumentLocation{}, err
		}
	}

	buf, err := c.engine.ReadPage(pageID, tx.ID)
	if err != nil {
		return btree.DocumentLocation{}, err
	}
	page := slotted.Load(buf)
	if page.AvailableFreeSpace() < len(payload)+slotted.SlotSize {
		pageID, err = c.allocateDataPage(tx)
		if err != nil {
			return btree.DocumentLocation{}, err
		}
		buf, err = c.engine.ReadPage(pageID, tx.ID)
		if err != nil {
			return btree.DocumentLocation{}, err
		}
		page = slotted.Load(buf)
	}

	slotIdx, err := page.Insert(payload)
	if err != nil {
		return btree.DocumentLocation{}, err
	}
	if hasOverflow {
		if err := page.SetOverflowFlag(slotIdx); err != nil {
			return btree.DocumentLocation{}, err
		}
	}
	page.SetTransactionID(tx.ID)
	if err := c.engine.WritePage(pageID, tx.ID, page.Bytes()); err != nil {
		return btree.DocumentLocation{}, err
	}

	c.freeHints[pageID] = uint16(page.AvailableFreeSpace())
	c.insertPageHint = pageID
	return btree.DocumentLocation{PageID: pageID, SlotIndex: uint16(slotIdx)}, nil
}

func (c *Collection) allocateDataPage(tx *storage.Transaction) (uint32, error) {
	pageID, err := c.engine.AllocatePage()
	if err != nil {
		return 0, err
	}
	page := slotted.New(make([]byte, c.engine.PageSize()), pageID, storage.PageTypeData)
	if err := c.engine.WritePage(pageID, tx.ID, page.Bytes()); err != nil {
		return 0, err
	}
	c.freeHints[pageID] = uint16(page.AvailableFreeSpace())
	return pageID, nil
}

// readRawDocument loads the raw BSON bytes stored at loc, resolving the
// overflow chain if the slot is a stub, but without unmarshaling them.
// Scan's predicate runs against this representation so that documents
// rejected by the predicate never pay for full BSON deserialization
// (spec.md §4.7).
func (c *Collection) readRawDocument(tx *storage.Transaction, loc btree.DocumentLocation) ([]byte, error) {
	buf, err := c.engine.ReadPage(loc.PageID, tx.ID)
	if err != nil {
		return nil, err
	}
	page := slotted.Load(buf)
	slot, err := page.Slot(int(loc.SlotIndex))
	if err != nil {
		return nil, err
	}
	payload, err := page.Read(int(loc.SlotIndex))
	if err != nil {
		return nil, err
	}

	if slot.Flags == slotted.SlotHasOverflow {
		return decodeWithOverflow(c.engine, tx.ID, payload)
	}
	return payload, nil
}

// readDocument loads and deserializes the document at loc.
func (c *Collection) readDocument(tx *storage.Transaction, loc btree.DocumentLocation) (bson.M, error) {
	raw, err := c.readRawDocument(tx, loc)
	if err != nil {
		return nil, err
	}
	return unmarshalDocument(raw)
}

// Find looks up the document stored under primaryKey.
func (c *Collection) Find(tx *storage.Transaction, primaryKey interface{}) (bson.M, error) {
	pk, err := EncodeKey(primaryKey)
	if err != nil {
		return nil, err
	}
	loc, ok, err := c.primary.TryFind(pk, tx.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, dberr.Wrap(dberr.ErrNotFound, "no document with primary key %s", keyString(primaryKey))
	}
	return c.readDocument(tx, loc)
}

// Update replaces the document stored under primaryKey with doc,
// updating in place when the new payload fits the existing slot and
// moving (freeing the old slot/overflow chain) otherwise.
func (c *Collection) Update(tx *storage.Transaction, primaryKey interface{}, doc bson.M) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	pk, err := EncodeKey(primaryKey)
	if err != nil {
		return err
	}
	loc, ok, err := c.primary.TryFind(pk, tx.ID)
	if err != nil {
		return err
	}
	if !ok {
		return dberr.Wrap(dberr.ErrNotFound, "no document with primary key %s", keyString(primaryKey))
	}

	oldDoc, err := c.readDocument(tx, loc)
	if err != nil {
		return err
	}

	raw, err := marshalDocument(doc)
	if err != nil {
		return err
	}
	payload, hasOverflow, err := encodeWithOverflow(c.engine, tx.ID, raw, c.cfg.MaxSinglePageDocument, c.engine.PageSize())
	if err != nil {
		return err
	}

	buf, err := c.engine.ReadPage(loc.PageID, tx.ID)
	if err != nil {
		return err
	}
	page := slotted.Load(buf)
	oldSlot, err := page.Slot(int(loc.SlotIndex))
	if err != nil {
		return err
	}

	newLoc := loc
	if !hasOverflow && oldSlot.Flags != slotted.SlotHasOverflow && len(payload) <= int(oldSlot.Length) {
		if err := page.UpdateInPlace(int(loc.SlotIndex), payload); err != nil {
			return err
		}
		page.SetTransactionID(tx.ID)
		if err := c.engine.WritePage(loc.PageID, tx.ID, page.Bytes()); err != nil {
			return err
		}
	} else {
		if oldSlot.Flags == slotted.SlotHasOverflow {
			oldPayload, err := page.Read(int(loc.SlotIndex))
			if err != nil {
				return err
			}
			if err := freeOverflowChain(c.engine, tx.ID, getUint32(oldPayload[4:8])); err != nil {
				return err
			}
		}
		if err := page.MarkDeleted(int(loc.SlotIndex)); err != nil {
			return err
		}
		page.SetTransactionID(tx.ID)
		if err := c.engine.WritePage(loc.PageID, tx.ID, page.Bytes()); err != nil {
			return err
		}

		newLoc, err = c.insertPayload(tx, payload, hasOverflow)
		if err != nil {
			return err
		}
		if _, err := c.primary.Delete(tx.ID, pk, loc); err != nil {
			return err
		}
		if err := c.primary.Insert(tx.ID, pk, newLoc); err != nil {
			return err
		}
	}

	if err := c.updateSecondaryIndexes(tx, nil, loc, oldDoc); err != nil {
		return err
	}
	if err := c.updateSecondaryIndexes(tx, doc, newLoc, nil); err != nil {
		return err
	}
	return c.persistMeta()
}

// Delete removes the document stored under primaryKey.
func (c *Collection) Delete(tx *storage.Transaction, primaryKey interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	pk, err := EncodeKey(primaryKey)
	if err != nil {
		return err
	}
	loc, ok, err := c.primary.TryFind(pk, tx.ID)
	if err != nil {
		return err
	}
	if !ok {
		return dberr.Wrap(dberr.ErrNotFound, "no document with primary key %s", keyString(primaryKey))
	}

	oldDoc, err := c.readDocument(tx, loc)
	if err != nil {
		return err
	}

	buf, err := c.engine.ReadPage(loc.PageID, tx.ID)
	if err != nil {
		return err
	}
	page := slotted.Load(buf)
	slot, err := page.Slot(int(loc.SlotIndex))
	if err != nil {
		return err
	}
	if slot.Flags == slotted.SlotHasOverflow {
		payload, err := page.Read(int(loc.SlotIndex))
		if err != nil {
			return err
		}
		if err := freeOverflowChain(c.engine, tx.ID, getUint32(payload[4:8])); err != nil {
			return err
		}
	}
	if err := page.MarkDeleted(int(loc.SlotIndex)); err != nil {
		return err
	}
	page.SetTransactionID(tx.ID)
	if err := c.engine.WritePage(loc.PageID, tx.ID, page.Bytes()); err != nil {
		return err
	}

	if _, err := c.primary.Delete(tx.ID, pk, loc); err != nil {
		return err
	}
	if err := c.updateSecondaryIndexes(tx, nil, loc, oldDoc); err != nil {
		return err
	}
	return c.persistMeta()
}

// updateSecondaryIndexes reconciles every attached secondary index after
// a write: newDoc == nil means "document removed", oldDoc == nil means
// "document newly inserted".
func (c *Collection) updateSecondaryIndexes(tx *storage.Transaction, newDoc bson.M, loc btree.DocumentLocation, oldDoc bson.M) error {
	for _, idx := range c.meta.Indexes {
		if idx.Type == IndexVector || idx.Type == IndexSpatial {
			continue // maintained by their own satellite structures, not the generic B+Tree path
		}
		tree := c.secondary[idx.Name]
		if tree == nil {
			continue
		}
		if oldDoc != nil {
			if fv, ok := extractPath(oldDoc, idx.PropertyPaths); ok {
				if key, err := EncodeKey(fv); err == nil {
					composite := btree.EncodeCompositeKey(key, locationTieBreaker(loc))
					_, _ = tree.Delete(tx.ID, composite, loc)
				}
			}
		}
		if newDoc != nil {
			if fv, ok := extractPath(newDoc, idx.PropertyPaths); ok {
				key, err := EncodeKey(fv)
				if err != nil {
					continue
				}
				composite := btree.EncodeCompositeKey(key, locationTieBreaker(loc))
				if err := tree.Insert(tx.ID, composite, loc); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// locationTieBreaker derives the composite-key ID suffix from a
// document's slot location, giving every secondary-index entry a stable
// per-document tie-breaker without needing the primary key in scope.
func locationTieBreaker(loc btree.DocumentLocation) btree.IndexKey {
	return btree.EncodeFixedBlob(loc.Encode(), 16)
}

// extractPath walks a dotted field path (paths[0] only — composite
// multi-property indexes are Non-goals per spec.md) into doc.
func extractPath(doc bson.M, paths []string) (interface{}, bool) {
	if len(paths) == 0 {
		return nil, false
	}
	segments := strings.Split(paths[0], ".")
	var cur interface{} = doc
	for _, seg := range segments {
		m, ok := cur.(bson.M)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// ScanPredicate inspects a document's raw BSON bytes — after overflow
// resolution, before unmarshaling — and reports whether it should be
// included in a Scan result. Operating on raw bytes lets a predicate
// that only needs a few fields (e.g. a lightweight bson.Raw.Lookup)
// reject a document without paying for a full bson.M unmarshal
// (spec.md §4.7).
type ScanPredicate func(raw []byte) bool

// Scan walks every document in primary-key order, returning those for
// which predicate returns true (or all documents if predicate is nil).
func (c *Collection) Scan(tx *storage.Transaction, predicate ScanPredicate) ([]bson.M, error) {
	entries, err := c.primary.Range(btree.MinKey, btree.MaxKey, btree.Forward, tx.ID)
	if err != nil {
		return nil, err
	}
	return c.scanEntries(tx, entries, predicate)
}

// ScanParallel behaves like Scan but partitions the primary-key range
// into workers contiguous chunks and scans each chunk on its own
// goroutine (spec.md §4.7's "parallel variant... partitions the page
// range across worker threads"). Results preserve each chunk's relative
// order but are concatenated chunk by chunk, not globally re-sorted.
// workers <= 1 scans sequentially on the calling goroutine.
func (c *Collection) ScanParallel(tx *storage.Transaction, predicate ScanPredicate, workers int) ([]bson.M, error) {
	entries, err := c.primary.Range(btree.MinKey, btree.MaxKey, btree.Forward, tx.ID)
	if err != nil {
		return nil, err
	}
	if workers < 1 {
		workers = 1
	}
	if workers > len(entries) {
		workers = len(entries)
	}
	if workers <= 1 {
		return c.scanEntries(tx, entries, predicate)
	}

	chunkSize := (len(entries) + workers - 1) / workers
	results := make([][]bson.M, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		start := w * chunkSize
		if start >= len(entries) {
			break
		}
		end := start + chunkSize
		if end > len(entries) {
			end = len(entries)
		}
		wg.Add(1)
		go func(w int, chunk []btree.IndexEntry) {
			defer wg.Done()
			docs, err := c.scanEntries(tx, chunk, predicate)
			results[w] = docs
			errs[w] = err
		}(w, entries[start:end])
	}
	wg.Wait()

	var out []bson.M
	for w := 0; w < workers; w++ {
		if errs[w] != nil {
			return nil, errs[w]
		}
		out = append(out, results[w]...)
	}
	return out, nil
}

// scanEntries filters and deserializes entries, applying predicate to
// each document's raw bytes before unmarshaling.
func (c *Collection) scanEntries(tx *storage.Transaction, entries []btree.IndexEntry, predicate ScanPredicate) ([]bson.M, error) {
	out := make([]bson.M, 0, len(entries))
	for _, e := range entries {
		raw, err := c.readRawDocument(tx, e.Location)
		if err != nil {
			return nil, err
		}
		if predicate != nil && !predicate(raw) {
			continue
		}
		doc, err := unmarshalDocument(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

// Item is one (primaryKey, document) pair for BulkInsert.
type Item struct {
	PrimaryKey interface{}
	Document   bson.M
}

// bulkBatchSize is the micro-batch size BulkInsert serializes in
// parallel before writing pages/indexes sequentially (spec.md §4.7:
// "bulk insert parallelizes serialization but not page or index writes,
// which must stay ordered for WAL and B+Tree correctness").
const bulkBatchSize = 50

// BulkInsert inserts items in micro-batches, marshaling each batch's
// documents concurrently and then writing pages and index entries one at
// a time in the batch's original order.
func (c *Collection) BulkInsert(tx *storage.Transaction, items []Item) error {
	for start := 0; start < len(items); start += bulkBatchSize {
		end := start + bulkBatchSize
		if end > len(items) {
			end = len(items)
		}
		batch := items[start:end]

		raws := make([][]byte, len(batch))
		errs := make([]error, len(batch))
		var wg sync.WaitGroup
		for i, item := range batch {
			wg.Add(1)
			go func(i int, doc bson.M) {
				defer wg.Done()
				raw, err := marshalDocument(doc)
				raws[i] = raw
				errs[i] = err
			}(i, item.Document)
		}
		wg.Wait()

		for i, item := range batch {
			if errs[i] != nil {
				return errs[i]
			}
			c.mu.Lock()
			pk, err := EncodeKey(item.PrimaryKey)
			if err != nil {
				c.mu.Unlock()
				return err
			}
			if _, ok, err := c.primary.TryFind(pk, tx.ID); err != nil {
				c.mu.Unlock()
				return err
			} else if ok {
				c.mu.Unlock()
				return dberr.Wrap(dberr.ErrConflict, "duplicate primary key %s", keyString(item.PrimaryKey))
			}

			payload, hasOverflow, err := encodeWithOverflow(c.engine, tx.ID, raws[i], c.cfg.MaxSinglePageDocument, c.engine.PageSize())
			if err != nil {
				c.mu.Unlock()
				return err
			}
			loc, err := c.insertPayload(tx, payload, hasOverflow)
			if err != nil {
				c.mu.Unlock()
				return err
			}
			if err := c.primary.Insert(tx.ID, pk, loc); err != nil {
				c.mu.Unlock()
				return err
			}
			err = c.updateSecondaryIndexes(tx, item.Document, loc, nil)
			c.mu.Unlock()
			if err != nil {
				return err
			}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.persistMeta()
}

// CreateVectorIndex attaches an HNSW vector satellite (spec.md §4.7) to
// the collection. A collection carries at most one vector index.
func (c *Collection) CreateVectorIndex(tx *storage.Transaction, dimensions int, metric index.DistanceMetric) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.meta.VectorSource != nil {
		return dberr.Wrap(dberr.ErrConflict, "collection %q already has a vector index", c.meta.Name)
	}
	g, err := index.CreateGraph(c.engine, tx.ID, dimensions, metric, nil)
	if err != nil {
		return err
	}
	c.vector = g
	c.meta.VectorSource = &VectorSourceConfig{
		RootPageID: g.RegistryRootPageID(),
		Dimensions: int32(dimensions),
		Metric:     uint8(metric),
	}
	return c.catalog.Put(c.meta)
}

// VectorInsert adds id/vector to the collection's vector index.
func (c *Collection) VectorInsert(tx *storage.Transaction, id string, vector []float32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.vector == nil {
		return dberr.Wrap(dberr.ErrInvariant, "collection %q has no vector index", c.meta.Name)
	}
	if err := c.vector.Add(tx.ID, id, vector); err != nil {
		return err
	}
	return c.persistVectorSourceLocked()
}

// VectorDelete removes id from the collection's vector index.
func (c *Collection) VectorDelete(tx *storage.Transaction, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.vector == nil {
		return dberr.Wrap(dberr.ErrInvariant, "collection %q has no vector index", c.meta.Name)
	}
	if err := c.vector.Delete(tx.ID, id); err != nil {
		return err
	}
	return c.persistVectorSourceLocked()
}

// VectorSearch returns the k nearest neighbors of query under the
// collection's vector index.
func (c *Collection) VectorSearch(tx *storage.Transaction, query []float32, k int) ([]index.Candidate, error) {
	c.mu.Lock()
	g := c.vector
	c.mu.Unlock()
	if g == nil {
		return nil, dberr.Wrap(dberr.ErrInvariant, "collection %q has no vector index", c.meta.Name)
	}
	return g.Search(tx.ID, query, k, 0)
}

// persistVectorSourceLocked refreshes meta.VectorSource from c.vector's
// current registry root and entry point and writes the catalog record
// back, per index.Graph.RegistryRootPageID and EntryPointLocation's
// persistence contract. Callers must hold c.mu.
func (c *Collection) persistVectorSourceLocked() error {
	c.meta.VectorSource.RootPageID = c.vector.RegistryRootPageID()
	c.meta.VectorSource.EntryPointLocation = c.vector.EntryPointLocation()
	return c.catalog.Put(c.meta)
}

// CreateSpatialIndex attaches an R-Tree spatial satellite (spec.md
// §4.7) to the collection. A collection carries at most one spatial
// index.
func (c *Collection) CreateSpatialIndex(tx *storage.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, idx := range c.meta.Indexes {
		if idx.Type == IndexSpatial {
			return dberr.Wrap(dberr.ErrConflict, "collection %q already has a spatial index", c.meta.Name)
		}
	}
	t, err := index.CreateRTree(c.engine, tx.ID, c.cfg.BTreeMaxEntries, c.log, c.metrics)
	if err != nil {
		return err
	}
	c.spatial = t
	c.meta.Indexes = append(c.meta.Indexes, IndexMetadata{Name: "spatial", Type: IndexSpatial, RootPageID: t.RootPageID()})
	return c.catalog.Put(c.meta)
}

// SpatialInsert indexes primaryKey's current document location under
// rect in the collection's spatial index.
func (c *Collection) SpatialInsert(tx *storage.Transaction, primaryKey interface{}, rect index.Rect) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.spatial == nil {
		return dberr.Wrap(dberr.ErrInvariant, "collection %q has no spatial index", c.meta.Name)
	}
	pk, err := EncodeKey(primaryKey)
	if err != nil {
		return err
	}
	loc, ok, err := c.primary.TryFind(pk, tx.ID)
	if err != nil {
		return err
	}
	if !ok {
		return dberr.Wrap(dberr.ErrNotFound, "no document with primary key %s", keyString(primaryKey))
	}
	if err := c.spatial.Insert(tx.ID, rect, loc); err != nil {
		return err
	}
	return c.persistSpatialRootLocked()
}

// SpatialSearch returns every document whose indexed rect intersects
// query.
func (c *Collection) SpatialSearch(tx *storage.Transaction, query index.Rect) ([]bson.M, error) {
	c.mu.Lock()
	t := c.spatial
	c.mu.Unlock()
	if t == nil {
		return nil, dberr.Wrap(dberr.ErrInvariant, "collection %q has no spatial index", c.meta.Name)
	}
	locs, err := t.Search(tx.ID, query)
	if err != nil {
		return nil, err
	}
	out := make([]bson.M, 0, len(locs))
	for _, loc := range locs {
		doc, err := c.readDocument(tx, loc)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

// persistSpatialRootLocked refreshes the spatial IndexMetadata entry's
// root from c.spatial.RootPageID and writes the catalog record back.
// Callers must hold c.mu.
func (c *Collection) persistSpatialRootLocked() error {
	for i := range c.meta.Indexes {
		if c.meta.Indexes[i].Type == IndexSpatial {
			c.meta.Indexes[i].RootPageID = c.spatial.RootPageID()
		}
	}
	return c.catalog.Put(c.meta)
}

// CreateTimeSeries attaches an append-only time-series satellite
// (spec.md §4.7) to the collection. A collection carries at most one
// time series.
func (c *Collection) CreateTimeSeries(tx *storage.Transaction, retentionSeconds int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.meta.TimeSeries != nil {
		return dberr.Wrap(dberr.ErrConflict, "collection %q already has a time series", c.meta.Name)
	}
	s, err := timeseries.Create(c.engine, tx.ID, retentionSeconds)
	if err != nil {
		return err
	}
	c.series = s
	c.meta.TimeSeries = &TimeSeriesConfig{RootPageID: s.HeadPageID(), RetentionSeconds: retentionSeconds}
	return c.catalog.Put(c.meta)
}

// AppendTimeSeries appends doc under timestamp ts to the collection's
// time series.
func (c *Collection) AppendTimeSeries(tx *storage.Transaction, ts int64, doc bson.M) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.series == nil {
		return dberr.Wrap(dberr.ErrInvariant, "collection %q has no time series", c.meta.Name)
	}
	if err := c.series.Append(tx.ID, ts, doc); err != nil {
		return err
	}
	c.meta.TimeSeries.RootPageID = c.series.HeadPageID()
	return c.catalog.Put(c.meta)
}

// RangeTimeSeries returns every point of the collection's time series
// with a timestamp in [from, to].
func (c *Collection) RangeTimeSeries(tx *storage.Transaction, from, to int64) ([]timeseries.Point, error) {
	c.mu.Lock()
	s := c.series
	c.mu.Unlock()
	if s == nil {
		return nil, dberr.Wrap(dberr.ErrInvariant, "collection %q has no time series", c.meta.Name)
	}
	return s.Range(tx.ID, from, to)
}

// PruneTimeSeries frees whole pages of the collection's time series
// older than cutoff, per the satellite's retention policy.
func (c *Collection) PruneTimeSeries(tx *storage.Transaction, cutoff int64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.series == nil {
		return 0, dberr.Wrap(dberr.ErrInvariant, "collection %q has no time series", c.meta.Name)
	}
	freed, err := c.series.Prune(tx.ID, cutoff)
	if err != nil {
		return 0, err
	}
	c.meta.TimeSeries.RootPageID = c.series.HeadPageID()
	return freed, c.catalog.Put(c.meta)
}

// Stats is a read-only snapshot of a collection's size and index set,
// for operational tooling (pkg/opsserver, cmd/docstore).
type Stats struct {
	Name          string
	DocumentCount int
	IndexNames    []string
}

// Stats counts documents via a primary-index range scan and lists the
// collection's secondary index names.
func (c *Collection) Stats(tx *storage.Transaction) (Stats, error) {
	entries, err := c.primary.Range(btree.MinKey, btree.MaxKey, btree.Forward, tx.ID)
	if err != nil {
		return Stats{}, err
	}
	c.mu.Lock()
	names := make([]string, 0, len(c.secondary))
	for name := range c.secondary {
		names = append(names, name)
	}
	c.mu.Unlock()
	sort.Strings(names)
	return Stats{Name: c.meta.Name, DocumentCount: len(entries), IndexNames: names}, nil
}
