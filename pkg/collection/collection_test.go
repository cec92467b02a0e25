package collection

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/antonellof/docstore/pkg/btree"
	"github.com/antonellof/docstore/pkg/config"
	"github.com/antonellof/docstore/pkg/dictionary"
	"github.com/antonellof/docstore/pkg/index"
	"github.com/antonellof/docstore/pkg/logging"
	"github.com/antonellof/docstore/pkg/metrics"
	"github.com/antonellof/docstore/pkg/storage"
	"go.mongodb.org/mongo-driver/bson"
)

func btreeCompositeBounds(t *testing.T, fieldValue string) (btree.IndexKey, btree.IndexKey) {
	t.Helper()
	return btree.CompositePointBounds(btree.EncodeString(fieldValue))
}

func openTestEngine(t *testing.T) (*storage.Engine, *config.Config) {
	t.Helper()
	cfg := config.Default()
	dir := t.TempDir()
	e, err := storage.Open(filepath.Join(dir, "test.db"), cfg, nil, nil)
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e, cfg
}

func commit(t *testing.T, e *storage.Engine, tx *storage.Transaction) {
	t.Helper()
	if err := e.Commit(tx); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func newTestCollection(t *testing.T, name string, indexes []IndexMetadata) (*storage.Engine, *Collection) {
	t.Helper()
	e, cfg := openTestEngine(t)
	log := logging.Nop()
	m := metrics.New("docstore_test", nil)
	dict, err := dictionary.Open(e, cfg.ReservedDictionaryIDs)
	if err != nil {
		t.Fatalf("open dictionary: %v", err)
	}

	tx := e.BeginTransaction(storage.ReadCommitted)
	coll, err := Create(e, tx.ID, name, indexes, dict, cfg, log, m)
	if err != nil {
		t.Fatalf("create collection: %v", err)
	}
	commit(t, e, tx)
	return e, coll
}

func TestCollection_InsertAndFind(t *testing.T) {
	e, coll := newTestCollection(t, "widgets", nil)

	tx := e.BeginTransaction(storage.ReadCommitted)
	doc := bson.M{"name": "sprocket", "weight": int32(12)}
	if err := coll.Insert(tx, int64(1), doc); err != nil {
		t.Fatalf("insert: %v", err)
	}
	commit(t, e, tx)

	tx2 := e.BeginTransaction(storage.ReadCommitted)
	got, err := coll.Find(tx2, int64(1))
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got["name"] != "sprocket" {
		t.Fatalf("expected name=sprocket, got %v", got["name"])
	}
}

func TestCollection_InsertDuplicateConflicts(t *testing.T) {
	e, coll := newTestCollection(t, "widgets", nil)

	tx := e.BeginTransaction(storage.ReadCommitted)
	if err := coll.Insert(tx, int64(1), bson.M{"a": int32(1)}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := coll.Insert(tx, int64(1), bson.M{"a": int32(2)}); err == nil {
		t.Fatal("expected conflict on duplicate primary key")
	}
}

func TestCollection_FindMissingReturnsNotFound(t *testing.T) {
	e, coll := newTestCollection(t, "widgets", nil)
	tx := e.BeginTransaction(storage.ReadCommitted)
	if _, err := coll.Find(tx, int64(99)); err == nil {
		t.Fatal("expected not-found error")
	}
}

func TestCollection_UpdateInPlaceAndMove(t *testing.T) {
	e, coll := newTestCollection(t, "widgets", nil)

	tx := e.BeginTransaction(storage.ReadCommitted)
	if err := coll.Insert(tx, int64(1), bson.M{"tag": "x"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	commit(t, e, tx)

	tx2 := e.BeginTransaction(storage.ReadCommitted)
	if err := coll.Update(tx2, int64(1), bson.M{"tag": "y"}); err != nil {
		t.Fatalf("update in place: %v", err)
	}
	commit(t, e, tx2)

	tx3 := e.BeginTransaction(storage.ReadCommitted)
	big := make([]byte, 4096)
	for i := range big {
		big[i] = byte(i)
	}
	if err := coll.Update(tx3, int64(1), bson.M{"tag": "y", "blob": big}); err != nil {
		t.Fatalf("update with move: %v", err)
	}
	commit(t, e, tx3)

	tx4 := e.BeginTransaction(storage.ReadCommitted)
	got, err := coll.Find(tx4, int64(1))
	if err != nil {
		t.Fatalf("find after move: %v", err)
	}
	if got["tag"] != "y" {
		t.Fatalf("expected tag=y after move, got %v", got["tag"])
	}
}

func TestCollection_Delete(t *testing.T) {
	e, coll := newTestCollection(t, "widgets", nil)

	tx := e.BeginTransaction(storage.ReadCommitted)
	if err := coll.Insert(tx, int64(1), bson.M{"a": int32(1)}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	commit(t, e, tx)

	tx2 := e.BeginTransaction(storage.ReadCommitted)
	if err := coll.Delete(tx2, int64(1)); err != nil {
		t.Fatalf("delete: %v", err)
	}
	commit(t, e, tx2)

	tx3 := e.BeginTransaction(storage.ReadCommitted)
	if _, err := coll.Find(tx3, int64(1)); err == nil {
		t.Fatal("expected not-found after delete")
	}
}

func TestCollection_ScanWithPredicate(t *testing.T) {
	e, coll := newTestCollection(t, "widgets", nil)

	tx := e.BeginTransaction(storage.ReadCommitted)
	for i := int64(0); i < 10; i++ {
		if err := coll.Insert(tx, i, bson.M{"even": i%2 == 0}); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	commit(t, e, tx)

	tx2 := e.BeginTransaction(storage.ReadCommitted)
	results, err := coll.Scan(tx2, func(raw []byte) bool {
		even, _ := bson.Raw(raw).Lookup("even").BooleanOK()
		return even
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(results) != 5 {
		t.Fatalf("expected 5 even documents, got %d", len(results))
	}

	all, err := coll.Scan(tx2, nil)
	if err != nil {
		t.Fatalf("scan all: %v", err)
	}
	if len(all) != 10 {
		t.Fatalf("expected 10 documents total, got %d", len(all))
	}
}

func TestCollection_ScanParallel(t *testing.T) {
	e, coll := newTestCollection(t, "widgets", nil)

	tx := e.BeginTransaction(storage.ReadCommitted)
	for i := int64(0); i < 50; i++ {
		if err := coll.Insert(tx, i, bson.M{"even": i%2 == 0}); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	commit(t, e, tx)

	tx2 := e.BeginTransaction(storage.ReadCommitted)
	results, err := coll.ScanParallel(tx2, func(raw []byte) bool {
		even, _ := bson.Raw(raw).Lookup("even").BooleanOK()
		return even
	}, 4)
	if err != nil {
		t.Fatalf("scan parallel: %v", err)
	}
	if len(results) != 25 {
		t.Fatalf("expected 25 even documents, got %d", len(results))
	}

	all, err := coll.ScanParallel(tx2, nil, 8)
	if err != nil {
		t.Fatalf("scan parallel all: %v", err)
	}
	if len(all) != 50 {
		t.Fatalf("expected 50 documents total, got %d", len(all))
	}
}

func TestCollection_SecondaryIndexMaintainedAcrossUpdate(t *testing.T) {
	e, coll := newTestCollection(t, "widgets", []IndexMetadata{
		{Name: "by_color", Type: IndexBTree, PropertyPaths: []string{"color"}},
	})

	tx := e.BeginTransaction(storage.ReadCommitted)
	if err := coll.Insert(tx, int64(1), bson.M{"color": "red"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	commit(t, e, tx)

	tree := coll.secondary["by_color"]
	lo, hi := btreeCompositeBounds(t, "red")
	entries, err := tree.Range(lo, hi, btree.Forward, 0)
	if err != nil {
		t.Fatalf("range by color=red before update: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry for color=red, got %d", len(entries))
	}

	tx2 := e.BeginTransaction(storage.ReadCommitted)
	if err := coll.Update(tx2, int64(1), bson.M{"color": "blue"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	commit(t, e, tx2)

	entriesAfter, err := tree.Range(lo, hi, btree.Forward, 0)
	if err != nil {
		t.Fatalf("range by color=red after update: %v", err)
	}
	if len(entriesAfter) != 0 {
		t.Fatalf("expected color=red entry removed after update, got %d", len(entriesAfter))
	}
}

func TestCollection_BulkInsert(t *testing.T) {
	e, coll := newTestCollection(t, "widgets", nil)

	tx := e.BeginTransaction(storage.ReadCommitted)
	items := make([]Item, 120)
	for i := range items {
		items[i] = Item{PrimaryKey: int64(i), Document: bson.M{"label": fmt.Sprintf("item-%d", i)}}
	}
	if err := coll.BulkInsert(tx, items); err != nil {
		t.Fatalf("bulk insert: %v", err)
	}
	commit(t, e, tx)

	tx2 := e.BeginTransaction(storage.ReadCommitted)
	for i := range items {
		got, err := coll.Find(tx2, int64(i))
		if err != nil {
			t.Fatalf("find %d after bulk insert: %v", i, err)
		}
		want := fmt.Sprintf("item-%d", i)
		if got["label"] != want {
			t.Fatalf("key %d: expected label %q, got %v", i, want, got["label"])
		}
	}
}

func TestCollection_ReopenAfterClose(t *testing.T) {
	cfg := config.Default()
	dir := t.TempDir()
	path := filepath.Join(dir, "reopen.db")
	log := logging.Nop()
	m := metrics.New("docstore_test_reopen", nil)

	e1, err := storage.Open(path, cfg, nil, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	dict1, err := dictionary.Open(e1, cfg.ReservedDictionaryIDs)
	if err != nil {
		t.Fatalf("open dictionary: %v", err)
	}
	tx := e1.BeginTransaction(storage.ReadCommitted)
	coll1, err := Create(e1, tx.ID, "durable", nil, dict1, cfg, log, m)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := coll1.Insert(tx, int64(7), bson.M{"v": int32(7)}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	commit(t, e1, tx)
	if err := e1.Checkpoint(); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if err := e1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	e2, err := storage.Open(path, cfg, nil, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer e2.Close()
	dict2, err := dictionary.Open(e2, cfg.ReservedDictionaryIDs)
	if err != nil {
		t.Fatalf("reopen dictionary: %v", err)
	}
	coll2, err := Open(e2, "durable", dict2, cfg, log, m)
	if err != nil {
		t.Fatalf("reopen collection: %v", err)
	}
	tx2 := e2.BeginTransaction(storage.ReadCommitted)
	got, err := coll2.Find(tx2, int64(7))
	if err != nil {
		t.Fatalf("find after reopen: %v", err)
	}
	if got["v"] != int32(7) {
		t.Fatalf("expected v=7 after reopen, got %v", got["v"])
	}
}

// TestCollection_ReopenAfterSplit forces the primary B+Tree (and a
// secondary index) past cfg.BTreeMaxEntries, so their roots change mid-
// test, then closes and reopens the engine. Every document and every
// secondary-index lookup must still resolve: a stale root in the
// catalog record would silently strand whatever migrated to the new
// sibling page(s) produced by the split(s).
func TestCollection_ReopenAfterSplit(t *testing.T) {
	cfg := config.Default()
	dir := t.TempDir()
	path := filepath.Join(dir, "split-reopen.db")
	log := logging.Nop()
	m := metrics.New("docstore_test_split_reopen", nil)

	e1, err := storage.Open(path, cfg, nil, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	dict1, err := dictionary.Open(e1, cfg.ReservedDictionaryIDs)
	if err != nil {
		t.Fatalf("open dictionary: %v", err)
	}

	tx := e1.BeginTransaction(storage.ReadCommitted)
	coll1, err := Create(e1, tx.ID, "wide", []IndexMetadata{
		{Name: "by_bucket", Type: IndexBTree, PropertyPaths: []string{"bucket"}},
	}, dict1, cfg, log, m)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	const n = int64(cfg.BTreeMaxEntries) * 3
	for i := int64(0); i < n; i++ {
		doc := bson.M{"label": fmt.Sprintf("item-%d", i), "bucket": fmt.Sprintf("bucket-%d", i%4)}
		if err := coll1.Insert(tx, i, doc); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	commit(t, e1, tx)
	if err := e1.Checkpoint(); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}

	primaryRootBeforeClose := coll1.meta.PrimaryRootPageID
	if err := e1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	e2, err := storage.Open(path, cfg, nil, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer e2.Close()
	dict2, err := dictionary.Open(e2, cfg.ReservedDictionaryIDs)
	if err != nil {
		t.Fatalf("reopen dictionary: %v", err)
	}
	coll2, err := Open(e2, "wide", dict2, cfg, log, m)
	if err != nil {
		t.Fatalf("reopen collection: %v", err)
	}
	if coll2.meta.PrimaryRootPageID != primaryRootBeforeClose {
		t.Fatalf("reopened root %d does not match persisted root %d", coll2.meta.PrimaryRootPageID, primaryRootBeforeClose)
	}

	tx2 := e2.BeginTransaction(storage.ReadCommitted)
	for i := int64(0); i < n; i++ {
		got, err := coll2.Find(tx2, i)
		if err != nil {
			t.Fatalf("find %d after reopen: %v", i, err)
		}
		want := fmt.Sprintf("item-%d", i)
		if got["label"] != want {
			t.Fatalf("key %d: expected label %q, got %v", i, want, got["label"])
		}
	}

	tree := coll2.secondary["by_bucket"]
	minKey, maxKey := btreeCompositeBounds(t, "bucket-0")
	entries, err := tree.Range(minKey, maxKey, btree.Forward, tx2.ID)
	if err != nil {
		t.Fatalf("secondary range after reopen: %v", err)
	}
	if len(entries) != int(n)/4 {
		t.Fatalf("expected %d entries for bucket-0 after reopen, got %d", n/4, len(entries))
	}
}

func TestCollection_VectorIndexEndToEnd(t *testing.T) {
	e, coll := newTestCollection(t, "embeddings", nil)

	tx := e.BeginTransaction(storage.ReadCommitted)
	if err := coll.CreateVectorIndex(tx, 4, index.MetricEuclidean); err != nil {
		t.Fatalf("create vector index: %v", err)
	}
	if err := coll.VectorInsert(tx, "a", []float32{1, 0, 0, 0}); err != nil {
		t.Fatalf("vector insert a: %v", err)
	}
	if err := coll.VectorInsert(tx, "b", []float32{0, 1, 0, 0}); err != nil {
		t.Fatalf("vector insert b: %v", err)
	}
	commit(t, e, tx)

	tx2 := e.BeginTransaction(storage.ReadCommitted)
	results, err := coll.VectorSearch(tx2, []float32{0.9, 0.1, 0, 0}, 1)
	if err != nil {
		t.Fatalf("vector search: %v", err)
	}
	if len(results) != 1 || results[0].ID != "a" {
		t.Fatalf("expected nearest neighbor a, got %+v", results)
	}

	dict, err := dictionary.Open(e, config.Default().ReservedDictionaryIDs)
	if err != nil {
		t.Fatalf("open dictionary: %v", err)
	}
	reopened, err := Open(e, "embeddings", dict, coll.cfg, logging.Nop(), coll.metrics)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.vector == nil {
		t.Fatal("expected vector index rebuilt on reopen")
	}
	if reopened.vector.Size() != 2 {
		t.Fatalf("expected 2 vectors after reopen, got %d", reopened.vector.Size())
	}
}

func TestCollection_SpatialIndexEndToEnd(t *testing.T) {
	e, coll := newTestCollection(t, "places", nil)

	tx := e.BeginTransaction(storage.ReadCommitted)
	if err := coll.Insert(tx, int64(1), bson.M{"name": "near"}); err != nil {
		t.Fatalf("insert near: %v", err)
	}
	if err := coll.Insert(tx, int64(2), bson.M{"name": "far"}); err != nil {
		t.Fatalf("insert far: %v", err)
	}
	if err := coll.CreateSpatialIndex(tx); err != nil {
		t.Fatalf("create spatial index: %v", err)
	}
	if err := coll.SpatialInsert(tx, int64(1), index.Rect{MinX: 1, MinY: 1, MaxX: 1, MaxY: 1}); err != nil {
		t.Fatalf("spatial insert near: %v", err)
	}
	if err := coll.SpatialInsert(tx, int64(2), index.Rect{MinX: 100, MinY: 100, MaxX: 100, MaxY: 100}); err != nil {
		t.Fatalf("spatial insert far: %v", err)
	}
	commit(t, e, tx)

	tx2 := e.BeginTransaction(storage.ReadCommitted)
	results, err := coll.SpatialSearch(tx2, index.Rect{MinX: 0, MinY: 0, MaxX: 5, MaxY: 5})
	if err != nil {
		t.Fatalf("spatial search: %v", err)
	}
	if len(results) != 1 || results[0]["name"] != "near" {
		t.Fatalf("expected only 'near' within query rect, got %+v", results)
	}
}

func TestCollection_TimeSeriesEndToEnd(t *testing.T) {
	e, coll := newTestCollection(t, "events", nil)

	tx := e.BeginTransaction(storage.ReadCommitted)
	if err := coll.CreateTimeSeries(tx, 3600); err != nil {
		t.Fatalf("create time series: %v", err)
	}
	for _, ts := range []int64{100, 200, 300} {
		if err := coll.AppendTimeSeries(tx, ts, bson.M{"ts": ts}); err != nil {
			t.Fatalf("append %d: %v", ts, err)
		}
	}
	commit(t, e, tx)

	tx2 := e.BeginTransaction(storage.ReadCommitted)
	points, err := coll.RangeTimeSeries(tx2, 0, 1000)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(points) != 3 {
		t.Fatalf("expected 3 points, got %d", len(points))
	}

	tx3 := e.BeginTransaction(storage.ReadCommitted)
	freed, err := coll.PruneTimeSeries(tx3, 4900)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	_ = freed
	commit(t, e, tx3)
}
