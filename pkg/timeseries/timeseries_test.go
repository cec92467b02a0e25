package timeseries

import (
	"path/filepath"
	"testing"

	"github.com/antonellof/docstore/pkg/config"
	"github.com/antonellof/docstore/pkg/storage"
	"go.mongodb.org/mongo-driver/bson"
)

func openTestEngine(t *testing.T) *storage.Engine {
	t.Helper()
	cfg := config.Default()
	dir := t.TempDir()
	e, err := storage.Open(filepath.Join(dir, "test.db"), cfg, nil, nil)
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func commit(t *testing.T, e *storage.Engine, tx *storage.Transaction) {
	t.Helper()
	if err := e.Commit(tx); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestSeries_AppendAndRangeReturnsInOrder(t *testing.T) {
	e := openTestEngine(t)
	tx := e.BeginTransaction(storage.ReadCommitted)
	s, err := Create(e, tx.ID, 3600)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	for _, ts := range []int64{300, 100, 200} {
		if err := s.Append(tx.ID, ts, bson.M{"ts": ts}); err != nil {
			t.Fatalf("append %d: %v", ts, err)
		}
	}
	commit(t, e, tx)

	points, err := s.Range(0, 0, 1000)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(points) != 3 {
		t.Fatalf("expected 3 points, got %d", len(points))
	}
	want := []int64{100, 200, 300}
	for i, p := range points {
		if p.Timestamp != want[i] {
			t.Fatalf("point %d: expected ts %d, got %d", i, want[i], p.Timestamp)
		}
	}
}

func TestSeries_RangeFiltersOutsideWindow(t *testing.T) {
	e := openTestEngine(t)
	tx := e.BeginTransaction(storage.ReadCommitted)
	s, err := Create(e, tx.ID, 3600)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, ts := range []int64{10, 20, 30, 40, 50} {
		if err := s.Append(tx.ID, ts, bson.M{"v": ts}); err != nil {
			t.Fatalf("append %d: %v", ts, err)
		}
	}
	commit(t, e, tx)

	points, err := s.Range(0, 20, 40)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(points) != 3 {
		t.Fatalf("expected 3 points in [20,40], got %d", len(points))
	}
}

func TestSeries_AppendAcrossManyPages(t *testing.T) {
	e := openTestEngine(t)
	tx := e.BeginTransaction(storage.ReadCommitted)
	s, err := Create(e, tx.ID, 3600)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	blob := make([]byte, 2000)
	for i := range blob {
		blob[i] = byte(i)
	}
	count := 50
	for i := 0; i < count; i++ {
		if err := s.Append(tx.ID, int64(i), bson.M{"i": i, "blob": blob}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	commit(t, e, tx)

	if s.headPageID == s.tailPageID {
		t.Fatal("expected multiple pages for large entries")
	}

	points, err := s.Range(0, 0, int64(count))
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(points) != count {
		t.Fatalf("expected %d points, got %d", count, len(points))
	}
}

func TestSeries_PruneFreesOldPagesOnly(t *testing.T) {
	e := openTestEngine(t)
	tx := e.BeginTransaction(storage.ReadCommitted)
	s, err := Create(e, tx.ID, 3600)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	blob := make([]byte, 2000)
	for i := 0; i < 40; i++ {
		if err := s.Append(tx.ID, int64(i*100), bson.M{"i": i, "blob": blob}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	commit(t, e, tx)

	before, err := s.Range(0, 0, 3900)
	if err != nil {
		t.Fatalf("range before prune: %v", err)
	}
	if len(before) != 40 {
		t.Fatalf("expected 40 points before prune, got %d", len(before))
	}

	tx2 := e.BeginTransaction(storage.ReadCommitted)
	freed, err := s.Prune(tx2.ID, 2000)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if freed == 0 {
		t.Fatal("expected prune to free at least one page")
	}
	commit(t, e, tx2)

	after, err := s.Range(0, 0, 3900)
	if err != nil {
		t.Fatalf("range after prune: %v", err)
	}
	// Each 2035-byte entry packs eight to a page, so pages hold ts 0-700,
	// 800-1500 and 1600-2300 first. Pruning is whole-page: the two pages
	// ending before 2000 go, the page holding 1600-2300 stays entire.
	for _, p := range after {
		if p.Timestamp < 1600 {
			t.Fatalf("found point with ts %d from a fully expired page after prune", p.Timestamp)
		}
	}
	if len(after) >= len(before) {
		t.Fatalf("expected fewer points after prune, before=%d after=%d", len(before), len(after))
	}
}

func TestSeries_PersistsAcrossReopen(t *testing.T) {
	cfg := config.Default()
	dir := t.TempDir()
	path := filepath.Join(dir, "series.db")

	e1, err := storage.Open(path, cfg, nil, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	tx := e1.BeginTransaction(storage.ReadCommitted)
	s1, err := Create(e1, tx.ID, 3600)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := s1.Append(tx.ID, int64(i), bson.M{"i": i}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	commit(t, e1, tx)
	headPageID := s1.HeadPageID()
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
	s2, err := Open(e2, 0, headPageID, 3600)
	if err != nil {
		t.Fatalf("reopen series: %v", err)
	}
	points, err := s2.Range(0, 0, 10)
	if err != nil {
		t.Fatalf("range after reopen: %v", err)
	}
	if len(points) != 5 {
		t.Fatalf("expected 5 points after reopen, got %d", len(points))
	}
}
