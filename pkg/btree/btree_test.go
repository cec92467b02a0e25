package btree

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/antonellof/docstore/pkg/config"
	"github.com/antonellof/docstore/pkg/storage"
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

func TestBTree_InsertAndFind(t *testing.T) {
	e := openTestEngine(t)
	tx := e.BeginTransaction(storage.ReadCommitted)
	tree, err := Create(e, tx.ID, 8, nil, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	keys := []int64{5, 2, 9, 1, 7, 3}
	for i, k := range keys {
		if err := tree.Insert(tx.ID, EncodeInt64(k), DocumentLocation{PageID: uint32(i + 10), SlotIndex: 0}); err != nil {
			t.Fatalf("insert %d: %v", k, err)
		}
	}
	commit(t, e, tx)

	for i, k := range keys {
		loc, ok, err := tree.TryFind(EncodeInt64(k), 0)
		if err != nil {
			t.Fatalf("try_find %d: %v", k, err)
		}
		if !ok {
			t.Fatalf("expected to find key %d", k)
		}
		if loc.PageID != uint32(i+10) {
			t.Fatalf("key %d: got page %d, want %d", k, loc.PageID, i+10)
		}
	}

	if _, ok, err := tree.TryFind(EncodeInt64(42), 0); err != nil || ok {
		t.Fatalf("expected miss for absent key, ok=%v err=%v", ok, err)
	}
}

func TestBTree_InsertDuplicateKeyConflicts(t *testing.T) {
	e := openTestEngine(t)
	tx := e.BeginTransaction(storage.ReadCommitted)
	tree, err := Create(e, tx.ID, 8, nil, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := tree.Insert(tx.ID, EncodeInt64(1), DocumentLocation{PageID: 10}); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := tree.Insert(tx.ID, EncodeInt64(1), DocumentLocation{PageID: 11}); err == nil {
		t.Fatal("expected conflict on duplicate key")
	}
}

func TestBTree_SplitsAcrossManyInserts(t *testing.T) {
	e := openTestEngine(t)
	tx := e.BeginTransaction(storage.ReadCommitted)
	tree, err := Create(e, tx.ID, 4, nil, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	const n = 200
	for i := int64(0); i < n; i++ {
		if err := tree.Insert(tx.ID, EncodeInt64(i), DocumentLocation{PageID: uint32(i + 100)}); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	commit(t, e, tx)

	for i := int64(0); i < n; i++ {
		loc, ok, err := tree.TryFind(EncodeInt64(i), 0)
		if err != nil || !ok || loc.PageID != uint32(i+100) {
			t.Fatalf("key %d: loc=%v ok=%v err=%v", i, loc, ok, err)
		}
	}

	entries, err := tree.Range(MinKey, MaxKey, Forward, 0)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(entries) != n {
		t.Fatalf("expected %d entries in full range scan, got %d", n, len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if Compare(entries[i-1].Key, entries[i].Key) >= 0 {
			t.Fatalf("range scan not in ascending key order at index %d", i)
		}
	}
}

func TestBTree_DeleteAndUnderflowMerge(t *testing.T) {
	e := openTestEngine(t)
	tx := e.BeginTransaction(storage.ReadCommitted)
	tree, err := Create(e, tx.ID, 4, nil, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	const n = 100
	for i := int64(0); i < n; i++ {
		if err := tree.Insert(tx.ID, EncodeInt64(i), DocumentLocation{PageID: uint32(i + 100)}); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	commit(t, e, tx)

	tx2 := e.BeginTransaction(storage.ReadCommitted)
	for i := int64(0); i < n; i += 2 {
		removed, err := tree.Delete(tx2.ID, EncodeInt64(i), DocumentLocation{PageID: uint32(i + 100)})
		if err != nil {
			t.Fatalf("delete %d: %v", i, err)
		}
		if !removed {
			t.Fatalf("expected delete %d to remove an entry", i)
		}
	}
	commit(t, e, tx2)

	for i := int64(0); i < n; i++ {
		_, ok, err := tree.TryFind(EncodeInt64(i), 0)
		if err != nil {
			t.Fatalf("try_find %d: %v", i, err)
		}
		wantPresent := i%2 != 0
		if ok != wantPresent {
			t.Fatalf("key %d: present=%v, want %v", i, ok, wantPresent)
		}
	}
}

func TestBTree_RangeWrappers(t *testing.T) {
	e := openTestEngine(t)
	tx := e.BeginTransaction(storage.ReadCommitted)
	tree, err := Create(e, tx.ID, 8, nil, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := int64(0); i < 20; i++ {
		if err := tree.Insert(tx.ID, EncodeInt64(i), DocumentLocation{PageID: uint32(i + 1)}); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	commit(t, e, tx)

	gt, err := tree.GreaterThan(EncodeInt64(15), 0)
	if err != nil {
		t.Fatalf("greater_than: %v", err)
	}
	if len(gt) != 4 {
		t.Fatalf("expected 4 entries > 15, got %d", len(gt))
	}

	lt, err := tree.LessThan(EncodeInt64(3), 0)
	if err != nil {
		t.Fatalf("less_than: %v", err)
	}
	if len(lt) != 3 {
		t.Fatalf("expected 3 entries < 3, got %d", len(lt))
	}

	between, err := tree.Between(EncodeInt64(5), EncodeInt64(9), 0)
	if err != nil {
		t.Fatalf("between: %v", err)
	}
	if len(between) != 5 {
		t.Fatalf("expected 5 entries between 5 and 9, got %d", len(between))
	}
}

func TestBTree_StartsWithOnStringKeys(t *testing.T) {
	e := openTestEngine(t)
	tx := e.BeginTransaction(storage.ReadCommitted)
	tree, err := Create(e, tx.ID, 8, nil, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	words := []string{"apple", "app", "application", "banana", "band"}
	for i, w := range words {
		if err := tree.Insert(tx.ID, EncodeString(w), DocumentLocation{PageID: uint32(i + 1)}); err != nil {
			t.Fatalf("insert %q: %v", w, err)
		}
	}
	commit(t, e, tx)

	matches, err := tree.StartsWith(EncodeString("app"), 0)
	if err != nil {
		t.Fatalf("starts_with: %v", err)
	}
	if len(matches) != 3 {
		t.Fatalf("expected 3 matches for prefix 'app', got %d", len(matches))
	}
}

func TestBTree_CursorTraversal(t *testing.T) {
	e := openTestEngine(t)
	tx := e.BeginTransaction(storage.ReadCommitted)
	tree, err := Create(e, tx.ID, 4, nil, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := int64(0); i < 30; i++ {
		if err := tree.Insert(tx.ID, EncodeInt64(i), DocumentLocation{PageID: uint32(i + 1)}); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	commit(t, e, tx)

	c := NewCursor(tree, 0)
	if err := c.MoveToFirst(); err != nil {
		t.Fatalf("move_to_first: %v", err)
	}
	count := 0
	for {
		e, err := c.Current()
		if err != nil {
			t.Fatalf("current: %v", err)
		}
		if DecodeInt64(e.Key) != int64(count) {
			t.Fatalf("expected key %d at position %d, got %d", count, count, DecodeInt64(e.Key))
		}
		count++
		ok, err := c.MoveNext()
		if err != nil {
			t.Fatalf("move_next: %v", err)
		}
		if !ok {
			break
		}
	}
	if count != 30 {
		t.Fatalf("expected 30 entries via cursor, got %d", count)
	}
}

func TestBTree_AsyncRange(t *testing.T) {
	e := openTestEngine(t)
	tx := e.BeginTransaction(storage.ReadCommitted)
	tree, err := Create(e, tx.ID, 4, nil, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := int64(0); i < 50; i++ {
		if err := tree.Insert(tx.ID, EncodeInt64(i), DocumentLocation{PageID: uint32(i + 1)}); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	commit(t, e, tx)

	ctx := context.Background()
	ch := tree.AsyncRange(ctx, MinKey, MaxKey, Forward, 0)
	var got []int64
	for r := range ch {
		if r.Err != nil {
			t.Fatalf("async range: %v", r.Err)
		}
		got = append(got, DecodeInt64(r.Entry.Key))
	}
	if len(got) != 50 {
		t.Fatalf("expected 50 entries, got %d", len(got))
	}
	for i, v := range got {
		if v != int64(i) {
			t.Fatalf("expected ascending order, entry %d was %d", i, v)
		}
	}
}

func TestCompositeKeyPointBounds(t *testing.T) {
	fieldValue := EncodeString("blue")
	lo, hi := CompositePointBounds(fieldValue)
	if Compare(lo, hi) >= 0 {
		t.Fatalf("expected lo < hi for composite point bounds")
	}
	composed := EncodeCompositeKey(fieldValue, EncodeInt64(42))
	if Compare(composed, lo) < 0 || Compare(composed, hi) > 0 {
		t.Fatalf("composite key %v not within bounds [%v, %v]", composed, lo, hi)
	}
}
