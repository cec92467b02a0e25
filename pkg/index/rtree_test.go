package index

import (
	"path/filepath"
	"testing"

	"github.com/antonellof/docstore/pkg/btree"
	"github.com/antonellof/docstore/pkg/config"
	"github.com/antonellof/docstore/pkg/storage"
)

func point(x, y float64) Rect { return Rect{MinX: x, MinY: y, MaxX: x, MaxY: y} }

func TestRTree_InsertAndSearchFindsContainedPoints(t *testing.T) {
	e := openTestEngine(t)
	tx := e.BeginTransaction(storage.ReadCommitted)
	tree, err := CreateRTree(e, tx.ID, 4, nil, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	locations := map[string]btree.DocumentLocation{
		"near":    {PageID: 1, SlotIndex: 0},
		"far":     {PageID: 2, SlotIndex: 0},
		"outside": {PageID: 3, SlotIndex: 0},
	}
	if err := tree.Insert(tx.ID, point(1, 1), locations["near"]); err != nil {
		t.Fatalf("insert near: %v", err)
	}
	if err := tree.Insert(tx.ID, point(2, 2), locations["far"]); err != nil {
		t.Fatalf("insert far: %v", err)
	}
	if err := tree.Insert(tx.ID, point(100, 100), locations["outside"]); err != nil {
		t.Fatalf("insert outside: %v", err)
	}
	commit(t, e, tx)

	results, err := tree.Search(0, Rect{MinX: 0, MinY: 0, MaxX: 5, MaxY: 5})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results within [0,0]-[5,5], got %d", len(results))
	}
	seen := make(map[btree.DocumentLocation]bool)
	for _, r := range results {
		seen[r] = true
	}
	if !seen[locations["near"]] || !seen[locations["far"]] {
		t.Fatalf("expected near and far in results, got %+v", results)
	}
	if seen[locations["outside"]] {
		t.Fatal("outside point should not match a [0,0]-[5,5] query")
	}
}

func TestRTree_SplitsAcrossManyInserts(t *testing.T) {
	e := openTestEngine(t)
	tx := e.BeginTransaction(storage.ReadCommitted)
	tree, err := CreateRTree(e, tx.ID, 4, nil, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	locs := make(map[btree.DocumentLocation]bool)
	for i := 0; i < 60; i++ {
		loc := btree.DocumentLocation{PageID: uint32(i + 10), SlotIndex: 0}
		locs[loc] = true
		x := float64(i % 10)
		y := float64(i / 10)
		if err := tree.Insert(tx.ID, point(x, y), loc); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	commit(t, e, tx)

	results, err := tree.Search(0, Rect{MinX: -1, MinY: -1, MaxX: 20, MaxY: 20})
	if err != nil {
		t.Fatalf("search all: %v", err)
	}
	if len(results) != 60 {
		t.Fatalf("expected 60 results after splitting, got %d", len(results))
	}
	for _, r := range results {
		if !locs[r] {
			t.Fatalf("unexpected location in results: %+v", r)
		}
	}
}

func TestRTree_DeleteRemovesFromSearchResults(t *testing.T) {
	e := openTestEngine(t)
	tx := e.BeginTransaction(storage.ReadCommitted)
	tree, err := CreateRTree(e, tx.ID, 4, nil, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	rect := point(3, 4)
	loc := btree.DocumentLocation{PageID: 42, SlotIndex: 0}
	if err := tree.Insert(tx.ID, rect, loc); err != nil {
		t.Fatalf("insert: %v", err)
	}
	other := btree.DocumentLocation{PageID: 43, SlotIndex: 0}
	if err := tree.Insert(tx.ID, point(3, 4), other); err != nil {
		t.Fatalf("insert other: %v", err)
	}
	commit(t, e, tx)

	removed, err := tree.Delete(0, rect, loc)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !removed {
		t.Fatal("expected delete to report removal")
	}

	results, err := tree.Search(0, Rect{MinX: 0, MinY: 0, MaxX: 10, MaxY: 10})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	for _, r := range results {
		if r == loc {
			t.Fatal("deleted location still present in search results")
		}
	}
	if len(results) != 1 || results[0] != other {
		t.Fatalf("expected only the other location to remain, got %+v", results)
	}
}

func TestRTree_DeleteMissingReturnsFalse(t *testing.T) {
	e := openTestEngine(t)
	tx := e.BeginTransaction(storage.ReadCommitted)
	tree, err := CreateRTree(e, tx.ID, 4, nil, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	commit(t, e, tx)

	removed, err := tree.Delete(0, point(1, 1), btree.DocumentLocation{PageID: 99})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if removed {
		t.Fatal("expected no removal from an empty tree")
	}
}

func TestRTree_PersistsAcrossReopen(t *testing.T) {
	cfg := config.Default()
	dir := t.TempDir()
	path := filepath.Join(dir, "spatial.db")

	e1, err := storage.Open(path, cfg, nil, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	tx := e1.BeginTransaction(storage.ReadCommitted)
	tree1, err := CreateRTree(e1, tx.ID, 4, nil, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 12; i++ {
		loc := btree.DocumentLocation{PageID: uint32(i + 1), SlotIndex: 0}
		if err := tree1.Insert(tx.ID, point(float64(i), float64(i)), loc); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	commit(t, e1, tx)
	rootPageID := tree1.RootPageID()
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
	tree2 := OpenRTree(e2, rootPageID, 4, nil, nil)

	results, err := tree2.Search(0, Rect{MinX: -1, MinY: -1, MaxX: 20, MaxY: 20})
	if err != nil {
		t.Fatalf("search after reopen: %v", err)
	}
	if len(results) != 12 {
		t.Fatalf("expected 12 results after reopen, got %d", len(results))
	}
}

func TestRTree_SearchExcludesDisjointRegion(t *testing.T) {
	e := openTestEngine(t)
	tx := e.BeginTransaction(storage.ReadCommitted)
	tree, err := CreateRTree(e, tx.ID, 4, nil, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 20; i++ {
		loc := btree.DocumentLocation{PageID: uint32(i + 1), SlotIndex: 0}
		if err := tree.Insert(tx.ID, point(float64(i)*10, float64(i)*10), loc); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	commit(t, e, tx)

	results, err := tree.Search(0, Rect{MinX: 1000, MinY: 1000, MaxX: 2000, MaxY: 2000})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no results in a disjoint region, got %d", len(results))
	}
}
