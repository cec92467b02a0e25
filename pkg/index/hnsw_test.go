package index

import (
	"math/rand"
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

func randomVector(r *rand.Rand, dims int) []float32 {
	v := make([]float32, dims)
	for i := range v {
		v[i] = r.Float32()
	}
	return v
}

func TestGraph_AddAndSearchFindsExactMatch(t *testing.T) {
	e := openTestEngine(t)
	tx := e.BeginTransaction(storage.ReadCommitted)
	g, err := CreateGraph(e, tx.ID, 8, MetricEuclidean, nil)
	if err != nil {
		t.Fatalf("create graph: %v", err)
	}

	r := rand.New(rand.NewSource(7))
	vectors := make(map[string][]float32)
	for i := 0; i < 40; i++ {
		id := string(rune('a' + i%26))
		id = id + string(rune('A'+i/26))
		v := randomVector(r, 8)
		vectors[id] = v
		if err := g.Add(tx.ID, id, v); err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
	}
	commit(t, e, tx)

	if g.Size() != len(vectors) {
		t.Fatalf("expected size %d, got %d", len(vectors), g.Size())
	}

	var targetID string
	var targetVec []float32
	for id, v := range vectors {
		targetID, targetVec = id, v
		break
	}

	results, err := g.Search(0, targetVec, 1, 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].ID != targetID {
		t.Fatalf("expected exact match %q, got %q (score %f)", targetID, results[0].ID, results[0].Score)
	}
}

func TestGraph_DeleteRemovesFromSearchResults(t *testing.T) {
	e := openTestEngine(t)
	tx := e.BeginTransaction(storage.ReadCommitted)
	g, err := CreateGraph(e, tx.ID, 4, MetricCosine, nil)
	if err != nil {
		t.Fatalf("create graph: %v", err)
	}

	r := rand.New(rand.NewSource(11))
	for i := 0; i < 20; i++ {
		id := string(rune('a' + i))
		if err := g.Add(tx.ID, id, randomVector(r, 4)); err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
	}
	commit(t, e, tx)

	tx2 := e.BeginTransaction(storage.ReadCommitted)
	if err := g.Delete(tx2.ID, "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	commit(t, e, tx2)

	if g.Size() != 19 {
		t.Fatalf("expected size 19 after delete, got %d", g.Size())
	}

	results, err := g.Search(0, randomVector(rand.New(rand.NewSource(11)), 4), 20, 50)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	for _, c := range results {
		if c.ID == "a" {
			t.Fatal("deleted vector still present in search results")
		}
	}
}

func TestGraph_RejectsWrongDimensions(t *testing.T) {
	e := openTestEngine(t)
	tx := e.BeginTransaction(storage.ReadCommitted)
	g, err := CreateGraph(e, tx.ID, 4, MetricCosine, nil)
	if err != nil {
		t.Fatalf("create graph: %v", err)
	}
	if err := g.Add(tx.ID, "x", []float32{1, 2, 3}); err == nil {
		t.Fatal("expected dimension mismatch error")
	}
}

func TestGraph_PersistsAcrossReopen(t *testing.T) {
	cfg := config.Default()
	dir := t.TempDir()
	path := filepath.Join(dir, "vectors.db")

	e1, err := storage.Open(path, cfg, nil, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	tx := e1.BeginTransaction(storage.ReadCommitted)
	g1, err := CreateGraph(e1, tx.ID, 3, MetricEuclidean, nil)
	if err != nil {
		t.Fatalf("create graph: %v", err)
	}
	if err := g1.Add(tx.ID, "p1", []float32{1, 0, 0}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := g1.Add(tx.ID, "p2", []float32{0, 1, 0}); err != nil {
		t.Fatalf("add: %v", err)
	}
	commit(t, e1, tx)
	registryRoot := g1.RegistryRootPageID()
	entryPoint := g1.EntryPointLocation()
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
	g2, err := OpenGraph(e2, 0, registryRoot, entryPoint, 3, MetricEuclidean, nil)
	if err != nil {
		t.Fatalf("reopen graph: %v", err)
	}
	if g2.Size() != 2 {
		t.Fatalf("expected size 2 after reopen, got %d", g2.Size())
	}

	results, err := g2.Search(0, []float32{1, 0, 0}, 1, 0)
	if err != nil {
		t.Fatalf("search after reopen: %v", err)
	}
	if len(results) != 1 || results[0].ID != "p1" {
		t.Fatalf("expected p1 as nearest match after reopen, got %+v", results)
	}
}
