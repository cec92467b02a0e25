package dictionary

import (
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

func TestDictionary_GetOrAddAssignsStableIDs(t *testing.T) {
	e := openTestEngine(t)
	d, err := Open(e, 256)
	if err != nil {
		t.Fatalf("open dictionary: %v", err)
	}

	id1, err := d.GetOrAdd("name")
	if err != nil {
		t.Fatalf("get_or_add: %v", err)
	}
	if id1 <= 256 {
		t.Fatalf("expected id past reserved range, got %d", id1)
	}

	id2, err := d.GetOrAdd("name")
	if err != nil {
		t.Fatalf("get_or_add repeat: %v", err)
	}
	if id2 != id1 {
		t.Fatalf("expected stable id, got %d then %d", id1, id2)
	}

	id3, err := d.GetOrAdd("age")
	if err != nil {
		t.Fatalf("get_or_add second key: %v", err)
	}
	if id3 == id1 {
		t.Fatalf("expected distinct ids for distinct keys")
	}
}

func TestDictionary_LookupAndKeyFor(t *testing.T) {
	e := openTestEngine(t)
	d, err := Open(e, 256)
	if err != nil {
		t.Fatalf("open dictionary: %v", err)
	}

	if _, ok := d.Lookup("unseen"); ok {
		t.Fatal("expected lookup miss for unseen key")
	}

	id, err := d.GetOrAdd("email")
	if err != nil {
		t.Fatalf("get_or_add: %v", err)
	}
	got, ok := d.Lookup("email")
	if !ok || got != id {
		t.Fatalf("lookup mismatch: got %d ok=%v want %d", got, ok, id)
	}

	key, ok := d.KeyFor(id)
	if !ok || key != "email" {
		t.Fatalf("key_for mismatch: got %q ok=%v", key, ok)
	}
}

func TestDictionary_WarmUpAfterReopen(t *testing.T) {
	cfg := config.Default()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	e1, err := storage.Open(path, cfg, nil, nil)
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	d1, err := Open(e1, 256)
	if err != nil {
		t.Fatalf("open dictionary: %v", err)
	}
	id, err := d1.GetOrAdd("created_at")
	if err != nil {
		t.Fatalf("get_or_add: %v", err)
	}
	if err := e1.Close(); err != nil {
		t.Fatalf("close engine: %v", err)
	}

	e2, err := storage.Open(path, cfg, nil, nil)
	if err != nil {
		t.Fatalf("reopen engine: %v", err)
	}
	defer e2.Close()
	d2, err := Open(e2, 256)
	if err != nil {
		t.Fatalf("reopen dictionary: %v", err)
	}
	got, ok := d2.Lookup("created_at")
	if !ok || got != id {
		t.Fatalf("expected warm-up to recover id %d, got %d ok=%v", id, got, ok)
	}
}

func TestDictionary_SpillsAcrossPagesWhenFull(t *testing.T) {
	e := openTestEngine(t)
	d, err := Open(e, 256)
	if err != nil {
		t.Fatalf("open dictionary: %v", err)
	}

	const n = 2000
	ids := make(map[string]uint16, n)
	for i := 0; i < n; i++ {
		key := randomKey(i)
		id, err := d.GetOrAdd(key)
		if err != nil {
			t.Fatalf("get_or_add %q: %v", key, err)
		}
		ids[key] = id
	}
	if d.tailPage == d.rootPage {
		t.Fatalf("expected dictionary chain to spill across multiple pages for %d keys", n)
	}
	for key, id := range ids {
		got, ok := d.Lookup(key)
		if !ok || got != id {
			t.Fatalf("lookup mismatch for %q: got %d ok=%v want %d", key, got, ok, id)
		}
	}
}

func randomKey(i int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz_field_name_padding_to_force_new_pages"
	return letters[:1+(i%20)] + string(rune('a'+i%26)) + string(rune('A'+(i/26)%26))
}
