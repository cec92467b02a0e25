package opsserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/antonellof/docstore/pkg/collection"
	"github.com/antonellof/docstore/pkg/config"
	"github.com/antonellof/docstore/pkg/dictionary"
	"github.com/antonellof/docstore/pkg/logging"
	"github.com/antonellof/docstore/pkg/storage"
	"go.mongodb.org/mongo-driver/bson"
)

func newTestServer(t *testing.T) (*Server, *storage.Engine) {
	t.Helper()
	cfg := config.Default()
	dir := t.TempDir()
	e, err := storage.Open(filepath.Join(dir, "test.db"), cfg, nil, nil)
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })

	dict, err := dictionary.Open(e, cfg.ReservedDictionaryIDs)
	if err != nil {
		t.Fatalf("open dictionary: %v", err)
	}
	catalog := collection.NewCatalog(e)

	tx := e.BeginTransaction(storage.ReadCommitted)
	coll, err := collection.Create(e, tx.ID, "widgets", nil, dict, cfg, logging.Nop(), nil)
	if err != nil {
		t.Fatalf("create collection: %v", err)
	}
	if err := coll.Insert(tx, "sprocket-1", bson.M{"name": "sprocket"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := e.Commit(tx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	s := New(e, catalog, dict, cfg, logging.Nop(), DefaultConfig())
	return s, e
}

func TestServer_HealthzReturnsOK(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestServer_StatsReportsEngineAndCollections(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp statsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Collections) != 1 {
		t.Fatalf("expected 1 collection, got %d", len(resp.Collections))
	}
	if resp.Collections[0].Name != "widgets" {
		t.Fatalf("expected collection named widgets, got %q", resp.Collections[0].Name)
	}
	if resp.Collections[0].DocumentCount != 1 {
		t.Fatalf("expected 1 document, got %d", resp.Collections[0].DocumentCount)
	}
}

func TestServer_BackupWritesToDestination(t *testing.T) {
	s, _ := newTestServer(t)
	dest := filepath.Join(t.TempDir(), "backup.db")
	body, _ := json.Marshal(backupRequest{Destination: dest})
	req := httptest.NewRequest(http.MethodPost, "/backup", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestServer_BackupRejectsMissingDestination(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/backup", bytes.NewReader([]byte(`{}`)))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}
