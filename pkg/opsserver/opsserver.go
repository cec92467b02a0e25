// Package opsserver is a minimal read-only HTTP inspector for a running
// docstore instance: health, storage-engine/collection stats, and a
// triggered backup. It lives outside the core engine's page read/write
// contract entirely, grounded on the teacher's pkg/server (route
// setup, middleware chain, writeJSON/writeError helpers) but narrowed
// to operational endpoints rather than a full document/vector API.
package opsserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/antonellof/docstore/pkg/collection"
	"github.com/antonellof/docstore/pkg/config"
	"github.com/antonellof/docstore/pkg/dictionary"
	"github.com/antonellof/docstore/pkg/logging"
	"github.com/antonellof/docstore/pkg/storage"
	"github.com/gorilla/mux"
)

// Server serves operational endpoints for one open engine.
type Server struct {
	engine  *storage.Engine
	catalog *collection.Catalog
	dict    *dictionary.Dictionary
	cfg     *config.Config
	log     *logging.Logger

	router *mux.Router
	http   *http.Server
}

// Config controls the listener address and request timeouts.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns sane defaults for local operational use.
func DefaultConfig() Config {
	return Config{Addr: "127.0.0.1:9090", ReadTimeout: 5 * time.Second, WriteTimeout: 10 * time.Second}
}

// New wires a Server around an already-open engine, catalog, and
// dictionary.
func New(engine *storage.Engine, catalog *collection.Catalog, dict *dictionary.Dictionary, cfg *config.Config, log *logging.Logger, srvCfg Config) *Server {
	if log == nil {
		log = logging.Nop()
	}
	s := &Server{
		engine:  engine,
		catalog: catalog,
		dict:    dict,
		cfg:     cfg,
		log:     log.With("opsserver"),
		router:  mux.NewRouter(),
	}
	s.setupRoutes()
	s.http = &http.Server{
		Addr:         srvCfg.Addr,
		Handler:      s.router,
		ReadTimeout:  srvCfg.ReadTimeout,
		WriteTimeout: srvCfg.WriteTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.jsonMiddleware)
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	s.router.HandleFunc("/stats", s.handleStats).Methods("GET")
	s.router.HandleFunc("/backup", s.handleBackup).Methods("POST")
}

// Start blocks serving HTTP until Stop is called or ListenAndServe
// otherwise returns.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("ops server starting")
	return s.http.ListenAndServe()
}

// Stop gracefully shuts down the HTTP listener.
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info().Msg("ops server stopping")
	return s.http.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Dur("elapsed", time.Since(start)).Msg("request")
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("failed to encode JSON response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := map[string]interface{}{"error": message, "status": status}
	if err != nil {
		resp["details"] = err.Error()
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statsResponse is /stats's JSON shape: engine-wide counters plus a
// per-collection breakdown.
type statsResponse struct {
	Engine      storage.Stats      `json:"engine"`
	Collections []collection.Stats `json:"collections"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	metas, err := s.catalog.List()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list collections", err)
		return
	}

	resp := statsResponse{Engine: s.engine.Stats(), Collections: make([]collection.Stats, 0, len(metas))}
	for _, meta := range metas {
		coll, err := collection.Open(s.engine, meta.Name, s.dict, s.cfg, s.log, nil)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to open collection %q", meta.Name), err)
			return
		}
		tx := s.engine.BeginTransaction(storage.ReadCommitted)
		stats, err := coll.Stats(tx)
		_ = s.engine.Rollback(tx)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to stat collection %q", meta.Name), err)
			return
		}
		resp.Collections = append(resp.Collections, stats)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type backupRequest struct {
	Destination string `json:"destination"`
}

func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	var req backupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Destination == "" {
		s.writeError(w, http.StatusBadRequest, "request body must be {\"destination\": \"<path>\"}", err)
		return
	}
	if err := s.engine.Backup(req.Destination); err != nil {
		s.writeError(w, http.StatusInternalServerError, "backup failed", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "destination": req.Destination})
}
