package storage

import (
	"context"
	"sync"
	"time"

	"github.com/antonellof/docstore/pkg/config"
	"github.com/antonellof/docstore/pkg/dberr"
	"github.com/antonellof/docstore/pkg/logging"
	"github.com/antonellof/docstore/pkg/metrics"
)

// IsolationLevel is carried on Transaction for documentation purposes;
// spec.md's non-goals exclude full MVCC, so ReadCommitted is the only
// level the engine implements (§4.3).
type IsolationLevel int

const (
	ReadCommitted IsolationLevel = iota
)

// Transaction is the handle returned by BeginTransaction. Page reads and
// writes made through it are isolated per spec.md §4.3's read-your-own-
// writes contract until Commit or Rollback ends it.
type Transaction struct {
	ID        uint64
	Isolation IsolationLevel
	active    bool
}

// Engine is the L2 Storage Engine of spec.md §4.3: it composes the Paged
// File (L0) and the WAL (L1), implements transaction lifecycle, snapshot
// visibility, checkpoints, and crash recovery. Grounded on the teacher's
// FileStorageEngine, generalized from the teacher's single in-place write
// path to the spec's two-level overlay (wal_cache for uncommitted writes,
// wal_index for committed-but-uncheckpointed writes).
type Engine struct {
	paged *PagedFile
	wal   *WAL

	commitMu sync.Mutex // serializes commit and checkpoint, spec.md's commit_lock

	mu                sync.RWMutex
	walCache          map[uint64]map[uint32][]byte // txID -> pageID -> after-image
	walIndex          map[uint32][]byte             // pageID -> after-image, committed not checkpointed
	activeTx          map[uint64]*Transaction
	nextTxID          uint64

	maxWALSize int64

	log     *logging.Logger
	metrics *metrics.Collector
}

// Open opens (creating if absent) the paged file at dataPath and its
// sibling WAL (dataPath + ".wal"), then replays the WAL if non-empty, per
// spec.md §4.3's recovery contract.
func Open(dataPath string, cfg *config.Config, log *logging.Logger, m *metrics.Collector) (*Engine, error) {
	if log == nil {
		log = logging.Nop()
	}
	elog := log.With("engine")

	paged, err := OpenPagedFile(dataPath, PagedFileOptions{
		PageSize:        cfg.PageSize,
		GrowthBlockSize: cfg.GrowthBlockSize,
		CacheCapacity:   cfg.PageCacheCapacity,
		Logger:          log,
		Metrics:         m,
	})
	if err != nil {
		return nil, err
	}

	wal, err := OpenWAL(dataPath+".wal", cfg.PageSize, log, m)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		paged:      paged,
		wal:        wal,
		walCache:   make(map[uint64]map[uint32][]byte),
		walIndex:   make(map[uint32][]byte),
		activeTx:   make(map[uint64]*Transaction),
		nextTxID:   1,
		maxWALSize: cfg.MaxWALSize,
		log:        elog,
		metrics:    m,
	}

	if err := e.recover(); err != nil {
		return nil, err
	}
	return e, nil
}

// PageSize returns the configured page size.
func (e *Engine) PageSize() uint32 { return e.paged.PageSize() }

// Paged exposes the underlying paged file for components (dictionary,
// collection catalog bootstrap) that need immediate, out-of-transaction
// access per spec.md §4.3's "Immediate write" contract.
func (e *Engine) Paged() *PagedFile { return e.paged }

// recover replays committed transactions from the WAL at startup,
// implementing spec.md §4.3's Recovery algorithm: find transactions with
// a Commit record, replay only their Write records' after-images, in WAL
// order, into the paged file.
func (e *Engine) recover() error {
	records, err := e.wal.ReadAll()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	committed := make(map[uint64]bool)
	for _, r := range records {
		if r.Type == WALCommit {
			committed[r.TransactionID] = true
		}
	}

	applied := 0
	for _, r := range records {
		if r.Type != WALWrite || !committed[r.TransactionID] {
			continue
		}
		if err := e.paged.WritePage(r.PageID, r.AfterImage); err != nil {
			return err
		}
		applied++
	}

	if err := e.paged.Flush(); err != nil {
		return err
	}

	e.mu.Lock()
	e.walIndex = make(map[uint32][]byte)
	e.mu.Unlock()

	if err := e.wal.Truncate(); err != nil {
		return err
	}

	if e.metrics != nil {
		e.metrics.IncRecovery()
	}
	e.log.Info().Int("records", len(records)).Int("pages_applied", applied).Msg("wal recovery complete")
	return nil
}

// BeginTransaction allocates a new transaction ID and registers its
// handle. Per spec.md §4.3 this briefly holds commit_lock.
func (e *Engine) BeginTransaction(isolation IsolationLevel) *Transaction {
	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	e.mu.Lock()
	id := e.nextTxID
	e.nextTxID++
	tx := &Transaction{ID: id, Isolation: isolation, active: true}
	e.activeTx[id] = tx
	e.walCache[id] = make(map[uint32][]byte)
	e.mu.Unlock()

	return tx
}

// ReadPage implements the three-tier visibility of spec.md §4.3: the
// calling transaction's own uncommitted writes, then the committed-but-
// uncheckpointed overlay, then the paged file.
func (e *Engine) ReadPage(pageID uint32, txID uint64) ([]byte, error) {
	dst := make([]byte, e.paged.PageSize())

	if txID != 0 {
		e.mu.RLock()
		if cache, ok := e.walCache[txID]; ok {
			if data, ok := cache[pageID]; ok {
				copy(dst, data)
				e.mu.RUnlock()
				return dst, nil
			}
		}
		e.mu.RUnlock()
	}

	e.mu.RLock()
	if data, ok := e.walIndex[pageID]; ok {
		copy(dst, data)
		e.mu.RUnlock()
		return dst, nil
	}
	e.mu.RUnlock()

	if err := e.paged.ReadPage(pageID, dst); err != nil {
		return nil, err
	}
	return dst, nil
}

// ReadPageAsync mirrors ReadPage's overlay resolution synchronously
// (spec.md §5: in-memory overlay lookups are never suspension points),
// falling through to a true async OS read only on a paged-file miss.
func (e *Engine) ReadPageAsync(ctx context.Context, pageID uint32, txID uint64) ([]byte, error) {
	if txID != 0 {
		e.mu.RLock()
		if cache, ok := e.walCache[txID]; ok {
			if data, ok := cache[pageID]; ok {
				dst := make([]byte, len(data))
				copy(dst, data)
				e.mu.RUnlock()
				return dst, nil
			}
		}
		e.mu.RUnlock()
	}

	e.mu.RLock()
	if data, ok := e.walIndex[pageID]; ok {
		dst := make([]byte, len(data))
		copy(dst, data)
		e.mu.RUnlock()
		return dst, nil
	}
	e.mu.RUnlock()

	ch := e.paged.ReadPageAsync(ctx, pageID)
	return AwaitAsyncRead(ctx, ch)
}

// WritePage buffers data into the calling transaction's write set. No WAL
// or paged-file I/O happens until Commit (spec.md §4.3).
func (e *Engine) WritePage(pageID uint32, txID uint64, data []byte) error {
	if txID == 0 {
		return dberr.Wrap(dberr.ErrConflict, "write outside a transaction")
	}

	stored := make([]byte, len(data))
	copy(stored, data)

	e.mu.Lock()
	defer e.mu.Unlock()
	cache, ok := e.walCache[txID]
	if !ok {
		return dberr.Wrap(dberr.ErrInvariant, "transaction %d is not active", txID)
	}
	cache[pageID] = stored
	return nil
}

// WritePageImmediate bypasses the transaction path entirely, writing
// straight through to the paged file. Only bootstrap and metadata paths
// (collection catalog, dictionary) may call this, and only when no
// transaction concurrently targets the same page (spec.md §4.3).
func (e *Engine) WritePageImmediate(pageID uint32, data []byte) error {
	return e.paged.WritePage(pageID, data)
}

// ReadPageImmediate reads straight from the paged file, bypassing any
// transaction overlay. Used by the same bootstrap/metadata paths as
// WritePageImmediate.
func (e *Engine) ReadPageImmediate(pageID uint32) ([]byte, error) {
	dst := make([]byte, e.paged.PageSize())
	if err := e.paged.ReadPage(pageID, dst); err != nil {
		return nil, err
	}
	return dst, nil
}

// AllocatePage and FreePage delegate straight to the paged file: page
// allocation is not transactional in spec.md's design (the free list is
// maintained eagerly, not rolled back on abort).
func (e *Engine) AllocatePage() (uint32, error) { return e.paged.AllocatePage() }
func (e *Engine) FreePage(pageID uint32) error  { return e.paged.FreePage(pageID) }

// Commit drains the transaction's buffered writes through the WAL
// (Begin, one Write per page, Commit), flushes, publishes the pages into
// the committed overlay, and triggers a checkpoint if the WAL has grown
// past MaxWALSize — all under commit_lock, per spec.md §4.3.
func (e *Engine) Commit(tx *Transaction) (err error) {
	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	start := time.Now()
	defer func() {
		if e.metrics != nil {
			e.metrics.ObserveCommit(start, err == nil)
		}
	}()

	e.mu.Lock()
	cache, ok := e.walCache[tx.ID]
	if !ok || !tx.active {
		e.mu.Unlock()
		return dberr.Wrap(dberr.ErrInvariant, "transaction %d is not active", tx.ID)
	}
	e.mu.Unlock()

	if err = e.wal.writeBegin(tx.ID); err != nil {
		e.abortLocked(tx)
		return err
	}
	for pageID, data := range cache {
		if err = e.wal.writeData(tx.ID, pageID, data); err != nil {
			e.abortLocked(tx)
			return err
		}
	}
	if err = e.wal.writeCommit(tx.ID); err != nil {
		e.abortLocked(tx)
		return err
	}
	if err = e.wal.Flush(); err != nil {
		e.abortLocked(tx)
		return err
	}

	e.mu.Lock()
	for pageID, data := range cache {
		e.walIndex[pageID] = data
	}
	delete(e.walCache, tx.ID)
	delete(e.activeTx, tx.ID)
	tx.active = false
	e.mu.Unlock()

	e.log.Debug().Uint64("tx", tx.ID).Int("pages", len(cache)).Msg("transaction committed")

	if e.wal.CurrentSize() > e.maxWALSize {
		if err = e.checkpointLocked(); err != nil {
			return err
		}
	}
	return nil
}

// Rollback discards a transaction's buffered writes. Per spec.md §4.3 this
// may lazily write an Abort record; recovery ignores transactions without
// a Commit record regardless.
func (e *Engine) Rollback(tx *Transaction) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rollbackLocked(tx)
}

func (e *Engine) rollbackLocked(tx *Transaction) error {
	delete(e.walCache, tx.ID)
	delete(e.activeTx, tx.ID)
	tx.active = false
	return e.wal.writeAbort(tx.ID)
}

func (e *Engine) abortLocked(tx *Transaction) {
	e.mu.Lock()
	defer e.mu.Unlock()
	_ = e.rollbackLocked(tx)
}

// Checkpoint flushes every committed-but-uncheckpointed page into the
// paged file and truncates the WAL, under commit_lock (spec.md §4.3).
func (e *Engine) Checkpoint() error {
	e.commitMu.Lock()
	defer e.commitMu.Unlock()
	return e.checkpointLocked()
}

func (e *Engine) checkpointLocked() error {
	e.mu.Lock()
	index := e.walIndex
	e.walIndex = make(map[uint32][]byte)
	e.mu.Unlock()

	for pageID, data := range index {
		if err := e.paged.WritePage(pageID, data); err != nil {
			// Put the pages back; the next checkpoint attempt retries them.
			e.mu.Lock()
			for id, d := range index {
				e.walIndex[id] = d
			}
			e.mu.Unlock()
			return err
		}
	}
	if err := e.paged.Flush(); err != nil {
		return err
	}
	if err := e.wal.Truncate(); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.IncCheckpoint()
	}
	e.log.Debug().Int("pages", len(index)).Msg("checkpoint complete")
	return nil
}

// Backup quiesces the engine (checkpoint under commit_lock) then copies
// the paged file to destination. The resulting file is self-consistent
// and its companion WAL is empty (spec.md §4.3).
func (e *Engine) Backup(destination string) error {
	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	if err := e.checkpointLocked(); err != nil {
		return err
	}
	return e.paged.Backup(destination)
}

// Stats summarizes engine-level counters for operational tooling.
type Stats struct {
	PageCount       uint32
	WALSize         int64
	ActiveTxCount   int
	UncheckpointedN int
}

func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Stats{
		PageCount:       e.paged.PageCount(),
		WALSize:         e.wal.CurrentSize(),
		ActiveTxCount:   len(e.activeTx),
		UncheckpointedN: len(e.walIndex),
	}
}

// Close flushes and closes the WAL and paged file.
func (e *Engine) Close() error {
	if err := e.wal.Close(); err != nil {
		return err
	}
	return e.paged.Close()
}
