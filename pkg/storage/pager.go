package storage

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/antonellof/docstore/pkg/dberr"
	"github.com/antonellof/docstore/pkg/logging"
	"github.com/antonellof/docstore/pkg/metrics"
)

// PagedFile is the L0 component of spec.md: a fixed-size, random-access,
// growable byte array of pages, with its own free-page list threaded
// through page 0's NextPageID field. Grounded on the teacher's
// FileStorageEngine.{createNewFile,readHeader,writeHeader,readPageFromDisk,
// writePageToDisk}, generalized to the page-header layout of pkg/storage's
// page.go instead of the teacher's ad-hoc FileHeader struct.
type PagedFile struct {
	path            string
	pageSize        uint32
	growthBlockSize uint32

	mu   sync.Mutex // serializes open/growth/flush, per spec.md §4.1
	file *os.File

	length    int64 // current file length in bytes
	freeHead  uint32
	log       *logging.Logger
	metrics   *metrics.Collector
	cache     *LRUCache
}

// PagedFileOptions configures a new PagedFile.
type PagedFileOptions struct {
	PageSize        uint32
	GrowthBlockSize uint32
	CacheCapacity   int
	Logger          *logging.Logger
	Metrics         *metrics.Collector
}

// OpenPagedFile creates path if absent (writing a Header page at index 0
// and an empty Collection page at index 1, per spec.md §4.1's `open`
// contract) or opens it if present.
func OpenPagedFile(path string, opts PagedFileOptions) (*PagedFile, error) {
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	log := opts.Logger.With("pager")

	pf := &PagedFile{
		path:            path,
		pageSize:        opts.PageSize,
		growthBlockSize: opts.GrowthBlockSize,
		log:             log,
		metrics:         opts.Metrics,
		cache:           NewLRUCache(opts.CacheCapacity),
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, dberr.Wrap(dberr.ErrIO, "open %s: %v", path, err)
		}
		return pf.create(path)
	}
	pf.file = f

	info, err := f.Stat()
	if err != nil {
		return nil, dberr.Wrap(dberr.ErrIO, "stat %s: %v", path, err)
	}
	pf.length = info.Size()

	if err := pf.loadHeader(); err != nil {
		return nil, err
	}
	log.Info().Str("path", path).Int64("length", pf.length).Msg("paged file opened")
	return pf, nil
}

func (pf *PagedFile) create(path string) (*PagedFile, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, dberr.Wrap(dberr.ErrIO, "create %s: %v", path, err)
	}
	pf.file = f

	initialLen := alignUp(int64(pf.pageSize)*2, int64(pf.growthBlockSize))
	if err := f.Truncate(initialLen); err != nil {
		return nil, dberr.Wrap(dberr.ErrIO, "truncate %s: %v", path, err)
	}
	pf.length = initialLen

	header := make([]byte, pf.pageSize)
	PutHeader(header, PageHeader{PageID: 0, Type: PageTypeHeader, NextPageID: 0})
	SealChecksum(header)
	if _, err := f.WriteAt(header, 0); err != nil {
		return nil, dberr.Wrap(dberr.ErrIO, "write header page: %v", err)
	}

	collection := make([]byte, pf.pageSize)
	PutHeader(collection, PageHeader{PageID: 1, Type: PageTypeCollection, FreeBytes: pf.pageSize - HeaderSize})
	SealChecksum(collection)
	if _, err := f.WriteAt(collection, int64(pf.pageSize)); err != nil {
		return nil, dberr.Wrap(dberr.ErrIO, "write page 1: %v", err)
	}

	if err := f.Sync(); err != nil {
		return nil, dberr.Wrap(dberr.ErrIO, "sync %s: %v", path, err)
	}

	pf.freeHead = 0
	pf.log.Info().Str("path", path).Msg("paged file created")
	return pf, nil
}

func (pf *PagedFile) loadHeader() error {
	buf := make([]byte, pf.pageSize)
	if _, err := pf.file.ReadAt(buf, 0); err != nil {
		return dberr.Wrap(dberr.ErrIO, "read header page: %v", err)
	}
	if err := VerifyChecksum(buf); err != nil {
		return err
	}
	h := GetHeader(buf)
	if h.Type != PageTypeHeader {
		return dberr.Wrap(dberr.ErrCorruption, "page 0 has type %d, want Header", h.Type)
	}
	pf.freeHead = h.NextPageID
	return nil
}

// DictionaryRootPageID returns the dictionary chain's root page ID stored
// in the header page.
func (pf *PagedFile) DictionaryRootPageID() (uint32, error) {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	buf := make([]byte, pf.pageSize)
	if _, err := pf.file.ReadAt(buf, 0); err != nil {
		return 0, dberr.Wrap(dberr.ErrIO, "read header page: %v", err)
	}
	return GetHeader(buf).DictionaryRoot, nil
}

// SetDictionaryRootPageID persists the dictionary chain's root page ID
// into the header page. Bypasses the transaction path, like all
// dictionary updates (spec.md §4.5).
func (pf *PagedFile) SetDictionaryRootPageID(root uint32) error {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	buf := make([]byte, pf.pageSize)
	if _, err := pf.file.ReadAt(buf, 0); err != nil {
		return dberr.Wrap(dberr.ErrIO, "read header page: %v", err)
	}
	h := GetHeader(buf)
	h.DictionaryRoot = root
	PutHeader(buf, h)
	SealChecksum(buf)
	_, err := pf.file.WriteAt(buf, 0)
	return err
}

// PageSize returns the fixed page size this file was opened with.
func (pf *PagedFile) PageSize() uint32 { return pf.pageSize }

// ReadPage reads page_size bytes for pageID into dst, which must be at
// least PageSize() bytes.
func (pf *PagedFile) ReadPage(pageID uint32, dst []byte) error {
	if pf.file == nil {
		return dberr.Wrap(dberr.ErrIO, "paged file not open")
	}
	if uint32(len(dst)) < pf.pageSize {
		return dberr.Wrap(dberr.ErrInvariant, "dst too small: %d < %d", len(dst), pf.pageSize)
	}
	if cached, ok := pf.cache.Get(pageID); ok {
		copy(dst, cached)
		return nil
	}
	offset := int64(pageID) * int64(pf.pageSize)
	if _, err := pf.file.ReadAt(dst[:pf.pageSize], offset); err != nil {
		return dberr.Wrap(dberr.ErrIO, "read page %d: %v", pageID, err)
	}
	pf.cache.Put(pageID, dst[:pf.pageSize])
	return nil
}

// ReadPageAsync performs a true async OS read, for use by async cursors
// per spec.md §4.6. WAL overlay resolution never happens here — that is
// the Storage Engine's job (§4.3).
func (pf *PagedFile) ReadPageAsync(ctx context.Context, pageID uint32) <-chan asyncReadResult {
	out := make(chan asyncReadResult, 1)
	go func() {
		dst := make([]byte, pf.pageSize)
		select {
		case <-ctx.Done():
			out <- asyncReadResult{err: dberr.Wrap(dberr.ErrCancelled, "read page %d: %v", pageID, ctx.Err())}
			return
		default:
		}
		err := pf.ReadPage(pageID, dst)
		out <- asyncReadResult{data: dst, err: err}
	}()
	return out
}

type asyncReadResult struct {
	data []byte
	err  error
}

// AwaitAsyncRead blocks on an asyncReadResult channel, honoring ctx
// cancellation even while the read itself is still outstanding.
func AwaitAsyncRead(ctx context.Context, ch <-chan asyncReadResult) ([]byte, error) {
	select {
	case r := <-ch:
		return r.data, r.err
	case <-ctx.Done():
		return nil, dberr.Wrap(dberr.ErrCancelled, "await page read: %v", ctx.Err())
	}
}

// WritePage writes page_size bytes for pageID, growing the file first if
// the page lies beyond EOF.
func (pf *PagedFile) WritePage(pageID uint32, src []byte) error {
	if pf.file == nil {
		return dberr.Wrap(dberr.ErrIO, "paged file not open")
	}
	if uint32(len(src)) != pf.pageSize {
		return dberr.Wrap(dberr.ErrInvariant, "src must be exactly page_size bytes, got %d", len(src))
	}
	offset := int64(pageID) * int64(pf.pageSize)
	required := offset + int64(pf.pageSize)

	if required > pf.length {
		pf.mu.Lock()
		if required > pf.length {
			newLen := alignUp(required, int64(pf.growthBlockSize))
			if err := pf.file.Truncate(newLen); err != nil {
				pf.mu.Unlock()
				return dberr.Wrap(dberr.ErrIO, "grow file to %d: %v", newLen, err)
			}
			pf.length = newLen
		}
		pf.mu.Unlock()
	}

	if _, err := pf.file.WriteAt(src, offset); err != nil {
		return dberr.Wrap(dberr.ErrIO, "write page %d: %v", pageID, err)
	}
	pf.cache.Put(pageID, src)
	return nil
}

// AllocatePage recycles the free-list head if non-empty, otherwise
// returns the page just past the current end of the file and grows the
// file to the next growth-block boundary after it. Pages between the old
// end and the new end are not handed out by later calls, so every such
// allocation grows the file by a whole growth block. Returns the new
// page's ID; the caller is responsible for writing its contents.
func (pf *PagedFile) AllocatePage() (uint32, error) {
	pf.mu.Lock()
	head := pf.freeHead
	pf.mu.Unlock()

	if head != 0 {
		buf := make([]byte, pf.pageSize)
		if err := pf.ReadPage(head, buf); err != nil {
			return 0, err
		}
		h := GetHeader(buf)
		newHead := h.NextPageID

		pf.mu.Lock()
		pf.freeHead = newHead
		pf.mu.Unlock()
		if err := pf.persistFreeHead(newHead); err != nil {
			return 0, err
		}
		if pf.metrics != nil {
			pf.metrics.IncPageAlloc()
		}
		return head, nil
	}

	pf.mu.Lock()
	pageCount := pf.length / int64(pf.pageSize)
	newID := uint32(pageCount)
	required := int64(newID+1) * int64(pf.pageSize)
	if required > pf.length {
		newLen := alignUp(required, int64(pf.growthBlockSize))
		if err := pf.file.Truncate(newLen); err != nil {
			pf.mu.Unlock()
			return 0, dberr.Wrap(dberr.ErrIO, "grow file to %d: %v", newLen, err)
		}
		pf.length = newLen
	}
	pf.mu.Unlock()

	if pf.metrics != nil {
		pf.metrics.IncPageAlloc()
	}
	return newID, nil
}

// FreePage prepends pageID to the free list. Freeing page 0 is a
// Conflict: it is the header page and must never be recycled.
func (pf *PagedFile) FreePage(pageID uint32) error {
	if pageID == 0 {
		return dberr.Wrap(dberr.ErrConflict, "cannot free page 0")
	}

	pf.mu.Lock()
	head := pf.freeHead
	pf.mu.Unlock()

	buf := make([]byte, pf.pageSize)
	PutHeader(buf, PageHeader{PageID: pageID, Type: PageTypeFree, NextPageID: head})
	SealChecksum(buf)
	if err := pf.WritePage(pageID, buf); err != nil {
		return err
	}

	pf.mu.Lock()
	pf.freeHead = pageID
	pf.mu.Unlock()
	if err := pf.persistFreeHead(pageID); err != nil {
		return err
	}
	if pf.metrics != nil {
		pf.metrics.IncPageFree()
	}
	return nil
}

func (pf *PagedFile) persistFreeHead(head uint32) error {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	buf := make([]byte, pf.pageSize)
	if _, err := pf.file.ReadAt(buf, 0); err != nil {
		return dberr.Wrap(dberr.ErrIO, "read header page: %v", err)
	}
	h := GetHeader(buf)
	h.NextPageID = head
	PutHeader(buf, h)
	SealChecksum(buf)
	_, err := pf.file.WriteAt(buf, 0)
	return err
}

// Flush forces OS durability for the underlying file.
func (pf *PagedFile) Flush() error {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	if err := pf.file.Sync(); err != nil {
		return dberr.Wrap(dberr.ErrIO, "fsync: %v", err)
	}
	return nil
}

// Backup copies the file to destination under the file lock. The caller
// must have already quiesced the owning engine (spec.md §4.1).
func (pf *PagedFile) Backup(destination string) error {
	pf.mu.Lock()
	defer pf.mu.Unlock()

	if err := pf.file.Sync(); err != nil {
		return dberr.Wrap(dberr.ErrIO, "fsync before backup: %v", err)
	}

	dst, err := os.Create(destination)
	if err != nil {
		return dberr.Wrap(dberr.ErrIO, "create backup %s: %v", destination, err)
	}
	defer dst.Close()

	if _, err := pf.file.Seek(0, io.SeekStart); err != nil {
		return dberr.Wrap(dberr.ErrIO, "seek source: %v", err)
	}
	if _, err := io.Copy(dst, pf.file); err != nil {
		return dberr.Wrap(dberr.ErrIO, "copy backup: %v", err)
	}
	return dst.Sync()
}

// PageCount returns the number of pages currently in the file, including
// freed pages still occupying slots.
func (pf *PagedFile) PageCount() uint32 {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	return uint32(pf.length / int64(pf.pageSize))
}

// Close releases the underlying file handle.
func (pf *PagedFile) Close() error {
	if pf.file == nil {
		return nil
	}
	return pf.file.Close()
}

func alignUp(n, block int64) int64 {
	if block <= 0 {
		return n
	}
	rem := n % block
	if rem == 0 {
		return n
	}
	return n + (block - rem)
}
