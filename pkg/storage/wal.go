package storage

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/antonellof/docstore/pkg/dberr"
	"github.com/antonellof/docstore/pkg/logging"
	"github.com/antonellof/docstore/pkg/metrics"
)

// WALRecordType enumerates the four record kinds of spec.md §4.2 / §6.
type WALRecordType uint8

const (
	WALBegin  WALRecordType = 1
	WALWrite  WALRecordType = 2
	WALCommit WALRecordType = 3
	WALAbort  WALRecordType = 4
)

// WALRecord is one entry in the redo log. AfterImage is only populated for
// WALWrite records and is always exactly one page long.
type WALRecord struct {
	Type          WALRecordType
	TransactionID uint64
	PageID        uint32
	AfterImage    []byte
}

// WAL is the append-only redo log described in spec.md §4.2: a stream of
// self-describing, checksummed, length-prefixed records. Grounded on the
// teacher's FileWAL, adapted to the Begin/Write/Commit/Abort record set
// and the page-sized after-image payload spec.md requires instead of the
// teacher's generic WALEntry.
type WAL struct {
	path     string
	pageSize uint32

	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	size   int64

	log     *logging.Logger
	metrics *metrics.Collector
}

// OpenWAL opens or creates the WAL file alongside the paged file, per
// spec.md §6 ("sibling file, .wal alongside the .db").
func OpenWAL(path string, pageSize uint32, log *logging.Logger, m *metrics.Collector) (*WAL, error) {
	if log == nil {
		log = logging.Nop()
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, dberr.Wrap(dberr.ErrIO, "open wal %s: %v", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		return nil, dberr.Wrap(dberr.ErrIO, "stat wal %s: %v", path, err)
	}
	return &WAL{
		path:     path,
		pageSize: pageSize,
		file:     f,
		writer:   bufio.NewWriter(f),
		size:     info.Size(),
		log:      log.With("wal"),
		metrics:  m,
	}, nil
}

func (w *WAL) writeBegin(txID uint64) error {
	return w.append(WALRecord{Type: WALBegin, TransactionID: txID})
}

func (w *WAL) writeData(txID uint64, pageID uint32, afterImage []byte) error {
	return w.append(WALRecord{Type: WALWrite, TransactionID: txID, PageID: pageID, AfterImage: afterImage})
}

func (w *WAL) writeCommit(txID uint64) error {
	return w.append(WALRecord{Type: WALCommit, TransactionID: txID})
}

func (w *WAL) writeAbort(txID uint64) error {
	return w.append(WALRecord{Type: WALAbort, TransactionID: txID})
}

// record wire format: {type:1, payload_length:4, transaction_id:8,
// [page_id:4, after_image:page_size], checksum:4}, per spec.md §6.
func (w *WAL) append(rec WALRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var payload []byte
	if rec.Type == WALWrite {
		payload = make([]byte, 4+len(rec.AfterImage))
		binary.LittleEndian.PutUint32(payload[0:4], rec.PageID)
		copy(payload[4:], rec.AfterImage)
	}

	buf := make([]byte, 1+4+8+len(payload)+4)
	off := 0
	buf[off] = byte(rec.Type)
	off++
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(payload)))
	off += 4
	binary.LittleEndian.PutUint64(buf[off:off+8], rec.TransactionID)
	off += 8
	copy(buf[off:off+len(payload)], payload)
	off += len(payload)

	checksum := crc32.ChecksumIEEE(buf[:off])
	binary.LittleEndian.PutUint32(buf[off:off+4], checksum)

	n, err := w.writer.Write(buf)
	if err != nil {
		return dberr.Wrap(dberr.ErrIO, "append wal record: %v", err)
	}
	w.size += int64(n)
	if w.metrics != nil {
		w.metrics.AddWALBytes(n)
	}
	return nil
}

// Flush is the commit barrier: a transaction is durable only once its
// Begin, all Writes, and its Commit have been flushed (spec.md §4.2).
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.writer.Flush(); err != nil {
		return dberr.Wrap(dberr.ErrIO, "flush wal buffer: %v", err)
	}
	if err := w.file.Sync(); err != nil {
		return dberr.Wrap(dberr.ErrIO, "fsync wal: %v", err)
	}
	return nil
}

// CurrentSize returns the WAL's logical size in bytes written so far.
func (w *WAL) CurrentSize() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// ReadAll replays every record in the WAL file from the start, tolerating
// a truncated final record (spec.md §7: recovery discards a trailing
// Corruption rather than failing outright).
func (w *WAL) ReadAll() ([]WALRecord, error) {
	w.mu.Lock()
	if err := w.writer.Flush(); err != nil {
		w.mu.Unlock()
		return nil, dberr.Wrap(dberr.ErrIO, "flush before read: %v", err)
	}
	w.mu.Unlock()

	f, err := os.Open(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, dberr.Wrap(dberr.ErrIO, "open wal for replay: %v", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var records []WALRecord
	for {
		rec, err := readRecord(r, w.pageSize)
		if err == io.EOF {
			break
		}
		if err != nil {
			// Truncate at the first unreadable record; everything before
			// it is still trustworthy.
			w.log.Warn().Err(err).Msg("wal record truncated; stopping replay scan")
			break
		}
		records = append(records, rec)
	}
	return records, nil
}

func readRecord(r *bufio.Reader, pageSize uint32) (WALRecord, error) {
	head := make([]byte, 1+4+8)
	if _, err := io.ReadFull(r, head); err != nil {
		if err == io.ErrUnexpectedEOF {
			return WALRecord{}, io.EOF
		}
		return WALRecord{}, err
	}
	recType := WALRecordType(head[0])
	payloadLen := binary.LittleEndian.Uint32(head[1:5])
	txID := binary.LittleEndian.Uint64(head[5:13])

	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return WALRecord{}, dberr.Wrap(dberr.ErrCorruption, "short wal payload: %v", err)
		}
	}

	checksumBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, checksumBuf); err != nil {
		return WALRecord{}, dberr.Wrap(dberr.ErrCorruption, "short wal checksum: %v", err)
	}
	wantChecksum := binary.LittleEndian.Uint32(checksumBuf)

	full := make([]byte, 0, len(head)+len(payload))
	full = append(full, head...)
	full = append(full, payload...)
	if crc32.ChecksumIEEE(full) != wantChecksum {
		return WALRecord{}, dberr.Wrap(dberr.ErrCorruption, "wal checksum mismatch")
	}

	rec := WALRecord{Type: recType, TransactionID: txID}
	if recType == WALWrite {
		if len(payload) != int(4+pageSize) {
			return WALRecord{}, dberr.Wrap(dberr.ErrCorruption, "wal write payload size %d, want %d", len(payload), 4+pageSize)
		}
		rec.PageID = binary.LittleEndian.Uint32(payload[0:4])
		rec.AfterImage = make([]byte, pageSize)
		copy(rec.AfterImage, payload[4:])
	}
	return rec, nil
}

// Truncate sets the WAL back to zero length, called after a successful
// checkpoint.
func (w *WAL) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return dberr.Wrap(dberr.ErrIO, "flush before truncate: %v", err)
	}
	if err := w.file.Truncate(0); err != nil {
		return dberr.Wrap(dberr.ErrIO, "truncate wal: %v", err)
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return dberr.Wrap(dberr.ErrIO, "seek wal: %v", err)
	}
	w.writer = bufio.NewWriter(w.file)
	w.size = 0
	return nil
}

// Close flushes and closes the WAL file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Close()
}

func (t WALRecordType) String() string {
	switch t {
	case WALBegin:
		return "Begin"
	case WALWrite:
		return "Write"
	case WALCommit:
		return "Commit"
	case WALAbort:
		return "Abort"
	default:
		return fmt.Sprintf("Unknown(%d)", t)
	}
}
