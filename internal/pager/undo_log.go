package pager

import (
	"os"
	"sync"
)

// UndoLogWriter is the external UNDO log writer interface (spec §1: "Out of
// scope ... UNDO log writer"). The disk page allocator calls Append whenever
// it performs a logged mutation (spec §4.3); the writer's own internals
// (group commit, multiplexing across log files, space reclamation) are out
// of this module's scope. FileUndoLog below is a minimal, self-contained
// implementation used so the rest of the module can be exercised end to end,
// grounded on tinySQL's own WAL appender (internal/storage/pager/wal.go):
// same append-only-file shape, simplified to this module's word-oriented
// UNDO record framing and without a per-record CRC.
type UndoLogWriter interface {
	Append(rec *UndoRecord) (LSN, error)
	NextLSN() LSN
}

// FileUndoLog appends marshalled UndoRecords to a flat file, assigning
// monotonically increasing LSNs.
type FileUndoLog struct {
	mu      sync.Mutex
	f       *os.File
	nextLSN LSN
}

func OpenFileUndoLog(path string) (*FileUndoLog, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileUndoLog{f: f, nextLSN: 1}, nil
}

var _ UndoLogWriter = (*FileUndoLog)(nil)

func (w *FileUndoLog) Append(rec *UndoRecord) (LSN, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	lsn := w.nextLSN
	w.nextLSN++
	rec.LSN = lsn
	buf := MarshalUndoRecord(rec)
	if _, err := w.f.Write(buf); err != nil {
		return 0, err
	}
	return lsn, nil
}

func (w *FileUndoLog) NextLSN() LSN {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextLSN
}

func (w *FileUndoLog) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

// MemUndoLog is an in-memory UndoLogWriter, handy for tests that want to
// read back the exact sequence of records without touching disk.
type MemUndoLog struct {
	mu      sync.Mutex
	records []*UndoRecord
	nextLSN LSN
}

func NewMemUndoLog() *MemUndoLog { return &MemUndoLog{nextLSN: 1} }

var _ UndoLogWriter = (*MemUndoLog)(nil)

func (w *MemUndoLog) Append(rec *UndoRecord) (LSN, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	lsn := w.nextLSN
	w.nextLSN++
	cp := *rec
	cp.LSN = lsn
	w.records = append(w.records, &cp)
	return lsn, nil
}

func (w *MemUndoLog) NextLSN() LSN {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextLSN
}

// Records returns a snapshot of all appended records, in append order.
func (w *MemUndoLog) Records() []*UndoRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*UndoRecord, len(w.records))
	copy(out, w.records)
	return out
}
