package wal

// ============================================================================
// Append-only audit log
// Responsibilities:
// 1. Append checksummed records as JSON lines
// 2. Replay and verify the file for inspection tools
// 3. Rotate the file when an operator wants a fresh log
// ============================================================================

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/fieldops/internal/errors"
	"github.com/ChuLiYu/fieldops/internal/logger"
)

// FileInterface is the subset of *os.File the log writes through, so tests
// can inject failing files.
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// WAL is an append-only audit log. It is safe for concurrent use.
type WAL struct {
	mu           sync.Mutex
	file         FileInterface
	encoder      *json.Encoder
	path         string
	seq          uint64
	syncOnAppend bool
	closed       bool

	now func() time.Time
	log *zap.SugaredLogger
}

// NewWAL opens or creates the log at path. An existing file is appended to
// and numbering continues after its last record.
func NewWAL(path string, syncOnAppend bool) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "open audit log %s", path)
	}

	var seq uint64
	if stat, statErr := file.Stat(); statErr == nil && stat.Size() > 0 {
		last, err := GetLastEvent(path)
		if err != nil {
			file.Close()
			return nil, errors.Wrapf(err, "read tail of %s", path)
		}
		seq = last.Seq
	}

	return &WAL{
		file:         file,
		encoder:      json.NewEncoder(file),
		path:         path,
		seq:          seq,
		syncOnAppend: syncOnAppend,
		now:          time.Now,
		log:          logger.Named("audit"),
	}, nil
}

// Append writes one record and returns it with its sequence number and
// checksum filled in.
func (w *WAL) Append(eventType EventType, subject string, fields map[string]string) (Event, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return Event{}, ErrWALClosed
	}

	event := Event{
		Seq:       w.seq + 1,
		Type:      eventType,
		Subject:   subject,
		Timestamp: w.now().UnixMilli(),
		Fields:    fields,
	}
	event.Checksum = CalculateChecksum(event)

	if err := w.encoder.Encode(event); err != nil {
		return Event{}, errors.Wrapf(err, "append seq=%d", event.Seq)
	}
	if w.syncOnAppend {
		if err := w.file.Sync(); err != nil {
			return Event{}, errors.Wrapf(err, "sync seq=%d", event.Seq)
		}
	}
	w.seq = event.Seq
	return event, nil
}

// Replay feeds every record to handler in file order, verifying checksums.
func (w *WAL) Replay(handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return replayFile(w.path, handler)
}

// Rotate renames the current file with a timestamp suffix and starts a new,
// empty one. It returns the backup path.
func (w *WAL) Rotate() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return "", ErrWALClosed
	}
	if err := w.file.Sync(); err != nil {
		return "", errors.Wrap(err, "sync before rotate")
	}
	if err := w.file.Close(); err != nil {
		return "", errors.Wrap(err, "close before rotate")
	}

	backup := w.path + "." + w.now().UTC().Format("20060102_150405")
	if err := os.Rename(w.path, backup); err != nil {
		return "", errors.Wrap(err, "rename audit log")
	}

	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		w.closed = true
		return "", errors.Wrap(err, "reopen audit log")
	}
	w.file = file
	w.encoder = json.NewEncoder(file)
	w.seq = 0
	return backup, nil
}

// Close syncs and closes the file. A closed log rejects further appends.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return errors.Wrap(err, "sync audit log")
	}
	return w.file.Close()
}

// GetLastSeq returns the sequence number of the last appended record.
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Path returns the file the log writes to.
func (w *WAL) Path() string {
	return w.path
}
