package wal

// ============================================================================
// Audit log errors
// ============================================================================

import (
	"fmt"

	"github.com/ChuLiYu/fieldops/internal/errors"
)

var (
	// ErrChecksumMismatch indicates a record was altered or torn
	ErrChecksumMismatch = errors.New("wal: checksum mismatch")

	// ErrEmptyWAL indicates the file holds no records
	ErrEmptyWAL = errors.New("wal: file is empty")

	// ErrWALClosed indicates an operation on a closed log
	ErrWALClosed = errors.New("wal: already closed")
)

// ChecksumError reports which record failed verification.
type ChecksumError struct {
	Seq      uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("wal: checksum mismatch at seq=%d (expected=0x%08x, got=0x%08x)", e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Unwrap() error {
	return ErrChecksumMismatch
}

// CorruptionError reports a record that could not be decoded or is out of
// sequence.
type CorruptionError struct {
	Seq    uint64 // last good sequence number
	Offset int64  // byte offset of the bad record, -1 when unknown
	Cause  error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("wal: corrupted after seq=%d at offset %d: %v", e.Seq, e.Offset, e.Cause)
}

func (e *CorruptionError) Unwrap() error {
	return e.Cause
}
