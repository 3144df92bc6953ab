package wal

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/fieldops/internal/errors"
)

func newTestWAL(t *testing.T) (*WAL, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.log")
	w, err := NewWAL(path, true)
	require.NoError(t, err)
	w.now = func() time.Time { return time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) }
	t.Cleanup(func() { w.Close() })
	return w, path
}

func TestAppendAssignsSequenceAndChecksum(t *testing.T) {
	w, _ := newTestWAL(t)

	first, err := w.Append(EventJobCreated, "job-1", map[string]string{"scope": "EXTERIOR_ONLY"})
	require.NoError(t, err)
	second, err := w.Append(EventJobTransition, "job-1", map[string]string{"from": "PENDING_DISPATCH", "to": "DISPATCHED"})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, uint64(2), second.Seq)
	assert.True(t, VerifyChecksum(first))
	assert.True(t, VerifyChecksum(second))
	assert.Equal(t, uint64(2), w.GetLastSeq())
}

func TestReplayReturnsRecordsInOrder(t *testing.T) {
	w, _ := newTestWAL(t)
	for _, to := range []string{"DISPATCHED", "ACCEPTED", "IN_PROGRESS"} {
		w.Record(EventJobTransition, "job-1", map[string]string{"to": to})
	}

	var got []string
	require.NoError(t, w.Replay(func(e Event) error {
		got = append(got, e.Fields["to"])
		return nil
	}))
	assert.Equal(t, []string{"DISPATCHED", "ACCEPTED", "IN_PROGRESS"}, got)
}

func TestReopenContinuesNumbering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	w, err := NewWAL(path, false)
	require.NoError(t, err)
	w.Record(EventPayoutResult, "pay-1", nil)
	w.Record(EventPayoutResult, "pay-2", nil)
	require.NoError(t, w.Close())

	reopened, err := NewWAL(path, false)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, uint64(2), reopened.GetLastSeq())

	e, err := reopened.Append(EventPayoutSettled, "pay-1", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), e.Seq)
	require.NoError(t, ValidateWAL(path))

	n, err := CountEvents(path)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestTamperedRecordFailsVerification(t *testing.T) {
	w, path := newTestWAL(t)
	w.Record(EventNotificationDropped, "n-1", map[string]string{"attempts": "5"})
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"attempts":"5"`, `"attempts":"1"`, 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0644))

	err = ValidateWAL(path)
	var ce *ChecksumError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, uint64(1), ce.Seq)
	assert.True(t, errors.Is(err, ErrChecksumMismatch))
}

func TestGarbageIsReportedAsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	require.NoError(t, os.WriteFile(path, []byte("{not json\n"), 0644))

	_, err := NewWAL(path, false)
	var ce *CorruptionError
	assert.True(t, errors.As(err, &ce), "got %v", err)
}

func TestEmptyFileHasNoLastEvent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	require.NoError(t, os.WriteFile(path, nil, 0644))
	_, err := GetLastEvent(path)
	assert.ErrorIs(t, err, ErrEmptyWAL)
}

func TestRotateStartsFreshFile(t *testing.T) {
	w, path := newTestWAL(t)
	w.Record(EventJobCreated, "job-1", nil)

	backup, err := w.Rotate()
	require.NoError(t, err)
	assert.FileExists(t, backup)
	assert.Equal(t, uint64(0), w.GetLastSeq())

	e, err := w.Append(EventJobCreated, "job-2", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e.Seq)

	n, err := CountEvents(path)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAppendAfterClose(t *testing.T) {
	w, _ := newTestWAL(t)
	require.NoError(t, w.Close())
	_, err := w.Append(EventJobCreated, "job-1", nil)
	assert.ErrorIs(t, err, ErrWALClosed)
}

func TestDumpFormatsFieldsSorted(t *testing.T) {
	w, path := newTestWAL(t)
	w.Record(EventJobTransition, "job-7", map[string]string{"to": "ACCEPTED", "from": "DISPATCHED", "agent": "a-1"})

	var buf bytes.Buffer
	require.NoError(t, DumpWAL(path, &buf))
	assert.Equal(t,
		"#1 2026-03-02T09:00:00Z JOB_TRANSITION job-7 agent=a-1 from=DISPATCHED to=ACCEPTED\n",
		buf.String())
}
