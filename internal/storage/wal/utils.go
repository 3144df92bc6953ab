package wal

// ============================================================================
// File helpers used by NewWAL and the audit CLI
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ChuLiYu/fieldops/internal/errors"
)

// replayFile decodes and verifies each record of path in order.
func replayFile(path string, handler EventHandler) error {
	file, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	var lastSeq uint64
	for decoder.More() {
		offset := decoder.InputOffset()
		var event Event
		if err := decoder.Decode(&event); err != nil {
			return &CorruptionError{Seq: lastSeq, Offset: offset, Cause: err}
		}
		if expected := CalculateChecksum(event); expected != event.Checksum {
			return &ChecksumError{Seq: event.Seq, Expected: expected, Actual: event.Checksum}
		}
		lastSeq = event.Seq
		if err := handler(event); err != nil {
			return err
		}
	}
	return nil
}

// GetLastEvent returns the final record of the file, scanning from the start.
// It returns ErrEmptyWAL when the file has no records.
func GetLastEvent(path string) (*Event, error) {
	var last *Event
	err := replayFile(path, func(e Event) error {
		ev := e
		last = &ev
		return nil
	})
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// CountEvents returns how many valid records the file holds.
func CountEvents(path string) (int, error) {
	n := 0
	err := replayFile(path, func(Event) error {
		n++
		return nil
	})
	return n, err
}

// ValidateWAL checks every checksum and that sequence numbers start at 1 and
// have no gaps.
func ValidateWAL(path string) error {
	var want uint64 = 1
	return replayFile(path, func(e Event) error {
		if e.Seq != want {
			return &CorruptionError{
				Seq:    want - 1,
				Offset: -1,
				Cause:  errors.Newf("expected seq %d, found %d", want, e.Seq),
			}
		}
		want++
		return nil
	})
}

// DumpWAL writes a human readable line per record to out.
func DumpWAL(path string, out io.Writer) error {
	return replayFile(path, func(e Event) error {
		_, err := fmt.Fprintln(out, FormatEvent(e))
		return err
	})
}

// FormatEvent renders one record as
// "#seq 2006-01-02T15:04:05Z TYPE subject k=v k=v".
func FormatEvent(e Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%d %s %s %s", e.Seq,
		time.UnixMilli(e.Timestamp).UTC().Format(time.RFC3339), e.Type, e.Subject)

	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%s", k, e.Fields[k])
	}
	return b.String()
}
