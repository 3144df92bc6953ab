package wal

import (
	"go.uber.org/zap"
)

// Sink receives audit records from the lifecycle, notification and payout
// components. Record never fails the caller; sinks log their own errors.
type Sink interface {
	Record(eventType EventType, subject string, fields map[string]string)
}

// NopSink discards every record.
type NopSink struct{}

func (NopSink) Record(EventType, string, map[string]string) {}

// Record appends to the log and logs failures instead of returning them.
func (w *WAL) Record(eventType EventType, subject string, fields map[string]string) {
	if _, err := w.Append(eventType, subject, fields); err != nil {
		w.log.Errorw("audit append failed",
			"type", eventType,
			"subject", subject,
			zap.Error(err),
		)
	}
}

var _ Sink = (*WAL)(nil)
