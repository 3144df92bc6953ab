package wal

// ============================================================================
// Audit log record types
// ============================================================================

// EventType classifies an audit record.
type EventType string

const (
	EventJobCreated            EventType = "JOB_CREATED"
	EventJobTransition         EventType = "JOB_TRANSITION"         // status change, fields carry from/to/agent
	EventNotificationDelivered EventType = "NOTIFICATION_DELIVERED" // every reachable channel accepted
	EventNotificationDropped   EventType = "NOTIFICATION_DROPPED"   // retries exhausted
	EventPayoutResult          EventType = "PAYOUT_RESULT"          // one payee outcome in a run
	EventPayoutSettled         EventType = "PAYOUT_SETTLED"         // provider confirmed or rejected a transfer
)

// Event is one line in the audit log. Seq increases by one per record
// within a file; Timestamp is Unix milliseconds.
type Event struct {
	Seq       uint64            `json:"seq"`
	Type      EventType         `json:"type"`
	Subject   string            `json:"subject"` // job, notification or payout ID
	Timestamp int64             `json:"timestamp"`
	Fields    map[string]string `json:"fields,omitempty"`

	// CRC32 over every other field.
	Checksum uint32 `json:"checksum"`
}

// EventHandler processes one event during Replay. Returning an error stops
// the replay.
type EventHandler func(event Event) error
