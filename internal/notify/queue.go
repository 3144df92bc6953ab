// ============================================================================
// fieldops notification retry queue
// ============================================================================
//
// Package: internal/notify
// File: queue.go
// Function: holds delivery intent for lifecycle notifications and retries
//           failed sends with exponential backoff
//
// Record lifecycle:
//   Enqueue      -> attempts=0, nextRetryAt=now
//   ProcessOnce  -> every due record: attempts++, send on each channel that
//                   supports the payload and has not accepted it yet
//     all accepted           -> removed, NOTIFICATION_DELIVERED
//     failure, attempts<max  -> nextRetryAt = now + backoff(attempts)
//     failure, attempts>=max -> removed; NOTIFICATION_DELIVERED if some
//                               channel accepted it, else NOTIFICATION_DROPPED
//
// Concurrency:
//   Records live in a mutex-guarded map, so lifecycle calls can Enqueue while
//   a pass is running. Passes are serialised by passMu. Sends run on the
//   worker pool with a per-send timeout; a send that overruns counts as a
//   failed attempt like any other.
//
// Durability:
//   Snapshot/Restore move the pending set to and from types.QueueSnapshot;
//   the controller persists it through internal/snapshot.
//
// ============================================================================

package notify

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ChuLiYu/fieldops/internal/errors"
	"github.com/ChuLiYu/fieldops/internal/logger"
	"github.com/ChuLiYu/fieldops/internal/storage/wal"
	"github.com/ChuLiYu/fieldops/internal/worker"
	"github.com/ChuLiYu/fieldops/pkg/types"
)

// DefaultMaxAttempts is used when Config.MaxAttempts is zero.
const DefaultMaxAttempts = 3

// Recorder receives queue metrics. internal/metrics implements it.
type Recorder interface {
	NotificationEnqueued(event types.EventType)
	NotificationDelivered(channel string)
	NotificationRetried()
	NotificationDropped()
	NotificationQueuePending(n int)
}

type nopRecorder struct{}

func (nopRecorder) NotificationEnqueued(types.EventType) {}
func (nopRecorder) NotificationDelivered(string)         {}
func (nopRecorder) NotificationRetried()                 {}
func (nopRecorder) NotificationDropped()                 {}
func (nopRecorder) NotificationQueuePending(int)         {}

// Config configures a Queue. Zero values take defaults.
type Config struct {
	Channels    []Channel
	Backoff     BackoffPolicy
	MaxAttempts int
	SendTimeout time.Duration
	Concurrency int

	Clock   func() time.Time
	NewID   func() string
	Logger  *zap.SugaredLogger
	Metrics Recorder
	Audit   wal.Sink
}

// Queue is the notification retry queue.
type Queue struct {
	mu      sync.RWMutex
	records map[string]*types.QueuedNotification

	passMu sync.Mutex
	pool   *worker.Pool

	channels    []Channel
	backoff     BackoffPolicy
	maxAttempts int
	sendTimeout time.Duration

	now     func() time.Time
	newID   func() string
	log     *zap.SugaredLogger
	metrics Recorder
	audit   wal.Sink
}

// PassResult summarises one ProcessOnce call.
type PassResult struct {
	Due       int `json:"due"`
	Delivered int `json:"delivered"`
	Retried   int `json:"retried"`
	Dropped   int `json:"dropped"`
}

// Stats is the operator view of the pending set.
type Stats struct {
	Pending          int                     `json:"pending"`
	ByAttempts       map[int]int             `json:"by_attempts"`
	ByEvent          map[types.EventType]int `json:"by_event"`
	OldestEnqueuedAt *time.Time              `json:"oldest_enqueued_at,omitempty"`
	NextRetryAt      *time.Time              `json:"next_retry_at,omitempty"`
}

// NewQueue starts the delivery pool and returns an empty queue.
func NewQueue(cfg Config) (*Queue, error) {
	if len(cfg.Channels) == 0 {
		return nil, errors.New("notification queue needs at least one channel")
	}
	seen := make(map[string]bool, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		if seen[ch.Name()] {
			return nil, errors.Newf("duplicate channel %q", ch.Name())
		}
		seen[ch.Name()] = true
	}

	q := &Queue{
		records:     make(map[string]*types.QueuedNotification),
		channels:    cfg.Channels,
		backoff:     cfg.Backoff,
		maxAttempts: cfg.MaxAttempts,
		sendTimeout: cfg.SendTimeout,
		now:         cfg.Clock,
		newID:       cfg.NewID,
		log:         logger.OrDefault(cfg.Logger, "notify"),
		metrics:     cfg.Metrics,
		audit:       cfg.Audit,
	}
	if q.backoff.Base <= 0 {
		q.backoff = DefaultBackoff
	}
	if q.maxAttempts <= 0 {
		q.maxAttempts = DefaultMaxAttempts
	}
	if q.sendTimeout <= 0 {
		q.sendTimeout = 10 * time.Second
	}
	if q.now == nil {
		q.now = time.Now
	}
	if q.newID == nil {
		q.newID = uuid.NewString
	}
	if q.metrics == nil {
		q.metrics = nopRecorder{}
	}
	if q.audit == nil {
		q.audit = wal.NopSink{}
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	q.pool = worker.NewPool(concurrency * 2)
	if err := q.pool.Start(concurrency); err != nil {
		return nil, errors.Wrap(err, "start delivery pool")
	}
	return q, nil
}

// Enqueue records delivery intent for payload and returns the record ID.
// It never sends and never fails.
func (q *Queue) Enqueue(payload types.NotificationPayload) string {
	now := q.now()
	rec := &types.QueuedNotification{
		ID:          q.newID(),
		Payload:     payload,
		MaxAttempts: q.maxAttempts,
		NextRetryAt: now,
		CreatedAt:   now,
	}
	rec.Payload.Job.SLADueAt = cloneTime(payload.Job.SLADueAt)

	q.mu.Lock()
	q.records[rec.ID] = rec
	n := len(q.records)
	q.mu.Unlock()

	q.metrics.NotificationEnqueued(payload.EventType)
	q.metrics.NotificationQueuePending(n)
	q.log.Debugw("notification enqueued",
		"id", rec.ID,
		"event", payload.EventType,
		"job_id", payload.Job.JobID,
		"recipient", payload.Recipient.UserID,
	)
	return rec.ID
}

// delivery is one (record, channel) send within a pass.
type delivery struct {
	taskID  string
	channel Channel
}

// ProcessOnce attempts every due record once. Channel errors are absorbed
// into the records; the pass itself does not fail.
func (q *Queue) ProcessOnce(ctx context.Context) PassResult {
	q.passMu.Lock()
	defer q.passMu.Unlock()

	now := q.now()
	due := q.collectDue(now)
	result := PassResult{Due: len(due)}
	if len(due) == 0 {
		return result
	}

	plans := make(map[string][]delivery, len(due))
	var tasks []worker.Task
	for _, rec := range due {
		rec.Attempts++
		for _, ch := range q.pendingChannels(rec) {
			d := delivery{taskID: rec.ID + "/" + ch.Name(), channel: ch}
			plans[rec.ID] = append(plans[rec.ID], d)

			ch, payload := ch, rec.Payload
			tasks = append(tasks, worker.Task{
				ID:      d.taskID,
				Timeout: q.sendTimeout,
				Run: func(taskCtx context.Context) error {
					return ch.Send(mergeCancel(taskCtx, ctx), payload)
				},
			})
		}
	}

	results := q.pool.RunBatch(tasks)

	for _, rec := range due {
		var failures []string
		for _, d := range plans[rec.ID] {
			r := results[d.taskID]
			if r.Err == nil {
				rec.DeliveredVia = append(rec.DeliveredVia, d.channel.Name())
				q.metrics.NotificationDelivered(d.channel.Name())
				continue
			}
			failures = append(failures, d.channel.Name()+": "+r.Err.Error())
		}
		if len(plans[rec.ID]) == 0 {
			failures = append(failures, "no channel can reach recipient")
		}

		switch {
		case len(failures) == 0:
			q.remove(rec.ID)
			result.Delivered++
			q.log.Infow("notification delivered",
				"id", rec.ID,
				"event", rec.Payload.EventType,
				"job_id", rec.Payload.Job.JobID,
				"recipient", rec.Payload.Recipient.UserID,
				"attempts", rec.Attempts,
				"channels", rec.DeliveredVia,
			)
			q.audit.Record(wal.EventNotificationDelivered, rec.ID, auditFields(rec))

		case rec.Attempts >= rec.MaxAttempts && len(rec.DeliveredVia) > 0:
			// The recipient was reached; the channels that never took the
			// message are recorded but the notification is not a drop.
			rec.LastError = strings.Join(failures, "; ")
			q.remove(rec.ID)
			result.Delivered++
			q.log.Warnw("notification delivered on some channels",
				"id", rec.ID,
				"event", rec.Payload.EventType,
				"job_id", rec.Payload.Job.JobID,
				"recipient", rec.Payload.Recipient.UserID,
				"attempts", rec.Attempts,
				"channels", rec.DeliveredVia,
				"last_error", rec.LastError,
			)
			q.audit.Record(wal.EventNotificationDelivered, rec.ID, auditFields(rec))

		case rec.Attempts >= rec.MaxAttempts || len(plans[rec.ID]) == 0:
			rec.LastError = strings.Join(failures, "; ")
			q.remove(rec.ID)
			result.Dropped++
			q.metrics.NotificationDropped()
			q.log.Warnw("notification dropped after final attempt",
				"id", rec.ID,
				"event", rec.Payload.EventType,
				"job_id", rec.Payload.Job.JobID,
				"recipient", rec.Payload.Recipient.UserID,
				"attempts", rec.Attempts,
				"delivered_via", rec.DeliveredVia,
				"last_error", rec.LastError,
			)
			q.audit.Record(wal.EventNotificationDropped, rec.ID, auditFields(rec))

		default:
			rec.LastError = strings.Join(failures, "; ")
			delay := q.backoff.Delay(rec.Attempts)
			rec.NextRetryAt = now.Add(delay)
			q.put(rec)
			result.Retried++
			q.metrics.NotificationRetried()
			q.log.Infow("notification retry scheduled",
				"id", rec.ID,
				"event", rec.Payload.EventType,
				"job_id", rec.Payload.Job.JobID,
				"attempts", rec.Attempts,
				"delay", delay,
				"error", rec.LastError,
			)
		}
	}

	q.metrics.NotificationQueuePending(q.Len())
	return result
}

func (q *Queue) collectDue(now time.Time) []*types.QueuedNotification {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var due []*types.QueuedNotification
	for _, rec := range q.records {
		if !rec.NextRetryAt.After(now) {
			due = append(due, rec.Clone())
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextRetryAt.Equal(due[j].NextRetryAt) {
			return due[i].NextRetryAt.Before(due[j].NextRetryAt)
		}
		return due[i].ID < due[j].ID
	})
	return due
}

func (q *Queue) pendingChannels(rec *types.QueuedNotification) []Channel {
	var out []Channel
	for _, ch := range q.channels {
		if !ch.Supports(rec.Payload) || contains(rec.DeliveredVia, ch.Name()) {
			continue
		}
		out = append(out, ch)
	}
	return out
}

func (q *Queue) remove(id string) {
	q.mu.Lock()
	delete(q.records, id)
	q.mu.Unlock()
}

func (q *Queue) put(rec *types.QueuedNotification) {
	q.mu.Lock()
	q.records[rec.ID] = rec
	q.mu.Unlock()
}

// Len returns the number of pending records.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.records)
}

// Get returns a copy of one pending record.
func (q *Queue) Get(id string) (*types.QueuedNotification, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	rec, ok := q.records[id]
	return rec.Clone(), ok
}

// Stats summarises the pending set.
func (q *Queue) Stats() Stats {
	q.mu.RLock()
	defer q.mu.RUnlock()

	s := Stats{
		Pending:    len(q.records),
		ByAttempts: make(map[int]int),
		ByEvent:    make(map[types.EventType]int),
	}
	for _, rec := range q.records {
		s.ByAttempts[rec.Attempts]++
		s.ByEvent[rec.Payload.EventType]++
		if s.OldestEnqueuedAt == nil || rec.CreatedAt.Before(*s.OldestEnqueuedAt) {
			s.OldestEnqueuedAt = types.TimePtr(rec.CreatedAt)
		}
		if s.NextRetryAt == nil || rec.NextRetryAt.Before(*s.NextRetryAt) {
			s.NextRetryAt = types.TimePtr(rec.NextRetryAt)
		}
	}
	return s
}

// Snapshot copies the pending set, ordered by creation time.
func (q *Queue) Snapshot() types.QueueSnapshot {
	q.mu.RLock()
	records := make([]*types.QueuedNotification, 0, len(q.records))
	for _, rec := range q.records {
		records = append(records, rec.Clone())
	}
	q.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.Before(records[j].CreatedAt)
		}
		return records[i].ID < records[j].ID
	})
	return types.QueueSnapshot{Records: records, TakenAt: q.now()}
}

// Restore loads records from a snapshot, keeping their attempt counts and
// retry times. Records whose ID is already queued are skipped. It returns
// the number restored.
func (q *Queue) Restore(snap types.QueueSnapshot) int {
	q.mu.Lock()
	restored := 0
	for _, rec := range snap.Records {
		if rec == nil || rec.ID == "" {
			continue
		}
		if _, exists := q.records[rec.ID]; exists {
			continue
		}
		c := rec.Clone()
		if c.MaxAttempts <= 0 {
			c.MaxAttempts = q.maxAttempts
		}
		q.records[c.ID] = c
		restored++
	}
	n := len(q.records)
	q.mu.Unlock()

	q.metrics.NotificationQueuePending(n)
	if restored > 0 {
		q.log.Infow("notification queue restored", "records", restored, "taken_at", snap.TakenAt)
	}
	return restored
}

// Channels returns the configured channels.
func (q *Queue) Channels() []Channel {
	return append([]Channel(nil), q.channels...)
}

// Close stops the delivery pool. A pass in progress finishes with its
// outstanding sends reported as failures.
func (q *Queue) Close() {
	q.pool.Stop()
}

func auditFields(rec *types.QueuedNotification) map[string]string {
	f := map[string]string{
		"event":     string(rec.Payload.EventType),
		"job_id":    string(rec.Payload.Job.JobID),
		"recipient": rec.Payload.Recipient.UserID,
		"attempts":  strconv.Itoa(rec.Attempts),
	}
	if len(rec.DeliveredVia) > 0 {
		f["delivered_via"] = strings.Join(rec.DeliveredVia, ",")
	}
	if rec.LastError != "" {
		f["last_error"] = rec.LastError
	}
	return f
}

// mergeCancel returns ctx that is also cancelled when parent is.
func mergeCancel(ctx, parent context.Context) context.Context {
	if parent == nil || parent.Done() == nil {
		return ctx
	}
	merged, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(parent, cancel)
	go func() {
		<-merged.Done()
		stop()
		cancel()
	}()
	return merged
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
