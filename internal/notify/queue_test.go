package notify

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/fieldops/internal/errors"
	"github.com/ChuLiYu/fieldops/internal/storage/wal"
	"github.com/ChuLiYu/fieldops/pkg/types"
)

// ============================================================================
// Test doubles
// ============================================================================

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeChannel struct {
	name     string
	needs    func(types.NotificationPayload) bool
	failures atomic.Int32 // fail this many sends, then succeed; <0 fails forever
	block    bool
	calls    atomic.Int32
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Supports(p types.NotificationPayload) bool {
	if f.needs == nil {
		return true
	}
	return f.needs(p)
}

func (f *fakeChannel) Send(ctx context.Context, _ types.NotificationPayload) error {
	f.calls.Add(1)
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	left := f.failures.Load()
	if left < 0 {
		return errors.Newf("%s provider unavailable", f.name)
	}
	if left > 0 {
		f.failures.Add(-1)
		return errors.Newf("%s provider unavailable", f.name)
	}
	return nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []wal.EventType
}

func (s *recordingSink) Record(t wal.EventType, _ string, _ map[string]string) {
	s.mu.Lock()
	s.events = append(s.events, t)
	s.mu.Unlock()
}

func (s *recordingSink) Events() []wal.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]wal.EventType(nil), s.events...)
}

type countingRecorder struct {
	nopRecorder
	delivered, retried, dropped atomic.Int32
}

func (r *countingRecorder) NotificationDelivered(string) { r.delivered.Add(1) }
func (r *countingRecorder) NotificationRetried()         { r.retried.Add(1) }
func (r *countingRecorder) NotificationDropped()         { r.dropped.Add(1) }

func payload(event types.EventType, user string) types.NotificationPayload {
	return types.NotificationPayload{
		EventType: event,
		Recipient: types.Recipient{UserID: user, Email: user + "@agents.example.com"},
		Job: types.JobSnapshot{
			JobID:        "job-1",
			ScopePreset:  types.ScopeExteriorOnly,
			PayoutAmount: types.Dollars(99),
			AddressLine1: "100 Congress Ave",
			City:         "Austin",
			State:        "TX",
			ZipCode:      "78701",
		},
	}
}

type harness struct {
	q       *Queue
	clock   *fakeClock
	sink    *recordingSink
	metrics *countingRecorder
}

func newHarness(t *testing.T, channels ...Channel) *harness {
	t.Helper()
	h := &harness{clock: newFakeClock(), sink: &recordingSink{}, metrics: &countingRecorder{}}
	q, err := NewQueue(Config{
		Channels:    channels,
		SendTimeout: 50 * time.Millisecond,
		Concurrency: 2,
		Clock:       h.clock.Now,
		Audit:       h.sink,
		Metrics:     h.metrics,
	})
	require.NoError(t, err)
	t.Cleanup(q.Close)
	h.q = q
	return h
}

// ============================================================================
// Tests
// ============================================================================

func TestNewQueueValidatesChannels(t *testing.T) {
	_, err := NewQueue(Config{})
	assert.Error(t, err)

	_, err = NewQueue(Config{Channels: []Channel{&fakeChannel{name: "a"}, &fakeChannel{name: "a"}}})
	assert.Error(t, err)
}

func TestEnqueueDoesNotSend(t *testing.T) {
	ch := &fakeChannel{name: "email"}
	h := newHarness(t, ch)

	id := h.q.Enqueue(payload(types.EventJobAvailable, "agent-1"))

	rec, ok := h.q.Get(id)
	require.True(t, ok)
	assert.Equal(t, 0, rec.Attempts)
	assert.Equal(t, DefaultMaxAttempts, rec.MaxAttempts)
	assert.Equal(t, h.clock.Now(), rec.NextRetryAt)
	assert.Equal(t, int32(0), ch.calls.Load())
}

func TestProcessOnceDeliversAndRemoves(t *testing.T) {
	email := &fakeChannel{name: "email"}
	push := &fakeChannel{name: "push"}
	h := newHarness(t, email, push)

	h.q.Enqueue(payload(types.EventJobAvailable, "agent-1"))
	res := h.q.ProcessOnce(context.Background())

	assert.Equal(t, PassResult{Due: 1, Delivered: 1}, res)
	assert.Equal(t, 0, h.q.Len())
	assert.Equal(t, int32(1), email.calls.Load())
	assert.Equal(t, int32(1), push.calls.Load())
	assert.Equal(t, []wal.EventType{wal.EventNotificationDelivered}, h.sink.Events())
	assert.Equal(t, int32(2), h.metrics.delivered.Load())
}

func TestFailureSchedulesBackoff(t *testing.T) {
	ch := &fakeChannel{name: "email"}
	ch.failures.Store(1)
	h := newHarness(t, ch)

	id := h.q.Enqueue(payload(types.EventJobReminder, "agent-1"))
	start := h.clock.Now()

	res := h.q.ProcessOnce(context.Background())
	assert.Equal(t, 1, res.Retried)

	rec, ok := h.q.Get(id)
	require.True(t, ok)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, start.Add(5*time.Second), rec.NextRetryAt)
	assert.Contains(t, rec.LastError, "provider unavailable")

	// Not yet due.
	h.clock.Advance(4 * time.Second)
	assert.Equal(t, PassResult{}, h.q.ProcessOnce(context.Background()))
	assert.Equal(t, int32(1), ch.calls.Load())

	h.clock.Advance(time.Second)
	res = h.q.ProcessOnce(context.Background())
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, 0, h.q.Len())
}

func TestPermanentFailureIsDroppedAndNeverRetried(t *testing.T) {
	ch := &fakeChannel{name: "email"}
	ch.failures.Store(-1)
	h := newHarness(t, ch)

	id := h.q.Enqueue(payload(types.EventJobEscalation, "ops"))

	var delays []time.Duration
	for i := 0; i < DefaultMaxAttempts; i++ {
		before := h.clock.Now()
		h.q.ProcessOnce(context.Background())
		if rec, ok := h.q.Get(id); ok {
			delays = append(delays, rec.NextRetryAt.Sub(before))
			h.clock.Advance(rec.NextRetryAt.Sub(before))
		}
	}

	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second}, delays)
	assert.Equal(t, 0, h.q.Len())
	assert.Equal(t, int32(DefaultMaxAttempts), ch.calls.Load())
	assert.Equal(t, int32(1), h.metrics.dropped.Load())
	assert.Equal(t, []wal.EventType{wal.EventNotificationDropped}, h.sink.Events())

	h.clock.Advance(time.Hour)
	h.q.ProcessOnce(context.Background())
	assert.Equal(t, int32(DefaultMaxAttempts), ch.calls.Load())
}

func TestStuckSendCountsAsAttempt(t *testing.T) {
	ch := &fakeChannel{name: "push", block: true}
	h := newHarness(t, ch)

	id := h.q.Enqueue(payload(types.EventJobAvailable, "agent-1"))

	start := time.Now()
	res := h.q.ProcessOnce(context.Background())
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 1, res.Retried)

	rec, ok := h.q.Get(id)
	require.True(t, ok)
	assert.Equal(t, 1, rec.Attempts)
	assert.Contains(t, rec.LastError, "deadline exceeded")
}

func TestRetrySkipsChannelsThatAlreadyAccepted(t *testing.T) {
	email := &fakeChannel{name: "email"}
	push := &fakeChannel{name: "push"}
	push.failures.Store(1)
	h := newHarness(t, email, push)

	id := h.q.Enqueue(payload(types.EventJobAvailable, "agent-1"))
	h.q.ProcessOnce(context.Background())

	rec, ok := h.q.Get(id)
	require.True(t, ok)
	assert.Equal(t, []string{"email"}, rec.DeliveredVia)

	h.clock.Advance(time.Minute)
	res := h.q.ProcessOnce(context.Background())
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, int32(1), email.calls.Load())
	assert.Equal(t, int32(2), push.calls.Load())
}

func TestFinalAttemptWithOneChannelDeliveredIsNotADrop(t *testing.T) {
	email := &fakeChannel{name: "email"}
	push := &fakeChannel{name: "push"}
	push.failures.Store(-1)
	h := newHarness(t, email, push)

	id := h.q.Enqueue(payload(types.EventJobAvailable, "agent-1"))
	var res PassResult
	for i := 0; i < DefaultMaxAttempts; i++ {
		res = h.q.ProcessOnce(context.Background())
		h.clock.Advance(time.Hour)
	}

	_, ok := h.q.Get(id)
	assert.False(t, ok)
	assert.Equal(t, 1, res.Delivered)
	assert.Zero(t, res.Dropped)
	assert.Zero(t, h.metrics.dropped.Load())
	assert.Equal(t, int32(1), email.calls.Load())
	assert.Equal(t, int32(DefaultMaxAttempts), push.calls.Load())
	assert.Equal(t, []wal.EventType{wal.EventNotificationDelivered}, h.sink.Events())
}

func TestUnreachableRecipientIsDropped(t *testing.T) {
	email := &fakeChannel{name: "email", needs: func(p types.NotificationPayload) bool { return p.Recipient.Email != "" }}
	h := newHarness(t, email)

	p := payload(types.EventJobAvailable, "agent-1")
	p.Recipient.Email = ""
	h.q.Enqueue(p)

	res := h.q.ProcessOnce(context.Background())
	assert.Equal(t, 1, res.Dropped)
	assert.Equal(t, int32(0), email.calls.Load())
}

func TestEnqueueDuringPass(t *testing.T) {
	ch := &fakeChannel{name: "email"}
	h := newHarness(t, ch)

	for i := 0; i < 20; i++ {
		h.q.Enqueue(payload(types.EventJobAvailable, fmt.Sprintf("agent-%d", i)))
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.q.ProcessOnce(context.Background())
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			h.q.Enqueue(payload(types.EventJobReminder, fmt.Sprintf("late-%d", i)))
		}
	}()
	wg.Wait()

	// Whatever the first pass missed is picked up by the next one.
	h.q.ProcessOnce(context.Background())
	assert.Equal(t, 0, h.q.Len())
	assert.Equal(t, int32(40), ch.calls.Load())
}

func TestStats(t *testing.T) {
	ch := &fakeChannel{name: "email"}
	ch.failures.Store(-1)
	h := newHarness(t, ch)

	first := h.clock.Now()
	h.q.Enqueue(payload(types.EventJobAvailable, "agent-1"))
	h.q.ProcessOnce(context.Background())

	h.clock.Advance(time.Second)
	h.q.Enqueue(payload(types.EventJobReminder, "agent-2"))
	h.q.Enqueue(payload(types.EventJobReminder, "agent-3"))

	s := h.q.Stats()
	assert.Equal(t, 3, s.Pending)
	assert.Equal(t, map[int]int{0: 2, 1: 1}, s.ByAttempts)
	assert.Equal(t, map[types.EventType]int{types.EventJobAvailable: 1, types.EventJobReminder: 2}, s.ByEvent)
	require.NotNil(t, s.OldestEnqueuedAt)
	assert.Equal(t, first, *s.OldestEnqueuedAt)
}

func TestStatsEmpty(t *testing.T) {
	h := newHarness(t, &fakeChannel{name: "email"})
	s := h.q.Stats()
	assert.Zero(t, s.Pending)
	assert.Nil(t, s.OldestEnqueuedAt)
}

func TestSnapshotRestore(t *testing.T) {
	ch := &fakeChannel{name: "email"}
	ch.failures.Store(-1)
	h := newHarness(t, ch)

	id := h.q.Enqueue(payload(types.EventJobAvailable, "agent-1"))
	h.q.ProcessOnce(context.Background())
	h.clock.Advance(time.Second)
	h.q.Enqueue(payload(types.EventJobReminder, "agent-2"))

	snap := h.q.Snapshot()
	require.Len(t, snap.Records, 2)
	assert.Equal(t, id, snap.Records[0].ID)

	other := newHarness(t, &fakeChannel{name: "email"})
	assert.Equal(t, 2, other.q.Restore(snap))
	assert.Equal(t, 0, other.q.Restore(snap), "already queued IDs are skipped")

	rec, ok := other.q.Get(id)
	require.True(t, ok)
	assert.Equal(t, 1, rec.Attempts)
	assert.NotEmpty(t, rec.LastError)
}
