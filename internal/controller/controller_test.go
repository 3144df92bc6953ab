package controller

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/fieldops/internal/jobmanager"
	"github.com/ChuLiYu/fieldops/internal/notify"
	"github.com/ChuLiYu/fieldops/internal/payout"
	"github.com/ChuLiYu/fieldops/internal/snapshot"
	"github.com/ChuLiYu/fieldops/internal/storage/memory"
	"github.com/ChuLiYu/fieldops/pkg/types"
)

var capitol = types.Coordinates{Lat: 30.2747, Lng: -97.7404}

type recordingChannel struct {
	mu   sync.Mutex
	sent []types.NotificationPayload
}

func (c *recordingChannel) Name() string                              { return "test" }
func (c *recordingChannel) Supports(p types.NotificationPayload) bool { return p.Recipient.UserID != "" }

func (c *recordingChannel) Send(_ context.Context, p types.NotificationPayload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, p)
	return nil
}

func (c *recordingChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type slowProvider struct {
	*payout.StaticProvider
	calls atomic.Int32
}

func (p *slowProvider) Transfer(ctx context.Context, req payout.TransferRequest) (string, error) {
	p.calls.Add(1)
	time.Sleep(50 * time.Millisecond)
	return p.StaticProvider.Transfer(ctx, req)
}

type recoveryGauge struct{ d atomic.Int64 }

func (g *recoveryGauge) SetRecoveryTime(d time.Duration) { g.d.Store(int64(d) + 1) }

type harness struct {
	ctx      context.Context
	store    *memory.Store
	channel  *recordingChannel
	queue    *notify.Queue
	jobs     *jobmanager.Manager
	provider *slowProvider
	payouts  *payout.Scheduler
	snapPath string
	gauge    *recoveryGauge
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		ctx:      context.Background(),
		store:    memory.New(),
		channel:  &recordingChannel{},
		snapPath: filepath.Join(t.TempDir(), "queue.snapshot"),
		gauge:    &recoveryGauge{},
	}
	require.NoError(t, h.store.UpsertProperty(h.ctx, &types.Property{
		ID: "prop-1", Location: capitol, AddressLine1: "1100 Congress Ave", City: "Austin", State: "TX", ZipCode: "78701",
	}))
	require.NoError(t, h.store.UpsertAgent(h.ctx, &types.Agent{
		ID: "agent-a", Name: "Ana", HomeBase: capitol, CoverageRadiusMiles: 20, Active: true,
	}))

	q, err := notify.NewQueue(notify.Config{Channels: []notify.Channel{h.channel}})
	require.NoError(t, err)
	h.queue = q

	ids := 0
	jobs, err := jobmanager.NewManager(jobmanager.Config{
		Store:    h.store,
		Notifier: q,
		NewID:    func() string { ids++; return fmt.Sprintf("id-%d", ids) },
	})
	require.NoError(t, err)
	h.jobs = jobs

	h.provider = &slowProvider{StaticProvider: payout.NewStaticProvider(map[types.PayeeID]string{"agent-a": "ach:1"}, nil)}
	sched, err := payout.NewScheduler(payout.Config{Ledger: h.store, Provider: h.provider})
	require.NoError(t, err)
	h.payouts = sched
	return h
}

func (h *harness) controller(t *testing.T, mutate ...func(*Config)) *Controller {
	t.Helper()
	cfg := Config{
		Jobs:              h.jobs,
		Queue:             h.queue,
		Payouts:           h.payouts,
		Snapshots:         snapshot.NewManager(h.snapPath),
		NotifyInterval:    time.Hour,
		SLAInterval:       time.Hour,
		SnapshotInterval:  time.Hour,
		DisablePayoutCron: true,
		Metrics:           h.gauge,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	c, err := NewController(cfg)
	require.NoError(t, err)
	return c
}

// completeJob drives a job to COMPLETED so agent-a has a pending earning.
func (h *harness) completeJob(t *testing.T) {
	t.Helper()
	job, err := h.jobs.Create(h.ctx, jobmanager.CreateRequest{ScopePreset: types.ScopeInteriorExterior, PropertyID: "prop-1"})
	require.NoError(t, err)
	_, err = h.jobs.Dispatch(h.ctx, job.ID)
	require.NoError(t, err)
	_, err = h.jobs.Accept(h.ctx, job.ID, "agent-a")
	require.NoError(t, err)
	_, err = h.jobs.Start(h.ctx, job.ID, "agent-a", capitol)
	require.NoError(t, err)
	for i := 0; i < jobmanager.DefaultMinEvidence; i++ {
		_, err = h.jobs.AddEvidence(h.ctx, job.ID, "agent-a", jobmanager.EvidenceRequest{
			URI: fmt.Sprintf("s3://evidence/%d.jpg", i), Location: &capitol,
		})
		require.NoError(t, err)
	}
	_, err = h.jobs.Submit(h.ctx, job.ID, "agent-a", "all good")
	require.NoError(t, err)
	_, _, err = h.jobs.Complete(h.ctx, job.ID)
	require.NoError(t, err)
}

func TestNewControllerRequiresComponents(t *testing.T) {
	_, err := NewController(Config{})
	assert.Error(t, err)
}

func TestStartRestoresSnapshot(t *testing.T) {
	h := newHarness(t)
	now := time.Now()
	require.NoError(t, snapshot.NewManager(h.snapPath).Write(types.QueueSnapshot{
		Records: []*types.QueuedNotification{{
			ID:          "persisted-1",
			Payload:     types.NotificationPayload{EventType: types.EventJobReminder, Recipient: types.Recipient{UserID: "agent-a"}},
			Attempts:    1,
			MaxAttempts: 3,
			NextRetryAt: now.Add(time.Hour),
			CreatedAt:   now.Add(-time.Minute),
		}},
		TakenAt: now,
	}))

	c := h.controller(t)
	require.NoError(t, c.Start(h.ctx))
	defer c.Stop()

	rec, ok := h.queue.Get("persisted-1")
	require.True(t, ok)
	assert.Equal(t, 1, rec.Attempts, "attempt count survives the restart")
	assert.Equal(t, 1, c.GetStatus().RestoredNotifications)
	assert.NotZero(t, h.gauge.d.Load(), "recovery time is recorded")
}

func TestStopPersistsPendingNotifications(t *testing.T) {
	h := newHarness(t)
	c := h.controller(t)
	require.NoError(t, c.Start(h.ctx))

	id := h.queue.Enqueue(types.NotificationPayload{EventType: types.EventJobAvailable, Recipient: types.Recipient{UserID: "agent-a"}})
	c.Stop()
	c.Stop()

	snap, err := snapshot.NewManager(h.snapPath).Load()
	require.NoError(t, err)
	require.Len(t, snap.Records, 1)
	assert.Equal(t, id, snap.Records[0].ID)
	assert.False(t, c.GetStatus().Running)
}

func TestNotifyLoopDelivers(t *testing.T) {
	h := newHarness(t)
	c := h.controller(t, func(cfg *Config) { cfg.NotifyInterval = 10 * time.Millisecond })
	require.NoError(t, c.Start(h.ctx))
	defer c.Stop()

	job, err := h.jobs.Create(h.ctx, jobmanager.CreateRequest{ScopePreset: types.ScopeExteriorOnly, PropertyID: "prop-1"})
	require.NoError(t, err)
	_, err = h.jobs.Dispatch(h.ctx, job.ID)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return h.channel.count() == 1 && h.queue.Len() == 0 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, types.EventJobAvailable, h.channel.sent[0].EventType)
}

func TestManualQueueTrigger(t *testing.T) {
	h := newHarness(t)
	c := h.controller(t)

	h.queue.Enqueue(types.NotificationPayload{EventType: types.EventJobAvailable, Recipient: types.Recipient{UserID: "agent-a"}})
	res := c.ProcessNotificationQueue(h.ctx)
	assert.Equal(t, notify.PassResult{Due: 1, Delivered: 1}, res)
	assert.Equal(t, 0, c.GetQueueStats().Pending)
}

func TestConcurrentPayoutTriggersPayOnce(t *testing.T) {
	h := newHarness(t)
	c := h.controller(t)
	h.completeJob(t)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.RunPayoutScheduler(h.ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), h.provider.calls.Load())
	stats, err := c.GetPayoutStats(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.PendingCount)
	terms, _ := types.ScopeInteriorExterior.Terms()
	assert.Equal(t, terms.Payout, stats.ProcessingAmount)
}

func TestPayoutTriggerOutlivesCallerContext(t *testing.T) {
	h := newHarness(t)
	c := h.controller(t)
	h.completeJob(t)

	ctx, cancel := context.WithCancel(h.ctx)
	done := make(chan *payout.RunResult, 1)
	go func() {
		res, err := c.RunPayoutScheduler(ctx)
		assert.NoError(t, err)
		done <- res
	}()
	require.Eventually(t, func() bool { return h.provider.calls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()

	res := <-done
	require.NotNil(t, res)
	assert.Equal(t, 1, res.ProcessedCount, "the caller going away does not abort the shared run")
	assert.Len(t, h.provider.Transfers(), 1)
}

func TestStopEndsInFlightPayoutRun(t *testing.T) {
	h := newHarness(t)
	c := h.controller(t)
	h.completeJob(t)
	require.NoError(t, c.Start(h.ctx))

	done := make(chan *payout.RunResult, 1)
	go func() {
		res, err := c.RunPayoutScheduler(h.ctx)
		assert.NoError(t, err)
		done <- res
	}()
	require.Eventually(t, func() bool { return h.provider.calls.Load() == 1 }, time.Second, time.Millisecond)
	c.Stop()

	res := <-done
	require.NotNil(t, res)
	assert.Equal(t, 1, res.FailedCount)
	stats, err := c.GetPayoutStats(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PendingCount, "earnings go back to PENDING for the next run")
	assert.Zero(t, stats.ProcessingCount)
}

func TestManualSLAScan(t *testing.T) {
	h := newHarness(t)
	c := h.controller(t)
	res, err := c.ScanSLA(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Scanned)
}

func TestPayoutCronStartsAndStops(t *testing.T) {
	h := newHarness(t)
	c := h.controller(t, func(cfg *Config) { cfg.DisablePayoutCron = false })
	require.NoError(t, c.Start(h.ctx))
	assert.True(t, c.GetStatus().Running)
	assert.Error(t, c.Start(h.ctx), "second start is rejected")

	done := make(chan struct{})
	go func() { c.Stop(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}
