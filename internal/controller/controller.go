// ============================================================================
// fieldops controller - daemon coordinator
// ============================================================================
//
// Package: internal/controller
// File: controller.go
// Function: owns the background loops of the dispatch core and the recovery
//           of the notification queue across restarts
//
// Components coordinated:
//   - jobmanager.Manager  lifecycle operations, SLA scan
//   - notify.Queue        in-memory retry queue and its channels
//   - payout.Scheduler    weekly payout batches
//   - snapshot.Manager    on-disk copy of the pending notification queue
//
// Loops (one errgroup, all stop on the shared context):
//   1. Notify loop   - ProcessOnce every notifications.interval (30s)
//   2. SLA loop      - ScanSLA every sla.scan_interval
//   3. Snapshot loop - persist the queue every snapshot interval
//   4. Payout cron   - robfig/cron entry at the configured weekly window
//
// Recovery:
//   Start loads the queue snapshot before any loop runs, so notifications
//   that were pending at shutdown are retried with their attempt counts and
//   schedules intact. Jobs, earnings and payouts live in the store and need
//   no replay.
//
// Manual triggers:
//   RunPayoutScheduler and ProcessNotificationQueue may be called from the
//   HTTP API or the CLI while the loops run. Concurrent callers share one
//   in-flight execution through singleflight; the cron entry skips a tick
//   while a run is still going.
//
// ============================================================================

package controller

import (
	"context"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/ChuLiYu/fieldops/internal/errors"
	"github.com/ChuLiYu/fieldops/internal/jobmanager"
	"github.com/ChuLiYu/fieldops/internal/logger"
	"github.com/ChuLiYu/fieldops/internal/notify"
	"github.com/ChuLiYu/fieldops/internal/payout"
	"github.com/ChuLiYu/fieldops/internal/snapshot"
)

// Default loop intervals.
const (
	DefaultNotifyInterval   = 30 * time.Second
	DefaultSLAInterval      = 5 * time.Minute
	DefaultSnapshotInterval = time.Minute
)

// RecoveryRecorder receives the startup recovery duration.
type RecoveryRecorder interface {
	SetRecoveryTime(d time.Duration)
}

// Config wires a Controller. Jobs, Queue and Payouts are required.
type Config struct {
	Jobs      *jobmanager.Manager
	Queue     *notify.Queue
	Payouts   *payout.Scheduler
	Snapshots *snapshot.Manager // nil disables queue persistence

	NotifyInterval   time.Duration
	SLAInterval      time.Duration
	SnapshotInterval time.Duration
	// DisablePayoutCron leaves payouts to manual triggers only.
	DisablePayoutCron bool

	Clock   func() time.Time
	Logger  *zap.SugaredLogger
	Metrics RecoveryRecorder
}

// Controller runs the background work of the daemon.
type Controller struct {
	jobs      *jobmanager.Manager
	queue     *notify.Queue
	payouts   *payout.Scheduler
	snapshots *snapshot.Manager
	cfg       Config
	now       func() time.Time
	log       *zap.SugaredLogger

	flight singleflight.Group
	cron   *cronlib.Cron

	mu        sync.Mutex
	lifetime  context.Context // set by Start; ends shared runs on Stop
	cancel    context.CancelFunc
	group     *errgroup.Group
	started   bool
	stopped   bool
	startTime time.Time
	restored  int
}

// NewController validates cfg and applies interval defaults.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Jobs == nil || cfg.Queue == nil || cfg.Payouts == nil {
		return nil, errors.New("controller requires a job manager, a notification queue and a payout scheduler")
	}
	if cfg.NotifyInterval <= 0 {
		cfg.NotifyInterval = DefaultNotifyInterval
	}
	if cfg.SLAInterval <= 0 {
		cfg.SLAInterval = DefaultSLAInterval
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = DefaultSnapshotInterval
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Controller{
		jobs:      cfg.Jobs,
		queue:     cfg.Queue,
		payouts:   cfg.Payouts,
		snapshots: cfg.Snapshots,
		cfg:       cfg,
		now:       now,
		log:       logger.OrDefault(cfg.Logger, "controller"),
	}, nil
}

// Start restores the queue snapshot and launches the loops. The loops run
// until ctx is cancelled or Stop is called.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("controller already started")
	}
	c.startTime = c.now()

	c.log.Infow("starting recovery")
	if err := c.loadSnapshot(); err != nil {
		return errors.Wrap(err, "load notification snapshot")
	}

	runCtx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(runCtx)
	c.lifetime = runCtx
	c.cancel = cancel
	c.group = group

	group.Go(func() error { return c.tick(gctx, "notify", c.cfg.NotifyInterval, c.notifyOnce) })
	group.Go(func() error { return c.tick(gctx, "sla", c.cfg.SLAInterval, c.slaOnce) })
	if c.snapshots != nil {
		group.Go(func() error { return c.tick(gctx, "snapshot", c.cfg.SnapshotInterval, c.snapshotOnce) })
	}

	if !c.cfg.DisablePayoutCron {
		if err := c.startPayoutCron(gctx); err != nil {
			cancel()
			_ = group.Wait()
			return err
		}
	}

	c.started = true
	c.log.Infow("controller started",
		"notify_interval", c.cfg.NotifyInterval,
		"sla_interval", c.cfg.SLAInterval,
		"payout_window", c.payouts.Schedule().String(),
		"restored_notifications", c.restored,
	)
	return nil
}

// loadSnapshot puts persisted notifications back into the queue.
func (c *Controller) loadSnapshot() error {
	if c.snapshots == nil {
		return nil
	}
	start := time.Now()
	snap, err := c.snapshots.Load()
	if err != nil {
		return err
	}
	c.restored = c.queue.Restore(snap)
	took := time.Since(start)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.SetRecoveryTime(took)
	}
	c.log.Infow("notification snapshot loaded",
		"duration", took,
		"records", len(snap.Records),
		"restored", c.restored,
	)
	return nil
}

// tick runs fn every interval until ctx ends. fn errors are logged, never
// fatal to the loop.
func (c *Controller) tick(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) error {
	c.log.Infow("loop started", "loop", name, "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.log.Infow("loop stopped", "loop", name)
			return nil
		case <-ticker.C:
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				c.log.Errorw("loop iteration failed", "loop", name, zap.Error(err))
			}
		}
	}
}

func (c *Controller) notifyOnce(ctx context.Context) error {
	res := c.ProcessNotificationQueue(ctx)
	if res.Due > 0 {
		c.log.Debugw("notification pass", "due", res.Due, "delivered", res.Delivered,
			"retried", res.Retried, "dropped", res.Dropped)
	}
	return nil
}

func (c *Controller) slaOnce(ctx context.Context) error {
	_, err := c.ScanSLA(ctx)
	return err
}

func (c *Controller) snapshotOnce(context.Context) error {
	return c.takeSnapshot()
}

func (c *Controller) startPayoutCron(ctx context.Context) error {
	sched, err := c.payouts.Schedule().Cron()
	if err != nil {
		return errors.Wrap(err, "payout schedule")
	}
	c.cron = cronlib.New(cronlib.WithChain(cronlib.SkipIfStillRunning(cronlib.DiscardLogger)))
	c.cron.Schedule(sched, cronlib.FuncJob(func() {
		if _, err := c.RunPayoutScheduler(ctx); err != nil && ctx.Err() == nil {
			c.log.Errorw("scheduled payout run failed", zap.Error(err))
		}
	}))
	c.cron.Start()
	c.log.Infow("payout cron scheduled", "spec", c.payouts.Schedule().Spec(),
		"next", c.payouts.NextScheduledRunDate(c.now()))
	return nil
}

// takeSnapshot writes the current queue contents.
func (c *Controller) takeSnapshot() error {
	if c.snapshots == nil {
		return nil
	}
	start := time.Now()
	snap := c.queue.Snapshot()
	if err := c.snapshots.Write(snap); err != nil {
		return errors.Wrap(err, "write notification snapshot")
	}
	c.log.Debugw("notification snapshot taken", "duration", time.Since(start), "records", len(snap.Records))
	return nil
}

// detach gives a shared run a context of its own. Joined callers must not
// lose the run when the first caller goes away, so only Stop ends it.
func (c *Controller) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Lock()
	lifetime := c.lifetime
	c.mu.Unlock()
	if lifetime == nil {
		return runCtx, cancel
	}
	stop := context.AfterFunc(lifetime, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

// ProcessNotificationQueue runs one delivery pass now.
func (c *Controller) ProcessNotificationQueue(ctx context.Context) notify.PassResult {
	v, _, _ := c.flight.Do("notify", func() (interface{}, error) {
		runCtx, cancel := c.detach(ctx)
		defer cancel()
		return c.queue.ProcessOnce(runCtx), nil
	})
	return v.(notify.PassResult)
}

// RunPayoutScheduler runs one payout batch now. Callers arriving while a run
// is in flight receive that run's result.
func (c *Controller) RunPayoutScheduler(ctx context.Context) (*payout.RunResult, error) {
	v, err, shared := c.flight.Do("payout", func() (interface{}, error) {
		runCtx, cancel := c.detach(ctx)
		defer cancel()
		return c.payouts.Run(runCtx)
	})
	if shared {
		c.log.Infow("payout trigger joined an in-flight run")
	}
	if err != nil {
		return nil, err
	}
	return v.(*payout.RunResult), nil
}

// ScanSLA runs the SLA watch once.
func (c *Controller) ScanSLA(ctx context.Context) (jobmanager.SLAScanResult, error) {
	v, err, _ := c.flight.Do("sla", func() (interface{}, error) {
		runCtx, cancel := c.detach(ctx)
		defer cancel()
		return c.jobs.ScanSLA(runCtx)
	})
	if err != nil {
		return jobmanager.SLAScanResult{}, err
	}
	return v.(jobmanager.SLAScanResult), nil
}

// GetQueueStats returns the notification queue counters.
func (c *Controller) GetQueueStats() notify.Stats {
	return c.queue.Stats()
}

// GetPayoutStats returns the ledger summary.
func (c *Controller) GetPayoutStats(ctx context.Context) (payout.Stats, error) {
	return c.payouts.Stats(ctx)
}

// Jobs exposes the lifecycle manager to the API layer.
func (c *Controller) Jobs() *jobmanager.Manager { return c.jobs }

// Payouts exposes the scheduler for settlement callbacks.
func (c *Controller) Payouts() *payout.Scheduler { return c.payouts }

// Status is a point-in-time summary of the daemon.
type Status struct {
	Running               bool         `json:"running"`
	StartedAt             time.Time    `json:"started_at,omitempty"`
	Uptime                string       `json:"uptime,omitempty"`
	RestoredNotifications int          `json:"restored_notifications"`
	Queue                 notify.Stats `json:"queue"`
	NextPayoutAt          time.Time    `json:"next_payout_at"`
}

// GetStatus reports whether the loops are running plus queue counters.
func (c *Controller) GetStatus() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		Running:               c.started && !c.stopped,
		RestoredNotifications: c.restored,
		Queue:                 c.queue.Stats(),
		NextPayoutAt:          c.payouts.NextScheduledRunDate(c.now()),
	}
	if c.started {
		st.StartedAt = c.startTime
		st.Uptime = c.now().Sub(c.startTime).Round(time.Second).String()
	}
	return st
}

// ============================================================================
// Shutdown order
// ============================================================================
//
//  1. cron.Stop()   -> no new payout run starts; wait for a running one
//  2. cancel()      -> every loop sees ctx.Done and returns
//  3. group.Wait()  -> no goroutine touches the queue any more
//  4. final snapshot, then queue.Close() stops the delivery worker pool
//
// Snapshotting after the loops exit means the file reflects the last pass,
// including records whose attempt count was bumped on the way down.
//
// ============================================================================

// Stop shuts the loops down and persists the queue. Safe to call twice.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped || !c.started {
		c.stopped = true
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	c.log.Infow("stopping controller")
	if c.cron != nil {
		<-c.cron.Stop().Done()
	}
	c.cancel()
	if err := c.group.Wait(); err != nil {
		c.log.Errorw("loop exited with error", zap.Error(err))
	}
	if err := c.takeSnapshot(); err != nil {
		c.log.Errorw("final snapshot failed", zap.Error(err))
	}
	c.queue.Close()
	c.log.Infow("controller stopped")
}
