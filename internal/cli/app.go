package cli

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ChuLiYu/fieldops/internal/config"
	"github.com/ChuLiYu/fieldops/internal/controller"
	"github.com/ChuLiYu/fieldops/internal/errors"
	"github.com/ChuLiYu/fieldops/internal/jobmanager"
	"github.com/ChuLiYu/fieldops/internal/logger"
	"github.com/ChuLiYu/fieldops/internal/metrics"
	"github.com/ChuLiYu/fieldops/internal/notify"
	"github.com/ChuLiYu/fieldops/internal/payout"
	"github.com/ChuLiYu/fieldops/internal/snapshot"
	"github.com/ChuLiYu/fieldops/internal/storage"
	"github.com/ChuLiYu/fieldops/internal/storage/memory"
	"github.com/ChuLiYu/fieldops/internal/storage/sqlite"
	"github.com/ChuLiYu/fieldops/internal/storage/wal"
)

// app is every component the daemon and the one-shot commands share.
type app struct {
	cfg       *config.Config
	log       *zap.SugaredLogger
	store     storage.Store
	audit     *wal.WAL
	collector *metrics.Collector
	hub       *notify.Hub
	queue     *notify.Queue
	jobs      *jobmanager.Manager
	provider  *payout.StaticProvider
	payouts   *payout.Scheduler
	snapshots *snapshot.Manager
	ctrl      *controller.Controller
}

type appOptions struct {
	// Registerer receives the collectors; nil keeps them private.
	Registerer        prometheus.Registerer
	DisablePayoutCron bool
}

// buildApp wires the components in dependency order. On error everything
// opened so far is closed.
func buildApp(cfg *config.Config, opts appOptions) (_ *app, err error) {
	a := &app{cfg: cfg, log: logger.Named("fieldops")}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if a.store, err = openStore(cfg.Storage, a.log); err != nil {
		return nil, err
	}

	var audit wal.Sink = wal.NopSink{}
	if cfg.Audit.WALPath != "" {
		if err = ensureDir(cfg.Audit.WALPath); err != nil {
			return nil, err
		}
		if a.audit, err = wal.NewWAL(cfg.Audit.WALPath, cfg.Audit.Sync); err != nil {
			return nil, errors.Wrap(err, "open audit log")
		}
		audit = a.audit
	}

	a.collector = metrics.NewCollector(opts.Registerer)

	channels, err := a.buildChannels()
	if err != nil {
		return nil, err
	}
	n := cfg.Notifications
	if a.queue, err = notify.NewQueue(notify.Config{
		Channels:    channels,
		Backoff:     n.Backoff,
		MaxAttempts: n.MaxAttempts,
		SendTimeout: n.SendTimeout,
		Concurrency: n.Concurrency,
		Logger:      logger.Named("notify"),
		Metrics:     a.collector,
		Audit:       audit,
	}); err != nil {
		return nil, err
	}

	if a.jobs, err = jobmanager.NewManager(jobmanager.Config{
		Store:        a.store,
		Notifier:     a.queue,
		Audit:        audit,
		Metrics:      a.collector,
		Logger:       logger.Named("jobs"),
		Rules:        cfg.Lifecycle.Rules(),
		Overrides:    cfg.Lifecycle.Overrides,
		ReminderLead: cfg.SLA.ReminderLead,
		Operations:   cfg.SLA.Operations.Recipient(),
	}); err != nil {
		return nil, err
	}

	schedule, err := cfg.Payout.Schedule()
	if err != nil {
		return nil, err
	}
	a.provider = payout.NewStaticProvider(cfg.Payout.PayoutMethods(), logger.Named("provider"))
	if a.payouts, err = payout.NewScheduler(payout.Config{
		Ledger:          a.store,
		Provider:        a.provider,
		Minimum:         cfg.Payout.Minimum(),
		Maximum:         cfg.Payout.Maximum(),
		Schedule:        schedule,
		TransferTimeout: cfg.Payout.TransferTimeout,
		Logger:          logger.Named("payout"),
		Metrics:         a.collector,
		Audit:           audit,
	}); err != nil {
		return nil, err
	}

	if n.SnapshotPath != "" {
		if err = ensureDir(n.SnapshotPath); err != nil {
			return nil, err
		}
		a.snapshots = snapshot.NewManager(n.SnapshotPath)
	}

	// One-shot commands never Start the controller, so DisablePayoutCron
	// only matters for the daemon.
	if a.ctrl, err = controller.NewController(controller.Config{
		Jobs:              a.jobs,
		Queue:             a.queue,
		Payouts:           a.payouts,
		Snapshots:         a.snapshots,
		NotifyInterval:    n.Interval,
		SLAInterval:       cfg.SLA.ScanInterval,
		SnapshotInterval:  n.SnapshotInterval,
		DisablePayoutCron: opts.DisablePayoutCron,
		Logger:            logger.Named("controller"),
		Metrics:           a.collector,
	}); err != nil {
		return nil, err
	}
	return a, nil
}

// buildChannels returns email, plus push when enabled. Each is wrapped in
// the rate limiter and circuit breaker.
func (a *app) buildChannels() ([]notify.Channel, error) {
	n := a.cfg.Notifications
	sender, err := notify.NewEmailSender(n.Email, logger.Named("email"))
	if err != nil {
		return nil, err
	}
	channels := []notify.Channel{notify.Guard(notify.NewEmailChannel(sender, nil), n.Guard)}

	if n.Push.Enabled {
		var allow func(*http.Request) bool
		if origin := n.Push.AllowOrigin; origin != "" {
			allow = func(r *http.Request) bool { return r.Header.Get("Origin") == origin }
		}
		a.hub = notify.NewHub(logger.Named("push"), allow)
		channels = append(channels, notify.Guard(notify.NewPushChannel(a.hub, nil), n.Guard))
	}
	return channels, nil
}

// restoreQueue loads the persisted queue for one-shot commands. The daemon
// does this inside Controller.Start.
func (a *app) restoreQueue() (int, error) {
	if a.snapshots == nil {
		return 0, nil
	}
	snap, err := a.snapshots.Load()
	if err != nil {
		return 0, errors.Wrap(err, "load notification snapshot")
	}
	return a.queue.Restore(snap), nil
}

func (a *app) persistQueue() error {
	if a.snapshots == nil {
		return nil
	}
	return errors.Wrap(a.snapshots.Write(a.queue.Snapshot()), "write notification snapshot")
}

// close releases everything except the controller, which the daemon stops
// itself.
func (a *app) close() {
	if a.queue != nil {
		a.queue.Close()
	}
	if a.hub != nil {
		a.hub.Close()
	}
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			a.log.Warnw("close audit log", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warnw("close store", zap.Error(err))
		}
	}
}

func openStore(cfg config.StorageConfig, log *zap.SugaredLogger) (storage.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return memory.New(), nil
	case "sqlite":
		if path := sqlitePath(cfg.DSN); path != "" {
			if err := ensureDir(path); err != nil {
				return nil, err
			}
		}
		store, err := sqlite.Open(cfg.DSN, log.Named("sqlite"))
		if err != nil {
			return nil, errors.Wrap(err, "open sqlite store")
		}
		return store, nil
	default:
		return nil, errors.Newf("unknown storage driver %q", cfg.Driver)
	}
}

// sqlitePath extracts the database file from a DSN such as
// "file:data/fieldops.db?_busy_timeout=5000". In-memory DSNs return "".
func sqlitePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" || strings.Contains(dsn, "mode=memory") {
		return ""
	}
	return path
}

func ensureDir(file string) error {
	dir := filepath.Dir(file)
	if dir == "." || dir == "" {
		return nil
	}
	return errors.Wrapf(os.MkdirAll(dir, 0o755), "create %s", dir)
}
