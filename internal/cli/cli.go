// ============================================================================
// fieldops CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: cobra command tree for the dispatch daemon and its one-shot tools
//
// Command Structure:
//   fieldops                       # Root command
//   ├── run                        # Start the daemon (HTTP, gRPC health, loops)
//   ├── status                     # Offline view of config, ledger and queue
//   ├── payout run | next | stats  # Payout scheduler
//   ├── notify drain               # Deliver the persisted queue once
//   ├── sla scan                   # One SLA reminder/escalation scan
//   ├── distance                   # Great-circle distance between two points
//   ├── audit dump | verify        # Inspect the audit WAL
//   ├── import                     # Load agents and properties from YAML
//   ├── --config, -c               # Config file (default: configs/fieldops.yaml)
//   └── --version
//
// run Command:
//   1. Load config and initialize the logger
//   2. Wire store, audit log, channels, queue, job manager, payout scheduler
//   3. Start the controller (restores the queue snapshot first)
//   4. Serve HTTP and gRPC health until SIGINT or SIGTERM
//   5. Stop the controller (final snapshot) and close resources
//
// One-shot commands share the same wiring but never start the background
// loops. Commands that touch the notification queue restore the snapshot
// before and write it back after, so a running daemon should be stopped
// first.
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ChuLiYu/fieldops/internal/config"
	"github.com/ChuLiYu/fieldops/internal/errors"
	"github.com/ChuLiYu/fieldops/internal/logger"
	"github.com/ChuLiYu/fieldops/internal/server"
	"github.com/ChuLiYu/fieldops/internal/storage/wal"
)

// Version is overridden at build time with -ldflags "-X ...cli.Version=...".
var Version = "0.1.0"

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fieldops",
		Short: "fieldops: field verification dispatch core",
		Long: `fieldops dispatches property verification jobs to field agents:
- geofenced job lifecycle with evidence requirements
- SLA reminders and escalations
- notification retry queue with snapshot recovery
- weekly batched agent payouts`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", config.DefaultPath, "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildPayoutCommand())
	rootCmd.AddCommand(buildNotifyCommand())
	rootCmd.AddCommand(buildSLACommand())
	rootCmd.AddCommand(buildDistanceCommand())
	rootCmd.AddCommand(buildAuditCommand())
	rootCmd.AddCommand(buildImportCommand())

	return rootCmd
}

// loadConfig reads the config and initializes the global logger from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if err := logger.Initialize(cfg.Log.JSON, cfg.Log.Level); err != nil {
		return nil, errors.Wrap(err, "initialize logger")
	}
	return cfg, nil
}

func buildRunCommand() *cobra.Command {
	var noPayoutCron bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the fieldops daemon",
		Long:  "Serve the HTTP API and gRPC health, and run the notification, SLA, snapshot and payout loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, cfg, noPayoutCron)
		},
	}
	cmd.Flags().BoolVar(&noPayoutCron, "no-payout-cron", false, "leave payouts to manual triggers")
	return cmd
}

func runDaemon(ctx context.Context, cfg *config.Config, noPayoutCron bool) error {
	a, err := buildApp(cfg, appOptions{
		Registerer:        prometheus.DefaultRegisterer,
		DisablePayoutCron: noPayoutCron,
	})
	if err != nil {
		return err
	}
	defer a.close()
	log := a.log

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		if cfg.Metrics.Addr == "" {
			metricsHandler = a.collector.Handler()
		} else {
			go serveMetrics(ctx, cfg.Metrics.Addr, a.collector.Handler(), log)
		}
	}

	srv, err := server.New(server.Config{
		Controller: a.ctrl,
		Hub:        a.hub,
		Metrics:    metricsHandler,
		Logger:     logger.Named("server"),
	})
	if err != nil {
		return err
	}

	if err := a.ctrl.Start(ctx); err != nil {
		return errors.Wrap(err, "start controller")
	}
	log.Infow("fieldops started",
		"config", configFile,
		"storage", cfg.Storage.Driver,
		"http", cfg.HTTP.Addr,
		"grpc", cfg.GRPC.Addr,
		"payout_schedule", a.payouts.Schedule().String(),
	)

	serveErr := srv.Serve(ctx, cfg.HTTP.Addr, cfg.GRPC.Addr)
	log.Infow("shutting down")
	a.ctrl.Stop()
	if serveErr != nil {
		return serveErr
	}
	log.Infow("fieldops stopped")
	return nil
}

// serveMetrics runs a dedicated /metrics listener until ctx ends.
func serveMetrics(ctx context.Context, addr string, h http.Handler, log *zap.SugaredLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Infow("metrics server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Errorw("metrics server failed", zap.Error(err))
	}
}

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show system status",
		Long:  "Display configuration, ledger totals, the persisted notification queue and the audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := buildApp(cfg, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()
			return showStatus(cmd.Context(), cmd, a)
		},
	}
	return cmd
}

func showStatus(ctx context.Context, cmd *cobra.Command, a *app) error {
	out := cmd.OutOrStdout()
	cfg := a.cfg

	restored, err := a.restoreQueue()
	if err != nil {
		return err
	}
	qs := a.queue.Stats()
	ps, err := a.payouts.Stats(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "fieldops status")
	fmt.Fprintln(out, "===============")
	fmt.Fprintf(out, "Config:          %s\n", configFile)
	fmt.Fprintf(out, "Storage:         %s %s\n", cfg.Storage.Driver, cfg.Storage.DSN)
	fmt.Fprintf(out, "Geofence:        %.0fm, %d evidence items\n",
		cfg.Lifecycle.GeofenceRadiusMeters, cfg.Lifecycle.MinEvidence)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Notifications:")
	fmt.Fprintf(out, "  snapshot:      %s (%d records)\n", cfg.Notifications.SnapshotPath, restored)
	fmt.Fprintf(out, "  pending:       %d\n", qs.Pending)
	for _, ev := range sortedEvents(qs.ByEvent) {
		fmt.Fprintf(out, "    %-18s %d\n", ev, qs.ByEvent[ev])
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Payouts:")
	fmt.Fprintf(out, "  schedule:      %s\n", a.payouts.Schedule())
	fmt.Fprintf(out, "  next run:      %s\n", ps.NextRunAt.Format(time.RFC1123))
	fmt.Fprintf(out, "  pending:       %d earnings, %s across %d payees\n", ps.PendingCount, ps.PendingAmount, ps.Payees)
	fmt.Fprintf(out, "  processing:    %d earnings, %s\n", ps.ProcessingCount, ps.ProcessingAmount)
	fmt.Fprintf(out, "  completed:     %s\n", ps.CompletedAmount)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Audit log:")
	if cfg.Audit.WALPath == "" {
		fmt.Fprintln(out, "  disabled")
	} else {
		events, err := wal.CountEvents(cfg.Audit.WALPath)
		if err != nil {
			fmt.Fprintf(out, "  %s: unreadable (%v)\n", cfg.Audit.WALPath, err)
		} else {
			fmt.Fprintf(out, "  %s: %d events\n", cfg.Audit.WALPath, events)
		}
	}
	return nil
}
