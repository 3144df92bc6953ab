// ============================================================================
// fieldops metrics - Prometheus series
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Function: collects the dispatch core's operational counters and exposes
//           them in Prometheus text format
//
// Series:
//
//   1. Lifecycle (Counter):
//      - fieldops_job_transitions_total{to}
//      - fieldops_accept_conflicts_total      lost accept races
//      - fieldops_geofence_violations_total   rejected starts
//
//   2. Notification queue:
//      - fieldops_notifications_enqueued_total{event}
//      - fieldops_notifications_delivered_total{channel}
//      - fieldops_notifications_retried_total
//      - fieldops_notifications_dropped_total
//      - fieldops_notification_queue_pending (Gauge)
//
//   3. Payouts:
//      - fieldops_payout_runs_total
//      - fieldops_payout_outcomes_total{outcome}
//      - fieldops_payout_amount_cents_total   PROCESSED amounts only
//      - fieldops_payout_run_duration_seconds (Histogram)
//
//   4. Startup:
//      - fieldops_recovery_time_seconds (Gauge) time to restore the
//        notification queue snapshot
//
// Useful queries:
//
//   # delivery failure pressure
//   rate(fieldops_notifications_retried_total[5m])
//
//   # backlog that is not draining
//   fieldops_notification_queue_pending
//
//   # contention on popular jobs
//   rate(fieldops_accept_conflicts_total[1h])
//
// The Collector implements the Recorder interfaces of jobmanager, notify and
// payout, so one value is handed to all three.
//
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/fieldops/pkg/types"
)

const namespace = "fieldops"

// Collector holds every fieldops series.
type Collector struct {
	transitions      *prometheus.CounterVec
	acceptConflicts  prometheus.Counter
	geofenceRejected prometheus.Counter

	notifEnqueued  *prometheus.CounterVec
	notifDelivered *prometheus.CounterVec
	notifRetried   prometheus.Counter
	notifDropped   prometheus.Counter
	queuePending   prometheus.Gauge

	payoutRuns     prometheus.Counter
	payoutOutcomes *prometheus.CounterVec
	payoutAmount   prometheus.Counter
	payoutDuration prometheus.Histogram

	recoveryTime prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewCollector registers the series on reg. A nil reg gets a private
// registry, which keeps tests and repeated constructions independent.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Collector{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_transitions_total",
			Help:      "Job status transitions, by target status.",
		}, []string{"to"}),
		acceptConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accept_conflicts_total",
			Help:      "Accept attempts that lost to a concurrent accept or cancel.",
		}),
		geofenceRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geofence_violations_total",
			Help:      "Start attempts rejected for being outside the geofence.",
		}),
		notifEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_enqueued_total",
			Help:      "Notifications accepted into the retry queue, by event type.",
		}, []string{"event"}),
		notifDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_delivered_total",
			Help:      "Successful channel sends, by channel.",
		}, []string{"channel"}),
		notifRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_retried_total",
			Help:      "Notifications rescheduled after a failed attempt.",
		}),
		notifDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_dropped_total",
			Help:      "Notifications dropped after exhausting their attempts.",
		}),
		queuePending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "notification_queue_pending",
			Help:      "Records currently held by the notification queue.",
		}),
		payoutRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payout_runs_total",
			Help:      "Completed payout scheduler runs.",
		}),
		payoutOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payout_outcomes_total",
			Help:      "Per-payee payout outcomes.",
		}, []string{"outcome"}),
		payoutAmount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payout_amount_cents_total",
			Help:      "Cents handed to the payout provider.",
		}),
		payoutDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "payout_run_duration_seconds",
			Help:      "Wall time of a payout run.",
			Buckets:   prometheus.DefBuckets,
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_time_seconds",
			Help:      "Time taken to restore the notification queue at startup.",
		}),
	}

	reg.MustRegister(
		c.transitions, c.acceptConflicts, c.geofenceRejected,
		c.notifEnqueued, c.notifDelivered, c.notifRetried, c.notifDropped, c.queuePending,
		c.payoutRuns, c.payoutOutcomes, c.payoutAmount, c.payoutDuration,
		c.recoveryTime,
	)
	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	} else {
		c.gatherer = prometheus.DefaultGatherer
	}
	return c
}

// Handler serves the registry the collector was registered on.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

func (c *Collector) JobTransition(to types.JobStatus) {
	c.transitions.WithLabelValues(string(to)).Inc()
}

func (c *Collector) AcceptConflict() { c.acceptConflicts.Inc() }

func (c *Collector) GeofenceViolation() { c.geofenceRejected.Inc() }

func (c *Collector) NotificationEnqueued(event types.EventType) {
	c.notifEnqueued.WithLabelValues(string(event)).Inc()
}

func (c *Collector) NotificationDelivered(channel string) {
	c.notifDelivered.WithLabelValues(channel).Inc()
}

func (c *Collector) NotificationRetried() { c.notifRetried.Inc() }

func (c *Collector) NotificationDropped() { c.notifDropped.Inc() }

func (c *Collector) NotificationQueuePending(n int) { c.queuePending.Set(float64(n)) }

func (c *Collector) PayoutRun(d time.Duration) {
	c.payoutRuns.Inc()
	c.payoutDuration.Observe(d.Seconds())
}

// PayoutOutcome counts one payee result; only PROCESSED amounts add to the
// disbursed total.
func (c *Collector) PayoutOutcome(outcome string, amount types.Cents) {
	c.payoutOutcomes.WithLabelValues(outcome).Inc()
	if outcome == "PROCESSED" && amount > 0 {
		c.payoutAmount.Add(float64(amount))
	}
}

// SetRecoveryTime records how long startup recovery took.
func (c *Collector) SetRecoveryTime(d time.Duration) {
	c.recoveryTime.Set(d.Seconds())
}
