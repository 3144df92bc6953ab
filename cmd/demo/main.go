// ============================================================================
// fieldops demo - dispatch walk-through and queue recovery
// ============================================================================
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ChuLiYu/fieldops/internal/controller"
	"github.com/ChuLiYu/fieldops/internal/errors"
	"github.com/ChuLiYu/fieldops/internal/jobmanager"
	"github.com/ChuLiYu/fieldops/internal/notify"
	"github.com/ChuLiYu/fieldops/internal/payout"
	"github.com/ChuLiYu/fieldops/internal/snapshot"
	"github.com/ChuLiYu/fieldops/internal/storage/memory"
	"github.com/ChuLiYu/fieldops/pkg/types"
)

const snapshotPath = "data/demo-notifications.snapshot"

var (
	capitol    = types.Coordinates{Lat: 30.2747, Lng: -97.7404}
	parkingLot = types.Coordinates{Lat: 30.27695, Lng: -97.7404}
)

// flakyChannel fails every send while down is set, like a provider outage.
type flakyChannel struct {
	down atomic.Bool
	sent atomic.Int32
}

func (c *flakyChannel) Name() string                            { return "sms-gateway" }
func (c *flakyChannel) Supports(types.NotificationPayload) bool { return true }
func (c *flakyChannel) Send(_ context.Context, p types.NotificationPayload) error {
	if c.down.Load() {
		return errors.New("gateway unavailable")
	}
	c.sent.Add(1)
	fmt.Printf("  📨 %s -> %s (job %s)\n", p.EventType, p.Recipient.UserID, p.Job.JobID)
	return nil
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run cmd/demo/main.go <start|recover>")
		os.Exit(1)
	}
	mode := os.Args[1]
	if err := os.MkdirAll("data", 0o755); err != nil {
		log.Fatalf("Failed to create data dir: %v", err)
	}

	ctx := context.Background()
	store := memory.New()
	seed(ctx, store)

	channel := &flakyChannel{}
	channel.down.Store(mode == "start")

	queue, err := notify.NewQueue(notify.Config{
		Channels:    []notify.Channel{channel},
		Backoff:     notify.BackoffPolicy{Base: time.Second, Max: 5 * time.Second, Multiplier: 2},
		MaxAttempts: 20,
	})
	if err != nil {
		log.Fatalf("Failed to create queue: %v", err)
	}
	jobs, err := jobmanager.NewManager(jobmanager.Config{
		Store:      store,
		Notifier:   queue,
		Operations: types.Recipient{UserID: "ops"},
	})
	if err != nil {
		log.Fatalf("Failed to create job manager: %v", err)
	}
	provider := payout.NewStaticProvider(map[types.PayeeID]string{"agent-ana": "ach:****6789"}, nil)
	payouts, err := payout.NewScheduler(payout.Config{Ledger: store, Provider: provider})
	if err != nil {
		log.Fatalf("Failed to create payout scheduler: %v", err)
	}

	ctrl, err := controller.NewController(controller.Config{
		Jobs:              jobs,
		Queue:             queue,
		Payouts:           payouts,
		Snapshots:         snapshot.NewManager(snapshotPath),
		NotifyInterval:    500 * time.Millisecond,
		SnapshotInterval:  time.Second,
		DisablePayoutCron: true,
	})
	if err != nil {
		log.Fatalf("Failed to create controller: %v", err)
	}
	if err := ctrl.Start(ctx); err != nil {
		log.Fatalf("Failed to start controller: %v", err)
	}
	fmt.Printf("✓ Controller started (mode: %s)\n", mode)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	switch mode {
	case "start":
		walkThrough(ctx, ctrl)
		fmt.Printf("\n⚠️  The notification gateway is down; offers are waiting in the retry queue.\n")
		fmt.Printf("💡 Press Ctrl+C, then run 'go run cmd/demo/main.go recover'\n")
	case "recover":
		st := ctrl.GetStatus()
		fmt.Printf("\n📊 Restored %d notifications from %s\n", st.RestoredNotifications, snapshotPath)
		fmt.Printf("⏳ Gateway is back; waiting for delivery...\n")
		deadline := time.After(10 * time.Second)
	wait:
		for queue.Len() > 0 {
			select {
			case <-deadline:
				break wait
			case <-time.After(200 * time.Millisecond):
			}
		}
		fmt.Printf("\n✓ Delivered %d, %d still queued\n", channel.sent.Load(), queue.Len())
	default:
		log.Fatalf("Unknown mode %q", mode)
	}

	<-sigChan
	fmt.Println("\n\nReceived shutdown signal, stopping gracefully...")
	ctrl.Stop()
	fmt.Println("✓ Controller stopped, queue snapshot written")
}

func seed(ctx context.Context, store *memory.Store) {
	must(store.UpsertProperty(ctx, &types.Property{
		ID: "prop-capitol", Location: capitol,
		AddressLine1: "1100 Congress Ave", City: "Austin", State: "TX", ZipCode: "78701",
	}))
	for _, a := range []*types.Agent{
		{ID: "agent-ana", Name: "Ana", HomeBase: capitol, CoverageRadiusMiles: 25, Active: true},
		{ID: "agent-ben", Name: "Ben", HomeBase: types.Coordinates{Lat: 30.40, Lng: -97.75}, CoverageRadiusMiles: 15, Active: true},
		{ID: "agent-cy", Name: "Cy", HomeBase: types.Coordinates{Lat: 29.42, Lng: -98.49}, CoverageRadiusMiles: 30, Active: true},
	} {
		must(store.UpsertAgent(ctx, a))
	}
}

// walkThrough drives one job from creation to payout.
func walkThrough(ctx context.Context, ctrl *controller.Controller) {
	jobs := ctrl.Jobs()

	job, err := jobs.Create(ctx, jobmanager.CreateRequest{ScopePreset: types.ScopeInteriorExterior, PropertyID: "prop-capitol"})
	must(err)
	fmt.Printf("\n1. Created %s: %s, pays %s\n", job.ID, job.ScopePreset, job.PayoutAmount)

	job, err = jobs.Dispatch(ctx, job.ID)
	must(err)
	fmt.Printf("2. Dispatched, SLA due %s (%d offers queued)\n",
		job.SLADueAt.Format(time.RFC1123), ctrl.GetQueueStats().Pending)

	_, err = jobs.Accept(ctx, job.ID, "agent-ana")
	must(err)
	_, err = jobs.Accept(ctx, job.ID, "agent-ben")
	fmt.Printf("3. Ana accepted; Ben was too late: %v\n", err)

	_, err = jobs.Start(ctx, job.ID, "agent-ana", parkingLot)
	fmt.Printf("4. Start from the parking lot rejected: %v\n", err)
	_, err = jobs.Start(ctx, job.ID, "agent-ana", capitol)
	must(err)
	fmt.Printf("   Start at the door accepted\n")

	for i := 1; i <= jobmanager.DefaultMinEvidence; i++ {
		_, err = jobs.AddEvidence(ctx, job.ID, "agent-ana", jobmanager.EvidenceRequest{
			URI: fmt.Sprintf("s3://demo/%s/photo-%d.jpg", job.ID, i), Location: &capitol,
		})
		must(err)
	}
	_, err = jobs.Submit(ctx, job.ID, "agent-ana", "All rooms photographed")
	must(err)
	_, earning, err := jobs.Complete(ctx, job.ID)
	must(err)
	fmt.Printf("5. Completed; %s earned %s\n", earning.PayeeID, earning.Amount)

	res, err := ctrl.RunPayoutScheduler(ctx)
	must(err)
	for _, r := range res.Results {
		fmt.Printf("6. Payout %s for %s: %s %s\n", r.Outcome, r.PayeeID, r.Amount, r.Reference)
	}
}

func must(err error) {
	if err != nil {
		log.Fatalf("demo step failed: %v", err)
	}
}
