// ============================================================================
// fieldops payout scheduler
// ============================================================================
//
// Package: internal/payout
// File: scheduler.go
// Function: turns PENDING earnings into per-payee payouts on a weekly cadence
//
// Run():
//   1. Load every PENDING earning and group by payee
//   2. For each payee, independently:
//        total < Min              -> SKIPPED (stays PENDING)
//        total > Max              -> SKIPPED, reported for manual review
//        no payout method         -> FAILED, NoPayoutMethodError reported
//        otherwise                -> claim PENDING->PROCESSING, transfer
//                                    transfer error: release back to PENDING
//                                    transfer timeout: UNCONFIRMED, stays
//                                    PROCESSING until Settle
//   3. Return counts, totals, per-payee outcomes and the error list
//
// Idempotency:
//   Only PENDING earnings are ever selected and the claim is a guarded
//   status flip, so a second run over the same ledger cannot pay twice. No
//   lock is held for the run; overlapping runs are kept apart by the caller.
//   The payout id goes to the provider as the idempotency key. A transfer
//   that timed out may still have moved money, so its earnings are never
//   released; the settlement callback decides.
//
// Ledger writes after a claim run detached from the run's ctx, so a
// cancelled run cannot strand earnings in PROCESSING.
//
// ============================================================================

package payout

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ChuLiYu/fieldops/internal/errors"
	"github.com/ChuLiYu/fieldops/internal/logger"
	"github.com/ChuLiYu/fieldops/internal/storage"
	"github.com/ChuLiYu/fieldops/internal/storage/wal"
	"github.com/ChuLiYu/fieldops/pkg/types"
)

// Guardrail defaults.
var (
	DefaultMinimum = types.Dollars(25)
	DefaultMaximum = types.Dollars(10000)
)

const DefaultTransferTimeout = 30 * time.Second

// ledgerTimeout bounds the writes that close out a claimed payout.
const ledgerTimeout = 10 * time.Second

// Outcome classifies one payee in a run. UNCONFIRMED means the transfer
// timed out and may or may not have happened; the payout stays PROCESSING
// until settled.
type Outcome string

const (
	OutcomeProcessed   Outcome = "PROCESSED"
	OutcomeSkipped     Outcome = "SKIPPED"
	OutcomeFailed      Outcome = "FAILED"
	OutcomeUnconfirmed Outcome = "UNCONFIRMED"
)

// Reasons reported per payee.
const (
	ReasonBelowMinimum   = "below minimum"
	ReasonExceedsMaximum = "exceeds maximum, requires manual review"
	ReasonAlreadyClaimed = "earnings claimed by a concurrent run"
	ReasonUnconfirmed    = "transfer timed out, awaiting settlement"
	ReasonInterrupted    = "run cancelled before this payee"
)

// Recorder receives payout metrics.
type Recorder interface {
	PayoutRun(d time.Duration)
	PayoutOutcome(outcome string, amount types.Cents)
}

type nopRecorder struct{}

func (nopRecorder) PayoutRun(time.Duration)           {}
func (nopRecorder) PayoutOutcome(string, types.Cents) {}

// Config wires a Scheduler. Ledger and Provider are required.
type Config struct {
	Ledger          storage.Ledger
	Provider        Provider
	Minimum         types.Cents
	Maximum         types.Cents
	Schedule        Schedule
	TransferTimeout time.Duration

	Clock   func() time.Time
	NewID   func() string
	Logger  *zap.SugaredLogger
	Metrics Recorder
	Audit   wal.Sink
}

// Scheduler runs payout batches.
type Scheduler struct {
	ledger          storage.Ledger
	provider        Provider
	min, max        types.Cents
	schedule        Schedule
	transferTimeout time.Duration

	now     func() time.Time
	newID   func() string
	log     *zap.SugaredLogger
	metrics Recorder
	audit   wal.Sink

	mu      sync.RWMutex
	lastRun *RunResult
}

// PayeeResult is one payee's line in a run.
type PayeeResult struct {
	PayeeID    types.PayeeID `json:"payee_id"`
	Amount     types.Cents   `json:"amount"`
	EarningIDs []string      `json:"earning_ids"`
	Outcome    Outcome       `json:"outcome"`
	Reason     string        `json:"reason,omitempty"`
	PayoutID   string        `json:"payout_id,omitempty"`
	Reference  string        `json:"reference,omitempty"`
}

// RunResult aggregates one Run.
type RunResult struct {
	StartedAt        time.Time     `json:"started_at"`
	FinishedAt       time.Time     `json:"finished_at"`
	ProcessedCount   int           `json:"processed_count"`
	SkippedCount     int           `json:"skipped_count"`
	FailedCount      int           `json:"failed_count"`
	UnconfirmedCount int           `json:"unconfirmed_count"`
	TotalAmount      types.Cents   `json:"total_amount"`
	Results          []PayeeResult `json:"results"`
	Errors           []string      `json:"errors"`
}

// Result returns the line for payee, if present.
func (r *RunResult) Result(payee types.PayeeID) (PayeeResult, bool) {
	for _, pr := range r.Results {
		if pr.PayeeID == payee {
			return pr, true
		}
	}
	return PayeeResult{}, false
}

// NewScheduler applies defaults to cfg.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Ledger == nil || cfg.Provider == nil {
		return nil, errors.New("payout scheduler requires a ledger and a provider")
	}
	s := &Scheduler{
		ledger:          cfg.Ledger,
		provider:        cfg.Provider,
		min:             cfg.Minimum,
		max:             cfg.Maximum,
		schedule:        cfg.Schedule,
		transferTimeout: cfg.TransferTimeout,
		now:             cfg.Clock,
		newID:           cfg.NewID,
		log:             logger.OrDefault(cfg.Logger, "payout"),
		metrics:         cfg.Metrics,
		audit:           cfg.Audit,
	}
	if s.min <= 0 {
		s.min = DefaultMinimum
	}
	if s.max <= 0 {
		s.max = DefaultMaximum
	}
	if s.min >= s.max {
		return nil, errors.Newf("payout minimum %s must be below maximum %s", s.min, s.max)
	}
	if s.schedule.Location == nil && s.schedule.Hour == 0 && s.schedule.Weekday == time.Sunday {
		s.schedule = DefaultSchedule
	}
	if s.transferTimeout <= 0 {
		s.transferTimeout = DefaultTransferTimeout
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	if s.metrics == nil {
		s.metrics = nopRecorder{}
	}
	if s.audit == nil {
		s.audit = wal.NopSink{}
	}
	return s, nil
}

// Schedule returns the configured payout window.
func (s *Scheduler) Schedule() Schedule { return s.schedule }

// IsScheduledRunDay reports whether now is inside the payout window.
func (s *Scheduler) IsScheduledRunDay(now time.Time) bool {
	return s.schedule.IsScheduledRunDay(now)
}

// NextScheduledRunDate returns the next payout window after now.
func (s *Scheduler) NextScheduledRunDate(now time.Time) time.Time {
	return s.schedule.NextScheduledRunDate(now)
}

type payeeGroup struct {
	payee    types.PayeeID
	total    types.Cents
	earnings []*types.PendingEarning
}

// Run processes every payee with PENDING earnings. Per-payee problems land in
// the result; only a failure to read the ledger is returned as an error.
func (s *Scheduler) Run(ctx context.Context) (*RunResult, error) {
	started := s.now()
	pending, err := s.ledger.ListEarningsByStatus(ctx, types.EarningPending)
	if err != nil {
		return nil, errors.Wrap(err, "list pending earnings")
	}

	res := &RunResult{StartedAt: started, Results: []PayeeResult{}, Errors: []string{}}
	for _, g := range groupByPayee(pending) {
		if ctx.Err() != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %s", g.payee, ReasonInterrupted))
			continue
		}
		pr := s.processPayee(ctx, g, started)
		switch pr.Outcome {
		case OutcomeProcessed:
			res.ProcessedCount++
			res.TotalAmount += pr.Amount
		case OutcomeSkipped:
			res.SkippedCount++
		case OutcomeFailed:
			res.FailedCount++
		case OutcomeUnconfirmed:
			res.UnconfirmedCount++
		}
		if pr.Outcome == OutcomeFailed || pr.Outcome == OutcomeUnconfirmed || pr.Reason == ReasonExceedsMaximum {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %s", pr.PayeeID, pr.Reason))
		}
		res.Results = append(res.Results, pr)

		s.metrics.PayoutOutcome(string(pr.Outcome), pr.Amount)
		s.audit.Record(wal.EventPayoutResult, string(pr.PayeeID), payeeFields(pr))
	}
	res.FinishedAt = s.now()

	s.metrics.PayoutRun(res.FinishedAt.Sub(started))
	s.log.Infow("payout run finished",
		"payees", len(res.Results),
		"processed", res.ProcessedCount,
		"skipped", res.SkippedCount,
		"failed", res.FailedCount,
		"unconfirmed", res.UnconfirmedCount,
		"total", res.TotalAmount.String(),
	)

	s.mu.Lock()
	s.lastRun = res
	s.mu.Unlock()
	return res, nil
}

func (s *Scheduler) processPayee(ctx context.Context, g payeeGroup, now time.Time) PayeeResult {
	pr := PayeeResult{PayeeID: g.payee, Amount: g.total, EarningIDs: make([]string, 0, len(g.earnings))}
	for _, e := range g.earnings {
		pr.EarningIDs = append(pr.EarningIDs, e.ID)
	}

	switch {
	case g.total < s.min:
		pr.Outcome, pr.Reason = OutcomeSkipped, ReasonBelowMinimum
		s.log.Infow("payout skipped", "payee_id", g.payee, "amount", g.total.String(), "reason", pr.Reason)
		return pr
	case g.total > s.max:
		pr.Outcome, pr.Reason = OutcomeSkipped, ReasonExceedsMaximum
		s.log.Warnw("payout skipped", "payee_id", g.payee, "amount", g.total.String(), "reason", pr.Reason)
		return pr
	}

	lctx, lcancel := context.WithTimeout(ctx, s.transferTimeout)
	has, err := s.provider.HasPayoutMethod(lctx, g.payee)
	lcancel()
	if err != nil {
		return s.failed(pr, errors.Wrapf(err, "look up payout method for %s", g.payee))
	}
	if !has {
		return s.failed(pr, &NoPayoutMethodError{PayeeID: g.payee})
	}

	payout := &types.Payout{
		ID:          s.newID(),
		PayeeID:     g.payee,
		Amount:      g.total,
		EarningIDs:  pr.EarningIDs,
		Status:      types.PayoutProcessing,
		Description: describe(g, now),
		CreatedAt:   now,
	}
	if err := s.ledger.ClaimEarnings(ctx, payout); err != nil {
		if errors.IsConflict(err) {
			pr.Outcome, pr.Reason = OutcomeSkipped, ReasonAlreadyClaimed
			s.log.Infow("payout skipped", "payee_id", g.payee, "reason", pr.Reason)
			return pr
		}
		return s.failed(pr, errors.Wrapf(err, "claim earnings for %s", g.payee))
	}
	pr.PayoutID = payout.ID

	tctx, cancel := context.WithTimeout(ctx, s.transferTimeout)
	ref, err := s.provider.Transfer(tctx, TransferRequest{
		IdempotencyKey: payout.ID,
		PayeeID:        g.payee,
		Amount:         g.total,
		Description:    payout.Description,
	})
	timedOut := errors.Is(tctx.Err(), context.DeadlineExceeded)
	cancel()

	wctx, wcancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerTimeout)
	defer wcancel()
	if err != nil {
		if timedOut {
			pr.Outcome, pr.Reason = OutcomeUnconfirmed, ReasonUnconfirmed
			s.log.Warnw("payout unconfirmed",
				"payee_id", g.payee,
				"amount", g.total.String(),
				"payout_id", payout.ID,
				zap.Error(err),
			)
			return pr
		}
		if relErr := s.ledger.ReleaseEarnings(wctx, payout.ID, s.now()); relErr != nil {
			s.log.Errorw("release after failed transfer", "payout_id", payout.ID, zap.Error(relErr))
		}
		return s.failed(pr, errors.Wrapf(err, "transfer to %s", g.payee))
	}

	pr.Reference = ref
	if err := s.ledger.SetPayoutReference(wctx, payout.ID, ref); err != nil {
		s.log.Errorw("store payout reference", "payout_id", payout.ID, "reference", ref, zap.Error(err))
	}
	pr.Outcome = OutcomeProcessed
	s.log.Infow("payout processed",
		"payee_id", g.payee,
		"amount", g.total.String(),
		"earnings", len(g.earnings),
		"payout_id", payout.ID,
		"reference", ref,
	)
	return pr
}

func (s *Scheduler) failed(pr PayeeResult, err error) PayeeResult {
	pr.Outcome = OutcomeFailed
	pr.Reason = err.Error()
	s.log.Errorw("payout failed", "payee_id", pr.PayeeID, "amount", pr.Amount.String(), zap.Error(err))
	return pr
}

// Settle records the provider's final word on a payout: its earnings move to
// COMPLETED on success and FAILED otherwise.
func (s *Scheduler) Settle(ctx context.Context, payoutID string, success bool) (*types.Payout, error) {
	if err := s.ledger.SettlePayout(ctx, payoutID, success, s.now()); err != nil {
		return nil, errors.Wrapf(err, "settle payout %s", payoutID)
	}
	p, err := s.ledger.GetPayout(ctx, payoutID)
	if err != nil {
		return nil, errors.Wrapf(err, "settle payout %s", payoutID)
	}
	s.log.Infow("payout settled", "payout_id", payoutID, "payee_id", p.PayeeID, "status", p.Status)
	s.audit.Record(wal.EventPayoutSettled, payoutID, map[string]string{
		"payee_id":     string(p.PayeeID),
		"status":       string(p.Status),
		"amount_cents": strconv.FormatInt(int64(p.Amount), 10),
	})
	return p, nil
}

// Stats is the operator view of the ledger.
type Stats struct {
	PendingCount     int         `json:"pending_count"`
	PendingAmount    types.Cents `json:"pending_amount"`
	ProcessingCount  int         `json:"processing_count"`
	ProcessingAmount types.Cents `json:"processing_amount"`
	CompletedAmount  types.Cents `json:"completed_amount"`
	FailedCount      int         `json:"failed_count"`
	Payees           int         `json:"payees_with_pending"`
	NextRunAt        time.Time   `json:"next_run_at"`
	LastRun          *RunResult  `json:"last_run,omitempty"`
}

// Stats sums the ledger by earning status.
func (s *Scheduler) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	payees := make(map[types.PayeeID]bool)
	for _, status := range []types.EarningStatus{types.EarningPending, types.EarningProcessing, types.EarningCompleted, types.EarningFailed} {
		earnings, err := s.ledger.ListEarningsByStatus(ctx, status)
		if err != nil {
			return Stats{}, errors.Wrapf(err, "list %s earnings", status)
		}
		for _, e := range earnings {
			switch status {
			case types.EarningPending:
				st.PendingCount++
				st.PendingAmount += e.Amount
				payees[e.PayeeID] = true
			case types.EarningProcessing:
				st.ProcessingCount++
				st.ProcessingAmount += e.Amount
			case types.EarningCompleted:
				st.CompletedAmount += e.Amount
			case types.EarningFailed:
				st.FailedCount++
			}
		}
	}
	st.Payees = len(payees)
	st.NextRunAt = s.NextScheduledRunDate(s.now())

	s.mu.RLock()
	st.LastRun = s.lastRun
	s.mu.RUnlock()
	return st, nil
}

func groupByPayee(earnings []*types.PendingEarning) []payeeGroup {
	byPayee := make(map[types.PayeeID]*payeeGroup)
	for _, e := range earnings {
		g, ok := byPayee[e.PayeeID]
		if !ok {
			g = &payeeGroup{payee: e.PayeeID}
			byPayee[e.PayeeID] = g
		}
		g.total += e.Amount
		g.earnings = append(g.earnings, e)
	}

	out := make([]payeeGroup, 0, len(byPayee))
	for _, g := range byPayee {
		sort.Slice(g.earnings, func(i, j int) bool {
			if !g.earnings[i].CreatedAt.Equal(g.earnings[j].CreatedAt) {
				return g.earnings[i].CreatedAt.Before(g.earnings[j].CreatedAt)
			}
			return g.earnings[i].ID < g.earnings[j].ID
		})
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].payee < out[j].payee })
	return out
}

func describe(g payeeGroup, now time.Time) string {
	jobs := make([]string, 0, len(g.earnings))
	for _, e := range g.earnings {
		jobs = append(jobs, string(e.SourceJobID))
	}
	return fmt.Sprintf("Field verification payout %s: %d job(s) [%s]",
		now.UTC().Format("2006-01-02"), len(jobs), strings.Join(jobs, ", "))
}

func payeeFields(pr PayeeResult) map[string]string {
	f := map[string]string{
		"outcome":      string(pr.Outcome),
		"amount_cents": strconv.FormatInt(int64(pr.Amount), 10),
		"earnings":     strings.Join(pr.EarningIDs, ","),
	}
	if pr.Reason != "" {
		f["reason"] = pr.Reason
	}
	if pr.PayoutID != "" {
		f["payout_id"] = pr.PayoutID
	}
	if pr.Reference != "" {
		f["reference"] = pr.Reference
	}
	return f
}
