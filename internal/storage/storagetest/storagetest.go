// Package storagetest holds the behavioural suite every storage.Store
// implementation must pass.
package storagetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/fieldops/internal/errors"
	"github.com/ChuLiYu/fieldops/internal/storage"
	"github.com/ChuLiYu/fieldops/pkg/types"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) storage.Store

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// NewJob returns a dispatchable job fixture.
func NewJob(id string) *types.Job {
	return &types.Job{
		ID:           types.JobID(id),
		Status:       types.StatusPendingDispatch,
		JobType:      types.JobTypePropertyVerification,
		ScopePreset:  types.ScopeExteriorOnly,
		PayoutAmount: types.Dollars(99),
		PropertyID:   "prop-1",
		CreatedAt:    base,
		UpdatedAt:    base,
	}
}

// Run executes the suite.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("UpdateRequiresMatchingVersion", func(t *testing.T) { testUpdateCAS(t, newStore(t)) })
	t.Run("UnassignedGuard", func(t *testing.T) { testUnassignedGuard(t, newStore(t)) })
	t.Run("SLADeadlineImmutable", func(t *testing.T) { testSLAImmutable(t, newStore(t)) })
	t.Run("ConcurrentAcceptHasOneWinner", func(t *testing.T) { testConcurrentAccept(t, newStore(t)) })
	t.Run("CompleteJobCreatesOneEarning", func(t *testing.T) { testCompleteJob(t, newStore(t)) })
	t.Run("Evidence", func(t *testing.T) { testEvidence(t, newStore(t)) })
	t.Run("ReferenceData", func(t *testing.T) { testReferenceData(t, newStore(t)) })
	t.Run("ClaimReleaseSettle", func(t *testing.T) { testLedger(t, newStore(t)) })
	t.Run("ListJobsByStatus", func(t *testing.T) { testListJobs(t, newStore(t)) })
}

func testCreateAndGet(t *testing.T, s storage.Store) {
	ctx := context.Background()
	job := NewJob("job-1")
	require.NoError(t, s.CreateJob(ctx, job))

	got, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPendingDispatch, got.Status)
	assert.Equal(t, types.Dollars(99), got.PayoutAmount)
	assert.Empty(t, got.AssignedAgentID)

	err = s.CreateJob(ctx, NewJob("job-1"))
	assert.True(t, errors.IsConflict(err), "duplicate create: %v", err)

	_, err = s.GetJob(ctx, "missing")
	assert.True(t, errors.IsNotFound(err))
}

func testUpdateCAS(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, NewJob("job-1")))

	job, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	expect := storage.ExpectFrom(job)
	job.Status = types.StatusDispatched
	job.SLADueAt = types.TimePtr(base.Add(48 * time.Hour))
	require.NoError(t, s.UpdateJob(ctx, job, expect))
	assert.Equal(t, expect.Version+1, job.Version)

	// Same expectation again is stale.
	stale := job.Clone()
	stale.Status = types.StatusCancelled
	err = s.UpdateJob(ctx, stale, expect)
	assert.True(t, errors.IsConflict(err), "stale write: %v", err)

	got, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusDispatched, got.Status)
	assert.Equal(t, job.Version, got.Version)

	err = s.UpdateJob(ctx, NewJob("missing"), storage.Expectation{Status: types.StatusPendingDispatch})
	assert.True(t, errors.IsNotFound(err))
}

func testUnassignedGuard(t *testing.T, s storage.Store) {
	ctx := context.Background()
	job := NewJob("job-1")
	job.Status = types.StatusDispatched
	job.AssignedAgentID = "agent-x"
	require.NoError(t, s.CreateJob(ctx, job))

	got, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	expect := storage.ExpectFrom(got)
	expect.Unassigned = true
	got.Status = types.StatusAccepted
	got.AssignedAgentID = "agent-y"

	err = s.UpdateJob(ctx, got, expect)
	assert.True(t, errors.IsConflict(err))
}

func testSLAImmutable(t *testing.T, s storage.Store) {
	ctx := context.Background()
	job := NewJob("job-1")
	job.Status = types.StatusDispatched
	job.SLADueAt = types.TimePtr(base.Add(48 * time.Hour))
	require.NoError(t, s.CreateJob(ctx, job))

	got, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	expect := storage.ExpectFrom(got)
	got.SLADueAt = types.TimePtr(base.Add(96 * time.Hour))
	assert.Error(t, s.UpdateJob(ctx, got, expect))

	after, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, after.SLADueAt.Equal(base.Add(48*time.Hour)))
}

func testConcurrentAccept(t *testing.T, s storage.Store) {
	ctx := context.Background()
	job := NewJob("job-1")
	job.Status = types.StatusDispatched
	require.NoError(t, s.CreateJob(ctx, job))

	const agents = 16
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		wins  atomic.Int32
	)
	for i := 0; i < agents; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			got, err := s.GetJob(ctx, "job-1")
			if err != nil {
				return
			}
			expect := storage.ExpectFrom(got)
			expect.Unassigned = true
			got.Status = types.StatusAccepted
			got.AssignedAgentID = types.AgentID("agent-" + string(rune('a'+i)))
			if s.UpdateJob(ctx, got, expect) == nil {
				wins.Add(1)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	got, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusAccepted, got.Status)
	assert.NotEmpty(t, got.AssignedAgentID)
}

func testCompleteJob(t *testing.T, s storage.Store) {
	ctx := context.Background()
	job := NewJob("job-1")
	job.Status = types.StatusSubmitted
	job.AssignedAgentID = "agent-a"
	require.NoError(t, s.CreateJob(ctx, job))

	got, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	expect := storage.ExpectFrom(got)
	got.Status = types.StatusCompleted
	got.CompletedAt = types.TimePtr(base.Add(time.Hour))
	earning := &types.PendingEarning{
		ID: "earn-1", PayeeID: "agent-a", Amount: types.Dollars(99),
		SourceJobID: "job-1", Status: types.EarningPending, CreatedAt: base, UpdatedAt: base,
	}
	require.NoError(t, s.CompleteJob(ctx, got, expect, earning))

	e, err := s.GetEarningByJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, types.Dollars(99), e.Amount)
	assert.Equal(t, types.EarningPending, e.Status)

	// A replayed completion must neither write the job nor add an earning.
	again := got.Clone()
	dup := *earning
	dup.ID = "earn-2"
	err = s.CompleteJob(ctx, again, storage.ExpectFrom(got), &dup)
	assert.True(t, errors.IsConflict(err), "duplicate completion: %v", err)

	pending, err := s.ListEarningsByStatus(ctx, types.EarningPending)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	_, err = s.GetEarningByJob(ctx, "job-2")
	assert.True(t, errors.IsNotFound(err))
}

func testEvidence(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, NewJob("job-1")))

	for i, id := range []string{"ev-1", "ev-2", "ev-3"} {
		item := &types.EvidenceItem{
			ID: id, JobID: "job-1", Kind: "photo", URI: "s3://bucket/" + id,
			CapturedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if i == 0 {
			item.Location = &types.Coordinates{Lat: 30.1, Lng: -97.1}
		}
		require.NoError(t, s.AddEvidence(ctx, item))
	}

	n, err := s.CountEvidence(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	items, err := s.ListEvidence(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "ev-1", items[0].ID)
	require.NotNil(t, items[0].Location)
	assert.InDelta(t, 30.1, items[0].Location.Lat, 1e-9)
	assert.Nil(t, items[1].Location)

	err = s.AddEvidence(ctx, &types.EvidenceItem{ID: "ev-9", JobID: "missing", CapturedAt: base})
	assert.True(t, errors.IsNotFound(err))

	n, err = s.CountEvidence(ctx, "job-none")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testReferenceData(t *testing.T, s storage.Store) {
	ctx := context.Background()
	prop := &types.Property{
		ID: "prop-1", Location: types.Coordinates{Lat: 30.2672, Lng: -97.7431},
		AddressLine1: "100 Congress Ave", City: "Austin", State: "TX", ZipCode: "78701",
	}
	require.NoError(t, s.UpsertProperty(ctx, prop))
	got, err := s.GetProperty(ctx, "prop-1")
	require.NoError(t, err)
	assert.Equal(t, *prop, *got)

	_, err = s.GetProperty(ctx, "missing")
	assert.True(t, errors.IsNotFound(err))

	active := &types.Agent{
		ID: "agent-a", Name: "Ana", Email: "ana@example.com",
		HomeBase: prop.Location, CoverageRadiusMiles: 25,
		Qualifications: []types.JobType{types.JobTypeOccupancyCheck}, Active: true,
	}
	inactive := &types.Agent{ID: "agent-b", Name: "Ben", Active: false}
	require.NoError(t, s.UpsertAgent(ctx, active))
	require.NoError(t, s.UpsertAgent(ctx, inactive))

	agents, err := s.ListActiveAgents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, types.AgentID("agent-a"), agents[0].ID)
	assert.Equal(t, []types.JobType{types.JobTypeOccupancyCheck}, agents[0].Qualifications)

	// Upsert replaces.
	active.CoverageRadiusMiles = 40
	require.NoError(t, s.UpsertAgent(ctx, active))
	a, err := s.GetAgent(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, 40.0, a.CoverageRadiusMiles)
}

func seedEarning(t *testing.T, s storage.Store, jobID, earningID string, payee types.PayeeID, amount types.Cents) {
	t.Helper()
	ctx := context.Background()
	job := NewJob(jobID)
	job.Status = types.StatusSubmitted
	job.AssignedAgentID = types.AgentID(payee)
	require.NoError(t, s.CreateJob(ctx, job))
	got, err := s.GetJob(ctx, types.JobID(jobID))
	require.NoError(t, err)
	expect := storage.ExpectFrom(got)
	got.Status = types.StatusCompleted
	require.NoError(t, s.CompleteJob(ctx, got, expect, &types.PendingEarning{
		ID: earningID, PayeeID: payee, Amount: amount, SourceJobID: types.JobID(jobID),
		Status: types.EarningPending, CreatedAt: base, UpdatedAt: base,
	}))
}

func testLedger(t *testing.T, s storage.Store) {
	ctx := context.Background()
	seedEarning(t, s, "job-1", "earn-1", "payee-a", types.Dollars(20))
	seedEarning(t, s, "job-2", "earn-2", "payee-a", types.Dollars(15))

	p := &types.Payout{
		ID: "pay-1", PayeeID: "payee-a", Amount: types.Dollars(35),
		EarningIDs: []string{"earn-1", "earn-2"}, Status: types.PayoutProcessing,
		Description: "Weekly payout - 2 jobs", CreatedAt: base,
	}
	require.NoError(t, s.ClaimEarnings(ctx, p))

	processing, err := s.ListEarningsByStatus(ctx, types.EarningProcessing)
	require.NoError(t, err)
	assert.Len(t, processing, 2)
	for _, e := range processing {
		assert.Equal(t, "pay-1", e.PayoutID)
	}

	// Claiming the same earnings twice must fail as a whole.
	p2 := *p
	p2.ID = "pay-2"
	err = s.ClaimEarnings(ctx, &p2)
	assert.True(t, errors.IsConflict(err), "double claim: %v", err)

	// Release returns them to the pool.
	require.NoError(t, s.ReleaseEarnings(ctx, "pay-1", base.Add(time.Minute)))
	pending, err := s.ListEarningsByStatus(ctx, types.EarningPending)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
	failed, err := s.GetPayout(ctx, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, types.PayoutFailed, failed.Status)

	// Claim again, then settle.
	p3 := *p
	p3.ID = "pay-3"
	require.NoError(t, s.ClaimEarnings(ctx, &p3))
	require.NoError(t, s.SetPayoutReference(ctx, "pay-3", "tr_123"))
	require.NoError(t, s.SettlePayout(ctx, "pay-3", true, base.Add(2*time.Minute)))

	done, err := s.GetPayout(ctx, "pay-3")
	require.NoError(t, err)
	assert.Equal(t, types.PayoutCompleted, done.Status)
	assert.Equal(t, "tr_123", done.Reference)
	assert.ElementsMatch(t, []string{"earn-1", "earn-2"}, done.EarningIDs)
	require.NotNil(t, done.SettledAt)

	completed, err := s.ListEarningsByStatus(ctx, types.EarningCompleted)
	require.NoError(t, err)
	assert.Len(t, completed, 2)

	err = s.SettlePayout(ctx, "pay-3", true, base)
	assert.True(t, errors.IsConflict(err), "settle twice: %v", err)

	all, err := s.ListPayouts(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
	onlyDone, err := s.ListPayouts(ctx, types.PayoutCompleted)
	require.NoError(t, err)
	assert.Len(t, onlyDone, 1)
}

func testListJobs(t *testing.T, s storage.Store) {
	ctx := context.Background()
	for i, st := range []types.JobStatus{types.StatusDispatched, types.StatusAccepted, types.StatusDispatched} {
		job := NewJob("job-" + string(rune('a'+i)))
		job.Status = st
		job.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		if st.RequiresAssignee() {
			job.AssignedAgentID = "agent-a"
		}
		require.NoError(t, s.CreateJob(ctx, job))
	}

	dispatched, err := s.ListJobsByStatus(ctx, types.StatusDispatched)
	require.NoError(t, err)
	require.Len(t, dispatched, 2)
	assert.Equal(t, types.JobID("job-a"), dispatched[0].ID)
	assert.Equal(t, types.JobID("job-c"), dispatched[1].ID)

	all, err := s.ListJobsByStatus(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
