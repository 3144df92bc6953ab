// ============================================================================
// fieldops storage contracts
// ============================================================================
//
// Package: internal/storage
// Purpose: Interfaces the lifecycle, notification and payout components use
//          to reach persistent state, plus the shared write-precondition type.
//
// Concurrency model:
//   Job writes are row-versioned. A caller reads a job, mutates its copy and
//   hands both the copy and an Expectation back to the store. The store
//   applies the write only if the stored row still has the expected status
//   and version (and, for accept, no assignee). Otherwise it returns an error
//   wrapping errors.ErrConflict and leaves the row untouched.
//
//   Earning writes are status-gated the same way: PENDING -> PROCESSING is the
//   guard that keeps a payout run from disbursing the same earning twice.
//
// Implementations:
//   - memory: mutex-guarded maps, used by tests and the demo
//   - sqlite: database/sql over mattn/go-sqlite3, used by the daemon
//
// ============================================================================

package storage

import (
	"context"
	"time"

	"github.com/ChuLiYu/fieldops/pkg/types"
)

// Expectation is the precondition a job write carries.
type Expectation struct {
	Status     types.JobStatus
	Version    int64
	Unassigned bool // additionally require assigned_agent_id IS NULL
}

// ExpectFrom builds the precondition matching a freshly read job.
func ExpectFrom(job *types.Job) Expectation {
	return Expectation{Status: job.Status, Version: job.Version}
}

// JobStore persists jobs.
type JobStore interface {
	CreateJob(ctx context.Context, job *types.Job) error
	GetJob(ctx context.Context, id types.JobID) (*types.Job, error)

	// UpdateJob writes job if the stored row matches expect. On success
	// job.Version is set to expect.Version+1.
	UpdateJob(ctx context.Context, job *types.Job, expect Expectation) error

	// CompleteJob writes job and inserts earning in one atomic unit. It fails
	// when the row does not match expect or an earning for the job exists.
	CompleteJob(ctx context.Context, job *types.Job, expect Expectation, earning *types.PendingEarning) error

	ListJobsByStatus(ctx context.Context, statuses ...types.JobStatus) ([]*types.Job, error)
}

// EvidenceStore holds evidence captured against jobs.
type EvidenceStore interface {
	AddEvidence(ctx context.Context, item *types.EvidenceItem) error
	CountEvidence(ctx context.Context, jobID types.JobID) (int, error)
	ListEvidence(ctx context.Context, jobID types.JobID) ([]*types.EvidenceItem, error)
}

// PropertyRegistry is the read side of the external property registry.
type PropertyRegistry interface {
	GetProperty(ctx context.Context, id types.PropertyID) (*types.Property, error)
}

// AgentDirectory lists field agents for dispatch targeting.
type AgentDirectory interface {
	GetAgent(ctx context.Context, id types.AgentID) (*types.Agent, error)
	ListActiveAgents(ctx context.Context) ([]*types.Agent, error)
}

// Registry is the write side used to import reference data.
type Registry interface {
	UpsertProperty(ctx context.Context, p *types.Property) error
	UpsertAgent(ctx context.Context, a *types.Agent) error
}

// Ledger holds earnings and payout records.
type Ledger interface {
	ListEarningsByStatus(ctx context.Context, status types.EarningStatus) ([]*types.PendingEarning, error)
	GetEarningByJob(ctx context.Context, jobID types.JobID) (*types.PendingEarning, error)

	// ClaimEarnings inserts payout and moves every earning it lists from
	// PENDING to PROCESSING, atomically. If any earning is no longer PENDING
	// nothing is written and an error wrapping errors.ErrConflict is returned.
	ClaimEarnings(ctx context.Context, payout *types.Payout) error

	// ReleaseEarnings marks the payout FAILED and returns its earnings from
	// PROCESSING to PENDING so the next run picks them up again.
	ReleaseEarnings(ctx context.Context, payoutID string, at time.Time) error

	// SettlePayout finalises a PROCESSING payout and its earnings.
	SettlePayout(ctx context.Context, payoutID string, success bool, at time.Time) error

	SetPayoutReference(ctx context.Context, payoutID, reference string) error
	GetPayout(ctx context.Context, id string) (*types.Payout, error)
	ListPayouts(ctx context.Context, status types.PayoutStatus) ([]*types.Payout, error)
}

// Store is everything the daemon needs from one backend.
type Store interface {
	JobStore
	EvidenceStore
	PropertyRegistry
	AgentDirectory
	Registry
	Ledger
	Close() error
}
