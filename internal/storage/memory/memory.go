// Package memory is an in-process implementation of storage.Store.
//
// Every record is copied on the way in and on the way out so callers can
// never mutate stored state without going through a guarded write.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/fieldops/internal/errors"
	"github.com/ChuLiYu/fieldops/internal/storage"
	"github.com/ChuLiYu/fieldops/pkg/types"
)

// Store keeps all records in maps guarded by one RWMutex.
type Store struct {
	mu sync.RWMutex

	jobs       map[types.JobID]*types.Job
	evidence   map[types.JobID][]*types.EvidenceItem
	properties map[types.PropertyID]*types.Property
	agents     map[types.AgentID]*types.Agent

	earnings     map[string]*types.PendingEarning
	earningByJob map[types.JobID]string
	payouts      map[string]*types.Payout
}

var _ storage.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		jobs:         make(map[types.JobID]*types.Job),
		evidence:     make(map[types.JobID][]*types.EvidenceItem),
		properties:   make(map[types.PropertyID]*types.Property),
		agents:       make(map[types.AgentID]*types.Agent),
		earnings:     make(map[string]*types.PendingEarning),
		earningByJob: make(map[types.JobID]string),
		payouts:      make(map[string]*types.Payout),
	}
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// ============================================================================
// Jobs
// ============================================================================

func (s *Store) CreateJob(_ context.Context, job *types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return errors.Wrapf(errors.ErrConflict, "job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *Store) GetJob(_ context.Context, id types.JobID) (*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, errors.NewNotFoundError("job %s", id)
	}
	return job.Clone(), nil
}

func (s *Store) UpdateJob(_ context.Context, job *types.Job, expect storage.Expectation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(job, expect); err != nil {
		return err
	}
	s.writeLocked(job, expect)
	return nil
}

func (s *Store) CompleteJob(_ context.Context, job *types.Job, expect storage.Expectation, earning *types.PendingEarning) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(job, expect); err != nil {
		return err
	}
	if _, exists := s.earningByJob[job.ID]; exists {
		return errors.Wrapf(errors.ErrConflict, "earning for job %s already exists", job.ID)
	}
	if _, exists := s.earnings[earning.ID]; exists {
		return errors.Wrapf(errors.ErrConflict, "earning %s already exists", earning.ID)
	}

	s.writeLocked(job, expect)
	e := *earning
	s.earnings[e.ID] = &e
	s.earningByJob[job.ID] = e.ID
	return nil
}

func (s *Store) checkLocked(job *types.Job, expect storage.Expectation) error {
	current, ok := s.jobs[job.ID]
	if !ok {
		return errors.NewNotFoundError("job %s", job.ID)
	}
	if current.Status != expect.Status || current.Version != expect.Version {
		return errors.Wrapf(errors.ErrConflict,
			"job %s is %s@v%d, expected %s@v%d",
			job.ID, current.Status, current.Version, expect.Status, expect.Version)
	}
	if expect.Unassigned && current.AssignedAgentID != "" {
		return errors.Wrapf(errors.ErrConflict, "job %s already assigned", job.ID)
	}
	if current.SLADueAt != nil && (job.SLADueAt == nil || !job.SLADueAt.Equal(*current.SLADueAt)) {
		return errors.AssertionFailedf("job %s: SLA deadline is immutable once set", job.ID)
	}
	return nil
}

func (s *Store) writeLocked(job *types.Job, expect storage.Expectation) {
	job.Version = expect.Version + 1
	s.jobs[job.ID] = job.Clone()
}

func (s *Store) ListJobsByStatus(_ context.Context, statuses ...types.JobStatus) ([]*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[types.JobStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	var out []*types.Job
	for _, job := range s.jobs {
		if len(want) == 0 || want[job.Status] {
			out = append(out, job.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ============================================================================
// Evidence
// ============================================================================

func (s *Store) AddEvidence(_ context.Context, item *types.EvidenceItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[item.JobID]; !ok {
		return errors.NewNotFoundError("job %s", item.JobID)
	}
	for _, existing := range s.evidence[item.JobID] {
		if existing.ID == item.ID {
			return errors.Wrapf(errors.ErrConflict, "evidence %s already exists", item.ID)
		}
	}
	e := *item
	s.evidence[item.JobID] = append(s.evidence[item.JobID], &e)
	return nil
}

func (s *Store) CountEvidence(_ context.Context, jobID types.JobID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.evidence[jobID]), nil
}

func (s *Store) ListEvidence(_ context.Context, jobID types.JobID) ([]*types.EvidenceItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := s.evidence[jobID]
	out := make([]*types.EvidenceItem, 0, len(items))
	for _, item := range items {
		e := *item
		out = append(out, &e)
	}
	return out, nil
}

// ============================================================================
// Reference data
// ============================================================================

func (s *Store) GetProperty(_ context.Context, id types.PropertyID) (*types.Property, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.properties[id]
	if !ok {
		return nil, errors.NewNotFoundError("property %s", id)
	}
	c := *p
	return &c, nil
}

func (s *Store) UpsertProperty(_ context.Context, p *types.Property) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *p
	s.properties[p.ID] = &c
	return nil
}

func (s *Store) GetAgent(_ context.Context, id types.AgentID) (*types.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.agents[id]
	if !ok {
		return nil, errors.NewNotFoundError("agent %s", id)
	}
	return cloneAgent(a), nil
}

func (s *Store) ListActiveAgents(_ context.Context) ([]*types.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.Agent
	for _, a := range s.agents {
		if a.Active {
			out = append(out, cloneAgent(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpsertAgent(_ context.Context, a *types.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[a.ID] = cloneAgent(a)
	return nil
}

func cloneAgent(a *types.Agent) *types.Agent {
	c := *a
	c.Qualifications = append([]types.JobType(nil), a.Qualifications...)
	return &c
}

// ============================================================================
// Ledger
// ============================================================================

func (s *Store) ListEarningsByStatus(_ context.Context, status types.EarningStatus) ([]*types.PendingEarning, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.PendingEarning
	for _, e := range s.earnings {
		if e.Status == status {
			c := *e
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) GetEarningByJob(_ context.Context, jobID types.JobID) (*types.PendingEarning, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.earningByJob[jobID]
	if !ok {
		return nil, errors.NewNotFoundError("earning for job %s", jobID)
	}
	c := *s.earnings[id]
	return &c, nil
}

func (s *Store) ClaimEarnings(_ context.Context, payout *types.Payout) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.payouts[payout.ID]; exists {
		return errors.Wrapf(errors.ErrConflict, "payout %s already exists", payout.ID)
	}
	for _, id := range payout.EarningIDs {
		e, ok := s.earnings[id]
		if !ok {
			return errors.NewNotFoundError("earning %s", id)
		}
		if e.Status != types.EarningPending {
			return errors.Wrapf(errors.ErrConflict, "earning %s is %s", id, e.Status)
		}
	}

	for _, id := range payout.EarningIDs {
		e := s.earnings[id]
		e.Status = types.EarningProcessing
		e.PayoutID = payout.ID
		e.UpdatedAt = payout.CreatedAt
	}
	s.payouts[payout.ID] = clonePayout(payout)
	return nil
}

func (s *Store) ReleaseEarnings(_ context.Context, payoutID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payouts[payoutID]
	if !ok {
		return errors.NewNotFoundError("payout %s", payoutID)
	}
	if p.Status != types.PayoutProcessing {
		return errors.Wrapf(errors.ErrConflict, "payout %s is %s", payoutID, p.Status)
	}

	p.Status = types.PayoutFailed
	p.SettledAt = types.TimePtr(at)
	for _, id := range p.EarningIDs {
		if e, ok := s.earnings[id]; ok && e.Status == types.EarningProcessing {
			e.Status = types.EarningPending
			e.PayoutID = ""
			e.UpdatedAt = at
		}
	}
	return nil
}

func (s *Store) SettlePayout(_ context.Context, payoutID string, success bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payouts[payoutID]
	if !ok {
		return errors.NewNotFoundError("payout %s", payoutID)
	}
	if p.Status != types.PayoutProcessing {
		return errors.Wrapf(errors.ErrConflict, "payout %s is %s", payoutID, p.Status)
	}

	payoutStatus, earningStatus := types.PayoutCompleted, types.EarningCompleted
	if !success {
		payoutStatus, earningStatus = types.PayoutFailed, types.EarningFailed
	}
	p.Status = payoutStatus
	p.SettledAt = types.TimePtr(at)
	for _, id := range p.EarningIDs {
		if e, ok := s.earnings[id]; ok && e.Status == types.EarningProcessing {
			e.Status = earningStatus
			e.UpdatedAt = at
		}
	}
	return nil
}

func (s *Store) SetPayoutReference(_ context.Context, payoutID, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payouts[payoutID]
	if !ok {
		return errors.NewNotFoundError("payout %s", payoutID)
	}
	p.Reference = reference
	return nil
}

func (s *Store) GetPayout(_ context.Context, id string) (*types.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.payouts[id]
	if !ok {
		return nil, errors.NewNotFoundError("payout %s", id)
	}
	return clonePayout(p), nil
}

// ListPayouts returns payouts in the given status, or all when status is empty.
func (s *Store) ListPayouts(_ context.Context, status types.PayoutStatus) ([]*types.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.Payout
	for _, p := range s.payouts {
		if status == "" || p.Status == status {
			out = append(out, clonePayout(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func clonePayout(p *types.Payout) *types.Payout {
	c := *p
	c.EarningIDs = append([]string(nil), p.EarningIDs...)
	if p.SettledAt != nil {
		c.SettledAt = types.TimePtr(*p.SettledAt)
	}
	return &c
}
