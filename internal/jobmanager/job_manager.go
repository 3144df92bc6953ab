// ============================================================================
// fieldops job manager - job lifecycle state machine
// ============================================================================
//
// Package: internal/jobmanager
// File: job_manager.go
// Function: owns every write to a job's status, assignment and timestamps
//
// State machine:
//   PENDING_DISPATCH
//      | Dispatch()  sets slaDueAt = createdAt + preset hours, notifies agents
//   DISPATCHED
//      | Accept()    compare-and-set on (DISPATCHED, unassigned)
//   ACCEPTED
//      | Start()     geofence check against the property location
//   IN_PROGRESS
//      | Submit()    evidence count >= minimum for the job type
//   SUBMITTED
//      | Complete()  status flip and PendingEarning in one store call
//   COMPLETED
//
//   Cancel() from any non-terminal state -> CANCELLED, clears the assignee.
//   The legal moves live in transitions.go; nothing else decides them.
//
// Concurrency:
//   The manager holds no job lock. Each operation reads the job, validates,
//   and writes back with a storage.Expectation carrying the status and
//   version it read. A concurrent writer makes the store reject the write
//   with errors.ErrConflict, which Accept reports as AlreadyAssignedError.
//
// Side effects:
//   Notifications are enqueued after the write succeeds and never fail the
//   operation. Every transition is appended to the audit sink.
//
// ============================================================================

package jobmanager

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ChuLiYu/fieldops/internal/errors"
	"github.com/ChuLiYu/fieldops/internal/geo"
	"github.com/ChuLiYu/fieldops/internal/logger"
	"github.com/ChuLiYu/fieldops/internal/slaclock"
	"github.com/ChuLiYu/fieldops/internal/storage"
	"github.com/ChuLiYu/fieldops/internal/storage/wal"
	"github.com/ChuLiYu/fieldops/pkg/types"
)

// Defaults applied when a job type has no override.
const (
	DefaultGeofenceRadiusMeters = 100.0
	DefaultMinEvidence          = 5
	DefaultReminderLead         = 12 * time.Hour
)

// Store is the storage the manager needs.
type Store interface {
	storage.JobStore
	storage.EvidenceStore
	storage.PropertyRegistry
	storage.AgentDirectory
}

// Notifier accepts notification intent. The retry queue implements it.
type Notifier interface {
	Enqueue(payload types.NotificationPayload) string
}

// Recorder receives lifecycle metrics.
type Recorder interface {
	JobTransition(to types.JobStatus)
	AcceptConflict()
	GeofenceViolation()
}

type nopRecorder struct{}

func (nopRecorder) JobTransition(types.JobStatus) {}
func (nopRecorder) AcceptConflict()               {}
func (nopRecorder) GeofenceViolation()            {}

type nopNotifier struct{}

func (nopNotifier) Enqueue(types.NotificationPayload) string { return "" }

// Rules are the per-job-type knobs of the lifecycle.
type Rules struct {
	GeofenceRadiusMeters float64 `yaml:"geofence_radius_meters" json:"geofence_radius_meters"`
	MinEvidence          int     `yaml:"min_evidence" json:"min_evidence"`
}

// Config wires a Manager. Only Store is required.
type Config struct {
	Store    Store
	Notifier Notifier
	Audit    wal.Sink
	Metrics  Recorder
	Logger   *zap.SugaredLogger
	Clock    func() time.Time
	NewID    func() string

	Rules     Rules
	Overrides map[types.JobType]Rules

	// ReminderLead is how long before the deadline ScanSLA reminds the
	// assigned agent.
	ReminderLead time.Duration
	// Operations receives escalations for overdue jobs. Empty disables them.
	Operations types.Recipient
}

// Manager runs job lifecycle transitions.
type Manager struct {
	store     Store
	notifier  Notifier
	audit     wal.Sink
	metrics   Recorder
	log       *zap.SugaredLogger
	now       func() time.Time
	newID     func() string
	rules     Rules
	overrides map[types.JobType]Rules

	reminderLead time.Duration
	operations   types.Recipient

	// SLA notifications already emitted, keyed by job and event type.
	slaMu   sync.Mutex
	slaSent map[slaKey]struct{}
}

// NewManager applies defaults to cfg.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("job manager requires a store")
	}
	m := &Manager{
		store:        cfg.Store,
		notifier:     cfg.Notifier,
		audit:        cfg.Audit,
		metrics:      cfg.Metrics,
		log:          logger.OrDefault(cfg.Logger, "jobmanager"),
		now:          cfg.Clock,
		newID:        cfg.NewID,
		rules:        cfg.Rules,
		overrides:    make(map[types.JobType]Rules, len(cfg.Overrides)),
		reminderLead: cfg.ReminderLead,
		operations:   cfg.Operations,
		slaSent:      make(map[slaKey]struct{}),
	}
	if m.notifier == nil {
		m.notifier = nopNotifier{}
	}
	if m.audit == nil {
		m.audit = wal.NopSink{}
	}
	if m.metrics == nil {
		m.metrics = nopRecorder{}
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.newID == nil {
		m.newID = uuid.NewString
	}
	if m.rules.GeofenceRadiusMeters <= 0 {
		m.rules.GeofenceRadiusMeters = DefaultGeofenceRadiusMeters
	}
	if m.rules.MinEvidence <= 0 {
		m.rules.MinEvidence = DefaultMinEvidence
	}
	if m.reminderLead <= 0 {
		m.reminderLead = DefaultReminderLead
	}
	for jt, r := range cfg.Overrides {
		if r.GeofenceRadiusMeters <= 0 {
			r.GeofenceRadiusMeters = m.rules.GeofenceRadiusMeters
		}
		if r.MinEvidence <= 0 {
			r.MinEvidence = m.rules.MinEvidence
		}
		m.overrides[jt] = r
	}
	return m, nil
}

// RulesFor returns the effective rules for a job type.
func (m *Manager) RulesFor(jt types.JobType) Rules {
	if r, ok := m.overrides[jt]; ok {
		return r
	}
	return m.rules
}

// ============================================================================
// Creation
// ============================================================================

// CreateRequest is the input to Create.
type CreateRequest struct {
	ID                  types.JobID         `json:"id,omitempty"`
	JobType             types.JobType       `json:"job_type"`
	ScopePreset         types.ScopePreset   `json:"scope_preset"`
	PropertyID          types.PropertyID    `json:"property_id"`
	SpecialInstructions string              `json:"special_instructions,omitempty"`
	AccessContact       types.AccessContact `json:"access_contact"`
}

// Create validates the request and stores a PENDING_DISPATCH job priced from
// its scope preset.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*types.Job, error) {
	terms, ok := req.ScopePreset.Terms()
	if !ok {
		return nil, errors.WithHint(
			errors.NewInvalidRequestError("unknown scope preset %q", req.ScopePreset),
			"use one of EXTERIOR_ONLY, INTERIOR_EXTERIOR, COMPREHENSIVE, FULL_CERTIFIED, RUSH_INSPECTION")
	}
	if req.PropertyID == "" {
		return nil, errors.NewInvalidRequestError("property id is required")
	}
	if _, err := m.store.GetProperty(ctx, req.PropertyID); err != nil {
		return nil, errors.Wrapf(err, "create job for property %s", req.PropertyID)
	}

	jobType := req.JobType
	if jobType == "" {
		jobType = types.JobTypePropertyVerification
	}
	id := req.ID
	if id == "" {
		id = types.JobID(m.newID())
	}

	now := m.now()
	job := &types.Job{
		ID:                  id,
		Status:              types.StatusPendingDispatch,
		JobType:             jobType,
		ScopePreset:         req.ScopePreset,
		PayoutAmount:        terms.Payout,
		PropertyID:          req.PropertyID,
		SpecialInstructions: req.SpecialInstructions,
		AccessContact:       req.AccessContact,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := m.store.CreateJob(ctx, job); err != nil {
		return nil, errors.Wrapf(err, "create job %s", id)
	}

	m.log.Infow("job created",
		"job_id", job.ID,
		"job_type", job.JobType,
		"scope_preset", job.ScopePreset,
		"payout", job.PayoutAmount.String(),
		"property_id", job.PropertyID,
	)
	m.audit.Record(wal.EventJobCreated, string(job.ID), map[string]string{
		"job_type":     string(job.JobType),
		"scope_preset": string(job.ScopePreset),
		"payout_cents": strconv.FormatInt(int64(job.PayoutAmount), 10),
		"property_id":  string(job.PropertyID),
	})
	return job, nil
}

// ============================================================================
// Transitions
// ============================================================================

// Dispatch offers the job to agents. The SLA deadline is fixed here.
func (m *Manager) Dispatch(ctx context.Context, id types.JobID) (*types.Job, error) {
	job, from, err := m.load(ctx, id, ActionDispatch)
	if err != nil {
		return nil, err
	}

	dueAt, err := slaclock.DueAtForPreset(job.CreatedAt, job.ScopePreset)
	if err != nil {
		return nil, errors.Wrapf(err, "dispatch job %s", id)
	}
	now := m.now()
	job.SLADueAt = &dueAt
	if err := m.commit(ctx, job, from, ActionDispatch, now, storage.ExpectFrom(from)); err != nil {
		return nil, err
	}

	m.notifyAvailable(ctx, job)
	return job, nil
}

// Accept assigns the job to agentID. Of several concurrent calls exactly one
// succeeds; the others get AlreadyAssignedError.
func (m *Manager) Accept(ctx context.Context, id types.JobID, agentID types.AgentID) (*types.Job, error) {
	if agentID == "" {
		return nil, errors.NewInvalidRequestError("agent id is required")
	}
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "accept job %s", id)
	}
	if job.AssignedAgentID != "" {
		return nil, alreadyAssigned(id, agentID)
	}
	if _, ok := Next(job.Status, ActionAccept); !ok {
		return nil, invalidState(job, ActionAccept)
	}

	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, errors.Wrapf(err, "accept job %s", id)
	}
	if !agent.Active || !agent.Qualified(job.JobType) {
		return nil, errors.WithHint(
			errors.NewInvalidRequestError("agent %s may not take %s jobs", agentID, job.JobType),
			"ask operations to update the agent's qualifications")
	}

	from := job.Clone()
	now := m.now()
	job.AssignedAgentID = agentID
	job.AcceptedAt = &now

	expect := storage.ExpectFrom(from)
	expect.Unassigned = true
	if err := m.commit(ctx, job, from, ActionAccept, now, expect); err != nil {
		if !errors.IsConflict(err) {
			return nil, err
		}
		m.metrics.AcceptConflict()
		current, getErr := m.store.GetJob(ctx, id)
		if getErr == nil && current.AssignedAgentID == "" {
			// Lost to something other than an accept, e.g. a cancel.
			return nil, invalidState(current, ActionAccept)
		}
		m.log.Infow("accept race lost", "job_id", id, "agent_id", agentID)
		return nil, alreadyAssigned(id, agentID)
	}
	return job, nil
}

// Start checks the agent in on site. The job stays ACCEPTED when the
// reported location is outside the geofence.
func (m *Manager) Start(ctx context.Context, id types.JobID, agentID types.AgentID, at types.Coordinates) (*types.Job, error) {
	if !geo.ValidCoordinates(at) {
		return nil, errors.NewInvalidRequestError("invalid coordinates %.6f,%.6f", at.Lat, at.Lng)
	}
	job, from, err := m.loadAssigned(ctx, id, agentID, ActionStart)
	if err != nil {
		return nil, err
	}

	property, err := m.store.GetProperty(ctx, job.PropertyID)
	if err != nil {
		return nil, errors.Wrapf(err, "start job %s", id)
	}
	radius := m.RulesFor(job.JobType).GeofenceRadiusMeters
	distance, ok := geo.Within(property.Location, at, radius)
	if !ok {
		m.metrics.GeofenceViolation()
		m.log.Warnw("geofence violation",
			"job_id", id,
			"agent_id", agentID,
			"distance_m", distance,
			"radius_m", radius,
		)
		return nil, geofenceViolation(id, distance, radius)
	}

	now := m.now()
	job.StartedAt = &now
	if err := m.commit(ctx, job, from, ActionStart, now, storage.ExpectFrom(from)); err != nil {
		return nil, err
	}
	return job, nil
}

// EvidenceRequest is one capture uploaded by the assigned agent.
type EvidenceRequest struct {
	ID         string             `json:"id,omitempty"`
	Kind       string             `json:"kind"`
	URI        string             `json:"uri"`
	CapturedAt time.Time          `json:"captured_at"`
	Location   *types.Coordinates `json:"location,omitempty"`
}

// AddEvidence attaches a capture to an IN_PROGRESS job.
func (m *Manager) AddEvidence(ctx context.Context, id types.JobID, agentID types.AgentID, req EvidenceRequest) (*types.EvidenceItem, error) {
	if strings.TrimSpace(req.URI) == "" {
		return nil, errors.NewInvalidRequestError("evidence uri is required")
	}
	if req.Location != nil && !geo.ValidCoordinates(*req.Location) {
		return nil, errors.NewInvalidRequestError("invalid evidence location")
	}
	if _, _, err := m.loadAssigned(ctx, id, agentID, ActionAddEvidence); err != nil {
		return nil, err
	}

	item := &types.EvidenceItem{
		ID:         req.ID,
		JobID:      id,
		Kind:       req.Kind,
		URI:        req.URI,
		CapturedAt: req.CapturedAt,
		Location:   req.Location,
	}
	if item.ID == "" {
		item.ID = m.newID()
	}
	if item.Kind == "" {
		item.Kind = "photo"
	}
	if item.CapturedAt.IsZero() {
		item.CapturedAt = m.now()
	}
	if err := m.store.AddEvidence(ctx, item); err != nil {
		return nil, errors.Wrapf(err, "add evidence to job %s", id)
	}
	m.log.Debugw("evidence added", "job_id", id, "evidence_id", item.ID, "kind", item.Kind)
	return item, nil
}

// Submit hands the job in for review once enough evidence exists.
func (m *Manager) Submit(ctx context.Context, id types.JobID, agentID types.AgentID, notes string) (*types.Job, error) {
	job, from, err := m.loadAssigned(ctx, id, agentID, ActionSubmit)
	if err != nil {
		return nil, err
	}

	have, err := m.store.CountEvidence(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "count evidence for job %s", id)
	}
	if need := m.RulesFor(job.JobType).MinEvidence; have < need {
		return nil, insufficientEvidence(id, have, need)
	}

	now := m.now()
	job.SubmittedAt = &now
	job.SubmissionNotes = notes
	if err := m.commit(ctx, job, from, ActionSubmit, now, storage.ExpectFrom(from)); err != nil {
		return nil, err
	}
	return job, nil
}

// Complete accepts a submission. The job flips to COMPLETED and its earning
// is created in the same store call, or neither happens.
func (m *Manager) Complete(ctx context.Context, id types.JobID) (*types.Job, *types.PendingEarning, error) {
	job, from, err := m.load(ctx, id, ActionComplete)
	if err != nil {
		return nil, nil, err
	}

	now := m.now()
	job.Status = types.StatusCompleted
	job.CompletedAt = &now
	job.UpdatedAt = now
	earning := &types.PendingEarning{
		ID:          m.newID(),
		PayeeID:     types.PayeeID(job.AssignedAgentID),
		Amount:      job.PayoutAmount,
		SourceJobID: job.ID,
		Status:      types.EarningPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.store.CompleteJob(ctx, job, storage.ExpectFrom(from), earning); err != nil {
		return nil, nil, errors.Wrapf(err, "complete job %s", id)
	}

	m.transitioned(job, from.Status, ActionComplete, map[string]string{
		"earning_id":   earning.ID,
		"amount_cents": strconv.FormatInt(int64(earning.Amount), 10),
	})
	return job, earning, nil
}

// Cancel abandons a job from any non-terminal state.
func (m *Manager) Cancel(ctx context.Context, id types.JobID, reason string) (*types.Job, error) {
	job, from, err := m.load(ctx, id, ActionCancel)
	if err != nil {
		return nil, err
	}

	now := m.now()
	job.AssignedAgentID = ""
	job.CancelledAt = &now
	job.CancelReason = reason
	if err := m.commit(ctx, job, from, ActionCancel, now, storage.ExpectFrom(from)); err != nil {
		return nil, err
	}
	return job, nil
}

// Get returns a job.
func (m *Manager) Get(ctx context.Context, id types.JobID) (*types.Job, error) {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "get job %s", id)
	}
	return job, nil
}

// List returns jobs in the given statuses, or all jobs.
func (m *Manager) List(ctx context.Context, statuses ...types.JobStatus) ([]*types.Job, error) {
	return m.store.ListJobsByStatus(ctx, statuses...)
}

// Evidence lists a job's captures.
func (m *Manager) Evidence(ctx context.Context, id types.JobID) ([]*types.EvidenceItem, error) {
	if _, err := m.Get(ctx, id); err != nil {
		return nil, err
	}
	return m.store.ListEvidence(ctx, id)
}

// ============================================================================
// Helpers
// ============================================================================

// load reads the job and checks action is legal from its status. It returns
// the working copy and the unmodified original.
func (m *Manager) load(ctx context.Context, id types.JobID, action Action) (*types.Job, *types.Job, error) {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "%s job %s", action, id)
	}
	if _, ok := Next(job.Status, action); !ok {
		return nil, nil, invalidState(job, action)
	}
	return job, job.Clone(), nil
}

func (m *Manager) loadAssigned(ctx context.Context, id types.JobID, agentID types.AgentID, action Action) (*types.Job, *types.Job, error) {
	job, from, err := m.load(ctx, id, action)
	if err != nil {
		return nil, nil, err
	}
	if agentID == "" || job.AssignedAgentID != agentID {
		return nil, nil, notAssigned(id, agentID)
	}
	return job, from, nil
}

// commit applies the table transition for action and writes job guarded by
// expect.
func (m *Manager) commit(ctx context.Context, job, from *types.Job, action Action, now time.Time, expect storage.Expectation) error {
	to, ok := Next(from.Status, action)
	if !ok {
		return invalidState(from, action)
	}
	job.Status = to
	job.UpdatedAt = now
	if err := m.store.UpdateJob(ctx, job, expect); err != nil {
		return errors.Wrapf(err, "%s job %s", action, job.ID)
	}
	m.transitioned(job, from.Status, action, nil)
	return nil
}

func (m *Manager) transitioned(job *types.Job, from types.JobStatus, action Action, extra map[string]string) {
	m.metrics.JobTransition(job.Status)
	m.log.Infow("job transition",
		"job_id", job.ID,
		"action", action,
		"from", from,
		"to", job.Status,
		"agent_id", job.AssignedAgentID,
		"version", job.Version,
	)

	fields := map[string]string{
		"action":  string(action),
		"from":    string(from),
		"to":      string(job.Status),
		"version": strconv.FormatInt(job.Version, 10),
	}
	if job.AssignedAgentID != "" {
		fields["agent_id"] = string(job.AssignedAgentID)
	}
	if job.SLADueAt != nil {
		fields["sla_due_at"] = job.SLADueAt.UTC().Format(time.RFC3339)
	}
	if job.CancelReason != "" && job.Status == types.StatusCancelled {
		fields["reason"] = job.CancelReason
	}
	for k, v := range extra {
		fields[k] = v
	}
	m.audit.Record(wal.EventJobTransition, string(job.ID), fields)
}

func snapshotOf(job *types.Job, p *types.Property) types.JobSnapshot {
	s := types.JobSnapshot{
		JobID:        job.ID,
		JobType:      job.JobType,
		ScopePreset:  job.ScopePreset,
		Status:       job.Status,
		PayoutAmount: job.PayoutAmount,
	}
	if job.SLADueAt != nil {
		due := *job.SLADueAt
		s.SLADueAt = &due
	}
	if p != nil {
		s.AddressLine1 = p.AddressLine1
		s.City = p.City
		s.State = p.State
		s.ZipCode = p.ZipCode
	}
	return s
}
