// Package types defines the core domain model shared by the fieldops packages.
package types

import (
	"fmt"
	"time"
)

// JobID identifies a field verification job.
type JobID string

// AgentID identifies a field agent.
type AgentID string

// PayeeID identifies the recipient of a payout. Agents are paid under their
// own ID, so PayeeID(agentID) is the usual conversion.
type PayeeID string

// PropertyID identifies a property in the external registry.
type PropertyID string

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	StatusPendingDispatch JobStatus = "PENDING_DISPATCH" // created, not yet offered to agents
	StatusDispatched      JobStatus = "DISPATCHED"       // offered to the agent pool, SLA clock running
	StatusAccepted        JobStatus = "ACCEPTED"         // claimed by exactly one agent
	StatusInProgress      JobStatus = "IN_PROGRESS"      // agent checked in on site
	StatusSubmitted       JobStatus = "SUBMITTED"        // evidence handed in, awaiting review
	StatusCompleted       JobStatus = "COMPLETED"        // review accepted, earning created
	StatusCancelled       JobStatus = "CANCELLED"        // abandoned, no earning
)

var allStatuses = []JobStatus{
	StatusPendingDispatch,
	StatusDispatched,
	StatusAccepted,
	StatusInProgress,
	StatusSubmitted,
	StatusCompleted,
	StatusCancelled,
}

// AllStatuses returns every job status in lifecycle order.
func AllStatuses() []JobStatus {
	out := make([]JobStatus, len(allStatuses))
	copy(out, allStatuses)
	return out
}

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	for _, known := range allStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible from s.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// RequiresAssignee reports whether a job in status s must carry an assigned agent.
func (s JobStatus) RequiresAssignee() bool {
	switch s {
	case StatusAccepted, StatusInProgress, StatusSubmitted, StatusCompleted:
		return true
	}
	return false
}

// Cents is an amount of money in minor currency units.
type Cents int64

// Dollars converts whole currency units to Cents.
func Dollars(n int64) Cents {
	return Cents(n * 100)
}

func (c Cents) String() string {
	sign := ""
	v := int64(c)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s$%d.%02d", sign, v/100, v%100)
}

// ScopePreset selects the SLA window and payout for a job.
type ScopePreset string

const (
	ScopeExteriorOnly     ScopePreset = "EXTERIOR_ONLY"
	ScopeInteriorExterior ScopePreset = "INTERIOR_EXTERIOR"
	ScopeComprehensive    ScopePreset = "COMPREHENSIVE"
	ScopeFullCertified    ScopePreset = "FULL_CERTIFIED"
	ScopeRushInspection   ScopePreset = "RUSH_INSPECTION"
)

// ScopeTerms are the commercial terms attached to a scope preset.
type ScopeTerms struct {
	SLAHours int   `json:"sla_hours" yaml:"sla_hours"`
	Payout   Cents `json:"payout" yaml:"payout"`
}

var scopeTable = map[ScopePreset]ScopeTerms{
	ScopeExteriorOnly:     {SLAHours: 48, Payout: Dollars(99)},
	ScopeInteriorExterior: {SLAHours: 72, Payout: Dollars(199)},
	ScopeComprehensive:    {SLAHours: 120, Payout: Dollars(349)},
	ScopeFullCertified:    {SLAHours: 168, Payout: Dollars(549)},
	ScopeRushInspection:   {SLAHours: 24, Payout: Dollars(299)},
}

// Terms returns the SLA hours and payout for the preset.
func (p ScopePreset) Terms() (ScopeTerms, bool) {
	t, ok := scopeTable[p]
	return t, ok
}

// ScopePresets lists the presets from shortest to longest SLA window.
func ScopePresets() []ScopePreset {
	return []ScopePreset{
		ScopeRushInspection,
		ScopeExteriorOnly,
		ScopeInteriorExterior,
		ScopeComprehensive,
		ScopeFullCertified,
	}
}

// JobType names the kind of verification work. Lifecycle rules such as the
// geofence radius and the evidence minimum may be overridden per type.
type JobType string

const (
	JobTypePropertyVerification JobType = "PROPERTY_VERIFICATION"
	JobTypeOccupancyCheck       JobType = "OCCUPANCY_CHECK"
	JobTypeConditionReport      JobType = "CONDITION_REPORT"
)

// Coordinates is a WGS84 latitude/longitude pair in decimal degrees.
type Coordinates struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lng float64 `json:"lng" yaml:"lng"`
}

// AccessContact is who lets the agent onto the property.
type AccessContact struct {
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
	Notes string `json:"notes,omitempty"`
}

// Property is read-only reference data owned by the property registry.
type Property struct {
	ID           PropertyID  `json:"id"`
	Location     Coordinates `json:"location"`
	AddressLine1 string      `json:"address_line1"`
	City         string      `json:"city"`
	State        string      `json:"state"`
	ZipCode      string      `json:"zip_code"`
}

// Job is the unit of field work. It is mutated only through jobmanager
// transitions; Version increments on every persisted write.
type Job struct {
	ID                  JobID         `json:"id"`
	Status              JobStatus     `json:"status"`
	JobType             JobType       `json:"job_type"`
	ScopePreset         ScopePreset   `json:"scope_preset"`
	PayoutAmount        Cents         `json:"payout_amount"`
	PropertyID          PropertyID    `json:"property_id"`
	SpecialInstructions string        `json:"special_instructions,omitempty"`
	AccessContact       AccessContact `json:"access_contact"`
	SubmissionNotes     string        `json:"submission_notes,omitempty"`
	CancelReason        string        `json:"cancel_reason,omitempty"`

	// Empty when unassigned.
	AssignedAgentID AgentID `json:"assigned_agent_id,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	SLADueAt    *time.Time `json:"sla_due_at,omitempty"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`

	Version int64 `json:"version"`
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.SLADueAt = cloneTime(j.SLADueAt)
	c.AcceptedAt = cloneTime(j.AcceptedAt)
	c.StartedAt = cloneTime(j.StartedAt)
	c.SubmittedAt = cloneTime(j.SubmittedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	c.CancelledAt = cloneTime(j.CancelledAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time {
	return &t
}

// EvidenceItem is an immutable capture attached to a job.
type EvidenceItem struct {
	ID         string       `json:"id"`
	JobID      JobID        `json:"job_id"`
	Kind       string       `json:"kind"` // photo, document
	URI        string       `json:"uri"`
	CapturedAt time.Time    `json:"captured_at"`
	Location   *Coordinates `json:"location,omitempty"`
}

// Agent is a field agent eligible for dispatch.
type Agent struct {
	ID                  AgentID     `json:"id"`
	Name                string      `json:"name"`
	Email               string      `json:"email"`
	HomeBase            Coordinates `json:"home_base"`
	CoverageRadiusMiles float64     `json:"coverage_radius_miles"`
	Qualifications      []JobType   `json:"qualifications,omitempty"` // empty means any job type
	Active              bool        `json:"active"`
}

// Qualified reports whether the agent may take jobs of type t.
func (a *Agent) Qualified(t JobType) bool {
	if len(a.Qualifications) == 0 {
		return true
	}
	for _, q := range a.Qualifications {
		if q == t {
			return true
		}
	}
	return false
}

// EarningStatus is the ledger state of a pending earning.
type EarningStatus string

const (
	EarningPending    EarningStatus = "PENDING"
	EarningProcessing EarningStatus = "PROCESSING"
	EarningCompleted  EarningStatus = "COMPLETED"
	EarningFailed     EarningStatus = "FAILED"
)

// PendingEarning is money owed for one completed job. Only its status and
// payout reference ever change after creation.
type PendingEarning struct {
	ID          string        `json:"id"`
	PayeeID     PayeeID       `json:"payee_id"`
	Amount      Cents         `json:"amount"`
	SourceJobID JobID         `json:"source_job_id"`
	Status      EarningStatus `json:"status"`
	PayoutID    string        `json:"payout_id,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// PayoutStatus is the state of a disbursement batch.
type PayoutStatus string

const (
	PayoutProcessing PayoutStatus = "PROCESSING"
	PayoutCompleted  PayoutStatus = "COMPLETED"
	PayoutFailed     PayoutStatus = "FAILED"
)

// Payout summarises one payee's batch in a scheduler run.
type Payout struct {
	ID          string       `json:"id"`
	PayeeID     PayeeID      `json:"payee_id"`
	Amount      Cents        `json:"amount"`
	EarningIDs  []string     `json:"earning_ids"`
	Status      PayoutStatus `json:"status"`
	Description string       `json:"description"`
	Reference   string       `json:"reference,omitempty"` // transfer reference from the payout provider
	CreatedAt   time.Time    `json:"created_at"`
	SettledAt   *time.Time   `json:"settled_at,omitempty"`
}

// EventType classifies a notification.
type EventType string

const (
	EventJobAvailable  EventType = "JOB_AVAILABLE"
	EventJobReminder   EventType = "JOB_REMINDER"
	EventJobEscalation EventType = "JOB_ESCALATION"
)

// Recipient is the target of a notification.
type Recipient struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
}

// JobSnapshot is the denormalised job view carried in a notification.
type JobSnapshot struct {
	JobID         JobID       `json:"job_id"`
	JobType       JobType     `json:"job_type"`
	ScopePreset   ScopePreset `json:"scope_preset"`
	Status        JobStatus   `json:"status"`
	PayoutAmount  Cents       `json:"payout_amount"`
	SLADueAt      *time.Time  `json:"sla_due_at,omitempty"`
	AddressLine1  string      `json:"address_line1"`
	City          string      `json:"city"`
	State         string      `json:"state"`
	ZipCode       string      `json:"zip_code"`
	DistanceMiles float64     `json:"distance_miles,omitempty"`
}

// NotificationPayload is what the retry queue delivers.
type NotificationPayload struct {
	EventType EventType   `json:"event_type"`
	Recipient Recipient   `json:"recipient"`
	Job       JobSnapshot `json:"job"`
}

// QueuedNotification is the retry state of one payload.
type QueuedNotification struct {
	ID          string              `json:"id"`
	Payload     NotificationPayload `json:"payload"`
	Attempts    int                 `json:"attempts"`
	MaxAttempts int                 `json:"max_attempts"`
	NextRetryAt time.Time           `json:"next_retry_at"`
	CreatedAt   time.Time           `json:"created_at"`
	LastError   string              `json:"last_error,omitempty"`

	// Channels that already accepted the payload; retries skip them.
	DeliveredVia []string `json:"delivered_via,omitempty"`
}

// Clone returns a deep copy of the record.
func (n *QueuedNotification) Clone() *QueuedNotification {
	if n == nil {
		return nil
	}
	c := *n
	c.Payload.Job.SLADueAt = cloneTime(n.Payload.Job.SLADueAt)
	c.DeliveredVia = append([]string(nil), n.DeliveredVia...)
	return &c
}

// QueueSnapshot is the persisted form of the notification retry queue.
type QueueSnapshot struct {
	Records   []*QueuedNotification `json:"records"`
	SchemaVer int                   `json:"schema_ver"`
	TakenAt   time.Time             `json:"taken_at"`
}
