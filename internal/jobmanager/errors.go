package jobmanager

import (
	"fmt"
	"math"

	"github.com/ChuLiYu/fieldops/internal/errors"
	"github.com/ChuLiYu/fieldops/pkg/types"
)

// InvalidStateError is returned when action is not legal from the job's
// current status.
type InvalidStateError struct {
	JobID  types.JobID
	Status types.JobStatus
	Action Action
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s job %s: job is %s", e.Action, e.JobID, e.Status)
}

// AlreadyAssignedError is returned to the agent that lost the accept race.
type AlreadyAssignedError struct {
	JobID   types.JobID
	AgentID types.AgentID
}

func (e *AlreadyAssignedError) Error() string {
	return fmt.Sprintf("job %s has already been accepted by another agent", e.JobID)
}

// NotAssignedError is returned when someone other than the assigned agent
// acts on a job.
type NotAssignedError struct {
	JobID   types.JobID
	AgentID types.AgentID
}

func (e *NotAssignedError) Error() string {
	return fmt.Sprintf("agent %s is not assigned to job %s", e.AgentID, e.JobID)
}

// GeofenceViolationError is returned by Start when the agent is too far from
// the property. Its message is shown to the agent as is.
type GeofenceViolationError struct {
	JobID          types.JobID
	DistanceMeters float64
	RadiusMeters   float64
}

func (e *GeofenceViolationError) Error() string {
	return fmt.Sprintf("you must be within %sm of the property (currently %sm away)",
		formatMeters(e.RadiusMeters), formatMeters(e.DistanceMeters))
}

// InsufficientEvidenceError is returned by Submit when fewer than the
// required evidence items were captured.
type InsufficientEvidenceError struct {
	JobID    types.JobID
	Have     int
	Required int
}

func (e *InsufficientEvidenceError) Error() string {
	return fmt.Sprintf("job %s has %d evidence items, at least %d are required", e.JobID, e.Have, e.Required)
}

func formatMeters(m float64) string {
	return fmt.Sprintf("%d", int64(math.Round(m)))
}

// Hints attached to user-visible lifecycle errors.

func invalidState(job *types.Job, action Action) error {
	err := &InvalidStateError{JobID: job.ID, Status: job.Status, Action: action}
	if allowed := Allowed(job.Status); len(allowed) > 0 {
		return errors.WithHintf(err, "allowed from %s: %v", job.Status, allowed)
	}
	return errors.WithHintf(err, "%s is a final state", job.Status)
}

func alreadyAssigned(id types.JobID, agent types.AgentID) error {
	return errors.WithHint(&AlreadyAssignedError{JobID: id, AgentID: agent},
		"another agent claimed this job first; pick another from the available list")
}

func notAssigned(id types.JobID, agent types.AgentID) error {
	return errors.WithHint(&NotAssignedError{JobID: id, AgentID: agent},
		"only the agent who accepted the job can act on it")
}

func geofenceViolation(id types.JobID, distance, radius float64) error {
	return errors.WithHint(&GeofenceViolationError{JobID: id, DistanceMeters: distance, RadiusMeters: radius},
		"move closer to the property and check in again")
}

func insufficientEvidence(id types.JobID, have, need int) error {
	return errors.WithHintf(&InsufficientEvidenceError{JobID: id, Have: have, Required: need},
		"capture %d more photo(s) or document(s) before submitting", need-have)
}
