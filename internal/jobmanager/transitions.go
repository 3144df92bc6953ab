package jobmanager

import "github.com/ChuLiYu/fieldops/pkg/types"

// Action is a lifecycle operation that may change a job's status.
type Action string

const (
	ActionDispatch Action = "dispatch"
	ActionAccept   Action = "accept"
	ActionStart    Action = "start"
	ActionSubmit   Action = "submit"
	ActionComplete Action = "complete"
	ActionCancel   Action = "cancel"

	// ActionAddEvidence does not change status but is only legal while
	// the job is IN_PROGRESS.
	ActionAddEvidence Action = "add_evidence"
)

type transitionKey struct {
	from   types.JobStatus
	action Action
}

// transitions is the whole state machine. Anything absent is illegal.
var transitions = map[transitionKey]types.JobStatus{
	{types.StatusPendingDispatch, ActionDispatch}: types.StatusDispatched,
	{types.StatusDispatched, ActionAccept}:        types.StatusAccepted,
	{types.StatusAccepted, ActionStart}:           types.StatusInProgress,
	{types.StatusInProgress, ActionAddEvidence}:   types.StatusInProgress,
	{types.StatusInProgress, ActionSubmit}:        types.StatusSubmitted,
	{types.StatusSubmitted, ActionComplete}:       types.StatusCompleted,

	{types.StatusPendingDispatch, ActionCancel}: types.StatusCancelled,
	{types.StatusDispatched, ActionCancel}:      types.StatusCancelled,
	{types.StatusAccepted, ActionCancel}:        types.StatusCancelled,
	{types.StatusInProgress, ActionCancel}:      types.StatusCancelled,
	{types.StatusSubmitted, ActionCancel}:       types.StatusCancelled,
}

// Next returns the status action leads to from from.
func Next(from types.JobStatus, action Action) (types.JobStatus, bool) {
	to, ok := transitions[transitionKey{from, action}]
	return to, ok
}

// Allowed lists the actions legal from status, in lifecycle order.
func Allowed(status types.JobStatus) []Action {
	var out []Action
	for _, a := range []Action{ActionDispatch, ActionAccept, ActionStart, ActionAddEvidence, ActionSubmit, ActionComplete, ActionCancel} {
		if _, ok := Next(status, a); ok {
			out = append(out, a)
		}
	}
	return out
}

// activeStatuses are the states in which the SLA clock is running.
var activeStatuses = []types.JobStatus{
	types.StatusDispatched,
	types.StatusAccepted,
	types.StatusInProgress,
	types.StatusSubmitted,
}
