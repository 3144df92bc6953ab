package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ChuLiYu/fieldops/internal/errors"
	"github.com/ChuLiYu/fieldops/internal/jobmanager"
	"github.com/ChuLiYu/fieldops/internal/payout"
)

// errorBody is the JSON shape of every non-2xx response.
type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Hints   []string       `json:"hints,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// classify maps an error to an HTTP status and a stable code. Typed domain
// errors are checked before the sentinels they may also wrap.
func classify(err error) (int, errorBody) {
	body := errorBody{Message: err.Error(), Hints: errors.GetAllHints(err)}

	var (
		invalid  *jobmanager.InvalidStateError
		taken    *jobmanager.AlreadyAssignedError
		notYours *jobmanager.NotAssignedError
		fence    *jobmanager.GeofenceViolationError
		evidence *jobmanager.InsufficientEvidenceError
		noMethod *payout.NoPayoutMethodError
	)
	switch {
	case errors.As(err, &fence):
		body.Code = "geofence_violation"
		// The agent sees the distance sentence itself, not the job wrapper.
		body.Message = fence.Error()
		body.Details = map[string]any{
			"distance_meters": fence.DistanceMeters,
			"radius_meters":   fence.RadiusMeters,
		}
		return http.StatusUnprocessableEntity, body
	case errors.As(err, &evidence):
		body.Code = "insufficient_evidence"
		body.Details = map[string]any{"have": evidence.Have, "required": evidence.Required}
		return http.StatusUnprocessableEntity, body
	case errors.As(err, &taken):
		body.Code = "already_assigned"
		return http.StatusConflict, body
	case errors.As(err, &invalid):
		body.Code = "invalid_state"
		body.Details = map[string]any{"status": invalid.Status, "action": invalid.Action}
		return http.StatusConflict, body
	case errors.As(err, &notYours):
		body.Code = "not_assigned"
		return http.StatusForbidden, body
	case errors.As(err, &noMethod):
		body.Code = "no_payout_method"
		return http.StatusUnprocessableEntity, body
	case errors.IsNotFound(err):
		body.Code = "not_found"
		return http.StatusNotFound, body
	case errors.IsInvalidRequest(err):
		body.Code = "invalid_request"
		return http.StatusBadRequest, body
	case errors.IsConflict(err):
		body.Code = "conflict"
		return http.StatusConflict, body
	default:
		body.Code = "internal"
		body.Message = "internal error"
		body.Hints = nil
		return http.StatusInternalServerError, body
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	status, body := classify(err)
	if status >= http.StatusInternalServerError {
		s.log.Errorw("request failed", "path", c.FullPath(), "error", err)
	} else {
		s.log.Debugw("request rejected", "path", c.FullPath(), "status", status, "error", err)
	}
	c.AbortWithStatusJSON(status, body)
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorBody{Code: "invalid_request", Message: msg})
}
