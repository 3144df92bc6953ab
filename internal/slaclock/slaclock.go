// Package slaclock computes SLA deadlines and the time left on them.
//
// Everything here is a pure function of its inputs; callers pass "now"
// explicitly so the lifecycle and the SLA watch share a single clock.
package slaclock

import (
	"fmt"
	"strings"
	"time"

	"github.com/ChuLiYu/fieldops/internal/errors"
	"github.com/ChuLiYu/fieldops/pkg/types"
)

// InvalidDurationError reports a malformed SLA configuration.
type InvalidDurationError struct {
	Hours int
}

func (e *InvalidDurationError) Error() string {
	return fmt.Sprintf("invalid SLA duration: %d hours (must be positive)", e.Hours)
}

// DueAt returns createdAt + slaHours.
func DueAt(createdAt time.Time, slaHours int) (time.Time, error) {
	if slaHours <= 0 {
		return time.Time{}, &InvalidDurationError{Hours: slaHours}
	}
	return createdAt.Add(time.Duration(slaHours) * time.Hour), nil
}

// DueAtForPreset looks up the preset's SLA hours and returns the deadline.
func DueAtForPreset(createdAt time.Time, preset types.ScopePreset) (time.Time, error) {
	terms, ok := preset.Terms()
	if !ok {
		return time.Time{}, errors.NewInvalidRequestError("unknown scope preset %q", preset)
	}
	return DueAt(createdAt, terms.SLAHours)
}

// Remaining is the signed time left until a deadline plus a display breakdown
// of its magnitude.
type Remaining struct {
	Duration time.Duration `json:"duration"` // negative when overdue
	Overdue  bool          `json:"overdue"`
	Days     int           `json:"days"`
	Hours    int           `json:"hours"`
	Minutes  int           `json:"minutes"`
}

// TimeRemaining returns dueAt - now with a days/hours/minutes breakdown.
func TimeRemaining(dueAt, now time.Time) Remaining {
	d := dueAt.Sub(now)
	abs := d
	if abs < 0 {
		abs = -abs
	}

	totalMinutes := int(abs / time.Minute)
	return Remaining{
		Duration: d,
		Overdue:  d < 0,
		Days:     totalMinutes / (24 * 60),
		Hours:    (totalMinutes / 60) % 24,
		Minutes:  totalMinutes % 60,
	}
}

// String renders the breakdown, e.g. "2d 3h 15m" or "overdue by 1h 5m".
func (r Remaining) String() string {
	var parts []string
	if r.Days > 0 {
		parts = append(parts, fmt.Sprintf("%dd", r.Days))
	}
	if r.Hours > 0 || r.Days > 0 {
		parts = append(parts, fmt.Sprintf("%dh", r.Hours))
	}
	parts = append(parts, fmt.Sprintf("%dm", r.Minutes))

	s := strings.Join(parts, " ")
	if r.Overdue {
		return "overdue by " + s
	}
	return s
}

// Progress returns the elapsed fraction of the SLA window in [0, 1].
func Progress(createdAt, dueAt, now time.Time) float64 {
	window := dueAt.Sub(createdAt)
	if window <= 0 {
		return 1
	}
	p := float64(now.Sub(createdAt)) / float64(window)
	switch {
	case p < 0:
		return 0
	case p > 1:
		return 1
	}
	return p
}
