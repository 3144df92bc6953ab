package payout

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsScheduledRunDay(t *testing.T) {
	s := DefaultSchedule
	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"monday 09:00", time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC), true},
		{"monday 09:59", time.Date(2026, 3, 9, 9, 59, 59, 0, time.UTC), true},
		{"monday 10:00", time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC), false},
		{"monday 08:59", time.Date(2026, 3, 9, 8, 59, 0, 0, time.UTC), false},
		{"tuesday 09:00", time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.IsScheduledRunDay(tt.now))
		})
	}
}

func TestNextScheduledRunDate(t *testing.T) {
	s := DefaultSchedule
	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"earlier same day", time.Date(2026, 3, 9, 7, 30, 0, 0, time.UTC), time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)},
		{"at the window", time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC), time.Date(2026, 3, 16, 9, 0, 0, 0, time.UTC)},
		{"midweek", time.Date(2026, 3, 11, 15, 0, 0, 0, time.UTC), time.Date(2026, 3, 16, 9, 0, 0, 0, time.UTC)},
		{"sunday night", time.Date(2026, 3, 15, 23, 0, 0, 0, time.UTC), time.Date(2026, 3, 16, 9, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.want.Equal(s.NextScheduledRunDate(tt.now)), "got %s", s.NextScheduledRunDate(tt.now))
		})
	}
}

func TestScheduleTimezone(t *testing.T) {
	s, err := NewSchedule(time.Friday, 17, "America/Chicago")
	require.NoError(t, err)

	// 17:00 CDT is 22:00 UTC.
	assert.True(t, s.IsScheduledRunDay(time.Date(2026, 6, 5, 22, 30, 0, 0, time.UTC)))
	next := s.NextScheduledRunDate(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	assert.True(t, next.Equal(time.Date(2026, 6, 5, 22, 0, 0, 0, time.UTC)), "got %s", next)
	assert.Equal(t, "CRON_TZ=America/Chicago 0 17 * * 5", s.Spec())
}

func TestNewScheduleValidation(t *testing.T) {
	_, err := NewSchedule(time.Monday, 24, "")
	assert.Error(t, err)
	_, err = NewSchedule(time.Weekday(9), 9, "")
	assert.Error(t, err)
	_, err = NewSchedule(time.Monday, 9, "Mars/Olympus")
	assert.Error(t, err)
}
