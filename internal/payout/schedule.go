package payout

import (
	"fmt"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/ChuLiYu/fieldops/internal/errors"
)

// cronParser accepts standard five-field specs with an optional CRON_TZ
// prefix, plus descriptors such as "@weekly".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Schedule is the weekly payout window: one hour on one weekday.
type Schedule struct {
	Weekday  time.Weekday
	Hour     int
	Location *time.Location
}

// DefaultSchedule is Mondays at 09:00 UTC.
var DefaultSchedule = Schedule{Weekday: time.Monday, Hour: 9, Location: time.UTC}

// NewSchedule validates its inputs and resolves tz ("" means UTC).
func NewSchedule(weekday time.Weekday, hour int, tz string) (Schedule, error) {
	if weekday < time.Sunday || weekday > time.Saturday {
		return Schedule{}, errors.Newf("invalid weekday %d", weekday)
	}
	if hour < 0 || hour > 23 {
		return Schedule{}, errors.Newf("invalid hour %d", hour)
	}
	loc := time.UTC
	if tz != "" {
		var err error
		if loc, err = time.LoadLocation(tz); err != nil {
			return Schedule{}, errors.Wrapf(err, "payout timezone %q", tz)
		}
	}
	return Schedule{Weekday: weekday, Hour: hour, Location: loc}, nil
}

func (s Schedule) loc() *time.Location {
	if s.Location == nil {
		return time.UTC
	}
	return s.Location
}

// Spec renders the schedule as a cron expression.
func (s Schedule) Spec() string {
	return fmt.Sprintf("CRON_TZ=%s 0 %d * * %d", s.loc().String(), s.Hour, int(s.Weekday))
}

// Cron parses Spec.
func (s Schedule) Cron() (cronlib.Schedule, error) {
	return cronParser.Parse(s.Spec())
}

// IsScheduledRunDay reports whether now falls inside the payout hour.
func (s Schedule) IsScheduledRunDay(now time.Time) bool {
	local := now.In(s.loc())
	return local.Weekday() == s.Weekday && local.Hour() == s.Hour
}

// NextScheduledRunDate returns the start of the next payout window strictly
// after now.
func (s Schedule) NextScheduledRunDate(now time.Time) time.Time {
	sched, err := s.Cron()
	if err != nil {
		// Spec is generated from validated fields; fall back to arithmetic.
		local := now.In(s.loc())
		days := (int(s.Weekday) - int(local.Weekday()) + 7) % 7
		next := time.Date(local.Year(), local.Month(), local.Day()+days, s.Hour, 0, 0, 0, s.loc())
		if !next.After(now) {
			next = next.AddDate(0, 0, 7)
		}
		return next
	}
	return sched.Next(now)
}

func (s Schedule) String() string {
	return fmt.Sprintf("%s %02d:00 %s", s.Weekday, s.Hour, s.loc())
}
