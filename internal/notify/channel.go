package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ChuLiYu/fieldops/internal/slaclock"
	"github.com/ChuLiYu/fieldops/pkg/types"
)

// Channel is one way of reaching a recipient.
type Channel interface {
	// Name identifies the channel in metrics, logs and DeliveredVia.
	Name() string
	// Supports reports whether the payload carries what this channel needs,
	// e.g. an email address.
	Supports(p types.NotificationPayload) bool
	// Send delivers the payload. It must honour ctx.
	Send(ctx context.Context, p types.NotificationPayload) error
}

// Message is the channel-neutral rendering of a payload.
type Message struct {
	Title string
	Body  string
	Data  map[string]string
}

// Render turns a payload into human readable text. now is used for the
// remaining-time phrase on reminders and escalations.
func Render(p types.NotificationPayload, now time.Time) Message {
	job := p.Job
	address := strings.TrimSpace(strings.Join(nonEmpty(job.AddressLine1, job.City, job.State), ", "))
	if job.ZipCode != "" {
		address += " " + job.ZipCode
	}

	data := map[string]string{
		"event_type":   string(p.EventType),
		"job_id":       string(job.JobID),
		"scope_preset": string(job.ScopePreset),
		"payout":       job.PayoutAmount.String(),
	}
	var due string
	if job.SLADueAt != nil {
		due = job.SLADueAt.UTC().Format(time.RFC1123)
		data["sla_due_at"] = job.SLADueAt.UTC().Format(time.RFC3339)
	}

	var m Message
	switch p.EventType {
	case types.EventJobAvailable:
		m.Title = fmt.Sprintf("New job near you: %s", job.PayoutAmount)
		m.Body = fmt.Sprintf("%s at %s.", humanScope(job.ScopePreset), address)
		if job.DistanceMiles > 0 {
			m.Body += fmt.Sprintf(" %.1f miles from your home base.", job.DistanceMiles)
			data["distance_miles"] = fmt.Sprintf("%.1f", job.DistanceMiles)
		}
		if due != "" {
			m.Body += " Due " + due + "."
		}
	case types.EventJobReminder:
		m.Title = fmt.Sprintf("Reminder: job %s is due soon", job.JobID)
		m.Body = fmt.Sprintf("%s at %s.", humanScope(job.ScopePreset), address)
		if job.SLADueAt != nil {
			m.Body += " " + slaclock.TimeRemaining(*job.SLADueAt, now).String() + " remaining."
		}
	case types.EventJobEscalation:
		m.Title = fmt.Sprintf("Escalation: job %s missed its SLA", job.JobID)
		m.Body = fmt.Sprintf("%s at %s is %s.", humanScope(job.ScopePreset), address, job.Status)
		if job.SLADueAt != nil {
			m.Body += " Deadline " + due + ", " + slaclock.TimeRemaining(*job.SLADueAt, now).String() + "."
		}
	default:
		m.Title = fmt.Sprintf("Job %s update", job.JobID)
		m.Body = address
	}
	m.Data = data
	return m
}

func humanScope(p types.ScopePreset) string {
	s := strings.ToLower(strings.ReplaceAll(string(p), "_", " "))
	if s == "" {
		return "Verification"
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func nonEmpty(parts ...string) []string {
	out := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
