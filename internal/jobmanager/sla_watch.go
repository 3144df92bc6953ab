package jobmanager

import (
	"context"

	"go.uber.org/zap"

	"github.com/ChuLiYu/fieldops/internal/errors"
	"github.com/ChuLiYu/fieldops/pkg/types"
)

type slaKey struct {
	job   types.JobID
	event types.EventType
}

// SLAScanResult counts what one ScanSLA call emitted.
type SLAScanResult struct {
	Scanned     int `json:"scanned"`
	Reminders   int `json:"reminders"`
	Escalations int `json:"escalations"`
}

// ScanSLA looks at every job whose SLA clock is running. It reminds the
// assigned agent once the deadline is within the reminder lead, and
// escalates to operations once it has passed. Each job gets at most one of
// each per process lifetime.
func (m *Manager) ScanSLA(ctx context.Context) (SLAScanResult, error) {
	jobs, err := m.store.ListJobsByStatus(ctx, activeStatuses...)
	if err != nil {
		return SLAScanResult{}, errors.Wrap(err, "list active jobs")
	}

	now := m.now()
	res := SLAScanResult{Scanned: len(jobs)}
	live := make(map[types.JobID]bool, len(jobs))
	properties := make(map[types.PropertyID]*types.Property)

	for _, job := range jobs {
		live[job.ID] = true
		if job.SLADueAt == nil {
			continue
		}
		remaining := job.SLADueAt.Sub(now)

		switch {
		case remaining <= 0:
			if m.operations.UserID == "" && m.operations.Email == "" {
				continue
			}
			if !m.markSLA(job.ID, types.EventJobEscalation) {
				continue
			}
			m.notifier.Enqueue(types.NotificationPayload{
				EventType: types.EventJobEscalation,
				Recipient: m.operations,
				Job:       snapshotOf(job, m.propertyFor(ctx, job, properties)),
			})
			res.Escalations++
			m.log.Warnw("job overdue, escalated",
				"job_id", job.ID,
				"status", job.Status,
				"agent_id", job.AssignedAgentID,
				"sla_due_at", job.SLADueAt,
			)

		case remaining <= m.reminderLead:
			if job.AssignedAgentID == "" {
				continue
			}
			agent, err := m.store.GetAgent(ctx, job.AssignedAgentID)
			if err != nil {
				m.log.Warnw("reminder skipped: agent lookup failed", "job_id", job.ID, zap.Error(err))
				continue
			}
			if !m.markSLA(job.ID, types.EventJobReminder) {
				continue
			}
			m.notifier.Enqueue(types.NotificationPayload{
				EventType: types.EventJobReminder,
				Recipient: recipientOf(agent),
				Job:       snapshotOf(job, m.propertyFor(ctx, job, properties)),
			})
			res.Reminders++
			m.log.Infow("sla reminder sent", "job_id", job.ID, "agent_id", agent.ID, "remaining", remaining)
		}
	}

	m.forgetSLA(live)
	return res, nil
}

func (m *Manager) markSLA(id types.JobID, event types.EventType) bool {
	m.slaMu.Lock()
	defer m.slaMu.Unlock()
	k := slaKey{id, event}
	if _, done := m.slaSent[k]; done {
		return false
	}
	m.slaSent[k] = struct{}{}
	return true
}

// forgetSLA drops entries for jobs that left the active set.
func (m *Manager) forgetSLA(live map[types.JobID]bool) {
	m.slaMu.Lock()
	defer m.slaMu.Unlock()
	for k := range m.slaSent {
		if !live[k.job] {
			delete(m.slaSent, k)
		}
	}
}

func (m *Manager) propertyFor(ctx context.Context, job *types.Job, cache map[types.PropertyID]*types.Property) *types.Property {
	if p, ok := cache[job.PropertyID]; ok {
		return p
	}
	p, err := m.store.GetProperty(ctx, job.PropertyID)
	if err != nil {
		m.log.Debugw("property lookup failed", "property_id", job.PropertyID, zap.Error(err))
		p = nil
	}
	cache[job.PropertyID] = p
	return p
}
