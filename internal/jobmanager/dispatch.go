package jobmanager

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/ChuLiYu/fieldops/internal/geo"
	"github.com/ChuLiYu/fieldops/pkg/types"
)

// Candidate is an agent whose coverage area contains a property.
type Candidate struct {
	Agent         *types.Agent
	DistanceMiles float64
}

// Candidates returns active agents qualified for jobType whose home base is
// within their coverage radius of location, nearest first.
func Candidates(agents []*types.Agent, jobType types.JobType, location types.Coordinates) []Candidate {
	var out []Candidate
	for _, a := range agents {
		if !a.Active || !a.Qualified(jobType) {
			continue
		}
		d := geo.DistanceMiles(a.HomeBase, location)
		if d > a.CoverageRadiusMiles {
			continue
		}
		out = append(out, Candidate{Agent: a, DistanceMiles: d})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DistanceMiles != out[j].DistanceMiles {
			return out[i].DistanceMiles < out[j].DistanceMiles
		}
		return out[i].Agent.ID < out[j].Agent.ID
	})
	return out
}

// notifyAvailable enqueues JOB_AVAILABLE for every candidate. Failures here
// are logged; the dispatch itself has already been committed.
func (m *Manager) notifyAvailable(ctx context.Context, job *types.Job) int {
	property, err := m.store.GetProperty(ctx, job.PropertyID)
	if err != nil {
		m.log.Errorw("dispatch targeting skipped: property lookup failed",
			"job_id", job.ID, "property_id", job.PropertyID, zap.Error(err))
		return 0
	}
	agents, err := m.store.ListActiveAgents(ctx)
	if err != nil {
		m.log.Errorw("dispatch targeting skipped: agent lookup failed", "job_id", job.ID, zap.Error(err))
		return 0
	}

	candidates := Candidates(agents, job.JobType, property.Location)
	for _, c := range candidates {
		snap := snapshotOf(job, property)
		snap.DistanceMiles = c.DistanceMiles
		m.notifier.Enqueue(types.NotificationPayload{
			EventType: types.EventJobAvailable,
			Recipient: recipientOf(c.Agent),
			Job:       snap,
		})
	}
	m.log.Infow("job offered",
		"job_id", job.ID,
		"agents_notified", len(candidates),
		"agents_active", len(agents),
	)
	return len(candidates)
}

func recipientOf(a *types.Agent) types.Recipient {
	return types.Recipient{UserID: string(a.ID), Name: a.Name, Email: a.Email}
}
