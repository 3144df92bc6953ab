package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/ChuLiYu/fieldops/internal/errors"
	"github.com/ChuLiYu/fieldops/internal/storage"
	"github.com/ChuLiYu/fieldops/pkg/types"
)

const jobColumns = `id, status, job_type, scope_preset, payout_amount, property_id,
	special_instructions, access_contact, submission_notes, cancel_reason, assigned_agent_id,
	created_at, updated_at, sla_due_at, accepted_at, started_at, submitted_at, completed_at,
	cancelled_at, version`

func scanJob(row scanner) (*types.Job, error) {
	var (
		job      types.Job
		contact  string
		assignee sql.NullString
		created  int64
		updated  int64
		sla      sql.NullInt64
		accepted sql.NullInt64
		started  sql.NullInt64
		submit   sql.NullInt64
		complete sql.NullInt64
		cancel   sql.NullInt64
	)
	err := row.Scan(
		&job.ID, &job.Status, &job.JobType, &job.ScopePreset, &job.PayoutAmount, &job.PropertyID,
		&job.SpecialInstructions, &contact, &job.SubmissionNotes, &job.CancelReason, &assignee,
		&created, &updated, &sla, &accepted, &started, &submit, &complete,
		&cancel, &job.Version,
	)
	if err != nil {
		return nil, err
	}
	if contact != "" {
		if err := json.Unmarshal([]byte(contact), &job.AccessContact); err != nil {
			return nil, errors.Wrapf(err, "decode access contact of job %s", job.ID)
		}
	}
	job.AssignedAgentID = types.AgentID(assignee.String)
	job.CreatedAt = fromNanos(created)
	job.UpdatedAt = fromNanos(updated)
	job.SLADueAt = ptrFromNull(sla)
	job.AcceptedAt = ptrFromNull(accepted)
	job.StartedAt = ptrFromNull(started)
	job.SubmittedAt = ptrFromNull(submit)
	job.CompletedAt = ptrFromNull(complete)
	job.CancelledAt = ptrFromNull(cancel)
	return &job, nil
}

func (s *Store) CreateJob(ctx context.Context, job *types.Job) error {
	contact, err := json.Marshal(job.AccessContact)
	if err != nil {
		return errors.Wrap(err, "encode access contact")
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO jobs (`+jobColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		job.ID, job.Status, job.JobType, job.ScopePreset, int64(job.PayoutAmount), job.PropertyID,
		job.SpecialInstructions, string(contact), job.SubmissionNotes, job.CancelReason,
		nullString(string(job.AssignedAgentID)),
		nanos(job.CreatedAt), nanos(job.UpdatedAt), nullNanos(job.SLADueAt), nullNanos(job.AcceptedAt),
		nullNanos(job.StartedAt), nullNanos(job.SubmittedAt), nullNanos(job.CompletedAt),
		nullNanos(job.CancelledAt), job.Version,
	)
	if isConstraint(err) {
		return errors.Wrapf(errors.ErrConflict, "job %s already exists", job.ID)
	}
	return errors.Wrapf(err, "insert job %s", job.ID)
}

func (s *Store) GetJob(ctx context.Context, id types.JobID) (*types.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get job %s", id)
	}
	return job, nil
}

func (s *Store) UpdateJob(ctx context.Context, job *types.Job, expect storage.Expectation) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		return updateJobTx(ctx, tx, job, expect)
	})
	if err != nil {
		return err
	}
	job.Version = expect.Version + 1
	return nil
}

func (s *Store) CompleteJob(ctx context.Context, job *types.Job, expect storage.Expectation, earning *types.PendingEarning) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := updateJobTx(ctx, tx, job, expect); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO earnings
			(id, payee_id, amount, source_job_id, status, payout_id, created_at, updated_at)
			VALUES (?,?,?,?,?,?,?,?)`,
			earning.ID, earning.PayeeID, int64(earning.Amount), earning.SourceJobID, earning.Status,
			nullString(earning.PayoutID), nanos(earning.CreatedAt), nanos(earning.UpdatedAt),
		)
		if isConstraint(err) {
			return errors.Wrapf(errors.ErrConflict, "earning for job %s already exists", job.ID)
		}
		return errors.Wrapf(err, "insert earning for job %s", job.ID)
	})
	if err != nil {
		return err
	}
	job.Version = expect.Version + 1
	return nil
}

func updateJobTx(ctx context.Context, tx *sql.Tx, job *types.Job, expect storage.Expectation) error {
	contact, err := json.Marshal(job.AccessContact)
	if err != nil {
		return errors.Wrap(err, "encode access contact")
	}

	query := `UPDATE jobs SET
		status = ?, job_type = ?, scope_preset = ?, payout_amount = ?, property_id = ?,
		special_instructions = ?, access_contact = ?, submission_notes = ?, cancel_reason = ?,
		assigned_agent_id = ?, updated_at = ?, sla_due_at = ?, accepted_at = ?, started_at = ?,
		submitted_at = ?, completed_at = ?, cancelled_at = ?, version = version + 1
		WHERE id = ? AND status = ? AND version = ? AND (sla_due_at IS NULL OR sla_due_at = ?)`
	if expect.Unassigned {
		query += ` AND assigned_agent_id IS NULL`
	}

	res, err := tx.ExecContext(ctx, query,
		job.Status, job.JobType, job.ScopePreset, int64(job.PayoutAmount), job.PropertyID,
		job.SpecialInstructions, string(contact), job.SubmissionNotes, job.CancelReason,
		nullString(string(job.AssignedAgentID)), nanos(job.UpdatedAt), nullNanos(job.SLADueAt),
		nullNanos(job.AcceptedAt), nullNanos(job.StartedAt), nullNanos(job.SubmittedAt),
		nullNanos(job.CompletedAt), nullNanos(job.CancelledAt),
		job.ID, expect.Status, expect.Version, nullNanos(job.SLADueAt),
	)
	if err != nil {
		return errors.Wrapf(err, "update job %s", job.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 1 {
		return nil
	}
	return explainMiss(ctx, tx, job, expect)
}

// explainMiss turns a zero-row guarded update into the matching error.
func explainMiss(ctx context.Context, tx *sql.Tx, job *types.Job, expect storage.Expectation) error {
	var (
		status   types.JobStatus
		version  int64
		assignee sql.NullString
	)
	err := tx.QueryRowContext(ctx,
		`SELECT status, version, assigned_agent_id FROM jobs WHERE id = ?`, job.ID,
	).Scan(&status, &version, &assignee)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.NewNotFoundError("job %s", job.ID)
	}
	if err != nil {
		return errors.Wrapf(err, "reread job %s", job.ID)
	}

	switch {
	case status != expect.Status || version != expect.Version:
		return errors.Wrapf(errors.ErrConflict,
			"job %s is %s@v%d, expected %s@v%d", job.ID, status, version, expect.Status, expect.Version)
	case expect.Unassigned && assignee.Valid:
		return errors.Wrapf(errors.ErrConflict, "job %s already assigned", job.ID)
	default:
		return errors.AssertionFailedf("job %s: SLA deadline is immutable once set", job.ID)
	}
}

func (s *Store) ListJobsByStatus(ctx context.Context, statuses ...types.JobStatus) ([]*types.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := make([]interface{}, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	defer rows.Close()

	var out []*types.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan job")
		}
		out = append(out, job)
	}
	return out, errors.Wrap(rows.Err(), "iterate jobs")
}

// ============================================================================
// Evidence
// ============================================================================

func (s *Store) AddEvidence(ctx context.Context, item *types.EvidenceItem) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM jobs WHERE id = ?)`, item.JobID).Scan(&exists); err != nil {
			return errors.Wrap(err, "check job")
		}
		if !exists {
			return errors.NewNotFoundError("job %s", item.JobID)
		}

		var lat, lng interface{}
		if item.Location != nil {
			lat, lng = item.Location.Lat, item.Location.Lng
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO evidence (id, job_id, kind, uri, captured_at, lat, lng) VALUES (?,?,?,?,?,?,?)`,
			item.ID, item.JobID, item.Kind, item.URI, nanos(item.CapturedAt), lat, lng,
		)
		if isConstraint(err) {
			return errors.Wrapf(errors.ErrConflict, "evidence %s already exists", item.ID)
		}
		return errors.Wrapf(err, "insert evidence %s", item.ID)
	})
}

func (s *Store) CountEvidence(ctx context.Context, jobID types.JobID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM evidence WHERE job_id = ?`, jobID).Scan(&n)
	return n, errors.Wrapf(err, "count evidence for %s", jobID)
}

func (s *Store) ListEvidence(ctx context.Context, jobID types.JobID) ([]*types.EvidenceItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, kind, uri, captured_at, lat, lng FROM evidence WHERE job_id = ? ORDER BY rowid`, jobID)
	if err != nil {
		return nil, errors.Wrapf(err, "list evidence for %s", jobID)
	}
	defer rows.Close()

	out := []*types.EvidenceItem{}
	for rows.Next() {
		var (
			item     types.EvidenceItem
			captured int64
			lat, lng sql.NullFloat64
		)
		if err := rows.Scan(&item.ID, &item.JobID, &item.Kind, &item.URI, &captured, &lat, &lng); err != nil {
			return nil, errors.Wrap(err, "scan evidence")
		}
		item.CapturedAt = fromNanos(captured)
		if lat.Valid && lng.Valid {
			item.Location = &types.Coordinates{Lat: lat.Float64, Lng: lng.Float64}
		}
		out = append(out, &item)
	}
	return out, errors.Wrap(rows.Err(), "iterate evidence")
}
