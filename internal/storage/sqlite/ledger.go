package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/ChuLiYu/fieldops/internal/errors"
	"github.com/ChuLiYu/fieldops/pkg/types"
)

const earningColumns = `id, payee_id, amount, source_job_id, status, payout_id, created_at, updated_at`

func scanEarning(row scanner) (*types.PendingEarning, error) {
	var (
		e        types.PendingEarning
		payoutID sql.NullString
		created  int64
		updated  int64
	)
	if err := row.Scan(&e.ID, &e.PayeeID, &e.Amount, &e.SourceJobID, &e.Status, &payoutID, &created, &updated); err != nil {
		return nil, err
	}
	e.PayoutID = payoutID.String
	e.CreatedAt = fromNanos(created)
	e.UpdatedAt = fromNanos(updated)
	return &e, nil
}

func (s *Store) ListEarningsByStatus(ctx context.Context, status types.EarningStatus) ([]*types.PendingEarning, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+earningColumns+` FROM earnings WHERE status = ? ORDER BY created_at, id`, status)
	if err != nil {
		return nil, errors.Wrapf(err, "list %s earnings", status)
	}
	defer rows.Close()

	var out []*types.PendingEarning
	for rows.Next() {
		e, err := scanEarning(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan earning")
		}
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "iterate earnings")
}

func (s *Store) GetEarningByJob(ctx context.Context, jobID types.JobID) (*types.PendingEarning, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+earningColumns+` FROM earnings WHERE source_job_id = ?`, jobID)
	e, err := scanEarning(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("earning for job %s", jobID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get earning for job %s", jobID)
	}
	return e, nil
}

func (s *Store) ClaimEarnings(ctx context.Context, payout *types.Payout) error {
	ids, err := json.Marshal(payout.EarningIDs)
	if err != nil {
		return errors.Wrap(err, "encode earning ids")
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO payouts
			(id, payee_id, amount, earning_ids, status, description, reference, created_at, settled_at)
			VALUES (?,?,?,?,?,?,?,?,?)`,
			payout.ID, payout.PayeeID, int64(payout.Amount), string(ids), payout.Status,
			payout.Description, payout.Reference, nanos(payout.CreatedAt), nullNanos(payout.SettledAt),
		)
		if isConstraint(err) {
			return errors.Wrapf(errors.ErrConflict, "payout %s already exists", payout.ID)
		}
		if err != nil {
			return errors.Wrapf(err, "insert payout %s", payout.ID)
		}

		for _, id := range payout.EarningIDs {
			res, err := tx.ExecContext(ctx,
				`UPDATE earnings SET status = ?, payout_id = ?, updated_at = ? WHERE id = ? AND status = ?`,
				types.EarningProcessing, payout.ID, nanos(payout.CreatedAt), id, types.EarningPending,
			)
			if err != nil {
				return errors.Wrapf(err, "claim earning %s", id)
			}
			if n, _ := res.RowsAffected(); n == 1 {
				continue
			}

			var status types.EarningStatus
			err = tx.QueryRowContext(ctx, `SELECT status FROM earnings WHERE id = ?`, id).Scan(&status)
			if errors.Is(err, sql.ErrNoRows) {
				return errors.NewNotFoundError("earning %s", id)
			}
			if err != nil {
				return errors.Wrapf(err, "reread earning %s", id)
			}
			return errors.Wrapf(errors.ErrConflict, "earning %s is %s", id, status)
		}
		return nil
	})
}

// closePayoutTx moves a PROCESSING payout to status, or explains why it can't.
func closePayoutTx(ctx context.Context, tx *sql.Tx, payoutID string, status types.PayoutStatus, at time.Time) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE payouts SET status = ?, settled_at = ? WHERE id = ? AND status = ?`,
		status, nanos(at), payoutID, types.PayoutProcessing,
	)
	if err != nil {
		return errors.Wrapf(err, "close payout %s", payoutID)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var current types.PayoutStatus
	err = tx.QueryRowContext(ctx, `SELECT status FROM payouts WHERE id = ?`, payoutID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.NewNotFoundError("payout %s", payoutID)
	}
	if err != nil {
		return errors.Wrapf(err, "reread payout %s", payoutID)
	}
	return errors.Wrapf(errors.ErrConflict, "payout %s is %s", payoutID, current)
}

func (s *Store) ReleaseEarnings(ctx context.Context, payoutID string, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := closePayoutTx(ctx, tx, payoutID, types.PayoutFailed, at); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE earnings SET status = ?, payout_id = NULL, updated_at = ? WHERE payout_id = ? AND status = ?`,
			types.EarningPending, nanos(at), payoutID, types.EarningProcessing,
		)
		return errors.Wrapf(err, "release earnings of %s", payoutID)
	})
}

func (s *Store) SettlePayout(ctx context.Context, payoutID string, success bool, at time.Time) error {
	payoutStatus, earningStatus := types.PayoutCompleted, types.EarningCompleted
	if !success {
		payoutStatus, earningStatus = types.PayoutFailed, types.EarningFailed
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := closePayoutTx(ctx, tx, payoutID, payoutStatus, at); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE earnings SET status = ?, updated_at = ? WHERE payout_id = ? AND status = ?`,
			earningStatus, nanos(at), payoutID, types.EarningProcessing,
		)
		return errors.Wrapf(err, "settle earnings of %s", payoutID)
	})
}

func (s *Store) SetPayoutReference(ctx context.Context, payoutID, reference string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE payouts SET reference = ? WHERE id = ?`, reference, payoutID)
	if err != nil {
		return errors.Wrapf(err, "set reference on %s", payoutID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("payout %s", payoutID)
	}
	return nil
}

const payoutColumns = `id, payee_id, amount, earning_ids, status, description, reference, created_at, settled_at`

func scanPayout(row scanner) (*types.Payout, error) {
	var (
		p       types.Payout
		ids     string
		created int64
		settled sql.NullInt64
	)
	if err := row.Scan(&p.ID, &p.PayeeID, &p.Amount, &ids, &p.Status, &p.Description, &p.Reference, &created, &settled); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(ids), &p.EarningIDs); err != nil {
		return nil, errors.Wrapf(err, "decode earning ids of payout %s", p.ID)
	}
	p.CreatedAt = fromNanos(created)
	p.SettledAt = ptrFromNull(settled)
	return &p, nil
}

func (s *Store) GetPayout(ctx context.Context, id string) (*types.Payout, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id = ?`, id)
	p, err := scanPayout(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("payout %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get payout %s", id)
	}
	return p, nil
}

// ListPayouts returns payouts in the given status, or all when status is empty.
func (s *Store) ListPayouts(ctx context.Context, status types.PayoutStatus) ([]*types.Payout, error) {
	query := `SELECT ` + payoutColumns + ` FROM payouts`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list payouts")
	}
	defer rows.Close()

	var out []*types.Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan payout")
		}
		out = append(out, p)
	}
	return out, errors.Wrap(rows.Err(), "iterate payouts")
}
