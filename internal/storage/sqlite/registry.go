package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/ChuLiYu/fieldops/internal/errors"
	"github.com/ChuLiYu/fieldops/pkg/types"
)

func (s *Store) GetProperty(ctx context.Context, id types.PropertyID) (*types.Property, error) {
	var p types.Property
	err := s.db.QueryRowContext(ctx,
		`SELECT id, lat, lng, address_line1, city, state, zip_code FROM properties WHERE id = ?`, id,
	).Scan(&p.ID, &p.Location.Lat, &p.Location.Lng, &p.AddressLine1, &p.City, &p.State, &p.ZipCode)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("property %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get property %s", id)
	}
	return &p, nil
}

func (s *Store) UpsertProperty(ctx context.Context, p *types.Property) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO properties (id, lat, lng, address_line1, city, state, zip_code)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET lat = excluded.lat, lng = excluded.lng,
			address_line1 = excluded.address_line1, city = excluded.city,
			state = excluded.state, zip_code = excluded.zip_code`,
		p.ID, p.Location.Lat, p.Location.Lng, p.AddressLine1, p.City, p.State, p.ZipCode,
	)
	return errors.Wrapf(err, "upsert property %s", p.ID)
}

const agentColumns = `id, name, email, home_lat, home_lng, coverage_radius_miles, qualifications, active`

func scanAgent(row scanner) (*types.Agent, error) {
	var (
		a     types.Agent
		quals string
	)
	if err := row.Scan(&a.ID, &a.Name, &a.Email, &a.HomeBase.Lat, &a.HomeBase.Lng,
		&a.CoverageRadiusMiles, &quals, &a.Active); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(quals), &a.Qualifications); err != nil {
		return nil, errors.Wrapf(err, "decode qualifications of agent %s", a.ID)
	}
	if len(a.Qualifications) == 0 {
		a.Qualifications = nil
	}
	return &a, nil
}

func (s *Store) GetAgent(ctx context.Context, id types.AgentID) (*types.Agent, error) {
	a, err := scanAgent(s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("agent %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get agent %s", id)
	}
	return a, nil
}

func (s *Store) ListActiveAgents(ctx context.Context) ([]*types.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "list agents")
	}
	defer rows.Close()

	var out []*types.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan agent")
		}
		out = append(out, a)
	}
	return out, errors.Wrap(rows.Err(), "iterate agents")
}

func (s *Store) UpsertAgent(ctx context.Context, a *types.Agent) error {
	quals := a.Qualifications
	if quals == nil {
		quals = []types.JobType{}
	}
	encoded, err := json.Marshal(quals)
	if err != nil {
		return errors.Wrap(err, "encode qualifications")
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO agents (`+agentColumns+`)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, email = excluded.email,
			home_lat = excluded.home_lat, home_lng = excluded.home_lng,
			coverage_radius_miles = excluded.coverage_radius_miles,
			qualifications = excluded.qualifications, active = excluded.active`,
		a.ID, a.Name, a.Email, a.HomeBase.Lat, a.HomeBase.Lng, a.CoverageRadiusMiles, string(encoded), a.Active,
	)
	return errors.Wrapf(err, "upsert agent %s", a.ID)
}
