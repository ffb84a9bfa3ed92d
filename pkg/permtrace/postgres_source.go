package permtrace

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tendant/simple-delegate/pkg/settings"
)

// PostgresSource reads trace data from the tables in migrations/. The data
// version is maintained by triggers on those tables.
type PostgresSource struct {
	pool *pgxpool.Pool
}

func NewPostgresSource(pool *pgxpool.Pool) *PostgresSource {
	return &PostgresSource{pool: pool}
}

func (s *PostgresSource) DataVersion(ctx context.Context) (int64, error) {
	var v int64
	if err := s.pool.QueryRow(ctx, `SELECT version FROM trace_data_version`).Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read data version: %w", err)
	}
	return v, nil
}

func (s *PostgresSource) Tenant(ctx context.Context, tenantID uuid.UUID) (Tenant, error) {
	t := Tenant{ID: tenantID}
	err := s.pool.QueryRow(ctx, `
		SELECT name, country, timezone, holiday_region, language, currency
		FROM tenants WHERE id = $1`, tenantID).Scan(
		&t.Name, &t.Location.Country, &t.Location.Timezone, &t.Location.HolidayRegion,
		&t.Location.Language, &t.Location.Currency,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Tenant{}, ErrTenantNotFound
	}
	if err != nil {
		return Tenant{}, fmt.Errorf("failed to get tenant: %w", err)
	}
	return t, nil
}

func (s *PostgresSource) RoleAssignments(ctx context.Context, userID, tenantID uuid.UUID) ([]RoleAssignment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT role, company_id, assigned_at
		FROM role_assignments
		WHERE user_id = $1 AND tenant_id = $2
		ORDER BY role`, userID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query role assignments: %w", err)
	}
	defer rows.Close()

	var out []RoleAssignment
	for rows.Next() {
		var a RoleAssignment
		var role string
		if err := rows.Scan(&role, &a.CompanyID, &a.AssignedAt); err != nil {
			return nil, fmt.Errorf("failed to scan role assignment: %w", err)
		}
		a.Role = settings.Role(role)
		a.AssignedAt = a.AssignedAt.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresSource) TenantDefaultRoles(ctx context.Context, tenantID uuid.UUID) ([]settings.Role, error) {
	rows, err := s.pool.Query(ctx, `SELECT role FROM tenant_default_roles WHERE tenant_id = $1 ORDER BY role`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query default roles: %w", err)
	}
	roles, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (settings.Role, error) {
		var r string
		err := row.Scan(&r)
		return settings.Role(r), err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan default roles: %w", err)
	}
	return roles, nil
}

func (s *PostgresSource) DefaultFlags(ctx context.Context) ([]FlagValue, error) {
	rows, err := s.pool.Query(ctx, `SELECT name, description, enabled FROM feature_flag_defaults ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query default flags: %w", err)
	}
	return collectFlags(rows)
}

func (s *PostgresSource) TenantFlags(ctx context.Context, tenantID uuid.UUID) ([]FlagValue, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, description, enabled FROM tenant_feature_flags
		WHERE tenant_id = $1 ORDER BY name`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tenant flags: %w", err)
	}
	return collectFlags(rows)
}

func collectFlags(rows pgx.Rows) ([]FlagValue, error) {
	flags, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (FlagValue, error) {
		var f FlagValue
		err := row.Scan(&f.Name, &f.Description, &f.Enabled)
		return f, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan flags: %w", err)
	}
	return flags, nil
}

func (s *PostgresSource) Profile(ctx context.Context, userID, tenantID uuid.UUID) (*ProfileOverlay, error) {
	var p ProfileOverlay
	err := s.pool.QueryRow(ctx, `
		SELECT name, email, avatar_url, department, position, location
		FROM user_profiles WHERE user_id = $1 AND tenant_id = $2`, userID, tenantID).Scan(
		&p.Name, &p.Email, &p.AvatarURL, &p.Department, &p.Position, &p.Location,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return &p, nil
}
