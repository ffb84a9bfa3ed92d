package impersonate

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tendant/simple-delegate/pkg/errors"
)

const (
	pgUniqueViolation = "23505"

	sessionColumns = `
		id, actor_id, target_user_id, target_tenant_id, target_user_name, target_tenant_name,
		mode, justification, justification_type, started_at, expires_at, ended_at, status,
		is_pre_tenant, setup_state, metadata, ip_address, user_agent, revoked_by, revoke_reason`
)

// PostgresBackend stores sessions in impersonation_sessions. The partial
// unique index on (actor_id) WHERE status = 'active' enforces one active
// session per actor across all server instances.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

func NewPostgresBackend(pool *pgxpool.Pool) *PostgresBackend {
	return &PostgresBackend{pool: pool}
}

func (b *PostgresBackend) StartSession(ctx context.Context, s Session) error {
	setupState, err := marshalBag(s.SetupState)
	if err != nil {
		return errors.InvalidInput("setup_state", err.Error())
	}
	metadata, err := marshalBag(s.Metadata)
	if err != nil {
		return errors.InvalidInput("metadata", err.Error())
	}

	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	// Lazily expired rows still hold the unique slot until flipped here.
	_, err = tx.Exec(ctx, `
		UPDATE impersonation_sessions SET status = 'expired'
		WHERE actor_id = $1 AND status = 'active' AND expires_at < $2`,
		s.ActorID, s.StartedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to expire stale sessions")
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO impersonation_sessions (
			id, actor_id, target_user_id, target_tenant_id, target_user_name, target_tenant_name,
			mode, justification, justification_type, started_at, expires_at, status,
			is_pre_tenant, setup_state, metadata, ip_address, user_agent
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 'active', $12, $13, $14, $15, $16)`,
		s.ID, s.ActorID, s.TargetUserID, s.TargetTenantID, s.TargetUserName, s.TargetTenantName,
		string(s.Mode), s.Justification, string(s.JustificationType), s.StartedAt, s.ExpiresAt,
		s.IsPreTenant, setupState, metadata, s.IPAddress, s.UserAgent,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if stderrors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return errAlreadyActive(s.ActorID)
		}
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create session")
	}

	if err := tx.Commit(ctx); err != nil {
		var pgErr *pgconn.PgError
		if stderrors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return errAlreadyActive(s.ActorID)
		}
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to commit session")
	}
	return nil
}

// transition runs a single conditional UPDATE; zero affected rows means the
// session is missing or no longer live.
func (b *PostgresBackend) transition(ctx context.Context, id uuid.UUID, query string, args ...any) error {
	tag, err := b.pool.Exec(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update session")
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := b.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM impersonation_sessions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to check session")
	}
	if !exists {
		return errors.SessionNotFound(id.String())
	}
	return errTransitionRejected
}

func (b *PostgresBackend) EndSession(ctx context.Context, id uuid.UUID, at time.Time) error {
	return b.transition(ctx, id, `
		UPDATE impersonation_sessions SET status = 'ended', ended_at = $2
		WHERE id = $1 AND status = 'active' AND expires_at >= $2`, at)
}

func (b *PostgresBackend) ExtendSession(ctx context.Context, id uuid.UUID, expiresAt, at time.Time) error {
	return b.transition(ctx, id, `
		UPDATE impersonation_sessions SET expires_at = $2
		WHERE id = $1 AND status = 'active' AND expires_at >= $3`, expiresAt, at)
}

func (b *PostgresBackend) RevokeSession(ctx context.Context, id uuid.UUID, by uuid.UUID, reason string, at time.Time) error {
	return b.transition(ctx, id, `
		UPDATE impersonation_sessions
		SET status = 'revoked', ended_at = $2, revoked_by = $3, revoke_reason = $4
		WHERE id = $1 AND status = 'active' AND expires_at >= $2`, at, by, reason)
}

func (b *PostgresBackend) GetActiveSession(ctx context.Context, actorID uuid.UUID) (*Session, error) {
	row := b.pool.QueryRow(ctx, `SELECT `+sessionColumns+`
		FROM impersonation_sessions WHERE actor_id = $1 AND status = 'active'`, actorID)
	s, err := scanSession(row)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get active session")
	}
	return &s, nil
}

func (b *PostgresBackend) GetSession(ctx context.Context, id uuid.UUID) (Session, error) {
	row := b.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM impersonation_sessions WHERE id = $1`, id)
	s, err := scanSession(row)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return Session{}, errors.SessionNotFound(id.String())
	}
	if err != nil {
		return Session{}, errors.Wrap(err, errors.ErrCodeInternal, "failed to get session")
	}
	return s, nil
}

func (b *PostgresBackend) ListSessions(ctx context.Context, actorID uuid.UUID, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := b.pool.Query(ctx, `SELECT `+sessionColumns+`
		FROM impersonation_sessions WHERE actor_id = $1
		ORDER BY started_at DESC, id DESC LIMIT $2`, actorID, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list sessions")
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan session")
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list sessions")
	}
	return out, nil
}

func scanSession(row pgx.Row) (Session, error) {
	var s Session
	var mode, justificationType, status string
	var endedAt sql.NullTime
	var setupState, metadata []byte

	err := row.Scan(
		&s.ID, &s.ActorID, &s.TargetUserID, &s.TargetTenantID, &s.TargetUserName, &s.TargetTenantName,
		&mode, &s.Justification, &justificationType, &s.StartedAt, &s.ExpiresAt, &endedAt, &status,
		&s.IsPreTenant, &setupState, &metadata, &s.IPAddress, &s.UserAgent, &s.RevokedBy, &s.RevokeReason,
	)
	if err != nil {
		return Session{}, err
	}

	s.Mode = Mode(mode)
	s.JustificationType = JustificationType(justificationType)
	s.Status = Status(status)
	s.StartedAt = s.StartedAt.UTC()
	s.ExpiresAt = s.ExpiresAt.UTC()
	if endedAt.Valid {
		t := endedAt.Time.UTC()
		s.EndedAt = &t
	}
	if s.SetupState, err = unmarshalBag(setupState); err != nil {
		return Session{}, fmt.Errorf("setup_state: %w", err)
	}
	if s.Metadata, err = unmarshalBag(metadata); err != nil {
		return Session{}, fmt.Errorf("metadata: %w", err)
	}
	return s, nil
}

func marshalBag(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func unmarshalBag(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
