package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// PostgresStore uses database/sql; open the pool with the pgx stdlib driver.
// Snapshots and the diff are stored as bytea so they come back byte for byte;
// jsonb would reorder object keys and break the hash chain.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const (
	lockSessionChain = `SELECT pg_advisory_xact_lock(hashtext($1))`

	selectLastHash = `SELECT hash FROM impersonation_audit_log
WHERE session_id = $1 ORDER BY seq DESC LIMIT 1`

	insertEntry = `INSERT INTO impersonation_audit_log (
  id, session_id, actor_id, performed_by_superadmin_id, action, resource_type, resource_id,
  old_values, new_values, diff, endpoint, method, risk_level, created_at, prev_hash, hash
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	selectBySession = `SELECT id, session_id, actor_id, performed_by_superadmin_id, action, resource_type,
  resource_id, old_values, new_values, diff, endpoint, method, risk_level, created_at, prev_hash, hash
FROM impersonation_audit_log
WHERE session_id = $1
ORDER BY seq ASC`
)

func (s *PostgresStore) Append(ctx context.Context, e Entry) (Entry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	// Serializes writers of one session's chain across processes.
	if _, err := tx.ExecContext(ctx, lockSessionChain, e.SessionID.String()); err != nil {
		return Entry{}, fmt.Errorf("lock chain: %w", err)
	}

	var prev string
	err = tx.QueryRowContext(ctx, selectLastHash, e.SessionID).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("read chain head: %w", err)
	}

	if err := Seal(&e, prev); err != nil {
		return Entry{}, err
	}

	diff, err := json.Marshal(e.Diff)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal diff: %w", err)
	}

	_, err = tx.ExecContext(ctx, insertEntry,
		e.ID, e.SessionID, e.ActorID, e.PerformedBySuperadminID, e.Action, e.ResourceType, e.ResourceID,
		[]byte(e.OldValues), []byte(e.NewValues), diff, e.Endpoint, e.Method, string(e.RiskLevel),
		e.CreatedAt, e.PrevHash, e.Hash,
	)
	if err != nil {
		return Entry{}, fmt.Errorf("insert entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Entry{}, fmt.Errorf("commit: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, selectBySession, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e          Entry
			resourceID sql.NullString
			oldValues  []byte
			newValues  []byte
			diff       []byte
			risk       string
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.ActorID, &e.PerformedBySuperadminID, &e.Action,
			&e.ResourceType, &resourceID, &oldValues, &newValues, &diff, &e.Endpoint, &e.Method,
			&risk, &e.CreatedAt, &e.PrevHash, &e.Hash); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		if resourceID.Valid {
			e.ResourceID = &resourceID.String
		}
		if len(oldValues) > 0 {
			e.OldValues = oldValues
		}
		if len(newValues) > 0 {
			e.NewValues = newValues
		}
		if len(diff) > 0 && string(diff) != "null" {
			if err := json.Unmarshal(diff, &e.Diff); err != nil {
				return nil, fmt.Errorf("decode diff: %w", err)
			}
		}
		e.RiskLevel = RiskLevel(risk)
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
