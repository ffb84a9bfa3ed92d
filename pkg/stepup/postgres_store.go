package stepup

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresFactorStore keeps factors in the stepup_factors table.
type PostgresFactorStore struct {
	pool *pgxpool.Pool
}

func NewPostgresFactorStore(pool *pgxpool.Pool) *PostgresFactorStore {
	return &PostgresFactorStore{pool: pool}
}

func (s *PostgresFactorStore) GetFactor(ctx context.Context, actorID uuid.UUID) (Factor, error) {
	f := Factor{ActorID: actorID}
	err := s.pool.QueryRow(ctx, `
		SELECT totp_secret, backup_code_hashes, created_at, updated_at
		FROM stepup_factors WHERE actor_id = $1`, actorID).Scan(
		&f.TOTPSecret, &f.BackupCodeHashes, &f.CreatedAt, &f.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Factor{}, ErrFactorNotFound
	}
	if err != nil {
		return Factor{}, fmt.Errorf("failed to get factor: %w", err)
	}
	return f, nil
}

func (s *PostgresFactorStore) SaveFactor(ctx context.Context, f Factor) error {
	if f.BackupCodeHashes == nil {
		f.BackupCodeHashes = []string{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO stepup_factors (actor_id, totp_secret, backup_code_hashes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (actor_id) DO UPDATE
		SET totp_secret = EXCLUDED.totp_secret,
		    backup_code_hashes = EXCLUDED.backup_code_hashes,
		    updated_at = EXCLUDED.updated_at`,
		f.ActorID, f.TOTPSecret, f.BackupCodeHashes, f.CreatedAt, f.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save factor: %w", err)
	}
	return nil
}

// ConsumeBackupCode locks the actor's row for the duration of the compare
// and update.
func (s *PostgresFactorStore) ConsumeBackupCode(ctx context.Context, actorID uuid.UUID, code string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var hashes []string
	err = tx.QueryRow(ctx, `SELECT backup_code_hashes FROM stepup_factors WHERE actor_id = $1 FOR UPDATE`, actorID).Scan(&hashes)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrFactorNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to lock factor: %w", err)
	}

	i := matchBackupCode(hashes, code)
	if i < 0 {
		return false, nil
	}

	_, err = tx.Exec(ctx, `
		UPDATE stepup_factors SET backup_code_hashes = $2, updated_at = now()
		WHERE actor_id = $1`, actorID, removeAt(hashes, i))
	if err != nil {
		return false, fmt.Errorf("failed to remove backup code: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit: %w", err)
	}
	return true, nil
}
