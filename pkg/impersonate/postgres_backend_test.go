package impersonate

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/tendant/simple-delegate/pkg/errors"
)

func setupTestDatabase(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithInitScripts(filepath.Join("../../migrations", "delegate_db.sql")),
		postgres.WithDatabase("delegate_db"),
		postgres.WithUsername("delegate"),
		postgres.WithPassword("pwd"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)

	connString, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	pool, err := pgxpool.New(ctx, connString)
	require.NoError(t, err)

	t.Cleanup(func() {
		pool.Close()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})
	return pool
}

func TestPostgresBackend(t *testing.T) {
	pool := setupTestDatabase(t)
	ctx := context.Background()

	f := newFixture(t)
	backend := NewPostgresBackend(pool)
	f.service = NewService(backend, WithClock(f.clock), WithPublisher(f.events))

	t.Run("lifecycle", func(t *testing.T) {
		req := viewOnly(30)
		req.Metadata = map[string]any{"ticket": "TICKET-4411"}
		res := f.start(t, req)

		_, err := f.service.Start(ctx, f.caller, viewOnly(30))
		assert.True(t, errors.IsCode(err, errors.ErrCodeSessionAlreadyActive), "got %v", err)

		sess, err := backend.GetSession(ctx, res.SessionID)
		require.NoError(t, err)
		assert.Equal(t, t0, sess.StartedAt)
		assert.Equal(t, t0.Add(30*time.Minute), sess.ExpiresAt)
		assert.Equal(t, "TICKET-4411", sess.Metadata["ticket"])
		assert.Nil(t, sess.EndedAt)

		ext, err := f.service.Extend(ctx, f.caller, res.SessionID, 15)
		require.NoError(t, err)
		assert.Equal(t, t0.Add(45*time.Minute), ext.ExpiresAt)

		f.clock.Advance(46 * time.Minute)
		_, err = f.service.Extend(ctx, f.caller, res.SessionID, 15)
		assert.True(t, errors.IsCode(err, errors.ErrCodeSessionExpired), "got %v", err)

		// The lapsed row still holds the unique slot until a new start flips it.
		next := f.start(t, viewOnly(30))
		_, err = f.service.End(ctx, f.caller, next.SessionID)
		require.NoError(t, err)

		history, err := f.service.ListHistory(ctx, f.caller, f.caller.ActorID, 0)
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, StatusEnded, history[0].Status)
		require.NotNil(t, history[0].EndedAt)
		assert.Equal(t, StatusExpired, history[1].Status)
	})

	t.Run("transition on stale row", func(t *testing.T) {
		c := superadmin()
		res, err := f.service.Start(ctx, c, viewOnly(5))
		require.NoError(t, err)

		err = backend.EndSession(ctx, res.SessionID, f.clock.Now().Add(10*time.Minute))
		assert.ErrorIs(t, err, errTransitionRejected)

		err = backend.EndSession(ctx, uuid.New(), f.clock.Now())
		assert.True(t, errors.IsCode(err, errors.ErrCodeSessionNotFound), "got %v", err)
	})

	t.Run("revoke", func(t *testing.T) {
		c := superadmin()
		res, err := f.service.Start(ctx, c, viewOnly(30))
		require.NoError(t, err)

		require.NoError(t, f.service.Revoke(ctx, f.caller, res.SessionID, "INC-77"))
		sess, err := backend.GetSession(ctx, res.SessionID)
		require.NoError(t, err)
		assert.Equal(t, StatusRevoked, sess.Status)
		assert.Equal(t, &f.caller.ActorID, sess.RevokedBy)
		assert.Equal(t, "INC-77", sess.RevokeReason)
	})

	t.Run("concurrent starts", func(t *testing.T) {
		c := superadmin()
		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := f.service.Start(ctx, c, viewOnly(30)); err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})
}
