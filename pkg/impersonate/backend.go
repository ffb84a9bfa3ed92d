package impersonate

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/simple-delegate/pkg/errors"
)

// errTransitionRejected is returned by a Backend when a conditional
// transition matched no active, unexpired row. The service re-reads the
// session to report the precise reason.
var errTransitionRejected = errors.New(errors.ErrCodeAlreadyTerminal, "session is no longer active")

// Backend is the backing store of sessions and the single source of truth
// for their state. Implementations enforce at most one active session per
// actor and apply every transition atomically, conditional on the session
// still being active and unexpired at the given time.
type Backend interface {
	// StartSession stores s. Any of the actor's active sessions that expired
	// before s.StartedAt are marked expired first. Returns
	// SESSION_ALREADY_ACTIVE if a live session remains.
	StartSession(ctx context.Context, s Session) error
	EndSession(ctx context.Context, id uuid.UUID, at time.Time) error
	ExtendSession(ctx context.Context, id uuid.UUID, expiresAt, at time.Time) error
	RevokeSession(ctx context.Context, id uuid.UUID, by uuid.UUID, reason string, at time.Time) error
	// GetActiveSession returns the actor's session whose stored status is
	// active, or nil. The caller derives expiry.
	GetActiveSession(ctx context.Context, actorID uuid.UUID) (*Session, error)
	// GetSession returns SESSION_NOT_FOUND for unknown ids.
	GetSession(ctx context.Context, id uuid.UUID) (Session, error)
	// ListSessions returns the actor's sessions, newest first.
	ListSessions(ctx context.Context, actorID uuid.UUID, limit int) ([]Session, error)
}

func errAlreadyActive(actorID uuid.UUID) error {
	return errors.New(errors.ErrCodeSessionAlreadyActive, "actor already has an active session").
		WithDetail("actor_id", actorID.String())
}
