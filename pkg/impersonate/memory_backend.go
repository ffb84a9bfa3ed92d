package impersonate

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/maps"

	"github.com/tendant/simple-delegate/pkg/errors"
)

// InMemoryBackend keeps sessions in process memory. The active index keyed
// by actor plays the role of the unique index in Postgres.
type InMemoryBackend struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]Session
	active   map[uuid.UUID]uuid.UUID
}

func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{
		sessions: make(map[uuid.UUID]Session),
		active:   make(map[uuid.UUID]uuid.UUID),
	}
}

func (b *InMemoryBackend) StartSession(ctx context.Context, s Session) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if id, ok := b.active[s.ActorID]; ok {
		current := b.sessions[id]
		if !current.ExpiresAt.Before(s.StartedAt) {
			return errAlreadyActive(s.ActorID)
		}
		current.Status = StatusExpired
		b.sessions[id] = current
		delete(b.active, s.ActorID)
	}
	if _, exists := b.sessions[s.ID]; exists {
		return errors.Newf(errors.ErrCodeInternal, "duplicate session id %s", s.ID)
	}

	b.sessions[s.ID] = copySession(s)
	b.active[s.ActorID] = s.ID
	return nil
}

// transition applies fn to an active, unexpired session.
func (b *InMemoryBackend) transition(id uuid.UUID, at time.Time, fn func(*Session)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.sessions[id]
	if !ok {
		return errors.SessionNotFound(id.String())
	}
	if s.Status != StatusActive || s.ExpiresAt.Before(at) {
		return errTransitionRejected
	}
	fn(&s)
	if s.Status != StatusActive {
		delete(b.active, s.ActorID)
	}
	b.sessions[id] = s
	return nil
}

func (b *InMemoryBackend) EndSession(ctx context.Context, id uuid.UUID, at time.Time) error {
	return b.transition(id, at, func(s *Session) {
		s.Status = StatusEnded
		s.EndedAt = &at
	})
}

func (b *InMemoryBackend) ExtendSession(ctx context.Context, id uuid.UUID, expiresAt, at time.Time) error {
	return b.transition(id, at, func(s *Session) {
		s.ExpiresAt = expiresAt
	})
}

func (b *InMemoryBackend) RevokeSession(ctx context.Context, id uuid.UUID, by uuid.UUID, reason string, at time.Time) error {
	return b.transition(id, at, func(s *Session) {
		s.Status = StatusRevoked
		s.EndedAt = &at
		s.RevokedBy = &by
		s.RevokeReason = reason
	})
}

func (b *InMemoryBackend) GetActiveSession(ctx context.Context, actorID uuid.UUID) (*Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.active[actorID]
	if !ok {
		return nil, nil
	}
	s := copySession(b.sessions[id])
	return &s, nil
}

func (b *InMemoryBackend) GetSession(ctx context.Context, id uuid.UUID) (Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[id]
	if !ok {
		return Session{}, errors.SessionNotFound(id.String())
	}
	return copySession(s), nil
}

func (b *InMemoryBackend) ListSessions(ctx context.Context, actorID uuid.UUID, limit int) ([]Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Session
	for _, s := range b.sessions {
		if s.ActorID == actorID {
			out = append(out, copySession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID.String() > out[j].ID.String()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func copySession(s Session) Session {
	if s.SetupState != nil {
		s.SetupState = maps.Clone(s.SetupState)
	}
	if s.Metadata != nil {
		s.Metadata = maps.Clone(s.Metadata)
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		s.EndedAt = &t
	}
	return s
}
