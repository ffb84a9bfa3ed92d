package stepup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

// Grant records a successful step-up verification. It stays valid until
// ExpiresAt or until consumed.
type Grant struct {
	ActorID   uuid.UUID `json:"actor_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

var errNonPositiveTTL = errors.New("grant ttl must be positive")

type GrantStore interface {
	// Put stores g for ttl. The caller derives ttl from the same clock that
	// set ExpiresAt.
	Put(ctx context.Context, g Grant, ttl time.Duration) error
	Has(ctx context.Context, actorID uuid.UUID) (bool, error)
	// Consume removes the actor's grant and reports whether a live one
	// existed.
	Consume(ctx context.Context, actorID uuid.UUID) (bool, error)
}

type MemoryGrantStore struct {
	mu     sync.Mutex
	clock  clockwork.Clock
	grants map[uuid.UUID]time.Time
}

func NewMemoryGrantStore(clock clockwork.Clock) *MemoryGrantStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryGrantStore{clock: clock, grants: make(map[uuid.UUID]time.Time)}
}

func (s *MemoryGrantStore) Put(ctx context.Context, g Grant, ttl time.Duration) error {
	if ttl <= 0 {
		return errNonPositiveTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[g.ActorID] = g.ExpiresAt
	return nil
}

func (s *MemoryGrantStore) Has(ctx context.Context, actorID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveLocked(actorID), nil
}

func (s *MemoryGrantStore) Consume(ctx context.Context, actorID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	live := s.liveLocked(actorID)
	delete(s.grants, actorID)
	return live, nil
}

func (s *MemoryGrantStore) liveLocked(actorID uuid.UUID) bool {
	exp, ok := s.grants[actorID]
	if !ok {
		return false
	}
	if !s.clock.Now().Before(exp) {
		delete(s.grants, actorID)
		return false
	}
	return true
}

// RedisGrantStore keeps grants as keys with a TTL so every server instance
// sees the same grant.
type RedisGrantStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisGrantStore(client redis.UniversalClient, prefix string) *RedisGrantStore {
	return &RedisGrantStore{client: client, prefix: prefix}
}

func (s *RedisGrantStore) key(actorID uuid.UUID) string {
	return s.prefix + actorID.String()
}

func (s *RedisGrantStore) Put(ctx context.Context, g Grant, ttl time.Duration) error {
	if ttl <= 0 {
		return errNonPositiveTTL
	}
	if err := s.client.Set(ctx, s.key(g.ActorID), g.ExpiresAt.UTC().Format(time.RFC3339Nano), ttl).Err(); err != nil {
		return fmt.Errorf("failed to store grant: %w", err)
	}
	return nil
}

func (s *RedisGrantStore) Has(ctx context.Context, actorID uuid.UUID) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(actorID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check grant: %w", err)
	}
	return n > 0, nil
}

func (s *RedisGrantStore) Consume(ctx context.Context, actorID uuid.UUID) (bool, error) {
	_, err := s.client.GetDel(ctx, s.key(actorID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to consume grant: %w", err)
	}
	return true, nil
}
