package stepup

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryFactorStore keeps factors in process memory.
type MemoryFactorStore struct {
	mu      sync.Mutex
	factors map[uuid.UUID]Factor
}

func NewMemoryFactorStore() *MemoryFactorStore {
	return &MemoryFactorStore{factors: make(map[uuid.UUID]Factor)}
}

func (s *MemoryFactorStore) GetFactor(ctx context.Context, actorID uuid.UUID) (Factor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.factors[actorID]
	if !ok {
		return Factor{}, ErrFactorNotFound
	}
	return copyFactor(f), nil
}

func (s *MemoryFactorStore) SaveFactor(ctx context.Context, f Factor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.factors[f.ActorID] = copyFactor(f)
	return nil
}

func (s *MemoryFactorStore) ConsumeBackupCode(ctx context.Context, actorID uuid.UUID, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.factors[actorID]
	if !ok {
		return false, ErrFactorNotFound
	}
	i := matchBackupCode(f.BackupCodeHashes, code)
	if i < 0 {
		return false, nil
	}
	f.BackupCodeHashes = removeAt(f.BackupCodeHashes, i)
	s.factors[actorID] = f
	return true, nil
}

func copyFactor(f Factor) Factor {
	f.BackupCodeHashes = append([]string(nil), f.BackupCodeHashes...)
	return f
}
