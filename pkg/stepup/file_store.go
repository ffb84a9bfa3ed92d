package stepup

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// FileFactorStore keeps all factors in one JSON file, rewritten atomically
// on every change.
type FileFactorStore struct {
	path    string
	mu      sync.Mutex
	factors map[uuid.UUID]Factor
}

func NewFileFactorStore(path string) (*FileFactorStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	s := &FileFactorStore{path: path, factors: make(map[uuid.UUID]Factor)}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("failed to load factors: %w", err)
	}
	return s, nil
}

func (s *FileFactorStore) GetFactor(ctx context.Context, actorID uuid.UUID) (Factor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.factors[actorID]
	if !ok {
		return Factor{}, ErrFactorNotFound
	}
	return copyFactor(f), nil
}

func (s *FileFactorStore) SaveFactor(ctx context.Context, f Factor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, existed := s.factors[f.ActorID]
	s.factors[f.ActorID] = copyFactor(f)
	if err := s.save(); err != nil {
		if existed {
			s.factors[f.ActorID] = prev
		} else {
			delete(s.factors, f.ActorID)
		}
		return err
	}
	return nil
}

func (s *FileFactorStore) ConsumeBackupCode(ctx context.Context, actorID uuid.UUID, code string) (bool, error) {
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
	updated := f
	updated.BackupCodeHashes = removeAt(f.BackupCodeHashes, i)
	s.factors[actorID] = updated
	// The code only counts as used once the removal is durable.
	if err := s.save(); err != nil {
		s.factors[actorID] = f
		return false, err
	}
	return true, nil
}

func (s *FileFactorStore) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	var factors []Factor
	if err := json.Unmarshal(data, &factors); err != nil {
		return fmt.Errorf("failed to unmarshal data: %w", err)
	}
	for _, f := range factors {
		s.factors[f.ActorID] = f
	}
	return nil
}

func (s *FileFactorStore) save() error {
	factors := make([]Factor, 0, len(s.factors))
	for _, f := range s.factors {
		factors = append(factors, f)
	}
	sort.Slice(factors, func(i, j int) bool {
		return factors[i].ActorID.String() < factors[j].ActorID.String()
	})

	data, err := json.MarshalIndent(factors, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}
