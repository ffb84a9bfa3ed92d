package audit

import (
	"bytes"
	"context"
	"sync"

	"github.com/google/uuid"
)

type MemoryStore struct {
	mu        sync.RWMutex
	bySession map[uuid.UUID][]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bySession: make(map[uuid.UUID][]Entry)}
}

func (s *MemoryStore) Append(ctx context.Context, e Entry) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := ""
	if list := s.bySession[e.SessionID]; len(list) > 0 {
		prev = list[len(list)-1].Hash
	}
	if err := Seal(&e, prev); err != nil {
		return Entry{}, err
	}
	s.bySession[e.SessionID] = append(s.bySession[e.SessionID], cloneEntry(e))
	return e, nil
}

func (s *MemoryStore) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.bySession[sessionID]
	out := make([]Entry, len(list))
	for i, e := range list {
		out[i] = cloneEntry(e)
	}
	return out, nil
}

// cloneEntry copies the byte slices so callers cannot alter stored entries.
func cloneEntry(e Entry) Entry {
	e.OldValues = bytes.Clone(e.OldValues)
	e.NewValues = bytes.Clone(e.NewValues)
	if e.Diff != nil {
		diff := make([]Change, len(e.Diff))
		for i, c := range e.Diff {
			c.Old = bytes.Clone(c.Old)
			c.New = bytes.Clone(c.New)
			diff[i] = c
		}
		e.Diff = diff
	}
	if e.ResourceID != nil {
		id := *e.ResourceID
		e.ResourceID = &id
	}
	return e
}
