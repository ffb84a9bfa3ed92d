package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// fileRecord keeps the value snapshots as raw bytes (base64 in the file) so
// they read back bit-identical; json.RawMessage would be re-compacted.
type fileRecord struct {
	Entry
	OldValues []byte `json:"old_values_raw,omitempty"`
	NewValues []byte `json:"new_values_raw,omitempty"`
}

// FileStore appends one JSON line per entry and never rewrites the file.
type FileStore struct {
	path     string
	mutex    sync.Mutex
	lastHash map[uuid.UUID]string
}

func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	s := &FileStore{path: path, lastHash: make(map[uuid.UUID]string)}

	records, err := s.readAll()
	if err != nil {
		return nil, fmt.Errorf("failed to load audit log: %w", err)
	}
	for _, rec := range records {
		s.lastHash[rec.SessionID] = rec.Hash
	}
	return s, nil
}

func (s *FileStore) Append(ctx context.Context, e Entry) (Entry, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := Seal(&e, s.lastHash[e.SessionID]); err != nil {
		return Entry{}, err
	}

	rec := fileRecord{Entry: e, OldValues: e.OldValues, NewValues: e.NewValues}
	rec.Entry.OldValues = nil
	rec.Entry.NewValues = nil
	line, err := json.Marshal(rec)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to marshal entry: %w", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return Entry{}, fmt.Errorf("failed to append entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		return Entry{}, fmt.Errorf("failed to sync audit log: %w", err)
	}

	s.lastHash[e.SessionID] = e.Hash
	return e, nil
}

func (s *FileStore) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]Entry, error) {
	s.mutex.Lock()
	records, err := s.readAll()
	s.mutex.Unlock()
	if err != nil {
		return nil, err
	}

	var out []Entry
	for _, rec := range records {
		if rec.SessionID == sessionID {
			e := rec.Entry
			e.OldValues = rec.OldValues
			e.NewValues = rec.NewValues
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *FileStore) readAll() ([]fileRecord, error) {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	var records []fileRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for line := 1; scanner.Scan(); line++ {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec fileRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		records = append(records, rec)
	}
	return records, scanner.Err()
}
