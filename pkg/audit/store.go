package audit

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// Store persists entries. There is deliberately no update or delete.
type Store interface {
	// Append links e to the latest entry of its session, seals it and
	// persists it atomically. The sealed entry is returned.
	Append(ctx context.Context, e Entry) (Entry, error)
	// ListBySession returns entries oldest first.
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]Entry, error)
}

type StoreConfig struct {
	FilePath string
	DB       *sql.DB
}

// NewStore creates a store by persistence type: memory, file or postgres.
func NewStore(persistenceType string, cfg StoreConfig) (Store, error) {
	switch persistenceType {
	case "", "memory":
		return NewMemoryStore(), nil
	case "file":
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("audit file path is required")
		}
		return NewFileStore(cfg.FilePath)
	case "postgres":
		if cfg.DB == nil {
			return nil, fmt.Errorf("database is required for postgres audit store")
		}
		return NewPostgresStore(cfg.DB), nil
	default:
		return nil, fmt.Errorf("unsupported audit store: %s", persistenceType)
	}
}
