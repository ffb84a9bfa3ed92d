package stepup

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

// FactorStoreConfig carries what each factor store type needs.
type FactorStoreConfig struct {
	// FilePath is required for file stores
	FilePath string
	// Pool is required for postgres stores
	Pool *pgxpool.Pool
}

// NewFactorStore creates a factor store based on the persistence type.
func NewFactorStore(persistenceType string, cfg FactorStoreConfig) (FactorStore, error) {
	switch persistenceType {
	case "memory":
		return NewMemoryFactorStore(), nil
	case "file":
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("file path required for file factor store")
		}
		return NewFileFactorStore(cfg.FilePath)
	case "postgres", "postgresql":
		if cfg.Pool == nil {
			return nil, fmt.Errorf("pool required for postgres factor store")
		}
		return NewPostgresFactorStore(cfg.Pool), nil
	default:
		return nil, fmt.Errorf("unsupported persistence type: %s (supported: memory, file, postgres)", persistenceType)
	}
}

// NewGrantStore returns a Redis-backed store when client is non-nil and an
// in-process one otherwise.
func NewGrantStore(client redis.UniversalClient, clock clockwork.Clock) GrantStore {
	if client != nil {
		return NewRedisGrantStore(client, "stepup:grant:")
	}
	return NewMemoryGrantStore(clock)
}
