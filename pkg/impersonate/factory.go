package impersonate

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/jackc/pgx/v5/pgxpool"
)

// BackendConfig carries what each backend type needs.
type BackendConfig struct {
	// Pool is required for postgres backends
	Pool *pgxpool.Pool
	// RemoteURL is required for remote backends
	RemoteURL     string
	RemoteToken   string
	RemoteTimeout time.Duration
}

// NewBackend creates a session backend based on the persistence type.
func NewBackend(persistenceType string, cfg BackendConfig) (Backend, error) {
	switch persistenceType {
	case "", "memory":
		return NewInMemoryBackend(), nil
	case "postgres", "postgresql":
		if cfg.Pool == nil {
			return nil, fmt.Errorf("pool required for postgres session backend")
		}
		return NewPostgresBackend(cfg.Pool), nil
	case "remote":
		if cfg.RemoteURL == "" {
			return nil, fmt.Errorf("remote url required for remote session backend")
		}
		var opts []RemoteOption
		if cfg.RemoteTimeout > 0 {
			client := cleanhttp.DefaultPooledClient()
			client.Timeout = cfg.RemoteTimeout
			opts = append(opts, WithHTTPClient(client))
		}
		if cfg.RemoteToken != "" {
			opts = append(opts, WithBearerToken(cfg.RemoteToken))
		}
		return NewRemoteBackend(cfg.RemoteURL, opts...), nil
	default:
		return nil, fmt.Errorf("unsupported persistence type: %s (supported: memory, postgres, remote)", persistenceType)
	}
}
