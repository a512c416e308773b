package factory

import (
	"io"
	"strings"

	"github.com/MyAirVault/BruhMCP-sub018/internal/store"
	pg "github.com/MyAirVault/BruhMCP-sub018/internal/store/postgres"
	sq "github.com/MyAirVault/BruhMCP-sub018/internal/store/sqlite"
)

// Backends bundles the two durable collaborators opened from one DSN.
type Backends struct {
	Credentials store.CredentialStore
	Instances   store.InstanceRegistry

	closer io.Closer
}

// Close releases the underlying database, if any.
func (b *Backends) Close() error {
	if b.closer == nil {
		return nil
	}
	return b.closer.Close()
}

// Open selects backends based on DSN.
// Supported:
//   - empty DSN: in-memory stores (tests, zero-config runs)
//   - postgres: DSN starting with "postgres://" or "postgresql://"
//   - sqlite:  "sqlite://<path>" or bare filepath (treated as sqlite)
func Open(dsn string) (*Backends, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	if ld == "" || ld == "memory" {
		return &Backends{
			Credentials: store.NewMemoryCredentialStore(),
			Instances:   store.NewMemoryInstanceRegistry(),
		}, nil
	}
	if strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://") {
		db, err := pg.New(d)
		if err != nil {
			return nil, err
		}
		return &Backends{Credentials: db.Credentials(), Instances: db.Instances(), closer: db}, nil
	}
	if strings.HasPrefix(ld, "sqlite://") {
		d = strings.TrimPrefix(d, "sqlite://")
	}
	db, err := sq.New(d)
	if err != nil {
		return nil, err
	}
	return &Backends{Credentials: db.Credentials(), Instances: db.Instances(), closer: db}, nil
}
