package control

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vietddude/agentd/internal/core/config"
	"github.com/vietddude/agentd/internal/infra/storage"
	"github.com/vietddude/agentd/internal/infra/storage/memory"
	"github.com/vietddude/agentd/internal/infra/storage/postgres"
	"github.com/vietddude/agentd/internal/infra/storage/sqlite"
)

// Store is an opened task store.
type Store struct {
	Repo storage.TaskRepository // nil for the log driver
	DB   *postgres.DB           // set for the postgres driver
}

// Ping checks the store connection. Stores without a connection always pass.
func (s *Store) Ping(ctx context.Context) error {
	if s.DB != nil {
		return s.DB.Health(ctx)
	}
	return nil
}

// OpenStore opens the task store selected by cfg.Driver. Postgres schemas are
// migrated on open.
func OpenStore(ctx context.Context, cfg config.StorageConfig) (*Store, error) {
	switch cfg.Driver {
	case config.StoragePostgres:
		db, err := postgres.NewDB(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if err := db.Migrate(); err != nil {
			_ = db.Close()
			return nil, err
		}
		slog.Info("Using PostgreSQL storage", "driver", cfg.Postgres.Driver)
		return &Store{Repo: postgres.NewTaskRepo(db), DB: db}, nil

	case config.StorageSQLite:
		store, err := sqlite.NewStore(cfg.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		slog.Info("Using SQLite storage", "path", cfg.SQLite.Path)
		return &Store{Repo: store}, nil

	case config.StorageLog:
		slog.Info("Task records are logged, not stored")
		return &Store{}, nil

	case config.StorageMemory, "":
		slog.Info("Using Memory storage")
		return &Store{Repo: memory.NewTaskRepo(memory.NewMemoryStorage())}, nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}
