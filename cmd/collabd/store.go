package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vango-dev/collab/internal/config"
	"github.com/vango-dev/collab/pkg/storage"
	"github.com/vango-dev/collab/pkg/storage/postgres"
	"github.com/vango-dev/collab/pkg/storage/s3"
)

// openStore builds the content store selected by cfg.
func openStore(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		logger.Warn("using in-memory storage; document content is lost on restart")
		return storage.NewMemoryStore(), nil

	case config.DriverPostgres:
		store, err := postgres.Open(ctx, cfg.Postgres.DSN, postgres.Config{Table: cfg.Postgres.Table})
		if err != nil {
			return nil, err
		}
		if cfg.Postgres.AutoMigrate {
			if err := postgres.Migrate(store.DB(), logger); err != nil {
				_ = store.Close()
				return nil, err
			}
		}
		return store, nil

	case config.DriverS3:
		return s3.NewFromConfig(ctx, s3.Config{
			Bucket:      cfg.S3.Bucket,
			Prefix:      cfg.S3.Prefix,
			Region:      cfg.S3.Region,
			Endpoint:    cfg.S3.Endpoint,
			AccessKeyID: cfg.S3.AccessKeyID,
			SecretKey:   cfg.S3.SecretKey,
		})
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}
