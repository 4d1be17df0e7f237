package main

import (
	"context"
	"fmt"
	"time"

	"github.com/maneesh/dropvault/internal/blobstore"
	"github.com/maneesh/dropvault/internal/config"
	"github.com/maneesh/dropvault/internal/logging"
	"github.com/maneesh/dropvault/internal/ratelimit"
	"github.com/maneesh/dropvault/internal/storage"
	"github.com/maneesh/dropvault/internal/transfer"
	"github.com/maneesh/dropvault/internal/vault"
)

// records is what both services need from the metadata store.
type records interface {
	transfer.Repository
	vault.Repository
}

// app holds the wired services and everything that must be closed on exit.
type app struct {
	transfers *transfer.Service
	vaults    *vault.Service

	// memoryKV is set when rate-limit state lives in process and needs
	// periodic sweeping.
	memoryKV *ratelimit.MemoryStore

	closers []func() error
}

func (a *app) Close(ctx context.Context, logger logging.Logger) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Warn(ctx, "error during shutdown", "error", err)
		}
	}
}

func openRecords(ctx context.Context, cfg *config.Config, logger logging.Logger) (records, func() error, error) {
	if inMemory {
		logger.Warn(ctx, "using in-memory records, nothing survives a restart")
		return storage.NewMemoryRecords(), func() error { return nil }, nil
	}

	logger.Info(ctx, "connecting to TiDB", "host", cfg.TiDBHost, "port", cfg.TiDBPort)
	db, err := storage.NewMySQLClient(ctx, cfg.GetDSN())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize TiDB client: %w", err)
	}
	return db, db.Close, nil
}

func openKV(ctx context.Context, cfg *config.Config, logger logging.Logger) (ratelimit.Store, *ratelimit.MemoryStore, func() error, error) {
	if inMemory {
		kv := ratelimit.NewMemoryStore()
		return kv, kv, func() error { return nil }, nil
	}

	logger.Info(ctx, "connecting to Redis", "addr", cfg.GetRedisAddr())
	rc, err := storage.NewRedisClient(ctx, cfg.GetRedisAddr(), cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize Redis client: %w", err)
	}
	return rc, nil, rc.Close, nil
}

func openObjects(ctx context.Context, cfg *config.Config, logger logging.Logger) (blobstore.ObjectStore, error) {
	switch cfg.BlobBackend {
	case "minio":
		logger.Info(ctx, "connecting to MinIO", "endpoint", cfg.MinIOEndpoint, "bucket", cfg.MinIOBucketName)
		return blobstore.NewMinioObjects(ctx,
			cfg.MinIOEndpoint,
			cfg.MinIOAccessKey,
			cfg.MinIOSecretKey,
			cfg.MinIOBucketName,
			cfg.MinIOUseSSL,
			logger,
		)
	case "s3":
		logger.Info(ctx, "using S3", "region", cfg.S3Region, "bucket", cfg.S3Bucket)
		return blobstore.NewS3Objects(ctx,
			cfg.S3Region,
			cfg.S3AccessKey,
			cfg.S3SecretKey,
			cfg.S3Bucket,
			cfg.S3BaseEndpoint,
		)
	default:
		logger.Warn(ctx, "using in-memory blob storage, nothing survives a restart")
		return blobstore.NewMemoryObjects(), nil
	}
}

func newApp(ctx context.Context, cfg *config.Config, logger logging.Logger) (*app, error) {
	a := &app{}

	recs, closeRecords, err := openRecords(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeRecords)

	kv, memoryKV, closeKV, err := openKV(ctx, cfg, logger)
	if err != nil {
		a.Close(ctx, logger)
		return nil, err
	}
	a.closers = append(a.closers, closeKV)
	a.memoryKV = memoryKV

	objects, err := openObjects(ctx, cfg, logger)
	if err != nil {
		a.Close(ctx, logger)
		return nil, fmt.Errorf("failed to initialize blob storage: %w", err)
	}
	blobs := blobstore.New(objects, cfg.GetChunkSizeBytes())

	limiter := ratelimit.NewLimiter(kv, logger,
		ratelimit.WithThreshold(cfg.RateLimitThreshold),
		ratelimit.WithWindow(cfg.RateLimitWindow),
		ratelimit.WithBlockDuration(cfg.RateLimitBlock),
	)

	a.transfers = transfer.NewService(recs, blobs, limiter, logger,
		transfer.WithDefaultTTL(cfg.TransferTTL),
		transfer.WithMaxTTL(cfg.MaxTransferTTL),
		transfer.WithKDFIterations(cfg.KDFIterations),
		transfer.WithMaxSize(cfg.MaxUploadBytes),
		transfer.WithBaseURL(cfg.PublicBaseURL),
	)

	sessions := vault.NewSessionManager([]byte(cfg.SessionSecret), cfg.SessionTTL, kv, time.Now)
	a.vaults = vault.NewService(recs, blobs, limiter, sessions, logger,
		vault.WithMaxSize(cfg.MaxUploadBytes),
	)

	return a, nil
}
