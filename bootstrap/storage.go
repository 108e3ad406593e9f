package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"warden/config"
	"warden/storage"
)

// StorageComponents holds all storage-related components.
type StorageComponents struct {
	SQLite    *storage.SQLite
	History   *storage.SQLiteDeploymentHistory
	AlertLogs *storage.AlertLogStore
	Cases     *storage.CaseStore
	// Redis is set when state.backend is redis
	Redis *redis.Client
}

// Close releases database connections
func (s *StorageComponents) Close(sugar *zap.SugaredLogger) {
	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			sugar.Warnw("Failed to close Redis client", "error", err)
		}
	}
	if s.SQLite != nil {
		if err := s.SQLite.Close(); err != nil {
			sugar.Warnw("Failed to close SQLite", "error", err)
		}
	}
}

// InitSQLite opens the deployment history database.
func InitSQLite(cfg *config.Config, sugar *zap.SugaredLogger) (*storage.SQLite, error) {
	sqlite, err := storage.NewSQLite(cfg.DataPaths.SQLitePath, sugar)
	if err != nil {
		sugar.Error(ClassifySQLiteError(err, cfg.DataPaths.SQLitePath))
		return nil, fmt.Errorf("failed to initialize SQLite: %w", err)
	}
	sugar.Infow("SQLite initialized", "path", cfg.DataPaths.SQLitePath)
	return sqlite, nil
}

// InitPersisters builds the alert log and case document backends.
func InitPersisters(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) (alerts, cases storage.Persister, client *redis.Client, err error) {
	switch cfg.State.Backend {
	case config.StateBackendRedis:
		client = storage.NewRedisClient(cfg.State.RedisAddr, cfg.State.RedisPassword, cfg.State.RedisDB, cfg.State.RedisPoolSize)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			sugar.Error(ClassifyConnectionError("Redis", err, cfg.State.RedisAddr))
			return nil, nil, nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		sugar.Infow("Using Redis state backend", "addr", cfg.State.RedisAddr, "key_prefix", cfg.State.KeyPrefix)
		return storage.NewRedisPersister(client, cfg.State.KeyPrefix+"alert_logs"),
			storage.NewRedisPersister(client, cfg.State.KeyPrefix+"cases"),
			client, nil

	default:
		alertFile, err := storage.NewFilePersister(cfg.DataPaths.AlertLogPath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to prepare alert log file: %w", err)
		}
		caseFile, err := storage.NewFilePersister(cfg.DataPaths.CasePath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to prepare case file: %w", err)
		}
		sugar.Infow("Using file state backend",
			"alert_logs", cfg.DataPaths.AlertLogPath,
			"cases", cfg.DataPaths.CasePath)
		return alertFile, caseFile, nil, nil
	}
}

// InitStorage opens the history database and loads both state documents.
// closer receives the cases that a false-positive detach closes; nil leaves
// them closed locally only.
func InitStorage(ctx context.Context, cfg *config.Config, closer storage.CaseCloser, sugar *zap.SugaredLogger) (*StorageComponents, error) {
	sqlite, err := InitSQLite(cfg, sugar)
	if err != nil {
		return nil, err
	}
	components := &StorageComponents{
		SQLite:  sqlite,
		History: storage.NewSQLiteDeploymentHistory(sqlite, sugar),
	}

	alertPersister, casePersister, client, err := InitPersisters(ctx, cfg, sugar)
	if err != nil {
		components.Close(sugar)
		return nil, err
	}
	components.Redis = client

	components.AlertLogs, err = storage.NewAlertLogStore(ctx, alertPersister, sugar)
	if err != nil {
		components.Close(sugar)
		return nil, fmt.Errorf("failed to load alert logs: %w", err)
	}

	var opts []storage.CaseStoreOption
	if closer != nil {
		opts = append(opts, storage.WithCaseCloser(closer))
	}
	components.Cases, err = storage.NewCaseStore(ctx, casePersister, components.AlertLogs, sugar, opts...)
	if err != nil {
		components.Close(sugar)
		return nil, fmt.Errorf("failed to load cases: %w", err)
	}

	sugar.Infow("State loaded",
		"alert_logs", components.AlertLogs.Len(),
		"open_cases", len(components.Cases.ListOpen()))
	return components, nil
}
