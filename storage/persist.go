package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"
)

// Persister stores a whole JSON document. Stores rewrite the document in
// full on every mutation; there is no incremental format.
type Persister interface {
	// Load returns the stored document, or nil when nothing was stored yet
	Load(ctx context.Context) ([]byte, error)
	// Save replaces the stored document
	Save(ctx context.Context, data []byte) error
}

// FilePersister keeps the document in a local file. Writes go to a
// temporary file in the same directory which is then renamed over the
// target, so readers never see a partial document.
type FilePersister struct {
	path string
}

// NewFilePersister creates a file persister, creating the parent directory
func NewFilePersister(path string) (*FilePersister, error) {
	if path == "" {
		return nil, errors.New("document path cannot be empty")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	return &FilePersister{path: path}, nil
}

// Path returns the document path
func (p *FilePersister) Path() string {
	return p.path
}

// Load implements Persister
func (p *FilePersister) Load(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(p.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", p.path, err)
	}
	return data, nil
}

// Save implements Persister
func (p *FilePersister) Save(_ context.Context, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(p.path), filepath.Base(p.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, p.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", p.path, err)
	}
	return nil
}

// RedisPersister keeps the document under a single Redis key, for
// deployments that run more than one replica or have no writable disk.
type RedisPersister struct {
	client *redis.Client
	key    string
}

// NewRedisClient creates a Redis client for document persistence
func NewRedisClient(addr, password string, db, poolSize int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: poolSize,
	})
}

// NewRedisPersister stores the document at key
func NewRedisPersister(client *redis.Client, key string) *RedisPersister {
	return &RedisPersister{client: client, key: key}
}

// Load implements Persister
func (p *RedisPersister) Load(ctx context.Context) ([]byte, error) {
	data, err := p.client.Get(ctx, p.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s from redis: %w", p.key, err)
	}
	return data, nil
}

// Save implements Persister
func (p *RedisPersister) Save(ctx context.Context, data []byte) error {
	if err := p.client.Set(ctx, p.key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save %s to redis: %w", p.key, err)
	}
	return nil
}
