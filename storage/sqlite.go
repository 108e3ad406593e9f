package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLite holds the SQLite connections used for deployment history.
// Reads and writes use separate pools so WAL readers never queue behind
// the single writer.
type SQLite struct {
	WriteDB *sql.DB // MaxOpenConns=1, WAL single writer
	ReadDB  *sql.DB // query_only
	Path    string
	Logger  *zap.SugaredLogger
}

// configureSQLiteConnection sets WAL mode, foreign keys and busy timeout
func configureSQLiteConnection(db *sql.DB, logger *zap.SugaredLogger, dbPath string, poolType string) error {
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	// In-memory databases report "memory" instead of "wal"
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to query journal mode: %w", err)
	}
	if dbPath != ":memory:" && journalMode != "wal" {
		return fmt.Errorf("WAL mode not enabled (got: %s, expected: wal)", journalMode)
	}
	logger.Debugw("SQLite pool configured", "pool", poolType, "journal_mode", journalMode)
	return nil
}

// NewSQLite opens the history database and creates its tables
func NewSQLite(dbPath string, logger *zap.SugaredLogger) (*SQLite, error) {
	if err := validateDatabasePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// Both pools must see the same in-memory database
	actualPath := dbPath
	if dbPath == ":memory:" {
		actualPath = "file::memory:?cache=shared"
	}

	writeDB, err := sql.Open("sqlite", actualPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite write database: %w", err)
	}
	if err := configureSQLiteConnection(writeDB, logger, dbPath, "write"); err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to configure write connection: %w", err)
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0)
	writeDB.SetConnMaxIdleTime(10 * time.Minute)

	readDB, err := sql.Open("sqlite", actualPath)
	if err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to open SQLite read database: %w", err)
	}
	if err := configureSQLiteConnection(readDB, logger, dbPath, "read"); err != nil {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, fmt.Errorf("failed to configure read connection: %w", err)
	}
	if _, err := readDB.Exec("PRAGMA query_only=ON"); err != nil {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, fmt.Errorf("failed to enable query_only mode on read pool: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(2)
	readDB.SetConnMaxLifetime(5 * time.Minute)

	s := &SQLite{
		WriteDB: writeDB,
		ReadDB:  readDB,
		Path:    dbPath,
		Logger:  logger,
	}
	if err := s.createTables(); err != nil {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Infow("SQLite database initialized", "path", dbPath)
	return s, nil
}

func (s *SQLite) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS deployments (
		id TEXT PRIMARY KEY,
		family TEXT NOT NULL,
		method TEXT NOT NULL,
		directive TEXT NOT NULL,
		rule_id INTEGER NOT NULL DEFAULT 0,
		success INTEGER NOT NULL,
		stage TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		requested_by TEXT NOT NULL DEFAULT '',
		deployed_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_deployments_deployed_at ON deployments(deployed_at DESC);
	CREATE INDEX IF NOT EXISTS idx_deployments_family ON deployments(family);
	`
	if _, err := s.WriteDB.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes both connection pools
func (s *SQLite) Close() error {
	var writeErr, readErr error
	if s.WriteDB != nil {
		writeErr = s.WriteDB.Close()
	}
	if s.ReadDB != nil {
		readErr = s.ReadDB.Close()
	}
	if writeErr != nil {
		return fmt.Errorf("failed to close write pool: %w", writeErr)
	}
	if readErr != nil {
		return fmt.Errorf("failed to close read pool: %w", readErr)
	}
	return nil
}

// HealthCheck pings the write pool
func (s *SQLite) HealthCheck() error {
	return s.WriteDB.Ping()
}

// validateDatabasePath rejects empty, oversized and traversing paths
func validateDatabasePath(dbPath string) error {
	if dbPath == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if len(dbPath) > 512 {
		return fmt.Errorf("database path exceeds maximum length of 512 characters")
	}
	if strings.Contains(dbPath, "\x00") {
		return fmt.Errorf("null bytes not allowed in path")
	}
	if dbPath == ":memory:" {
		return nil
	}
	if strings.Contains(filepath.ToSlash(dbPath), "../") || strings.HasSuffix(dbPath, "..") {
		return fmt.Errorf("path traversal not allowed (..): %s", dbPath)
	}
	return nil
}
