package bootstrap

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"warden/config"
)

// DataDirectories returns the directories that must exist for the
// configured state documents and history database.
func DataDirectories(cfg *config.Config) []string {
	dirs := []string{cfg.DataPaths.DataDir}
	add := func(path string) {
		if path == "" || path == ":memory:" {
			return
		}
		dir := filepath.Dir(path)
		for _, d := range dirs {
			if d == dir {
				return
			}
		}
		dirs = append(dirs, dir)
	}
	if cfg.State.Backend == config.StateBackendFile {
		add(cfg.DataPaths.AlertLogPath)
		add(cfg.DataPaths.CasePath)
	}
	add(cfg.DataPaths.SQLitePath)
	return dirs
}

// EnsureDataDirectories creates required data directories with proper permissions.
// This is a pre-flight check that runs before any store is opened.
func EnsureDataDirectories(cfg *config.Config, sugar *zap.SugaredLogger) error {
	for _, dir := range DataDirectories(cfg) {
		absPath, err := filepath.Abs(dir)
		if err != nil {
			return fmt.Errorf("failed to resolve absolute path for %s: %w", dir, err)
		}

		if err := os.MkdirAll(absPath, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w\n"+
				"  Remediation: Ensure the parent directory exists and is writable\n"+
				"  For Docker: Check volume mount permissions\n"+
				"  For bare metal: Run 'mkdir -p %s && chmod 755 %s'", dir, err, absPath, absPath)
		}

		// Verify write permissions
		testFile := filepath.Join(absPath, ".warden_write_test")
		if err := os.WriteFile(testFile, []byte("test"), 0644); err != nil {
			return fmt.Errorf("directory %s is not writable: %w\n"+
				"  Remediation: Check file system permissions\n"+
				"  For Docker: Ensure volume is mounted with write access\n"+
				"  For bare metal: Run 'chmod -R u+w %s'", dir, err, absPath)
		}
		os.Remove(testFile)

		sugar.Debugw("Data directory ready", "path", absPath)
	}
	return nil
}

// ClassifyConnectionError provides specific error messages based on the type of connection failure.
func ClassifyConnectionError(service string, err error, addr string) string {
	if err == nil {
		return ""
	}

	errStr := err.Error()

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Sprintf("Connection to %s at %s timed out.\n"+
			"  Possible causes:\n"+
			"  - %s is starting up (wait and retry)\n"+
			"  - Network latency or firewall blocking the connection\n"+
			"  Remediation:\n"+
			"  - Verify network connectivity: nc -zv %s", service, addr, service, addr)
	}

	if errors.Is(err, syscall.ECONNREFUSED) || containsIgnoreCase(errStr, "connection refused") {
		return fmt.Sprintf("Connection refused by %s at %s.\n"+
			"  This usually means %s is not running.\n"+
			"  Remediation:\n"+
			"  - Start %s and check its logs\n"+
			"  - Verify the address is correct in config.yaml", service, addr, service, service)
	}

	if containsIgnoreCase(errStr, "no such host") || containsIgnoreCase(errStr, "lookup") {
		return fmt.Sprintf("Cannot resolve hostname in %s address %s.\n"+
			"  Remediation:\n"+
			"  - Verify the hostname is correct\n"+
			"  - Check DNS configuration", service, addr)
	}

	if containsIgnoreCase(errStr, "authentication") || containsIgnoreCase(errStr, "password") ||
		containsIgnoreCase(errStr, "denied") || containsIgnoreCase(errStr, "authorization") {
		return fmt.Sprintf("Authentication failed for %s at %s.\n"+
			"  Remediation:\n"+
			"  - Verify the credentials in config.yaml or the WARDEN_* env vars", service, addr)
	}

	return fmt.Sprintf("Failed to connect to %s at %s: %v\n"+
		"  Remediation:\n"+
		"  - Ensure %s is running and accessible\n"+
		"  - Verify network connectivity", service, addr, err, service)
}

// ClassifySQLiteError provides specific error messages based on the type of SQLite failure.
func ClassifySQLiteError(err error, dbPath string) string {
	if err == nil {
		return ""
	}

	errStr := err.Error()
	absPath, _ := filepath.Abs(dbPath)
	parentDir := filepath.Dir(absPath)

	if containsIgnoreCase(errStr, "permission denied") || containsIgnoreCase(errStr, "access denied") {
		return fmt.Sprintf("Permission denied accessing SQLite database at %s.\n"+
			"  Remediation:\n"+
			"  - Check file permissions: ls -la %s\n"+
			"  - Check directory permissions: ls -la %s\n"+
			"  - For Docker: Ensure volume is mounted with proper user permissions",
			absPath, absPath, parentDir)
	}

	if containsIgnoreCase(errStr, "database is locked") || containsIgnoreCase(errStr, "SQLITE_BUSY") {
		return fmt.Sprintf("SQLite database at %s is locked by another process.\n"+
			"  Possible causes:\n"+
			"  - Another warden instance is running\n"+
			"  - A crashed process left a stale lock\n"+
			"  Remediation:\n"+
			"  - Check for running processes: ps aux | grep warden\n"+
			"  - Check for lock files: ls -la %s*", absPath, absPath)
	}

	if containsIgnoreCase(errStr, "disk full") || containsIgnoreCase(errStr, "no space") || containsIgnoreCase(errStr, "SQLITE_FULL") {
		return fmt.Sprintf("Disk full - cannot write to SQLite database at %s.\n"+
			"  Remediation:\n"+
			"  - Check available disk space: df -h %s", absPath, parentDir)
	}

	if containsIgnoreCase(errStr, "corrupt") || containsIgnoreCase(errStr, "malformed") || containsIgnoreCase(errStr, "SQLITE_CORRUPT") {
		return fmt.Sprintf("SQLite database at %s appears to be corrupted.\n"+
			"  Remediation options:\n"+
			"  1. Check integrity: sqlite3 %s \"PRAGMA integrity_check;\"\n"+
			"  2. Deployment history is not needed to run; move the file aside and restart",
			absPath, absPath)
	}

	if containsIgnoreCase(errStr, "read-only") {
		return fmt.Sprintf("SQLite database location is on a read-only file system: %s.\n"+
			"  Remediation:\n"+
			"  - Move the database to a writable location via WARDEN_SQLITE_PATH", absPath)
	}

	return fmt.Sprintf("Failed to initialize SQLite database at %s: %v\n"+
		"  Remediation:\n"+
		"  - Ensure the directory %s exists and is writable\n"+
		"  - Check disk space and permissions", absPath, err, parentDir)
}

func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
