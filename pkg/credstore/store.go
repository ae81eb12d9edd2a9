// Package credstore persists the access token and cached user profile in a
// local SQLite database, the CLI's analog of browser local storage.
//
// Values are read from the database on every call so that a login or logout
// in another process is observed by long-running watchers.
package credstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Sentinel errors for credential lookups.
var (
	// ErrNoToken indicates no token is stored (never logged in, or logged out).
	ErrNoToken = errors.New("no access token stored")

	// ErrTokenExpired indicates the stored token's exp claim has passed.
	ErrTokenExpired = errors.New("access token expired")

	// ErrNoProfile indicates no user profile is cached.
	ErrNoProfile = errors.New("no user profile stored")
)

// Config locates the credential database.
type Config struct {
	// Path is a filesystem path or ":memory:".
	Path string
}

func buildDSN(cfg Config) (string, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return "", errors.New("credential store path is required")
	}
	if path == ":memory:" {
		return path, nil
	}
	path = strings.TrimPrefix(path, "file:")
	if err := ensureStoreDir(path); err != nil {
		return "", err
	}
	return "file:" + filepath.Clean(path), nil
}

func configureLocalSQLite(ctx context.Context, db *sql.DB, dsn string) error {
	// A single connection keeps :memory: databases alive across calls and
	// serializes writers on file databases.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if !strings.HasPrefix(dsn, "file:") {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	var busyTimeout int
	if err := db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000").Scan(&busyTimeout); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	return nil
}

func ensureStoreDir(path string) error {
	dir := filepath.Dir(filepath.Clean(path))
	if dir == "." || dir == string(filepath.Separator) {
		return nil
	}
	// Credentials live here, so keep the directory private.
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create credential store directory: %w", err)
	}
	return nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS credentials (
		name TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`)
	if err != nil {
		return fmt.Errorf("migrate credential store: %w", err)
	}
	return nil
}
