package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	_ "modernc.org/sqlite"
)

var log = logging.Logger("storage")

const dbFile = "data.db"

// DB wraps a SQLite database for a peer
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates a SQLite database in the given directory
func Open(configDir string) (*DB, error) {
	dbPath := filepath.Join(configDir, dbFile)

	// Ensure directory exists
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps PRAGMAs and writes on one handle.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &DB{db: db, path: dbPath}, nil
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _meta (
			key   TEXT PRIMARY KEY,
			value TEXT
		);
	`); err != nil {
		return fmt.Errorf("create meta table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS items (
			id          TEXT PRIMARY KEY,
			title       TEXT NOT NULL DEFAULT '',
			artist      TEXT NOT NULL DEFAULT '',
			album       TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL DEFAULT 0,
			url         TEXT NOT NULL DEFAULT '',
			added_at    DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create items table: %w", err)
	}

	// Single-row table; columns are nullable so a half-written identity
	// can be told apart from a complete one.
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _identity (
			slot         INTEGER PRIMARY KEY CHECK (slot = 1),
			session_code TEXT,
			is_host      INTEGER,
			display_name TEXT,
			saved_at     DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create identity table: %w", err)
	}
	return nil
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path
func (d *DB) Path() string {
	return d.path
}

// Meta returns a value from the metadata table, or "" if unset.
func (d *DB) Meta(ctx context.Context, key string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var v sql.NullString
	err := d.db.QueryRowContext(ctx, `SELECT value FROM _meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read meta %s: %w", key, err)
	}
	return v.String, nil
}

// SetMeta stores a metadata value.
func (d *DB) SetMeta(ctx context.Context, key, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.ExecContext(ctx, `
		INSERT INTO _meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("write meta %s: %w", key, err)
	}
	return nil
}

// PeerID returns this database's peer id, generating and persisting one on
// first use.
func (d *DB) PeerID(ctx context.Context) (string, error) {
	id, err := d.Meta(ctx, "peer_id")
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}
	id = uuid.NewString()
	if err := d.SetMeta(ctx, "peer_id", id); err != nil {
		return "", err
	}
	log.Infof("generated peer id %s", id)
	return id, nil
}
