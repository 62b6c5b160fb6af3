// Package store persists the last-known light state and the latest link
// sample of each device in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/chaz8081/btlightd/internal/ble"
	"github.com/chaz8081/btlightd/internal/light"
)

const (
	dirPermissions    = 0750
	filePermissions   = 0600
	busyTimeoutMillis = 5000
	connectionTimeout = 5 * time.Second
)

// ErrNotFound is returned when nothing is stored for an address.
var ErrNotFound = errors.New("store: not found")

const schema = `
CREATE TABLE IF NOT EXISTS light_state (
	address    TEXT PRIMARY KEY,
	payload    TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS link_state (
	address    TEXT PRIMARY KEY,
	payload    TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);`

// Store is a SQLite-backed state store. Safe for concurrent use.
type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirPermissions); err != nil {
		return nil, fmt.Errorf("store: creating database directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL", path, busyTimeoutMillis)
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("store: opening database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite has a single writer
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck // best effort on error path
		return nil, fmt.Errorf("store: verifying database connection: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close() //nolint:errcheck // best effort on error path
		return nil, fmt.Errorf("store: applying schema: %w", err)
	}
	_ = os.Chmod(path, filePermissions)

	return &Store{db: db, path: path, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: closing database: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// SaveLightState upserts the light state of address.
func (s *Store) SaveLightState(ctx context.Context, address string, st light.State) error {
	return s.put(ctx, "light_state", address, st)
}

// LoadLightState returns the stored light state of address, or ErrNotFound.
func (s *Store) LoadLightState(ctx context.Context, address string) (light.State, error) {
	st := light.DefaultState()
	if err := s.get(ctx, "light_state", address, &st); err != nil {
		return light.State{}, err
	}
	return st.Normalize(), nil
}

// SaveLinkState upserts the latest link sample of address. Earlier samples
// are overwritten.
func (s *Store) SaveLinkState(ctx context.Context, address string, st ble.LinkState) error {
	return s.put(ctx, "link_state", address, st)
}

// LoadLinkState returns the latest link sample of address, or ErrNotFound.
func (s *Store) LoadLinkState(ctx context.Context, address string) (ble.LinkState, error) {
	var st ble.LinkState
	if err := s.get(ctx, "link_state", address, &st); err != nil {
		return ble.LinkState{}, err
	}
	return st, nil
}

// table is always one of the two constant table names above.
func (s *Store) put(ctx context.Context, table, address string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: encoding %s: %w", table, err)
	}
	query := `INSERT INTO ` + table + ` (address, payload, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, query, ble.NormalizeAddress(address), string(payload), s.now().UnixMilli()); err != nil {
		return fmt.Errorf("store: saving %s: %w", table, err)
	}
	return nil
}

func (s *Store) get(ctx context.Context, table, address string, v any) error {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM `+table+` WHERE address = ?`, ble.NormalizeAddress(address)).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("store: loading %s: %w", table, err)
	}
	if err := json.Unmarshal([]byte(payload), v); err != nil {
		return fmt.Errorf("store: decoding %s: %w", table, err)
	}
	return nil
}

// UpdatedAt returns when the light state of address was last saved.
func (s *Store) UpdatedAt(ctx context.Context, address string) (time.Time, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT updated_at FROM light_state WHERE address = ?`, ble.NormalizeAddress(address)).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("store: loading light_state: %w", err)
	}
	return time.UnixMilli(ms), nil
}
