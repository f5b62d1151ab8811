package registry

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store persists descriptors and the saved active set in SQLite. All
// public methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore opens the registry database at dbPath. The schema is created
// automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS mcp_servers (
		id         TEXT PRIMARY KEY,
		position   INTEGER NOT NULL,
		data       TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS saved_active (
		id       TEXT PRIMARY KEY,
		saved_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// List returns every stored descriptor in insertion order. Returns an
// empty (non-nil) slice when nothing is stored.
func (s *Store) List() ([]Descriptor, error) {
	rows, err := s.db.Query(`SELECT id, data FROM mcp_servers ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	defer rows.Close()

	out := []Descriptor{}
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("scan server: %w", err)
		}
		var d Descriptor
		if err := json.Unmarshal([]byte(data), &d); err != nil {
			return nil, fmt.Errorf("decode server %s: %w", id, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Put upserts a descriptor. A new descriptor goes to the end of the
// list; an existing one keeps its position.
func (s *Store) Put(d Descriptor) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode server %s: %w", d.ID, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO mcp_servers (id, position, data, updated_at)
		 VALUES (?, (SELECT COALESCE(MAX(position), 0) + 1 FROM mcp_servers), ?, ?)
		 ON CONFLICT (id) DO UPDATE
		 SET data = excluded.data, updated_at = excluded.updated_at`,
		d.ID, string(data), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("put server %s: %w", d.ID, err)
	}
	return nil
}

// Delete removes a descriptor and any saved-active mark for it. No error
// is returned if the id does not exist.
func (s *Store) Delete(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("delete server %s: %w", id, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM mcp_servers WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete server %s: %w", id, err)
	}
	if _, err := tx.Exec(`DELETE FROM saved_active WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete saved state %s: %w", id, err)
	}
	return tx.Commit()
}

// SavedActive returns the ids remembered by the last bulk stop.
func (s *Store) SavedActive() ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM saved_active ORDER BY saved_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list saved active: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan saved active: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetSavedActive replaces the saved active set with ids.
func (s *Store) SetSavedActive(ids []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("save active set: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM saved_active`); err != nil {
		return fmt.Errorf("clear saved active: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	for _, id := range ids {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO saved_active (id, saved_at) VALUES (?, ?)`, id, now); err != nil {
			return fmt.Errorf("save active %s: %w", id, err)
		}
	}
	return tx.Commit()
}
