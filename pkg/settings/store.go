// Package settings stores named runtime settings as JSON documents and
// serves them through a small in-memory cache.
package settings

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned when no setting with the given name exists.
var ErrNotFound = errors.New("setting not found")

// Backend loads settings documents by name.
type Backend interface {
	Load(ctx context.Context, name string) (json.RawMessage, error)
}

// Store persists settings in MySQL.
type Store struct {
	DB *sqlx.DB
}

// CreateTable creates the runtime_settings table.
func (s *Store) CreateTable(ctx context.Context) error {
	// language=MariaDB
	const stmt = `CREATE TABLE IF NOT EXISTS runtime_settings (
	name VARCHAR(128) NOT NULL PRIMARY KEY,
	doc JSON NOT NULL,
	updated_at DATETIME NOT NULL
);`
	_, err := s.DB.ExecContext(ctx, stmt)
	return err
}

// Load reads one settings document.
func (s *Store) Load(ctx context.Context, name string) (json.RawMessage, error) {
	// language=MariaDB
	const stmt = `SELECT doc FROM runtime_settings WHERE name = ?;`
	var doc []byte
	err := s.DB.GetContext(ctx, &doc, stmt, name)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return doc, nil
}

// Save writes one settings document, replacing any previous version.
func (s *Store) Save(ctx context.Context, name string, doc json.RawMessage) error {
	if !json.Valid(doc) {
		return errors.New("settings doc is not valid JSON")
	}
	// language=MariaDB
	const stmt = `INSERT INTO runtime_settings (name, doc, updated_at)
VALUES (?, ?, ?)
ON DUPLICATE KEY UPDATE doc = VALUES(doc), updated_at = VALUES(updated_at);`
	_, err := s.DB.ExecContext(ctx, stmt, name, []byte(doc), time.Now().UTC())
	return err
}

// Assert Store implements Backend.
var _ Backend = (*Store)(nil)
