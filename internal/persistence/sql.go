// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/ffutop/bmc-cache/internal/snapshot"
)

const sqlDriver = "sqlite"

// SQLStorage keeps the encoded snapshot as a single row in a SQLite
// database. The row holds the same bytes the file backends write.
type SQLStorage struct {
	db *sql.DB
}

// OpenSQLStorage opens (creating if needed) the database at path.
func OpenSQLStorage(path string) (*SQLStorage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create database directory")
	}

	db, err := sql.Open(sqlDriver, cleanPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	// Single writer; a second connection would only contend for the file lock.
	db.SetMaxOpenConns(1)

	s := &SQLStorage{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to init schema")
	}
	return s, nil
}

func (s *SQLStorage) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS cache_snapshot (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		data BLOB NOT NULL
	);
	`
	_, err := s.db.Exec(query)
	return err
}

// Load reads the snapshot row.
func (s *SQLStorage) Load() (*snapshot.Tables, error) {
	var data []byte
	err := s.db.QueryRow("SELECT data FROM cache_snapshot WHERE id = 1").Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotExist
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to query snapshot")
	}
	return snapshot.Unmarshal(data)
}

// Save upserts the snapshot row.
func (s *SQLStorage) Save(t *snapshot.Tables) error {
	data, err := snapshot.Marshal(t)
	if err != nil {
		return err
	}
	query := "INSERT INTO cache_snapshot (id, data) VALUES (1, ?) ON CONFLICT(id) DO UPDATE SET data=excluded.data"
	if _, err := s.db.Exec(query, data); err != nil {
		return errors.Wrap(err, "failed to persist snapshot")
	}
	return nil
}

// Remove deletes the snapshot row.
func (s *SQLStorage) Remove() error {
	if _, err := s.db.Exec("DELETE FROM cache_snapshot WHERE id = 1"); err != nil {
		return errors.Wrap(err, "failed to remove snapshot")
	}
	return nil
}

func (s *SQLStorage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
