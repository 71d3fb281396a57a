// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"log/slog"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/pkg/errors"

	"github.com/ffutop/bmc-cache/internal/config"
	"github.com/ffutop/bmc-cache/internal/snapshot"
)

// ErrNotExist is returned by Load when no snapshot has been written yet.
var ErrNotExist = errors.New("snapshot does not exist")

// Storage defines the interface for persisting the cache snapshot.
type Storage interface {
	// Load reads and decodes the snapshot.
	// It returns ErrNotExist if there is none, and an error matching
	// snapshot.ErrCorrupt if the stored bytes cannot be decoded.
	Load() (*snapshot.Tables, error)

	// Save replaces the stored snapshot with t.
	Save(t *snapshot.Tables) error

	// Remove deletes the stored snapshot. Removing a missing snapshot is not an error.
	Remove() error

	Close() error
}

// New creates the Storage selected by cfg.
func New(cfg config.PersistenceConfig) (Storage, error) {
	switch cfg.Type {
	case "file", "":
		slog.Info("Initializing cache with file persistence", "path", cfg.Path)
		return NewFileStorage(osfs.New("/"), cfg.Path), nil
	case "mmap":
		slog.Info("Initializing cache with MMAP persistence", "path", cfg.Path)
		return NewMmapStorage(cfg.Path), nil
	case "sql":
		slog.Info("Initializing cache with SQL persistence", "driver", sqlDriver, "dsn", cfg.Path)
		return OpenSQLStorage(cfg.Path)
	case "memory":
		slog.Info("Initializing cache with memory storage (non-persistent)")
		return NewMemoryStorage(), nil
	default:
		return nil, errors.Errorf("unknown persistence type %q", cfg.Type)
	}
}
