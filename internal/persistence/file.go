// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"io/fs"
	"path/filepath"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/pkg/errors"

	"github.com/ffutop/bmc-cache/internal/snapshot"
)

// FileStorage keeps the snapshot in a single file on a billy filesystem.
//
// Save writes the complete snapshot to a temporary file in the same
// directory and renames it over the live file, so a reader never sees a
// half-written snapshot.
type FileStorage struct {
	fs   billy.Filesystem
	path string
}

// NewFileStorage creates a new FileStorage for path on fsys.
func NewFileStorage(fsys billy.Filesystem, path string) *FileStorage {
	return &FileStorage{
		fs:   fsys,
		path: path,
	}
}

func (s *FileStorage) Path() string {
	return s.path
}

// Load reads the snapshot file.
func (s *FileStorage) Load() (*snapshot.Tables, error) {
	f, err := s.fs.Open(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotExist
		}
		return nil, errors.Wrap(err, "failed to open snapshot")
	}
	defer f.Close()
	return snapshot.Decode(f)
}

// Save writes t, creating the parent directory if it is missing.
func (s *FileStorage) Save(t *snapshot.Tables) error {
	data, err := snapshot.Marshal(t)
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create %s", dir)
	}

	tmp, err := util.TempFile(s.fs, dir, "."+filepath.Base(s.path)+"-")
	if err != nil {
		return errors.Wrap(err, "failed to create temporary snapshot")
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		s.fs.Remove(tmp.Name())
		return errors.Wrap(err, "failed to write snapshot")
	}
	if syncer, ok := tmp.(interface{ Sync() error }); ok {
		if err := syncer.Sync(); err != nil {
			tmp.Close()
			s.fs.Remove(tmp.Name())
			return errors.Wrap(err, "failed to sync snapshot to disk")
		}
	}
	if err := tmp.Close(); err != nil {
		s.fs.Remove(tmp.Name())
		return errors.Wrap(err, "failed to close snapshot")
	}
	if err := s.fs.Rename(tmp.Name(), s.path); err != nil {
		s.fs.Remove(tmp.Name())
		return errors.Wrap(err, "failed to replace snapshot")
	}
	return nil
}

// Remove deletes the snapshot file.
func (s *FileStorage) Remove() error {
	if err := s.fs.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errors.Wrap(err, "failed to remove snapshot")
	}
	return nil
}

func (s *FileStorage) Close() error {
	return nil
}
