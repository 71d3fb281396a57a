// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"io/fs"
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/pkg/errors"

	"github.com/ffutop/bmc-cache/internal/snapshot"
)

// MmapStorage decodes the snapshot straight out of a read-only memory
// mapping of the file instead of copying it into a buffer first.
// Writes go through FileStorage.
type MmapStorage struct {
	*FileStorage
}

// NewMmapStorage creates a new MmapStorage for the file at path.
func NewMmapStorage(path string) *MmapStorage {
	return &MmapStorage{
		FileStorage: NewFileStorage(osfs.New("/"), path),
	}
}

// Load maps the snapshot file and decodes it.
func (ms *MmapStorage) Load() (*snapshot.Tables, error) {
	f, err := os.Open(ms.Path())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotExist
		}
		return nil, errors.Wrap(err, "failed to open mmap file")
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "failed to stat mmap file")
	}
	// A zero-length file cannot be mapped; it is also never a valid snapshot.
	if fi.Size() == 0 {
		return snapshot.Unmarshal(nil)
	}

	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, errors.Wrap(err, "mmap failed")
	}
	defer data.Unmap()

	return snapshot.Unmarshal(data)
}
