// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package persistence

import (
	"bytes"

	"github.com/ffutop/bmc-cache/internal/snapshot"
)

// MemoryStorage keeps the encoded snapshot in memory (non-persistent).
// It still goes through the snapshot codec, so it behaves like the file
// backends apart from surviving a restart.
type MemoryStorage struct {
	data []byte
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (ms *MemoryStorage) Load() (*snapshot.Tables, error) {
	if ms.data == nil {
		return nil, ErrNotExist
	}
	return snapshot.Unmarshal(ms.data)
}

func (ms *MemoryStorage) Save(t *snapshot.Tables) error {
	data, err := snapshot.Marshal(t)
	if err != nil {
		return err
	}
	ms.data = data
	return nil
}

func (ms *MemoryStorage) Remove() error {
	ms.data = nil
	return nil
}

func (ms *MemoryStorage) Close() error {
	return nil
}

// Bytes returns a copy of the stored encoding, or nil if nothing is stored.
func (ms *MemoryStorage) Bytes() []byte {
	return bytes.Clone(ms.data)
}

// SetBytes replaces the stored encoding verbatim.
func (ms *MemoryStorage) SetBytes(data []byte) {
	ms.data = bytes.Clone(data)
}
