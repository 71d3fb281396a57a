// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package cache remembers the last known value of entity properties across
// restarts.
//
// Every accepted write updates the in-memory tables. Writes that change a
// value of a policy-eligible entity type, scalar writes and purges then
// rewrite the whole snapshot through the configured persistence.Storage.
// Writes that do not change the stored value never touch storage.
//
// All methods are safe for concurrent use; each runs under a single lock so
// that its read-modify-write sequence observes a consistent table.
package cache

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ffutop/bmc-cache/internal/entity"
	"github.com/ffutop/bmc-cache/internal/persistence"
	"github.com/ffutop/bmc-cache/internal/snapshot"
	"github.com/ffutop/bmc-cache/internal/value"
)

var (
	// ErrSnapshotMissing is returned by Restore when there is no snapshot.
	// It is the normal cold-start condition.
	ErrSnapshotMissing = errors.New("persistent cache snapshot does not exist")
	// ErrSnapshotCorrupt is matched by the error Restore returns after
	// discarding an undecodable snapshot.
	ErrSnapshotCorrupt = errors.New("persistent cache snapshot is corrupt")
	// ErrInvalidValue is returned for writes of the zero value.Value.
	ErrInvalidValue = errors.New("invalid property value")
)

// Index resolves object paths to entity identities.
type Index interface {
	Lookup(path string) (entity.Identity, bool)
}

// Policy decides which entity types are persisted.
type Policy interface {
	IsEligible(entityType uint16) bool
}

// Cache is the entity-scoped persistent property cache.
// Index and policy are read without locking and must not be reconfigured
// while the cache is in use.
type Cache struct {
	mu      sync.Mutex
	index   Index
	policy  Policy
	storage persistence.Storage

	objects objectTable
	scalars map[string]value.Value
}

// New creates an empty cache. Call Restore before the first write to pick
// up a previous snapshot.
func New(index Index, policy Policy, storage persistence.Storage) *Cache {
	return &Cache{
		index:   index,
		policy:  policy,
		storage: storage,
		objects: make(objectTable),
		scalars: make(map[string]value.Value),
	}
}

// Put records the value of iface.prop on the object at path.
//
// Updates with an empty path or interface, or for a path the index does not
// know, are dropped without error. Otherwise a value that is not
// value.IsValid is rejected with ErrInvalidValue and nothing changes. The snapshot is rewritten only when the
// value changed and the entity type is eligible for persistence. A failed
// write is returned; the in-memory update is kept.
func (c *Cache) Put(path, iface, prop string, v value.Value) error {
	if path == "" || iface == "" {
		return nil
	}
	id, ok := c.index.Lookup(path)
	if !ok {
		return nil
	}
	if !v.IsValid() {
		return ErrInvalidValue
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.objects.set(id, path, iface, prop, v) {
		return nil
	}
	if !c.policy.IsEligible(id.Type) {
		return nil
	}
	return c.flush()
}

// PutScalar sets a key in the flat scalar store and always rewrites the
// snapshot.
func (c *Cache) PutScalar(key string, v value.Value) error {
	if !v.IsValid() {
		return ErrInvalidValue
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.scalars[key] = v
	return c.flush()
}

// Restore replaces the in-memory tables with the stored snapshot.
//
// With no snapshot it returns ErrSnapshotMissing and leaves the tables as
// they were. A snapshot that fails to decode is deleted and the tables are
// left empty; the returned error matches ErrSnapshotCorrupt.
func (c *Cache) Restore() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, err := c.storage.Load()
	if errors.Is(err, persistence.ErrNotExist) {
		slog.Warn("Persistent cache snapshot does not exist, starting empty")
		return ErrSnapshotMissing
	}

	c.objects = make(objectTable)
	c.scalars = make(map[string]value.Value)

	if err != nil {
		if !errors.Is(err, snapshot.ErrCorrupt) {
			slog.Error("Failed to read persistent cache snapshot", "err", err.Error())
			return fmt.Errorf("failed to restore persistent cache: %w", err)
		}
		slog.Error("Failed to restore persistent cache, discarding snapshot", "err", err.Error())
		if rerr := c.storage.Remove(); rerr != nil {
			slog.Error("Failed to remove corrupt snapshot", "err", rerr.Error())
		}
		return fmt.Errorf("%w: %w", ErrSnapshotCorrupt, err)
	}

	c.objects = objectTable(t.Objects)
	c.scalars = t.Scalars
	slog.Info("Restored persistent cache",
		"types", len(c.objects), "objects", c.objects.count(), "scalars", len(c.scalars))
	return nil
}

// PurgeAndResnapshot drops every cached entry of the listed entity types,
// whatever the persistence policy says about them, and then rewrites the
// snapshot even if nothing was dropped. An empty list is a no-op.
func (c *Cache) PurgeAndResnapshot(types []uint16) error {
	if len(types) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, typ := range c.objects.purge(types) {
		slog.Info("Removing objects of type from the persistent cache", "type", typ)
	}
	return c.flush()
}

// flush writes both tables. Callers hold c.mu.
func (c *Cache) flush() error {
	t := &snapshot.Tables{Objects: c.objects, Scalars: c.scalars}
	if err := c.storage.Save(t); err != nil {
		slog.Error("Failed to write persistent cache snapshot", "err", err.Error())
		return fmt.Errorf("failed to write persistent cache: %w", err)
	}
	return nil
}

// Entry returns a copy of the cached entry for path under entityType.
func (c *Cache) Entry(entityType uint16, path string) (snapshot.Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.objects.entry(entityType, path)
	if e == nil {
		return snapshot.Entry{}, false
	}
	return *e.Clone(), true
}

// Property returns the cached value of iface.prop on the object at path.
func (c *Cache) Property(path, iface, prop string) (value.Value, bool) {
	id, ok := c.index.Lookup(path)
	if !ok {
		return value.Value{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.objects.entry(id.Type, path)
	if e == nil {
		return value.Value{}, false
	}
	v, ok := e.Properties[iface][prop]
	return v, ok
}

func (c *Cache) Scalar(key string) (value.Value, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.scalars[key]
	return v, ok
}

// Types returns the entity types with cached entries, ascending.
func (c *Cache) Types() []uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.objects.types()
}

// Paths returns the cached object paths of entityType, sorted.
func (c *Cache) Paths(entityType uint16) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.objects.paths(entityType)
}

// Tables returns a deep copy of both tables.
func (c *Cache) Tables() *snapshot.Tables {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &snapshot.Tables{Objects: c.objects, Scalars: c.scalars}
	return t.Clone()
}
