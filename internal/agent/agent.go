// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package agent wires configuration, entity index, persistence policy,
// storage and the cache into one running instance and feeds it updates.
package agent

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"

	pkgerrors "github.com/pkg/errors"

	"github.com/ffutop/bmc-cache/internal/cache"
	"github.com/ffutop/bmc-cache/internal/config"
	"github.com/ffutop/bmc-cache/internal/entity"
	"github.com/ffutop/bmc-cache/internal/persistence"
)

// RestoreStatus is the outcome of Start.
type RestoreStatus string

const (
	Restored RestoreStatus = "restored"
	Missing  RestoreStatus = "missing"
	Corrupt  RestoreStatus = "corrupt"
)

// maxEventSize bounds one line of the event feed.
const maxEventSize = 1 << 20

// Agent represents a single cache instance.
type Agent struct {
	index   *entity.Index
	policy  *entity.Policy
	storage persistence.Storage
	cache   *cache.Cache
}

// New creates an Agent from cfg. The snapshot is not read until Start.
func New(cfg *config.Config) (*Agent, error) {
	storage, err := persistence.New(cfg.Cache.Persistence)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to initialize persistence")
	}
	return NewWithStorage(cfg, storage), nil
}

// NewWithStorage creates an Agent over an already opened storage.
func NewWithStorage(cfg *config.Config, storage persistence.Storage) *Agent {
	index := entity.NewIndex()
	mappings := make(map[string]entity.Descriptor, len(cfg.Entities))
	for _, e := range cfg.Entities {
		mappings[e.Path] = entity.Node{Type: e.Type, Instance: e.Instance, Container: e.Container}
	}
	index.Configure(mappings)

	policy := entity.NewPolicy(cfg.Cache.PersistEntityTypes...)
	slog.Debug("Configured persistent cache",
		"entities", index.Len(), "persist_entity_types", policy.Types())

	return &Agent{
		index:   index,
		policy:  policy,
		storage: storage,
		cache:   cache.New(index, policy, storage),
	}
}

// Start restores the previous snapshot. A missing or corrupt snapshot is
// reported through the status and leaves an empty cache; only other read
// failures are returned as errors.
func (a *Agent) Start() (RestoreStatus, error) {
	err := a.cache.Restore()
	switch {
	case err == nil:
		return Restored, nil
	case errors.Is(err, cache.ErrSnapshotMissing):
		return Missing, nil
	case errors.Is(err, cache.ErrSnapshotCorrupt):
		return Corrupt, nil
	default:
		return "", err
	}
}

// Apply dispatches one event to the cache.
func (a *Agent) Apply(e Event) error {
	switch e.Op {
	case OpPut:
		return a.cache.Put(e.Path, e.Interface, e.Property, e.Value)
	case OpScalar:
		return a.cache.PutScalar(e.Key, e.Value)
	case OpPurge:
		return a.cache.PurgeAndResnapshot(e.Types)
	default:
		return pkgerrors.Errorf("unknown event op %q", string(e.Op))
	}
}

// Run applies JSON-lines events from r until EOF or until ctx is done.
// Malformed lines and failed writes are logged and skipped; the returned
// error reports a failure to read r.
func (a *Agent) Run(ctx context.Context, r io.Reader) error {
	lines := make(chan []byte)
	readErr := make(chan error, 1)

	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 4096), maxEventSize)
		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 || line[0] == '#' {
				continue
			}
			select {
			case lines <- bytes.Clone(line):
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	var applied, failed int
	defer func() {
		slog.Info("Event feed stopped", "applied", applied, "failed", failed)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					return pkgerrors.Wrap(err, "reading events")
				default:
					return nil
				}
			}
			e, err := ParseEvent(line)
			if err != nil {
				slog.Warn("Skipping event", "err", err.Error())
				failed++
				continue
			}
			if err := a.Apply(e); err != nil {
				slog.Error("Failed to apply event", "event", e, "err", err.Error())
				failed++
				continue
			}
			slog.Debug("Applied event", "event", e)
			applied++
		}
	}
}

// Cache returns the underlying cache.
func (a *Agent) Cache() *cache.Cache { return a.cache }

// Index returns the entity index built from the configuration.
func (a *Agent) Index() *entity.Index { return a.index }

// Close releases the storage.
func (a *Agent) Close() error {
	return a.storage.Close()
}
