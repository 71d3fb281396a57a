// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package entity resolves object paths to managed entity identities and
// holds the set of entity types whose cached state is persisted.
package entity

import (
	"fmt"
	"slices"
)

// Identity is the stable (type, instance, container) triple of an entity.
type Identity struct {
	Type      uint16
	Instance  uint16
	Container uint16
}

func (id Identity) String() string {
	return fmt.Sprintf("%d/%d/%d", id.Type, id.Instance, id.Container)
}

// Descriptor is a raw entity record as reported by discovery.
type Descriptor interface {
	Entity() Identity
}

// Node is the descriptor produced by the entity association tree and by the
// static configuration file.
type Node struct {
	Type      uint16 `mapstructure:"type" json:"type"`
	Instance  uint16 `mapstructure:"instance" json:"instance"`
	Container uint16 `mapstructure:"container" json:"container"`
}

// Entity implements Descriptor.
func (n Node) Entity() Identity {
	return Identity{Type: n.Type, Instance: n.Instance, Container: n.Container}
}

// Index maps object paths to entity identities.
// It is populated at startup and read-only afterwards, so it carries no lock.
type Index struct {
	paths map[string]Identity
}

func NewIndex() *Index {
	return &Index{paths: make(map[string]Identity)}
}

// Configure adds the given mappings. A path keeps the identity it was first
// configured with; later mappings for it are ignored.
func (x *Index) Configure(mappings map[string]Descriptor) {
	for path, d := range mappings {
		if path == "" || d == nil {
			continue
		}
		if _, ok := x.paths[path]; ok {
			continue
		}
		x.paths[path] = d.Entity()
	}
}

// Lookup returns the identity configured for path.
func (x *Index) Lookup(path string) (Identity, bool) {
	id, ok := x.paths[path]
	return id, ok
}

// Len returns the number of configured paths.
func (x *Index) Len() int {
	return len(x.paths)
}

// Policy is the set of entity types eligible for durable storage.
type Policy struct {
	types map[uint16]struct{}
}

func NewPolicy(types ...uint16) *Policy {
	p := &Policy{}
	p.Configure(types)
	return p
}

// Configure replaces the eligible set.
func (p *Policy) Configure(types []uint16) {
	p.types = make(map[uint16]struct{}, len(types))
	for _, t := range types {
		p.types[t] = struct{}{}
	}
}

func (p *Policy) IsEligible(entityType uint16) bool {
	_, ok := p.types[entityType]
	return ok
}

// Types returns the eligible types in ascending order.
func (p *Policy) Types() []uint16 {
	out := make([]uint16, 0, len(p.types))
	for t := range p.types {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}
