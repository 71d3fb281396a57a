// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package cache

import (
	"slices"

	"github.com/ffutop/bmc-cache/internal/entity"
	"github.com/ffutop/bmc-cache/internal/snapshot"
	"github.com/ffutop/bmc-cache/internal/value"
)

// objectTable is the two-level index of cached entries: entity type, then
// object path. There is at most one entry per (type, path).
type objectTable map[uint16]map[string]*snapshot.Entry

func (t objectTable) entry(entityType uint16, path string) *snapshot.Entry {
	return t[entityType][path]
}

// set stores v under iface.prop for path and reports whether anything
// changed.
//
// A missing entry is created holding only this property. An entry with an
// empty property table is filled without comparison. Otherwise v is
// compared with the stored value (an absent property never compares equal)
// and an equal value leaves the table untouched.
func (t objectTable) set(id entity.Identity, path, iface, prop string, v value.Value) bool {
	paths, ok := t[id.Type]
	if !ok {
		paths = make(map[string]*snapshot.Entry)
		t[id.Type] = paths
	}

	e, ok := paths[path]
	if !ok {
		paths[path] = &snapshot.Entry{
			Instance:   id.Instance,
			Container:  id.Container,
			Properties: snapshot.PropertyTable{iface: {prop: v}},
		}
		return true
	}

	if len(e.Properties) == 0 {
		e.Properties = snapshot.PropertyTable{iface: {prop: v}}
		return true
	}

	props := e.Properties[iface]
	if cur, ok := props[prop]; ok && cur.Equal(v) {
		return false
	}
	if props == nil {
		props = make(map[string]value.Value)
		e.Properties[iface] = props
	}
	props[prop] = v
	return true
}

// purge drops every entry of the listed types and returns the types that
// were present.
func (t objectTable) purge(types []uint16) []uint16 {
	var removed []uint16
	for _, typ := range types {
		if _, ok := t[typ]; ok {
			delete(t, typ)
			removed = append(removed, typ)
		}
	}
	return removed
}

func (t objectTable) types() []uint16 {
	out := make([]uint16, 0, len(t))
	for typ := range t {
		out = append(out, typ)
	}
	slices.Sort(out)
	return out
}

func (t objectTable) paths(entityType uint16) []string {
	out := make([]string, 0, len(t[entityType]))
	for path := range t[entityType] {
		out = append(out, path)
	}
	slices.Sort(out)
	return out
}

func (t objectTable) count() int {
	n := 0
	for _, paths := range t {
		n += len(paths)
	}
	return n
}
