// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package snapshot encodes the cache tables to and from the single
// versioned snapshot file.
package snapshot

import (
	"github.com/ffutop/bmc-cache/internal/value"
)

// PropertyTable maps interface name -> property name -> value.
type PropertyTable map[string]map[string]value.Value

// Clone returns a copy that shares no maps with t.
func (pt PropertyTable) Clone() PropertyTable {
	out := make(PropertyTable, len(pt))
	for iface, props := range pt {
		m := make(map[string]value.Value, len(props))
		for name, v := range props {
			m[name] = v
		}
		out[iface] = m
	}
	return out
}

// Entry is the cached state of one object path.
type Entry struct {
	Instance   uint16        `cbor:"1,keyasint" json:"instance"`
	Container  uint16        `cbor:"2,keyasint" json:"container"`
	Properties PropertyTable `cbor:"3,keyasint" json:"properties"`
}

func (e *Entry) Clone() *Entry {
	return &Entry{
		Instance:   e.Instance,
		Container:  e.Container,
		Properties: e.Properties.Clone(),
	}
}

// Tables is the full persisted state: entries grouped by entity type and
// object path, and the flat scalar store.
type Tables struct {
	Objects map[uint16]map[string]*Entry `cbor:"1,keyasint" json:"objects"`
	Scalars map[string]value.Value       `cbor:"2,keyasint" json:"scalars"`
}

func NewTables() *Tables {
	return &Tables{
		Objects: make(map[uint16]map[string]*Entry),
		Scalars: make(map[string]value.Value),
	}
}

// Clone returns a deep copy of t.
func (t *Tables) Clone() *Tables {
	out := NewTables()
	for typ, paths := range t.Objects {
		m := make(map[string]*Entry, len(paths))
		for path, e := range paths {
			m[path] = e.Clone()
		}
		out.Objects[typ] = m
	}
	for k, v := range t.Scalars {
		out.Scalars[k] = v
	}
	return out
}
