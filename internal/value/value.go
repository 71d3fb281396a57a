// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package value defines the property value stored by the cache.
//
// A Value is a closed sum type: exactly one of the kinds below is held at a
// time, and every encoder in this package switches over all of them. The
// zero Value has kind Invalid and is what an absent property compares as.
package value

import (
	"bytes"
	"fmt"
	"math"
	"strings"
)

// Kind identifies which alternative a Value holds.
// The numeric values are part of the snapshot format and must not change.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindBool
	KindInt
	KindUint
	KindFloat
	KindString
	KindBytes
	KindList
)

var kindNames = [...]string{
	KindInvalid: "invalid",
	KindBool:    "bool",
	KindInt:     "int",
	KindUint:    "uint",
	KindFloat:   "float",
	KindString:  "string",
	KindBytes:   "bytes",
	KindList:    "list",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Valid reports whether k is one of the storable kinds.
func (k Kind) Valid() bool {
	return k > KindInvalid && k <= KindList
}

// ParseKind returns the Kind named s.
func ParseKind(s string) (Kind, error) {
	for i, name := range kindNames {
		if Kind(i) != KindInvalid && strings.EqualFold(s, name) {
			return Kind(i), nil
		}
	}
	return KindInvalid, fmt.Errorf("unknown value kind %q", s)
}

// Value is an immutable property value.
type Value struct {
	kind Kind
	b    bool
	i    int64
	u    uint64
	f    float64
	s    string
	raw  []byte
	list []Value
}

func Bool(b bool) Value { return Value{kind: KindBool, b: b} }
func Int(i int64) Value { return Value{kind: KindInt, i: i} }
func Uint(u uint64) Value { return Value{kind: KindUint, u: u} }
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }
func String(s string) Value { return Value{kind: KindString, s: s} }

// Bytes copies b into a new Value.
func Bytes(b []byte) Value {
	return Value{kind: KindBytes, raw: bytes.Clone(b)}
}

// List builds an ordered collection. Elements may be of mixed kinds.
func List(elems ...Value) Value {
	l := make([]Value, len(elems))
	copy(l, elems)
	return Value{kind: KindList, list: l}
}

// Strings is shorthand for a List of String values.
func Strings(ss ...string) Value {
	l := make([]Value, len(ss))
	for i, s := range ss {
		l[i] = String(s)
	}
	return Value{kind: KindList, list: l}
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) Bool() bool { return v.b }
func (v Value) Int() int64 { return v.i }
func (v Value) Uint() uint64 { return v.u }
func (v Value) Float() float64 { return v.f }
func (v Value) Str() string { return v.s }
func (v Value) Raw() []byte { return bytes.Clone(v.raw) }
func (v Value) Len() int { return len(v.list) }
func (v Value) Index(i int) Value { return v.list[i] }

// MaxDepth is the deepest nesting a storable Value may have. A scalar has
// depth 1 and every enclosing List adds one.
const MaxDepth = 16

// CBORNestedLevels is the CBOR nesting of a Value at MaxDepth: each level
// is a [kind, payload] array and each List adds the payload array.
const CBORNestedLevels = 2*MaxDepth - 1

// IsValid reports whether v can be stored: every kind in it is a storable
// kind and it is nested no deeper than MaxDepth.
func (v Value) IsValid() bool { return v.valid(1) }

func (v Value) valid(depth int) bool {
	if depth > MaxDepth || !v.kind.Valid() {
		return false
	}
	for _, e := range v.list {
		if !e.valid(depth + 1) {
			return false
		}
	}
	return true
}

// Equal reports whether v and o hold the same kind and contents.
// Floats are compared by bit pattern, so NaN equals an identical NaN.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindInvalid:
		return true
	case KindBool:
		return v.b == o.b
	case KindInt:
		return v.i == o.i
	case KindUint:
		return v.u == o.u
	case KindFloat:
		return math.Float64bits(v.f) == math.Float64bits(o.f)
	case KindString:
		return v.s == o.s
	case KindBytes:
		return bytes.Equal(v.raw, o.raw)
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// Interface returns the held value as a plain Go value. Lists become []any.
func (v Value) Interface() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindUint:
		return v.u
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindBytes:
		return bytes.Clone(v.raw)
	case KindList:
		out := make([]any, len(v.list))
		for i, e := range v.list {
			out[i] = e.Interface()
		}
		return out
	}
	return nil
}

func (v Value) String() string {
	switch v.kind {
	case KindInvalid:
		return "<invalid>"
	case KindString:
		return fmt.Sprintf("%q", v.s)
	case KindBytes:
		return fmt.Sprintf("%x", v.raw)
	case KindList:
		parts := make([]string, len(v.list))
		for i, e := range v.list {
			parts[i] = e.String()
		}
		return "[" + strings.Join(parts, " ") + "]"
	}
	return fmt.Sprint(v.Interface())
}
