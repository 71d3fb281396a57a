// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package snapshot

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	"github.com/ffutop/bmc-cache/internal/value"
)

// File layout:
//
//	offset 0: magic "PCSH"
//	offset 4: format version, big-endian uint16
//	offset 6: one CBOR data item holding Tables
const (
	magic      = "PCSH"
	headerSize = len(magic) + 2

	// Version is the current format version. Files carrying any other
	// version are treated as corrupt.
	Version uint16 = 1
)

// ErrCorrupt matches every decode failure returned by this package.
var ErrCorrupt = errors.New("corrupt snapshot")

// CorruptError describes why a snapshot could not be decoded.
type CorruptError struct {
	Reason string
	Err    error
}

func (e *CorruptError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("corrupt snapshot: %s: %v", e.Reason, e.Err)
	}
	return "corrupt snapshot: " + e.Reason
}

func (e *CorruptError) Unwrap() error { return e.Err }

func (e *CorruptError) Is(target error) bool { return target == ErrCorrupt }

func corrupt(err error, format string, args ...any) error {
	return &CorruptError{Reason: fmt.Sprintf(format, args...), Err: err}
}

// tablesNestedLevels is the CBOR nesting above a property value:
// Tables, Objects, paths, Entry, Properties, interface.
const tablesNestedLevels = 6

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	// Sorted map keys give byte-identical output for identical tables.
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	decOpts := cbor.DecOptions{
		DupMapKey:       cbor.DupMapKeyEnforcedAPF,
		MaxNestedLevels: tablesNestedLevels + value.CBORNestedLevels + 1,
	}
	if decMode, err = decOpts.DecMode(); err != nil {
		panic(err)
	}
}

// Marshal returns the complete file contents for t.
func Marshal(t *Tables) ([]byte, error) {
	if t == nil {
		t = NewTables()
	}
	body, err := encMode.Marshal(t)
	if err != nil {
		return nil, errors.Wrap(err, "encoding snapshot")
	}
	buf := make([]byte, headerSize, headerSize+len(body))
	copy(buf, magic)
	binary.BigEndian.PutUint16(buf[len(magic):], Version)
	return append(buf, body...), nil
}

// Encode writes the snapshot of t to w.
func Encode(w io.Writer, t *Tables) error {
	data, err := Marshal(t)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return errors.Wrap(err, "writing snapshot")
}

// Unmarshal decodes a complete snapshot file. It either returns fully
// populated tables or an error matching ErrCorrupt, never a partial result.
func Unmarshal(data []byte) (*Tables, error) {
	if len(data) < headerSize {
		return nil, corrupt(nil, "short header (%d bytes)", len(data))
	}
	if string(data[:len(magic)]) != magic {
		return nil, corrupt(nil, "bad magic %q", data[:len(magic)])
	}
	if v := binary.BigEndian.Uint16(data[len(magic):headerSize]); v != Version {
		return nil, corrupt(nil, "unsupported format version %d", v)
	}
	var t Tables
	if err := decMode.Unmarshal(data[headerSize:], &t); err != nil {
		return nil, corrupt(err, "decoding tables")
	}
	if t.Objects == nil {
		t.Objects = make(map[uint16]map[string]*Entry)
	}
	if t.Scalars == nil {
		t.Scalars = make(map[string]value.Value)
	}
	for key, v := range t.Scalars {
		if !v.IsValid() {
			return nil, corrupt(nil, "invalid value for scalar %q", key)
		}
	}
	for typ, paths := range t.Objects {
		if paths == nil {
			t.Objects[typ] = make(map[string]*Entry)
			continue
		}
		for path, e := range paths {
			if e == nil {
				return nil, corrupt(nil, "null entry for type %d path %q", typ, path)
			}
			if e.Properties == nil {
				e.Properties = make(PropertyTable)
			}
			for iface, props := range e.Properties {
				if props == nil {
					e.Properties[iface] = make(map[string]value.Value)
					continue
				}
				for name, v := range props {
					if !v.IsValid() {
						return nil, corrupt(nil, "invalid value for %s %s.%s", path, iface, name)
					}
				}
			}
		}
	}
	return &t, nil
}

// Decode reads r to EOF and decodes it as a snapshot file.
func Decode(r io.Reader) (*Tables, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, errors.Wrap(err, "reading snapshot")
	}
	return Unmarshal(buf.Bytes())
}
