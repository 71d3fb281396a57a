// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package agent

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"

	"github.com/ffutop/bmc-cache/internal/value"
)

// Op names the kind of update carried by an Event.
type Op string

const (
	OpPut    Op = "put"    // property change on an object path
	OpScalar Op = "scalar" // flat key/value write
	OpPurge  Op = "purge"  // drop entity types and rewrite the snapshot
)

// Event is one update fed to the cache, one JSON object per line:
//
//	{"op":"put","path":"/xyz/sensor0","interface":"Sensor.Value","property":"Reading","value":{"type":"int","value":42}}
//	{"op":"scalar","key":"BootCount","value":{"type":"uint","value":3}}
//	{"op":"purge","types":[2,3]}
type Event struct {
	Op        Op          `json:"op"`
	Path      string      `json:"path,omitempty"`
	Interface string      `json:"interface,omitempty"`
	Property  string      `json:"property,omitempty"`
	Key       string      `json:"key,omitempty"`
	Value     value.Value `json:"value,omitzero"`
	Types     []uint16    `json:"types,omitempty"`
}

func (e Event) String() string {
	switch e.Op {
	case OpPut:
		return fmt.Sprintf("put %s %s.%s=%s", e.Path, e.Interface, e.Property, e.Value)
	case OpScalar:
		return fmt.Sprintf("scalar %s=%s", e.Key, e.Value)
	case OpPurge:
		return fmt.Sprintf("purge %v", e.Types)
	}
	return fmt.Sprintf("op(%q)", string(e.Op))
}

// ParseEvent decodes one line of the event feed.
// The value field is optional for purge events.
func ParseEvent(line []byte) (Event, error) {
	var raw struct {
		Op        Op              `json:"op"`
		Path      string          `json:"path"`
		Interface string          `json:"interface"`
		Property  string          `json:"property"`
		Key       string          `json:"key"`
		Value     json.RawMessage `json:"value"`
		Types     []uint16        `json:"types"`
	}
	if err := json.Unmarshal(line, &raw); err != nil {
		return Event{}, errors.Wrap(err, "malformed event")
	}
	e := Event{
		Op:        raw.Op,
		Path:      raw.Path,
		Interface: raw.Interface,
		Property:  raw.Property,
		Key:       raw.Key,
		Types:     raw.Types,
	}
	switch e.Op {
	case OpPut, OpScalar:
		if len(raw.Value) == 0 || string(raw.Value) == "null" {
			return Event{}, errors.Errorf("%s event without value", e.Op)
		}
		if err := json.Unmarshal(raw.Value, &e.Value); err != nil {
			return Event{}, errors.Wrapf(err, "%s event", e.Op)
		}
	case OpPurge:
	default:
		return Event{}, errors.Errorf("unknown event op %q", string(e.Op))
	}
	return e, nil
}
