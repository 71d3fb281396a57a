// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package value

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

// CBOR form: a two element array [kind, payload].
// Floats are carried as their IEEE-754 bits so that NaN payloads and
// negative zero survive a round trip unchanged.

var decMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{MaxNestedLevels: CBORNestedLevels + 1}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}()

// MarshalCBOR implements cbor.Marshaler.
func (v Value) MarshalCBOR() ([]byte, error) {
	var payload any
	switch v.kind {
	case KindBool:
		payload = v.b
	case KindInt:
		payload = v.i
	case KindUint:
		payload = v.u
	case KindFloat:
		payload = math.Float64bits(v.f)
	case KindString:
		payload = v.s
	case KindBytes:
		payload = v.raw
	case KindList:
		payload = v.list
	default:
		return nil, errors.Errorf("cannot encode value of kind %s", v.kind)
	}
	return cbor.Marshal([]any{uint8(v.kind), payload})
}

// UnmarshalCBOR implements cbor.Unmarshaler. Unknown kinds and payloads of
// the wrong CBOR type are rejected.
func (v *Value) UnmarshalCBOR(data []byte) error {
	var pair []cbor.RawMessage
	if err := decMode.Unmarshal(data, &pair); err != nil {
		return errors.Wrap(err, "decoding value")
	}
	if len(pair) != 2 {
		return errors.Errorf("decoding value: want 2 elements, got %d", len(pair))
	}
	var kind Kind
	if err := decMode.Unmarshal(pair[0], &kind); err != nil {
		return errors.Wrap(err, "decoding value kind")
	}
	var err error
	switch kind {
	case KindBool:
		var b bool
		err = decMode.Unmarshal(pair[1], &b)
		*v = Bool(b)
	case KindInt:
		var i int64
		err = decMode.Unmarshal(pair[1], &i)
		*v = Int(i)
	case KindUint:
		var u uint64
		err = decMode.Unmarshal(pair[1], &u)
		*v = Uint(u)
	case KindFloat:
		var bits uint64
		err = decMode.Unmarshal(pair[1], &bits)
		*v = Float(math.Float64frombits(bits))
	case KindString:
		var s string
		err = decMode.Unmarshal(pair[1], &s)
		*v = String(s)
	case KindBytes:
		var raw []byte
		err = decMode.Unmarshal(pair[1], &raw)
		*v = Value{kind: KindBytes, raw: raw}
	case KindList:
		var l []Value
		err = decMode.Unmarshal(pair[1], &l)
		*v = Value{kind: KindList, list: l}
	default:
		return errors.Errorf("decoding value: unknown kind %d", uint8(kind))
	}
	return errors.Wrapf(err, "decoding %s payload", kind)
}

// jsonValue is the JSON form used by the event feed and dumps:
//
//	{"type": "int", "value": 42}
type jsonValue struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	if !v.kind.Valid() {
		return nil, errors.Errorf("cannot encode value of kind %s", v.kind)
	}
	var (
		payload []byte
		err     error
	)
	switch v.kind {
	case KindFloat:
		// JSON has no literal for NaN or the infinities.
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			payload, err = json.Marshal(strconv.FormatFloat(v.f, 'g', -1, 64))
		} else {
			payload, err = json.Marshal(v.f)
		}
	case KindUint:
		payload = []byte(strconv.FormatUint(v.u, 10))
	case KindInt:
		payload = []byte(strconv.FormatInt(v.i, 10))
	case KindList:
		payload, err = json.Marshal(v.list)
	default:
		payload, err = json.Marshal(v.Interface())
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(jsonValue{Type: v.kind.String(), Value: payload})
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	var jv jsonValue
	if err := json.Unmarshal(data, &jv); err != nil {
		return err
	}
	kind, err := ParseKind(jv.Type)
	if err != nil {
		return err
	}
	if len(jv.Value) == 0 {
		return errors.Errorf("value of type %s has no payload", kind)
	}
	dec := json.NewDecoder(bytes.NewReader(jv.Value))
	dec.UseNumber()
	switch kind {
	case KindBool:
		var b bool
		err = dec.Decode(&b)
		*v = Bool(b)
	case KindInt:
		var n json.Number
		if err = dec.Decode(&n); err == nil {
			var i int64
			i, err = strconv.ParseInt(n.String(), 10, 64)
			*v = Int(i)
		}
	case KindUint:
		var n json.Number
		if err = dec.Decode(&n); err == nil {
			var u uint64
			u, err = strconv.ParseUint(n.String(), 10, 64)
			*v = Uint(u)
		}
	case KindFloat:
		var raw any
		if err = dec.Decode(&raw); err == nil {
			var f float64
			switch x := raw.(type) {
			case json.Number:
				f, err = x.Float64()
			case string:
				f, err = strconv.ParseFloat(x, 64)
			default:
				err = errors.Errorf("float payload has type %T", raw)
			}
			*v = Float(f)
		}
	case KindString:
		var s string
		err = dec.Decode(&s)
		*v = String(s)
	case KindBytes:
		var raw []byte
		err = dec.Decode(&raw)
		*v = Value{kind: KindBytes, raw: raw}
	case KindList:
		var l []Value
		err = dec.Decode(&l)
		*v = Value{kind: KindList, list: l}
	}
	return errors.Wrapf(err, "decoding %s value", kind)
}
