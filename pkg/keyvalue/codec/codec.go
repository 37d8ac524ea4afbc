// Copyright 2024 The Erigon Authors
// This file is part of Erigon.
//
// Erigon is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Erigon is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Erigon. If not, see <http://www.gnu.org/licenses/>.

// Package codec holds the binary encodings persisted by the keyvalue
// core: the per-key Entry record stored in the tree, and the
// Changes::Keys payload attached to a commit's transaction log entry
// (spec.md §6 "External Interfaces"). Both use
// github.com/ugorji/go/codec's msgpack handle, the same general-purpose
// binary codec the teacher's go.mod pins, rather than a hand-rolled
// tagged format: msgpack gives us a stable, self-describing, round-trip
// safe wire format without hand-maintaining a tag byte per Value kind.
package codec

import (
	"bytes"

	"github.com/ugorji/go/codec"

	"github.com/erigontech/kvcore/pkg/keyvalue"
)

var mh = &codec.MsgpackHandle{}

// wireEntry mirrors keyvalue.Entry with exported, codec-tagged fields.
// Kept separate from keyvalue.Entry so the wire format doesn't shift
// every time the in-memory type gains a convenience method.
type wireEntry struct {
	ValueIsNumeric bool    `codec:"n"`
	ValueBytes     []byte  `codec:"b"`
	NumericKind    uint8   `codec:"k"`
	Integer        int64   `codec:"i"`
	Unsigned       uint64  `codec:"u"`
	Float          float64 `codec:"f"`
	HasExpiration  bool    `codec:"e"`
	Expiration     int64   `codec:"x"`
}

// EncodeEntry serializes e into the persisted Entry layout. The
// encoding is deterministic for a given Entry value and round-trips
// exactly via DecodeEntry, satisfying spec.md §6's byte-compatibility
// requirement for the persisted value format.
func EncodeEntry(e keyvalue.Entry) ([]byte, error) {
	w := wireEntry{
		ValueIsNumeric: e.Value.IsNumeric,
		ValueBytes:     e.Value.Bytes,
		NumericKind:    uint8(e.Value.Numeric.Kind),
		Integer:        e.Value.Numeric.Integer,
		Unsigned:       e.Value.Numeric.UnsignedInteger,
		Float:          e.Value.Numeric.Float,
	}
	if e.Expiration != nil {
		w.HasExpiration = true
		w.Expiration = int64(*e.Expiration)
	}
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, mh).Encode(&w); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeEntry is the inverse of EncodeEntry. A decode failure is
// reported as keyvalue.ErrEncoding (spec.md §7).
func DecodeEntry(data []byte) (keyvalue.Entry, error) {
	var w wireEntry
	if err := codec.NewDecoderBytes(data, mh).Decode(&w); err != nil {
		return keyvalue.Entry{}, keyvalue.ErrEncoding
	}
	e := keyvalue.Entry{
		Value: keyvalue.Value{
			IsNumeric: w.ValueIsNumeric,
			Bytes:     w.ValueBytes,
			Numeric: keyvalue.Numeric{
				Kind:            keyvalue.NumericKind(w.NumericKind),
				Integer:         w.Integer,
				UnsignedInteger: w.Unsigned,
				Float:           w.Float,
			},
		},
	}
	if w.HasExpiration {
		ts := keyvalue.Timestamp(w.Expiration)
		e.Expiration = &ts
	}
	return e, nil
}

// ChangedKey records one (namespace, key) touched by a commit.
type ChangedKey struct {
	Namespace string `codec:"ns"`
	Key       string `codec:"k"`
	Deleted   bool   `codec:"d"`
}

// Changes is the transaction-log payload a commit attaches when it
// produced at least one change: Changes::Keys in spec.md §6.
type Changes struct {
	Keys []ChangedKey `codec:"keys"`
}

// EncodeChanges serializes the set of keys a commit touched, for
// the document/transaction layer to append to its transaction log.
func EncodeChanges(c Changes) ([]byte, error) {
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, mh).Encode(&c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeChanges is the inverse of EncodeChanges.
func DecodeChanges(data []byte) (Changes, error) {
	var c Changes
	if err := codec.NewDecoderBytes(data, mh).Decode(&c); err != nil {
		return Changes{}, keyvalue.ErrEncoding
	}
	return c, nil
}
