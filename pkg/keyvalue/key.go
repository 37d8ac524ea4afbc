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

package keyvalue

import "bytes"

// FullKey forms the composite tree key namespace + 0x00 + key. An
// empty namespace yields the prefix 0x00 alone.
func FullKey(namespace, key string) []byte {
	full := make([]byte, 0, len(namespace)+len(key)+1)
	full = append(full, namespace...)
	full = append(full, 0)
	full = append(full, key...)
	return full
}

// SplitKey reverses FullKey: the first NUL byte separates namespace
// from key. Returns ok=false if full contains no NUL byte, which spec
// treats as a malformed/foreign key to be skipped during full scans
// rather than a loud error (spec.md §9 Open Questions).
func SplitKey(full []byte) (namespace, key string, ok bool) {
	idx := bytes.IndexByte(full, 0)
	if idx < 0 {
		return "", "", false
	}
	return string(full[:idx]), string(full[idx+1:]), true
}

// ValidateKeyParts rejects namespaces/keys containing a NUL byte,
// which would otherwise corrupt the composite-key encoding by
// introducing a second separator.
func ValidateKeyParts(namespace, key string) error {
	if bytes.IndexByte([]byte(namespace), 0) >= 0 || bytes.IndexByte([]byte(key), 0) >= 0 {
		return ErrInvalidKey
	}
	return nil
}
