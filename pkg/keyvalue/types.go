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

// Package keyvalue is the data model of the namespaced, expiring,
// persistent key-value subsystem: Entry, Value, Numeric, Timestamp,
// composite keys, and the public operation/output types. Nothing in
// this package touches the tree store or holds a mutex; see
// keyvalue/store for the stateful core.
package keyvalue

import (
	"errors"
	"fmt"
	"math"

	pkgerrors "github.com/pkg/errors"
)

// Timestamp is an absolute instant, nanoseconds since a fixed
// monotonic epoch. It deliberately does not interoperate with
// time.Time arithmetic: use Now to obtain one and Sub to compare two.
type Timestamp int64

// TimestampMax is the sentinel used when no expiration is pending.
const TimestampMax Timestamp = math.MaxInt64

var nowFunc = func() Timestamp { return Timestamp(monotonicNow()) }

// Now returns the current Timestamp.
func Now() Timestamp { return nowFunc() }

// Sub returns t-other as a duration in nanoseconds, or (0, false) if
// other is after t.
func (t Timestamp) Sub(other Timestamp) (int64, bool) {
	if other > t {
		return 0, false
	}
	return int64(t - other), true
}

// Add returns t shifted forward by d nanoseconds.
func (t Timestamp) Add(d int64) Timestamp { return t + Timestamp(d) }

// NumericKind tags which representation a Numeric carries.
type NumericKind uint8

const (
	KindInteger NumericKind = iota
	KindUnsignedInteger
	KindFloat
)

// Numeric is a tagged union over the three numeric representations
// Increment/Decrement operate on.
type Numeric struct {
	Kind            NumericKind
	Integer         int64
	UnsignedInteger uint64
	Float           float64
}

func Int(v int64) Numeric  { return Numeric{Kind: KindInteger, Integer: v} }
func Uint(v uint64) Numeric { return Numeric{Kind: KindUnsignedInteger, UnsignedInteger: v} }
func Flt(v float64) Numeric { return Numeric{Kind: KindFloat, Float: v} }

// Value is the tagged union stored in an Entry: either raw bytes or a
// Numeric.
type Value struct {
	IsNumeric bool
	Bytes     []byte
	Numeric   Numeric
}

func BytesValue(b []byte) Value  { return Value{Bytes: b} }
func NumericValue(n Numeric) Value { return Value{IsNumeric: true, Numeric: n} }

// Entry is the stored record.
type Entry struct {
	Value      Value
	Expiration *Timestamp
}

// KeyStatus is returned by Set/Delete when the caller didn't ask for
// the previous value.
type KeyStatus uint8

const (
	StatusInserted KeyStatus = iota
	StatusUpdated
	StatusDeleted
	StatusNotChanged
)

func (s KeyStatus) String() string {
	switch s {
	case StatusInserted:
		return "Inserted"
	case StatusUpdated:
		return "Updated"
	case StatusDeleted:
		return "Deleted"
	case StatusNotChanged:
		return "NotChanged"
	default:
		return "Unknown"
	}
}

// Output is the result of PerformOperation: exactly one field is
// meaningful, selected by HasValue.
type Output struct {
	HasValue bool
	Value    *Value // nil means "no value" (e.g. Get on a missing key)
	Status   KeyStatus
}

// KeyCheck gates whether a Set is applied.
type KeyCheck uint8

const (
	CheckNone KeyCheck = iota
	CheckOnlyIfPresent
	CheckOnlyIfVacant
)

// CommandKind selects which command a KeyOperation carries.
type CommandKind uint8

const (
	CommandSet CommandKind = iota
	CommandGet
	CommandDelete
	CommandIncrement
	CommandDecrement
)

// SetCommand is the payload of a Set command.
type SetCommand struct {
	Value                  Value
	Expiration             *Timestamp
	KeepExistingExpiration bool
	Check                  KeyCheck
	ReturnPreviousValue    bool
}

// GetCommand is the payload of a Get command.
type GetCommand struct {
	Delete bool
}

// NumericCommand is the payload of Increment/Decrement.
type NumericCommand struct {
	Amount     Numeric
	Saturating bool
}

// KeyOperation is the public input to PerformOperation.
type KeyOperation struct {
	Namespace string // empty means no namespace
	Key       string

	Command   CommandKind
	Set       SetCommand
	Get       GetCommand
	Numeric   NumericCommand
}

// Error taxonomy (spec.md §7). Commit/tree errors are additionally
// wrapped with github.com/pkg/errors in keyvalue/store to preserve a
// stack trace for the hard-to-reproduce background-flush failures.
var (
	// ErrTypeMismatch is returned by Increment/Decrement when the
	// stored value is Bytes rather than Numeric.
	ErrTypeMismatch = errors.New("type of stored value is not Numeric")

	// ErrInvalidKey is returned when a namespace or key contains a NUL
	// byte, which would corrupt the composite-key encoding.
	ErrInvalidKey = errors.New("namespace or key must not contain a NUL byte")

	// ErrEncoding wraps a composite key or Entry that failed to decode.
	ErrEncoding = errors.New("keyvalue: encoding error")

	// ErrInvariant marks an internal invariant violation: an expected
	// expiration-index entry was missing. Should be unreachable if the
	// invariants in spec.md §3 hold.
	ErrInvariant = errors.New("keyvalue: internal invariant violation")

	// ErrTreeIO is the sentinel at the root of every error returned by
	// a kv.RwTx/RoTx call made in keyvalue/store (begin, read, modify,
	// commit, scan). Callers
	// that only care whether the failure was a tree I/O problem, as
	// opposed to ErrTypeMismatch/ErrInvalidKey/ErrEncoding, can match
	// on it with errors.Is regardless of the wrapping message.
	ErrTreeIO = errors.New("keyvalue: tree I/O error")
)

// WrapTreeIO wraps a tree-store error (from kv.RwTx/RoTx) with message
// and the ErrTreeIO sentinel, via pkg/errors so the wrapped value keeps
// a stack trace and both errors.Is(result, ErrTreeIO) and
// errors.Is(result, err) hold.
func WrapTreeIO(err error, message string) error {
	if err == nil {
		return nil
	}
	return pkgerrors.Wrap(fmt.Errorf("%w: %w", ErrTreeIO, err), message)
}

// WrapInvariant attaches message to ErrInvariant with a stack trace,
// for the release-build ("!debug") path of an internal consistency
// check that failed.
func WrapInvariant(message string) error {
	return pkgerrors.Wrap(ErrInvariant, message)
}
