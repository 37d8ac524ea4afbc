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

import (
	"math"
	"math/bits"
)

// asInt64 converts n to int64, saturating at the int64 bounds if
// saturating is true, or reinterpreting/truncating (Go's defined
// wrapping conversion) otherwise.
func asInt64(n Numeric, saturating bool) int64 {
	switch n.Kind {
	case KindInteger:
		return n.Integer
	case KindUnsignedInteger:
		if saturating && n.UnsignedInteger > math.MaxInt64 {
			return math.MaxInt64
		}
		return int64(n.UnsignedInteger)
	case KindFloat:
		if saturating {
			switch {
			case math.IsNaN(n.Float):
				return 0
			case n.Float >= math.MaxInt64:
				return math.MaxInt64
			case n.Float <= math.MinInt64:
				return math.MinInt64
			}
		}
		return int64(n.Float)
	default:
		return 0
	}
}

// asUint64 converts n to uint64 with the same saturating/wrapping rule.
func asUint64(n Numeric, saturating bool) uint64 {
	switch n.Kind {
	case KindInteger:
		if saturating && n.Integer < 0 {
			return 0
		}
		return uint64(n.Integer)
	case KindUnsignedInteger:
		return n.UnsignedInteger
	case KindFloat:
		if saturating {
			switch {
			case math.IsNaN(n.Float) || n.Float <= 0:
				return 0
			case n.Float >= math.MaxUint64:
				return math.MaxUint64
			}
		}
		return uint64(n.Float)
	default:
		return 0
	}
}

// asFloat64 converts n to float64. saturating has no effect on floats
// (spec.md §4.1, §9: "Float increments ignore saturating").
func asFloat64(n Numeric) float64 {
	switch n.Kind {
	case KindInteger:
		return float64(n.Integer)
	case KindUnsignedInteger:
		return float64(n.UnsignedInteger)
	case KindFloat:
		return n.Float
	default:
		return 0
	}
}

func saturatingAddInt64(a, b int64) int64 {
	sum := a + b
	if b > 0 && sum < a {
		return math.MaxInt64
	}
	if b < 0 && sum > a {
		return math.MinInt64
	}
	return sum
}

func saturatingSubInt64(a, b int64) int64 {
	diff := a - b
	if b < 0 && diff < a {
		return math.MaxInt64
	}
	if b > 0 && diff > a {
		return math.MinInt64
	}
	return diff
}

func saturatingAddUint64(a, b uint64) uint64 {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return math.MaxUint64
	}
	return sum
}

func saturatingSubUint64(a, b uint64) uint64 {
	diff, borrow := bits.Sub64(a, b, 0)
	if borrow != 0 {
		return 0
	}
	return diff
}

// Combine applies amount to existing, in the direction given by
// increment (true adds, false subtracts), producing a result whose
// Kind matches amount.Kind (spec.md §4.1 "Increment/Decrement").
// keyvalue/store calls this from executeNumericLocked; it is exported
// because the numeric conversion/overflow rules belong with the
// Numeric type, not with the stateful store.
func Combine(existing, amount Numeric, saturating, increment bool) Numeric {
	switch amount.Kind {
	case KindInteger:
		v := asInt64(existing, saturating)
		if saturating {
			if increment {
				return Int(saturatingAddInt64(v, amount.Integer))
			}
			return Int(saturatingSubInt64(v, amount.Integer))
		}
		if increment {
			return Int(v + amount.Integer)
		}
		return Int(v - amount.Integer)
	case KindUnsignedInteger:
		v := asUint64(existing, saturating)
		if saturating {
			if increment {
				return Uint(saturatingAddUint64(v, amount.UnsignedInteger))
			}
			return Uint(saturatingSubUint64(v, amount.UnsignedInteger))
		}
		if increment {
			return Uint(v + amount.UnsignedInteger)
		}
		return Uint(v - amount.UnsignedInteger)
	default: // KindFloat
		v := asFloat64(existing)
		if increment {
			return Flt(v + amount.Float)
		}
		return Flt(v - amount.Float)
	}
}
