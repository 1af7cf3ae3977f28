// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package banana

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/foolscap-go/banana/date"
)

// List is a mutable, reference-tracked sequence (Python list).
// Two Lists are the same object if and only if they are the
// same pointer; this is what lets decoded cycles and shared
// references reproduce Go pointer equality (spec.md §8).
type List struct {
	Items []any
}

// Tuple is a fixed, reference-tracked sequence (Python tuple).
type Tuple struct {
	Items []any
}

// DictEntry is one key/value pair of a Dict, in wire order.
type DictEntry struct {
	Key   any
	Value any
}

// Dict is an ordered, reference-tracked mapping (Python dict).
// Keys are arbitrary hashable values; duplicate or unhashable
// keys are a fatal BananaError on decode (spec.md §7/§8), so Dict
// keeps entries as an ordered slice rather than a Go map.
type Dict struct {
	Entries []DictEntry
}

// Get returns the value for key using Banana equality (see
// hashKey), and whether it was present.
func (d *Dict) Get(key any) (any, bool) {
	k := hashKey(key)
	for _, e := range d.Entries {
		if hashKey(e.Key) == k {
			return e.Value, true
		}
	}
	return nil, false
}

// Set is a reference-tracked collection (Python set/frozenset).
type Set struct {
	Items  []any
	Frozen bool
}

// Has reports whether v is a member of s, using Banana equality.
func (s *Set) Has(v any) bool {
	k := hashKey(v)
	for _, item := range s.Items {
		if hashKey(item) == k {
			return true
		}
	}
	return false
}

// hashKey returns a comparable Go value usable as a map/dict key
// surrogate for Banana scalar values. Unhashable values (*List,
// *Dict, *Set, *Instance) all return nil, so callers must check
// isHashable first.
func hashKey(v any) any {
	switch x := v.(type) {
	case *List, *Dict, *Set, *Instance:
		return nil // unhashable: callers must check isHashable first
	case []byte:
		return string(x)
	case *big.Int:
		return x.String() + "#big"
	case Decimal:
		return x.String() + "#dec"
	default:
		return v
	}
}

// isHashable reports whether v is usable as a Dict key or Set
// member. Lists, dicts, sets and mutable instances are not.
func isHashable(v any) bool {
	switch v.(type) {
	case *List, *Dict, *Set, *Instance:
		return false
	default:
		return true
	}
}

// Instance is an unsafe-mode value constructed via the reduction
// protocol (spec.md §4.3.1, §9): analogous to Python's
// object.__reduce__, it carries a class name, constructor
// arguments, optional keyword arguments and a flat state mapping
// applied after construction.
type Instance struct {
	Protocol int // 0, 2 or 4; see SPEC_FULL.md §11 Open Question 1
	Class    string
	Args     *Tuple
	Kwargs   *Dict // only used by protocol 4; nil if absent
	State    *Dict // flat key/value pairs applied via setstate

	// ListItems/DictItems have no wire form: the decoder never
	// fills them, and a non-empty value here makes Encode fail
	// with a Violation (SPEC_FULL.md §11, Open Question 3 — left
	// deliberately unimplemented, as in the original).
	ListItems []any
	DictItems []DictEntry
}

// Reducer is implemented by Go types that want to participate in
// unsafe-mode instance serialization. Reduce returns the pieces
// of the reduction tuple this implementation supports: a class
// name (looked up in an InstanceRegistry on decode), constructor
// arguments, and post-construction state.
type Reducer interface {
	Reduce() (class string, args *Tuple, state *Dict)
}

// Decimal is an arbitrary-precision decimal value that can also
// represent NaN, matching Python's decimal.Decimal (spec.md §8:
// `Decimal("NaN")` must round-trip string-equal to "NaN"). No
// library in the example corpus provides this; math/big.Float
// and math/big.Rat have no NaN representation, so Decimal is a
// small stdlib-only sign+digits+exponent+NaN-flag value.
type Decimal struct {
	NaN      bool
	Negative bool
	Digits   string // unsigned decimal digits, no leading zeros (except "0")
	Exponent int    // value = (-1)^Negative * Digits * 10^Exponent
}

// ParseDecimal parses a decimal literal, including "NaN" and
// "-NaN", using the same textual grammar as Python's
// decimal.Decimal constructor for the subset Banana needs to
// round-trip.
func ParseDecimal(s string) (Decimal, error) {
	orig := s
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	} else if strings.HasPrefix(s, "+") {
		s = s[1:]
	}
	if strings.EqualFold(s, "nan") {
		return Decimal{NaN: true, Negative: neg}, nil
	}
	mantissa := s
	exp := 0
	if i := strings.IndexAny(s, "eE"); i >= 0 {
		mantissa = s[:i]
		e, err := strconv.Atoi(s[i+1:])
		if err != nil {
			return Decimal{}, fmt.Errorf("banana: invalid decimal %q: %w", orig, err)
		}
		exp = e
	}
	intPart, fracPart, hasFrac := strings.Cut(mantissa, ".")
	if hasFrac {
		exp -= len(fracPart)
	}
	digits := intPart + fracPart
	digits = strings.TrimLeft(digits, "0")
	if digits == "" {
		digits = "0"
	}
	if _, err := strconv.ParseUint(digits, 10, 64); err != nil && len(digits) <= 18 {
		return Decimal{}, fmt.Errorf("banana: invalid decimal %q", orig)
	}
	return Decimal{Negative: neg, Digits: digits, Exponent: exp}, nil
}

// String renders d using Python decimal.Decimal's textual
// convention closely enough to round-trip through ParseDecimal.
func (d Decimal) String() string {
	if d.NaN {
		if d.Negative {
			return "-NaN"
		}
		return "NaN"
	}
	sign := ""
	if d.Negative {
		sign = "-"
	}
	if d.Exponent >= 0 {
		return sign + d.Digits + strings.Repeat("0", d.Exponent)
	}
	// negative exponent: insert a decimal point
	digits := d.Digits
	point := len(digits) + d.Exponent
	if point <= 0 {
		return sign + "0." + strings.Repeat("0", -point) + digits
	}
	return sign + digits[:point] + "." + digits[point:]
}

// Equal reports whether d and o have the same sign, digits and
// exponent, which is the round-trip property Banana requires: "1.0"
// and "1" are not Equal, and NaN is only equal to NaN of the same
// sign (not IEEE-754 NaN semantics).
func (d Decimal) Equal(o Decimal) bool {
	return d == o
}

// UUID values wire the well-known "uuid" opentype (spec.md §6)
// using google/uuid.
type UUID = uuid.UUID

// parseUUIDBytes reconstructs a UUID from the 16 raw bytes carried
// by a decoded "uuid" frame's BYTES body.
func parseUUIDBytes(b []byte) (UUID, error) {
	return uuid.FromBytes(b)
}

// Ref is produced while decoding a value whose object graph has
// not finished assembling: a placeholder for a not-yet-closed
// frame referenced cyclically by one of its own descendants.
// Containers that receive a Ref install a resolver and patch the
// slot in place once the placeholder is resolved (spec.md §4.4.1);
// application code should never observe a Ref once decoding has
// fully completed for the top-level object.
type Ref struct {
	id        int
	resolved  bool
	value     any
	observers []func(any)
}

func newRef(id int) *Ref {
	return &Ref{id: id}
}

// resolve fulfills the placeholder with its final value and
// notifies every observer registered via onResolve.
func (r *Ref) resolve(v any) {
	r.value = v
	r.resolved = true
	obs := r.observers
	r.observers = nil
	for _, fn := range obs {
		fn(v)
	}
}

// onResolve registers fn to be called once with the final value
// once r resolves. If r is already resolved, fn is called
// immediately.
func (r *Ref) onResolve(fn func(any)) {
	if r.resolved {
		fn(r.value)
		return
	}
	r.observers = append(r.observers, fn)
}

// Timestamp wires the well-known "datetime" opentype (spec.md §6)
// using the teacher's date.Time, a nanosecond-precision calendar
// time stored in UTC (no timezone is kept). The "date" and "time"
// opentypes are not encoded or decoded.
type Timestamp = date.Time
