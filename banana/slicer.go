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
	"math"
	"math/big"
	"strconv"
	"strings"
)

// Encoder walks an in-memory object graph and appends its Banana
// wire encoding to a byte buffer (spec.md §4.3). The reference
// implementation models this as a stack of lazy iterator
// "slicers" so a producer can suspend between yielded children;
// this implementation collapses that stack onto Go's own call
// stack (encodeValue recurses into children directly) since
// nothing here performs I/O or needs to yield to a scheduler — the
// only suspension point spec.md §5 actually requires is "waiting
// for more input bytes", which belongs to the decode side
// (see NextToken's ok=false return and Driver.DataReceived).
// Reference tracking, the one piece of state that must survive
// across the whole walk, lives on Encoder rather than being
// threaded through return values.
type Encoder struct {
	// Vocab is the outgoing vocabulary table consulted for every
	// string/byte atom. Mutating it outside of an add-vocab/
	// set-vocab frame written to the same stream will desync the
	// peer; Driver is responsible for keeping the two in lockstep.
	Vocab *Vocab

	// Registry resolves Reducer/*Instance values by class name on
	// the decode side; Encoder never reads it, since reduceOf
	// doesn't need a registry to produce bytes.
	Registry *InstanceRegistry

	PrefixLimit int

	refs *encodeRefs
	path []string
}

// NewEncoder returns an Encoder writing through vocab (never nil:
// pass NewVocab() for an empty table).
func NewEncoder(vocab *Vocab) *Encoder {
	return &Encoder{
		Vocab:       vocab,
		PrefixLimit: DefaultPrefixLimit,
		refs:        newEncodeRefs(),
	}
}

// Encode serializes obj as one top-level token/frame sequence and
// returns the bytes appended to buf. A *Violation error means obj
// (or something it contains) could not be serialized; the bytes
// already written end in a well-formed ABORT/CLOSE for the
// offending frame, matching what a peer unslicer expects to see
// (spec.md §8 scenario 4).
func (e *Encoder) Encode(buf []byte, obj any) ([]byte, error) {
	e.path = e.path[:0]
	return e.encodeValue(buf, obj)
}

func (e *Encoder) describe() string {
	return "<RootSlicer>" + strings.Join(e.path, "")
}

func (e *Encoder) encodeValue(buf []byte, obj any) ([]byte, error) {
	switch v := obj.(type) {
	case nil:
		return e.openClose(buf, "none", nil, func(b []byte) ([]byte, error) {
			return b, nil
		})
	case bool:
		return e.openClose(buf, "boolean", nil, func(b []byte) ([]byte, error) {
			i := int64(0)
			if v {
				i = 1
			}
			return appendInt(b, i), nil
		})
	case int:
		return appendInt(buf, int64(v)), nil
	case int64:
		return appendInt(buf, v), nil
	case *big.Int:
		return e.encodeBigInt(buf, v), nil
	case float64:
		return appendFloat(buf, math.Float64bits(v)), nil
	case []byte:
		return e.encodeBytesLike(buf, v, tbBytes, tbBVocab), nil
	case string:
		return e.encodeStringLike(buf, v), nil
	case Decimal:
		return e.openClose(buf, "decimal", nil, func(b []byte) ([]byte, error) {
			return e.encodeStringLike(b, v.String()), nil
		})
	case UUID:
		return e.openClose(buf, "uuid", nil, func(b []byte) ([]byte, error) {
			return e.encodeBytesLike(b, v[:], tbBytes, tbBVocab), nil
		})
	case Timestamp:
		return e.openClose(buf, "datetime", nil, func(b []byte) ([]byte, error) {
			return e.encodeStringLike(b, v.String()), nil
		})
	case *List:
		return e.encodeRefTracked(buf, v, "list", v.Items)
	case *Tuple:
		return e.encodeRefTracked(buf, v, "tuple", v.Items)
	case *Set:
		opentype := "set"
		if v.Frozen {
			opentype = "immutable-set"
		}
		return e.encodeRefTracked(buf, v, opentype, v.Items)
	case *Dict:
		return e.encodeDict(buf, v)
	default:
		if inst, ok := obj.(*Instance); ok && (len(inst.ListItems) > 0 || len(inst.DictItems) > 0) {
			return buf, NewViolation("listitems/dictitems not supported").withPath(e.describe())
		}
		if class, args, kwargs, state, protocol, ok := reduceOf(obj); ok {
			return e.encodeInstance(buf, obj, protocol, class, args, kwargs, state)
		}
		return buf, NewViolation("cannot serialize %T", obj).withPath(e.describe())
	}
}

// openClose allocates the next frame/reference id, emits
// OPEN <id> <opentype>, runs body, and emits CLOSE <id> (or, if
// body fails with a *Violation, ABORT <id> CLOSE <id> per spec.md
// §4.3 step 5 before propagating). refObj is the object to
// register against the new id for future reference-frame lookups,
// or nil for values that are never reference-tracked (scalars
// wrapped in a frame, such as none/boolean/decimal).
func (e *Encoder) openClose(buf []byte, opentype string, refObj any, body func([]byte) ([]byte, error)) ([]byte, error) {
	id := e.refs.assign(refObj)
	buf = appendCount(buf, tbOpen, uint64(id))
	buf = e.encodeStringLike(buf, opentype)

	e.path = append(e.path, "["+strconv.Itoa(id)+"]")
	out, err := body(buf)
	e.path = e.path[:len(e.path)-1]

	if err != nil {
		if v, ok := err.(*Violation); ok {
			out = appendCount(buf, tbAbort, uint64(id))
			out = appendCount(out, tbClose, uint64(id))
			return out, v.withPath(e.describe())
		}
		return buf, err
	}
	return appendCount(out, tbClose, uint64(id)), nil
}

// encodeRefTracked handles the three composite kinds whose Go
// representation is a plain item slice (list, tuple, set):
// emitting a `reference` frame for an object already seen, or
// descending into its elements for the first occurrence.
func (e *Encoder) encodeRefTracked(buf []byte, obj any, opentype string, items []any) ([]byte, error) {
	if id, seen := e.refs.lookup(obj); seen {
		return e.encodeReference(buf, id)
	}
	return e.openClose(buf, opentype, obj, func(b []byte) ([]byte, error) {
		var err error
		for _, item := range items {
			b, err = e.encodeValue(b, item)
			if err != nil {
				return b, err
			}
		}
		return b, nil
	})
}

func (e *Encoder) encodeDict(buf []byte, d *Dict) ([]byte, error) {
	if id, seen := e.refs.lookup(d); seen {
		return e.encodeReference(buf, id)
	}
	return e.openClose(buf, "dict", d, func(b []byte) ([]byte, error) {
		var err error
		for _, entry := range d.Entries {
			b, err = e.encodeValue(b, entry.Key)
			if err != nil {
				return b, err
			}
			b, err = e.encodeValue(b, entry.Value)
			if err != nil {
				return b, err
			}
		}
		return b, nil
	})
}

func (e *Encoder) encodeReference(buf []byte, id int) ([]byte, error) {
	return e.openClose(buf, "reference", nil, func(b []byte) ([]byte, error) {
		return appendInt(b, int64(id)), nil
	})
}

func (e *Encoder) encodeInstance(buf []byte, obj any, protocol int, class string, args *Tuple, kwargs *Dict, state *Dict) ([]byte, error) {
	if id, seen := e.refs.lookup(obj); seen {
		return e.encodeReference(buf, id)
	}
	return e.openClose(buf, "instance", obj, func(b []byte) ([]byte, error) {
		var err error
		b = appendInt(b, int64(protocol))
		b, err = e.openClose(b, "class", nil, func(bb []byte) ([]byte, error) {
			return e.encodeStringLike(bb, class), nil
		})
		if err != nil {
			return b, err
		}
		if args == nil {
			args = &Tuple{}
		}
		b, err = e.encodeValue(b, args)
		if err != nil {
			return b, err
		}
		if protocol == ReduceProtocolNewobjEx {
			if kwargs == nil {
				kwargs = &Dict{}
			}
			b, err = e.encodeValue(b, kwargs)
			if err != nil {
				return b, err
			}
		}
		if state != nil {
			for _, entry := range state.Entries {
				b, err = e.encodeValue(b, entry.Key)
				if err != nil {
					return b, err
				}
				b, err = e.encodeValue(b, entry.Value)
				if err != nil {
					return b, err
				}
			}
		}
		return b, nil
	})
}

func (e *Encoder) encodeBigInt(buf []byte, n *big.Int) []byte {
	if n.IsInt64() {
		return appendInt(buf, n.Int64())
	}
	tb := tbInt
	mag := n
	if n.Sign() < 0 {
		tb = tbNeg
		mag = new(big.Int).Neg(n)
	}
	return appendBigMagnitude(buf, mag, tb)
}

// encodeStringLike emits s as SVOCAB if the outgoing vocabulary
// already maps it, else as a literal STRING token. It never
// mutates Vocab: promoting a hot string to the vocabulary is an
// explicit, wire-visible operation (add-vocab) driven at the
// Driver level, not a side effect of encoding.
func (e *Encoder) encodeStringLike(buf []byte, s string) []byte {
	if idx, ok := e.Vocab.Lookup(s); ok {
		return appendVocab(buf, tbSVocab, uint64(idx))
	}
	return appendBytesToken(buf, tbString, []byte(s))
}

// encodeBytesLike is encodeStringLike's counterpart for raw byte
// strings, choosing BVOCAB over BYTES on a vocabulary hit.
func (e *Encoder) encodeBytesLike(buf []byte, b []byte, literal, vocab TypeByte) []byte {
	if idx, ok := e.Vocab.Lookup(string(b)); ok {
		return appendVocab(buf, vocab, uint64(idx))
	}
	return appendBytesToken(buf, literal, b)
}

// EncodeSetVocab emits a `set-vocab` frame replacing the outgoing
// table's entire contents (spec.md §4.2). It does not itself
// mutate e.Vocab; Driver.SetVocab does both in the right order.
func (e *Encoder) EncodeSetVocab(buf []byte, table []string) []byte {
	id := e.refs.assign(nil)
	buf = appendCount(buf, tbOpen, uint64(id))
	buf = e.encodeStringLike(buf, "set-vocab")
	for idx, val := range table {
		if val == "" {
			continue // sparse table: unset slots carry no entry
		}
		buf = appendInt(buf, int64(idx))
		buf = e.encodeBytesLike(buf, []byte(val), tbBytes, tbBVocab)
	}
	return appendCount(buf, tbClose, uint64(id))
}

// EncodeAddVocab emits an `add-vocab` frame registering index ->
// value in the outgoing table.
func (e *Encoder) EncodeAddVocab(buf []byte, index int, value string) []byte {
	id := e.refs.assign(nil)
	buf = appendCount(buf, tbOpen, uint64(id))
	buf = e.encodeStringLike(buf, "add-vocab")
	buf = appendInt(buf, int64(index))
	buf = e.encodeBytesLike(buf, []byte(value), tbBytes, tbBVocab)
	return appendCount(buf, tbClose, uint64(id))
}
