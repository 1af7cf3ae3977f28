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
	"math/big"
	"testing"
)

// decodeOne drains buf through dec token by token, expecting buf to
// contain exactly one complete top-level value (or Violation).
func decodeOne(t *testing.T, dec *Decoder, buf []byte) (any, error) {
	t.Helper()
	for len(buf) > 0 {
		tok, n, ok, err := NextToken(buf, dec.PrefixLimit)
		if err != nil {
			return nil, err
		}
		if !ok {
			t.Fatalf("NextToken reported incomplete on a supposedly whole buffer (%d bytes left)", len(buf))
		}
		buf = buf[n:]
		obj, done, ferr := dec.feedToken(tok)
		if ferr != nil {
			return nil, ferr
		}
		if done {
			if len(buf) != 0 {
				t.Fatalf("%d trailing bytes after a complete top-level value", len(buf))
			}
			return obj, nil
		}
	}
	t.Fatal("buffer exhausted without a complete top-level value")
	return nil, nil
}

func roundTrip(t *testing.T, obj any) any {
	t.Helper()
	enc := NewEncoder(NewVocab())
	buf, err := enc.Encode(nil, obj)
	if err != nil {
		t.Fatalf("Encode(%#v): %v", obj, err)
	}
	dec := NewDecoder(NewVocab(), DefaultOpenRegistry())
	got, err := decodeOne(t, dec, buf)
	if err != nil {
		t.Fatalf("decode(%#v): %v", obj, err)
	}
	return got
}

func TestRoundTripScalars(t *testing.T) {
	cases := []any{
		nil, true, false,
		int64(0), int64(-1), int64(1 << 40),
		"hello", []byte("world"),
		3.5,
	}
	for _, c := range cases {
		got := roundTrip(t, c)
		switch want := c.(type) {
		case []byte:
			gb, ok := got.([]byte)
			if !ok || string(gb) != string(want) {
				t.Errorf("%#v round-tripped to %#v", c, got)
			}
		default:
			if got != c {
				t.Errorf("%#v round-tripped to %#v", c, got)
			}
		}
	}
}

func TestRoundTripListTupleDict(t *testing.T) {
	l := roundTrip(t, &List{Items: []any{int64(1), int64(2), "three"}})
	lst, ok := l.(*List)
	if !ok || len(lst.Items) != 3 || lst.Items[2] != "three" {
		t.Fatalf("got %#v", l)
	}

	tup := roundTrip(t, &Tuple{Items: []any{int64(1)}})
	tv, ok := tup.(*Tuple)
	if !ok || len(tv.Items) != 1 {
		t.Fatalf("got %#v", tup)
	}

	d := roundTrip(t, &Dict{Entries: []DictEntry{{Key: "a", Value: int64(1)}, {Key: "b", Value: int64(2)}}})
	dv, ok := d.(*Dict)
	if !ok || len(dv.Entries) != 2 {
		t.Fatalf("got %#v", d)
	}
	if v, ok := dv.Get("b"); !ok || v != int64(2) {
		t.Fatalf("Get(b) = %v, %v", v, ok)
	}
}

func TestRoundTripSetAndFrozenSet(t *testing.T) {
	s := roundTrip(t, &Set{Items: []any{int64(1), int64(2)}})
	sv, ok := s.(*Set)
	if !ok || sv.Frozen || !sv.Has(int64(1)) {
		t.Fatalf("got %#v", s)
	}

	fz := roundTrip(t, &Set{Items: []any{"x"}, Frozen: true})
	fv, ok := fz.(*Set)
	if !ok || !fv.Frozen {
		t.Fatalf("got %#v", fz)
	}
}

func TestListWireShape(t *testing.T) {
	enc := NewEncoder(NewVocab())
	buf, err := enc.Encode(nil, &List{Items: []any{int64(1), int64(2)}})
	if err != nil {
		t.Fatal(err)
	}

	var kinds []TypeByte
	rest := buf
	for len(rest) > 0 {
		tok, n, ok, err := NextToken(rest, DefaultPrefixLimit)
		if err != nil || !ok {
			t.Fatalf("NextToken: ok=%v err=%v", ok, err)
		}
		kinds = append(kinds, tok.Kind)
		rest = rest[n:]
	}
	want := []TypeByte{tbOpen, tbString, tbInt, tbInt, tbClose}
	if len(kinds) != len(want) {
		t.Fatalf("got %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("token %d: got %s, want %s", i, kinds[i], want[i])
		}
	}
}

func TestRoundTripCyclicList(t *testing.T) {
	l := &List{}
	l.Items = []any{l} // self-referential

	enc := NewEncoder(NewVocab())
	buf, err := enc.Encode(nil, l)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	dec := NewDecoder(NewVocab(), DefaultOpenRegistry())
	got, err := decodeOne(t, dec, buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	gl, ok := got.(*List)
	if !ok || len(gl.Items) != 1 {
		t.Fatalf("got %#v", got)
	}
	if gl.Items[0] != gl {
		t.Fatalf("decoded list does not point back to itself: %#v", gl.Items[0])
	}
}

func TestRoundTripSharedReference(t *testing.T) {
	inner := &List{Items: []any{int64(1)}}
	outer := &List{Items: []any{inner, inner}}

	got := roundTrip(t, outer)
	gl, ok := got.(*List)
	if !ok || len(gl.Items) != 2 {
		t.Fatalf("got %#v", got)
	}
	a, _ := gl.Items[0].(*List)
	b, _ := gl.Items[1].(*List)
	if a == nil || a != b {
		t.Fatalf("shared reference not preserved: %#v vs %#v", a, b)
	}
}

func TestRoundTripDecimalAndBigint(t *testing.T) {
	d, err := ParseDecimal("NaN")
	if err != nil {
		t.Fatal(err)
	}
	got := roundTrip(t, d)
	gd, ok := got.(Decimal)
	if !ok || gd.String() != "NaN" {
		t.Fatalf("got %#v", got)
	}

	big100 := new(big.Int).Lsh(big.NewInt(1), 100)
	got = roundTrip(t, big100)
	gb, ok := got.(*big.Int)
	if !ok || gb.Cmp(big100) != 0 {
		t.Fatalf("got %#v, want %s", got, big100)
	}

	neg100 := new(big.Int).Neg(big100)
	got = roundTrip(t, neg100)
	gb, ok = got.(*big.Int)
	if !ok || gb.Cmp(neg100) != 0 {
		t.Fatalf("got %#v, want %s", got, neg100)
	}
}

func TestInstanceProtocol2RoundTrip(t *testing.T) {
	inst := &Instance{
		Protocol: ReduceProtocolNewobj,
		Class:    "Bar",
		Args:     &Tuple{},
		State:    &Dict{Entries: []DictEntry{{Key: "a", Value: int64(1)}}},
	}
	got := roundTrip(t, inst)
	gi, ok := got.(*Instance)
	if !ok || gi.Class != "Bar" || gi.Protocol != ReduceProtocolNewobj {
		t.Fatalf("got %#v", got)
	}
	if len(gi.State.Entries) != 1 || gi.State.Entries[0].Key != "a" {
		t.Fatalf("state mismatch: %#v", gi.State)
	}
}

func TestAbortProducesViolationAtTopLevel(t *testing.T) {
	buf := appendCount(nil, tbOpen, 0)
	buf = appendBytesToken(buf, tbString, []byte("list"))
	buf = appendCount(buf, tbAbort, 0)
	buf = appendCount(buf, tbClose, 0)

	dec := NewDecoder(NewVocab(), DefaultOpenRegistry())
	_, err := decodeOne(t, dec, buf)
	v, ok := err.(*Violation)
	if !ok {
		t.Fatalf("expected a *Violation, got %T: %v", err, err)
	}
	if v.Reason != "ABORT received" {
		t.Fatalf("Reason = %q", v.Reason)
	}
}

func TestConstraintRejectsWrongTopLevelType(t *testing.T) {
	enc := NewEncoder(NewVocab())
	buf, err := enc.Encode(nil, &Tuple{Items: []any{int64(1)}})
	if err != nil {
		t.Fatal(err)
	}
	dec := NewDecoder(NewVocab(), DefaultOpenRegistry())
	dec.Constraint = &ListOf{MaxLength: 3}
	_, err = decodeOne(t, dec, buf)
	if _, ok := err.(*Violation); !ok {
		t.Fatalf("expected a *Violation for tuple-where-list-required, got %T: %v", err, err)
	}
}

func TestConstraintEnforcesMaxLength(t *testing.T) {
	enc := NewEncoder(NewVocab())
	buf, err := enc.Encode(nil, &List{Items: []any{int64(1), int64(2), int64(3), int64(4)}})
	if err != nil {
		t.Fatal(err)
	}
	dec := NewDecoder(NewVocab(), DefaultOpenRegistry())
	dec.Constraint = &ListOf{MaxLength: 3}
	_, err = decodeOne(t, dec, buf)
	v, ok := err.(*Violation)
	if !ok {
		t.Fatalf("expected a *Violation, got %T: %v", err, err)
	}
	if v.Where != "<RootUnslicer>.[3]" {
		t.Fatalf("Where = %q, want %q", v.Where, "<RootUnslicer>.[3]")
	}
}

func TestConstraintViolationSurvivesThroughDriver(t *testing.T) {
	var received []any
	peer := NewDriver(nil, nil, nil, nil, func(obj any) { received = append(received, obj) })
	peer.decoder.Constraint = &ListOf{MaxLength: 3}
	sender := NewDriver(&pipeTransport{peer: peer}, nil, nil, nil, nil)

	if _, err := sender.Send(&List{Items: []any{int64(1), int64(2), int64(3), int64(4)}}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(received) != 1 {
		t.Fatalf("got %d deliveries, want 1", len(received))
	}
	v, ok := received[0].(*Violation)
	if !ok {
		t.Fatalf("expected a *Violation, got %#v", received[0])
	}
	if v.Where != "<RootUnslicer>.[3]" {
		t.Fatalf("Where = %q, want %q", v.Where, "<RootUnslicer>.[3]")
	}

	// discard mode must leave the connection (and the decoder's
	// token framing) intact: a subsequent send still decodes.
	if _, err := sender.Send(&List{Items: []any{int64(1)}}); err != nil {
		t.Fatalf("Send after violation: %v", err)
	}
	if len(received) != 2 {
		t.Fatalf("got %d deliveries after recovery, want 2", len(received))
	}
	l, ok := received[1].(*List)
	if !ok || len(l.Items) != 1 {
		t.Fatalf("got %#v", received[1])
	}
}

func TestDuplicateDictKeyIsFatal(t *testing.T) {
	buf := appendCount(nil, tbOpen, 0)
	buf = appendBytesToken(buf, tbString, []byte("dict"))
	buf = appendInt(buf, 1)
	buf = appendInt(buf, 10)
	buf = appendInt(buf, 1) // duplicate key
	buf = appendInt(buf, 20)
	buf = appendCount(buf, tbClose, 0)

	dec := NewDecoder(NewVocab(), DefaultOpenRegistry())
	_, err := decodeOne(t, dec, buf)
	if _, ok := err.(*BananaError); !ok {
		t.Fatalf("expected a *BananaError, got %T: %v", err, err)
	}
}

func TestUnhashableSetMemberIsFatal(t *testing.T) {
	buf := appendCount(nil, tbOpen, 0)
	buf = appendBytesToken(buf, tbString, []byte("set"))
	buf = appendCount(buf, tbOpen, 1)
	buf = appendBytesToken(buf, tbString, []byte("list"))
	buf = appendCount(buf, tbClose, 1)
	buf = appendCount(buf, tbClose, 0)

	dec := NewDecoder(NewVocab(), DefaultOpenRegistry())
	_, err := decodeOne(t, dec, buf)
	if _, ok := err.(*BananaError); !ok {
		t.Fatalf("expected a *BananaError for a list inside a set, got %T: %v", err, err)
	}
}

func TestSafeDecoderRejectsInstanceFrames(t *testing.T) {
	inst := &Instance{Protocol: ReduceProtocolNewobj, Class: "Bar", Args: &Tuple{}}
	enc := NewEncoder(NewVocab())
	buf, err := enc.Encode(nil, inst)
	if err != nil {
		t.Fatal(err)
	}
	dec := NewSafeDecoder(NewVocab())
	_, err = decodeOne(t, dec, buf)
	if _, ok := err.(*Violation); !ok {
		t.Fatalf("expected a *Violation for an instance frame in safe mode, got %T: %v", err, err)
	}
}

func TestMaxDepthExceeded(t *testing.T) {
	deep := &List{Items: []any{&List{Items: []any{&List{}}}}}
	enc := NewEncoder(NewVocab())
	buf, err := enc.Encode(nil, deep)
	if err != nil {
		t.Fatal(err)
	}
	dec := NewDecoder(NewVocab(), DefaultOpenRegistry())
	dec.MaxDepth = 2
	_, err = decodeOne(t, dec, buf)
	if _, ok := err.(*BananaError); !ok {
		t.Fatalf("expected a *BananaError for exceeding max depth, got %T: %v", err, err)
	}
}

func TestVocabRoundTripSetAndAdd(t *testing.T) {
	outgoing := NewVocab()
	incoming := NewVocab()

	enc := NewEncoder(outgoing)
	buf := enc.EncodeSetVocab(nil, []string{"list", "dict"})
	outgoing.Set([]string{"list", "dict"})

	dec := NewDecoder(incoming, DefaultOpenRegistry())
	obj, err := decodeOne(t, dec, buf)
	if err != nil {
		t.Fatal(err)
	}
	if !IsVocabOp(obj) {
		t.Fatalf("set-vocab should decode to a vocab-op sentinel, got %#v", obj)
	}
	if s, ok := incoming.Get(0); !ok || s != "list" {
		t.Fatalf("incoming table not updated: %v %v", s, ok)
	}

	buf = enc.EncodeAddVocab(nil, 2, "tuple")
	outgoing.Add("tuple")
	obj, err = decodeOne(t, dec, buf)
	if err != nil {
		t.Fatal(err)
	}
	if !IsVocabOp(obj) {
		t.Fatalf("add-vocab should decode to a vocab-op sentinel, got %#v", obj)
	}
	if s, ok := incoming.Get(2); !ok || s != "tuple" {
		t.Fatalf("incoming table missing add-vocab entry: %v %v", s, ok)
	}

	// Now a literal list value should encode as SVOCAB, not STRING.
	lbuf, err := enc.Encode(nil, &List{})
	if err != nil {
		t.Fatal(err)
	}
	_, n, ok, err := NextToken(lbuf, DefaultPrefixLimit) // the OPEN token
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	tok, _, ok, err := NextToken(lbuf[n:], DefaultPrefixLimit) // the opentype token
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if tok.Kind != tbSVocab {
		t.Fatalf("opentype token kind = %s, want SVOCAB", tok.Kind)
	}
}
