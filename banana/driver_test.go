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

import "testing"

// pipeTransport feeds everything written to it straight into peer's
// DataReceived, so two Drivers can talk to each other in-process.
type pipeTransport struct {
	peer *Driver
}

func (p *pipeTransport) Write(b []byte) (int, error) {
	cp := append([]byte(nil), b...)
	if err := p.peer.DataReceived(cp); err != nil {
		return 0, err
	}
	return len(cp), nil
}

func newDriverPair(t *testing.T) (a, b *Driver, received *[]any) {
	t.Helper()
	var got []any
	received = &got

	a = NewDriver(nil, nil, nil, nil, nil)
	b = NewDriver(nil, nil, nil, nil, func(obj any) { got = append(got, obj) })
	a.transport = &pipeTransport{peer: b}
	return a, b, received
}

func TestDriverSendDeliversToPeer(t *testing.T) {
	a, _, received := newDriverPair(t)

	if _, err := a.Send(&List{Items: []any{int64(1), "two"}}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(*received) != 1 {
		t.Fatalf("peer received %d objects, want 1", len(*received))
	}
	l, ok := (*received)[0].(*List)
	if !ok || len(l.Items) != 2 {
		t.Fatalf("got %#v", (*received)[0])
	}
}

func TestDriverDataReceivedDeliversAbortAsViolation(t *testing.T) {
	var received []any
	dec := NewDriver(nil, nil, nil, nil, func(obj any) { received = append(received, obj) })

	enc := NewEncoder(NewVocab())
	buf, err := enc.Encode(nil, &List{Items: []any{int64(1)}})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// Splice an ABORT(0) token in front of the frame's own CLOSE(0),
	// matching the wire shape "OPEN 1 ABORT CLOSE" spec.md §8
	// describes for a slicer whose next raises Violation: ABORT
	// cancels the body, CLOSE still has to follow to end the frame.
	closeIdx := -1
	for i := 0; i+1 < len(buf); i++ {
		if buf[i] == 0x00 && TypeByte(buf[i+1]) == tbClose {
			closeIdx = i
		}
	}
	if closeIdx < 0 {
		t.Fatal("could not find the list frame's CLOSE(0) token")
	}
	abort := []byte{0x00, byte(tbAbort)}
	buf = append(buf[:closeIdx:closeIdx], append(abort, buf[closeIdx:]...)...)
	if err := dec.DataReceived(buf); err != nil {
		t.Fatalf("DataReceived fatal error: %v", err)
	}
	if len(received) != 1 {
		t.Fatalf("got %d deliveries, want 1", len(received))
	}
	if _, ok := received[0].(*Violation); !ok {
		t.Fatalf("expected a *Violation, got %#v", received[0])
	}
}

func TestDriverConnectionLostRejectsFurtherTraffic(t *testing.T) {
	d := NewDriver(nil, nil, nil, nil, nil)
	d.ConnectionLost(nil)

	if err := d.DataReceived([]byte{0}); err == nil {
		t.Fatal("DataReceived should fail after ConnectionLost")
	}
	if _, err := d.Send("x"); err == nil {
		t.Fatal("Send should fail after ConnectionLost")
	}
}

func TestDriverVocabSuggestionsPromoteAfterThreshold(t *testing.T) {
	var writes [][]byte
	a := NewDriver(nil, nil, nil, nil, nil)
	a.transport = writerFunc(func(p []byte) (int, error) {
		writes = append(writes, append([]byte(nil), p...))
		return len(p), nil
	})
	a.EnableVocabSuggestions(3)

	for i := 0; i < 3; i++ {
		if _, err := a.Send("repeated"); err != nil {
			t.Fatalf("Send #%d: %v", i, err)
		}
	}
	if _, ok := a.encoder.Vocab.Lookup("repeated"); !ok {
		t.Fatal("after crossing threshold, \"repeated\" should be in the outgoing vocab")
	}
	if len(writes) < 3 {
		t.Fatalf("expected at least 3 writes, got %d", len(writes))
	}
}

func TestDriverSetVocabAndNegotiateVocab(t *testing.T) {
	a, b, _ := newDriverPair(t)

	if _, err := a.SetVocab([]string{"zero", "one"}); err != nil {
		t.Fatalf("SetVocab: %v", err)
	}
	if got, ok := b.decoder.Vocab.Get(0); !ok || got != "zero" {
		t.Fatalf("peer incoming table[0] = %q, %v", got, ok)
	}

	if err := a.NegotiateVocab(0); err != nil {
		t.Fatalf("NegotiateVocab: %v", err)
	}
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
