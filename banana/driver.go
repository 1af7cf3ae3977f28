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

	"github.com/sirupsen/logrus"
)

// Transport is the byte sink a Driver writes its outgoing frames
// to: a net.Conn, a bufio.Writer, anything that can take bytes.
type Transport interface {
	Write(p []byte) (int, error)
}

// Driver is the protocol-level connection object of spec.md §4.5:
// it owns one direction's Encoder and the other direction's
// Decoder, buffers partially-received bytes in a chain, and turns
// DataReceived calls into a sequence of delivered values (or
// Violations) via OnReceive. It has no knowledge of what sits on
// top of it (an RPC layer, a simple message bus, tests); that is
// exactly the separation root.py draws between the Broker and the
// raw Banana connection.
type Driver struct {
	// OnReceive is called once per completed top-level value
	// DataReceived assembles. It is called with a *Violation for a
	// recoverable per-frame failure (including a received ABORT);
	// the connection itself is not torn down for those. It is
	// never called for set-vocab/add-vocab frames (see IsVocabOp).
	OnReceive func(obj any)

	encoder *Encoder
	decoder *Decoder
	recv    chain

	transport Transport
	log       *logrus.Entry

	suggester *VocabSuggester

	closed  bool
	lastErr error
}

// NewDriver returns a Driver that writes encoded frames to
// transport and delivers decoded values to onReceive. outgoing and
// incoming are this connection's per-direction vocabulary tables
// (nil for either starts that direction at table 0, the empty
// table); openers controls which opentypes the decode side will
// accept (nil for DefaultOpenRegistry, or NewSafeOpenRegistry() to
// reject unsafe-mode instance frames).
func NewDriver(transport Transport, outgoing, incoming *Vocab, openers openRegistry, onReceive func(any)) *Driver {
	if outgoing == nil {
		outgoing = NewVocab()
	}
	d := &Driver{
		OnReceive: onReceive,
		encoder:   NewEncoder(outgoing),
		decoder:   NewDecoder(incoming, openers),
		transport: transport,
		log:       logrus.WithField("component", "banana"),
	}
	return d
}

// Encoder exposes the Driver's outgoing Encoder for configuration
// (e.g. setting Registry or PrefixLimit) before traffic starts.
func (d *Driver) Encoder() *Encoder { return d.encoder }

// Decoder exposes the Driver's incoming Decoder for configuration.
func (d *Driver) Decoder() *Decoder { return d.decoder }

// EnableVocabSuggestions turns on frequency-based add-vocab
// promotion for outgoing string/byte atoms: every literal STRING
// or BYTES value handed to Send is observed by a VocabSuggester,
// and once it crosses threshold occurrences an add-vocab frame is
// written ahead of the value that triggered it. Promotion is
// opt-in because it changes the bytes actually placed on the wire
// (spec.md §9 leaves choosing WHEN to promote unspecified).
func (d *Driver) EnableVocabSuggestions(threshold int) {
	d.suggester = NewVocabSuggester(threshold)
}

// DataReceived feeds newly-arrived bytes into the decoder,
// delivering every value it can assemble before returning. It
// returns a non-nil error for a fatal BananaError, in which case
// the connection must not be fed any further bytes; once the
// connection is closed (by such an error or by ConnectionLost)
// every call returns the error that closed it.
func (d *Driver) DataReceived(p []byte) error {
	if d.closed {
		return d.lastErr
	}
	d.recv.Append(p)
	for {
		buf := d.recv.Bytes()
		tok, consumed, ok, err := NextToken(buf, d.decoder.PrefixLimit)
		if err != nil {
			return d.fail(NewBananaError("%v", err))
		}
		if !ok {
			return nil
		}
		d.recv.Discard(consumed)

		obj, done, ferr := d.decoder.feedToken(tok)
		if ferr != nil {
			if banErr, ok := ferr.(*BananaError); ok {
				return d.fail(banErr)
			}
			v := ferr.(*Violation)
			d.log.WithField("violation", v.Error()).Warn("banana: frame discarded")
			d.deliver(v)
			continue
		}
		if done && !IsVocabOp(obj) {
			d.deliver(obj)
		}
	}
}

func (d *Driver) deliver(obj any) {
	if d.OnReceive != nil {
		d.OnReceive(obj)
	}
}

func (d *Driver) fail(err *BananaError) error {
	d.closed = true
	d.lastErr = err
	d.log.WithError(err).Error("banana: connection closed")
	return err
}

// Send serializes obj and writes it to the transport in one call,
// returning the number of bytes written. A *Violation return means
// obj could not be serialized (its ABORT/CLOSE bytes are still
// written, matching what a peer unslicer expects to see); the
// transport write itself still happens so the peer's frame count
// stays in sync. Unlike the reference implementation's Deferred,
// Send's completion is synchronous: this implementation never
// suspends mid-encode (see Encoder's doc comment), so there is
// nothing to wait on beyond the call returning.
func (d *Driver) Send(obj any) (int, error) {
	if d.closed {
		return 0, d.lastErr
	}
	d.observe(obj)

	buf, err := d.encoder.Encode(nil, obj)
	if err != nil {
		v, ok := err.(*Violation)
		if !ok {
			return 0, err
		}
		n, werr := d.transport.Write(buf)
		if werr != nil {
			return n, werr
		}
		d.log.WithField("violation", v.Error()).Warn("banana: send violation")
		return n, v
	}
	return d.transport.Write(buf)
}

// observe feeds obj's literal string/byte atoms to the vocab
// suggester (if enabled) and promotes any that cross threshold by
// writing an explicit add-vocab frame ahead of obj itself. Only
// the top-level scalar case is inspected; composite graphs are not
// walked here since promotion is a coarse heuristic, not a
// correctness requirement.
func (d *Driver) observe(obj any) {
	if d.suggester == nil {
		return
	}
	var s []byte
	switch v := obj.(type) {
	case string:
		s = []byte(v)
	case []byte:
		s = v
	default:
		return
	}
	if _, already := d.encoder.Vocab.Lookup(string(s)); already {
		return
	}
	if d.suggester.Observe(s) {
		d.AddVocab(string(s))
	}
}

// SetVocab replaces the outgoing vocabulary table and writes the
// matching set-vocab frame so the peer's incoming table is told to
// do the same (spec.md §4.2). Both sides of a connection are
// expected to negotiate the table index out of band before calling
// this (see HashVocabTable).
func (d *Driver) SetVocab(table []string) (int, error) {
	buf := d.encoder.EncodeSetVocab(nil, table)
	d.encoder.Vocab.Set(table)
	return d.transport.Write(buf)
}

// AddVocab registers value at the smallest unused outgoing index
// and writes the matching add-vocab frame.
func (d *Driver) AddVocab(value string) (int, error) {
	idx := d.encoder.Vocab.Add(value)
	buf := d.encoder.EncodeAddVocab(nil, idx, value)
	return d.transport.Write(buf)
}

// NegotiateVocab sets both the outgoing and incoming tables to one
// of the published InitialVocabTables, for peers that have agreed
// out of band (by exchanging HashVocabTable results) to start from
// the same well-known table instead of negotiating from empty.
func (d *Driver) NegotiateVocab(tableIndex int) error {
	table, ok := InitialVocabTables[tableIndex]
	if !ok {
		return fmt.Errorf("banana: no initial vocab table with index %d", tableIndex)
	}
	d.encoder.Vocab.Set(table)
	d.decoder.Vocab.Set(table)
	return nil
}

// ConnectionLost records that the underlying transport is gone.
// Any Send/DataReceived call made afterward returns reason.
func (d *Driver) ConnectionLost(reason error) {
	if d.closed {
		return
	}
	d.closed = true
	if reason == nil {
		reason = fmt.Errorf("banana: connection lost")
	}
	d.lastErr = reason
	d.log.WithError(reason).Info("banana: connection lost")
}

// Err returns the error that closed the connection, if any.
func (d *Driver) Err() error { return d.lastErr }
