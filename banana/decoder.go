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

import "math/big"

// decodeFrame is one entry of the unslicer stack (spec.md §4.4):
// a frame id assigned by the peer's OPEN token, and either
// "awaiting its opentype token" or carrying the concrete Unslicer
// that owns the rest of its body.
type decodeFrame struct {
	id               int
	awaitingOpentype bool
	u                Unslicer
}

// Decoder is the unslicer stack: it turns a sequence of Tokens
// (produced incrementally by NextToken) into completed top-level
// values, one OPEN...CLOSE (or bare scalar) at a time.
//
// A Decoder is not safe for concurrent use; spec.md §5 scopes all
// of this state to a single connection.
type Decoder struct {
	// Vocab is the incoming vocabulary table, mutated in place by
	// set-vocab/add-vocab frames as they close.
	Vocab *Vocab

	// Registry resolves unsafe-mode instance frames to native Go
	// values; with nil, or with no factory for the class, they
	// decode to a generic *Instance. Safe mode is chosen through
	// Openers (NewSafeOpenRegistry), which rejects instance frames
	// with a Violation.
	Registry *InstanceRegistry

	// Openers maps opentype name to the Unslicer it constructs.
	// Use NewSafeOpenRegistry to exclude "instance".
	Openers openRegistry

	// Constraint restricts the very first (top-level) value this
	// Decoder will accept, mirroring RootUnslicer.constraint.
	Constraint Constraint

	PrefixLimit int

	// MaxDepth bounds how many OPEN frames may be nested without a
	// matching CLOSE; zero means unlimited. Guards against a peer
	// driving unbounded stack growth with OPEN OPEN OPEN ...
	MaxDepth int

	refs  *decodeRefs
	stack []decodeFrame
	path  []string

	// discarding and discardViolation implement discard mode
	// (spec.md §4.4 step 6): once a frame raises a Violation, every
	// token belonging to its still-open body (and, since no
	// Unslicer here implements a partial report_violation "absorb"
	// decision, every enclosing frame above it too) is skipped
	// rather than reinterpreted, until the whole stack has unwound
	// and discardViolation can be surfaced as the decoded result.
	discarding       bool
	discardViolation *Violation
}

// NewDecoder returns a Decoder reading through vocab (nil for an
// empty table) using openers (nil for DefaultOpenRegistry()).
func NewDecoder(vocab *Vocab, openers openRegistry) *Decoder {
	if vocab == nil {
		vocab = NewVocab()
	}
	if openers == nil {
		openers = DefaultOpenRegistry()
	}
	return &Decoder{
		Vocab:       vocab,
		Openers:     openers,
		PrefixLimit: DefaultPrefixLimit,
		refs:        newDecodeRefs(),
	}
}

// NewSafeDecoder returns a Decoder whose Openers excludes
// "instance": unsafe-mode frames surface as a Violation rather
// than constructing arbitrary values (spec.md §9).
func NewSafeDecoder(vocab *Vocab) *Decoder {
	return NewDecoder(vocab, NewSafeOpenRegistry())
}

// IsVocabOp reports whether obj is the internal sentinel produced
// by decoding a set-vocab/add-vocab frame. Such frames mutate
// connection state and are never delivered to the application as
// a received object (root.py special-cases
// ReplaceVocabularyTable/AddToVocabularyTable the same way).
func IsVocabOp(obj any) bool {
	switch obj.(type) {
	case vocabReplaced, vocabAdded:
		return true
	default:
		return false
	}
}

// feedToken advances the decoder by one already-parsed token.
// frameDone reports that a complete top-level value (obj) is now
// available; err is a *Violation (recoverable, decode continues on
// a fresh top-level value next) or a *BananaError (fatal: the
// connection must be dropped).
func (d *Decoder) feedToken(tok Token) (obj any, frameDone bool, err error) {
	if len(d.stack) == 0 {
		switch tok.Kind {
		case tbOpen:
			return nil, false, d.pushFrame(tok)
		case tbClose, tbAbort:
			return nil, false, NewBananaError("top-level should never receive CLOSE/ABORT tokens")
		default:
			v, err := d.atomValue(tok)
			if err != nil {
				return nil, false, err
			}
			return v, true, nil
		}
	}

	if d.discarding {
		return d.feedDiscarded(tok)
	}

	top := &d.stack[len(d.stack)-1]

	if top.awaitingOpentype {
		name, err := d.resolveOpentypeToken(tok)
		if err != nil {
			return nil, false, err
		}
		if len(d.stack) == 1 && d.Constraint != nil {
			if verr := d.Constraint.checkOpenType(name); verr != nil {
				d.enterDiscard(toViolation(verr).withPath(joinPath(d.path)))
				return nil, false, nil
			}
		}
		mk, ok := d.Openers[name]
		if !ok {
			d.enterDiscard(NewViolation("unknown OPEN type %q", name).withPath(joinPath(d.path)))
			return nil, false, nil
		}
		top.u = mk(d)
		if len(d.stack) == 1 && d.Constraint != nil {
			if c, ok := top.u.(constrainable); ok {
				c.setConstraint(d.Constraint)
			}
		}
		top.awaitingOpentype = false
		return nil, false, nil
	}

	switch tok.Kind {
	case tbOpen:
		d.path[len(d.path)-1] = "." + top.u.describe()
		return nil, false, d.pushFrame(tok)
	case tbAbort:
		d.enterDiscard(NewViolation("ABORT received").withPath(joinPath(d.path)))
		return nil, false, nil
	case tbClose:
		return d.closeFrame(tok)
	default:
		v, err := d.atomValue(tok)
		if err != nil {
			return nil, false, err
		}
		d.path[len(d.path)-1] = "." + top.u.describe()
		if cerr := top.u.receiveChild(v); cerr != nil {
			return d.handleChildError(cerr)
		}
		return nil, false, nil
	}
}

// feedDiscarded advances a frame (and everything nested inside it)
// that discard mode is skipping: OPEN/CLOSE are still tracked so the
// failing frame's own matching CLOSE can be found, but opentypes,
// atoms and nested ABORTs carry no information worth keeping
// (spec.md §4.4 step 6).
func (d *Decoder) feedDiscarded(tok Token) (any, bool, error) {
	switch tok.Kind {
	case tbOpen:
		return nil, false, d.pushFrame(tok)
	case tbClose:
		n := len(d.stack)
		top := d.stack[n-1]
		if uint64(top.id) != tok.Value {
			return nil, false, NewBananaError("CLOSE id %d does not match open frame %d", tok.Value, top.id)
		}
		d.stack = d.stack[:n-1]
		d.path = d.path[:len(d.path)-1]
		if len(d.stack) == 0 {
			v := d.discardViolation
			d.discarding, d.discardViolation = false, nil
			return nil, false, v
		}
		return nil, false, nil
	default:
		return nil, false, nil
	}
}

// enterDiscard puts the decoder into discard mode (spec.md §4.4
// step 6): every token belonging to the currently open stack is
// skipped until it fully unwinds, at which point v is delivered as
// this top-level value's decode result. No concrete Unslicer here
// implements a partial report_violation "absorb" decision, so a
// Violation always propagates all the way to the top rather than
// being swallowed by some ancestor frame.
func (d *Decoder) enterDiscard(v *Violation) {
	d.discarding = true
	d.discardViolation = v
}

func (d *Decoder) pushFrame(tok Token) error {
	if d.MaxDepth > 0 && len(d.stack) >= d.MaxDepth {
		return NewBananaError("nesting depth exceeds limit of %d", d.MaxDepth)
	}
	id := int(tok.Value)
	d.refs.reserve(id)
	d.path = append(d.path, "")
	d.stack = append(d.stack, decodeFrame{id: id, awaitingOpentype: true})
	return nil
}

func (d *Decoder) resolveOpentypeToken(tok Token) (string, error) {
	switch tok.Kind {
	case tbString, tbBytes:
		return string(tok.Payload), nil
	case tbSVocab, tbBVocab:
		s, ok := d.Vocab.Get(int(tok.Value))
		if !ok {
			return "", NewBananaError("vocab index %d not defined", tok.Value)
		}
		return s, nil
	default:
		return "", NewBananaError("opentype token must be STRING/BYTES/SVOCAB/BVOCAB, got %s", tok.Kind)
	}
}

func (d *Decoder) closeFrame(tok Token) (any, bool, error) {
	n := len(d.stack)
	top := d.stack[n-1]
	if uint64(top.id) != tok.Value {
		return nil, false, NewBananaError("CLOSE id %d does not match open frame %d", tok.Value, top.id)
	}
	if top.u == nil {
		return nil, false, NewBananaError("frame %d closed before its opentype arrived", top.id)
	}
	d.stack = d.stack[:n-1]
	d.path = d.path[:len(d.path)-1]

	var result any
	v, err := top.u.receiveClose()
	if err != nil {
		if banErr, ok := err.(*BananaError); ok {
			return nil, false, banErr
		}
		result = toViolation(err).withPath(joinPath(d.path))
	} else {
		result = v
	}

	if violation, ok := result.(*Violation); ok {
		if len(d.stack) == 0 {
			return nil, false, violation
		}
		d.enterDiscard(violation)
		return nil, false, nil
	}

	d.refs.resolve(top.id, result)

	if len(d.stack) == 0 {
		return result, true, nil
	}

	newTop := &d.stack[len(d.stack)-1]
	d.path[len(d.path)-1] = "." + newTop.u.describe()
	if cerr := newTop.u.receiveChild(result); cerr != nil {
		return d.handleChildError(cerr)
	}
	return nil, false, nil
}

// handleChildError classifies an error a frame's receiveChild
// raised: BananaError ends the connection immediately; Violation
// puts the decoder into discard mode (spec.md §4.4 step 6) rather
// than unwinding the in-memory stack out from under bytes the peer
// has already sent for the still-open frame.
func (d *Decoder) handleChildError(err error) (any, bool, error) {
	if banErr, ok := err.(*BananaError); ok {
		return nil, false, banErr
	}
	d.enterDiscard(toViolation(err).withPath(joinPath(d.path)))
	return nil, false, nil
}

func toViolation(err error) *Violation {
	if v, ok := err.(*Violation); ok {
		return v
	}
	return NewViolation("%v", err)
}

func (d *Decoder) atomValue(tok Token) (any, error) {
	switch tok.Kind {
	case tbInt:
		if len(tok.Header) > 9 {
			return tok.BigMagnitude(), nil
		}
		return int64(tok.Value), nil
	case tbNeg:
		if len(tok.Header) > 9 {
			return new(big.Int).Neg(tok.BigMagnitude()), nil
		}
		return -int64(tok.Value), nil
	case tbFloat:
		return tok.Float, nil
	case tbBytes:
		return append([]byte(nil), tok.Payload...), nil
	case tbBVocab:
		s, ok := d.Vocab.Get(int(tok.Value))
		if !ok {
			return nil, NewBananaError("vocab index %d not defined", tok.Value)
		}
		return []byte(s), nil
	case tbString:
		return string(tok.Payload), nil
	case tbSVocab:
		s, ok := d.Vocab.Get(int(tok.Value))
		if !ok {
			return nil, NewBananaError("vocab index %d not defined", tok.Value)
		}
		return s, nil
	default:
		return nil, NewBananaError("unexpected token kind %s as a value", tok.Kind)
	}
}
