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

import "fmt"

// Violation is a recoverable error scoped to a single frame: a
// schema mismatch, a constraint breach, an ABORT received from
// the peer, or an object the slicer table has no entry for. The
// frame that raised it is discarded; the parent unslicer/slicer
// decides whether to absorb it or propagate it further up the
// stack. The connection itself survives a Violation.
type Violation struct {
	// Reason is a short, stable description, e.g. "ABORT received"
	// or "cannot serialize %T".
	Reason string
	// Where is a dotted path from the root, built by concatenating
	// each frame's describe() output, e.g. "<RootUnslicer>.[1].[3]".
	Where string
}

func (v *Violation) Error() string {
	if v.Where == "" {
		return v.Reason
	}
	return fmt.Sprintf("%s (at %s)", v.Reason, v.Where)
}

// NewViolation builds a Violation with a formatted reason.
func NewViolation(format string, args ...any) *Violation {
	return &Violation{Reason: fmt.Sprintf(format, args...)}
}

// withPath returns a copy of v with Where set, unless it is
// already set (the innermost frame that raised it wins).
func (v *Violation) withPath(where string) *Violation {
	if v.Where != "" {
		return v
	}
	return &Violation{Reason: v.Reason, Where: where}
}

// BananaError is a fatal, connection-ending protocol error:
// malformed token headers, CLOSE without a matching OPEN, a
// structural invariant violated (e.g. a non-INT where the
// protocol requires one), a duplicate or unhashable dict key, or
// an unknown pickle protocol on an instance frame. Receiving or
// raising a BananaError always ends the connection.
type BananaError struct {
	Reason string
}

func (e *BananaError) Error() string {
	return e.Reason
}

// NewBananaError builds a BananaError with a formatted reason.
func NewBananaError(format string, args ...any) *BananaError {
	return &BananaError{Reason: fmt.Sprintf(format, args...)}
}
