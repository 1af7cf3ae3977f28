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

// Package banana implements the Banana wire codec: a streaming,
// self-describing, token-framed serialization format for object
// graphs, including cycles.
package banana

import (
	"math/big"
	"math/bits"
)

// TypeByte identifies the kind of a token on the wire.
// Every TypeByte has its high bit set; every header byte
// that precedes a TypeByte has its high bit clear, so a
// decoder never needs to look past the first set-high-bit
// byte to know a header is complete.
//
// This mapping is fixed by this implementation (the
// specification's own table is illustrative and leaves the
// exact assignment as an open question).
type TypeByte byte

const (
	tbInt    TypeByte = 0x81 // non-negative integer
	tbNeg    TypeByte = 0x82 // negative integer (magnitude follows)
	tbFloat  TypeByte = 0x83 // IEEE-754 double, big-endian, 8 bytes
	tbBytes  TypeByte = 0x84 // raw byte string
	tbBVocab TypeByte = 0x85 // vocab-encoded byte string
	tbString TypeByte = 0x86 // UTF-8 text
	tbSVocab TypeByte = 0x87 // vocab-encoded text
	tbOpen   TypeByte = 0x88 // begin composite frame
	tbClose  TypeByte = 0x89 // end composite frame
	tbAbort  TypeByte = 0x8a // cancel innermost open frame
	tbError  TypeByte = 0x8b // fatal protocol-level error message
)

func (t TypeByte) String() string {
	switch t {
	case tbInt:
		return "INT"
	case tbNeg:
		return "NEG"
	case tbFloat:
		return "FLOAT"
	case tbBytes:
		return "BYTES"
	case tbBVocab:
		return "BVOCAB"
	case tbString:
		return "STRING"
	case tbSVocab:
		return "SVOCAB"
	case tbOpen:
		return "OPEN"
	case tbClose:
		return "CLOSE"
	case tbAbort:
		return "ABORT"
	case tbError:
		return "ERROR"
	default:
		return "INVALID"
	}
}

// lengthPrefixed reports whether a token of this kind carries
// a base-128 header that is a byte length (as opposed to an
// opaque body/count value) followed by that many payload bytes.
func (t TypeByte) lengthPrefixed() bool {
	switch t {
	case tbBytes, tbString, tbError:
		return true
	default:
		return false
	}
}

// DefaultPrefixLimit is the default hard cap on the number of
// base-128 header bytes preceding any type byte (spec.md §3).
const DefaultPrefixLimit = 64

// uvsize returns the number of base-128 digits needed to
// encode v as a little-endian varint.
func uvsize(v uint64) int {
	if v == 0 {
		return 1
	}
	return (bits.Len64(v) + 6) / 7
}

// appendUvarint appends v to dst as a base-128 little-endian
// varint (least-significant digit first), with no terminator;
// the terminator is the type byte that follows.
func appendUvarint(dst []byte, v uint64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		dst = append(dst, b)
		if v == 0 {
			return dst
		}
	}
}

// appendHeader appends the base-128 LE body/length header for v
// followed by the type byte tb.
func appendHeader(dst []byte, v uint64, tb TypeByte) []byte {
	dst = appendUvarint(dst, v)
	return append(dst, byte(tb))
}

// appendBigMagnitude appends the base-128 LE digits of the
// unsigned magnitude n, followed by type byte tb (tbInt or
// tbNeg). Unlike appendHeader, n may exceed 64 bits; the prefix
// limit (default 64 header bytes, ~448 bits) is what actually
// bounds the integers this format can carry, not any Go integer
// width (spec.md §8: ±2^100 must round-trip exactly).
func appendBigMagnitude(dst []byte, n *big.Int, tb TypeByte) []byte {
	if n.Sign() == 0 {
		return append(dst, 0, byte(tb))
	}
	m := new(big.Int).Set(n)
	mask := big.NewInt(0x7f)
	tmp := new(big.Int)
	for m.Sign() != 0 {
		tmp.And(m, mask)
		dst = append(dst, byte(tmp.Int64()))
		m.Rsh(m, 7)
	}
	return append(dst, byte(tb))
}

// appendFloat appends a FLOAT token: type byte then 8
// big-endian bytes (spec.md §4.1).
func appendFloat(dst []byte, bits64 uint64) []byte {
	dst = append(dst, byte(tbFloat))
	for i := 7; i >= 0; i-- {
		dst = append(dst, byte(bits64>>(8*uint(i))))
	}
	return dst
}
