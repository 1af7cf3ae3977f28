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
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
)

// Token is one decoded primitive atom from the wire.
type Token struct {
	Kind TypeByte

	// Value holds the decoded body for INT, NEG, OPEN, CLOSE,
	// ABORT (the count) and the index for SVOCAB/BVOCAB. For
	// INT/NEG headers longer than 9 bytes, Value has overflowed
	// and the caller must reconstruct the exact magnitude from
	// Header via BigMagnitude.
	Value uint64

	// Header holds the raw header digit bytes (excluding the
	// type byte) for INT and NEG tokens. It aliases the input
	// buffer and must be copied by the caller if it needs to
	// outlive the next call. Only populated for INT/NEG, where
	// bigint-valued tokens need full precision beyond uint64.
	Header []byte

	// Payload holds the raw bytes for BYTES, STRING and ERROR.
	// It aliases the input buffer and must be copied by the
	// caller if it needs to outlive the next call.
	Payload []byte

	// Float holds the decoded value for FLOAT tokens.
	Float float64
}

// BigMagnitude reconstructs the exact unsigned integer encoded by
// an INT/NEG token's header bytes, for values too large for
// Value's uint64 to hold without overflow (spec.md §8: ±2^100
// bigints must round-trip exactly; the 64-byte prefix limit
// comfortably allows header bytes that overflow a machine word).
func (t Token) BigMagnitude() *big.Int {
	n := new(big.Int)
	for i := len(t.Header) - 1; i >= 0; i-- {
		n.Lsh(n, 7)
		n.Or(n, big.NewInt(int64(t.Header[i])))
	}
	return n
}

// readHeader reads a base-128 little-endian varint terminated
// by a byte with the high bit set (the type byte is NOT part of
// the varint; it is returned separately once decoding stops at
// the first high-bit-set byte). It enforces prefixLimit on the
// number of header bytes scanned.
//
// Returns (value, bytes consumed including the type byte, type
// byte, ok, err). ok is false if buf does not yet contain a
// complete header.
func readHeader(buf []byte, prefixLimit int) (value uint64, n int, tb TypeByte, ok bool, err error) {
	var v uint64
	for i := 0; i < len(buf); i++ {
		b := buf[i]
		if b&0x80 == 0 {
			// header digit
			if i >= prefixLimit {
				return 0, 0, 0, false, fmt.Errorf("token prefix is limited to %d bytes", prefixLimit)
			}
			v |= uint64(b) << (7 * uint(i))
			continue
		}
		// type byte: header is [0:i], this byte terminates it
		if i > prefixLimit {
			return 0, 0, 0, false, fmt.Errorf("token prefix is limited to %d bytes", prefixLimit)
		}
		return v, i + 1, TypeByte(b), true, nil
	}
	return 0, 0, 0, false, nil
}

// NextToken attempts to decode one token from the front of buf.
// It returns ok=false (with err==nil) when buf does not yet
// contain a complete token, in which case the caller should wait
// for more bytes and retry. err is non-nil only for fatal
// protocol violations (BananaError-class failures).
func NextToken(buf []byte, prefixLimit int) (tok Token, consumed int, ok bool, err error) {
	if len(buf) == 0 {
		return Token{}, 0, false, nil
	}

	// FLOAT has no header: type byte first, then 8 fixed bytes.
	if buf[0] == byte(tbFloat) {
		if len(buf) < 9 {
			return Token{}, 0, false, nil
		}
		bits64 := binary.BigEndian.Uint64(buf[1:9])
		return Token{Kind: tbFloat, Float: math.Float64frombits(bits64)}, 9, true, nil
	}

	v, n, tb, ok, err := readHeader(buf, prefixLimit)
	if err != nil {
		return Token{}, 0, false, err
	}
	if !ok {
		return Token{}, 0, false, nil
	}

	switch tb {
	case tbInt, tbNeg:
		return Token{Kind: tb, Value: v, Header: buf[:n-1]}, n, true, nil
	case tbOpen, tbClose, tbAbort, tbSVocab, tbBVocab:
		return Token{Kind: tb, Value: v}, n, true, nil
	case tbBytes, tbString, tbError:
		need := n + int(v)
		if uint64(need-n) != v {
			return Token{}, 0, false, fmt.Errorf("token length %d is not representable", v)
		}
		if len(buf) < need {
			return Token{}, 0, false, nil // wait for more payload bytes
		}
		return Token{Kind: tb, Payload: buf[n:need]}, need, true, nil
	default:
		return Token{}, 0, false, fmt.Errorf("unknown type byte 0x%02x", byte(tb))
	}
}

// appendInt appends an INT or NEG token for v.
func appendInt(dst []byte, v int64) []byte {
	if v >= 0 {
		return appendHeader(dst, uint64(v), tbInt)
	}
	return appendHeader(dst, uint64(-v), tbNeg)
}

// appendBytesToken appends a length-prefixed token (BYTES, STRING
// or ERROR) carrying payload p.
func appendBytesToken(dst []byte, tb TypeByte, p []byte) []byte {
	dst = appendHeader(dst, uint64(len(p)), tb)
	return append(dst, p...)
}

// appendCount appends an OPEN/CLOSE/ABORT token carrying the
// frame count/id.
func appendCount(dst []byte, tb TypeByte, count uint64) []byte {
	return appendHeader(dst, count, tb)
}

// appendVocab appends a vocab-encoded token (SVOCAB or BVOCAB)
// carrying the vocab index.
func appendVocab(dst []byte, tb TypeByte, index uint64) []byte {
	return appendHeader(dst, index, tb)
}
