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

// chunk is one append-only segment of a receive chain.
type chunk struct {
	buf  []byte
	next *chunk
}

// chain is the Banana protocol driver's receive buffer: an
// append-only sequence of byte chunks with O(1) append and O(k)
// discard of the first k bytes (spec.md §4.5), so that draining
// tokens out of a long-lived connection never costs more than the
// bytes actually consumed. Reading a contiguous window (Bytes)
// coalesces outstanding chunks into one on demand; the merge
// copies every byte still buffered, including bytes an earlier
// Bytes call already returned but that have not been discarded.
type chain struct {
	head, tail *chunk
	headOff    int
	size       int
}

// Append copies p onto the end of the chain.
func (c *chain) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	cp := append([]byte(nil), p...)
	ch := &chunk{buf: cp}
	if c.tail == nil {
		c.head, c.tail = ch, ch
	} else {
		c.tail.next = ch
		c.tail = ch
	}
	c.size += len(cp)
}

// Len reports the number of buffered, not-yet-discarded bytes.
func (c *chain) Len() int { return c.size }

// Bytes returns a contiguous view of every buffered byte. If more
// than one chunk is outstanding, they are merged into a single
// chunk first.
func (c *chain) Bytes() []byte {
	if c.head == nil {
		return nil
	}
	if c.head == c.tail {
		return c.head.buf[c.headOff:]
	}
	merged := make([]byte, 0, c.size)
	for ch := c.head; ch != nil; ch = ch.next {
		off := 0
		if ch == c.head {
			off = c.headOff
		}
		merged = append(merged, ch.buf[off:]...)
	}
	c.head = &chunk{buf: merged}
	c.tail = c.head
	c.headOff = 0
	return merged
}

// Discard drops the first n bytes from the chain. n must not
// exceed Len().
func (c *chain) Discard(n int) {
	for n > 0 && c.head != nil {
		avail := len(c.head.buf) - c.headOff
		if avail > n {
			c.headOff += n
			c.size -= n
			return
		}
		c.size -= avail
		n -= avail
		c.head = c.head.next
		c.headOff = 0
		if c.head == nil {
			c.tail = nil
		}
	}
}
