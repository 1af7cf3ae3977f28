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

package flog

import (
	"io"

	"github.com/klauspost/compress/gzip"
)

// GzipWriter wraps w in a gzip.Writer and returns a Writer and a
// Close func that flushes and closes the gzip stream. Rotated
// flogfiles (flog.1.gz, flog.2.gz, ...) are ordinary gzip members
// with the same magic-line-plus-JSON-lines body once decompressed.
func GzipWriter(w io.Writer) (*Writer, func() error) {
	gz := gzip.NewWriter(w)
	return NewWriter(gz), gz.Close
}

// GzipReader wraps r in a gzip.Reader and returns a Reader over the
// decompressed stream and the underlying gzip.Reader's Close func.
func GzipReader(r io.Reader) (*Reader, func() error, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, nil, err
	}
	fr, err := NewReader(gz)
	if err != nil {
		gz.Close()
		return nil, nil, err
	}
	return fr, gz.Close, nil
}
