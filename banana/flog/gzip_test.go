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
	"bytes"
	"io"
	"testing"
)

func TestGzipRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	gw, closeW := GzipWriter(&buf)
	if err := gw.WriteHeader("incarnation", nil); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	if err := gw.WriteEvent("tub1", 0.25, map[string]any{"k": "v"}); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}
	if err := closeW(); err != nil {
		t.Fatalf("close: %v", err)
	}

	gr, closeR, err := GzipReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("GzipReader: %v", err)
	}
	defer closeR()

	rec, err := gr.Next()
	if err != nil || rec.Header == nil || rec.Header.Type != "incarnation" {
		t.Fatalf("header record: %#v, %v", rec, err)
	}
	rec, err = gr.Next()
	if err != nil || rec.Event == nil || rec.Event.From != "tub1" {
		t.Fatalf("event record: %#v, %v", rec, err)
	}
	if _, err := gr.Next(); err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestGzipReaderRejectsPlaintext(t *testing.T) {
	_, _, err := GzipReader(bytes.NewReader([]byte(Magic)))
	if err == nil {
		t.Fatal("expected an error decompressing a non-gzip stream")
	}
}
