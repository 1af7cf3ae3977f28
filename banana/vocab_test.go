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

func TestVocabSetAndLookup(t *testing.T) {
	v := NewVocab()
	v.Set([]string{"none", "boolean", "list"})

	if idx, ok := v.Lookup("boolean"); !ok || idx != 1 {
		t.Fatalf("Lookup(boolean) = %d, %v", idx, ok)
	}
	if s, ok := v.Get(2); !ok || s != "list" {
		t.Fatalf("Get(2) = %q, %v", s, ok)
	}
	if _, ok := v.Get(3); ok {
		t.Fatal("Get(3) should not be defined")
	}
}

func TestVocabAddAllocatesSmallestUnused(t *testing.T) {
	v := NewVocab()
	v.Set([]string{"a", "b"})
	idx := v.Add("c")
	if idx != 2 {
		t.Fatalf("Add(c) = %d, want 2", idx)
	}
	if idx := v.Add("a"); idx != 0 {
		t.Fatalf("Add(a) (already present) = %d, want 0", idx)
	}
}

func TestInitialVocabTableChecksums(t *testing.T) {
	cases := []struct {
		idx  int
		want string
	}{
		{0, checksumV0},
		{1, checksumV1},
		{191, checksumV191},
	}
	for _, c := range cases {
		got, err := HashVocabTable(c.idx)
		if err != nil {
			t.Fatalf("HashVocabTable(%d): %v", c.idx, err)
		}
		if got != c.want {
			t.Errorf("HashVocabTable(%d) = %q, want %q", c.idx, got, c.want)
		}
	}
}

func TestHashVocabTableUnknownIndex(t *testing.T) {
	if _, err := HashVocabTable(12345); err == nil {
		t.Fatal("expected an error for an unknown table index")
	}
}

func TestVocabSuggesterPromotesAtThreshold(t *testing.T) {
	s := NewVocabSuggester(3)
	word := []byte("hot-path")
	var suggested int
	for i := 0; i < 5; i++ {
		if s.Observe(word) {
			suggested++
		}
	}
	if suggested != 1 {
		t.Fatalf("Observe suggested %d times, want exactly 1", suggested)
	}
}
