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
	"crypto/sha1"
	"encoding/hex"
	"fmt"

	"github.com/dchest/siphash"
	"golang.org/x/exp/maps"
)

// Vocab is a per-direction vocabulary table: a bijective mapping
// between small integer indices and byte strings, used to
// compress frequently occurring strings (opentypes, field names,
// ...) to a single SVOCAB/BVOCAB token. A connection maintains
// two Vocabs, one per direction; each is mutated only by
// set-vocab/add-vocab frames traveling in that direction.
type Vocab struct {
	toIndex map[string]int
	toValue map[int]string
	next    int // smallest index known to be unused
}

// NewVocab returns an empty vocabulary table.
func NewVocab() *Vocab {
	return &Vocab{
		toIndex: make(map[string]int),
		toValue: make(map[int]string),
	}
}

// Lookup returns the index assigned to value, if any.
func (v *Vocab) Lookup(value string) (int, bool) {
	i, ok := v.toIndex[value]
	return i, ok
}

// Get returns the value assigned to index, if any.
func (v *Vocab) Get(index int) (string, bool) {
	s, ok := v.toValue[index]
	return s, ok
}

// Set atomically replaces the table's contents (the `set-vocab`
// operation of spec.md §4.2). The entire mapping is given by
// table, indexed by position.
func (v *Vocab) Set(table []string) {
	v.toIndex = make(map[string]int, len(table))
	v.toValue = make(map[int]string, len(table))
	for i, s := range table {
		v.toIndex[s] = i
		v.toValue[i] = s
	}
	v.next = len(table)
}

// Add allocates the smallest unused index for value and
// registers the mapping (the `add-vocab` operation of
// spec.md §4.2). If value is already present, its existing
// index is returned unchanged.
func (v *Vocab) Add(value string) int {
	if i, ok := v.toIndex[value]; ok {
		return i
	}
	for {
		if _, used := v.toValue[v.next]; !used {
			break
		}
		v.next++
	}
	idx := v.next
	v.toIndex[value] = idx
	v.toValue[idx] = value
	v.next++
	return idx
}

// Table returns a snapshot of the table ordered by index, for
// diagnostics and for building `set-vocab` frames.
func (v *Vocab) Table() []string {
	n := 0
	for idx := range v.toValue {
		if idx+1 > n {
			n = idx + 1
		}
	}
	out := make([]string, n)
	for idx, s := range v.toValue {
		out[idx] = s
	}
	return out
}

// vocabV0, vocabV1 and vocabV191 are the three published initial
// vocabulary tables (spec.md §6). Table 0 is empty; table 1
// covers the opentypes used by basic messaging; table 191 extends
// table 1 with the ancillary types used by storage.py-style
// instance serialization.
var (
	vocabV0   = []string{}
	vocabV1   = []string{
		"none", "boolean", "reference",
		"dict", "list", "tuple", "set", "immutable-set",
		"unicode", "set-vocab", "add-vocab",
		"call", "arguments", "answer", "error",
		"my-reference", "your-reference", "their-reference", "copyable",
		"instance", "module", "class", "method", "function",
		"attrdict",
	}
	vocabV191 = append(append([]string{}, vocabV1...),
		"slice", "exception", "uuid", "datetime", "timedelta", "time", "date", "decimal",
	)
)

// InitialVocabTables maps a small integer index (negotiated out
// of band) to its published initial vocabulary table.
var InitialVocabTables = map[int][]string{
	0:   vocabV0,
	1:   vocabV1,
	191: vocabV191,
}

// InitialVocabIndices returns the sorted indices of every
// published initial vocabulary table.
func InitialVocabIndices() []int {
	idx := maps.Keys(InitialVocabTables)
	for i := 1; i < len(idx); i++ {
		for j := i; j > 0 && idx[j-1] > idx[j]; j-- {
			idx[j-1], idx[j] = idx[j], idx[j-1]
		}
	}
	return idx
}

// HashVocabTable returns the first 8 hex characters of the
// SHA-1 digest of the NUL-joined concatenation of the table's
// entries, the checksum spec.md §6 uses to let both ends confirm
// they agree on the contents of an initial vocabulary table.
func HashVocabTable(tableIndex int) (string, error) {
	table, ok := InitialVocabTables[tableIndex]
	if !ok {
		return "", fmt.Errorf("banana: no initial vocab table with index %d", tableIndex)
	}
	h := sha1.New()
	for i, s := range table {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(s))
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum)[:8], nil
}

// expected checksums for the three published tables, per spec.md §6.
const (
	checksumV0   = "da39a3ee"
	checksumV1   = "bb3393bb"
	checksumV191 = "c55dc3b2"
)

// VocabSuggester tracks an approximate frequency count of
// outgoing byte-strings using a SipHash-based counting sketch,
// so a producer can decide when a repeated string has been seen
// often enough to be worth promoting via add-vocab without
// maintaining an exact per-string counter map. Not part of the
// wire protocol; purely a local heuristic.
type VocabSuggester struct {
	k0, k1 uint64
	counts map[uint64]int
	// Threshold is the number of observations after which
	// Observe reports a string as worth vocab-encoding.
	Threshold int
}

// NewVocabSuggester returns a suggester with the given
// promotion threshold (observations before a string is
// suggested for add-vocab).
func NewVocabSuggester(threshold int) *VocabSuggester {
	return &VocabSuggester{
		k0:        0x5ca1ab1ebad5eed,
		k1:        0xc0ffeebabe15a5e,
		counts:    make(map[uint64]int),
		Threshold: threshold,
	}
}

// Observe records one occurrence of s and reports whether s has
// now crossed the promotion threshold (it will only report true
// once, on the observation that crosses it).
func (v *VocabSuggester) Observe(s []byte) (suggest bool) {
	h := siphash.Hash(v.k0, v.k1, s)
	v.counts[h]++
	return v.counts[h] == v.Threshold
}
