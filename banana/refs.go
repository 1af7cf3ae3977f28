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

// encodeRefs tracks, on the encode side, which objects have
// already been assigned a reference id (spec.md §4.3:
// ScopedRootSlicer.references). Reference ids are assigned at
// OPEN time, before an object's body is emitted, so that an
// object which (directly or transitively) contains itself can
// still be encoded: later occurrences become `(reference N)`
// frames instead of being re-descended into.
//
// Only pointer-bearing composite types participate (*List,
// *Tuple, *Dict, *Set, *Instance); scalars are always encoded
// fresh (see SPEC_FULL.md §3.2).
type encodeRefs struct {
	ids  map[any]int
	next int
}

func newEncodeRefs() *encodeRefs {
	return &encodeRefs{ids: make(map[any]int)}
}

// lookup returns the reference id already assigned to obj, if any.
func (r *encodeRefs) lookup(obj any) (int, bool) {
	if !trackable(obj) {
		return 0, false
	}
	id, ok := r.ids[obj]
	return id, ok
}

// assign allocates the next reference id for obj and records it.
// Must be called exactly once per trackable object, at OPEN time.
func (r *encodeRefs) assign(obj any) int {
	id := r.next
	r.next++
	if trackable(obj) {
		r.ids[obj] = id
	}
	return id
}

// trackable reports whether obj is a pointer-bearing composite
// eligible for reference tracking. Using obj directly as a map
// key relies on Go comparing pointer values for these types.
func trackable(obj any) bool {
	switch obj.(type) {
	case *List, *Tuple, *Dict, *Set, *Instance:
		return true
	default:
		return false
	}
}

// decodeRefs tracks, on the decode side, the reference id -> value
// mapping (spec.md §4.4: RootUnslicer.objects / ScopedRootUnslicer
// .references). A slot holds either the fully assembled value or
// a *Ref placeholder for an object whose frame has not yet closed
// (the cyclic case).
type decodeRefs struct {
	slots map[int]any
}

func newDecodeRefs() *decodeRefs {
	return &decodeRefs{slots: make(map[int]any)}
}

// reserve installs a placeholder for a newly opened frame with
// reference id and returns it; the unslicer for that frame will
// later call resolve with the finished value.
func (d *decodeRefs) reserve(id int) *Ref {
	ref := newRef(id)
	d.slots[id] = ref
	return ref
}

// resolve replaces the placeholder at id with its final value and
// fires every observer that was waiting on it.
func (d *decodeRefs) resolve(id int, value any) {
	if ref, ok := d.slots[id].(*Ref); ok {
		ref.resolve(value)
	}
	d.slots[id] = value
}

// get returns the current slot contents for id: either the final
// value or a *Ref placeholder if the defining frame has not
// closed yet.
func (d *decodeRefs) get(id int) (any, bool) {
	v, ok := d.slots[id]
	return v, ok
}
