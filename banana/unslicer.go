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
	"sort"
	"strconv"
	"strings"

	"github.com/foolscap-go/banana/date"
)

// Unslicer is a decoder-side state machine owning one in-progress
// composite frame (spec.md §4.4). The Decoder feeds it every
// token/value that arrives inside its OPEN...CLOSE bracket and
// asks it to produce one finished value at CLOSE.
type Unslicer interface {
	// receiveChild incorporates one already-decoded child: either
	// a scalar atom (int64, float64, string, []byte) or the
	// finished value of a nested composite frame.
	receiveChild(value any) error

	// receiveClose finalizes the frame and returns its value.
	receiveClose() (any, error)

	describe() string
}

// opener constructs the Unslicer for a freshly opened frame whose
// opentype string has just been read.
type opener func(d *Decoder) Unslicer

// openRegistry is the opentype → opener table consulted for every
// nested frame. Safe-mode connections omit "instance" from theirs
// (see NewSafeDecoder) so unsafe-mode frames surface as a
// Violation instead of being constructed (spec.md §9).
type openRegistry map[string]opener

// DefaultOpenRegistry is the full opentype table, including the
// unsafe-mode "instance" opener. Use NewSafeOpenRegistry for a
// connection that must reject arbitrary class instances.
func DefaultOpenRegistry() openRegistry {
	r := NewSafeOpenRegistry()
	r["instance"] = func(d *Decoder) Unslicer { return &instanceUnslicer{d: d} }
	return r
}

// NewSafeOpenRegistry returns the opentype table for safe mode:
// every well-known container and scalar wrapper except "instance".
func NewSafeOpenRegistry() openRegistry {
	return openRegistry{
		"none":          func(d *Decoder) Unslicer { return &noneUnslicer{} },
		"boolean":       func(d *Decoder) Unslicer { return &booleanUnslicer{} },
		"list":          func(d *Decoder) Unslicer { return &listUnslicer{} },
		"tuple":         func(d *Decoder) Unslicer { return &tupleUnslicer{} },
		"dict":          func(d *Decoder) Unslicer { return &dictUnslicer{} },
		"set":           func(d *Decoder) Unslicer { return &setUnslicer{} },
		"immutable-set": func(d *Decoder) Unslicer { return &setUnslicer{frozen: true} },
		"reference":     func(d *Decoder) Unslicer { return &referenceUnslicer{d: d} },
		"decimal":       func(d *Decoder) Unslicer { return &decimalUnslicer{} },
		"uuid":          func(d *Decoder) Unslicer { return &uuidUnslicer{} },
		"datetime":      func(d *Decoder) Unslicer { return &datetimeUnslicer{} },
		"class":         func(d *Decoder) Unslicer { return &classUnslicer{} },
		"set-vocab":     func(d *Decoder) Unslicer { return &setVocabUnslicer{d: d} },
		"add-vocab":     func(d *Decoder) Unslicer { return &addVocabUnslicer{d: d} },
	}
}

// --- scalar wrapper frames ---

type noneUnslicer struct{}

func (*noneUnslicer) receiveChild(any) error     { return NewBananaError("none takes no children") }
func (*noneUnslicer) receiveClose() (any, error) { return nil, nil }
func (*noneUnslicer) describe() string           { return "<none>" }

type booleanUnslicer struct {
	val bool
	got bool
}

func (u *booleanUnslicer) receiveChild(v any) error {
	if u.got {
		return NewBananaError("boolean takes exactly one child")
	}
	i, ok := v.(int64)
	if !ok {
		return NewBananaError("boolean body must be an INT")
	}
	u.val, u.got = i != 0, true
	return nil
}
func (u *booleanUnslicer) receiveClose() (any, error) {
	if !u.got {
		return nil, NewBananaError("boolean ended with no value")
	}
	return u.val, nil
}
func (u *booleanUnslicer) describe() string { return "<boolean>" }

// --- list / tuple / set ---

// observeRef arranges for patch to run with a reference's final
// value once it resolves. Containers call this right after storing
// a child that might be an as-yet-unresolved *Ref (spec.md §4.4.1:
// an object that (directly or transitively) contains itself is
// represented, at decode time, by a placeholder for the cycle-
// closing reference; the container must patch its own storage once
// that placeholder's defining frame finally closes). If v is not a
// *Ref, patch is never called.
func observeRef(v any, patch func(any)) {
	if ref, ok := v.(*Ref); ok {
		ref.onResolve(patch)
	}
}

// constrainable is implemented by the Unslicers whose element/size
// limits can be bound to a top-level Constraint (spec.md §4.4:
// "if self.constraint: child.setConstraint(self.constraint)" is
// only ever done for the root's immediate child).
type constrainable interface {
	setConstraint(Constraint)
}

type listUnslicer struct {
	items      []any
	constraint Constraint
}

func (u *listUnslicer) setConstraint(c Constraint) { u.constraint = c }

func (u *listUnslicer) receiveChild(v any) error {
	idx := len(u.items)
	u.items = append(u.items, v)
	observeRef(v, func(final any) { u.items[idx] = final })
	return checkToken(u.constraint, len(u.items))
}
func (u *listUnslicer) receiveClose() (any, error) { return &List{Items: u.items}, nil }
func (u *listUnslicer) describe() string           { return "[" + strconv.Itoa(len(u.items)) + "]" }

type tupleUnslicer struct {
	items      []any
	constraint Constraint
}

func (u *tupleUnslicer) setConstraint(c Constraint) { u.constraint = c }

func (u *tupleUnslicer) receiveChild(v any) error {
	idx := len(u.items)
	u.items = append(u.items, v)
	observeRef(v, func(final any) { u.items[idx] = final })
	return checkToken(u.constraint, len(u.items))
}
func (u *tupleUnslicer) receiveClose() (any, error) { return &Tuple{Items: u.items}, nil }
func (u *tupleUnslicer) describe() string           { return "[" + strconv.Itoa(len(u.items)) + "]" }

type setUnslicer struct {
	items  []any
	frozen bool
}

func (u *setUnslicer) receiveChild(v any) error {
	if !isHashable(v) {
		return NewBananaError("unhashable set member %T", v)
	}
	idx := len(u.items)
	u.items = append(u.items, v)
	observeRef(v, func(final any) { u.items[idx] = final })
	return nil
}
func (u *setUnslicer) receiveClose() (any, error) {
	return &Set{Items: u.items, Frozen: u.frozen}, nil
}
func (u *setUnslicer) describe() string { return "[" + strconv.Itoa(len(u.items)) + "]" }

// --- dict ---

type dictUnslicer struct {
	entries    []DictEntry
	seen       map[any]bool
	pendingKey any
	hasKey     bool
	constraint Constraint
}

func (u *dictUnslicer) setConstraint(c Constraint) { u.constraint = c }

func (u *dictUnslicer) receiveChild(v any) error {
	if !u.hasKey {
		if !isHashable(v) {
			return NewBananaError("unhashable dict key %T", v)
		}
		if u.seen == nil {
			u.seen = make(map[any]bool)
		}
		k := hashKey(v)
		if u.seen[k] {
			return NewBananaError("duplicate key %v", v)
		}
		u.seen[k] = true
		u.pendingKey, u.hasKey = v, true
		return nil
	}
	idx := len(u.entries)
	key := u.pendingKey
	u.entries = append(u.entries, DictEntry{Key: key, Value: v})
	observeRef(key, func(final any) { u.entries[idx].Key = final })
	observeRef(v, func(final any) { u.entries[idx].Value = final })
	u.hasKey = false
	return checkToken(u.constraint, len(u.entries))
}
func (u *dictUnslicer) receiveClose() (any, error) {
	if u.hasKey {
		return nil, NewBananaError("dict ended early: got key but not value")
	}
	return &Dict{Entries: u.entries}, nil
}
func (u *dictUnslicer) describe() string {
	if u.hasKey {
		return "[" + describeValue(u.pendingKey) + "]"
	}
	return "[" + strconv.Itoa(len(u.entries)) + "]"
}

func describeValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return "?"
}

// --- reference ---

type referenceUnslicer struct {
	d   *Decoder
	id  int
	got bool
}

func (u *referenceUnslicer) receiveChild(v any) error {
	if u.got {
		return NewBananaError("reference takes exactly one child")
	}
	i, ok := v.(int64)
	if !ok {
		return NewBananaError("reference body must be an INT")
	}
	u.id, u.got = int(i), true
	return nil
}
func (u *referenceUnslicer) receiveClose() (any, error) {
	if !u.got {
		return nil, NewBananaError("reference ended with no id")
	}
	v, ok := u.d.refs.get(u.id)
	if !ok {
		return nil, NewViolation("reference to unknown id %d", u.id)
	}
	return v, nil
}
func (u *referenceUnslicer) describe() string { return "<reference>" }

// --- decimal / uuid / datetime / class ---

type decimalUnslicer struct {
	s   string
	got bool
}

func (u *decimalUnslicer) receiveChild(v any) error {
	s, ok := v.(string)
	if !ok || u.got {
		return NewBananaError("decimal body must be a single STRING")
	}
	u.s, u.got = s, true
	return nil
}
func (u *decimalUnslicer) receiveClose() (any, error) {
	d, err := ParseDecimal(u.s)
	if err != nil {
		return nil, NewViolation("%v", err)
	}
	return d, nil
}
func (u *decimalUnslicer) describe() string { return "<decimal>" }

type uuidUnslicer struct {
	b   []byte
	got bool
}

func (u *uuidUnslicer) receiveChild(v any) error {
	b, ok := v.([]byte)
	if !ok || u.got {
		return NewBananaError("uuid body must be a single BYTES")
	}
	u.b, u.got = b, true
	return nil
}
func (u *uuidUnslicer) receiveClose() (any, error) {
	id, err := parseUUIDBytes(u.b)
	if err != nil {
		return nil, NewViolation("%v", err)
	}
	return id, nil
}
func (u *uuidUnslicer) describe() string { return "<uuid>" }

type datetimeUnslicer struct {
	s   string
	got bool
}

func (u *datetimeUnslicer) receiveChild(v any) error {
	s, ok := v.(string)
	if !ok || u.got {
		return NewBananaError("datetime body must be a single STRING")
	}
	u.s, u.got = s, true
	return nil
}
func (u *datetimeUnslicer) receiveClose() (any, error) {
	t, ok := date.Parse([]byte(u.s))
	if !ok {
		return nil, NewViolation("invalid datetime %q", u.s)
	}
	return t, nil
}
func (u *datetimeUnslicer) describe() string { return "<datetime>" }

type classUnslicer struct {
	name string
	got  bool
}

func (u *classUnslicer) receiveChild(v any) error {
	s, ok := v.(string)
	if !ok || u.got {
		return NewBananaError("class body must be a single STRING")
	}
	u.name, u.got = s, true
	return nil
}
func (u *classUnslicer) receiveClose() (any, error) {
	if !u.got {
		return nil, NewBananaError("class frame ended with no name")
	}
	return u.name, nil
}
func (u *classUnslicer) describe() string { return "<class>" }

// --- instance (unsafe mode) ---

type instanceStage int

const (
	stageProtocol instanceStage = iota
	stageClass
	stageArgs
	stageKwargs
	stageState
)

type instanceUnslicer struct {
	d *Decoder

	stage    instanceStage
	protocol int
	class    string
	args     *Tuple
	kwargs   *Dict
	state    *Dict

	pendingKey any
	hasKey     bool
}

func (u *instanceUnslicer) receiveChild(v any) error {
	switch u.stage {
	case stageProtocol:
		i, ok := v.(int64)
		if !ok {
			return NewBananaError("instance protocol must be an INT")
		}
		u.protocol = int(i)
		if u.protocol != ReduceProtocolFunction && u.protocol != ReduceProtocolNewobj && u.protocol != ReduceProtocolNewobjEx {
			return NewBananaError("unknown pickle protocol %d", u.protocol)
		}
		u.stage = stageClass
		return nil
	case stageClass:
		name, ok := v.(string)
		if !ok {
			return NewBananaError("instance class must resolve to a string")
		}
		u.class = name
		u.stage = stageArgs
		return nil
	case stageArgs:
		t, ok := v.(*Tuple)
		if !ok {
			return NewBananaError("instance args must be a tuple")
		}
		u.args = t
		if u.protocol == ReduceProtocolNewobjEx {
			u.stage = stageKwargs
		} else {
			u.stage = stageState
		}
		return nil
	case stageKwargs:
		kw, ok := v.(*Dict)
		if !ok {
			return NewBananaError("instance kwargs must be a dict")
		}
		u.kwargs = kw
		u.stage = stageState
		return nil
	default: // stageState: flat alternating key/value pairs
		if !u.hasKey {
			u.pendingKey, u.hasKey = v, true
			return nil
		}
		if u.state == nil {
			u.state = &Dict{}
		}
		idx := len(u.state.Entries)
		key := u.pendingKey
		u.state.Entries = append(u.state.Entries, DictEntry{Key: key, Value: v})
		observeRef(key, func(final any) { u.state.Entries[idx].Key = final })
		observeRef(v, func(final any) { u.state.Entries[idx].Value = final })
		u.hasKey = false
		return nil
	}
}

func (u *instanceUnslicer) receiveClose() (any, error) {
	if u.stage < stageState {
		return nil, NewBananaError("instance frame ended before its state section")
	}
	if u.hasKey {
		return nil, NewBananaError("instance state ended early: got key but not value")
	}
	v, err := buildInstance(u.d.Registry, u.protocol, u.class, u.args, u.kwargs, u.state)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (u *instanceUnslicer) describe() string {
	return "<instance of " + u.class + ">"
}

// --- vocabulary frames ---

type setVocabUnslicer struct {
	d          *Decoder
	table      map[int]string
	pendingIdx int
	hasIdx     bool
}

func (u *setVocabUnslicer) receiveChild(v any) error {
	if !u.hasIdx {
		i, ok := v.(int64)
		if !ok {
			return NewBananaError("set-vocab key must be an INT")
		}
		u.pendingIdx, u.hasIdx = int(i), true
		return nil
	}
	s, ok := stringOrBytes(v)
	if !ok {
		return NewBananaError("set-vocab value must be a STRING or BYTES")
	}
	if u.table == nil {
		u.table = make(map[int]string)
	}
	if _, dup := u.table[u.pendingIdx]; dup {
		return NewBananaError("duplicate key %d", u.pendingIdx)
	}
	u.table[u.pendingIdx] = s
	u.hasIdx = false
	return nil
}

func (u *setVocabUnslicer) receiveClose() (any, error) {
	if u.hasIdx {
		return nil, NewBananaError("set-vocab ended early: got key but not value")
	}
	idx := make([]int, 0, len(u.table))
	for i := range u.table {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	max := -1
	for _, i := range idx {
		if i > max {
			max = i
		}
	}
	table := make([]string, max+1)
	for i, s := range u.table {
		table[i] = s
	}
	u.d.Vocab.Set(table)
	return vocabReplaced{}, nil
}
func (u *setVocabUnslicer) describe() string { return "<vocabdict>" }

// vocabReplaced and vocabAdded are the sentinel values a vocab
// frame resolves to: IsVocabOp recognizes them and Driver
// suppresses delivery to the application (spec.md §4.2: these frames mutate
// protocol state, they are not themselves a received object).
type vocabReplaced struct{}
type vocabAdded struct{}

type addVocabUnslicer struct {
	d      *Decoder
	index  int
	value  string
	hasIdx bool
	hasVal bool
}

func (u *addVocabUnslicer) receiveChild(v any) error {
	if !u.hasIdx {
		i, ok := v.(int64)
		if !ok {
			return NewBananaError("add-vocab key must be an INT")
		}
		u.index, u.hasIdx = int(i), true
		return nil
	}
	if !u.hasVal {
		s, ok := stringOrBytes(v)
		if !ok {
			return NewBananaError("add-vocab value must be a STRING or BYTES")
		}
		u.value, u.hasVal = s, true
		return nil
	}
	return NewViolation("add-vocab only accepts two values")
}
func (u *addVocabUnslicer) receiveClose() (any, error) {
	if !u.hasIdx || !u.hasVal {
		return nil, NewBananaError("add-vocab ended too early")
	}
	existing := u.d.Vocab.Table()
	if u.index < len(existing) {
		existing[u.index] = u.value
	} else {
		for len(existing) < u.index {
			existing = append(existing, "")
		}
		existing = append(existing, u.value)
	}
	u.d.Vocab.Set(existing)
	return vocabAdded{}, nil
}
func (u *addVocabUnslicer) describe() string {
	return "[" + strconv.Itoa(u.index) + "]"
}

func stringOrBytes(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case []byte:
		return string(x), true
	default:
		return "", false
	}
}

func joinPath(path []string) string {
	return "<RootUnslicer>" + strings.Join(path, "")
}
