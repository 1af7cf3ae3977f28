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

// Pickle-protocol discriminators carried as the first element of
// an `instance` frame (spec.md §4.3.1). The source leaves
// protocols 0 and 4 partly disabled; this implementation emits
// protocol 2 by default (class + positional constructor args +
// flat state) and accepts 0, 2 and 4 on decode (SPEC_FULL.md §11,
// Open Question 1).
const (
	ReduceProtocolFunction = 0 // (function, args)
	ReduceProtocolNewobj   = 2 // (class, args)
	ReduceProtocolNewobjEx = 4 // (class, args, kwargs)
)

// DefaultReduceProtocol is the protocol this implementation emits
// for Reducer values that don't otherwise specify one.
const DefaultReduceProtocol = ReduceProtocolNewobj

// InstanceFactory rebuilds a native Go value from a decoded
// instance frame's class name, constructor tuple, keyword dict
// (protocol 4 only, else nil) and flat state dict (else nil).
// Returning an error reports a Violation, not a BananaError: an
// unrecognized-but-well-formed instance frame is a schema
// mismatch, not a protocol corruption.
type InstanceFactory func(args *Tuple, kwargs *Dict, state *Dict) (any, error)

// InstanceRegistry is a process-independent, connection-scoped
// class name → constructor table for unsafe-mode instance
// decoding (spec.md §4.3.1, §9: "implement as an explicit
// registry value passed at connection construction — no hidden
// process globals"). An instance frame whose class has no factory
// here decodes to a generic *Instance; safe-mode connections
// reject instance frames through their open registry instead
// (NewSafeOpenRegistry).
type InstanceRegistry struct {
	factories map[string]InstanceFactory
}

// NewInstanceRegistry returns an empty registry.
func NewInstanceRegistry() *InstanceRegistry {
	return &InstanceRegistry{factories: make(map[string]InstanceFactory)}
}

// Register installs factory under class, overwriting any
// previous registration for the same name.
func (r *InstanceRegistry) Register(class string, factory InstanceFactory) {
	r.factories[class] = factory
}

// Lookup returns the factory registered for class, if any.
func (r *InstanceRegistry) Lookup(class string) (InstanceFactory, bool) {
	f, ok := r.factories[class]
	return f, ok
}

// reduceOf returns the reduction tuple for obj: either by asking
// it directly (if it implements Reducer) or, failing that, by
// accepting an already-built *Instance verbatim (the generic,
// registry-free fallback used when decoding and re-encoding
// without a native Go type).
func reduceOf(obj any) (class string, args *Tuple, kwargs *Dict, state *Dict, protocol int, ok bool) {
	switch v := obj.(type) {
	case *Instance:
		return v.Class, v.Args, v.Kwargs, v.State, v.Protocol, true
	case Reducer:
		class, args, state = v.Reduce()
		return class, args, nil, state, DefaultReduceProtocol, true
	default:
		return "", nil, nil, nil, 0, false
	}
}

// buildInstance reconstructs a decoded instance frame into a
// native Go value via reg, falling back to a generic *Instance
// when no factory is registered for class.
func buildInstance(reg *InstanceRegistry, protocol int, class string, args *Tuple, kwargs *Dict, state *Dict) (any, error) {
	if reg != nil {
		if factory, ok := reg.Lookup(class); ok {
			v, err := factory(args, kwargs, state)
			if err != nil {
				return nil, NewViolation("instance factory for %q failed: %v", class, err)
			}
			return v, nil
		}
	}
	return &Instance{
		Protocol: protocol,
		Class:    class,
		Args:     args,
		Kwargs:   kwargs,
		State:    state,
	}, nil
}
