// Package registry implements the process-wide type registries a coral
// node uses to declare its payload, parameter, and return shapes.
//
// Three independent registries exist: data (raw_type -> wire type +
// envelope subclass), params (the node's configuration payload shape),
// and return (the node's sender result shape). Data registrations are
// unbounded; params and return registrations enforce a "one node, one
// shape" cardinality: a process may register at most one params type and
// at most one return type. Registries are populated once at startup
// (cmd/example-node's buildRegistries) and only read afterwards; each
// registry still guards every read and write with its own mutex.
//
// Called by: internal/nodeconfig (validation), public/node (merge
// protocol, schema derivation)
package registry

import (
	"fmt"
	"reflect"
	"sync"
)

// WireType names a transport-level serialization class, e.g. "NativeObject"
// or "Image". The transport adapter advertises which wire types it
// supports; data-type registration is rejected if the wire type is
// unsupported (spec 4.1).
type WireType string

// DataEntry describes one registered raw_type: the wire type it rides on
// and a validator that checks decoded values against the envelope
// subclass's own invariants (e.g. RawImage requiring a 3/4-channel
// uint8 buffer).
type DataEntry struct {
	Name      string
	Wire      WireType
	Validator func(value interface{}) error
}

// DataRegistry catalogs raw_type -> (wire type, validator).
type DataRegistry struct {
	mu            sync.RWMutex
	entries       map[string]DataEntry
	supportedWire map[WireType]bool
}

// NewDataRegistry creates a data registry that only accepts wire types in
// supported (the transport adapter's advertised set).
func NewDataRegistry(supported ...WireType) *DataRegistry {
	m := make(map[WireType]bool, len(supported))
	for _, w := range supported {
		m[w] = true
	}
	return &DataRegistry{
		entries:       make(map[string]DataEntry),
		supportedWire: m,
	}
}

// Register adds a raw_type entry. Duplicate names and unsupported wire
// types are rejected (spec 4.1: "Data-type registration additionally
// requires the wire type to be one supported by the transport adapter").
func (r *DataRegistry) Register(name string, wire WireType, validator func(interface{}) error) error {
	if name == "" {
		return fmt.Errorf("registry: data type name must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.supportedWire[wire] {
		return fmt.Errorf("registry: wire type %q is not supported by the transport adapter", wire)
	}
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("registry: duplicate data type registration for %q", name)
	}
	r.entries[name] = DataEntry{Name: name, Wire: wire, Validator: validator}
	return nil
}

// Lookup returns the entry for name, or false if unregistered.
func (r *DataRegistry) Lookup(name string) (DataEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// ParamsBase is the marker interface a node's params payload type must
// implement to be eligible for params registration (spec 4.1:
// "registration rejects entries whose class is not a subtype of the
// expected base", mirrored from the Python original's BaseParamsModel
// check in ParamsManager.register). Embed ParamsModel to satisfy it.
type ParamsBase interface{ isCoralParams() }

// ParamsModel is embedded by a node's params struct to mark it as a
// valid ParamsRegistry entry, the Go analogue of subclassing
// BaseParamsModel in the Python original.
type ParamsModel struct{}

func (ParamsModel) isCoralParams() {}

// ReturnBase is the marker interface a node's sender-result type (head,
// interface, or meta) must implement to be eligible for return
// registration, mirrored from the Python original's ReturnPayload check
// in ReturnManager.register. Embed ReturnModel to satisfy it.
type ReturnBase interface{ isCoralReturn() }

// ReturnModel is embedded by a node's return-result struct to mark it as
// a valid ReturnRegistry entry.
type ReturnModel struct{}

func (ReturnModel) isCoralReturn() {}

// singleton implements the "at most one" cardinality shared by params and
// return registries. It rejects a class that isn't a subtype of the
// expected base, rejects duplicate names, and rejects a second
// registration once one entry already exists.
type singleton struct {
	mu     sync.RWMutex
	base   reflect.Type
	name   string
	sample interface{}
	count  int
}

// newSingleton builds a singleton that only accepts samples implementing
// base. base is an interface type obtained via reflect.TypeOf((*X)(nil)).Elem();
// a nil base disables the subtype check entirely.
func newSingleton(base reflect.Type) *singleton {
	return &singleton{base: base}
}

// Register records the single permitted entry. sample is a zero value
// (or pointer to zero value) of the registered type, used later for
// schema derivation and instance checks.
func (s *singleton) Register(name string, sample interface{}) error {
	if sample == nil {
		return fmt.Errorf("registry: sample value must not be nil")
	}
	if s.base != nil {
		t := reflect.TypeOf(sample)
		if !t.Implements(s.base) {
			return fmt.Errorf("registry: %s is not a subtype of the expected base type for this registry (embed the registry base model to satisfy it)", t)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.count >= 1 {
		return fmt.Errorf("registry: at most one entry may be registered per process (already have %q, rejecting %q)", s.name, name)
	}
	s.name = name
	s.sample = sample
	s.count++
	return nil
}

func (s *singleton) Default() (string, interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.count == 0 {
		return "", nil, false
	}
	return s.name, s.sample, true
}

func (s *singleton) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// ParamsRegistry enforces "at most one params type per process".
type ParamsRegistry struct{ s *singleton }

// NewParamsRegistry creates an empty params registry. Register rejects
// any sample that does not implement ParamsBase.
func NewParamsRegistry() *ParamsRegistry {
	return &ParamsRegistry{s: newSingleton(reflect.TypeOf((*ParamsBase)(nil)).Elem())}
}

// Register records the node's single params shape. A second call fails
// (spec 4.1 cardinality rule).
func (r *ParamsRegistry) Register(name string, sample interface{}) error { return r.s.Register(name, sample) }

// DefaultType returns the sole registered entry, or ok=false if none.
func (r *ParamsRegistry) DefaultType() (name string, sample interface{}, ok bool) { return r.s.Default() }

// Count returns how many params types have been registered (0 or 1 in a
// correctly built node; >1 never happens because Register rejects it).
func (r *ParamsRegistry) Count() int { return r.s.Count() }

// ReturnRegistry enforces "at most one return type per process".
type ReturnRegistry struct{ s *singleton }

// NewReturnRegistry creates an empty return registry. Register rejects
// any sample that does not implement ReturnBase.
func NewReturnRegistry() *ReturnRegistry {
	return &ReturnRegistry{s: newSingleton(reflect.TypeOf((*ReturnBase)(nil)).Elem())}
}

// Register records the node's single sender-result shape.
func (r *ReturnRegistry) Register(name string, sample interface{}) error { return r.s.Register(name, sample) }

// DefaultType returns the sole registered entry, or ok=false if none.
func (r *ReturnRegistry) DefaultType() (name string, sample interface{}, ok bool) { return r.s.Default() }

// Count returns how many return types have been registered.
func (r *ReturnRegistry) Count() int { return r.s.Count() }
