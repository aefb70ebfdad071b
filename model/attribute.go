package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrAttributeExists indicates a duplicate attribute name in a registry.
	ErrAttributeExists = errors.New("attribute already registered")
	// ErrAttributeNotFound indicates a lookup for an unknown attribute.
	ErrAttributeNotFound = errors.New("attribute not found")
	// ErrAttributeType indicates a typed lookup against an attribute of a
	// different value type.
	ErrAttributeType = errors.New("attribute type mismatch")
)

// Value is the set of types an attribute can hold.
type Value interface {
	~float64 | ~complex128 | ~bool | ~[]float64
}

// Kind describes the value type of an attribute without generics.
type Kind int

const (
	KindReal Kind = iota
	KindComplex
	KindBool
	KindVector
)

func (k Kind) String() string {
	switch k {
	case KindReal:
		return "real"
	case KindComplex:
		return "complex"
	case KindBool:
		return "bool"
	case KindVector:
		return "vector"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// AttributeBase is the untyped view of an attribute. Attribute identity (the
// pointer) is what the scheduler uses to relate readers and writers.
type AttributeBase interface {
	Name() string
	QualifiedName() string
	Kind() Kind
	ReadOnly() bool
	// Structural reports whether the value only enters constant matrix
	// entries, which are assembled once at FinalizeTopology.
	Structural() bool

	setOwner(owner string)
}

// Attribute is a named, typed value published by a component. It is not safe
// for concurrent access on its own; the scheduler orders readers and writers.
type Attribute[T Value] struct {
	name       string
	owner      string
	value      T
	derive     func() T
	structural bool
}

// NewAttribute creates a settable attribute holding the zero value.
func NewAttribute[T Value](name string) *Attribute[T] {
	return &Attribute[T]{name: name}
}

// NewAttributeWith creates a settable attribute holding v.
func NewAttributeWith[T Value](name string, v T) *Attribute[T] {
	return &Attribute[T]{name: name, value: v}
}

// NewParameter creates a structural attribute holding v. Changing it after
// the topology is finalized has no effect on the system matrix, so bindings
// refuse to write it.
func NewParameter[T Value](name string, v T) *Attribute[T] {
	return &Attribute[T]{name: name, value: v, structural: true}
}

// Derive creates a read-only attribute computed from src on every Get.
func Derive[S, T Value](name string, src *Attribute[S], fn func(S) T) *Attribute[T] {
	return &Attribute[T]{
		name:   name,
		owner:  src.owner,
		derive: func() T { return fn(src.Get()) },
	}
}

func (a *Attribute[T]) Name() string { return a.name }

func (a *Attribute[T]) QualifiedName() string {
	if a.owner == "" {
		return a.name
	}
	return a.owner + "." + a.name
}

func (a *Attribute[T]) Kind() Kind {
	var zero T
	switch any(zero).(type) {
	case complex128:
		return KindComplex
	case bool:
		return KindBool
	case []float64:
		return KindVector
	default:
		return KindReal
	}
}

func (a *Attribute[T]) ReadOnly() bool { return a.derive != nil }

func (a *Attribute[T]) Structural() bool { return a.structural }

func (a *Attribute[T]) setOwner(owner string) { a.owner = owner }

// Get returns the current value.
func (a *Attribute[T]) Get() T {
	if a.derive != nil {
		return a.derive()
	}
	return a.value
}

// Set stores v. Setting a derived attribute is a programming error.
func (a *Attribute[T]) Set(v T) {
	if a.derive != nil {
		panic(fmt.Sprintf("model: set on derived attribute %s", a.QualifiedName()))
	}
	a.value = v
}

// Registry maps stable attribute names to attributes for one component. It is
// filled at construction time and only read afterwards.
type Registry struct {
	owner string
	attrs map[string]AttributeBase
}

// NewRegistry constructs an empty registry for the named owner.
func NewRegistry(owner string) *Registry {
	return &Registry{
		owner: owner,
		attrs: make(map[string]AttributeBase),
	}
}

// Owner returns the name of the component owning the registry.
func (r *Registry) Owner() string { return r.owner }

// Register adds attributes. It returns ErrAttributeExists on a duplicate name.
func (r *Registry) Register(attrs ...AttributeBase) error {
	for _, a := range attrs {
		if _, exists := r.attrs[a.Name()]; exists {
			return fmt.Errorf("%s.%s: %w", r.owner, a.Name(), ErrAttributeExists)
		}
		a.setOwner(r.owner)
		r.attrs[a.Name()] = a
	}
	return nil
}

// MustRegister is Register for constructors with static attribute sets.
func (r *Registry) MustRegister(attrs ...AttributeBase) {
	if err := r.Register(attrs...); err != nil {
		panic(err)
	}
}

// Lookup returns the attribute with the given name.
func (r *Registry) Lookup(name string) (AttributeBase, error) {
	a, ok := r.attrs[name]
	if !ok {
		return nil, fmt.Errorf("%s.%s: %w", r.owner, name, ErrAttributeNotFound)
	}
	return a, nil
}

// Names returns the registered attribute names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.attrs))
	for name := range r.attrs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup resolves a typed attribute from a registry.
func Lookup[T Value](r *Registry, name string) (*Attribute[T], error) {
	base, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	a, ok := base.(*Attribute[T])
	if !ok {
		return nil, fmt.Errorf("%s: is %s: %w", base.QualifiedName(), base.Kind(), ErrAttributeType)
	}
	return a, nil
}

// SplitPath splits "component.attribute" into its two parts.
func SplitPath(path string) (component, attribute string, err error) {
	idx := strings.LastIndex(path, ".")
	if idx <= 0 || idx == len(path)-1 {
		return "", "", fmt.Errorf("attribute path %q: want <component>.<attribute>", path)
	}
	return path[:idx], path[idx+1:], nil
}
