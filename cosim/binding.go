// Package cosim binds component attributes to slots of shared-memory sample
// frames exchanged with a co-simulation peer.
package cosim

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"
	"strings"

	"github.com/signalsfoundry/gridsim/model"
)

var (
	// ErrBindingsFrozen is returned when a binding is added after Start.
	ErrBindingsFrozen = errors.New("cosim: bindings are frozen")
	// ErrSlotTaken is returned when two bindings claim a frame slot.
	ErrSlotTaken = errors.New("cosim: frame slot already bound")
	// ErrUnsupported is returned for kind/attribute combinations with no
	// meaning, e.g. the phase of a bool.
	ErrUnsupported = errors.New("cosim: unsupported binding")
)

// ExportKind selects how an attribute value becomes frame values.
type ExportKind int

const (
	ExportReal ExportKind = iota
	// ExportComplex occupies two consecutive slots: real then imaginary.
	ExportComplex
	ExportMagnitude
	ExportPhase
)

// ParseExportKind maps configuration names to kinds.
func ParseExportKind(s string) (ExportKind, error) {
	switch strings.ToLower(s) {
	case "", "real":
		return ExportReal, nil
	case "complex":
		return ExportComplex, nil
	case "mag", "magnitude":
		return ExportMagnitude, nil
	case "phase":
		return ExportPhase, nil
	default:
		return 0, fmt.Errorf("cosim: export kind %q: %w", s, ErrUnsupported)
	}
}

func (k ExportKind) String() string {
	switch k {
	case ExportComplex:
		return "complex"
	case ExportMagnitude:
		return "mag"
	case ExportPhase:
		return "phase"
	default:
		return "real"
	}
}

// Resolver finds attributes by "owner.attribute" path.
type Resolver interface {
	Attribute(path string) (model.AttributeBase, error)
}

// exportSlot reads one frame value.
type exportSlot struct {
	index int
	label string
	read  func() float64
}

// importSlot applies one frame value.
type importSlot struct {
	index int
	label string
	apply func(v float64)
}

func exportReaders(attr model.AttributeBase, kind ExportKind, scale float64) ([]func() float64, error) {
	unsupported := fmt.Errorf("%s %s of %s: %w", attr.QualifiedName(), kind, attr.Kind(), ErrUnsupported)
	switch a := attr.(type) {
	case *model.Attribute[float64]:
		switch kind {
		case ExportReal:
			return []func() float64{func() float64 { return scale * a.Get() }}, nil
		case ExportMagnitude:
			return []func() float64{func() float64 { return scale * math.Abs(a.Get()) }}, nil
		case ExportPhase:
			return []func() float64{func() float64 {
				if a.Get() < 0 {
					return math.Pi
				}
				return 0
			}}, nil
		case ExportComplex:
			return []func() float64{
				func() float64 { return scale * a.Get() },
				func() float64 { return 0 },
			}, nil
		}
	case *model.Attribute[complex128]:
		switch kind {
		case ExportReal:
			return []func() float64{func() float64 { return scale * real(a.Get()) }}, nil
		case ExportMagnitude:
			return []func() float64{func() float64 { return scale * cmplx.Abs(a.Get()) }}, nil
		case ExportPhase:
			return []func() float64{func() float64 { return cmplx.Phase(a.Get()) }}, nil
		case ExportComplex:
			return []func() float64{
				func() float64 { return scale * real(a.Get()) },
				func() float64 { return scale * imag(a.Get()) },
			}, nil
		}
	case *model.Attribute[bool]:
		if kind == ExportReal {
			return []func() float64{func() float64 {
				if a.Get() {
					return 1
				}
				return 0
			}}, nil
		}
	}
	return nil, unsupported
}

func importAppliers(attr model.AttributeBase, scale float64) ([]func(float64), error) {
	if attr.ReadOnly() {
		return nil, fmt.Errorf("%s is derived: %w", attr.QualifiedName(), ErrUnsupported)
	}
	if attr.Structural() {
		return nil, fmt.Errorf("%s only enters constant matrix entries: %w", attr.QualifiedName(), ErrUnsupported)
	}
	switch a := attr.(type) {
	case *model.Attribute[float64]:
		return []func(float64){func(v float64) { a.Set(scale * v) }}, nil
	case *model.Attribute[bool]:
		return []func(float64){func(v float64) { a.Set(v != 0) }}, nil
	case *model.Attribute[complex128]:
		// two consecutive slots; the pair is applied once both are read
		var re float64
		return []func(float64){
			func(v float64) { re = v },
			func(v float64) { a.Set(complex(scale*re, scale*v)) },
		}, nil
	}
	return nil, fmt.Errorf("%s of %s: %w", attr.QualifiedName(), attr.Kind(), ErrUnsupported)
}
