// Package components holds reference circuit elements implementing the
// stamping and scheduling contract: passive two-terminal elements, sources,
// a switch and a composite load.
package components

import (
	"github.com/signalsfoundry/gridsim/mna"
	"github.com/signalsfoundry/gridsim/model"
	"github.com/signalsfoundry/gridsim/scheduler"
)

// PreStepper is implemented by components with work before the solve.
type PreStepper interface {
	PreStep(t float64, step int) error
	PreStepDependencies() scheduler.Dependencies
}

// PostStepper is implemented by components deriving state from the
// solution. The solution itself is an implicit current-step dependency.
type PostStepper interface {
	mna.SolutionReader
	PostStepDependencies() scheduler.Dependencies
}

// Initializer is implemented by components that need the time step before
// the topology is finalized.
type Initializer interface {
	Initialize(dt float64) error
}

// Composite is implemented by components that own sub-components. Sub
// components get their own tasks but are stamped through their owner.
type Composite interface {
	SubComponents() []mna.Component
}

// twoTerminal carries the shared state of a branch element.
type twoTerminal struct {
	name   string
	n1, n2 *model.Node
	attrs  *model.Registry

	// v is V(n1)-V(n2); i flows from n1 to n2 through the element.
	v *model.Attribute[float64]
	i *model.Attribute[float64]
}

func newTwoTerminal(name string, n1, n2 *model.Node) twoTerminal {
	tt := twoTerminal{
		name:  name,
		n1:    orGround(n1),
		n2:    orGround(n2),
		attrs: model.NewRegistry(name),
		v:     model.NewAttribute[float64]("v"),
		i:     model.NewAttribute[float64]("i"),
	}
	tt.attrs.MustRegister(tt.v, tt.i)
	return tt
}

func orGround(n *model.Node) *model.Node {
	if n == nil {
		return model.Ground()
	}
	return n
}

func (t *twoTerminal) Name() string                { return t.name }
func (t *twoTerminal) Terminals() []*model.Node    { return []*model.Node{t.n1, t.n2} }
func (t *twoTerminal) Attributes() *model.Registry { return t.attrs }

// Voltage returns the branch voltage attribute.
func (t *twoTerminal) Voltage() *model.Attribute[float64] { return t.v }

// Current returns the branch current attribute.
func (t *twoTerminal) Current() *model.Attribute[float64] { return t.i }

func deps(prev, current, modified []model.AttributeBase) scheduler.Dependencies {
	return scheduler.Dependencies{PrevStep: prev, Current: current, Modified: modified}
}

func list(as ...model.AttributeBase) []model.AttributeBase { return as }
