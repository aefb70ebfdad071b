package components

import (
	"fmt"
	"math"

	"github.com/signalsfoundry/gridsim/mna"
	"github.com/signalsfoundry/gridsim/model"
	"github.com/signalsfoundry/gridsim/scheduler"
)

type companion interface {
	mna.Component
	SourceCurrent() *model.Attribute[float64]
}

// RXLoad is a constant-impedance load between a node and ground built from
// a resistor and an inductor or capacitor sized from P, Q and the nominal
// voltage. It owns its sub-components and stamps through them.
type RXLoad struct {
	name  string
	node  *model.Node
	gnd   *model.Node
	attrs *model.Registry

	p, q, vnom *model.Attribute[float64]
	src        *model.Attribute[float64]
	v, i       *model.Attribute[float64]

	subs []mna.Component

	// capability sets, fixed at construction
	constant   []mna.ConstantStamper
	initial    []Initializer
	companions []companion
	currents   []*model.Attribute[float64]
}

// NewRXLoad sizes the load for active power p (W), reactive power q (var)
// at vnom (V) and frequency hz. Positive q is inductive.
func NewRXLoad(name string, node *model.Node, p, q, vnom, hz float64) (*RXLoad, error) {
	if vnom <= 0 {
		return nil, fmt.Errorf("load %s: nominal voltage %g", name, vnom)
	}
	l := &RXLoad{
		name:  name,
		node:  node,
		gnd:   model.Ground(),
		attrs: model.NewRegistry(name),
		p:     model.NewParameter("P", p),
		q:     model.NewParameter("Q", q),
		vnom:  model.NewParameter("V_nom", vnom),
		src:   model.NewAttribute[float64]("i_src"),
		v:     model.NewAttribute[float64]("v"),
		i:     model.NewAttribute[float64]("i"),
	}
	l.attrs.MustRegister(l.p, l.q, l.vnom, l.src, l.v, l.i)

	v2 := vnom * vnom
	if p != 0 {
		l.subs = append(l.subs, NewResistor(name+"_res", node, l.gnd, v2/p))
	}
	if q != 0 {
		if hz <= 0 {
			return nil, fmt.Errorf("load %s: reactive power needs a frequency", name)
		}
		w := 2 * math.Pi * hz
		if q > 0 {
			l.subs = append(l.subs, NewInductor(name+"_ind", node, l.gnd, v2/q/w))
		} else {
			l.subs = append(l.subs, NewCapacitor(name+"_cap", node, l.gnd, -q/(v2*w)))
		}
	}
	if len(l.subs) == 0 {
		return nil, fmt.Errorf("load %s: P and Q are both zero", name)
	}

	for _, c := range l.subs {
		if cs, ok := c.(mna.ConstantStamper); ok {
			l.constant = append(l.constant, cs)
		}
		if in, ok := c.(Initializer); ok {
			l.initial = append(l.initial, in)
		}
		if cp, ok := c.(companion); ok {
			l.companions = append(l.companions, cp)
		}
		if b, ok := c.(interface {
			Current() *model.Attribute[float64]
		}); ok {
			l.currents = append(l.currents, b.Current())
		}
	}
	return l, nil
}

func (l *RXLoad) Name() string                   { return l.name }
func (l *RXLoad) Terminals() []*model.Node       { return []*model.Node{l.node} }
func (l *RXLoad) Attributes() *model.Registry    { return l.attrs }
func (l *RXLoad) SubComponents() []mna.Component { return l.subs }

// Voltage returns the node voltage seen by the load.
func (l *RXLoad) Voltage() *model.Attribute[float64] { return l.v }

// Current returns the total load current into ground.
func (l *RXLoad) Current() *model.Attribute[float64] { return l.i }

func (l *RXLoad) Initialize(dt float64) error {
	for _, in := range l.initial {
		if err := in.Initialize(dt); err != nil {
			return fmt.Errorf("load %s: %w", l.name, err)
		}
	}
	return nil
}

func (l *RXLoad) StampConstant(s mna.Stamper) error {
	for _, cs := range l.constant {
		if err := cs.StampConstant(s); err != nil {
			return err
		}
	}
	return nil
}

// PreStep sums the companion currents of the owned storage elements, whose
// own pre-steps have already run.
func (l *RXLoad) PreStep(float64, int) error {
	sum := 0.0
	for _, c := range l.companions {
		sum += c.SourceCurrent().Get()
	}
	l.src.Set(sum)
	return nil
}

func (l *RXLoad) PreStepDependencies() scheduler.Dependencies {
	cur := make([]model.AttributeBase, 0, len(l.companions))
	for _, c := range l.companions {
		cur = append(cur, c.SourceCurrent())
	}
	return deps(nil, cur, list(l.src))
}

func (l *RXLoad) StampRHS(v mna.Vector, _ float64) error {
	mna.StampCurrent(v, l.node, l.gnd, l.src.Get())
	return nil
}

// ReadSolution aggregates the sub-component currents, which their own
// post-steps computed from the same solution.
func (l *RXLoad) ReadSolution(x []float64) error {
	l.v.Set(l.node.VoltageFrom(x))
	sum := 0.0
	for _, i := range l.currents {
		sum += i.Get()
	}
	l.i.Set(sum)
	return nil
}

func (l *RXLoad) PostStepDependencies() scheduler.Dependencies {
	cur := make([]model.AttributeBase, 0, len(l.currents))
	for _, i := range l.currents {
		cur = append(cur, i)
	}
	return deps(nil, cur, list(l.v, l.i))
}
