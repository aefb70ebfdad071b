package components

import (
	"fmt"

	"github.com/signalsfoundry/gridsim/mna"
	"github.com/signalsfoundry/gridsim/model"
	"github.com/signalsfoundry/gridsim/scheduler"
)

// Resistor is a linear resistance between two nodes.
type Resistor struct {
	twoTerminal
	r *model.Attribute[float64]
}

// NewResistor returns a resistor of ohms between n1 and n2.
func NewResistor(name string, n1, n2 *model.Node, ohms float64) *Resistor {
	r := &Resistor{twoTerminal: newTwoTerminal(name, n1, n2), r: model.NewParameter("R", ohms)}
	r.attrs.MustRegister(r.r)
	return r
}

func (r *Resistor) StampConstant(s mna.Stamper) error {
	ohms := r.r.Get()
	if ohms == 0 {
		return fmt.Errorf("resistor %s: zero resistance", r.name)
	}
	return mna.StampConductance(s, r.n1, r.n2, 1/ohms, false)
}

func (r *Resistor) ReadSolution(x []float64) error {
	v := mna.BranchVoltage(x, r.n1, r.n2)
	r.v.Set(v)
	r.i.Set(v / r.r.Get())
	return nil
}

func (r *Resistor) PostStepDependencies() scheduler.Dependencies {
	return deps(nil, nil, list(r.v, r.i))
}

// Inductor uses the trapezoidal companion model: a conductance dt/2L in
// parallel with a history current source.
type Inductor struct {
	twoTerminal
	l   *model.Attribute[float64]
	src *model.Attribute[float64]
	g   float64
}

// NewInductor returns an inductor of henry between n1 and n2.
func NewInductor(name string, n1, n2 *model.Node, henry float64) *Inductor {
	l := &Inductor{
		twoTerminal: newTwoTerminal(name, n1, n2),
		l:           model.NewParameter("L", henry),
		src:         model.NewAttribute[float64]("i_src"),
	}
	l.attrs.MustRegister(l.l, l.src)
	return l
}

func (l *Inductor) Initialize(dt float64) error {
	if l.l.Get() <= 0 || dt <= 0 {
		return fmt.Errorf("inductor %s: L=%g dt=%g", l.name, l.l.Get(), dt)
	}
	l.g = dt / (2 * l.l.Get())
	return nil
}

// SourceCurrent is the companion source current flowing from n1 to n2.
func (l *Inductor) SourceCurrent() *model.Attribute[float64] { return l.src }

func (l *Inductor) StampConstant(s mna.Stamper) error {
	return mna.StampConductance(s, l.n1, l.n2, l.g, false)
}

func (l *Inductor) PreStep(float64, int) error {
	l.src.Set(l.i.Get() + l.g*l.v.Get())
	return nil
}

func (l *Inductor) PreStepDependencies() scheduler.Dependencies {
	return deps(list(l.v, l.i), nil, list(l.src))
}

func (l *Inductor) StampRHS(v mna.Vector, _ float64) error {
	mna.StampCurrent(v, l.n1, l.n2, l.src.Get())
	return nil
}

func (l *Inductor) ReadSolution(x []float64) error {
	v := mna.BranchVoltage(x, l.n1, l.n2)
	l.v.Set(v)
	l.i.Set(l.g*v + l.src.Get())
	return nil
}

func (l *Inductor) PostStepDependencies() scheduler.Dependencies {
	return deps(nil, list(l.src), list(l.v, l.i))
}

// Capacitor uses the trapezoidal companion model: a conductance 2C/dt in
// parallel with a history current source.
type Capacitor struct {
	twoTerminal
	c   *model.Attribute[float64]
	src *model.Attribute[float64]
	g   float64
}

// NewCapacitor returns a capacitor of farad between n1 and n2.
func NewCapacitor(name string, n1, n2 *model.Node, farad float64) *Capacitor {
	c := &Capacitor{
		twoTerminal: newTwoTerminal(name, n1, n2),
		c:           model.NewParameter("C", farad),
		src:         model.NewAttribute[float64]("i_src"),
	}
	c.attrs.MustRegister(c.c, c.src)
	return c
}

func (c *Capacitor) Initialize(dt float64) error {
	if c.c.Get() <= 0 || dt <= 0 {
		return fmt.Errorf("capacitor %s: C=%g dt=%g", c.name, c.c.Get(), dt)
	}
	c.g = 2 * c.c.Get() / dt
	return nil
}

// SourceCurrent is the companion source current flowing from n1 to n2.
func (c *Capacitor) SourceCurrent() *model.Attribute[float64] { return c.src }

func (c *Capacitor) StampConstant(s mna.Stamper) error {
	return mna.StampConductance(s, c.n1, c.n2, c.g, false)
}

func (c *Capacitor) PreStep(float64, int) error {
	c.src.Set(-(c.g*c.v.Get() + c.i.Get()))
	return nil
}

func (c *Capacitor) PreStepDependencies() scheduler.Dependencies {
	return deps(list(c.v, c.i), nil, list(c.src))
}

func (c *Capacitor) StampRHS(v mna.Vector, _ float64) error {
	mna.StampCurrent(v, c.n1, c.n2, c.src.Get())
	return nil
}

func (c *Capacitor) ReadSolution(x []float64) error {
	v := mna.BranchVoltage(x, c.n1, c.n2)
	c.v.Set(v)
	c.i.Set(c.g*v + c.src.Get())
	return nil
}

func (c *Capacitor) PostStepDependencies() scheduler.Dependencies {
	return deps(nil, list(c.src), list(c.v, c.i))
}
