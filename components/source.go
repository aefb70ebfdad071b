package components

import (
	"math"
	"math/cmplx"

	"github.com/signalsfoundry/gridsim/mna"
	"github.com/signalsfoundry/gridsim/model"
	"github.com/signalsfoundry/gridsim/scheduler"
)

// CurrentSource drives a current from n1 to n2 through the source, so it
// injects into n2. The reference is a phasor; with a zero source frequency
// its real part is used as a DC value.
type CurrentSource struct {
	twoTerminal
	ref  *model.Attribute[complex128]
	freq *model.Attribute[float64]
}

// NewCurrentSource returns a DC current source of amps.
func NewCurrentSource(name string, n1, n2 *model.Node, amps float64) *CurrentSource {
	return NewACCurrentSource(name, n1, n2, complex(amps, 0), 0)
}

// NewACCurrentSource returns a sinusoidal source i(t) = Re(ref·e^{j2πft}).
func NewACCurrentSource(name string, n1, n2 *model.Node, ref complex128, hz float64) *CurrentSource {
	c := &CurrentSource{
		twoTerminal: newTwoTerminal(name, n1, n2),
		ref:         model.NewAttributeWith("I_ref", ref),
		freq:        model.NewAttributeWith("f_src", hz),
	}
	c.attrs.MustRegister(c.ref, c.freq)
	return c
}

// Reference returns the phasor attribute, writable by imports.
func (c *CurrentSource) Reference() *model.Attribute[complex128] { return c.ref }

func (c *CurrentSource) PreStep(t float64, _ int) error {
	ref := c.ref.Get()
	f := c.freq.Get()
	if f == 0 {
		c.i.Set(real(ref))
		return nil
	}
	c.i.Set(real(ref * cmplx.Exp(complex(0, 2*math.Pi*f*t))))
	return nil
}

func (c *CurrentSource) PreStepDependencies() scheduler.Dependencies {
	return deps(nil, nil, list(c.i))
}

func (c *CurrentSource) StampRHS(v mna.Vector, _ float64) error {
	mna.StampCurrent(v, c.n1, c.n2, c.i.Get())
	return nil
}

func (c *CurrentSource) ReadSolution(x []float64) error {
	c.v.Set(mna.BranchVoltage(x, c.n1, c.n2))
	return nil
}

func (c *CurrentSource) PostStepDependencies() scheduler.Dependencies {
	return deps(nil, nil, list(c.v))
}

// Switch is an ideal-ish breaker modelled as a conductance that changes
// between an open and a closed resistance. Its entries are variable.
type Switch struct {
	twoTerminal
	open   float64
	closed float64
	state  *model.Attribute[bool]
}

// NewSwitch returns a switch with the given open and closed resistances.
func NewSwitch(name string, n1, n2 *model.Node, openOhms, closedOhms float64, closed bool) *Switch {
	s := &Switch{
		twoTerminal: newTwoTerminal(name, n1, n2),
		open:        openOhms,
		closed:      closedOhms,
		state:       model.NewAttributeWith("closed", closed),
	}
	s.attrs.MustRegister(s.state)
	return s
}

// State returns the closed flag attribute.
func (s *Switch) State() *model.Attribute[bool] { return s.state }

// SetClosed changes the switch position. Takes effect at the next step.
func (s *Switch) SetClosed(closed bool) { s.state.Set(closed) }

func (s *Switch) resistance() float64 {
	if s.state.Get() {
		return s.closed
	}
	return s.open
}

func (s *Switch) StampVariable(st mna.Stamper, _ float64) error {
	return mna.StampConductance(st, s.n1, s.n2, 1/s.resistance(), true)
}

func (s *Switch) ReadSolution(x []float64) error {
	v := mna.BranchVoltage(x, s.n1, s.n2)
	s.v.Set(v)
	s.i.Set(v / s.resistance())
	return nil
}

func (s *Switch) PostStepDependencies() scheduler.Dependencies {
	return deps(nil, nil, list(s.v, s.i))
}
