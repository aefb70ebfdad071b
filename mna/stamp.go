package mna

import "github.com/signalsfoundry/gridsim/model"

// Stamper accumulates contributions into the system matrix.
type Stamper interface {
	AddStampEntry(row, col int, value float64, conditionallyVariable bool) error
}

// Component is the solver-facing identity every stamping participant has.
type Component interface {
	Name() string
	Terminals() []*model.Node
	Attributes() *model.Registry
}

// ConstantStamper contributes entries that stay fixed for the whole run.
type ConstantStamper interface {
	StampConstant(s Stamper) error
}

// VariableStamper contributes entries that may change every step. Every
// position it ever touches must be touched during FinalizeTopology, or be
// declared through VariableDeclarer.
type VariableStamper interface {
	StampVariable(s Stamper, t float64) error
}

// VariableDeclarer lets a variable stamper declare positions it does not
// touch at t = 0.
type VariableDeclarer interface {
	DeclareVariableEntries(declare func(row, col int))
}

// RHSStamper contributes to the right-hand-side vector.
type RHSStamper interface {
	StampRHS(v Vector, t float64) error
}

// SolutionReader updates derived state from the solution vector.
type SolutionReader interface {
	ReadSolution(x []float64) error
}

// Vector is the right-hand-side vector. Writes to the ground index are
// dropped.
type Vector []float64

// Add accumulates value at idx.
func (v Vector) Add(idx int, value float64) {
	if idx == model.GroundIndex {
		return
	}
	v[idx] += value
}

// Zero clears the vector in place.
func (v Vector) Zero() {
	for i := range v {
		v[i] = 0
	}
}

// StampConductance stamps a two-terminal conductance g between n1 and n2.
func StampConductance(s Stamper, n1, n2 *model.Node, g float64, variable bool) error {
	i, j := n1.MatrixIndex(), n2.MatrixIndex()
	if i != model.GroundIndex {
		if err := s.AddStampEntry(i, i, g, variable); err != nil {
			return err
		}
	}
	if j != model.GroundIndex {
		if err := s.AddStampEntry(j, j, g, variable); err != nil {
			return err
		}
	}
	if i != model.GroundIndex && j != model.GroundIndex {
		if err := s.AddStampEntry(i, j, -g, variable); err != nil {
			return err
		}
		if err := s.AddStampEntry(j, i, -g, variable); err != nil {
			return err
		}
	}
	return nil
}

// StampCurrent injects a current i flowing out of n1, through the element,
// into n2.
func StampCurrent(v Vector, n1, n2 *model.Node, i float64) {
	v.Add(n1.MatrixIndex(), -i)
	v.Add(n2.MatrixIndex(), i)
}

// BranchVoltage returns V(n1) - V(n2) from a solution vector.
func BranchVoltage(x []float64, n1, n2 *model.Node) float64 {
	return n1.VoltageFrom(x) - n2.VoltageFrom(x)
}
