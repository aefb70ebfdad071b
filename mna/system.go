package mna

import (
	"fmt"

	"github.com/signalsfoundry/gridsim/model"
)

type stampMode int

const (
	modeIdle stampMode = iota
	modeAssemble
	modeStep
	modeClosed
)

// System assembles the MNA system matrix and right-hand side for a fixed
// topology. Matrix values are rebuilt every step as the constant part plus
// the contributions of variable stampers.
type System struct {
	nodes      []*model.Node
	components []Component

	dim       int
	finalized bool
	mode      stampMode

	// assembly state, discarded after FinalizeTopology
	constant map[Position]float64
	varying  map[Position]struct{}

	matrix    *SparseMatrix
	base      []float64
	variable  []bool
	positions []Position
	prev      []float64

	rhs Vector
}

// NewSystem creates a system for the ordered node set and components. The
// ground node may be part of nodes; it never receives an index.
func NewSystem(nodes []*model.Node, components []Component) *System {
	return &System{
		nodes:      nodes,
		components: components,
		constant:   make(map[Position]float64),
		varying:    make(map[Position]struct{}),
	}
}

// Dimension returns the number of free (non-ground) nodes.
func (s *System) Dimension() int { return s.dim }

// Components returns the top-level components in registration order.
func (s *System) Components() []Component { return s.components }

// Nodes returns the nodes in registration order, ground included if given.
func (s *System) Nodes() []*model.Node { return s.nodes }

// Matrix returns the assembled matrix. Nil before FinalizeTopology.
func (s *System) Matrix() *SparseMatrix { return s.matrix }

// VariablePositions returns the positions classified variable, sorted by
// column then row.
func (s *System) VariablePositions() []Position { return s.positions }

// Finalized reports whether FinalizeTopology succeeded.
func (s *System) Finalized() bool { return s.finalized }

// AddStampEntry accumulates value at (row, col). During FinalizeTopology the
// entry is recorded as constant or variable; afterwards only variable
// positions may be stamped. Stamping before FinalizeTopology fails with
// ErrNotFinalized.
func (s *System) AddStampEntry(row, col int, value float64, conditionallyVariable bool) error {
	if s.mode == modeIdle && !s.finalized {
		return fmt.Errorf("stamp %s before FinalizeTopology: %w", Position{row, col}, ErrNotFinalized)
	}
	if row < 0 || row >= s.dim || col < 0 || col >= s.dim {
		return fmt.Errorf("stamp %s in %d-node system: %w", Position{row, col}, s.dim, ErrUnknownNode)
	}
	p := Position{Row: row, Col: col}

	switch s.mode {
	case modeAssemble:
		if conditionallyVariable {
			s.varying[p] = struct{}{}
			return nil
		}
		s.constant[p] += value
		return nil
	case modeStep:
		k, ok := s.matrix.Index(row, col)
		if !ok || !s.variable[k] || !conditionallyVariable {
			return fmt.Errorf("stamp %s: %w", p, ErrUndeclaredVariableEntry)
		}
		s.matrix.values[k] += value
		return nil
	default:
		return fmt.Errorf("stamp %s outside assembly or step: %w", p, ErrFinalized)
	}
}

// FinalizeTopology assigns matrix indices, validates terminals, collects the
// constant stamps and classifies variable positions. Variable positions are
// those touched by a variable stamper at t = 0 plus any declared ones.
func (s *System) FinalizeTopology() error {
	if s.finalized {
		return ErrFinalized
	}

	known := make(map[*model.Node]bool, len(s.nodes))
	ids := make(map[string]bool, len(s.nodes))
	idx := 0
	for _, n := range s.nodes {
		if ids[n.ID] {
			return fmt.Errorf("node %q: %w", n.ID, ErrDuplicateNode)
		}
		ids[n.ID] = true
		known[n] = true
		if n.IsGround() {
			continue
		}
		if err := n.AssignIndex(idx); err != nil {
			return err
		}
		idx++
	}
	s.dim = idx

	for _, c := range s.components {
		for _, t := range c.Terminals() {
			if t.IsGround() {
				continue
			}
			if !known[t] {
				return fmt.Errorf("component %s terminal %q: %w", c.Name(), t.ID, ErrUnknownNode)
			}
		}
	}

	s.mode = modeAssemble
	s.constant = make(map[Position]float64)
	s.varying = make(map[Position]struct{})
	defer func() {
		if s.mode == modeAssemble {
			s.mode = modeIdle
		}
	}()
	for _, c := range s.components {
		if cs, ok := c.(ConstantStamper); ok {
			if err := cs.StampConstant(s); err != nil {
				return fmt.Errorf("component %s: constant stamp: %w", c.Name(), err)
			}
		}
	}
	for _, c := range s.components {
		if vs, ok := c.(VariableStamper); ok {
			if err := vs.StampVariable(s, 0); err != nil {
				return fmt.Errorf("component %s: variable stamp: %w", c.Name(), err)
			}
		}
		if vd, ok := c.(VariableDeclarer); ok {
			var bad error
			vd.DeclareVariableEntries(func(row, col int) {
				if row < 0 || row >= s.dim || col < 0 || col >= s.dim {
					bad = fmt.Errorf("component %s declares %s: %w", c.Name(), Position{row, col}, ErrUnknownNode)
					return
				}
				s.varying[Position{Row: row, Col: col}] = struct{}{}
			})
			if bad != nil {
				return bad
			}
		}
	}

	entries := make(map[Position]float64, len(s.constant)+len(s.varying))
	for p, v := range s.constant {
		entries[p] = v
	}
	for p := range s.varying {
		if _, ok := entries[p]; !ok {
			entries[p] = 0
		}
	}
	m, err := NewSparseMatrix(s.dim, entries)
	if err != nil {
		return err
	}
	s.matrix = m
	s.base = append([]float64(nil), m.values...)
	s.variable = make([]bool, m.NNZ())
	s.positions = make([]Position, 0, len(s.varying))
	for p := range s.varying {
		k, _ := m.Index(p.Row, p.Col)
		s.variable[k] = true
		s.positions = append(s.positions, p)
	}
	SortPositions(s.positions)

	s.constant = nil
	s.varying = nil
	s.rhs = make(Vector, s.dim)
	s.mode = modeClosed
	s.finalized = true

	if _, err := s.UpdateVariableEntries(0); err != nil {
		return err
	}
	return nil
}

// UpdateVariableEntries rebuilds the matrix values from the constant part and
// the variable stamps at time t. It returns the variable positions whose value
// differs from the previous call; the first call reports none.
func (s *System) UpdateVariableEntries(t float64) ([]Position, error) {
	if !s.finalized {
		return nil, ErrNotFinalized
	}
	copy(s.matrix.values, s.base)

	s.mode = modeStep
	defer func() { s.mode = modeClosed }()
	for _, c := range s.components {
		if vs, ok := c.(VariableStamper); ok {
			if err := vs.StampVariable(s, t); err != nil {
				return nil, fmt.Errorf("component %s: variable stamp: %w", c.Name(), err)
			}
		}
	}

	var changed []Position
	if s.prev != nil {
		for _, p := range s.positions {
			k, _ := s.matrix.Index(p.Row, p.Col)
			if s.matrix.values[k] != s.prev[k] {
				changed = append(changed, p)
			}
		}
		copy(s.prev, s.matrix.values)
	} else {
		s.prev = append([]float64(nil), s.matrix.values...)
	}
	return changed, nil
}

// ConstantEntriesIntact verifies that every position classified constant
// still holds its assembled value. Used by debug checks.
func (s *System) ConstantEntriesIntact() error {
	if !s.finalized {
		return ErrNotFinalized
	}
	for k, v := range s.matrix.values {
		if !s.variable[k] && v != s.base[k] {
			return fmt.Errorf("constant entry %s changed from %g to %g: %w",
				s.matrix.PositionAt(k), s.base[k], v, ErrUndeclaredVariableEntry)
		}
	}
	return nil
}

// BuildRightHandSide zeroes the vector and re-accumulates every component's
// contribution at time t. The returned vector is reused between calls.
func (s *System) BuildRightHandSide(t float64) (Vector, error) {
	if !s.finalized {
		return nil, ErrNotFinalized
	}
	s.rhs.Zero()
	for _, c := range s.components {
		if rs, ok := c.(RHSStamper); ok {
			if err := rs.StampRHS(s.rhs, t); err != nil {
				return nil, fmt.Errorf("component %s: rhs stamp: %w", c.Name(), err)
			}
		}
	}
	return s.rhs, nil
}
