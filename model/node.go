package model

import "fmt"

// GroundIndex is the matrix index of the reference node. Ground contributes
// no rows or columns to the system matrix.
const GroundIndex = -1

// GroundID is the reserved node ID for the reference bus.
const GroundID = "gnd"

// Node represents an electrical bus. Its matrix index is assigned once when
// the topology is finalized and never changes afterwards.
type Node struct {
	ID   string
	Name string

	index    int
	assigned bool

	// Voltage is published so interfaces can bind node voltages by name.
	Voltage *Attribute[float64]
	attrs   *Registry
}

// NewNode constructs an unassigned node with a voltage attribute.
func NewNode(id string) *Node {
	n := &Node{
		ID:      id,
		Name:    id,
		index:   GroundIndex,
		Voltage: NewAttribute[float64]("v"),
		attrs:   NewRegistry(id),
	}
	n.attrs.MustRegister(n.Voltage)
	return n
}

// Attributes returns the node's attribute registry ("v").
func (n *Node) Attributes() *Registry { return n.attrs }

// Ground returns a fresh reference node.
func Ground() *Node {
	n := NewNode(GroundID)
	n.assigned = true
	return n
}

// IsGround reports whether n is the reference node.
func (n *Node) IsGround() bool {
	return n == nil || n.ID == GroundID
}

// MatrixIndex returns the zero-based row/column of the node, or GroundIndex
// for the reference node.
func (n *Node) MatrixIndex() int {
	if n.IsGround() {
		return GroundIndex
	}
	return n.index
}

// Assigned reports whether a matrix index has been assigned.
func (n *Node) Assigned() bool {
	return n.IsGround() || n.assigned
}

// AssignIndex sets the matrix index. It fails on ground and on a second
// assignment with a different index.
func (n *Node) AssignIndex(idx int) error {
	if n.IsGround() {
		return fmt.Errorf("node %q: ground has no matrix index", n.ID)
	}
	if idx < 0 {
		return fmt.Errorf("node %q: negative matrix index %d", n.ID, idx)
	}
	if n.assigned && n.index != idx {
		return fmt.Errorf("node %q: matrix index already assigned (%d)", n.ID, n.index)
	}
	n.index = idx
	n.assigned = true
	return nil
}

// VoltageFrom reads the node voltage out of a solution vector. Ground reads
// as zero.
func (n *Node) VoltageFrom(x []float64) float64 {
	idx := n.MatrixIndex()
	if idx == GroundIndex || idx >= len(x) {
		return 0
	}
	return x[idx]
}
