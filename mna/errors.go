package mna

import "errors"

var (
	// ErrUnknownNode indicates a stamp or terminal referring to a node outside
	// the finalized node set.
	ErrUnknownNode = errors.New("mna: node not in topology")
	// ErrFinalized indicates an operation that is only valid before
	// FinalizeTopology.
	ErrFinalized = errors.New("mna: topology already finalized")
	// ErrNotFinalized indicates an operation that needs a finalized topology.
	ErrNotFinalized = errors.New("mna: topology not finalized")
	// ErrUndeclaredVariableEntry indicates a per-step stamp at a position that
	// was classified constant (or absent) when the topology was finalized.
	ErrUndeclaredVariableEntry = errors.New("mna: stamp at position not classified variable")
	// ErrDuplicateNode indicates two nodes sharing an ID.
	ErrDuplicateNode = errors.New("mna: duplicate node")
)
