// Package topology is the in-memory store of nodes and components that make
// up a network before it is handed to the simulation.
package topology

import (
	"errors"
	"fmt"
	"sync"

	"github.com/signalsfoundry/gridsim/components"
	"github.com/signalsfoundry/gridsim/mna"
	"github.com/signalsfoundry/gridsim/model"
)

var (
	ErrDuplicate = errors.New("topology: duplicate id")
	ErrNotFound  = errors.New("topology: not found")
	ErrDangling  = errors.New("topology: terminal references unknown node")
)

// EventType indicates what kind of change happened in the store.
type EventType int

const (
	EventNodeAdded EventType = iota
	EventComponentAdded
)

// Event is emitted to subscribers after a successful addition.
type Event struct {
	Type      EventType
	Node      *model.Node
	Component mna.Component
}

// Store is a thread-safe, insertion-ordered set of nodes and components.
// The ground node is always present.
type Store struct {
	mu sync.RWMutex

	ground     *model.Node
	nodes      []*model.Node
	nodeByID   map[string]*model.Node
	comps      []mna.Component
	compByName map[string]mna.Component

	subs []func(Event)
}

// New constructs a store containing only the ground node.
func New() *Store {
	g := model.Ground()
	return &Store{
		ground:     g,
		nodes:      []*model.Node{g},
		nodeByID:   map[string]*model.Node{g.ID: g},
		compByName: make(map[string]mna.Component),
	}
}

// Ground returns the reference node.
func (s *Store) Ground() *model.Node { return s.ground }

// AddNode adds a node. It returns an error if the ID already exists.
func (s *Store) AddNode(n *model.Node) error {
	s.mu.Lock()
	if _, exists := s.nodeByID[n.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("node %q: %w", n.ID, ErrDuplicate)
	}
	s.nodes = append(s.nodes, n)
	s.nodeByID[n.ID] = n
	subs := append([]func(Event){}, s.subs...)
	s.mu.Unlock()

	notify(subs, Event{Type: EventNodeAdded, Node: n})
	return nil
}

// NewNode creates, adds and returns a node.
func (s *Store) NewNode(id string) (*model.Node, error) {
	n := model.NewNode(id)
	if err := s.AddNode(n); err != nil {
		return nil, err
	}
	return n, nil
}

// AddComponent adds a component. Its name, and those of its
// sub-components, must be unused and every terminal must be a stored node.
func (s *Store) AddComponent(c mna.Component) error {
	s.mu.Lock()
	all := append([]mna.Component{c}, subComponents(c)...)
	for _, sc := range all {
		if _, exists := s.compByName[sc.Name()]; exists {
			s.mu.Unlock()
			return fmt.Errorf("component %q: %w", sc.Name(), ErrDuplicate)
		}
		for _, t := range sc.Terminals() {
			if t.IsGround() {
				continue
			}
			if s.nodeByID[t.ID] != t {
				s.mu.Unlock()
				return fmt.Errorf("component %q terminal %q: %w", sc.Name(), t.ID, ErrDangling)
			}
		}
	}
	s.comps = append(s.comps, c)
	for _, sc := range all {
		s.compByName[sc.Name()] = sc
	}
	subs := append([]func(Event){}, s.subs...)
	s.mu.Unlock()

	notify(subs, Event{Type: EventComponentAdded, Component: c})
	return nil
}

func subComponents(c mna.Component) []mna.Component {
	comp, ok := c.(components.Composite)
	if !ok {
		return nil
	}
	var out []mna.Component
	for _, sc := range comp.SubComponents() {
		out = append(out, sc)
		out = append(out, subComponents(sc)...)
	}
	return out
}

// Node returns the node with the given ID, or nil if not found.
func (s *Store) Node(id string) *model.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nodeByID[id]
}

// Component returns the component or sub-component with the given name, or
// nil if not found.
func (s *Store) Component(name string) mna.Component {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.compByName[name]
}

// Nodes returns a snapshot of the nodes in insertion order, ground first.
func (s *Store) Nodes() []*model.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*model.Node(nil), s.nodes...)
}

// Components returns a snapshot of the top-level components in insertion
// order.
func (s *Store) Components() []mna.Component {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]mna.Component(nil), s.comps...)
}

// Attribute resolves "owner.attribute" where owner is a component,
// sub-component or node ID.
func (s *Store) Attribute(path string) (model.AttributeBase, error) {
	owner, name, err := model.SplitPath(path)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	var reg *model.Registry
	if c, ok := s.compByName[owner]; ok {
		reg = c.Attributes()
	} else if n, ok := s.nodeByID[owner]; ok {
		reg = n.Attributes()
	}
	s.mu.RUnlock()
	if reg == nil {
		return nil, fmt.Errorf("%q: %w", owner, ErrNotFound)
	}
	return reg.Lookup(name)
}

// Subscribe registers a callback for store events. It returns an
// unsubscribe function.
func (s *Store) Subscribe(fn func(Event)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
	idx := len(s.subs) - 1

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if idx < 0 || idx >= len(s.subs) {
			return
		}
		s.subs = append(s.subs[:idx], s.subs[idx+1:]...)
		idx = -1
	}
}

// notify runs outside the lock so callbacks may query the store.
func notify(subs []func(Event), ev Event) {
	for _, sub := range subs {
		sub(ev)
	}
}
