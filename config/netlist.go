package config

import (
	"fmt"
	"time"

	"github.com/signalsfoundry/gridsim/components"
	"github.com/signalsfoundry/gridsim/cosim"
	"github.com/signalsfoundry/gridsim/mna"
	"github.com/signalsfoundry/gridsim/model"
	"github.com/signalsfoundry/gridsim/simulation"
	"github.com/signalsfoundry/gridsim/topology"
)

type componentKind struct {
	terminals int
	required  []string
	build     func(name string, n []*model.Node, p map[string]float64) (mna.Component, error)
}

var componentKinds = map[string]componentKind{
	"resistor": {2, []string{"R"}, func(name string, n []*model.Node, p map[string]float64) (mna.Component, error) {
		return components.NewResistor(name, n[0], n[1], p["R"]), nil
	}},
	"inductor": {2, []string{"L"}, func(name string, n []*model.Node, p map[string]float64) (mna.Component, error) {
		return components.NewInductor(name, n[0], n[1], p["L"]), nil
	}},
	"capacitor": {2, []string{"C"}, func(name string, n []*model.Node, p map[string]float64) (mna.Component, error) {
		return components.NewCapacitor(name, n[0], n[1], p["C"]), nil
	}},
	// I (real part) flows from the first terminal to the second; with f
	// set the source is sinusoidal with phasor I + j·I_im.
	"current_source": {2, []string{"I"}, func(name string, n []*model.Node, p map[string]float64) (mna.Component, error) {
		if f := p["f"]; f > 0 {
			return components.NewACCurrentSource(name, n[0], n[1], complex(p["I"], p["I_im"]), f), nil
		}
		return components.NewCurrentSource(name, n[0], n[1], p["I"]), nil
	}},
	"switch": {2, nil, func(name string, n []*model.Node, p map[string]float64) (mna.Component, error) {
		open, closed := 1e6, 1e-3
		if v, ok := p["R_open"]; ok {
			open = v
		}
		if v, ok := p["R_closed"]; ok {
			closed = v
		}
		return components.NewSwitch(name, n[0], n[1], open, closed, p["closed"] != 0), nil
	}},
	"rx_load": {1, []string{"P", "Q", "V_nom"}, func(name string, n []*model.Node, p map[string]float64) (mna.Component, error) {
		hz := p["f"]
		if hz == 0 {
			hz = 50
		}
		return components.NewRXLoad(name, n[0], p["P"], p["Q"], p["V_nom"], hz)
	}},
}

// BuildTopology instantiates the declared nodes and components in order
// into a new store.
func (c *Config) BuildTopology() (*topology.Store, error) {
	store := topology.New()
	if err := c.PopulateTopology(store); err != nil {
		return nil, err
	}
	return store, nil
}

// PopulateTopology adds the declared nodes and components to store.
func (c *Config) PopulateTopology(store *topology.Store) error {
	for _, nc := range c.Nodes {
		n := model.NewNode(nc.ID)
		if nc.Name != "" {
			n.Name = nc.Name
		}
		if err := store.AddNode(n); err != nil {
			return err
		}
	}
	for _, cc := range c.Components {
		kind, ok := componentKinds[cc.Kind]
		if !ok {
			return invalid("component %q: unknown kind %q", cc.Name, cc.Kind)
		}
		terms := make([]*model.Node, len(cc.Nodes))
		for i, id := range cc.Nodes {
			if terms[i] = store.Node(id); terms[i] == nil {
				return fmt.Errorf("component %q terminal %q: %w", cc.Name, id, topology.ErrNotFound)
			}
		}
		comp, err := kind.build(cc.Name, terms, cc.Params)
		if err != nil {
			return err
		}
		if err := store.AddComponent(comp); err != nil {
			return err
		}
	}
	return nil
}

// Bind registers the export and import bindings against the topology.
func (c *Config) Bind(f *cosim.Interface, store *topology.Store) error {
	for _, e := range c.Exports {
		kind, err := cosim.ParseExportKind(e.Kind)
		if err != nil {
			return err
		}
		if err := f.ExportPath(store, e.Path, e.Index, kind, e.Scale); err != nil {
			return err
		}
	}
	for _, im := range c.Imports {
		if err := f.ImportPath(store, im.Path, im.Index, im.Scale); err != nil {
			return err
		}
	}
	return nil
}

// ScheduleEvents queues the switching events.
func (c *Config) ScheduleEvents(q *simulation.EventQueue, store *topology.Store) error {
	for _, ev := range c.Events {
		at, err := time.ParseDuration(ev.At)
		if err != nil {
			return invalid("event at %q", ev.At)
		}
		sw, ok := store.Component(ev.Component).(*components.Switch)
		if !ok {
			return invalid("event target %q is not a switch", ev.Component)
		}
		closed := ev.Action == "close"
		q.Schedule(at, func() error {
			sw.SetClosed(closed)
			return nil
		})
	}
	return nil
}
