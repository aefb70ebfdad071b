// Package config loads a gridsim run description from HCL or YAML and
// turns it into a topology, a simulation configuration and interface
// bindings.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/signalsfoundry/gridsim/cosim"
	"github.com/signalsfoundry/gridsim/model"
	"github.com/signalsfoundry/gridsim/simulation"
	"github.com/signalsfoundry/gridsim/solver"
	"github.com/signalsfoundry/gridsim/timectrl"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config is a complete run description.
type Config struct {
	Simulation    SimulationConfig    `yaml:"simulation"`
	Solver        SolverConfig        `yaml:"solver"`
	RealTime      RealTimeConfig      `yaml:"realtime"`
	Interface     InterfaceConfig     `yaml:"interface"`
	Nodes         []NodeConfig        `yaml:"nodes"`
	Components    []ComponentConfig   `yaml:"components"`
	Exports       []ExportConfig      `yaml:"exports"`
	Imports       []ImportConfig      `yaml:"imports"`
	Events        []EventConfig       `yaml:"events"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type SimulationConfig struct {
	Name string `hcl:"name,optional" yaml:"name"`
	// TimeStep is a Go duration string, e.g. "100us".
	TimeStep string `hcl:"time_step,optional" yaml:"time_step"`
	// Steps bounds the run; zero runs until interrupted.
	Steps       int    `hcl:"steps,optional" yaml:"steps"`
	Domain      string `hcl:"domain,optional" yaml:"domain"`
	Workers     int    `hcl:"workers,optional" yaml:"workers"`
	DebugChecks bool   `hcl:"debug_checks,optional" yaml:"debug_checks"`
}

type SolverConfig struct {
	Backend        string  `hcl:"backend,optional" yaml:"backend"`
	Ordering       string  `hcl:"ordering,optional" yaml:"ordering"`
	PivotTolerance float64 `hcl:"pivot_tolerance,optional" yaml:"pivot_tolerance"`
	Refactor       string  `hcl:"refactor,optional" yaml:"refactor"`
}

type RealTimeConfig struct {
	Enabled bool   `hcl:"enabled,optional" yaml:"enabled"`
	Mode    string `hcl:"mode,optional" yaml:"mode"`
	Wait    string `hcl:"wait,optional" yaml:"wait"`
}

type InterfaceConfig struct {
	Out       string `hcl:"out,optional" yaml:"out"`
	In        string `hcl:"in,optional" yaml:"in"`
	Dir       string `hcl:"dir,optional" yaml:"dir"`
	SampleLen int    `hcl:"sample_len,optional" yaml:"sample_len"`
	QueueLen  int    `hcl:"queue_len,optional" yaml:"queue_len"`
	Polling   bool   `hcl:"polling,optional" yaml:"polling"`
	Sync      bool   `hcl:"sync,optional" yaml:"sync"`
}

type NodeConfig struct {
	ID   string `hcl:"id,label" yaml:"id"`
	Name string `hcl:"name,optional" yaml:"name"`
}

// ComponentConfig instantiates one reference component. Nodes lists the
// terminals in order; "gnd" is the reference node.
type ComponentConfig struct {
	Kind   string             `hcl:"kind,label" yaml:"kind"`
	Name   string             `hcl:"name,label" yaml:"name"`
	Nodes  []string           `hcl:"nodes" yaml:"nodes"`
	Params map[string]float64 `hcl:"params,optional" yaml:"params"`
}

type ExportConfig struct {
	Path  string  `hcl:"path,label" yaml:"path"`
	Index int     `hcl:"index" yaml:"index"`
	Kind  string  `hcl:"kind,optional" yaml:"kind"`
	Scale float64 `hcl:"scale,optional" yaml:"scale"`
}

type ImportConfig struct {
	Path  string  `hcl:"path,label" yaml:"path"`
	Index int     `hcl:"index" yaml:"index"`
	Scale float64 `hcl:"scale,optional" yaml:"scale"`
}

// EventConfig opens or closes a switch at a simulation time.
type EventConfig struct {
	At        string `hcl:"at" yaml:"at"`
	Component string `hcl:"component" yaml:"component"`
	Action    string `hcl:"action" yaml:"action"`
}

type ObservabilityConfig struct {
	MetricsAddr string         `hcl:"metrics_addr,optional" yaml:"metrics_addr"`
	GRPCAddr    string         `hcl:"grpc_addr,optional" yaml:"grpc_addr"`
	Tracing     *TracingConfig `hcl:"tracing,block" yaml:"tracing"`
}

type TracingConfig struct {
	Enabled     bool    `hcl:"enabled,optional" yaml:"enabled"`
	Exporter    string  `hcl:"exporter,optional" yaml:"exporter"`
	Endpoint    string  `hcl:"endpoint,optional" yaml:"endpoint"`
	SampleRatio float64 `hcl:"sample_ratio,optional" yaml:"sample_ratio"`
}

// Default returns the configuration used for every unset field.
func Default() Config {
	sc := solver.DefaultConfig()
	return Config{
		Simulation: SimulationConfig{
			Name:     "gridsim",
			TimeStep: "100us",
			Domain:   "emt",
			Workers:  1,
		},
		Solver: SolverConfig{
			Backend:        string(sc.Backend),
			Ordering:       string(sc.Ordering),
			PivotTolerance: sc.PivotTolerance,
			Refactor:       string(simulation.RefactorPartial),
		},
		RealTime: RealTimeConfig{
			Mode: "realtime",
			Wait: "blocking",
		},
		Interface: InterfaceConfig{
			QueueLen: 16,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: ":9464",
		},
	}
}

// applyDefaults fills zero-valued fields from Default.
func (c *Config) applyDefaults() {
	d := Default()
	setString(&c.Simulation.Name, d.Simulation.Name)
	setString(&c.Simulation.TimeStep, d.Simulation.TimeStep)
	setString(&c.Simulation.Domain, d.Simulation.Domain)
	if c.Simulation.Workers == 0 {
		c.Simulation.Workers = d.Simulation.Workers
	}
	setString(&c.Solver.Backend, d.Solver.Backend)
	setString(&c.Solver.Ordering, d.Solver.Ordering)
	setString(&c.Solver.Refactor, d.Solver.Refactor)
	if c.Solver.PivotTolerance == 0 {
		c.Solver.PivotTolerance = d.Solver.PivotTolerance
	}
	setString(&c.RealTime.Mode, d.RealTime.Mode)
	setString(&c.RealTime.Wait, d.RealTime.Wait)
	if c.Interface.QueueLen == 0 {
		c.Interface.QueueLen = d.Interface.QueueLen
	}
	setString(&c.Observability.MetricsAddr, d.Observability.MetricsAddr)
	for i := range c.Exports {
		if c.Exports[i].Scale == 0 {
			c.Exports[i].Scale = 1
		}
	}
	for i := range c.Imports {
		if c.Imports[i].Scale == 0 {
			c.Imports[i].Scale = 1
		}
	}
}

func setString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvalid)
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error

	if d, err := time.ParseDuration(c.Simulation.TimeStep); err != nil || d <= 0 {
		errs = append(errs, invalid("simulation.time_step %q must be a positive duration", c.Simulation.TimeStep))
	}
	if c.Simulation.Steps < 0 {
		errs = append(errs, invalid("simulation.steps %d is negative", c.Simulation.Steps))
	}
	if c.Simulation.Workers < 1 {
		errs = append(errs, invalid("simulation.workers %d must be at least 1", c.Simulation.Workers))
	}
	if c.Simulation.Domain != "emt" {
		errs = append(errs, invalid("simulation.domain %q is not supported (emt)", c.Simulation.Domain))
	}

	switch solver.Backend(c.Solver.Backend) {
	case solver.BackendSparseLU, solver.BackendDense, solver.BackendSparse13:
	default:
		errs = append(errs, invalid("solver.backend %q", c.Solver.Backend))
	}
	switch solver.Ordering(c.Solver.Ordering) {
	case solver.OrderingMinDegree, solver.OrderingNatural:
	default:
		errs = append(errs, invalid("solver.ordering %q", c.Solver.Ordering))
	}
	switch simulation.RefactorMode(c.Solver.Refactor) {
	case simulation.RefactorPartial, simulation.RefactorFull:
	default:
		errs = append(errs, invalid("solver.refactor %q", c.Solver.Refactor))
	}
	if c.Solver.PivotTolerance <= 0 || c.Solver.PivotTolerance > 1 {
		errs = append(errs, invalid("solver.pivot_tolerance %g must be in (0, 1]", c.Solver.PivotTolerance))
	}

	if _, err := c.RealTime.mode(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.RealTime.wait(); err != nil {
		errs = append(errs, err)
	}
	if c.Interface.SampleLen < 0 || c.Interface.QueueLen < 1 {
		errs = append(errs, invalid("interface sample_len %d / queue_len %d", c.Interface.SampleLen, c.Interface.QueueLen))
	}

	errs = append(errs, c.validateNetlist()...)

	if tr := c.Observability.Tracing; tr != nil && (tr.SampleRatio < 0 || tr.SampleRatio > 1) {
		errs = append(errs, invalid("observability.tracing.sample_ratio %g must be in [0, 1]", tr.SampleRatio))
	}
	return errors.Join(errs...)
}

func (c *Config) validateNetlist() []error {
	var errs []error
	nodes := map[string]bool{model.GroundID: true}
	for _, n := range c.Nodes {
		switch {
		case n.ID == "":
			errs = append(errs, invalid("node with empty id"))
		case n.ID == model.GroundID:
			errs = append(errs, invalid("node %q is reserved for the reference", n.ID))
		case nodes[n.ID]:
			errs = append(errs, invalid("node %q declared twice", n.ID))
		}
		nodes[n.ID] = true
	}

	kinds := make(map[string]string, len(c.Components))
	for _, comp := range c.Components {
		spec, ok := componentKinds[comp.Kind]
		if !ok {
			errs = append(errs, invalid("component %q: unknown kind %q", comp.Name, comp.Kind))
			continue
		}
		if comp.Name == "" {
			errs = append(errs, invalid("%s component with empty name", comp.Kind))
		} else if _, dup := kinds[comp.Name]; dup {
			errs = append(errs, invalid("component %q declared twice", comp.Name))
		}
		kinds[comp.Name] = comp.Kind
		if len(comp.Nodes) != spec.terminals {
			errs = append(errs, invalid("%s %q needs %d terminals, has %d", comp.Kind, comp.Name, spec.terminals, len(comp.Nodes)))
		}
		for _, id := range comp.Nodes {
			if !nodes[id] {
				errs = append(errs, invalid("%s %q: terminal %q is not a declared node", comp.Kind, comp.Name, id))
			}
		}
		for _, p := range spec.required {
			if _, ok := comp.Params[p]; !ok {
				errs = append(errs, invalid("%s %q: missing parameter %q", comp.Kind, comp.Name, p))
			}
		}
	}

	bindings := func(section, path string, index int) {
		if _, _, err := model.SplitPath(path); err != nil {
			errs = append(errs, invalid("%s %q: %v", section, path, err))
		}
		if index < 0 {
			errs = append(errs, invalid("%s %q: negative index %d", section, path, index))
		}
	}
	for _, e := range c.Exports {
		bindings("export", e.Path, e.Index)
		if _, err := cosim.ParseExportKind(e.Kind); err != nil {
			errs = append(errs, invalid("export %q: %v", e.Path, err))
		}
	}
	for _, im := range c.Imports {
		bindings("import", im.Path, im.Index)
	}

	for _, ev := range c.Events {
		if d, err := time.ParseDuration(ev.At); err != nil || d < 0 {
			errs = append(errs, invalid("event at %q must be a non-negative duration", ev.At))
		}
		if kinds[ev.Component] != "switch" {
			errs = append(errs, invalid("event target %q is not a switch", ev.Component))
		}
		if ev.Action != "open" && ev.Action != "close" {
			errs = append(errs, invalid("event action %q (open|close)", ev.Action))
		}
	}
	return errs
}

func (r RealTimeConfig) mode() (timectrl.Mode, error) {
	switch r.Mode {
	case "realtime":
		return timectrl.RealTime, nil
	case "accelerated":
		return timectrl.Accelerated, nil
	default:
		return 0, invalid("realtime.mode %q (realtime|accelerated)", r.Mode)
	}
}

func (r RealTimeConfig) wait() (timectrl.WaitMode, error) {
	switch r.Wait {
	case "blocking":
		return timectrl.Blocking, nil
	case "polling":
		return timectrl.Polling, nil
	default:
		return 0, invalid("realtime.wait %q (blocking|polling)", r.Wait)
	}
}

// SimulationConfig converts the validated run description.
func (c *Config) SimulationConfig() (simulation.Config, error) {
	dt, err := time.ParseDuration(c.Simulation.TimeStep)
	if err != nil {
		return simulation.Config{}, invalid("simulation.time_step %q", c.Simulation.TimeStep)
	}
	mode, err := c.RealTime.mode()
	if err != nil {
		return simulation.Config{}, err
	}
	wait, err := c.RealTime.wait()
	if err != nil {
		return simulation.Config{}, err
	}
	sc := solver.DefaultConfig()
	sc.Backend = solver.Backend(c.Solver.Backend)
	sc.Ordering = solver.Ordering(c.Solver.Ordering)
	sc.PivotTolerance = c.Solver.PivotTolerance
	return simulation.Config{
		Name:        c.Simulation.Name,
		TimeStep:    dt,
		Steps:       c.Simulation.Steps,
		Workers:     c.Simulation.Workers,
		DebugChecks: c.Simulation.DebugChecks,
		Refactor:    simulation.RefactorMode(c.Solver.Refactor),
		Solver:      sc,
		RealTime:    c.RealTime.Enabled && mode == timectrl.RealTime,
		Wait:        wait,
	}, nil
}

// CosimEnabled reports whether any channel is configured with bindings.
func (c *Config) CosimEnabled() bool {
	return (c.Interface.Out != "" && len(c.Exports) > 0) || (c.Interface.In != "" && len(c.Imports) > 0)
}

// CosimConfig converts the interface section.
func (c *Config) CosimConfig() cosim.Config {
	wait := timectrl.Blocking
	if c.Interface.Polling {
		wait = timectrl.Polling
	}
	return cosim.Config{
		Out:       c.Interface.Out,
		In:        c.Interface.In,
		Dir:       c.Interface.Dir,
		SampleLen: c.Interface.SampleLen,
		QueueLen:  c.Interface.QueueLen,
		Wait:      wait,
		Sync:      c.Interface.Sync,
	}
}
