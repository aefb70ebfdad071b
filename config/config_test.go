package config

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/signalsfoundry/gridsim/components"
	"github.com/signalsfoundry/gridsim/cosim"
	"github.com/signalsfoundry/gridsim/simulation"
	"github.com/signalsfoundry/gridsim/solver"
	"github.com/signalsfoundry/gridsim/timectrl"
)

func TestHCLAndYAMLDecodeAlike(t *testing.T) {
	t.Setenv("GRIDSIM_TEST_METRICS_ADDR", "127.0.0.1:9999")

	fromHCL, err := Load("testdata/feeder.hcl")
	if err != nil {
		t.Fatalf("Load hcl: %v", err)
	}
	fromYAML, err := Load("testdata/feeder.yaml")
	if err != nil {
		t.Fatalf("Load yaml: %v", err)
	}
	if diff := cmp.Diff(fromHCL, fromYAML); diff != "" {
		t.Fatalf("hcl and yaml differ (-hcl +yaml):\n%s", diff)
	}

	c := fromHCL
	if c.Observability.MetricsAddr != "127.0.0.1:9999" {
		t.Fatalf("metrics_addr = %q, want the env value", c.Observability.MetricsAddr)
	}
	if c.Observability.Tracing == nil || c.Observability.Tracing.Exporter != "STDOUT" {
		t.Fatalf("tracing = %+v", c.Observability.Tracing)
	}
	if c.Exports[0].Scale != 1 || c.Exports[1].Scale != 0.5 {
		t.Fatalf("export scales = %g, %g", c.Exports[0].Scale, c.Exports[1].Scale)
	}
	if c.RealTime.Mode != "realtime" || c.Solver.PivotTolerance != solver.DefaultConfig().PivotTolerance {
		t.Fatalf("defaults not applied: %+v %+v", c.RealTime, c.Solver)
	}
}

func TestSimulationAndCosimConversion(t *testing.T) {
	t.Setenv("GRIDSIM_TEST_METRICS_ADDR", ":0")
	c, err := Load("testdata/feeder.hcl")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	sc, err := c.SimulationConfig()
	if err != nil {
		t.Fatalf("SimulationConfig: %v", err)
	}
	if sc.TimeStep != 100*time.Microsecond || sc.Steps != 200 || sc.Workers != 2 || !sc.DebugChecks {
		t.Fatalf("simulation config = %+v", sc)
	}
	if sc.RealTime || sc.Wait != timectrl.Polling || sc.Refactor != simulation.RefactorPartial {
		t.Fatalf("pacing config = %+v", sc)
	}
	if sc.Solver.Ordering != solver.OrderingMinDegree {
		t.Fatalf("ordering = %q", sc.Solver.Ordering)
	}

	if !c.CosimEnabled() {
		t.Fatalf("CosimEnabled = false")
	}
	cc := c.CosimConfig()
	if cc.Out != "gridsim-feeder-out" || cc.QueueLen != 32 || cc.Wait != timectrl.Polling {
		t.Fatalf("cosim config = %+v", cc)
	}
}

func TestDefaultsForMinimalFile(t *testing.T) {
	c, err := ParseHCL([]byte(`
node "A" {}
component "resistor" "R1" {
  nodes  = ["A", "gnd"]
  params = { R = 1 }
}
`), "minimal.hcl")
	if err != nil {
		t.Fatalf("ParseHCL: %v", err)
	}
	d := Default()
	if diff := cmp.Diff(d.Simulation, c.Simulation); diff != "" {
		t.Fatalf("simulation defaults (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(d.Solver, c.Solver); diff != "" {
		t.Fatalf("solver defaults (-want +got):\n%s", diff)
	}
	if c.CosimEnabled() {
		t.Fatalf("CosimEnabled without channels")
	}
}

func TestSolverBackendSelection(t *testing.T) {
	for _, backend := range []solver.Backend{solver.BackendSparseLU, solver.BackendDense, solver.BackendSparse13} {
		c, err := ParseHCL([]byte(`
solver {
  backend = "`+string(backend)+`"
}
node "A" {}
component "resistor" "R1" {
  nodes  = ["A", "gnd"]
  params = { R = 1 }
}
`), "backend.hcl")
		if err != nil {
			t.Fatalf("%s: ParseHCL: %v", backend, err)
		}
		sc, err := c.SimulationConfig()
		if err != nil {
			t.Fatalf("%s: SimulationConfig: %v", backend, err)
		}
		if sc.Solver.Backend != backend {
			t.Fatalf("backend = %q, want %q", sc.Solver.Backend, backend)
		}
		if _, err := solver.New(sc.Solver); err != nil {
			t.Fatalf("%s: solver.New: %v", backend, err)
		}
	}
}

func TestValidationReportsEveryProblem(t *testing.T) {
	_, err := ParseYAML([]byte(`
simulation:
  time_step: -1ms
  domain: dp
solver:
  backend: klu
nodes:
  - id: A
  - id: A
  - id: gnd
components:
  - kind: resistor
    name: R1
    nodes: [A, C]
  - kind: transformer
    name: T1
    nodes: [A, gnd]
exports:
  - path: nodot
    index: -1
    kind: rms
events:
  - at: 1ms
    component: R1
    action: toggle
`))
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("error = %v, want ErrInvalid", err)
	}
	for _, want := range []string{
		"simulation.time_step",
		"simulation.domain",
		"solver.backend",
		`node "A" declared twice`,
		`node "gnd" is reserved`,
		`terminal "C"`,
		`missing parameter "R"`,
		`unknown kind "transformer"`,
		"negative index",
		"rms",
		`"R1" is not a switch`,
		`action "toggle"`,
	} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error does not mention %q:\n%v", want, err)
		}
	}
}

func TestUnknownInputs(t *testing.T) {
	if _, err := ParseYAML([]byte("simulaton:\n  steps: 1\n")); err == nil {
		t.Fatalf("misspelled YAML key accepted")
	}
	if _, err := ParseHCL([]byte(`simulaton { steps = 1 }`), "typo.hcl"); err == nil {
		t.Fatalf("misspelled HCL block accepted")
	}
	if _, err := Load("testdata/feeder.json"); err == nil {
		t.Fatalf("unsupported extension accepted")
	}
}

func TestBuildTopologyBindAndRun(t *testing.T) {
	t.Setenv("GRIDSIM_TEST_METRICS_ADDR", ":0")
	c, err := Load("testdata/feeder.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	store, err := c.BuildTopology()
	if err != nil {
		t.Fatalf("BuildTopology: %v", err)
	}

	var names []string
	for _, comp := range store.Components() {
		names = append(names, comp.Name())
	}
	if diff := cmp.Diff([]string{"I1", "R1", "S1", "L1"}, names); diff != "" {
		t.Fatalf("components (-want +got):\n%s", diff)
	}
	if n := store.Node("A"); n == nil || n.Name != "Busbar A" {
		t.Fatalf("node A = %+v", n)
	}
	if store.Component("L1_res") == nil || store.Component("L1_ind") == nil {
		t.Fatalf("rx_load sub-components not indexed")
	}
	sw, ok := store.Component("S1").(*components.Switch)
	if !ok || sw.State().Get() {
		t.Fatalf("S1 = %T closed=%v, want an open switch", store.Component("S1"), ok && sw.State().Get())
	}

	cc := c.CosimConfig()
	cc.Dir = t.TempDir()
	iface := cosim.New(cc, nil)
	if err := c.Bind(iface, store); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	out, in := iface.Bindings()
	if diff := cmp.Diff(map[int]string{0: "A.v", 1: "I1.I_ref"}, out); diff != "" {
		t.Fatalf("export bindings (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[int]string{0: "I1.f_src"}, in); diff != "" {
		t.Fatalf("import bindings (-want +got):\n%s", diff)
	}
	defer iface.Close()

	sc, err := c.SimulationConfig()
	if err != nil {
		t.Fatalf("SimulationConfig: %v", err)
	}
	var partialAt []int
	sim := simulation.New(sc, store.Nodes(), store.Components(),
		simulation.WithInterface(iface),
		simulation.WithFactorizationHook(func(step int, kind simulation.FactorizationKind) {
			if kind == simulation.FactorizationPartial {
				partialAt = append(partialAt, step)
			}
		}))
	if err := c.ScheduleEvents(sim.Events(), store); err != nil {
		t.Fatalf("ScheduleEvents: %v", err)
	}
	if err := sim.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if diff := cmp.Diff([]int{100}, partialAt); diff != "" {
		t.Fatalf("partial refactorizations (-want +got):\n%s", diff)
	}
	if !sw.State().Get() {
		t.Fatalf("switch still open after its event")
	}
	if v := store.Node("B").Voltage.Get(); math.IsNaN(v) || v == 0 {
		t.Fatalf("B.v = %g after closing the switch", v)
	}
}

func TestBindRejectsImportIntoConstantParameter(t *testing.T) {
	for _, path := range []string{"R1.R", "L1.P", "L1_ind.L"} {
		t.Run(path, func(t *testing.T) {
			c, err := ParseHCL([]byte(`
node "A" {}

interface {
  in = "gridsim-in"
}

component "current_source" "I1" {
  nodes  = ["gnd", "A"]
  params = { I = 1 }
}

component "resistor" "R1" {
  nodes  = ["A", "gnd"]
  params = { R = 10 }
}

component "rx_load" "L1" {
  nodes  = ["A"]
  params = { P = 1000, Q = 200, V_nom = 230 }
}

import "`+path+`" {
  index = 0
}
`), "bind.hcl")
			if err != nil {
				t.Fatalf("ParseHCL: %v", err)
			}
			store, err := c.BuildTopology()
			if err != nil {
				t.Fatalf("BuildTopology: %v", err)
			}
			cc := c.CosimConfig()
			cc.Dir = t.TempDir()
			iface := cosim.New(cc, nil)
			defer iface.Close()
			if err := c.Bind(iface, store); !errors.Is(err, cosim.ErrUnsupported) {
				t.Fatalf("Bind = %v, want cosim.ErrUnsupported", err)
			}
		})
	}
}
