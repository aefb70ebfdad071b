// Package simulation ties the system model, the linear solver and the task
// scheduler into a stepping loop, optionally paced to wall-clock deadlines
// and exchanging sample frames with a co-simulation peer.
package simulation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/signalsfoundry/gridsim/components"
	"github.com/signalsfoundry/gridsim/cosim"
	"github.com/signalsfoundry/gridsim/internal/logging"
	"github.com/signalsfoundry/gridsim/internal/observability"
	"github.com/signalsfoundry/gridsim/mna"
	"github.com/signalsfoundry/gridsim/model"
	"github.com/signalsfoundry/gridsim/scheduler"
	"github.com/signalsfoundry/gridsim/solver"
	"github.com/signalsfoundry/gridsim/timectrl"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// State is the lifecycle state of a simulation.
type State int

const (
	StateUninitialized State = iota
	StateInitialized
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// RefactorMode selects how value changes at variable positions are folded
// into the factorization.
type RefactorMode string

const (
	RefactorPartial RefactorMode = "partial"
	RefactorFull    RefactorMode = "full"
)

// FactorizationKind names the solver call made by a solve task.
type FactorizationKind string

const (
	FactorizationFull     FactorizationKind = "full"
	FactorizationRefactor FactorizationKind = "refactor"
	FactorizationPartial  FactorizationKind = "partial"
)

// consistencyTolerance bounds the relative difference allowed by the debug
// cross-check.
const consistencyTolerance = 1e-9

// Config describes one simulation run.
type Config struct {
	Name     string
	TimeStep time.Duration
	// Steps bounds the run; zero runs until stopped.
	Steps       int
	Workers     int
	DebugChecks bool
	Refactor    RefactorMode
	Solver      solver.Config

	// RealTime paces each step to start + (k+1)·TimeStep.
	RealTime bool
	Wait     timectrl.WaitMode
}

// Recorder observes the solution after every completed step. x is only
// valid for the duration of the call.
type Recorder func(step int, t float64, x []float64)

// Option customises a Simulation.
type Option func(*Simulation)

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Simulation) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics publishes step, overrun, factorization and frame metrics.
func WithMetrics(c *observability.SimCollector) Option {
	return func(s *Simulation) { s.metrics = c }
}

// WithSchedulerMetrics publishes per-task durations and schedule shape.
func WithSchedulerMetrics(c *observability.SchedulerCollector) Option {
	return func(s *Simulation) { s.schedMetrics = c }
}

// WithInterface exchanges frames with a co-simulation peer around every
// step. The interface is started during Initialize if it has not been.
func WithInterface(f *cosim.Interface) Option {
	return func(s *Simulation) { s.iface = f }
}

// WithRecorder installs a per-step solution observer.
func WithRecorder(r Recorder) Option {
	return func(s *Simulation) { s.recorder = r }
}

// WithFactorizationHook is called with every factorization the solve task
// performs.
func WithFactorizationHook(fn func(step int, kind FactorizationKind)) Option {
	return func(s *Simulation) { s.onFactor = fn }
}

// Simulation owns the system matrix, the factorization and the schedule of
// one topology. It is driven either one step at a time or by Run.
type Simulation struct {
	cfg   Config
	nodes []*model.Node
	comps []mna.Component

	log          logging.Logger
	metrics      *observability.SimCollector
	schedMetrics *observability.SchedulerCollector
	iface        *cosim.Interface
	recorder     Recorder
	onFactor     func(step int, kind FactorizationKind)
	tracer       trace.Tracer

	mu      sync.Mutex
	state   State
	started bool
	stop    atomic.Bool

	system     *mna.System
	solver     solver.DirectLinearSolver
	check      solver.DirectLinearSolver
	factorized bool
	schedule   *scheduler.Schedule
	executor   *scheduler.Executor
	clock      *timectrl.TimeController
	events     *EventQueue

	solution *model.Attribute[[]float64]
	x        []float64
	step     int
	frames   [3]uint64
}

// New creates an uninitialized simulation over the ordered node set and
// top-level components.
func New(cfg Config, nodes []*model.Node, comps []mna.Component, opts ...Option) *Simulation {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Refactor == "" {
		cfg.Refactor = RefactorPartial
	}
	mode := timectrl.Accelerated
	if cfg.RealTime {
		mode = timectrl.RealTime
	}
	clock := timectrl.NewTimeController(cfg.TimeStep, mode, cfg.Wait)
	s := &Simulation{
		cfg:      cfg,
		nodes:    nodes,
		comps:    comps,
		log:      logging.Noop(),
		tracer:   observability.Tracer("simulation"),
		clock:    clock,
		events:   NewEventQueue(clock),
		solution: model.NewAttribute[[]float64]("x"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the lifecycle state.
func (s *Simulation) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Events returns the event queue. Events may be scheduled in any state.
func (s *Simulation) Events() *EventQueue { return s.events }

// Clock returns the time controller.
func (s *Simulation) Clock() *timectrl.TimeController { return s.clock }

// System returns the assembled system, nil before Initialize.
func (s *Simulation) System() *mna.System { return s.system }

// Schedule returns the task schedule, nil before Initialize.
func (s *Simulation) Schedule() *scheduler.Schedule { return s.schedule }

// StepIndex returns the index of the next step to run.
func (s *Simulation) StepIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.step
}

// Solution returns a copy of the last solution vector.
func (s *Simulation) Solution() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.x...)
}

// Stop requests the run to end. It takes effect at the next step boundary.
func (s *Simulation) Stop() { s.stop.Store(true) }

// Initialize sizes companion models, finalizes the topology, preprocesses
// the solver and builds the schedule. Configuration errors surface here.
func (s *Simulation) Initialize(ctx context.Context) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateUninitialized {
		return fmt.Errorf("initialize in state %s: %w", s.state, ErrInvalidState)
	}

	ctx, span := s.tracer.Start(ctx, "simulation.Initialize")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if s.cfg.TimeStep <= 0 {
		return fmt.Errorf("simulation: time step %s must be positive", s.cfg.TimeStep)
	}
	dt := s.cfg.TimeStep.Seconds()
	for _, c := range s.comps {
		if in, ok := c.(components.Initializer); ok {
			if err := in.Initialize(dt); err != nil {
				return fmt.Errorf("simulation: initialize %s: %w", c.Name(), err)
			}
		}
	}

	s.system = mna.NewSystem(s.nodes, s.comps)
	if err := s.system.FinalizeTopology(); err != nil {
		return fmt.Errorf("simulation: finalize topology: %w", err)
	}
	m := s.system.Matrix()
	variable := s.system.VariablePositions()

	s.solver, err = solver.New(s.cfg.Solver)
	if err != nil {
		return err
	}
	if err := s.solver.Preprocess(m, variable); err != nil {
		return fmt.Errorf("simulation: preprocess: %w", err)
	}
	if s.cfg.DebugChecks {
		s.check, err = solver.New(s.cfg.Solver)
		if err != nil {
			return err
		}
		if err := s.check.Preprocess(m, variable); err != nil {
			return fmt.Errorf("simulation: preprocess: %w", err)
		}
	}
	s.x = make([]float64, s.system.Dimension())

	tasks := s.buildTasks()
	s.schedule, err = scheduler.BuildSchedule(tasks)
	if err != nil {
		return fmt.Errorf("simulation: build schedule: %w", err)
	}
	s.executor = scheduler.NewExecutor(s.cfg.Workers)
	s.schedMetrics.SetSchedule(s.schedule.Len(), len(s.schedule.Levels()), s.executor.Workers())

	if s.iface != nil && !s.iface.Frozen() {
		if err := s.iface.Start(); err != nil {
			return fmt.Errorf("simulation: start interface: %w", err)
		}
	}

	s.state = StateInitialized
	s.log.Info(ctx, "simulation initialized",
		logging.String("name", s.cfg.Name),
		logging.Int("nodes", s.system.Dimension()),
		logging.Int("nonzeros", m.NNZ()),
		logging.Int("variable_entries", len(variable)),
		logging.Int("tasks", s.schedule.Len()),
		logging.Int("levels", len(s.schedule.Levels())),
		logging.Int("workers", s.executor.Workers()),
	)
	span.SetAttributes(
		attribute.Int("nodes", s.system.Dimension()),
		attribute.Int("tasks", s.schedule.Len()),
	)
	return nil
}

// buildTasks creates the pre-step, solve and post-step tasks. Sub
// components of composites get their own tasks ahead of their owner.
func (s *Simulation) buildTasks() []scheduler.Task {
	var pre, post []scheduler.Task
	var solveReads []model.AttributeBase

	var walk func(c mna.Component)
	walk = func(c mna.Component) {
		if comp, ok := c.(components.Composite); ok {
			for _, sc := range comp.SubComponents() {
				walk(sc)
			}
		}
		if ps, ok := c.(components.PreStepper); ok {
			d := ps.PreStepDependencies()
			solveReads = append(solveReads, d.Modified...)
			pre = append(pre, &scheduler.TaskFunc{
				TaskName:  c.Name() + ".pre",
				TaskPhase: scheduler.PhasePreStep,
				Deps:      d,
				Fn: func(_ context.Context, t float64, step int) error {
					return ps.PreStep(t, step)
				},
			})
		}
		if pp, ok := c.(components.PostStepper); ok {
			d := pp.PostStepDependencies()
			d.Current = append([]model.AttributeBase{s.solution}, d.Current...)
			post = append(post, &scheduler.TaskFunc{
				TaskName:  c.Name() + ".post",
				TaskPhase: scheduler.PhasePostStep,
				Deps:      d,
				Fn: func(context.Context, float64, int) error {
					return pp.ReadSolution(s.x)
				},
			})
		}
	}
	for _, c := range s.comps {
		walk(c)
	}

	solveWrites := []model.AttributeBase{s.solution}
	for _, n := range s.nodes {
		if !n.IsGround() {
			solveWrites = append(solveWrites, n.Voltage)
		}
	}
	solve := &scheduler.TaskFunc{
		TaskName:  "solve",
		TaskPhase: scheduler.PhaseSolve,
		Deps:      scheduler.Dependencies{Current: solveReads, Modified: solveWrites},
		Fn:        s.solve,
	}

	tasks := make([]scheduler.Task, 0, len(pre)+len(post)+1)
	tasks = append(tasks, pre...)
	tasks = append(tasks, solve)
	tasks = append(tasks, post...)
	if s.schedMetrics != nil {
		for i, t := range tasks {
			tasks[i] = observedTask{Task: t, m: s.schedMetrics}
		}
	}
	return tasks
}

// solve updates the variable entries, brings the factorization up to date,
// solves for the node voltages and publishes them.
func (s *Simulation) solve(ctx context.Context, t float64, step int) error {
	changed, err := s.system.UpdateVariableEntries(t)
	if err != nil {
		return err
	}
	m := s.system.Matrix()

	var kind FactorizationKind
	switch {
	case !s.factorized:
		kind, err = FactorizationFull, s.solver.Factorize(m)
	case len(changed) == 0:
	case s.cfg.Refactor == RefactorFull:
		kind, err = FactorizationRefactor, s.solver.Refactorize(m)
	default:
		kind, err = FactorizationPartial, s.solver.PartialRefactorize(m, changed)
	}
	if err != nil && solver.IsPivotFault(err) {
		s.log.Debug(ctx, "stored pivot vanished, factorizing from scratch",
			logging.Step(step), logging.SimTime(t), logging.Err(err))
		kind, err = FactorizationFull, s.solver.Factorize(m)
	}
	if err != nil {
		s.factorized = false
		return err
	}
	s.factorized = true
	if kind != "" {
		s.metrics.IncFactorization(string(kind))
		if s.onFactor != nil {
			s.onFactor(step, kind)
		}
	}

	if s.cfg.DebugChecks {
		if err := s.system.ConstantEntriesIntact(); err != nil {
			return err
		}
	}

	rhs, err := s.system.BuildRightHandSide(t)
	if err != nil {
		return err
	}
	x, err := s.solver.Solve(rhs)
	if err != nil {
		return err
	}
	copy(s.x, x)

	if s.cfg.DebugChecks && (kind == FactorizationPartial || kind == FactorizationRefactor) {
		if err := s.crossCheck(rhs); err != nil {
			return err
		}
	}

	for _, n := range s.nodes {
		if !n.IsGround() {
			n.Voltage.Set(n.VoltageFrom(s.x))
		}
	}
	s.solution.Set(s.x)
	return nil
}

// crossCheck solves the same system with a freshly factorized solver and
// compares against the current solution.
func (s *Simulation) crossCheck(rhs mna.Vector) error {
	if err := s.check.Factorize(s.system.Matrix()); err != nil {
		return fmt.Errorf("debug check: %w", err)
	}
	y, err := s.check.Solve(rhs)
	if err != nil {
		return fmt.Errorf("debug check: %w", err)
	}
	for i := range y {
		scale := 1 + math.Max(math.Abs(y[i]), math.Abs(s.x[i]))
		if math.Abs(y[i]-s.x[i]) > consistencyTolerance*scale {
			return fmt.Errorf("unknown %d: %g, fresh factorization %g: %w", i, s.x[i], y[i], ErrConsistency)
		}
	}
	return nil
}

// Step runs one step: due events, imports, the schedule, then exports. It
// does not wait for the real-time deadline.
func (s *Simulation) Step(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateInitialized:
		s.state = StateRunning
	case StateRunning:
	default:
		return fmt.Errorf("step in state %s: %w", s.state, ErrInvalidState)
	}
	if s.cfg.Steps > 0 && s.step >= s.cfg.Steps {
		return ErrFinished
	}
	if !s.started {
		s.clock.Start(time.Now())
		s.started = true
	}
	if err := s.stepLocked(ctx); err != nil {
		var se *StepError
		if errors.As(err, &se) {
			s.state = StateStopped
		}
		return err
	}
	return nil
}

func (s *Simulation) stepLocked(ctx context.Context) (err error) {
	k := s.step
	t := s.clock.SimTime(k)
	s.clock.Begin(k)

	ctx, span := s.tracer.Start(ctx, "simulation.Step",
		trace.WithAttributes(attribute.Int("step", k), attribute.Float64("time", t)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	start := time.Now()
	if err := s.events.RunDue(); err != nil {
		return &StepError{Step: k, Time: t, Phase: "event", Err: err}
	}
	if s.iface != nil {
		if err := s.iface.ReadImports(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
				return err
			}
			return &StepError{Step: k, Time: t, Phase: "import", Err: err}
		}
	}

	// Tasks run to completion once started; cancellation is seen at the
	// next boundary.
	if err := s.executor.Step(context.WithoutCancel(ctx), s.schedule, t, k); err != nil {
		se := &StepError{Step: k, Time: t, Err: err}
		var te *scheduler.TaskError
		if errors.As(err, &te) {
			se.Phase = te.Phase.String()
			se.Task = te.Task
		}
		return se
	}

	if s.iface != nil {
		if err := s.iface.WriteExports(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
				return err
			}
			return &StepError{Step: k, Time: t, Phase: "export", Err: err}
		}
		out, in, dropped := s.iface.Stats()
		s.metrics.AddFrames("out", out-s.frames[0])
		s.metrics.AddFrames("in", in-s.frames[1])
		s.metrics.AddFrames("dropped", dropped-s.frames[2])
		s.frames = [3]uint64{out, in, dropped}
	}

	if s.recorder != nil {
		s.recorder(k, t, s.x)
	}
	s.metrics.ObserveStep(time.Since(start), t)
	s.step++
	return nil
}

// Run initializes the simulation if needed and steps it until the step
// count is reached, Stop is called or ctx is cancelled. Stop and
// cancellation take effect at step boundaries and end the run without
// error. In real-time mode every step waits for its deadline; overruns are
// logged and counted and the simulated time base is left untouched.
func (s *Simulation) Run(ctx context.Context) error {
	ctx, log := logging.WithRunLogger(ctx, s.log)
	if s.State() == StateUninitialized {
		if err := s.Initialize(ctx); err != nil {
			return err
		}
	}

	s.mu.Lock()
	if s.state != StateInitialized && s.state != StateRunning {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("run in state %s: %w", st, ErrInvalidState)
	}
	if !s.started {
		s.clock.Start(time.Now())
		s.started = true
	}
	s.mu.Unlock()

	log.Info(ctx, "simulation started",
		logging.String("name", s.cfg.Name),
		logging.Duration("time_step", s.cfg.TimeStep),
		logging.Int("steps", s.cfg.Steps),
		logging.String("mode", s.clock.Mode.String()),
	)

	var runErr error
	for !s.stop.Load() && ctx.Err() == nil {
		k := s.StepIndex()
		if s.cfg.Steps > 0 && k >= s.cfg.Steps {
			break
		}
		if err := s.Step(ctx); err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				break
			}
			log.Error(ctx, "simulation step failed", logging.Err(err))
			runErr = err
			break
		}
		ov, err := s.clock.WaitForDeadline(ctx, k)
		if err != nil {
			break
		}
		if ov != nil {
			s.metrics.IncOverruns()
			log.Warn(ctx, "step overran its deadline",
				logging.Step(ov.Step),
				logging.SimTime(s.clock.SimTime(ov.Step)),
				logging.Duration("late", ov.Late),
			)
		}
	}

	s.mu.Lock()
	s.state = StateStopped
	steps := s.step
	s.mu.Unlock()
	log.Info(ctx, "simulation stopped",
		logging.Int("steps", steps),
		logging.Int("overruns", s.clock.Overruns()),
	)
	return runErr
}

type observedTask struct {
	scheduler.Task
	m *observability.SchedulerCollector
}

func (o observedTask) Execute(ctx context.Context, t float64, step int) error {
	start := time.Now()
	err := o.Task.Execute(ctx, t, step)
	o.m.ObserveTask(o.Phase().String(), time.Since(start))
	return err
}
