// Package scheduler orders per-step component tasks by their declared
// attribute dependencies and executes them, optionally in parallel.
package scheduler

import (
	"context"
	"fmt"

	"github.com/signalsfoundry/gridsim/model"
)

// Phase is the part of a step a task belongs to.
type Phase int

const (
	PhasePreStep Phase = iota
	PhaseSolve
	PhasePostStep
)

func (p Phase) String() string {
	switch p {
	case PhasePreStep:
		return "pre-step"
	case PhaseSolve:
		return "solve"
	case PhasePostStep:
		return "post-step"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Dependencies is the scheduling contract of a task.
//
// PrevStep lists attributes whose value from the previous step is read; the
// task runs before any task that modifies them. Current lists attributes
// read after this step's writers have run. Modified lists attributes the
// task writes.
type Dependencies struct {
	PrevStep []model.AttributeBase
	Current  []model.AttributeBase
	Modified []model.AttributeBase
}

// Task is one schedulable unit of per-step work.
type Task interface {
	Name() string
	Phase() Phase
	Dependencies() Dependencies
	Execute(ctx context.Context, t float64, step int) error
}

// TaskFunc adapts a function into a Task.
type TaskFunc struct {
	TaskName  string
	TaskPhase Phase
	Deps      Dependencies
	Fn        func(ctx context.Context, t float64, step int) error
}

func (f *TaskFunc) Name() string               { return f.TaskName }
func (f *TaskFunc) Phase() Phase               { return f.TaskPhase }
func (f *TaskFunc) Dependencies() Dependencies { return f.Deps }

func (f *TaskFunc) Execute(ctx context.Context, t float64, step int) error {
	if f.Fn == nil {
		return nil
	}
	return f.Fn(ctx, t, step)
}

// TaskError reports the task that failed during a step.
type TaskError struct {
	Task  string
	Phase Phase
	Err   error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s (%s): %v", e.Task, e.Phase, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }
