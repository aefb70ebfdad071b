package simulation

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState indicates an operation not allowed in the current
	// lifecycle state.
	ErrInvalidState = errors.New("simulation: invalid state")
	// ErrFinished indicates a step request after the configured step count.
	ErrFinished = errors.New("simulation: step count reached")
	// ErrConsistency indicates that a debug cross-check found the
	// incrementally updated factorization disagreeing with a fresh one.
	ErrConsistency = errors.New("simulation: incremental factorization diverges from full factorization")
)

// StepError carries the step, time and phase context of a failure raised
// while computing a step. Numerical errors are fatal to the run.
type StepError struct {
	Step  int
	Time  float64
	Phase string
	Task  string
	Err   error
}

func (e *StepError) Error() string {
	if e.Task != "" {
		return fmt.Sprintf("step %d (t=%gs) %s task %s: %v", e.Step, e.Time, e.Phase, e.Task, e.Err)
	}
	return fmt.Sprintf("step %d (t=%gs) %s: %v", e.Step, e.Time, e.Phase, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
