package scheduler

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Executor runs a Schedule once per step. With one worker tasks run in
// Schedule.Order; with more, each level runs on a bounded pool and the next
// level starts only when the previous one has completed.
type Executor struct {
	workers int
}

// NewExecutor returns an executor with the given worker count. Values below
// one are treated as one.
func NewExecutor(workers int) *Executor {
	if workers < 1 {
		workers = 1
	}
	return &Executor{workers: workers}
}

// Workers returns the pool size.
func (e *Executor) Workers() int { return e.workers }

// Step executes every task of s for simulation time t and step index step.
// The first failing task aborts the step; its error is returned as a
// *TaskError.
func (e *Executor) Step(ctx context.Context, s *Schedule, t float64, step int) error {
	if e.workers == 1 {
		for _, i := range s.order {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := run(ctx, s.tasks[i], t, step); err != nil {
				return err
			}
		}
		return nil
	}

	for _, level := range s.levels {
		if len(level) == 1 {
			if err := run(ctx, s.tasks[level[0]], t, step); err != nil {
				return err
			}
			continue
		}
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.workers)
		for _, i := range level {
			task := s.tasks[i]
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				return run(gctx, task, t, step)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

func run(ctx context.Context, task Task, t float64, step int) error {
	if err := task.Execute(ctx, t, step); err != nil {
		return &TaskError{Task: task.Name(), Phase: task.Phase(), Err: err}
	}
	return nil
}
