package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/signalsfoundry/gridsim/model"
)

var (
	// ErrDependencyCycle is returned by BuildSchedule for unsatisfiable
	// dependency declarations.
	ErrDependencyCycle = errors.New("scheduler: dependency cycle")
	// ErrDuplicateTask is returned when two tasks share a name.
	ErrDuplicateTask = errors.New("scheduler: duplicate task name")
)

// Schedule is an immutable execution plan. Tasks are grouped in levels; every
// dependency of a task lies in an earlier level.
type Schedule struct {
	tasks  []Task
	preds  [][]int
	order  []int
	levels [][]int
}

// BuildSchedule derives the dependency graph from the declared attribute
// sets and computes a deterministic level order. Within a level tasks keep
// their declaration order.
//
// Edges:
//   - every writer of an attribute precedes its current-step readers;
//   - previous-step readers precede every writer of the attribute;
//   - writers of the same attribute run in declaration order.
func BuildSchedule(tasks []Task) (*Schedule, error) {
	seen := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if seen[t.Name()] {
			return nil, fmt.Errorf("%q: %w", t.Name(), ErrDuplicateTask)
		}
		seen[t.Name()] = true
	}

	writers := make(map[model.AttributeBase][]int)
	deps := make([]Dependencies, len(tasks))
	for i, t := range tasks {
		deps[i] = t.Dependencies()
		for _, a := range deps[i].Modified {
			ws := writers[a]
			if len(ws) > 0 && ws[len(ws)-1] == i {
				continue
			}
			writers[a] = append(ws, i)
		}
	}

	edges := make([]map[int]struct{}, len(tasks))
	for i := range edges {
		edges[i] = make(map[int]struct{})
	}
	add := func(from, to int) {
		if from != to {
			edges[to][from] = struct{}{}
		}
	}
	for i := range tasks {
		for _, a := range deps[i].Current {
			for _, w := range writers[a] {
				add(w, i)
			}
		}
		for _, a := range deps[i].PrevStep {
			for _, w := range writers[a] {
				add(i, w)
			}
		}
	}
	for _, ws := range writers {
		for k := 1; k < len(ws); k++ {
			add(ws[k-1], ws[k])
		}
	}

	s := &Schedule{tasks: tasks, preds: make([][]int, len(tasks))}
	for i, e := range edges {
		for p := range e {
			s.preds[i] = append(s.preds[i], p)
		}
		sort.Ints(s.preds[i])
	}
	if err := s.detectCycles(); err != nil {
		return nil, err
	}
	s.computeLevels()
	return s, nil
}

// detectCycles runs a three-colour depth-first search over predecessor
// links and reports the first cycle found.
func (s *Schedule) detectCycles() error {
	const (
		white = iota
		grey
		black
	)
	colour := make([]int, len(s.tasks))
	var stack []int

	var visit func(i int) error
	visit = func(i int) error {
		switch colour[i] {
		case black:
			return nil
		case grey:
			names := []string{s.tasks[i].Name()}
			for k := len(stack) - 1; k >= 0; k-- {
				names = append(names, s.tasks[stack[k]].Name())
				if stack[k] == i {
					break
				}
			}
			return fmt.Errorf("%s: %w", strings.Join(names, " <- "), ErrDependencyCycle)
		}
		colour[i] = grey
		stack = append(stack, i)
		for _, p := range s.preds[i] {
			if err := visit(p); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		colour[i] = black
		return nil
	}
	for i := range s.tasks {
		if err := visit(i); err != nil {
			return err
		}
	}
	return nil
}

func (s *Schedule) computeLevels() {
	level := make([]int, len(s.tasks))
	for i := range level {
		level[i] = -1
	}
	var depth func(i int) int
	depth = func(i int) int {
		if level[i] >= 0 {
			return level[i]
		}
		l := 0
		for _, p := range s.preds[i] {
			l = max(l, depth(p)+1)
		}
		level[i] = l
		return l
	}
	maxLevel := -1
	for i := range s.tasks {
		maxLevel = max(maxLevel, depth(i))
	}
	s.levels = make([][]int, maxLevel+1)
	for i, l := range level {
		s.levels[l] = append(s.levels[l], i)
	}
	s.order = make([]int, 0, len(s.tasks))
	for _, l := range s.levels {
		s.order = append(s.order, l...)
	}
}

// Order returns the tasks in sequential execution order.
func (s *Schedule) Order() []Task {
	out := make([]Task, len(s.order))
	for k, i := range s.order {
		out[k] = s.tasks[i]
	}
	return out
}

// Levels returns the tasks grouped by dependency depth.
func (s *Schedule) Levels() [][]Task {
	out := make([][]Task, len(s.levels))
	for l, idx := range s.levels {
		out[l] = make([]Task, len(idx))
		for k, i := range idx {
			out[l][k] = s.tasks[i]
		}
	}
	return out
}

// Predecessors returns the names of the tasks t waits for.
func (s *Schedule) Predecessors(name string) []string {
	for i, t := range s.tasks {
		if t.Name() != name {
			continue
		}
		out := make([]string, len(s.preds[i]))
		for k, p := range s.preds[i] {
			out[k] = s.tasks[p].Name()
		}
		return out
	}
	return nil
}

// Len returns the number of tasks.
func (s *Schedule) Len() int { return len(s.tasks) }
