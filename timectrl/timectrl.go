// Package timectrl paces fixed simulation steps against wall-clock
// deadlines and reports overruns without touching the simulated time base.
package timectrl

import (
	"context"
	"runtime"
	"sync"
	"time"
)

// SimClock gives read access to simulation time.
type SimClock interface {
	// Now returns the simulation time of the last started step.
	Now() time.Duration
	// Step returns the index of the last started step.
	Step() int
}

// Mode describes how the TimeController advances simulation time.
type Mode int

const (
	// RealTime holds every step until its wall-clock deadline.
	RealTime Mode = iota
	// Accelerated runs steps back to back; deadlines are not enforced.
	Accelerated
)

func (m Mode) String() string {
	if m == Accelerated {
		return "accelerated"
	}
	return "realtime"
}

// WaitMode selects how the controller waits for a deadline.
type WaitMode int

const (
	// Blocking parks the goroutine on a timer.
	Blocking WaitMode = iota
	// Polling spins until the deadline, yielding between checks.
	Polling
)

func (w WaitMode) String() string {
	if w == Polling {
		return "polling"
	}
	return "blocking"
}

// Overrun describes a step that finished after its deadline.
type Overrun struct {
	Step     int
	Deadline time.Time
	Late     time.Duration
}

// TimeController drives simulation time in fixed ticks. The deadline of
// step k is StartTime + (k+1)·Tick; simulation time at step k is always
// k·Tick regardless of overruns.
type TimeController struct {
	mu        sync.RWMutex
	StartTime time.Time
	Tick      time.Duration
	Mode      Mode
	Wait      WaitMode

	step     int
	overruns int

	listeners []func(Overrun)
	now       func() time.Time
}

// NewTimeController constructs a controller.
func NewTimeController(tick time.Duration, mode Mode, wait WaitMode) *TimeController {
	return &TimeController{
		Tick: tick,
		Mode: mode,
		Wait: wait,
		now:  time.Now,
	}
}

// Start anchors the deadlines at the given wall-clock time and resets the
// step counter.
func (tc *TimeController) Start(at time.Time) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.StartTime = at
	tc.step = 0
	tc.overruns = 0
}

// Now returns the simulation time of the current step. Implements SimClock.
func (tc *TimeController) Now() time.Duration {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return time.Duration(tc.step) * tc.Tick
}

// Step returns the current step index. Implements SimClock.
func (tc *TimeController) Step() int {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.step
}

// SimTime returns the simulation time of step k in seconds.
func (tc *TimeController) SimTime(k int) float64 {
	return float64(k) * tc.Tick.Seconds()
}

// Deadline returns the wall-clock time by which step k must be complete.
func (tc *TimeController) Deadline(k int) time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.StartTime.Add(time.Duration(k+1) * tc.Tick)
}

// Overruns returns the number of overruns since Start.
func (tc *TimeController) Overruns() int {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.overruns
}

// AddListener registers a callback invoked on every overrun.
func (tc *TimeController) AddListener(fn func(Overrun)) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.listeners = append(tc.listeners, fn)
}

// Begin marks step k as started.
func (tc *TimeController) Begin(k int) {
	tc.mu.Lock()
	tc.step = k
	tc.mu.Unlock()
}

// WaitForDeadline blocks until the deadline of step k. If the deadline has
// already passed the overrun is reported to listeners and returned; the
// caller continues with the next step. In Accelerated mode it returns at
// once.
func (tc *TimeController) WaitForDeadline(ctx context.Context, k int) (*Overrun, error) {
	if tc.Mode == Accelerated {
		return nil, ctx.Err()
	}
	deadline := tc.Deadline(k)
	now := tc.now()
	if now.After(deadline) {
		o := Overrun{Step: k, Deadline: deadline, Late: now.Sub(deadline)}
		tc.mu.Lock()
		tc.overruns++
		listeners := append([]func(Overrun){}, tc.listeners...)
		tc.mu.Unlock()
		for _, fn := range listeners {
			fn(o)
		}
		return &o, nil
	}

	if tc.Wait == Polling {
		for tc.now().Before(deadline) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			runtime.Gosched()
		}
		return nil, nil
	}

	timer := time.NewTimer(deadline.Sub(now))
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
