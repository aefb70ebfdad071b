package simulation

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/gridsim/timectrl"
)

// EventQueue schedules callbacks at simulation times. The simulation runs
// due events at each step boundary, before any pre-step task, so a callback
// may change parameters (switch states, set points) that the step then sees.
type EventQueue struct {
	clock timectrl.SimClock

	mu      sync.Mutex
	counter uint64
	events  []*scheduledEvent // ordered by when, then by insertion
	index   map[string]*scheduledEvent
}

type scheduledEvent struct {
	id        string
	when      time.Duration
	f         func() error
	cancelled bool
}

// NewEventQueue creates a queue driven by clock.
func NewEventQueue(clock timectrl.SimClock) *EventQueue {
	return &EventQueue{
		clock: clock,
		index: make(map[string]*scheduledEvent),
	}
}

// Schedule registers f to run at simulation time at and returns an ID for
// Cancel. Events at the same time run in scheduling order.
func (q *EventQueue) Schedule(at time.Duration, f func() error) (id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.counter++
	id = fmt.Sprintf("ev-%d", q.counter)
	ev := &scheduledEvent{id: id, when: at, f: f}

	idx := sort.Search(len(q.events), func(i int) bool {
		return q.events[i].when > at
	})
	q.events = append(q.events, nil)
	copy(q.events[idx+1:], q.events[idx:])
	q.events[idx] = ev
	q.index[id] = ev
	return id
}

// Cancel drops a pending event. Unknown or already-run IDs are ignored.
func (q *EventQueue) Cancel(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ev, ok := q.index[id]
	if !ok {
		return
	}
	ev.cancelled = true
	delete(q.index, id)
}

// Pending returns the number of events not yet run or cancelled.
func (q *EventQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.index)
}

// Now returns the simulation time of the underlying clock.
func (q *EventQueue) Now() time.Duration {
	return q.clock.Now()
}

func (q *EventQueue) popDueLocked(now time.Duration) *scheduledEvent {
	for len(q.events) > 0 {
		ev := q.events[0]
		if ev.cancelled {
			q.events = q.events[1:]
			continue
		}
		if ev.when > now {
			return nil
		}
		q.events = q.events[1:]
		delete(q.index, ev.id)
		return ev
	}
	return nil
}

// RunDue runs every event scheduled at or before Now, stopping at the first
// callback error. Events scheduled by a callback for a time already due run
// in the same call.
func (q *EventQueue) RunDue() error {
	now := q.clock.Now()
	for {
		q.mu.Lock()
		ev := q.popDueLocked(now)
		q.mu.Unlock()
		if ev == nil {
			return nil
		}
		// Outside the lock so callbacks may schedule or cancel.
		if ev.f == nil {
			continue
		}
		if err := ev.f(); err != nil {
			return fmt.Errorf("event %s at %s: %w", ev.id, ev.when, err)
		}
	}
}
