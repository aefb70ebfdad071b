package topology

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/signalsfoundry/gridsim/components"
	"github.com/signalsfoundry/gridsim/model"
)

func TestAddAndResolve(t *testing.T) {
	store := New()
	a, err := store.NewNode("A")
	if err != nil {
		t.Fatalf("NewNode error: %v", err)
	}
	r := components.NewResistor("r1", a, store.Ground(), 10)
	if err := store.AddComponent(r); err != nil {
		t.Fatalf("AddComponent error: %v", err)
	}

	if got := store.Component("r1"); got != r {
		t.Fatalf("Component(r1) = %v, want %v", got, r)
	}
	attr, err := store.Attribute("r1.i")
	if err != nil {
		t.Fatalf("Attribute(r1.i) error: %v", err)
	}
	if attr.QualifiedName() != "r1.i" {
		t.Fatalf("QualifiedName = %q, want r1.i", attr.QualifiedName())
	}
	if _, err := store.Attribute("A.v"); err != nil {
		t.Fatalf("Attribute(A.v) error: %v", err)
	}
	if _, err := store.Attribute("missing.v"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Attribute(missing.v) error = %v, want ErrNotFound", err)
	}
}

func TestDuplicateAndDangling(t *testing.T) {
	store := New()
	a, _ := store.NewNode("A")
	if _, err := store.NewNode("A"); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate node error = %v, want ErrDuplicate", err)
	}
	if err := store.AddComponent(components.NewResistor("r", a, nil, 1)); err != nil {
		t.Fatalf("AddComponent error: %v", err)
	}
	if err := store.AddComponent(components.NewResistor("r", a, nil, 1)); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate component error = %v, want ErrDuplicate", err)
	}
	stray := model.NewNode("B")
	if err := store.AddComponent(components.NewResistor("r2", a, stray, 1)); !errors.Is(err, ErrDangling) {
		t.Fatalf("dangling terminal error = %v, want ErrDangling", err)
	}
	// same ID, different node object
	if err := store.AddComponent(components.NewResistor("r3", model.NewNode("A"), nil, 1)); !errors.Is(err, ErrDangling) {
		t.Fatalf("foreign node error = %v, want ErrDangling", err)
	}
}

func TestSubComponentsAreIndexed(t *testing.T) {
	store := New()
	a, _ := store.NewNode("A")
	load, err := components.NewRXLoad("load", a, 1000, 100, 230, 50)
	if err != nil {
		t.Fatalf("NewRXLoad: %v", err)
	}
	if err := store.AddComponent(load); err != nil {
		t.Fatalf("AddComponent error: %v", err)
	}
	if got := len(store.Components()); got != 1 {
		t.Fatalf("top-level components = %d, want 1", got)
	}
	if _, err := store.Attribute("load_ind.L"); err != nil {
		t.Fatalf("Attribute(load_ind.L) error: %v", err)
	}
}

func TestOrderAndSubscribe(t *testing.T) {
	store := New()
	var mu sync.Mutex
	var events []EventType
	unsubscribe := store.Subscribe(func(ev Event) {
		mu.Lock()
		events = append(events, ev.Type)
		mu.Unlock()
	})

	for i := range 3 {
		if _, err := store.NewNode(fmt.Sprintf("n-%d", i)); err != nil {
			t.Fatalf("NewNode error: %v", err)
		}
	}
	if err := store.AddComponent(components.NewResistor("r", store.Node("n-0"), store.Node("n-1"), 1)); err != nil {
		t.Fatalf("AddComponent error: %v", err)
	}
	unsubscribe()
	if _, err := store.NewNode("late"); err != nil {
		t.Fatalf("NewNode error: %v", err)
	}

	nodes := store.Nodes()
	want := []string{model.GroundID, "n-0", "n-1", "n-2", "late"}
	for i, n := range nodes {
		if n.ID != want[i] {
			t.Fatalf("node %d = %q, want %q", i, n.ID, want[i])
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(events) != 4 || events[3] != EventComponentAdded {
		t.Fatalf("events = %v, want 3 node additions then a component", events)
	}
}
