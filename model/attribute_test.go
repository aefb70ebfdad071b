package model

import (
	"errors"
	"math"
	"math/cmplx"
	"testing"
)

func TestRegistryLookupTyped(t *testing.T) {
	reg := NewRegistry("load1")
	p := NewAttributeWith("P", 1000.0)
	v := NewAttribute[complex128]("v_intf")
	reg.MustRegister(p, v)

	got, err := Lookup[float64](reg, "P")
	if err != nil {
		t.Fatalf("Lookup P: %v", err)
	}
	if got != p {
		t.Fatalf("Lookup returned a different attribute")
	}
	if got.QualifiedName() != "load1.P" {
		t.Fatalf("QualifiedName = %q, want load1.P", got.QualifiedName())
	}

	if _, err := Lookup[float64](reg, "v_intf"); !errors.Is(err, ErrAttributeType) {
		t.Fatalf("Lookup with wrong type error = %v, want ErrAttributeType", err)
	}
	if _, err := reg.Lookup("missing"); !errors.Is(err, ErrAttributeNotFound) {
		t.Fatalf("Lookup missing error = %v, want ErrAttributeNotFound", err)
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := NewRegistry("r1")
	if err := reg.Register(NewAttribute[float64]("R")); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := reg.Register(NewAttribute[float64]("R")); !errors.Is(err, ErrAttributeExists) {
		t.Fatalf("duplicate Register error = %v, want ErrAttributeExists", err)
	}
}

func TestDerivedAttributeTracksSource(t *testing.T) {
	v := NewAttributeWith("v", complex(3, 4))
	mag := Derive("v_mag", v, cmplx.Abs)
	phase := Derive("v_phase", v, cmplx.Phase)

	if got := mag.Get(); got != 5 {
		t.Fatalf("mag = %v, want 5", got)
	}
	v.Set(complex(0, 2))
	if got := mag.Get(); got != 2 {
		t.Fatalf("mag after update = %v, want 2", got)
	}
	if got := phase.Get(); math.Abs(got-math.Pi/2) > 1e-12 {
		t.Fatalf("phase = %v, want pi/2", got)
	}
	if !mag.ReadOnly() {
		t.Fatalf("derived attribute should be read-only")
	}
	if mag.Kind() != KindReal || v.Kind() != KindComplex {
		t.Fatalf("kinds = %v/%v, want real/complex", mag.Kind(), v.Kind())
	}
}

func TestParameterIsStructural(t *testing.T) {
	r := NewParameter("R", 10.0)
	if !r.Structural() || r.ReadOnly() || r.Get() != 10 {
		t.Fatalf("parameter structural=%v readonly=%v value=%g", r.Structural(), r.ReadOnly(), r.Get())
	}
	if NewAttributeWith("I_ref", 1.0).Structural() {
		t.Fatalf("plain attribute reported structural")
	}
	if Derive("G", r, func(v float64) float64 { return 1 / v }).Structural() {
		t.Fatalf("derived attribute reported structural")
	}
}

func TestNodeIndexAssignment(t *testing.T) {
	n := NewNode("n1")
	if n.Assigned() {
		t.Fatalf("fresh node should be unassigned")
	}
	if err := n.AssignIndex(2); err != nil {
		t.Fatalf("AssignIndex: %v", err)
	}
	if err := n.AssignIndex(3); err == nil {
		t.Fatalf("expected reassignment to a different index to fail")
	}
	if got := n.VoltageFrom([]float64{1, 2, 7}); got != 7 {
		t.Fatalf("VoltageFrom = %v, want 7", got)
	}

	g := Ground()
	if g.MatrixIndex() != GroundIndex {
		t.Fatalf("ground index = %d, want %d", g.MatrixIndex(), GroundIndex)
	}
	if err := g.AssignIndex(0); err == nil {
		t.Fatalf("expected ground index assignment to fail")
	}
	if got := g.VoltageFrom([]float64{5}); got != 0 {
		t.Fatalf("ground voltage = %v, want 0", got)
	}
}

func TestSplitPath(t *testing.T) {
	comp, attr, err := SplitPath("load.cs.P")
	if err != nil || comp != "load.cs" || attr != "P" {
		t.Fatalf("SplitPath = %q, %q, %v", comp, attr, err)
	}
	for _, bad := range []string{"", "noattr", ".x", "x."} {
		if _, _, err := SplitPath(bad); err == nil {
			t.Fatalf("SplitPath(%q) expected error", bad)
		}
	}
}
