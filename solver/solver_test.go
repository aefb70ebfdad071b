package solver

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/signalsfoundry/gridsim/mna"
)

func meshMatrix(t *testing.T) *mna.SparseMatrix {
	t.Helper()
	entries := map[mna.Position]float64{}
	for i := 0; i < 6; i++ {
		entries[mna.Position{Row: i, Col: i}] = 4
	}
	for _, e := range [][2]int{{0, 1}, {1, 2}, {2, 3}, {3, 4}, {4, 5}, {0, 5}, {1, 4}} {
		entries[mna.Position{Row: e[0], Col: e[1]}] = -1
		entries[mna.Position{Row: e[1], Col: e[0]}] = -1.5
	}
	m, err := mna.NewSparseMatrix(6, entries)
	if err != nil {
		t.Fatalf("NewSparseMatrix: %v", err)
	}
	return m
}

func tridiagonal(t *testing.T, n int) *mna.SparseMatrix {
	t.Helper()
	entries := map[mna.Position]float64{}
	for i := 0; i < n; i++ {
		entries[mna.Position{Row: i, Col: i}] = 3
		if i > 0 {
			entries[mna.Position{Row: i, Col: i - 1}] = -1
			entries[mna.Position{Row: i - 1, Col: i}] = -1
		}
	}
	m, err := mna.NewSparseMatrix(n, entries)
	if err != nil {
		t.Fatalf("NewSparseMatrix: %v", err)
	}
	return m
}

func setEntry(t *testing.T, m *mna.SparseMatrix, row, col int, v float64) {
	t.Helper()
	k, ok := m.Index(row, col)
	if !ok {
		t.Fatalf("position (%d,%d) not in pattern", row, col)
	}
	m.Values()[k] = v
}

func maxResidual(m *mna.SparseMatrix, x, b []float64) float64 {
	ax := m.MulVec(x)
	r := 0.0
	for i := range ax {
		r = math.Max(r, math.Abs(ax[i]-b[i]))
	}
	return r
}

func prepare(t *testing.T, cfg Config, m *mna.SparseMatrix, variable []mna.Position) DirectLinearSolver {
	t.Helper()
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Preprocess(m, variable); err != nil {
		t.Fatalf("Preprocess: %v", err)
	}
	if err := s.Factorize(m); err != nil {
		t.Fatalf("Factorize: %v", err)
	}
	return s
}

func solveCopy(t *testing.T, s DirectLinearSolver, b []float64) []float64 {
	t.Helper()
	x, err := s.Solve(b)
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	return append([]float64(nil), x...)
}

func TestSparseLUSolvesKnownSystem(t *testing.T) {
	m := meshMatrix(t)
	want := []float64{1, -2, 3, 0.5, -1, 2}
	b := m.MulVec(want)

	for _, ord := range []Ordering{OrderingMinDegree, OrderingNatural} {
		s := prepare(t, Config{Ordering: ord}, m, nil)
		got := solveCopy(t, s, b)
		if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
			t.Fatalf("ordering %s: solution mismatch (-want +got):\n%s", ord, diff)
		}
	}
}

func TestSparseLUPivotsAroundZeroDiagonal(t *testing.T) {
	m, err := mna.NewSparseMatrix(3, map[mna.Position]float64{
		{Row: 1, Col: 0}: 2,
		{Row: 0, Col: 1}: 1,
		{Row: 2, Col: 1}: 1,
		{Row: 2, Col: 2}: 5,
		{Row: 0, Col: 2}: 1,
	})
	if err != nil {
		t.Fatalf("NewSparseMatrix: %v", err)
	}
	s := prepare(t, Config{Ordering: OrderingNatural}, m, nil)
	b := []float64{1, 2, 3}
	x := solveCopy(t, s, b)
	if r := maxResidual(m, x, b); r > 1e-12 {
		t.Fatalf("residual %g, want <= 1e-12 (x=%v)", r, x)
	}
}

func TestRefactorizeMatchesFactorize(t *testing.T) {
	m := meshMatrix(t)
	s := prepare(t, Config{}, m, nil)

	setEntry(t, m, 2, 2, 9)
	setEntry(t, m, 4, 1, -0.25)
	if err := s.Refactorize(m); err != nil {
		t.Fatalf("Refactorize: %v", err)
	}
	b := []float64{1, 1, 1, 1, 1, 1}
	got := solveCopy(t, s, b)

	fresh := prepare(t, Config{}, m, nil)
	want := solveCopy(t, fresh, b)
	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Fatalf("refactorized solution mismatch (-fresh +refactorized):\n%s", diff)
	}
}

func TestPartialRefactorizeMatchesFactorize(t *testing.T) {
	m := meshMatrix(t)
	variable := []mna.Position{{Row: 3, Col: 3}, {Row: 4, Col: 3}}
	s := prepare(t, Config{}, m, variable)

	for step, g := range []float64{5, 7.5, 100, 4} {
		setEntry(t, m, 3, 3, g)
		setEntry(t, m, 4, 3, -g/4)
		if err := s.PartialRefactorize(m, variable); err != nil {
			t.Fatalf("step %d: PartialRefactorize: %v", step, err)
		}
		b := []float64{0, 1, 0, -2, 0, 3}
		got := solveCopy(t, s, b)

		fresh := prepare(t, Config{}, m, variable)
		want := solveCopy(t, fresh, b)
		if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
			t.Fatalf("step %d: solution mismatch (-fresh +partial):\n%s", step, diff)
		}
	}
}

func TestPartialRefactorizeWithOtherPositions(t *testing.T) {
	m := meshMatrix(t)
	s := prepare(t, Config{}, m, []mna.Position{{Row: 0, Col: 0}})

	setEntry(t, m, 5, 5, 11)
	if err := s.PartialRefactorize(m, []mna.Position{{Row: 5, Col: 5}}); err != nil {
		t.Fatalf("PartialRefactorize: %v", err)
	}
	b := []float64{1, 2, 3, 4, 5, 6}
	x := solveCopy(t, s, b)
	if r := maxResidual(m, x, b); r > 1e-12 {
		t.Fatalf("residual %g, want <= 1e-12", r)
	}
}

func TestPartialRefactorizationPath(t *testing.T) {
	m := tridiagonal(t, 5)
	s := NewSparseLU(Config{Ordering: OrderingNatural})
	if err := s.Preprocess(m, []mna.Position{{Row: 4, Col: 4}}); err != nil {
		t.Fatalf("Preprocess: %v", err)
	}
	if err := s.Factorize(m); err != nil {
		t.Fatalf("Factorize: %v", err)
	}
	if diff := cmp.Diff([]int{4}, s.Path()); diff != "" {
		t.Fatalf("path for last column (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{0, 1, 2, 3, 4}, s.affectedColumns([]mna.Position{{Row: 0, Col: 0}})); diff != "" {
		t.Fatalf("path for first column (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{2, 3, 4}, s.affectedColumns([]mna.Position{{Row: 1, Col: 2}})); diff != "" {
		t.Fatalf("path for middle column (-want +got):\n%s", diff)
	}
}

func TestStructurallySingular(t *testing.T) {
	cases := map[string]map[mna.Position]float64{
		"empty column": {
			{Row: 0, Col: 0}: 1,
			{Row: 1, Col: 0}: 1,
		},
		"empty row": {
			{Row: 0, Col: 0}: 1,
			{Row: 0, Col: 1}: 1,
		},
		"no transversal": {
			{Row: 0, Col: 0}: 1,
			{Row: 0, Col: 1}: 1,
			{Row: 1, Col: 2}: 1,
			{Row: 2, Col: 2}: 1,
		},
	}
	for name, entries := range cases {
		n := 0
		for p := range entries {
			n = max(n, p.Row+1, p.Col+1)
		}
		m, err := mna.NewSparseMatrix(n, entries)
		if err != nil {
			t.Fatalf("%s: NewSparseMatrix: %v", name, err)
		}
		for _, b := range []Backend{BackendSparseLU, BackendDense, BackendSparse13} {
			s, _ := New(Config{Backend: b})
			if err := s.Preprocess(m, nil); !errors.Is(err, ErrStructurallySingular) {
				t.Fatalf("%s/%s: Preprocess error = %v, want ErrStructurallySingular", name, b, err)
			}
		}
	}
}

func TestNumericallySingular(t *testing.T) {
	m, err := mna.NewSparseMatrix(2, map[mna.Position]float64{
		{Row: 0, Col: 0}: 2, {Row: 0, Col: 1}: 1,
		{Row: 1, Col: 0}: 1, {Row: 1, Col: 1}: 1,
	})
	if err != nil {
		t.Fatalf("NewSparseMatrix: %v", err)
	}
	s := prepare(t, Config{}, m, nil)

	setEntry(t, m, 0, 0, 1)
	err = s.Refactorize(m)
	if !errors.Is(err, ErrNumericallySingular) {
		t.Fatalf("Refactorize error = %v, want ErrNumericallySingular", err)
	}
	if _, err := s.Solve([]float64{1, 1}); !errors.Is(err, ErrStaleFactorization) {
		t.Fatalf("Solve after failed refactorization = %v, want ErrStaleFactorization", err)
	}

	fresh, _ := New(Config{})
	if err := fresh.Preprocess(m, nil); err != nil {
		t.Fatalf("Preprocess: %v", err)
	}
	var se *SingularError
	if err := fresh.Factorize(m); !errors.As(err, &se) || !errors.Is(err, ErrNumericallySingular) {
		t.Fatalf("Factorize error = %v, want *SingularError", err)
	}
	if IsPivotFault(se) {
		t.Fatalf("Factorize error %v reported as a pivot fault", se)
	}

	dense, _ := New(Config{Backend: BackendDense})
	if err := dense.Preprocess(m, nil); err != nil {
		t.Fatalf("dense Preprocess: %v", err)
	}
	if err := dense.Factorize(m); !errors.Is(err, ErrNumericallySingular) {
		t.Fatalf("dense Factorize error = %v, want ErrNumericallySingular", err)
	}

	s13, _ := New(Config{Backend: BackendSparse13})
	if err := s13.Preprocess(m, nil); err != nil {
		t.Fatalf("sparse13 Preprocess: %v", err)
	}
	if err := s13.Factorize(m); !errors.Is(err, ErrNumericallySingular) || IsPivotFault(err) {
		t.Fatalf("sparse13 Factorize error = %v, want ErrNumericallySingular", err)
	}
}

func TestPivotFaultRecoversWithFactorize(t *testing.T) {
	build := func() *mna.SparseMatrix {
		m, err := mna.NewSparseMatrix(2, map[mna.Position]float64{
			{Row: 0, Col: 0}: 1, {Row: 0, Col: 1}: 1,
			{Row: 1, Col: 0}: 1, {Row: 1, Col: 1}: 1.5,
		})
		if err != nil {
			t.Fatalf("NewSparseMatrix: %v", err)
		}
		return m
	}
	variable := []mna.Position{{Row: 0, Col: 0}}
	cfg := Config{Ordering: OrderingNatural}
	want := []float64{-1.5, 1}

	for _, partial := range []bool{false, true} {
		m := build()
		s := prepare(t, cfg, m, variable)
		// det stays -1, but the first stored pivot becomes zero
		setEntry(t, m, 0, 0, 0)

		var err error
		if partial {
			err = s.PartialRefactorize(m, variable)
		} else {
			err = s.Refactorize(m)
		}
		if !IsPivotFault(err) || !errors.Is(err, ErrNumericallySingular) {
			t.Fatalf("partial=%v: refactorization error = %v, want a pivot fault", partial, err)
		}
		if err := s.Factorize(m); err != nil {
			t.Fatalf("partial=%v: Factorize after pivot fault: %v", partial, err)
		}
		got := solveCopy(t, s, m.MulVec(want))
		if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
			t.Fatalf("partial=%v: solution after recovery (-want +got):\n%s", partial, diff)
		}
	}
}

func TestStaleFactorization(t *testing.T) {
	m := meshMatrix(t)
	for _, b := range []Backend{BackendSparseLU, BackendDense, BackendSparse13} {
		s, _ := New(Config{Backend: b})
		if err := s.Factorize(m); !errors.Is(err, ErrStaleFactorization) {
			t.Fatalf("%s: Factorize before Preprocess = %v, want ErrStaleFactorization", b, err)
		}
		if err := s.Preprocess(m, nil); err != nil {
			t.Fatalf("%s: Preprocess: %v", b, err)
		}
		if err := s.Refactorize(m); !errors.Is(err, ErrStaleFactorization) {
			t.Fatalf("%s: Refactorize before Factorize = %v, want ErrStaleFactorization", b, err)
		}
		if _, err := s.Solve(make([]float64, 6)); !errors.Is(err, ErrStaleFactorization) {
			t.Fatalf("%s: Solve before Factorize = %v, want ErrStaleFactorization", b, err)
		}
		if err := s.Factorize(m); err != nil {
			t.Fatalf("%s: Factorize: %v", b, err)
		}

		// Same dimension, new pattern.
		other := meshMatrix(t)
		if err := s.Refactorize(other); !errors.Is(err, ErrStaleFactorization) {
			t.Fatalf("%s: Refactorize with new pattern = %v, want ErrStaleFactorization", b, err)
		}
		if err := s.PartialRefactorize(other, nil); !errors.Is(err, ErrStaleFactorization) {
			t.Fatalf("%s: PartialRefactorize with new pattern = %v, want ErrStaleFactorization", b, err)
		}
		if _, err := s.Solve(make([]float64, 3)); !errors.Is(err, ErrDimensionMismatch) {
			t.Fatalf("%s: Solve with short rhs = %v, want ErrDimensionMismatch", b, err)
		}
	}
}

func TestDenseMatchesSparse(t *testing.T) {
	m := meshMatrix(t)
	b := []float64{3, -1, 4, -1, 5, -9}
	sparse := solveCopy(t, prepare(t, Config{}, m, nil), b)
	dense := solveCopy(t, prepare(t, Config{Backend: BackendDense}, m, nil), b)
	if diff := cmp.Diff(dense, sparse, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Fatalf("backends disagree (-dense +sparse):\n%s", diff)
	}

	s13 := prepare(t, Config{Backend: BackendSparse13}, m, nil)
	if diff := cmp.Diff(dense, solveCopy(t, s13, b), cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Fatalf("backends disagree (-dense +sparse13):\n%s", diff)
	}
	// values change, pattern does not
	setEntry(t, m, 2, 2, 7)
	setEntry(t, m, 4, 1, -0.5)
	dense = solveCopy(t, prepare(t, Config{Backend: BackendDense}, m, nil), b)
	if err := s13.Refactorize(m); err != nil {
		t.Fatalf("sparse13 Refactorize: %v", err)
	}
	if diff := cmp.Diff(dense, solveCopy(t, s13, b), cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Fatalf("after refactorization (-dense +sparse13):\n%s", diff)
	}
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	if _, err := New(Config{Backend: "klu"}); err == nil {
		t.Fatalf("New with unknown backend succeeded")
	}
	if _, err := New(Config{Ordering: "amd"}); err == nil {
		t.Fatalf("New with unknown ordering succeeded")
	}
}

func TestMinimumDegreeIsPermutation(t *testing.T) {
	m := meshMatrix(t)
	q := minimumDegree(m)
	seen := make([]bool, m.Dim())
	for _, j := range q {
		if seen[j] {
			t.Fatalf("column %d ordered twice in %v", j, q)
		}
		seen[j] = true
	}
	if len(q) != m.Dim() {
		t.Fatalf("ordering has %d entries, want %d", len(q), m.Dim())
	}
}
