// Package solver provides direct sparse linear solvers for the MNA system.
//
// Every backend follows the same life cycle: Preprocess once per sparsity
// pattern, Factorize, then per step either Refactorize (same pattern, reuse
// pivots), PartialRefactorize (only the factor columns reachable from known
// variable positions) or nothing, followed by Solve.
package solver

import (
	"errors"
	"fmt"

	"github.com/signalsfoundry/gridsim/mna"
)

var (
	// ErrStructurallySingular indicates a matrix whose pattern admits no
	// non-singular assignment of values (empty row/column, no full transversal).
	ErrStructurallySingular = errors.New("solver: matrix is structurally singular")
	// ErrNumericallySingular indicates a zero or vanishing pivot.
	ErrNumericallySingular = errors.New("solver: matrix is numerically singular")
	// ErrStaleFactorization indicates a call that needs a factorization of the
	// current pattern that does not exist.
	ErrStaleFactorization = errors.New("solver: factorization is stale or missing")
	// ErrDimensionMismatch indicates operands of different size.
	ErrDimensionMismatch = errors.New("solver: dimension mismatch")

	errStoredPivot = errors.New("solver: stored pivot order failed")
)

// DirectLinearSolver is the contract every backend satisfies.
type DirectLinearSolver interface {
	// Preprocess computes a fill-reducing ordering for the pattern of m and
	// records the variable positions.
	Preprocess(m *mna.SparseMatrix, variable []mna.Position) error
	// Factorize performs a full numeric factorization with partial pivoting.
	Factorize(m *mna.SparseMatrix) error
	// Refactorize recomputes all factor values with the previous pivot
	// sequence. The pattern must be unchanged. A pivot that vanishes under
	// the new values fails with an error for which IsPivotFault holds.
	Refactorize(m *mna.SparseMatrix) error
	// PartialRefactorize recomputes the factor columns affected by the given
	// positions. No other entry may have changed since the last
	// (re)factorization.
	PartialRefactorize(m *mna.SparseMatrix, variable []mna.Position) error
	// Solve returns x with A·x = rhs. The returned slice is owned by the
	// solver and valid until the next call to Solve.
	Solve(rhs []float64) ([]float64, error)
}

// Backend selects a solver implementation.
type Backend string

const (
	// BackendSparseLU is the native left-looking sparse LU.
	BackendSparseLU Backend = "sparselu"
	// BackendDense is a dense LU backed by gonum. It has no cheap
	// refactorization; every update is a full factorization.
	BackendDense Backend = "dense"
	// BackendSparse13 wraps the Sparse 1.3 port. Refactorization reuses the
	// library's pivot order; Factorize reorders from scratch.
	BackendSparse13 Backend = "sparse13"
)

// Ordering selects the fill-reducing column ordering.
type Ordering string

const (
	OrderingMinDegree Ordering = "mindegree"
	OrderingNatural   Ordering = "natural"
)

// Config tunes a solver.
type Config struct {
	Backend  Backend
	Ordering Ordering
	// PivotTolerance is the diagonal preference threshold: a diagonal entry is
	// kept as pivot while |a_kk| >= PivotTolerance·max|a_ik|.
	PivotTolerance float64
	// SingularTolerance is the smallest acceptable pivot magnitude relative to
	// the largest entry of its column.
	SingularTolerance float64
}

// DefaultConfig returns the defaults used when fields are left zero.
func DefaultConfig() Config {
	return Config{
		Backend:           BackendSparseLU,
		Ordering:          OrderingMinDegree,
		PivotTolerance:    1e-3,
		SingularTolerance: 1e-13,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Backend == "" {
		c.Backend = d.Backend
	}
	if c.Ordering == "" {
		c.Ordering = d.Ordering
	}
	if c.PivotTolerance <= 0 || c.PivotTolerance > 1 {
		c.PivotTolerance = d.PivotTolerance
	}
	if c.SingularTolerance <= 0 {
		c.SingularTolerance = d.SingularTolerance
	}
	return c
}

// New constructs the backend named in cfg.
func New(cfg Config) (DirectLinearSolver, error) {
	cfg = cfg.withDefaults()
	switch cfg.Ordering {
	case OrderingMinDegree, OrderingNatural:
	default:
		return nil, fmt.Errorf("solver: unknown ordering %q", cfg.Ordering)
	}
	switch cfg.Backend {
	case BackendSparseLU:
		return NewSparseLU(cfg), nil
	case BackendDense:
		return NewDenseLU(cfg), nil
	case BackendSparse13:
		return NewSparse13(cfg), nil
	default:
		return nil, fmt.Errorf("solver: unknown backend %q", cfg.Backend)
	}
}

// SingularError carries the factorization step and matrix column that failed.
// Stored is set when the pivot came from a previous factorization's pivot
// sequence; the matrix itself may still be non-singular.
type SingularError struct {
	Step   int
	Column int
	Pivot  float64
	Stored bool
}

func (e *SingularError) Error() string {
	what := "pivot"
	if e.Stored {
		what = "stored pivot"
	}
	return fmt.Sprintf("solver: %s %g at step %d (column %d): matrix is numerically singular", what, e.Pivot, e.Step, e.Column)
}

func (e *SingularError) Is(target error) bool { return target == ErrNumericallySingular }

// IsPivotFault reports whether err is a vanishing stored pivot found by
// Refactorize or PartialRefactorize. Factorize chooses new pivots and may
// succeed on the same matrix.
func IsPivotFault(err error) bool {
	var se *SingularError
	if errors.As(err, &se) && se.Stored {
		return true
	}
	return errors.Is(err, errStoredPivot)
}

// checkStructure rejects empty matrices, empty rows or columns, and patterns
// without a full transversal.
func checkStructure(m *mna.SparseMatrix) error {
	n := m.Dim()
	if n == 0 {
		return fmt.Errorf("empty system: %w", ErrStructurallySingular)
	}
	rowSeen := make([]bool, n)
	for j := 0; j < n; j++ {
		rows, _ := m.Col(j)
		if len(rows) == 0 {
			return fmt.Errorf("column %d is empty: %w", j, ErrStructurallySingular)
		}
		for _, i := range rows {
			rowSeen[i] = true
		}
	}
	for i, ok := range rowSeen {
		if !ok {
			return fmt.Errorf("row %d is empty: %w", i, ErrStructurallySingular)
		}
	}
	if r := structuralRank(m); r < n {
		return fmt.Errorf("structural rank %d < %d: %w", r, n, ErrStructurallySingular)
	}
	return nil
}

// structuralRank returns the size of a maximum row/column matching.
func structuralRank(m *mna.SparseMatrix) int {
	n := m.Dim()
	matchRow := make([]int, n) // row -> column
	for i := range matchRow {
		matchRow[i] = -1
	}
	visited := make([]int, n)
	var augment func(j, stamp int) bool
	augment = func(j, stamp int) bool {
		rows, _ := m.Col(j)
		for _, i := range rows {
			if visited[i] == stamp {
				continue
			}
			visited[i] = stamp
			if matchRow[i] < 0 || augment(matchRow[i], stamp) {
				matchRow[i] = j
				return true
			}
		}
		return false
	}
	rank := 0
	for j := 0; j < n; j++ {
		if augment(j, j+1) {
			rank++
		}
	}
	return rank
}

func samePositions(a, b []mna.Position) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
