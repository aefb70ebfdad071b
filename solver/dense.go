package solver

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/signalsfoundry/gridsim/mna"
)

// DenseLU factors a dense copy of the matrix with gonum. Refactorize and
// PartialRefactorize perform a full factorization after validating the
// pattern. Intended for small systems and for cross-checking SparseLU.
type DenseLU struct {
	cfg Config

	n          int
	prepared   bool
	factorized bool
	version    uint64

	a   *mat.Dense
	lu  mat.LU
	b   *mat.VecDense
	x   *mat.VecDense
	sol []float64
}

// NewDenseLU returns an unprepared dense solver.
func NewDenseLU(cfg Config) *DenseLU {
	return &DenseLU{cfg: cfg.withDefaults()}
}

func (d *DenseLU) Preprocess(m *mna.SparseMatrix, _ []mna.Position) error {
	if err := checkStructure(m); err != nil {
		return err
	}
	d.n = m.Dim()
	d.a = mat.NewDense(d.n, d.n, nil)
	d.b = mat.NewVecDense(d.n, nil)
	d.x = mat.NewVecDense(d.n, nil)
	d.sol = make([]float64, d.n)
	d.prepared = true
	d.factorized = false
	return nil
}

func (d *DenseLU) Factorize(m *mna.SparseMatrix) error {
	if !d.prepared {
		return fmt.Errorf("factorize before preprocess: %w", ErrStaleFactorization)
	}
	if m.Dim() != d.n {
		return fmt.Errorf("matrix is %d, preprocessed for %d: %w", m.Dim(), d.n, ErrDimensionMismatch)
	}
	d.factorized = false
	d.a.Zero()
	for j := 0; j < d.n; j++ {
		rows, vals := m.Col(j)
		for t, i := range rows {
			d.a.Set(i, j, vals[t])
		}
	}
	d.lu.Factorize(d.a)
	if c := d.lu.Cond(); math.IsInf(c, 1) || math.IsNaN(c) || c > mat.ConditionTolerance {
		return fmt.Errorf("condition number %g: %w", c, ErrNumericallySingular)
	}
	d.version = m.PatternVersion()
	d.factorized = true
	return nil
}

func (d *DenseLU) Refactorize(m *mna.SparseMatrix) error {
	if !d.factorized || m.PatternVersion() != d.version {
		return fmt.Errorf("refactorize: %w", ErrStaleFactorization)
	}
	return d.Factorize(m)
}

func (d *DenseLU) PartialRefactorize(m *mna.SparseMatrix, _ []mna.Position) error {
	return d.Refactorize(m)
}

func (d *DenseLU) Solve(rhs []float64) ([]float64, error) {
	if !d.factorized {
		return nil, fmt.Errorf("solve: %w", ErrStaleFactorization)
	}
	if len(rhs) != d.n {
		return nil, fmt.Errorf("rhs has %d entries, system %d: %w", len(rhs), d.n, ErrDimensionMismatch)
	}
	for i, v := range rhs {
		d.b.SetVec(i, v)
	}
	if err := d.lu.SolveVecTo(d.x, false, d.b); err != nil {
		var cond mat.Condition
		if errors.As(err, &cond) {
			return nil, fmt.Errorf("solve: %v: %w", err, ErrNumericallySingular)
		}
		return nil, err
	}
	for i := range d.sol {
		d.sol[i] = d.x.AtVec(i)
	}
	return d.sol, nil
}
