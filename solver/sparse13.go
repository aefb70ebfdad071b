package solver

import (
	"fmt"

	"github.com/edp1096/sparse"

	"github.com/signalsfoundry/gridsim/mna"
)

// Sparse13 drives the Sparse 1.3 port. Factorize builds a fresh matrix so the
// library chooses a new pivot order; Refactorize and PartialRefactorize clear
// and reload the values and factor with the stored order.
type Sparse13 struct {
	cfg Config

	n          int
	prepared   bool
	factorized bool
	version    uint64

	a   *sparse.Matrix
	b   []float64
	sol []float64
}

// NewSparse13 returns an unprepared Sparse 1.3 solver.
func NewSparse13(cfg Config) *Sparse13 {
	return &Sparse13{cfg: cfg.withDefaults()}
}

func sparse13Config() *sparse.Configuration {
	return &sparse.Configuration{
		Real:           true,
		Expandable:     true,
		ModifiedNodal:  true,
		TiesMultiplier: 5,
		PrinterWidth:   140,
	}
}

func (s *Sparse13) Preprocess(m *mna.SparseMatrix, _ []mna.Position) error {
	if err := checkStructure(m); err != nil {
		return err
	}
	s.release()
	s.n = m.Dim()
	s.b = make([]float64, s.n+1)
	s.sol = make([]float64, s.n)
	s.prepared = true
	return nil
}

func (s *Sparse13) Factorize(m *mna.SparseMatrix) error {
	if !s.prepared {
		return fmt.Errorf("factorize before preprocess: %w", ErrStaleFactorization)
	}
	if m.Dim() != s.n {
		return fmt.Errorf("matrix is %d, preprocessed for %d: %w", m.Dim(), s.n, ErrDimensionMismatch)
	}
	s.release()
	a, err := sparse.Create(int64(s.n), sparse13Config())
	if err != nil {
		return fmt.Errorf("sparse13 create: %w", err)
	}
	s.a = a
	s.load(m)
	if err := s.a.Factor(); err != nil {
		return fmt.Errorf("sparse13 factor: %v: %w", err, ErrNumericallySingular)
	}
	s.version = m.PatternVersion()
	s.factorized = true
	return nil
}

func (s *Sparse13) Refactorize(m *mna.SparseMatrix) error {
	if !s.factorized || m.PatternVersion() != s.version {
		return fmt.Errorf("refactorize: %w", ErrStaleFactorization)
	}
	s.factorized = false
	s.a.Clear()
	s.load(m)
	if err := s.a.Factor(); err != nil {
		return fmt.Errorf("sparse13 refactor: %w: %w: %v", errStoredPivot, ErrNumericallySingular, err)
	}
	s.factorized = true
	return nil
}

func (s *Sparse13) PartialRefactorize(m *mna.SparseMatrix, _ []mna.Position) error {
	return s.Refactorize(m)
}

func (s *Sparse13) Solve(rhs []float64) ([]float64, error) {
	if !s.factorized {
		return nil, fmt.Errorf("solve: %w", ErrStaleFactorization)
	}
	if len(rhs) != s.n {
		return nil, fmt.Errorf("rhs has %d entries, system %d: %w", len(rhs), s.n, ErrDimensionMismatch)
	}
	s.b[0] = 0
	copy(s.b[1:], rhs)
	x, err := s.a.Solve(s.b)
	if err != nil {
		return nil, fmt.Errorf("sparse13 solve: %w", err)
	}
	copy(s.sol, x[1:])
	return s.sol, nil
}

// load adds every pattern entry, zeros included, so the library's element
// set matches the pattern. Indices are 1-based.
func (s *Sparse13) load(m *mna.SparseMatrix) {
	for j := 0; j < s.n; j++ {
		rows, vals := m.Col(j)
		for t, i := range rows {
			s.a.GetElement(int64(i+1), int64(j+1)).Real += vals[t]
		}
	}
}

func (s *Sparse13) release() {
	if s.a != nil {
		s.a.Destroy()
		s.a = nil
	}
	s.factorized = false
}
