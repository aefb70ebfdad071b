package solver

import (
	"fmt"
	"math"
	"sort"

	"github.com/signalsfoundry/gridsim/mna"
)

// SparseLU is a left-looking sparse LU (Gilbert-Peierls) with threshold
// partial pivoting and diagonal preference.
//
// After factorization P·A·Q = L·U where row i of A becomes pivot step
// pinv[i] and step k eliminates column q[k]. L is unit lower triangular with
// the unit diagonal stored first in each column. U columns are kept sorted by
// row so the diagonal is the last entry.
type SparseLU struct {
	cfg Config

	n          int
	preVersion uint64
	q, qinv    []int
	variable   []mna.Position
	path       []int

	factorized bool
	version    uint64
	pinv       []int
	lp, li     []int
	lx         []float64
	up, ui     []int
	ux         []float64

	x      []float64
	xi     []int
	stack  []int
	pstack []int
	mark   []int
	stamp  int
	sol    []float64
}

// NewSparseLU returns an unprepared sparse solver.
func NewSparseLU(cfg Config) *SparseLU {
	return &SparseLU{cfg: cfg.withDefaults()}
}

// Preprocess validates the structure of m and computes the column ordering.
func (s *SparseLU) Preprocess(m *mna.SparseMatrix, variable []mna.Position) error {
	if err := checkStructure(m); err != nil {
		return err
	}
	n := m.Dim()
	s.n = n
	s.preVersion = m.PatternVersion()
	s.q = columnOrdering(m, s.cfg.Ordering)
	s.qinv = make([]int, n)
	for k, j := range s.q {
		s.qinv[j] = k
	}
	s.variable = append([]mna.Position(nil), variable...)
	s.path = nil
	s.factorized = false

	s.x = make([]float64, n)
	s.xi = make([]int, n)
	s.stack = make([]int, n)
	s.pstack = make([]int, n)
	s.mark = make([]int, n)
	s.stamp = 0
	s.sol = make([]float64, n)
	return nil
}

// Factorize computes L and U from scratch, choosing pivots.
func (s *SparseLU) Factorize(m *mna.SparseMatrix) error {
	if s.q == nil {
		return fmt.Errorf("factorize before preprocess: %w", ErrStaleFactorization)
	}
	if m.Dim() != s.n {
		return fmt.Errorf("matrix is %d, preprocessed for %d: %w", m.Dim(), s.n, ErrDimensionMismatch)
	}
	s.factorized = false
	n := s.n
	if s.pinv == nil {
		s.pinv = make([]int, n)
	}
	pinv := s.pinv
	for i := range pinv {
		pinv[i] = -1
	}
	s.lp = append(s.lp[:0], 0)
	s.up = append(s.up[:0], 0)
	s.li, s.lx = s.li[:0], s.lx[:0]
	s.ui, s.ux = s.ui[:0], s.ux[:0]
	x := s.x

	for k := 0; k < n; k++ {
		col := s.q[k]
		top := s.reach(m, col)
		for p := top; p < n; p++ {
			x[s.xi[p]] = 0
		}
		rows, vals := m.Col(col)
		colMax := 0.0
		for t, i := range rows {
			x[i] = vals[t]
			colMax = math.Max(colMax, math.Abs(vals[t]))
		}

		// x = L \ A(:,col), in topological order of the reach.
		for p := top; p < n; p++ {
			j := s.xi[p]
			J := pinv[j]
			if J < 0 {
				continue
			}
			xj := x[j]
			for t := s.lp[J] + 1; t < s.lp[J+1]; t++ {
				x[s.li[t]] -= s.lx[t] * xj
			}
		}

		ipiv, best := -1, -1.0
		for p := top; p < n; p++ {
			i := s.xi[p]
			if pinv[i] < 0 {
				if a := math.Abs(x[i]); a > best {
					ipiv, best = i, a
				}
			} else {
				s.ui = append(s.ui, pinv[i])
				s.ux = append(s.ux, x[i])
			}
		}
		if ipiv < 0 || best <= s.cfg.SingularTolerance*colMax || math.IsNaN(best) || math.IsInf(best, 0) {
			return &SingularError{Step: k, Column: col, Pivot: best}
		}
		if pinv[col] < 0 && math.Abs(x[col]) >= s.cfg.PivotTolerance*best {
			ipiv = col
		}

		pivot := x[ipiv]
		s.ui = append(s.ui, k)
		s.ux = append(s.ux, pivot)
		s.up = append(s.up, len(s.ui))
		pinv[ipiv] = k

		s.li = append(s.li, ipiv)
		s.lx = append(s.lx, 1)
		for p := top; p < n; p++ {
			i := s.xi[p]
			if pinv[i] < 0 {
				s.li = append(s.li, i)
				s.lx = append(s.lx, x[i]/pivot)
			}
			x[i] = 0
		}
		s.lp = append(s.lp, len(s.li))
	}

	for t, i := range s.li {
		s.li[t] = pinv[i]
	}
	for k := 0; k < n; k++ {
		sortColumn(s.ui[s.up[k]:s.up[k+1]], s.ux[s.up[k]:s.up[k+1]])
	}

	s.version = m.PatternVersion()
	s.factorized = true
	s.path = s.affectedColumns(s.variable)
	return nil
}

// Refactorize recomputes every factor column with the stored pivot order.
func (s *SparseLU) Refactorize(m *mna.SparseMatrix) error {
	if err := s.checkFactorized(m); err != nil {
		return err
	}
	for k := 0; k < s.n; k++ {
		if err := s.refactorColumn(m, k); err != nil {
			s.factorized = false
			return err
		}
	}
	return nil
}

// PartialRefactorize recomputes the factor columns that depend on the given
// positions. Column k is affected when its matrix column changed or when it
// references (through U) an affected column.
func (s *SparseLU) PartialRefactorize(m *mna.SparseMatrix, variable []mna.Position) error {
	if err := s.checkFactorized(m); err != nil {
		return err
	}
	path := s.path
	if !samePositions(variable, s.variable) {
		path = s.affectedColumns(variable)
	}
	for _, k := range path {
		if err := s.refactorColumn(m, k); err != nil {
			s.factorized = false
			return err
		}
	}
	return nil
}

// Path returns the factor steps PartialRefactorize recomputes for the
// positions given to Preprocess.
func (s *SparseLU) Path() []int { return s.path }

// Solve performs the forward and backward substitution.
func (s *SparseLU) Solve(rhs []float64) ([]float64, error) {
	if !s.factorized {
		return nil, fmt.Errorf("solve: %w", ErrStaleFactorization)
	}
	if len(rhs) != s.n {
		return nil, fmt.Errorf("rhs has %d entries, system %d: %w", len(rhs), s.n, ErrDimensionMismatch)
	}
	y := s.x
	for i, b := range rhs {
		y[s.pinv[i]] = b
	}
	for J := 0; J < s.n; J++ {
		yj := y[J]
		for t := s.lp[J] + 1; t < s.lp[J+1]; t++ {
			y[s.li[t]] -= s.lx[t] * yj
		}
	}
	for k := s.n - 1; k >= 0; k-- {
		last := s.up[k+1] - 1
		y[k] /= s.ux[last]
		yk := y[k]
		for p := s.up[k]; p < last; p++ {
			y[s.ui[p]] -= s.ux[p] * yk
		}
	}
	for k, j := range s.q {
		s.sol[j] = y[k]
		y[k] = 0
	}
	return s.sol, nil
}

func (s *SparseLU) checkFactorized(m *mna.SparseMatrix) error {
	if !s.factorized {
		return fmt.Errorf("refactorize without factorization: %w", ErrStaleFactorization)
	}
	if m.Dim() != s.n || m.PatternVersion() != s.version {
		return fmt.Errorf("pattern %d, factorized %d: %w", m.PatternVersion(), s.version, ErrStaleFactorization)
	}
	return nil
}

// refactorColumn recomputes L(:,k) and U(:,k) in place. The dense workspace
// is indexed by pivot step; every entry touched lies in the stored pattern.
func (s *SparseLU) refactorColumn(m *mna.SparseMatrix, k int) error {
	x := s.x
	for p := s.up[k]; p < s.up[k+1]; p++ {
		x[s.ui[p]] = 0
	}
	for p := s.lp[k]; p < s.lp[k+1]; p++ {
		x[s.li[p]] = 0
	}
	rows, vals := m.Col(s.q[k])
	colMax := 0.0
	for t, i := range rows {
		x[s.pinv[i]] += vals[t]
		colMax = math.Max(colMax, math.Abs(vals[t]))
	}

	last := s.up[k+1] - 1
	for p := s.up[k]; p < last; p++ {
		J := s.ui[p]
		xj := x[J]
		s.ux[p] = xj
		x[J] = 0
		for t := s.lp[J] + 1; t < s.lp[J+1]; t++ {
			x[s.li[t]] -= s.lx[t] * xj
		}
	}
	pivot := x[k]
	x[k] = 0
	if a := math.Abs(pivot); a <= s.cfg.SingularTolerance*colMax || math.IsNaN(a) || math.IsInf(a, 0) {
		for p := s.lp[k] + 1; p < s.lp[k+1]; p++ {
			x[s.li[p]] = 0
		}
		return &SingularError{Step: k, Column: s.q[k], Pivot: a, Stored: true}
	}
	s.ux[last] = pivot
	for p := s.lp[k] + 1; p < s.lp[k+1]; p++ {
		i := s.li[p]
		s.lx[p] = x[i] / pivot
		x[i] = 0
	}
	return nil
}

// affectedColumns returns, in ascending order, the factor steps reachable
// from the columns holding the given positions.
func (s *SparseLU) affectedColumns(positions []mna.Position) []int {
	if len(positions) == 0 {
		return nil
	}
	affected := make([]bool, s.n)
	for _, p := range positions {
		if p.Col >= 0 && p.Col < s.n {
			affected[s.qinv[p.Col]] = true
		}
	}
	var path []int
	for k := 0; k < s.n; k++ {
		if !affected[k] {
			for p := s.up[k]; p < s.up[k+1]-1; p++ {
				if affected[s.ui[p]] {
					affected[k] = true
					break
				}
			}
		}
		if affected[k] {
			path = append(path, k)
		}
	}
	return path
}

// reach computes the nonzero pattern of L \ A(:,col) into xi[top:n] in
// topological order.
func (s *SparseLU) reach(m *mna.SparseMatrix, col int) int {
	s.stamp++
	top := s.n
	rows, _ := m.Col(col)
	for _, r := range rows {
		if s.mark[r] != s.stamp {
			top = s.dfs(r, top)
		}
	}
	return top
}

// dfs is an iterative depth-first search over the graph of the partial L,
// whose row indices are still original rows during factorization.
func (s *SparseLU) dfs(j, top int) int {
	head := 0
	s.stack[0] = j
	for head >= 0 {
		j = s.stack[head]
		J := s.pinv[j]
		if s.mark[j] != s.stamp {
			s.mark[j] = s.stamp
			if J >= 0 {
				s.pstack[head] = s.lp[J] + 1
			}
		}
		done := true
		if J >= 0 {
			end := s.lp[J+1]
			for p := s.pstack[head]; p < end; p++ {
				i := s.li[p]
				if s.mark[i] == s.stamp {
					continue
				}
				s.pstack[head] = p + 1
				head++
				s.stack[head] = i
				done = false
				break
			}
		}
		if done {
			head--
			top--
			s.xi[top] = j
		}
	}
	return top
}

type columnEntries struct {
	rows []int
	vals []float64
}

func (c columnEntries) Len() int           { return len(c.rows) }
func (c columnEntries) Less(a, b int) bool { return c.rows[a] < c.rows[b] }
func (c columnEntries) Swap(a, b int) {
	c.rows[a], c.rows[b] = c.rows[b], c.rows[a]
	c.vals[a], c.vals[b] = c.vals[b], c.vals[a]
}

func sortColumn(rows []int, vals []float64) {
	sort.Sort(columnEntries{rows: rows, vals: vals})
}
