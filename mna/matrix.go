package mna

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
)

// Position addresses one entry of the system matrix.
type Position struct {
	Row int
	Col int
}

func (p Position) String() string { return fmt.Sprintf("(%d,%d)", p.Row, p.Col) }

// SortPositions orders positions by column, then row.
func SortPositions(ps []Position) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].Col != ps[j].Col {
			return ps[i].Col < ps[j].Col
		}
		return ps[i].Row < ps[j].Row
	})
}

var patternSeq atomic.Uint64

// SparseMatrix is a square matrix in compressed sparse column form. Its
// pattern is fixed at construction; only values change afterwards.
type SparseMatrix struct {
	n       int
	colPtr  []int
	rowIdx  []int
	values  []float64
	pattern uint64
}

// NewSparseMatrix builds an n×n matrix whose pattern is exactly the keys of
// entries. Entries outside the dimension are rejected.
func NewSparseMatrix(n int, entries map[Position]float64) (*SparseMatrix, error) {
	if n < 0 {
		return nil, fmt.Errorf("sparse matrix: negative dimension %d", n)
	}
	positions := make([]Position, 0, len(entries))
	for p := range entries {
		if p.Row < 0 || p.Row >= n || p.Col < 0 || p.Col >= n {
			return nil, fmt.Errorf("sparse matrix: entry %s outside %dx%d: %w", p, n, n, ErrUnknownNode)
		}
		positions = append(positions, p)
	}
	SortPositions(positions)

	m := &SparseMatrix{
		n:       n,
		colPtr:  make([]int, n+1),
		rowIdx:  make([]int, len(positions)),
		values:  make([]float64, len(positions)),
		pattern: patternSeq.Add(1),
	}
	for k, p := range positions {
		m.colPtr[p.Col+1]++
		m.rowIdx[k] = p.Row
		m.values[k] = entries[p]
	}
	for j := 0; j < n; j++ {
		m.colPtr[j+1] += m.colPtr[j]
	}
	return m, nil
}

// Dim returns the matrix dimension.
func (m *SparseMatrix) Dim() int { return m.n }

// NNZ returns the number of structurally non-zero entries.
func (m *SparseMatrix) NNZ() int { return len(m.values) }

// PatternVersion identifies the sparsity pattern. Clones share it; any newly
// built matrix gets a fresh one.
func (m *SparseMatrix) PatternVersion() uint64 { return m.pattern }

// Index returns the storage slot of (row, col) if it is in the pattern.
func (m *SparseMatrix) Index(row, col int) (int, bool) {
	if col < 0 || col >= m.n {
		return 0, false
	}
	lo, hi := m.colPtr[col], m.colPtr[col+1]
	k := lo + sort.SearchInts(m.rowIdx[lo:hi], row)
	if k < hi && m.rowIdx[k] == row {
		return k, true
	}
	return 0, false
}

// At returns the value at (row, col), zero outside the pattern.
func (m *SparseMatrix) At(row, col int) float64 {
	if k, ok := m.Index(row, col); ok {
		return m.values[k]
	}
	return 0
}

// Col returns the row indices and values of column j. The slices alias the
// matrix storage.
func (m *SparseMatrix) Col(j int) ([]int, []float64) {
	lo, hi := m.colPtr[j], m.colPtr[j+1]
	return m.rowIdx[lo:hi], m.values[lo:hi]
}

// Values exposes the value storage in pattern order.
func (m *SparseMatrix) Values() []float64 { return m.values }

// PositionAt returns the matrix position of storage slot k.
func (m *SparseMatrix) PositionAt(k int) Position {
	col := sort.Search(m.n, func(j int) bool { return m.colPtr[j+1] > k })
	return Position{Row: m.rowIdx[k], Col: col}
}

// Clone copies values and shares the pattern.
func (m *SparseMatrix) Clone() *SparseMatrix {
	c := *m
	c.values = append([]float64(nil), m.values...)
	return &c
}

// MulVec computes m·x.
func (m *SparseMatrix) MulVec(x []float64) []float64 {
	y := make([]float64, m.n)
	for j := 0; j < m.n; j++ {
		xj := x[j]
		for k := m.colPtr[j]; k < m.colPtr[j+1]; k++ {
			y[m.rowIdx[k]] += m.values[k] * xj
		}
	}
	return y
}

// Dense returns the matrix as a row-major dense slice.
func (m *SparseMatrix) Dense() []float64 {
	d := make([]float64, m.n*m.n)
	for j := 0; j < m.n; j++ {
		for k := m.colPtr[j]; k < m.colPtr[j+1]; k++ {
			d[m.rowIdx[k]*m.n+j] = m.values[k]
		}
	}
	return d
}

// String prints the matrix densely, mostly for debug logs of small systems.
func (m *SparseMatrix) String() string {
	var sb strings.Builder
	d := m.Dense()
	for i := 0; i < m.n; i++ {
		for j := 0; j < m.n; j++ {
			if j > 0 {
				sb.WriteByte(' ')
			}
			fmt.Fprintf(&sb, "%10.4g", d[i*m.n+j])
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
