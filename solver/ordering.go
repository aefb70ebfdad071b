package solver

import (
	"sort"

	"github.com/signalsfoundry/gridsim/mna"
)

// columnOrdering returns q with q[k] = the column eliminated at step k.
func columnOrdering(m *mna.SparseMatrix, ordering Ordering) []int {
	if ordering == OrderingNatural {
		q := make([]int, m.Dim())
		for k := range q {
			q[k] = k
		}
		return q
	}
	return minimumDegree(m)
}

// minimumDegree runs a greedy minimum-degree elimination on the pattern of
// A+Aᵀ. Ties go to the lowest index so the ordering is deterministic.
func minimumDegree(m *mna.SparseMatrix) []int {
	n := m.Dim()
	adj := make([]map[int]struct{}, n)
	for i := range adj {
		adj[i] = make(map[int]struct{})
	}
	for j := 0; j < n; j++ {
		rows, _ := m.Col(j)
		for _, i := range rows {
			if i == j {
				continue
			}
			adj[i][j] = struct{}{}
			adj[j][i] = struct{}{}
		}
	}

	eliminated := make([]bool, n)
	order := make([]int, 0, n)
	nbrs := make([]int, 0, n)
	for step := 0; step < n; step++ {
		v, best := -1, n+1
		for i := 0; i < n; i++ {
			if !eliminated[i] && len(adj[i]) < best {
				v, best = i, len(adj[i])
			}
		}
		eliminated[v] = true
		order = append(order, v)

		nbrs = nbrs[:0]
		for a := range adj[v] {
			nbrs = append(nbrs, a)
		}
		sort.Ints(nbrs)
		for _, a := range nbrs {
			delete(adj[a], v)
			for _, b := range nbrs {
				if a != b {
					adj[a][b] = struct{}{}
				}
			}
		}
		adj[v] = nil
	}
	return order
}
