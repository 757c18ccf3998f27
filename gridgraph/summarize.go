package gridgraph

import (
	"github.com/pkg/errors"
)

// OneHot returns a vector of width n with a 1 at position i.
func OneHot(i, n int) []float64 {
	v := make([]float64, n)
	if i >= 0 && i < n {
		v[i] = 1
	}
	return v
}

// Concat joins feature vectors.
func Concat(parts ...[]float64) []float64 {
	size := 0
	for _, p := range parts {
		size += len(p)
	}
	out := make([]float64, 0, size)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// Summarize collapses g into one node per group. Node k gets the feature row features[k] and the
// id k. Two groups are linked when at least one line of g joins them; the link carries the mean
// of the features of those lines.
func Summarize(g *Graph, groups [][]int, features [][]float64) (*Graph, error) {
	if len(groups) != len(features) {
		return nil, errors.Errorf("summarize: %d groups but %d feature rows", len(groups), len(features))
	}
	owner := make(map[int]int, g.NumNodes())
	for k, members := range groups {
		for _, id := range members {
			i, ok := g.Index(id)
			if !ok {
				return nil, errors.Errorf("summarize: substation %d of group %d is not in the graph", id, k)
			}
			if prev, dup := owner[i]; dup {
				return nil, errors.Errorf("summarize: substation %d is in groups %d and %d", id, prev, k)
			}
			owner[i] = k
		}
	}

	type link struct{ a, b int }
	width := g.NumEdgeFeatures()
	sums := make(map[link][]float64)
	counts := make(map[link]int)
	order := make([]link, 0)
	for _, e := range g.Edges {
		a, okA := owner[e.From]
		b, okB := owner[e.To]
		if !okA || !okB || a == b {
			continue
		}
		if a > b {
			a, b = b, a
		}
		l := link{a, b}
		if _, seen := sums[l]; !seen {
			sums[l] = make([]float64, width)
			order = append(order, l)
		}
		for j, v := range e.Features {
			sums[l][j] += v
		}
		counts[l]++
	}

	edges := make([]Edge, 0, len(order))
	for _, l := range order {
		mean := sums[l]
		for j := range mean {
			mean[j] /= float64(counts[l])
		}
		edges = append(edges, Edge{From: l.a, To: l.b, Features: mean})
	}
	ids := make([]int, len(groups))
	nodes := make([][]float64, len(groups))
	for k := range groups {
		ids[k] = k
		nodes[k] = append([]float64(nil), features[k]...)
	}
	return New(ids, nodes, edges)
}
