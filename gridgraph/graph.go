// Package gridgraph is the graph representation of a power grid observation: one node per
// substation, one undirected edge per power line, with dense feature rows on both.
package gridgraph

import (
	"fmt"
	"hash/fnv"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/mat"
)

// Edge is an undirected line between two local node indices.
type Edge struct {
	From     int       `json:"from"`
	To       int       `json:"to"`
	Features []float64 `json:"features"`
}

// Graph is an attributed undirected graph. Node i carries the substation id IDs[i].
type Graph struct {
	IDs   []int       `json:"ids"`
	Nodes [][]float64 `json:"nodes"`
	Edges []Edge      `json:"edges"`

	index map[int]int
}

// New builds a graph and checks that feature rows have a consistent width.
func New(ids []int, nodes [][]float64, edges []Edge) (*Graph, error) {
	if len(ids) != len(nodes) {
		return nil, errors.Errorf("graph has %d ids but %d feature rows", len(ids), len(nodes))
	}
	g := &Graph{IDs: ids, Nodes: nodes, Edges: edges}
	g.index = make(map[int]int, len(ids))
	for i, id := range ids {
		if _, dup := g.index[id]; dup {
			return nil, errors.Errorf("duplicate node id %d", id)
		}
		g.index[id] = i
	}
	for i, row := range nodes {
		if len(row) != len(nodes[0]) {
			return nil, errors.Errorf("node %d has %d features, expected %d", ids[i], len(row), len(nodes[0]))
		}
	}
	for i, e := range edges {
		if e.From < 0 || e.From >= len(ids) || e.To < 0 || e.To >= len(ids) {
			return nil, errors.Errorf("edge %d (%d-%d) references a missing node", i, e.From, e.To)
		}
		if len(e.Features) != len(edges[0].Features) {
			return nil, errors.Errorf("edge %d has %d features, expected %d", i, len(e.Features), len(edges[0].Features))
		}
	}
	return g, nil
}

// MustNew is New that panics on error. Intended for tests and fixed topologies.
func MustNew(ids []int, nodes [][]float64, edges []Edge) *Graph {
	g, err := New(ids, nodes, edges)
	if err != nil {
		panic(err)
	}
	return g
}

// NumNodes in the graph.
func (g *Graph) NumNodes() int {
	return len(g.IDs)
}

// NumNodeFeatures is the width of the node feature rows (0 for an empty graph).
func (g *Graph) NumNodeFeatures() int {
	if len(g.Nodes) == 0 {
		return 0
	}
	return len(g.Nodes[0])
}

// NumEdgeFeatures is the width of the edge feature rows (0 without edges).
func (g *Graph) NumEdgeFeatures() int {
	if len(g.Edges) == 0 {
		return 0
	}
	return len(g.Edges[0].Features)
}

// Index returns the local index of substation id.
func (g *Graph) Index(id int) (int, bool) {
	if g.index == nil {
		g.index = make(map[int]int, len(g.IDs))
		for i, nid := range g.IDs {
			g.index[nid] = i
		}
	}
	i, ok := g.index[id]
	return i, ok
}

// Clone returns a deep copy.
func (g *Graph) Clone() *Graph {
	nodes := make([][]float64, len(g.Nodes))
	for i, row := range g.Nodes {
		nodes[i] = append([]float64(nil), row...)
	}
	edges := make([]Edge, len(g.Edges))
	for i, e := range g.Edges {
		edges[i] = Edge{From: e.From, To: e.To, Features: append([]float64(nil), e.Features...)}
	}
	return MustNew(append([]int(nil), g.IDs...), nodes, edges)
}

// Subgraph returns the graph induced by ids, with nodes in the given order.
func (g *Graph) Subgraph(ids []int) (*Graph, error) {
	local := make(map[int]int, len(ids))
	nodes := make([][]float64, len(ids))
	for i, id := range ids {
		j, ok := g.Index(id)
		if !ok {
			return nil, errors.Errorf("substation %d is not in the graph", id)
		}
		local[j] = i
		nodes[i] = append([]float64(nil), g.Nodes[j]...)
	}
	edges := make([]Edge, 0)
	for _, e := range g.Edges {
		from, okFrom := local[e.From]
		to, okTo := local[e.To]
		if okFrom && okTo {
			edges = append(edges, Edge{From: from, To: to, Features: append([]float64(nil), e.Features...)})
		}
	}
	return New(append([]int(nil), ids...), nodes, edges)
}

// WithNodeColumns returns a copy of g with one extra feature column per argument appended to
// every node row. Each column must have one value per node.
func (g *Graph) WithNodeColumns(columns ...[]float64) (*Graph, error) {
	out := g.Clone()
	for c, column := range columns {
		if len(column) != g.NumNodes() {
			return nil, errors.Errorf("column %d has %d values for %d nodes", c, len(column), g.NumNodes())
		}
		for i := range out.Nodes {
			out.Nodes[i] = append(out.Nodes[i], column[i])
		}
	}
	return out, nil
}

// NodeMatrix returns the node features as an n×f matrix, or nil for an empty graph.
func (g *Graph) NodeMatrix() *mat.Dense {
	n, f := g.NumNodes(), g.NumNodeFeatures()
	if n == 0 || f == 0 {
		return nil
	}
	m := mat.NewDense(n, f, nil)
	for i, row := range g.Nodes {
		m.SetRow(i, row)
	}
	return m
}

// Adjacency returns the row-normalized adjacency with self loops, D^-1 (A + I).
// The weight function gives each line's weight; self loops weigh 1.
func (g *Graph) Adjacency(weight func(Edge) float64) *mat.Dense {
	n := g.NumNodes()
	if n == 0 {
		return nil
	}
	a := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		a.Set(i, i, 1)
	}
	for _, e := range g.Edges {
		if e.From == e.To {
			continue
		}
		w := 1.0
		if weight != nil {
			w = weight(e)
		}
		a.Set(e.From, e.To, a.At(e.From, e.To)+w)
		a.Set(e.To, e.From, a.At(e.To, e.From)+w)
	}
	for i := 0; i < n; i++ {
		row := a.RawRowView(i)
		sum := 0.0
		for _, v := range row {
			sum += v
		}
		for j := range row {
			row[j] /= sum
		}
	}
	return a
}

// Neighbors of the node at local index i, sorted and without duplicates.
func (g *Graph) Neighbors(i int) []int {
	seen := make(map[int]bool)
	for _, e := range g.Edges {
		switch i {
		case e.From:
			seen[e.To] = true
		case e.To:
			seen[e.From] = true
		}
	}
	delete(seen, i)
	out := make([]int, 0, len(seen))
	for j := range seen {
		out = append(out, j)
	}
	slices.Sort(out)
	return out
}

// StructureHash identifies the topology (node ids and line endpoints), ignoring features.
func (g *Graph) StructureHash() string {
	pairs := make([][2]int, 0, len(g.Edges))
	for _, e := range g.Edges {
		a, b := g.IDs[e.From], g.IDs[e.To]
		if a > b {
			a, b = b, a
		}
		pairs = append(pairs, [2]int{a, b})
	}
	slices.SortFunc(pairs, func(a, b [2]int) int {
		if a[0] != b[0] {
			return a[0] - b[0]
		}
		return a[1] - b[1]
	})
	ids := append([]int(nil), g.IDs...)
	slices.Sort(ids)
	h := fnv.New64a()
	fmt.Fprint(h, ids, pairs)
	return fmt.Sprintf("%016x", h.Sum64())
}
