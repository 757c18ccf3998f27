package community

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
	gcommunity "gonum.org/v1/gonum/graph/community"
	"gonum.org/v1/gonum/graph/simple"
	"k8s.io/klog/v2"

	"github.com/zeu5/gridpop/gridgraph"
)

// Louvain maximizes modularity over the line graph of the grid. Parallel lines add up their
// weights.
type Louvain struct {
	Resolution float64
	Seed       uint64
}

func weighted(g *gridgraph.Graph) *simple.WeightedUndirectedGraph {
	wg := simple.NewWeightedUndirectedGraph(0, 0)
	for _, id := range g.IDs {
		wg.AddNode(simple.Node(id))
	}
	for _, e := range g.Edges {
		if e.From == e.To {
			continue
		}
		a, b := simple.Node(g.IDs[e.From]), simple.Node(g.IDs[e.To])
		w := 1.0
		if existing := wg.WeightedEdge(a.ID(), b.ID()); existing != nil {
			w += existing.Weight()
		}
		wg.SetWeightedEdge(wg.NewWeightedEdge(a, b, w))
	}
	return wg
}

func (l *Louvain) Partition(ctx context.Context, g *gridgraph.Graph) ([]Community, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "louvain partition")
	}
	if g.NumNodes() == 0 {
		return nil, nil
	}
	resolution := l.Resolution
	if resolution <= 0 {
		resolution = 1
	}
	src := &rand.PCGSource{}
	src.Seed(l.Seed)
	reduced := gcommunity.Modularize(weighted(g), resolution, src)

	groups := reduced.Communities()
	out := make([]Community, 0, len(groups))
	for _, members := range groups {
		c := make(Community, 0, len(members))
		for _, n := range members {
			c = append(c, int(n.ID()))
		}
		out = append(out, c)
	}
	out = Canonicalize(out)
	if err := Validate(out, g.IDs); err != nil {
		return nil, errors.Wrap(err, "louvain partition is not a cover")
	}
	klog.V(1).Infof("louvain: %d substations in %d communities (resolution %.2f)", g.NumNodes(), len(out), resolution)
	return out, nil
}
