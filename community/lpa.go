package community

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
	"golang.org/x/exp/slices"
	"k8s.io/klog/v2"

	"github.com/zeu5/gridpop/gridgraph"
)

const (
	// DefaultMaxIterations bounds label propagation when nothing else is configured
	DefaultMaxIterations = 100

	// MaxIterationsLimit is the maximum allowed iteration count
	MaxIterationsLimit = 10000
)

// LabelPropagation is asynchronous label propagation with a seeded visiting order.
// Vote ties go to the smallest label.
type LabelPropagation struct {
	MaxIterations int
	Seed          uint64
}

func (p *LabelPropagation) iterations() int {
	switch {
	case p.MaxIterations <= 0:
		return DefaultMaxIterations
	case p.MaxIterations > MaxIterationsLimit:
		return MaxIterationsLimit
	}
	return p.MaxIterations
}

func (p *LabelPropagation) Partition(ctx context.Context, g *gridgraph.Graph) ([]Community, error) {
	n := g.NumNodes()
	if n == 0 {
		return nil, nil
	}
	// weights[i][j] is the number of lines between local nodes i and j
	weights := make([]map[int]float64, n)
	for i := range weights {
		weights[i] = make(map[int]float64)
	}
	for _, e := range g.Edges {
		if e.From == e.To {
			continue
		}
		weights[e.From][e.To]++
		weights[e.To][e.From]++
	}

	labels := make([]int, n)
	for i := range labels {
		labels[i] = i
	}
	rng := rand.New(rand.NewSource(p.Seed))
	iter := 0
	for ; iter < p.iterations(); iter++ {
		select {
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "label propagation")
		default:
		}

		changed := false
		for _, i := range rng.Perm(n) {
			if len(weights[i]) == 0 {
				// isolated node keeps its own label
				continue
			}
			votes := make(map[int]float64)
			for j, w := range weights[i] {
				votes[labels[j]] += w
			}
			best, bestVotes := labels[i], votes[labels[i]]
			for label, v := range votes {
				if v > bestVotes || (v == bestVotes && label < best) {
					best, bestVotes = label, v
				}
			}
			if best != labels[i] {
				labels[i] = best
				changed = true
			}
		}
		if !changed {
			break
		}
	}

	groups := make(map[int]Community)
	for i, label := range labels {
		groups[label] = append(groups[label], g.IDs[i])
	}
	keys := make([]int, 0, len(groups))
	for label := range groups {
		keys = append(keys, label)
	}
	slices.Sort(keys)
	out := make([]Community, 0, len(groups))
	for _, label := range keys {
		out = append(out, groups[label])
	}
	out = Canonicalize(out)
	klog.V(1).Infof("label propagation: %d communities after %d iterations", len(out), iter+1)
	return out, nil
}
