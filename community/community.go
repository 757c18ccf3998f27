// Package community splits the grid graph into disjoint groups of substations and keeps the
// mapping from groups to their managers consistent across repartitions.
package community

import (
	"context"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/zeu5/gridpop/config"
	"github.com/zeu5/gridpop/gridgraph"
)

// Community is a sorted set of substation ids.
type Community []int

// NewCommunity returns the canonical form of ids (sorted, without duplicates).
func NewCommunity(ids ...int) Community {
	c := append(Community(nil), ids...)
	slices.Sort(c)
	out := c[:0]
	for i, id := range c {
		if i == 0 || id != c[i-1] {
			out = append(out, id)
		}
	}
	return out
}

// Key identifies the membership of the community.
func (c Community) Key() string {
	parts := make([]string, len(c))
	for i, id := range c {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}

// Contains reports whether id is a member.
func (c Community) Contains(id int) bool {
	_, found := slices.BinarySearch(c, id)
	return found
}

// Partitioner splits a graph into communities. Implementations must be deterministic for a
// fixed configuration and topology.
type Partitioner interface {
	Partition(ctx context.Context, g *gridgraph.Graph) ([]Community, error)
}

// New returns the partitioner configured by cfg.
func New(cfg config.Partition, seed uint64) (Partitioner, error) {
	switch cfg.Method {
	case config.PartitionLouvain, "":
		return &Louvain{Resolution: cfg.Resolution, Seed: seed}, nil
	case config.PartitionLabelPropagation:
		return &LabelPropagation{MaxIterations: cfg.MaxIterations, Seed: seed}, nil
	}
	return nil, errors.Errorf("unknown partition method %q", cfg.Method)
}

// Canonicalize sorts members, drops empty communities and orders communities by their smallest
// member.
func Canonicalize(communities []Community) []Community {
	out := make([]Community, 0, len(communities))
	for _, c := range communities {
		if len(c) == 0 {
			continue
		}
		out = append(out, NewCommunity(c...))
	}
	slices.SortFunc(out, func(a, b Community) int { return a[0] - b[0] })
	return out
}

// Validate checks that communities form a disjoint cover of ids without empty members.
func Validate(communities []Community, ids []int) error {
	owner := make(map[int]int, len(ids))
	for k, c := range communities {
		if len(c) == 0 {
			return errors.Errorf("community %d is empty", k)
		}
		for _, id := range c {
			if prev, dup := owner[id]; dup {
				return errors.Errorf("substation %d belongs to communities %d and %d", id, prev, k)
			}
			owner[id] = k
		}
	}
	for _, id := range ids {
		if _, ok := owner[id]; !ok {
			return errors.Errorf("substation %d is not covered by any community", id)
		}
	}
	if len(owner) != len(ids) {
		return errors.Errorf("communities cover %d substations, the graph has %d", len(owner), len(ids))
	}
	return nil
}

// Owners maps every substation id to the index of its community.
func Owners(communities []Community) map[int]int {
	out := make(map[int]int)
	for k, c := range communities {
		for _, id := range c {
			out[id] = k
		}
	}
	return out
}

// Static always returns the same communities. Useful for fixed decompositions and tests.
type Static struct {
	Communities []Community
}

func (s *Static) Partition(ctx context.Context, g *gridgraph.Graph) ([]Community, error) {
	out := Canonicalize(s.Communities)
	if err := Validate(out, g.IDs); err != nil {
		return nil, errors.Wrap(err, "static partition does not fit the graph")
	}
	return out, nil
}
