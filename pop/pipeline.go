package pop

import (
	"context"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/zeu5/gridpop/actor"
	"github.com/zeu5/gridpop/community"
	"github.com/zeu5/gridpop/gridgraph"
	"github.com/zeu5/gridpop/types"
)

var (
	// ErrUnknownOwner is returned when a substation resolves to no community of the active partition.
	ErrUnknownOwner = errors.New("substation has no owning community")
	// ErrMissingProposal is returned when a manager picks a substation that made no proposal.
	ErrMissingProposal = errors.New("substation made no proposal")
)

// decision is everything one pass of the pipeline computed for one observation.
type decision struct {
	graph       *gridgraph.Graph
	communities []community.Community

	// substation level, by substation id
	local     map[int]*gridgraph.Graph
	masks     map[int][]int
	proposals map[int]int
	explored  map[int]bool
	encoded   map[int]types.EncodedAction

	// community level, by community index
	annotated   []*gridgraph.Graph
	memberMasks [][]int
	choices     []int // substation id picked by each manager
	embeddings  [][]float64

	// head level
	summary *gridgraph.Graph
	head    int
	action  types.EncodedAction
	native  types.TopologyAction
}

// Decision is the exported summary of the last decision.
type Decision struct {
	Communities [][]int              `json:"communities"`
	Proposals   map[int]int          `json:"proposals"`
	Choices     []int                `json:"choices"`
	Community   int                  `json:"community"`
	Action      types.EncodedAction  `json:"action"`
	Native      types.TopologyAction `json:"native"`
	Explored    map[int]bool         `json:"explored,omitempty"`
}

func (p *POP) setLast(d *decision) {
	out := &Decision{
		Communities: make([][]int, len(d.communities)),
		Proposals:   make(map[int]int, len(d.proposals)),
		Choices:     append([]int(nil), d.choices...),
		Community:   d.head,
		Action:      d.action,
		Native:      d.native,
		Explored:    make(map[int]bool),
	}
	for k, c := range d.communities {
		out.Communities[k] = append([]int(nil), c...)
	}
	for sub, a := range d.proposals {
		out.Proposals[sub] = a
		if d.explored[sub] {
			out.Explored[sub] = true
		}
	}
	p.mux.Lock()
	p.last = out
	p.mux.Unlock()
}

// LastDecision returns the summary of the most recent Act, nil before the first one.
func (p *POP) LastDecision() *Decision {
	p.mux.RLock()
	defer p.mux.RUnlock()
	return p.last
}

// localGraph is the neighbourhood of sub with a column marking sub itself.
func localGraph(g *gridgraph.Graph, sub int) (*gridgraph.Graph, error) {
	i, _ := g.Index(sub)
	ids := []int{sub}
	for _, j := range g.Neighbors(i) {
		ids = append(ids, g.IDs[j])
	}
	sg, err := g.Subgraph(ids)
	if err != nil {
		return nil, err
	}
	self := make([]float64, len(ids))
	self[0] = 1
	return sg.WithNodeColumns(self)
}

// normalize maps an encoded action into [0, 1].
func (p *POP) normalize(e types.EncodedAction) float64 {
	if p.space.Size() <= 1 {
		return 0
	}
	return float64(e) / float64(p.space.Size()-1)
}

func (p *POP) fail(err error, format string, args ...any) error {
	err = errors.Wrapf(err, format, args...)
	klog.Errorf("%s: %v", p.cfg.Name, err)
	return err
}

// decide runs the pipeline on obs. Without exploration no agent touches its random source.
func (p *POP) decide(ctx context.Context, obs *types.Observation, explore bool) (*decision, error) {
	g := obs.Graph
	d := &decision{
		graph:       g,
		communities: p.communities,
		local:       make(map[int]*gridgraph.Graph, len(p.substations)),
		masks:       make(map[int][]int, len(p.substations)),
		proposals:   make(map[int]int, len(p.substations)),
		explored:    make(map[int]bool),
		encoded:     make(map[int]types.EncodedAction, len(p.substations)),
	}
	for _, id := range g.IDs {
		if _, ok := p.owners[id]; !ok {
			return nil, p.fail(ErrUnknownOwner, "substation %d", id)
		}
	}

	// substation agents propose
	for _, sub := range p.substations {
		lg, err := localGraph(g, sub)
		if err != nil {
			return nil, errors.Wrapf(err, "local graph of substation %d", sub)
		}
		d.local[sub] = lg
		d.masks[sub] = obs.Legal[sub]
	}
	proposals, err := p.propose(ctx, explore, p.substations, func(sub int) remote { return p.agents[sub] },
		func(sub int) (*gridgraph.Graph, []int) { return d.local[sub], d.masks[sub] })
	if err != nil {
		return nil, errors.Wrap(err, "substation proposals")
	}
	for i, sub := range p.substations {
		d.proposals[sub] = proposals[i].Action
		d.explored[sub] = proposals[i].Explored
		enc, err := p.space.Encode(sub, proposals[i].Action)
		if err != nil {
			return nil, errors.Wrapf(err, "encoding the proposal of substation %d", sub)
		}
		d.encoded[sub] = enc
	}

	// managers pick one proposal per community
	keys := make([]int, len(d.communities))
	d.annotated = make([]*gridgraph.Graph, len(d.communities))
	d.memberMasks = make([][]int, len(d.communities))
	for k, c := range d.communities {
		keys[k] = k
		sg, err := g.Subgraph(c)
		if err != nil {
			return nil, errors.Wrapf(err, "subgraph of community %s", c.Key())
		}
		column := make([]float64, len(c))
		mask := make([]int, len(c))
		for i, sub := range c {
			column[i] = p.normalize(d.encoded[sub])
			mask[i] = p.index[sub]
		}
		if d.annotated[k], err = sg.WithNodeColumns(column); err != nil {
			return nil, err
		}
		d.memberMasks[k] = mask
	}
	managerOf := func(k int) remote { return p.managers[d.communities[k].Key()] }
	choices, err := p.propose(ctx, explore, keys, managerOf,
		func(k int) (*gridgraph.Graph, []int) { return d.annotated[k], d.memberMasks[k] })
	if err != nil {
		return nil, errors.Wrap(err, "manager choices")
	}
	embeddings := make([]*actor.Future[[]float64], len(d.communities))
	for k := range d.communities {
		embeddings[k] = managerOf(k).embedding(d.annotated[k])
	}
	if d.embeddings, err = actor.Gather(ctx, embeddings); err != nil {
		return nil, errors.Wrap(err, "community embeddings")
	}

	// summarize, one node per community
	d.choices = make([]int, len(d.communities))
	rows := make([][]float64, len(d.communities))
	groups := make([][]int, len(d.communities))
	for k, c := range d.communities {
		idx := choices[k].Action
		if idx < 0 || idx >= len(p.substations) {
			return nil, p.fail(ErrUnknownOwner, "manager of community %s picked action %d", c.Key(), idx)
		}
		sub := p.substations[idx]
		if owner, ok := p.owners[sub]; !ok || owner != k {
			return nil, p.fail(ErrUnknownOwner, "manager of community %s picked substation %d", c.Key(), sub)
		}
		enc, ok := d.encoded[sub]
		if !ok {
			return nil, p.fail(ErrMissingProposal, "substation %d picked by community %s", sub, c.Key())
		}
		d.choices[k] = sub
		rows[k] = gridgraph.Concat(d.embeddings[k], gridgraph.OneHot(k, len(p.substations)), []float64{p.normalize(enc)})
		groups[k] = c
	}
	if d.summary, err = gridgraph.Summarize(g, groups, rows); err != nil {
		return nil, err
	}

	// the head manager picks the community whose choice is enacted
	mask := allNodes(len(d.communities))
	var head int
	if explore {
		pr, err := p.head.takeAction(d.summary, mask).Get(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "head manager")
		}
		head = pr.Action
	} else if head, err = p.head.evaluate(d.summary, mask).Get(ctx); err != nil {
		return nil, errors.Wrap(err, "head manager")
	}
	if head < 0 || head >= len(d.communities) {
		return nil, p.fail(ErrUnknownOwner, "head manager picked node %d of %d", head, len(d.communities))
	}
	d.head = head
	d.action = d.encoded[d.choices[head]]
	if d.native, err = p.space.Decode(d.action); err != nil {
		return nil, errors.Wrapf(err, "decoding action %d", d.action)
	}
	klog.V(2).Infof("%s: choices %v, head picked community %d, action %d %+v", p.cfg.Name, d.choices, head, d.action, d.native)
	return d, nil
}

// propose dispatches one selection per key to the actor of that key and gathers them all.
func (p *POP) propose(ctx context.Context, explore bool, keys []int, ref func(int) remote, input func(int) (*gridgraph.Graph, []int)) ([]proposal, error) {
	if explore {
		futures := make([]*actor.Future[proposal], len(keys))
		for i, key := range keys {
			g, mask := input(key)
			futures[i] = ref(key).takeAction(g, mask)
		}
		return actor.Gather(ctx, futures)
	}
	futures := make([]*actor.Future[int], len(keys))
	for i, key := range keys {
		g, mask := input(key)
		futures[i] = ref(key).evaluate(g, mask)
	}
	actions, err := actor.Gather(ctx, futures)
	if err != nil {
		return nil, err
	}
	out := make([]proposal, len(actions))
	for i, a := range actions {
		out[i] = proposal{Action: a}
	}
	return out, nil
}
