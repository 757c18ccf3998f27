// Package pop is the orchestrator of the hierarchical controller. It owns the community partition
// of the grid, one substation agent per substation, one manager per community and the head
// manager, and drives the per step pipeline: substation agents propose, managers pick one proposal
// per community, the head manager picks the community whose choice is applied. After the
// environment step every level trains on its own transition.
package pop

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"k8s.io/klog/v2"

	"github.com/zeu5/gridpop/actor"
	"github.com/zeu5/gridpop/agent"
	"github.com/zeu5/gridpop/community"
	"github.com/zeu5/gridpop/config"
	"github.com/zeu5/gridpop/gridgraph"
	"github.com/zeu5/gridpop/types"
)

// Config of a controller.
type Config struct {
	Name         string
	Seed         uint64
	Training     bool
	Architecture *config.Architecture
	// Partitioner replaces the one described by the architecture document.
	Partitioner community.Partitioner
	Sink        Sink
	// Shaper replaces the legality shaping of every manager. Checkpoints do not carry it, it has
	// to be passed again on restore.
	Shaper agent.RewardShaper
}

// Counters of the training progress.
type Counters struct {
	Episodes   int `json:"episodes"`
	TrainSteps int `json:"train_steps"`
	AliveSteps int `json:"alive_steps"`
}

// POP is the hierarchical controller.
type POP struct {
	cfg         Config
	arch        *config.Architecture
	space       types.ActionSpace
	sys         *actor.System
	partitioner community.Partitioner
	sink        Sink

	initialized  bool
	nodeFeatures int
	edgeFeatures int
	substations  []int
	index        map[int]int // substation id to position in substations

	agents      map[int]remote
	managers    map[string]remote
	head        remote
	communities []community.Community
	owners      map[int]int
	structure   string

	current *decision

	// guards what the status server reads
	mux      sync.RWMutex
	counters Counters
	epoch    int
	last     *Decision
}

var _ types.Controller = &POP{}

// New creates a controller for the action space. Agents are built lazily, on the first
// observation, once the feature widths of the grid are known.
func New(cfg Config, space types.ActionSpace) (*POP, error) {
	if cfg.Architecture == nil {
		return nil, errors.New("controller needs an architecture")
	}
	if cfg.Name == "" {
		cfg.Name = "pop"
	}
	p := &POP{
		cfg:         cfg,
		arch:        cfg.Architecture,
		space:       space,
		sys:         actor.NewSystem(),
		partitioner: cfg.Partitioner,
		sink:        cfg.Sink,
		substations: space.Substations(),
		index:       make(map[int]int),
		agents:      make(map[int]remote),
		managers:    make(map[string]remote),
	}
	if p.sink == nil {
		p.sink = KlogSink{V: 2}
	}
	if p.partitioner == nil {
		part, err := community.New(p.arch.Partition, cfg.Seed)
		if err != nil {
			return nil, err
		}
		p.partitioner = part
	}
	for i, sub := range p.substations {
		p.index[sub] = i
	}
	return p, nil
}

func (p *POP) Name() string {
	return p.cfg.Name
}

// seedFor derives the seed of a component from the controller seed and the component name.
func (p *POP) seedFor(name string) uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d/%s", p.cfg.Seed, name)
	return h.Sum64()
}

func (p *POP) agentName(sub int) string {
	return fmt.Sprintf("agent_%d_%s", sub, p.cfg.Name)
}

func (p *POP) managerName(c community.Community) string {
	return fmt.Sprintf("manager_%s_%s", c.Key(), p.cfg.Name)
}

func (p *POP) headName() string {
	return "head_manager_" + p.cfg.Name
}

// Feature widths of every level. Substation agents see their neighbourhood with a column marking
// their own node, managers see their community with the normalized proposal of each member, and
// the head manager sees one node per community.
func (p *POP) agentNodeFeatures() int   { return p.nodeFeatures + 1 }
func (p *POP) managerNodeFeatures() int { return p.nodeFeatures + 1 }
func (p *POP) headNodeFeatures() int {
	return p.arch.Manager.Network.HiddenOutputSize + len(p.substations) + 1
}

func (p *POP) checkGraph(g *gridgraph.Graph) error {
	if g.NumNodeFeatures() != p.nodeFeatures {
		return errors.Errorf("grid graph has %d node features, expected %d", g.NumNodeFeatures(), p.nodeFeatures)
	}
	for _, sub := range p.substations {
		if _, ok := g.Index(sub); !ok {
			return errors.Errorf("substation %d is missing from the grid graph", sub)
		}
	}
	return nil
}

func (p *POP) initialize(ctx context.Context, g *gridgraph.Graph) error {
	p.nodeFeatures = g.NumNodeFeatures()
	p.edgeFeatures = g.NumEdgeFeatures()
	if err := p.checkGraph(g); err != nil {
		return err
	}
	shallow := 0
	for _, sub := range p.substations {
		name := p.agentName(sub)
		var a agent.Agent
		if n := p.space.NumActions(sub); n <= 1 {
			a = agent.NewShallow(name, n)
			shallow++
		} else {
			d, err := agent.NewDQN(name, p.agentNodeFeatures(), p.edgeFeatures, n, p.arch.Agent, p.seedFor(name))
			if err != nil {
				return err
			}
			a = d
		}
		p.agents[sub] = spawn(p.sys, a)
	}
	head, err := agent.NewDQN(p.headName(), p.headNodeFeatures(), p.edgeFeatures, len(p.substations), p.arch.HeadManager, p.seedFor(p.headName()))
	if err != nil {
		return err
	}
	p.head = spawn(p.sys, head)
	klog.Infof("%s: %d substation agents (%d shallow), %d node and %d edge features",
		p.cfg.Name, len(p.substations), shallow, p.nodeFeatures, p.edgeFeatures)

	if err := p.repartition(ctx, g); err != nil {
		return err
	}
	p.mux.Lock()
	p.initialized = true
	p.mux.Unlock()
	return nil
}

// repartition computes the communities of g and reconciles the managers: communities with the
// same members keep their manager, the others get a new one, and retired managers are stopped.
func (p *POP) repartition(ctx context.Context, g *gridgraph.Graph) error {
	communities, err := p.partitioner.Partition(ctx, g)
	if err != nil {
		return errors.Wrap(err, "partitioning the grid")
	}
	communities = community.Canonicalize(communities)
	if err := community.Validate(communities, p.substations); err != nil {
		return errors.Wrap(err, "partitioning the grid")
	}

	created := make([]remote, 0)
	next, retired, err := community.Reconcile(p.managers, communities, func(c community.Community) (remote, error) {
		name := p.managerName(c)
		m, err := agent.NewManager(name, p.managerNodeFeatures(), p.edgeFeatures, len(p.substations), p.arch.Manager, p.seedFor(name))
		if err != nil {
			return remote{}, err
		}
		if p.cfg.Shaper != nil {
			m.WithShaper(p.cfg.Shaper)
		}
		r := spawn(p.sys, m)
		created = append(created, r)
		return r, nil
	})
	if err != nil {
		for _, r := range created {
			r.stop()
		}
		return err
	}
	for _, key := range retired {
		p.managers[key].stop()
	}

	p.mux.Lock()
	p.managers = next
	p.communities = communities
	p.owners = community.Owners(communities)
	p.structure = g.StructureHash()
	p.epoch++
	epoch := p.epoch
	p.mux.Unlock()
	klog.V(1).Infof("%s: partition epoch %d, %d communities (%d new, %d retired)",
		p.cfg.Name, epoch, len(communities), len(created), len(retired))
	return nil
}

func (p *POP) repartitionDue() bool {
	every := p.arch.Partition.RepartitionEvery
	p.mux.RLock()
	steps := p.counters.TrainSteps
	p.mux.RUnlock()
	return every > 0 && steps > 0 && steps%every == 0
}

// Act runs the decision pipeline on obs. While training, every level explores.
func (p *POP) Act(ctx context.Context, obs *types.Observation) (types.EncodedAction, types.TopologyAction, error) {
	if !p.initialized {
		if err := p.initialize(ctx, obs.Graph); err != nil {
			return types.NoOp, types.DoNothing(), errors.Wrapf(err, "%s: initializing", p.cfg.Name)
		}
	} else if err := p.checkGraph(obs.Graph); err != nil {
		return types.NoOp, types.DoNothing(), err
	} else if obs.Graph.StructureHash() != p.structure {
		if err := p.repartition(ctx, obs.Graph); err != nil {
			return types.NoOp, types.DoNothing(), err
		}
	}
	d, err := p.decide(ctx, obs, p.cfg.Training)
	if err != nil {
		return types.NoOp, types.DoNothing(), err
	}
	p.current = d
	p.setLast(d)
	return d.action, d.native, nil
}

// Learn trains every level on the outcome of the last action. It recomputes the decisions on the
// successor state greedily to build the next observations of every transition.
func (p *POP) Learn(ctx context.Context, res *types.StepResult) error {
	cur := p.current
	if cur == nil {
		return errors.Errorf("%s: learn called without a preceding act", p.cfg.Name)
	}
	p.current = nil
	if !p.cfg.Training {
		p.mux.Lock()
		p.counters.AliveSteps++
		p.mux.Unlock()
		return nil
	}

	g := res.Observation.Graph
	if err := p.checkGraph(g); err != nil {
		return err
	}
	if p.repartitionDue() || g.StructureHash() != p.structure {
		if err := p.repartition(ctx, g); err != nil {
			return err
		}
	}
	next, err := p.decide(ctx, res.Observation, false)
	if err != nil {
		return err
	}

	p.mux.RLock()
	step := p.counters.TrainSteps
	p.mux.RUnlock()
	if err := p.train(ctx, step, cur, next, res); err != nil {
		return err
	}

	p.mux.Lock()
	p.counters.TrainSteps++
	p.counters.AliveSteps++
	p.mux.Unlock()
	return nil
}

// train dispatches the transitions of every level at once and waits for all of them.
func (p *POP) train(ctx context.Context, step int, cur, next *decision, res *types.StepResult) error {
	agentCalls := make([]*actor.Future[*float64], len(p.substations))
	for i, sub := range p.substations {
		agentCalls[i] = p.agents[sub].step(agent.Transition{
			Obs:      cur.local[sub],
			Action:   cur.proposals[sub],
			Reward:   res.Reward,
			Next:     next.local[sub],
			NextMask: next.masks[sub],
			Done:     res.Done,
		}, false)
	}

	nextByKey := make(map[string]int, len(next.communities))
	for k, c := range next.communities {
		nextByKey[c.Key()] = k
	}
	managerNames := make([]string, 0, len(cur.communities))
	managerCalls := make([]*actor.Future[shapedStep], 0, len(cur.communities))
	for k, c := range cur.communities {
		m, ok := p.managers[c.Key()]
		if !ok {
			// retired by the repartition above
			continue
		}
		nk := nextByKey[c.Key()]
		managerNames = append(managerNames, m.Name())
		managerCalls = append(managerCalls, m.stepShaped(agent.Transition{
			Obs:      cur.annotated[k],
			Action:   p.index[cur.choices[k]],
			Reward:   res.Reward,
			Next:     next.annotated[nk],
			NextMask: next.memberMasks[nk],
			Done:     res.Done,
		}, false, agent.Feedback{Enacted: k == cur.head, Illegal: res.Info.Illegal}))
	}

	headCall := p.head.step(agent.Transition{
		Obs:      cur.summary,
		Action:   cur.head,
		Reward:   res.Reward,
		Next:     next.summary,
		NextMask: allNodes(len(next.communities)),
		Done:     res.Done,
	}, false)

	agentLosses, agentErr := actor.Gather(ctx, agentCalls)
	managerSteps, managerErr := actor.Gather(ctx, managerCalls)
	headLoss, headErr := headCall.Get(ctx)
	for _, err := range []error{agentErr, managerErr, headErr} {
		if err != nil {
			return errors.Wrapf(err, "%s: training step %d", p.cfg.Name, step)
		}
	}

	for i, sub := range p.substations {
		if agentLosses[i] != nil {
			p.sink.Log(Record{Component: p.agents[sub].Name(), Step: step, Loss: agentLosses[i]})
		}
	}
	for i, s := range managerSteps {
		reward := s.Reward
		p.sink.Log(Record{Component: managerNames[i], Step: step, Loss: s.Loss, ImplicitReward: &reward})
	}
	if headLoss != nil {
		p.sink.Log(Record{Component: p.head.Name(), Step: step, Loss: headLoss})
	}
	return nil
}

// EndEpisode resets the per episode counters.
func (p *POP) EndEpisode(context.Context) error {
	p.current = nil
	p.mux.Lock()
	p.counters.Episodes++
	alive := p.counters.AliveSteps
	p.counters.AliveSteps = 0
	episodes := p.counters.Episodes
	p.mux.Unlock()
	klog.V(1).Infof("%s: episode %d survived %d steps", p.cfg.Name, episodes, alive)
	return nil
}

// Counters is a snapshot of the progress counters.
func (p *POP) Counters() Counters {
	p.mux.RLock()
	defer p.mux.RUnlock()
	return p.counters
}

// Communities of the active partition.
func (p *POP) Communities() []community.Community {
	p.mux.RLock()
	defer p.mux.RUnlock()
	return slices.Clone(p.communities)
}

// Agents returns the statistics of every agent, substation agents first, in substation order,
// then the managers and the head manager.
func (p *POP) Agents(ctx context.Context) ([]agent.Stats, error) {
	p.mux.RLock()
	if !p.initialized {
		p.mux.RUnlock()
		return nil, nil
	}
	refs := make([]remote, 0, len(p.agents)+len(p.managers)+1)
	for _, sub := range p.substations {
		refs = append(refs, p.agents[sub])
	}
	keys := maps.Keys(p.managers)
	slices.Sort(keys)
	for _, key := range keys {
		refs = append(refs, p.managers[key])
	}
	refs = append(refs, p.head)
	p.mux.RUnlock()

	futures := make([]*actor.Future[agent.Stats], len(refs))
	for i, r := range refs {
		futures[i] = r.stats()
	}
	return actor.Gather(ctx, futures)
}

// Stop every actor of the controller.
func (p *POP) Stop() {
	p.sys.Stop()
}

func allNodes(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
