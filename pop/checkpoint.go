package pop

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"k8s.io/klog/v2"

	"github.com/zeu5/gridpop/actor"
	"github.com/zeu5/gridpop/agent"
	"github.com/zeu5/gridpop/checkpoints"
	"github.com/zeu5/gridpop/community"
	"github.com/zeu5/gridpop/config"
	"github.com/zeu5/gridpop/types"
)

// State is the persisted state of a controller.
type State struct {
	Name         string `json:"name"`
	Seed         uint64 `json:"seed"`
	Architecture string `json:"architecture"`
	NodeFeatures int    `json:"node_features"`
	EdgeFeatures int    `json:"edge_features"`
	Counters

	PartitionEpoch int     `json:"partition_epoch"`
	Structure      string  `json:"structure"`
	Communities    [][]int `json:"communities"`

	Agents      map[int]agent.Checkpoint    `json:"agents_state"`
	Managers    map[string]agent.Checkpoint `json:"managers_state"`
	HeadManager agent.Checkpoint            `json:"head_manager_state"`
}

// State snapshots the controller. In flight calls are drained first.
func (p *POP) State(ctx context.Context) (*State, error) {
	if !p.initialized {
		return nil, errors.Errorf("%s: nothing to save before the first observation", p.cfg.Name)
	}
	p.sys.Drain()

	keys := maps.Keys(p.managers)
	slices.Sort(keys)
	refs := make([]remote, 0, len(p.substations)+len(keys)+1)
	for _, sub := range p.substations {
		refs = append(refs, p.agents[sub])
	}
	for _, key := range keys {
		refs = append(refs, p.managers[key])
	}
	refs = append(refs, p.head)
	futures := make([]*actor.Future[agent.Checkpoint], len(refs))
	for i, r := range refs {
		futures[i] = r.checkpoint()
	}
	saved, err := actor.Gather(ctx, futures)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: collecting agent states", p.cfg.Name)
	}

	p.mux.RLock()
	st := &State{
		Name:           p.cfg.Name,
		Seed:           p.cfg.Seed,
		Architecture:   string(p.arch.Raw()),
		NodeFeatures:   p.nodeFeatures,
		EdgeFeatures:   p.edgeFeatures,
		Counters:       p.counters,
		PartitionEpoch: p.epoch,
		Structure:      p.structure,
		Communities:    make([][]int, len(p.communities)),
		Agents:         make(map[int]agent.Checkpoint, len(p.substations)),
		Managers:       make(map[string]agent.Checkpoint, len(keys)),
	}
	p.mux.RUnlock()
	for k, c := range p.communities {
		st.Communities[k] = append([]int(nil), c...)
	}
	for i, sub := range p.substations {
		st.Agents[sub] = saved[i]
	}
	for i, key := range keys {
		st.Managers[key] = saved[len(p.substations)+i]
	}
	st.HeadManager = saved[len(saved)-1]
	return st, nil
}

// Save writes the state of the controller to store, tagged with the train step.
func (p *POP) Save(ctx context.Context, store checkpoints.Store) error {
	st, err := p.State(ctx)
	if err != nil {
		return err
	}
	blob, err := json.Marshal(st)
	if err != nil {
		return errors.Wrapf(err, "%s: encoding state", p.cfg.Name)
	}
	if err := store.Save(ctx, int64(st.TrainSteps), blob); err != nil {
		return err
	}
	klog.V(1).Infof("%s: saved state at train step %d", p.cfg.Name, st.TrainSteps)
	return nil
}

// Restore rebuilds a controller from st. The architecture comes from st unless cfg carries one;
// the name comes from st unless cfg names the controller. Managers shape rewards with cfg.Shaper
// when set, with the penalty saved in st otherwise. Every part of st is checked before any
// actor is started.
func Restore(st *State, space types.ActionSpace, cfg Config) (*POP, error) {
	if cfg.Architecture == nil {
		arch, err := config.Parse([]byte(st.Architecture), "checkpoint of "+st.Name)
		if err != nil {
			return nil, err
		}
		cfg.Architecture = arch
	}
	if cfg.Name == "" {
		cfg.Name = st.Name
	}
	cfg.Seed = st.Seed

	subs := space.Substations()
	if len(st.Agents) != len(subs) {
		return nil, errors.Errorf("checkpoint of %s has %d substation agents, the grid has %d substations", st.Name, len(st.Agents), len(subs))
	}
	agents := make(map[int]agent.Agent, len(subs))
	for _, sub := range subs {
		c, ok := st.Agents[sub]
		if !ok {
			return nil, errors.Errorf("checkpoint of %s has no agent for substation %d", st.Name, sub)
		}
		if c.Actions != space.NumActions(sub) {
			return nil, errors.Errorf("checkpoint of %s: agent of substation %d has %d actions, the grid has %d", st.Name, sub, c.Actions, space.NumActions(sub))
		}
		a, err := agent.Restore(c)
		if err != nil {
			return nil, err
		}
		agents[sub] = a
	}

	communities := make([]community.Community, len(st.Communities))
	for k, members := range st.Communities {
		communities[k] = community.NewCommunity(members...)
	}
	if err := community.Validate(communities, subs); err != nil {
		return nil, errors.Wrapf(err, "checkpoint of %s", st.Name)
	}
	if len(st.Managers) != len(communities) {
		return nil, errors.Errorf("checkpoint of %s has %d managers for %d communities", st.Name, len(st.Managers), len(communities))
	}
	managers := make(map[string]*agent.Manager, len(communities))
	for _, c := range communities {
		mc, ok := st.Managers[c.Key()]
		if !ok {
			return nil, errors.Errorf("checkpoint of %s has no manager for community %s", st.Name, c.Key())
		}
		m, err := agent.RestoreManager(mc)
		if err != nil {
			return nil, err
		}
		if cfg.Shaper != nil {
			m.WithShaper(cfg.Shaper)
		}
		managers[c.Key()] = m
	}
	head, err := agent.Restore(st.HeadManager)
	if err != nil {
		return nil, errors.Wrap(err, "head manager")
	}
	if head.ActionSpaceSize() != len(subs) {
		return nil, errors.Errorf("checkpoint of %s: head manager has %d actions, the grid has %d substations", st.Name, head.ActionSpaceSize(), len(subs))
	}

	p, err := New(cfg, space)
	if err != nil {
		return nil, err
	}
	p.nodeFeatures = st.NodeFeatures
	p.edgeFeatures = st.EdgeFeatures
	for sub, a := range agents {
		p.agents[sub] = spawn(p.sys, a)
	}
	for key, m := range managers {
		p.managers[key] = spawn(p.sys, m)
	}
	p.head = spawn(p.sys, head)
	p.communities = communities
	p.owners = community.Owners(communities)
	p.structure = st.Structure
	p.counters = st.Counters
	p.epoch = st.PartitionEpoch
	p.initialized = true
	klog.Infof("%s: restored at episode %d, train step %d with %d communities", p.cfg.Name, st.Episodes, st.TrainSteps, len(communities))
	return p, nil
}

// Load restores the controller from the latest state in store. It reports false when the store
// is empty.
func Load(ctx context.Context, store checkpoints.Store, space types.ActionSpace, cfg Config) (*POP, bool, error) {
	blob, found, err := store.Latest(ctx)
	if err != nil || !found {
		return nil, false, err
	}
	st := &State{}
	if err := json.Unmarshal(blob, st); err != nil {
		return nil, false, errors.Wrap(err, "decoding controller state")
	}
	p, err := Restore(st, space, cfg)
	if err != nil {
		return nil, false, err
	}
	return p, true, nil
}
