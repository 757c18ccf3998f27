package gridenv

import (
	"math"

	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
	"golang.org/x/exp/slices"
	"k8s.io/klog/v2"

	"github.com/zeu5/gridpop/gridgraph"
	"github.com/zeu5/gridpop/types"
)

// Config describes the grid.
type Config struct {
	Substations int
	Lines       [][2]int
	// Loads per substation, in per unit. Missing entries default to 0.2.
	Loads []float64
	// Generation shares per substation, summing to one. Defaults to everything at substation 0.
	Generation map[int]float64

	Seed          uint64
	MaxConfigs    int     // bus configurations per substation, capped by degree-1
	Cooldown      int     // steps a substation is locked after a change
	OverloadLimit float64 // rho above which the episode ends at once
	OverloadSteps int     // consecutive steps with a line above rho 1 that end the episode
	Noise         float64 // relative load noise
}

func (c *Config) withDefaults() {
	if c.MaxConfigs == 0 {
		c.MaxConfigs = 3
	}
	if c.Cooldown == 0 {
		c.Cooldown = 3
	}
	if c.OverloadLimit == 0 {
		c.OverloadLimit = 1.5
	}
	if c.OverloadSteps == 0 {
		c.OverloadSteps = 3
	}
	if len(c.Generation) == 0 {
		c.Generation = map[int]float64{0: 1}
	}
}

// Case14 is the line layout of the IEEE 14 bus system, zero indexed, with its loads.
func Case14(seed uint64) Config {
	return Config{
		Substations: 14,
		Lines: [][2]int{
			{0, 1}, {0, 4}, {1, 2}, {1, 3}, {1, 4}, {2, 3}, {3, 4}, {3, 6}, {3, 8}, {4, 5},
			{5, 10}, {5, 11}, {5, 12}, {6, 7}, {6, 8}, {8, 9}, {8, 13}, {9, 10}, {11, 12}, {12, 13},
		},
		Loads:      []float64{0, 0.217, 0.942, 0.478, 0.076, 0.112, 0, 0, 0.295, 0.09, 0.035, 0.061, 0.135, 0.149},
		Generation: map[int]float64{0: 0.6, 1: 0.2, 2: 0.1, 5: 0.05, 7: 0.05},
		Seed:       seed,
		Noise:      0.02,
	}
}

// Environment simulates the grid of a Config.
type Environment struct {
	cfg      Config
	table    *ActionTable
	incident [][]int // line indices per substation, sorted
	capacity []float64
	maxCap   float64

	rng       *rand.Rand
	episodes  int
	step      int
	busConfig []int
	cooldown  []int
	overload  int
	loads     []float64
	rho       []float64
}

var _ types.Environment = &Environment{}

func New(cfg Config) (*Environment, error) {
	cfg.withDefaults()
	n := cfg.Substations
	if n <= 0 {
		return nil, errors.New("grid needs at least one substation")
	}
	if len(cfg.Loads) > n {
		return nil, errors.Errorf("%d loads for %d substations", len(cfg.Loads), n)
	}
	e := &Environment{
		cfg:       cfg,
		incident:  make([][]int, n),
		busConfig: make([]int, n),
		cooldown:  make([]int, n),
		loads:     make([]float64, n),
	}
	for l, line := range cfg.Lines {
		a, b := line[0], line[1]
		if a < 0 || a >= n || b < 0 || b >= n || a == b {
			return nil, errors.Errorf("line %d (%d-%d) is invalid for %d substations", l, a, b, n)
		}
		e.incident[a] = append(e.incident[a], l)
		e.incident[b] = append(e.incident[b], l)
	}
	ids := make([]int, n)
	configs := make(map[int]int, n)
	for s := 0; s < n; s++ {
		ids[s] = s
		slices.Sort(e.incident[s])
		configs[s] = min(len(e.incident[s])-1, cfg.MaxConfigs)
		if configs[s] < 0 {
			configs[s] = 0
		}
	}
	table, err := NewActionTable(ids, configs)
	if err != nil {
		return nil, err
	}
	e.table = table

	// capacities give every line 50% headroom over its flow in the base case
	base := e.flows(e.baseLoads(), make([]int, n))
	e.capacity = make([]float64, len(base))
	for l, f := range base {
		e.capacity[l] = math.Max(0.1, 1.5*f)
		e.maxCap = math.Max(e.maxCap, e.capacity[l])
	}
	klog.V(1).Infof("grid: %d substations, %d lines, %d encoded actions", n, len(cfg.Lines), table.Size())
	return e, nil
}

func (e *Environment) ActionSpace() types.ActionSpace {
	return e.table
}

// Table is the action table of the grid.
func (e *Environment) Table() *ActionTable {
	return e.table
}

func (e *Environment) baseLoads() []float64 {
	out := make([]float64, e.cfg.Substations)
	for s := range out {
		out[s] = 0.2
		if s < len(e.cfg.Loads) {
			out[s] = e.cfg.Loads[s]
		}
	}
	return out
}

// flows returns the flow on every line for the given loads and bus configurations. Generation
// follows the total load. Configuration c > 0 at a substation relieves its (c-1)-th line and
// pushes the difference onto its other lines.
func (e *Environment) flows(loads []float64, busConfig []int) []float64 {
	total := 0.0
	for _, l := range loads {
		total += l
	}
	net := make([]float64, len(loads))
	for s := range net {
		net[s] = total*e.cfg.Generation[s] - loads[s]
	}
	out := make([]float64, len(e.cfg.Lines))
	for l, line := range e.cfg.Lines {
		out[l] = 0.5 * math.Abs(net[line[0]]-net[line[1]])
	}
	for s, c := range busConfig {
		if c == 0 {
			continue
		}
		lines := e.incident[s]
		relieved := lines[(c-1)%len(lines)]
		for _, l := range lines {
			if l == relieved {
				out[l] *= 0.6
			} else {
				out[l] *= 1.2
			}
		}
	}
	return out
}

func (e *Environment) Reset(eCtx *types.EpisodeContext) (*types.Observation, error) {
	e.rng = rand.New(rand.NewSource(e.cfg.Seed + uint64(e.episodes)))
	e.episodes += 1
	e.step = 0
	e.overload = 0
	for s := range e.busConfig {
		e.busConfig[s] = 0
		e.cooldown[s] = 0
	}
	e.simulate()
	return e.observe(), nil
}

func (e *Environment) simulate() {
	base := e.baseLoads()
	for s := range e.loads {
		daily := 1 + 0.3*math.Sin(2*math.Pi*float64(e.step+3*s)/24)
		e.loads[s] = base[s] * daily * (1 + e.cfg.Noise*e.rng.NormFloat64())
	}
	f := e.flows(e.loads, e.busConfig)
	e.rho = make([]float64, len(f))
	for l := range f {
		e.rho[l] = f[l] / e.capacity[l]
	}
}

func (e *Environment) maxRho() float64 {
	m := 0.0
	for _, r := range e.rho {
		m = math.Max(m, r)
	}
	return m
}

// legal reports the local actions each substation may take now
func (e *Environment) legal() map[int][]int {
	out := make(map[int][]int, e.cfg.Substations)
	for s := 0; s < e.cfg.Substations; s++ {
		if e.cooldown[s] > 0 {
			out[s] = []int{0}
			continue
		}
		n := e.table.NumActions(s)
		actions := make([]int, n)
		for k := range actions {
			actions[k] = k
		}
		out[s] = actions
	}
	return out
}

func (e *Environment) observe() *types.Observation {
	n := e.cfg.Substations
	ids := make([]int, n)
	nodes := make([][]float64, n)
	total := 0.0
	for _, l := range e.loads {
		total += l
	}
	for s := 0; s < n; s++ {
		ids[s] = s
		config := 0.0
		if m := e.table.NumActions(s) - 1; m > 0 {
			config = float64(e.busConfig[s]) / float64(m)
		}
		nodes[s] = []float64{
			e.loads[s],
			total * e.cfg.Generation[s],
			config,
			float64(e.cooldown[s]) / float64(e.cfg.Cooldown),
		}
	}
	edges := make([]gridgraph.Edge, len(e.cfg.Lines))
	for l, line := range e.cfg.Lines {
		edges[l] = gridgraph.Edge{
			From:     line[0],
			To:       line[1],
			Features: []float64{e.rho[l], e.capacity[l] / e.maxCap},
		}
	}
	return &types.Observation{
		Graph: gridgraph.MustNew(ids, nodes, edges),
		Legal: e.legal(),
	}
}

func (e *Environment) Step(action types.TopologyAction, sCtx *types.StepContext) (*types.StepResult, error) {
	if e.rng == nil {
		return nil, errors.New("step before reset")
	}
	illegal := false
	if !action.IsNoOp() {
		s := action.Substation
		if s >= e.cfg.Substations || action.Configuration >= e.table.NumActions(s) {
			return nil, errors.Errorf("action %+v does not exist on this grid", action)
		}
		if e.cooldown[s] > 0 {
			illegal = true
		} else {
			e.busConfig[s] = action.Configuration
			e.cooldown[s] = e.cfg.Cooldown + 1
		}
	}
	for s := range e.cooldown {
		if e.cooldown[s] > 0 {
			e.cooldown[s] -= 1
		}
	}

	e.step += 1
	e.simulate()
	maxRho := e.maxRho()
	if maxRho > 1 {
		e.overload += 1
	} else {
		e.overload = 0
	}
	done := maxRho > e.cfg.OverloadLimit || e.overload >= e.cfg.OverloadSteps
	reward := 1 - maxRho
	if done {
		reward = -1
	}
	return &types.StepResult{
		Observation: e.observe(),
		Reward:      reward,
		Done:        done,
		Info:        types.StepInfo{Illegal: illegal, MaxRho: maxRho},
	}, nil
}
