package types

import (
	"github.com/zeu5/gridpop/gridgraph"
)

// Environment is the grid simulator the controller acts on
type Environment interface {
	// Reset called at the start of each episode
	Reset(*EpisodeContext) (*Observation, error)
	// Step applies the native action
	Step(TopologyAction, *StepContext) (*StepResult, error)
	// ActionSpace of the grid, fixed for the lifetime of the environment
	ActionSpace() ActionSpace
}

// Observation of the grid
type Observation struct {
	Graph *gridgraph.Graph
	// Legal local actions per substation id. Substations missing from the map may take any
	// local action.
	Legal map[int][]int
}

// StepInfo carries what the environment reports besides the reward
type StepInfo struct {
	// Illegal is set when the applied action was rejected and replaced by a no-op
	Illegal bool    `json:"illegal"`
	MaxRho  float64 `json:"max_rho"`
}

// StepResult of applying an action
type StepResult struct {
	Observation *Observation
	Reward      float64
	Done        bool
	Info        StepInfo
}

// EncodedAction is the global index of a topology action. Index 0 is the global no-op.
type EncodedAction int

// NoOp is the encoded no-op action
const NoOp EncodedAction = 0

// TopologyAction is the native action: switch a substation to one of its bus configurations.
type TopologyAction struct {
	Substation    int `json:"substation"`
	Configuration int `json:"configuration"`
}

// DoNothing is the native no-op
func DoNothing() TopologyAction {
	return TopologyAction{Substation: -1}
}

func (a TopologyAction) IsNoOp() bool {
	return a.Substation < 0 || a.Configuration == 0
}

// ActionSpace maps substation local actions to encoded actions and back.
// Local action 0 is the no-op of every substation and encodes to NoOp.
type ActionSpace interface {
	// Substations in a fixed order
	Substations() []int
	// NumActions is the size of the local action space of substation sub, no-op included
	NumActions(sub int) int
	// Size is the number of encoded actions, no-op included
	Size() int
	Encode(sub, local int) (EncodedAction, error)
	Decode(EncodedAction) (TopologyAction, error)
}
