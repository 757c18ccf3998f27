// Package agent holds the learning policies of every level of the hierarchy: substation agents,
// community managers and the head manager are all double DQN learners over dueling graph
// networks, and substations without real choices get a shallow stand-in.
package agent

import (
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/zeu5/gridpop/gridgraph"
)

// Agent is the capability set shared by every policy level.
type Agent interface {
	Name() string
	// TakeAction picks an action among mask (all actions when mask is empty) and reports whether
	// the choice was exploratory.
	TakeAction(g *gridgraph.Graph, mask []int) (int, bool, error)
	// Evaluate is TakeAction without exploration. It never touches the random source.
	Evaluate(g *gridgraph.Graph, mask []int) (int, error)
	// Step records a transition and trains when enough experience is buffered. The loss is nil
	// when no update happened.
	Step(t Transition, stopDecay bool) (*float64, error)
	ExtractFeatures(g *gridgraph.Graph) ([]float64, error)
	ActionSpaceSize() int
	Epsilon() float64
	Stats() Stats
	Checkpoint() Checkpoint
}

// Stats is a summary of the training progress of an agent.
type Stats struct {
	Name          string  `json:"name"`
	Kind          string  `json:"kind"`
	Phase         string  `json:"phase"`
	Epsilon       float64 `json:"epsilon"`
	Buffered      int     `json:"buffered"`
	TrainSteps    int     `json:"train_steps"`
	LearningSteps int     `json:"learning_steps"`
}

// Phase of a learning agent.
type Phase int

const (
	Uninitialized Phase = iota
	Acting
	Learning
)

func (p Phase) String() string {
	switch p {
	case Acting:
		return "acting"
	case Learning:
		return "learning"
	}
	return "uninitialized"
}

// legalActions returns the sorted mask, or every action when the mask is empty.
func legalActions(mask []int, actions int) ([]int, error) {
	if len(mask) == 0 {
		out := make([]int, actions)
		for i := range out {
			out[i] = i
		}
		return out, nil
	}
	out := append([]int(nil), mask...)
	slices.Sort(out)
	for _, a := range out {
		if a < 0 || a >= actions {
			return nil, errors.Errorf("masked action %d outside of action space [0, %d)", a, actions)
		}
	}
	return out, nil
}

// argmax over the legal actions. Ties go to the lowest index.
func argmax(q []float64, legal []int) int {
	best := legal[0]
	for _, a := range legal[1:] {
		if q[a] > q[best] {
			best = a
		}
	}
	return best
}
