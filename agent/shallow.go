package agent

import (
	"github.com/zeu5/gridpop/gridgraph"
)

// Shallow stands in for substations that have nothing to choose from. It always proposes the
// no-op action and never trains.
type Shallow struct {
	name    string
	actions int
}

func NewShallow(name string, actions int) *Shallow {
	if actions < 1 {
		actions = 1
	}
	return &Shallow{name: name, actions: actions}
}

func (s *Shallow) Name() string { return s.name }
func (s *Shallow) ActionSpaceSize() int { return s.actions }
func (s *Shallow) Epsilon() float64 { return 0 }
func (s *Shallow) TakeAction(*gridgraph.Graph, []int) (int, bool, error) { return 0, false, nil }
func (s *Shallow) Evaluate(*gridgraph.Graph, []int) (int, error) { return 0, nil }
func (s *Shallow) Step(Transition, bool) (*float64, error) { return nil, nil }
func (s *Shallow) ExtractFeatures(*gridgraph.Graph) ([]float64, error) { return []float64{}, nil }

func (s *Shallow) Stats() Stats {
	return Stats{Name: s.name, Kind: KindShallow, Phase: Acting.String()}
}

func (s *Shallow) Checkpoint() Checkpoint {
	return Checkpoint{Kind: KindShallow, Name: s.name, Actions: s.actions}
}
