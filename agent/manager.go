package agent

import (
	"github.com/pkg/errors"

	"github.com/zeu5/gridpop/config"
	"github.com/zeu5/gridpop/gridgraph"
)

// Feedback tells a manager what became of its choice after the environment step.
type Feedback struct {
	// Enacted is true when the head manager picked this manager's community.
	Enacted bool
	// Illegal is true when the environment rejected the applied action.
	Illegal bool
}

// RewardShaper derives the reward a manager trains on from the environment reward.
type RewardShaper interface {
	Shape(reward float64, fb Feedback) float64
}

// LegalityShaper charges Penalty to the manager whose enacted choice the environment rejected.
// Every other manager sees the raw reward.
type LegalityShaper struct {
	Penalty float64
}

func (s LegalityShaper) Shape(reward float64, fb Feedback) float64 {
	if fb.Enacted && fb.Illegal {
		return reward - s.Penalty
	}
	return reward
}

// Manager selects, for one community, which member substation's proposal to enact. Its action
// space is the set of all substations and its mask the community members. The feature extractor
// of its online network doubles as the community embedding.
type Manager struct {
	*DQN
	shaper RewardShaper
}

func NewManager(name string, nodeFeatures, edgeFeatures, substations int, level config.Level, seed uint64) (*Manager, error) {
	d, err := NewDQN(name, nodeFeatures, edgeFeatures, substations, level, seed)
	if err != nil {
		return nil, err
	}
	return &Manager{DQN: d, shaper: LegalityShaper{Penalty: level.Training.IllegalActionPenalty}}, nil
}

// WithShaper replaces the reward shaping.
func (m *Manager) WithShaper(s RewardShaper) *Manager {
	m.shaper = s
	return m
}

// Embedding is the fixed width community vector consumed by the head manager.
func (m *Manager) Embedding(g *gridgraph.Graph) ([]float64, error) {
	emb, err := m.online.ExtractFeatures(g)
	if err != nil {
		return nil, errors.Wrapf(err, "manager %s: embedding", m.name)
	}
	return emb, nil
}

func (m *Manager) EmbeddingDimension() int {
	return m.online.EmbeddingDimension()
}

// StepShaped trains on the shaped reward and returns it alongside the loss.
func (m *Manager) StepShaped(t Transition, stopDecay bool, fb Feedback) (*float64, float64, error) {
	t.Reward = m.shaper.Shape(t.Reward, fb)
	loss, err := m.DQN.Step(t, stopDecay)
	return loss, t.Reward, err
}

func (m *Manager) Stats() Stats {
	s := m.DQN.Stats()
	s.Kind = KindManager
	return s
}

func (m *Manager) Checkpoint() Checkpoint {
	c := m.DQN.Checkpoint()
	c.Kind = KindManager
	if ls, ok := m.shaper.(LegalityShaper); ok {
		c.Penalty = ls.Penalty
	}
	return c
}
