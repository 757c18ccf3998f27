package agent

import (
	"github.com/pkg/errors"
	"golang.org/x/exp/rand"

	"github.com/zeu5/gridpop/config"
	"github.com/zeu5/gridpop/nn"
)

// Agent kinds as recorded in checkpoints.
const (
	KindDQN     = "dqn"
	KindShallow = "shallow"
	KindManager = "manager"
)

// Checkpoint is the persisted state of an agent. The replay buffer is not part of it.
type Checkpoint struct {
	Kind     string          `json:"kind"`
	Name     string          `json:"name"`
	Actions  int             `json:"actions"`
	Training config.Training `json:"training"`

	Online    *nn.NetworkCheckpoint `json:"network,omitempty"`
	Target    *nn.NetworkCheckpoint `json:"target_network,omitempty"`
	Optimizer *nn.AdamState         `json:"optimizer_state,omitempty"`

	Phase         Phase  `json:"phase"`
	DecaySteps    int    `json:"decay_steps"`
	TrainSteps    int    `json:"train_steps"`
	LearningSteps int    `json:"learning_steps"`
	RNG           []byte `json:"rng,omitempty"`

	Penalty float64 `json:"illegal_action_penalty,omitempty"`
}

func (d *DQN) Checkpoint() Checkpoint {
	online := d.online.Checkpoint()
	target := d.target.Checkpoint()
	opt := d.opt.State()
	rng, err := d.src.MarshalBinary()
	if err != nil {
		// PCGSource never fails to marshal
		panic(errors.Wrapf(err, "agent %s: saving random source", d.name))
	}
	return Checkpoint{
		Kind:          KindDQN,
		Name:          d.name,
		Actions:       d.ActionSpaceSize(),
		Training:      d.training,
		Online:        &online,
		Target:        &target,
		Optimizer:     &opt,
		Phase:         d.phase,
		DecaySteps:    d.decaySteps,
		TrainSteps:    d.trainSteps,
		LearningSteps: d.learningSteps,
		RNG:           rng,
	}
}

func restoreDQN(c Checkpoint) (*DQN, error) {
	if c.Online == nil {
		return nil, errors.Errorf("agent %s: checkpoint has no network", c.Name)
	}
	online, err := nn.LoadDueling(*c.Online)
	if err != nil {
		return nil, errors.Wrapf(err, "agent %s", c.Name)
	}
	target := online.Clone()
	if c.Target != nil {
		if err := target.LoadCheckpoint(*c.Target); err != nil {
			return nil, errors.Wrapf(err, "agent %s: target network", c.Name)
		}
	}
	opt := nn.NewAdam(c.Training.LearningRate, c.Training.MaxGradNorm)
	if c.Optimizer != nil {
		if opt, err = nn.RestoreAdam(*c.Optimizer, online.Params()); err != nil {
			return nil, errors.Wrapf(err, "agent %s", c.Name)
		}
	}
	src := &rand.PCGSource{}
	if len(c.RNG) > 0 {
		if err := src.UnmarshalBinary(c.RNG); err != nil {
			return nil, errors.Wrapf(err, "agent %s: random source", c.Name)
		}
	}
	return &DQN{
		name:          c.Name,
		training:      c.Training,
		online:        online,
		target:        target,
		opt:           opt,
		replay:        NewReplay(c.Training.ReplayCapacity),
		src:           src,
		rng:           rand.New(src),
		phase:         c.Phase,
		decaySteps:    c.DecaySteps,
		trainSteps:    c.TrainSteps,
		learningSteps: c.LearningSteps,
	}, nil
}

// Restore rebuilds an agent. Checkpoints without a kind are shallow when they carry no
// optimizer state and trainable otherwise.
func Restore(c Checkpoint) (Agent, error) {
	kind := c.Kind
	if kind == "" {
		kind = KindDQN
		if c.Optimizer == nil {
			kind = KindShallow
		}
	}
	switch kind {
	case KindShallow:
		return NewShallow(c.Name, c.Actions), nil
	case KindDQN:
		return restoreDQN(c)
	case KindManager:
		return RestoreManager(c)
	}
	return nil, errors.Errorf("agent %s: unknown kind %q", c.Name, c.Kind)
}

func RestoreManager(c Checkpoint) (*Manager, error) {
	if c.Kind != KindManager {
		return nil, errors.Errorf("agent %s: expected a manager checkpoint, got %q", c.Name, c.Kind)
	}
	d, err := restoreDQN(c)
	if err != nil {
		return nil, err
	}
	return &Manager{DQN: d, shaper: LegalityShaper{Penalty: c.Penalty}}, nil
}
