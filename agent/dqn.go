package agent

import (
	"math"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
	"k8s.io/klog/v2"

	"github.com/zeu5/gridpop/config"
	"github.com/zeu5/gridpop/gridgraph"
	"github.com/zeu5/gridpop/nn"
)

// DQN is a double DQN learner over a dueling graph network with epsilon-greedy exploration.
type DQN struct {
	name     string
	training config.Training

	online *nn.Dueling
	target *nn.Dueling
	opt    *nn.Adam
	replay *Replay

	src *rand.PCGSource
	rng *rand.Rand

	phase         Phase
	decaySteps    int
	trainSteps    int
	learningSteps int
}

func newSource(seed uint64) (*rand.PCGSource, *rand.Rand) {
	src := &rand.PCGSource{}
	src.Seed(seed)
	return src, rand.New(src)
}

// NewDQN creates an agent over graphs with the given feature widths and action space size.
func NewDQN(name string, nodeFeatures, edgeFeatures, actions int, level config.Level, seed uint64) (*DQN, error) {
	src, rng := newSource(seed)
	online, err := nn.NewDueling(name, nodeFeatures, edgeFeatures, actions, level.Network, rng)
	if err != nil {
		return nil, errors.Wrapf(err, "creating agent %s", name)
	}
	d := &DQN{
		name:     name,
		training: level.Training,
		online:   online,
		target:   online.Clone(),
		opt:      nn.NewAdam(level.Training.LearningRate, level.Training.MaxGradNorm),
		replay:   NewReplay(level.Training.ReplayCapacity),
		src:      src,
		rng:      rng,
	}
	klog.V(1).Infof("agent %s: %d actions, %s parameters", name, actions, humanize.Comma(int64(online.NumParameters())))
	return d, nil
}

func (d *DQN) Name() string {
	return d.name
}

func (d *DQN) ActionSpaceSize() int {
	return d.online.ActionSpaceSize()
}

func (d *DQN) Phase() Phase {
	return d.phase
}

// Epsilon is the current exploration probability. It only shrinks as decay steps accumulate.
func (d *DQN) Epsilon() float64 {
	t := d.training
	return t.EpsilonEnd + (t.EpsilonStart-t.EpsilonEnd)*math.Exp(-float64(d.decaySteps)/t.EpsilonDecay)
}

func (d *DQN) QValues(g *gridgraph.Graph) ([]float64, error) {
	return d.online.QValues(g)
}

func (d *DQN) ExtractFeatures(g *gridgraph.Graph) ([]float64, error) {
	return d.online.ExtractFeatures(g)
}

func (d *DQN) TakeAction(g *gridgraph.Graph, mask []int) (int, bool, error) {
	legal, err := legalActions(mask, d.ActionSpaceSize())
	if err != nil {
		return 0, false, errors.Wrapf(err, "agent %s", d.name)
	}
	if d.phase == Uninitialized {
		d.phase = Acting
	}
	if d.rng.Float64() < d.Epsilon() {
		return legal[d.rng.Intn(len(legal))], true, nil
	}
	q, err := d.online.QValues(g)
	if err != nil {
		return 0, false, err
	}
	return argmax(q, legal), false, nil
}

func (d *DQN) Evaluate(g *gridgraph.Graph, mask []int) (int, error) {
	legal, err := legalActions(mask, d.ActionSpaceSize())
	if err != nil {
		return 0, errors.Wrapf(err, "agent %s", d.name)
	}
	q, err := d.online.QValues(g)
	if err != nil {
		return 0, err
	}
	return argmax(q, legal), nil
}

func (d *DQN) Step(t Transition, stopDecay bool) (*float64, error) {
	if t.Action < 0 || t.Action >= d.ActionSpaceSize() {
		return nil, errors.Errorf("agent %s: action %d outside of action space [0, %d)", d.name, t.Action, d.ActionSpaceSize())
	}
	d.replay.Add(t)
	d.trainSteps++
	if !stopDecay {
		d.decaySteps++
	}
	if d.replay.Len() < d.training.BatchSize {
		return nil, nil
	}
	d.phase = Learning
	if d.trainSteps%d.training.LearningFrequency != 0 {
		return nil, nil
	}
	loss, err := d.learn()
	if err != nil {
		return nil, errors.Wrapf(err, "agent %s: learning step %d", d.name, d.learningSteps)
	}
	return &loss, nil
}

// learn performs one double DQN update on a sampled batch and returns the mean squared TD error.
func (d *DQN) learn() (float64, error) {
	batch := d.replay.Sample(d.rng, d.training.BatchSize)
	d.online.ZeroGrad()
	loss := 0.0
	n := float64(len(batch))
	for _, t := range batch {
		y := t.Reward
		if !t.Done && t.Next != nil {
			legal, err := legalActions(t.NextMask, d.ActionSpaceSize())
			if err != nil {
				return 0, err
			}
			qNext, err := d.online.QValues(t.Next)
			if err != nil {
				return 0, err
			}
			qTarget, err := d.target.QValues(t.Next)
			if err != nil {
				return 0, err
			}
			y += d.training.Gamma * qTarget[argmax(qNext, legal)]
		}
		pass, err := d.online.Forward(t.Obs)
		if err != nil {
			return 0, err
		}
		diff := pass.Q[t.Action] - y
		loss += diff * diff / n
		gQ := make([]float64, len(pass.Q))
		gQ[t.Action] = 2 * diff / n
		d.online.Backward(pass, gQ)
	}
	norm := d.opt.Update(d.online.Params(), d.online.Grads())
	d.learningSteps++

	if d.training.Tau < 1 {
		d.target.SoftUpdate(d.online, d.training.Tau)
	} else if d.learningSteps%d.training.TargetReplaceSteps == 0 {
		d.target.CopyFrom(d.online)
		klog.V(2).Infof("agent %s: target network replaced at learning step %d", d.name, d.learningSteps)
	}
	klog.V(2).Infof("agent %s: loss %.5f grad norm %.3f", d.name, loss, norm)
	return loss, nil
}

func (d *DQN) Stats() Stats {
	return Stats{
		Name:          d.name,
		Kind:          KindDQN,
		Phase:         d.phase.String(),
		Epsilon:       d.Epsilon(),
		Buffered:      d.replay.Len(),
		TrainSteps:    d.trainSteps,
		LearningSteps: d.learningSteps,
	}
}
