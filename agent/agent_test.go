package agent

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeu5/gridpop/config"
	"github.com/zeu5/gridpop/gridgraph"
)

func testLevel() config.Level {
	return config.Level{
		Network: config.Network{
			Layers:              []config.Layer{{Type: config.LayerGCN, OutFeats: 4, Heads: 1}},
			HiddenOutputSize:    4,
			ValueStreamSize:     4,
			AdvantageStreamSize: 4,
		},
		Training: config.Training{
			LearningRate:       0.01,
			Gamma:              0.9,
			EpsilonStart:       1,
			EpsilonEnd:         0.1,
			EpsilonDecay:       10,
			ReplayCapacity:     16,
			BatchSize:          2,
			LearningFrequency:  1,
			TargetReplaceSteps: 2,
			Tau:                1,
			MaxGradNorm:        10,
		},
	}
}

func graph(load float64) *gridgraph.Graph {
	return gridgraph.MustNew(
		[]int{0, 1},
		[][]float64{{load, 1}, {1 - load, 0}},
		[]gridgraph.Edge{{From: 0, To: 1, Features: []float64{load}}},
	)
}

func newAgent(t *testing.T, level config.Level) *DQN {
	d, err := NewDQN("sub_0", 2, 1, 3, level, 1)
	require.NoError(t, err)
	return d
}

func TestEpsilonDecaysAndFreezes(t *testing.T) {
	d := newAgent(t, testLevel())
	assert.InDelta(t, 1.0, d.Epsilon(), 1e-12)

	prev := d.Epsilon()
	for i := 0; i < 5; i++ {
		_, _, err := d.TakeAction(graph(0.2), nil)
		require.NoError(t, err)
		_, err = d.Step(Transition{Obs: graph(0.2), Action: 1, Reward: 1, Next: graph(0.3)}, false)
		require.NoError(t, err)
		assert.Less(t, d.Epsilon(), prev)
		prev = d.Epsilon()
	}

	for i := 0; i < 5; i++ {
		_, err := d.Step(Transition{Obs: graph(0.2), Action: 1, Reward: 1, Next: graph(0.3)}, true)
		require.NoError(t, err)
		assert.Equal(t, prev, d.Epsilon())
	}
	assert.GreaterOrEqual(t, d.Epsilon(), testLevel().Training.EpsilonEnd)
}

func TestGreedyActionRespectsMaskAndTieBreak(t *testing.T) {
	level := testLevel()
	level.Training.EpsilonStart, level.Training.EpsilonEnd = 0, 0
	d := newAgent(t, level)

	q, err := d.QValues(graph(0.5))
	require.NoError(t, err)
	for _, mask := range [][]int{{0}, {1}, {2}, {0, 2}, nil} {
		a, explored, err := d.TakeAction(graph(0.5), mask)
		require.NoError(t, err)
		assert.False(t, explored)
		legal, _ := legalActions(mask, 3)
		assert.Contains(t, legal, a)
		for _, other := range legal {
			assert.GreaterOrEqual(t, q[a], q[other])
		}
	}

	assert.Equal(t, 0, argmax([]float64{1, 1, 1}, []int{0, 1, 2}))
	assert.Equal(t, 1, argmax([]float64{0, 2, 2}, []int{0, 1, 2}))
	assert.Equal(t, 2, argmax([]float64{5, 2, 2}, []int{2, 1}))

	_, _, err = d.TakeAction(graph(0.5), []int{3})
	assert.Error(t, err)
}

func TestExplorationStaysInsideMask(t *testing.T) {
	d := newAgent(t, testLevel())
	for i := 0; i < 50; i++ {
		a, explored, err := d.TakeAction(graph(0.5), []int{2})
		require.NoError(t, err)
		assert.Equal(t, 2, a)
		if explored {
			return
		}
	}
	t.Fatal("epsilon 1 never explored")
}

func TestStepWarmsUpBeforeLearning(t *testing.T) {
	d := newAgent(t, testLevel())
	assert.Equal(t, Uninitialized, d.Phase())

	loss, err := d.Step(Transition{Obs: graph(0.1), Action: 0, Reward: 1, Next: graph(0.2)}, false)
	require.NoError(t, err)
	assert.Nil(t, loss)
	assert.NotEqual(t, Learning, d.Phase())

	loss, err = d.Step(Transition{Obs: graph(0.2), Action: 2, Reward: 0, Next: graph(0.3), Done: true}, false)
	require.NoError(t, err)
	require.NotNil(t, loss)
	assert.GreaterOrEqual(t, *loss, 0.0)
	assert.Equal(t, Learning, d.Phase())
	assert.Equal(t, 1, d.Stats().LearningSteps)

	_, err = d.Step(Transition{Obs: graph(0.2), Action: 7}, false)
	assert.Error(t, err)
}

func TestLearningReducesTDError(t *testing.T) {
	level := testLevel()
	level.Training.Gamma = 0
	level.Training.LearningRate = 0.05
	d := newAgent(t, level)
	tr := Transition{Obs: graph(0.4), Action: 1, Reward: 2, Next: graph(0.4), Done: true}

	var first, last *float64
	for i := 0; i < 60; i++ {
		loss, err := d.Step(tr, false)
		require.NoError(t, err)
		if loss != nil && first == nil {
			first = loss
		}
		last = loss
	}
	require.NotNil(t, first)
	require.NotNil(t, last)
	assert.Less(t, *last, *first)
}

func TestShallowAgent(t *testing.T) {
	s := NewShallow("sub_4", 1)
	a, explored, err := s.TakeAction(graph(0.1), []int{0})
	require.NoError(t, err)
	assert.Equal(t, 0, a)
	assert.False(t, explored)
	loss, err := s.Step(Transition{}, false)
	require.NoError(t, err)
	assert.Nil(t, loss)

	restored, err := Restore(Checkpoint{Name: "sub_4", Actions: 1})
	require.NoError(t, err)
	assert.IsType(t, &Shallow{}, restored)
}

func TestCheckpointReproducesNextAction(t *testing.T) {
	d := newAgent(t, testLevel())
	for i := 0; i < 4; i++ {
		_, _, err := d.TakeAction(graph(0.3), nil)
		require.NoError(t, err)
		_, err = d.Step(Transition{Obs: graph(0.3), Action: i % 3, Reward: 0.5, Next: graph(0.4)}, false)
		require.NoError(t, err)
	}

	bs, err := json.Marshal(d.Checkpoint())
	require.NoError(t, err)
	var c Checkpoint
	require.NoError(t, json.Unmarshal(bs, &c))
	restored, err := Restore(c)
	require.NoError(t, err)
	r := restored.(*DQN)

	assert.Equal(t, d.Epsilon(), r.Epsilon())
	assert.Equal(t, d.Stats().TrainSteps, r.Stats().TrainSteps)
	assert.Equal(t, d.Stats().LearningSteps, r.Stats().LearningSteps)
	for i := 0; i < 10; i++ {
		a1, e1, err := d.TakeAction(graph(0.6), nil)
		require.NoError(t, err)
		a2, e2, err := r.TakeAction(graph(0.6), nil)
		require.NoError(t, err)
		assert.Equal(t, a1, a2)
		assert.Equal(t, e1, e2)
	}
}

func TestManagerShapesReward(t *testing.T) {
	level := testLevel()
	level.Training.IllegalActionPenalty = 0.5
	m, err := NewManager("manager_0,1", 2, 1, 2, level, 3)
	require.NoError(t, err)

	emb, err := m.Embedding(graph(0.3))
	require.NoError(t, err)
	assert.Len(t, emb, m.EmbeddingDimension())

	cases := []struct {
		fb   Feedback
		want float64
	}{
		{Feedback{Enacted: true, Illegal: true}, 0.5},
		{Feedback{Enacted: true, Illegal: false}, 1},
		{Feedback{Enacted: false, Illegal: true}, 1},
	}
	for _, c := range cases {
		_, effective, err := m.StepShaped(Transition{Obs: graph(0.3), Action: 0, Reward: 1, Next: graph(0.3)}, false, c.fb)
		require.NoError(t, err)
		assert.Equal(t, c.want, effective)
	}

	restored, err := Restore(m.Checkpoint())
	require.NoError(t, err)
	rm, ok := restored.(*Manager)
	require.True(t, ok)
	assert.Equal(t, LegalityShaper{Penalty: 0.5}, rm.shaper)
	assert.Equal(t, KindManager, rm.Stats().Kind)
}

func TestReplayEvictsOldest(t *testing.T) {
	r := NewReplay(2)
	r.Add(Transition{Action: 1})
	r.Add(Transition{Action: 2})
	r.Add(Transition{Action: 3})
	assert.Equal(t, 2, r.Len())
	actions := []int{r.items[0].Action, r.items[1].Action}
	assert.ElementsMatch(t, []int{2, 3}, actions)
}
