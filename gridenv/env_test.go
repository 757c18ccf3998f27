package gridenv

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeu5/gridpop/types"
)

func episode(t *testing.T) *types.EpisodeContext {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return &types.EpisodeContext{Context: ctx, Cancel: cancel}
}

func TestActionTableRoundTrip(t *testing.T) {
	table, err := NewActionTable([]int{0, 1, 2}, map[int]int{0: 2, 1: 0, 2: 3})
	require.NoError(t, err)
	assert.Equal(t, 6, table.Size())
	assert.Equal(t, 1, table.NumActions(1))

	for _, sub := range table.Substations() {
		enc, err := table.Encode(sub, 0)
		require.NoError(t, err)
		assert.Equal(t, types.NoOp, enc)
		for local := 1; local < table.NumActions(sub); local++ {
			enc, err := table.Encode(sub, local)
			require.NoError(t, err)
			action, err := table.Decode(enc)
			require.NoError(t, err)
			assert.Equal(t, types.TopologyAction{Substation: sub, Configuration: local}, action)
		}
	}
	action, err := table.Decode(types.NoOp)
	require.NoError(t, err)
	assert.True(t, action.IsNoOp())

	_, err = table.Encode(0, 3)
	assert.Error(t, err)
	_, err = table.Encode(7, 0)
	assert.Error(t, err)
	_, err = table.Decode(6)
	assert.Error(t, err)
	_, err = NewActionTable([]int{0, 0}, map[int]int{0: 1})
	assert.Error(t, err)
}

func TestCase14Shape(t *testing.T) {
	env, err := New(Case14(1))
	require.NoError(t, err)
	obs, err := env.Reset(episode(t))
	require.NoError(t, err)

	assert.Equal(t, 14, obs.Graph.NumNodes())
	assert.Equal(t, 4, obs.Graph.NumNodeFeatures())
	assert.Equal(t, 2, obs.Graph.NumEdgeFeatures())
	assert.Len(t, obs.Graph.Edges, 20)
	// substation 7 is only connected to 6
	assert.Equal(t, 1, env.ActionSpace().NumActions(7))
	assert.Equal(t, []int{0}, obs.Legal[7])
	assert.Equal(t, 4, env.ActionSpace().NumActions(3))
}

func TestEnvironmentIsDeterministic(t *testing.T) {
	run := func() []float64 {
		env, err := New(Case14(7))
		require.NoError(t, err)
		_, err = env.Reset(episode(t))
		require.NoError(t, err)
		rewards := make([]float64, 0)
		for step := 0; step < 10; step++ {
			action := types.DoNothing()
			if step == 2 {
				action = types.TopologyAction{Substation: 3, Configuration: 1}
			}
			res, err := env.Step(action, nil)
			require.NoError(t, err)
			rewards = append(rewards, res.Reward)
			if res.Done {
				break
			}
		}
		return rewards
	}
	assert.Equal(t, run(), run())
}

func TestCooldownMakesActionsIllegal(t *testing.T) {
	env, err := New(Case14(3))
	require.NoError(t, err)
	_, err = env.Reset(episode(t))
	require.NoError(t, err)

	res, err := env.Step(types.TopologyAction{Substation: 1, Configuration: 2}, nil)
	require.NoError(t, err)
	assert.False(t, res.Info.Illegal)
	assert.Equal(t, []int{0}, res.Observation.Legal[1])
	assert.Equal(t, 4, len(res.Observation.Legal[3]))

	res, err = env.Step(types.TopologyAction{Substation: 1, Configuration: 1}, nil)
	require.NoError(t, err)
	assert.True(t, res.Info.Illegal)

	for i := 0; i < 2; i++ {
		res, err = env.Step(types.DoNothing(), nil)
		require.NoError(t, err)
	}
	assert.Len(t, res.Observation.Legal[1], env.ActionSpace().NumActions(1))

	_, err = env.Step(types.TopologyAction{Substation: 1, Configuration: 9}, nil)
	assert.Error(t, err)
}

func TestStepBeforeReset(t *testing.T) {
	env, err := New(Case14(1))
	require.NoError(t, err)
	_, err = env.Step(types.DoNothing(), nil)
	assert.Error(t, err)
}
