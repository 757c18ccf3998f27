package types

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingEnv ends every episode after doneAt steps, or never when doneAt is 0
type countingEnv struct {
	doneAt int
	step   int
	resets int
}

func (e *countingEnv) Reset(*EpisodeContext) (*Observation, error) {
	e.resets += 1
	e.step = 0
	return &Observation{}, nil
}

func (e *countingEnv) Step(action TopologyAction, _ *StepContext) (*StepResult, error) {
	e.step += 1
	return &StepResult{
		Observation: &Observation{},
		Reward:      1,
		Done:        e.doneAt > 0 && e.step >= e.doneAt,
		Info:        StepInfo{Illegal: !action.IsNoOp()},
	}, nil
}

func (e *countingEnv) ActionSpace() ActionSpace { return nil }

type failingController struct {
	DoNothingController
	acts int
}

func (c *failingController) Act(context.Context, *Observation) (EncodedAction, TopologyAction, error) {
	c.acts += 1
	return NoOp, DoNothing(), errors.New("broken policy")
}

// flakyEnv fails the step failAt of the first episode
type flakyEnv struct {
	countingEnv
	failAt int
}

func (e *flakyEnv) Step(action TopologyAction, sCtx *StepContext) (*StepResult, error) {
	if e.resets == 1 && e.step == e.failAt {
		return nil, errors.New("simulator diverged")
	}
	return e.countingEnv.Step(action, sCtx)
}

// countingController counts the calls it gets and can fail at the end of every episode
type countingController struct {
	DoNothingController
	learns int
	ends   int
	endErr error
}

func (c *countingController) Learn(context.Context, *StepResult) error {
	c.learns += 1
	return nil
}

func (c *countingController) EndEpisode(context.Context) error {
	c.ends += 1
	return c.endErr
}

func newTestComparison(t *testing.T, episodes, horizon int) *Comparison {
	c, err := NewComparison(&ComparisonConfig{
		Runs:       1,
		Episodes:   episodes,
		Horizon:    horizon,
		RecordPath: t.TempDir(),
	})
	require.NoError(t, err)
	return c
}

func TestRunCountsEpisodes(t *testing.T) {
	c := newTestComparison(t, 3, 5)
	var rewards, lengths []DataSet
	c.AddAnalysis("reward", RewardAnalyzer(), func(_ int, _ int, _ []string, ds []DataSet) { rewards = ds })
	c.AddAnalysis("survival", SurvivalAnalyzer(), func(_ int, _ int, _ []string, ds []DataSet) { lengths = ds })

	env := &countingEnv{doneAt: 4}
	hooked := make([]int, 0)
	c.AddExperiment(NewExperiment("baseline", DoNothingController{}, env).OnEpisodeEnd(func(episode int, eCtx *EpisodeContext) error {
		hooked = append(hooked, episode)
		assert.True(t, eCtx.Terminal)
		return nil
	}))

	summaries, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	s := summaries[0][0]
	assert.Equal(t, 3, s.Episodes)
	assert.Equal(t, 3, s.Terminal)
	assert.Equal(t, 12, s.Timesteps)
	assert.Equal(t, 3, env.resets)
	assert.Equal(t, []int{1, 2, 3}, hooked)
	assert.Equal(t, []float64{4, 4, 4}, rewards[0])
	assert.Equal(t, []float64{4, 4, 4}, lengths[0])
}

func TestRunHorizonEnd(t *testing.T) {
	c := newTestComparison(t, 2, 3)
	c.AddExperiment(NewExperiment("baseline", DoNothingController{}, &countingEnv{}))
	summaries, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summaries[0][0].HorizonEnd)
	assert.Equal(t, 6, summaries[0][0].Timesteps)
}

func TestControllerErrorAbortsRun(t *testing.T) {
	c := newTestComparison(t, 5, 3)
	controller := &failingController{}
	c.AddExperiment(NewExperiment("broken", controller, &countingEnv{}))

	_, err := c.Run(context.Background())
	require.Error(t, err)
	var cErr *ControllerError
	require.True(t, errors.As(err, &cErr))
	assert.Equal(t, "act", cErr.Op)
	assert.Equal(t, 1, controller.acts)
}

func TestHookErrorStopsRun(t *testing.T) {
	c := newTestComparison(t, 5, 3)
	env := &countingEnv{}
	c.AddExperiment(NewExperiment("baseline", DoNothingController{}, env).OnEpisodeEnd(func(int, *EpisodeContext) error {
		return errors.New("disk full")
	}))
	_, err := c.Run(context.Background())
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, 1, env.resets)
}

func TestIllegalActionAnalyzer(t *testing.T) {
	trace := NewTrace()
	trace.Append(0, NoOp, DoNothing(), &StepResult{Reward: 1})
	trace.Append(1, 3, TopologyAction{Substation: 2, Configuration: 1}, &StepResult{Reward: -1, Info: StepInfo{Illegal: true}})

	a := IllegalActionAnalyzer()
	a.Analyze(0, 1, 0, "x", trace)
	assert.Equal(t, []float64{1}, a.DataSet())
	assert.Equal(t, 0.0, trace.TotalReward())
	a.Reset()
	assert.Empty(t, a.DataSet())
}

func TestEpisodeEndsAfterEnvironmentError(t *testing.T) {
	c := newTestComparison(t, 3, 5)
	controller := &countingController{}
	c.AddExperiment(NewExperiment("flaky", controller, &flakyEnv{failAt: 2}))

	summaries, err := c.Run(context.Background())
	require.NoError(t, err)
	s := summaries[0][0]
	assert.Equal(t, 3, s.Episodes)
	assert.Equal(t, 1, s.Errors)
	assert.Equal(t, 2, s.HorizonEnd)
	assert.Equal(t, 12, controller.learns)
	assert.Equal(t, 3, controller.ends)
}

func TestEndEpisodeKeepsFirstError(t *testing.T) {
	controller := &countingController{endErr: errors.New("counters lost")}
	env := &flakyEnv{failAt: 0}
	a := NewAgent(&AgentConfig{Episodes: 1, Horizon: 3, Controller: controller, Environment: env})
	eCtx := NewEpisodeContext(0, "flaky", &experimentRunConfig{Context: context.Background()})
	defer eCtx.Cancel()

	a.RunEpisode(eCtx)
	require.Error(t, eCtx.Err)
	assert.Contains(t, eCtx.Err.Error(), "simulator diverged")
	assert.False(t, eCtx.HorizonEnd)
	assert.Equal(t, 1, controller.ends)

	// a clean episode still reports the failure to close it
	clean := NewEpisodeContext(1, "flaky", &experimentRunConfig{Context: context.Background()})
	defer clean.Cancel()
	a.RunEpisode(clean)
	assert.Equal(t, 2, controller.ends)
	var cErr *ControllerError
	require.True(t, errors.As(clean.Err, &cErr))
	assert.Equal(t, "end of episode", cErr.Op)
}
