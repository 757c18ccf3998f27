package pop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeu5/gridpop/agent"
	"github.com/zeu5/gridpop/checkpoints"
	"github.com/zeu5/gridpop/community"
	"github.com/zeu5/gridpop/config"
	"github.com/zeu5/gridpop/gridenv"
	"github.com/zeu5/gridpop/gridgraph"
	"github.com/zeu5/gridpop/types"
)

const levelTemplate = `
  network:
    layers:
      - {type: egcn, out_feats: 4, heads: 1}
    hidden_output_size: 4
    value_stream_size: 4
    advantage_stream_size: 4
  training:
    learning_rate: 0.01
    gamma: 0.9
    epsilon_start: %[1]v
    epsilon_end: %[1]v
    epsilon_decay: 10
    replay_capacity: 32
    batch_size: 2
    learning_frequency: 1
    target_network_weight_replace_steps: 2
    illegal_action_penalty: 0.5
`

func testArchitecture(t *testing.T, epsilon float64, repartitionEvery int) *config.Architecture {
	level := fmt.Sprintf(levelTemplate, epsilon)
	doc := "agent:" + level + "manager:" + level + "head_manager:" + level +
		fmt.Sprintf("partition:\n  method: louvain\n  repartition_every: %d\n", repartitionEvery)
	arch, err := config.Parse([]byte(doc), "test")
	require.NoError(t, err)
	return arch
}

func triangle(t *testing.T) *gridenv.Environment {
	env, err := gridenv.New(gridenv.Config{
		Substations: 3,
		Lines:       [][2]int{{0, 1}, {1, 2}, {0, 2}},
		Loads:       []float64{0.1, 0.5, 0.3},
		Generation:  map[int]float64{0: 1},
		Seed:        5,
	})
	require.NoError(t, err)
	return env
}

func twoCommunities() community.Partitioner {
	return &community.Static{Communities: []community.Community{{0}, {1, 2}}}
}

func episode(t *testing.T) *types.EpisodeContext {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return &types.EpisodeContext{Context: ctx, Cancel: cancel}
}

func newController(t *testing.T, cfg Config, env *gridenv.Environment) *POP {
	p, err := New(cfg, env.ActionSpace())
	require.NoError(t, err)
	t.Cleanup(p.Stop)
	return p
}

// run plays steps steps of one episode and returns the encoded actions taken.
func run(t *testing.T, p *POP, env *gridenv.Environment, obs *types.Observation, steps int) ([]types.EncodedAction, *types.Observation) {
	ctx := context.Background()
	actions := make([]types.EncodedAction, 0, steps)
	for i := 0; i < steps; i++ {
		enc, native, err := p.Act(ctx, obs)
		require.NoError(t, err)
		actions = append(actions, enc)
		res, err := env.Step(native, nil)
		require.NoError(t, err)
		require.NoError(t, p.Learn(ctx, res))
		obs = res.Observation
	}
	return actions, obs
}

func TestThreeSubstationsTwoCommunities(t *testing.T) {
	ctx := context.Background()
	env := triangle(t)
	rec := NewRecorder()
	p := newController(t, Config{
		Name:         "scenario",
		Seed:         3,
		Training:     true,
		Architecture: testArchitecture(t, 0, 0),
		Partitioner:  twoCommunities(),
		Sink:         rec,
	}, env)

	obs, err := env.Reset(episode(t))
	require.NoError(t, err)
	rewards := make([]float64, 0)
	for step := 0; step < 3; step++ {
		enc, native, err := p.Act(ctx, obs)
		require.NoError(t, err)

		d := p.current
		require.Len(t, d.communities, 2)
		assert.Equal(t, 0, d.choices[0])
		assert.Contains(t, []int{1, 2}, d.choices[1])
		assert.Equal(t, 2, d.summary.NumNodes())
		assert.Equal(t, p.headNodeFeatures(), d.summary.NumNodeFeatures())

		// with no exploration the head picks the highest Q value, lowest index on ties
		q, err := p.head.qValues(d.summary).Get(ctx)
		require.NoError(t, err)
		expected := 0
		if q[1] > q[0] {
			expected = 1
		}
		assert.Equal(t, expected, d.head)
		assert.Equal(t, d.encoded[d.choices[d.head]], enc)
		decoded, err := env.ActionSpace().Decode(enc)
		require.NoError(t, err)
		assert.Equal(t, decoded, native)

		res, err := env.Step(native, nil)
		require.NoError(t, err)
		rewards = append(rewards, res.Reward)
		require.NoError(t, p.Learn(ctx, res))
		obs = res.Observation
	}

	assert.Equal(t, Counters{Episodes: 0, TrainSteps: 3, AliveSteps: 3}, p.Counters())
	for _, name := range []string{p.headName(), "manager_0_scenario", "manager_1,2_scenario", p.agentName(1)} {
		assert.NotEmpty(t, rec.Losses(name), name)
	}
	// actions proposed by the agents are always legal, so the managers see the raw reward
	for _, r := range rec.Records() {
		if r.ImplicitReward != nil {
			assert.InDelta(t, rewards[r.Step], *r.ImplicitReward, 1e-12)
		}
	}

	require.NoError(t, p.EndEpisode(ctx))
	assert.Equal(t, Counters{Episodes: 1, TrainSteps: 3, AliveSteps: 0}, p.Counters())
}

// flatReward makes every manager train on the same fixed reward
type flatReward float64

func (f flatReward) Shape(float64, agent.Feedback) float64 { return float64(f) }

func implicitRewards(rec *Recorder) []float64 {
	out := make([]float64, 0)
	for _, r := range rec.Records() {
		if r.ImplicitReward != nil {
			out = append(out, *r.ImplicitReward)
		}
	}
	return out
}

func TestManagersUseConfiguredShaper(t *testing.T) {
	ctx := context.Background()
	env := triangle(t)
	rec := NewRecorder()
	p := newController(t, Config{
		Name:         "shaped",
		Seed:         3,
		Training:     true,
		Architecture: testArchitecture(t, 0, 0),
		Partitioner:  twoCommunities(),
		Sink:         rec,
		Shaper:       flatReward(-2),
	}, env)
	obs, err := env.Reset(episode(t))
	require.NoError(t, err)
	_, obs = run(t, p, env, obs, 2)
	rewards := implicitRewards(rec)
	require.Len(t, rewards, 4)
	for _, r := range rewards {
		assert.Equal(t, -2.0, r)
	}

	store, err := checkpoints.Build(t.TempDir()).Done()
	require.NoError(t, err)
	require.NoError(t, p.Save(ctx, store))
	restoredRec := NewRecorder()
	restored, found, err := Load(ctx, store, env.ActionSpace(), Config{Training: true, Sink: restoredRec, Shaper: flatReward(3)})
	require.NoError(t, err)
	require.True(t, found)
	t.Cleanup(restored.Stop)
	_, _ = run(t, restored, env, obs, 1)
	rewards = implicitRewards(restoredRec)
	require.Len(t, rewards, 2)
	for _, r := range rewards {
		assert.Equal(t, 3.0, r)
	}
}

func TestPipelineIsDeterministic(t *testing.T) {
	play := func() ([]types.EncodedAction, []Record) {
		env := triangle(t)
		rec := NewRecorder()
		p := newController(t, Config{
			Name:         "det",
			Seed:         11,
			Training:     true,
			Architecture: testArchitecture(t, 0.5, 0),
			Sink:         rec,
		}, env)
		obs, err := env.Reset(episode(t))
		require.NoError(t, err)
		actions, _ := run(t, p, env, obs, 6)
		return actions, rec.Records()
	}
	a1, r1 := play()
	a2, r2 := play()
	assert.Equal(t, a1, a2)
	assert.Equal(t, r1, r2)
}

func TestRestoreReproducesCountersAndNextAction(t *testing.T) {
	ctx := context.Background()
	env := triangle(t)
	arch := testArchitecture(t, 0.5, 0)
	p := newController(t, Config{Name: "ckpt", Seed: 7, Training: true, Architecture: arch, Sink: NewRecorder()}, env)

	obs, err := env.Reset(episode(t))
	require.NoError(t, err)
	_, _ = run(t, p, env, obs, 3)
	require.NoError(t, p.EndEpisode(ctx))
	obs, err = env.Reset(episode(t))
	require.NoError(t, err)
	_, obs = run(t, p, env, obs, 2)

	store, err := checkpoints.Build(t.TempDir()).Keep(2).Done()
	require.NoError(t, err)
	require.NoError(t, p.Save(ctx, store))

	restored, found, err := Load(ctx, store, env.ActionSpace(), Config{Training: true, Sink: NewRecorder()})
	require.NoError(t, err)
	require.True(t, found)
	t.Cleanup(restored.Stop)

	assert.Equal(t, p.Counters(), restored.Counters())
	assert.Equal(t, Counters{Episodes: 1, TrainSteps: 5, AliveSteps: 2}, restored.Counters())
	assert.Equal(t, p.Communities(), restored.Communities())
	assert.Equal(t, p.Name(), restored.Name())

	before, err := p.State(ctx)
	require.NoError(t, err)
	after, err := restored.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.HeadManager.Online, after.HeadManager.Online)
	assert.Equal(t, before.Structure, after.Structure)

	for i := 0; i < 3; i++ {
		e1, n1, err := p.Act(ctx, obs)
		require.NoError(t, err)
		e2, n2, err := restored.Act(ctx, obs)
		require.NoError(t, err)
		assert.Equal(t, e1, e2)
		assert.Equal(t, n1, n2)
	}
}

func TestRestoreRejectsForeignGrid(t *testing.T) {
	ctx := context.Background()
	env := triangle(t)
	p := newController(t, Config{Name: "foreign", Training: true, Architecture: testArchitecture(t, 0, 0)}, env)
	obs, err := env.Reset(episode(t))
	require.NoError(t, err)
	_, _, err = p.Act(ctx, obs)
	require.NoError(t, err)
	st, err := p.State(ctx)
	require.NoError(t, err)

	other, err := gridenv.New(gridenv.Case14(1))
	require.NoError(t, err)
	_, err = Restore(st, other.ActionSpace(), Config{})
	assert.Error(t, err)

	broken := *st
	broken.Managers = map[string]agent.Checkpoint{}
	_, err = Restore(&broken, env.ActionSpace(), Config{})
	assert.Error(t, err)
}

func TestUnknownOwnerIsFatal(t *testing.T) {
	ctx := context.Background()
	env := triangle(t)
	p := newController(t, Config{
		Name:         "owner",
		Training:     true,
		Architecture: testArchitecture(t, 0, 0),
		Partitioner:  twoCommunities(),
	}, env)
	obs, err := env.Reset(episode(t))
	require.NoError(t, err)
	_, _, err = p.Act(ctx, obs)
	require.NoError(t, err)

	g := obs.Graph.Clone()
	g.IDs = append(g.IDs, 99)
	g.Nodes = append(g.Nodes, append([]float64(nil), g.Nodes[0]...))
	extended, err := gridgraph.New(g.IDs, g.Nodes, g.Edges)
	require.NoError(t, err)
	_, err = p.decide(ctx, &types.Observation{Graph: extended, Legal: obs.Legal}, false)
	assert.True(t, errors.Is(err, ErrUnknownOwner), "%v", err)
}

func TestEvaluationDoesNotTrain(t *testing.T) {
	env := triangle(t)
	rec := NewRecorder()
	p := newController(t, Config{Name: "eval", Architecture: testArchitecture(t, 0.5, 0), Sink: rec}, env)
	obs, err := env.Reset(episode(t))
	require.NoError(t, err)
	_, _ = run(t, p, env, obs, 4)

	assert.Equal(t, Counters{AliveSteps: 4}, p.Counters())
	assert.Empty(t, rec.Records())
	for _, d := range p.LastDecision().Explored {
		assert.False(t, d)
	}
}

func TestLearnWithoutAct(t *testing.T) {
	env := triangle(t)
	p := newController(t, Config{Training: true, Architecture: testArchitecture(t, 0, 0)}, env)
	assert.Error(t, p.Learn(context.Background(), &types.StepResult{}))
}

// sequence returns its partitions in turn, repeating the last one.
type sequence struct {
	partitions [][]community.Community
	calls      int
}

func (s *sequence) Partition(context.Context, *gridgraph.Graph) ([]community.Community, error) {
	i := s.calls
	if i >= len(s.partitions) {
		i = len(s.partitions) - 1
	}
	s.calls++
	return s.partitions[i], nil
}

func TestRepartitionKeepsUnchangedManagers(t *testing.T) {
	env := triangle(t)
	part := &sequence{partitions: [][]community.Community{
		{{0}, {1, 2}},
		{{0}, {1}, {2}},
	}}
	p := newController(t, Config{
		Name:         "epochs",
		Training:     true,
		Architecture: testArchitecture(t, 0, 2),
		Partitioner:  part,
		Sink:         NewRecorder(),
	}, env)

	obs, err := env.Reset(episode(t))
	require.NoError(t, err)
	_, obs = run(t, p, env, obs, 1)
	kept := p.managers["0"].ref.PID()
	retired := p.managers["1,2"]
	actors := p.sys.Len()

	// the second learn call sees two completed train steps and repartitions
	_, _ = run(t, p, env, obs, 2)
	assert.Equal(t, 2, part.calls)
	assert.Equal(t, kept, p.managers["0"].ref.PID())
	assert.NotContains(t, p.managers, "1,2")
	assert.Contains(t, p.managers, "1")
	assert.Contains(t, p.managers, "2")
	assert.Equal(t, actors+1, p.sys.Len())
	assert.Equal(t, 2, p.Status().Epoch)

	_, err = retired.checkpoint().Get(context.Background())
	assert.Error(t, err)
}

func TestStatusServer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env := triangle(t)
	rec := NewRecorder()
	p := newController(t, Config{Name: "served", Training: true, Architecture: testArchitecture(t, 0, 0), Sink: rec}, env)
	obs, err := env.Reset(episode(t))
	require.NoError(t, err)
	_, _ = run(t, p, env, obs, 3)

	srv := NewStatusServer(ctx, "127.0.0.1:0", p, rec, nil)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, w.Code)
	status := Status{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "served", status.Name)
	assert.Equal(t, 3, status.Counters.TrainSteps)
	assert.NotNil(t, status.Last)

	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/agents", nil))
	require.Equal(t, http.StatusOK, w.Code)
	stats := make([]map[string]any, 0)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Len(t, stats, 3+len(status.Communities)+1)

	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/losses", nil))
	require.Equal(t, http.StatusOK, w.Code)
	losses := make(map[string]float64)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &losses))
	assert.Contains(t, losses, p.headName())
}
