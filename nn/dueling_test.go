package nn

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"

	"github.com/zeu5/gridpop/config"
	"github.com/zeu5/gridpop/gridgraph"
)

func testArch() config.Network {
	return config.Network{
		Layers: []config.Layer{
			{Type: config.LayerEdgeGCN, OutFeats: 3, Heads: 2},
			{Type: config.LayerGCN, OutFeats: 4, Heads: 1},
		},
		HiddenOutputSize:    5,
		ValueStreamSize:     4,
		AdvantageStreamSize: 6,
	}
}

func triangle() *gridgraph.Graph {
	return gridgraph.MustNew(
		[]int{0, 1, 2},
		[][]float64{{0.5, -0.2}, {1.0, 0.3}, {-0.7, 0.9}},
		[]gridgraph.Edge{
			{From: 0, To: 1, Features: []float64{0.4, 1}},
			{From: 1, To: 2, Features: []float64{0.9, 0.5}},
			{From: 0, To: 2, Features: []float64{0.1, 0.2}},
		},
	)
}

func newTestNetwork(t *testing.T, seed uint64) *Dueling {
	d, err := NewDueling("test", 2, 2, 4, testArch(), rand.New(rand.NewSource(seed)))
	require.NoError(t, err)
	return d
}

func TestDuelingAdvantageIsCentered(t *testing.T) {
	for seed := uint64(1); seed <= 5; seed++ {
		d := newTestNetwork(t, seed)
		p, err := d.Forward(triangle())
		require.NoError(t, err)
		require.Len(t, p.Q, 4)

		sum := 0.0
		for _, q := range p.Q {
			sum += q - p.V
		}
		assert.InDelta(t, 0, sum/float64(len(p.Q)), 1e-12)

		adv, err := d.Advantage(triangle())
		require.NoError(t, err)
		assert.Equal(t, p.A, adv)
	}
}

func TestDuelingEmbeddingDimension(t *testing.T) {
	d := newTestNetwork(t, 3)
	emb, err := d.ExtractFeatures(triangle())
	require.NoError(t, err)
	assert.Len(t, emb, 5)
	assert.Equal(t, 5, d.EmbeddingDimension())
	assert.Positive(t, d.NumParameters())
}

func TestDuelingRejectsMismatchedGraph(t *testing.T) {
	d := newTestNetwork(t, 3)
	g := gridgraph.MustNew([]int{0}, [][]float64{{1, 2, 3}}, nil)
	_, err := d.Forward(g)
	assert.Error(t, err)

	_, err = d.Forward(gridgraph.MustNew(nil, nil, nil))
	assert.Error(t, err)
}

func TestCheckpointRoundTrip(t *testing.T) {
	d := newTestNetwork(t, 7)
	bs, err := json.Marshal(d.Checkpoint())
	require.NoError(t, err)

	var c NetworkCheckpoint
	require.NoError(t, json.Unmarshal(bs, &c))
	restored, err := LoadDueling(c)
	require.NoError(t, err)

	assert.Equal(t, d.Name(), restored.Name())
	assert.Equal(t, d.NodeFeatures(), restored.NodeFeatures())
	assert.Equal(t, d.EdgeFeatures(), restored.EdgeFeatures())
	assert.Equal(t, d.ActionSpaceSize(), restored.ActionSpaceSize())
	assert.True(t, d.Architecture().Equal(restored.Architecture()))
	assert.Equal(t, d.EmbeddingDimension(), restored.EmbeddingDimension())
	assert.Equal(t, d.Checkpoint(), restored.Checkpoint())

	want, err := d.QValues(triangle())
	require.NoError(t, err)
	got, err := restored.QValues(triangle())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLoadCheckpointRejectsIncompatible(t *testing.T) {
	d := newTestNetwork(t, 7)
	before := d.Checkpoint()

	other := testArch()
	other.Layers = other.Layers[:1]
	o, err := NewDueling("test", 2, 2, 4, other, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	assert.Error(t, d.LoadCheckpoint(o.Checkpoint()))

	o, err = NewDueling("test", 2, 2, 5, testArch(), rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	assert.Error(t, d.LoadCheckpoint(o.Checkpoint()))

	bad := newTestNetwork(t, 9).Checkpoint()
	w := bad.Core.Weights["value.1.weight"]
	w.Rows, w.Data = 1, w.Data[:w.Cols]
	bad.Core.Weights["value.1.weight"] = w
	assert.Error(t, d.LoadCheckpoint(bad))

	missing := newTestNetwork(t, 9).Checkpoint()
	delete(missing.Core.Weights, "extractor.output.bias")
	assert.Error(t, d.LoadCheckpoint(missing))

	assert.Equal(t, before, d.Checkpoint(), "failed loads must not modify the network")
}

func TestSoftUpdate(t *testing.T) {
	a := newTestNetwork(t, 1)
	b := newTestNetwork(t, 2)
	wa := a.Params()["value.1.bias"].At(0, 0)
	b.Params()["value.1.bias"].Set(0, 0, wa+1)

	a.SoftUpdate(b, 0.25)
	assert.InDelta(t, wa+0.25, a.Params()["value.1.bias"].At(0, 0), 1e-12)

	a.CopyFrom(b)
	assert.Equal(t, b.Checkpoint().Core.Weights, a.Checkpoint().Core.Weights)
}

// Backward must agree with central finite differences of L = sum_k c_k Q_k.
func TestBackwardMatchesFiniteDifferences(t *testing.T) {
	d := newTestNetwork(t, 11)
	g := triangle()
	coef := []float64{0.3, -1.2, 0.8, 0.5}
	loss := func() float64 {
		q, err := d.QValues(g)
		require.NoError(t, err)
		l := 0.0
		for k := range q {
			l += coef[k] * q[k]
		}
		return l
	}

	p, err := d.Forward(g)
	require.NoError(t, err)
	d.ZeroGrad()
	d.Backward(p, coef)
	grads := d.Grads()

	const h = 1e-6
	for name, param := range d.Params() {
		r, c := param.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				orig := param.At(i, j)
				param.Set(i, j, orig+h)
				up := loss()
				param.Set(i, j, orig-h)
				down := loss()
				param.Set(i, j, orig)
				numeric := (up - down) / (2 * h)
				analytic := grads[name].At(i, j)
				tol := 1e-5 * math.Max(1, math.Abs(numeric))
				assert.InDeltaf(t, numeric, analytic, tol, "%s[%d,%d]", name, i, j)
			}
		}
	}
}

func TestAdamMovesAgainstGradient(t *testing.T) {
	d := newTestNetwork(t, 5)
	opt := NewAdam(0.01, 10)
	g := triangle()

	before, err := d.QValues(g)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		p, err := d.Forward(g)
		require.NoError(t, err)
		d.ZeroGrad()
		// minimizing Q[0]
		d.Backward(p, []float64{1, 0, 0, 0})
		opt.Update(d.Params(), d.Grads())
	}
	after, err := d.QValues(g)
	require.NoError(t, err)
	assert.Less(t, after[0], before[0])

	restored, err := RestoreAdam(opt.State(), d.Params())
	require.NoError(t, err)
	assert.Equal(t, opt.State(), restored.State())

	_, err = RestoreAdam(opt.State(), newTestNetwork(t, 5).extractor.Params())
	assert.Error(t, err)
}
