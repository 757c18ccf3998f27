package nn

import (
	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"github.com/zeu5/gridpop/config"
	"github.com/zeu5/gridpop/gridgraph"
)

// Dueling is a graph Q-network with separate value and advantage streams,
// Q(s,a) = V(s) + A(s,a) - mean_a A(s,a).
type Dueling struct {
	name         string
	nodeFeatures int
	edgeFeatures int
	actions      int
	arch         config.Network

	extractor FeatureExtractor
	value     [2]*Linear
	advantage [2]*Linear
}

// Pass holds the outputs of one forward pass and what is needed to backpropagate through it.
type Pass struct {
	Q []float64
	V float64
	A []float64

	trace *Trace
	emb   *mat.Dense
	vZ    *mat.Dense
	vH    *mat.Dense
	aZ    *mat.Dense
	aH    *mat.Dense
}

// NewDueling creates a freshly initialized network for graphs with the given feature widths and
// an action space of the given size.
func NewDueling(name string, nodeFeatures, edgeFeatures, actions int, arch config.Network, rng *rand.Rand) (*Dueling, error) {
	if actions < 1 {
		return nil, errors.Errorf("network %s: action space must not be empty", name)
	}
	if edgeFeatures < 0 {
		return nil, errors.Errorf("network %s: negative edge feature count %d", name, edgeFeatures)
	}
	extractor, err := NewGraphConv(nodeFeatures, arch, rng)
	if err != nil {
		return nil, errors.Wrapf(err, "network %s", name)
	}
	d := extractor.EmbeddingDimension()
	return &Dueling{
		name:         name,
		nodeFeatures: nodeFeatures,
		edgeFeatures: edgeFeatures,
		actions:      actions,
		arch:         arch,
		extractor:    extractor,
		value:        [2]*Linear{newLinear(d, arch.ValueStreamSize, rng), newLinear(arch.ValueStreamSize, 1, rng)},
		advantage:    [2]*Linear{newLinear(d, arch.AdvantageStreamSize, rng), newLinear(arch.AdvantageStreamSize, actions, rng)},
	}, nil
}

func (d *Dueling) Name() string { return d.name }
func (d *Dueling) NodeFeatures() int { return d.nodeFeatures }
func (d *Dueling) EdgeFeatures() int { return d.edgeFeatures }
func (d *Dueling) ActionSpaceSize() int { return d.actions }
func (d *Dueling) Architecture() config.Network { return d.arch }
func (d *Dueling) EmbeddingDimension() int { return d.extractor.EmbeddingDimension() }

// Forward runs the network on g.
func (d *Dueling) Forward(g *gridgraph.Graph) (*Pass, error) {
	if g.NumEdgeFeatures() != 0 && g.NumEdgeFeatures() != d.edgeFeatures {
		return nil, errors.Errorf("network %s: graph has %d edge features, expected %d", d.name, g.NumEdgeFeatures(), d.edgeFeatures)
	}
	tr, emb, err := d.extractor.Forward(g)
	if err != nil {
		return nil, errors.Wrapf(err, "network %s", d.name)
	}
	p := &Pass{trace: tr, emb: rowVector(emb)}

	p.vZ = d.value[0].forward(p.emb)
	p.vH = relu(p.vZ)
	p.V = d.value[1].forward(p.vH).At(0, 0)

	p.aZ = d.advantage[0].forward(p.emb)
	p.aH = relu(p.aZ)
	p.A = append([]float64(nil), d.advantage[1].forward(p.aH).RawRowView(0)...)

	mean := 0.0
	for _, a := range p.A {
		mean += a
	}
	mean /= float64(len(p.A))
	p.Q = make([]float64, len(p.A))
	for i, a := range p.A {
		p.Q[i] = p.V + a - mean
	}
	return p, nil
}

// QValues returns Q(g, a) for every action.
func (d *Dueling) QValues(g *gridgraph.Graph) ([]float64, error) {
	p, err := d.Forward(g)
	if err != nil {
		return nil, err
	}
	return p.Q, nil
}

// Advantage returns the raw advantage stream, before mean subtraction.
func (d *Dueling) Advantage(g *gridgraph.Graph) ([]float64, error) {
	p, err := d.Forward(g)
	if err != nil {
		return nil, err
	}
	return p.A, nil
}

// ExtractFeatures returns the graph embedding consumed by both streams.
func (d *Dueling) ExtractFeatures(g *gridgraph.Graph) ([]float64, error) {
	_, emb, err := d.extractor.Forward(g)
	if err != nil {
		return nil, errors.Wrapf(err, "network %s", d.name)
	}
	return emb, nil
}

// Backward accumulates parameter gradients for dLoss/dQ = gQ.
func (d *Dueling) Backward(p *Pass, gQ []float64) {
	gV := 0.0
	for _, g := range gQ {
		gV += g
	}
	mean := gV / float64(len(gQ))
	gA := make([]float64, len(gQ))
	for i, g := range gQ {
		gA[i] = g - mean
	}

	gvH := d.value[1].backward(p.vH, mat.NewDense(1, 1, []float64{gV}))
	gEmbV := d.value[0].backward(p.emb, reluGrad(gvH, p.vZ))

	gaH := d.advantage[1].backward(p.aH, rowVector(gA))
	gEmbA := d.advantage[0].backward(p.emb, reluGrad(gaH, p.aZ))

	var gEmb mat.Dense
	gEmb.Add(gEmbV, gEmbA)
	d.extractor.Backward(p.trace, gEmb.RawRowView(0))
}

func (d *Dueling) heads() []namedLinear {
	return []namedLinear{
		{name: "value.0", layer: d.value[0]},
		{name: "value.1", layer: d.value[1]},
		{name: "advantage.0", layer: d.advantage[0]},
		{name: "advantage.1", layer: d.advantage[1]},
	}
}

// Params is the state dict of the network, keyed by parameter name.
func (d *Dueling) Params() map[string]*mat.Dense {
	out := d.extractor.Params()
	for k, v := range params(d.heads()) {
		out[k] = v
	}
	return out
}

// Grads mirrors Params.
func (d *Dueling) Grads() map[string]*mat.Dense {
	out := d.extractor.Grads()
	for k, v := range grads(d.heads()) {
		out[k] = v
	}
	return out
}

func (d *Dueling) ZeroGrad() {
	d.extractor.ZeroGrad()
	for _, l := range d.heads() {
		l.layer.zeroGrad()
	}
}

// NumParameters counts the scalar parameters.
func (d *Dueling) NumParameters() int {
	total := 0
	for _, p := range d.Params() {
		r, c := p.Dims()
		total += r * c
	}
	return total
}

// CopyFrom overwrites the weights with those of other, which must share the architecture.
func (d *Dueling) CopyFrom(other *Dueling) {
	d.SoftUpdate(other, 1)
}

// SoftUpdate moves the weights towards other: p = tau*other + (1-tau)*p.
func (d *Dueling) SoftUpdate(other *Dueling, tau float64) {
	src := other.Params()
	for k, p := range d.Params() {
		if tau == 1 {
			p.Copy(src[k])
			continue
		}
		p.Scale(1-tau, p)
		var s mat.Dense
		s.Scale(tau, src[k])
		p.Add(p, &s)
	}
}

// Clone returns an independent copy with the same weights.
func (d *Dueling) Clone() *Dueling {
	c, err := LoadDueling(d.Checkpoint())
	if err != nil {
		panic(errors.Wrapf(err, "cloning network %s", d.name))
	}
	return c
}
