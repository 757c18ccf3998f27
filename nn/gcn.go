package nn

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"github.com/zeu5/gridpop/config"
	"github.com/zeu5/gridpop/gridgraph"
)

// FeatureExtractor turns a graph into a fixed width embedding and can propagate an embedding
// gradient back into its own parameters.
type FeatureExtractor interface {
	Forward(g *gridgraph.Graph) (*Trace, []float64, error)
	// Backward accumulates parameter gradients for the embedding gradient gEmb.
	Backward(tr *Trace, gEmb []float64)
	EmbeddingDimension() int
	Params() map[string]*mat.Dense
	Grads() map[string]*mat.Dense
	ZeroGrad()
}

// Trace keeps the intermediate values of one forward pass.
type Trace struct {
	nodes int
	steps []convStep
}

type convStep struct {
	adj *mat.Dense // normalized adjacency used by the layer
	in  *mat.Dense // aggregated input, adj*H
	z   *mat.Dense // pre-activation
	act bool       // ReLU applied
}

type convLayer struct {
	kind string
	lin  *Linear
}

// GraphConv is a stack of message passing layers followed by an output projection of width
// HiddenOutputSize. Every layer aggregates the mean of the node's neighbourhood including itself;
// egcn layers weigh each line by a sigmoid gate over the line's features. The graph embedding is
// the mean of the final node embeddings.
type GraphConv struct {
	nodeFeatures int
	layers       []convLayer
	output       *Linear
	outputKind   string
}

// NewGraphConv builds the extractor described by arch for graphs with nodeFeatures node features.
func NewGraphConv(nodeFeatures int, arch config.Network, rng *rand.Rand) (*GraphConv, error) {
	if nodeFeatures <= 0 {
		return nil, errors.Errorf("graph extractor needs at least one node feature, got %d", nodeFeatures)
	}
	if arch.HiddenOutputSize <= 0 {
		return nil, errors.Errorf("graph extractor needs a positive hidden output size, got %d", arch.HiddenOutputSize)
	}
	gc := &GraphConv{nodeFeatures: nodeFeatures, outputKind: config.LayerGCN}
	in := nodeFeatures
	for i, l := range arch.Layers {
		switch l.Type {
		case config.LayerGCN, config.LayerEdgeGCN:
		default:
			return nil, errors.Errorf("layer %d: unknown layer type %q", i, l.Type)
		}
		gc.layers = append(gc.layers, convLayer{kind: l.Type, lin: newLinear(in, l.Width(), rng)})
		gc.outputKind = l.Type
		in = l.Width()
	}
	gc.output = newLinear(in, arch.HiddenOutputSize, rng)
	return gc, nil
}

// EmbeddingDimension is the width of the graph embedding.
func (gc *GraphConv) EmbeddingDimension() int {
	_, out := gc.output.W.Dims()
	return out
}

func (gc *GraphConv) named() []namedLinear {
	out := make([]namedLinear, 0, len(gc.layers)+1)
	for i, l := range gc.layers {
		out = append(out, namedLinear{name: fmt.Sprintf("extractor.layer%d", i), layer: l.lin})
	}
	return append(out, namedLinear{name: "extractor.output", layer: gc.output})
}

func (gc *GraphConv) Params() map[string]*mat.Dense { return params(gc.named()) }
func (gc *GraphConv) Grads() map[string]*mat.Dense { return grads(gc.named()) }

func (gc *GraphConv) ZeroGrad() {
	for _, l := range gc.named() {
		l.layer.zeroGrad()
	}
}

func edgeGate(e gridgraph.Edge) float64 {
	s := 0.0
	for _, v := range e.Features {
		s += v
	}
	return 1 / (1 + math.Exp(-s))
}

func adjacencyFor(g *gridgraph.Graph, kind string) *mat.Dense {
	if kind == config.LayerEdgeGCN {
		return g.Adjacency(edgeGate)
	}
	return g.Adjacency(nil)
}

func (gc *GraphConv) Forward(g *gridgraph.Graph) (*Trace, []float64, error) {
	if g.NumNodes() == 0 {
		return nil, nil, errors.New("cannot embed an empty graph")
	}
	if g.NumNodeFeatures() != gc.nodeFeatures {
		return nil, nil, errors.Errorf("graph has %d node features, extractor expects %d", g.NumNodeFeatures(), gc.nodeFeatures)
	}
	adj := map[string]*mat.Dense{}
	lookup := func(kind string) *mat.Dense {
		if a, ok := adj[kind]; ok {
			return a
		}
		a := adjacencyFor(g, kind)
		adj[kind] = a
		return a
	}

	tr := &Trace{nodes: g.NumNodes()}
	h := g.NodeMatrix()
	apply := func(kind string, lin *Linear, act bool) {
		a := lookup(kind)
		var in mat.Dense
		in.Mul(a, h)
		z := lin.forward(&in)
		tr.steps = append(tr.steps, convStep{adj: a, in: &in, z: z, act: act})
		if act {
			h = relu(z)
		} else {
			h = z
		}
	}
	for _, l := range gc.layers {
		apply(l.kind, l.lin, true)
	}
	apply(gc.outputKind, gc.output, false)

	n, d := h.Dims()
	emb := make([]float64, d)
	for i := 0; i < n; i++ {
		for j, v := range h.RawRowView(i) {
			emb[j] += v
		}
	}
	for j := range emb {
		emb[j] /= float64(n)
	}
	return tr, emb, nil
}

func (gc *GraphConv) Backward(tr *Trace, gEmb []float64) {
	n := tr.nodes
	gh := mat.NewDense(n, len(gEmb), nil)
	for i := 0; i < n; i++ {
		row := gh.RawRowView(i)
		for j, v := range gEmb {
			row[j] = v / float64(n)
		}
	}
	lins := make([]*Linear, 0, len(gc.layers)+1)
	for _, l := range gc.layers {
		lins = append(lins, l.lin)
	}
	lins = append(lins, gc.output)

	for k := len(tr.steps) - 1; k >= 0; k-- {
		s := tr.steps[k]
		gz := gh
		if s.act {
			gz = reluGrad(gh, s.z)
		}
		gin := lins[k].backward(s.in, gz)
		var next mat.Dense
		next.Mul(s.adj.T(), gin)
		gh = &next
	}
}
