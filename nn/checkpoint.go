package nn

import (
	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"github.com/zeu5/gridpop/config"
)

// Matrix is the serialized form of a dense matrix, row major.
type Matrix struct {
	Rows int       `json:"rows"`
	Cols int       `json:"cols"`
	Data []float64 `json:"data"`
}

func matrixOf(m *mat.Dense) Matrix {
	r, c := m.Dims()
	data := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		data = append(data, m.RawRowView(i)...)
	}
	return Matrix{Rows: r, Cols: c, Data: data}
}

func (m Matrix) valid() bool {
	return m.Rows > 0 && m.Cols > 0 && len(m.Data) == m.Rows*m.Cols
}

// NetworkCore identifies a network and carries its weights.
type NetworkCore struct {
	Name            string            `json:"name"`
	NodeFeatures    int               `json:"node_features"`
	EdgeFeatures    int               `json:"edge_features"`
	ActionSpaceSize int               `json:"action_space_size"`
	Weights         map[string]Matrix `json:"network_state"`
}

// NetworkCheckpoint is the persisted form of a Dueling network. The architecture sits in its own
// section so that it can never collide with weight names.
type NetworkCheckpoint struct {
	Core         NetworkCore    `json:"core"`
	Architecture config.Network `json:"architecture"`
}

// Checkpoint snapshots the network.
func (d *Dueling) Checkpoint() NetworkCheckpoint {
	weights := make(map[string]Matrix)
	for k, p := range d.Params() {
		weights[k] = matrixOf(p)
	}
	arch := d.arch
	arch.Layers = append([]config.Layer(nil), d.arch.Layers...)
	return NetworkCheckpoint{
		Core: NetworkCore{
			Name:            d.name,
			NodeFeatures:    d.nodeFeatures,
			EdgeFeatures:    d.edgeFeatures,
			ActionSpaceSize: d.actions,
			Weights:         weights,
		},
		Architecture: arch,
	}
}

// LoadCheckpoint replaces the weights with those of c. The checkpoint must describe exactly this
// network topology; nothing is modified unless every check passes.
func (d *Dueling) LoadCheckpoint(c NetworkCheckpoint) error {
	if !d.arch.Equal(c.Architecture) {
		return errors.Errorf("network %s: checkpoint architecture %+v does not match %+v", d.name, c.Architecture, d.arch)
	}
	core := c.Core
	if core.NodeFeatures != d.nodeFeatures || core.EdgeFeatures != d.edgeFeatures || core.ActionSpaceSize != d.actions {
		return errors.Errorf("network %s: checkpoint has (%d node, %d edge features, %d actions), network has (%d, %d, %d)",
			d.name, core.NodeFeatures, core.EdgeFeatures, core.ActionSpaceSize, d.nodeFeatures, d.edgeFeatures, d.actions)
	}
	ps := d.Params()
	for _, k := range sortedKeys(ps) {
		w, ok := core.Weights[k]
		if !ok {
			return errors.Errorf("network %s: checkpoint is missing weight %q", d.name, k)
		}
		r, cols := ps[k].Dims()
		if !w.valid() || w.Rows != r || w.Cols != cols {
			return errors.Errorf("network %s: weight %q has shape %dx%d, expected %dx%d", d.name, k, w.Rows, w.Cols, r, cols)
		}
	}
	if len(core.Weights) != len(ps) {
		for k := range core.Weights {
			if _, ok := ps[k]; !ok {
				return errors.Errorf("network %s: checkpoint has unexpected weight %q", d.name, k)
			}
		}
	}
	for k, p := range ps {
		w := core.Weights[k]
		p.Copy(mat.NewDense(w.Rows, w.Cols, append([]float64(nil), w.Data...)))
	}
	d.name = core.Name
	return nil
}

// LoadDueling rebuilds a network from its checkpoint.
func LoadDueling(c NetworkCheckpoint) (*Dueling, error) {
	d, err := NewDueling(c.Core.Name, c.Core.NodeFeatures, c.Core.EdgeFeatures, c.Core.ActionSpaceSize,
		c.Architecture, rand.New(rand.NewSource(0)))
	if err != nil {
		return nil, errors.Wrap(err, "rebuilding network from checkpoint")
	}
	if err := d.LoadCheckpoint(c); err != nil {
		return nil, err
	}
	return d, nil
}
