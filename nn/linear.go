// Package nn implements the dueling graph policy networks used at every level of the controller,
// on top of gonum matrices with hand-written gradients.
package nn

import (
	"math"

	"golang.org/x/exp/rand"
	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Linear is an affine layer y = x W + b. Gradients accumulate until ZeroGrad.
type Linear struct {
	W *mat.Dense // in×out
	B *mat.Dense // 1×out

	gW *mat.Dense
	gB *mat.Dense
}

func newLinear(in, out int, rng *rand.Rand) *Linear {
	limit := math.Sqrt(6 / float64(in+out))
	w := make([]float64, in*out)
	for i := range w {
		w[i] = (rng.Float64()*2 - 1) * limit
	}
	return &Linear{
		W:  mat.NewDense(in, out, w),
		B:  mat.NewDense(1, out, nil),
		gW: mat.NewDense(in, out, nil),
		gB: mat.NewDense(1, out, nil),
	}
}

func (l *Linear) forward(x *mat.Dense) *mat.Dense {
	r, _ := x.Dims()
	_, out := l.W.Dims()
	y := mat.NewDense(r, out, nil)
	y.Mul(x, l.W)
	bias := l.B.RawRowView(0)
	for i := 0; i < r; i++ {
		floats.Add(y.RawRowView(i), bias)
	}
	return y
}

// backward accumulates the parameter gradients and returns the gradient with respect to x.
func (l *Linear) backward(x, gy *mat.Dense) *mat.Dense {
	var gw mat.Dense
	gw.Mul(x.T(), gy)
	l.gW.Add(l.gW, &gw)
	gb := l.gB.RawRowView(0)
	r, _ := gy.Dims()
	for i := 0; i < r; i++ {
		floats.Add(gb, gy.RawRowView(i))
	}
	var gx mat.Dense
	gx.Mul(gy, l.W.T())
	return &gx
}

func (l *Linear) zeroGrad() {
	l.gW.Zero()
	l.gB.Zero()
}

func relu(z *mat.Dense) *mat.Dense {
	var h mat.Dense
	h.Apply(func(_, _ int, v float64) float64 { return math.Max(0, v) }, z)
	return &h
}

func reluGrad(gh, z *mat.Dense) *mat.Dense {
	var g mat.Dense
	g.Apply(func(i, j int, v float64) float64 {
		if z.At(i, j) > 0 {
			return v
		}
		return 0
	}, gh)
	return &g
}

func rowVector(v []float64) *mat.Dense {
	return mat.NewDense(1, len(v), append([]float64(nil), v...))
}

// namedLinear ties a layer to its parameter prefix in the state dict.
type namedLinear struct {
	name  string
	layer *Linear
}

func params(layers []namedLinear) map[string]*mat.Dense {
	out := make(map[string]*mat.Dense, 2*len(layers))
	for _, l := range layers {
		out[l.name+".weight"] = l.layer.W
		out[l.name+".bias"] = l.layer.B
	}
	return out
}

func grads(layers []namedLinear) map[string]*mat.Dense {
	out := make(map[string]*mat.Dense, 2*len(layers))
	for _, l := range layers {
		out[l.name+".weight"] = l.layer.gW
		out[l.name+".bias"] = l.layer.gB
	}
	return out
}

func sortedKeys(m map[string]*mat.Dense) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
