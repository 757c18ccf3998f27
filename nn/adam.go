package nn

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Adam optimizer with global gradient norm clipping.
type Adam struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	MaxGradNorm  float64 // 0 disables clipping

	step int
	m    map[string]*mat.Dense
	v    map[string]*mat.Dense
}

// AdamState is the serialized optimizer.
type AdamState struct {
	LearningRate float64           `json:"learning_rate"`
	Beta1        float64           `json:"beta1"`
	Beta2        float64           `json:"beta2"`
	Epsilon      float64           `json:"epsilon"`
	MaxGradNorm  float64           `json:"max_grad_norm"`
	Step         int               `json:"step"`
	M            map[string]Matrix `json:"m"`
	V            map[string]Matrix `json:"v"`
}

func NewAdam(learningRate, maxGradNorm float64) *Adam {
	return &Adam{
		LearningRate: learningRate,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		MaxGradNorm:  maxGradNorm,
		m:            make(map[string]*mat.Dense),
		v:            make(map[string]*mat.Dense),
	}
}

// GradNorm is the global L2 norm of all gradients.
func GradNorm(grads map[string]*mat.Dense) float64 {
	sum := 0.0
	for _, g := range grads {
		n := mat.Norm(g, 2)
		sum += n * n
	}
	return math.Sqrt(sum)
}

// Update applies one step to params using grads (same keys) and returns the gradient norm
// before clipping.
func (a *Adam) Update(params, grads map[string]*mat.Dense) float64 {
	norm := GradNorm(grads)
	scale := 1.0
	if a.MaxGradNorm > 0 && norm > a.MaxGradNorm {
		scale = a.MaxGradNorm / norm
	}
	a.step++
	c1 := 1 - math.Pow(a.Beta1, float64(a.step))
	c2 := 1 - math.Pow(a.Beta2, float64(a.step))
	for _, k := range sortedKeys(params) {
		p, g := params[k], grads[k]
		r, c := p.Dims()
		m, ok := a.m[k]
		if !ok {
			m = mat.NewDense(r, c, nil)
			a.m[k] = m
		}
		v, ok := a.v[k]
		if !ok {
			v = mat.NewDense(r, c, nil)
			a.v[k] = v
		}
		for i := 0; i < r; i++ {
			pr, gr, mr, vr := p.RawRowView(i), g.RawRowView(i), m.RawRowView(i), v.RawRowView(i)
			for j := range pr {
				gj := gr[j] * scale
				mr[j] = a.Beta1*mr[j] + (1-a.Beta1)*gj
				vr[j] = a.Beta2*vr[j] + (1-a.Beta2)*gj*gj
				pr[j] -= a.LearningRate * (mr[j] / c1) / (math.Sqrt(vr[j]/c2) + a.Epsilon)
			}
		}
	}
	return norm
}

func (a *Adam) State() AdamState {
	s := AdamState{
		LearningRate: a.LearningRate,
		Beta1:        a.Beta1,
		Beta2:        a.Beta2,
		Epsilon:      a.Epsilon,
		MaxGradNorm:  a.MaxGradNorm,
		Step:         a.step,
		M:            make(map[string]Matrix, len(a.m)),
		V:            make(map[string]Matrix, len(a.v)),
	}
	for k, m := range a.m {
		s.M[k] = matrixOf(m)
	}
	for k, v := range a.v {
		s.V[k] = matrixOf(v)
	}
	return s
}

// RestoreAdam rebuilds an optimizer for params from s.
func RestoreAdam(s AdamState, params map[string]*mat.Dense) (*Adam, error) {
	a := &Adam{
		LearningRate: s.LearningRate,
		Beta1:        s.Beta1,
		Beta2:        s.Beta2,
		Epsilon:      s.Epsilon,
		MaxGradNorm:  s.MaxGradNorm,
		step:         s.Step,
		m:            make(map[string]*mat.Dense, len(s.M)),
		v:            make(map[string]*mat.Dense, len(s.V)),
	}
	load := func(kind string, src map[string]Matrix, dst map[string]*mat.Dense) error {
		for k, m := range src {
			p, ok := params[k]
			if !ok {
				return errors.Errorf("optimizer %s moment for unknown parameter %q", kind, k)
			}
			r, c := p.Dims()
			if !m.valid() || m.Rows != r || m.Cols != c {
				return errors.Errorf("optimizer %s moment for %q has shape %dx%d, expected %dx%d", kind, k, m.Rows, m.Cols, r, c)
			}
			dst[k] = mat.NewDense(r, c, append([]float64(nil), m.Data...))
		}
		return nil
	}
	if err := load("first", s.M, a.m); err != nil {
		return nil, err
	}
	if err := load("second", s.V, a.v); err != nil {
		return nil, err
	}
	return a, nil
}
