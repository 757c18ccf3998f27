package types

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/sampleuv"
)

// RandomController samples among the legal topology changes of every observation. The no-op
// weighs noOpWeight, every change weighs 1. Used as a baseline.
type RandomController struct {
	space      ActionSpace
	src        rand.Source
	noOpWeight float64
}

var _ Controller = &RandomController{}

func NewRandomController(space ActionSpace, seed uint64, noOpWeight float64) *RandomController {
	return &RandomController{
		space:      space,
		src:        rand.NewSource(seed),
		noOpWeight: noOpWeight,
	}
}

func (r *RandomController) Act(_ context.Context, obs *Observation) (EncodedAction, TopologyAction, error) {
	candidates := []EncodedAction{NoOp}
	weights := []float64{r.noOpWeight}
	for _, sub := range r.space.Substations() {
		legal, ok := obs.Legal[sub]
		if !ok {
			legal = make([]int, r.space.NumActions(sub))
			for i := range legal {
				legal[i] = i
			}
		}
		for _, local := range legal {
			if local == 0 {
				continue
			}
			e, err := r.space.Encode(sub, local)
			if err != nil {
				return NoOp, DoNothing(), errors.Wrapf(err, "substation %d", sub)
			}
			candidates = append(candidates, e)
			weights = append(weights, 1)
		}
	}

	i, ok := sampleuv.NewWeighted(weights, r.src).Take()
	if !ok {
		return NoOp, DoNothing(), nil
	}
	action, err := r.space.Decode(candidates[i])
	return candidates[i], action, err
}

func (r *RandomController) Learn(context.Context, *StepResult) error { return nil }

func (r *RandomController) EndEpisode(context.Context) error { return nil }
