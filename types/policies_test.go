package types

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// twoSubstations: substation 0 has local actions 0..2, substation 1 has 0..1
type twoSubstations struct{}

func (twoSubstations) Substations() []int { return []int{0, 1} }

func (twoSubstations) NumActions(sub int) int { return []int{3, 2}[sub] }

func (twoSubstations) Size() int { return 4 }

func (twoSubstations) Encode(sub, local int) (EncodedAction, error) {
	if local == 0 {
		return NoOp, nil
	}
	return EncodedAction([]int{0, 2}[sub] + local), nil
}

func (twoSubstations) Decode(e EncodedAction) (TopologyAction, error) {
	switch {
	case e == NoOp:
		return DoNothing(), nil
	case e <= 2:
		return TopologyAction{Substation: 0, Configuration: int(e)}, nil
	case e == 3:
		return TopologyAction{Substation: 1, Configuration: 1}, nil
	}
	return TopologyAction{}, errors.Errorf("unknown action %d", e)
}

func TestRandomControllerRespectsLegality(t *testing.T) {
	r := NewRandomController(twoSubstations{}, 7, 0)
	obs := &Observation{Legal: map[int][]int{0: {0}, 1: {0, 1}}}
	for i := 0; i < 20; i++ {
		e, a, err := r.Act(context.Background(), obs)
		require.NoError(t, err)
		assert.Equal(t, EncodedAction(3), e)
		assert.Equal(t, TopologyAction{Substation: 1, Configuration: 1}, a)
	}
}

func TestRandomControllerNoLegalChange(t *testing.T) {
	r := NewRandomController(twoSubstations{}, 7, 0)
	e, a, err := r.Act(context.Background(), &Observation{Legal: map[int][]int{0: {0}, 1: {0}}})
	require.NoError(t, err)
	assert.Equal(t, NoOp, e)
	assert.True(t, a.IsNoOp())
}

func TestRandomControllerIsSeeded(t *testing.T) {
	obs := &Observation{}
	first, second := NewRandomController(twoSubstations{}, 3, 1), NewRandomController(twoSubstations{}, 3, 1)
	seen := make(map[EncodedAction]bool)
	for i := 0; i < 50; i++ {
		a, _, err := first.Act(context.Background(), obs)
		require.NoError(t, err)
		b, _, err := second.Act(context.Background(), obs)
		require.NoError(t, err)
		assert.Equal(t, a, b)
		seen[a] = true
	}
	assert.Len(t, seen, 4)
}
