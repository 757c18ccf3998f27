// Package gridenv is a small deterministic power grid simulator: substations with loads and
// generators, lines with capacities, and bus configurations that reroute flow around a
// substation. It serves as the environment for training and evaluating the controller.
package gridenv

import (
	"github.com/pkg/errors"

	"github.com/zeu5/gridpop/types"
)

// ActionTable is the fixed table between substation local actions and encoded actions.
// Substation s with m configurations owns the encoded actions offset[s]+1 .. offset[s]+m.
type ActionTable struct {
	ids     []int
	configs map[int]int
	offsets map[int]int
	owner   []int // owner[e] is the substation of encoded action e, -1 for the no-op
	size    int
}

var _ types.ActionSpace = &ActionTable{}

// NewActionTable builds the table for substations ids with configs[id] bus configurations each.
func NewActionTable(ids []int, configs map[int]int) (*ActionTable, error) {
	t := &ActionTable{
		ids:     append([]int(nil), ids...),
		configs: make(map[int]int, len(ids)),
		offsets: make(map[int]int, len(ids)),
		owner:   []int{-1},
		size:    1,
	}
	for _, id := range ids {
		if _, dup := t.configs[id]; dup {
			return nil, errors.Errorf("substation %d listed twice", id)
		}
		m := configs[id]
		if m < 0 {
			return nil, errors.Errorf("substation %d has a negative configuration count", id)
		}
		t.configs[id] = m
		t.offsets[id] = t.size - 1
		for k := 0; k < m; k++ {
			t.owner = append(t.owner, id)
		}
		t.size += m
	}
	return t, nil
}

func (t *ActionTable) Substations() []int {
	return append([]int(nil), t.ids...)
}

func (t *ActionTable) NumActions(sub int) int {
	return t.configs[sub] + 1
}

func (t *ActionTable) Size() int {
	return t.size
}

func (t *ActionTable) Encode(sub, local int) (types.EncodedAction, error) {
	m, ok := t.configs[sub]
	if !ok {
		return 0, errors.Errorf("unknown substation %d", sub)
	}
	if local < 0 || local > m {
		return 0, errors.Errorf("substation %d has no local action %d", sub, local)
	}
	if local == 0 {
		return types.NoOp, nil
	}
	return types.EncodedAction(t.offsets[sub] + local), nil
}

func (t *ActionTable) Decode(e types.EncodedAction) (types.TopologyAction, error) {
	if e < 0 || int(e) >= t.size {
		return types.TopologyAction{}, errors.Errorf("encoded action %d outside of [0, %d)", e, t.size)
	}
	if e == types.NoOp {
		return types.DoNothing(), nil
	}
	sub := t.owner[e]
	return types.TopologyAction{Substation: sub, Configuration: int(e) - t.offsets[sub]}, nil
}
