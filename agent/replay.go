package agent

import (
	"golang.org/x/exp/rand"

	"github.com/zeu5/gridpop/gridgraph"
)

// Transition is one step of experience.
type Transition struct {
	Obs      *gridgraph.Graph
	Action   int
	Reward   float64
	Next     *gridgraph.Graph
	NextMask []int
	Done     bool
}

// Replay is a fixed capacity ring buffer of transitions.
type Replay struct {
	items []Transition
	next  int
	full  bool
}

func NewReplay(capacity int) *Replay {
	if capacity < 1 {
		capacity = 1
	}
	return &Replay{items: make([]Transition, 0, capacity)}
}

// Add stores t, evicting the oldest transition when full.
func (r *Replay) Add(t Transition) {
	if !r.full && len(r.items) < cap(r.items) {
		r.items = append(r.items, t)
		if len(r.items) == cap(r.items) {
			r.full = true
		}
		return
	}
	r.items[r.next] = t
	r.next = (r.next + 1) % len(r.items)
}

func (r *Replay) Len() int {
	return len(r.items)
}

// Sample draws n distinct transitions.
func (r *Replay) Sample(rng *rand.Rand, n int) []Transition {
	if n > len(r.items) {
		n = len(r.items)
	}
	out := make([]Transition, n)
	for i, j := range rng.Perm(len(r.items))[:n] {
		out[i] = r.items[j]
	}
	return out
}
