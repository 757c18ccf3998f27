package pop

import (
	"github.com/pkg/errors"

	"github.com/zeu5/gridpop/actor"
	"github.com/zeu5/gridpop/agent"
	"github.com/zeu5/gridpop/gridgraph"
)

// Methods served by agent actors.
const (
	methodTakeAction = "take_action"
	methodEvaluate   = "evaluate"
	methodStep       = "step"
	methodStepShaped = "step_shaped"
	methodEmbedding  = "embedding"
	methodQValues    = "q_values"
	methodCheckpoint = "checkpoint"
	methodStats      = "stats"
)

type proposal struct {
	Action   int
	Explored bool
}

type shapedStep struct {
	Loss   *float64
	Reward float64
}

func arg[T any](args []any, i int) (T, error) {
	var zero T
	if i >= len(args) {
		return zero, errors.Errorf("missing argument %d", i)
	}
	v, ok := args[i].(T)
	if !ok {
		return zero, errors.Errorf("argument %d is %T, expected %T", i, args[i], zero)
	}
	return v, nil
}

func graphAndMask(args []any) (*gridgraph.Graph, []int, error) {
	g, err := arg[*gridgraph.Graph](args, 0)
	if err != nil {
		return nil, nil, err
	}
	mask, err := arg[[]int](args, 1)
	if err != nil {
		return nil, nil, err
	}
	return g, mask, nil
}

// agentMethods is the dispatch table of an agent actor. Managers additionally serve the
// embedding and shaped step methods.
func agentMethods(a agent.Agent) map[string]actor.Handler {
	methods := map[string]actor.Handler{
		methodTakeAction: func(args ...any) (any, error) {
			g, mask, err := graphAndMask(args)
			if err != nil {
				return nil, err
			}
			action, explored, err := a.TakeAction(g, mask)
			return proposal{Action: action, Explored: explored}, err
		},
		methodEvaluate: func(args ...any) (any, error) {
			g, mask, err := graphAndMask(args)
			if err != nil {
				return nil, err
			}
			return a.Evaluate(g, mask)
		},
		methodStep: func(args ...any) (any, error) {
			t, err := arg[agent.Transition](args, 0)
			if err != nil {
				return nil, err
			}
			stopDecay, err := arg[bool](args, 1)
			if err != nil {
				return nil, err
			}
			return a.Step(t, stopDecay)
		},
		methodCheckpoint: func(...any) (any, error) {
			return a.Checkpoint(), nil
		},
		methodStats: func(...any) (any, error) {
			return a.Stats(), nil
		},
	}
	if q, ok := a.(interface {
		QValues(*gridgraph.Graph) ([]float64, error)
	}); ok {
		methods[methodQValues] = func(args ...any) (any, error) {
			g, err := arg[*gridgraph.Graph](args, 0)
			if err != nil {
				return nil, err
			}
			return q.QValues(g)
		}
	}
	if m, ok := a.(*agent.Manager); ok {
		methods[methodEmbedding] = func(args ...any) (any, error) {
			g, err := arg[*gridgraph.Graph](args, 0)
			if err != nil {
				return nil, err
			}
			return m.Embedding(g)
		}
		methods[methodStepShaped] = func(args ...any) (any, error) {
			t, err := arg[agent.Transition](args, 0)
			if err != nil {
				return nil, err
			}
			stopDecay, err := arg[bool](args, 1)
			if err != nil {
				return nil, err
			}
			fb, err := arg[agent.Feedback](args, 2)
			if err != nil {
				return nil, err
			}
			loss, reward, err := m.StepShaped(t, stopDecay, fb)
			return shapedStep{Loss: loss, Reward: reward}, err
		}
	}
	return methods
}

// remote is the orchestrator side handle of an agent actor.
type remote struct {
	ref *actor.Ref
}

func spawn(sys *actor.System, a agent.Agent) remote {
	return remote{ref: sys.Spawn(a.Name(), agentMethods(a))}
}

func (r remote) Name() string {
	return r.ref.Name()
}

func (r remote) takeAction(g *gridgraph.Graph, mask []int) *actor.Future[proposal] {
	return actor.Call[proposal](r.ref, methodTakeAction, g, mask)
}

func (r remote) evaluate(g *gridgraph.Graph, mask []int) *actor.Future[int] {
	return actor.Call[int](r.ref, methodEvaluate, g, mask)
}

func (r remote) step(t agent.Transition, stopDecay bool) *actor.Future[*float64] {
	return actor.Call[*float64](r.ref, methodStep, t, stopDecay)
}

func (r remote) stepShaped(t agent.Transition, stopDecay bool, fb agent.Feedback) *actor.Future[shapedStep] {
	return actor.Call[shapedStep](r.ref, methodStepShaped, t, stopDecay, fb)
}

func (r remote) embedding(g *gridgraph.Graph) *actor.Future[[]float64] {
	return actor.Call[[]float64](r.ref, methodEmbedding, g)
}

func (r remote) qValues(g *gridgraph.Graph) *actor.Future[[]float64] {
	return actor.Call[[]float64](r.ref, methodQValues, g)
}

func (r remote) checkpoint() *actor.Future[agent.Checkpoint] {
	return actor.Call[agent.Checkpoint](r.ref, methodCheckpoint)
}

func (r remote) stats() *actor.Future[agent.Stats] {
	return actor.Call[agent.Stats](r.ref, methodStats)
}

func (r remote) stop() {
	r.ref.Stop()
}
