package types

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Controller decides the action applied to the grid at every step
type Controller interface {
	// Act on the observation, returning the encoded and the native action
	Act(ctx context.Context, obs *Observation) (EncodedAction, TopologyAction, error)
	// Learn from the outcome of the last action
	Learn(ctx context.Context, res *StepResult) error
	// EndEpisode is called once per episode, after the last Learn
	EndEpisode(ctx context.Context) error
}

// DoNothingController always applies the no-op. Used as the baseline.
type DoNothingController struct{}

var _ Controller = DoNothingController{}

func (DoNothingController) Act(context.Context, *Observation) (EncodedAction, TopologyAction, error) {
	return NoOp, DoNothing(), nil
}

func (DoNothingController) Learn(context.Context, *StepResult) error { return nil }

func (DoNothingController) EndEpisode(context.Context) error { return nil }

// ControllerError wraps errors coming from the controller. They end the whole run, unlike
// environment errors that only end the episode.
type ControllerError struct {
	Op   string
	Step int
	Err  error
}

func (e *ControllerError) Error() string {
	return fmt.Sprintf("controller %s at step %d: %v", e.Op, e.Step, e.Err)
}

func (e *ControllerError) Unwrap() error {
	return e.Err
}

type AgentConfig struct {
	Episodes    int
	Horizon     int
	Controller  Controller
	Environment Environment
}

// Agent runs a controller on an environment for a number of episodes
type Agent struct {
	config      *AgentConfig
	controller  Controller
	environment Environment
}

func NewAgent(config *AgentConfig) *Agent {
	return &Agent{
		config:      config,
		controller:  config.Controller,
		environment: config.Environment,
	}
}

// RunEpisode runs a single episode, recording the outcome in the episode context
func (a *Agent) RunEpisode(eCtx *EpisodeContext) {
	start := time.Now()
	obs, err := a.environment.Reset(eCtx)
	if err != nil {
		eCtx.SetError(errors.Wrap(err, "environment reset"))
		return
	}
	eCtx.Report.AddTime("reset", time.Since(start))
	// the controller closes every episode that started, however it ended
	defer func() {
		if err := a.controller.EndEpisode(eCtx.Context); err != nil && eCtx.Err == nil {
			eCtx.SetError(&ControllerError{Op: "end of episode", Step: eCtx.Timesteps, Err: err})
		}
	}()

	for i := 0; i < a.config.Horizon; i++ {
		select {
		case <-eCtx.Context.Done():
			return
		default:
		}

		start = time.Now()
		encoded, action, err := a.controller.Act(eCtx.Context, obs)
		if err != nil {
			eCtx.SetError(&ControllerError{Op: "act", Step: i, Err: err})
			return
		}
		eCtx.Report.AddTime("act", time.Since(start))

		start = time.Now()
		res, err := a.environment.Step(action, NewStepContext(eCtx, i))
		if err != nil {
			eCtx.SetError(errors.Wrapf(err, "environment step %d", i))
			return
		}
		eCtx.Report.AddTime("env_step", time.Since(start))
		if res.Info.Illegal {
			eCtx.Report.Inc("illegal_actions")
		}
		if !action.IsNoOp() {
			eCtx.Report.Inc("topology_changes")
		}

		start = time.Now()
		if err := a.controller.Learn(eCtx.Context, res); err != nil {
			eCtx.SetError(&ControllerError{Op: "learn", Step: i, Err: err})
			return
		}
		eCtx.Report.AddTime("learn", time.Since(start))

		eCtx.Trace.Append(i, encoded, action, res)
		eCtx.Timesteps += 1
		obs = res.Observation
		if res.Done {
			eCtx.Terminal = true
			break
		}
	}
	if !eCtx.Terminal {
		eCtx.HorizonEnd = true
	}
}
