package types

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

type EpisodeContext struct {
	Context context.Context
	Cancel  context.CancelFunc // cancel function to stop the episode

	Episode        int
	ExperimentName string

	Trace  *Trace
	Report *EpisodeReport

	Timesteps   int
	RunDuration time.Duration
	Err         error
	TimedOut    bool
	HorizonEnd  bool
	Terminal    bool // the environment ended the episode before the horizon
}

func NewEpisodeContext(episode int, experimentName string, rConfig *experimentRunConfig) *EpisodeContext {
	var ctx context.Context
	var cancel context.CancelFunc
	if rConfig.Timeout > 0 {
		ctx, cancel = context.WithTimeout(rConfig.Context, rConfig.Timeout)
	} else {
		ctx, cancel = context.WithCancel(rConfig.Context)
	}
	return &EpisodeContext{
		Context:        ctx,
		Cancel:         cancel,
		Episode:        episode,
		ExperimentName: experimentName,
		Trace:          NewTrace(),
		Report:         NewEpisodeReport(),
	}
}

func (e *EpisodeContext) SetError(err error) {
	e.Err = err
}

func (e *EpisodeContext) SetTimedOut() {
	e.TimedOut = true
}

// StepContext is the episode context plus the current step
type StepContext struct {
	*EpisodeContext
	Step int
}

func NewStepContext(eCtx *EpisodeContext, step int) *StepContext {
	return &StepContext{EpisodeContext: eCtx, Step: step}
}

// EpisodeReport collects timings and counters of one episode
type EpisodeReport struct {
	lock *sync.Mutex

	startTime time.Time
	Times     map[string][]time.Duration
	Counters  map[string]int
}

func NewEpisodeReport() *EpisodeReport {
	return &EpisodeReport{
		lock:      &sync.Mutex{},
		startTime: time.Now(),
		Times:     make(map[string][]time.Duration),
		Counters:  make(map[string]int),
	}
}

// add a time entry
func (r *EpisodeReport) AddTime(key string, d time.Duration) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.Times[key] = append(r.Times[key], d)
}

// increment a counter
func (r *EpisodeReport) Inc(key string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.Counters[key] += 1
}

// String representation of the report, sorted by key
func (r *EpisodeReport) String() string {
	r.lock.Lock()
	defer r.lock.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "elapsed: %s\n", time.Since(r.startTime).Round(time.Millisecond))
	keys := make([]string, 0, len(r.Times))
	for k := range r.Times {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		total := time.Duration(0)
		for _, d := range r.Times[k] {
			total += d
		}
		fmt.Fprintf(&b, "%20s : %5d calls, %12s total\n", k, len(r.Times[k]), total)
	}
	keys = keys[:0]
	for k := range r.Counters {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%20s : %5d\n", k, r.Counters[k])
	}
	return b.String()
}
