package types

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/zeu5/gridpop/util"
)

type experimentRunConfig struct {
	// execution configuration
	CurrentRun int
	Episodes   int
	Horizon    int
	Analyzers  []Analyzer
	Timeout    time.Duration
	Context    context.Context

	// thresholds to abort the experiment
	ConsecutiveErrorsAbort int

	// record flags
	RecordTraces bool
	RecordTimes  bool

	ReportSavePath string
	ShowProgress   bool
}

// EpisodeHook is invoked after every completed episode, with the number of episodes run so far
type EpisodeHook func(episode int, eCtx *EpisodeContext) error

// Experiment encapsulates a controller, the environment it acts on and what to do between
// episodes
type Experiment struct {
	Name        string
	controller  Controller
	environment Environment
	hooks       []EpisodeHook
}

// NewExperiment creates a new experiment instance
func NewExperiment(name string, controller Controller, environment Environment) *Experiment {
	return &Experiment{
		Name:        name,
		controller:  controller,
		environment: environment,
		hooks:       make([]EpisodeHook, 0),
	}
}

// OnEpisodeEnd registers a hook, checkpointing for example
func (e *Experiment) OnEpisodeEnd(h EpisodeHook) *Experiment {
	e.hooks = append(e.hooks, h)
	return e
}

func (e *Experiment) recordTrace(rConfig *experimentRunConfig, trace *Trace) error {
	tracesFile := path.Join(rConfig.ReportSavePath, "traces", e.Name+"_"+strconv.Itoa(rConfig.CurrentRun)+".jsonl")
	bs, err := json.Marshal(trace)
	if err != nil {
		return errors.Wrap(err, "encoding trace")
	}
	return util.AppendToFile(tracesFile, string(bs))
}

// RunSummary counts how the episodes of a run ended
type RunSummary struct {
	Episodes   int
	Timesteps  int
	Errors     int
	TimedOut   int
	Terminal   int
	HorizonEnd int
}

// Run the experiment for the specified number of episodes. Controller errors abort the run and
// are returned; environment errors abort the episode, and the run after too many in a row.
func (e *Experiment) Run(rConfig *experimentRunConfig) (RunSummary, error) {
	summary := RunSummary{}
	select {
	case <-rConfig.Context.Done():
		return summary, rConfig.Context.Err()
	default:
	}

	if rConfig.RecordTraces {
		tracesFolder := path.Join(rConfig.ReportSavePath, "traces")
		if _, err := os.Stat(tracesFolder); err != nil {
			os.MkdirAll(tracesFolder, os.ModePerm)
		}
	}

	agent := NewAgent(&AgentConfig{
		Episodes:    rConfig.Episodes,
		Horizon:     rConfig.Horizon,
		Controller:  e.controller,
		Environment: e.environment,
	})

	var bar *progressbar.ProgressBar
	if rConfig.ShowProgress {
		bar = progressbar.NewOptions(rConfig.Episodes,
			progressbar.OptionSetDescription(e.Name),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("episodes"),
			progressbar.OptionSetTheme(progressbar.Theme{Saucer: "=", SaucerHead: ">", SaucerPadding: ".", BarStart: "[", BarEnd: "]"}),
		)
		defer bar.Finish()
	}

	consecutiveErrors := 0
	episodeTimes := make([]time.Duration, 0)
	for episode := 0; episode < rConfig.Episodes; episode++ {
		select {
		case <-rConfig.Context.Done():
			return summary, rConfig.Context.Err()
		default:
		}

		eCtx := NewEpisodeContext(episode, e.Name, rConfig)
		e.runEpisode(eCtx, agent)
		eCtx.Cancel()
		episodeTimes = append(episodeTimes, eCtx.RunDuration)

		startingTimesteps := summary.Timesteps
		summary.Episodes += 1
		summary.Timesteps += eCtx.Timesteps

		var cErr *ControllerError
		if errors.As(eCtx.Err, &cErr) {
			klog.Errorf("experiment %s: episode %d aborted: %v", e.Name, episode, eCtx.Err)
			return summary, errors.Wrapf(eCtx.Err, "experiment %s, episode %d", e.Name, episode)
		}

		// possible outcomes of the episode
		switch {
		case eCtx.Err != nil:
			summary.Errors += 1
			consecutiveErrors += 1
			klog.Warningf("experiment %s: episode %d ended with an error: %v", e.Name, episode, eCtx.Err)
		case eCtx.TimedOut:
			summary.TimedOut += 1
			consecutiveErrors = 0
		case eCtx.Terminal:
			summary.Terminal += 1
			consecutiveErrors = 0
		default:
			summary.HorizonEnd += 1
			consecutiveErrors = 0
		}

		if rConfig.RecordTraces {
			if err := e.recordTrace(rConfig, eCtx.Trace); err != nil {
				return summary, err
			}
		}

		// analyze the trace, even if the episode ended with an error
		for _, a := range rConfig.Analyzers {
			a.Analyze(rConfig.CurrentRun, summary.Episodes, startingTimesteps, e.Name, eCtx.Trace)
		}

		for _, h := range e.hooks {
			if err := h(summary.Episodes, eCtx); err != nil {
				return summary, errors.Wrapf(err, "experiment %s: episode hook", e.Name)
			}
		}

		// print episode times
		if len(episodeTimes) == 10 {
			if rConfig.RecordTimes {
				e.printEpTimesMs(episodeTimes, rConfig.ReportSavePath)
			}
			episodeTimes = make([]time.Duration, 0)
		}

		klog.V(1).Infof("experiment %s: episode %d, %d steps, reward %.3f\n%s",
			e.Name, episode, eCtx.Timesteps, eCtx.Trace.TotalReward(), eCtx.Report)
		if bar != nil {
			bar.Add(1)
		}

		// check to eventually abort the experiment
		if consecutiveErrors >= rConfig.ConsecutiveErrorsAbort {
			return summary, errors.Errorf("aborting experiment %s: %d consecutive errors, last: %v", e.Name, consecutiveErrors, eCtx.Err)
		}
	}
	return summary, nil
}

func (e *Experiment) runEpisode(eCtx *EpisodeContext, agent *Agent) {
	defer func() {
		if r := recover(); r != nil {
			eCtx.SetError(fmt.Errorf("%v", r))
		}
	}()

	start := time.Now()
	agent.RunEpisode(eCtx)
	eCtx.RunDuration = time.Since(start)

	if eCtx.Err == nil && eCtx.Context.Err() == context.DeadlineExceeded {
		eCtx.SetTimedOut()
	}
}

func (e *Experiment) printEpTimesMs(epTimes []time.Duration, basePath string) {
	tMilliseconds := ""
	for _, tm := range epTimes {
		tMilliseconds = fmt.Sprintf("%s%7d, ", tMilliseconds, tm.Milliseconds())
	}
	filePath := path.Join(basePath, "epTimes", e.Name+"_ms.txt")
	util.AppendToFile(filePath, tMilliseconds)
}

// Generic Dataset that contains information after processing the traces
type DataSet interface{}

// Analyzer compresses the information in the traces to a DataSet
type Analyzer interface {
	// Run, episode, total timesteps before the episode, experiment, trace
	Analyze(int, int, int, string, *Trace)
	// Resulting dataset
	DataSet() DataSet
	// Reset the analyzer
	Reset()
}

// Comparator differentiates between different datasets with associated names
// run, total episodes, experiment names, datasets
type Comparator func(int, int, []string, []DataSet)

func NoopComparator() Comparator {
	return func(i, _ int, s []string, ds []DataSet) {}
}

// ComparisonConfig contains the configuration for the comparison
type ComparisonConfig struct {
	Runs     int // number of runs
	Episodes int // number of episodes
	Horizon  int // number of steps

	RecordPath string        // path to store the results
	Timeout    time.Duration // timeout for each episode

	// thresholds to abort the experiment
	ConsecutiveErrorsAbort int

	// record flags
	RecordTraces bool
	RecordTimes  bool

	ShowProgress bool
}

// record the configuration of the comparison
func (c *Comparison) recordConfig() error {
	cfg := c.cConfig
	out := make(map[string]interface{})
	out["runs"] = cfg.Runs
	out["episodes"] = cfg.Episodes
	out["horizon"] = cfg.Horizon
	out["record_traces"] = cfg.RecordTraces
	out["record_times"] = cfg.RecordTimes
	if cfg.Timeout != 0 {
		out["timeout"] = cfg.Timeout.String()
	}

	experiments := make([]string, 0)
	for _, e := range c.Experiments {
		experiments = append(experiments, e.Name)
	}
	out["experiments"] = experiments

	analyzers := make([]string, 0)
	for name := range c.analyzers {
		analyzers = append(analyzers, name)
	}
	out["analyzers"] = analyzers

	bs, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding comparison config")
	}
	return os.WriteFile(path.Join(cfg.RecordPath, "comparison_config.json"), bs, 0644)
}

// Comparison contains the different experiments to compare
// The traces obtained from the experiments are analyzed
// The analyzed datasets are then compared
type Comparison struct {
	Experiments []*Experiment
	analyzers   map[string]Analyzer
	comparators map[string]Comparator
	cConfig     *ComparisonConfig
}

// NewComparison creates a comparison instance and the folders it records to
func NewComparison(config *ComparisonConfig) (*Comparison, error) {
	foldersToCreate := []string{""}
	if config.RecordTraces {
		foldersToCreate = append(foldersToCreate, "traces")
	}
	if config.RecordTimes {
		foldersToCreate = append(foldersToCreate, "epTimes")
	}
	for _, s := range foldersToCreate {
		if err := os.MkdirAll(path.Join(config.RecordPath, s), 0777); err != nil {
			return nil, errors.Wrapf(err, "creating %s", path.Join(config.RecordPath, s))
		}
	}

	return &Comparison{
		Experiments: make([]*Experiment, 0),
		analyzers:   make(map[string]Analyzer),
		comparators: make(map[string]Comparator),
		cConfig:     config,
	}, nil
}

// AddAnalysis adds an analyzer and comparator to the comparison
func (c *Comparison) AddAnalysis(name string, analyzer Analyzer, comparator Comparator) {
	c.analyzers[name] = analyzer
	c.comparators[name] = comparator
}

// Add experiments to compare
func (c *Comparison) AddExperiment(e *Experiment) {
	c.Experiments = append(c.Experiments, e)
}

// Run the comparison. The summaries are indexed by run, then by experiment.
func (c *Comparison) Run(ctx context.Context) ([][]RunSummary, error) {
	if err := c.recordConfig(); err != nil {
		return nil, err
	}

	summaries := make([][]RunSummary, 0, c.cConfig.Runs)
	for run := 0; run < c.cConfig.Runs; run++ { // number of runs
		klog.Infof("run %d/%d", run+1, c.cConfig.Runs)
		datasets := make(map[string][]DataSet)
		for name := range c.analyzers {
			datasets[name] = make([]DataSet, len(c.Experiments))
		}

		names := make([]string, len(c.Experiments))
		runSummaries := make([]RunSummary, len(c.Experiments))
		for i, e := range c.Experiments {
			summary, err := e.Run(c.prepareRunConfig(ctx, run))
			if err != nil {
				return summaries, err
			}
			runSummaries[i] = summary
			for name, a := range c.analyzers {
				datasets[name][i] = a.DataSet()
				a.Reset()
			}
			names[i] = e.Name
		}
		summaries = append(summaries, runSummaries)
		for name, comp := range c.comparators {
			comp(run, c.cConfig.Episodes, names, datasets[name]) // make the plots
		}
	}
	return summaries, nil
}

// prepare the run configuration for the experiment
func (c *Comparison) prepareRunConfig(ctx context.Context, run int) *experimentRunConfig {
	rCfg := &experimentRunConfig{
		CurrentRun:             run,
		Episodes:               c.cConfig.Episodes,
		Horizon:                c.cConfig.Horizon,
		Analyzers:              make([]Analyzer, 0),
		RecordTraces:           c.cConfig.RecordTraces,
		RecordTimes:            c.cConfig.RecordTimes,
		ReportSavePath:         c.cConfig.RecordPath,
		Timeout:                c.cConfig.Timeout,
		Context:                ctx,
		ConsecutiveErrorsAbort: c.cConfig.ConsecutiveErrorsAbort,
		ShowProgress:           c.cConfig.ShowProgress,
	}

	if rCfg.ConsecutiveErrorsAbort == 0 {
		rCfg.ConsecutiveErrorsAbort = 10
	}

	for _, a := range c.analyzers {
		rCfg.Analyzers = append(rCfg.Analyzers, a)
	}
	return rCfg
}
