package cli

import (
	"context"
	"path"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/zeu5/gridpop/checkpoints"
	"github.com/zeu5/gridpop/config"
	"github.com/zeu5/gridpop/gridenv"
	"github.com/zeu5/gridpop/pop"
	"github.com/zeu5/gridpop/types"
	"k8s.io/klog/v2"
)

// loadArchitecture reads the architecture flag, falling back to the built in document
func loadArchitecture() (*config.Architecture, error) {
	if architecture == "" {
		return config.Default(), nil
	}
	return config.Load(architecture)
}

// openStore returns the redis store when an address is given and the checkpoint folder otherwise
func openStore() (checkpoints.Store, func(), error) {
	if redisAddr != "" {
		store := checkpoints.NewRedisStore(redisAddr, redisKey, keep)
		return store, func() { store.Close() }, nil
	}
	h, err := checkpoints.Build(checkpointDir).Keep(keep).Done()
	if err != nil {
		return nil, nil, err
	}
	klog.Infof("checkpoints in %s", h)
	return h, func() {}, nil
}

func newEnvironment() (*gridenv.Environment, error) {
	return gridenv.New(gridenv.Case14(seed))
}

// sinks collects the training records in memory, in a jsonl file and in prometheus metrics
type sinks struct {
	recorder *pop.Recorder
	registry *prometheus.Registry
	sink     pop.Sink
}

func newSinks() (*sinks, error) {
	registry := prometheus.NewRegistry()
	metrics, err := pop.NewPrometheusSink(registry)
	if err != nil {
		return nil, err
	}
	recorder := pop.NewRecorder()
	return &sinks{
		recorder: recorder,
		registry: registry,
		sink: pop.MultiSink{
			recorder,
			metrics,
			pop.NewJSONLSink(path.Join(saveFile, "losses.jsonl")),
			pop.KlogSink{V: 2},
		},
	}, nil
}

// addAnalyses registers the per episode series compared across experiments
func addAnalyses(c *types.Comparison) {
	plots := path.Join(saveFile, "plots")
	c.AddAnalysis("reward", types.RewardAnalyzer(), types.SeriesComparator(plots, "reward", "Total reward"))
	c.AddAnalysis("survival", types.SurvivalAnalyzer(), types.SeriesComparator(plots, "survival", "Steps survived"))
	c.AddAnalysis("illegal", types.IllegalActionAnalyzer(), types.SeriesComparator(plots, "illegal", "Illegal actions"))
}

// checkpointHook saves the controller every saveEvery episodes
func checkpointHook(ctx context.Context, p *pop.POP, store checkpoints.Store) types.EpisodeHook {
	return func(episode int, _ *types.EpisodeContext) error {
		if saveEvery <= 0 || episode%saveEvery != 0 {
			return nil
		}
		return p.Save(ctx, store)
	}
}
