package cli

import (
	"context"
	"os"
	"os/signal"
	"path"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/zeu5/gridpop/checkpoints"
	"github.com/zeu5/gridpop/gridenv"
	"github.com/zeu5/gridpop/pop"
	"github.com/zeu5/gridpop/types"
	"k8s.io/klog/v2"
)

// Train runs the training episodes of p on env, checkpointing to store along the way and once
// more at the end.
func Train(ctx context.Context, p *pop.POP, env *gridenv.Environment, store checkpoints.Store, s *sinks) error {
	defer p.Stop()
	if statusAddr != "" {
		pop.NewStatusServer(ctx, statusAddr, p, s.recorder, s.registry).Start()
		klog.Infof("status server on %s", statusAddr)
	}

	c, err := types.NewComparison(&types.ComparisonConfig{
		Runs:         runs,
		Episodes:     episodes,
		Horizon:      horizon,
		RecordPath:   saveFile,
		ShowProgress: true,
	})
	if err != nil {
		return err
	}
	addAnalyses(c)
	c.AddExperiment(types.NewExperiment(p.Name(), p, env).OnEpisodeEnd(checkpointHook(ctx, p, store)))

	_, runErr := c.Run(ctx)
	if err := p.Save(context.Background(), store); err != nil {
		klog.Errorf("final checkpoint: %v", err)
	}
	s.recorder.Summarize()
	if err := s.recorder.Plot(path.Join(saveFile, "plots")); err != nil {
		klog.Errorf("plotting losses: %v", err)
	}
	counters := p.Counters()
	klog.Infof("%s: %d episodes, %d train steps", p.Name(), counters.Episodes, counters.TrainSteps)
	return runErr
}

func TrainCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a new controller on the 14 substation grid",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			arch, err := loadArchitecture()
			if err != nil {
				return err
			}
			env, err := newEnvironment()
			if err != nil {
				return err
			}
			store, closeStore, err := openStore()
			if err != nil {
				return err
			}
			defer closeStore()
			s, err := newSinks()
			if err != nil {
				return err
			}
			p, err := pop.New(pop.Config{
				Name:         "pop",
				Seed:         seed,
				Training:     true,
				Architecture: arch,
				Sink:         s.sink,
			}, env.ActionSpace())
			if err != nil {
				return err
			}
			return Train(ctx, p, env, store, s)
		},
	}
	addTrainingFlags(cmd)
	return cmd
}

func ResumeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Continue training from the latest checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			env, err := newEnvironment()
			if err != nil {
				return err
			}
			store, closeStore, err := openStore()
			if err != nil {
				return err
			}
			defer closeStore()
			s, err := newSinks()
			if err != nil {
				return err
			}
			cfg := pop.Config{Training: true, Sink: s.sink}
			if architecture != "" {
				if cfg.Architecture, err = loadArchitecture(); err != nil {
					return err
				}
			}
			p, found, err := pop.Load(ctx, store, env.ActionSpace(), cfg)
			if err != nil {
				return err
			}
			if !found {
				return errors.New("no checkpoint to resume from")
			}
			return Train(ctx, p, env, store, s)
		},
	}
	addTrainingFlags(cmd)
	return cmd
}

func addTrainingFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&statusAddr, "status", "", "Serve the status of the controller on this address")
	cmd.PersistentFlags().IntVar(&saveEvery, "save-every", 10, "Checkpoint every so many episodes, 0 saves only at the end")
}
