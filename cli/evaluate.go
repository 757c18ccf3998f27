package cli

import (
	"context"
	"os"
	"os/signal"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/zeu5/gridpop/pop"
	"github.com/zeu5/gridpop/types"
)

// Evaluate compares the greedy policy of the latest checkpoint with doing nothing and with random
// topology changes.
func Evaluate(ctx context.Context) error {
	store, closeStore, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore()

	popEnv, err := newEnvironment()
	if err != nil {
		return err
	}
	p, found, err := pop.Load(ctx, store, popEnv.ActionSpace(), pop.Config{Training: false})
	if err != nil {
		return err
	}
	if !found {
		return errors.New("no checkpoint to evaluate")
	}
	defer p.Stop()
	baselineEnv, err := newEnvironment()
	if err != nil {
		return err
	}
	randomEnv, err := newEnvironment()
	if err != nil {
		return err
	}

	c, err := types.NewComparison(&types.ComparisonConfig{
		Runs:         runs,
		Episodes:     episodes,
		Horizon:      horizon,
		RecordPath:   saveFile,
		RecordTraces: true,
		ShowProgress: true,
	})
	if err != nil {
		return err
	}
	addAnalyses(c)
	c.AddExperiment(types.NewExperiment("POP", p, popEnv))
	c.AddExperiment(types.NewExperiment("DoNothing", types.DoNothingController{}, baselineEnv))
	c.AddExperiment(types.NewExperiment("Random", types.NewRandomController(randomEnv.ActionSpace(), seed, noOpWeight), randomEnv))
	_, err = c.Run(ctx)
	return err
}

func EvaluateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Compare the latest checkpoint against a controller that never acts and a random one",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()
			return Evaluate(ctx)
		},
	}
	cmd.PersistentFlags().Float64Var(&noOpWeight, "noop-weight", 4, "Weight of the no-op for the random baseline, every topology change weighs 1")
	return cmd
}
