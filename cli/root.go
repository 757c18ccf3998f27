package cli

import (
	goflag "flag"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

var (
	episodes int
	horizon  int
	saveFile string
	runs     int
	seed     uint64

	architecture  string
	checkpointDir string
	keep          int
	redisAddr     string
	redisKey      string
	statusAddr    string
	saveEvery     int
	noOpWeight    float64
)

func GetRootCommand() *cobra.Command {
	rootCommand := &cobra.Command{
		Use:           "gridpop",
		Short:         "Hierarchical topology control of power grids",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCommand.PersistentFlags().IntVarP(&episodes, "episodes", "e", 1000, "Number of episodes to run")
	rootCommand.PersistentFlags().IntVar(&horizon, "horizon", 288, "Horizon of each episode")
	rootCommand.PersistentFlags().StringVarP(&saveFile, "save", "s", "results", "Save the result data in the specified folder")
	rootCommand.PersistentFlags().IntVar(&runs, "runs", 1, "Number of experiment runs")
	rootCommand.PersistentFlags().Uint64Var(&seed, "seed", 0, "Seed of the controller and the environment")
	rootCommand.PersistentFlags().StringVarP(&architecture, "architecture", "a", "", "Architecture document, the built in one when empty")
	rootCommand.PersistentFlags().StringVar(&checkpointDir, "checkpoints", "checkpoints", "Folder of the checkpoints")
	rootCommand.PersistentFlags().IntVar(&keep, "keep", 5, "Number of checkpoints to keep, -1 keeps all of them")
	rootCommand.PersistentFlags().StringVar(&redisAddr, "redis", "", "Store checkpoints in the redis server at this address instead of the folder")
	rootCommand.PersistentFlags().StringVar(&redisKey, "redis-key", "gridpop", "Key prefix of the checkpoints in redis")

	fs := goflag.NewFlagSet("klog", goflag.ExitOnError)
	klog.InitFlags(fs)
	rootCommand.PersistentFlags().AddGoFlagSet(fs)

	// adding the subcommands here
	rootCommand.AddCommand(TrainCommand())
	rootCommand.AddCommand(ResumeCommand())
	rootCommand.AddCommand(EvaluateCommand())
	rootCommand.AddCommand(PartitionCommand())
	return rootCommand
}
