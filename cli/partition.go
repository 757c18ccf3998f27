package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zeu5/gridpop/community"
)

// Partition prints the communities the configured partitioner finds on the initial grid.
func Partition(ctx context.Context) error {
	arch, err := loadArchitecture()
	if err != nil {
		return err
	}
	env, err := newEnvironment()
	if err != nil {
		return err
	}
	obs, err := env.Reset(nil)
	if err != nil {
		return err
	}
	partitioner, err := community.New(arch.Partition, seed)
	if err != nil {
		return err
	}
	communities, err := partitioner.Partition(ctx, obs.Graph)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %d communities over %d substations\n", arch.Partition.Method, len(communities), len(obs.Graph.IDs))
	for k, c := range communities {
		fmt.Printf("%d: %s\n", k, c.Key())
	}
	return nil
}

func PartitionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "partition",
		Short: "Print the communities of the 14 substation grid",
		RunE: func(cmd *cobra.Command, args []string) error {
			return Partition(context.Background())
		},
	}
}
