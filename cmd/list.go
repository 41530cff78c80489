package cmd

import (
	"fmt"

	"github.com/signalnine/gauntlet/internal/config"
	"github.com/spf13/cobra"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the configured tiers and subtests",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			total := 0
			for _, tier := range cfg.Tiers {
				fmt.Printf("%s:\n", tier.Name)
				for _, st := range tier.Subtests {
					fmt.Printf("  %s  (%s @ %.12s)\n", st.Name, st.Repo, st.Commit)
					total += cfg.Experiment.Runs
				}
			}
			fmt.Printf("\n%d grid units (%d runs per subtest, %d judges per run)\n",
				total, cfg.Experiment.Runs, len(cfg.Judges.Models))
			return nil
		},
	}
}
