package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/signalnine/gauntlet/internal/checkpoint"
	"github.com/signalnine/gauntlet/internal/config"
	"github.com/spf13/cobra"
)

func newRepairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Rebuild a corrupt or lost checkpoint from persisted run results",
		Long: `Scan the experiment directory for run_result.json files and rebuild
checkpoint.json from them. Per-run results are the durable record; the
checkpoint is derived state and can always be reconstructed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			root, err := experimentRoot(cfg)
			if err != nil {
				return err
			}
			cp, err := checkpoint.Repair(root, cfg.Experiment.ID, cfg.Fingerprint())
			if err != nil {
				return err
			}
			cpPath := filepath.Join(root, "checkpoint.json")
			if err := checkpoint.Save(cpPath, cp); err != nil {
				return err
			}
			fmt.Printf("rebuilt %s with %d recorded units\n", cpPath, cp.CountRuns())
			return nil
		},
	}
}
