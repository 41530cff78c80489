package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/signalnine/gauntlet/internal/config"
	"github.com/spf13/cobra"
)

func newRejudgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rejudge <run-dir>...",
		Short: "Re-run only the judging stage of existing runs",
		Long: `Re-judge completed or partial runs using each run's persisted evaluation
prompt. Workspaces are never recreated and agents are never re-invoked;
the consensus is recomputed with the same aggregation as live execution.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if cfg.Judges.Endpoint == "" {
				return fmt.Errorf("rejudge requires judges.endpoint in config")
			}
			root, err := experimentRoot(cfg)
			if err != nil {
				return err
			}
			harness, err := buildHarness(cfg, root, cfg.Judges.Endpoint, log)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			for _, runDir := range args {
				if err := harness.exec.Rejudge(ctx, runDir); err != nil {
					log.Errorf("rejudging %s: %v", runDir, err)
					continue
				}
				fmt.Printf("rejudged %s\n", runDir)
			}
			return nil
		},
	}
}
