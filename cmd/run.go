package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/semaphore"

	"github.com/signalnine/gauntlet/internal/config"
	"github.com/signalnine/gauntlet/internal/gateway"
	"github.com/signalnine/gauntlet/internal/judge"
	"github.com/signalnine/gauntlet/internal/parallel"
	"github.com/signalnine/gauntlet/internal/pricing"
	"github.com/signalnine/gauntlet/internal/report"
	"github.com/signalnine/gauntlet/internal/runner"
	"github.com/signalnine/gauntlet/internal/workspace"
)

var (
	flagTier     string
	flagRuns     int
	flagParallel int
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute (or resume) the experiment grid",
		Long: `Enumerate the tier × subtest × run grid, skip units the checkpoint
already records as completed or failed, and execute the rest. Interrupting
with SIGINT/SIGTERM stops dispatch; in-flight runs finish and persist, and
the experiment resumes from the checkpoint on the next invocation.`,
		RunE: runExperiment,
	}
	cmd.Flags().StringVar(&flagTier, "tier", "", "filter to a single tier")
	cmd.Flags().IntVar(&flagRuns, "runs", 0, "override runs per subtest")
	cmd.Flags().IntVar(&flagParallel, "parallel", 0, "override max concurrent runs")
	return cmd
}

func runExperiment(cmd *cobra.Command, args []string) error {
	log := newLogger()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if flagRuns > 0 {
		cfg.Experiment.Runs = flagRuns
	}
	if flagParallel > 0 {
		cfg.Experiment.Parallel = flagParallel
	}
	if flagTier != "" {
		cfg.Tiers = filterTiers(cfg.Tiers, flagTier)
		if len(cfg.Tiers) == 0 {
			return fmt.Errorf("no tier named %q in config", flagTier)
		}
	}

	root, err := experimentRoot(cfg)
	if err != nil {
		return err
	}
	log.Infof("experiment root: %s", root)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	judgeURL := cfg.Judges.Endpoint
	usageLog := ""
	if cfg.Gateway.Command != "" {
		gw, err := gateway.Start(ctx, &gateway.StartOpts{
			Command: cfg.Gateway.Command,
			EnvFile: cfg.Gateway.EnvFile,
			LogDir:  gatewayLogDir(cfg, root),
		}, log)
		if err != nil {
			return fmt.Errorf("starting gateway: %w", err)
		}
		defer gw.Stop()
		judgeURL = gw.URL()
		usageLog = gw.UsageLog()
	}
	if judgeURL == "" {
		return fmt.Errorf("no judge endpoint: set judges.endpoint or gateway.command")
	}

	harness, err := buildHarness(cfg, root, judgeURL, log)
	if err != nil {
		return err
	}

	orch := runner.NewOrchestrator(cfg, harness.exec, harness.sched, harness.cpPath, log)
	if err := orch.Run(ctx); err != nil {
		return err
	}

	if usageLog != "" {
		if records, uerr := gateway.ParseUsageLogs(usageLog); uerr != nil {
			log.Warnf("parsing gateway usage log: %v", uerr)
		} else {
			in, out := gateway.TotalUsage(records)
			log.Infof("gateway usage: %d input + %d output tokens, $%.2f total",
				in, out, harness.pricing.CostFromUsage(records))
		}
	}

	fmt.Println("\n--- Results ---")
	return report.Generate(root, "table", os.Stdout)
}

type harness struct {
	exec    *runner.Executor
	sched   *parallel.Scheduler
	pricing *pricing.Table
	cpPath  string
}

func buildHarness(cfg *config.Config, root, judgeURL string, log *logrus.Logger) (*harness, error) {
	var table *pricing.Table
	if cfg.Pricing != "" {
		var err error
		if table, err = pricing.Load(cfg.Pricing); err != nil {
			return nil, err
		}
	}

	apiKey := ""
	if cfg.Judges.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.Judges.APIKeyEnv)
	}

	sched := parallel.New(log)
	cpPath := filepath.Join(root, "checkpoint.json")
	exec := runner.NewExecutor(runner.ExecutorOpts{
		Config:     cfg,
		Store:      workspace.NewStore(repoPoolDir(cfg), log),
		Judges:     judge.NewClient(judgeURL, apiKey, log),
		Scheduler:  sched,
		Subprocs:   semaphore.NewWeighted(int64(cfg.Experiment.MaxSubprocesses)),
		Pricing:    table,
		Root:       root,
		Checkpoint: cpPath,
	}, log)
	return &harness{exec: exec, sched: sched, pricing: table, cpPath: cpPath}, nil
}

func experimentRoot(cfg *config.Config) (string, error) {
	root, err := filepath.Abs(filepath.Join(cfg.Results.Dir, cfg.Experiment.ID))
	if err != nil {
		return "", fmt.Errorf("resolving experiment root: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", fmt.Errorf("creating experiment root: %w", err)
	}
	return root, nil
}

func repoPoolDir(cfg *config.Config) string {
	if cfg.Results.RepoDir != "" {
		return cfg.Results.RepoDir
	}
	return filepath.Join(cfg.Results.Dir, ".repos")
}

func gatewayLogDir(cfg *config.Config, root string) string {
	if cfg.Gateway.LogDir != "" {
		return cfg.Gateway.LogDir
	}
	return filepath.Join(root, "gateway")
}

func filterTiers(tiers []config.Tier, name string) []config.Tier {
	var filtered []config.Tier
	for _, t := range tiers {
		if t.Name == name {
			filtered = append(filtered, t)
		}
	}
	return filtered
}
