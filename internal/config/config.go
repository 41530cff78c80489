package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Experiment Experiment `yaml:"experiment"`
	Tiers      []Tier     `yaml:"tiers"`
	Judges     Judges     `yaml:"judges"`
	Agent      Agent      `yaml:"agent"`
	Gateway    Gateway    `yaml:"gateway"`
	Results    Results    `yaml:"results"`
	Pricing    string     `yaml:"pricing"`
}

type Experiment struct {
	ID                  string `yaml:"id"`
	Runs                int    `yaml:"runs" default:"1"`
	Parallel            int    `yaml:"parallel" default:"1"`
	MaxSubprocesses     int    `yaml:"max_subprocesses" default:"4"`
	AgentTimeoutMinutes int    `yaml:"agent_timeout_minutes" default:"30"`
	KeepFailedWorkspace bool   `yaml:"keep_failed_workspace" default:"true"`
}

type Tier struct {
	Name      string    `yaml:"name"`
	ConfigDir string    `yaml:"config_dir"`
	Subtests  []Subtest `yaml:"subtests"`
}

type Subtest struct {
	Name       string `yaml:"name"`
	Repo       string `yaml:"repo"`
	Commit     string `yaml:"commit"`
	PromptFile string `yaml:"prompt_file"`
	BuildCmd   string `yaml:"build_cmd"`
	LintCmd    string `yaml:"lint_cmd"`
	TestCmd    string `yaml:"test_cmd"`
}

// Judges configures the verdict models. Endpoint is used when no gateway
// is configured; APIKeyEnv names the environment variable holding the
// key so the config file itself never carries secrets.
type Judges struct {
	Models         []string `yaml:"models"`
	TimeoutMinutes int      `yaml:"timeout_minutes" default:"5"`
	Endpoint       string   `yaml:"endpoint"`
	APIKeyEnv      string   `yaml:"api_key_env"`
}

// Agent describes how the external coding agent is invoked. The command
// receives the prompt file path as its final argument; the per-run replay
// script records the exact invocation before it happens.
type Agent struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

type Gateway struct {
	Command string `yaml:"command"`
	EnvFile string `yaml:"env_file"`
	LogDir  string `yaml:"log_dir"`
}

type Results struct {
	Dir     string `yaml:"dir" default:"results"`
	RepoDir string `yaml:"repo_dir"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := defaults.Set(&cfg); err != nil {
		return nil, fmt.Errorf("applying defaults: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Experiment.ID == "" {
		return fmt.Errorf("experiment id is required")
	}
	if cfg.Experiment.Runs < 1 {
		return fmt.Errorf("runs must be at least 1")
	}
	if len(cfg.Tiers) == 0 {
		return fmt.Errorf("no tiers defined")
	}
	for i, tier := range cfg.Tiers {
		if tier.Name == "" {
			return fmt.Errorf("tier %d: name is required", i)
		}
		if len(tier.Subtests) == 0 {
			return fmt.Errorf("tier %q: no subtests defined", tier.Name)
		}
		for j, st := range tier.Subtests {
			if st.Name == "" {
				return fmt.Errorf("tier %q: subtest %d: name is required", tier.Name, j)
			}
			if st.Repo == "" {
				return fmt.Errorf("tier %q: subtest %q: repo is required", tier.Name, st.Name)
			}
			if st.Commit == "" {
				return fmt.Errorf("tier %q: subtest %q: commit is required", tier.Name, st.Name)
			}
			if st.PromptFile == "" {
				return fmt.Errorf("tier %q: subtest %q: prompt_file is required", tier.Name, st.Name)
			}
		}
	}
	if len(cfg.Judges.Models) == 0 {
		return fmt.Errorf("no judge models defined")
	}
	if cfg.Agent.Command == "" {
		return fmt.Errorf("agent command is required")
	}
	return nil
}

// fingerprintView is the subset of the configuration that determines whether
// an existing checkpoint belongs to the same experiment. Presentation-level
// settings (parallelism, timeouts, gateway wiring) deliberately don't
// participate: changing them must not invalidate a resume.
type fingerprintView struct {
	ID     string                `json:"id"`
	Runs   int                   `json:"runs"`
	Judges []string              `json:"judges"`
	Grid   map[string][]gridCell `json:"grid"`
}

type gridCell struct {
	Subtest string `json:"subtest"`
	Repo    string `json:"repo"`
	Commit  string `json:"commit"`
}

// Fingerprint returns a stable hash of the scoring-relevant configuration.
func (c *Config) Fingerprint() string {
	view := fingerprintView{
		ID:     c.Experiment.ID,
		Runs:   c.Experiment.Runs,
		Judges: append([]string(nil), c.Judges.Models...),
		Grid:   make(map[string][]gridCell),
	}
	sort.Strings(view.Judges)
	for _, tier := range c.Tiers {
		for _, st := range tier.Subtests {
			view.Grid[tier.Name] = append(view.Grid[tier.Name], gridCell{
				Subtest: st.Name,
				Repo:    st.Repo,
				Commit:  st.Commit,
			})
		}
	}
	data, _ := json.Marshal(view)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}
