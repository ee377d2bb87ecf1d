package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"runline/internal/domain"
)

// Config models runline.yml.
type Config struct {
	Pipeline struct {
		ID       string `yaml:"id"`
		Refactor bool   `yaml:"refactor"`
	} `yaml:"pipeline"`
	Gates struct {
		MaxAttempts     int            `yaml:"max_attempts"`
		PerGateAttempts map[string]int `yaml:"per_gate_attempts"`
	} `yaml:"gates"`
	Scheduler struct {
		MaxConcurrentRuns int `yaml:"max_concurrent_runs"`
		IdlePollSeconds   int `yaml:"idle_poll_seconds"`
		CIPollSeconds     int `yaml:"ci_poll_seconds"`
	} `yaml:"scheduler"`
	Collaborators struct {
		ProviderTimeoutSeconds int `yaml:"provider_timeout_seconds"`
		GitTimeoutSeconds      int `yaml:"git_timeout_seconds"`
		CITimeoutSeconds       int `yaml:"ci_timeout_seconds"`
	} `yaml:"collaborators"`
	Approvals struct {
		// AutoApprove lists approval types the machine may resolve itself.
		// breaking-change and deletion are refused here unconditionally.
		AutoApprove []string `yaml:"auto_approve"`
	} `yaml:"approvals"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig describes one outbound event consumer.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// MaxAttemptsFor returns the retry ceiling for a gate type.
func (c *Config) MaxAttemptsFor(g domain.GateType) int {
	if n, ok := c.Gates.PerGateAttempts[string(g)]; ok && n > 0 {
		return n
	}
	if c.Gates.MaxAttempts > 0 {
		return c.Gates.MaxAttempts
	}
	return 3
}

// AutoApprovable reports whether the machine may resolve this approval type
// without a human. Breaking-change and deletion approvals are never
// auto-approvable, regardless of configuration.
func (c *Config) AutoApprovable(t domain.ApprovalType) bool {
	if t == domain.ApprovalBreakingChange || t == domain.ApprovalDeletion {
		return false
	}
	for _, a := range c.Approvals.AutoApprove {
		if a == string(t) {
			return true
		}
	}
	return false
}

// ProviderTimeout returns the caller timeout for AI-provider calls.
func (c *Config) ProviderTimeout() time.Duration {
	return secondsOr(c.Collaborators.ProviderTimeoutSeconds, 120)
}

// GitTimeout returns the caller timeout for git-platform calls.
func (c *Config) GitTimeout() time.Duration {
	return secondsOr(c.Collaborators.GitTimeoutSeconds, 30)
}

// CITimeout returns the caller timeout for CI status polls.
func (c *Config) CITimeout() time.Duration {
	return secondsOr(c.Collaborators.CITimeoutSeconds, 30)
}

// IdlePoll returns the scheduler's idle poll interval.
func (c *Config) IdlePoll() time.Duration {
	return secondsOr(c.Scheduler.IdlePollSeconds, 30)
}

// CIPoll returns the CI polling interval.
func (c *Config) CIPoll() time.Duration {
	return secondsOr(c.Scheduler.CIPollSeconds, 15)
}

func secondsOr(n, def int) time.Duration {
	if n <= 0 {
		n = def
	}
	return time.Duration(n) * time.Second
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Pipeline.ID == "" {
		return fmt.Errorf("config.pipeline.id is required")
	}
	if c.Gates.MaxAttempts < 0 {
		return fmt.Errorf("config.gates.max_attempts must be >= 0")
	}
	for gate, n := range c.Gates.PerGateAttempts {
		known := false
		for _, g := range domain.GateTypes {
			if string(g) == gate {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("config.gates.per_gate_attempts references unknown gate %s", gate)
		}
		if n <= 0 {
			return fmt.Errorf("config.gates.per_gate_attempts.%s must be > 0", gate)
		}
	}
	if c.Scheduler.MaxConcurrentRuns < 0 {
		return fmt.Errorf("config.scheduler.max_concurrent_runs must be >= 0")
	}
	for _, t := range c.Approvals.AutoApprove {
		switch domain.ApprovalType(t) {
		case domain.ApprovalPlan, domain.ApprovalMerge, domain.ApprovalRefactor:
		case domain.ApprovalBreakingChange, domain.ApprovalDeletion:
			return fmt.Errorf("approval type %s cannot be auto-approved", t)
		default:
			return fmt.Errorf("unknown approval type %s in auto_approve", t)
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// MaxConcurrentRuns returns the scheduler concurrency limit.
func (c *Config) MaxConcurrentRuns() int {
	if c.Scheduler.MaxConcurrentRuns > 0 {
		return c.Scheduler.MaxConcurrentRuns
	}
	return 4
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "runline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with rl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a pipeline.
func Default(pipelineID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, pipelineID)), &cfg)
	cfg.Pipeline.ID = pipelineID
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(pipelineID string) string {
	return fmt.Sprintf(defaultTemplate, pipelineID)
}

const defaultTemplate = `pipeline:
  id: %s
  refactor: false

gates:
  max_attempts: 3
  per_gate_attempts:
    security-scan: 2

scheduler:
  max_concurrent_runs: 4
  idle_poll_seconds: 30
  ci_poll_seconds: 15

collaborators:
  provider_timeout_seconds: 120
  git_timeout_seconds: 30
  ci_timeout_seconds: 30

approvals:
  auto_approve: []
`
