package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models sifter.yml.
type Config struct {
	Analysis Analysis          `yaml:"analysis" json:"analysis"`
	LLM      LLM               `yaml:"llm" json:"llm"`
	Filters  map[string]Filter `yaml:"filters" json:"filters"`
	Import   struct {
		NamePath string `yaml:"name_path" json:"name_path"`
	} `yaml:"import" json:"import"`
}

type Analysis struct {
	BatchSize   int `yaml:"batch_size" json:"batch_size"`
	MaxBatches  int `yaml:"max_batches" json:"max_batches"`
	Concurrency int `yaml:"concurrency" json:"concurrency"`
	MaxDepth    int `yaml:"max_depth" json:"max_depth"`
	// StopAt ends recursion once a depth yields at most this many artifacts.
	StopAt       int    `yaml:"stop_at" json:"stop_at"`
	OutputPrompt string `yaml:"output_prompt" json:"output_prompt"`
}

type LLM struct {
	Provider            string        `yaml:"provider" json:"provider"`
	BaseURL             string        `yaml:"base_url" json:"base_url"`
	Model               string        `yaml:"model" json:"model"`
	SelectModel         string        `yaml:"select_model" json:"select_model"`
	APIKeyEnv           string        `yaml:"api_key_env" json:"api_key_env"`
	Timeout             time.Duration `yaml:"timeout" json:"timeout"`
	MaxRetries          int           `yaml:"max_retries" json:"max_retries"`
	ReasoningEffort     string        `yaml:"reasoning_effort" json:"reasoning_effort,omitempty"`
	MaxCompletionTokens int           `yaml:"max_completion_tokens" json:"max_completion_tokens,omitempty"`
}

// Filter is a predicate over one JSON field of a record's data.
type Filter struct {
	Path  string  `yaml:"path" json:"path,omitempty"`
	Op    string  `yaml:"op" json:"op,omitempty"`
	Value float64 `yaml:"value" json:"value,omitempty"`
}

const (
	ProviderOpenAI = "openai"
	ProviderStatic = "static"

	// Unfiltered is always available and accepts every record.
	Unfiltered = "unfiltered"
)

var filterOps = map[string]bool{"lt": true, "lte": true, "gt": true, "gte": true, "eq": true, "ne": true, "exists": true}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	a := c.Analysis
	if a.BatchSize <= 0 {
		return fmt.Errorf("config.analysis.batch_size must be positive")
	}
	if a.MaxBatches <= 0 {
		return fmt.Errorf("config.analysis.max_batches must be positive")
	}
	if a.Concurrency <= 0 {
		return fmt.Errorf("config.analysis.concurrency must be positive")
	}
	if a.MaxDepth <= 0 {
		return fmt.Errorf("config.analysis.max_depth must be positive")
	}
	if a.StopAt < 0 {
		return fmt.Errorf("config.analysis.stop_at must not be negative")
	}
	switch c.LLM.Provider {
	case ProviderStatic:
	case ProviderOpenAI:
		if c.LLM.BaseURL == "" {
			return fmt.Errorf("config.llm.base_url is required for provider openai")
		}
		if c.LLM.Model == "" {
			return fmt.Errorf("config.llm.model is required for provider openai")
		}
		if c.LLM.APIKeyEnv == "" {
			return fmt.Errorf("config.llm.api_key_env is required for provider openai")
		}
	default:
		return fmt.Errorf("config.llm.provider must be one of openai, static")
	}
	if c.LLM.MaxRetries < 0 {
		return fmt.Errorf("config.llm.max_retries must not be negative")
	}
	for name, f := range c.Filters {
		if name == "" {
			return fmt.Errorf("config.filters contains an empty name")
		}
		if name == Unfiltered {
			return fmt.Errorf("filter %s is built in and cannot be redefined", Unfiltered)
		}
		if f.Path == "" {
			return fmt.Errorf("filter %s has empty path", name)
		}
		if !filterOps[f.Op] {
			return fmt.Errorf("filter %s has unknown op %q", name, f.Op)
		}
	}
	return nil
}

// FilterNames lists configured filters plus the built-in one, sorted.
func (c *Config) FilterNames() []string {
	names := []string{Unfiltered}
	for name := range c.Filters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "sifter.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	cfg, err := FromFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("config %s not found; create one with sifter config init", path)
	}
	return cfg, err
}

// LoadOrDefault falls back to Default when the workspace has no config file.
func LoadOrDefault(workspace string) (*Config, error) {
	cfg, err := Load(workspace)
	if err == nil {
		return cfg, nil
	}
	if _, statErr := os.Stat(Path(workspace)); os.IsNotExist(statErr) {
		return Default(), nil
	}
	return nil, err
}

// Default returns the config described by the default template.
func Default() *Config {
	cfg, err := FromYAML([]byte(DefaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config is invalid: %v", err))
	}
	return cfg
}

// FromYAML parses and validates config from raw YAML bytes. Unset fields keep
// their default values.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(DefaultTemplate), &cfg); err != nil {
		return nil, fmt.Errorf("invalid default config: %w", err)
	}
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

const DefaultTemplate = `analysis:
  batch_size: 15
  max_batches: 20
  concurrency: 10
  max_depth: 8
  stop_at: 5
  output_prompt: |
    Present an overview of the records. Then provide an in-depth analysis of each of the top records.
    Limit your analysis to at most 5 top records. State a confidence level for each assessment and
    what additional context would be required to make a more confident assessment.

llm:
  provider: static
  base_url: https://api.openai.com/v1
  model: o3-mini
  select_model: gpt-4o-mini
  api_key_env: OPENAI_API_KEY
  timeout: 5m
  max_retries: 3
  reasoning_effort: medium
  max_completion_tokens: 30000

filters:
  small_caps:
    path: marketCap
    op: lt
    value: 5000000
  large_caps:
    path: marketCap
    op: gte
    value: 100000000
  resilient:
    path: marketCapDeltaPercent
    op: gt
    value: -10

import:
  name_path: agentName
`
