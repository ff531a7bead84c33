// Package config handles configuration loading for weave.
// It supports XDG config paths, a project-level weave.yaml, and WEAVE_*
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ShayCichocki/weave/internal/agent"
	"github.com/ShayCichocki/weave/internal/composer"
	"github.com/ShayCichocki/weave/internal/failure"
	"github.com/ShayCichocki/weave/internal/logging"
	"github.com/ShayCichocki/weave/internal/orchestrator"
	"github.com/ShayCichocki/weave/internal/planner"
	"github.com/ShayCichocki/weave/internal/resource"
	"github.com/ShayCichocki/weave/internal/state"
	"github.com/ShayCichocki/weave/internal/telemetry"
	"github.com/ShayCichocki/weave/pkg/models"
)

// ProjectFile is the project-level config file name.
const ProjectFile = "weave.yaml"

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid configuration")

// Config represents the complete weave configuration.
type Config struct {
	Execution      ExecutionConfig       `mapstructure:"execution"`
	Retry          failure.RetryPolicy   `mapstructure:"retry"`
	CircuitBreaker failure.BreakerConfig `mapstructure:"circuit_breaker"`
	Failure        FailureConfig         `mapstructure:"failure"`
	Resources      resource.Config       `mapstructure:"resources"`
	Composer       ComposerConfig        `mapstructure:"composer"`
	Telemetry      telemetry.Config      `mapstructure:"telemetry"`
	Log            LogConfig             `mapstructure:"log"`
	Anthropic      AnthropicConfig       `mapstructure:"anthropic"`
	State          StateConfig           `mapstructure:"state"`
}

// ExecutionConfig controls planning and agent execution.
type ExecutionConfig struct {
	Strategy        planner.Strategy `mapstructure:"strategy"`
	MaxConcurrency  int              `mapstructure:"max_concurrency"`
	AgentTimeout    time.Duration    `mapstructure:"agent_timeout"`
	PipelineTimeout time.Duration    `mapstructure:"pipeline_timeout"`
	Discovery       bool             `mapstructure:"discovery"`
	HotSwap         bool             `mapstructure:"hot_swap"`
	MaxOutputBytes  int              `mapstructure:"max_output_bytes"`
	EventBuffer     int              `mapstructure:"event_buffer"`
	// AdaptiveMaxGroup and AdaptiveAvgGroup tune when adaptive planning
	// switches to parallel batches.
	AdaptiveMaxGroup int     `mapstructure:"adaptive_max_group"`
	AdaptiveAvgGroup float64 `mapstructure:"adaptive_avg_group"`
}

// FailureConfig holds failure manager settings other than retry and
// circuit breaker tuning.
type FailureConfig struct {
	Strategy       failure.Strategy    `mapstructure:"strategy"`
	FailingWindow  time.Duration       `mapstructure:"failing_window"`
	RateWindow     time.Duration       `mapstructure:"rate_window"`
	DelayNorm      time.Duration       `mapstructure:"delay_norm"`
	MaxCheckpoints int                 `mapstructure:"max_checkpoints"`
	MaxRecords     int                 `mapstructure:"max_records"`
	// Fallbacks maps an agent to its fallback chain. Viper lowercases map
	// keys, so agents with mixed-case IDs need their chains declared in the
	// pipeline file instead.
	Fallbacks map[string][]string `mapstructure:"fallbacks"`
}

// ComposerConfig configures discovery and composition rules.
type ComposerConfig struct {
	// ManifestDir holds agent manifests. Empty disables manifest discovery.
	ManifestDir string `mapstructure:"manifest_dir"`
	// Watch reloads manifests when ManifestDir changes.
	Watch bool `mapstructure:"watch"`
	// RecentFailureWindow is how recent a failure must be for the
	// recent_failure rule to swap an agent.
	RecentFailureWindow time.Duration `mapstructure:"recent_failure_window"`
	// Rules lists the enabled rule names: newer_version, recent_failure.
	Rules []string `mapstructure:"rules"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// AnthropicConfig holds settings for the claude agent kind.
type AnthropicConfig struct {
	APIKey        string `mapstructure:"api_key"`
	Model         string `mapstructure:"model"`
	MaxTokens     int64  `mapstructure:"max_tokens"`
	UseAWSBedrock bool   `mapstructure:"use_aws_bedrock"`
	AWSRegion     string `mapstructure:"aws_region"`
	AWSProfile    string `mapstructure:"aws_profile"`
}

// StateConfig configures the run history database.
type StateConfig struct {
	// Path is the sqlite file. Empty means the XDG data directory.
	Path string `mapstructure:"path"`
	// Retention purges runs older than this at startup. Zero keeps all.
	Retention time.Duration `mapstructure:"retention"`
}

// Load reads configuration from the following sources in order of
// precedence:
//  1. WEAVE_* environment variables (and ANTHROPIC_API_KEY)
//  2. path, when non-empty; otherwise weave.yaml in the working directory
//     or one of its parents
//  3. ~/.config/weave/config.yaml (XDG_CONFIG_HOME respected)
//  4. Built-in defaults
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir())
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	override := path
	if override == "" {
		override = findProjectConfig()
	}
	if override != "" {
		pv := viper.New()
		pv.SetConfigFile(override)
		if err := pv.ReadInConfig(); err != nil {
			if path != "" {
				return nil, fmt.Errorf("reading config from %s: %w", path, err)
			}
		} else if err := v.MergeConfigMap(pv.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging %s: %w", override, err)
		}
	}

	v.SetEnvPrefix("WEAVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("anthropic.api_key", "WEAVE_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)
	cfg.Composer.ManifestDir = os.ExpandEnv(cfg.Composer.ManifestDir)
	cfg.State.Path = os.ExpandEnv(cfg.State.Path)
	cfg.Log.File = os.ExpandEnv(cfg.Log.File)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// UserConfigPath returns the path to the user config file.
func UserConfigPath() string {
	return filepath.Join(userConfigDir(), "config.yaml")
}

// ProjectConfigPath returns the project config file, or "" if none exists.
func ProjectConfigPath() string {
	return findProjectConfig()
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("execution.strategy", string(d.Execution.Strategy))
	v.SetDefault("execution.max_concurrency", d.Execution.MaxConcurrency)
	v.SetDefault("execution.agent_timeout", d.Execution.AgentTimeout)
	v.SetDefault("execution.pipeline_timeout", d.Execution.PipelineTimeout)
	v.SetDefault("execution.discovery", d.Execution.Discovery)
	v.SetDefault("execution.hot_swap", d.Execution.HotSwap)
	v.SetDefault("execution.max_output_bytes", d.Execution.MaxOutputBytes)
	v.SetDefault("execution.event_buffer", d.Execution.EventBuffer)
	v.SetDefault("execution.adaptive_max_group", d.Execution.AdaptiveMaxGroup)
	v.SetDefault("execution.adaptive_avg_group", d.Execution.AdaptiveAvgGroup)

	v.SetDefault("retry.backoff", string(d.Retry.Backoff))
	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("retry.base_delay", d.Retry.BaseDelay)
	v.SetDefault("retry.multiplier", d.Retry.Multiplier)
	v.SetDefault("retry.max_delay", d.Retry.MaxDelay)
	v.SetDefault("retry.jitter", d.Retry.Jitter)

	v.SetDefault("circuit_breaker.failure_threshold", d.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.recovery_timeout", d.CircuitBreaker.RecoveryTimeout)
	v.SetDefault("circuit_breaker.half_open_max_calls", d.CircuitBreaker.HalfOpenMaxCalls)

	v.SetDefault("failure.strategy", string(d.Failure.Strategy))
	v.SetDefault("failure.failing_window", d.Failure.FailingWindow)
	v.SetDefault("failure.rate_window", d.Failure.RateWindow)
	v.SetDefault("failure.delay_norm", d.Failure.DelayNorm)
	v.SetDefault("failure.max_checkpoints", d.Failure.MaxCheckpoints)
	v.SetDefault("failure.max_records", d.Failure.MaxRecords)

	v.SetDefault("resources.max_wait", d.Resources.MaxWait)
	v.SetDefault("resources.process_interval", d.Resources.ProcessInterval)
	v.SetDefault("resources.history_limit", d.Resources.HistoryLimit)

	v.SetDefault("composer.manifest_dir", "")
	v.SetDefault("composer.watch", d.Composer.Watch)
	v.SetDefault("composer.recent_failure_window", d.Composer.RecentFailureWindow)
	v.SetDefault("composer.rules", d.Composer.Rules)

	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.insecure", false)
	v.SetDefault("telemetry.service_name", d.Telemetry.ServiceName)
	v.SetDefault("telemetry.metrics_addr", "")
	v.SetDefault("telemetry.export_interval", d.Telemetry.ExportInterval)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", "")

	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", d.Anthropic.Model)
	v.SetDefault("anthropic.max_tokens", d.Anthropic.MaxTokens)
	v.SetDefault("anthropic.use_aws_bedrock", false)
	v.SetDefault("anthropic.aws_region", "")
	v.SetDefault("anthropic.aws_profile", "")

	v.SetDefault("state.path", "")
	v.SetDefault("state.retention", d.State.Retention)
}

// userConfigDir returns the XDG config directory for weave.
func userConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "weave")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "weave")
	}
	return filepath.Join(home, ".config", "weave")
}

// findProjectConfig searches for weave.yaml in the current directory and
// its parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		p := filepath.Join(cwd, ProjectFile)
		if _, err := os.Stat(p); err == nil {
			return p
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return ""
		}
		cwd = parent
	}
}

// Default returns a Config with default values.
func Default() *Config {
	oc := orchestrator.DefaultConfig()
	pc := planner.DefaultConfig()
	fc := failure.DefaultConfig()
	return &Config{
		Execution: ExecutionConfig{
			Strategy:         oc.Strategy,
			MaxConcurrency:   oc.MaxConcurrency,
			AgentTimeout:     oc.AgentTimeout,
			PipelineTimeout:  30 * time.Minute,
			Discovery:        oc.Discovery,
			HotSwap:          oc.HotSwap,
			MaxOutputBytes:   1 << 20,
			EventBuffer:      oc.EventBuffer,
			AdaptiveMaxGroup: pc.AdaptiveMaxGroup,
			AdaptiveAvgGroup: pc.AdaptiveAvgGroup,
		},
		Retry:          fc.Retry,
		CircuitBreaker: fc.Breaker,
		Failure: FailureConfig{
			Strategy:       fc.Strategy,
			FailingWindow:  fc.FailingWindow,
			RateWindow:     fc.RateWindow,
			DelayNorm:      fc.DelayNorm,
			MaxCheckpoints: fc.MaxCheckpoints,
			MaxRecords:     fc.MaxRecords,
		},
		Resources: resource.Config{
			MaxWait:         time.Minute,
			ProcessInterval: 100 * time.Millisecond,
			HistoryLimit:    1000,
		},
		Composer: ComposerConfig{
			RecentFailureWindow: 5 * time.Minute,
			Rules:               []string{"newer_version", "recent_failure"},
		},
		Telemetry: telemetry.Config{
			ServiceName:    "weave",
			ExportInterval: 15 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Anthropic: AnthropicConfig{
			Model:     "sonnet",
			MaxTokens: 4096,
		},
		State: StateConfig{
			Retention: 30 * 24 * time.Hour,
		},
	}
}

// Validate checks field ranges and enum values. All problems are reported
// together.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...)))
	}

	e := c.Execution
	if e.Strategy != "" && !e.Strategy.Valid() {
		bad("execution.strategy %q", e.Strategy)
	}
	if e.MaxConcurrency < 0 {
		bad("execution.max_concurrency must not be negative")
	}
	if e.AgentTimeout < 0 || e.PipelineTimeout < 0 {
		bad("execution timeouts must not be negative")
	}
	if e.MaxOutputBytes < 0 || e.EventBuffer < 0 {
		bad("execution buffer sizes must not be negative")
	}

	if c.Retry.Backoff != "" && !c.Retry.Backoff.Valid() {
		bad("retry.backoff %q", c.Retry.Backoff)
	}
	if c.Retry.MaxAttempts < 0 {
		bad("retry.max_attempts must not be negative")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		bad("retry.jitter must be within [0, 1]")
	}
	if c.Retry.MaxDelay > 0 && c.Retry.MaxDelay < c.Retry.BaseDelay {
		bad("retry.max_delay is below retry.base_delay")
	}

	if c.CircuitBreaker.FailureThreshold < 0 || c.CircuitBreaker.HalfOpenMaxCalls < 0 {
		bad("circuit_breaker counts must not be negative")
	}

	if c.Failure.Strategy != "" && !c.Failure.Strategy.Valid() {
		bad("failure.strategy %q", c.Failure.Strategy)
	}

	seen := make(map[models.ResourceType]bool)
	for _, p := range c.Resources.Pools {
		if p.Type == "" {
			bad("resources.pools: pool without type")
			continue
		}
		if seen[p.Type] {
			bad("resources.pools: duplicate pool %q", p.Type)
		}
		seen[p.Type] = true
		if p.Capacity <= 0 {
			bad("resources.pools.%s: capacity must be positive", p.Type)
		}
		if p.Policy != "" && !p.Policy.Valid() {
			bad("resources.pools.%s: policy %q", p.Type, p.Policy)
		}
	}

	for _, r := range c.Composer.Rules {
		if _, err := ruleByName(r, c.Composer.RecentFailureWindow); err != nil {
			bad("composer.rules: %v", err)
		}
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		bad("log.level: %v", err)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		bad("log.format %q", c.Log.Format)
	}

	if c.Anthropic.MaxTokens < 0 {
		bad("anthropic.max_tokens must not be negative")
	}
	if c.State.Retention < 0 {
		bad("state.retention must not be negative")
	}
	return errors.Join(errs...)
}

// Orchestrator returns the orchestrator configuration.
func (c *Config) Orchestrator() orchestrator.Config {
	e := c.Execution
	return orchestrator.Config{
		Strategy:        e.Strategy,
		MaxConcurrency:  e.MaxConcurrency,
		AgentTimeout:    e.AgentTimeout,
		PipelineTimeout: e.PipelineTimeout,
		Discovery:       e.Discovery,
		HotSwap:         e.HotSwap,
		MaxOutputBytes:  e.MaxOutputBytes,
		EventBuffer:     e.EventBuffer,
	}
}

// Planner returns the planner configuration.
func (c *Config) Planner() planner.Config {
	return planner.Config{
		MaxConcurrency:   c.Execution.MaxConcurrency,
		DefaultTimeout:   c.Execution.AgentTimeout,
		AdaptiveMaxGroup: c.Execution.AdaptiveMaxGroup,
		AdaptiveAvgGroup: c.Execution.AdaptiveAvgGroup,
	}
}

// FailureManager returns the failure manager configuration.
func (c *Config) FailureManager() failure.Config {
	f := c.Failure
	return failure.Config{
		Strategy:       f.Strategy,
		Retry:          c.Retry,
		Breaker:        c.CircuitBreaker,
		FailingWindow:  f.FailingWindow,
		RateWindow:     f.RateWindow,
		DelayNorm:      f.DelayNorm,
		MaxCheckpoints: f.MaxCheckpoints,
		MaxRecords:     f.MaxRecords,
		Fallbacks:      f.Fallbacks,
	}
}

// Scheduler returns the resource scheduler configuration.
func (c *Config) Scheduler() resource.Config {
	return c.Resources
}

// Logging returns logger options.
func (c *Config) Logging() logging.Options {
	return logging.Options{Level: c.Log.Level, Format: c.Log.Format, File: c.Log.File}
}

// Claude returns the claude agent configuration. The API key is resolved
// with GetAPIKey, so an unset key is left empty for Bedrock users.
func (c *Config) Claude() agent.ClaudeConfig {
	key, _ := GetAPIKey(c)
	a := c.Anthropic
	return agent.ClaudeConfig{
		Model:         a.Model,
		APIKey:        key,
		UseAWSBedrock: a.UseAWSBedrock,
		AWSRegion:     a.AWSRegion,
		AWSProfile:    a.AWSProfile,
		MaxTokens:     a.MaxTokens,
	}
}

// StatePath returns the history database path.
func (c *Config) StatePath() string {
	if c.State.Path != "" {
		return c.State.Path
	}
	return state.DefaultDBPath()
}

// Rules returns the enabled composition rules.
func (c *Config) Rules() []composer.Rule {
	rules := make([]composer.Rule, 0, len(c.Composer.Rules))
	for _, name := range c.Composer.Rules {
		if r, err := ruleByName(name, c.Composer.RecentFailureWindow); err == nil {
			rules = append(rules, r)
		}
	}
	return rules
}

func ruleByName(name string, window time.Duration) (composer.Rule, error) {
	switch name {
	case "newer_version":
		return composer.NewerVersionRule{}, nil
	case "recent_failure":
		return composer.RecentFailureRule{Within: window}, nil
	}
	return nil, fmt.Errorf("unknown rule %q", name)
}
