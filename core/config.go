package core

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the agent runtime.
// Defaults can be overridden by a YAML file and then by environment
// variables, in that order.
type Config struct {
	AgentID string `yaml:"agent_id" json:"agent_id"`

	Bus        BusConfig        `yaml:"bus" json:"bus"`
	LLM        LLMConfig        `yaml:"llm" json:"llm"`
	Variance   VarianceConfig   `yaml:"variance" json:"variance"`
	Feedback   FeedbackConfig   `yaml:"feedback" json:"feedback"`
	SelfConfig SelfConfigConfig `yaml:"self_config" json:"self_config"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" json:"telemetry"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" json:"scheduler"`
	Storage    StorageConfig    `yaml:"storage" json:"storage"`
	Logging    LoggingConfig    `yaml:"logging" json:"logging"`
	RedisURL   string           `yaml:"redis_url" json:"redis_url"`
}

// BusConfig applies to every typed bus
type BusConfig struct {
	MaxQueueSize int           `yaml:"max_queue_size" json:"max_queue_size"`
	DrainTimeout time.Duration `yaml:"drain_timeout" json:"drain_timeout"`
}

// CircuitBreakerConfig defines the per-provider failure governor.
// After Threshold consecutive failures the breaker opens; after
// RecoveryTimeout it admits up to HalfOpenMaxCalls probe requests.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`
	HalfOpenMaxCalls int           `yaml:"half_open_max_calls" json:"half_open_max_calls"`
}

// LLMConfig controls provider selection on the LLM bus
type LLMConfig struct {
	DistributionStrategy string               `yaml:"distribution_strategy" json:"distribution_strategy"`
	CircuitBreaker       CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
}

// VarianceConfig controls the identity variance monitor
type VarianceConfig struct {
	Threshold     float64       `yaml:"variance_threshold" json:"variance_threshold"`
	CheckInterval time.Duration `yaml:"check_interval" json:"check_interval"`
}

// FeedbackConfig controls the pattern feedback loop
type FeedbackConfig struct {
	PatternThreshold    float64       `yaml:"pattern_threshold" json:"pattern_threshold"`
	AdaptationThreshold float64       `yaml:"adaptation_threshold" json:"adaptation_threshold"`
	AnalysisInterval    time.Duration `yaml:"analysis_interval" json:"analysis_interval"`
}

// SelfConfigConfig controls the self-configuration orchestrator
type SelfConfigConfig struct {
	StabilizationPeriod    time.Duration `yaml:"stabilization_period" json:"stabilization_period"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures" json:"max_consecutive_failures"`
}

// TelemetryConfig controls unified telemetry consolidation
type TelemetryConfig struct {
	ConsolidationThreshold time.Duration `yaml:"consolidation_threshold" json:"consolidation_threshold"`
	GraceWindow            time.Duration `yaml:"grace_window" json:"grace_window"`
}

// SchedulerConfig controls the task scheduler
type SchedulerConfig struct {
	TickInterval time.Duration `yaml:"tick_interval" json:"tick_interval"`
}

// StorageConfig locates the graph database
type StorageConfig struct {
	DatabasePath string `yaml:"database_path" json:"database_path"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
}

// DefaultConfig returns a configuration with the documented defaults
func DefaultConfig() *Config {
	return &Config{
		AgentID: "agent",
		Bus: BusConfig{
			MaxQueueSize: 1000,
			DrainTimeout: 5 * time.Second,
		},
		LLM: LLMConfig{
			DistributionStrategy: "latency_based",
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				RecoveryTimeout:  60 * time.Second,
				HalfOpenMaxCalls: 3,
			},
		},
		Variance: VarianceConfig{
			Threshold:     0.20,
			CheckInterval: 24 * time.Hour,
		},
		Feedback: FeedbackConfig{
			PatternThreshold:    0.7,
			AdaptationThreshold: 0.8,
			AnalysisInterval:    6 * time.Hour,
		},
		SelfConfig: SelfConfigConfig{
			StabilizationPeriod:    24 * time.Hour,
			MaxConsecutiveFailures: 3,
		},
		Telemetry: TelemetryConfig{
			ConsolidationThreshold: 24 * time.Hour,
			GraceWindow:            72 * time.Hour,
		},
		Scheduler: SchedulerConfig{
			TickInterval: time.Second,
		},
		Storage: StorageConfig{
			DatabasePath: "agent_graph.db",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfig reads the optional YAML file at path over the defaults and
// then applies environment overrides. An empty path skips the file step.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: reading config file %s: %v", ErrValidation, path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parsing config file %s: %v", ErrValidation, path, err)
		}
	}

	cfg.applyEnvironmentOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvironmentOverrides() {
	if v := os.Getenv("AGENT_ID"); v != "" {
		c.AgentID = v
	}
	if v := os.Getenv("AGENT_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	} else if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("AGENT_DB_PATH"); v != "" {
		c.Storage.DatabasePath = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("AGENT_MAX_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Bus.MaxQueueSize = n
		}
	}
	if v := os.Getenv("AGENT_LLM_STRATEGY"); v != "" {
		c.LLM.DistributionStrategy = v
	}
}

// Validate checks ranges that would otherwise fail deep inside a component
func (c *Config) Validate() error {
	if c.Bus.MaxQueueSize <= 0 {
		return fmt.Errorf("%w: bus.max_queue_size must be positive", ErrValidation)
	}
	if c.Variance.Threshold <= 0 || c.Variance.Threshold >= 1 {
		return fmt.Errorf("%w: variance_threshold must be in (0, 1)", ErrValidation)
	}
	switch c.LLM.DistributionStrategy {
	case "round_robin", "latency_based", "random", "least_loaded":
	default:
		return fmt.Errorf("%w: unknown distribution_strategy %q", ErrValidation, c.LLM.DistributionStrategy)
	}
	if c.LLM.CircuitBreaker.FailureThreshold <= 0 {
		return fmt.Errorf("%w: circuit_breaker.failure_threshold must be positive", ErrValidation)
	}
	if c.SelfConfig.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("%w: self_config.max_consecutive_failures must be positive", ErrValidation)
	}
	return nil
}
