package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable of the orchestration core. All values have
// conservative defaults so the service starts with no config file at all.
type Config struct {
	Server    ServerConfig        `mapstructure:"server"`
	Redis     RedisConfig         `mapstructure:"redis"`
	Storage   StorageConfig       `mapstructure:"storage"`
	LLM       LLMConfig           `mapstructure:"llm"`
	Orch      OrchestratorConfig  `mapstructure:"orchestrator"`
	Registry  RegistryConfig      `mapstructure:"registry"`
	Reasoning ReasoningConfig     `mapstructure:"reasoning"`
	Intel     InvestigationConfig `mapstructure:"investigation"`
	Context   ContextConfig       `mapstructure:"context"`
}

type ServerConfig struct {
	Addr        string `mapstructure:"addr"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type StorageConfig struct {
	Path string `mapstructure:"path"`
}

type LLMConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateBurst      int           `mapstructure:"rate_burst"`
}

type OrchestratorConfig struct {
	// MaxWait is the starvation guard: a pending task waiting longer than
	// this is promoted to the next-higher priority tier.
	MaxWait     time.Duration `mapstructure:"max_wait"`
	RetryBudget int           `mapstructure:"retry_budget"`
	QueueSize   int           `mapstructure:"queue_size"`
}

type RegistryConfig struct {
	ConsecutiveFailureLimit int     `mapstructure:"consecutive_failure_limit"`
	HistoryWindow           int     `mapstructure:"history_window"`
	SuccessWeight           float64 `mapstructure:"success_weight"`
	LatencyWeight           float64 `mapstructure:"latency_weight"`
}

type ReasoningConfig struct {
	// Thresholds must be strictly increasing with level depth.
	ReactiveThreshold     float64 `mapstructure:"reactive_threshold"`
	DeliberativeThreshold float64 `mapstructure:"deliberative_threshold"`
	ReflectiveThreshold   float64 `mapstructure:"reflective_threshold"`
	StrategicThreshold    float64 `mapstructure:"strategic_threshold"`

	ReactiveModel     string `mapstructure:"reactive_model"`
	DeliberativeModel string `mapstructure:"deliberative_model"`
	ReflectiveModel   string `mapstructure:"reflective_model"`
	StrategicModel    string `mapstructure:"strategic_model"`
}

type InvestigationConfig struct {
	DefaultDeadline time.Duration      `mapstructure:"default_deadline"`
	Priors          map[string]float64 `mapstructure:"priors"`
	// Endpoints maps module names to external collaborator URLs.
	Endpoints map[string]string `mapstructure:"endpoints"`
}

type ContextConfig struct {
	IdleTTL    time.Duration `mapstructure:"idle_ttl"`
	MaxHistory int           `mapstructure:"max_history"`
	CacheSize  int           `mapstructure:"cache_size"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8090")
	v.SetDefault("server.metrics_addr", ":2112")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("storage.path", "cpas.db")

	v.SetDefault("llm.base_url", "http://localhost:11434")
	v.SetDefault("llm.request_timeout", 60*time.Second)
	v.SetDefault("llm.rate_limit", 5.0)
	v.SetDefault("llm.rate_burst", 10)

	v.SetDefault("orchestrator.max_wait", 30*time.Second)
	v.SetDefault("orchestrator.retry_budget", 1)
	v.SetDefault("orchestrator.queue_size", 1024)

	v.SetDefault("registry.consecutive_failure_limit", 3)
	v.SetDefault("registry.history_window", 100)
	v.SetDefault("registry.success_weight", 0.7)
	v.SetDefault("registry.latency_weight", 0.3)

	v.SetDefault("reasoning.reactive_threshold", 0.60)
	v.SetDefault("reasoning.deliberative_threshold", 0.70)
	v.SetDefault("reasoning.reflective_threshold", 0.78)
	v.SetDefault("reasoning.strategic_threshold", 0.85)
	v.SetDefault("reasoning.reactive_model", "llama3.2:3b")
	v.SetDefault("reasoning.deliberative_model", "deepseek-r1:7b")
	v.SetDefault("reasoning.reflective_model", "mixtral:8x7b")
	v.SetDefault("reasoning.strategic_model", "mixtral:8x7b")

	v.SetDefault("investigation.default_deadline", 60*time.Second)
	v.SetDefault("investigation.priors", map[string]float64{
		"social":    0.8,
		"technical": 0.9,
		"breach":    0.7,
		"media":     0.6,
	})

	v.SetDefault("context.idle_ttl", 24*time.Hour)
	v.SetDefault("context.max_history", 100)
	v.SetDefault("context.cache_size", 10000)
}

// Load reads configuration from CPAS_CONFIG (or ./orchestrator.yaml if it
// exists), applies CPAS_* environment overrides, and fills defaults.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CPAS")
	v.AutomaticEnv()

	path := os.Getenv("CPAS_CONFIG")
	if path == "" {
		if _, err := os.Stat("orchestrator.yaml"); err == nil {
			path = "orchestrator.yaml"
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints that viper cannot express.
func (c *Config) Validate() error {
	r := c.Reasoning
	if !(r.ReactiveThreshold < r.DeliberativeThreshold &&
		r.DeliberativeThreshold < r.ReflectiveThreshold &&
		r.ReflectiveThreshold < r.StrategicThreshold) {
		return fmt.Errorf("reasoning thresholds must be strictly increasing: %.2f, %.2f, %.2f, %.2f",
			r.ReactiveThreshold, r.DeliberativeThreshold, r.ReflectiveThreshold, r.StrategicThreshold)
	}
	for level, t := range map[string]float64{
		"reactive": r.ReactiveThreshold, "deliberative": r.DeliberativeThreshold,
		"reflective": r.ReflectiveThreshold, "strategic": r.StrategicThreshold,
	} {
		if t <= 0 || t > 1 {
			return fmt.Errorf("reasoning threshold for %s out of (0,1]: %f", level, t)
		}
	}
	for name, p := range c.Intel.Priors {
		if p <= 0 || p > 1 {
			return fmt.Errorf("investigation prior for %s out of (0,1]: %f", name, p)
		}
	}
	if c.Registry.ConsecutiveFailureLimit < 1 {
		return fmt.Errorf("registry consecutive_failure_limit must be >= 1")
	}
	if c.Orch.RetryBudget < 0 {
		return fmt.Errorf("orchestrator retry_budget must be >= 0")
	}
	if w := c.Registry.SuccessWeight + c.Registry.LatencyWeight; w <= 0 {
		return fmt.Errorf("registry scoring weights must sum to a positive value")
	}
	return nil
}
