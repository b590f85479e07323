package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	RedisAddr   string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	PostgresDSN string `env:"POSTGRES_DSN"` // when set, jobs live in Postgres instead of Redis
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":2113"`

	Workers      int           `env:"WORKERS" envDefault:"8"`
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"250ms"`
	SlotWait     time.Duration `env:"SLOT_WAIT" envDefault:"2s"`
	RecoveryAge  time.Duration `env:"RECOVERY_AGE" envDefault:"2m"`

	RetryBase   time.Duration `env:"RETRY_BASE" envDefault:"500ms"`
	RetryMax    time.Duration `env:"RETRY_MAX" envDefault:"30s"`
	MaxAttempts int           `env:"MAX_ATTEMPTS" envDefault:"5"`

	CacheTTL time.Duration `env:"CACHE_TTL" envDefault:"1h"`

	ProviderTimeout     time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"30s"`
	ProviderConcurrency int           `env:"PROVIDER_CONCURRENCY" envDefault:"4"`

	TogetherAPIKey    string `env:"TOGETHER_API_KEY"`
	TogetherModel     string `env:"TOGETHER_MODEL" envDefault:"meta-llama/Llama-3-70b-chat-hf"`
	HuggingFaceAPIKey string `env:"HUGGINGFACE_API_KEY"`
	HuggingFaceModel  string `env:"HUGGINGFACE_MODEL" envDefault:"mistralai/Mistral-7B-Instruct-v0.1"`
	LocalRunnerURL    string `env:"LOCAL_RUNNER_URL"`
}

// Load reads configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}
