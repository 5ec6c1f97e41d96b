package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/copyleftdev/fcretry/internal/optimization"
)

type Config struct {
	Environment string `env:"ENV" envDefault:"development"`
	HTTP        struct {
		Port            int           `env:"HTTP_PORT" envDefault:"8080"`
		ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
		WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
		IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
		ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	}
	Logging struct {
		Level  string `env:"LOG_LEVEL" envDefault:"info"`
		Format string `env:"LOG_FORMAT" envDefault:"json"`
		Output string `env:"LOG_OUTPUT" envDefault:"stderr"`
	}
	Retry struct {
		Optimizer   string `env:"RETRY_OPTIMIZER" envDefault:"cmaes"`
		Workers     int    `env:"RETRY_WORKERS" envDefault:"0"`
		NumRetries  int    `env:"RETRY_NUM_RETRIES" envDefault:"64"`
		EvalsPerRun int    `env:"RETRY_EVALS_PER_RUN" envDefault:"50000"`
		Capacity    int    `env:"RETRY_CAPACITY" envDefault:"0"`
		Sampling    string `env:"RETRY_SAMPLING" envDefault:"uniform"`
		Seed        uint64 `env:"RETRY_SEED" envDefault:"0"`
	}
	Advanced struct {
		TotalEvaluations uint64  `env:"ADV_TOTAL_EVALUATIONS" envDefault:"500000"`
		RetriesPerWave   int     `env:"ADV_RETRIES_PER_WAVE" envDefault:"16"`
		MaxWaves         int     `env:"ADV_MAX_WAVES" envDefault:"20"`
		Tolerance        float64 `env:"ADV_TOLERANCE" envDefault:"1e-9"`
		Capacity         int     `env:"ADV_CAPACITY" envDefault:"500"`
	}
	Jobs struct {
		// MaxConcurrent bounds jobs running at once; further starts are
		// rejected.
		MaxConcurrent int           `env:"JOBS_MAX_CONCURRENT" envDefault:"4"`
		Timeout       time.Duration `env:"JOBS_TIMEOUT" envDefault:"10m"`
	}
}

func Load() (*Config, error) {
	cfg := &Config{}

	// Parse environment variables
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Set default logging level based on environment
	if cfg.Environment == "development" && cfg.Logging.Level == "" {
		cfg.Logging.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the coordinators would refuse at run time.
func (c *Config) Validate() error {
	switch {
	case c.HTTP.Port < 0 || c.HTTP.Port > 65535:
		return fmt.Errorf("invalid HTTP_PORT %d", c.HTTP.Port)
	case c.Retry.Workers < 0:
		return fmt.Errorf("RETRY_WORKERS must not be negative, got %d", c.Retry.Workers)
	case c.Retry.NumRetries < 1:
		return fmt.Errorf("RETRY_NUM_RETRIES must be at least 1, got %d", c.Retry.NumRetries)
	case c.Retry.EvalsPerRun < 1:
		return fmt.Errorf("RETRY_EVALS_PER_RUN must be at least 1, got %d", c.Retry.EvalsPerRun)
	case c.Retry.Capacity < 0:
		return fmt.Errorf("RETRY_CAPACITY must not be negative, got %d", c.Retry.Capacity)
	case c.Advanced.TotalEvaluations == 0 && c.Advanced.MaxWaves == 0:
		return fmt.Errorf("one of ADV_TOTAL_EVALUATIONS and ADV_MAX_WAVES must be set")
	case c.Advanced.RetriesPerWave < 1:
		return fmt.Errorf("ADV_RETRIES_PER_WAVE must be at least 1, got %d", c.Advanced.RetriesPerWave)
	case c.Advanced.Tolerance < 0:
		return fmt.Errorf("ADV_TOLERANCE must not be negative, got %v", c.Advanced.Tolerance)
	case c.Jobs.MaxConcurrent < 1:
		return fmt.Errorf("JOBS_MAX_CONCURRENT must be at least 1, got %d", c.Jobs.MaxConcurrent)
	}
	if _, err := optimization.ParseSampling(c.Retry.Sampling); err != nil {
		return fmt.Errorf("RETRY_SAMPLING: %w", err)
	}
	return nil
}
