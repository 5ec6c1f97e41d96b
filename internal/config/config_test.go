package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, 30*time.Second, cfg.HTTP.ShutdownTimeout)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "cmaes", cfg.Retry.Optimizer)
	assert.Equal(t, 64, cfg.Retry.NumRetries)
	assert.Equal(t, 50000, cfg.Retry.EvalsPerRun)
	assert.Equal(t, "uniform", cfg.Retry.Sampling)
	assert.Equal(t, uint64(500000), cfg.Advanced.TotalEvaluations)
	assert.Equal(t, 20, cfg.Advanced.MaxWaves)
	assert.Equal(t, 1e-9, cfg.Advanced.Tolerance)
	assert.Equal(t, 4, cfg.Jobs.MaxConcurrent)
	assert.Equal(t, 10*time.Minute, cfg.Jobs.Timeout)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("RETRY_OPTIMIZER", "neldermead")
	t.Setenv("RETRY_SAMPLING", "gaussian")
	t.Setenv("RETRY_SEED", "77")
	t.Setenv("ADV_TOTAL_EVALUATIONS", "0")
	t.Setenv("ADV_MAX_WAVES", "5")
	t.Setenv("JOBS_TIMEOUT", "90s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, "neldermead", cfg.Retry.Optimizer)
	assert.Equal(t, "gaussian", cfg.Retry.Sampling)
	assert.Equal(t, uint64(77), cfg.Retry.Seed)
	assert.Zero(t, cfg.Advanced.TotalEvaluations)
	assert.Equal(t, 5, cfg.Advanced.MaxWaves)
	assert.Equal(t, 90*time.Second, cfg.Jobs.Timeout)
}

func TestLoadRejectsMalformedValue(t *testing.T) {
	t.Setenv("RETRY_NUM_RETRIES", "many")

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load()
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "port", mutate: func(c *Config) { c.HTTP.Port = 70000 }, wantErr: "HTTP_PORT"},
		{name: "workers", mutate: func(c *Config) { c.Retry.Workers = -1 }, wantErr: "RETRY_WORKERS"},
		{name: "retries", mutate: func(c *Config) { c.Retry.NumRetries = 0 }, wantErr: "RETRY_NUM_RETRIES"},
		{name: "evals", mutate: func(c *Config) { c.Retry.EvalsPerRun = 0 }, wantErr: "RETRY_EVALS_PER_RUN"},
		{name: "capacity", mutate: func(c *Config) { c.Retry.Capacity = -3 }, wantErr: "RETRY_CAPACITY"},
		{name: "sampling", mutate: func(c *Config) { c.Retry.Sampling = "sobol" }, wantErr: "RETRY_SAMPLING"},
		{
			name: "unbounded advanced",
			mutate: func(c *Config) {
				c.Advanced.TotalEvaluations = 0
				c.Advanced.MaxWaves = 0
			},
			wantErr: "ADV_MAX_WAVES",
		},
		{name: "retries per wave", mutate: func(c *Config) { c.Advanced.RetriesPerWave = 0 }, wantErr: "ADV_RETRIES_PER_WAVE"},
		{name: "tolerance", mutate: func(c *Config) { c.Advanced.Tolerance = -1 }, wantErr: "ADV_TOLERANCE"},
		{name: "jobs", mutate: func(c *Config) { c.Jobs.MaxConcurrent = 0 }, wantErr: "JOBS_MAX_CONCURRENT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
