package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestDefaults(t *testing.T) {
	v := viper.New()
	setDefaults(v)
	cfg := fromViper(v)

	assert.Equal(t, EnvDevelopment, cfg.Env)
	assert.Equal(t, "/api/v1", cfg.APIPrefix)
	assert.Equal(t, 2, cfg.Solver.Workers)
	assert.Equal(t, 30*time.Second, cfg.Solver.TimeBudget)
	assert.Equal(t, time.Hour, cfg.Solver.ResultTTL)
	assert.InDelta(t, 0.9995, cfg.Solver.CoolingRate, 1e-12)
	assert.True(t, cfg.ResultCache.Enabled)
	assert.Equal(t, 24*time.Hour, cfg.ResultCache.TTL)
}

func TestOverrides(t *testing.T) {
	v := viper.New()
	setDefaults(v)
	v.Set("SOLVER_WORKERS", 0)
	v.Set("SOLVER_TIME_BUDGET", "not-a-duration")
	v.Set("ALLOWED_ORIGINS", " https://a.example , ,https://b.example")
	v.Set("ENABLE_RESULT_CACHE", false)
	cfg := fromViper(v)

	assert.Equal(t, 2, cfg.Solver.Workers)
	assert.Equal(t, 30*time.Second, cfg.Solver.TimeBudget)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORS.AllowedOrigins)
	assert.False(t, cfg.ResultCache.Enabled)
}
