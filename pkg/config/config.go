package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database    DatabaseConfig
	Redis       RedisConfig
	CORS        CORSConfig
	Log         LogConfig
	ResultCache ResultCacheConfig
	Solver      SolverConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// ResultCacheConfig governs the Redis cache of terminal run results.
type ResultCacheConfig struct {
	Enabled bool
	TTL     time.Duration
}

// SolverConfig bounds the solve worker pool and the default search budgets.
type SolverConfig struct {
	Workers            int
	QueueSize          int
	MaxIterations      int
	NodeBudget         int
	TimeBudget         time.Duration
	StallIterations    int
	InitialTemperature float64
	CoolingRate        float64
	ResultTTL          time.Duration
	CleanupInterval    time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !isMissingFile(err) {
			return nil, err
		}
	}

	return fromViper(v), nil
}

func fromViper(v *viper.Viper) *Config {
	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.ResultCache = ResultCacheConfig{
		Enabled: v.GetBool("ENABLE_RESULT_CACHE"),
		TTL:     parseDuration(v.GetString("RESULT_CACHE_TTL"), 24*time.Hour),
	}

	workers := v.GetInt("SOLVER_WORKERS")
	if workers <= 0 {
		workers = 2
	}
	cfg.Solver = SolverConfig{
		Workers:            workers,
		QueueSize:          v.GetInt("SOLVER_QUEUE_SIZE"),
		MaxIterations:      v.GetInt("SOLVER_MAX_ITERATIONS"),
		NodeBudget:         v.GetInt("SOLVER_NODE_BUDGET"),
		TimeBudget:         parseDuration(v.GetString("SOLVER_TIME_BUDGET"), 30*time.Second),
		StallIterations:    v.GetInt("SOLVER_STALL_ITERATIONS"),
		InitialTemperature: v.GetFloat64("SOLVER_INITIAL_TEMPERATURE"),
		CoolingRate:        v.GetFloat64("SOLVER_COOLING_RATE"),
		ResultTTL:          parseDuration(v.GetString("SOLVER_RESULT_TTL"), time.Hour),
		CleanupInterval:    parseDuration(v.GetString("SOLVER_CLEANUP_INTERVAL"), 5*time.Minute),
	}

	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "timetable")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("ENABLE_RESULT_CACHE", true)
	v.SetDefault("RESULT_CACHE_TTL", "24h")

	v.SetDefault("SOLVER_WORKERS", 2)
	v.SetDefault("SOLVER_QUEUE_SIZE", 64)
	v.SetDefault("SOLVER_MAX_ITERATIONS", 20000)
	v.SetDefault("SOLVER_NODE_BUDGET", 50000)
	v.SetDefault("SOLVER_TIME_BUDGET", "30s")
	v.SetDefault("SOLVER_STALL_ITERATIONS", 4000)
	v.SetDefault("SOLVER_INITIAL_TEMPERATURE", 5.0)
	v.SetDefault("SOLVER_COOLING_RATE", 0.9995)
	v.SetDefault("SOLVER_RESULT_TTL", "1h")
	v.SetDefault("SOLVER_CLEANUP_INTERVAL", "5m")
}

// isMissingFile covers viper returning a raw fs error for an absent explicit .env path.
func isMissingFile(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
