package config

import (
	"errors"
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

	Database     DatabaseConfig
	Redis        RedisConfig
	JWT          JWTConfig
	CORS         CORSConfig
	Log          LogConfig
	Scoring      ScoringConfig
	Settlement   SettlementConfig
	Notification NotificationConfig
	Tracing      TracingConfig
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

type JWTConfig struct {
	Secret   string
	Issuer   string
	Audience []string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// ScoringConfig holds the service-level scoring defaults used when neither the
// project nor the system configuration overrides them.
type ScoringConfig struct {
	StudentWeight           float64
	TeacherWeight           float64
	MaxCommentSelections    int
	CommentRewardPercentile float64
}

// SettlementConfig tunes asynchronous settlement processing and result caching.
type SettlementConfig struct {
	AsyncEnabled    bool
	Workers         int
	WorkerRetries   int
	RetryDelay      time.Duration
	ResultsCacheTTL time.Duration
	CacheEnabled    bool
}

// NotificationConfig bounds the best-effort notification side channel.
type NotificationConfig struct {
	ChannelPrefix string
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
}

// TracingConfig configures the OpenTelemetry tracer provider.
type TracingConfig struct {
	ServiceName string
	Enabled     bool
	SampleRatio float64
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
		if !errors.As(err, &notFound) {
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

	cfg.JWT = JWTConfig{
		Secret:   v.GetString("JWT_SECRET"),
		Issuer:   v.GetString("JWT_ISSUER"),
		Audience: splitAndTrim(v.GetString("JWT_AUDIENCE")),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Scoring = ScoringConfig{
		StudentWeight:           v.GetFloat64("SCORING_STUDENT_WEIGHT"),
		TeacherWeight:           v.GetFloat64("SCORING_TEACHER_WEIGHT"),
		MaxCommentSelections:    v.GetInt("SCORING_MAX_COMMENT_SELECTIONS"),
		CommentRewardPercentile: v.GetFloat64("SCORING_COMMENT_REWARD_PERCENTILE"),
	}

	cfg.Settlement = SettlementConfig{
		AsyncEnabled:    v.GetBool("ENABLE_ASYNC_SETTLEMENT"),
		Workers:         v.GetInt("SETTLEMENT_WORKERS"),
		WorkerRetries:   v.GetInt("SETTLEMENT_WORKER_RETRIES"),
		RetryDelay:      parseDuration(v.GetString("SETTLEMENT_RETRY_DELAY"), 5*time.Second),
		ResultsCacheTTL: parseDuration(v.GetString("SETTLEMENT_RESULTS_CACHE_TTL"), 10*time.Minute),
		CacheEnabled:    v.GetBool("ENABLE_SETTLEMENT_CACHE"),
	}

	cfg.Notification = NotificationConfig{
		ChannelPrefix: v.GetString("NOTIFY_CHANNEL_PREFIX"),
		Timeout:       parseDuration(v.GetString("NOTIFY_TIMEOUT"), 3*time.Second),
		RatePerSecond: v.GetFloat64("NOTIFY_RATE_PER_SECOND"),
		Burst:         v.GetInt("NOTIFY_BURST"),
	}

	cfg.Tracing = TracingConfig{
		ServiceName: v.GetString("TRACING_SERVICE_NAME"),
		Enabled:     v.GetBool("TRACING_ENABLED"),
		SampleRatio: v.GetFloat64("TRACING_SAMPLE_RATIO"),
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
	v.SetDefault("DB_NAME", "scoring_system")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_ISSUER", "")
	v.SetDefault("JWT_AUDIENCE", "")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("SCORING_STUDENT_WEIGHT", 0.7)
	v.SetDefault("SCORING_TEACHER_WEIGHT", 0.3)
	v.SetDefault("SCORING_MAX_COMMENT_SELECTIONS", 3)
	v.SetDefault("SCORING_COMMENT_REWARD_PERCENTILE", 0)

	v.SetDefault("ENABLE_ASYNC_SETTLEMENT", false)
	v.SetDefault("SETTLEMENT_WORKERS", 1)
	v.SetDefault("SETTLEMENT_WORKER_RETRIES", 1)
	v.SetDefault("SETTLEMENT_RETRY_DELAY", "5s")
	v.SetDefault("SETTLEMENT_RESULTS_CACHE_TTL", "10m")
	v.SetDefault("ENABLE_SETTLEMENT_CACHE", true)

	v.SetDefault("NOTIFY_CHANNEL_PREFIX", "notifications")
	v.SetDefault("NOTIFY_TIMEOUT", "3s")
	v.SetDefault("NOTIFY_RATE_PER_SECOND", 50)
	v.SetDefault("NOTIFY_BURST", 10)

	v.SetDefault("TRACING_SERVICE_NAME", "settlement-api")
	v.SetDefault("TRACING_ENABLED", true)
	v.SetDefault("TRACING_SAMPLE_RATIO", 1.0)
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
