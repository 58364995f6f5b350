package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ServerConfig    ServerConfig    `json:"server"`
	DatabaseConfig  DatabaseConfig  `json:"database"`
	RedisConfig     RedisConfig     `json:"redis"`
	LLMConfig       LLMConfig       `json:"llm"`
	EmbeddingConfig EmbeddingConfig `json:"embedding"`
	VaultConfig     VaultConfig     `json:"vault"`
	MarketConfig    MarketConfig    `json:"market"`
	QueueConfig     QueueConfig     `json:"queues"`
	ProducerConfig  ProducerConfig  `json:"producer"`
	TradingConfig   TradingConfig   `json:"trading"`
	ChatConfig      ChatConfig      `json:"chat"`
	LoggingConfig   LoggingConfig   `json:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int    `json:"port"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"`
	ReadTimeout     int    `json:"read_timeout"`     // Seconds
	WriteTimeout    int    `json:"write_timeout"`    // Seconds
	ShutdownTimeout int    `json:"shutdown_timeout"` // Seconds
}

type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds Redis configuration for caching, locks and job queues
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// LLMConfig configures the reasoning capability backend
type LLMConfig struct {
	Provider    string        `json:"provider"` // "claude", "openai", or "deepseek"
	APIKey      string        `json:"api_key"`
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	Timeout     time.Duration `json:"timeout"`
}

// EmbeddingConfig configures the embedding backend used by memory recall
type EmbeddingConfig struct {
	BaseURL string        `json:"base_url"`
	APIKey  string        `json:"api_key"`
	Model   string        `json:"model"`
	Timeout time.Duration `json:"timeout"`
}

// VaultConfig holds HashiCorp Vault configuration for capability API keys
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// MarketConfig points at the public market-data REST API
type MarketConfig struct {
	BaseURL string `json:"base_url"`
}

// QueueConfig holds per-queue worker concurrency plus the shared retry policy.
// Each queue gets its own pool so one workload cannot starve another.
type QueueConfig struct {
	TradingConcurrency  int           `json:"trading_concurrency"`
	OnDemandConcurrency int           `json:"on_demand_concurrency"`
	ChatConcurrency     int           `json:"chat_concurrency"`
	MemoryConcurrency   int           `json:"memory_concurrency"`
	MaxAttempts         int           `json:"max_attempts"`
	BackoffBase         time.Duration `json:"backoff_base"`
	FailedRetention     int           `json:"failed_retention"` // failed jobs kept per queue
}

// ProducerConfig holds the global cycle producer cadence
type ProducerConfig struct {
	CycleInterval          time.Duration `json:"cycle_interval"`
	ImprovementInterval    time.Duration `json:"improvement_interval"`
	MemoryAnalysisInterval time.Duration `json:"memory_analysis_interval"`
	SnapshotMaxAge         time.Duration `json:"snapshot_max_age"` // older snapshots fall back to the default regime
}

type TradingConfig struct {
	InitialBalance     float64       `json:"initial_balance"`
	FeeRate            float64       `json:"fee_rate"`
	LockRetries        int           `json:"lock_retries"`
	LockRetryDelay     time.Duration `json:"lock_retry_delay"`
	LockTTL            time.Duration `json:"lock_ttl"`
	MinTradesForShadow int           `json:"min_trades_for_shadow"`
	PromotionThreshold float64       `json:"promotion_threshold"` // shadow must beat main balance by this factor
}

// ChatConfig bounds the conversational orchestrator
type ChatConfig struct {
	MaxPlanSteps   int           `json:"max_plan_steps"`
	PlanTTL        time.Duration `json:"plan_ttl"`
	ConfirmLockTTL time.Duration `json:"confirm_lock_ttl"`
	ResultTTL      time.Duration `json:"result_ttl"`
	HistoryLength  int           `json:"history_length"`
	HistoryTTL     time.Duration `json:"history_ttl"`
	RecallCount    int           `json:"recall_count"`
	ContextBudget  int           `json:"context_budget"` // chars before history truncation
}

type LoggingConfig struct {
	Level      string `json:"level"`       // debug, info, warn, error
	JSONFormat bool   `json:"json_format"` // JSON output vs console writer
}

func Load() (*Config, error) {
	// .env is optional; real deployments use the environment directly
	_ = godotenv.Load()

	cfg, err := loadFromFile("config.json")
	if err != nil {
		cfg = &Config{}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config
func applyEnvOverrides(cfg *Config) {
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", 8080)
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", "0.0.0.0")
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", "*")
	cfg.ServerConfig.ReadTimeout = getEnvIntOrDefault("SERVER_READ_TIMEOUT", 30)
	cfg.ServerConfig.WriteTimeout = getEnvIntOrDefault("SERVER_WRITE_TIMEOUT", 30)
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", 10)

	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", "localhost")
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", 5432)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", "hive")
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", "hive")
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", "disable")

	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", "localhost:6379")
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", 0)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", 10)

	cfg.LLMConfig.Provider = getEnvOrDefault("LLM_PROVIDER", "claude")
	cfg.LLMConfig.APIKey = getEnvOrDefault("LLM_API_KEY", cfg.LLMConfig.APIKey)
	cfg.LLMConfig.Model = getEnvOrDefault("LLM_MODEL", "claude-3-haiku-20240307")
	cfg.LLMConfig.MaxTokens = getEnvIntOrDefault("LLM_MAX_TOKENS", 1024)
	cfg.LLMConfig.Temperature = getEnvFloatOrDefault("LLM_TEMPERATURE", 0.3)
	cfg.LLMConfig.Timeout = getEnvDurationOrDefault("LLM_TIMEOUT", 30*time.Second)

	cfg.EmbeddingConfig.BaseURL = getEnvOrDefault("EMBEDDING_BASE_URL", "https://api.openai.com/v1")
	cfg.EmbeddingConfig.APIKey = getEnvOrDefault("EMBEDDING_API_KEY", cfg.EmbeddingConfig.APIKey)
	cfg.EmbeddingConfig.Model = getEnvOrDefault("EMBEDDING_MODEL", "text-embedding-3-small")
	cfg.EmbeddingConfig.Timeout = getEnvDurationOrDefault("EMBEDDING_TIMEOUT", 15*time.Second)

	cfg.VaultConfig.Enabled = getEnvOrDefault("VAULT_ENABLED", "false") == "true"
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", "http://localhost:8200")
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", "secret")
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", "hive/capability-keys")
	cfg.VaultConfig.TLSEnabled = getEnvOrDefault("VAULT_TLS_ENABLED", "false") == "true"

	cfg.MarketConfig.BaseURL = getEnvOrDefault("MARKET_BASE_URL", "https://api.binance.com")

	cfg.QueueConfig.TradingConcurrency = getEnvIntOrDefault("QUEUE_TRADING_CONCURRENCY", 10)
	cfg.QueueConfig.OnDemandConcurrency = getEnvIntOrDefault("QUEUE_ON_DEMAND_CONCURRENCY", 5)
	cfg.QueueConfig.ChatConcurrency = getEnvIntOrDefault("QUEUE_CHAT_CONCURRENCY", 5)
	cfg.QueueConfig.MemoryConcurrency = getEnvIntOrDefault("QUEUE_MEMORY_CONCURRENCY", 2)
	cfg.QueueConfig.MaxAttempts = getEnvIntOrDefault("QUEUE_MAX_ATTEMPTS", 3)
	cfg.QueueConfig.BackoffBase = getEnvDurationOrDefault("QUEUE_BACKOFF_BASE", 5*time.Second)
	cfg.QueueConfig.FailedRetention = getEnvIntOrDefault("QUEUE_FAILED_RETENTION", 1000)

	cfg.ProducerConfig.CycleInterval = getEnvDurationOrDefault("PRODUCER_CYCLE_INTERVAL", 15*time.Minute)
	cfg.ProducerConfig.ImprovementInterval = getEnvDurationOrDefault("PRODUCER_IMPROVEMENT_INTERVAL", 1*time.Hour)
	cfg.ProducerConfig.MemoryAnalysisInterval = getEnvDurationOrDefault("PRODUCER_MEMORY_ANALYSIS_INTERVAL", 6*time.Hour)
	cfg.ProducerConfig.SnapshotMaxAge = getEnvDurationOrDefault("PRODUCER_SNAPSHOT_MAX_AGE", 5*time.Minute)

	cfg.TradingConfig.InitialBalance = getEnvFloatOrDefault("TRADING_INITIAL_BALANCE", 100000)
	cfg.TradingConfig.FeeRate = getEnvFloatOrDefault("TRADING_FEE_RATE", 0.001)
	cfg.TradingConfig.LockRetries = getEnvIntOrDefault("TRADING_LOCK_RETRIES", 20)
	cfg.TradingConfig.LockRetryDelay = getEnvDurationOrDefault("TRADING_LOCK_RETRY_DELAY", 200*time.Millisecond)
	cfg.TradingConfig.LockTTL = getEnvDurationOrDefault("TRADING_LOCK_TTL", 30*time.Second)
	cfg.TradingConfig.MinTradesForShadow = getEnvIntOrDefault("TRADING_MIN_TRADES_FOR_SHADOW", 10)
	cfg.TradingConfig.PromotionThreshold = getEnvFloatOrDefault("TRADING_PROMOTION_THRESHOLD", 1.10)

	cfg.ChatConfig.MaxPlanSteps = getEnvIntOrDefault("CHAT_MAX_PLAN_STEPS", 7)
	cfg.ChatConfig.PlanTTL = getEnvDurationOrDefault("CHAT_PLAN_TTL", 10*time.Minute)
	cfg.ChatConfig.ConfirmLockTTL = getEnvDurationOrDefault("CHAT_CONFIRM_LOCK_TTL", 5*time.Minute)
	cfg.ChatConfig.ResultTTL = getEnvDurationOrDefault("CHAT_RESULT_TTL", 5*time.Minute)
	cfg.ChatConfig.HistoryLength = getEnvIntOrDefault("CHAT_HISTORY_LENGTH", 10)
	cfg.ChatConfig.HistoryTTL = getEnvDurationOrDefault("CHAT_HISTORY_TTL", 30*time.Minute)
	cfg.ChatConfig.RecallCount = getEnvIntOrDefault("CHAT_RECALL_COUNT", 3)
	cfg.ChatConfig.ContextBudget = getEnvIntOrDefault("CHAT_CONTEXT_BUDGET", 4000)

	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.LoggingConfig.JSONFormat = getEnvOrDefault("LOG_JSON", "true") == "true"
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
