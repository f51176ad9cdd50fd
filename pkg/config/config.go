package config

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server struct {
		Port    string
		Env     string
		Timeout time.Duration
		BaseURL string
	}

	// Database configuration
	Database struct {
		Host     string
		Port     string
		User     string
		Password string
		Name     string
		SSLMode  string
		MaxConns int
		Timeout  time.Duration
	}

	// Redis configuration
	Redis struct {
		Enabled   bool
		URL       string
		KeyPrefix string
		Timeout   time.Duration
	}

	// JWT configuration
	JWT struct {
		Secret string
		Issuer string
	}

	// Security configuration
	Security struct {
		RateLimit       float64
		RateLimitBurst  int
		GenerationLimit float64
		GenerationBurst int
		AllowedOrigins  []string
		TrustedProxies  []string
		MaxBodySize     int64
	}

	// Logging configuration
	Logging struct {
		Level  string
		Format string
	}

	// LLM provider settings
	LLM struct {
		BaseURL       string
		APIKeySecret  string
		Model         string
		FallbackModel string
		SummaryModel  string
		MaxTokens     int64
		Temperature   float64
	}

	// Thread holds the conversation threading constants
	Thread struct {
		CheckpointThreshold int
		PreviewCharCap      int
		LeafCacheTTL        time.Duration
		FetchLimit          int
		MaxFetchLimit       int
		SummaryMaxWords     int
		ReconstructTimeout  time.Duration
		SummaryTimeout      time.Duration
		GenerationTimeout   time.Duration
		PersistTimeout      time.Duration
	}

	// Jobs configures the async task runner
	Jobs struct {
		Enabled     bool
		SceneImage  bool
		QueuePrefix string
		TokenTTL    time.Duration
	}

	// Cache settings for the in-memory fallback
	Cache struct {
		TTL         time.Duration
		MaxSize     int
		PurgeWindow time.Duration
	}

	GRPC struct {
		Enabled bool
		Port    string
	}

	Observability struct {
		TracingEnabled bool
		OpenAPIEnabled bool
		HealthInterval time.Duration
	}

	// Vault settings; an empty address disables Vault
	Vault struct {
		Address string
		Token   string
		Mount   string
		Path    string
	}
}

var (
	instance *Config
	once     sync.Once
)

// New creates a new Config instance with values from environment variables
// Uses singleton pattern to ensure only one instance exists
func New() *Config {
	once.Do(func() {
		// Load .env file if exists
		godotenv.Load()

		instance = Load()
	})

	return instance
}

// Get returns the singleton Config instance
func Get() *Config {
	if instance == nil {
		return New()
	}
	return instance
}

// Load reads a fresh Config from the environment without touching the singleton.
func Load() *Config {
	c := &Config{}

	// Server config
	c.Server.Port = getEnvString("PORT", "8081")
	c.Server.Env = getEnvString("APP_ENV", "development")
	c.Server.Timeout = getEnvDuration("SERVER_TIMEOUT", 30*time.Second)
	c.Server.BaseURL = getEnvString("BASE_URL", "http://localhost:"+c.Server.Port)

	// Database config
	c.Database.Host = getEnvString("DB_HOST", "localhost")
	c.Database.Port = getEnvString("DB_PORT", "5432")
	c.Database.User = getEnvString("DB_USER", "postgres")
	c.Database.Password = getEnvString("DB_PASSWORD", "postgres")
	c.Database.Name = getEnvString("DB_NAME", "persona-chat")
	c.Database.SSLMode = getEnvString("DB_SSL_MODE", "disable")
	c.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 20)
	c.Database.Timeout = getEnvDuration("DB_TIMEOUT", 5*time.Second)

	// Redis config
	c.Redis.Enabled = getEnvBool("REDIS_ENABLED", true)
	c.Redis.URL = getEnvString("REDIS_URL", "redis://localhost:6379/0")
	c.Redis.KeyPrefix = getEnvString("REDIS_KEY_PREFIX", "persona-chat:")
	c.Redis.Timeout = getEnvDuration("REDIS_TIMEOUT", 2*time.Second)

	// JWT config
	c.JWT.Secret = getEnvString("JWT_SECRET", "default-jwt-secret-do-not-use-in-production")
	c.JWT.Issuer = getEnvString("JWT_ISSUER", "")

	// Security config
	c.Security.RateLimit = getEnvFloat("RATE_LIMIT", 5)
	c.Security.RateLimitBurst = getEnvInt("RATE_LIMIT_BURST", 10)
	c.Security.GenerationLimit = getEnvFloat("GENERATION_RATE_LIMIT", 0.5)
	c.Security.GenerationBurst = getEnvInt("GENERATION_RATE_BURST", 3)
	c.Security.AllowedOrigins = getEnvStringSlice("ALLOWED_ORIGINS", []string{"*"})
	c.Security.TrustedProxies = getEnvStringSlice("TRUSTED_PROXIES", []string{"127.0.0.1"})
	c.Security.MaxBodySize = getEnvInt64("MAX_BODY_SIZE", 1<<20) // 1MB

	// Logging config
	c.Logging.Level = getEnvString("LOG_LEVEL", "info")
	c.Logging.Format = getEnvString("LOG_FORMAT", "json")

	// LLM config
	c.LLM.BaseURL = getEnvString("LLM_BASE_URL", "https://openrouter.ai/api/v1")
	c.LLM.APIKeySecret = getEnvString("LLM_API_KEY_SECRET", "LLM_API_KEY")
	c.LLM.Model = getEnvString("LLM_MODEL", "deepseek/deepseek-chat-v3-0324")
	c.LLM.FallbackModel = getEnvString("LLM_FALLBACK_MODEL", "")
	c.LLM.SummaryModel = getEnvString("LLM_SUMMARY_MODEL", "")
	c.LLM.MaxTokens = getEnvInt64("LLM_MAX_TOKENS", 1024)
	c.LLM.Temperature = getEnvFloat("LLM_TEMPERATURE", 0.9)

	// Thread config
	c.Thread.CheckpointThreshold = getEnvInt("CHECKPOINT_THRESHOLD", 24)
	c.Thread.PreviewCharCap = getEnvInt("BRANCH_PREVIEW_CHAR_CAP", 1200)
	c.Thread.LeafCacheTTL = getEnvDuration("LEAF_CACHE_TTL", 14*24*time.Hour)
	c.Thread.FetchLimit = getEnvInt("THREAD_FETCH_LIMIT", 100)
	c.Thread.MaxFetchLimit = getEnvInt("THREAD_MAX_FETCH_LIMIT", 500)
	c.Thread.SummaryMaxWords = getEnvInt("SUMMARY_MAX_WORDS", 200)
	c.Thread.ReconstructTimeout = getEnvDuration("RECONSTRUCT_TIMEOUT", 20*time.Second)
	c.Thread.SummaryTimeout = getEnvDuration("SUMMARY_TIMEOUT", 25*time.Second)
	c.Thread.GenerationTimeout = getEnvDuration("GENERATION_TIMEOUT", 45*time.Second)
	c.Thread.PersistTimeout = getEnvDuration("PERSIST_TIMEOUT", 10*time.Second)

	// Jobs config
	c.Jobs.Enabled = getEnvBool("JOBS_ENABLED", false)
	c.Jobs.SceneImage = getEnvBool("JOBS_SCENE_IMAGE", true)
	c.Jobs.QueuePrefix = getEnvString("JOBS_QUEUE_PREFIX", "jobs:")
	c.Jobs.TokenTTL = getEnvDuration("JOBS_TOKEN_TTL", time.Hour)

	// Cache settings
	c.Cache.TTL = getEnvDuration("CACHE_TTL", 5*time.Minute)
	c.Cache.MaxSize = getEnvInt("CACHE_MAX_SIZE", 10000)
	c.Cache.PurgeWindow = getEnvDuration("CACHE_PURGE_WINDOW", 10*time.Minute)

	c.GRPC.Enabled = getEnvBool("GRPC_ENABLED", false)
	c.GRPC.Port = getEnvString("GRPC_PORT", "9091")

	c.Observability.TracingEnabled = getEnvBool("TRACING_ENABLED", false)
	c.Observability.OpenAPIEnabled = getEnvBool("OPENAPI_VALIDATION", true)
	c.Observability.HealthInterval = getEnvDuration("HEALTH_CHECK_INTERVAL", 30*time.Second)

	c.Vault.Address = getEnvString("VAULT_ADDR", "")
	c.Vault.Token = getEnvString("VAULT_TOKEN", "")
	c.Vault.Mount = getEnvString("VAULT_MOUNT", "secret")
	c.Vault.Path = getEnvString("VAULT_PATH", "persona-chat")

	return c
}

// IsProduction reports whether the service runs with APP_ENV=production.
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

// Helper functions to read environment variables with default values

func getEnvString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}
