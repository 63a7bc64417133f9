package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server      ServerConfig
	Log         LogConfig
	Store       StoreConfig
	Redis       RedisConfig
	JWT         JWTConfig
	RateLimit   RateLimitConfig
	Groq        GroqConfig
	R2          R2Config
	Render      RenderConfig
	Worker      WorkerConfig
	Queues      map[string]QueueConfig
	Maintenance MaintenanceConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	ApiDomain string
}

type LogConfig struct {
	Level  string
	Format string // json or console
}

type StoreConfig struct {
	Driver         string // redis or memory
	Prefix         string
	ConnectRetries int
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TLS      bool
}

// JWTConfig enables /api authentication. With Issuer set, provider tokens
// are verified against its JWKS and Secret becomes the fallback.
type JWTConfig struct {
	Enabled  bool
	Secret   string
	Issuer   string
	Audience string
}

type RateLimitConfig struct {
	RequestsPerMinute int
	CostPerMinute     int
	SubmitPerMinute   int
}

type GroqConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     int // seconds
	MaxRetries  int
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

type RenderConfig struct {
	ServiceURL string // empty selects the built-in engine
	Timeout    int    // seconds
	PoolSize   int
	MaxIdle    int
}

type WorkerConfig struct {
	ClaimTimeout time.Duration
}

// QueueConfig overrides the stock options of one queue. Zero values keep the defaults.
type QueueConfig struct {
	Concurrency      int
	Attempts         int
	Timeout          int // seconds
	RemoveOnComplete int
	RemoveOnFail     int
}

type MaintenanceConfig struct {
	Interval       time.Duration
	CompletedGrace time.Duration
	FailedGrace    time.Duration
}

// IsMemoryStore reports whether jobs are kept in process memory
func (c *Config) IsMemoryStore() bool {
	return strings.EqualFold(c.Store.Driver, "memory")
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("JWT_SECRET")
	readSecret("GROQ_API_KEY")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.api_domain", "API_DOMAIN")
	_ = viper.BindEnv("log.level", "LOG_LEVEL")
	_ = viper.BindEnv("log.format", "LOG_FORMAT")
	_ = viper.BindEnv("store.driver", "STORE_DRIVER")
	_ = viper.BindEnv("store.prefix", "STORE_PREFIX")
	_ = viper.BindEnv("store.connect_retries", "STORE_CONNECT_RETRIES")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("redis.tls", "REDIS_TLS")
	_ = viper.BindEnv("jwt.enabled", "JWT_ENABLED")
	_ = viper.BindEnv("jwt.secret", "JWT_SECRET")
	_ = viper.BindEnv("jwt.issuer", "JWT_ISSUER")
	_ = viper.BindEnv("jwt.audience", "JWT_AUDIENCE")
	_ = viper.BindEnv("ratelimit.requests_per_minute", "RATELIMIT_REQUESTS_PER_MINUTE")
	_ = viper.BindEnv("ratelimit.cost_per_minute", "RATELIMIT_COST_PER_MINUTE")
	_ = viper.BindEnv("ratelimit.submit_per_minute", "RATELIMIT_SUBMIT_PER_MINUTE")
	_ = viper.BindEnv("groq.api_key", "GROQ_API_KEY")
	_ = viper.BindEnv("groq.base_url", "GROQ_BASE_URL")
	_ = viper.BindEnv("groq.model", "GROQ_MODEL")
	_ = viper.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = viper.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = viper.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = viper.BindEnv("r2.public_url", "R2_PUBLIC_URL")
	_ = viper.BindEnv("render.service_url", "RENDER_SERVICE_URL")
	_ = viper.BindEnv("render.timeout", "RENDER_SERVICE_TIMEOUT")
	_ = viper.BindEnv("render.pool_size", "RENDER_POOL_SIZE")
	_ = viper.BindEnv("maintenance.interval", "MAINTENANCE_INTERVAL")

	// Defaults
	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")
	viper.SetDefault("store.driver", "redis")
	viper.SetDefault("store.prefix", "funnel:queue")
	viper.SetDefault("store.connect_retries", 5)
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.tls", false)
	viper.SetDefault("jwt.enabled", false)
	viper.SetDefault("jwt.secret", "change-me-in-production")
	viper.SetDefault("ratelimit.requests_per_minute", 160)
	viper.SetDefault("ratelimit.cost_per_minute", 1600000)
	viper.SetDefault("ratelimit.submit_per_minute", 10)

	// Groq defaults
	viper.SetDefault("groq.base_url", "https://api.groq.com/openai/v1")
	viper.SetDefault("groq.model", "llama-3.3-70b-versatile")
	viper.SetDefault("groq.max_tokens", 4096)
	viper.SetDefault("groq.temperature", 0.7)
	viper.SetDefault("groq.timeout", 60)
	viper.SetDefault("groq.max_retries", 2)

	// Render defaults
	viper.SetDefault("render.service_url", "")
	viper.SetDefault("render.timeout", 120)
	viper.SetDefault("render.pool_size", 3)
	viper.SetDefault("render.max_idle", 3)

	// Worker and maintenance defaults
	viper.SetDefault("worker.claim_timeout", "5s")
	viper.SetDefault("maintenance.interval", "15m")
	viper.SetDefault("maintenance.completed_grace", "1h")
	viper.SetDefault("maintenance.failed_grace", "6h")

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:      viper.GetString("server.port"),
			Env:       viper.GetString("server.env"),
			ApiDomain: viper.GetString("server.api_domain"),
		},
		Log: LogConfig{
			Level:  viper.GetString("log.level"),
			Format: viper.GetString("log.format"),
		},
		Store: StoreConfig{
			Driver:         viper.GetString("store.driver"),
			Prefix:         viper.GetString("store.prefix"),
			ConnectRetries: viper.GetInt("store.connect_retries"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
			TLS:      viper.GetBool("redis.tls"),
		},
		JWT: JWTConfig{
			Enabled:  viper.GetBool("jwt.enabled"),
			Secret:   viper.GetString("jwt.secret"),
			Issuer:   viper.GetString("jwt.issuer"),
			Audience: viper.GetString("jwt.audience"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: viper.GetInt("ratelimit.requests_per_minute"),
			CostPerMinute:     viper.GetInt("ratelimit.cost_per_minute"),
			SubmitPerMinute:   viper.GetInt("ratelimit.submit_per_minute"),
		},
		Groq: GroqConfig{
			APIKey:      viper.GetString("groq.api_key"),
			BaseURL:     viper.GetString("groq.base_url"),
			Model:       viper.GetString("groq.model"),
			MaxTokens:   viper.GetInt("groq.max_tokens"),
			Temperature: viper.GetFloat64("groq.temperature"),
			Timeout:     viper.GetInt("groq.timeout"),
			MaxRetries:  viper.GetInt("groq.max_retries"),
		},
		R2: R2Config{
			AccountID:       viper.GetString("r2.account_id"),
			AccessKeyID:     viper.GetString("r2.access_key_id"),
			SecretAccessKey: viper.GetString("r2.secret_access_key"),
			BucketName:      viper.GetString("r2.bucket_name"),
			PublicURL:       viper.GetString("r2.public_url"),
		},
		Render: RenderConfig{
			ServiceURL: viper.GetString("render.service_url"),
			Timeout:    viper.GetInt("render.timeout"),
			PoolSize:   viper.GetInt("render.pool_size"),
			MaxIdle:    viper.GetInt("render.max_idle"),
		},
		Worker: WorkerConfig{
			ClaimTimeout: viper.GetDuration("worker.claim_timeout"),
		},
		Queues: loadQueues(),
		Maintenance: MaintenanceConfig{
			Interval:       viper.GetDuration("maintenance.interval"),
			CompletedGrace: viper.GetDuration("maintenance.completed_grace"),
			FailedGrace:    viper.GetDuration("maintenance.failed_grace"),
		},
	}

	return cfg, nil
}

func loadQueues() map[string]QueueConfig {
	queues := make(map[string]QueueConfig)
	for _, name := range []string{"content", "render", "upload"} {
		prefix := "queues." + name + "."
		queues[name] = QueueConfig{
			Concurrency:      viper.GetInt(prefix + "concurrency"),
			Attempts:         viper.GetInt(prefix + "attempts"),
			Timeout:          viper.GetInt(prefix + "timeout"),
			RemoveOnComplete: viper.GetInt(prefix + "remove_on_complete"),
			RemoveOnFail:     viper.GetInt(prefix + "remove_on_fail"),
		}
	}
	return queues
}
