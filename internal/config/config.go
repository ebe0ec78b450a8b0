package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment string         `json:"environment"`
	HTTP        HTTPConfig     `json:"http"`
	Redis       RedisConfig    `json:"redis"`
	Gemini      GeminiConfig   `json:"gemini"`
	OpenAI      OpenAIConfig   `json:"openai"`
	Ollama      OllamaConfig   `json:"ollama"`
	Router      RouterConfig   `json:"router"`
	Workflow    WorkflowConfig `json:"workflow"`
	Scraper     ScraperConfig  `json:"scraper"`
	Log         LogConfig      `json:"log"`
}

type HTTPConfig struct {
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
	CORSOrigins  []string      `json:"cors_origins"`
}

type RedisConfig struct {
	Enabled      bool          `json:"enabled"`
	URL          string        `json:"url"`
	PoolSize     int           `json:"pool_size"`
	DialTimeout  time.Duration `json:"dial_timeout"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	StreamMaxLen int64         `json:"stream_max_len"`
}

// ProviderConfig is the registry-facing part shared by every live backend.
type ProviderConfig struct {
	Enabled    bool          `json:"enabled"`
	Priority   int           `json:"priority"`
	DailyQuota int           `json:"daily_quota"`
	Timeout    time.Duration `json:"timeout"`
	RateLimit  float64       `json:"rate_limit"`
	Burst      int           `json:"burst"`
}

type GeminiConfig struct {
	ProviderConfig
	APIKey      string  `json:"api_key"`
	Model       string  `json:"model"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

type OpenAIConfig struct {
	ProviderConfig
	APIKey      string  `json:"api_key"`
	BaseURL     string  `json:"base_url"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature,omitempty"`
}

// ollama runs locally, so it is usually the last live option
type OllamaConfig struct {
	ProviderConfig
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	MaxConcurrency int    `json:"max_concurrency"`
}

type RouterConfig struct {
	FailureThreshold   int           `json:"failure_threshold"`
	ResetInterval      time.Duration `json:"reset_interval"`
	AttemptTimeout     time.Duration `json:"attempt_timeout"`
	LiveConfidence     float64       `json:"live_confidence"`
	FallbackConfidence float64       `json:"fallback_confidence"`
}

type WorkflowConfig struct {
	StepDelay       time.Duration `json:"step_delay"`
	MaxLogEntries   int           `json:"max_log_entries"`
	DefaultStepTime time.Duration `json:"default_step_time"`
	FailOnFallback  bool          `json:"fail_on_fallback"`
	ChainContext    bool          `json:"chain_context"`
	PresetsPath     string        `json:"presets_path"`
	SnapshotTTL     time.Duration `json:"snapshot_ttl"`
	RetryTimeout    time.Duration `json:"retry_timeout"`
}

type LogConfig struct {
	Level      string `json:"level"`
	Format     string `json:"format"`
	Output     string `json:"output"`
	FilePath   string `json:"file_path"`
	MaxSize    int    `json:"max_size"`
	MaxBackups int    `json:"max_backups"`
	MaxAge     int    `json:"max_age"`
	Compress   bool   `json:"compress"`
}

type ScraperConfig struct {
	Enabled        bool          `json:"enabled"`
	UserAgent      string        `json:"user_agent"`
	Timeout        time.Duration `json:"timeout"`
	MaxConcurrency int           `json:"max_concurrency"`
	MaxChars       int           `json:"max_chars"`
	// loopback, private and link-local targets are refused unless set
	AllowPrivateHosts bool `json:"allow_private_hosts"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		fmt.Println("No .env file found, reading configuration from the environment")
	}

	config := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		HTTP: HTTPConfig{
			Port:         getInt("PORT", 8080),
			ReadTimeout:  getDuration("HTTP_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getDuration("HTTP_WRITE_TIMEOUT", 2*time.Minute),
			IdleTimeout:  getDuration("HTTP_IDLE_TIMEOUT", 120*time.Second),
			CORSOrigins:  getList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173", "http://localhost:8000"}),
		},
		Redis: RedisConfig{
			Enabled:      getBool("REDIS_ENABLED", true),
			URL:          getEnv("REDIS_URL", "redis://localhost:6379"),
			PoolSize:     getInt("REDIS_POOL_SIZE", 10),
			DialTimeout:  getDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getDuration("REDIS_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getDuration("REDIS_WRITE_TIMEOUT", 10*time.Second),
			StreamMaxLen: int64(getInt("REDIS_STREAM_MAX_LEN", 1024)),
		},
		Gemini: GeminiConfig{
			ProviderConfig: getProvider("GEMINI", 1, 250, 30*time.Second),
			APIKey:         getEnv("GEMINI_API_KEY", ""),
			Model:          getEnv("GEMINI_MODEL", "gemini-2.5-flash-lite"),
			MaxTokens:      getInt("GEMINI_MAX_TOKENS", 8192),
			Temperature:    getFloat64("GEMINI_TEMPERATURE", 0.7),
		},
		OpenAI: OpenAIConfig{
			ProviderConfig: getProvider("OPENAI", 2, 200, 30*time.Second),
			APIKey:         getEnv("OPENAI_API_KEY", ""),
			BaseURL:        getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			Model:          getEnv("OPENAI_MODEL", "gpt-4o-mini"),
			Temperature:    getFloat64("OPENAI_TEMPERATURE", 0.7),
		},
		Ollama: OllamaConfig{
			ProviderConfig: getProvider("OLLAMA", 3, 1000, 60*time.Second),
			BaseURL:        getEnv("OLLAMA_BASE_URL", "http://localhost:11434"),
			Model:          getEnv("OLLAMA_MODEL", "llama3.1:8b"),
			MaxConcurrency: getInt("OLLAMA_MAX_CONCURRENCY", 4),
		},
		Router: RouterConfig{
			FailureThreshold:   getInt("ROUTER_FAILURE_THRESHOLD", 3),
			ResetInterval:      getDuration("ROUTER_RESET_INTERVAL", 24*time.Hour),
			AttemptTimeout:     getDuration("ROUTER_ATTEMPT_TIMEOUT", 30*time.Second),
			LiveConfidence:     getFloat64("ROUTER_LIVE_CONFIDENCE", 0.92),
			FallbackConfidence: getFloat64("ROUTER_FALLBACK_CONFIDENCE", 0.65),
		},
		Workflow: WorkflowConfig{
			StepDelay:       getDuration("WORKFLOW_STEP_DELAY", 500*time.Millisecond),
			MaxLogEntries:   getInt("WORKFLOW_MAX_LOG_ENTRIES", 100),
			DefaultStepTime: getDuration("WORKFLOW_DEFAULT_STEP_TIME", 30*time.Second),
			FailOnFallback:  getBool("WORKFLOW_FAIL_ON_FALLBACK", false),
			ChainContext:    getBool("WORKFLOW_CHAIN_CONTEXT", true),
			PresetsPath:     getEnv("WORKFLOW_PRESETS_PATH", ""),
			SnapshotTTL:     getDuration("WORKFLOW_SNAPSHOT_TTL", 6*time.Hour),
			RetryTimeout:    getDuration("WORKFLOW_RETRY_TIMEOUT", 2*time.Minute),
		},
		Log: LogConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			Format:     getEnv("LOG_FORMAT", "json"),
			Output:     getEnv("LOG_OUTPUT", "stdout"),
			FilePath:   getEnv("LOG_FILE_PATH", "./logs/app.log"),
			MaxSize:    getInt("LOG_MAX_SIZE", 100),
			MaxBackups: getInt("LOG_MAX_BACKUPS", 2),
			MaxAge:     getInt("LOG_MAX_AGE", 2),
			Compress:   getBool("LOG_COMPRESS", true),
		},
		Scraper: ScraperConfig{
			Enabled:           getBool("SCRAPER_ENABLED", true),
			UserAgent:         getEnv("SCRAPER_USER_AGENT", "iaboard-pipeline/1.0"),
			Timeout:           getDuration("SCRAPER_TIMEOUT", 10*time.Second),
			MaxConcurrency:    getInt("SCRAPER_MAX_CONCURRENCY", 2),
			MaxChars:          getInt("SCRAPER_MAX_CHARS", 4000),
			AllowPrivateHosts: getBool("SCRAPER_ALLOW_PRIVATE_HOSTS", false),
		},
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return config, nil
}

func validateConfig(config *Config) error {
	if config.HTTP.Port == 0 {
		return fmt.Errorf("HTTP port is required")
	}
	if config.Router.FailureThreshold < 1 {
		return fmt.Errorf("router failure threshold must be at least 1")
	}
	if config.Router.ResetInterval <= 0 {
		return fmt.Errorf("router reset interval must be positive")
	}
	if config.Router.FallbackConfidence >= config.Router.LiveConfidence {
		return fmt.Errorf("fallback confidence (%.2f) must be lower than live confidence (%.2f)",
			config.Router.FallbackConfidence, config.Router.LiveConfidence)
	}
	if config.Workflow.MaxLogEntries < 1 {
		return fmt.Errorf("workflow log capacity must be at least 1")
	}

	for name, p := range map[string]ProviderConfig{
		"gemini": config.Gemini.ProviderConfig,
		"openai": config.OpenAI.ProviderConfig,
		"ollama": config.Ollama.ProviderConfig,
	} {
		if p.DailyQuota < 0 {
			return fmt.Errorf("%s daily quota must not be negative", name)
		}
		if p.RateLimit < 0 {
			return fmt.Errorf("%s rate limit must not be negative", name)
		}
	}

	return nil
}

func getProvider(prefix string, priority, quota int, timeout time.Duration) ProviderConfig {
	return ProviderConfig{
		Enabled:    getBool(prefix+"_ENABLED", true),
		Priority:   getInt(prefix+"_PRIORITY", priority),
		DailyQuota: getInt(prefix+"_DAILY_QUOTA", quota),
		Timeout:    getDuration(prefix+"_TIMEOUT", timeout),
		RateLimit:  getFloat64(prefix+"_RATE_LIMIT", 0),
		Burst:      getInt(prefix+"_BURST", 1),
	}
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value != "" {
		return value
	}
	return fallback
}

func getList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return fallback
}

func getFloat64(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value != "" {
		f, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return f
		}
	}
	return fallback
}
