package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	Environment string `validate:"required,oneof=development test staging production"`

	HTTP      HTTPConfig
	Gemini    GeminiConfig
	Search    SearchConfig
	Retriever RetrieverConfig
	Scraper   ScraperConfig
	Redis     RedisConfig
	Log       LogConfig
	Workflow  WorkflowConfig
}

type HTTPConfig struct {
	Port            int           `validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `validate:"gt=0"`
	WriteTimeout    time.Duration `validate:"gte=0"`
	ShutdownTimeout time.Duration `validate:"gt=0"`
	RateLimitRPS    float64       `validate:"gte=0"`
	RateLimitBurst  int           `validate:"gte=0"`
}

type GeminiConfig struct {
	APIKey string `validate:"required"`
	// BaseURL overrides the API endpoint; empty uses the SDK default.
	BaseURL     string        `validate:"omitempty,url"`
	Model       string        `validate:"required"`
	MaxTokens   int           `validate:"min=1"`
	Temperature float64       `validate:"gte=0,lte=2"`
	Timeout     time.Duration `validate:"gt=0"`
	MaxRetries  int           `validate:"min=1"`
	RetryDelay  time.Duration `validate:"gte=0"`
}

type SearchConfig struct {
	APIKey     string        `validate:"required"`
	BaseURL    string        `validate:"required,url"`
	MaxResults int           `validate:"min=1,max=20"`
	Timeout    time.Duration `validate:"gt=0"`
	MaxRetries int           `validate:"min=1"`
	RateLimit  float64       `validate:"gte=0"`
}

// RetrieverConfig points at the content retrieval service. An empty URL
// disables the retrieve capability.
type RetrieverConfig struct {
	URL        string `validate:"omitempty,url"`
	Collection string
	MaxResults int           `validate:"min=1,max=50"`
	Timeout    time.Duration `validate:"gt=0"`
}

type ScraperConfig struct {
	Enabled        bool
	UserAgent      string
	Timeout        time.Duration `validate:"gt=0"`
	MaxContentSize int           `validate:"min=256"`
}

// RedisConfig configures the durable store. Empty URLs select the in-memory store.
type RedisConfig struct {
	StreamsURL   string
	MemoryURL    string
	PoolSize     int           `validate:"min=1"`
	ReadTimeout  time.Duration `validate:"gt=0"`
	WriteTimeout time.Duration `validate:"gt=0"`
	DialTimeout  time.Duration `validate:"gt=0"`
}

type LogConfig struct {
	Level      string `validate:"oneof=trace debug info warn warning error fatal panic"`
	Format     string `validate:"oneof=json text"`
	Output     string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

type WorkflowConfig struct {
	RelevanceThreshold float64       `validate:"gte=0,lte=1"`
	MaxRefinements     int           `validate:"gte=0"`
	Fallback           string        `validate:"oneof=best_effort fail"`
	RefineRoute        string        `validate:"oneof=agent search"`
	StepBudget         int           `validate:"min=1"`
	NodeTimeout        time.Duration `validate:"gte=0"`
	RunTimeout         time.Duration `validate:"gt=0"`
	PromptsFile        string
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Load reads .env (when present) and the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	p := &parser{}
	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		HTTP: HTTPConfig{
			Port:            p.getInt("PORT", 8080),
			ReadTimeout:     p.getDuration("HTTP_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    p.getDuration("HTTP_WRITE_TIMEOUT", 0),
			ShutdownTimeout: p.getDuration("HTTP_SHUTDOWN_TIMEOUT", 30*time.Second),
			RateLimitRPS:    p.getFloat("HTTP_RATE_LIMIT_RPS", 5),
			RateLimitBurst:  p.getInt("HTTP_RATE_LIMIT_BURST", 10),
		},
		Gemini: GeminiConfig{
			APIKey:      os.Getenv("GEMINI_API_KEY"),
			BaseURL:     os.Getenv("GEMINI_BASE_URL"),
			Model:       getEnv("GEMINI_MODEL", "gemini-2.0-flash"),
			MaxTokens:   p.getInt("GEMINI_MAX_TOKENS", 2048),
			Temperature: p.getFloat("GEMINI_TEMPERATURE", 0),
			Timeout:     p.getDuration("GEMINI_TIMEOUT", 60*time.Second),
			MaxRetries:  p.getInt("GEMINI_MAX_RETRIES", 1),
			RetryDelay:  p.getDuration("GEMINI_RETRY_DELAY", time.Second),
		},
		Search: SearchConfig{
			APIKey:     os.Getenv("SEARCH_API_KEY"),
			BaseURL:    getEnv("SEARCH_BASE_URL", "https://api.tavily.com"),
			MaxResults: p.getInt("SEARCH_MAX_RESULTS", 5),
			Timeout:    p.getDuration("SEARCH_TIMEOUT", 20*time.Second),
			MaxRetries: p.getInt("SEARCH_MAX_RETRIES", 3),
			RateLimit:  p.getFloat("SEARCH_RATE_LIMIT", 2),
		},
		Retriever: RetrieverConfig{
			URL:        os.Getenv("RETRIEVER_URL"),
			Collection: getEnv("RETRIEVER_COLLECTION", "shows"),
			MaxResults: p.getInt("RETRIEVER_MAX_RESULTS", 5),
			Timeout:    p.getDuration("RETRIEVER_TIMEOUT", 15*time.Second),
		},
		Scraper: ScraperConfig{
			Enabled:        p.getBool("SCRAPER_ENABLED", true),
			UserAgent:      getEnv("SCRAPER_USER_AGENT", "picks-pipeline/1.0"),
			Timeout:        p.getDuration("SCRAPER_TIMEOUT", 15*time.Second),
			MaxContentSize: p.getInt("SCRAPER_MAX_CONTENT_SIZE", 8000),
		},
		Redis: RedisConfig{
			StreamsURL:   os.Getenv("REDIS_STREAMS_URL"),
			MemoryURL:    os.Getenv("REDIS_MEMORY_URL"),
			PoolSize:     p.getInt("REDIS_POOL_SIZE", 10),
			ReadTimeout:  p.getDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: p.getDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
			DialTimeout:  p.getDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
		},
		Log: LogConfig{
			Level:      strings.ToLower(getEnv("LOG_LEVEL", "info")),
			Format:     strings.ToLower(getEnv("LOG_FORMAT", "json")),
			Output:     getEnv("LOG_OUTPUT", "stdout"),
			MaxSizeMB:  p.getInt("LOG_MAX_SIZE_MB", 100),
			MaxBackups: p.getInt("LOG_MAX_BACKUPS", 5),
			MaxAgeDays: p.getInt("LOG_MAX_AGE_DAYS", 28),
		},
		Workflow: WorkflowConfig{
			RelevanceThreshold: p.getFloat("WORKFLOW_RELEVANCE_THRESHOLD", 0.7),
			MaxRefinements:     p.getInt("WORKFLOW_MAX_REFINEMENTS", 3),
			Fallback:           getEnv("WORKFLOW_FALLBACK", "best_effort"),
			RefineRoute:        getEnv("WORKFLOW_REFINE_ROUTE", "agent"),
			StepBudget:         p.getInt("WORKFLOW_STEP_BUDGET", 25),
			NodeTimeout:        p.getDuration("WORKFLOW_NODE_TIMEOUT", 90*time.Second),
			RunTimeout:         p.getDuration("WORKFLOW_RUN_TIMEOUT", 5*time.Minute),
			PromptsFile:        os.Getenv("WORKFLOW_PROMPTS_FILE"),
		},
	}

	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var invalid validator.ValidationErrors
		if errors.As(err, &invalid) {
			msgs := make([]string, 0, len(invalid))
			for _, fe := range invalid {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// parser collects every malformed variable so Load reports them together.
type parser struct {
	errs []error
}

func (p *parser) getInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("parsing %s: %w", key, err))
		return fallback
	}
	return v
}

func (p *parser) getFloat(key string, fallback float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("parsing %s: %w", key, err))
		return fallback
	}
	return v
}

func (p *parser) getBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("parsing %s: %w", key, err))
		return fallback
	}
	return v
}

// getDuration accepts Go durations ("30s") or a bare number of seconds.
func (p *parser) getDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("parsing %s: %w", key, err))
		return fallback
	}
	return v
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value != "" {
		return value
	}
	return fallback
}
