// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	AppEnv  string `env:"APP_ENV" envDefault:"dev"`
	Port    int    `env:"PORT" envDefault:"8080"`
	DataDir string `env:"DATA_DIR" envDefault:"./data"`
	// DBPath is the sqlite database file; artifacts live next to it under
	// DataDir/artifacts.
	DBPath string `env:"DB_PATH" envDefault:"./data/deepr.db"`

	// API authentication. Requests must carry one of the configured keys as
	// Authorization: Bearer or X-Api-Key. Empty list disables auth (dev only).
	APIKeys []string `env:"API_KEYS" envSeparator:","`

	// Providers
	OpenAIAPIKey     string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL    string `env:"OPENAI_BASE_URL" envDefault:"https://api.openai.com/v1"`
	AzureAPIKey      string `env:"AZURE_OPENAI_API_KEY"`
	AzureBaseURL     string `env:"AZURE_OPENAI_BASE_URL"`
	GeminiAPIKey     string `env:"GEMINI_API_KEY"`
	GeminiBaseURL    string `env:"GEMINI_BASE_URL" envDefault:"https://generativelanguage.googleapis.com/v1beta/openai"`
	GrokAPIKey       string `env:"GROK_API_KEY"`
	GrokBaseURL      string `env:"GROK_BASE_URL" envDefault:"https://api.x.ai/v1"`
	AnthropicAPIKey  string `env:"ANTHROPIC_API_KEY"`
	AnthropicBaseURL string `env:"ANTHROPIC_BASE_URL" envDefault:"https://api.anthropic.com/v1"`
	DefaultProvider  string `env:"DEFAULT_PROVIDER" envDefault:"openai"`
	DefaultModel     string `env:"DEFAULT_MODEL" envDefault:"o4-mini-deep-research"`
	PlannerModel     string `env:"PLANNER_MODEL" envDefault:"gpt-4o-mini"`
	// ModelAllowList enumerates models accepted by request validation.
	ModelAllowList []string `env:"MODEL_ALLOW_LIST" envSeparator:"," envDefault:"o3-deep-research,o4-mini-deep-research,gpt-4o-mini,sonar-deep-research,small"`
	// CapabilityFile optionally overrides the embedded provider/tool table.
	CapabilityFile string `env:"CAPABILITY_FILE"`

	// Document store
	QdrantURL    string `env:"QDRANT_URL" envDefault:"http://localhost:6333"`
	QdrantAPIKey string `env:"QDRANT_API_KEY"`

	// Budget buckets (USD). Zero disables the bucket.
	DailyBudget    float64 `env:"DAILY_BUDGET" envDefault:"5.0"`
	MonthlyBudget  float64 `env:"MONTHLY_BUDGET" envDefault:"50.0"`
	BudgetTimezone string  `env:"BUDGET_TIMEZONE" envDefault:"UTC"`

	// Scheduling
	PollInterval           time.Duration `env:"POLL_INTERVAL" envDefault:"30s"`
	SubmitTimeout          time.Duration `env:"SUBMIT_TIMEOUT" envDefault:"60s"`
	StuckThreshold         time.Duration `env:"STUCK_THRESHOLD" envDefault:"30m"`
	LockTimeout            time.Duration `env:"LOCK_TIMEOUT" envDefault:"5s"`
	MaxInflightJobs        int64         `env:"MAX_INFLIGHT_JOBS" envDefault:"16"`
	MaxParallelPerCampaign int           `env:"MAX_PARALLEL_PER_CAMPAIGN" envDefault:"4"`
	MaxCampaignRounds      int           `env:"MAX_CAMPAIGN_ROUNDS" envDefault:"3"`
	ContextSummaryTokens   int           `env:"CONTEXT_SUMMARY_TOKENS" envDefault:"3000"`

	// Topic retry (retryable provider failures only)
	RetryBaseDelay   time.Duration `env:"RETRY_BASE_DELAY" envDefault:"30s"`
	RetryMultiplier  float64       `env:"RETRY_MULTIPLIER" envDefault:"2.0"`
	RetryMaxAttempts int           `env:"RETRY_MAX_ATTEMPTS" envDefault:"3"`

	// Event bus
	BusBuffer int `env:"BUS_BUFFER" envDefault:"1024"`

	// HTTP
	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	RateLimitPerMin       int           `env:"RATE_LIMIT_PER_MIN" envDefault:"60"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	MaxUploadMB           int64         `env:"MAX_UPLOAD_MB" envDefault:"10"`

	// Retention for terminal jobs and their artifacts.
	DataRetentionDays int           `env:"DATA_RETENTION_DAYS" envDefault:"90"`
	CleanupInterval   time.Duration `env:"CLEANUP_INTERVAL" envDefault:"24h"`

	// Observability
	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"deepr"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

// AuthEnabled reports whether API key auth is enforced.
func (c Config) AuthEnabled() bool { return len(c.APIKeys) > 0 }

// GetRetryConfig returns topic retry settings appropriate for the current
// environment. Tests use millisecond-scale delays.
func (c Config) GetRetryConfig() (base time.Duration, multiplier float64, maxAttempts int) {
	if c.IsTest() {
		return 10 * time.Millisecond, 2.0, c.RetryMaxAttempts
	}
	return c.RetryBaseDelay, c.RetryMultiplier, c.RetryMaxAttempts
}
