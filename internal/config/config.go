package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
// Values come from defaults, an optional .env file and the environment,
// with the environment taking precedence.
type Config struct {
	// Server
	Port     int
	LogLevel string

	// HTTP client
	HTTPTimeout time.Duration

	// Resilience
	MaxRetries     int
	InitialBackoff time.Duration
	MaxConcurrency int // concurrent sync jobs

	// Cache
	CacheTTL time.Duration

	// Observability
	OTLPEndpoint string

	// Storage
	DatabasePath       string
	TokenEncryptionKey string

	// Auth
	JWTSecret        string // validates product-issued bearer tokens
	OAuthStateSecret string

	// QuickBooks Online
	QBOClientID     string
	QBOClientSecret string
	QBORedirectURI  string
	QBOScopes       []string
	QBOAuthURL      string
	QBOTokenURL     string
	QBORevokeURL    string
	QBOAPIBaseURL   string
	QBOAppBaseURL   string
	QBOMinorVersion string

	// Rate limiting (sliding window)
	RateLimitMaxRequests int
	RateLimitWindow      time.Duration

	// Sync
	SyncBatchSize            int
	SyncBatchDelay           time.Duration
	SyncDefaultMinConfidence int
	SyncJobTimeout           time.Duration

	// Mapping oracle
	OracleProvider string // agent | gemini | fuzzy
	OracleAgentURL string
	GeminiAPIKey   string
	GeminiModel    string
	OracleTimeout  time.Duration
}

// Load reads configuration from ./.env (if present) and the environment.
func Load() (*Config, error) {
	return LoadFrom(".env")
}

// LoadFrom is Load with an explicit dotenv path. A missing file is not an error.
func LoadFrom(envFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			v.SetConfigFile(envFile)
			v.SetConfigType("env")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read %s: %w", envFile, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("stat %s: %w", envFile, err)
		}
	}

	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: v.GetString("LOG_LEVEL"),

		HTTPTimeout: v.GetDuration("HTTP_TIMEOUT"),

		MaxRetries:     v.GetInt("MAX_RETRIES"),
		InitialBackoff: v.GetDuration("INITIAL_BACKOFF"),
		MaxConcurrency: v.GetInt("MAX_CONCURRENCY"),

		CacheTTL: v.GetDuration("CACHE_TTL"),

		OTLPEndpoint: v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT"),

		DatabasePath:       v.GetString("DATABASE_PATH"),
		TokenEncryptionKey: v.GetString("TOKEN_ENCRYPTION_KEY"),

		JWTSecret:        v.GetString("JWT_SECRET"),
		OAuthStateSecret: v.GetString("OAUTH_STATE_SECRET"),

		QBOClientID:     v.GetString("QBO_CLIENT_ID"),
		QBOClientSecret: v.GetString("QBO_CLIENT_SECRET"),
		QBORedirectURI:  v.GetString("QBO_REDIRECT_URI"),
		QBOScopes:       splitList(v.GetString("QBO_SCOPES")),
		QBOAuthURL:      v.GetString("QBO_AUTH_URL"),
		QBOTokenURL:     v.GetString("QBO_TOKEN_URL"),
		QBORevokeURL:    v.GetString("QBO_REVOKE_URL"),
		QBOAPIBaseURL:   v.GetString("QBO_API_BASE_URL"),
		QBOAppBaseURL:   v.GetString("QBO_APP_BASE_URL"),
		QBOMinorVersion: v.GetString("QBO_MINOR_VERSION"),

		RateLimitMaxRequests: v.GetInt("RATE_LIMIT_MAX_REQUESTS"),
		RateLimitWindow:      v.GetDuration("RATE_LIMIT_WINDOW"),

		SyncBatchSize:            v.GetInt("SYNC_BATCH_SIZE"),
		SyncBatchDelay:           v.GetDuration("SYNC_BATCH_DELAY"),
		SyncDefaultMinConfidence: v.GetInt("SYNC_DEFAULT_MIN_CONFIDENCE"),
		SyncJobTimeout:           v.GetDuration("SYNC_JOB_TIMEOUT"),

		OracleProvider: strings.ToLower(v.GetString("ORACLE_PROVIDER")),
		OracleAgentURL: v.GetString("ORACLE_AGENT_URL"),
		GeminiAPIKey:   v.GetString("GEMINI_API_KEY"),
		GeminiModel:    v.GetString("GEMINI_MODEL"),
		OracleTimeout:  v.GetDuration("ORACLE_TIMEOUT"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("HTTP_TIMEOUT", 30*time.Second)

	v.SetDefault("MAX_RETRIES", 3)
	v.SetDefault("INITIAL_BACKOFF", 500*time.Millisecond)
	v.SetDefault("MAX_CONCURRENCY", 4)

	v.SetDefault("CACHE_TTL", 5*time.Minute)

	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	v.SetDefault("DATABASE_PATH", "ledgersync.db")
	v.SetDefault("TOKEN_ENCRYPTION_KEY", "ledgersync-dev-token-key-change-me")

	v.SetDefault("JWT_SECRET", "ledgersync-dev-secret-change-me")
	v.SetDefault("OAUTH_STATE_SECRET", "ledgersync-dev-state-secret-change-me")

	v.SetDefault("QBO_CLIENT_ID", "")
	v.SetDefault("QBO_CLIENT_SECRET", "")
	v.SetDefault("QBO_REDIRECT_URI", "http://localhost:8080/v1/connections/quickbooks/callback")
	v.SetDefault("QBO_SCOPES", "com.intuit.quickbooks.accounting")
	v.SetDefault("QBO_AUTH_URL", "https://appcenter.intuit.com/connect/oauth2")
	v.SetDefault("QBO_TOKEN_URL", "https://oauth.platform.intuit.com/oauth2/v1/tokens/bearer")
	v.SetDefault("QBO_REVOKE_URL", "https://developer.api.intuit.com/v2/oauth2/tokens/revoke")
	v.SetDefault("QBO_API_BASE_URL", "https://sandbox-quickbooks.api.intuit.com")
	v.SetDefault("QBO_APP_BASE_URL", "https://app.sandbox.qbo.intuit.com")
	v.SetDefault("QBO_MINOR_VERSION", "75")

	v.SetDefault("RATE_LIMIT_MAX_REQUESTS", 90)
	v.SetDefault("RATE_LIMIT_WINDOW", 60*time.Second)

	v.SetDefault("SYNC_BATCH_SIZE", 25)
	v.SetDefault("SYNC_BATCH_DELAY", 2*time.Second)
	v.SetDefault("SYNC_DEFAULT_MIN_CONFIDENCE", 70)
	v.SetDefault("SYNC_JOB_TIMEOUT", 30*time.Minute)

	v.SetDefault("ORACLE_PROVIDER", "fuzzy")
	v.SetDefault("ORACLE_AGENT_URL", "http://localhost:8090")
	v.SetDefault("GEMINI_API_KEY", "")
	v.SetDefault("GEMINI_MODEL", "gemini-2.5-flash")
	v.SetDefault("ORACLE_TIMEOUT", 20*time.Second)
}

func (c *Config) validate() error {
	if c.RateLimitMaxRequests <= 0 {
		return fmt.Errorf("RATE_LIMIT_MAX_REQUESTS must be positive, got %d", c.RateLimitMaxRequests)
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be positive, got %s", c.RateLimitWindow)
	}
	if c.SyncBatchSize <= 0 {
		return fmt.Errorf("SYNC_BATCH_SIZE must be positive, got %d", c.SyncBatchSize)
	}
	if c.SyncDefaultMinConfidence < 0 || c.SyncDefaultMinConfidence > 100 {
		return fmt.Errorf("SYNC_DEFAULT_MIN_CONFIDENCE must be within 0..100, got %d", c.SyncDefaultMinConfidence)
	}
	if c.MaxConcurrency <= 0 {
		return fmt.Errorf("MAX_CONCURRENCY must be positive, got %d", c.MaxConcurrency)
	}
	switch c.OracleProvider {
	case "agent", "gemini", "fuzzy":
	default:
		return fmt.Errorf("ORACLE_PROVIDER must be one of agent, gemini, fuzzy; got %q", c.OracleProvider)
	}
	return nil
}

func splitList(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
