package tpay

import (
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/tledger/tpay-go/internal/transport"
)

// Config carries the credentials and tuning knobs for a Client. Credentials
// are immutable once a Client is built from them.
type Config struct {
	APIKey    string
	APISecret string
	ProjectID string

	// BaseURL of the ledger API. Defaults to a locally run ledger.
	BaseURL string

	// Timeout bounds a single request attempt. Defaults to 30s.
	Timeout time.Duration

	// MaxAttempts bounds the retry loop for transient failures. Defaults to 3.
	MaxAttempts int

	// BackoffBase is the first retry delay; it doubles per attempt with
	// jitter. Defaults to 250ms.
	BackoffBase time.Duration

	// PollInterval and PollMaxWait are the defaults for PollUntilTerminal.
	PollInterval time.Duration // defaults to 2s
	PollMaxWait  time.Duration // defaults to 60s

	// AuditQueueSize bounds the trace emitter queue. Defaults to 256.
	AuditQueueSize int

	// Logger receives SDK logs. Defaults to slog.Default().
	Logger *slog.Logger

	// HTTPClient overrides the transport's client. Used by tests.
	HTTPClient *http.Client
}

// Defaults applied by New.
const (
	DefaultMaxAttempts  = 3
	DefaultBackoffBase  = 250 * time.Millisecond
	DefaultPollInterval = 2 * time.Second
	DefaultPollMaxWait  = 60 * time.Second
)

// LoadConfig reads credentials from the environment, loading .env first if
// present. Tuning knobs keep their zero values so New applies the defaults.
//
// Recognized variables: TLEDGER_API_KEY, TLEDGER_API_SECRET,
// TLEDGER_PROJECT_ID, TLEDGER_API_BASE_URL, TLEDGER_TIMEOUT.
func LoadConfig() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		APIKey:    os.Getenv("TLEDGER_API_KEY"),
		APISecret: os.Getenv("TLEDGER_API_SECRET"),
		ProjectID: os.Getenv("TLEDGER_PROJECT_ID"),
		BaseURL:   os.Getenv("TLEDGER_API_BASE_URL"),
	}
	if v := os.Getenv("TLEDGER_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, newError(KindConfig, "invalid TLEDGER_TIMEOUT: %s", v)
		}
		cfg.Timeout = d
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the credentials triple is complete.
func (c Config) Validate() error {
	if c.APIKey == "" || c.APISecret == "" {
		return newError(KindConfig, "API credentials not provided")
	}
	if c.ProjectID == "" {
		return newError(KindConfig, "project ID not provided")
	}
	return nil
}

// withDefaults fills in every unset knob.
func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = transport.DefaultBaseURL
	}
	if c.Timeout <= 0 {
		c.Timeout = transport.DefaultTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.PollMaxWait <= 0 {
		c.PollMaxWait = DefaultPollMaxWait
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}
