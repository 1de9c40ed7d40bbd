package tpay

import (
	"log/slog"
	"sync"

	"github.com/tledger/tpay-go/internal/audit"
	"github.com/tledger/tpay-go/internal/transport"
)

// Client is the blocking face of the SDK. Build one with New, or install a
// process-wide instance with Initialize and fetch it with Default.
//
// A Client owns one transport connection pool and one audit emitter; the
// async face returned by Async shares both.
type Client struct {
	cfg      Config
	engine   *engine
	audit    *audit.Emitter
	logger   *slog.Logger
	view     *paymentView
	resolved string // base URL after defaults, kept for the feed dialer
}

// New builds a Client from cfg. The credentials are validated here and
// never change afterwards.
func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	tr, err := transport.New(transport.Options{
		BaseURL:    cfg.BaseURL,
		APIKey:     cfg.APIKey,
		APISecret:  cfg.APISecret,
		ProjectID:  cfg.ProjectID,
		Timeout:    cfg.Timeout,
		HTTPClient: cfg.HTTPClient,
	})
	if err != nil {
		return nil, wrapError(KindConfig, err, "transport setup failed")
	}

	c := &Client{
		cfg:      cfg,
		logger:   cfg.Logger,
		view:     newPaymentView(),
		resolved: tr.BaseURL(),
	}
	c.engine = newEngine(tr, cfg.MaxAttempts, cfg.BackoffBase, cfg.Logger)
	c.audit = audit.NewEmitter(tr, cfg.AuditQueueSize, cfg.Logger)
	return c, nil
}

// Async returns the non-blocking face of this client. Both faces share the
// same engine, so request sequences and state transitions are identical.
func (c *Client) Async() *AsyncClient {
	return &AsyncClient{c: c}
}

// Close flushes the audit queue. The client must not be used afterwards.
func (c *Client) Close() {
	c.audit.Close()
}

// Process-wide default client. Initialize installs it exactly once;
// reconfiguring a live process is not supported.
var (
	defaultMu     sync.Mutex
	defaultClient *Client
)

// Initialize builds the process-wide client from cfg. It fails if a default
// client already exists: credentials are fixed for the life of the process.
func Initialize(cfg Config) error {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultClient != nil {
		return newError(KindConfig, "already initialized; credentials are immutable for the process lifetime")
	}
	c, err := New(cfg)
	if err != nil {
		return err
	}
	defaultClient = c
	return nil
}

// InitializeFromEnv is Initialize(LoadConfig()).
func InitializeFromEnv() error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	return Initialize(cfg)
}

// Default returns the process-wide client installed by Initialize.
func Default() (*Client, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultClient == nil {
		return nil, newError(KindNotInitialized, "call Initialize before using the default client")
	}
	return defaultClient, nil
}

// resetDefault clears the process-wide client. Tests only.
func resetDefault() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultClient != nil {
		defaultClient.Close()
		defaultClient = nil
	}
}
