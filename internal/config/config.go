// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string

	// Database (optional, uses in-memory stores if not set)
	DatabaseURL    string
	AutoMigrate    bool
	DBMaxOpenConns int

	// Security
	AdminSecret  string
	JWTSecret    string
	JWTIssuer    string
	RateLimitRPS int
	CORSOrigins  []string

	// Money
	BaseCurrency string
	FXRates      string // "EUR:1.08,KRW:0.00074"

	// Reconciliation timing
	ProviderTimeout    time.Duration
	WebhookDeadline    time.Duration
	WebhookWindow      time.Duration
	PaymentExpiry      time.Duration
	SweepInterval      time.Duration
	SweepRequeryAfter  time.Duration
	CaptureMaxAttempts int
	CaptureBaseDelay   time.Duration

	// Payment providers. A provider is enabled when its credentials are set.
	Card   CardCheckoutConfig
	Wallet WalletConfig
	Crypto CryptoInvoiceConfig

	// Audit sinks
	NATSURL           string
	NATSSubjectPrefix string
	ChainRPCURL       string
	ChainID           int64
	ChainPrivateKey   string // Hex-encoded, optional

	// Tracing
	OTLPEndpoint string

	// Optional YAML plan catalog and commission tiers.
	CatalogFile string
	Catalog     *Catalog
}

// CardCheckoutConfig configures the card-checkout adapter.
type CardCheckoutConfig struct {
	SecretKey     string
	WebhookSecret string
	BaseURL       string // empty means the provider's default API host
}

// WalletConfig configures the regional-wallet adapter.
type WalletConfig struct {
	ClientID     string
	ClientSecret string
	BaseURL      string
	Sandbox      bool
	WebhookToken string // optional shared token expected in the push URL
}

// CryptoInvoiceConfig configures the crypto-invoice adapter.
type CryptoInvoiceConfig struct {
	APIKey      string
	IPNSecret   string
	BaseURL     string
	Sandbox     bool
	CallbackURL string
}

// Defaults
const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultRateLimit         = 100
	DefaultBaseCurrency      = "USD"
	DefaultProviderTimeout   = 12 * time.Second
	DefaultWebhookDeadline   = 25 * time.Second
	DefaultWebhookWindow     = 72 * time.Hour
	DefaultPaymentExpiry     = 24 * time.Hour
	DefaultSweepInterval     = time.Minute
	DefaultSweepRequeryAfter = 15 * time.Minute
	DefaultCaptureAttempts   = 3
	DefaultCaptureBaseDelay  = 500 * time.Millisecond
	DefaultNATSSubjectPrefix = "paycore"
	DefaultChainID           = 84532 // Base Sepolia

	WalletSandboxURL = "https://api-m.sandbox.paypal.com"
	WalletLiveURL    = "https://api-m.paypal.com"
	CryptoSandboxURL = "https://api-sandbox.nowpayments.io"
	CryptoLiveURL    = "https://api.nowpayments.io"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:           getEnv("PORT", DefaultPort),
		Env:            getEnv("ENV", DefaultEnv),
		LogLevel:       getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:      getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		AutoMigrate:    getEnvBool("AUTO_MIGRATE", true),
		DBMaxOpenConns: int(getEnvInt64("DB_MAX_OPEN_CONNS", 25)),

		AdminSecret:  os.Getenv("ADMIN_SECRET"),
		JWTSecret:    os.Getenv("JWT_SECRET"),
		JWTIssuer:    os.Getenv("JWT_ISSUER"),
		RateLimitRPS: int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		CORSOrigins:  getEnvList("CORS_ALLOWED_ORIGINS"),

		BaseCurrency: strings.ToUpper(getEnv("BASE_CURRENCY", DefaultBaseCurrency)),
		FXRates:      os.Getenv("FX_RATES"),

		ProviderTimeout:    getEnvDuration("PROVIDER_TIMEOUT", DefaultProviderTimeout),
		WebhookDeadline:    getEnvDuration("WEBHOOK_DEADLINE", DefaultWebhookDeadline),
		WebhookWindow:      getEnvDuration("WEBHOOK_IDEMPOTENCY_WINDOW", DefaultWebhookWindow),
		PaymentExpiry:      getEnvDuration("PAYMENT_EXPIRY", DefaultPaymentExpiry),
		SweepInterval:      getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		SweepRequeryAfter:  getEnvDuration("SWEEP_REQUERY_AFTER", DefaultSweepRequeryAfter),
		CaptureMaxAttempts: int(getEnvInt64("CAPTURE_MAX_ATTEMPTS", DefaultCaptureAttempts)),
		CaptureBaseDelay:   getEnvDuration("CAPTURE_BASE_DELAY", DefaultCaptureBaseDelay),

		Card: CardCheckoutConfig{
			SecretKey:     os.Getenv("CARD_SECRET_KEY"),
			WebhookSecret: os.Getenv("CARD_WEBHOOK_SECRET"),
			BaseURL:       os.Getenv("CARD_BASE_URL"),
		},
		Wallet: WalletConfig{
			ClientID:     os.Getenv("WALLET_CLIENT_ID"),
			ClientSecret: os.Getenv("WALLET_CLIENT_SECRET"),
			BaseURL:      os.Getenv("WALLET_BASE_URL"),
			Sandbox:      getEnvBool("WALLET_SANDBOX", true),
			WebhookToken: os.Getenv("WALLET_WEBHOOK_TOKEN"),
		},
		Crypto: CryptoInvoiceConfig{
			APIKey:      os.Getenv("CRYPTO_API_KEY"),
			IPNSecret:   os.Getenv("CRYPTO_IPN_SECRET"),
			BaseURL:     os.Getenv("CRYPTO_BASE_URL"),
			Sandbox:     getEnvBool("CRYPTO_SANDBOX", true),
			CallbackURL: os.Getenv("CRYPTO_CALLBACK_URL"),
		},

		NATSURL:           os.Getenv("NATS_URL"),
		NATSSubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", DefaultNATSSubjectPrefix),
		ChainRPCURL:       os.Getenv("AUDIT_CHAIN_RPC_URL"),
		ChainID:           getEnvInt64("AUDIT_CHAIN_ID", DefaultChainID),
		ChainPrivateKey:   os.Getenv("AUDIT_CHAIN_PRIVATE_KEY"),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		CatalogFile:  os.Getenv("PLAN_CATALOG_FILE"),
	}

	if cfg.Wallet.BaseURL == "" {
		cfg.Wallet.BaseURL = WalletLiveURL
		if cfg.Wallet.Sandbox {
			cfg.Wallet.BaseURL = WalletSandboxURL
		}
	}
	if cfg.Crypto.BaseURL == "" {
		cfg.Crypto.BaseURL = CryptoLiveURL
		if cfg.Crypto.Sandbox {
			cfg.Crypto.BaseURL = CryptoSandboxURL
		}
	}

	if cfg.CatalogFile != "" {
		catalog, err := LoadCatalog(cfg.CatalogFile)
		if err != nil {
			return nil, err
		}
		cfg.Catalog = catalog
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is consistent
func (c *Config) Validate() error {
	if len(c.BaseCurrency) < 3 {
		return fmt.Errorf("BASE_CURRENCY must be a currency code")
	}
	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT must be positive")
	}
	// The webhook handler must be able to answer before the provider gives up,
	// even when an outbound provider call inside it runs to its full timeout.
	if c.WebhookDeadline <= c.ProviderTimeout {
		return fmt.Errorf("WEBHOOK_DEADLINE (%s) must exceed PROVIDER_TIMEOUT (%s)", c.WebhookDeadline, c.ProviderTimeout)
	}
	if c.PaymentExpiry <= 0 || c.SweepInterval <= 0 || c.WebhookWindow <= 0 {
		return fmt.Errorf("PAYMENT_EXPIRY, SWEEP_INTERVAL and WEBHOOK_IDEMPOTENCY_WINDOW must be positive")
	}
	if c.SweepRequeryAfter >= c.PaymentExpiry {
		return fmt.Errorf("SWEEP_REQUERY_AFTER must be shorter than PAYMENT_EXPIRY")
	}
	if c.CaptureMaxAttempts < 1 {
		return fmt.Errorf("CAPTURE_MAX_ATTEMPTS must be at least 1")
	}

	if c.Card.SecretKey != "" && c.Card.WebhookSecret == "" {
		return fmt.Errorf("CARD_WEBHOOK_SECRET is required when CARD_SECRET_KEY is set")
	}
	if (c.Wallet.ClientID == "") != (c.Wallet.ClientSecret == "") {
		return fmt.Errorf("WALLET_CLIENT_ID and WALLET_CLIENT_SECRET must be set together")
	}
	if c.Crypto.APIKey != "" && c.Crypto.IPNSecret == "" {
		return fmt.Errorf("CRYPTO_IPN_SECRET is required when CRYPTO_API_KEY is set")
	}

	if c.ChainPrivateKey != "" {
		// Allow both with and without 0x prefix
		key := strings.TrimPrefix(c.ChainPrivateKey, "0x")
		if len(key) != 64 {
			return fmt.Errorf("AUDIT_CHAIN_PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
		if c.ChainRPCURL == "" {
			return fmt.Errorf("AUDIT_CHAIN_RPC_URL is required when AUDIT_CHAIN_PRIVATE_KEY is set")
		}
	}

	if c.IsProduction() {
		if len(c.JWTSecret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
		}
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
		if !c.CardEnabled() && !c.WalletEnabled() && !c.CryptoEnabled() {
			return fmt.Errorf("at least one payment provider must be configured in production")
		}
	}

	return nil
}

// CardEnabled reports whether card-checkout credentials are configured.
func (c *Config) CardEnabled() bool { return c.Card.SecretKey != "" }

// WalletEnabled reports whether regional-wallet credentials are configured.
func (c *Config) WalletEnabled() bool { return c.Wallet.ClientID != "" }

// CryptoEnabled reports whether crypto-invoice credentials are configured.
func (c *Config) CryptoEnabled() bool { return c.Crypto.APIKey != "" }

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
