package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/vaultwatch/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// Cursor store backends.
const (
	CursorStoreMemory   = "memory"
	CursorStoreBadger   = "badger"
	CursorStorePostgres = "postgres"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr string
	LogLevel   string
	LogFormat  string

	// Solana configuration. SOLANA_RPC_URL may list several comma-separated
	// endpoints; one is picked at startup.
	SolanaRPCURLs []string
	ProgramID     solanago.PublicKey
	GroupAddress  solanago.PublicKey
	GroupOffset   int
	SignerOffset  int
	VaultOffset   int

	// Assets and alerting
	VaultTablePath string
	MinTransferUSD decimal.Decimal
	WebhookURL     string
	WebhookBodyJQ  string
	WebhookTimeout time.Duration
	PriceFeedURL   string
	PriceFeedJQ    string

	// Polling configuration
	PollInterval       time.Duration
	RPCPacingInterval  time.Duration
	SignaturePageLimit int
	RPCMaxRetries      int
	RPCRetryBackoff    time.Duration

	// Cursor persistence
	CursorStore string
	CursorPath  string
	DatabaseURL string

	// NATS configuration. Empty disables event publishing.
	NATSURL string

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string
	CyclesPerRun      int
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error listing every missing or invalid setting.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.LogFormat = getEnvOrDefault("LOG_FORMAT", "json")

	// Solana configuration
	cfg.SolanaRPCURLs = splitList(os.Getenv("SOLANA_RPC_URL"))
	if len(cfg.SolanaRPCURLs) == 0 {
		errs = append(errs, fmt.Errorf("SOLANA_RPC_URL is required"))
	}
	for _, u := range cfg.SolanaRPCURLs {
		if err := validateURL(u); err != nil {
			errs = append(errs, fmt.Errorf("SOLANA_RPC_URL: %w", err))
		}
	}

	if key, err := parsePublicKey("PROGRAM_ID"); err != nil {
		errs = append(errs, err)
	} else {
		cfg.ProgramID = key
	}
	if key, err := parsePublicKey("GROUP_ADDRESS"); err != nil {
		errs = append(errs, err)
	} else {
		cfg.GroupAddress = key
	}

	layout := solana.DefaultLayout()
	for _, o := range []struct {
		key string
		def int
		dst *int
	}{
		{"GROUP_OFFSET", layout.GroupOffset, &cfg.GroupOffset},
		{"SIGNER_OFFSET", layout.SignerOffset, &cfg.SignerOffset},
		{"VAULT_OFFSET", layout.VaultOffset, &cfg.VaultOffset},
	} {
		v, err := parseInt(o.key, o.def)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*o.dst = v
	}

	// Assets and alerting
	cfg.VaultTablePath = os.Getenv("VAULT_TABLE_PATH")
	if cfg.VaultTablePath == "" {
		errs = append(errs, fmt.Errorf("VAULT_TABLE_PATH is required"))
	}

	if raw := os.Getenv("MIN_TRANSFER_USD"); raw == "" {
		errs = append(errs, fmt.Errorf("MIN_TRANSFER_USD is required"))
	} else if threshold, err := decimal.NewFromString(raw); err != nil {
		errs = append(errs, fmt.Errorf("MIN_TRANSFER_USD: invalid amount %q: %w", raw, err))
	} else {
		cfg.MinTransferUSD = threshold
	}

	cfg.WebhookURL = os.Getenv("WEBHOOK_URL")
	if cfg.WebhookURL != "" {
		if err := validateURL(cfg.WebhookURL); err != nil {
			errs = append(errs, fmt.Errorf("WEBHOOK_URL: %w", err))
		}
	}
	cfg.WebhookBodyJQ = os.Getenv("WEBHOOK_BODY_JQ")
	cfg.PriceFeedURL = os.Getenv("PRICE_FEED_URL")
	if cfg.PriceFeedURL != "" {
		if err := validateURL(cfg.PriceFeedURL); err != nil {
			errs = append(errs, fmt.Errorf("PRICE_FEED_URL: %w", err))
		}
	}
	cfg.PriceFeedJQ = getEnvOrDefault("PRICE_FEED_JQ", ".")

	// Durations and limits
	for _, d := range []struct {
		key string
		def string
		dst *time.Duration
	}{
		{"WEBHOOK_TIMEOUT", "10s", &cfg.WebhookTimeout},
		{"POLL_INTERVAL", "2s", &cfg.PollInterval},
		{"RPC_PACING_INTERVAL", "500ms", &cfg.RPCPacingInterval},
		{"RPC_RETRY_BACKOFF", "1s", &cfg.RPCRetryBackoff},
	} {
		v, err := parseDuration(d.key, d.def)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*d.dst = v
	}

	for _, n := range []struct {
		key string
		def int
		dst *int
	}{
		{"SIGNATURE_PAGE_LIMIT", solana.DefaultPageLimit, &cfg.SignaturePageLimit},
		{"RPC_MAX_RETRIES", 3, &cfg.RPCMaxRetries},
		{"CYCLES_PER_RUN", 500, &cfg.CyclesPerRun},
	} {
		v, err := parseInt(n.key, n.def)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*n.dst = v
	}

	// Cursor persistence
	cfg.CursorStore = strings.ToLower(getEnvOrDefault("CURSOR_STORE", CursorStoreMemory))
	cfg.CursorPath = getEnvOrDefault("CURSOR_PATH", "./data/cursor")
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")

	// NATS configuration
	cfg.NATSURL = os.Getenv("NATS_URL")

	// Temporal configuration
	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "vaultwatch-monitor")

	errs = append(errs, cfg.validateValues()...)

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for process initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if len(c.SolanaRPCURLs) == 0 {
		errs = append(errs, fmt.Errorf("SolanaRPCURLs is required"))
	}
	if c.ProgramID.IsZero() {
		errs = append(errs, fmt.Errorf("ProgramID is required"))
	}
	if c.GroupAddress.IsZero() {
		errs = append(errs, fmt.Errorf("GroupAddress is required"))
	}
	if c.VaultTablePath == "" {
		errs = append(errs, fmt.Errorf("VaultTablePath is required"))
	}
	errs = append(errs, c.validateValues()...)

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// validateValues checks ranges and combinations shared by Load and Validate.
func (c *Config) validateValues() []error {
	var errs []error

	if c.MinTransferUSD.IsNegative() {
		errs = append(errs, fmt.Errorf("MIN_TRANSFER_USD must be non-negative"))
	}
	if err := c.Layout().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("instruction layout: %w", err))
	}
	if c.PollInterval < 100*time.Millisecond {
		errs = append(errs, fmt.Errorf("POLL_INTERVAL must be at least 100ms"))
	}
	if c.RPCPacingInterval < 0 {
		errs = append(errs, fmt.Errorf("RPC_PACING_INTERVAL must be non-negative"))
	}
	if c.SignaturePageLimit < 1 || c.SignaturePageLimit > solana.DefaultPageLimit {
		errs = append(errs, fmt.Errorf("SIGNATURE_PAGE_LIMIT must be between 1 and %d", solana.DefaultPageLimit))
	}
	if c.RPCMaxRetries < 0 {
		errs = append(errs, fmt.Errorf("RPC_MAX_RETRIES must be non-negative"))
	}
	if c.CyclesPerRun < 1 {
		errs = append(errs, fmt.Errorf("CYCLES_PER_RUN must be positive"))
	}

	switch c.CursorStore {
	case CursorStoreMemory:
	case CursorStoreBadger:
		if c.CursorPath == "" {
			errs = append(errs, fmt.Errorf("CURSOR_PATH is required when CURSOR_STORE=badger"))
		}
	case CursorStorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("DATABASE_URL is required when CURSOR_STORE=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("CURSOR_STORE must be one of memory, badger, postgres; got %q", c.CursorStore))
	}

	return errs
}

// Layout returns the configured instruction account layout.
func (c *Config) Layout() solana.Layout {
	return solana.Layout{
		GroupOffset:  c.GroupOffset,
		SignerOffset: c.SignerOffset,
		VaultOffset:  c.VaultOffset,
	}
}

// RPCURL picks one of the configured RPC endpoints.
func (c *Config) RPCURL() (string, error) {
	return solana.SelectRandomEndpoint(c.SolanaRPCURLs)
}

// AlertingEnabled reports whether any alert sink is configured.
func (c *Config) AlertingEnabled() bool {
	return c.WebhookURL != "" || c.NATSURL != ""
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

// parsePublicKey parses a required base58 public key.
func parsePublicKey(key string) (solanago.PublicKey, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return solanago.PublicKey{}, fmt.Errorf("%s is required", key)
	}
	pk, err := solanago.PublicKeyFromBase58(value)
	if err != nil {
		return solanago.PublicKey{}, fmt.Errorf("%s: invalid address %q: %w", key, value, err)
	}
	return pk, nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid URL %q: scheme and host are required", raw)
	}
	return nil
}
