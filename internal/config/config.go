// Package config provides application configuration loaded from environment variables.
// Use the package-level Get() function to obtain the singleton Config instance.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vantal/coverpool/internal/domain"
)

// ──────────────────────────────────────────────────────────────────────────────
// Sub-config structs
// ──────────────────────────────────────────────────────────────────────────────

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port                 string        // e.g. "8080"
	BackofficePort       string        // e.g. "8081"
	Env                  string        // "development" | "production"
	ReadTimeout          time.Duration // default 10s
	WriteTimeout         time.Duration // default 10s
	BackofficeAllowedIPs string        // comma-separated IPs; "" = allow all
}

// DBConfig holds PostgreSQL connection settings.
type DBConfig struct {
	DSN             string        // full postgres DSN
	MaxOpenConns    int           // default 25
	MaxIdleConns    int           // default 10
	ConnMaxLifetime time.Duration // default 5m
}

// JWTConfig holds JWT signing settings.
type JWTConfig struct {
	AccessSecret string        // must be set
	AccessTTL    time.Duration // default 15m
}

// ChainConfig holds external node/ledger gateway settings.
type ChainConfig struct {
	NodeURL      string        // REST gateway base URL
	FetchTimeout time.Duration // per-request timeout, default 5s
}

// EngineConfig holds allocation/settlement/tracker tuning.
type EngineConfig struct {
	MaxSubmitRetries    int                    // transient submission retries, default 3
	SubmitBackoffBase   time.Duration          // exponential backoff base, default 2s
	MaxPollAttempts     int                    // status polls before Timeout, default 30
	SubmitInterval      time.Duration          // tracker submit loop tick, default 2s
	PollInterval        time.Duration          // tracker poll loop tick, default 5s
	ExpireInterval      time.Duration          // expiration sweep tick, default 30s
	ExpireBatchLimit    int                    // max policies per sweep, default 100
	ReconcileInterval   time.Duration          // reconciliation loop tick, default 1m
	ReconcileEpsilon    int64                  // tolerated |external-internal| in base units, default 0
	SettlementRemainder domain.RemainderPolicy // "largest" | "last", default largest
}

// PoolConfig holds marketplace-level settings.
type PoolConfig struct {
	Identity          string   // counterparty identity policies are written against
	SupportedTokens   []string // tokens the pool accepts collateral in
	MinDeposit        int64    // base units
	MinWithdraw       int64    // base units
	MaxDurationBlocks int64    // cap on policy duration
}

// ──────────────────────────────────────────────────────────────────────────────
// Top-level Config
// ──────────────────────────────────────────────────────────────────────────────

// Config is the root configuration object for the entire application.
type Config struct {
	Server ServerConfig
	DB     DBConfig
	JWT    JWTConfig
	Chain  ChainConfig
	Engine EngineConfig
	Pool   PoolConfig
}

// IsProd returns true when running in the production environment.
func (c *Config) IsProd() bool {
	return c.Server.Env == "production"
}

// Validate checks that all required configuration values are present and valid.
// Returns the first validation error encountered.
func (c *Config) Validate() error {
	var errs []error

	if c.JWT.AccessSecret == "" {
		errs = append(errs, errors.New("JWT_ACCESS_SECRET must be set"))
	}
	if c.IsProd() && c.DB.DSN == "" {
		errs = append(errs, errors.New("DATABASE_DSN must be set in production"))
	}
	if c.Chain.NodeURL == "" {
		errs = append(errs, errors.New("CHAIN_NODE_URL must be set"))
	}

	if c.Engine.MaxSubmitRetries < 0 {
		errs = append(errs, fmt.Errorf("ENGINE_MAX_SUBMIT_RETRIES must be >= 0, got %d", c.Engine.MaxSubmitRetries))
	}
	if c.Engine.MaxPollAttempts <= 0 {
		errs = append(errs, fmt.Errorf("ENGINE_MAX_POLL_ATTEMPTS must be > 0, got %d", c.Engine.MaxPollAttempts))
	}
	if c.Engine.ReconcileEpsilon < 0 {
		errs = append(errs, fmt.Errorf("ENGINE_RECONCILE_EPSILON must be >= 0, got %d", c.Engine.ReconcileEpsilon))
	}
	if !c.Engine.SettlementRemainder.IsValid() {
		errs = append(errs, fmt.Errorf("ENGINE_SETTLEMENT_REMAINDER must be %q or %q, got %q",
			domain.RemainderLargest, domain.RemainderLast, c.Engine.SettlementRemainder))
	}
	if c.Engine.ExpireBatchLimit <= 0 {
		errs = append(errs, fmt.Errorf("ENGINE_EXPIRE_BATCH_LIMIT must be > 0, got %d", c.Engine.ExpireBatchLimit))
	}

	if len(c.Pool.SupportedTokens) == 0 {
		errs = append(errs, errors.New("POOL_SUPPORTED_TOKENS must list at least one token"))
	}
	if c.Pool.MinDeposit <= 0 || c.Pool.MinWithdraw <= 0 {
		errs = append(errs, fmt.Errorf("POOL_MIN_DEPOSIT and POOL_MIN_WITHDRAW must be > 0, got %d / %d",
			c.Pool.MinDeposit, c.Pool.MinWithdraw))
	}
	if c.Pool.MaxDurationBlocks <= 0 {
		errs = append(errs, fmt.Errorf("POOL_MAX_DURATION_BLOCKS must be > 0, got %d", c.Pool.MaxDurationBlocks))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Singleton
// ──────────────────────────────────────────────────────────────────────────────

var (
	instance *Config
	once     sync.Once
	loadErr  error
)

// Get returns the singleton Config, loading it once from environment variables.
// Panics if loading fails — call this early in main() to catch misconfigurations
// at startup.
func Get() *Config {
	once.Do(func() {
		instance, loadErr = load()
	})
	if loadErr != nil {
		panic(fmt.Sprintf("config: failed to load: %v", loadErr))
	}
	return instance
}

// MustLoad loads and validates configuration. Intended for use in main().
// Panics on any error so misconfiguration is caught immediately at boot.
func MustLoad() *Config {
	cfg := Get()
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("config: validation failed: %v", err))
	}
	return cfg
}

// ──────────────────────────────────────────────────────────────────────────────
// Internal loader
// ──────────────────────────────────────────────────────────────────────────────

func load() (*Config, error) {
	cfg := &Config{}

	// ── Server ────────────────────────────────────────────────────────────────
	cfg.Server = ServerConfig{
		Port:                 getEnv("SERVER_PORT", "8080"),
		BackofficePort:       getEnv("BACKOFFICE_PORT", "8081"),
		Env:                  getEnv("ENVIRONMENT", "development"),
		ReadTimeout:          getDuration("SERVER_READ_TIMEOUT", 10*time.Second),
		WriteTimeout:         getDuration("SERVER_WRITE_TIMEOUT", 10*time.Second),
		BackofficeAllowedIPs: getEnv("BACKOFFICE_ALLOWED_IPS", ""),
	}

	// ── Database ──────────────────────────────────────────────────────────────
	dsn := os.Getenv("DATABASE_DSN")
	if dsn == "" {
		// Build DSN from individual components for convenience in dev
		dsn = fmt.Sprintf(
			"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
			getEnv("DB_HOST", "localhost"),
			getEnv("DB_PORT", "5432"),
			getEnv("DB_USER", "postgres"),
			getEnv("DB_PASSWORD", ""),
			getEnv("DB_NAME", "coverpool"),
			getEnv("DB_SSLMODE", "disable"),
		)
	}

	maxOpen, err := getInt("DB_MAX_OPEN_CONNS", 25)
	if err != nil {
		return nil, fmt.Errorf("DB_MAX_OPEN_CONNS: %w", err)
	}
	maxIdle, err := getInt("DB_MAX_IDLE_CONNS", 10)
	if err != nil {
		return nil, fmt.Errorf("DB_MAX_IDLE_CONNS: %w", err)
	}

	cfg.DB = DBConfig{
		DSN:             dsn,
		MaxOpenConns:    maxOpen,
		MaxIdleConns:    maxIdle,
		ConnMaxLifetime: getDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}

	// ── JWT ───────────────────────────────────────────────────────────────────
	cfg.JWT = JWTConfig{
		AccessSecret: getEnv("JWT_ACCESS_SECRET", ""),
		AccessTTL:    getDuration("JWT_ACCESS_TTL", 15*time.Minute),
	}

	// ── Chain ─────────────────────────────────────────────────────────────────
	cfg.Chain = ChainConfig{
		NodeURL:      getEnv("CHAIN_NODE_URL", "http://localhost:1317"),
		FetchTimeout: getDuration("CHAIN_FETCH_TIMEOUT", 5*time.Second),
	}

	// ── Engine ────────────────────────────────────────────────────────────────
	maxRetries, err := getInt("ENGINE_MAX_SUBMIT_RETRIES", 3)
	if err != nil {
		return nil, fmt.Errorf("ENGINE_MAX_SUBMIT_RETRIES: %w", err)
	}
	maxPolls, err := getInt("ENGINE_MAX_POLL_ATTEMPTS", 30)
	if err != nil {
		return nil, fmt.Errorf("ENGINE_MAX_POLL_ATTEMPTS: %w", err)
	}
	batchLimit, err := getInt("ENGINE_EXPIRE_BATCH_LIMIT", 100)
	if err != nil {
		return nil, fmt.Errorf("ENGINE_EXPIRE_BATCH_LIMIT: %w", err)
	}
	epsilon, err := getInt64("ENGINE_RECONCILE_EPSILON", 0)
	if err != nil {
		return nil, fmt.Errorf("ENGINE_RECONCILE_EPSILON: %w", err)
	}

	cfg.Engine = EngineConfig{
		MaxSubmitRetries:    maxRetries,
		SubmitBackoffBase:   getDuration("ENGINE_SUBMIT_BACKOFF_BASE", 2*time.Second),
		MaxPollAttempts:     maxPolls,
		SubmitInterval:      getDuration("ENGINE_SUBMIT_INTERVAL", 2*time.Second),
		PollInterval:        getDuration("ENGINE_POLL_INTERVAL", 5*time.Second),
		ExpireInterval:      getDuration("ENGINE_EXPIRE_INTERVAL", 30*time.Second),
		ExpireBatchLimit:    batchLimit,
		ReconcileInterval:   getDuration("ENGINE_RECONCILE_INTERVAL", time.Minute),
		ReconcileEpsilon:    epsilon,
		SettlementRemainder: domain.RemainderPolicy(getEnv("ENGINE_SETTLEMENT_REMAINDER", string(domain.RemainderLargest))),
	}

	// ── Pool ──────────────────────────────────────────────────────────────────
	minDeposit, err := getInt64("POOL_MIN_DEPOSIT", 1000)
	if err != nil {
		return nil, fmt.Errorf("POOL_MIN_DEPOSIT: %w", err)
	}
	minWithdraw, err := getInt64("POOL_MIN_WITHDRAW", 1000)
	if err != nil {
		return nil, fmt.Errorf("POOL_MIN_WITHDRAW: %w", err)
	}
	maxDuration, err := getInt64("POOL_MAX_DURATION_BLOCKS", 1_000_000)
	if err != nil {
		return nil, fmt.Errorf("POOL_MAX_DURATION_BLOCKS: %w", err)
	}

	cfg.Pool = PoolConfig{
		Identity:          getEnv("POOL_IDENTITY", "coverpool"),
		SupportedTokens:   splitCSV(getEnv("POOL_SUPPORTED_TOKENS", "ubtc")),
		MinDeposit:        minDeposit,
		MinWithdraw:       minWithdraw,
		MaxDurationBlocks: maxDuration,
	}

	return cfg, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Helper functions
// ──────────────────────────────────────────────────────────────────────────────

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}

func getInt64(key string, defaultVal int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}

// getDuration parses an env var as a Go duration string (e.g. "15m", "2s").
// Falls back to defaultVal if the variable is unset or empty.
func getDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func splitCSV(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}
