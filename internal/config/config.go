package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// AppConfig ties together chain, backend, presale and service settings.
type AppConfig struct {
	Chain   ChainConfig   `yaml:"chain"`
	Backend BackendConfig `yaml:"backend"`
	Presale PresaleConfig `yaml:"presale"`
	Service ServiceConfig `yaml:"service"`
	Log     LogConfig     `yaml:"log"`
}

type ChainConfig struct {
	RPCURL            string        `yaml:"rpcUrl"`
	ChainID           int64         `yaml:"chainId"`
	PresaleAddress    string        `yaml:"presaleAddress"`
	AuthorizerAddress string        `yaml:"authorizerAddress"`
	PrivateKey        string        `yaml:"privateKey"`
	RPCTimeout        time.Duration `yaml:"rpcTimeout"`
}

type BackendConfig struct {
	URL        string        `yaml:"url"`
	HMACSecret string        `yaml:"hmacSecret"`
	Timeout    time.Duration `yaml:"timeout"`
}

type PresaleConfig struct {
	PollInterval        time.Duration `yaml:"pollInterval"`
	FallbackTokenPrice  string        `yaml:"fallbackTokenPrice"`
	NonceMaxTries       int           `yaml:"nonceMaxTries"`
	RequireVerification bool          `yaml:"requireVerification"`
}

type ServiceConfig struct {
	HTTPPort             int           `yaml:"httpPort"`
	HMACSecret           string        `yaml:"hmacSecret"`
	HMACClockSkew        time.Duration `yaml:"hmacClockSkew"`
	IdempotencyWindow    time.Duration `yaml:"idempotencyWindow"`
	IdempotencyStorePath string        `yaml:"idempotencyStorePath"`
	LedgerPath           string        `yaml:"ledgerPath"`
	PostgresDSN          string        `yaml:"postgresDsn"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults returns the configuration used when neither a file nor the
// environment says otherwise.
func Defaults() AppConfig {
	return AppConfig{
		Chain: ChainConfig{
			RPCURL:     "http://127.0.0.1:8545",
			ChainID:    31337,
			RPCTimeout: 10 * time.Second,
		},
		Backend: BackendConfig{
			URL:     "http://127.0.0.1:4000",
			Timeout: 15 * time.Second,
		},
		Presale: PresaleConfig{
			PollInterval:       120 * time.Second,
			FallbackTokenPrice: "0.015",
			NonceMaxTries:      3,
		},
		Service: ServiceConfig{
			HTTPPort:             3000,
			HMACClockSkew:        60 * time.Second,
			IdempotencyWindow:    24 * time.Hour,
			IdempotencyStorePath: filepath.Join(os.TempDir(), "presale-idem.json"),
			LedgerPath:           filepath.Join(os.TempDir(), "presale-ledger.json"),
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load aggregates configuration from defaults, the optional YAML file named
// by PRESALE_CONFIG and the environment, in that order.
func Load() (*AppConfig, error) {
	cfg := Defaults()

	if path := envOr("PRESALE_CONFIG", ""); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := MergeYAML(&cfg, raw); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// MergeYAML expands ${VAR} and ${VAR:-default} references and decodes the
// result over cfg. A bare ${VAR} that is unset is an error.
func MergeYAML(cfg *AppConfig, raw []byte) error {
	var missing []string
	expanded := os.Expand(string(raw), func(key string) string {
		if name, def, ok := strings.Cut(key, ":-"); ok {
			if val, set := os.LookupEnv(name); set {
				return val
			}
			return def
		}
		val, set := os.LookupEnv(key)
		if !set {
			missing = append(missing, key)
		}
		return val
	})
	if len(missing) > 0 {
		return fmt.Errorf("unset environment variables %v", missing)
	}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("decode yaml: %w", err)
	}
	return nil
}

func applyEnv(cfg *AppConfig) {
	cfg.Chain.RPCURL = envOr("RPC_URL", cfg.Chain.RPCURL)
	cfg.Chain.ChainID = int64(envOrInt("CHAIN_ID", int(cfg.Chain.ChainID)))
	cfg.Chain.PresaleAddress = envOr("PRESALE_CONTRACT_ADDRESS", cfg.Chain.PresaleAddress)
	cfg.Chain.AuthorizerAddress = envOr("AUTHORIZER_CONTRACT_ADDRESS", cfg.Chain.AuthorizerAddress)
	cfg.Chain.PrivateKey = envOr("WALLET_PRIVATE_KEY", cfg.Chain.PrivateKey)
	cfg.Chain.RPCTimeout = envOrDuration("RPC_TIMEOUT_MS", time.Millisecond, cfg.Chain.RPCTimeout)

	cfg.Backend.URL = envOr("BACKEND_URL", cfg.Backend.URL)
	cfg.Backend.HMACSecret = envOr("BACKEND_HMAC_SECRET", cfg.Backend.HMACSecret)

	cfg.Presale.PollInterval = envOrDuration("POLL_INTERVAL_SECONDS", time.Second, cfg.Presale.PollInterval)
	cfg.Presale.FallbackTokenPrice = envOr("FALLBACK_TOKEN_PRICE", cfg.Presale.FallbackTokenPrice)
	cfg.Presale.NonceMaxTries = envOrInt("NONCE_MAX_TRIES", cfg.Presale.NonceMaxTries)
	cfg.Presale.RequireVerification = envOrBool("REQUIRE_VERIFICATION", cfg.Presale.RequireVerification)

	cfg.Service.HTTPPort = envOrInt("API_HTTP_PORT", cfg.Service.HTTPPort)
	cfg.Service.HMACSecret = envOr("API_HMAC_SECRET", cfg.Service.HMACSecret)
	cfg.Service.HMACClockSkew = envOrDuration("HMAC_CLOCK_SKEW_SECONDS", time.Second, cfg.Service.HMACClockSkew)
	cfg.Service.IdempotencyWindow = envOrDuration("IDEMPOTENCY_WINDOW_SECONDS", time.Second, cfg.Service.IdempotencyWindow)
	cfg.Service.IdempotencyStorePath = envOr("IDEMPOTENCY_STORE_PATH", cfg.Service.IdempotencyStorePath)
	cfg.Service.LedgerPath = envOr("LEDGER_PATH", cfg.Service.LedgerPath)
	cfg.Service.PostgresDSN = envOr("POSTGRES_DSN", cfg.Service.PostgresDSN)

	cfg.Log.Level = envOr("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = envOr("LOG_FORMAT", cfg.Log.Format)
}

// Validate rejects malformed values. Placeholder contract addresses are not
// errors; the affected components run in fallback mode instead.
func (c *AppConfig) Validate() error {
	var errs []error
	if c.Service.HTTPPort <= 0 || c.Service.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("http port %d out of range", c.Service.HTTPPort))
	}
	if c.Presale.NonceMaxTries < 1 {
		errs = append(errs, fmt.Errorf("nonce max tries must be at least 1, got %d", c.Presale.NonceMaxTries))
	}
	if c.Presale.PollInterval <= 0 {
		errs = append(errs, errors.New("poll interval must be positive"))
	}
	if _, err := c.Presale.FallbackPrice(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// FallbackPrice parses the configured fallback unit price.
func (p PresaleConfig) FallbackPrice() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(p.FallbackTokenPrice)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fallback token price %q: %w", p.FallbackTokenPrice, err)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("fallback token price %q must be positive", p.FallbackTokenPrice)
	}
	return d, nil
}

// IsPlaceholder reports whether addr is empty, a documentation stub like
// "0x1234...abcd", the zero address or not a hex address at all.
func IsPlaceholder(addr string) bool {
	addr = strings.TrimSpace(addr)
	if addr == "" || strings.Contains(addr, "...") {
		return true
	}
	if !common.IsHexAddress(addr) {
		return true
	}
	return common.HexToAddress(addr) == (common.Address{})
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return fallback
}

// envOrDuration reads an integer count of unit.
func envOrDuration(key string, unit, fallback time.Duration) time.Duration {
	if _, ok := os.LookupEnv(key); !ok {
		return fallback
	}
	n := envOrInt(key, -1)
	if n < 0 {
		return fallback
	}
	return time.Duration(n) * unit
}
