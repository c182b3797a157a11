// Package config loads the taker's environment into a typed Config: .env
// via godotenv (a missing file is fine), then the process environment via
// caarlos0/env tags. Decimal knobs parse straight into micros. Flags on the
// binaries may overwrite fields before Validate runs.
package config

import (
	"crypto/ecdsa"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"polytaker/internal/clob"
	"polytaker/internal/dotenv"
	"polytaker/internal/micros"
	"polytaker/internal/oracle"
)

// GTD orders must expire at least 60 s out (venue security threshold); the
// extra second is the effective immediate-or-cancel window.
const gtdExpiry = 61 * time.Second

type Config struct {
	// Wallet. PrivateKey is read once at startup and never logged.
	PrivateKey    string `env:"PRIVATE_KEY"`
	Funder        string `env:"FUNDER"`
	SignatureType int    `env:"SIGNATURE_TYPE" envDefault:"0"`
	ChainID       int64  `env:"CHAIN_ID" envDefault:"137"`

	// Venue. The credential triple is optional; absent creds are derived
	// from the wallet at startup. NegRisk and TickSize override the venue
	// metadata fetch when set.
	ClobHost       string `env:"CLOB_HOST" envDefault:"https://clob.polymarket.com"`
	ClobWSHost     string `env:"CLOB_WS_HOST" envDefault:"wss://ws-subscriptions-clob.polymarket.com"`
	ClobAPIKey     string `env:"CLOB_API_KEY"`
	ClobSecret     string `env:"CLOB_SECRET"`
	ClobPassphrase string `env:"CLOB_PASSPHRASE"`
	NegRisk        *bool  `env:"NEG_RISK"`
	TickSize       string `env:"TICK_SIZE"`

	// Market identity: explicit token pair, or a slug resolved via Gamma.
	YesTokenID string `env:"YES_TOKEN_ID"`
	NoTokenID  string `env:"NO_TOKEN_ID"`
	MarketSlug string `env:"MARKET_SLUG"`
	GammaHost  string `env:"GAMMA_HOST" envDefault:"https://gamma-api.polymarket.com"`

	// Oracle feed.
	OracleURL       string        `env:"ORACLE_URL"`
	OracleMode      string        `env:"ORACLE_MODE" envDefault:"poll"`
	OraclePollMs    int           `env:"ORACLE_POLL_MS" envDefault:"500"`
	SignalTTLMs     int           `env:"SIGNAL_TTL_MS" envDefault:"2000"`
	OracleMaxSkewMs int           `env:"ORACLE_MAX_SKEW_MS" envDefault:"5000"`
	OracleEpsilon   micros.Amount `env:"ORACLE_EPSILON" envDefault:"0.02"`
	MinConfidence   micros.Amount `env:"MIN_CONFIDENCE" envDefault:"0"`

	// Strategy. Quote amounts are USDC.
	EdgeThreshold     micros.Amount `env:"EDGE_THRESHOLD" envDefault:"0.02"`
	PriceOffset       micros.Amount `env:"PRICE_OFFSET" envDefault:"0.005"`
	LiquidityTakePct  micros.Amount `env:"LIQUIDITY_TAKE_PCT" envDefault:"0.5"`
	MinOrderSize      micros.Amount `env:"MIN_ORDER_SIZE" envDefault:"1"`
	MaxOrderSize      micros.Amount `env:"MAX_ORDER_SIZE" envDefault:"50"`
	MaxExposure       micros.Amount `env:"MAX_EXPOSURE" envDefault:"250"`
	OrderType         string        `env:"ORDER_TYPE" envDefault:"FOK"`
	CooldownMs        int           `env:"COOLDOWN_MS" envDefault:"500"`
	InflightTimeoutMs int           `env:"INFLIGHT_TIMEOUT_MS" envDefault:"5000"`
	DryRun            bool          `env:"DRY_RUN" envDefault:"false"`

	// Operations.
	EventsPath     string `env:"EVENTS_PATH"`
	CheckpointPath string `env:"CHECKPOINT_PATH"`
	MetricsAddr    string `env:"METRICS_ADDR"`
	LogLevel       string `env:"LOG_LEVEL" envDefault:"info"`

	// Chain-side extras: preflight RPC, on-chain fill telemetry, position
	// seeding from the public data API.
	PolygonRPCURL string `env:"POLYGON_RPC_URL"`
	PolygonWS     string `env:"POLYGON_WS"`
	WatchFills    bool   `env:"WATCH_FILLS" envDefault:"false"`
	DataAPIHost   string `env:"DATA_API_HOST" envDefault:"https://data-api.polymarket.com"`
	SeedPosition  bool   `env:"SEED_POSITION" envDefault:"false"`
}

// Load reads .env (when present) and the process environment. Validation is
// separate so flag overrides can land in between.
func Load() (*Config, error) {
	if err := dotenv.Load(); err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate enforces requiredness and ranges. The returned error names the
// offending variable in env form.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.PrivateKey) == "" {
		return fmt.Errorf("PRIVATE_KEY required")
	}
	if c.Funder != "" && !common.IsHexAddress(c.Funder) {
		return fmt.Errorf("FUNDER %q is not a hex address", c.Funder)
	}
	if c.SignatureType < 0 || c.SignatureType > 2 {
		return fmt.Errorf("SIGNATURE_TYPE must be 0 (EOA), 1 (proxy) or 2 (safe), got %d", c.SignatureType)
	}
	if c.ChainID <= 0 {
		return fmt.Errorf("CHAIN_ID must be positive, got %d", c.ChainID)
	}

	haveYes := strings.TrimSpace(c.YesTokenID) != ""
	haveNo := strings.TrimSpace(c.NoTokenID) != ""
	switch {
	case haveYes != haveNo:
		return fmt.Errorf("YES_TOKEN_ID and NO_TOKEN_ID must be set together")
	case !haveYes && strings.TrimSpace(c.MarketSlug) == "":
		return fmt.Errorf("set YES_TOKEN_ID/NO_TOKEN_ID or MARKET_SLUG")
	}

	if strings.TrimSpace(c.OracleURL) == "" {
		return fmt.Errorf("ORACLE_URL required")
	}
	switch c.OracleClientMode() {
	case oracle.ModePoll, oracle.ModePush:
	default:
		return fmt.Errorf("ORACLE_MODE must be poll or push, got %q", c.OracleMode)
	}
	if c.OraclePollMs <= 0 {
		return fmt.Errorf("ORACLE_POLL_MS must be positive, got %d", c.OraclePollMs)
	}
	if c.SignalTTLMs <= 0 {
		return fmt.Errorf("SIGNAL_TTL_MS must be positive, got %d", c.SignalTTLMs)
	}
	if c.OracleMaxSkewMs <= 0 {
		return fmt.Errorf("ORACLE_MAX_SKEW_MS must be positive, got %d", c.OracleMaxSkewMs)
	}

	if c.EdgeThreshold == 0 {
		return fmt.Errorf("EDGE_THRESHOLD must be positive")
	}
	if c.LiquidityTakePct == 0 || c.LiquidityTakePct.Micros() > micros.Scale {
		return fmt.Errorf("LIQUIDITY_TAKE_PCT must be in (0, 1], got %s", c.LiquidityTakePct)
	}
	if c.MaxOrderSize == 0 || c.MaxOrderSize < c.MinOrderSize {
		return fmt.Errorf("MAX_ORDER_SIZE %s must cover MIN_ORDER_SIZE %s", c.MaxOrderSize, c.MinOrderSize)
	}
	if c.MaxExposure == 0 {
		return fmt.Errorf("MAX_EXPOSURE must be positive")
	}
	if _, err := c.clobOrderType(); err != nil {
		return err
	}
	if c.CooldownMs < 0 {
		return fmt.Errorf("COOLDOWN_MS must not be negative, got %d", c.CooldownMs)
	}
	if c.InflightTimeoutMs <= 0 {
		return fmt.Errorf("INFLIGHT_TIMEOUT_MS must be positive, got %d", c.InflightTimeoutMs)
	}

	if c.TickSize != "" {
		m, err := micros.Parse(c.TickSize)
		if err != nil || m == 0 || m >= micros.Scale {
			return fmt.Errorf("TICK_SIZE %q is not a valid tick", c.TickSize)
		}
	}
	if c.WatchFills && strings.TrimSpace(c.PolygonWS) == "" {
		return fmt.Errorf("WATCH_FILLS requires POLYGON_WS")
	}
	return nil
}

// Wallet parses PRIVATE_KEY. The key stays in memory only.
func (c *Config) Wallet() (*ecdsa.PrivateKey, error) {
	return ParsePrivateKey(c.PrivateKey)
}

// ParsePrivateKey parses a hex wallet key, 0x prefix optional. Utility
// commands that read PRIVATE_KEY straight from the environment share it.
func ParsePrivateKey(raw string) (*ecdsa.PrivateKey, error) {
	hexKey := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if hexKey == "" {
		return nil, fmt.Errorf("private key missing")
	}
	pk, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return pk, nil
}

// FunderAddress returns the configured funder. The zero address means the
// signer funds its own orders.
func (c *Config) FunderAddress() common.Address {
	if c.Funder == "" {
		return common.Address{}
	}
	return common.HexToAddress(c.Funder)
}

// Creds returns the configured credential triple, if complete.
func (c *Config) Creds() (clob.Creds, bool) {
	if c.ClobAPIKey == "" || c.ClobSecret == "" || c.ClobPassphrase == "" {
		return clob.Creds{}, false
	}
	return clob.Creds{Key: c.ClobAPIKey, Secret: c.ClobSecret, Passphrase: c.ClobPassphrase}, true
}

func (c *Config) OraclePollInterval() time.Duration {
	return time.Duration(c.OraclePollMs) * time.Millisecond
}

func (c *Config) SignalTTL() time.Duration { return time.Duration(c.SignalTTLMs) * time.Millisecond }

func (c *Config) OracleMaxSkew() time.Duration {
	return time.Duration(c.OracleMaxSkewMs) * time.Millisecond
}

func (c *Config) Cooldown() time.Duration { return time.Duration(c.CooldownMs) * time.Millisecond }

func (c *Config) InflightTimeout() time.Duration {
	return time.Duration(c.InflightTimeoutMs) * time.Millisecond
}

// OracleClientMode maps ORACLE_MODE onto the oracle enum.
func (c *Config) OracleClientMode() oracle.Mode {
	return oracle.Mode(strings.ToLower(strings.TrimSpace(c.OracleMode)))
}

func (c *Config) clobOrderType() (clob.OrderType, error) {
	switch strings.ToUpper(strings.TrimSpace(c.OrderType)) {
	case "", "FOK":
		return clob.OrderTypeFOK, nil
	case "GTD", "GTD_IOC":
		return clob.OrderTypeGTD, nil
	case "FAK":
		return clob.OrderTypeFAK, nil
	default:
		return "", fmt.Errorf("ORDER_TYPE must be FOK, GTD or FAK, got %q", c.OrderType)
	}
}

// ClobOrderType maps ORDER_TYPE onto the venue enum. Validate has already
// rejected unknown values.
func (c *Config) ClobOrderType() clob.OrderType {
	t, _ := c.clobOrderType()
	return t
}

// OrderExpiry is the expiration window stamped on GTD orders. Zero for
// FOK/FAK, which self-cancel at the venue.
func (c *Config) OrderExpiry() time.Duration {
	if c.ClobOrderType() == clob.OrderTypeGTD {
		return gtdExpiry
	}
	return 0
}

// TickSizeMicros parses the TICK_SIZE override. Zero means fetch from the
// venue.
func (c *Config) TickSizeMicros() uint64 {
	if c.TickSize == "" {
		return 0
	}
	m, _ := micros.Parse(c.TickSize)
	return m
}

// MarketWSURL joins the market channel path onto CLOB_WS_HOST. Empty input
// stays empty so stream defaults apply.
func (c *Config) MarketWSURL() string { return wsURL(c.ClobWSHost, "/ws/market") }

// UserWSURL joins the user channel path onto CLOB_WS_HOST.
func (c *Config) UserWSURL() string { return wsURL(c.ClobWSHost, "/ws/user") }

func wsURL(host, path string) string {
	host = strings.TrimRight(strings.TrimSpace(host), "/")
	if host == "" {
		return ""
	}
	if strings.HasSuffix(host, path) {
		return host
	}
	return host + path
}
