// Package config defines all configuration for the volume bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// overrides via ALPHA_* environment variables. The strategies section uses
// inheritance: fields omitted on a strategy fall back to global_settings,
// and the loader hands out fully resolved Strategy values so nothing
// downstream re-derives defaults.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Logging     LoggingConfig     `mapstructure:"logging"`
	Server      ServerConfig      `mapstructure:"server"`
	Exchange    ExchangeConfig    `mapstructure:"exchange"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Engine      EngineConfig      `mapstructure:"engine"`
	AuthFailure AuthFailureConfig `mapstructure:"auth_failure"`
	Globals     GlobalSettings    `mapstructure:"global_settings"`

	strategies []Strategy
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ServerConfig controls the status/control HTTP server.
type ServerConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// ExchangeConfig holds the Alpha exchange endpoints and HTTP tuning.
type ExchangeConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	WSURL      string        `mapstructure:"ws_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RetryCount int           `mapstructure:"retry_count"`
	CatalogTTL time.Duration `mapstructure:"catalog_ttl"`
}

// CredentialsConfig sets where per-user credential files live.
type CredentialsConfig struct {
	Dir string `mapstructure:"dir"`
}

// EngineConfig tunes the strategy executor.
//
//   - Autostart: start every enabled strategy at boot.
//   - PrefilterConcurrency: cap on concurrent volume queries during the
//     satisfied-user pre-filter.
//   - TeardownGrace: how long Stop waits for per-user loops before
//     force-closing their resources.
type EngineConfig struct {
	Autostart            bool          `mapstructure:"autostart"`
	PrefilterConcurrency int           `mapstructure:"prefilter_concurrency"`
	TeardownGrace        time.Duration `mapstructure:"teardown_grace"`
}

// AuthFailureConfig drives the credential-revocation classifier. Codes are
// exact exchange error codes; Patterns are case-insensitive substrings
// matched against error messages. Both extend the built-in defaults.
type AuthFailureConfig struct {
	Codes    []string `mapstructure:"codes"`
	Patterns []string `mapstructure:"patterns"`
}

// GlobalSettings supplies per-strategy defaults. Field names mirror the
// YAML keys operators already use.
type GlobalSettings struct {
	DefaultBuyOffsetPercentage   decimal.Decimal `mapstructure:"default_buy_offset_percentage"`
	DefaultSellProfitPercentage  decimal.Decimal `mapstructure:"default_sell_profit_percentage"`
	DefaultTradeIntervalSeconds  int             `mapstructure:"default_trade_interval_seconds"`
	DefaultSingleTradeAmountUSDT decimal.Decimal `mapstructure:"default_single_trade_amount_usdt"`
	RetryDelaySeconds            int             `mapstructure:"retry_delay_seconds"`
	OrderTimeoutSeconds          int             `mapstructure:"order_timeout_seconds"`
}

// rawStrategy is the YAML shape of one strategy entry. Pointer fields
// distinguish "omitted, inherit the global default" from an explicit zero.
type rawStrategy struct {
	ID                    string           `mapstructure:"id"`
	DisplayName           string           `mapstructure:"display_name"`
	Enabled               bool             `mapstructure:"enabled"`
	TargetToken           string           `mapstructure:"target_token"`
	TargetChain           string           `mapstructure:"target_chain"`
	TargetVolume          decimal.Decimal  `mapstructure:"target_volume"`
	SingleTradeAmountUSDT *decimal.Decimal `mapstructure:"single_trade_amount_usdt"`
	TradeIntervalSeconds  *int             `mapstructure:"trade_interval_seconds"`
	BuyOffsetPercentage   *decimal.Decimal `mapstructure:"buy_offset_percentage"`
	SellProfitPercentage  *decimal.Decimal `mapstructure:"sell_profit_percentage"`
	OrderTimeoutSeconds   *int             `mapstructure:"order_timeout_seconds"`
	RetryDelaySeconds     *int             `mapstructure:"retry_delay_seconds"`
	UserIDs               []int64          `mapstructure:"user_ids"`
}

// Strategy is one fully resolved strategy: every field populated, either
// from the strategy entry itself or from global_settings. Immutable after
// Load.
type Strategy struct {
	ID                    string
	DisplayName           string
	Enabled               bool
	TargetToken           string // short symbol, e.g. "KOGE"
	TargetChain           string
	TargetVolume          decimal.Decimal
	SingleTradeAmountUSDT decimal.Decimal
	TradeIntervalSeconds  int
	BuyOffsetPercentage   decimal.Decimal
	SellProfitPercentage  decimal.Decimal
	OrderTimeoutSeconds   int
	RetryDelaySeconds     int
	UserIDs               []int64
}

// TradeInterval returns the pause between successful trades.
func (s Strategy) TradeInterval() time.Duration {
	return time.Duration(s.TradeIntervalSeconds) * time.Second
}

// RetryDelay returns the pause after a failed trade.
func (s Strategy) RetryDelay() time.Duration {
	return time.Duration(s.RetryDelaySeconds) * time.Second
}

// OrderTimeout bounds each wait for an order to reach a terminal state.
func (s Strategy) OrderTimeout() time.Duration {
	return time.Duration(s.OrderTimeoutSeconds) * time.Second
}

// Load reads config from a YAML file with env var overrides and resolves
// strategy inheritance. Endpoint overrides: ALPHA_BASE_URL, ALPHA_WS_URL.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ALPHA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		decimalDecodeHook(),
	))

	var cfg Config
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	var raw []rawStrategy
	if err := v.UnmarshalKey("strategies", &raw, hook); err != nil {
		return nil, fmt.Errorf("unmarshal strategies: %w", err)
	}

	// Override endpoints from env
	if u := os.Getenv("ALPHA_BASE_URL"); u != "" {
		cfg.Exchange.BaseURL = u
	}
	if u := os.Getenv("ALPHA_WS_URL"); u != "" {
		cfg.Exchange.WSURL = u
	}

	cfg.resolveStrategies(raw)

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("server.port", 8880)
	v.SetDefault("exchange.timeout", "10s")
	v.SetDefault("exchange.retry_count", 3)
	v.SetDefault("exchange.catalog_ttl", "5s")
	v.SetDefault("credentials.dir", "data/credentials")
	v.SetDefault("engine.autostart", true)
	v.SetDefault("engine.prefilter_concurrency", 10)
	v.SetDefault("engine.teardown_grace", "10s")
	v.SetDefault("global_settings.default_buy_offset_percentage", "0.5")
	v.SetDefault("global_settings.default_sell_profit_percentage", "1.0")
	v.SetDefault("global_settings.default_trade_interval_seconds", 1)
	v.SetDefault("global_settings.default_single_trade_amount_usdt", "30")
	v.SetDefault("global_settings.retry_delay_seconds", 5)
	v.SetDefault("global_settings.order_timeout_seconds", 300)
}

// decimalDecodeHook converts YAML scalars (string, float, int) into
// decimal.Decimal so money fields never pass through binary floats wider
// than their literal YAML form.
func decimalDecodeHook() mapstructure.DecodeHookFuncType {
	decType := reflect.TypeOf(decimal.Decimal{})
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != decType {
			return data, nil
		}
		switch val := data.(type) {
		case string:
			d, err := decimal.NewFromString(val)
			if err != nil {
				return nil, fmt.Errorf("parse decimal %q: %w", val, err)
			}
			return d, nil
		case float64:
			return decimal.NewFromFloat(val), nil
		case int:
			return decimal.NewFromInt(int64(val)), nil
		case int64:
			return decimal.NewFromInt(val), nil
		default:
			return data, nil
		}
	}
}

// resolveStrategies applies global_settings to every field a strategy
// entry omitted.
func (c *Config) resolveStrategies(rawStrategies []rawStrategy) {
	c.strategies = make([]Strategy, 0, len(rawStrategies))
	for _, raw := range rawStrategies {
		s := Strategy{
			ID:                    raw.ID,
			DisplayName:           raw.DisplayName,
			Enabled:               raw.Enabled,
			TargetToken:           strings.ToUpper(strings.TrimSpace(raw.TargetToken)),
			TargetChain:           raw.TargetChain,
			TargetVolume:          raw.TargetVolume,
			SingleTradeAmountUSDT: c.Globals.DefaultSingleTradeAmountUSDT,
			TradeIntervalSeconds:  c.Globals.DefaultTradeIntervalSeconds,
			BuyOffsetPercentage:   c.Globals.DefaultBuyOffsetPercentage,
			SellProfitPercentage:  c.Globals.DefaultSellProfitPercentage,
			OrderTimeoutSeconds:   c.Globals.OrderTimeoutSeconds,
			RetryDelaySeconds:     c.Globals.RetryDelaySeconds,
			UserIDs:               append([]int64(nil), raw.UserIDs...),
		}
		if s.DisplayName == "" {
			s.DisplayName = s.ID
		}
		if raw.SingleTradeAmountUSDT != nil {
			s.SingleTradeAmountUSDT = *raw.SingleTradeAmountUSDT
		}
		if raw.TradeIntervalSeconds != nil {
			s.TradeIntervalSeconds = *raw.TradeIntervalSeconds
		}
		if raw.BuyOffsetPercentage != nil {
			s.BuyOffsetPercentage = *raw.BuyOffsetPercentage
		}
		if raw.SellProfitPercentage != nil {
			s.SellProfitPercentage = *raw.SellProfitPercentage
		}
		if raw.OrderTimeoutSeconds != nil {
			s.OrderTimeoutSeconds = *raw.OrderTimeoutSeconds
		}
		if raw.RetryDelaySeconds != nil {
			s.RetryDelaySeconds = *raw.RetryDelaySeconds
		}
		c.strategies = append(c.strategies, s)
	}
}

// Strategies returns every resolved strategy in declaration order.
func (c *Config) Strategies() []Strategy {
	return c.strategies
}

// EnabledStrategies returns the resolved strategies with enabled: true.
func (c *Config) EnabledStrategies() []Strategy {
	var out []Strategy
	for _, s := range c.strategies {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}

// StrategyByID looks up one resolved strategy.
func (c *Config) StrategyByID(id string) (Strategy, bool) {
	for _, s := range c.strategies {
		if s.ID == id {
			return s, true
		}
	}
	return Strategy{}, false
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text")
	}
	if c.Exchange.BaseURL == "" {
		return fmt.Errorf("exchange.base_url is required (set ALPHA_BASE_URL)")
	}
	if c.Exchange.WSURL == "" {
		return fmt.Errorf("exchange.ws_url is required (set ALPHA_WS_URL)")
	}
	if c.Credentials.Dir == "" {
		return fmt.Errorf("credentials.dir is required")
	}
	if c.Engine.PrefilterConcurrency <= 0 {
		return fmt.Errorf("engine.prefilter_concurrency must be > 0")
	}
	if c.Engine.TeardownGrace <= 0 {
		return fmt.Errorf("engine.teardown_grace must be > 0")
	}

	seen := make(map[string]bool, len(c.strategies))
	for _, s := range c.strategies {
		if s.ID == "" {
			return fmt.Errorf("strategies[].id is required")
		}
		if seen[s.ID] {
			return fmt.Errorf("strategy %q: duplicate id", s.ID)
		}
		seen[s.ID] = true
		if err := s.validate(); err != nil {
			return fmt.Errorf("strategy %q: %w", s.ID, err)
		}
	}
	return nil
}

func (s Strategy) validate() error {
	if s.TargetToken == "" {
		return fmt.Errorf("target_token is required")
	}
	if !s.TargetVolume.IsPositive() {
		return fmt.Errorf("target_volume must be > 0")
	}
	if !s.SingleTradeAmountUSDT.IsPositive() {
		return fmt.Errorf("single_trade_amount_usdt must be > 0")
	}
	if s.TradeIntervalSeconds < 0 {
		return fmt.Errorf("trade_interval_seconds must be >= 0")
	}
	if s.BuyOffsetPercentage.IsNegative() {
		return fmt.Errorf("buy_offset_percentage must be >= 0")
	}
	if s.SellProfitPercentage.IsNegative() || s.SellProfitPercentage.GreaterThanOrEqual(decimal.NewFromInt(100)) {
		return fmt.Errorf("sell_profit_percentage must be in [0, 100)")
	}
	if s.OrderTimeoutSeconds <= 0 {
		return fmt.Errorf("order_timeout_seconds must be > 0")
	}
	if s.RetryDelaySeconds < 0 {
		return fmt.Errorf("retry_delay_seconds must be >= 0")
	}
	if s.Enabled && len(s.UserIDs) == 0 {
		return fmt.Errorf("user_ids must not be empty on an enabled strategy")
	}
	return nil
}
