package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

const sampleYAML = `
logging:
  level: debug
  format: json

exchange:
  base_url: https://api.example.com
  ws_url: wss://stream.example.com/w3w/stream

credentials:
  dir: /tmp/creds

global_settings:
  default_buy_offset_percentage: 10
  default_sell_profit_percentage: 10
  default_trade_interval_seconds: 2
  default_single_trade_amount_usdt: 30
  retry_delay_seconds: 5
  order_timeout_seconds: 120

strategies:
  - id: koge-daily
    display_name: KOGE daily volume
    enabled: true
    target_token: koge
    target_chain: BSC
    target_volume: 60
    user_ids: [1, 2]

  - id: aop-custom
    enabled: true
    target_token: AOP
    target_volume: 10
    single_trade_amount_usdt: 25.5
    trade_interval_seconds: 0
    buy_offset_percentage: 0.1
    sell_profit_percentage: 0.2
    order_timeout_seconds: 60
    retry_delay_seconds: 1
    user_ids: [7]
`

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadResolvesInheritance(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	koge, ok := cfg.StrategyByID("koge-daily")
	if !ok {
		t.Fatal("koge-daily not found")
	}
	if koge.TargetToken != "KOGE" {
		t.Errorf("TargetToken = %q, want KOGE (uppercased)", koge.TargetToken)
	}
	// Inherited fields
	if !koge.SingleTradeAmountUSDT.Equal(decimal.NewFromInt(30)) {
		t.Errorf("SingleTradeAmountUSDT = %s, want 30 (inherited)", koge.SingleTradeAmountUSDT)
	}
	if koge.TradeIntervalSeconds != 2 {
		t.Errorf("TradeIntervalSeconds = %d, want 2 (inherited)", koge.TradeIntervalSeconds)
	}
	if !koge.BuyOffsetPercentage.Equal(decimal.NewFromInt(10)) {
		t.Errorf("BuyOffsetPercentage = %s, want 10 (inherited)", koge.BuyOffsetPercentage)
	}
	if koge.OrderTimeoutSeconds != 120 {
		t.Errorf("OrderTimeoutSeconds = %d, want 120 (inherited)", koge.OrderTimeoutSeconds)
	}

	aop, ok := cfg.StrategyByID("aop-custom")
	if !ok {
		t.Fatal("aop-custom not found")
	}
	// Overridden fields, including explicit zero
	if !aop.SingleTradeAmountUSDT.Equal(decimal.RequireFromString("25.5")) {
		t.Errorf("SingleTradeAmountUSDT = %s, want 25.5 (override)", aop.SingleTradeAmountUSDT)
	}
	if aop.TradeIntervalSeconds != 0 {
		t.Errorf("TradeIntervalSeconds = %d, want 0 (explicit zero override)", aop.TradeIntervalSeconds)
	}
	if !aop.SellProfitPercentage.Equal(decimal.RequireFromString("0.2")) {
		t.Errorf("SellProfitPercentage = %s, want 0.2 (override)", aop.SellProfitPercentage)
	}
	if aop.RetryDelaySeconds != 1 {
		t.Errorf("RetryDelaySeconds = %d, want 1 (override)", aop.RetryDelaySeconds)
	}
	if aop.DisplayName != "aop-custom" {
		t.Errorf("DisplayName = %q, want id fallback", aop.DisplayName)
	}

	if got := len(cfg.EnabledStrategies()); got != 2 {
		t.Errorf("EnabledStrategies() len = %d, want 2", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Exchange.Timeout != 10*time.Second {
		t.Errorf("Exchange.Timeout = %v, want 10s default", cfg.Exchange.Timeout)
	}
	if cfg.Exchange.CatalogTTL != 5*time.Second {
		t.Errorf("Exchange.CatalogTTL = %v, want 5s default", cfg.Exchange.CatalogTTL)
	}
	if cfg.Engine.TeardownGrace != 10*time.Second {
		t.Errorf("Engine.TeardownGrace = %v, want 10s default", cfg.Engine.TeardownGrace)
	}
	if cfg.Engine.PrefilterConcurrency != 10 {
		t.Errorf("Engine.PrefilterConcurrency = %d, want 10 default", cfg.Engine.PrefilterConcurrency)
	}
	if !cfg.Engine.Autostart {
		t.Error("Engine.Autostart = false, want true default")
	}
	if cfg.Server.Port != 8880 {
		t.Errorf("Server.Port = %d, want 8880 default", cfg.Server.Port)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("ALPHA_BASE_URL", "https://override.example.com")

	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Exchange.BaseURL != "https://override.example.com" {
		t.Errorf("BaseURL = %q, want env override", cfg.Exchange.BaseURL)
	}
}

func TestStrategyDurations(t *testing.T) {
	t.Parallel()

	s := Strategy{TradeIntervalSeconds: 2, RetryDelaySeconds: 5, OrderTimeoutSeconds: 120}
	if s.TradeInterval() != 2*time.Second {
		t.Errorf("TradeInterval() = %v, want 2s", s.TradeInterval())
	}
	if s.RetryDelay() != 5*time.Second {
		t.Errorf("RetryDelay() = %v, want 5s", s.RetryDelay())
	}
	if s.OrderTimeout() != 2*time.Minute {
		t.Errorf("OrderTimeout() = %v, want 2m", s.OrderTimeout())
	}
}

func TestValidateRejectsBadStrategies(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "zero target volume",
			yaml: `
exchange: {base_url: "https://x", ws_url: "wss://x"}
strategies:
  - {id: s1, enabled: true, target_token: KOGE, target_volume: 0, user_ids: [1]}
`,
		},
		{
			name: "negative single trade amount",
			yaml: `
exchange: {base_url: "https://x", ws_url: "wss://x"}
strategies:
  - {id: s1, enabled: true, target_token: KOGE, target_volume: 10, single_trade_amount_usdt: -1, user_ids: [1]}
`,
		},
		{
			name: "missing token",
			yaml: `
exchange: {base_url: "https://x", ws_url: "wss://x"}
strategies:
  - {id: s1, enabled: true, target_volume: 10, user_ids: [1]}
`,
		},
		{
			name: "enabled without users",
			yaml: `
exchange: {base_url: "https://x", ws_url: "wss://x"}
strategies:
  - {id: s1, enabled: true, target_token: KOGE, target_volume: 10}
`,
		},
		{
			name: "duplicate ids",
			yaml: `
exchange: {base_url: "https://x", ws_url: "wss://x"}
strategies:
  - {id: s1, enabled: true, target_token: KOGE, target_volume: 10, user_ids: [1]}
  - {id: s1, enabled: true, target_token: AOP, target_volume: 10, user_ids: [2]}
`,
		},
		{
			name: "missing ws url",
			yaml: `
exchange: {base_url: "https://x"}
strategies: []
`,
		},
		{
			name: "sell profit at 100",
			yaml: `
exchange: {base_url: "https://x", ws_url: "wss://x"}
strategies:
  - {id: s1, enabled: true, target_token: KOGE, target_volume: 10, sell_profit_percentage: 100, user_ids: [1]}
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, tt.yaml))
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}
