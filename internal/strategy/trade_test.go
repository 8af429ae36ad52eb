package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"alpha-volume-bot/internal/config"
	"alpha-volume-bot/internal/exchange"
	"alpha-volume-bot/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testStrategy() config.Strategy {
	return config.Strategy{
		ID:                    "koge-60",
		DisplayName:           "KOGE 60",
		Enabled:               true,
		TargetToken:           "KOGE",
		TargetChain:           "BSC",
		TargetVolume:          dec("60"),
		SingleTradeAmountUSDT: dec("30"),
		TradeIntervalSeconds:  0,
		BuyOffsetPercentage:   dec("10"),
		SellProfitPercentage:  dec("10"),
		OrderTimeoutSeconds:   1,
		RetryDelaySeconds:     0,
		UserIDs:               []int64{7},
	}
}

func testCreds() types.UserCredentials {
	return types.UserCredentials{UserID: 7, Headers: map[string]string{"X-Session": "abc"}}
}

// stubClient is an in-memory exchange for trade and runner tests. Each
// placement gets fresh order ids; afterPlace simulates the order stream
// by observing updates into a tracker.
type stubClient struct {
	mu sync.Mutex

	token     types.TokenCatalogEntry
	lookupErr error

	placeCalls int
	placeFn    func(call int, req exchange.OTOOrderRequest) error
	placed     []exchange.OTOOrderRequest
	afterPlace func(p types.OTOOrderPlacement)

	volumeCalls int
	volumeFn    func(call int) (types.UserVolumeSnapshot, error)
}

func (s *stubClient) LookupToken(ctx context.Context, symbol string) (types.TokenCatalogEntry, error) {
	if s.lookupErr != nil {
		return types.TokenCatalogEntry{}, s.lookupErr
	}
	return s.token, nil
}

func (s *stubClient) FetchUserVolume(ctx context.Context, creds types.UserCredentials) (types.UserVolumeSnapshot, error) {
	s.mu.Lock()
	s.volumeCalls++
	call := s.volumeCalls
	fn := s.volumeFn
	s.mu.Unlock()
	if fn == nil {
		return types.UserVolumeSnapshot{}, nil
	}
	return fn(call)
}

func (s *stubClient) PlaceOTOOrder(ctx context.Context, creds types.UserCredentials, req exchange.OTOOrderRequest) (types.OTOOrderPlacement, error) {
	s.mu.Lock()
	s.placeCalls++
	call := s.placeCalls
	s.placed = append(s.placed, req)
	after := s.afterPlace
	s.mu.Unlock()

	if s.placeFn != nil {
		if err := s.placeFn(call, req); err != nil {
			return types.OTOOrderPlacement{}, err
		}
	}
	p := types.OTOOrderPlacement{
		WorkingOrderID: fmt.Sprintf("buy-%d", call),
		PendingOrderID: fmt.Sprintf("sell-%d", call),
	}
	if after != nil {
		after(p)
	}
	return p, nil
}

func (s *stubClient) placements() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.placeCalls
}

// fillBothLegs wires afterPlace so every placed order fills immediately,
// the way the real stream reports a marketable OTO.
func fillBothLegs(tr *OrderTracker) func(p types.OTOOrderPlacement) {
	return func(p types.OTOOrderPlacement) {
		tr.Observe(types.OrderUpdate{OrderID: p.WorkingOrderID, Side: types.BUY, Status: types.OrderFilled})
		tr.Observe(types.OrderUpdate{OrderID: p.PendingOrderID, Side: types.SELL, Status: types.OrderFilled})
	}
}

func TestTradePrices(t *testing.T) {
	t.Parallel()
	cfg := testStrategy()

	buy, sell, qty := tradePrices(cfg, dec("1.00"))
	if !buy.Equal(dec("1.1")) {
		t.Errorf("buy price = %s, want 1.1", buy)
	}
	if !sell.Equal(dec("0.99")) {
		t.Errorf("sell price = %s, want 0.99", sell)
	}
	if !qty.Equal(dec("27.27272727")) {
		t.Errorf("quantity = %s, want 27.27272727 (truncated at 8dp)", qty)
	}
}

func TestTradePricesZeroOffsetsRoundTrip(t *testing.T) {
	t.Parallel()
	cfg := testStrategy()
	cfg.BuyOffsetPercentage = decimal.Zero
	cfg.SellProfitPercentage = decimal.Zero

	buy, sell, _ := tradePrices(cfg, dec("3.1415"))
	if !buy.Equal(dec("3.1415")) || !sell.Equal(dec("3.1415")) {
		t.Errorf("zero offsets: buy=%s sell=%s, want both 3.1415", buy, sell)
	}
}

func TestRealVolumePerTrade(t *testing.T) {
	t.Parallel()
	cfg := testStrategy()

	if got := realVolumePerTrade(cfg, 1); !got.Equal(dec("30")) {
		t.Errorf("mulPoint 1: real volume = %s, want 30", got)
	}
	if got := realVolumePerTrade(cfg, 4); !got.Equal(dec("7.5")) {
		t.Errorf("mulPoint 4: real volume = %s, want 7.5", got)
	}
}

func TestExecuteTradeBothLegsFill(t *testing.T) {
	t.Parallel()
	tr := NewOrderTracker()
	stub := &stubClient{
		token:      types.TokenCatalogEntry{Symbol: "KOGE", LastPrice: dec("1.00"), MulPoint: 1},
		afterPlace: fillBothLegs(tr),
	}
	exec := NewExecutor(stub, tr, testStrategy(), testCreds(), testLogger())

	ok, delta, err := exec.ExecuteTrade(context.Background())
	if err != nil {
		t.Fatalf("ExecuteTrade: %v", err)
	}
	if !ok {
		t.Fatal("ok = false, want true")
	}
	if !delta.Equal(dec("30")) {
		t.Errorf("real volume = %s, want 30", delta)
	}

	req := stub.placed[0]
	if !req.BuyPrice.Equal(dec("1.1")) || !req.SellPrice.Equal(dec("0.99")) {
		t.Errorf("placed prices buy=%s sell=%s, want 1.1/0.99", req.BuyPrice, req.SellPrice)
	}
	if req.BaseAsset != "KOGE" {
		t.Errorf("base asset = %q, want KOGE", req.BaseAsset)
	}
}

func TestExecuteTradeMulPointDividesVolume(t *testing.T) {
	t.Parallel()
	tr := NewOrderTracker()
	stub := &stubClient{
		token:      types.TokenCatalogEntry{Symbol: "KOGE", LastPrice: dec("1.00"), MulPoint: 4},
		afterPlace: fillBothLegs(tr),
	}
	exec := NewExecutor(stub, tr, testStrategy(), testCreds(), testLogger())

	ok, delta, err := exec.ExecuteTrade(context.Background())
	if err != nil || !ok {
		t.Fatalf("ExecuteTrade: ok=%v err=%v", ok, err)
	}
	if !delta.Equal(dec("7.5")) {
		t.Errorf("real volume = %s, want 7.5 (30 / mulPoint 4)", delta)
	}
}

func TestExecuteTradeBuyLegCanceled(t *testing.T) {
	t.Parallel()
	tr := NewOrderTracker()
	stub := &stubClient{
		token: types.TokenCatalogEntry{Symbol: "KOGE", LastPrice: dec("1.00"), MulPoint: 1},
		afterPlace: func(p types.OTOOrderPlacement) {
			tr.Observe(types.OrderUpdate{OrderID: p.WorkingOrderID, Side: types.BUY, Status: types.OrderCanceled})
		},
	}
	exec := NewExecutor(stub, tr, testStrategy(), testCreds(), testLogger())

	ok, delta, err := exec.ExecuteTrade(context.Background())
	if err != nil {
		t.Fatalf("ExecuteTrade: %v", err)
	}
	if ok || !delta.IsZero() {
		t.Errorf("ok=%v delta=%s, want false/0 when the buy leg cancels", ok, delta)
	}
}

func TestExecuteTradeBuyLegTimeout(t *testing.T) {
	t.Parallel()
	// No updates ever arrive: the missed-report case after a reconnect.
	tr := NewOrderTracker()
	stub := &stubClient{
		token: types.TokenCatalogEntry{Symbol: "KOGE", LastPrice: dec("1.00"), MulPoint: 1},
	}
	exec := NewExecutor(stub, tr, testStrategy(), testCreds(), testLogger())

	ok, delta, err := exec.ExecuteTrade(context.Background())
	if err != nil {
		t.Fatalf("ExecuteTrade: %v", err)
	}
	if ok || !delta.IsZero() {
		t.Errorf("ok=%v delta=%s, want false/0 on buy-leg timeout", ok, delta)
	}
}

func TestExecuteTradeSellLegTimeoutStillCounts(t *testing.T) {
	t.Parallel()
	tr := NewOrderTracker()
	stub := &stubClient{
		token: types.TokenCatalogEntry{Symbol: "KOGE", LastPrice: dec("1.00"), MulPoint: 1},
		afterPlace: func(p types.OTOOrderPlacement) {
			tr.Observe(types.OrderUpdate{OrderID: p.WorkingOrderID, Side: types.BUY, Status: types.OrderFilled})
			// The sell leg never reports.
		},
	}
	exec := NewExecutor(stub, tr, testStrategy(), testCreds(), testLogger())

	ok, delta, err := exec.ExecuteTrade(context.Background())
	if err != nil {
		t.Fatalf("ExecuteTrade: %v", err)
	}
	if !ok {
		t.Fatal("ok = false, want true: the buy leg consumed the notional")
	}
	if !delta.Equal(dec("30")) {
		t.Errorf("real volume = %s, want 30 despite sell-leg timeout", delta)
	}
}

func TestExecuteTradeAuthFailurePropagates(t *testing.T) {
	t.Parallel()
	tr := NewOrderTracker()
	stub := &stubClient{
		token: types.TokenCatalogEntry{Symbol: "KOGE", LastPrice: dec("1.00"), MulPoint: 1},
		placeFn: func(int, exchange.OTOOrderRequest) error {
			return &exchange.APIError{Kind: exchange.KindAuthFailed, Message: "session expired"}
		},
	}
	exec := NewExecutor(stub, tr, testStrategy(), testCreds(), testLogger())

	_, _, err := exec.ExecuteTrade(context.Background())
	if err == nil {
		t.Fatal("ExecuteTrade returned nil, want auth error")
	}
	if !exchange.IsAuthFailure(err) {
		t.Errorf("error %v is not classified as auth failure", err)
	}
}

func TestExecuteTradeRejectionIsRecoverable(t *testing.T) {
	t.Parallel()
	tr := NewOrderTracker()
	stub := &stubClient{
		token: types.TokenCatalogEntry{Symbol: "KOGE", LastPrice: dec("1.00"), MulPoint: 1},
		placeFn: func(int, exchange.OTOOrderRequest) error {
			return &exchange.APIError{Kind: exchange.KindRejected, Message: "price precision"}
		},
	}
	exec := NewExecutor(stub, tr, testStrategy(), testCreds(), testLogger())

	ok, delta, err := exec.ExecuteTrade(context.Background())
	if err != nil {
		t.Fatalf("ExecuteTrade: %v (rejections must not be terminal)", err)
	}
	if ok || !delta.IsZero() {
		t.Errorf("ok=%v delta=%s, want false/0 on rejection", ok, delta)
	}
}

func TestExecuteTradeSymbolMissing(t *testing.T) {
	t.Parallel()
	tr := NewOrderTracker()
	stub := &stubClient{
		lookupErr: fmt.Errorf("%q: %w", "KOGE", exchange.ErrSymbolNotListed),
	}
	exec := NewExecutor(stub, tr, testStrategy(), testCreds(), testLogger())

	_, _, err := exec.ExecuteTrade(context.Background())
	if !exchange.IsSymbolNotListed(err) {
		t.Fatalf("error = %v, want ErrSymbolNotListed", err)
	}
	if stub.placements() != 0 {
		t.Errorf("placements = %d, want 0 for unlisted symbol", stub.placements())
	}
}
