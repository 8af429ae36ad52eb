// trade.go executes one round-trip OTO trade for one user.
package strategy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"alpha-volume-bot/internal/config"
	"alpha-volume-bot/internal/exchange"
	"alpha-volume-bot/pkg/types"
)

// quantityScale matches the exchange's maximum decimal scale; quantities
// are truncated toward zero before placement.
const quantityScale = 8

var oneHundred = decimal.NewFromInt(100)

// Client is the slice of the exchange client the per-user trading logic
// uses. Satisfied by *exchange.Client.
type Client interface {
	LookupToken(ctx context.Context, symbol string) (types.TokenCatalogEntry, error)
	FetchUserVolume(ctx context.Context, creds types.UserCredentials) (types.UserVolumeSnapshot, error)
	PlaceOTOOrder(ctx context.Context, creds types.UserCredentials, req exchange.OTOOrderRequest) (types.OTOOrderPlacement, error)
}

// Executor runs single trades for one user under one strategy.
type Executor struct {
	client  Client
	tracker *OrderTracker
	cfg     config.Strategy
	creds   types.UserCredentials
	logger  *slog.Logger
}

// NewExecutor creates a single-trade executor for one user.
func NewExecutor(client Client, tracker *OrderTracker, cfg config.Strategy, creds types.UserCredentials, logger *slog.Logger) *Executor {
	return &Executor{
		client:  client,
		tracker: tracker,
		cfg:     cfg,
		creds:   creds,
		logger: logger.With(
			"component", "trade",
			"strategy_id", cfg.ID,
			"user_id", creds.UserID,
		),
	}
}

// tradePrices derives the order prices and quantity for one trade from
// the current last price:
//
//	buy  = last × (1 + buy_offset/100)
//	sell = buy  × (1 − sell_profit/100)
//	qty  = single_trade_amount / buy
//
// The buy sits above last so it fills immediately against the book; the
// sell sits below the buy so the pending leg clears fast once triggered.
// The round trip deliberately loses the offset; the product being bought
// is reported volume, not PnL.
func tradePrices(cfg config.Strategy, lastPrice decimal.Decimal) (buy, sell, qty decimal.Decimal) {
	buy = lastPrice.Mul(decimal.NewFromInt(1).Add(cfg.BuyOffsetPercentage.Div(oneHundred)))
	sell = buy.Mul(decimal.NewFromInt(1).Sub(cfg.SellProfitPercentage.Div(oneHundred)))
	qty = cfg.SingleTradeAmountUSDT.Div(buy).Truncate(quantityScale)
	return buy, sell, qty
}

// realVolumePerTrade is the authoritative-volume contribution of one
// completed trade: the nominal notional divided by the token's display
// multiplier.
func realVolumePerTrade(cfg config.Strategy, mulPoint int) decimal.Decimal {
	return cfg.SingleTradeAmountUSDT.Div(decimal.NewFromInt(int64(mulPoint)))
}

// ExecuteTrade runs one buy+sell OTO round trip.
//
// Returns (true, delta, nil) when the buy leg filled; delta is the real
// volume the trade contributes. The sell leg not finishing in time does
// not void the trade — the buy already consumed the notional, and the
// batch loop's re-anchoring query absorbs any ledger difference.
//
// Returns (false, 0, nil) on recoverable failures: transient transport
// errors, exchange-side rejection, or the buy leg not filling before the
// order timeout. The caller paces with the retry delay and tries again.
//
// Returns an error only for per-user-terminal conditions: credential
// revocation and the target symbol missing from the catalog.
func (e *Executor) ExecuteTrade(ctx context.Context) (bool, decimal.Decimal, error) {
	token, err := e.client.LookupToken(ctx, e.cfg.TargetToken)
	if err != nil {
		if exchange.IsSymbolNotListed(err) {
			return false, decimal.Zero, fmt.Errorf("target token: %w", err)
		}
		e.logger.Warn("catalog lookup failed", "error", err)
		return false, decimal.Zero, nil
	}

	buyPrice, sellPrice, quantity := tradePrices(e.cfg, token.LastPrice)
	if !quantity.IsPositive() {
		return false, decimal.Zero, fmt.Errorf("computed quantity %s is not positive (last price %s)", quantity, token.LastPrice)
	}

	placement, err := e.client.PlaceOTOOrder(ctx, e.creds, exchange.OTOOrderRequest{
		BaseAsset:   e.cfg.TargetToken,
		Quantity:    quantity,
		BuyPrice:    buyPrice,
		SellPrice:   sellPrice,
		PaymentUSDT: e.cfg.SingleTradeAmountUSDT,
	})
	if err != nil {
		if exchange.IsAuthFailure(err) {
			return false, decimal.Zero, fmt.Errorf("place oto order: %w", err)
		}
		if ctx.Err() != nil {
			return false, decimal.Zero, ctx.Err()
		}
		e.logger.Warn("oto placement failed", "error", err)
		return false, decimal.Zero, nil
	}

	// Register both legs before waiting; the tracker buffers any report
	// that raced the placement response.
	e.tracker.Register(placement.WorkingOrderID)
	e.tracker.Register(placement.PendingOrderID)
	defer e.tracker.Forget(placement.WorkingOrderID)
	defer e.tracker.Forget(placement.PendingOrderID)

	buyRes, err := e.tracker.AwaitCompletion(ctx, placement.WorkingOrderID, e.cfg.OrderTimeout())
	if err != nil {
		return false, decimal.Zero, err
	}
	if buyRes.Outcome != WaitFilled {
		e.logger.Warn("buy leg did not fill",
			"order_id", placement.WorkingOrderID,
			"outcome", buyRes.Outcome,
			"last_status", buyRes.LastStatus,
		)
		return false, decimal.Zero, nil
	}

	delta := realVolumePerTrade(e.cfg, token.MulPoint)

	sellRes, err := e.tracker.AwaitCompletion(ctx, placement.PendingOrderID, e.cfg.OrderTimeout())
	if err != nil {
		return false, decimal.Zero, err
	}
	if sellRes.Outcome != WaitFilled {
		// The notional is already spent, so the volume counts either way.
		e.logger.Warn("sell leg did not fill, counting trade anyway",
			"order_id", placement.PendingOrderID,
			"outcome", sellRes.Outcome,
			"last_status", sellRes.LastStatus,
		)
	}

	e.logger.Info("trade completed",
		"symbol", e.cfg.TargetToken,
		"buy_price", buyPrice,
		"sell_price", sellPrice,
		"quantity", quantity,
		"real_volume", delta,
	)
	return true, delta, nil
}
