// Package exchange implements the Alpha REST and WebSocket clients.
//
// The REST client (Client) talks to the exchange's Alpha endpoints:
//   - FetchTokenCatalog:  GET  aggTicker24          — catalog snapshot (public)
//   - FetchUserVolume:    GET  today/user-volume    — per-token volume for one user
//   - PlaceOTOOrder:      POST oto-order/place      — one buy-then-sell order pair
//   - ObtainListenKey:    POST get-listen-key       — token for the order-event stream
//   - KeepAliveListenKey: PUT  userDataStream       — 30-minute key refresh
//   - CloseListenKey:     DELETE userDataStream     — key release (not-found tolerated)
//
// Every request is rate-limited via per-category TokenBuckets and
// automatically retried on transport errors and 5xx. Private calls carry
// per-user session credentials injected per request; there is no ambient
// auth. Failures are classified into APIError kinds, with the
// AuthClassifier promoting credential-revocation payloads to AuthFailed.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"alpha-volume-bot/internal/config"
	"alpha-volume-bot/pkg/types"
)

const (
	pathAggTicker  = "/bapi/defi/v1/public/alpha-trade/aggTicker24"
	pathUserVolume = "/bapi/defi/v1/private/wallet-direct/buw/wallet/today/user-volume"
	pathPlaceOTO   = "/bapi/asset/v1/private/alpha-trade/oto-order/place"
	pathListenKey  = "/bapi/defi/v1/private/alpha-trade/get-listen-key"
	pathUserStream = "/bapi/defi/v1/private/alpha-trade/userDataStream"

	// successCode marks success in envelopes that omit the success flag.
	successCode = "000000"

	// priceScale is the exchange's maximum decimal scale for prices and
	// quantities. Outbound values are truncated toward zero at this scale.
	priceScale = 8
)

// envelope is the wrapper on every Alpha HTTP response.
type envelope struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Success bool            `json:"success"`
}

func (e *envelope) ok() bool { return e.Success || e.Code == successCode }

// Client is the Alpha REST API client.
// It wraps a resty HTTP client with rate limiting, retry, and per-call
// credential injection.
type Client struct {
	http       *resty.Client   // HTTP client with retry + base URL
	rl         *RateLimiter    // per-call-category rate limiting
	classifier *AuthClassifier // promotes revocation payloads to AuthFailed
	logger     *slog.Logger

	// Catalog snapshot cache. Shared across users to keep aggTicker24
	// traffic flat no matter how many users run; entries are read-only.
	catMu      sync.Mutex
	catalog    []types.TokenCatalogEntry
	catalogAt  time.Time
	catalogTTL time.Duration
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg config.ExchangeConfig, classifier *AuthClassifier, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:       httpClient,
		rl:         NewRateLimiter(),
		classifier: classifier,
		catalogTTL: cfg.CatalogTTL,
		logger:     logger.With("component", "exchange"),
	}
}

// unwrap validates a response and decodes the envelope's data payload into
// out (skipped when out is nil). Envelope-level failures are classified:
// payloads matching the revocation patterns become AuthFailed, everything
// else gets failKind.
func (c *Client) unwrap(resp *resty.Response, failKind ErrorKind, out interface{}) error {
	if resp.StatusCode() >= 500 {
		return &APIError{Kind: KindTransient, Message: fmt.Sprintf("status %d: %s", resp.StatusCode(), resp.String())}
	}

	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		if resp.StatusCode() != http.StatusOK {
			return &APIError{Kind: KindTransient, Message: fmt.Sprintf("status %d: %s", resp.StatusCode(), resp.String())}
		}
		return &APIError{Kind: KindProtocol, Message: fmt.Sprintf("decode envelope: %v", err)}
	}
	if !env.ok() {
		kind := failKind
		if c.classifier.IsAuthFailure(env.Code, env.Message) {
			kind = KindAuthFailed
		}
		return &APIError{Kind: kind, Code: env.Code, Message: env.Message}
	}

	if out != nil {
		if len(env.Data) == 0 {
			return &APIError{Kind: KindProtocol, Message: "envelope has no data"}
		}
		if err := json.Unmarshal(env.Data, out); err != nil {
			return &APIError{Kind: KindProtocol, Message: fmt.Sprintf("decode data: %v", err)}
		}
	}
	return nil
}

// transportErr wraps a resty transport failure (DNS, dial, timeout after
// retries) as a Transient APIError.
func transportErr(op string, err error) error {
	return &APIError{Kind: KindTransient, Message: fmt.Sprintf("%s: %v", op, err)}
}

// ————————————————————————————————————————————————————————————————————————
// Token catalog
// ————————————————————————————————————————————————————————————————————————

// catalogRow is one aggTicker24 entry; only the fields the bot reads.
type catalogRow struct {
	Symbol   string          `json:"symbol"`
	Price    decimal.Decimal `json:"price"`
	MulPoint int             `json:"mulPoint"`
}

// FetchTokenCatalog returns the current catalog snapshot: every listed
// token with its last price and volume multiplier. Results are cached for
// the configured TTL; symbols are normalized to upper case. The endpoint
// is public, so no credentials are taken.
func (c *Client) FetchTokenCatalog(ctx context.Context) ([]types.TokenCatalogEntry, error) {
	c.catMu.Lock()
	if c.catalog != nil && time.Since(c.catalogAt) < c.catalogTTL {
		entries := c.catalog
		c.catMu.Unlock()
		return entries, nil
	}
	c.catMu.Unlock()

	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("dataType", "aggregate").
		Get(pathAggTicker)
	if err != nil {
		return nil, transportErr("fetch token catalog", err)
	}

	var rows []catalogRow
	if err := c.unwrap(resp, KindTransient, &rows); err != nil {
		return nil, fmt.Errorf("fetch token catalog: %w", err)
	}

	entries := make([]types.TokenCatalogEntry, 0, len(rows))
	for _, row := range rows {
		mul := row.MulPoint
		if mul <= 0 {
			mul = 1
		}
		entries = append(entries, types.TokenCatalogEntry{
			Symbol:    strings.ToUpper(row.Symbol),
			LastPrice: row.Price,
			MulPoint:  mul,
		})
	}

	c.catMu.Lock()
	c.catalog = entries
	c.catalogAt = time.Now()
	c.catMu.Unlock()

	c.logger.Debug("token catalog refreshed", "tokens", len(entries))
	return entries, nil
}

// LookupToken fetches the catalog and resolves one symbol. Returns
// ErrSymbolNotListed when the symbol has no entry.
func (c *Client) LookupToken(ctx context.Context, symbol string) (types.TokenCatalogEntry, error) {
	entries, err := c.FetchTokenCatalog(ctx)
	if err != nil {
		return types.TokenCatalogEntry{}, err
	}
	for _, e := range entries {
		if strings.EqualFold(e.Symbol, symbol) {
			return e, nil
		}
	}
	return types.TokenCatalogEntry{}, fmt.Errorf("%q: %w", symbol, ErrSymbolNotListed)
}

// InvalidateCatalogCache drops the cached snapshot so the next fetch hits
// the exchange. Called on strategy start: a run must never price its first
// trade from a snapshot taken before the previous stop.
func (c *Client) InvalidateCatalogCache() {
	c.catMu.Lock()
	c.catalog = nil
	c.catMu.Unlock()
}

// ————————————————————————————————————————————————————————————————————————
// User volume
// ————————————————————————————————————————————————————————————————————————

// FetchUserVolume returns the exchange's authoritative view of the user's
// current-day volume, total and per token. Token names are normalized to
// upper case to match catalog symbols.
func (c *Client) FetchUserVolume(ctx context.Context, creds types.UserCredentials) (types.UserVolumeSnapshot, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return types.UserVolumeSnapshot{}, err
	}

	resp, err := applyCredentials(c.http.R(), creds).
		SetContext(ctx).
		Get(pathUserVolume)
	if err != nil {
		return types.UserVolumeSnapshot{}, transportErr("fetch user volume", err)
	}

	var data struct {
		TotalVolume         decimal.Decimal `json:"totalVolume"`
		TradeVolumeInfoList []struct {
			TokenName string          `json:"tokenName"`
			Volume    decimal.Decimal `json:"volume"`
		} `json:"tradeVolumeInfoList"`
	}
	if err := c.unwrap(resp, KindTransient, &data); err != nil {
		return types.UserVolumeSnapshot{}, fmt.Errorf("fetch user volume: %w", err)
	}

	snapshot := types.UserVolumeSnapshot{
		Total:   data.TotalVolume,
		ByToken: make(map[string]decimal.Decimal, len(data.TradeVolumeInfoList)),
	}
	for _, row := range data.TradeVolumeInfoList {
		snapshot.ByToken[strings.ToUpper(row.TokenName)] = row.Volume
	}
	return snapshot, nil
}

// ————————————————————————————————————————————————————————————————————————
// OTO order placement
// ————————————————————————————————————————————————————————————————————————

// OTOOrderRequest describes one one-triggers-other placement: a BUY working
// leg that, once filled, activates a SELL pending leg at SellPrice for the
// same quantity.
type OTOOrderRequest struct {
	BaseAsset   string          // short symbol, e.g. "KOGE"
	Quantity    decimal.Decimal // base quantity for both legs
	BuyPrice    decimal.Decimal // working leg limit price
	SellPrice   decimal.Decimal // pending leg limit price
	PaymentUSDT decimal.Decimal // quote notional charged to the card wallet
}

// otoPayload is the wire shape of an OTO placement. Prices and quantities
// go out as fixed-point strings truncated at the exchange's scale.
type otoPayload struct {
	BaseAsset       string          `json:"baseAsset"`
	QuoteAsset      string          `json:"quoteAsset"`
	WorkingSide     string          `json:"workingSide"`
	WorkingPrice    string          `json:"workingPrice"`
	WorkingQuantity string          `json:"workingQuantity"`
	PaymentDetails  []paymentDetail `json:"paymentDetails"`
	PendingPrice    string          `json:"pendingPrice"`
}

type paymentDetail struct {
	Amount            string `json:"amount"`
	PaymentWalletType string `json:"paymentWalletType"`
}

// fixedPoint renders a decimal truncated toward zero at the exchange's
// maximum scale, in plain (non-exponent) notation.
func fixedPoint(d decimal.Decimal) string {
	return d.Truncate(priceScale).String()
}

// PlaceOTOOrder submits one OTO order pair and returns both leg ids,
// normalized to strings. The exchange provides no idempotency here:
// callers must not blind-retry a placement whose outcome is unknown.
func (c *Client) PlaceOTOOrder(ctx context.Context, creds types.UserCredentials, req OTOOrderRequest) (types.OTOOrderPlacement, error) {
	if err := c.rl.Order.Wait(ctx); err != nil {
		return types.OTOOrderPlacement{}, err
	}

	payload := otoPayload{
		BaseAsset:       req.BaseAsset,
		QuoteAsset:      "USDT",
		WorkingSide:     string(types.BUY),
		WorkingPrice:    fixedPoint(req.BuyPrice),
		WorkingQuantity: fixedPoint(req.Quantity),
		PaymentDetails: []paymentDetail{
			{Amount: fixedPoint(req.PaymentUSDT), PaymentWalletType: "CARD"},
		},
		PendingPrice: fixedPoint(req.SellPrice),
	}

	resp, err := applyCredentials(c.http.R(), creds).
		SetContext(ctx).
		SetBody(payload).
		Post(pathPlaceOTO)
	if err != nil {
		return types.OTOOrderPlacement{}, transportErr("place oto order", err)
	}

	var data struct {
		WorkingOrderID types.FlexibleID `json:"workingOrderId"`
		PendingOrderID types.FlexibleID `json:"pendingOrderId"`
	}
	if err := c.unwrap(resp, KindRejected, &data); err != nil {
		return types.OTOOrderPlacement{}, fmt.Errorf("place oto order: %w", err)
	}
	if data.WorkingOrderID == "" || data.PendingOrderID == "" {
		return types.OTOOrderPlacement{}, &APIError{Kind: KindProtocol, Message: "placement response missing order ids"}
	}

	placement := types.OTOOrderPlacement{
		WorkingOrderID: data.WorkingOrderID.String(),
		PendingOrderID: data.PendingOrderID.String(),
	}
	c.logger.Info("oto order placed",
		"user_id", creds.UserID,
		"symbol", req.BaseAsset,
		"working_order_id", placement.WorkingOrderID,
		"pending_order_id", placement.PendingOrderID,
	)
	return placement, nil
}

// ————————————————————————————————————————————————————————————————————————
// Listen key lifecycle
// ————————————————————————————————————————————————————————————————————————

// ObtainListenKey requests a stream-subscription key for the user. The
// endpoint has been observed answering in three shapes: enveloped
// {"data":{"listenKey":...}}, enveloped bare-string data, and a top-level
// {"listenKey":...} with no envelope; all three are accepted.
func (c *Client) ObtainListenKey(ctx context.Context, creds types.UserCredentials) (string, error) {
	if err := c.rl.Stream.Wait(ctx); err != nil {
		return "", err
	}

	resp, err := applyCredentials(c.http.R(), creds).
		SetContext(ctx).
		Post(pathListenKey)
	if err != nil {
		return "", transportErr("obtain listen key", err)
	}
	if resp.StatusCode() >= 500 {
		return "", &APIError{Kind: KindTransient, Message: fmt.Sprintf("obtain listen key: status %d", resp.StatusCode())}
	}

	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return "", &APIError{Kind: KindProtocol, Message: fmt.Sprintf("obtain listen key: decode: %v", err)}
	}

	if !env.ok() {
		// A bare {"listenKey": ...} body has no code and no success flag,
		// so it lands here; check for it before classifying the failure.
		var bare struct {
			ListenKey string `json:"listenKey"`
		}
		if err := json.Unmarshal(resp.Body(), &bare); err == nil && bare.ListenKey != "" {
			return bare.ListenKey, nil
		}
		kind := KindTransient
		if c.classifier.IsAuthFailure(env.Code, env.Message) {
			kind = KindAuthFailed
		}
		return "", &APIError{Kind: kind, Code: env.Code, Message: env.Message}
	}

	var key string
	if len(env.Data) > 0 {
		if env.Data[0] == '"' {
			_ = json.Unmarshal(env.Data, &key)
		} else {
			var d struct {
				ListenKey string `json:"listenKey"`
			}
			_ = json.Unmarshal(env.Data, &d)
			key = d.ListenKey
		}
	}
	if key == "" {
		return "", &APIError{Kind: KindProtocol, Message: "obtain listen key: key missing from response"}
	}

	c.logger.Debug("listen key obtained", "user_id", creds.UserID)
	return key, nil
}

// KeepAliveListenKey extends the key's validity window.
func (c *Client) KeepAliveListenKey(ctx context.Context, creds types.UserCredentials, key string) error {
	if err := c.rl.Stream.Wait(ctx); err != nil {
		return err
	}

	resp, err := applyCredentials(c.http.R(), creds).
		SetContext(ctx).
		SetQueryParam("listenKey", key).
		Put(pathUserStream)
	if err != nil {
		return transportErr("keepalive listen key", err)
	}
	if err := c.unwrap(resp, KindTransient, nil); err != nil {
		return fmt.Errorf("keepalive listen key: %w", err)
	}
	return nil
}

// CloseListenKey releases the key. A key the exchange no longer knows is
// already released, so not-found responses are success.
func (c *Client) CloseListenKey(ctx context.Context, creds types.UserCredentials, key string) error {
	if err := c.rl.Stream.Wait(ctx); err != nil {
		return err
	}

	resp, err := applyCredentials(c.http.R(), creds).
		SetContext(ctx).
		SetQueryParam("listenKey", key).
		Delete(pathUserStream)
	if err != nil {
		return transportErr("close listen key", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil
	}
	if err := c.unwrap(resp, KindTransient, nil); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && isNotFoundMessage(apiErr.Message) {
			return nil
		}
		return fmt.Errorf("close listen key: %w", err)
	}
	return nil
}

func isNotFoundMessage(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "not found") || strings.Contains(msg, "not exist")
}
