package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"alpha-volume-bot/internal/config"
	"alpha-volume-bot/pkg/types"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	cfg := config.ExchangeConfig{
		BaseURL:    srv.URL,
		Timeout:    5 * time.Second,
		RetryCount: 0,
		CatalogTTL: 5 * time.Second,
	}
	return NewClient(cfg, NewAuthClassifier(config.AuthFailureConfig{}), logger)
}

func testCreds() types.UserCredentials {
	return types.UserCredentials{
		UserID:  42,
		Headers: map[string]string{"Csrftoken": "tok-42"},
		Cookies: "p20t=abc",
	}
}

func TestFetchTokenCatalog(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != pathAggTicker {
			t.Errorf("path = %q, want %q", r.URL.Path, pathAggTicker)
		}
		if got := r.URL.Query().Get("dataType"); got != "aggregate" {
			t.Errorf("dataType = %q, want %q", got, "aggregate")
		}
		fmt.Fprint(w, `{"code":"000000","message":null,"data":[
			{"symbol":"koge","price":"47.2","mulPoint":2},
			{"symbol":"AOP","price":0.0185}
		],"success":true}`)
	}))

	entries, err := c.FetchTokenCatalog(context.Background())
	if err != nil {
		t.Fatalf("FetchTokenCatalog: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}

	if entries[0].Symbol != "KOGE" {
		t.Errorf("symbol = %q, want KOGE (upper-cased)", entries[0].Symbol)
	}
	if !entries[0].LastPrice.Equal(decimal.RequireFromString("47.2")) {
		t.Errorf("price = %s, want 47.2", entries[0].LastPrice)
	}
	if entries[0].MulPoint != 2 {
		t.Errorf("mulPoint = %d, want 2", entries[0].MulPoint)
	}
	if entries[1].MulPoint != 1 {
		t.Errorf("missing mulPoint = %d, want default 1", entries[1].MulPoint)
	}
}

func TestFetchTokenCatalogCached(t *testing.T) {
	t.Parallel()
	var hits atomic.Int64
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, `{"code":"000000","data":[{"symbol":"KOGE","price":"1"}],"success":true}`)
	}))

	for i := 0; i < 3; i++ {
		if _, err := c.FetchTokenCatalog(context.Background()); err != nil {
			t.Fatalf("FetchTokenCatalog #%d: %v", i, err)
		}
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("requests within TTL = %d, want 1", got)
	}

	c.InvalidateCatalogCache()
	if _, err := c.FetchTokenCatalog(context.Background()); err != nil {
		t.Fatalf("FetchTokenCatalog after invalidate: %v", err)
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("requests after invalidate = %d, want 2", got)
	}
}

func TestLookupTokenNotListed(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":"000000","data":[{"symbol":"KOGE","price":"1"}],"success":true}`)
	}))

	if _, err := c.LookupToken(context.Background(), "KOGE"); err != nil {
		t.Fatalf("LookupToken(KOGE): %v", err)
	}
	_, err := c.LookupToken(context.Background(), "GHOST")
	if !errors.Is(err, ErrSymbolNotListed) {
		t.Errorf("LookupToken(GHOST) error = %v, want ErrSymbolNotListed", err)
	}
}

func TestFetchUserVolume(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Csrftoken"); got != "tok-42" {
			t.Errorf("Csrftoken header = %q, want tok-42", got)
		}
		if got := r.Header.Get("Cookie"); got != "p20t=abc" {
			t.Errorf("Cookie header = %q, want p20t=abc", got)
		}
		fmt.Fprint(w, `{"code":"000000","data":{
			"totalVolume":1234.5,
			"tradeVolumeInfoList":[
				{"tokenName":"koge","volume":"1200"},
				{"tokenName":"AOP","volume":34.5}
			]
		},"success":true}`)
	}))

	snap, err := c.FetchUserVolume(context.Background(), testCreds())
	if err != nil {
		t.Fatalf("FetchUserVolume: %v", err)
	}
	if !snap.Total.Equal(decimal.RequireFromString("1234.5")) {
		t.Errorf("total = %s, want 1234.5", snap.Total)
	}
	if !snap.VolumeFor("KOGE").Equal(decimal.RequireFromString("1200")) {
		t.Errorf("KOGE volume = %s, want 1200 (token names upper-cased)", snap.VolumeFor("KOGE"))
	}
	if !snap.VolumeFor("MISSING").IsZero() {
		t.Errorf("missing token volume = %s, want 0", snap.VolumeFor("MISSING"))
	}
}

func TestFetchUserVolumeAuthFailure(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":"100001","message":"补充认证失败","data":null,"success":false}`)
	}))

	_, err := c.FetchUserVolume(context.Background(), testCreds())
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !IsAuthFailure(err) {
		t.Errorf("error = %v, want AuthFailed classification", err)
	}
}

func TestPlaceOTOOrder(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != pathPlaceOTO {
			t.Errorf("request = %s %s, want POST %s", r.Method, r.URL.Path, pathPlaceOTO)
		}
		var body otoPayload
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request body: %v", err)
		}
		if body.QuoteAsset != "USDT" {
			t.Errorf("quoteAsset = %q, want USDT", body.QuoteAsset)
		}
		if body.WorkingSide != "BUY" {
			t.Errorf("workingSide = %q, want BUY", body.WorkingSide)
		}
		if body.WorkingPrice != "47.436" {
			t.Errorf("workingPrice = %q, want 47.436", body.WorkingPrice)
		}
		if body.PendingPrice != "46.96164" {
			t.Errorf("pendingPrice = %q, want 46.96164", body.PendingPrice)
		}
		if body.WorkingQuantity != "0.63242263" {
			t.Errorf("workingQuantity = %q, want 0.63242263 (truncated at 8dp)", body.WorkingQuantity)
		}
		if len(body.PaymentDetails) != 1 || body.PaymentDetails[0].PaymentWalletType != "CARD" {
			t.Errorf("paymentDetails = %+v, want single CARD entry", body.PaymentDetails)
		}
		// Numeric ids on the wire must come back as strings.
		fmt.Fprint(w, `{"code":"000000","data":{"workingOrderId":123456789012345,"pendingOrderId":"987654321"},"success":true}`)
	}))

	placement, err := c.PlaceOTOOrder(context.Background(), testCreds(), OTOOrderRequest{
		BaseAsset:   "KOGE",
		Quantity:    decimal.RequireFromString("0.632422632513"),
		BuyPrice:    decimal.RequireFromString("47.436"),
		SellPrice:   decimal.RequireFromString("46.96164"),
		PaymentUSDT: decimal.RequireFromString("30"),
	})
	if err != nil {
		t.Fatalf("PlaceOTOOrder: %v", err)
	}
	if placement.WorkingOrderID != "123456789012345" {
		t.Errorf("working id = %q, want 123456789012345", placement.WorkingOrderID)
	}
	if placement.PendingOrderID != "987654321" {
		t.Errorf("pending id = %q, want 987654321", placement.PendingOrderID)
	}
}

func TestPlaceOTOOrderRejected(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":"345012","message":"order notional below minimum","success":false}`)
	}))

	_, err := c.PlaceOTOOrder(context.Background(), testCreds(), OTOOrderRequest{
		BaseAsset: "KOGE",
		Quantity:  decimal.NewFromInt(1),
		BuyPrice:  decimal.NewFromInt(1),
		SellPrice: decimal.NewFromInt(1),
	})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	if apiErr.Kind != KindRejected {
		t.Errorf("kind = %s, want Rejected", apiErr.Kind)
	}
	if apiErr.Code != "345012" {
		t.Errorf("code = %q, want 345012", apiErr.Code)
	}
}

func TestObtainListenKeyShapes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{"enveloped object", `{"code":"000000","data":{"listenKey":"lk-abc"},"success":true}`},
		{"enveloped bare string", `{"code":"000000","data":"lk-abc","success":true}`},
		{"top-level key", `{"listenKey":"lk-abc"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, tt.body)
			}))

			key, err := c.ObtainListenKey(context.Background(), testCreds())
			if err != nil {
				t.Fatalf("ObtainListenKey: %v", err)
			}
			if key != "lk-abc" {
				t.Errorf("key = %q, want lk-abc", key)
			}
		})
	}
}

func TestObtainListenKeyAuthFailure(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":"100002","message":"session expired","success":false}`)
	}))

	_, err := c.ObtainListenKey(context.Background(), testCreds())
	if !IsAuthFailure(err) {
		t.Errorf("error = %v, want AuthFailed classification", err)
	}
}

func TestKeepAliveListenKey(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s, want PUT", r.Method)
		}
		if got := r.URL.Query().Get("listenKey"); got != "lk-abc" {
			t.Errorf("listenKey = %q, want lk-abc", got)
		}
		fmt.Fprint(w, `{"code":"000000","success":true}`)
	}))

	if err := c.KeepAliveListenKey(context.Background(), testCreds(), "lk-abc"); err != nil {
		t.Fatalf("KeepAliveListenKey: %v", err)
	}
}

func TestCloseListenKeyNotFound(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"http 404", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}},
		{"envelope not found", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"code":"900001","message":"listen key not found","success":false}`)
		}},
		{"envelope not exist", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"code":"900001","message":"key does not exist","success":false}`)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := newTestClient(t, tt.handler)
			if err := c.CloseListenKey(context.Background(), testCreds(), "lk-gone"); err != nil {
				t.Errorf("CloseListenKey = %v, want nil for not-found", err)
			}
		})
	}
}

func TestCloseListenKeyRealFailure(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":"900002","message":"internal error","success":false}`)
	}))

	if err := c.CloseListenKey(context.Background(), testCreds(), "lk-abc"); err == nil {
		t.Error("expected error for non-not-found failure, got nil")
	}
}
