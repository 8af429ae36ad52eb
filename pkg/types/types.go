// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot: order lifecycle values,
// exchange payload shapes, stream connection events, and per-user run
// outcomes. It has no dependencies on internal packages, so it can be
// imported by any layer.
package types

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order leg: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// OrderStatus is the exchange-reported lifecycle state of a single order.
type OrderStatus string

const (
	OrderNew             OrderStatus = "NEW"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCanceled        OrderStatus = "CANCELED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderExpired         OrderStatus = "EXPIRED"
	OrderPending         OrderStatus = "PENDING" // sell leg before the buy leg triggers it
)

// IsTerminal reports whether no further transitions can occur for an order
// in this status.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderRejected, OrderExpired:
		return true
	default:
		return false
	}
}

// ————————————————————————————————————————————————————————————————————————
// Exchange data
// ————————————————————————————————————————————————————————————————————————

// TokenCatalogEntry is one token row from the aggregate ticker snapshot.
// MulPoint is the display multiplier the exchange applies to reported
// volume: a trade of notional N shows up as N × MulPoint in the user's
// volume figures, so real progress per trade is notional / MulPoint.
type TokenCatalogEntry struct {
	Symbol    string          // short symbol, e.g. "KOGE"
	LastPrice decimal.Decimal // most recent trade price in USDT
	MulPoint  int             // volume display multiplier, ≥ 1
}

// UserVolumeSnapshot is the exchange's authoritative view of a user's
// current-day trading volume. The stopping decision reads only this; the
// bot never accumulates volume locally.
type UserVolumeSnapshot struct {
	Total   decimal.Decimal            // across all tokens
	ByToken map[string]decimal.Decimal // keyed by short symbol
}

// VolumeFor returns the reported volume for one token, zero if the token
// has no entry yet.
func (s UserVolumeSnapshot) VolumeFor(symbol string) decimal.Decimal {
	if v, ok := s.ByToken[symbol]; ok {
		return v
	}
	return decimal.Zero
}

// OTOOrderPlacement identifies the two legs of a successfully placed
// one-triggers-other order. Order ids are normalized to strings to match
// the ids carried on the order-event stream.
type OTOOrderPlacement struct {
	WorkingOrderID string // buy leg, active immediately
	PendingOrderID string // sell leg, activated when the buy leg fills
}

// OrderUpdate is one decoded execution report for a single order.
type OrderUpdate struct {
	OrderID     string
	Symbol      string
	Side        Side
	Status      OrderStatus
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	ExecutedQty decimal.Decimal
	EventTime   int64 // exchange event time, unix ms
}

// ————————————————————————————————————————————————————————————————————————
// Credentials
// ————————————————————————————————————————————————————————————————————————

// UserCredentials carries the opaque per-user authentication material for
// exchange calls: a header map and a cookie blob, forwarded verbatim. The
// bot never inspects or rewrites them.
//
// Credentials must never appear in logs. String and LogValue render a
// redacted form, so both %v formatting and slog attributes are safe.
type UserCredentials struct {
	UserID  int64
	Headers map[string]string
	Cookies string
}

// String implements fmt.Stringer with all sensitive material removed.
func (c UserCredentials) String() string {
	return fmt.Sprintf("credentials(user=%d redacted)", c.UserID)
}

// LogValue implements slog.LogValuer so credentials passed as log
// attributes never expose header or cookie contents.
func (c UserCredentials) LogValue() slog.Value {
	return slog.StringValue(c.String())
}

// ————————————————————————————————————————————————————————————————————————
// Stream connection events
// ————————————————————————————————————————————————————————————————————————

// StreamEventKind enumerates connection-state transitions of the order
// event stream.
type StreamEventKind string

const (
	StreamConnected    StreamEventKind = "CONNECTED"
	StreamDisconnected StreamEventKind = "DISCONNECTED"
	StreamReconnecting StreamEventKind = "RECONNECTING"
	StreamGaveUp       StreamEventKind = "GAVE_UP" // reconnect budget exhausted, terminal
)

// StreamEvent reports one connection-state transition.
type StreamEvent struct {
	Kind    StreamEventKind
	Attempt int           // reconnect attempt number (RECONNECTING only)
	Backoff time.Duration // wait before the attempt (RECONNECTING only)
	Reason  string        // human-readable cause (DISCONNECTED, GAVE_UP)
	At      time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Run outcomes
// ————————————————————————————————————————————————————————————————————————

// TerminalCause is the structured reason a user's run ended.
type TerminalCause string

const (
	CauseSuccess         TerminalCause = "Success"
	CauseCanceled        TerminalCause = "Canceled"
	CauseAuthFailed      TerminalCause = "AuthFailed"
	CauseStreamFailed    TerminalCause = "StreamFailed"
	CauseListenKeyFailed TerminalCause = "ListenKeyFailed"
	CauseConfigError     TerminalCause = "ConfigError"
	CauseError           TerminalCause = "Error"
)

// RunStatus is the externally visible state of one (strategy, user) run.
type RunStatus string

const (
	StatusNotStarted          RunStatus = "NotStarted"
	StatusFilteredSatisfied   RunStatus = "FilteredSatisfied" // target already met at start, no resources spent
	StatusRunning             RunStatus = "Running"
	StatusStoppedSuccess      RunStatus = "StoppedSuccess"
	StatusStoppedCanceled     RunStatus = "StoppedCanceled"
	StatusStoppedAuthFailed   RunStatus = "StoppedAuthFailed"
	StatusStoppedStreamFailed RunStatus = "StoppedStreamFailed"
	StatusStoppedError        RunStatus = "StoppedError"
)

// StatusForCause maps a terminal cause onto the status enum. Listen-key
// failure is surfaced as a stream failure (the stream is unusable without
// the key); config errors and unexpected errors share StoppedError. The
// cause itself stays visible alongside the status, so nothing is lost.
func StatusForCause(cause TerminalCause) RunStatus {
	switch cause {
	case CauseSuccess:
		return StatusStoppedSuccess
	case CauseCanceled:
		return StatusStoppedCanceled
	case CauseAuthFailed:
		return StatusStoppedAuthFailed
	case CauseStreamFailed, CauseListenKeyFailed:
		return StatusStoppedStreamFailed
	default:
		return StatusStoppedError
	}
}

// UserRunView is a read-only snapshot of one user's run, built by the
// engine for status queries and the status feed.
type UserRunView struct {
	UserID         int64           `json:"user_id"`
	Status         RunStatus       `json:"status"`
	Cause          TerminalCause   `json:"cause,omitempty"`
	LastVolume     decimal.Decimal `json:"last_volume"`
	TradesExecuted int64           `json:"trades_executed"`
	LastError      string          `json:"last_error,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// StrategyRunView is a read-only snapshot of one strategy's run.
type StrategyRunView struct {
	StrategyID   string          `json:"strategy_id"`
	DisplayName  string          `json:"display_name"`
	RunID        string          `json:"run_id,omitempty"` // empty when never started
	Running      bool            `json:"running"`
	TargetSymbol string          `json:"target_symbol"`
	TargetVolume decimal.Decimal `json:"target_volume"`
	StartedAt    time.Time       `json:"started_at,omitzero"`
	Users        []UserRunView   `json:"users"`
}

// StatusEvent is one user status transition, broadcast on the status feed.
type StatusEvent struct {
	StrategyID string          `json:"strategy_id"`
	RunID      string          `json:"run_id"`
	UserID     int64           `json:"user_id"`
	Status     RunStatus       `json:"status"`
	Cause      TerminalCause   `json:"cause,omitempty"`
	Volume     decimal.Decimal `json:"volume"`
	Message    string          `json:"message,omitempty"`
	At         time.Time       `json:"at"`
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket wire shapes
// ————————————————————————————————————————————————————————————————————————
// These structs map 1:1 to the JSON frames on the order-event stream.

// WSSubscribeMsg is the subscription request sent after connecting.
// Params carries the user topic, "alpha@<listenKey>".
type WSSubscribeMsg struct {
	Method string   `json:"method"` // always "SUBSCRIBE"
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// FlexibleID decodes a JSON number or string into its string form. The
// exchange emits order ids as numbers on some paths and strings on others;
// downstream code always keys on the string form.
type FlexibleID string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexibleID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = FlexibleID(n.String())
	return nil
}

// String returns the id in string form.
func (f FlexibleID) String() string { return string(f) }

// WSExecutionReport is the raw execution report payload. Field names follow
// the exchange's single-letter convention.
type WSExecutionReport struct {
	EventType     string          `json:"e"` // "executionReport"
	Symbol        string          `json:"s"`
	Side          string          `json:"S"` // "BUY" / "SELL"
	OrderType     string          `json:"o"`
	Status        string          `json:"X"` // order status after this event
	OrderID       FlexibleID      `json:"i"`
	Price         decimal.Decimal `json:"p"`
	Quantity      decimal.Decimal `json:"q"`
	ExecutedQty   decimal.Decimal `json:"z"` // cumulative filled quantity
	TransactTime  int64           `json:"T"` // unix ms
	ClientOrderID string          `json:"c"`
	ExecType      string          `json:"x"`
	RejectReason  string          `json:"r"`
}

// ToOrderUpdate converts a raw execution report into the internal update
// shape consumed by the order tracker.
func (r WSExecutionReport) ToOrderUpdate() OrderUpdate {
	return OrderUpdate{
		OrderID:     r.OrderID.String(),
		Symbol:      r.Symbol,
		Side:        Side(r.Side),
		Status:      OrderStatus(r.Status),
		Price:       r.Price,
		Quantity:    r.Quantity,
		ExecutedQty: r.ExecutedQty,
		EventTime:   r.TransactTime,
	}
}
