// ws.go implements the per-user order-event WebSocket stream.
//
// Each running user owns exactly one OrderStream. On every (re)connect the
// stream re-reads the current listen key from its key accessor, sends a
// SUBSCRIBE frame for the user topic "alpha@<listenKey>", and waits for the
// acknowledgement before treating the session as connected. Every
// executionReport frame is decoded into a types.OrderUpdate and delivered
// in arrival order on Updates().
//
// Reconnects use exponential backoff (1s doubling to a 60s cap) with a
// budget of 10 consecutive failed attempts; a successful subscription
// resets the budget. When the budget is exhausted the stream emits a
// GaveUp state and Run returns an error, which the caller treats as fatal
// for that user. Connection-state transitions are reported on States().
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"alpha-volume-bot/pkg/types"
)

const (
	pingInterval      = 50 * time.Second // how often we send PING to keep alive
	readTimeout       = 90 * time.Second // reconnect when pongs stop arriving
	writeTimeout      = 10 * time.Second // deadline for outgoing messages
	ackTimeout        = 10 * time.Second // wait for the subscription ack
	maxReconnectWait  = 60 * time.Second // cap on exponential backoff
	maxReconnectTries = 10               // consecutive failures before GaveUp
	updateBufferSize  = 256              // order updates awaiting the sink
	stateBufferSize   = 16               // connection-state transitions
)

// OrderStream maintains one user's order-event WebSocket connection.
// It handles connection lifecycle, the subscribe/ack handshake, message
// decoding, and automatic reconnection with a bounded retry budget.
type OrderStream struct {
	url    string
	userID int64
	keyFn  func() string // current listen key, re-read on every (re)connect

	conn   *websocket.Conn
	connMu sync.Mutex // protects conn writes and replacement

	updates chan types.OrderUpdate
	states  chan types.StreamEvent

	reqID    int64 // subscription request id, incremented per connect
	stopOnce sync.Once
	stopped  chan struct{}

	// Reconnect policy, fixed at construction; fields so tests can run
	// the exhaustion path without real backoff waits.
	baseBackoff time.Duration
	maxBackoff  time.Duration
	maxTries    int

	logger *slog.Logger
}

// NewOrderStream creates a stream for one user. keyFn must return the
// user's current listen key; it is consulted again on every reconnect so
// key rotation is picked up without restarting the stream.
func NewOrderStream(wsURL string, userID int64, keyFn func() string, logger *slog.Logger) *OrderStream {
	return &OrderStream{
		url:         wsURL,
		userID:      userID,
		keyFn:       keyFn,
		updates:     make(chan types.OrderUpdate, updateBufferSize),
		states:      make(chan types.StreamEvent, stateBufferSize),
		stopped:     make(chan struct{}),
		baseBackoff: time.Second,
		maxBackoff:  maxReconnectWait,
		maxTries:    maxReconnectTries,
		logger:      logger.With("component", "order_stream", "user_id", userID),
	}
}

// Updates returns the ordered sequence of decoded execution reports.
// Closed when Run returns.
func (s *OrderStream) Updates() <-chan types.OrderUpdate { return s.updates }

// States returns connection-state transitions. Closed when Run returns.
func (s *OrderStream) States() <-chan types.StreamEvent { return s.states }

// Run connects and maintains the WebSocket session. It blocks until Stop
// is called or ctx is cancelled (returning nil), or until the reconnect
// budget is exhausted (returning the last connection error).
func (s *OrderStream) Run(ctx context.Context) error {
	defer close(s.updates)
	defer close(s.states)

	backoff := s.baseBackoff
	attempt := 0

	for {
		subscribed, err := s.connectAndRead(ctx)
		if ctx.Err() != nil || s.isStopped() {
			return nil
		}

		if subscribed {
			// A full session ran; the retry budget starts over.
			attempt = 0
			backoff = s.baseBackoff
			s.emitState(types.StreamEvent{Kind: types.StreamDisconnected, Reason: errText(err), At: time.Now()})
			s.logger.Warn("order stream disconnected", "error", err)
		}

		attempt++
		if attempt > s.maxTries {
			reason := fmt.Sprintf("gave up after %d reconnect attempts", s.maxTries)
			s.emitState(types.StreamEvent{Kind: types.StreamGaveUp, Reason: reason, At: time.Now()})
			s.logger.Error("order stream gave up", "attempts", s.maxTries, "error", err)
			return fmt.Errorf("order stream %s: %w", reason, err)
		}

		s.emitState(types.StreamEvent{Kind: types.StreamReconnecting, Attempt: attempt, Backoff: backoff, At: time.Now()})
		s.logger.Warn("order stream reconnecting", "attempt", attempt, "backoff", backoff, "error", err)

		select {
		case <-ctx.Done():
			return nil
		case <-s.stopped:
			return nil
		case <-time.After(backoff):
		}

		// Exponential backoff: 1s, 2s, 4s, ..., 60s max
		backoff *= 2
		if backoff > s.maxBackoff {
			backoff = s.maxBackoff
		}
	}
}

// Stop closes the socket and makes Run return after in-flight deliveries
// complete. Safe to call more than once and concurrently with Run.
func (s *OrderStream) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopped)
		s.connMu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.connMu.Unlock()
	})
}

func (s *OrderStream) isStopped() bool {
	select {
	case <-s.stopped:
		return true
	default:
		return false
	}
}

// connectAndRead runs one connection session: dial, subscribe, await ack,
// then read until the connection fails. subscribed reports whether the
// session got past the ack, which resets the caller's retry budget.
func (s *OrderStream) connectAndRead(ctx context.Context) (subscribed bool, err error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	// Force the blocking read below to return as soon as stop or
	// cancellation lands.
	readerDone := make(chan struct{})
	defer close(readerDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-s.stopped:
			conn.Close()
		case <-readerDone:
		}
	}()

	s.reqID++
	sub := types.WSSubscribeMsg{
		Method: "SUBSCRIBE",
		Params: []string{"alpha@" + s.keyFn()},
		ID:     s.reqID,
	}
	if err := s.writeJSON(sub); err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}
	if err := s.awaitAck(ctx, conn, s.reqID); err != nil {
		return false, err
	}

	s.emitState(types.StreamEvent{Kind: types.StreamConnected, At: time.Now()})
	s.logger.Info("order stream connected")

	// Order events only flow while orders change, so the connection may
	// be legitimately silent for minutes. Liveness comes from our pings:
	// each pong pushes the read deadline out again.
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go s.pingLoop(pingCtx)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}
		s.dispatch(ctx, msg)
	}
}

// awaitAck reads frames until the subscription acknowledgement for id
// arrives. Event frames that beat the ack are dispatched, not dropped.
func (s *OrderStream) awaitAck(ctx context.Context, conn *websocket.Conn, id int64) error {
	conn.SetReadDeadline(time.Now().Add(ackTimeout))
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("await subscription ack: %w", err)
		}

		var ack struct {
			ID    *int64          `json:"id"`
			Error json.RawMessage `json:"error"`
		}
		if err := json.Unmarshal(msg, &ack); err == nil && ack.ID != nil && *ack.ID == id {
			if len(ack.Error) > 0 && string(ack.Error) != "null" {
				return fmt.Errorf("subscription refused: %s", ack.Error)
			}
			return nil
		}

		s.dispatch(ctx, msg)
	}
}

// dispatch decodes one frame and delivers executionReport events to the
// updates channel. Frames arrive either wrapped as {"stream","data":{...}}
// or as a bare event object.
func (s *OrderStream) dispatch(ctx context.Context, data []byte) {
	payload := json.RawMessage(data)
	var frame struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &frame); err == nil && len(frame.Data) > 0 {
		payload = frame.Data
	}

	var peek struct {
		EventType string `json:"e"`
	}
	if err := json.Unmarshal(payload, &peek); err != nil {
		s.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch peek.EventType {
	case "executionReport":
		var report types.WSExecutionReport
		if err := json.Unmarshal(payload, &report); err != nil {
			s.logger.Error("unmarshal execution report", "error", err)
			return
		}
		// Delivery is guaranteed within a session: the sink is a fast
		// in-memory tracker, so blocking here is bounded, and teardown
		// unblocks via ctx or stop.
		select {
		case s.updates <- report.ToOrderUpdate():
		case <-ctx.Done():
		case <-s.stopped:
		}

	case "":
		// No event type: a stray ack or server control payload.

	default:
		s.logger.Debug("ignoring event", "type", peek.EventType)
	}
}

func (s *OrderStream) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.writeMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (s *OrderStream) writeJSON(v interface{}) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(v)
}

func (s *OrderStream) writeMessage(msgType int, data []byte) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(msgType, data)
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
