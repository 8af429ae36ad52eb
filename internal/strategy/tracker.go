// Package strategy implements the per-user trading logic: the order
// tracker that bridges push-based execution reports to pull-based waits,
// the single-trade executor that runs one buy+sell OTO round trip, and
// the batch loop that drives a user toward the strategy's volume target.
package strategy

import (
	"context"
	"sync"
	"time"

	"alpha-volume-bot/pkg/types"
)

// WaitOutcome is the result of waiting for an order to finish.
type WaitOutcome string

const (
	// WaitFilled means the order reached FILLED.
	WaitFilled WaitOutcome = "Filled"
	// WaitNotFilled means the order reached a terminal state other than
	// FILLED (canceled, rejected, expired).
	WaitNotFilled WaitOutcome = "NotFilled"
	// WaitTimedOut means no terminal update arrived within the timeout.
	// This is the safety net for reports missed across stream reconnects.
	WaitTimedOut WaitOutcome = "TimedOut"
)

// WaitResult carries the outcome of AwaitCompletion plus the last status
// seen for the order, which is the terminal status for Filled/NotFilled
// and whatever was last observed (possibly nothing) for TimedOut.
type WaitResult struct {
	Outcome    WaitOutcome
	LastStatus types.OrderStatus
}

// orderEntry is the tracked state of one registered order.
type orderEntry struct {
	status   types.OrderStatus
	terminal bool
	done     chan struct{} // closed exactly once, when status turns terminal
}

// OrderTracker maps order ids to their latest status and lets callers
// block until an order reaches a terminal state.
//
// Execution reports can beat registration: the exchange fills fast enough
// that a report may arrive between PlaceOTOOrder returning and Register
// being called. Observe therefore buffers the most recent update for ids
// it has never seen, and Register consults that buffer so an
// already-terminal order resolves immediately instead of hanging a waiter.
type OrderTracker struct {
	mu      sync.Mutex
	orders  map[string]*orderEntry
	pending map[string]types.OrderUpdate // latest update per unregistered id
}

// NewOrderTracker creates an empty tracker.
func NewOrderTracker() *OrderTracker {
	return &OrderTracker{
		orders:  make(map[string]*orderEntry),
		pending: make(map[string]types.OrderUpdate),
	}
}

// Register starts tracking an order id. Idempotent. Any update buffered
// for the id is applied immediately, so registering after the terminal
// report has already arrived still resolves waiters.
func (t *OrderTracker) Register(orderID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.orders[orderID]; ok {
		return
	}

	entry := &orderEntry{done: make(chan struct{})}
	if upd, ok := t.pending[orderID]; ok {
		delete(t.pending, orderID)
		entry.status = upd.Status
		if upd.Status.IsTerminal() {
			entry.terminal = true
			close(entry.done)
		}
	}
	t.orders[orderID] = entry
}

// Observe records one execution report. Terminal states stick: once an
// order is terminal no later update changes it. Updates for ids not yet
// registered are buffered (latest wins).
func (t *OrderTracker) Observe(update types.OrderUpdate) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.orders[update.OrderID]
	if !ok {
		t.pending[update.OrderID] = update
		return
	}
	if entry.terminal {
		return
	}

	entry.status = update.Status
	if update.Status.IsTerminal() {
		entry.terminal = true
		close(entry.done)
	}
}

// AwaitCompletion blocks until the order reaches a terminal state, the
// timeout elapses, or ctx is cancelled. Registers the id if the caller
// has not. Multiple concurrent waiters on the same id all observe the
// same outcome. Cancellation returns ctx.Err() promptly.
func (t *OrderTracker) AwaitCompletion(ctx context.Context, orderID string, timeout time.Duration) (WaitResult, error) {
	t.Register(orderID)

	t.mu.Lock()
	entry := t.orders[orderID]
	t.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-entry.done:
		t.mu.Lock()
		status := entry.status
		t.mu.Unlock()
		if status == types.OrderFilled {
			return WaitResult{Outcome: WaitFilled, LastStatus: status}, nil
		}
		return WaitResult{Outcome: WaitNotFilled, LastStatus: status}, nil

	case <-timer.C:
		t.mu.Lock()
		status := entry.status
		t.mu.Unlock()
		return WaitResult{Outcome: WaitTimedOut, LastStatus: status}, nil

	case <-ctx.Done():
		return WaitResult{}, ctx.Err()
	}
}

// Forget drops all state for an order id. Safe for unknown ids.
func (t *OrderTracker) Forget(orderID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.orders, orderID)
	delete(t.pending, orderID)
}
