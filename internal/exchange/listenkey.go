// listenkey.go keeps one user's stream-subscription key alive.
//
// A listen key authorizes the order-event subscription and expires unless
// refreshed. The manager obtains the initial key at Start, then refreshes
// every 30 minutes. Failed refreshes retry every 2 minutes; once failures
// accumulate past the threshold the manager closes Failed() and gives up,
// which the caller treats the same as a stream that gave up reconnecting.
//
// The key never rotates within a run: a key the exchange refuses to keep
// alive means the session material is stale, and the user is torn down
// rather than resubscribed.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"alpha-volume-bot/pkg/types"
)

const (
	keepAliveInterval  = 30 * time.Minute
	keepAliveRetryWait = 2 * time.Minute
	closeKeyTimeout    = 5 * time.Second

	// Keepalive is declared permanently failed once both hold: at least
	// failureThreshold consecutive failures, spanning longer than
	// failureWindow since the first of them.
	failureThreshold = 3
	failureWindow    = 5 * time.Minute
)

// KeyClient is the slice of the exchange client the manager depends on.
type KeyClient interface {
	ObtainListenKey(ctx context.Context, creds types.UserCredentials) (string, error)
	KeepAliveListenKey(ctx context.Context, creds types.UserCredentials, key string) error
	CloseListenKey(ctx context.Context, creds types.UserCredentials, key string) error
}

// ListenKeyManager owns one user's listen key for the duration of a run.
type ListenKeyManager struct {
	client KeyClient
	creds  types.UserCredentials

	mu  sync.Mutex
	key string

	failed   chan struct{} // closed when keepalive permanently fails
	failOnce sync.Once
	stop     chan struct{}
	stopOnce sync.Once

	// Refresh policy, fixed at construction; fields so tests can drive
	// the failure path without multi-minute waits.
	interval  time.Duration
	retryWait time.Duration
	window    time.Duration

	logger *slog.Logger
}

// NewListenKeyManager creates a manager for one user's key.
func NewListenKeyManager(client KeyClient, creds types.UserCredentials, logger *slog.Logger) *ListenKeyManager {
	return &ListenKeyManager{
		client:    client,
		creds:     creds,
		failed:    make(chan struct{}),
		stop:      make(chan struct{}),
		interval:  keepAliveInterval,
		retryWait: keepAliveRetryWait,
		window:    failureWindow,
		logger:    logger.With("component", "listen_key", "user_id", creds.UserID),
	}
}

// Start obtains the initial key and spawns the keepalive loop. An error
// here means no key could be obtained at all; the caller terminates the
// user rather than starting a stream that can never subscribe.
func (m *ListenKeyManager) Start(ctx context.Context) error {
	key, err := m.client.ObtainListenKey(ctx, m.creds)
	if err != nil {
		return fmt.Errorf("obtain listen key: %w", err)
	}

	m.mu.Lock()
	m.key = key
	m.mu.Unlock()

	go m.keepAliveLoop(ctx)
	return nil
}

// Key returns the current listen key. Empty until Start succeeds.
func (m *ListenKeyManager) Key() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.key
}

// Failed is closed when the keepalive loop gives up permanently.
func (m *ListenKeyManager) Failed() <-chan struct{} { return m.failed }

// Stop cancels the keepalive schedule and releases the key. The release
// runs on its own short deadline because teardown usually arrives with the
// run context already cancelled. Safe to call more than once.
func (m *ListenKeyManager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)

		key := m.Key()
		if key == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), closeKeyTimeout)
		defer cancel()
		if err := m.client.CloseListenKey(ctx, m.creds, key); err != nil {
			m.logger.Warn("close listen key", "error", err)
		}
	})
}

func (m *ListenKeyManager) keepAliveLoop(ctx context.Context) {
	failures := 0
	var firstFailure time.Time
	wait := m.interval

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-time.After(wait):
		}

		err := m.client.KeepAliveListenKey(ctx, m.creds, m.Key())
		if err == nil {
			if failures > 0 {
				m.logger.Info("listen key keepalive recovered", "after_failures", failures)
			}
			failures = 0
			wait = m.interval
			continue
		}
		if ctx.Err() != nil {
			return
		}

		failures++
		if failures == 1 {
			firstFailure = time.Now()
		}
		m.logger.Warn("listen key keepalive failed", "error", err, "consecutive", failures)

		if failures >= failureThreshold && time.Since(firstFailure) > m.window {
			m.logger.Error("listen key permanently failed",
				"consecutive", failures,
				"span", time.Since(firstFailure).Round(time.Second),
			)
			m.failOnce.Do(func() { close(m.failed) })
			return
		}
		wait = m.retryWait
	}
}
