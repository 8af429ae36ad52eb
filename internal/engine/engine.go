// Package engine is the strategy executor: it fans one strategy out over
// its users and supervises every per-user run.
//
// For each started strategy the engine:
//
//  1. Resolves credentials for every configured user.
//  2. Pre-filters concurrently by authoritative volume — users already at
//     target are recorded as satisfied and get no resources at all.
//  3. Spawns one isolated unit per remaining user: listen-key manager,
//     order-event stream, order tracker, and the batch loop, all under a
//     per-user context derived from the strategy's context.
//
// Per-user units are fully isolated. A revoked credential, a stream that
// gave up reconnecting, a dead listen key, or a panic in the loop records
// that user's terminal cause and tears down only that user's resources;
// every other user keeps trading.
//
// Lifecycle: New() → StartStrategy()/StopStrategy()/StopAll() → Shutdown()
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"alpha-volume-bot/internal/config"
	"alpha-volume-bot/internal/exchange"
	"alpha-volume-bot/internal/strategy"
	"alpha-volume-bot/pkg/types"
)

// ErrUnknownStrategy is returned by control operations naming a strategy
// id that is not in the configuration.
var ErrUnknownStrategy = errors.New("unknown strategy")

// credentialRefreshHint is appended to every auth-failure status message
// so the operator knows the one action that fixes it.
const credentialRefreshHint = "please refresh this user's credentials"

// ExchangeAPI is everything the engine and its per-user runs need from
// the exchange client. Satisfied by *exchange.Client.
type ExchangeAPI interface {
	strategy.Client
	exchange.KeyClient
	InvalidateCatalogCache()
}

// CredentialsSource resolves per-user session material.
// Satisfied by *creds.Store.
type CredentialsSource interface {
	GetCredentials(userID int64) (types.UserCredentials, error)
}

// orderStream and keyManager are the engine-side views of the stream and
// listen-key components, narrowed so tests can substitute fakes.
type orderStream interface {
	Run(ctx context.Context) error
	Stop()
	Updates() <-chan types.OrderUpdate
	States() <-chan types.StreamEvent
}

type keyManager interface {
	Start(ctx context.Context) error
	Stop()
	Key() string
	Failed() <-chan struct{}
}

type streamFactory func(userID int64, keyFn func() string) orderStream

type keyManagerFactory func(creds types.UserCredentials) keyManager

// Engine orchestrates every configured strategy.
type Engine struct {
	cfg        config.EngineConfig
	strategies map[string]config.Strategy
	order      []string // strategy ids in declaration order
	client     ExchangeAPI
	creds      CredentialsSource
	newStream  streamFactory
	newKeys    keyManagerFactory
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	runs map[string]*strategyRun

	events chan types.StatusEvent
}

// New wires an engine against the real exchange client and order stream.
func New(cfg *config.Config, client *exchange.Client, creds CredentialsSource, logger *slog.Logger) *Engine {
	e := newEngine(cfg.Engine, cfg.Strategies(), client, creds, logger)
	e.newStream = func(userID int64, keyFn func() string) orderStream {
		return exchange.NewOrderStream(cfg.Exchange.WSURL, userID, keyFn, logger)
	}
	e.newKeys = func(c types.UserCredentials) keyManager {
		return exchange.NewListenKeyManager(client, c, logger)
	}
	return e
}

func newEngine(cfg config.EngineConfig, strategies []config.Strategy, client ExchangeAPI, creds CredentialsSource, logger *slog.Logger) *Engine {
	byID := make(map[string]config.Strategy, len(strategies))
	order := make([]string, 0, len(strategies))
	for _, s := range strategies {
		byID[s.ID] = s
		order = append(order, s.ID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:        cfg,
		strategies: byID,
		order:      order,
		client:     client,
		creds:      creds,
		logger:     logger.With("component", "engine"),
		ctx:        ctx,
		cancel:     cancel,
		runs:       make(map[string]*strategyRun),
		events:     make(chan types.StatusEvent, 128),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Per-run state
// ————————————————————————————————————————————————————————————————————————

type strategyRun struct {
	cfg       config.Strategy
	runID     string
	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{} // closed when every per-user goroutine returned

	mu    sync.Mutex
	users map[int64]*userRun
}

func (r *strategyRun) user(id int64) *userRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.users[id]
}

func (r *strategyRun) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// userRun is the mutable state of one (strategy, user) pair. It doubles
// as the batch loop's Progress sink.
type userRun struct {
	userID int64

	mu         sync.Mutex
	status     types.RunStatus
	cause      types.TerminalCause
	lastVolume decimal.Decimal
	trades     int64
	lastErr    string
	updatedAt  time.Time

	// First failure flagged by a watcher (stream gave up, listen key
	// died). Consulted when the batch loop returns Canceled to tell an
	// operator stop apart from a resource failure.
	failCause types.TerminalCause
	failMsg   string
}

func newUserRun(userID int64) *userRun {
	return &userRun{userID: userID, status: types.StatusNotStarted, updatedAt: time.Now()}
}

func (u *userRun) RecordVolume(v decimal.Decimal) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.lastVolume = v
	u.updatedAt = time.Now()
}

func (u *userRun) RecordTrade() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.trades++
	u.updatedAt = time.Now()
}

func (u *userRun) setStatus(status types.RunStatus) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.status = status
	u.updatedAt = time.Now()
}

func (u *userRun) setTerminal(cause types.TerminalCause, msg string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.status = types.StatusForCause(cause)
	u.cause = cause
	u.lastErr = msg
	u.updatedAt = time.Now()
}

// flagFailure records the first watcher-observed failure; later flags for
// the same user are ignored.
func (u *userRun) flagFailure(cause types.TerminalCause, msg string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.failCause == "" {
		u.failCause = cause
		u.failMsg = msg
	}
}

func (u *userRun) flagged() (types.TerminalCause, string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.failCause, u.failMsg
}

func (u *userRun) snapshot() types.UserRunView {
	u.mu.Lock()
	defer u.mu.Unlock()
	return types.UserRunView{
		UserID:         u.userID,
		Status:         u.status,
		Cause:          u.cause,
		LastVolume:     u.lastVolume,
		TradesExecuted: u.trades,
		LastError:      u.lastErr,
		UpdatedAt:      u.updatedAt,
	}
}

// ————————————————————————————————————————————————————————————————————————
// Control surface
// ————————————————————————————————————————————————————————————————————————

// StartStrategy launches one strategy. Idempotent: starting a strategy
// that is already running is a no-op. The call returns once the run is
// registered; pre-filtering and per-user spawning happen asynchronously.
func (e *Engine) StartStrategy(id string) error {
	cfg, ok := e.strategies[id]
	if !ok {
		return fmt.Errorf("%q: %w", id, ErrUnknownStrategy)
	}
	if !cfg.Enabled {
		return fmt.Errorf("strategy %q is disabled", id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if run, ok := e.runs[id]; ok && !run.finished() {
		return nil
	}
	if e.ctx.Err() != nil {
		return fmt.Errorf("engine is shut down")
	}

	// Prices must come from a snapshot taken after this point.
	e.client.InvalidateCatalogCache()

	ctx, cancel := context.WithCancel(e.ctx)
	run := &strategyRun{
		cfg:       cfg,
		runID:     uuid.NewString(),
		startedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		users:     make(map[int64]*userRun, len(cfg.UserIDs)),
	}
	for _, uid := range cfg.UserIDs {
		run.users[uid] = newUserRun(uid)
	}
	e.runs[id] = run

	e.logger.Info("strategy starting",
		"strategy_id", id,
		"run_id", run.runID,
		"users", len(cfg.UserIDs),
		"target_token", cfg.TargetToken,
		"target_volume", cfg.TargetVolume,
	)

	go e.launch(run)
	return nil
}

// StopStrategy cancels a running strategy and waits for its per-user
// loops up to the teardown grace period. Idempotent.
func (e *Engine) StopStrategy(id string) error {
	if _, ok := e.strategies[id]; !ok {
		return fmt.Errorf("%q: %w", id, ErrUnknownStrategy)
	}

	e.mu.Lock()
	run := e.runs[id]
	e.mu.Unlock()
	if run == nil {
		return nil
	}

	run.cancel()
	select {
	case <-run.done:
	case <-time.After(e.cfg.TeardownGrace):
		e.logger.Warn("strategy teardown exceeded grace period",
			"strategy_id", id,
			"grace", e.cfg.TeardownGrace,
		)
	}
	return nil
}

// StopAll stops every running strategy, waiting once for all of them.
func (e *Engine) StopAll() {
	e.mu.Lock()
	runs := make([]*strategyRun, 0, len(e.runs))
	for _, run := range e.runs {
		runs = append(runs, run)
	}
	e.mu.Unlock()

	for _, run := range runs {
		run.cancel()
	}

	deadline := time.After(e.cfg.TeardownGrace)
	for _, run := range runs {
		select {
		case <-run.done:
		case <-deadline:
			e.logger.Warn("stop-all teardown exceeded grace period", "grace", e.cfg.TeardownGrace)
			return
		}
	}
}

// Shutdown stops all strategies and retires the engine. The engine
// cannot be restarted afterwards.
func (e *Engine) Shutdown() {
	e.StopAll()
	e.cancel()
}

// Events returns the status-transition feed. Events are dropped rather
// than blocking the trading path when no consumer keeps up.
func (e *Engine) Events() <-chan types.StatusEvent { return e.events }

// Status reports every configured strategy with its per-user run state,
// in configuration order.
func (e *Engine) Status() []types.StrategyRunView {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]types.StrategyRunView, 0, len(e.order))
	for _, id := range e.order {
		cfg := e.strategies[id]
		view := types.StrategyRunView{
			StrategyID:   id,
			DisplayName:  cfg.DisplayName,
			TargetSymbol: cfg.TargetToken,
			TargetVolume: cfg.TargetVolume,
		}

		if run, ok := e.runs[id]; ok {
			view.RunID = run.runID
			view.Running = !run.finished()
			view.StartedAt = run.startedAt
			for _, uid := range cfg.UserIDs {
				if u := run.user(uid); u != nil {
					view.Users = append(view.Users, u.snapshot())
				}
			}
		} else {
			for _, uid := range cfg.UserIDs {
				view.Users = append(view.Users, types.UserRunView{UserID: uid, Status: types.StatusNotStarted})
			}
		}
		out = append(out, view)
	}
	return out
}

func (e *Engine) emit(run *strategyRun, u *userRun, msg string) {
	snap := u.snapshot()
	ev := types.StatusEvent{
		StrategyID: run.cfg.ID,
		RunID:      run.runID,
		UserID:     u.userID,
		Status:     snap.Status,
		Cause:      snap.Cause,
		Volume:     snap.LastVolume,
		Message:    msg,
		At:         time.Now(),
	}
	select {
	case e.events <- ev:
	default:
	}
}

// ————————————————————————————————————————————————————————————————————————
// Run lifecycle
// ————————————————————————————————————————————————————————————————————————

// launch resolves credentials, pre-filters by authoritative volume, and
// spawns one supervised goroutine per remaining user.
func (e *Engine) launch(run *strategyRun) {
	logger := e.logger.With("strategy_id", run.cfg.ID, "run_id", run.runID)

	type candidate struct {
		user  *userRun
		creds types.UserCredentials
	}
	var candidates []candidate

	for _, uid := range run.cfg.UserIDs {
		u := run.user(uid)
		c, err := e.creds.GetCredentials(uid)
		if err != nil {
			u.setTerminal(types.CauseConfigError, fmt.Sprintf("credentials unavailable: %v", err))
			logger.Error("user skipped, credentials unavailable", "user_id", uid, "error", err)
			e.emit(run, u, "credentials unavailable")
			continue
		}
		candidates = append(candidates, candidate{user: u, creds: c})
	}

	// Pre-filter: users already at target never get a listen key, a
	// stream, or a single order.
	var g errgroup.Group
	g.SetLimit(e.cfg.PrefilterConcurrency)
	active := make([]candidate, len(candidates))
	for i, cand := range candidates {
		g.Go(func() error {
			snapshot, err := e.client.FetchUserVolume(run.ctx, cand.creds)
			if err != nil {
				if exchange.IsAuthFailure(err) {
					cand.user.setTerminal(types.CauseAuthFailed, err.Error())
					logger.Error("user credentials rejected during pre-filter",
						"user_id", cand.user.userID, "error", err)
					e.emit(run, cand.user, credentialRefreshHint)
					return nil
				}
				// Inconclusive; the batch loop re-queries anyway.
				active[i] = cand
				return nil
			}

			current := snapshot.VolumeFor(run.cfg.TargetToken)
			cand.user.RecordVolume(current)
			if current.GreaterThanOrEqual(run.cfg.TargetVolume) {
				cand.user.setStatus(types.StatusFilteredSatisfied)
				logger.Info("user already satisfied",
					"user_id", cand.user.userID, "volume", current)
				e.emit(run, cand.user, "target already met")
				return nil
			}
			active[i] = cand
			return nil
		})
	}
	_ = g.Wait() // per-user outcomes recorded above; nothing fails the group

	started := 0
	for _, cand := range active {
		if cand.user == nil {
			continue
		}
		started++
		run.wg.Add(1)
		go e.runUser(run, cand.user, cand.creds)
	}
	logger.Info("strategy launched", "active_users", started)

	run.wg.Wait()
	close(run.done)
	logger.Info("strategy finished")
}

// runUser supervises one user's whole run. Every exit path, including a
// panic inside the trading code, lands in a recorded terminal cause.
func (e *Engine) runUser(run *strategyRun, u *userRun, creds types.UserCredentials) {
	defer run.wg.Done()

	cause, msg := e.superviseUser(run, u, creds)
	if cause == types.CauseAuthFailed {
		if msg != "" {
			msg += "; "
		}
		msg += credentialRefreshHint
	}
	u.setTerminal(cause, msg)

	e.logger.Info("user finished",
		"strategy_id", run.cfg.ID,
		"user_id", u.userID,
		"cause", cause,
		"message", msg,
	)
	e.emit(run, u, msg)
}

// superviseUser owns the user's resources: listen key, order stream, and
// tracker. It returns the terminal cause once the batch loop is done and
// everything is torn down.
func (e *Engine) superviseUser(run *strategyRun, u *userRun, creds types.UserCredentials) (cause types.TerminalCause, msg string) {
	logger := e.logger.With("strategy_id", run.cfg.ID, "run_id", run.runID, "user_id", u.userID)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("user run panicked", "panic", r)
			cause = types.CauseError
			msg = fmt.Sprintf("unexpected error: %v", r)
		}
	}()

	ctx, cancel := context.WithCancel(run.ctx)
	defer cancel()

	km := e.newKeys(creds)
	if err := km.Start(ctx); err != nil {
		if exchange.IsAuthFailure(err) {
			return types.CauseAuthFailed, err.Error()
		}
		if ctx.Err() != nil {
			return types.CauseCanceled, ""
		}
		return types.CauseListenKeyFailed, err.Error()
	}
	defer km.Stop()

	stream := e.newStream(u.userID, km.Key)
	tracker := strategy.NewOrderTracker()

	streamDone := make(chan error, 1)
	go func() { streamDone <- stream.Run(ctx) }()

	pumpsDone := make(chan struct{})
	go func() {
		defer close(pumpsDone)
		for upd := range stream.Updates() {
			tracker.Observe(upd)
		}
	}()
	go func() {
		for ev := range stream.States() {
			switch ev.Kind {
			case types.StreamConnected:
				logger.Debug("order stream connected")
			case types.StreamReconnecting:
				logger.Warn("order stream reconnecting", "attempt", ev.Attempt, "backoff", ev.Backoff)
			case types.StreamDisconnected:
				logger.Warn("order stream disconnected", "reason", ev.Reason)
			case types.StreamGaveUp:
				logger.Error("order stream gave up", "reason", ev.Reason)
			}
		}
	}()

	// Watcher: a dead listen key or an exhausted stream is terminal for
	// this user; flag the cause and cancel the loop.
	go func() {
		select {
		case <-ctx.Done():
		case <-km.Failed():
			u.flagFailure(types.CauseListenKeyFailed, "listen key keepalive permanently failed")
			cancel()
		case err := <-streamDone:
			if err != nil {
				u.flagFailure(types.CauseStreamFailed, err.Error())
			}
			cancel()
		}
	}()

	u.setStatus(types.StatusRunning)
	e.emit(run, u, "")

	runner := strategy.NewRunner(e.client, tracker, run.cfg, creds, u, e.logger)
	cause, err := runner.Run(ctx)
	msg = ""
	if err != nil {
		msg = err.Error()
	}

	// A Canceled result may really be a flagged resource failure that
	// cancelled the context from under the loop.
	if cause == types.CauseCanceled {
		if fc, fm := u.flagged(); fc != "" {
			cause, msg = fc, fm
		}
	}

	// Teardown: stop the stream and wait for in-flight deliveries,
	// bounded so a wedged socket cannot hold the strategy stop hostage.
	cancel()
	stream.Stop()
	select {
	case <-pumpsDone:
	case <-time.After(e.cfg.TeardownGrace):
		logger.Warn("stream teardown exceeded grace period, forcing close")
	}

	return cause, msg
}
