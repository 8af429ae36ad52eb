// runner.go drives one user toward the strategy's volume target.
package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"alpha-volume-bot/internal/config"
	"alpha-volume-bot/internal/exchange"
	"alpha-volume-bot/pkg/types"
)

// Progress receives observability callbacks from a running batch loop.
// Implementations must be fast and non-blocking; calls arrive from the
// loop's own goroutine.
type Progress interface {
	// RecordVolume is called with every fresh authoritative volume figure.
	RecordVolume(volume decimal.Decimal)
	// RecordTrade is called once per completed trade.
	RecordTrade()
}

// nopProgress is used when the caller passes no Progress.
type nopProgress struct{}

func (nopProgress) RecordVolume(decimal.Decimal) {}
func (nopProgress) RecordTrade()                 {}

// Runner is the batch loop for one user under one strategy. Each batch
// sizes itself from the exchange's authoritative volume figure, runs that
// many trades sequentially, then re-queries — so API lag, partial
// non-fills, and activity outside the bot all self-correct on the next
// pass. The loop never accumulates volume locally.
type Runner struct {
	client   Client
	executor *Executor
	cfg      config.Strategy
	creds    types.UserCredentials
	progress Progress
	logger   *slog.Logger
}

// NewRunner creates a batch loop for one user. progress may be nil.
func NewRunner(client Client, tracker *OrderTracker, cfg config.Strategy, creds types.UserCredentials, progress Progress, logger *slog.Logger) *Runner {
	if progress == nil {
		progress = nopProgress{}
	}
	return &Runner{
		client:   client,
		executor: NewExecutor(client, tracker, cfg, creds, logger),
		cfg:      cfg,
		creds:    creds,
		progress: progress,
		logger: logger.With(
			"component", "runner",
			"strategy_id", cfg.ID,
			"user_id", creds.UserID,
		),
	}
}

// Run executes batches until the target volume is reached, the context is
// cancelled, or a per-user-terminal failure occurs. The returned cause is
// always set; err carries detail for non-Success causes that have one.
func (r *Runner) Run(ctx context.Context) (types.TerminalCause, error) {
	for {
		if ctx.Err() != nil {
			return types.CauseCanceled, nil
		}

		current, err := r.fetchCurrentVolume(ctx)
		if err != nil {
			if cause, terminal := terminalCauseFor(err); terminal {
				return cause, err
			}
			if ctx.Err() != nil {
				return types.CauseCanceled, nil
			}
			r.logger.Warn("volume query failed", "error", err)
			if !r.sleep(ctx, r.cfg.RetryDelay()) {
				return types.CauseCanceled, nil
			}
			continue
		}

		r.progress.RecordVolume(current)
		if current.GreaterThanOrEqual(r.cfg.TargetVolume) {
			r.logger.Info("target volume reached", "volume", current, "target", r.cfg.TargetVolume)
			return types.CauseSuccess, nil
		}

		remaining := r.cfg.TargetVolume.Sub(current)
		loopCount, err := r.computeLoopCount(ctx, remaining)
		if err != nil {
			if cause, terminal := terminalCauseFor(err); terminal {
				return cause, err
			}
			if ctx.Err() != nil {
				return types.CauseCanceled, nil
			}
			r.logger.Warn("loop sizing failed", "error", err)
			if !r.sleep(ctx, r.cfg.RetryDelay()) {
				return types.CauseCanceled, nil
			}
			continue
		}

		r.logger.Info("starting batch",
			"current_volume", current,
			"remaining", remaining,
			"loop_count", loopCount,
		)

		for i := 0; i < loopCount; i++ {
			if ctx.Err() != nil {
				return types.CauseCanceled, nil
			}

			ok, delta, err := r.executor.ExecuteTrade(ctx)
			if err != nil {
				if cause, terminal := terminalCauseFor(err); terminal {
					return cause, err
				}
				// Cancellation surfaces as a context error from a wait.
				if ctx.Err() != nil {
					return types.CauseCanceled, nil
				}
				return types.CauseError, err
			}

			if !ok {
				if !r.sleep(ctx, r.cfg.RetryDelay()) {
					return types.CauseCanceled, nil
				}
				continue
			}

			r.progress.RecordTrade()
			r.logger.Debug("trade done", "batch_index", i+1, "of", loopCount, "real_volume", delta)
			if !r.sleep(ctx, r.cfg.TradeInterval()) {
				return types.CauseCanceled, nil
			}
		}
	}
}

// fetchCurrentVolume reads the authoritative volume for the target token.
func (r *Runner) fetchCurrentVolume(ctx context.Context) (decimal.Decimal, error) {
	snapshot, err := r.client.FetchUserVolume(ctx, r.creds)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetch user volume: %w", err)
	}
	return snapshot.VolumeFor(r.cfg.TargetToken), nil
}

// computeLoopCount sizes the next batch: ceil(remaining / singleReal),
// floored at one so a remainder smaller than one trade still gets its
// trade. mulPoint is read from the catalog at batch time, matching what
// the trades in the batch will see.
func (r *Runner) computeLoopCount(ctx context.Context, remaining decimal.Decimal) (int, error) {
	token, err := r.client.LookupToken(ctx, r.cfg.TargetToken)
	if err != nil {
		if exchange.IsSymbolNotListed(err) {
			return 0, fmt.Errorf("target token: %w", err)
		}
		return 0, fmt.Errorf("lookup token: %w", err)
	}

	singleReal := realVolumePerTrade(r.cfg, token.MulPoint)
	count := remaining.Div(singleReal).Ceil().IntPart()
	if count < 1 {
		count = 1
	}
	return int(count), nil
}

// sleep waits for d, returning early (false) when ctx is cancelled. A
// zero or negative d still performs one cancellation check.
func (r *Runner) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// terminalCauseFor maps an error from the exchange path to a per-user
// terminal cause. Returns false for errors the loop can absorb.
func terminalCauseFor(err error) (types.TerminalCause, bool) {
	switch {
	case exchange.IsAuthFailure(err):
		return types.CauseAuthFailed, true
	case exchange.IsSymbolNotListed(err):
		return types.CauseConfigError, true
	default:
		return "", false
	}
}
