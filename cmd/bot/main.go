// Alpha Volume Bot — an automated volume builder for the Alpha token
// exchange. It drives each configured user's daily trading volume to a
// target by placing paired OTO orders (a buy that triggers a sell) and
// re-checking the exchange's own volume ledger between batches.
//
// Architecture:
//
//	main.go               — entry point: loads config, wires everything, waits for SIGINT/SIGTERM
//	engine/engine.go      — strategy executor: fans a strategy out over users, isolates failures
//	strategy/runner.go    — per-user batch loop: re-anchors on reported volume, sizes each batch
//	strategy/trade.go     — one OTO trade: price both legs, place, await fills
//	strategy/tracker.go   — bridges pushed order events to the loop's await calls
//	exchange/client.go    — REST client: token catalog, volume queries, OTO placement, listen keys
//	exchange/ws.go        — per-user order-event stream with auto-reconnect
//	exchange/listenkey.go — obtains and keeps alive the stream's listen key
//	exchange/auth.go      — per-user header/cookie injection and auth-failure classification
//	creds/store.go        — file-backed store of per-user session credentials
//	api/server.go         — HTTP/WebSocket status and control surface
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"alpha-volume-bot/internal/api"
	"alpha-volume-bot/internal/config"
	"alpha-volume-bot/internal/creds"
	"alpha-volume-bot/internal/engine"
	"alpha-volume-bot/internal/exchange"
)

func main() {
	// Optional .env for local runs; real deployments set the environment.
	_ = godotenv.Load()

	cfgPath := flag.String("config", defaultConfigPath(), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", *cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)

	credsStore, err := creds.Open(cfg.Credentials.Dir)
	if err != nil {
		logger.Error("failed to open credentials store", "error", err, "dir", cfg.Credentials.Dir)
		os.Exit(1)
	}

	classifier := exchange.NewAuthClassifier(cfg.AuthFailure)
	client := exchange.NewClient(cfg.Exchange, classifier, logger)

	eng := engine.New(cfg, client, credsStore, logger)

	var apiServer *api.Server
	if cfg.Server.Enabled {
		apiServer = api.NewServer(cfg.Server, eng, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("api server failed", "error", err)
			}
		}()
		logger.Info("api server started", "url", fmt.Sprintf("http://localhost:%d", cfg.Server.Port))
	}

	enabled := cfg.EnabledStrategies()
	logger.Info("alpha volume bot started",
		"strategies", len(enabled),
		"autostart", cfg.Engine.Autostart,
	)

	if cfg.Engine.Autostart {
		for _, s := range enabled {
			if err := eng.StartStrategy(s.ID); err != nil {
				logger.Error("failed to autostart strategy", "strategy_id", s.ID, "error", err)
			}
		}
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	// Stop the control surface first so no new starts race the shutdown.
	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop api server", "error", err)
		}
	}

	eng.Shutdown()
}

func defaultConfigPath() string {
	if p := os.Getenv("ALPHA_CONFIG"); p != "" {
		return p
	}
	return "configs/config.yaml"
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
