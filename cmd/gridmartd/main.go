package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"grid-martingale/internal/alert"
	"grid-martingale/internal/config"
	"grid-martingale/internal/core"
	"grid-martingale/internal/engine"
	"grid-martingale/internal/exchange/binance"
	"grid-martingale/internal/journal"
	"grid-martingale/internal/logging"
	"grid-martingale/internal/metrics"
	"grid-martingale/internal/params"
	"grid-martingale/internal/safety"
	"grid-martingale/internal/store"
)

// Exit codes: 0 normal, 1 fatal config error, 2 fatal venue error, 3 fatal
// state corruption.
const (
	exitOK     = 0
	exitConfig = 1
	exitVenue  = 2
	exitState  = 3
)

const testnetRestBaseURL = "https://testnet.binancefuture.com"
const testnetWSBaseURL = "wss://stream.binancefuture.com"

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return exitConfig
	}
	if cfg.Mode == config.ModeTestnet {
		if cfg.Exchange.RestBaseURL == "" {
			cfg.Exchange.RestBaseURL = testnetRestBaseURL
		}
		if cfg.Exchange.WSBaseURL == "" {
			cfg.Exchange.WSBaseURL = testnetWSBaseURL
		}
	}

	logger, closeLogs, err := logging.New(cfg.Logging, "gridmartd_"+strings.ToLower(cfg.Symbol))
	if err != nil {
		fmt.Fprintln(os.Stderr, "logging:", err)
		return exitConfig
	}
	defer closeLogs()

	watcher, err := params.NewWatcher(cfg.Params.File, params.WatcherOptions{
		Interval: time.Duration(cfg.Params.ReloadIntervalSec) * time.Second,
		OnError: func(err error) {
			logger.Warn("parameter reload failed, keeping last good snapshot", zap.Error(err))
		},
		OnUnknown: func(keys []string) {
			logger.Warn("ignoring unknown parameter keys", zap.Strings("keys", keys))
		},
	})
	if err != nil {
		logger.Error("initial parameters invalid", zap.Error(err))
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stateDir := filepath.Join(cfg.State.Dir, strings.ToLower(string(cfg.Mode)), cfg.InstanceID)
	st, err := store.New(stateDir, cfg.Symbol)
	if err != nil {
		logger.Error("state store", zap.Error(err))
		return exitState
	}
	lockTakeover := true
	if cfg.State.LockTakeover != nil {
		lockTakeover = *cfg.State.LockTakeover
	}
	lock, err := store.AcquireInstanceLock(stateDir, cfg.Symbol, store.LockOptions{
		TakeoverEnabled: lockTakeover,
		StaleAfter:      time.Duration(cfg.State.LockStaleSec) * time.Second,
	})
	if err != nil {
		logger.Error("instance lock", zap.Error(err))
		return exitState
	}
	defer func() {
		if relErr := lock.Release(); relErr != nil {
			logger.Warn("lock release failed", zap.Error(relErr))
		}
	}()

	jnl, err := journal.Open(cfg.Journal.Dir, cfg.Symbol)
	if err != nil {
		logger.Error("journal", zap.Error(err))
		return exitState
	}
	defer jnl.Close()

	alerts := buildAlertManager(cfg, logger)
	if alerts != nil {
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := alerts.Close(closeCtx); err != nil {
				logger.Warn("alert manager close failed", zap.Error(err))
			}
		}()
	}

	client, err := binance.NewClient(cfg.Exchange, cfg.Symbol, cfg.InstanceID)
	if err != nil {
		logger.Error("venue client", zap.Error(err))
		return exitConfig
	}
	rules, err := client.Rules(ctx)
	if err != nil {
		logger.Error("symbol filters", zap.Error(err))
		return exitVenue
	}
	logger.Info("symbol filters loaded",
		zap.String("tick", rules.PriceTick.String()),
		zap.String("step", rules.QtyStep.String()),
	)

	breaker := safety.NewBreaker(
		cfg.CircuitBreaker.Enabled,
		cfg.CircuitBreaker.MaxPlaceFailures,
		cfg.CircuitBreaker.MaxCancelFailures,
		cfg.CircuitBreaker.MaxReconnectFailures,
	)
	breaker.SetReconnectRecovery(
		time.Duration(cfg.CircuitBreaker.ReconnectCooldownSec)*time.Second,
		cfg.CircuitBreaker.ReconnectProbePasses,
	)
	breaker.SetAlerter(alerts)

	m := metrics.New(cfg.Symbol)
	if cfg.Observability.Metrics.Enabled {
		go func() {
			if err := m.Serve(ctx, cfg.Observability.Metrics.ListenAddr); err != nil {
				logger.Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}

	rec := &engine.Reconciler{
		Venue:      client,
		Store:      st,
		Journal:    jnl,
		Watcher:    watcher,
		Alerts:     alerts,
		Breaker:    breaker,
		Metrics:    m,
		Logger:     logger,
		Rules:      rules,
		QuoteAsset: quoteAsset(cfg.Symbol),
	}
	if err := rec.Bootstrap(ctx); err != nil {
		if errors.Is(err, store.ErrCorrupt) {
			logger.Error("state file corrupt, operator intervention required", zap.Error(err))
			return exitState
		}
		logger.Error("bootstrap failed", zap.Error(err))
		return exitVenue
	}

	stream := binance.NewKlineStream(cfg.Symbol, binance.KlineStreamOptions{
		BaseURL: cfg.Exchange.WSBaseURL,
		Silence: time.Duration(cfg.Runtime.WSSilenceSec) * time.Second,
		OnReconnect: func(attempt int, err error) {
			m.WSReconnects.Inc()
			logger.Warn("kline stream reconnecting",
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		},
	})

	loop := &engine.Loop{
		Reconciler:  rec,
		Bars:        stream,
		Heartbeat:   time.Duration(cfg.Runtime.HeartbeatSec) * time.Second,
		ReloadEvery: time.Duration(cfg.Params.ReloadIntervalSec) * time.Second,
		Grace:       time.Duration(cfg.Runtime.ShutdownGraceSec) * time.Second,
		Mode:        string(cfg.Mode),
		InstanceID:  cfg.InstanceID,
		Logger:      logger,
	}
	logger.Info("engine starting",
		zap.String("mode", string(cfg.Mode)),
		zap.String("symbol", cfg.Symbol),
		zap.String("instance", cfg.InstanceID),
	)
	if err := loop.Run(ctx); err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			return exitOK
		case errors.Is(err, store.ErrCorrupt):
			return exitState
		case errors.Is(err, core.ErrFatal):
			return exitVenue
		default:
			return exitVenue
		}
	}
	return exitOK
}

func buildAlertManager(cfg config.Config, logger *zap.Logger) *alert.Manager {
	tg := cfg.Observability.Telegram
	if !tg.Enabled {
		return nil
	}
	notifier := alert.NewTelegramNotifier(
		tg.BotToken,
		tg.ChatID,
		tg.APIBaseURL,
		time.Duration(tg.TimeoutSec)*time.Second,
	)
	return alert.NewManager(string(cfg.Mode), cfg.Symbol, notifier, logger)
}

func quoteAsset(symbol string) string {
	for _, quote := range []string{"USDT", "USDC", "BUSD", "USD"} {
		if strings.HasSuffix(symbol, quote) {
			return quote
		}
	}
	return "USDT"
}
