package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"pyramid-trading/internal/alert"
	"pyramid-trading/internal/config"
	"pyramid-trading/internal/core"
	"pyramid-trading/internal/engine"
	"pyramid-trading/internal/feed"
	"pyramid-trading/internal/logging"
	"pyramid-trading/internal/metrics"
	"pyramid-trading/internal/safety"
	"pyramid-trading/internal/store"
	"pyramid-trading/internal/store/postgres"
	"pyramid-trading/internal/store/sqlite"
	"pyramid-trading/internal/strategy"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}
	logger, err := logging.New(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fatal(err.Error())
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.With(
		zap.String("mode", string(cfg.Mode)),
		zap.String("instance_id", cfg.InstanceID),
	)

	alerts := buildAlertManager(cfg, logger)
	if alerts != nil {
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := alerts.Close(closeCtx); err != nil {
				logger.Warn("close alert manager failed", zap.String("event", "alert_close_failed"), zap.Error(err))
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	if addr := cfg.Observability.MetricsAddr; addr != "" {
		srv := serveMetrics(addr, reg, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	engines := engine.NewRegistry()
	if err := engines.Register(cfg.Symbol, buildPyramid(cfg, logger)); err != nil {
		fatal(err.Error())
	}
	pyramid, _ := engines.Get(cfg.Symbol)
	pyramid.AddSink(m)
	if alerts != nil && cfg.Mode == config.ModeLive {
		pyramid.AddSink(alert.NewEventSink(alerts,
			strategy.EventBuyTriggered,
			strategy.EventSellTriggered,
			strategy.EventLadderRecalculated,
		))
	}

	switch cfg.Mode {
	case config.ModeBacktest:
		if err := runBacktest(ctx, cfg, pyramid, m, logger); err != nil {
			if errors.Is(err, context.Canceled) {
				fmt.Println("backtest canceled")
				return
			}
			fatal(err.Error())
		}
	case config.ModeLive:
		if err := runLive(ctx, cfg, pyramid, m, alerts, logger); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			logger.Error("live runner failed", zap.String("event", "runner_failed"), zap.Error(err))
			os.Exit(1)
		}
	default:
		fatal("unknown mode")
	}
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

func buildPyramid(cfg config.Config, logger *zap.Logger) *strategy.Pyramid {
	p := strategy.NewPyramid(strategyConfig(cfg))
	p.SetLogger(logger)
	return p
}

func strategyConfig(cfg config.Config) strategy.Config {
	out := strategy.Config{
		Symbol:      cfg.Symbol,
		Levels:      cfg.Strategy.Levels,
		StepPercent: cfg.Strategy.StepPercent.Decimal,
		SellOffset:  strategy.DefaultSellOffset,
		Sizing:      strategy.Sizing{BaseAmount: cfg.Strategy.BaseAmount.Decimal},
	}
	if cfg.Strategy.SellOffset != nil {
		out.SellOffset = cfg.Strategy.SellOffset.Decimal
	}
	return out
}

func runBacktest(ctx context.Context, cfg config.Config, p *strategy.Pyramid, m *metrics.Metrics, logger *zap.Logger) error {
	src, err := openBacktestFeed(cfg)
	if err != nil {
		return err
	}
	src.SetLogger(logger)
	runner := engine.BacktestRunner{
		Feed:           src,
		Engine:         p,
		InitialHighest: cfg.Strategy.InitialHighest.Decimal,
		Logger:         logger,
		OnTick: func(tick core.Tick, err error) {
			m.ObserveTick(tick.Symbol, err)
		},
	}
	result, err := runner.Run(ctx)
	if err != nil {
		return err
	}
	m.ObserveSnapshot(p.Snapshot())
	printSummary(os.Stdout, cfg, result, src.Skipped())
	return nil
}

func openBacktestFeed(cfg config.Config) (*feed.JSONLFeed, error) {
	return feed.NewJSONLFeed(cfg.Backtest.DataPath, cfg.Symbol)
}

func runLive(ctx context.Context, cfg config.Config, p *strategy.Pyramid, m *metrics.Metrics, alerts *alert.Manager, logger *zap.Logger) error {
	stateDir := filepath.Join(cfg.State.Dir, strings.ToLower(string(cfg.Mode)), cfg.InstanceID)
	lock, err := store.AcquireSymbolLock(stateDir, cfg.Symbol, store.LockOptions{
		InstanceID:      cfg.InstanceID,
		TakeoverEnabled: *cfg.State.LockTakeover,
		StaleAfter:      time.Duration(cfg.State.LockStaleSec) * time.Second,
		Logger:          logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if relErr := lock.Release(); relErr != nil {
			logger.Warn("release symbol lock failed", zap.String("event", "lock_release_failed"), zap.Error(relErr))
		}
	}()

	files, err := store.New(filepath.Join(stateDir, cfg.Symbol))
	if err != nil {
		return err
	}
	files.SetLogger(logger)
	initialHighest := cfg.Strategy.InitialHighest.Decimal
	if prev, ok, err := files.LoadRuntimeStatus(); err != nil {
		logger.Warn("previous runtime status unreadable", zap.String("event", "runtime_status_read_failed"), zap.Error(err))
	} else if ok {
		logger.Info("previous run found",
			zap.String("event", "previous_run"),
			zap.String("state", prev.State),
			zap.Time("updated_at", prev.UpdatedAt),
			zap.String("highest", prev.Highest),
			zap.String("last_error", prev.LastError),
		)
		initialHighest = seedHighest(initialHighest, prev, logger)
	}

	positions, closeStore, err := openPositionStore(ctx, cfg, files)
	if err != nil {
		return err
	}
	defer closeStore()

	breaker := safety.NewBreaker(
		cfg.CircuitBreaker.Enabled,
		cfg.CircuitBreaker.MaxPersistFailures,
		cfg.CircuitBreaker.MaxReconnectFailures,
	)
	breaker.SetRecovery(
		time.Duration(cfg.CircuitBreaker.ReconnectCooldownSec)*time.Second,
		cfg.CircuitBreaker.ReconnectProbePasses,
	)
	breaker.SetLogger(logger)
	if alerts != nil {
		breaker.SetAlerter(alerts)
	}
	guarded := safety.NewGuardedStore(positions, breaker)

	writer := store.NewAsyncWriter(guarded, store.WriterOptions{
		QueueSize:    cfg.Storage.QueueSize,
		WriteTimeout: time.Duration(cfg.Storage.WriteTimeoutSec) * time.Second,
		Logger:       logger,
		OnResult:     m.ObserveWrite,
	})
	m.WatchWriter(writer)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := writer.Close(closeCtx); err != nil {
			logger.Warn("close store writer failed", zap.String("event", "store_writer_close_failed"), zap.Error(err))
		}
	}()
	p.SetWriter(writer)
	p.SetLoader(guarded)

	runner := engine.LiveRunner{
		Dial: engine.WSDialer(feed.WSConfig{
			URL:        cfg.Feed.WSURL,
			Subscribe:  cfg.Feed.Subscribe,
			PriceField: cfg.Feed.PriceField,
			Symbol:     cfg.Symbol,
			Keepalive:  time.Duration(cfg.Feed.KeepaliveSec) * time.Second,
		}, logger),
		Engine:         p,
		Symbol:         cfg.Symbol,
		Mode:           string(cfg.Mode),
		InstanceID:     cfg.InstanceID,
		InitialHighest: initialHighest,
		Window:         feed.DefaultWindow(),
		Heartbeat:      time.Duration(cfg.Observability.Runtime.HeartbeatSec) * time.Second,
		StatusInterval: time.Duration(cfg.Observability.Runtime.StatusIntervalSec) * time.Second,
		Status:         files,
		Breaker:        breaker,
		Logger:         logger,
		OnTick: func(tick core.Tick, err error) {
			m.ObserveTick(tick.Symbol, err)
		},
		OnSnapshot: m.ObserveSnapshot,
	}
	if alerts != nil {
		runner.Alerts = alerts
	}
	return runner.Run(ctx)
}

// seedHighest keeps the larger of the configured highest and the one the previous run
// reported, so a restart never rebuilds the ladder below the restored book.
func seedHighest(configured decimal.Decimal, prev store.RuntimeStatus, logger *zap.Logger) decimal.Decimal {
	if prev.Highest == "" {
		return configured
	}
	recorded, err := decimal.NewFromString(prev.Highest)
	if err != nil || recorded.Cmp(decimal.Zero) <= 0 {
		logger.Warn("previous highest ignored",
			zap.String("event", "previous_highest_invalid"),
			zap.String("highest", prev.Highest),
		)
		return configured
	}
	if recorded.Cmp(configured) > 0 {
		return recorded
	}
	return configured
}

// openPositionStore returns the configured position backend. The file store doubles as
// the runtime status writer for every driver.
func openPositionStore(ctx context.Context, cfg config.Config, files *store.Store) (store.PositionStore, func(), error) {
	switch cfg.Storage.Driver {
	case config.StorageFile:
		return files, func() {}, nil
	case config.StorageSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.SQLitePath), 0o755); err != nil {
			return nil, nil, err
		}
		db, err := sqlite.Open(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return db, func() { _ = db.Close() }, nil
	case config.StoragePostgres:
		pool, err := postgres.NewPool(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return postgres.NewPositionStore(pool), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported storage driver %q", cfg.Storage.Driver)
	}
}

func serveMetrics(addr string, g prometheus.Gatherer, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(g))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", zap.String("event", "metrics_server_failed"), zap.Error(err))
		}
	}()
	logger.Info("metrics server listening", zap.String("event", "metrics_server_started"), zap.String("addr", addr))
	return srv
}

func buildNotifier(cfg config.Config) alert.Notifier {
	var notifiers alert.MultiNotifier
	if tg := cfg.Observability.Telegram; tg.Enabled {
		notifiers = append(notifiers, alert.NewTelegramNotifier(
			tg.Enabled,
			tg.BotToken,
			tg.ChatID,
			tg.APIBaseURL,
			time.Duration(tg.TimeoutSec)*time.Second,
		))
	}
	if wh := cfg.Observability.Webhook; wh.Enabled {
		notifiers = append(notifiers, alert.NewWebhookNotifier(
			wh.Enabled,
			wh.URL,
			wh.Headers,
			time.Duration(wh.TimeoutSec)*time.Second,
		))
	}
	switch len(notifiers) {
	case 0:
		return nil
	case 1:
		return notifiers[0]
	default:
		return notifiers
	}
}

func buildAlertManager(cfg config.Config, logger *zap.Logger) *alert.Manager {
	notifier := buildNotifier(cfg)
	if notifier == nil {
		return nil
	}
	return alert.NewManagerWithOptions(string(cfg.Mode), cfg.Symbol, notifier, alert.ManagerOptions{
		QueueSize:          cfg.Observability.Runtime.AlertQueueSize,
		DropReportInterval: time.Duration(cfg.Observability.Runtime.AlertDropReportSec) * time.Second,
		Logger:             logger,
	})
}
