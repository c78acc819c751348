package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"pyramid-trading/internal/config"
	"pyramid-trading/internal/core"
	"pyramid-trading/internal/feed"
	"pyramid-trading/internal/logging"
)

const defaultOutDir = "data/ticks"

func main() {
	var (
		configPath string
		outDir     string
		duration   time.Duration
	)
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path (feed and symbol sections)")
	flag.StringVar(&outDir, "out-dir", defaultOutDir, "output root dir")
	flag.DurationVar(&duration, "for", 0, "stop after this long, 0 records until interrupted")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}
	if cfg.Feed.WSURL == "" {
		fatal("feed.ws_url is required")
	}
	logger, err := logging.New(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fatal(err.Error())
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	targetDir := filepath.Join(outDir, cfg.Symbol)
	rec, err := feed.NewRecorder(targetDir)
	if err != nil {
		fatal(err.Error())
	}
	defer func() {
		if closeErr := rec.Close(); closeErr != nil {
			logger.Warn("close recorder failed", zap.String("event", "recorder_close_failed"), zap.Error(closeErr))
		}
	}()

	ws, err := feed.DialWS(ctx, feed.WSConfig{
		URL:        cfg.Feed.WSURL,
		Subscribe:  cfg.Feed.Subscribe,
		PriceField: cfg.Feed.PriceField,
		Symbol:     cfg.Symbol,
		Keepalive:  time.Duration(cfg.Feed.KeepaliveSec) * time.Second,
	}, logger)
	if err != nil {
		fatal(err.Error())
	}
	defer ws.Close()

	logger.Info("recording ticks",
		zap.String("event", "recorder_started"),
		zap.String("symbol", cfg.Symbol),
		zap.String("out_dir", targetDir),
	)
	ticks, errs := ws.Ticks(ctx)
	err = record(ctx, ticks, errs, rec, time.Now, logger)
	logger.Info("recording stopped",
		zap.String("event", "recorder_stopped"),
		zap.Int("records", rec.Written()),
	)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		logger.Error("recorder failed", zap.String("event", "recorder_failed"), zap.Error(err))
		os.Exit(1)
	}
}

type tickWriter interface {
	Write(tick core.Tick) error
}

// record writes every valid tick until the stream ends or ctx is done.
func record(ctx context.Context, ticks <-chan core.Tick, errs <-chan error, w tickWriter, now func() time.Time, logger *zap.Logger) error {
	window := feed.DefaultWindow()
	for {
		select {
		case tick, ok := <-ticks:
			if !ok {
				select {
				case err := <-errs:
					if err != nil {
						return err
					}
				default:
				}
				return ctx.Err()
			}
			if err := feed.Validate(tick, now(), window); err != nil {
				logger.Warn("tick rejected",
					zap.String("event", "tick_rejected"),
					zap.String("price", tick.Price.String()),
					zap.Error(err),
				)
				continue
			}
			if err := w.Write(tick); err != nil {
				return fmt.Errorf("write tick: %w", err)
			}
		case err := <-errs:
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
