package feed

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"pyramid-trading/internal/core"
)

// WSConfig describes a ticker stream. Subscribe, when set, is sent verbatim as
// the first text frame after the handshake.
type WSConfig struct {
	URL        string
	Subscribe  string
	PriceField string
	Symbol     string
	Keepalive  time.Duration
}

// WSFeed reads ticker frames from one websocket connection.
type WSFeed struct {
	conn      *websocket.Conn
	cfg       WSConfig
	logger    *zap.Logger
	now       func() time.Time
	keepalive time.Duration
}

func DialWS(ctx context.Context, cfg WSConfig, logger *zap.Logger) (*WSFeed, error) {
	if cfg.URL == "" {
		return nil, errors.New("ws url required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	if cfg.Subscribe != "" {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(cfg.Subscribe)); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	return &WSFeed{
		conn:      conn,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		keepalive: cfg.Keepalive,
	}, nil
}

// Ticks streams decoded ticks until the connection fails or ctx is done. The tick
// channel is closed when the reader stops; the first error is reported on errCh.
func (w *WSFeed) Ticks(ctx context.Context) (<-chan core.Tick, <-chan error) {
	ticks := make(chan core.Tick)
	errCh := make(chan error, 4)
	done := make(chan struct{})

	reportErr := func(err error) {
		if err == nil {
			return
		}
		select {
		case errCh <- err:
		default:
		}
	}

	readTimeout := 45 * time.Second
	if w.keepalive > 0 {
		readTimeout = w.keepalive * 3
		if readTimeout < 30*time.Second {
			readTimeout = 30 * time.Second
		}
	}
	w.conn.SetPongHandler(func(string) error {
		return w.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	var prices []string
	if w.cfg.PriceField != "" {
		prices = []string{w.cfg.PriceField}
	}
	symbol := strings.ToUpper(w.cfg.Symbol)

	go func() {
		defer close(done)
		defer close(ticks)
		defer w.conn.Close()

		for {
			_ = w.conn.SetReadDeadline(time.Now().Add(readTimeout))
			_, data, err := w.conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					reportErr(err)
				}
				return
			}
			if len(data) == 0 {
				continue
			}
			tick, hasTime, ok := decodeTick(data, prices)
			if !ok {
				continue
			}
			if tick.Symbol == "" {
				tick.Symbol = symbol
			} else if symbol != "" && tick.Symbol != symbol {
				continue
			}
			if !hasTime {
				tick.Time = w.now().UTC()
			}
			tick.Source = "ws"
			select {
			case ticks <- tick:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		var tickC <-chan time.Time
		if w.keepalive > 0 {
			ticker := time.NewTicker(w.keepalive)
			defer ticker.Stop()
			tickC = ticker.C
		}
		for {
			select {
			case <-tickC:
				if err := w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					reportErr(err)
					_ = w.conn.Close()
					return
				}
			case <-done:
				return
			case <-ctx.Done():
				_ = w.conn.Close()
				return
			}
		}
	}()

	return ticks, errCh
}

func (w *WSFeed) Close() error {
	return w.conn.Close()
}
