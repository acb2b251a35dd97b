// live.go streams trades over WebSocket for paper replay against live
// data. The connection auto-reconnects with exponential backoff and uses a
// read deadline so silent server failures are detected.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ticksim/pkg/types"
)

const (
	liveReadTimeout  = 90 * time.Second
	maxReconnectWait = 30 * time.Second
	liveBufferSize   = 256
)

// wsTrade mirrors one trade event from the Binance trade stream.
type wsTrade struct {
	EventType    string `json:"e"`
	Timestamp    int64  `json:"T"`
	Price        string `json:"p"`
	Qty          string `json:"q"`
	IsBuyerMaker bool   `json:"m"`
}

// LiveSource streams trades for one symbol over WebSocket and serves them
// as quantized ticks. The stream never returns io.EOF; replay stops when
// the caller's context is cancelled.
type LiveSource struct {
	url    string
	quant  *Quantizer
	logger *slog.Logger

	startOnce sync.Once
	cancel    context.CancelFunc
	tickCh    chan types.Tick

	connMu sync.Mutex
	conn   *websocket.Conn
}

// NewLiveSource creates a live source reading symbol's trade stream from
// the given WebSocket endpoint.
func NewLiveSource(wsURL, symbol string, quant *Quantizer, logger *slog.Logger) *LiveSource {
	return &LiveSource{
		url:    fmt.Sprintf("%s/ws/%s@trade", wsURL, strings.ToLower(symbol)),
		quant:  quant,
		logger: logger.With("component", "live_feed", "symbol", symbol),
		tickCh: make(chan types.Tick, liveBufferSize),
	}
}

// Next blocks for the next live tick. The connection is established on the
// first call.
func (s *LiveSource) Next(ctx context.Context) (types.Tick, error) {
	s.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		go s.run(runCtx)
	})

	select {
	case <-ctx.Done():
		return types.Tick{}, ctx.Err()
	case tick := <-s.tickCh:
		return tick, nil
	}
}

// Close stops the stream and closes the connection.
func (s *LiveSource) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// run maintains the connection with auto-reconnect until ctx is cancelled.
func (s *LiveSource) run(ctx context.Context) {
	backoff := time.Second

	for {
		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return
		}

		s.logger.Warn("websocket disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (s *LiveSource) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
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

	s.logger.Info("websocket connected")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(liveReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		s.handleMessage(msg)
	}
}

func (s *LiveSource) handleMessage(msg []byte) {
	var tr wsTrade
	if err := json.Unmarshal(msg, &tr); err != nil || tr.EventType != "trade" {
		return
	}

	pt, err := s.quant.PriceTick(tr.Price)
	if err != nil {
		s.logger.Warn("dropping trade with unparseable price", "price", tr.Price)
		return
	}
	qty, err := parseQty(tr.Qty)
	if err != nil {
		s.logger.Warn("dropping trade with unparseable qty", "qty", tr.Qty)
		return
	}

	side := types.BUY
	if tr.IsBuyerMaker {
		side = types.SELL
	}

	select {
	case s.tickCh <- types.Tick{TsMs: tr.Timestamp, PriceTick: pt, Qty: qty, Side: side}:
	default:
		s.logger.Warn("tick buffer full, dropping trade")
	}
}
