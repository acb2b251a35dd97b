// binance.go downloads historical aggregate trades from the Binance REST
// API and serves them as kernel ticks. Pagination follows the aggregate
// trade id; requests are rate limited and retried on 5xx.
package feed

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"ticksim/pkg/types"
)

const (
	aggTradesPath  = "/api/v3/aggTrades"
	aggTradesLimit = 1000
)

// aggTrade mirrors one element of the Binance aggTrades response.
type aggTrade struct {
	ID           int64  `json:"a"`
	Price        string `json:"p"`
	Qty          string `json:"q"`
	Timestamp    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

// BinanceSource streams historical aggregate trades for one symbol,
// quantized to ticks. Fetching is lazy: a page is downloaded when the
// buffer runs dry, and the stream ends (io.EOF) when endTsMs is passed or
// the venue has no more trades.
type BinanceSource struct {
	http    *resty.Client
	rl      *tokenBucket
	quant   *Quantizer
	symbol  string
	nextID  int64 // next aggregate trade id to request; -1 before the first page
	startTs int64
	endTs   int64

	buf  []types.Tick
	pos  int
	done bool

	logger *slog.Logger
}

// NewBinanceSource creates a historical source for symbol covering
// [startTsMs, endTsMs]. The quantizer defines the instrument tick size.
func NewBinanceSource(baseURL, symbol string, startTsMs, endTsMs int64, quant *Quantizer, logger *slog.Logger) *BinanceSource {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})

	return &BinanceSource{
		http:    httpClient,
		rl:      newTokenBucket(10, 5), // well under the venue's request weight budget
		quant:   quant,
		symbol:  symbol,
		nextID:  -1,
		startTs: startTsMs,
		endTs:   endTsMs,
		logger:  logger.With("component", "binance_feed", "symbol", symbol),
	}
}

// Next returns the next tick, fetching further pages as needed.
func (s *BinanceSource) Next(ctx context.Context) (types.Tick, error) {
	for {
		if s.pos < len(s.buf) {
			t := s.buf[s.pos]
			s.pos++
			return t, nil
		}
		if s.done {
			return types.Tick{}, io.EOF
		}
		if err := s.fetchPage(ctx); err != nil {
			return types.Tick{}, err
		}
	}
}

// Close releases nothing; the HTTP client keeps no open resources between
// requests. Present to satisfy Source.
func (s *BinanceSource) Close() error {
	return nil
}

func (s *BinanceSource) fetchPage(ctx context.Context) error {
	if err := s.rl.wait(ctx); err != nil {
		return err
	}

	req := s.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", s.symbol).
		SetQueryParam("limit", fmt.Sprint(aggTradesLimit))
	if s.nextID >= 0 {
		req.SetQueryParam("fromId", fmt.Sprint(s.nextID))
	} else {
		// First page: anchor on the window start.
		req.SetQueryParam("startTime", fmt.Sprint(s.startTs))
		req.SetQueryParam("endTime", fmt.Sprint(s.startTs+60*60*1000))
	}

	var page []aggTrade
	resp, err := req.SetResult(&page).Get(aggTradesPath)
	if err != nil {
		return fmt.Errorf("fetch agg trades: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("fetch agg trades: status %d: %s", resp.StatusCode(), resp.String())
	}

	if len(page) == 0 {
		s.done = true
		return nil
	}

	s.buf = s.buf[:0]
	s.pos = 0
	for _, tr := range page {
		if tr.Timestamp > s.endTs {
			s.done = true
			break
		}
		pt, err := s.quant.PriceTick(tr.Price)
		if err != nil {
			return fmt.Errorf("trade %d: %w", tr.ID, err)
		}
		qty, err := parseQty(tr.Qty)
		if err != nil {
			return fmt.Errorf("trade %d: %w", tr.ID, err)
		}
		// The buyer being the maker means the aggressor sold.
		side := types.BUY
		if tr.IsBuyerMaker {
			side = types.SELL
		}
		s.buf = append(s.buf, types.Tick{TsMs: tr.Timestamp, PriceTick: pt, Qty: qty, Side: side})
		s.nextID = tr.ID + 1
	}

	if len(page) < aggTradesLimit && !s.done {
		s.done = true
	}

	s.logger.Debug("fetched trade page", "count", len(s.buf), "next_id", s.nextID)
	return nil
}

func parseQty(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("bad qty %q", s)
	}
	return v, nil
}
