package feed

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"

	"ticksim/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBinanceSourceStreamsTrades(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != aggTradesPath {
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("symbol"); got != "BTCUSDT" {
			t.Errorf("symbol = %q, want BTCUSDT", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[
			{"a": 1, "p": "64000.00", "q": "0.5", "T": 1000, "m": false},
			{"a": 2, "p": "64000.50", "q": "1.0", "T": 2000, "m": true}
		]`)
	}))
	defer srv.Close()

	q, err := NewQuantizer(decimal.RequireFromString("0.50"))
	if err != nil {
		t.Fatalf("NewQuantizer() error = %v", err)
	}

	src := NewBinanceSource(srv.URL, "BTCUSDT", 0, 10_000, q, discardLogger())
	defer src.Close()

	ticks, err := Collect(context.Background(), src)
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	want := []types.Tick{
		{TsMs: 1000, PriceTick: 128_000, Qty: 0.5, Side: types.BUY},
		{TsMs: 2000, PriceTick: 128_001, Qty: 1.0, Side: types.SELL},
	}
	if len(ticks) != len(want) {
		t.Fatalf("got %d ticks, want %d", len(ticks), len(want))
	}
	for i := range want {
		if ticks[i] != want[i] {
			t.Errorf("tick %d = %+v, want %+v", i, ticks[i], want[i])
		}
	}
}

func TestBinanceSourceStopsAtWindowEnd(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[
			{"a": 1, "p": "100", "q": "1", "T": 1000, "m": false},
			{"a": 2, "p": "101", "q": "1", "T": 99000, "m": false}
		]`)
	}))
	defer srv.Close()

	q, err := NewQuantizer(decimal.RequireFromString("1"))
	if err != nil {
		t.Fatalf("NewQuantizer() error = %v", err)
	}

	src := NewBinanceSource(srv.URL, "BTCUSDT", 0, 5000, q, discardLogger())
	defer src.Close()

	ticks, err := Collect(context.Background(), src)
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if len(ticks) != 1 || ticks[0].TsMs != 1000 {
		t.Errorf("ticks = %+v, want only the in-window trade", ticks)
	}
}

func TestBinanceSourceServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "teapot", http.StatusTeapot)
	}))
	defer srv.Close()

	q, err := NewQuantizer(decimal.RequireFromString("1"))
	if err != nil {
		t.Fatalf("NewQuantizer() error = %v", err)
	}

	src := NewBinanceSource(srv.URL, "BTCUSDT", 0, 5000, q, discardLogger())
	defer src.Close()

	if _, err := src.Next(context.Background()); err == nil {
		t.Error("Next() succeeded, want error on non-200 response")
	}
}
