package feed

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"ticksim/pkg/types"
)

// CSVSource reads ticks from a CSV file with the column layout
//
//	ts_ms,price_tick,qty,side
//
// where side is BUY or SELL. A header row is detected by a non-numeric
// first field and skipped. Rows must be in ascending time order; the
// source does not reorder.
type CSVSource struct {
	f      *os.File
	r      *csv.Reader
	row    int
	header bool
}

// OpenCSV opens a tick file for streaming.
func OpenCSV(path string) (*CSVSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open tick file: %w", err)
	}
	r := csv.NewReader(f)
	r.FieldsPerRecord = 4
	r.ReuseRecord = true
	return &CSVSource{f: f, r: r}, nil
}

// Next returns the next tick, or io.EOF at end of file.
func (s *CSVSource) Next(ctx context.Context) (types.Tick, error) {
	for {
		if err := ctx.Err(); err != nil {
			return types.Tick{}, err
		}

		rec, err := s.r.Read()
		if err == io.EOF {
			return types.Tick{}, io.EOF
		}
		if err != nil {
			return types.Tick{}, fmt.Errorf("read tick file: %w", err)
		}
		s.row++

		tsMs, err := strconv.ParseInt(rec[0], 10, 64)
		if err != nil {
			if s.row == 1 && !s.header {
				// First row with a non-numeric timestamp is the header.
				s.header = true
				continue
			}
			return types.Tick{}, fmt.Errorf("row %d: bad ts_ms %q", s.row, rec[0])
		}
		priceTick, err := strconv.ParseInt(rec[1], 10, 64)
		if err != nil {
			return types.Tick{}, fmt.Errorf("row %d: bad price_tick %q", s.row, rec[1])
		}
		qty, err := strconv.ParseFloat(rec[2], 64)
		if err != nil {
			return types.Tick{}, fmt.Errorf("row %d: bad qty %q", s.row, rec[2])
		}
		side := types.Side(rec[3])
		if !side.Valid() {
			return types.Tick{}, fmt.Errorf("row %d: bad side %q", s.row, rec[3])
		}

		return types.Tick{TsMs: tsMs, PriceTick: priceTick, Qty: qty, Side: side}, nil
	}
}

// Close releases the underlying file.
func (s *CSVSource) Close() error {
	return s.f.Close()
}
