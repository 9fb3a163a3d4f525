package datasource

import (
	"context"
	"sort"
	"time"

	"github.com/lx-quant/pyramid-trading/internal/types"
	"github.com/lx-quant/pyramid-trading/pkg/errors"
)

// MemoryFeed serves bars from an in-memory map. It is the feed of choice
// for tests and for programmatic runs where the bars are already loaded.
type MemoryFeed struct {
	bars   map[string][]types.MarketData
	closed bool
}

// NewMemoryFeed creates a feed over the given per-symbol bars. The bars
// are sorted by time once at construction.
func NewMemoryFeed(bars map[string][]types.MarketData) *MemoryFeed {
	for symbol := range bars {
		series := bars[symbol]
		sort.SliceStable(series, func(i, j int) bool {
			return series[i].Time.Before(series[j].Time)
		})
		bars[symbol] = series
	}

	return &MemoryFeed{bars: bars}
}

// GetHistoricalBars implements Feed. The in-memory bars carry whatever
// resolution they were loaded at; the timeframe is validated only.
func (f *MemoryFeed) GetHistoricalBars(ctx context.Context, symbol string, start, end time.Time, timeframe Interval) ([]types.MarketData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if !timeframe.Valid() {
		return nil, errors.Newf(errors.ErrCodeUnsupportedTimeframe, "unsupported timeframe %q", timeframe)
	}

	if f.closed {
		return nil, errors.New(errors.ErrCodeFeedAlreadyClosed, "feed is closed")
	}

	series, ok := f.bars[symbol]
	if !ok {
		return nil, errors.Newf(errors.ErrCodeSymbolNotAvailable, "symbol %s not in feed", symbol)
	}

	var result []types.MarketData

	for _, bar := range series {
		if !start.IsZero() && bar.Time.Before(start) {
			continue
		}

		if !end.IsZero() && bar.Time.After(end) {
			continue
		}

		result = append(result, bar)
	}

	return result, nil
}

// Symbols implements Feed.
func (f *MemoryFeed) Symbols(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	symbols := make([]string, 0, len(f.bars))
	for symbol := range f.bars {
		symbols = append(symbols, symbol)
	}

	sort.Strings(symbols)

	return symbols, nil
}

// Count implements Feed.
func (f *MemoryFeed) Count(ctx context.Context, start, end time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	count := 0

	for _, series := range f.bars {
		for _, bar := range series {
			if !start.IsZero() && bar.Time.Before(start) {
				continue
			}

			if !end.IsZero() && bar.Time.After(end) {
				continue
			}

			count++
		}
	}

	return count, nil
}

// Close implements Feed.
func (f *MemoryFeed) Close() error {
	f.closed = true

	return nil
}
