// Package datasource supplies ordered historical bars to the engine. Feeds
// are read-only and restartable: the same query always reproduces the same
// sequence, which backtest determinism depends on.
package datasource

import (
	"context"
	"sort"
	"time"

	"github.com/lx-quant/pyramid-trading/internal/types"
)

// Interval is the bar timeframe a feed query asks for.
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval30m Interval = "30m"
	Interval1h  Interval = "1h"
	Interval4h  Interval = "4h"
	Interval1d  Interval = "1d"
	Interval1w  Interval = "1w"
)

// Valid reports whether the interval is one of the supported timeframes.
func (i Interval) Valid() bool {
	switch i {
	case Interval1m, Interval5m, Interval15m, Interval30m,
		Interval1h, Interval4h, Interval1d, Interval1w:
		return true
	default:
		return false
	}
}

// Feed supplies historical bars per instrument for a date range.
type Feed interface {
	// GetHistoricalBars returns the bars for one symbol within [start, end]
	// at the given timeframe, ordered by time ascending. Calling it again
	// with the same arguments must reproduce the same sequence.
	GetHistoricalBars(ctx context.Context, symbol string, start, end time.Time, timeframe Interval) ([]types.MarketData, error)
	// Symbols returns the instruments available in the feed.
	Symbols(ctx context.Context) ([]string, error)
	// Count returns the number of bars within [start, end] across all symbols.
	Count(ctx context.Context, start, end time.Time) (int, error)
	// Close releases feed resources.
	Close() error
}

// Merge combines per-symbol bar sequences into one global stream with a
// strictly non-decreasing timestamp order. Ties on the timestamp are broken
// by symbol so the stream is deterministic.
func Merge(series ...[]types.MarketData) []types.MarketData {
	total := 0
	for _, s := range series {
		total += len(s)
	}

	merged := make([]types.MarketData, 0, total)
	for _, s := range series {
		merged = append(merged, s...)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if !merged[i].Time.Equal(merged[j].Time) {
			return merged[i].Time.Before(merged[j].Time)
		}

		return merged[i].Symbol < merged[j].Symbol
	})

	return merged
}
